package chatclient

import (
	"net/netip"
	"net/url"
	"strings"

	"github.com/pkg/errors"
)

// URLOptions configures backend base URL validation.
type URLOptions struct {
	// AllowHTTP permits plain HTTP base URLs. HTTPS is always allowed.
	AllowHTTP bool
	// AllowLocalNetworks permits loopback/private/link-local targets and
	// localhost hostnames, the usual setup during development.
	AllowLocalNetworks bool
}

// ValidateBaseURL checks that a backend base URL is acceptable before any
// request is made with it. In strict mode only public HTTPS endpoints pass,
// which keeps a misconfigured deployment from pointing the client at internal
// infrastructure.
func ValidateBaseURL(rawURL string, opts URLOptions) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return errors.Wrap(err, "invalid URL")
	}

	switch parsed.Scheme {
	case "https":
	case "http":
		if !opts.AllowHTTP {
			return errors.New("http scheme is not allowed")
		}
	default:
		return errors.Errorf("unsupported URL scheme %q", parsed.Scheme)
	}

	host := strings.ToLower(parsed.Hostname())
	if host == "" {
		return errors.New("URL host is required")
	}

	if !opts.AllowLocalNetworks {
		if host == "localhost" || strings.HasSuffix(host, ".localhost") || strings.HasSuffix(host, ".local") {
			return errors.Errorf("local hostname %q is not allowed", host)
		}
	}

	// IP literals are checked without DNS lookups
	if addr, err := netip.ParseAddr(host); err == nil {
		if addr.Zone() != "" && !opts.AllowLocalNetworks {
			return errors.Errorf("zoned IP address %q is not allowed", host)
		}
		addr = addr.Unmap()

		if addr.IsUnspecified() || addr.IsMulticast() {
			return errors.Errorf("disallowed IP address %q", host)
		}

		if !opts.AllowLocalNetworks {
			if addr.IsLoopback() || addr.IsPrivate() || addr.IsLinkLocalUnicast() || addr.IsLinkLocalMulticast() {
				return errors.Errorf("local network IP %q is not allowed", host)
			}
		}
	}

	return nil
}
