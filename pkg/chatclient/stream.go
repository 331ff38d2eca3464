package chatclient

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/docchat/docchat/pkg/events"
	"github.com/docchat/docchat/pkg/streaming"
)

// Open implements streaming.Transport against the backend's SSE chat
// endpoint. The server pushes one "data:" line per event, already in the
// tagged event encoding; parsing failures on single events are logged and
// skipped rather than killing the stream.
func (c *Client) Open(ctx context.Context, req streaming.StreamRequest) (<-chan events.Event, error) {
	body := map[string]interface{}{
		"prompt":            req.Prompt,
		"parent_message_id": req.ParentMessageID.String(),
	}
	if len(req.Options) > 0 {
		body["options"] = req.Options
	}
	b, err := json.Marshal(body)
	if err != nil {
		return nil, errors.Wrap(err, "could not marshal stream request")
	}

	path := fmt.Sprintf("/api/conversations/%s/chat/stream", url.PathEscape(req.ConversationID))
	httpReq, err := c.newRequest(ctx, http.MethodPost, path, bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	// the default client timeout would cut long streams short
	streamClient := &http.Client{Transport: c.httpClient.Transport}
	resp, err := streamClient.Do(httpReq)
	if err != nil {
		return nil, errors.Wrap(err, "could not open stream")
	}
	if err := checkStatus(resp); err != nil {
		_ = resp.Body.Close()
		return nil, err
	}

	ch := make(chan events.Event)
	go c.readEvents(ctx, resp.Body, ch)
	return ch, nil
}

func (c *Client) readEvents(ctx context.Context, body io.ReadCloser, ch chan<- events.Event) {
	defer close(ch)
	defer func() {
		_ = body.Close()
	}()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 || !bytes.HasPrefix(line, []byte("data:")) {
			continue
		}
		payload := bytes.TrimSpace(bytes.TrimPrefix(line, []byte("data:")))
		if bytes.Equal(payload, []byte("[DONE]")) {
			return
		}

		ev, err := events.NewEventFromJson(payload)
		if err != nil {
			log.Warn().Err(err).Str("payload", string(payload)).Msg("skipping malformed stream event")
			continue
		}

		select {
		case ch <- ev:
		case <-ctx.Done():
			return
		}
	}

	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		// surface transport failure as an error event so the session state
		// machine sees a terminal event instead of a bare channel close
		errEv := events.NewErrorEvent(events.EventMetadata{}, errors.Wrap(err, "stream read failed"))
		select {
		case ch <- errEv:
		case <-ctx.Done():
		}
	}
}

var _ streaming.Transport = (*Client)(nil)
