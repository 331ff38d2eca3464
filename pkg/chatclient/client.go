package chatclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/docchat/docchat/pkg/conversation"
)

// Client talks to the document-chat backend: conversation load, the
// streaming chat endpoint, message edit and delete. All wire-format
// normalization happens here; the rest of the system only ever sees the
// canonical conversation.Message schema.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

type ClientOption func(*Client)

func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

func WithAPIKey(apiKey string) ClientOption {
	return func(c *Client) {
		c.apiKey = apiKey
	}
}

func NewClient(baseURL string, options ...ClientOption) *Client {
	ret := &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
	for _, option := range options {
		option(ret)
	}
	return ret
}

// ConversationData is the payload of a conversation load. Documents are
// carried opaquely; the engine only consumes the messages.
type ConversationData struct {
	Messages  []*conversation.Message
	Documents json.RawMessage
	LLMMode   string
}

type wireConversation struct {
	Messages  []conversation.WireMessage `json:"messages"`
	Documents json.RawMessage            `json:"documents"`
	LLMMode   string                     `json:"llm_mode"`
}

// GetConversation fetches and normalizes a conversation.
func (c *Client) GetConversation(ctx context.Context, conversationID string) (*ConversationData, error) {
	var wire wireConversation
	err := c.getJSON(ctx, fmt.Sprintf("/api/conversations/%s", url.PathEscape(conversationID)), &wire)
	if err != nil {
		return nil, errors.Wrapf(err, "could not fetch conversation %s", conversationID)
	}

	msgs, err := conversation.NormalizeAll(wire.Messages)
	if err != nil {
		return nil, errors.Wrap(err, "could not normalize conversation messages")
	}

	log.Debug().
		Str("conversation_id", conversationID).
		Int("message_count", len(msgs)).
		Str("llm_mode", wire.LLMMode).
		Msg("loaded conversation")

	return &ConversationData{
		Messages:  msgs,
		Documents: wire.Documents,
		LLMMode:   wire.LLMMode,
	}, nil
}

// EditResult is the backend's answer to an edit: the persisted id of the new
// version and its position in the edit group.
type EditResult struct {
	MessageID    conversation.MessageID
	EditGroupID  conversation.MessageID
	VersionIndex int
}

type wireEditResult struct {
	MessageID    conversation.WireID `json:"message_id"`
	EditGroupID  conversation.WireID `json:"edit_group_id"`
	VersionIndex int                 `json:"version_index"`
}

// Edit creates a new version of a user turn. When regenerate is set the
// backend also starts a fresh assistant response, which the caller picks up
// through a new streaming session.
func (c *Client) Edit(ctx context.Context, messageID conversation.MessageID, newContent string, regenerate bool) (*EditResult, error) {
	body := map[string]interface{}{
		"content":    newContent,
		"regenerate": regenerate,
	}
	var wire wireEditResult
	err := c.postJSON(ctx, fmt.Sprintf("/api/messages/%s/edit", url.PathEscape(messageID.String())), body, &wire)
	if err != nil {
		return nil, errors.Wrapf(err, "could not edit message %s", messageID)
	}
	return &EditResult{
		MessageID:    conversation.MessageID(wire.MessageID),
		EditGroupID:  conversation.MessageID(wire.EditGroupID),
		VersionIndex: wire.VersionIndex,
	}, nil
}

// Delete removes exactly one message server-side.
func (c *Client) Delete(ctx context.Context, messageID conversation.MessageID) error {
	req, err := c.newRequest(ctx, http.MethodDelete, fmt.Sprintf("/api/messages/%s", url.PathEscape(messageID.String())), nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Wrapf(err, "could not delete message %s", messageID)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	return checkStatus(resp)
}

func (c *Client) getJSON(ctx context.Context, path string, out interface{}) error {
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	return c.doJSON(req, out)
}

func (c *Client) postJSON(ctx context.Context, path string, body interface{}, out interface{}) error {
	b, err := json.Marshal(body)
	if err != nil {
		return errors.Wrap(err, "could not marshal request body")
	}
	req, err := c.newRequest(ctx, http.MethodPost, path, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.doJSON(req, out)
}

func (c *Client) newRequest(ctx context.Context, method string, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, errors.Wrap(err, "could not create request")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	return req, nil
}

func (c *Client) doJSON(req *http.Request, out interface{}) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Wrap(err, "request failed")
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if err := checkStatus(resp); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrap(err, "could not decode response")
	}
	return nil
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return errors.Errorf("%s %s: %s (%s)", resp.Request.Method, resp.Request.URL.Path, resp.Status, bytes.TrimSpace(body))
}
