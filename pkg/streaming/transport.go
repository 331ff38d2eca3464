package streaming

import (
	"context"

	"github.com/docchat/docchat/pkg/conversation"
	"github.com/docchat/docchat/pkg/events"
)

// StreamRequest describes one assistant-response request.
type StreamRequest struct {
	ConversationID string
	Prompt         string
	// ParentMessageID is the message the new user turn replies to; NullID for
	// the first turn of a conversation.
	ParentMessageID conversation.MessageID
	// Options are forwarded opaquely to the backend (llm mode, temperature...).
	Options map[string]interface{}
}

// Transport opens a streaming exchange with the backend and delivers the
// server's ordered event sequence on the returned channel: zero or more
// partial events, at most one meta event, then exactly one final or error
// event. The channel is closed when the stream ends or ctx is canceled; a
// transport must honor ctx cancellation promptly.
type Transport interface {
	Open(ctx context.Context, req StreamRequest) (<-chan events.Event, error)
}
