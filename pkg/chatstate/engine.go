package chatstate

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/docchat/docchat/pkg/chatclient"
	"github.com/docchat/docchat/pkg/conversation"
	"github.com/docchat/docchat/pkg/streaming"
)

// Service is the effect boundary for non-streaming network calls. The
// reducer and its mutations never touch the network directly, so the whole
// state layer is testable against a fake.
type Service interface {
	GetConversation(ctx context.Context, conversationID string) (*chatclient.ConversationData, error)
	Edit(ctx context.Context, messageID conversation.MessageID, newContent string, regenerate bool) (*chatclient.EditResult, error)
	Delete(ctx context.Context, messageID conversation.MessageID) error
}

var _ Service = (*chatclient.Client)(nil)

// Engine drives one conversation: it owns the State, reconciles optimistic
// messages with server confirmations as stream events arrive, and re-resolves
// the transcript after every change.
//
// Stream callbacks arrive on the session's consumer goroutine; the engine's
// mutex serializes them with user actions so state transitions apply one at
// a time, in arrival order.
type Engine struct {
	mu       sync.Mutex
	state    *State
	service  Service
	sessions *streaming.Manager
}

func NewEngine(conversationID string, service Service, sessions *streaming.Manager) *Engine {
	return &Engine{
		state:    NewState(conversationID),
		service:  service,
		sessions: sessions,
	}
}

// Load fetches the conversation and replaces the local graph.
func (e *Engine) Load(ctx context.Context) error {
	data, err := e.service.GetConversation(ctx, e.conversationID())
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.Apply(MutateLoad(data.Messages, data.LLMMode))
}

// Resolution returns the currently displayed transcript.
func (e *Engine) Resolution() conversation.Resolution {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.Resolution
}

// Turn returns a copy of the in-flight turn, or nil when idle.
func (e *Engine) Turn() *Turn {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state.Turn == nil {
		return nil
	}
	turn := *e.state.Turn
	return &turn
}

// Submit creates the optimistic user turn and assistant placeholder, then
// opens a streaming session for the response.
func (e *Engine) Submit(ctx context.Context, prompt string) (*streaming.SessionHandle, error) {
	e.mu.Lock()
	parentID := e.state.ActiveParentID()
	if err := e.state.Apply(MutateBeginTurn(prompt)); err != nil {
		e.mu.Unlock()
		return nil, err
	}
	conversationID := e.state.ConversationID
	e.mu.Unlock()

	return e.sessions.Open(ctx, streaming.StreamRequest{
		ConversationID:  conversationID,
		Prompt:          prompt,
		ParentMessageID: parentID,
	}, e.callbacks())
}

// Abort cancels the active streaming session; the session's abort callback
// marks the placeholder stopped while preserving accumulated content.
func (e *Engine) Abort() error {
	return e.sessions.Abort()
}

// Edit appends a new version to a user turn's edit group after the server
// confirms it, then re-anchors the transcript on the new version. With
// regenerate set, a fresh streaming session produces the new version's
// assistant reply.
func (e *Engine) Edit(ctx context.Context, messageID conversation.MessageID, newContent string, regenerate bool) (*streaming.SessionHandle, error) {
	result, err := e.service.Edit(ctx, messageID, newContent, regenerate)
	if err != nil {
		// the optimistic graph is untouched on round-trip failure
		return nil, errors.Wrap(err, "edit failed")
	}

	e.mu.Lock()
	err = e.state.Apply(MutateAppendEditVersion(messageID, result.MessageID, newContent, result.VersionIndex))
	e.mu.Unlock()
	if err != nil {
		return nil, err
	}

	if !regenerate {
		return nil, nil
	}
	return e.regenerateFor(ctx, result.MessageID, newContent)
}

// Regenerate retires the current assistant reply of a user turn and streams
// a fresh one.
func (e *Engine) Regenerate(ctx context.Context, userMessageID conversation.MessageID) (*streaming.SessionHandle, error) {
	e.mu.Lock()
	user, ok := e.state.Store.Get(userMessageID)
	if !ok {
		e.mu.Unlock()
		return nil, errors.Errorf("unknown message %s", userMessageID)
	}
	prompt := user.Content
	e.mu.Unlock()

	return e.regenerateFor(ctx, userMessageID, prompt)
}

func (e *Engine) regenerateFor(ctx context.Context, userMessageID conversation.MessageID, prompt string) (*streaming.SessionHandle, error) {
	e.mu.Lock()
	if err := e.state.Apply(MutateBeginRegenerate(userMessageID)); err != nil {
		e.mu.Unlock()
		return nil, err
	}
	conversationID := e.state.ConversationID
	parentID := conversation.NullID
	if user, ok := e.state.Store.Get(userMessageID); ok {
		parentID = user.ReplyToID
	}
	e.mu.Unlock()

	return e.sessions.Open(ctx, streaming.StreamRequest{
		ConversationID:  conversationID,
		Prompt:          prompt,
		ParentMessageID: parentID,
		Options: map[string]interface{}{
			"regenerate":      true,
			"user_message_id": userMessageID.String(),
		},
	}, e.callbacks())
}

// Delete removes a message server-side, then prunes it and its subtree from
// the local graph. The server deletes only the single message; the client
// chooses to cascade locally rather than display orphans.
func (e *Engine) Delete(ctx context.Context, messageID conversation.MessageID) error {
	if err := e.service.Delete(ctx, messageID); err != nil {
		return errors.Wrap(err, "delete failed")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.Apply(MutateDelete(messageID))
}

// SaveSnapshot writes the current graph to a JSON file.
func (e *Engine) SaveSnapshot(path string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.Store.SaveToFile(path)
}

// SelectVersion re-anchors the transcript on a specific edit version.
func (e *Engine) SelectVersion(id conversation.MessageID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.Apply(MutateSelectVersion(id))
}

// PrevVersion navigates to the version preceding id within its edit group.
// Returns the id now displayed.
func (e *Engine) PrevVersion(id conversation.MessageID) (conversation.MessageID, error) {
	return e.navigate(id, func(s *conversation.Store) *conversation.Message {
		return s.PrevVersion(id)
	})
}

// NextVersion navigates to the version following id within its edit group.
func (e *Engine) NextVersion(id conversation.MessageID) (conversation.MessageID, error) {
	return e.navigate(id, func(s *conversation.Store) *conversation.Message {
		return s.NextVersion(id)
	})
}

func (e *Engine) navigate(id conversation.MessageID, pick func(*conversation.Store) *conversation.Message) (conversation.MessageID, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	target := pick(e.state.Store)
	if target == nil {
		return id, nil
	}
	if err := e.state.Apply(MutateSelectVersion(target.ID)); err != nil {
		return conversation.NullID, err
	}
	return target.ID, nil
}

// callbacks wires stream events into state mutations. Each callback applies
// its mutation under the engine lock; mutation failures are logged, never
// fatal to the session.
func (e *Engine) callbacks() streaming.Callbacks {
	return streaming.Callbacks{
		OnToken: func(delta string) {
			e.apply(MutateAppendToken(delta))
		},
		OnMeta: func(meta streaming.Meta) {
			e.apply(MutateConfirmUser(meta.UserMessageID, meta.EditGroupID, meta.Sources, meta.SourceChunks))
		},
		OnDone: func(done streaming.Done) {
			e.apply(MutateComplete(done.AssistantMessageID, done.Content))
		},
		OnError: func(errMsg string) {
			e.apply(MutateMarkError(errMsg))
		},
		OnAbort: func(partial string) {
			e.apply(MutateMarkStopped(partial))
		},
	}
}

func (e *Engine) apply(m Mutation) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.state.Apply(m); err != nil {
		log.Warn().Err(err).Str("mutation", m.Name()).Msg("state transition failed")
	}
}

func (e *Engine) conversationID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.ConversationID
}
