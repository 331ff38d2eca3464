package streaming

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/docchat/docchat/pkg/conversation"
	"github.com/docchat/docchat/pkg/events"
)

var (
	ErrManagerNil      = errors.New("session manager is nil")
	ErrTransportNil    = errors.New("session manager has no transport")
	ErrSessionNoActive = errors.New("no active streaming session")
)

// SessionState tracks the lifecycle of one streaming session.
type SessionState string

const (
	StateIdle      SessionState = "idle"
	StateSent      SessionState = "sent"
	StateThinking  SessionState = "thinking"
	StateStreaming SessionState = "streaming"
	StateDone      SessionState = "done"
	StateErrored   SessionState = "errored"
	StateAborted   SessionState = "aborted"
)

func (s SessionState) Terminal() bool {
	return s == StateDone || s == StateErrored || s == StateAborted
}

// Meta is the confirmation payload for the optimistic user turn.
type Meta struct {
	UserMessageID conversation.MessageID
	EditGroupID   conversation.MessageID
	Sources       []string
	SourceChunks  []conversation.SourceChunk
}

// Done is the successful completion payload. Content is the final text: the
// backend's full_response when it sent one that differs from the accumulated
// buffer, the buffer otherwise.
type Done struct {
	AssistantMessageID conversation.MessageID
	Content            string
	Overridden         bool
}

// Callbacks receive session events in strict arrival order, invoked from the
// session's consumer goroutine. OnMeta is delivered at most once and always
// before OnDone; exactly one of OnDone, OnError or OnAbort terminates a
// session. Callbacks from a superseded session are never invoked.
type Callbacks struct {
	OnToken func(delta string)
	OnMeta  func(meta Meta)
	OnDone  func(done Done)
	OnError func(errMsg string)
	OnAbort func(partial string)
}

// SessionHandle represents one in-flight streaming session. It is cancelable;
// the underlying exchange is always driven by context cancellation.
type SessionHandle struct {
	SessionID      string
	ConversationID string

	generation uint64
	done       chan struct{}

	mu     sync.Mutex
	cancel context.CancelFunc
	state  SessionState
	buf    strings.Builder
	err    error
}

func newSessionHandle(conversationID string, generation uint64, cancel context.CancelFunc) *SessionHandle {
	return &SessionHandle{
		SessionID:      uuid.NewString(),
		ConversationID: conversationID,
		generation:     generation,
		done:           make(chan struct{}),
		cancel:         cancel,
		state:          StateSent,
	}
}

func (h *SessionHandle) State() SessionState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Completion returns the content accumulated so far.
func (h *SessionHandle) Completion() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.buf.String()
}

func (h *SessionHandle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Cancel aborts the session. Safe to call multiple times.
func (h *SessionHandle) Cancel() {
	if h == nil {
		return
	}
	h.mu.Lock()
	cancel := h.cancel
	h.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Wait blocks until the session reaches a terminal state.
func (h *SessionHandle) Wait() SessionState {
	<-h.done
	return h.State()
}

func (h *SessionHandle) IsRunning() bool {
	if h == nil {
		return false
	}
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

func (h *SessionHandle) setState(s SessionState) {
	h.mu.Lock()
	h.state = s
	h.mu.Unlock()
}

func (h *SessionHandle) appendToken(delta string) {
	h.mu.Lock()
	h.buf.WriteString(delta)
	h.mu.Unlock()
}

// finish moves the handle to a terminal state and cancels the session
// context, so the transport's reader goroutine always unblocks even when the
// server keeps writing after the terminal event.
func (h *SessionHandle) finish(s SessionState, err error) {
	h.mu.Lock()
	h.state = s
	h.err = err
	cancel := h.cancel
	h.cancel = nil
	h.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	close(h.done)
}

// Manager owns the streaming sessions of one conversation and enforces that
// at most one is active at a time. Opening a new session supersedes any
// running one: the old session is canceled and its generation retired, so
// late events from it are dropped by identity comparison rather than by a
// shared flag.
type Manager struct {
	transport Transport
	sinks     []EventSink

	mu         sync.Mutex
	generation uint64
	active     *SessionHandle

	// cbMu makes the currency check and the callback application one atomic
	// step: Open bumps the generation under the same lock, so a session that
	// passed the check cannot have a callback land after a successor was
	// installed. Lock order is cbMu before mu.
	cbMu sync.Mutex
}

type ManagerOption func(*Manager)

func WithSinks(sinks ...EventSink) ManagerOption {
	return func(m *Manager) {
		m.sinks = append(m.sinks, sinks...)
	}
}

func NewManager(transport Transport, options ...ManagerOption) *Manager {
	ret := &Manager{
		transport: transport,
	}
	for _, option := range options {
		option(ret)
	}
	return ret
}

// Active returns the currently running session handle, if any.
func (m *Manager) Active() *SessionHandle {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active != nil && m.active.IsRunning() {
		return m.active
	}
	return nil
}

// Abort cancels the active session.
func (m *Manager) Abort() error {
	h := m.Active()
	if h == nil {
		return ErrSessionNoActive
	}
	h.Cancel()
	return nil
}

// Open starts a streaming session and returns its handle. Events are consumed
// on a dedicated goroutine that applies the session state machine and invokes
// the callbacks in arrival order.
func (m *Manager) Open(ctx context.Context, req StreamRequest, cb Callbacks) (*SessionHandle, error) {
	if m == nil {
		return nil, ErrManagerNil
	}
	if m.transport == nil {
		return nil, ErrTransportNil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	// taking cbMu here waits out any in-flight callback of the superseded
	// session before the new generation becomes visible
	m.cbMu.Lock()
	m.mu.Lock()
	if m.active != nil && m.active.IsRunning() {
		log.Debug().Str("session_id", m.active.SessionID).Msg("superseding active streaming session")
		m.active.Cancel()
	}
	m.generation++
	runCtx, cancel := context.WithCancel(ctx)
	handle := newSessionHandle(req.ConversationID, m.generation, cancel)
	m.active = handle
	m.mu.Unlock()
	m.cbMu.Unlock()

	ch, err := m.transport.Open(runCtx, req)
	if err != nil {
		m.retire(handle)
		handle.finish(StateErrored, err)
		return nil, errors.Wrap(err, "could not open stream")
	}

	log.Debug().
		Str("session_id", handle.SessionID).
		Str("conversation_id", req.ConversationID).
		Str("parent_id", req.ParentMessageID.String()).
		Msg("streaming session opened")

	go m.consume(runCtx, handle, ch, cb)

	return handle, nil
}

// current reports whether the handle is still the one whose callbacks may be
// applied. The comparison is by generation, not a boolean, so a late event
// from a superseded session can never slip through.
func (m *Manager) current(h *SessionHandle) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active == h && m.generation == h.generation
}

func (m *Manager) retire(h *SessionHandle) {
	m.mu.Lock()
	if m.active == h {
		m.active = nil
	}
	m.mu.Unlock()
}

func (m *Manager) consume(ctx context.Context, h *SessionHandle, ch <-chan events.Event, cb Callbacks) {
	defer m.retire(h)

	sawMeta := false
	for {
		select {
		case <-ctx.Done():
			m.finishAborted(h, cb)
			return

		case ev, ok := <-ch:
			if !ok {
				// channel closed without a terminal event
				if ctx.Err() != nil {
					m.finishAborted(h, cb)
					return
				}
				m.cbMu.Lock()
				if m.current(h) && cb.OnError != nil {
					cb.OnError("stream closed without terminal event")
				}
				h.finish(StateErrored, errors.New("stream closed without terminal event"))
				m.cbMu.Unlock()
				return
			}

			m.publishToSinks(h, ev)

			m.cbMu.Lock()
			if !m.current(h) {
				m.cbMu.Unlock()
				log.Debug().
					Str("session_id", h.SessionID).
					Str("event_type", string(ev.Type())).
					Msg("dropping event from superseded session")
				continue
			}
			terminal := m.apply(h, ev, cb, &sawMeta)
			m.cbMu.Unlock()
			if terminal {
				return
			}
		}
	}
}

// apply advances the session state machine for one event. Returns true when
// the event was terminal.
func (m *Manager) apply(h *SessionHandle, ev events.Event, cb Callbacks, sawMeta *bool) bool {
	switch ev := ev.(type) {
	case *events.EventStart:
		h.setState(StateThinking)

	case *events.EventPartial:
		if h.State() != StateStreaming {
			h.setState(StateStreaming)
		}
		h.appendToken(ev.Delta)
		if cb.OnToken != nil {
			cb.OnToken(ev.Delta)
		}

	case *events.EventMeta:
		if *sawMeta {
			log.Warn().Str("session_id", h.SessionID).Msg("duplicate meta event, ignoring")
			return false
		}
		*sawMeta = true
		if cb.OnMeta != nil {
			cb.OnMeta(Meta{
				UserMessageID: conversation.MessageID(ev.UserMessageID),
				EditGroupID:   conversation.MessageID(ev.EditGroupID),
				Sources:       ev.Sources,
				SourceChunks:  ev.SourceChunks,
			})
		}

	case *events.EventFinal:
		done := Done{
			AssistantMessageID: conversation.MessageID(ev.AssistantMessageID),
			Content:            h.Completion(),
		}
		// the backend's full_response is authoritative when it disagrees with
		// the locally accumulated buffer
		if ev.FullResponse != "" && ev.FullResponse != done.Content {
			done.Content = ev.FullResponse
			done.Overridden = true
		}
		// callback first, finish second: once Wait unblocks, the completion
		// has already been applied
		if cb.OnDone != nil {
			cb.OnDone(done)
		}
		h.finish(StateDone, nil)
		return true

	case *events.EventError:
		if cb.OnError != nil {
			cb.OnError(ev.ErrorString)
		}
		h.finish(StateErrored, errors.New(ev.ErrorString))
		return true

	case *events.EventInterrupt:
		m.finishAbortedLocked(h, cb)
		return true

	default:
		log.Warn().Str("event_type", string(ev.Type())).Msg("unhandled stream event type")
	}

	return false
}

func (m *Manager) finishAborted(h *SessionHandle, cb Callbacks) {
	m.cbMu.Lock()
	defer m.cbMu.Unlock()
	m.finishAbortedLocked(h, cb)
}

// finishAbortedLocked requires cbMu to be held.
func (m *Manager) finishAbortedLocked(h *SessionHandle, cb Callbacks) {
	if h.State().Terminal() {
		return
	}
	partial := h.Completion()
	if m.current(h) && cb.OnAbort != nil {
		cb.OnAbort(partial)
	}
	h.finish(StateAborted, context.Canceled)
	log.Debug().Str("session_id", h.SessionID).Int("partial_len", len(partial)).
		Msg("streaming session aborted")
}

func (m *Manager) publishToSinks(h *SessionHandle, ev events.Event) {
	if stamper, ok := ev.(interface{ StampMetadata(conversationID, sessionID string) }); ok {
		stamper.StampMetadata(h.ConversationID, h.SessionID)
	}
	for _, sink := range m.sinks {
		// best-effort: a failing sink must not disturb the stream
		_ = sink.PublishEvent(ev)
	}
}
