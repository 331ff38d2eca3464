package chatstate

import (
	"github.com/pkg/errors"

	"github.com/docchat/docchat/pkg/conversation"
)

// TurnPhase tracks one user turn from optimistic creation to its terminal
// state.
type TurnPhase string

const (
	PhaseOptimisticPending TurnPhase = "optimistic-pending"
	PhaseUserPersisted     TurnPhase = "user-persisted"
	PhaseStreaming         TurnPhase = "streaming"
	PhaseComplete          TurnPhase = "complete"
	PhaseAborted           TurnPhase = "aborted"
	PhaseErrored           TurnPhase = "errored"
)

// Turn is the in-flight exchange: the user message awaiting confirmation and
// the assistant placeholder accumulating tokens. Ids start temporary and are
// rewritten in place as the server confirms them.
type Turn struct {
	UserMessageID      conversation.MessageID
	AssistantMessageID conversation.MessageID
	Phase              TurnPhase
	// ErrorMessage holds the failure text when Phase is PhaseErrored.
	ErrorMessage string
}

// State is the owned, explicit chat state: the message graph, the resolved
// transcript, and the in-flight turn. It is only ever changed by applying
// Mutations, so every transition is named and testable without a UI harness.
type State struct {
	ConversationID string
	LLMMode        string

	Store *conversation.Store

	// AnchorID selects the displayed branch; NullID means the default
	// (freshest) view.
	AnchorID   conversation.MessageID
	Resolution conversation.Resolution

	// Turn is nil when no exchange is in flight.
	Turn *Turn

	Version int64
}

func NewState(conversationID string) *State {
	return &State{
		ConversationID: conversationID,
		Store:          conversation.NewStore(),
	}
}

// Apply applies a single mutation, increments the version and re-resolves the
// transcript so the displayed branch always reflects the latest graph.
func (s *State) Apply(m Mutation) error {
	if s == nil {
		return errors.New("chat state is nil")
	}
	if m == nil {
		return errors.New("mutation is nil")
	}
	if err := m.Apply(s); err != nil {
		return errors.Wrapf(err, "mutation %s failed", m.Name())
	}
	s.Version++
	s.resolve()
	return nil
}

// ApplyAll applies multiple mutations sequentially.
func (s *State) ApplyAll(muts ...Mutation) error {
	for _, m := range muts {
		if err := s.Apply(m); err != nil {
			return err
		}
	}
	return nil
}

// ActiveParentID is the message the next user turn should attach to: the last
// assistant message on the displayed transcript, NullID for an empty
// conversation.
func (s *State) ActiveParentID() conversation.MessageID {
	return s.Resolution.LastAssistantID
}

func (s *State) resolve() {
	if _, ok := s.Store.Get(s.AnchorID); !ok {
		s.AnchorID = conversation.NullID
	}
	s.Resolution = conversation.Resolve(s.Store, s.AnchorID)
}
