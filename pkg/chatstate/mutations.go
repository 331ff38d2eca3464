package chatstate

import (
	"github.com/pkg/errors"

	"github.com/docchat/docchat/pkg/conversation"
)

// Mutation represents a named, deterministic change to the chat state.
type Mutation interface {
	Apply(s *State) error
	Name() string
}

type loadMutation struct {
	messages []*conversation.Message
	llmMode  string
}

func (m loadMutation) Apply(s *State) error {
	s.Store = conversation.NewStore(m.messages...)
	s.LLMMode = m.llmMode
	s.AnchorID = conversation.NullID
	s.Turn = nil
	return nil
}

func (m loadMutation) Name() string { return "load" }

// MutateLoad replaces the graph with freshly ingested conversation data.
func MutateLoad(messages []*conversation.Message, llmMode string) Mutation {
	return loadMutation{messages: messages, llmMode: llmMode}
}

type beginTurnMutation struct {
	prompt string
}

func (m beginTurnMutation) Apply(s *State) error {
	user := conversation.NewMessage(conversation.RoleUser, m.prompt,
		conversation.WithReplyTo(s.ActiveParentID()))
	assistant := conversation.NewMessage(conversation.RoleAssistant, "",
		conversation.WithReplyTo(user.ID))
	assistant.IsStreaming = true
	assistant.IsWaitingForFirstToken = true

	s.Store.Upsert(user, assistant)
	s.Turn = &Turn{
		UserMessageID:      user.ID,
		AssistantMessageID: assistant.ID,
		Phase:              PhaseOptimisticPending,
	}
	s.AnchorID = user.ID
	return nil
}

func (m beginTurnMutation) Name() string { return "begin_turn" }

// MutateBeginTurn creates the optimistic user message and assistant
// placeholder before the network call starts.
func MutateBeginTurn(prompt string) Mutation {
	return beginTurnMutation{prompt: prompt}
}

type beginRegenerateMutation struct {
	userMessageID conversation.MessageID
}

func (m beginRegenerateMutation) Apply(s *State) error {
	user, ok := s.Store.Get(m.userMessageID)
	if !ok {
		return errors.Errorf("unknown user message %s", m.userMessageID)
	}
	if user.Role != conversation.RoleUser {
		return errors.Errorf("message %s is not a user turn", m.userMessageID)
	}

	// retire previous responses to this turn; the server keeps them, the
	// client stops displaying them
	for _, child := range s.Store.Children(user.ID) {
		if child.Role == conversation.RoleAssistant {
			child.IsArchived = true
		}
	}

	assistant := conversation.NewMessage(conversation.RoleAssistant, "",
		conversation.WithReplyTo(user.ID))
	assistant.IsStreaming = true
	assistant.IsWaitingForFirstToken = true
	s.Store.Upsert(assistant)

	s.Turn = &Turn{
		UserMessageID:      user.ID,
		AssistantMessageID: assistant.ID,
		Phase:              PhaseUserPersisted,
	}
	s.AnchorID = user.ID
	return nil
}

func (m beginRegenerateMutation) Name() string { return "begin_regenerate" }

// MutateBeginRegenerate prepares a fresh assistant placeholder for an already
// persisted user turn (regeneration or edit-resubmit).
func MutateBeginRegenerate(userMessageID conversation.MessageID) Mutation {
	return beginRegenerateMutation{userMessageID: userMessageID}
}

type confirmUserMutation struct {
	userMessageID conversation.MessageID
	editGroupID   conversation.MessageID
	sources       []string
	sourceChunks  []conversation.SourceChunk
}

func (m confirmUserMutation) Apply(s *State) error {
	if s.Turn == nil {
		return errors.New("no turn in flight")
	}
	oldID := s.Turn.UserMessageID
	if m.userMessageID != conversation.NullID && m.userMessageID != oldID {
		s.Store.RewriteID(oldID, m.userMessageID)
		if s.AnchorID == oldID {
			s.AnchorID = m.userMessageID
		}
		s.Turn.UserMessageID = m.userMessageID
	}

	user, ok := s.Store.Get(s.Turn.UserMessageID)
	if ok && m.editGroupID != conversation.NullID {
		user.EditGroupID = m.editGroupID
	}

	// citation data belongs to the assistant response being streamed
	if assistant, ok := s.Store.Get(s.Turn.AssistantMessageID); ok {
		assistant.Sources = m.sources
		assistant.SourceChunks = m.sourceChunks
	}

	if s.Turn.Phase == PhaseOptimisticPending {
		s.Turn.Phase = PhaseUserPersisted
	}
	return nil
}

func (m confirmUserMutation) Name() string { return "confirm_user" }

// MutateConfirmUser rewrites the temporary user id to the persisted one and
// attaches citation data, in response to the stream's meta event.
func MutateConfirmUser(userMessageID, editGroupID conversation.MessageID, sources []string, chunks []conversation.SourceChunk) Mutation {
	return confirmUserMutation{
		userMessageID: userMessageID,
		editGroupID:   editGroupID,
		sources:       sources,
		sourceChunks:  chunks,
	}
}

type appendTokenMutation struct {
	delta string
}

func (m appendTokenMutation) Apply(s *State) error {
	if s.Turn == nil {
		return errors.New("no turn in flight")
	}
	assistant, ok := s.Store.Get(s.Turn.AssistantMessageID)
	if !ok {
		return errors.Errorf("assistant placeholder %s missing", s.Turn.AssistantMessageID)
	}
	assistant.Content += m.delta
	assistant.IsWaitingForFirstToken = false
	assistant.IsStreaming = true
	s.Turn.Phase = PhaseStreaming
	return nil
}

func (m appendTokenMutation) Name() string { return "append_token" }

// MutateAppendToken appends one token fragment to the streaming assistant
// message. Concatenation only; fragments are never reordered or deduplicated.
func MutateAppendToken(delta string) Mutation {
	return appendTokenMutation{delta: delta}
}

type completeTurnMutation struct {
	assistantMessageID conversation.MessageID
	content            string
}

func (m completeTurnMutation) Apply(s *State) error {
	if s.Turn == nil {
		return errors.New("no turn in flight")
	}
	assistant, ok := s.Store.Get(s.Turn.AssistantMessageID)
	if !ok {
		return errors.Errorf("assistant placeholder %s missing", s.Turn.AssistantMessageID)
	}
	assistant.Content = m.content
	assistant.IsStreaming = false
	assistant.IsWaitingForFirstToken = false

	if m.assistantMessageID != conversation.NullID && m.assistantMessageID != assistant.ID {
		s.Store.RewriteID(assistant.ID, m.assistantMessageID)
		s.Turn.AssistantMessageID = m.assistantMessageID
	}
	s.Turn.Phase = PhaseComplete
	return nil
}

func (m completeTurnMutation) Name() string { return "complete_turn" }

// MutateComplete finalizes the assistant message with its persisted id and
// final content.
func MutateComplete(assistantMessageID conversation.MessageID, content string) Mutation {
	return completeTurnMutation{assistantMessageID: assistantMessageID, content: content}
}

type markErrorMutation struct {
	message string
}

func (m markErrorMutation) Apply(s *State) error {
	if s.Turn == nil {
		return errors.New("no turn in flight")
	}
	if assistant, ok := s.Store.Get(s.Turn.AssistantMessageID); ok {
		assistant.IsError = true
		assistant.IsStreaming = false
		assistant.IsWaitingForFirstToken = false
	}
	s.Turn.Phase = PhaseErrored
	s.Turn.ErrorMessage = m.message
	return nil
}

func (m markErrorMutation) Name() string { return "mark_error" }

// MutateMarkError flags the in-flight assistant message after a transport
// failure. Partial content is retained; recovery is manual regeneration.
func MutateMarkError(message string) Mutation {
	return markErrorMutation{message: message}
}

type markStoppedMutation struct {
	partial string
}

func (m markStoppedMutation) Apply(s *State) error {
	if s.Turn == nil {
		return errors.New("no turn in flight")
	}
	if assistant, ok := s.Store.Get(s.Turn.AssistantMessageID); ok {
		assistant.IsStopped = true
		assistant.IsStreaming = false
		assistant.IsWaitingForFirstToken = false
		if assistant.Content == "" && m.partial != "" {
			assistant.Content = m.partial
		}
	}
	s.Turn.Phase = PhaseAborted
	return nil
}

func (m markStoppedMutation) Name() string { return "mark_stopped" }

// MutateMarkStopped flags the in-flight assistant message after an abort,
// preserving whatever content had accumulated.
func MutateMarkStopped(partial string) Mutation {
	return markStoppedMutation{partial: partial}
}

type appendEditVersionMutation struct {
	targetID     conversation.MessageID
	newID        conversation.MessageID
	content      string
	versionIndex int
}

func (m appendEditVersionMutation) Apply(s *State) error {
	target, ok := s.Store.Get(m.targetID)
	if !ok {
		return errors.Errorf("unknown message %s", m.targetID)
	}
	if target.Role != conversation.RoleUser {
		return errors.Errorf("message %s is not a user turn", m.targetID)
	}

	versionIndex := m.versionIndex
	if versionIndex <= 0 {
		versionIndex = s.Store.NextVersionIndex(target)
	}

	version := conversation.NewMessage(conversation.RoleUser, m.content,
		conversation.WithID(m.newID),
		conversation.WithReplyTo(target.ReplyToID),
		conversation.WithEditGroup(target.EditGroupID, versionIndex))
	version.IsEdited = true
	target.IsEdited = true

	s.Store.Upsert(version)
	s.AnchorID = version.ID
	return nil
}

func (m appendEditVersionMutation) Name() string { return "append_edit_version" }

// MutateAppendEditVersion adds a new version to a user turn's edit group and
// anchors the displayed branch on it. Ancestors are never touched.
func MutateAppendEditVersion(targetID, newID conversation.MessageID, content string, versionIndex int) Mutation {
	return appendEditVersionMutation{
		targetID:     targetID,
		newID:        newID,
		content:      content,
		versionIndex: versionIndex,
	}
}

type deleteMutation struct {
	id conversation.MessageID
}

func (m deleteMutation) Apply(s *State) error {
	s.Store.Delete(m.id)
	return nil
}

func (m deleteMutation) Name() string { return "delete" }

// MutateDelete removes a message and its local subtree.
func MutateDelete(id conversation.MessageID) Mutation {
	return deleteMutation{id: id}
}

type selectVersionMutation struct {
	id conversation.MessageID
}

func (m selectVersionMutation) Apply(s *State) error {
	if _, ok := s.Store.Get(m.id); !ok {
		return errors.Errorf("unknown message %s", m.id)
	}
	s.AnchorID = m.id
	return nil
}

func (m selectVersionMutation) Name() string { return "select_version" }

// MutateSelectVersion anchors the displayed branch on the given message,
// used for edit-version navigation.
func MutateSelectVersion(id conversation.MessageID) Mutation {
	return selectVersionMutation{id: id}
}
