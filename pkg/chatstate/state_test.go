package chatstate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docchat/docchat/pkg/conversation"
)

func loadedState(t *testing.T, msgs ...*conversation.Message) *State {
	t.Helper()
	s := NewState("conv-1")
	require.NoError(t, s.Apply(MutateLoad(msgs, "qa")))
	return s
}

func persistedMessage(id, parent conversation.MessageID, role conversation.Role, content string, at int64) *conversation.Message {
	return conversation.NewMessage(role, content,
		conversation.WithID(id),
		conversation.WithReplyTo(parent),
		conversation.WithCreatedAt(time.Unix(at, 0)))
}

func TestLoadReplacesGraph(t *testing.T) {
	s := loadedState(t,
		persistedMessage("1", conversation.NullID, conversation.RoleUser, "hi", 1),
		persistedMessage("2", "1", conversation.RoleAssistant, "hello", 2),
	)

	assert.Equal(t, "qa", s.LLMMode)
	assert.Equal(t, 2, s.Store.Len())
	assert.Equal(t, conversation.MessageID("2"), s.ActiveParentID())
}

func TestBeginTurnCreatesOptimisticPair(t *testing.T) {
	s := loadedState(t,
		persistedMessage("1", conversation.NullID, conversation.RoleUser, "hi", 1),
		persistedMessage("2", "1", conversation.RoleAssistant, "hello", 2),
	)

	require.NoError(t, s.Apply(MutateBeginTurn("how so?")))

	require.NotNil(t, s.Turn)
	assert.Equal(t, PhaseOptimisticPending, s.Turn.Phase)
	assert.True(t, s.Turn.UserMessageID.IsTemporary())
	assert.True(t, s.Turn.AssistantMessageID.IsTemporary())

	user, ok := s.Store.Get(s.Turn.UserMessageID)
	require.True(t, ok)
	assert.Equal(t, conversation.MessageID("2"), user.ReplyToID)

	assistant, ok := s.Store.Get(s.Turn.AssistantMessageID)
	require.True(t, ok)
	assert.True(t, assistant.IsStreaming)
	assert.True(t, assistant.IsWaitingForFirstToken)

	// the optimistic pair is already on the displayed transcript
	require.Len(t, s.Resolution.Path, 4)
	assert.Equal(t, s.Turn.UserMessageID, s.Resolution.Path[2].ID)
}

func TestConfirmUserRewritesTemporaryID(t *testing.T) {
	s := loadedState(t)
	require.NoError(t, s.Apply(MutateBeginTurn("hello")))
	tmpUser := s.Turn.UserMessageID

	chunks := []conversation.SourceChunk{{Index: 1, Source: "doc.pdf"}}
	require.NoError(t, s.Apply(MutateConfirmUser("501", "501", []string{"doc.pdf"}, chunks)))

	_, ok := s.Store.Get(tmpUser)
	assert.False(t, ok)

	user, ok := s.Store.Get("501")
	require.True(t, ok)
	assert.Equal(t, conversation.MessageID("501"), user.EditGroupID)
	assert.Equal(t, conversation.MessageID("501"), s.Turn.UserMessageID)
	assert.Equal(t, conversation.MessageID("501"), s.AnchorID)
	assert.Equal(t, PhaseUserPersisted, s.Turn.Phase)

	assistant, ok := s.Store.Get(s.Turn.AssistantMessageID)
	require.True(t, ok)
	assert.Equal(t, conversation.MessageID("501"), assistant.ReplyToID)
	assert.Equal(t, chunks, assistant.SourceChunks)
}

func TestAppendTokenAccumulatesContent(t *testing.T) {
	s := loadedState(t)
	require.NoError(t, s.Apply(MutateBeginTurn("hello")))

	require.NoError(t, s.Apply(MutateAppendToken("He")))
	require.NoError(t, s.Apply(MutateAppendToken("llo")))

	assistant, ok := s.Store.Get(s.Turn.AssistantMessageID)
	require.True(t, ok)
	assert.Equal(t, "Hello", assistant.Content)
	assert.False(t, assistant.IsWaitingForFirstToken)
	assert.Equal(t, PhaseStreaming, s.Turn.Phase)
}

func TestCompleteRewritesAssistantID(t *testing.T) {
	s := loadedState(t)
	require.NoError(t, s.ApplyAll(
		MutateBeginTurn("hello"),
		MutateConfirmUser("501", "501", nil, nil),
		MutateAppendToken("Hello"),
	))
	tmpAssistant := s.Turn.AssistantMessageID

	require.NoError(t, s.Apply(MutateComplete("502", "Hello")))

	_, ok := s.Store.Get(tmpAssistant)
	assert.False(t, ok)

	assistant, ok := s.Store.Get("502")
	require.True(t, ok)
	assert.Equal(t, "Hello", assistant.Content)
	assert.False(t, assistant.IsStreaming)
	assert.Equal(t, PhaseComplete, s.Turn.Phase)
	assert.Equal(t, conversation.MessageID("502"), s.ActiveParentID())
}

func TestMarkStoppedPreservesPartial(t *testing.T) {
	s := loadedState(t)
	require.NoError(t, s.ApplyAll(
		MutateBeginTurn("hello"),
		MutateAppendToken("partial ans"),
	))

	require.NoError(t, s.Apply(MutateMarkStopped("partial ans")))

	assistant, ok := s.Store.Get(s.Turn.AssistantMessageID)
	require.True(t, ok)
	assert.True(t, assistant.IsStopped)
	assert.Equal(t, "partial ans", assistant.Content)
	assert.Equal(t, PhaseAborted, s.Turn.Phase)
}

func TestMarkErrorFlagsAssistant(t *testing.T) {
	s := loadedState(t)
	require.NoError(t, s.Apply(MutateBeginTurn("hello")))

	require.NoError(t, s.Apply(MutateMarkError("connection reset")))

	assistant, ok := s.Store.Get(s.Turn.AssistantMessageID)
	require.True(t, ok)
	assert.True(t, assistant.IsError)
	assert.Equal(t, PhaseErrored, s.Turn.Phase)
	assert.Equal(t, "connection reset", s.Turn.ErrorMessage)
}

func TestMutationWithoutTurnFails(t *testing.T) {
	s := loadedState(t)
	assert.Error(t, s.Apply(MutateAppendToken("He")))
	assert.Error(t, s.Apply(MutateComplete("502", "x")))
	assert.Error(t, s.Apply(MutateConfirmUser("501", "501", nil, nil)))
}

func TestAppendEditVersionAnchorsNewVersion(t *testing.T) {
	s := loadedState(t,
		persistedMessage("1", conversation.NullID, conversation.RoleUser, "original", 1),
		persistedMessage("2", "1", conversation.RoleAssistant, "answer", 2),
	)

	require.NoError(t, s.Apply(MutateAppendEditVersion("1", "3", "edited", 2)))

	version, ok := s.Store.Get("3")
	require.True(t, ok)
	assert.Equal(t, conversation.MessageID("1"), version.EditGroupID)
	assert.Equal(t, 2, version.VersionIndex)
	assert.True(t, version.IsEdited)
	assert.Equal(t, conversation.MessageID("3"), s.AnchorID)

	original, ok := s.Store.Get("1")
	require.True(t, ok)
	assert.True(t, original.IsEdited)

	// the displayed transcript now shows the edited version
	require.NotEmpty(t, s.Resolution.Path)
	last := s.Resolution.Path[len(s.Resolution.Path)-1]
	assert.Equal(t, conversation.MessageID("3"), last.ID)
	assert.Equal(t, 2, last.GroupSize)
}

func TestAppendEditVersionRejectsAssistant(t *testing.T) {
	s := loadedState(t,
		persistedMessage("1", conversation.NullID, conversation.RoleUser, "original", 1),
		persistedMessage("2", "1", conversation.RoleAssistant, "answer", 2),
	)
	assert.Error(t, s.Apply(MutateAppendEditVersion("2", "3", "edited", 2)))
}

func TestBeginRegenerateArchivesOldReply(t *testing.T) {
	s := loadedState(t,
		persistedMessage("1", conversation.NullID, conversation.RoleUser, "hi", 1),
		persistedMessage("2", "1", conversation.RoleAssistant, "old answer", 2),
	)

	require.NoError(t, s.Apply(MutateBeginRegenerate("1")))

	old, ok := s.Store.Get("2")
	require.True(t, ok)
	assert.True(t, old.IsArchived)

	require.NotNil(t, s.Turn)
	assert.Equal(t, PhaseUserPersisted, s.Turn.Phase)

	// the transcript shows the fresh placeholder, not the archived reply
	require.Len(t, s.Resolution.Path, 2)
	assert.Equal(t, s.Turn.AssistantMessageID, s.Resolution.Path[1].ID)
}

func TestDeletePrunesAndReresolves(t *testing.T) {
	s := loadedState(t,
		persistedMessage("1", conversation.NullID, conversation.RoleUser, "", 1),
		persistedMessage("2", "1", conversation.RoleAssistant, "", 2),
		persistedMessage("3", "2", conversation.RoleUser, "", 3),
		persistedMessage("4", "3", conversation.RoleAssistant, "", 4),
	)

	require.NoError(t, s.Apply(MutateDelete("3")))

	assert.Equal(t, 2, s.Store.Len())
	assert.Equal(t, conversation.MessageID("2"), s.ActiveParentID())
}

func TestSelectVersionMovesAnchor(t *testing.T) {
	s := loadedState(t,
		persistedMessage("1", conversation.NullID, conversation.RoleUser, "v1", 1),
	)
	require.NoError(t, s.Apply(MutateAppendEditVersion("1", "2", "v2", 2)))
	require.NoError(t, s.Apply(MutateSelectVersion("1")))

	assert.Equal(t, conversation.MessageID("1"), s.AnchorID)
	require.NotEmpty(t, s.Resolution.Path)
	assert.Equal(t, conversation.MessageID("1"), s.Resolution.Path[len(s.Resolution.Path)-1].ID)

	assert.Error(t, s.Apply(MutateSelectVersion("missing")))
}

func TestApplyIncrementsVersion(t *testing.T) {
	s := NewState("conv-1")
	before := s.Version
	require.NoError(t, s.Apply(MutateLoad(nil, "")))
	assert.Equal(t, before+1, s.Version)
}
