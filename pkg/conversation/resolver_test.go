package conversation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pathIDs(res Resolution) []MessageID {
	ids := make([]MessageID, 0, len(res.Path))
	for _, msg := range res.Path {
		ids = append(ids, msg.ID)
	}
	return ids
}

func TestResolveEmptyStore(t *testing.T) {
	res := Resolve(NewStore(), NullID)
	assert.Empty(t, res.Path)
	assert.Equal(t, NullID, res.LastAssistantID)
}

func TestResolveRootOnly(t *testing.T) {
	s := NewStore(testMessage("u1", NullID, RoleUser, "hello", 1))

	res := Resolve(s, NullID)
	assert.Equal(t, []MessageID{"u1"}, pathIDs(res))
	assert.Equal(t, NullID, res.LastAssistantID)
}

func TestResolveLinearChain(t *testing.T) {
	s := NewStore(
		testMessage("u1", NullID, RoleUser, "", 1),
		testMessage("a1", "u1", RoleAssistant, "", 2),
		testMessage("u2", "a1", RoleUser, "", 3),
		testMessage("a2", "u2", RoleAssistant, "", 4),
	)

	res := Resolve(s, NullID)
	assert.Equal(t, []MessageID{"u1", "a1", "u2", "a2"}, pathIDs(res))
	assert.Equal(t, MessageID("a2"), res.LastAssistantID)
}

// editedFork builds U1 -> A1 -> {U2a (v1), U2b (v2, later)}, each version
// with its own assistant reply.
func editedFork() *Store {
	u2a := testMessage("u2a", "a1", RoleUser, "first wording", 3)
	u2a.EditGroupID = "g"
	u2a.VersionIndex = 1
	u2b := testMessage("u2b", "a1", RoleUser, "second wording", 5)
	u2b.EditGroupID = "g"
	u2b.VersionIndex = 2

	return NewStore(
		testMessage("u1", NullID, RoleUser, "", 1),
		testMessage("a1", "u1", RoleAssistant, "", 2),
		u2a,
		testMessage("a2a", "u2a", RoleAssistant, "", 4),
		u2b,
		testMessage("a2b", "u2b", RoleAssistant, "", 6),
	)
}

func TestResolveDefaultPicksLatestEditVersion(t *testing.T) {
	res := Resolve(editedFork(), NullID)
	assert.Equal(t, []MessageID{"u1", "a1", "u2b", "a2b"}, pathIDs(res))
	assert.Equal(t, MessageID("a2b"), res.LastAssistantID)
}

func TestResolveExplicitStartPicksThatBranch(t *testing.T) {
	res := Resolve(editedFork(), "u2a")
	assert.Equal(t, []MessageID{"u1", "a1", "u2a", "a2a"}, pathIDs(res))
	assert.Equal(t, MessageID("a2a"), res.LastAssistantID)
}

func TestResolveFromMidBranchWalksDownActiveBranch(t *testing.T) {
	res := Resolve(editedFork(), "a1")
	assert.Equal(t, []MessageID{"u1", "a1", "u2b", "a2b"}, pathIDs(res))
}

func TestResolveUnknownStartFallsBackToLatest(t *testing.T) {
	res := Resolve(editedFork(), "missing")
	assert.Equal(t, []MessageID{"u1", "a1", "u2b", "a2b"}, pathIDs(res))
}

func TestResolveIsDeterministic(t *testing.T) {
	s := editedFork()
	first := Resolve(s, NullID)
	second := Resolve(s, NullID)
	assert.Equal(t, first, second)
}

func TestResolveCycleTerminates(t *testing.T) {
	u1 := testMessage("u1", "a1", RoleUser, "", 1)
	a1 := testMessage("a1", "u1", RoleAssistant, "", 2)
	s := NewStore(u1, a1)

	res := Resolve(s, "u1")
	// the walk must stop at the revisited node instead of looping
	assert.NotEmpty(t, res.Path)
	assert.LessOrEqual(t, len(res.Path), 2)
}

func TestResolveMissingParentTruncatesPath(t *testing.T) {
	s := NewStore(
		testMessage("u2", "gone", RoleUser, "", 3),
		testMessage("a2", "u2", RoleAssistant, "", 4),
	)

	res := Resolve(s, "u2")
	assert.Equal(t, []MessageID{"u2", "a2"}, pathIDs(res))
}

func TestResolveSkipsArchivedAssistant(t *testing.T) {
	a1 := testMessage("a1", "u1", RoleAssistant, "old answer", 2)
	a1.IsArchived = true
	s := NewStore(
		testMessage("u1", NullID, RoleUser, "", 1),
		a1,
		testMessage("a1b", "u1", RoleAssistant, "regenerated answer", 3),
	)

	res := Resolve(s, "u1")
	assert.Equal(t, []MessageID{"u1", "a1b"}, pathIDs(res))
	assert.Equal(t, MessageID("a1b"), res.LastAssistantID)
}

func TestResolveSynthesizesPlaceholderChunks(t *testing.T) {
	a1 := NewMessage(RoleAssistant, "answer",
		WithID("a1"), WithReplyTo("u1"),
		WithSources("report.pdf", "notes.txt"))
	s := NewStore(
		testMessage("u1", NullID, RoleUser, "", 1),
		a1,
	)

	res := Resolve(s, NullID)
	require.Len(t, res.Path, 2)
	chunks := res.Path[1].SourceChunks
	require.Len(t, chunks, 2)
	assert.Equal(t, SourceChunk{Index: 1, Source: "report.pdf"}, chunks[0])
	assert.Equal(t, SourceChunk{Index: 2, Source: "notes.txt"}, chunks[1])
}

func TestResolveKeepsExplicitChunks(t *testing.T) {
	a1 := NewMessage(RoleAssistant, "answer",
		WithID("a1"), WithReplyTo("u1"),
		WithSources("report.pdf"),
		WithSourceChunks(SourceChunk{Index: 7, Source: "report.pdf", Excerpt: "quoted"}))
	s := NewStore(
		testMessage("u1", NullID, RoleUser, "", 1),
		a1,
	)

	res := Resolve(s, NullID)
	require.Len(t, res.Path, 2)
	require.Len(t, res.Path[1].SourceChunks, 1)
	assert.Equal(t, "quoted", res.Path[1].SourceChunks[0].Excerpt)
}

func TestResolveEditHistory(t *testing.T) {
	res := Resolve(editedFork(), NullID)
	require.Len(t, res.Path, 4)

	displayed := res.Path[2]
	assert.Equal(t, MessageID("u2b"), displayed.ID)
	assert.Equal(t, 1, displayed.GroupIndex)
	assert.Equal(t, 2, displayed.GroupSize)

	require.Len(t, displayed.EditHistory, 2)
	assert.Equal(t, "g_1", displayed.EditHistory[0].BranchID)
	assert.Equal(t, "g_2", displayed.EditHistory[1].BranchID)
	assert.Equal(t, MessageID("a2a"), displayed.EditHistory[0].AssistantChildID)
	assert.Equal(t, MessageID("a2b"), displayed.EditHistory[1].AssistantChildID)
}

func TestResolveSingleVersionHasNoEditHistory(t *testing.T) {
	s := NewStore(
		testMessage("u1", NullID, RoleUser, "", 1),
		testMessage("a1", "u1", RoleAssistant, "", 2),
	)

	res := Resolve(s, NullID)
	require.Len(t, res.Path, 2)
	assert.Equal(t, 1, res.Path[0].GroupSize)
	assert.Empty(t, res.Path[0].EditHistory)
}
