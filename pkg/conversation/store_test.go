package conversation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testMessage(id, parent MessageID, role Role, content string, at int64) *Message {
	return NewMessage(role, content,
		WithID(id),
		WithReplyTo(parent),
		WithCreatedAt(time.Unix(at, 0)))
}

func TestUpsertRepairsMissingEditGroup(t *testing.T) {
	s := NewStore()
	s.Upsert(&Message{ID: "m1", Role: RoleUser, Content: "hi"})

	msg, ok := s.Get("m1")
	require.True(t, ok)
	assert.Equal(t, MessageID("m1"), msg.EditGroupID)
	assert.Equal(t, 1, msg.VersionIndex)
}

func TestUpsertClonesInput(t *testing.T) {
	original := testMessage("m1", NullID, RoleUser, "hi", 1)
	s := NewStore(original)

	original.Content = "changed"

	msg, ok := s.Get("m1")
	require.True(t, ok)
	assert.Equal(t, "hi", msg.Content)
}

func TestUpsertIgnoresNilAndEmptyID(t *testing.T) {
	s := NewStore()
	s.Upsert(nil, &Message{Role: RoleUser, Content: "no id"})
	assert.Equal(t, 0, s.Len())
}

func TestChildrenOrderedByCreationTime(t *testing.T) {
	s := NewStore(
		testMessage("p", NullID, RoleAssistant, "parent", 1),
		testMessage("c2", "p", RoleUser, "second", 3),
		testMessage("c1", "p", RoleUser, "first", 2),
		testMessage("c3", "p", RoleUser, "tied", 3),
	)

	children := s.Children("p")
	require.Len(t, children, 3)
	assert.Equal(t, MessageID("c1"), children[0].ID)
	// same timestamp, id breaks the tie
	assert.Equal(t, MessageID("c2"), children[1].ID)
	assert.Equal(t, MessageID("c3"), children[2].ID)
}

func TestLatestBreaksTiesByID(t *testing.T) {
	s := NewStore(
		testMessage("a", NullID, RoleUser, "", 5),
		testMessage("b", NullID, RoleUser, "", 5),
	)
	require.Equal(t, MessageID("b"), s.Latest().ID)
}

func TestRewriteIDUpdatesAllReferences(t *testing.T) {
	tmp := MessageID("tmp-user")
	s := NewStore(
		testMessage(tmp, NullID, RoleUser, "hello", 1),
		testMessage("a1", tmp, RoleAssistant, "reply", 2),
	)
	// a sibling version keyed on the temporary edit group
	version := testMessage("v2", NullID, RoleUser, "hello again", 3)
	version.EditGroupID = tmp
	version.VersionIndex = 2
	s.Upsert(version)

	s.RewriteID(tmp, "501")

	_, ok := s.Get(tmp)
	assert.False(t, ok)

	user, ok := s.Get("501")
	require.True(t, ok)
	assert.Equal(t, MessageID("501"), user.EditGroupID)

	reply, ok := s.Get("a1")
	require.True(t, ok)
	assert.Equal(t, MessageID("501"), reply.ReplyToID)

	v2, ok := s.Get("v2")
	require.True(t, ok)
	assert.Equal(t, MessageID("501"), v2.EditGroupID)
}

func TestRewriteIDUnknownOldIDIsNoop(t *testing.T) {
	s := NewStore(testMessage("m1", NullID, RoleUser, "hi", 1))
	s.RewriteID("missing", "new")
	assert.Equal(t, 1, s.Len())
	_, ok := s.Get("m1")
	assert.True(t, ok)
}

func TestDeletePrunesSubtree(t *testing.T) {
	s := NewStore(
		testMessage("u1", NullID, RoleUser, "", 1),
		testMessage("a1", "u1", RoleAssistant, "", 2),
		testMessage("u2", "a1", RoleUser, "", 3),
		testMessage("a2", "u2", RoleAssistant, "", 4),
	)

	s.Delete("a1")

	assert.Equal(t, 1, s.Len())
	_, ok := s.Get("u1")
	assert.True(t, ok)
	for _, id := range []MessageID{"a1", "u2", "a2"} {
		_, ok := s.Get(id)
		assert.False(t, ok, "expected %s to be pruned", id)
	}
}

func TestDeleteUnknownIDIsNoop(t *testing.T) {
	s := NewStore(testMessage("u1", NullID, RoleUser, "", 1))
	s.Delete("missing")
	assert.Equal(t, 1, s.Len())
}

func TestTemporaryIDDetection(t *testing.T) {
	id := NewTemporaryID()
	assert.True(t, id.IsTemporary())
	assert.False(t, MessageID("501").IsTemporary())
}
