package conversation

import (
	"sort"

	"github.com/rs/zerolog/log"
)

// Store is the in-memory message graph for one conversation.
//
// It maps message ids to message records and answers parent/child queries.
// The store does not talk to the network; all mutation happens through
// Upsert, RewriteID and Delete in response to user actions or stream events.
type Store struct {
	messages map[MessageID]*Message
}

func NewStore(msgs ...*Message) *Store {
	ret := &Store{
		messages: make(map[MessageID]*Message),
	}
	ret.Upsert(msgs...)
	return ret
}

// Upsert merges messages into the store keyed by id, replacing any previous
// record for the same id. Messages are cloned on the way in so callers cannot
// mutate stored state behind the store's back.
func (s *Store) Upsert(msgs ...*Message) {
	for _, msg := range msgs {
		if msg == nil || msg.ID == NullID {
			continue
		}
		m := msg.Clone()
		if m.EditGroupID == NullID {
			m.EditGroupID = m.ID
		}
		if m.VersionIndex <= 0 {
			m.VersionIndex = 1
		}
		s.messages[m.ID] = m
	}
}

func (s *Store) Get(id MessageID) (*Message, bool) {
	msg, ok := s.messages[id]
	return msg, ok
}

func (s *Store) Len() int {
	return len(s.messages)
}

// Children returns all messages whose ReplyToID is parentID, in a
// deterministic order (CreatedAt ascending, id as tie-breaker).
func (s *Store) Children(parentID MessageID) []*Message {
	var children []*Message
	for _, msg := range s.messages {
		if msg.ReplyToID == parentID && msg.ReplyToID != NullID {
			children = append(children, msg)
		}
	}
	sortMessages(children)
	return children
}

// Messages returns every message in the store, ordered by CreatedAt then id.
func (s *Store) Messages() []*Message {
	ret := make([]*Message, 0, len(s.messages))
	for _, msg := range s.messages {
		ret = append(ret, msg)
	}
	sortMessages(ret)
	return ret
}

// Latest returns the most recently created message, or nil for an empty
// store. Ties are broken by id comparison so the result is deterministic.
func (s *Store) Latest() *Message {
	var latest *Message
	for _, msg := range s.messages {
		if latest == nil || moreRecent(msg, latest) {
			latest = msg
		}
	}
	return latest
}

// RewriteID replaces a temporary id with the persisted one. All references
// held by other messages are updated: children pointing at the old id, and
// edit group membership keyed on it.
func (s *Store) RewriteID(oldID, newID MessageID) {
	if oldID == newID || oldID == NullID || newID == NullID {
		return
	}
	msg, ok := s.messages[oldID]
	if !ok {
		log.Debug().Str("old_id", oldID.String()).Str("new_id", newID.String()).
			Msg("rewrite of unknown message id, ignoring")
		return
	}

	delete(s.messages, oldID)
	msg.ID = newID
	if msg.EditGroupID == oldID {
		msg.EditGroupID = newID
	}
	s.messages[newID] = msg

	for _, other := range s.messages {
		if other.ReplyToID == oldID {
			other.ReplyToID = newID
		}
		if other.EditGroupID == oldID {
			other.EditGroupID = newID
		}
	}
}

// Delete removes a message and prunes the subtree hanging off it. The server
// only deletes the single message; on the client we prune descendants rather
// than leave orphans pointing at a missing parent.
func (s *Store) Delete(id MessageID) {
	if _, ok := s.messages[id]; !ok {
		return
	}
	stack := []MessageID{id}
	for len(stack) > 0 {
		current := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, child := range s.Children(current) {
			stack = append(stack, child.ID)
		}
		delete(s.messages, current)
	}
}

func sortMessages(msgs []*Message) {
	sort.Slice(msgs, func(i, j int) bool {
		if !msgs[i].CreatedAt.Equal(msgs[j].CreatedAt) {
			return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
		}
		return msgs[i].ID < msgs[j].ID
	})
}

// moreRecent reports whether a was created after b, falling back to id
// comparison when the wall-clock timestamps collide.
func moreRecent(a, b *Message) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.ID > b.ID
}
