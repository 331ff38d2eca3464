package conversation

import "sort"

// GroupOf returns all versions sharing the given message's edit group,
// ordered by VersionIndex ascending. VersionIndex is unique within a group
// under correct generation; should duplicates slip in, CreatedAt breaks the
// tie so the ordering stays total.
func (s *Store) GroupOf(msg *Message) []*Message {
	if msg == nil {
		return nil
	}
	var group []*Message
	for _, m := range s.messages {
		if m.EditGroupID == msg.EditGroupID {
			group = append(group, m)
		}
	}
	sort.Slice(group, func(i, j int) bool {
		if group[i].VersionIndex != group[j].VersionIndex {
			return group[i].VersionIndex < group[j].VersionIndex
		}
		if !group[i].CreatedAt.Equal(group[j].CreatedAt) {
			return group[i].CreatedAt.Before(group[j].CreatedAt)
		}
		return group[i].ID < group[j].ID
	})
	return group
}

// LatestOf picks the version with the highest VersionIndex, breaking ties by
// latest CreatedAt.
func LatestOf(group []*Message) *Message {
	var latest *Message
	for _, m := range group {
		if latest == nil {
			latest = m
			continue
		}
		if m.VersionIndex > latest.VersionIndex {
			latest = m
			continue
		}
		if m.VersionIndex == latest.VersionIndex && moreRecent(m, latest) {
			latest = m
		}
	}
	return latest
}

// NextVersionIndex returns the VersionIndex a new edit of msg should use.
func (s *Store) NextVersionIndex(msg *Message) int {
	group := s.GroupOf(msg)
	latest := LatestOf(group)
	if latest == nil {
		return 1
	}
	return latest.VersionIndex + 1
}

// PrevVersion returns the version immediately preceding id within its edit
// group, or nil when id is the first version or unknown.
func (s *Store) PrevVersion(id MessageID) *Message {
	return s.adjacentVersion(id, -1)
}

// NextVersion returns the version immediately following id within its edit
// group, or nil when id is the last version or unknown.
func (s *Store) NextVersion(id MessageID) *Message {
	return s.adjacentVersion(id, +1)
}

func (s *Store) adjacentVersion(id MessageID, offset int) *Message {
	msg, ok := s.Get(id)
	if !ok {
		return nil
	}
	group := s.GroupOf(msg)
	for i, m := range group {
		if m.ID == id {
			j := i + offset
			if j < 0 || j >= len(group) {
				return nil
			}
			return group[j]
		}
	}
	return nil
}
