package conversation

import "time"

// Package-level branch resolution.
//
// The conversation graph is a tree of messages when edits are ignored; once
// edit groups come into play, an assistant turn can be followed by several
// alternate user versions, each with its own reply subtree. Resolve flattens
// that forest into the single linear transcript the display layer shows, and
// reports which assistant message the next user turn should attach to.

// EditVersion describes one version of an edited user turn, as shown in the
// edit-history picker.
type EditVersion struct {
	ID               MessageID `json:"id"`
	Content          string    `json:"content"`
	CreatedAt        string    `json:"createdAt"`
	BranchID         string    `json:"branchID"`
	AssistantChildID MessageID `json:"assistantChildID,omitempty"`
}

// DisplayMessage is a message normalized for display: assistant messages get
// their source chunks resolved, user messages get their edit-group context.
type DisplayMessage struct {
	Message

	// GroupIndex is the position of this version within its edit group
	// (0-based); GroupSize the number of versions. EditHistory is only
	// populated when the group holds more than one version.
	GroupIndex  int           `json:"groupIndex"`
	GroupSize   int           `json:"groupSize"`
	EditHistory []EditVersion `json:"editHistory,omitempty"`
}

// Resolution is the outcome of resolving a branch: the root-to-leaf path and
// the id of the last assistant message on it (the active parent for the next
// user turn), or NullID when the transcript holds no assistant message.
type Resolution struct {
	Path            []DisplayMessage
	LastAssistantID MessageID
}

// Resolve turns the graph into one linear transcript. It is pure and
// deterministic over the store's contents: identical graphs yield identical
// resolutions, so it is safe to re-run after every mutation.
//
// startID selects which branch to display; when absent or unknown, the
// message with the freshest CreatedAt anchors the default view. Cycles in
// the graph terminate the walk at the revisited node instead of looping.
func Resolve(s *Store, startID MessageID) Resolution {
	if s.Len() == 0 {
		return Resolution{}
	}

	start, ok := s.Get(startID)
	if !ok {
		start = s.Latest()
	}

	leaf := walkToLeaf(s, start)
	path := walkToRoot(s, leaf)

	ret := Resolution{
		Path: make([]DisplayMessage, 0, len(path)),
	}
	for _, msg := range path {
		dm := normalizeForDisplay(s, msg)
		if dm.Role == RoleAssistant {
			ret.LastAssistantID = dm.ID
		}
		ret.Path = append(ret.Path, dm)
	}
	return ret
}

// walkToLeaf follows the active branch downward from start.
//
// From a user message the walk continues into its assistant reply. From an
// assistant message it continues into the most recently active continuation:
// the user children are grouped by edit group, the latest version of each
// group is picked, and among those picks the freshest CreatedAt wins.
func walkToLeaf(s *Store, start *Message) *Message {
	visited := map[MessageID]bool{}
	current := start
	for {
		if visited[current.ID] {
			return current
		}
		visited[current.ID] = true

		var next *Message
		switch current.Role {
		case RoleUser:
			next = assistantChild(s, current.ID)
		case RoleAssistant:
			next = activeContinuation(s, current.ID)
		}
		if next == nil {
			return current
		}
		current = next
	}
}

func assistantChild(s *Store, id MessageID) *Message {
	for _, child := range s.Children(id) {
		if child.Role == RoleAssistant && !child.IsArchived {
			return child
		}
	}
	return nil
}

func activeContinuation(s *Store, id MessageID) *Message {
	byGroup := map[MessageID][]*Message{}
	for _, child := range s.Children(id) {
		if child.Role != RoleUser || child.IsArchived {
			continue
		}
		byGroup[child.EditGroupID] = append(byGroup[child.EditGroupID], child)
	}

	var pick *Message
	for _, group := range byGroup {
		candidate := LatestOf(group)
		if pick == nil || moreRecent(candidate, pick) {
			pick = candidate
		}
	}
	return pick
}

// walkToRoot collects the path from leaf back to the root and reverses it.
// A parent missing from the store truncates the walk there; a revisit (cycle)
// stops it.
func walkToRoot(s *Store, leaf *Message) []*Message {
	visited := map[MessageID]bool{}
	var reversed []*Message
	current := leaf
	for current != nil && !visited[current.ID] {
		visited[current.ID] = true
		reversed = append(reversed, current)
		if current.ReplyToID == NullID {
			break
		}
		parent, ok := s.Get(current.ReplyToID)
		if !ok {
			break
		}
		current = parent
	}

	path := make([]*Message, 0, len(reversed))
	for i := len(reversed) - 1; i >= 0; i-- {
		path = append(path, reversed[i])
	}
	return path
}

func normalizeForDisplay(s *Store, msg *Message) DisplayMessage {
	dm := DisplayMessage{Message: *msg.Clone(), GroupSize: 1}

	switch msg.Role {
	case RoleAssistant:
		dm.SourceChunks = resolveSourceChunks(msg)

	case RoleUser:
		group := s.GroupOf(msg)
		dm.GroupSize = len(group)
		for i, version := range group {
			if version.ID == msg.ID {
				dm.GroupIndex = i
			}
		}
		if len(group) > 1 {
			dm.EditHistory = make([]EditVersion, 0, len(group))
			for _, version := range group {
				entry := EditVersion{
					ID:        version.ID,
					Content:   version.Content,
					CreatedAt: version.CreatedAt.Format(time.RFC3339),
					BranchID:  version.BranchID(),
				}
				if child := assistantChild(s, version.ID); child != nil {
					entry.AssistantChildID = child.ID
				}
				dm.EditHistory = append(dm.EditHistory, entry)
			}
		}
	}

	return dm
}

// resolveSourceChunks uses the chunks attached to the message; when only
// source names are present, it synthesizes one placeholder chunk per name so
// the citation list renders without excerpts.
func resolveSourceChunks(msg *Message) []SourceChunk {
	if len(msg.SourceChunks) > 0 {
		return append([]SourceChunk{}, msg.SourceChunks...)
	}
	if len(msg.Sources) == 0 {
		return nil
	}
	chunks := make([]SourceChunk, 0, len(msg.Sources))
	for i, source := range msg.Sources {
		chunks = append(chunks, SourceChunk{
			Index:  i + 1,
			Source: source,
		})
	}
	return chunks
}
