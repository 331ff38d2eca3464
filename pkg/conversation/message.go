package conversation

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// MessageID identifies a message. Ids handed out by the server are opaque
// strings (numeric on some backends); ids created locally before the server
// has confirmed a message carry a "tmp-" prefix and are rewritten once the
// persisted id arrives.
type MessageID string

const NullID MessageID = ""

const temporaryIDPrefix = "tmp-"

// NewTemporaryID returns a client-only id for an optimistic message.
func NewTemporaryID() MessageID {
	return MessageID(temporaryIDPrefix + uuid.NewString())
}

func (id MessageID) IsTemporary() bool {
	return strings.HasPrefix(string(id), temporaryIDPrefix)
}

func (id MessageID) String() string {
	return string(id)
}

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// SourceChunk is a citation excerpt attached to an assistant message.
type SourceChunk struct {
	Index   int    `json:"index"`
	Source  string `json:"source"`
	Excerpt string `json:"excerpt,omitempty"`
}

// Message is a single node in the conversation graph.
//
// ReplyToID links a message to its parent; EditGroupID groups the alternate
// edited versions of one logical user turn (it defaults to the message's own
// id), with VersionIndex increasing for more recent versions. The transient
// flags describe in-flight streaming state and are never sent to the server.
type Message struct {
	ID          MessageID `json:"id"`
	ReplyToID   MessageID `json:"replyToID,omitempty"`
	Role        Role      `json:"role"`
	Content     string    `json:"content"`
	CreatedAt   time.Time `json:"createdAt"`
	EditGroupID MessageID `json:"editGroupID"`
	// VersionIndex is unique within an edit group, starting at 1.
	VersionIndex int `json:"versionIndex"`

	Sources      []string      `json:"sources,omitempty"`
	SourceChunks []SourceChunk `json:"sourceChunks,omitempty"`

	IsEdited   bool `json:"isEdited,omitempty"`
	IsArchived bool `json:"isArchived,omitempty"`

	// Transient streaming flags.
	IsStreaming            bool `json:"-"`
	IsWaitingForFirstToken bool `json:"-"`
	IsStopped              bool `json:"-"`
	IsError                bool `json:"-"`
}

type MessageOption func(*Message)

func WithID(id MessageID) MessageOption {
	return func(m *Message) {
		m.ID = id
	}
}

func WithReplyTo(parentID MessageID) MessageOption {
	return func(m *Message) {
		m.ReplyToID = parentID
	}
}

func WithCreatedAt(t time.Time) MessageOption {
	return func(m *Message) {
		m.CreatedAt = t
	}
}

func WithEditGroup(groupID MessageID, versionIndex int) MessageOption {
	return func(m *Message) {
		m.EditGroupID = groupID
		m.VersionIndex = versionIndex
	}
}

func WithSources(sources ...string) MessageOption {
	return func(m *Message) {
		m.Sources = sources
	}
}

func WithSourceChunks(chunks ...SourceChunk) MessageOption {
	return func(m *Message) {
		m.SourceChunks = chunks
	}
}

// NewMessage creates a message with a temporary id. The edit group defaults
// to the message's own id, version 1.
func NewMessage(role Role, content string, options ...MessageOption) *Message {
	ret := &Message{
		ID:           NewTemporaryID(),
		Role:         role,
		Content:      content,
		CreatedAt:    time.Now(),
		VersionIndex: 1,
	}

	for _, option := range options {
		option(ret)
	}

	if ret.EditGroupID == NullID {
		ret.EditGroupID = ret.ID
	}

	return ret
}

// Clone returns a deep copy of the message.
func (m *Message) Clone() *Message {
	ret := *m
	if m.Sources != nil {
		ret.Sources = append([]string{}, m.Sources...)
	}
	if m.SourceChunks != nil {
		ret.SourceChunks = append([]SourceChunk{}, m.SourceChunks...)
	}
	return &ret
}

// BranchID derives the identifier used to address this particular version of
// a user turn when navigating edit history.
func (m *Message) BranchID() string {
	return fmt.Sprintf("%s_%d", m.EditGroupID, m.VersionIndex)
}

func (m *Message) MarshalZerologObject(e *zerolog.Event) {
	e.Str("id", m.ID.String()).
		Str("role", string(m.Role)).
		Str("reply_to", m.ReplyToID.String()).
		Str("edit_group", m.EditGroupID.String()).
		Int("version_index", m.VersionIndex)
	if m.IsStreaming {
		e.Bool("streaming", true)
	}
	if m.IsStopped {
		e.Bool("stopped", true)
	}
	if m.IsError {
		e.Bool("error", true)
	}
}
