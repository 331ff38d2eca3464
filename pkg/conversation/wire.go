package conversation

import (
	"bytes"
	"encoding/json"
	"strconv"
	"time"

	"github.com/pkg/errors"
)

// Wire types for data ingested from the backend. Field names on the wire are
// snake_case and ids may arrive as numbers or strings; everything is
// normalized into the canonical Message here, at the boundary, so nothing
// deeper in the system ever branches on field-name or id-type variants.

// WireID accepts both JSON strings and numbers.
type WireID string

func (id *WireID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = WireID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return errors.Wrap(err, "message id is neither string nor number")
	}
	*id = WireID(n.String())
	return nil
}

// WireTime accepts RFC3339 strings and unix-second numbers.
type WireTime struct {
	time.Time
}

func (t *WireTime) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		t.Time = time.Time{}
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		parsed, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return errors.Wrapf(err, "could not parse timestamp %q", s)
		}
		t.Time = parsed
		return nil
	}
	seconds, err := strconv.ParseFloat(string(data), 64)
	if err != nil {
		return errors.Wrap(err, "timestamp is neither string nor number")
	}
	t.Time = time.Unix(int64(seconds), int64((seconds-float64(int64(seconds)))*1e9))
	return nil
}

type WireSourceChunk struct {
	Index   int    `json:"index"`
	Source  string `json:"source"`
	Excerpt string `json:"excerpt"`
}

type WireMessage struct {
	ID               WireID            `json:"id"`
	Role             string            `json:"role"`
	Content          string            `json:"content"`
	Sources          []string          `json:"sources"`
	SourceChunks     []WireSourceChunk `json:"source_chunks"`
	ReplyToMessageID WireID            `json:"reply_to_message_id"`
	EditGroupID      WireID            `json:"edit_group_id"`
	VersionIndex     int               `json:"version_index"`
	CreatedAt        WireTime          `json:"created_at"`
	IsEdited         bool              `json:"is_edited"`
	IsArchived       bool              `json:"is_archived"`
}

// Normalize converts a wire message into the canonical form. A missing edit
// group makes the message its own edit-group root; a missing version index
// defaults to 1. Both are treated as data to repair, not errors.
func (wm *WireMessage) Normalize() (*Message, error) {
	if wm.ID == "" {
		return nil, errors.New("wire message has no id")
	}
	role := Role(wm.Role)
	if role != RoleUser && role != RoleAssistant {
		return nil, errors.Errorf("unknown message role %q", wm.Role)
	}

	msg := &Message{
		ID:           MessageID(wm.ID),
		ReplyToID:    MessageID(wm.ReplyToMessageID),
		Role:         role,
		Content:      wm.Content,
		CreatedAt:    wm.CreatedAt.Time,
		EditGroupID:  MessageID(wm.EditGroupID),
		VersionIndex: wm.VersionIndex,
		Sources:      wm.Sources,
		IsEdited:     wm.IsEdited,
		IsArchived:   wm.IsArchived,
	}
	if msg.EditGroupID == NullID {
		msg.EditGroupID = msg.ID
	}
	if msg.VersionIndex <= 0 {
		msg.VersionIndex = 1
	}
	for _, chunk := range wm.SourceChunks {
		msg.SourceChunks = append(msg.SourceChunks, SourceChunk{
			Index:   chunk.Index,
			Source:  chunk.Source,
			Excerpt: chunk.Excerpt,
		})
	}
	return msg, nil
}

// NormalizeAll converts a batch of wire messages, skipping malformed entries
// rather than failing the whole load.
func NormalizeAll(wireMessages []WireMessage) ([]*Message, error) {
	var ret []*Message
	var errs []error
	for i := range wireMessages {
		msg, err := wireMessages[i].Normalize()
		if err != nil {
			errs = append(errs, errors.Wrapf(err, "message %d", i))
			continue
		}
		ret = append(ret, msg)
	}
	if len(errs) > 0 && len(ret) == 0 {
		return nil, errs[0]
	}
	return ret, nil
}
