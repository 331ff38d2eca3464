package events

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/docchat/docchat/pkg/conversation"
)

type EventType string

const (
	// EventTypeStart is emitted once when the backend has accepted the
	// streaming request, before any token arrives.
	EventTypeStart EventType = "start"
	// EventTypePartial carries one token fragment plus the accumulated
	// completion so far.
	EventTypePartial EventType = "partial"
	// EventTypeMeta is delivered at most once, early in the stream, with the
	// persisted id of the optimistic user turn and its citation data.
	EventTypeMeta EventType = "meta"
	// EventTypeFinal terminates a successful stream.
	EventTypeFinal EventType = "final"
	// EventTypeError terminates a failed stream; partial content survives.
	EventTypeError EventType = "error"
	// EventTypeInterrupt is emitted locally when the caller aborts a stream.
	EventTypeInterrupt EventType = "interrupt"
)

type Event interface {
	Type() EventType
	Metadata() EventMetadata
	Payload() []byte
}

type EventImpl struct {
	Type_     EventType     `json:"type"`
	Metadata_ EventMetadata `json:"meta,omitempty"`

	// raw JSON the event was deserialized from, kept for ToTypedEvent
	payload []byte
}

func (e *EventImpl) Type() EventType {
	return e.Type_
}

func (e *EventImpl) Metadata() EventMetadata {
	return e.Metadata_
}

func (e *EventImpl) Payload() []byte {
	return e.payload
}

// SetPayload stores the raw JSON payload on the event implementation.
func (e *EventImpl) SetPayload(b []byte) {
	e.payload = b
}

// StampMetadata fills in missing correlation metadata. Values already present
// on the event are never overridden.
func (e *EventImpl) StampMetadata(conversationID, sessionID string) {
	if e.Metadata_.ConversationID == "" {
		e.Metadata_.ConversationID = conversationID
	}
	if e.Metadata_.SessionID == "" {
		e.Metadata_.SessionID = sessionID
	}
}

func (e *EventImpl) MarshalZerologObject(ev *zerolog.Event) {
	ev.Str("type", string(e.Type_))
	ev.Object("meta", e.Metadata_)
}

var _ Event = &EventImpl{}

// EventMetadata is carried by every stream event and correlates it with the
// conversation and streaming session it belongs to.
type EventMetadata struct {
	ID             uuid.UUID `json:"event_id"`
	ConversationID string    `json:"conversation_id,omitempty"`
	SessionID      string    `json:"session_id,omitempty"`

	Extra map[string]interface{} `json:"extra,omitempty"`
}

func (em EventMetadata) MarshalZerologObject(e *zerolog.Event) {
	e.Str("event_id", em.ID.String())
	if em.ConversationID != "" {
		e.Str("conversation_id", em.ConversationID)
	}
	if em.SessionID != "" {
		e.Str("session_id", em.SessionID)
	}
	if len(em.Extra) > 0 {
		e.Dict("extra", zerolog.Dict().Fields(em.Extra))
	}
}

type EventStart struct {
	EventImpl
}

func NewStartEvent(metadata EventMetadata) *EventStart {
	return &EventStart{
		EventImpl: EventImpl{Type_: EventTypeStart, Metadata_: metadata},
	}
}

var _ Event = &EventStart{}

// EventPartial is the token event. Delta is the new fragment, Completion the
// concatenation of all fragments so far as tracked by the sender.
type EventPartial struct {
	EventImpl
	Delta      string `json:"delta"`
	Completion string `json:"completion"`
}

func NewPartialEvent(metadata EventMetadata, delta string, completion string) *EventPartial {
	return &EventPartial{
		EventImpl:  EventImpl{Type_: EventTypePartial, Metadata_: metadata},
		Delta:      delta,
		Completion: completion,
	}
}

var _ Event = &EventPartial{}

// EventMeta confirms the optimistic user turn: UserMessageID is the persisted
// id the temporary one must be rewritten to, and the citation data belongs to
// the assistant response being streamed.
type EventMeta struct {
	EventImpl
	UserMessageID string                     `json:"user_message_id"`
	EditGroupID   string                     `json:"edit_group_id,omitempty"`
	Sources       []string                   `json:"sources,omitempty"`
	SourceChunks  []conversation.SourceChunk `json:"source_chunks,omitempty"`
}

func NewMetaEvent(metadata EventMetadata, userMessageID, editGroupID string, sources []string, chunks []conversation.SourceChunk) *EventMeta {
	return &EventMeta{
		EventImpl:     EventImpl{Type_: EventTypeMeta, Metadata_: metadata},
		UserMessageID: userMessageID,
		EditGroupID:   editGroupID,
		Sources:       sources,
		SourceChunks:  chunks,
	}
}

var _ Event = &EventMeta{}

// EventFinal carries the persisted assistant id and, when the backend sends
// it, the authoritative full response text.
type EventFinal struct {
	EventImpl
	AssistantMessageID string `json:"assistant_message_id"`
	FullResponse       string `json:"full_response,omitempty"`
}

func NewFinalEvent(metadata EventMetadata, assistantMessageID string, fullResponse string) *EventFinal {
	return &EventFinal{
		EventImpl:          EventImpl{Type_: EventTypeFinal, Metadata_: metadata},
		AssistantMessageID: assistantMessageID,
		FullResponse:       fullResponse,
	}
}

var _ Event = &EventFinal{}

type EventError struct {
	EventImpl
	ErrorString string `json:"error_string"`
}

func NewErrorEvent(metadata EventMetadata, err error) *EventError {
	return &EventError{
		EventImpl:   EventImpl{Type_: EventTypeError, Metadata_: metadata},
		ErrorString: err.Error(),
	}
}

var _ Event = &EventError{}

type EventInterrupt struct {
	EventImpl
	// Text is the content accumulated before the abort.
	Text string `json:"text"`
}

func NewInterruptEvent(metadata EventMetadata, text string) *EventInterrupt {
	return &EventInterrupt{
		EventImpl: EventImpl{Type_: EventTypeInterrupt, Metadata_: metadata},
		Text:      text,
	}
}

var _ Event = &EventInterrupt{}

// NewEventFromJson decodes a serialized stream event back into its typed
// form, so events survive a trip across the wire or a message bus.
func NewEventFromJson(b []byte) (Event, error) {
	var e *EventImpl
	err := json.Unmarshal(b, &e)
	if err != nil {
		return nil, err
	}

	e.payload = b

	switch e.Type_ {
	case EventTypeStart:
		ret, ok := ToTypedEvent[EventStart](e)
		if !ok {
			return nil, fmt.Errorf("could not cast event to EventStart")
		}
		return ret, nil
	case EventTypePartial:
		ret, ok := ToTypedEvent[EventPartial](e)
		if !ok {
			return nil, fmt.Errorf("could not cast event to EventPartial")
		}
		return ret, nil
	case EventTypeMeta:
		ret, ok := ToTypedEvent[EventMeta](e)
		if !ok {
			return nil, fmt.Errorf("could not cast event to EventMeta")
		}
		return ret, nil
	case EventTypeFinal:
		ret, ok := ToTypedEvent[EventFinal](e)
		if !ok {
			return nil, fmt.Errorf("could not cast event to EventFinal")
		}
		return ret, nil
	case EventTypeError:
		ret, ok := ToTypedEvent[EventError](e)
		if !ok {
			return nil, fmt.Errorf("could not cast event to EventError")
		}
		return ret, nil
	case EventTypeInterrupt:
		ret, ok := ToTypedEvent[EventInterrupt](e)
		if !ok {
			return nil, fmt.Errorf("could not cast event to EventInterrupt")
		}
		return ret, nil
	}

	return e, nil
}

func ToTypedEvent[T any](e Event) (*T, bool) {
	var ret *T
	err := json.Unmarshal(e.Payload(), &ret)
	if err != nil {
		return nil, false
	}

	return ret, true
}

func (e EventStart) MarshalZerologObject(ev *zerolog.Event) {
	e.EventImpl.MarshalZerologObject(ev)
}

func (e EventPartial) MarshalZerologObject(ev *zerolog.Event) {
	e.EventImpl.MarshalZerologObject(ev)
	ev.Str("delta", e.Delta)
}

func (e EventMeta) MarshalZerologObject(ev *zerolog.Event) {
	e.EventImpl.MarshalZerologObject(ev)
	ev.Str("user_message_id", e.UserMessageID).Str("edit_group_id", e.EditGroupID)
}

func (e EventFinal) MarshalZerologObject(ev *zerolog.Event) {
	e.EventImpl.MarshalZerologObject(ev)
	ev.Str("assistant_message_id", e.AssistantMessageID)
}

func (e EventError) MarshalZerologObject(ev *zerolog.Event) {
	e.EventImpl.MarshalZerologObject(ev)
	ev.Str("error", e.ErrorString)
}

func (e EventInterrupt) MarshalZerologObject(ev *zerolog.Event) {
	e.EventImpl.MarshalZerologObject(ev)
	ev.Str("text", e.Text)
}
