package events

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docchat/docchat/pkg/conversation"
)

func testMetadata() EventMetadata {
	return EventMetadata{
		ID:             uuid.New(),
		ConversationID: "conv-1",
		SessionID:      "sess-1",
	}
}

func roundTrip(t *testing.T, ev Event) Event {
	t.Helper()
	b, err := json.Marshal(ev)
	require.NoError(t, err)
	parsed, err := NewEventFromJson(b)
	require.NoError(t, err)
	return parsed
}

func TestStartEventRoundTrip(t *testing.T) {
	md := testMetadata()
	parsed := roundTrip(t, NewStartEvent(md))

	start, ok := parsed.(*EventStart)
	require.True(t, ok)
	assert.Equal(t, EventTypeStart, start.Type())
	assert.Equal(t, md.ConversationID, start.Metadata().ConversationID)
}

func TestPartialEventRoundTrip(t *testing.T) {
	parsed := roundTrip(t, NewPartialEvent(testMetadata(), "llo", "Hello"))

	partial, ok := parsed.(*EventPartial)
	require.True(t, ok)
	assert.Equal(t, "llo", partial.Delta)
	assert.Equal(t, "Hello", partial.Completion)
}

func TestMetaEventRoundTrip(t *testing.T) {
	chunks := []conversation.SourceChunk{{Index: 1, Source: "doc.pdf", Excerpt: "quoted"}}
	parsed := roundTrip(t, NewMetaEvent(testMetadata(), "501", "501", []string{"doc.pdf"}, chunks))

	meta, ok := parsed.(*EventMeta)
	require.True(t, ok)
	assert.Equal(t, "501", meta.UserMessageID)
	assert.Equal(t, "501", meta.EditGroupID)
	assert.Equal(t, []string{"doc.pdf"}, meta.Sources)
	assert.Equal(t, chunks, meta.SourceChunks)
}

func TestFinalEventRoundTrip(t *testing.T) {
	parsed := roundTrip(t, NewFinalEvent(testMetadata(), "502", "Hello there"))

	final, ok := parsed.(*EventFinal)
	require.True(t, ok)
	assert.Equal(t, "502", final.AssistantMessageID)
	assert.Equal(t, "Hello there", final.FullResponse)
}

func TestErrorEventRoundTrip(t *testing.T) {
	parsed := roundTrip(t, NewErrorEvent(testMetadata(), assert.AnError))

	errEv, ok := parsed.(*EventError)
	require.True(t, ok)
	assert.Equal(t, assert.AnError.Error(), errEv.ErrorString)
}

func TestInterruptEventRoundTrip(t *testing.T) {
	parsed := roundTrip(t, NewInterruptEvent(testMetadata(), "partial text"))

	interrupt, ok := parsed.(*EventInterrupt)
	require.True(t, ok)
	assert.Equal(t, "partial text", interrupt.Text)
}

func TestNewEventFromJsonRejectsGarbage(t *testing.T) {
	_, err := NewEventFromJson([]byte("not json"))
	assert.Error(t, err)
}
