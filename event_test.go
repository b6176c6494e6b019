package lightning

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEventIDsAreTimeOrdered(t *testing.T) {
	prev := NewEventID()
	for i := 0; i < 50; i++ {
		next := NewEventID()
		assert.Greater(t, next, prev)
		prev = next
	}
}

func TestNewEvent(t *testing.T) {
	event := NewEvent("llm.chat", map[string]any{"message": "hi"})

	assert.NotEmpty(t, event.ID)
	assert.Equal(t, "llm.chat", event.Type)
	assert.Equal(t, time.UTC, event.Timestamp.Location())
	assert.NotNil(t, event.Metadata)
	require.NoError(t, event.Validate())
}

func TestValidateRejectsEmptyEnvelope(t *testing.T) {
	err := Event{Type: "llm.chat"}.Validate()
	require.ErrorIs(t, err, ErrInvalidInput)

	err = Event{ID: NewEventID()}.Validate()
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestMetadataAccessors(t *testing.T) {
	event := NewEvent("llm.chat", nil).
		WithMetadata(MetaSessionID, "s1").
		WithMetadata(MetaRequestID, "r1").
		WithMetadata(MetaCorrelationID, "c1").
		WithMetadata(MetaTurnNumber, 3).
		WithMetadata(MetaTTLSeconds, 60).
		WithMetadata(MetaPriority, "high")

	assert.Equal(t, "s1", event.SessionID())
	assert.Equal(t, "r1", event.RequestID())
	assert.Equal(t, "c1", event.CorrelationID())
	assert.Equal(t, 3, event.TurnNumber())
	assert.Equal(t, 60, event.TTLSeconds())
	assert.Equal(t, PriorityHigh, event.Priority())
}

func TestMetadataAccessorsAcceptJSONNumbers(t *testing.T) {
	// Events arriving over the wire carry numbers as float64.
	event := NewEvent("llm.chat", nil).
		WithMetadata(MetaTurnNumber, float64(7)).
		WithMetadata(MetaTTLSeconds, int64(30))

	assert.Equal(t, 7, event.TurnNumber())
	assert.Equal(t, 30, event.TTLSeconds())
}

func TestWithMetadataCopies(t *testing.T) {
	base := NewEvent("llm.chat", nil).WithMetadata(MetaSessionID, "s1")
	derived := base.WithMetadata(MetaRequestID, "r1")

	assert.Empty(t, base.RequestID())
	assert.Equal(t, "r1", derived.RequestID())
	assert.Equal(t, "s1", derived.SessionID())
}

func TestCloneIsolatesMaps(t *testing.T) {
	event := NewEvent("llm.chat", map[string]any{"message": "hi"}).
		WithMetadata(MetaSessionID, "s1")
	clone := event.Clone()

	clone.Data["message"] = "mutated"
	clone.Metadata[MetaSessionID] = "s2"

	assert.Equal(t, "hi", event.Data["message"])
	assert.Equal(t, "s1", event.SessionID())
}

func TestExpired(t *testing.T) {
	now := time.Now().UTC()

	fresh := NewEvent("llm.chat", nil)
	assert.False(t, fresh.Expired(now), "events without a ttl never expire")

	stamped := fresh.WithMetadata(MetaTTLSeconds, 60)
	assert.False(t, stamped.Expired(now))
	assert.True(t, stamped.Expired(now.Add(2*time.Minute)))
}

func TestMatchesFilter(t *testing.T) {
	event := NewEvent("context.write", map[string]any{
		"purpose": "index_guide",
		"doc":     map[string]any{"path": "/inbox"},
	}).WithMetadata(MetaSessionID, "s1")

	assert.True(t, event.MatchesFilter(map[string]any{"purpose": "index_guide"}))
	assert.True(t, event.MatchesFilter(map[string]any{"doc.path": "/inbox"}))
	assert.True(t, event.MatchesFilter(map[string]any{"metadata.session_id": "s1"}))
	assert.False(t, event.MatchesFilter(map[string]any{"purpose": "notes"}))
	assert.False(t, event.MatchesFilter(map[string]any{"missing": "x"}))
}

func TestParsePriority(t *testing.T) {
	p, err := ParsePriority("critical")
	require.NoError(t, err)
	assert.Equal(t, PriorityCritical, p)

	_, err = ParsePriority("urgent")
	require.ErrorIs(t, err, ErrInvalidPriority)
}

func TestDedupKeyPrefersIdempotencyKey(t *testing.T) {
	a := NewEvent("edge.signal", map[string]any{"n": 1}).WithMetadata(MetaIdempotencyKey, "job-42")
	b := NewEvent("edge.signal", map[string]any{"n": 2}).WithMetadata(MetaIdempotencyKey, "job-42")
	assert.Equal(t, a.DedupKey(), b.DedupKey())
}

func TestDedupKeyIgnoresMapOrder(t *testing.T) {
	a := Event{ID: NewEventID(), Type: "edge.signal", Data: map[string]any{"a": 1, "b": "x", "nested": map[string]any{"k": true}}}
	b := Event{ID: NewEventID(), Type: "edge.signal", Data: map[string]any{"nested": map[string]any{"k": true}, "b": "x", "a": 1}}
	assert.Equal(t, a.DedupKey(), b.DedupKey())

	c := Event{ID: NewEventID(), Type: "edge.signal", Data: map[string]any{"a": 2, "b": "x"}}
	assert.NotEqual(t, a.DedupKey(), c.DedupKey())
}

func TestCanonicalJSONSortsKeys(t *testing.T) {
	got := CanonicalJSON(map[string]any{"b": 2, "a": map[string]any{"z": true, "y": nil}})
	assert.Equal(t, `{"a":{"y":null,"z":true},"b":2}`, got)
}

func TestCloudEventRoundTrip(t *testing.T) {
	event := NewEvent("llm.chat", map[string]any{"message": "hi"}).
		WithMetadata(MetaSessionID, "s1").
		WithMetadata(MetaRequestID, "r1").
		WithMetadata(MetaTurnNumber, 4).
		WithMetadata(MetaTTLSeconds, 120)
	event.Source = "cli.chat"
	event.UserID = "alice"

	ce, err := event.ToCloudEvent()
	require.NoError(t, err)
	assert.Equal(t, event.ID, ce.ID())
	assert.Equal(t, "llm.chat", ce.Type())
	assert.Equal(t, "cli.chat", ce.Source())

	back, err := FromCloudEvent(ce)
	require.NoError(t, err)
	assert.Equal(t, event.ID, back.ID)
	assert.Equal(t, event.Type, back.Type)
	assert.Equal(t, "alice", back.UserID)
	assert.Equal(t, "hi", back.Data["message"])
	assert.Equal(t, "s1", back.SessionID())
	assert.Equal(t, "r1", back.RequestID())
	assert.Equal(t, 4, back.TurnNumber())
	assert.Equal(t, 120, back.TTLSeconds())
}

func TestDecodeEventNativeForm(t *testing.T) {
	event, err := DecodeEvent([]byte(`{"type":"schedule.tick","data":{"n":1}}`))
	require.NoError(t, err)
	assert.Equal(t, "schedule.tick", event.Type)
	assert.NotEmpty(t, event.ID, "missing ids are assigned")
	assert.False(t, event.Timestamp.IsZero())
}

func TestDecodeEventCloudEventsForm(t *testing.T) {
	original := NewEvent("llm.chat", map[string]any{"message": "hi"}).
		WithMetadata(MetaSessionID, "s1")
	ce, err := original.ToCloudEvent()
	require.NoError(t, err)
	raw, err := json.Marshal(ce)
	require.NoError(t, err)

	decoded, err := DecodeEvent(raw)
	require.NoError(t, err)
	assert.Equal(t, original.ID, decoded.ID)
	assert.Equal(t, "llm.chat", decoded.Type)
	assert.Equal(t, "s1", decoded.SessionID())
}

func TestDecodeEventRejectsGarbage(t *testing.T) {
	_, err := DecodeEvent([]byte("not json"))
	require.ErrorIs(t, err, ErrInvalidInput)

	_, err = DecodeEvent([]byte(`{"data":{}}`))
	require.ErrorIs(t, err, ErrInvalidInput)
}
