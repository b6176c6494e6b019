package lightning

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Reserved metadata keys. Everything else in Event.Metadata is opaque to the
// runtime and travels untouched.
const (
	MetaSessionID      = "session_id"
	MetaCorrelationID  = "correlation_id"
	MetaRequestID      = "request_id"
	MetaTurnNumber     = "turn_number"
	MetaIdempotencyKey = "idempotency_key"
	MetaTTLSeconds     = "ttl_seconds"
	MetaPriority       = "priority"
	MetaSource         = "source"
)

// Priority orders events by urgency. The memory bus delivers FIFO regardless;
// priority is carried for edges and external providers that honor it.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

// String returns the wire form of the priority.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "normal"
	}
}

// ParsePriority converts the wire form back into a Priority.
func ParsePriority(s string) (Priority, error) {
	switch s {
	case "low":
		return PriorityLow, nil
	case "", "normal":
		return PriorityNormal, nil
	case "high":
		return PriorityHigh, nil
	case "critical":
		return PriorityCritical, nil
	default:
		return PriorityNormal, fmt.Errorf("%w: %q", ErrInvalidPriority, s)
	}
}

// Event is the canonical envelope moved through the bus. Events are treated
// as immutable once published; handlers receive copies and must not mutate
// shared payload maps.
type Event struct {
	// ID is unique and lexicographically time-ordered (UUIDv7).
	ID string `json:"id"`

	// Type is the dotted subject of the event, e.g. "llm.chat".
	Type string `json:"type"`

	// Timestamp is when the event was created, always UTC.
	Timestamp time.Time `json:"timestamp"`

	// Source identifies the producing edge or driver.
	Source string `json:"source,omitempty"`

	// UserID is the opaque identity tag assigned at the edge. The core
	// trusts it; authentication is a boundary concern.
	UserID string `json:"user_id,omitempty"`

	// Data is the schemaless payload.
	Data map[string]any `json:"data,omitempty"`

	// Metadata carries the reserved keys plus arbitrary edge context.
	Metadata map[string]any `json:"metadata,omitempty"`
}

// NewEvent creates an event with a fresh time-ordered id and UTC timestamp.
func NewEvent(eventType string, data map[string]any) Event {
	return Event{
		ID:        NewEventID(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Data:      data,
		Metadata:  map[string]any{},
	}
}

// NewEventID generates a unique, time-ordered event identifier using UUIDv7.
func NewEventID() string {
	id, err := uuid.NewV7()
	if err != nil {
		// v4 fallback loses time ordering but never blocks publishing.
		id = uuid.New()
	}
	return id.String()
}

// Validate checks the minimal envelope requirements at an API boundary.
func (e Event) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("%w: %w", ErrInvalidInput, ErrEventIDEmpty)
	}
	if e.Type == "" {
		return fmt.Errorf("%w: %w", ErrInvalidInput, ErrEventTypeEmpty)
	}
	return nil
}

// Clone returns a deep-enough copy: the metadata and top-level data maps are
// copied so handlers can annotate their view without racing other handlers.
func (e Event) Clone() Event {
	out := e
	if e.Data != nil {
		out.Data = make(map[string]any, len(e.Data))
		for k, v := range e.Data {
			out.Data[k] = v
		}
	}
	if e.Metadata != nil {
		out.Metadata = make(map[string]any, len(e.Metadata))
		for k, v := range e.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

// WithMetadata returns a copy of the event with the given metadata key set.
func (e Event) WithMetadata(key string, value any) Event {
	out := e.Clone()
	if out.Metadata == nil {
		out.Metadata = map[string]any{}
	}
	out.Metadata[key] = value
	return out
}

// SessionID returns the reserved session_id metadata value.
func (e Event) SessionID() string { return e.metaString(MetaSessionID) }

// CorrelationID returns the reserved correlation_id metadata value.
func (e Event) CorrelationID() string { return e.metaString(MetaCorrelationID) }

// RequestID returns the reserved request_id metadata value.
func (e Event) RequestID() string { return e.metaString(MetaRequestID) }

// IdempotencyKey returns the explicit dedup key, if any.
func (e Event) IdempotencyKey() string { return e.metaString(MetaIdempotencyKey) }

// TurnNumber returns the stamped conversation turn, or 0 when absent.
func (e Event) TurnNumber() int { return e.metaInt(MetaTurnNumber) }

// TTLSeconds returns the event time-to-live, or 0 when the event never expires.
func (e Event) TTLSeconds() int { return e.metaInt(MetaTTLSeconds) }

// Priority returns the stamped priority, defaulting to normal.
func (e Event) Priority() Priority {
	p, err := ParsePriority(e.metaString(MetaPriority))
	if err != nil {
		return PriorityNormal
	}
	return p
}

// Expired reports whether the event's TTL has elapsed as of now.
func (e Event) Expired(now time.Time) bool {
	ttl := e.TTLSeconds()
	if ttl <= 0 {
		return false
	}
	return now.After(e.Timestamp.Add(time.Duration(ttl) * time.Second))
}

// MatchesFilter evaluates a dotted-path equality filter against the event's
// payload and metadata. Paths starting with "metadata." address metadata;
// everything else addresses data. Values compare with fmt.Sprint equality so
// JSON numeric re-typing does not break filters.
func (e Event) MatchesFilter(filter map[string]any) bool {
	for path, want := range filter {
		var root map[string]any
		var rest string
		if cut, ok := strings.CutPrefix(path, "metadata."); ok {
			root, rest = e.Metadata, cut
		} else {
			root, rest = e.Data, strings.TrimPrefix(path, "data.")
		}
		got, ok := lookupPath(root, rest)
		if !ok || fmt.Sprint(got) != fmt.Sprint(want) {
			return false
		}
	}
	return true
}

func lookupPath(m map[string]any, path string) (any, bool) {
	if m == nil {
		return nil, false
	}
	parts := strings.Split(path, ".")
	var cur any = m
	for _, part := range parts {
		node, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = node[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func (e Event) metaString(key string) string {
	if e.Metadata == nil {
		return ""
	}
	if v, ok := e.Metadata[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
		return fmt.Sprint(v)
	}
	return ""
}

func (e Event) metaInt(key string) int {
	if e.Metadata == nil {
		return 0
	}
	switch v := e.Metadata[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case nil:
		return 0
	default:
		return 0
	}
}
