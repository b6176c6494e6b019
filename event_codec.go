package lightning

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
)

// CloudEvent is an alias for the CloudEvents Event type for convenience.
type CloudEvent = cloudevents.Event

// DedupKey returns the key used by the bus deduplication cache: the explicit
// idempotency key when present, otherwise a canonical hash over the event
// type and payload. Events carrying neither a key nor data still hash
// deterministically over the type alone.
func (e Event) DedupKey() string {
	if key := e.IdempotencyKey(); key != "" {
		return key
	}
	h := sha256.New()
	h.Write([]byte(e.Type))
	h.Write([]byte{0})
	h.Write([]byte(CanonicalJSON(e.Data)))
	return hex.EncodeToString(h.Sum(nil))
}

// CanonicalJSON renders a value as deterministic JSON: object keys sorted
// lexicographically at every level, UTF-8, no insignificant whitespace.
// Numbers render via strconv to avoid formatting drift between encoders.
func CanonicalJSON(v any) string {
	var sb strings.Builder
	writeCanonical(&sb, v)
	return sb.String()
}

func writeCanonical(sb *strings.Builder, v any) {
	switch x := v.(type) {
	case nil:
		sb.WriteString("null")
	case bool:
		sb.WriteString(strconv.FormatBool(x))
	case string:
		b, _ := json.Marshal(x)
		sb.Write(b)
	case float64:
		sb.WriteString(strconv.FormatFloat(x, 'g', -1, 64))
	case float32:
		sb.WriteString(strconv.FormatFloat(float64(x), 'g', -1, 32))
	case int:
		sb.WriteString(strconv.Itoa(x))
	case int64:
		sb.WriteString(strconv.FormatInt(x, 10))
	case json.Number:
		sb.WriteString(x.String())
	case map[string]any:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		sb.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				sb.WriteByte(',')
			}
			kb, _ := json.Marshal(k)
			sb.Write(kb)
			sb.WriteByte(':')
			writeCanonical(sb, x[k])
		}
		sb.WriteByte('}')
	case []any:
		sb.WriteByte('[')
		for i, item := range x {
			if i > 0 {
				sb.WriteByte(',')
			}
			writeCanonical(sb, item)
		}
		sb.WriteByte(']')
	default:
		// Structs and exotic types round-trip through encoding/json first
		// so map key ordering is still normalized.
		b, err := json.Marshal(x)
		if err != nil {
			sb.WriteString("null")
			return
		}
		var generic any
		if err := json.Unmarshal(b, &generic); err != nil {
			sb.Write(b)
			return
		}
		writeCanonical(sb, generic)
	}
}

// CloudEvents extension attribute names. Extension names must be lowercase
// alphanumeric per the CloudEvents spec.
const (
	ceExtUserID         = "userid"
	ceExtSessionID      = "sessionid"
	ceExtCorrelationID  = "correlationid"
	ceExtRequestID      = "requestid"
	ceExtTurnNumber     = "turnnumber"
	ceExtIdempotencyKey = "idempotencykey"
	ceExtTTLSeconds     = "ttlseconds"
	ceExtPriority       = "priority"
)

// ToCloudEvent maps the envelope onto a CloudEvents v1 event for edge
// interchange and on-disk replay files.
func (e Event) ToCloudEvent() (cloudevents.Event, error) {
	ce := cloudevents.NewEvent()
	ce.SetSpecVersion(cloudevents.VersionV1)
	ce.SetID(e.ID)
	ce.SetType(e.Type)
	ce.SetTime(e.Timestamp)
	source := e.Source
	if source == "" {
		source = "lightning"
	}
	ce.SetSource(source)
	if e.Data != nil {
		if err := ce.SetData(cloudevents.ApplicationJSON, e.Data); err != nil {
			return ce, fmt.Errorf("set cloudevent data: %w", err)
		}
	}
	if e.UserID != "" {
		ce.SetExtension(ceExtUserID, e.UserID)
	}
	setStrExt(&ce, ceExtSessionID, e.SessionID())
	setStrExt(&ce, ceExtCorrelationID, e.CorrelationID())
	setStrExt(&ce, ceExtRequestID, e.RequestID())
	setStrExt(&ce, ceExtIdempotencyKey, e.IdempotencyKey())
	if n := e.TurnNumber(); n > 0 {
		ce.SetExtension(ceExtTurnNumber, n)
	}
	if ttl := e.TTLSeconds(); ttl > 0 {
		ce.SetExtension(ceExtTTLSeconds, ttl)
	}
	if p := e.Priority(); p != PriorityNormal {
		ce.SetExtension(ceExtPriority, p.String())
	}
	return ce, nil
}

func setStrExt(ce *cloudevents.Event, name, value string) {
	if value != "" {
		ce.SetExtension(name, value)
	}
}

// FromCloudEvent reconstructs the envelope from a CloudEvents v1 event.
func FromCloudEvent(ce cloudevents.Event) (Event, error) {
	e := Event{
		ID:        ce.ID(),
		Type:      ce.Type(),
		Timestamp: ce.Time().UTC(),
		Source:    ce.Source(),
		Metadata:  map[string]any{},
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if len(ce.Data()) > 0 {
		if err := json.Unmarshal(ce.Data(), &e.Data); err != nil {
			return Event{}, fmt.Errorf("%w: cloudevent data: %w", ErrInvalidInput, err)
		}
	}
	exts := ce.Extensions()
	if v, ok := exts[ceExtUserID]; ok {
		e.UserID = fmt.Sprint(v)
	}
	copyExt(exts, ceExtSessionID, e.Metadata, MetaSessionID)
	copyExt(exts, ceExtCorrelationID, e.Metadata, MetaCorrelationID)
	copyExt(exts, ceExtRequestID, e.Metadata, MetaRequestID)
	copyExt(exts, ceExtIdempotencyKey, e.Metadata, MetaIdempotencyKey)
	copyExt(exts, ceExtPriority, e.Metadata, MetaPriority)
	if v, ok := exts[ceExtTurnNumber]; ok {
		if n, err := strconv.Atoi(fmt.Sprint(v)); err == nil {
			e.Metadata[MetaTurnNumber] = n
		}
	}
	if v, ok := exts[ceExtTTLSeconds]; ok {
		if n, err := strconv.Atoi(fmt.Sprint(v)); err == nil {
			e.Metadata[MetaTTLSeconds] = n
		}
	}
	return e, e.Validate()
}

func copyExt(exts map[string]any, ext string, meta map[string]any, key string) {
	if v, ok := exts[ext]; ok {
		meta[key] = fmt.Sprint(v)
	}
}

// DecodeEvent parses an event from JSON, accepting both the native envelope
// and the CloudEvents structured form (distinguished by "specversion").
func DecodeEvent(data []byte) (Event, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return Event{}, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	if _, ok := probe["specversion"]; ok {
		ce := cloudevents.NewEvent()
		if err := json.Unmarshal(data, &ce); err != nil {
			return Event{}, fmt.Errorf("%w: cloudevent: %w", ErrInvalidInput, err)
		}
		return FromCloudEvent(ce)
	}
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return Event{}, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	if e.ID == "" {
		e.ID = NewEventID()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	return e, e.Validate()
}
