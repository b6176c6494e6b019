// Package eventbus delivers typed events to subscribers with at-least-once
// semantics for handled messages, deduplication, bounded history for replay,
// orphaned-event detection and dead-letter retention.
package eventbus

import (
	"context"
	"time"

	"github.com/vextir/lightning"
)

// EventHandler is a function that handles an event. Handlers run on bus
// workers and must be safe for concurrent invocation. A returned error
// routes the event to the dead-letter store; it is never surfaced to the
// publisher.
type EventHandler func(ctx context.Context, event lightning.Event) error

// Subscription represents an active subscription to a subject pattern.
type Subscription interface {
	// ID returns the unique identifier for this subscription.
	ID() string

	// Subject returns the subject pattern being subscribed to, which may
	// contain the single-segment wildcard "*".
	Subject() string

	// Topic returns the optional logical namespace of the subscription.
	Topic() string

	// Cancel cancels the subscription. Idempotent; after return the
	// handler will not be invoked again.
	Cancel() error
}

// SubscribeOption configures a subscription.
type SubscribeOption func(*subscribeOptions)

type subscribeOptions struct {
	topic  string
	filter map[string]any
}

// WithTopic places the subscription in a logical topic namespace. Events
// published with a different topic are not delivered to it.
func WithTopic(topic string) SubscribeOption {
	return func(o *subscribeOptions) { o.topic = topic }
}

// WithFilter adds a dotted-path equality predicate over event payload and
// metadata. All entries must match for the handler to be invoked.
func WithFilter(filter map[string]any) SubscribeOption {
	return func(o *subscribeOptions) { o.filter = filter }
}

// PublishOption configures a publish call.
type PublishOption func(*publishOptions)

type publishOptions struct {
	topic string
}

// WithPublishTopic publishes the event into a logical topic namespace.
func WithPublishTopic(topic string) PublishOption {
	return func(o *publishOptions) { o.topic = topic }
}

// OrphanReason codes why an event was parked in the orphan store.
type OrphanReason string

const (
	ReasonNoSubscribers   OrphanReason = "no_subscribers"
	ReasonNoDriverMatched OrphanReason = "no_driver_matched"
	ReasonTTLExpired      OrphanReason = "ttl_expired"
)

// OrphanRecord is an event that had no consumer when it was published.
type OrphanRecord struct {
	Event    lightning.Event `json:"event"`
	Reason   OrphanReason    `json:"reason"`
	ParkedAt time.Time       `json:"parkedAt"`
}

// DeadLetterRecord is an event whose handler failed, retained for
// remediation. Records expire after a bounded TTL.
type DeadLetterRecord struct {
	// ID keys the record by (subject, event id).
	ID        string          `json:"id"`
	Subject   string          `json:"subject"`
	Event     lightning.Event `json:"event"`
	Error     string          `json:"error"`
	ParkedAt  time.Time       `json:"parkedAt"`
	ExpiresAt time.Time       `json:"expiresAt"`
}

// Stats is a snapshot of bus delivery counters.
type Stats struct {
	Published         uint64 `json:"published"`
	Delivered         uint64 `json:"delivered"`
	Dropped           uint64 `json:"dropped"`
	DedupHits         uint64 `json:"dedupHits"`
	TTLExpired        uint64 `json:"ttlExpired"`
	Orphaned          uint64 `json:"orphaned"`
	OrphanEvicted     uint64 `json:"orphanEvicted"`
	DeadLettered      uint64 `json:"deadLettered"`
	DeadLetterEvicted uint64 `json:"deadLetterEvicted"`
}

// ReplayQuery selects a window of event history.
type ReplayQuery struct {
	// Start is inclusive; zero means from the beginning of retained history.
	Start time.Time
	// End is inclusive; zero means up to now.
	End time.Time
	// Topic restricts replay to one logical namespace; empty matches all.
	Topic string
	// Types restricts replay to the listed event types; empty matches all.
	Types []string
}

// EventBus is the pub/sub contract the runtime composes against. The memory
// engine is the reference implementation; external brokers mount behind the
// same interface.
type EventBus interface {
	// Start initializes the bus. Publish and Subscribe fail before Start.
	Start(ctx context.Context) error

	// Stop shuts the bus down, draining in-flight handlers until ctx
	// expires.
	Stop(ctx context.Context) error

	// Publish enqueues an event for delivery. It returns once the event
	// has been accepted into the delivery pipeline. Deduplicated events
	// are silently dropped; expired events fail with ErrTTLExpired; a
	// full delivery queue fails with ErrBusFull.
	Publish(ctx context.Context, event lightning.Event, opts ...PublishOption) error

	// PublishBatch publishes each event independently and reports partial
	// failure by index. An empty result means every event was accepted.
	PublishBatch(ctx context.Context, events []lightning.Event, opts ...PublishOption) map[int]error

	// Subscribe registers a handler for a subject pattern. The pattern is
	// matched literally except that "*" matches exactly one dotted
	// segment; the bare pattern "*" matches every subject.
	Subscribe(ctx context.Context, subject string, handler EventHandler, opts ...SubscribeOption) (Subscription, error)

	// Unsubscribe removes a subscription. Idempotent.
	Unsubscribe(ctx context.Context, sub Subscription) error

	// HasSubscribers reports whether any subscription would consume the
	// subject. Catch-all ("*") subscriptions are infrastructure taps and
	// do not count as consumers.
	HasSubscribers(subject string) bool

	// Topics returns all subject patterns with at least one subscriber.
	Topics() []string

	// SubscriberCount returns the number of subscriptions registered for
	// the exact subject pattern.
	SubscriberCount(subject string) int

	// OrphanedEvents returns up to limit parked orphan records, oldest
	// first. limit <= 0 returns everything.
	OrphanedEvents(limit int) []OrphanRecord

	// DrainOrphans evicts orphan records matching the given types (empty
	// means all) parked before the given time (zero means all) and
	// returns the number drained.
	DrainOrphans(types []string, before time.Time) int

	// RecordOrphan parks an event in the orphan store on behalf of a
	// downstream consumer, e.g. the universal processor when no driver
	// matched.
	RecordOrphan(event lightning.Event, reason OrphanReason)

	// RecordDeadLetter parks a failed event in the dead-letter store on
	// behalf of a downstream consumer, e.g. the universal processor when
	// a driver fails. subject keys the record together with the event id.
	RecordDeadLetter(subject string, event lightning.Event, handlerErr error)

	// DeadLetterEvents returns up to limit dead-letter records, oldest
	// first. limit <= 0 returns everything.
	DeadLetterEvents(limit int) []DeadLetterRecord

	// ReprocessDeadLetter re-publishes a dead-letter entry exactly once
	// and removes it from the store.
	ReprocessDeadLetter(ctx context.Context, id string) error

	// Replay returns retained history matching the query, oldest first.
	Replay(q ReplayQuery) []lightning.Event

	// History returns retained events carrying the given correlation id,
	// or all retained events when the id is empty.
	History(correlationID string) []lightning.Event

	// HealthCheck probes the bus.
	HealthCheck(ctx context.Context) lightning.HealthCheckResult

	// Stats returns a snapshot of delivery counters.
	Stats() Stats
}
