package resilience

import (
	"context"
	"time"

	"github.com/vextir/lightning"
	"github.com/vextir/lightning/modules/eventbus"
	"github.com/vextir/lightning/modules/storage"
)

// GuardedStore wraps a storage provider so every call flows through a
// circuit breaker. It satisfies storage.Store, so composition is transparent
// to callers.
type GuardedStore struct {
	inner   storage.Store
	breaker *CircuitBreaker
}

// NewGuardedStore wraps a store with the given breaker.
func NewGuardedStore(inner storage.Store, breaker *CircuitBreaker) *GuardedStore {
	return &GuardedStore{inner: inner, breaker: breaker}
}

// Breaker exposes the breaker for monitoring.
func (s *GuardedStore) Breaker() *CircuitBreaker { return s.breaker }

func (s *GuardedStore) CreateContainerIfNotExists(ctx context.Context, name string) error {
	return s.breaker.Execute(ctx, func(ctx context.Context) error {
		return s.inner.CreateContainerIfNotExists(ctx, name)
	})
}

func (s *GuardedStore) Get(ctx context.Context, container, id, partitionKey string) (storage.Document, error) {
	var doc storage.Document
	err := s.breaker.Execute(ctx, func(ctx context.Context) error {
		var innerErr error
		doc, innerErr = s.inner.Get(ctx, container, id, partitionKey)
		return innerErr
	})
	return doc, err
}

func (s *GuardedStore) Create(ctx context.Context, container string, doc storage.Document) (storage.Document, error) {
	var out storage.Document
	err := s.breaker.Execute(ctx, func(ctx context.Context) error {
		var innerErr error
		out, innerErr = s.inner.Create(ctx, container, doc)
		return innerErr
	})
	return out, err
}

func (s *GuardedStore) Update(ctx context.Context, container string, doc storage.Document) (storage.Document, error) {
	var out storage.Document
	err := s.breaker.Execute(ctx, func(ctx context.Context) error {
		var innerErr error
		out, innerErr = s.inner.Update(ctx, container, doc)
		return innerErr
	})
	return out, err
}

func (s *GuardedStore) Delete(ctx context.Context, container, id, partitionKey string) error {
	return s.breaker.Execute(ctx, func(ctx context.Context) error {
		return s.inner.Delete(ctx, container, id, partitionKey)
	})
}

func (s *GuardedStore) Query(ctx context.Context, container string, q storage.Query) ([]storage.Document, error) {
	var docs []storage.Document
	err := s.breaker.Execute(ctx, func(ctx context.Context) error {
		var innerErr error
		docs, innerErr = s.inner.Query(ctx, container, q)
		return innerErr
	})
	return docs, err
}

// HealthCheck bypasses the breaker: the monitor needs the raw probe to
// decide whether to feed the breaker a failure.
func (s *GuardedStore) HealthCheck(ctx context.Context) lightning.HealthCheckResult {
	return s.inner.HealthCheck(ctx)
}

func (s *GuardedStore) Close(ctx context.Context) error {
	return s.inner.Close(ctx)
}

// GuardedBus wraps an event bus so the publish path flows through a circuit
// breaker. Read-side calls delegate directly: they touch only local state
// and rejecting them would blind operators exactly when the bus is in
// trouble.
type GuardedBus struct {
	inner   eventbus.EventBus
	breaker *CircuitBreaker
}

// NewGuardedBus wraps a bus with the given breaker.
func NewGuardedBus(inner eventbus.EventBus, breaker *CircuitBreaker) *GuardedBus {
	return &GuardedBus{inner: inner, breaker: breaker}
}

// Breaker exposes the breaker for monitoring.
func (b *GuardedBus) Breaker() *CircuitBreaker { return b.breaker }

func (b *GuardedBus) Start(ctx context.Context) error { return b.inner.Start(ctx) }
func (b *GuardedBus) Stop(ctx context.Context) error  { return b.inner.Stop(ctx) }

func (b *GuardedBus) Publish(ctx context.Context, event lightning.Event, opts ...eventbus.PublishOption) error {
	return b.breaker.Execute(ctx, func(ctx context.Context) error {
		return b.inner.Publish(ctx, event, opts...)
	})
}

func (b *GuardedBus) PublishBatch(ctx context.Context, events []lightning.Event, opts ...eventbus.PublishOption) map[int]error {
	var result map[int]error
	err := b.breaker.Execute(ctx, func(ctx context.Context) error {
		result = b.inner.PublishBatch(ctx, events, opts...)
		if len(result) == len(events) && len(events) > 0 {
			// Total failure trips the breaker; partial failure does not.
			return result[0]
		}
		return nil
	})
	if err != nil && result == nil {
		result = make(map[int]error, len(events))
		for i := range events {
			result[i] = err
		}
	}
	return result
}

func (b *GuardedBus) Subscribe(ctx context.Context, subject string, handler eventbus.EventHandler, opts ...eventbus.SubscribeOption) (eventbus.Subscription, error) {
	return b.inner.Subscribe(ctx, subject, handler, opts...)
}

func (b *GuardedBus) Unsubscribe(ctx context.Context, sub eventbus.Subscription) error {
	return b.inner.Unsubscribe(ctx, sub)
}

func (b *GuardedBus) HasSubscribers(subject string) bool { return b.inner.HasSubscribers(subject) }
func (b *GuardedBus) Topics() []string                   { return b.inner.Topics() }
func (b *GuardedBus) SubscriberCount(subject string) int { return b.inner.SubscriberCount(subject) }

func (b *GuardedBus) OrphanedEvents(limit int) []eventbus.OrphanRecord {
	return b.inner.OrphanedEvents(limit)
}

func (b *GuardedBus) DrainOrphans(types []string, before time.Time) int {
	return b.inner.DrainOrphans(types, before)
}

func (b *GuardedBus) RecordOrphan(event lightning.Event, reason eventbus.OrphanReason) {
	b.inner.RecordOrphan(event, reason)
}

func (b *GuardedBus) RecordDeadLetter(subject string, event lightning.Event, handlerErr error) {
	b.inner.RecordDeadLetter(subject, event, handlerErr)
}

func (b *GuardedBus) DeadLetterEvents(limit int) []eventbus.DeadLetterRecord {
	return b.inner.DeadLetterEvents(limit)
}

func (b *GuardedBus) ReprocessDeadLetter(ctx context.Context, id string) error {
	return b.breaker.Execute(ctx, func(ctx context.Context) error {
		return b.inner.ReprocessDeadLetter(ctx, id)
	})
}

func (b *GuardedBus) Replay(q eventbus.ReplayQuery) []lightning.Event { return b.inner.Replay(q) }

func (b *GuardedBus) History(correlationID string) []lightning.Event {
	return b.inner.History(correlationID)
}

func (b *GuardedBus) HealthCheck(ctx context.Context) lightning.HealthCheckResult {
	return b.inner.HealthCheck(ctx)
}

func (b *GuardedBus) Stats() eventbus.Stats { return b.inner.Stats() }

var (
	_ storage.Store     = (*GuardedStore)(nil)
	_ eventbus.EventBus = (*GuardedBus)(nil)
)
