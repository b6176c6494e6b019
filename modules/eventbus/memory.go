package eventbus

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/vextir/lightning"
)

// MemoryEventBus implements EventBus in-process. It is both the development
// bus and the reference implementation external brokers are held to.
type MemoryEventBus struct {
	config Config
	logger lightning.Logger

	subMu    sync.RWMutex
	exact    map[string]map[string]*memorySubscription // subject -> sub id -> sub
	wildcard map[string]map[string]*memorySubscription // pattern -> sub id -> sub

	queue  chan deliveryTask
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	stateMu sync.Mutex
	started bool

	dedup   *dedupCache
	history *historyStore
	orphans *orphanStore
	dlq     *deadLetterStore

	published  atomic.Uint64
	delivered  atomic.Uint64
	dropped    atomic.Uint64
	dedupHits  atomic.Uint64
	ttlExpired atomic.Uint64
	orphaned   atomic.Uint64
}

type deliveryTask struct {
	sub   *memorySubscription
	event lightning.Event
}

type memorySubscription struct {
	id        string
	subject   string
	topic     string
	filter    map[string]any
	handler   EventHandler
	bus       *MemoryEventBus
	cancelled atomic.Bool
}

func (s *memorySubscription) ID() string      { return s.id }
func (s *memorySubscription) Subject() string { return s.subject }
func (s *memorySubscription) Topic() string   { return s.topic }

// Cancel marks the subscription dead and detaches it from the bus index.
// Idempotent.
func (s *memorySubscription) Cancel() error {
	if s.cancelled.Swap(true) {
		return nil
	}
	s.bus.removeSubscription(s)
	return nil
}

// NewMemoryEventBus creates a memory bus with the given config. Zero config
// fields take defaults.
func NewMemoryEventBus(config Config, logger lightning.Logger) *MemoryEventBus {
	config = config.normalize()
	return &MemoryEventBus{
		config:   config,
		logger:   logger,
		exact:    make(map[string]map[string]*memorySubscription),
		wildcard: make(map[string]map[string]*memorySubscription),
		dedup:    newDedupCache(config.DedupWindow, config.DedupMaxSize),
		history:  newHistoryStore(config.MaxHistorySize),
		orphans:  newOrphanStore(config.MaxOrphans),
		dlq:      newDeadLetterStore(config.MaxDeadLetters, config.DeadLetterTTL),
	}
}

// Start initializes the worker pool and the retention sweeper.
func (m *MemoryEventBus) Start(ctx context.Context) error {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	if m.started {
		return nil
	}

	m.ctx, m.cancel = context.WithCancel(context.WithoutCancel(ctx))
	m.queue = make(chan deliveryTask, m.config.MaxQueueSize)
	for i := 0; i < m.config.WorkerCount; i++ {
		m.wg.Add(1)
		go m.worker()
	}
	m.wg.Add(1)
	go m.sweeper()

	m.started = true
	m.logger.Info("event bus started", "workers", m.config.WorkerCount, "queueSize", m.config.MaxQueueSize)
	return nil
}

// Stop signals workers to stop and drains in-flight handlers until ctx
// expires.
func (m *MemoryEventBus) Stop(ctx context.Context) error {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	if !m.started {
		return nil
	}
	m.started = false
	m.cancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		m.logger.Info("event bus stopped")
		return nil
	case <-ctx.Done():
		return ErrEventBusShutdownTimedOut
	}
}

func (m *MemoryEventBus) isStarted() bool {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	return m.started
}

// matchSubject reports whether an event subject matches a subscription
// pattern. "*" matches exactly one dotted segment; the bare pattern "*"
// matches every subject.
func matchSubject(pattern, subject string) bool {
	if pattern == subject || pattern == "*" {
		return true
	}
	if !strings.Contains(pattern, "*") {
		return false
	}
	ps := strings.Split(pattern, ".")
	ss := strings.Split(subject, ".")
	if len(ps) != len(ss) {
		return false
	}
	for i, seg := range ps {
		if seg != "*" && seg != ss[i] {
			return false
		}
	}
	return true
}

// isCatchAll reports whether a pattern is an infrastructure tap that should
// not count as a consumer for orphan accounting.
func isCatchAll(pattern string) bool {
	return pattern == "*"
}

// Publish enqueues an event for delivery.
func (m *MemoryEventBus) Publish(ctx context.Context, event lightning.Event, opts ...PublishOption) error {
	return m.publish(ctx, event, false, opts...)
}

func (m *MemoryEventBus) publish(ctx context.Context, event lightning.Event, skipDedup bool, opts ...PublishOption) error {
	if !m.isStarted() {
		return fmt.Errorf("%w: %w", lightning.ErrBusUnavailable, ErrEventBusNotStarted)
	}
	if err := event.Validate(); err != nil {
		return err
	}
	var po publishOptions
	for _, opt := range opts {
		opt(&po)
	}

	now := time.Now().UTC()
	if event.Timestamp.IsZero() {
		event.Timestamp = now
	}

	if event.Expired(now) {
		m.ttlExpired.Add(1)
		return fmt.Errorf("%w: event %s", lightning.ErrTTLExpired, event.ID)
	}

	if m.config.DedupEnabled && !skipDedup {
		if m.dedup.Seen(event.DedupKey(), now) {
			m.dedupHits.Add(1)
			m.logger.Debug("duplicate event dropped", "type", event.Type, "id", event.ID)
			return nil
		}
	}

	if m.config.ReplayEnabled {
		m.history.Add(event, po.topic)
	}
	m.published.Add(1)

	matches := m.snapshotMatches(event, po.topic)
	if len(matches) == 0 {
		m.RecordOrphan(event, ReasonNoSubscribers)
		return nil
	}

	busFull := false
	for _, sub := range matches {
		task := deliveryTask{sub: sub, event: event.Clone()}
		select {
		case m.queue <- task:
		case <-ctx.Done():
			m.dropped.Add(1)
			return fmt.Errorf("%w: %w", lightning.ErrBusUnavailable, ctx.Err())
		default:
			m.dropped.Add(1)
			busFull = true
		}
	}
	if busFull {
		return fmt.Errorf("%w: subject %s", lightning.ErrBusFull, event.Type)
	}
	return nil
}

// snapshotMatches returns the subscriptions the event will be offered to.
func (m *MemoryEventBus) snapshotMatches(event lightning.Event, topic string) []*memorySubscription {
	m.subMu.RLock()
	defer m.subMu.RUnlock()

	var matches []*memorySubscription
	appendMatch := func(sub *memorySubscription) {
		if sub.cancelled.Load() {
			return
		}
		if sub.topic != "" && sub.topic != topic {
			return
		}
		if len(sub.filter) > 0 && !event.MatchesFilter(sub.filter) {
			return
		}
		matches = append(matches, sub)
	}

	for _, sub := range m.exact[event.Type] {
		appendMatch(sub)
	}
	for pattern, subs := range m.wildcard {
		if !matchSubject(pattern, event.Type) {
			continue
		}
		for _, sub := range subs {
			appendMatch(sub)
		}
	}
	return matches
}

// PublishBatch publishes each event independently, reporting failures by
// index.
func (m *MemoryEventBus) PublishBatch(ctx context.Context, events []lightning.Event, opts ...PublishOption) map[int]error {
	failures := make(map[int]error)
	for i, event := range events {
		if err := m.Publish(ctx, event, opts...); err != nil {
			failures[i] = err
		}
	}
	return failures
}

// Subscribe registers a handler for a subject pattern.
func (m *MemoryEventBus) Subscribe(ctx context.Context, subject string, handler EventHandler, opts ...SubscribeOption) (Subscription, error) {
	if !m.isStarted() {
		return nil, fmt.Errorf("%w: %w", lightning.ErrBusUnavailable, ErrEventBusNotStarted)
	}
	if subject == "" {
		return nil, fmt.Errorf("%w: %w", lightning.ErrInvalidInput, ErrSubjectEmpty)
	}
	if handler == nil {
		return nil, fmt.Errorf("%w: %w", lightning.ErrInvalidInput, ErrEventHandlerNil)
	}
	var so subscribeOptions
	for _, opt := range opts {
		opt(&so)
	}

	sub := &memorySubscription{
		id:      uuid.New().String(),
		subject: subject,
		topic:   so.topic,
		filter:  so.filter,
		handler: handler,
		bus:     m,
	}

	m.subMu.Lock()
	index := m.exact
	if strings.Contains(subject, "*") {
		index = m.wildcard
	}
	if _, ok := index[subject]; !ok {
		index[subject] = make(map[string]*memorySubscription)
	}
	index[subject][sub.id] = sub
	m.subMu.Unlock()

	m.logger.Debug("subscription created", "subject", subject, "id", sub.id)
	return sub, nil
}

// Unsubscribe removes a subscription. Idempotent.
func (m *MemoryEventBus) Unsubscribe(ctx context.Context, sub Subscription) error {
	ms, ok := sub.(*memorySubscription)
	if !ok {
		return ErrInvalidSubscriptionType
	}
	return ms.Cancel()
}

func (m *MemoryEventBus) removeSubscription(sub *memorySubscription) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	index := m.exact
	if strings.Contains(sub.subject, "*") {
		index = m.wildcard
	}
	if subs, ok := index[sub.subject]; ok {
		delete(subs, sub.id)
		if len(subs) == 0 {
			delete(index, sub.subject)
		}
	}
}

// HasSubscribers reports whether any consumer subscription matches the
// subject. Catch-all subscriptions do not count.
func (m *MemoryEventBus) HasSubscribers(subject string) bool {
	m.subMu.RLock()
	defer m.subMu.RUnlock()
	if len(m.exact[subject]) > 0 {
		return true
	}
	for pattern, subs := range m.wildcard {
		if isCatchAll(pattern) || len(subs) == 0 {
			continue
		}
		if matchSubject(pattern, subject) {
			return true
		}
	}
	return false
}

// Topics returns all subject patterns with at least one subscriber.
func (m *MemoryEventBus) Topics() []string {
	m.subMu.RLock()
	defer m.subMu.RUnlock()
	out := make([]string, 0, len(m.exact)+len(m.wildcard))
	for subject := range m.exact {
		out = append(out, subject)
	}
	for pattern := range m.wildcard {
		out = append(out, pattern)
	}
	return out
}

// SubscriberCount returns the number of subscriptions for the exact pattern.
func (m *MemoryEventBus) SubscriberCount(subject string) int {
	m.subMu.RLock()
	defer m.subMu.RUnlock()
	if subs, ok := m.exact[subject]; ok {
		return len(subs)
	}
	return len(m.wildcard[subject])
}

// OrphanedEvents returns parked orphan records, oldest first.
func (m *MemoryEventBus) OrphanedEvents(limit int) []OrphanRecord {
	return m.orphans.List(limit)
}

// DrainOrphans evicts matching orphan records.
func (m *MemoryEventBus) DrainOrphans(types []string, before time.Time) int {
	return m.orphans.Drain(types, before)
}

// RecordOrphan parks an event in the orphan store.
func (m *MemoryEventBus) RecordOrphan(event lightning.Event, reason OrphanReason) {
	m.orphaned.Add(1)
	m.orphans.Add(event, reason)
	m.logger.Debug("event orphaned", "type", event.Type, "id", event.ID, "reason", string(reason))
}

// RecordDeadLetter parks a failed event in the dead-letter store.
func (m *MemoryEventBus) RecordDeadLetter(subject string, event lightning.Event, handlerErr error) {
	m.dlq.Add(subject, event, handlerErr)
	m.logger.Debug("event dead-lettered", "subject", subject, "id", event.ID, "error", handlerErr)
}

// DeadLetterEvents returns dead-letter records, oldest first.
func (m *MemoryEventBus) DeadLetterEvents(limit int) []DeadLetterRecord {
	return m.dlq.List(limit)
}

// ReprocessDeadLetter re-publishes a dead-letter entry exactly once. The
// entry is removed whether or not re-delivery succeeds; dedup is bypassed so
// the retry is not suppressed by its own earlier publish.
func (m *MemoryEventBus) ReprocessDeadLetter(ctx context.Context, id string) error {
	rec, ok := m.dlq.Take(id)
	if !ok {
		return fmt.Errorf("%w: %w: %s", lightning.ErrNotFound, ErrDeadLetterNotFound, id)
	}
	return m.publish(ctx, rec.Event, true)
}

// Replay returns retained history matching the query.
func (m *MemoryEventBus) Replay(q ReplayQuery) []lightning.Event {
	return m.history.Replay(q)
}

// History returns retained events carrying the correlation id.
func (m *MemoryEventBus) History(correlationID string) []lightning.Event {
	return m.history.ByCorrelation(correlationID)
}

// HealthCheck probes the bus.
func (m *MemoryEventBus) HealthCheck(ctx context.Context) lightning.HealthCheckResult {
	start := time.Now()
	if !m.isStarted() {
		return lightning.Unhealthy(time.Since(start), ErrEventBusNotStarted)
	}
	stats := m.Stats()
	details := map[string]any{
		"engine":       "memory",
		"queue_depth":  len(m.queue),
		"published":    stats.Published,
		"delivered":    stats.Delivered,
		"dropped":      stats.Dropped,
		"orphans":      m.orphans.Len(),
		"dead_letters": m.dlq.Len(),
		"history":      m.history.Len(),
		"dedup_keys":   m.dedup.Len(),
	}
	res := lightning.Healthy(time.Since(start), details)
	if len(m.queue) >= m.config.MaxQueueSize {
		res.Status = lightning.HealthStatusDegraded
		res.Error = "delivery queue saturated"
	}
	return res
}

// Stats returns a snapshot of delivery counters.
func (m *MemoryEventBus) Stats() Stats {
	return Stats{
		Published:         m.published.Load(),
		Delivered:         m.delivered.Load(),
		Dropped:           m.dropped.Load(),
		DedupHits:         m.dedupHits.Load(),
		TTLExpired:        m.ttlExpired.Load(),
		Orphaned:          m.orphaned.Load(),
		OrphanEvicted:     m.orphans.Evicted(),
		DeadLettered:      m.dlq.Evicted() + uint64(m.dlq.Len()),
		DeadLetterEvicted: m.dlq.Evicted(),
	}
}

// worker drains the shared delivery queue.
func (m *MemoryEventBus) worker() {
	defer m.wg.Done()
	for {
		select {
		case <-m.ctx.Done():
			return
		case task := <-m.queue:
			m.deliver(task)
		}
	}
}

func (m *MemoryEventBus) deliver(task deliveryTask) {
	if task.sub.cancelled.Load() {
		return
	}
	// TTL is re-checked at processing time so an event that sat in the
	// queue past its deadline is dropped, not delivered.
	if task.event.Expired(time.Now().UTC()) {
		m.ttlExpired.Add(1)
		return
	}
	err := m.invoke(task)
	if err != nil {
		m.dlq.Add(task.sub.subject, task.event, err)
		m.logger.Error("event handler failed", "subject", task.sub.subject, "event", task.event.ID, "error", err)
		return
	}
	m.delivered.Add(1)
}

func (m *MemoryEventBus) invoke(task deliveryTask) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: handler panic: %v", lightning.ErrDriverFailure, r)
		}
	}()
	return task.sub.handler(m.ctx, task.event)
}

// sweeper runs the periodic retention sweeps for the dedup cache, history
// ring and dead-letter store.
func (m *MemoryEventBus) sweeper() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.config.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			now := time.Now().UTC()
			m.dedup.Sweep(now)
			m.history.Sweep(now.Add(-m.config.HistoryRetention))
			m.dlq.Sweep(now)
		}
	}
}
