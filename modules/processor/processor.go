// Package processor ties the event bus to the driver registry: it routes
// every published event to the drivers whose capabilities match, re-publishes
// their output and accounts for events nothing consumed.
package processor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/vextir/lightning"
	"github.com/vextir/lightning/modules/conversation"
	"github.com/vextir/lightning/modules/eventbus"
	"github.com/vextir/lightning/modules/registry"
)

// DefaultDriverTimeout bounds a driver invocation when its manifest does not
// declare one.
const DefaultDriverTimeout = 300 * time.Second

// Metrics is a snapshot of processor counters.
type Metrics struct {
	TotalEvents   uint64            `json:"total_events"`
	TotalErrors   uint64            `json:"total_errors"`
	TotalOrphaned uint64            `json:"total_orphaned"`
	EventTypes    map[string]uint64 `json:"event_types"`
	ErrorTypes    map[string]uint64 `json:"error_types"`
	ErrorRate     float64           `json:"error_rate"`
	OrphanRate    float64           `json:"orphan_rate"`
}

// UniversalProcessor is the owned catch-all subscriber that drives event
// routing.
type UniversalProcessor struct {
	bus           eventbus.EventBus
	drivers       *registry.DriverRegistry
	conversations *conversation.Manager
	logger        lightning.Logger

	mu            sync.Mutex
	totalEvents   uint64
	totalErrors   uint64
	totalOrphaned uint64
	eventTypes    map[string]uint64
	errorTypes    map[string]uint64

	sub eventbus.Subscription
}

// New builds a processor. conversations may be nil when turn ordering is not
// wired (the bus still routes, chat events just pass through unstamped).
func New(bus eventbus.EventBus, drivers *registry.DriverRegistry, conversations *conversation.Manager, logger lightning.Logger) *UniversalProcessor {
	return &UniversalProcessor{
		bus:           bus,
		drivers:       drivers,
		conversations: conversations,
		logger:        logger,
		eventTypes:    map[string]uint64{},
		errorTypes:    map[string]uint64{},
	}
}

// Start subscribes the processor to every subject.
func (p *UniversalProcessor) Start(ctx context.Context) error {
	sub, err := p.bus.Subscribe(ctx, "*", p.Process)
	if err != nil {
		return fmt.Errorf("subscribing universal processor: %w", err)
	}
	p.sub = sub
	return nil
}

// Stop cancels the catch-all subscription.
func (p *UniversalProcessor) Stop(ctx context.Context) error {
	if p.sub == nil {
		return nil
	}
	return p.bus.Unsubscribe(ctx, p.sub)
}

// Process handles one event end to end. Exposed so edges (the CLI's process
// command) can drive the pipeline synchronously without the bus.
func (p *UniversalProcessor) Process(ctx context.Context, event lightning.Event) error {
	p.countEvent(event.Type)

	event = p.stampTurn(ctx, event)

	matches := p.drivers.Route(event.Type)
	if len(matches) == 0 {
		if !p.bus.HasSubscribers(event.Type) {
			p.bus.RecordOrphan(event, eventbus.ReasonNoDriverMatched)
			p.countOrphan()
			p.logger.Debug("event orphaned", "type", event.Type, "event_id", event.ID)
		}
		return nil
	}

	var outputs []lightning.Event
	for _, match := range matches {
		out, err := p.invoke(ctx, match, event)
		if err != nil {
			p.countError(err)
			p.logger.Error("driver failed",
				"driver", match.ID, "type", event.Type, "event_id", event.ID, "error", err)
			// One driver failing must not starve the rest of the
			// fan-out. Parking under the driver id keeps separate
			// records when several drivers fail on the same event.
			p.bus.RecordDeadLetter("driver:"+match.ID, event, err)
			continue
		}
		outputs = append(outputs, out...)
	}

	for _, out := range outputs {
		if drop := p.recordAssistant(ctx, out); drop {
			continue
		}
		if err := p.bus.Publish(ctx, out); err != nil {
			p.countError(err)
			p.logger.Error("publishing driver output failed",
				"type", out.Type, "event_id", out.ID, "error", err)
		}
	}
	return nil
}

func (p *UniversalProcessor) invoke(ctx context.Context, match registry.RouteMatch, event lightning.Event) (outputs []lightning.Event, err error) {
	timeout := match.Timeout
	if timeout <= 0 {
		timeout = DefaultDriverTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: driver %s panicked: %v", lightning.ErrDriverFailure, match.ID, r)
		}
	}()
	return match.Driver.Handle(callCtx, event)
}

// stampTurn assigns a conversation turn to inbound chat events that carry a
// session and are not yet stamped.
func (p *UniversalProcessor) stampTurn(ctx context.Context, event lightning.Event) lightning.Event {
	if p.conversations == nil || event.Type != "llm.chat" || event.SessionID() == "" {
		return event
	}
	if event.TurnNumber() > 0 {
		return event
	}
	turn, _, err := p.conversations.ProcessUserEvent(ctx, event)
	if err != nil {
		p.logger.Warn("chat event not stamped", "event_id", event.ID, "error", err)
		return event
	}
	return event.WithMetadata(lightning.MetaTurnNumber, turn)
}

// recordAssistant attaches assistant replies to their turn. Duplicates are
// dropped before they reach the bus.
func (p *UniversalProcessor) recordAssistant(ctx context.Context, event lightning.Event) bool {
	if p.conversations == nil || event.Type != "llm.chat.response" || event.SessionID() == "" {
		return false
	}
	turn := event.TurnNumber()
	if turn <= 0 {
		return false
	}
	return !p.conversations.ProcessAssistantEvent(ctx, event, turn)
}

func (p *UniversalProcessor) countEvent(eventType string) {
	p.mu.Lock()
	p.totalEvents++
	p.eventTypes[eventType]++
	p.mu.Unlock()
}

func (p *UniversalProcessor) countOrphan() {
	p.mu.Lock()
	p.totalOrphaned++
	p.mu.Unlock()
}

func (p *UniversalProcessor) countError(err error) {
	p.mu.Lock()
	p.totalErrors++
	p.errorTypes[errorClass(err)]++
	p.mu.Unlock()
}

// errorClass buckets errors by their sentinel for the error_types metric.
func errorClass(err error) string {
	for _, sentinel := range []struct {
		err  error
		name string
	}{
		{lightning.ErrTimeout, "timeout"},
		{lightning.ErrCircuitOpen, "circuit_open"},
		{lightning.ErrBusFull, "bus_full"},
		{lightning.ErrTTLExpired, "ttl_expired"},
		{lightning.ErrDriverFailure, "driver_failure"},
		{lightning.ErrInvalidInput, "invalid_input"},
		{lightning.ErrNotFound, "not_found"},
		{lightning.ErrConflict, "conflict"},
	} {
		if errors.Is(err, sentinel.err) {
			return sentinel.name
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	return "internal"
}

// Metrics returns a snapshot of the processor counters.
func (p *UniversalProcessor) Metrics() Metrics {
	p.mu.Lock()
	defer p.mu.Unlock()

	m := Metrics{
		TotalEvents:   p.totalEvents,
		TotalErrors:   p.totalErrors,
		TotalOrphaned: p.totalOrphaned,
		EventTypes:    make(map[string]uint64, len(p.eventTypes)),
		ErrorTypes:    make(map[string]uint64, len(p.errorTypes)),
	}
	for k, v := range p.eventTypes {
		m.EventTypes[k] = v
	}
	for k, v := range p.errorTypes {
		m.ErrorTypes[k] = v
	}
	if p.totalEvents > 0 {
		m.ErrorRate = float64(p.totalErrors) / float64(p.totalEvents)
		m.OrphanRate = float64(p.totalOrphaned) / float64(p.totalEvents)
	}
	return m
}

// TopEventTypes returns the busiest event types, descending by count.
func (p *UniversalProcessor) TopEventTypes(limit int) []TypeCount {
	m := p.Metrics()
	out := make([]TypeCount, 0, len(m.EventTypes))
	for t, c := range m.EventTypes {
		out = append(out, TypeCount{Type: t, Count: c})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Type < out[j].Type
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// TypeCount pairs an event type with an occurrence count.
type TypeCount struct {
	Type  string `json:"type"`
	Count uint64 `json:"count"`
}
