package processor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vextir/lightning"
	"github.com/vextir/lightning/modules/conversation"
	"github.com/vextir/lightning/modules/eventbus"
	"github.com/vextir/lightning/modules/registry"
)

func testLogger() lightning.Logger {
	return lightning.DefaultLogger(100)
}

func startedBus(t *testing.T) eventbus.EventBus {
	t.Helper()
	bus := eventbus.NewMemoryEventBus(eventbus.DefaultConfig(), testLogger())
	require.NoError(t, bus.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = bus.Stop(ctx)
	})
	return bus
}

type funcDriver struct {
	fn func(ctx context.Context, event lightning.Event) ([]lightning.Event, error)
}

func (d funcDriver) Handle(ctx context.Context, event lightning.Event) ([]lightning.Event, error) {
	return d.fn(ctx, event)
}

func registerDriver(t *testing.T, reg *registry.DriverRegistry, id string, caps []string, fn func(ctx context.Context, event lightning.Event) ([]lightning.Event, error)) {
	t.Helper()
	require.NoError(t, reg.Register(registry.Manifest{
		ID: id, Name: id, Version: "1", Kind: registry.KindAgent, Capabilities: caps,
	}, func(deps registry.Deps) (registry.Driver, error) {
		return funcDriver{fn: fn}, nil
	}))
}

func chatEvent(sessionID, content string) lightning.Event {
	e := lightning.NewEvent("llm.chat", map[string]any{
		"messages": []any{map[string]any{"role": "user", "content": content}},
	})
	e.UserID = "alice"
	return e.WithMetadata(lightning.MetaSessionID, sessionID)
}

func TestProcessRoutesToMatchingDriver(t *testing.T) {
	bus := startedBus(t)
	reg := registry.NewDriverRegistry(registry.Deps{}, testLogger())
	ctx := context.Background()

	handled := make(chan lightning.Event, 1)
	registerDriver(t, reg, "echo", []string{"task"}, func(ctx context.Context, event lightning.Event) ([]lightning.Event, error) {
		handled <- event
		out := lightning.NewEvent("task.done", map[string]any{"of": event.ID})
		return []lightning.Event{out}, nil
	})
	require.NoError(t, reg.InitializeAll(ctx))

	done := make(chan lightning.Event, 1)
	_, err := bus.Subscribe(ctx, "task.done", func(ctx context.Context, event lightning.Event) error {
		done <- event
		return nil
	})
	require.NoError(t, err)

	p := New(bus, reg, nil, testLogger())
	require.NoError(t, p.Start(ctx))
	defer func() { _ = p.Stop(ctx) }()

	require.NoError(t, bus.Publish(ctx, lightning.NewEvent("task.run", nil)))

	select {
	case e := <-handled:
		assert.Equal(t, "task.run", e.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("driver never invoked")
	}
	select {
	case e := <-done:
		assert.Equal(t, "task.done", e.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("driver output never republished")
	}

	m := p.Metrics()
	assert.NotZero(t, m.TotalEvents)
	assert.Zero(t, m.TotalErrors)
}

func TestProcessOrphansUnroutableEvents(t *testing.T) {
	bus := startedBus(t)
	reg := registry.NewDriverRegistry(registry.Deps{}, testLogger())
	ctx := context.Background()

	p := New(bus, reg, nil, testLogger())
	require.NoError(t, p.Start(ctx))
	defer func() { _ = p.Stop(ctx) }()

	event := lightning.NewEvent("mystery.signal", nil)
	require.NoError(t, bus.Publish(ctx, event))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		orphans := bus.OrphanedEvents(0)
		if len(orphans) == 1 {
			assert.Equal(t, eventbus.ReasonNoDriverMatched, orphans[0].Reason)
			assert.Equal(t, event.ID, orphans[0].Event.ID)
			assert.Equal(t, uint64(1), p.Metrics().TotalOrphaned)
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("event never orphaned")
}

func TestProcessSubscribedEventsNotOrphaned(t *testing.T) {
	bus := startedBus(t)
	reg := registry.NewDriverRegistry(registry.Deps{}, testLogger())
	ctx := context.Background()

	received := make(chan struct{}, 1)
	_, err := bus.Subscribe(ctx, "edge.signal", func(ctx context.Context, event lightning.Event) error {
		received <- struct{}{}
		return nil
	})
	require.NoError(t, err)

	p := New(bus, reg, nil, testLogger())
	require.NoError(t, p.Start(ctx))
	defer func() { _ = p.Stop(ctx) }()

	require.NoError(t, bus.Publish(ctx, lightning.NewEvent("edge.signal", nil)))

	select {
	case <-received:
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber never invoked")
	}
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, bus.OrphanedEvents(0))
	assert.Zero(t, p.Metrics().TotalOrphaned)
}

func TestProcessDriverErrorCounted(t *testing.T) {
	bus := startedBus(t)
	reg := registry.NewDriverRegistry(registry.Deps{}, testLogger())
	ctx := context.Background()

	registerDriver(t, reg, "broken", []string{"task"}, func(ctx context.Context, event lightning.Event) ([]lightning.Event, error) {
		return nil, errors.New("boom")
	})
	require.NoError(t, reg.InitializeAll(ctx))

	p := New(bus, reg, nil, testLogger())
	require.NoError(t, p.Start(ctx))
	defer func() { _ = p.Stop(ctx) }()

	require.NoError(t, bus.Publish(ctx, lightning.NewEvent("task.run", nil)))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if records := bus.DeadLetterEvents(0); len(records) == 1 {
			assert.Equal(t, "driver:broken", records[0].Subject)
			assert.Contains(t, records[0].Error, "boom")
			m := p.Metrics()
			assert.Equal(t, uint64(1), m.TotalErrors)
			assert.Equal(t, uint64(1), m.ErrorTypes["internal"])
			assert.InDelta(t, 1.0, m.ErrorRate, 0.001)
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("failing event never dead-lettered")
}

func TestProcessDriverFailureDoesNotAbortFanOut(t *testing.T) {
	bus := startedBus(t)
	reg := registry.NewDriverRegistry(registry.Deps{}, testLogger())
	ctx := context.Background()

	invoked := make(chan string, 3)
	register := func(id string, priority int, fn func(ctx context.Context, event lightning.Event) ([]lightning.Event, error)) {
		require.NoError(t, reg.Register(registry.Manifest{
			ID: id, Name: id, Version: "1", Kind: registry.KindAgent,
			Capabilities: []string{"task"}, Priority: priority,
		}, func(deps registry.Deps) (registry.Driver, error) {
			return funcDriver{fn: fn}, nil
		}))
	}
	register("first", 10, func(ctx context.Context, event lightning.Event) ([]lightning.Event, error) {
		invoked <- "first"
		return []lightning.Event{lightning.NewEvent("task.done", map[string]any{"by": "first"})}, nil
	})
	register("broken", 5, func(ctx context.Context, event lightning.Event) ([]lightning.Event, error) {
		invoked <- "broken"
		return nil, errors.New("boom")
	})
	register("last", 1, func(ctx context.Context, event lightning.Event) ([]lightning.Event, error) {
		invoked <- "last"
		return []lightning.Event{lightning.NewEvent("task.done", map[string]any{"by": "last"})}, nil
	})
	require.NoError(t, reg.InitializeAll(ctx))

	done := make(chan lightning.Event, 2)
	_, err := bus.Subscribe(ctx, "task.done", func(ctx context.Context, event lightning.Event) error {
		done <- event
		return nil
	})
	require.NoError(t, err)

	p := New(bus, reg, nil, testLogger())
	require.NoError(t, p.Process(ctx, lightning.NewEvent("task.run", nil)))

	// Every matching driver ran, failure in the middle notwithstanding.
	var order []string
	for i := 0; i < 3; i++ {
		select {
		case id := <-invoked:
			order = append(order, id)
		case <-time.After(2 * time.Second):
			t.Fatalf("only %d drivers invoked: %v", len(order), order)
		}
	}
	assert.Equal(t, []string{"first", "broken", "last"}, order)

	// Outputs from the successful drivers still published.
	producers := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case e := <-done:
			producers[e.Data["by"].(string)] = true
		case <-time.After(2 * time.Second):
			t.Fatalf("missing driver output, got %v", producers)
		}
	}
	assert.True(t, producers["first"] && producers["last"])

	// The failure is parked against the failing driver only.
	records := bus.DeadLetterEvents(0)
	require.Len(t, records, 1)
	assert.Equal(t, "driver:broken", records[0].Subject)
	assert.Equal(t, uint64(1), p.Metrics().TotalErrors)
}

func TestProcessDriverPanicRecovered(t *testing.T) {
	bus := startedBus(t)
	reg := registry.NewDriverRegistry(registry.Deps{}, testLogger())
	ctx := context.Background()

	registerDriver(t, reg, "panicky", []string{"task"}, func(ctx context.Context, event lightning.Event) ([]lightning.Event, error) {
		panic("unexpected")
	})
	require.NoError(t, reg.InitializeAll(ctx))

	p := New(bus, reg, nil, testLogger())
	require.NoError(t, p.Process(ctx, lightning.NewEvent("task.run", nil)))
	assert.Equal(t, uint64(1), p.Metrics().ErrorTypes["driver_failure"])

	records := bus.DeadLetterEvents(0)
	require.Len(t, records, 1)
	assert.Equal(t, "driver:panicky", records[0].Subject)
	assert.Contains(t, records[0].Error, "panicked")
}

func TestProcessStampsAndVerifiesTurns(t *testing.T) {
	bus := startedBus(t)
	reg := registry.NewDriverRegistry(registry.Deps{}, testLogger())
	conv := conversation.NewManager(lightning.ConversationConfig{MaxSessionAgeHours: 24, MaxTurnsPerSession: 100}, testLogger())
	defer conv.Close()
	ctx := context.Background()

	registerDriver(t, reg, "chat", []string{"llm.chat"}, func(ctx context.Context, event lightning.Event) ([]lightning.Event, error) {
		reply := lightning.NewEvent("llm.chat.response", map[string]any{"response": "hello"})
		reply = reply.WithMetadata(lightning.MetaSessionID, event.SessionID())
		reply = reply.WithMetadata(lightning.MetaTurnNumber, event.TurnNumber())
		return []lightning.Event{reply}, nil
	})
	require.NoError(t, reg.InitializeAll(ctx))

	p := New(bus, reg, conv, testLogger())

	require.NoError(t, p.Process(ctx, chatEvent("s1", "hi")))

	history := conv.History("s1")
	require.Len(t, history, 1)
	assert.Equal(t, 1, history[0].Number)
	assert.Equal(t, "hi", history[0].UserMessage)
	assert.Equal(t, "hello", history[0].AssistantMessage)

	// A replayed duplicate reply for the same turn is dropped before it
	// reaches the bus.
	dup := lightning.NewEvent("llm.chat.response", map[string]any{"response": "hello again"}).
		WithMetadata(lightning.MetaSessionID, "s1").
		WithMetadata(lightning.MetaTurnNumber, 1)
	assert.True(t, p.recordAssistant(ctx, dup))
	assert.Equal(t, "hello", conv.History("s1")[0].AssistantMessage)
}

func TestMonitorHealthScoreAndRecommendations(t *testing.T) {
	bus := startedBus(t)
	reg := registry.NewDriverRegistry(registry.Deps{}, testLogger())
	p := New(bus, reg, nil, testLogger())
	m := NewMonitor(p, bus, time.Minute, testLogger())

	// A clean pipeline scores 100.
	report := m.Generate()
	assert.Equal(t, 100, report.HealthScore)
	assert.Empty(t, report.Recommendations)

	// Flood one type past the advice threshold.
	ctx := context.Background()
	for i := 0; i < orphanAdviceThreshold+1; i++ {
		require.NoError(t, p.Process(ctx, lightning.NewEvent("unhandled.ping", nil)))
	}

	report = m.Generate()
	assert.Less(t, report.HealthScore, 100)
	require.Len(t, report.Recommendations, 1)
	assert.Contains(t, report.Recommendations[0], "unhandled.ping")
	assert.Equal(t, report, m.Last())
}

func TestHealthScoreBounds(t *testing.T) {
	assert.Equal(t, 100, healthScore(Metrics{}))
	assert.Equal(t, 0, healthScore(Metrics{ErrorRate: 1, OrphanRate: 1}))
	assert.Equal(t, 70, healthScore(Metrics{ErrorRate: 0.1, OrphanRate: 0.1}))
}
