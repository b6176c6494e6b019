package registry

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vextir/lightning"
	"github.com/vextir/lightning/modules/storage"
)

type stubDriver struct {
	initErr error
	id      string
	log     *[]string
	handle  func(ctx context.Context, event lightning.Event) ([]lightning.Event, error)
}

func (d *stubDriver) Handle(ctx context.Context, event lightning.Event) ([]lightning.Event, error) {
	if d.handle != nil {
		return d.handle(ctx, event)
	}
	return nil, nil
}

func (d *stubDriver) Initialize(ctx context.Context) error {
	if d.log != nil {
		*d.log = append(*d.log, d.id)
	}
	return d.initErr
}

func stubConstructor(d *stubDriver) Constructor {
	return func(deps Deps) (Driver, error) { return d, nil }
}

func testLogger() lightning.Logger {
	return lightning.DefaultLogger(100) // above error, silent in tests
}

func TestDriverRegisterAndRoute(t *testing.T) {
	reg := NewDriverRegistry(Deps{}, testLogger())

	require.NoError(t, reg.Register(Manifest{
		ID:           "chat",
		Name:         "Chat Driver",
		Version:      "1.0.0",
		Kind:         KindAgent,
		Capabilities: []string{"llm.chat"},
	}, stubConstructor(&stubDriver{id: "chat"})))

	require.NoError(t, reg.Register(Manifest{
		ID:           "catchall-llm",
		Name:         "LLM Fallback",
		Version:      "1.0.0",
		Kind:         KindAgent,
		Capabilities: []string{"llm.*"},
	}, stubConstructor(&stubDriver{id: "catchall-llm"})))

	// Duplicate id is rejected.
	err := reg.Register(Manifest{
		ID: "chat", Name: "dup", Version: "1", Kind: KindAgent,
		Capabilities: []string{"llm.chat"},
	}, stubConstructor(&stubDriver{}))
	assert.ErrorIs(t, err, ErrDriverExists)
	assert.ErrorIs(t, err, lightning.ErrConflict)

	require.NoError(t, reg.InitializeAll(context.Background()))

	matches := reg.Route("llm.chat")
	require.Len(t, matches, 2)
	// Longest capability prefix wins the first slot.
	assert.Equal(t, "chat", matches[0].ID)
	assert.Equal(t, "llm.chat", matches[0].Capability)
	assert.Equal(t, "catchall-llm", matches[1].ID)

	// "llm.chat" does not match "llm.chatter".
	matches = reg.Route("llm.chatter")
	require.Len(t, matches, 1)
	assert.Equal(t, "catchall-llm", matches[0].ID)

	assert.False(t, reg.HasRoute("storage.write"))
}

func TestDriverRoutePriorityBreaksTies(t *testing.T) {
	reg := NewDriverRegistry(Deps{}, testLogger())

	require.NoError(t, reg.Register(Manifest{
		ID: "low", Name: "low", Version: "1", Kind: KindTool,
		Capabilities: []string{"context.read"},
	}, stubConstructor(&stubDriver{id: "low"})))
	require.NoError(t, reg.Register(Manifest{
		ID: "high", Name: "high", Version: "1", Kind: KindTool,
		Capabilities: []string{"context.read"}, Priority: 10,
	}, stubConstructor(&stubDriver{id: "high"})))

	require.NoError(t, reg.InitializeAll(context.Background()))

	matches := reg.Route("context.read")
	require.Len(t, matches, 2)
	assert.Equal(t, "high", matches[0].ID)
	assert.Equal(t, "low", matches[1].ID)
}

func TestDriverInitializeDependencyOrder(t *testing.T) {
	reg := NewDriverRegistry(Deps{}, testLogger())
	var order []string

	require.NoError(t, reg.Register(Manifest{
		ID: "b", Name: "b", Version: "1", Kind: KindTool,
		Capabilities: []string{"b"}, DependsOn: []string{"a"},
	}, stubConstructor(&stubDriver{id: "b", log: &order})))
	require.NoError(t, reg.Register(Manifest{
		ID: "a", Name: "a", Version: "1", Kind: KindTool,
		Capabilities: []string{"a"},
	}, stubConstructor(&stubDriver{id: "a", log: &order})))
	require.NoError(t, reg.Register(Manifest{
		ID: "c", Name: "c", Version: "1", Kind: KindTool,
		Capabilities: []string{"c"}, DependsOn: []string{"b"},
	}, stubConstructor(&stubDriver{id: "c", log: &order})))

	require.NoError(t, reg.InitializeAll(context.Background()))
	assert.Equal(t, []string{"a", "b", "c"}, order)
}

func TestDriverInitializeCycleDetected(t *testing.T) {
	reg := NewDriverRegistry(Deps{}, testLogger())

	require.NoError(t, reg.Register(Manifest{
		ID: "x", Name: "x", Version: "1", Kind: KindTool,
		Capabilities: []string{"x"}, DependsOn: []string{"y"},
	}, stubConstructor(&stubDriver{id: "x"})))
	require.NoError(t, reg.Register(Manifest{
		ID: "y", Name: "y", Version: "1", Kind: KindTool,
		Capabilities: []string{"y"}, DependsOn: []string{"x"},
	}, stubConstructor(&stubDriver{id: "y"})))

	err := reg.InitializeAll(context.Background())
	assert.ErrorIs(t, err, ErrDependencyCycle)
}

func TestDriverRequiredInitFailureAborts(t *testing.T) {
	reg := NewDriverRegistry(Deps{}, testLogger())

	require.NoError(t, reg.Register(Manifest{
		ID: "critical", Name: "critical", Version: "1", Kind: KindStorage,
		Capabilities: []string{"storage"}, Required: true,
	}, stubConstructor(&stubDriver{id: "critical", initErr: errors.New("boom")})))

	err := reg.InitializeAll(context.Background())
	assert.ErrorIs(t, err, ErrRequiredDriverInit)

	info, getErr := reg.Get("critical")
	require.NoError(t, getErr)
	assert.Equal(t, StatusFailed, info.Status)
}

func TestDriverOptionalInitFailureRecorded(t *testing.T) {
	reg := NewDriverRegistry(Deps{}, testLogger())

	require.NoError(t, reg.Register(Manifest{
		ID: "flaky", Name: "flaky", Version: "1", Kind: KindConnector,
		Capabilities: []string{"flaky"},
	}, stubConstructor(&stubDriver{id: "flaky", initErr: errors.New("boom")})))
	require.NoError(t, reg.Register(Manifest{
		ID: "solid", Name: "solid", Version: "1", Kind: KindConnector,
		Capabilities: []string{"solid"},
	}, stubConstructor(&stubDriver{id: "solid"})))

	require.NoError(t, reg.InitializeAll(context.Background()))

	flaky, err := reg.Get("flaky")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, flaky.Status)
	assert.NotEmpty(t, flaky.Error)

	solid, err := reg.Get("solid")
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, solid.Status)

	// Failed drivers never route.
	assert.False(t, reg.HasRoute("flaky"))
	assert.True(t, reg.HasRoute("solid"))
}

func TestToolRegistrySchemaValidation(t *testing.T) {
	reg := NewToolRegistry()

	schema := json.RawMessage(`{
		"type": "object",
		"properties": {
			"path": {"type": "string"},
			"recursive": {"type": "boolean"}
		},
		"required": ["path"]
	}`)

	require.NoError(t, reg.Register(ToolSpec{
		ID:         "fs.list",
		Name:       "List Folder",
		Params:     schema,
		Capability: "context.read",
	}))

	// Malformed schema fails at registration, not at call time.
	err := reg.Register(ToolSpec{
		ID:     "broken",
		Name:   "broken",
		Params: json.RawMessage(`{"type": 42}`),
	})
	assert.ErrorIs(t, err, ErrToolSchemaFailed)

	assert.NoError(t, reg.ValidateArgs("fs.list", map[string]any{"path": "/projects"}))
	assert.Error(t, reg.ValidateArgs("fs.list", map[string]any{"recursive": true}))
	assert.Error(t, reg.ValidateArgs("fs.list", map[string]any{"path": 7}))
	assert.ErrorIs(t, reg.ValidateArgs("missing", nil), ErrToolNotFound)

	spec, err := reg.Get("fs.list")
	require.NoError(t, err)
	assert.Equal(t, ApprovalAuto, spec.Approval)
}

func TestToolRegistryPlannerView(t *testing.T) {
	reg := NewToolRegistry()

	require.NoError(t, reg.Register(ToolSpec{
		ID:       "web.fetch",
		Name:     "Fetch URL",
		Params:   json.RawMessage(`{"type":"object"}`),
		Approval: ApprovalManual,
		Sandbox:  SandboxIsolated,
	}))

	view := reg.PlannerView()
	require.Len(t, view, 1)
	assert.Equal(t, "web.fetch", view[0].ID)
	assert.JSONEq(t, `{"type":"object"}`, string(view[0].Inputs))

	// Policy fields never leak into the planner view.
	raw, err := json.Marshal(view[0])
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "approval")
	assert.NotContains(t, string(raw), "sandbox")
}

func TestModelRegistryCheapest(t *testing.T) {
	reg := NewModelRegistry()
	reg.SeedDefaults()

	cheapest, err := reg.Cheapest(CapChat)
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o-mini", cheapest.ID)

	embed, err := reg.Cheapest(CapEmbedding)
	require.NoError(t, err)
	assert.Equal(t, "text-embedding-3-small", embed.ID)

	_, err = reg.Cheapest("audio")
	assert.ErrorIs(t, err, ErrNoModelForCap)
	assert.ErrorIs(t, err, lightning.ErrNotFound)
}

func TestModelRegistrySeedKeepsOverrides(t *testing.T) {
	reg := NewModelRegistry()
	require.NoError(t, reg.Register(ModelSpec{
		ID:           "gpt-4o-mini",
		Provider:     "azure",
		Capabilities: []string{CapChat},
	}))
	reg.SeedDefaults()

	spec, err := reg.Get("gpt-4o-mini")
	require.NoError(t, err)
	assert.Equal(t, "azure", spec.Provider)
}

func TestUsageTrackerAggregates(t *testing.T) {
	models := NewModelRegistry()
	models.SeedDefaults()
	store, err := storage.NewMemoryStore("", testLogger())
	require.NoError(t, err)
	tracker := NewUsageTracker(models, store, testLogger())
	ctx := context.Background()

	rec, err := tracker.Track(ctx, "alice", "gpt-4o-mini", "r1", 1000, 500)
	require.NoError(t, err)
	assert.Equal(t, 1500, rec.TotalTokens)
	assert.InDelta(t, 0.00015+0.0003, rec.Cost, 1e-9)

	_, err = tracker.Track(ctx, "alice", "gpt-4o", "r2", 2000, 1000)
	require.NoError(t, err)
	_, err = tracker.Track(ctx, "bob", "gpt-4o-mini", "r3", 100, 100)
	require.NoError(t, err)

	_, err = tracker.Track(ctx, "", "gpt-4o", "r4", 1, 1)
	assert.ErrorIs(t, err, ErrUsageUserMissing)

	stats := tracker.Stats("alice")
	assert.Equal(t, 2, stats.Requests)
	assert.Equal(t, 4500, stats.TotalTokens)
	assert.Len(t, stats.ByModel, 2)
	assert.Equal(t, []string{"gpt-4o", "gpt-4o-mini"}, tracker.Models("alice"))

	// Records landed in the usage container, partitioned by user.
	docs, err := store.Query(ctx, UsageContainer, storage.Query{PartitionKey: "alice"})
	require.NoError(t, err)
	assert.Len(t, docs, 2)
}

func TestDriverUnregisterShutsDown(t *testing.T) {
	reg := NewDriverRegistry(Deps{}, testLogger())
	stopped := make(chan struct{})

	require.NoError(t, reg.Register(Manifest{
		ID: "stoppable", Name: "stoppable", Version: "1", Kind: KindTool,
		Capabilities: []string{"stoppable"},
	}, func(deps Deps) (Driver, error) {
		return &shutdownDriver{stopped: stopped}, nil
	}))
	require.NoError(t, reg.InitializeAll(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, reg.Unregister(ctx, "stoppable"))

	select {
	case <-stopped:
	default:
		t.Fatal("unregister did not shut the driver down")
	}

	_, err := reg.Get("stoppable")
	assert.ErrorIs(t, err, ErrDriverNotFound)
}

type shutdownDriver struct {
	stopped chan struct{}
}

func (d *shutdownDriver) Handle(ctx context.Context, event lightning.Event) ([]lightning.Event, error) {
	return nil, nil
}

func (d *shutdownDriver) Shutdown(ctx context.Context) error {
	close(d.stopped)
	return nil
}
