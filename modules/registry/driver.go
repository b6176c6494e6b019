// Package registry maintains the runtime's driver, tool and model catalogs.
// All three registries share the same concurrency discipline: mutations go
// through a short writer lock that swaps a copy-on-write snapshot; reads are
// lock-free snapshot loads.
package registry

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vextir/lightning"
	"github.com/vextir/lightning/modules/storage"
)

// DriverKind classifies what a driver is.
type DriverKind string

const (
	KindAgent         DriverKind = "agent"
	KindTool          DriverKind = "tool"
	KindConnector     DriverKind = "connector"
	KindScheduler     DriverKind = "scheduler"
	KindStorage       DriverKind = "storage"
	KindAuthenticator DriverKind = "authenticator"
	KindPlanner       DriverKind = "planner"
)

// DriverStatus is the lifecycle state of a driver instance.
type DriverStatus string

const (
	StatusRegistered  DriverStatus = "registered"
	StatusInitialized DriverStatus = "initialized"
	StatusRunning     DriverStatus = "running"
	StatusStopped     DriverStatus = "stopped"
	StatusFailed      DriverStatus = "failed"
)

// ResourceSpec declares the resource envelope of a driver.
type ResourceSpec struct {
	// MemoryMB is the advisory memory budget.
	MemoryMB int `json:"memoryMB,omitempty"`

	// Timeout bounds a single Handle invocation. Zero means the runtime
	// default (300s).
	Timeout time.Duration `json:"timeout,omitempty"`
}

// Manifest describes a driver to the registry.
type Manifest struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Version     string     `json:"version"`
	Author      string     `json:"author,omitempty"`
	Description string     `json:"description,omitempty"`
	Kind        DriverKind `json:"kind"`

	// Capabilities are dotted event-type prefixes the driver consumes,
	// e.g. "llm.chat" or "context.*" (trailing ".*" is equivalent to the
	// bare prefix).
	Capabilities []string `json:"capabilities"`

	// Priority breaks ties between drivers with equally specific
	// capability matches; higher routes first.
	Priority int `json:"priority,omitempty"`

	// Required aborts InitializeAll when this driver fails to start.
	Required bool `json:"required,omitempty"`

	// DependsOn lists driver ids that must initialize first.
	DependsOn []string `json:"dependsOn,omitempty"`

	Resources ResourceSpec `json:"resources,omitempty"`
}

// Driver handles events matching its declared capabilities. Drivers are
// long-lived, shared and must be safe for concurrent Handle calls. Output
// events are re-published on the bus by the caller.
type Driver interface {
	Handle(ctx context.Context, event lightning.Event) ([]lightning.Event, error)
}

// Initializer is implemented by drivers that need startup work.
type Initializer interface {
	Initialize(ctx context.Context) error
}

// Shutdowner is implemented by drivers that need teardown work.
type Shutdowner interface {
	Shutdown(ctx context.Context) error
}

// Deps carries the runtime handles a driver constructor may use. Drivers
// hold only these handles, never the registry itself.
type Deps struct {
	Store   storage.Store
	Models  *ModelRegistry
	Tools   *ToolRegistry
	Usage   *UsageTracker
	Logger  lightning.Logger
	Publish func(ctx context.Context, event lightning.Event) error
}

// Constructor builds a driver instance from its runtime dependencies.
type Constructor func(deps Deps) (Driver, error)

// DriverInfo is a read-only view of a registered driver.
type DriverInfo struct {
	Manifest Manifest     `json:"manifest"`
	Status   DriverStatus `json:"status"`
	Error    string       `json:"error,omitempty"`
}

// ListFilter narrows List results. Zero values match everything.
type ListFilter struct {
	Kind   DriverKind
	Status DriverStatus
}

type driverEntry struct {
	manifest    Manifest
	constructor Constructor
	instance    Driver
	status      DriverStatus
	err         string
}

type driverSnapshot struct {
	entries map[string]*driverEntry
}

// DriverRegistry maintains driver manifests and live instances.
type DriverRegistry struct {
	logger   lightning.Logger
	deps     Deps
	writeMu  sync.Mutex
	snapshot atomic.Pointer[driverSnapshot]
}

// NewDriverRegistry creates an empty driver registry. deps are handed to
// every constructor.
func NewDriverRegistry(deps Deps, logger lightning.Logger) *DriverRegistry {
	r := &DriverRegistry{logger: logger, deps: deps}
	r.snapshot.Store(&driverSnapshot{entries: map[string]*driverEntry{}})
	return r
}

func (r *DriverRegistry) load() *driverSnapshot { return r.snapshot.Load() }

// mutate clones the snapshot, applies fn and swaps. Caller must not hold
// writeMu.
func (r *DriverRegistry) mutate(fn func(entries map[string]*driverEntry) error) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	old := r.load()
	entries := make(map[string]*driverEntry, len(old.entries)+1)
	for id, e := range old.entries {
		clone := *e
		entries[id] = &clone
	}
	if err := fn(entries); err != nil {
		return err
	}
	r.snapshot.Store(&driverSnapshot{entries: entries})
	return nil
}

// Register adds a driver manifest and constructs its instance. The instance
// starts in StatusRegistered until InitializeAll runs.
func (r *DriverRegistry) Register(manifest Manifest, constructor Constructor) error {
	if manifest.ID == "" {
		return fmt.Errorf("%w: %w", lightning.ErrInvalidInput, ErrDriverIDEmpty)
	}
	if len(manifest.Capabilities) == 0 {
		return fmt.Errorf("%w: %w: %s", lightning.ErrInvalidInput, ErrNoCapabilities, manifest.ID)
	}
	if constructor == nil {
		return fmt.Errorf("%w: %w: %s", lightning.ErrInvalidInput, ErrDriverConstructor, manifest.ID)
	}
	instance, err := constructor(r.deps)
	if err != nil {
		return fmt.Errorf("construct driver %s: %w", manifest.ID, err)
	}
	err = r.mutate(func(entries map[string]*driverEntry) error {
		if _, ok := entries[manifest.ID]; ok {
			return fmt.Errorf("%w: %w: %s", lightning.ErrConflict, ErrDriverExists, manifest.ID)
		}
		entries[manifest.ID] = &driverEntry{
			manifest:    manifest,
			constructor: constructor,
			instance:    instance,
			status:      StatusRegistered,
		}
		return nil
	})
	if err != nil {
		return err
	}
	r.logger.Info("driver registered", "driver", manifest.ID, "kind", string(manifest.Kind), "capabilities", strings.Join(manifest.Capabilities, ","))
	return nil
}

// Unregister removes a driver, shutting its instance down if needed.
func (r *DriverRegistry) Unregister(ctx context.Context, id string) error {
	var instance Driver
	err := r.mutate(func(entries map[string]*driverEntry) error {
		entry, ok := entries[id]
		if !ok {
			return fmt.Errorf("%w: %w: %s", lightning.ErrNotFound, ErrDriverNotFound, id)
		}
		instance = entry.instance
		delete(entries, id)
		return nil
	})
	if err != nil {
		return err
	}
	if closer, ok := instance.(Shutdowner); ok {
		if err := closer.Shutdown(ctx); err != nil {
			r.logger.Warn("driver shutdown failed during unregister", "driver", id, "error", err)
		}
	}
	return nil
}

// Get returns the driver info for an id.
func (r *DriverRegistry) Get(id string) (DriverInfo, error) {
	entry, ok := r.load().entries[id]
	if !ok {
		return DriverInfo{}, fmt.Errorf("%w: %w: %s", lightning.ErrNotFound, ErrDriverNotFound, id)
	}
	return DriverInfo{Manifest: entry.manifest, Status: entry.status, Error: entry.err}, nil
}

// Instance returns the live driver instance for an id. Only running drivers
// are returned.
func (r *DriverRegistry) Instance(id string) (Driver, error) {
	entry, ok := r.load().entries[id]
	if !ok {
		return nil, fmt.Errorf("%w: %w: %s", lightning.ErrNotFound, ErrDriverNotFound, id)
	}
	if entry.status != StatusRunning {
		return nil, fmt.Errorf("%w: %s is %s", ErrDriverNotRunning, id, entry.status)
	}
	return entry.instance, nil
}

// List returns driver infos matching the filter, sorted by id.
func (r *DriverRegistry) List(filter ListFilter) []DriverInfo {
	snap := r.load()
	out := make([]DriverInfo, 0, len(snap.entries))
	for _, entry := range snap.entries {
		if filter.Kind != "" && entry.manifest.Kind != filter.Kind {
			continue
		}
		if filter.Status != "" && entry.status != filter.Status {
			continue
		}
		out = append(out, DriverInfo{Manifest: entry.manifest, Status: entry.status, Error: entry.err})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Manifest.ID < out[j].Manifest.ID })
	return out
}

// RouteMatch pairs a running driver with the capability that matched.
type RouteMatch struct {
	ID         string
	Capability string
	Timeout    time.Duration
	Driver     Driver
}

// capabilityMatch returns the length of the matching capability prefix, or
// -1 when the capability does not cover the event type. "context.*" and
// "context" cover the same types.
func capabilityMatch(capability, eventType string) int {
	capability = strings.TrimSuffix(capability, ".*")
	if capability == eventType {
		return len(capability)
	}
	if strings.HasPrefix(eventType, capability+".") {
		return len(capability)
	}
	return -1
}

// Route returns the running drivers whose capabilities cover the event
// type, longest capability match first, then manifest priority, then id.
func (r *DriverRegistry) Route(eventType string) []RouteMatch {
	snap := r.load()
	type scored struct {
		match RouteMatch
		score int
		prio  int
	}
	var candidates []scored
	for id, entry := range snap.entries {
		if entry.status != StatusRunning {
			continue
		}
		best, bestCap := -1, ""
		for _, capability := range entry.manifest.Capabilities {
			if n := capabilityMatch(capability, eventType); n > best {
				best, bestCap = n, capability
			}
		}
		if best < 0 {
			continue
		}
		candidates = append(candidates, scored{
			match: RouteMatch{ID: id, Capability: bestCap, Timeout: entry.manifest.Resources.Timeout, Driver: entry.instance},
			score: best,
			prio:  entry.manifest.Priority,
		})
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		if candidates[i].prio != candidates[j].prio {
			return candidates[i].prio > candidates[j].prio
		}
		return candidates[i].match.ID < candidates[j].match.ID
	})
	out := make([]RouteMatch, len(candidates))
	for i, c := range candidates {
		out[i] = c.match
	}
	return out
}

// HasRoute reports whether any running driver covers the event type.
func (r *DriverRegistry) HasRoute(eventType string) bool {
	return len(r.Route(eventType)) > 0
}

// InitializeAll initializes drivers in dependency order. Individual
// failures are recorded without aborting the sweep unless the manifest
// marks the driver required.
func (r *DriverRegistry) InitializeAll(ctx context.Context) error {
	order, err := r.dependencyOrder()
	if err != nil {
		return err
	}
	for _, id := range order {
		entry := r.load().entries[id]
		if entry == nil || entry.status == StatusRunning {
			continue
		}
		initErr := r.initializeOne(ctx, entry.instance)
		status, errStr := StatusRunning, ""
		if initErr != nil {
			status, errStr = StatusFailed, initErr.Error()
			r.logger.Error("driver initialization failed", "driver", id, "error", initErr)
		}
		if err := r.setStatus(id, status, errStr); err != nil {
			return err
		}
		if initErr != nil && entry.manifest.Required {
			return fmt.Errorf("%w: %s: %w", ErrRequiredDriverInit, id, initErr)
		}
	}
	return nil
}

func (r *DriverRegistry) initializeOne(ctx context.Context, instance Driver) error {
	init, ok := instance.(Initializer)
	if !ok {
		return nil
	}
	return init.Initialize(ctx)
}

// ShutdownAll stops every running driver, continuing past failures.
func (r *DriverRegistry) ShutdownAll(ctx context.Context) {
	for _, info := range r.List(ListFilter{Status: StatusRunning}) {
		entry := r.load().entries[info.Manifest.ID]
		if closer, ok := entry.instance.(Shutdowner); ok {
			if err := closer.Shutdown(ctx); err != nil {
				r.logger.Warn("driver shutdown failed", "driver", info.Manifest.ID, "error", err)
			}
		}
		_ = r.setStatus(info.Manifest.ID, StatusStopped, "")
	}
}

func (r *DriverRegistry) setStatus(id string, status DriverStatus, errStr string) error {
	return r.mutate(func(entries map[string]*driverEntry) error {
		entry, ok := entries[id]
		if !ok {
			return fmt.Errorf("%w: %w: %s", lightning.ErrNotFound, ErrDriverNotFound, id)
		}
		entry.status = status
		entry.err = errStr
		return nil
	})
}

// dependencyOrder topologically sorts drivers by DependsOn.
func (r *DriverRegistry) dependencyOrder() ([]string, error) {
	entries := r.load().entries
	indegree := make(map[string]int, len(entries))
	dependents := make(map[string][]string, len(entries))
	for id, entry := range entries {
		if _, ok := indegree[id]; !ok {
			indegree[id] = 0
		}
		for _, dep := range entry.manifest.DependsOn {
			if _, ok := entries[dep]; !ok {
				return nil, fmt.Errorf("%w: %s depends on %s", ErrUnknownDependency, id, dep)
			}
			indegree[id]++
			dependents[dep] = append(dependents[dep], id)
		}
	}
	var ready []string
	for id, n := range indegree {
		if n == 0 {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)
	var order []string
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)
		for _, dep := range dependents[id] {
			indegree[dep]--
			if indegree[dep] == 0 {
				ready = append(ready, dep)
			}
		}
		sort.Strings(ready)
	}
	if len(order) != len(entries) {
		return nil, ErrDependencyCycle
	}
	return order, nil
}
