package registry

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/vextir/lightning"
)

// ApprovalPolicy controls whether a tool invocation needs human signoff.
type ApprovalPolicy string

const (
	ApprovalAuto   ApprovalPolicy = "auto"
	ApprovalManual ApprovalPolicy = "manual"
	ApprovalGuided ApprovalPolicy = "guided"
)

// SandboxPolicy controls how a tool executes.
type SandboxPolicy string

const (
	SandboxNone     SandboxPolicy = "none"
	SandboxIsolated SandboxPolicy = "isolated"
	SandboxReadOnly SandboxPolicy = "read_only"
)

// ToolSpec is the full runtime view of a tool.
type ToolSpec struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`

	// Params is the JSON-Schema for the tool's argument surface.
	Params json.RawMessage `json:"params,omitempty"`

	// Capability tags the tool with the dotted event-type prefix it
	// serves.
	Capability string `json:"capability,omitempty"`

	Approval ApprovalPolicy `json:"approval,omitempty"`
	Sandbox  SandboxPolicy  `json:"sandbox,omitempty"`
}

// PlannerTool is the reduced view exposed to planners: the argument surface
// only, no policy fields.
type PlannerTool struct {
	ID     string          `json:"id"`
	Name   string          `json:"name"`
	Inputs json.RawMessage `json:"inputs,omitempty"`
}

type toolEntry struct {
	spec   ToolSpec
	schema *jsonschema.Schema // nil when the tool declares no params
}

type toolSnapshot struct {
	entries map[string]*toolEntry
}

// ToolRegistry maintains tool specs with compiled parameter schemas. Same
// copy-on-write discipline as the driver registry.
type ToolRegistry struct {
	writeMu  sync.Mutex
	snapshot atomic.Pointer[toolSnapshot]
}

// NewToolRegistry creates an empty tool registry.
func NewToolRegistry() *ToolRegistry {
	r := &ToolRegistry{}
	r.snapshot.Store(&toolSnapshot{entries: map[string]*toolEntry{}})
	return r
}

// Register adds a tool, compiling its parameter schema.
func (r *ToolRegistry) Register(spec ToolSpec) error {
	if spec.ID == "" {
		return fmt.Errorf("%w: %w", lightning.ErrInvalidInput, ErrToolIDEmpty)
	}
	if spec.Approval == "" {
		spec.Approval = ApprovalAuto
	}
	if spec.Sandbox == "" {
		spec.Sandbox = SandboxNone
	}
	var schema *jsonschema.Schema
	if len(spec.Params) > 0 {
		compiled, err := compileSchema(spec.ID, spec.Params)
		if err != nil {
			return fmt.Errorf("%w: %s: %w", ErrToolSchemaFailed, spec.ID, err)
		}
		schema = compiled
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	old := r.snapshot.Load()
	if _, ok := old.entries[spec.ID]; ok {
		return fmt.Errorf("%w: %w: %s", lightning.ErrConflict, ErrToolExists, spec.ID)
	}
	entries := make(map[string]*toolEntry, len(old.entries)+1)
	for id, e := range old.entries {
		entries[id] = e
	}
	entries[spec.ID] = &toolEntry{spec: spec, schema: schema}
	r.snapshot.Store(&toolSnapshot{entries: entries})
	return nil
}

// Unregister removes a tool. Idempotent.
func (r *ToolRegistry) Unregister(id string) {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	old := r.snapshot.Load()
	if _, ok := old.entries[id]; !ok {
		return
	}
	entries := make(map[string]*toolEntry, len(old.entries))
	for eid, e := range old.entries {
		if eid != id {
			entries[eid] = e
		}
	}
	r.snapshot.Store(&toolSnapshot{entries: entries})
}

// Get returns the full spec of a tool.
func (r *ToolRegistry) Get(id string) (ToolSpec, error) {
	entry, ok := r.snapshot.Load().entries[id]
	if !ok {
		return ToolSpec{}, fmt.Errorf("%w: %w: %s", lightning.ErrNotFound, ErrToolNotFound, id)
	}
	return entry.spec, nil
}

// List returns all tool specs, sorted by id.
func (r *ToolRegistry) List() []ToolSpec {
	snap := r.snapshot.Load()
	out := make([]ToolSpec, 0, len(snap.entries))
	for _, entry := range snap.entries {
		out = append(out, entry.spec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ByCapability returns the tools tagged with the given capability.
func (r *ToolRegistry) ByCapability(capability string) []ToolSpec {
	var out []ToolSpec
	for _, spec := range r.List() {
		if spec.Capability == capability {
			out = append(out, spec)
		}
	}
	return out
}

// PlannerView returns the reduced planner-facing catalog: argument surface
// only.
func (r *ToolRegistry) PlannerView() []PlannerTool {
	specs := r.List()
	out := make([]PlannerTool, 0, len(specs))
	for _, spec := range specs {
		out = append(out, PlannerTool{ID: spec.ID, Name: spec.Name, Inputs: spec.Params})
	}
	return out
}

// ValidateArgs checks an argument map against the tool's parameter schema.
// Tools without a schema accept anything.
func (r *ToolRegistry) ValidateArgs(id string, args map[string]any) error {
	entry, ok := r.snapshot.Load().entries[id]
	if !ok {
		return fmt.Errorf("%w: %w: %s", lightning.ErrNotFound, ErrToolNotFound, id)
	}
	if entry.schema == nil {
		return nil
	}
	// Round-trip so argument maps built in Go validate the same way JSON
	// payloads do.
	raw, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("%w: %w", lightning.ErrInvalidInput, err)
	}
	value, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("%w: %w", lightning.ErrInvalidInput, err)
	}
	if err := entry.schema.Validate(value); err != nil {
		return fmt.Errorf("%w: tool %s: %w", lightning.ErrInvalidInput, id, err)
	}
	return nil
}

func compileSchema(id string, raw json.RawMessage) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	compiler := jsonschema.NewCompiler()
	url := "inline://" + id + ".schema.json"
	if err := compiler.AddResource(url, doc); err != nil {
		return nil, err
	}
	return compiler.Compile(url)
}
