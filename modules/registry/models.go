package registry

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/vextir/lightning"
)

// Model capability tags.
const (
	CapChat       = "chat"
	CapCompletion = "completion"
	CapEmbedding  = "embedding"
	CapVision     = "vision"
)

// ModelSpec describes a language model available to drivers, including its
// pricing so the runtime can meter usage.
type ModelSpec struct {
	ID           string   `json:"id"`
	Provider     string   `json:"provider"`
	Endpoint     string   `json:"endpoint,omitempty"`
	Capabilities []string `json:"capabilities"`

	// Costs are USD per 1000 tokens.
	InputCostPer1K  float64 `json:"input_cost_per_1k"`
	OutputCostPer1K float64 `json:"output_cost_per_1k"`

	ContextWindow   int `json:"context_window,omitempty"`
	MaxOutputTokens int `json:"max_output_tokens,omitempty"`
}

// HasCapability reports whether the model declares the given capability.
func (m ModelSpec) HasCapability(capability string) bool {
	for _, c := range m.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}

// Cost computes the USD cost of a request at this model's rates.
func (m ModelSpec) Cost(promptTokens, completionTokens int) float64 {
	return float64(promptTokens)/1000*m.InputCostPer1K +
		float64(completionTokens)/1000*m.OutputCostPer1K
}

type modelSnapshot struct {
	models map[string]ModelSpec
}

// ModelRegistry is the catalog of available models. Reads are lock-free
// snapshot loads, writes copy.
type ModelRegistry struct {
	writeMu  sync.Mutex
	snapshot atomic.Pointer[modelSnapshot]
}

// NewModelRegistry creates an empty model catalog.
func NewModelRegistry() *ModelRegistry {
	r := &ModelRegistry{}
	r.snapshot.Store(&modelSnapshot{models: map[string]ModelSpec{}})
	return r
}

// SeedDefaults loads the built-in model catalog. Existing entries with the
// same id are left alone so operator overrides survive.
func (r *ModelRegistry) SeedDefaults() {
	for _, spec := range defaultModels() {
		if _, err := r.Get(spec.ID); err == nil {
			continue
		}
		_ = r.Register(spec)
	}
}

func defaultModels() []ModelSpec {
	return []ModelSpec{
		{
			ID:              "gpt-4o",
			Provider:        "openai",
			Capabilities:    []string{CapChat, CapCompletion, CapVision},
			InputCostPer1K:  0.0025,
			OutputCostPer1K: 0.01,
			ContextWindow:   128000,
			MaxOutputTokens: 16384,
		},
		{
			ID:              "gpt-4o-mini",
			Provider:        "openai",
			Capabilities:    []string{CapChat, CapCompletion},
			InputCostPer1K:  0.00015,
			OutputCostPer1K: 0.0006,
			ContextWindow:   128000,
			MaxOutputTokens: 16384,
		},
		{
			ID:              "gpt-3.5-turbo",
			Provider:        "openai",
			Capabilities:    []string{CapChat, CapCompletion},
			InputCostPer1K:  0.0005,
			OutputCostPer1K: 0.0015,
			ContextWindow:   16385,
			MaxOutputTokens: 4096,
		},
		{
			ID:              "claude-3-5-sonnet",
			Provider:        "anthropic",
			Capabilities:    []string{CapChat, CapCompletion, CapVision},
			InputCostPer1K:  0.003,
			OutputCostPer1K: 0.015,
			ContextWindow:   200000,
			MaxOutputTokens: 8192,
		},
		{
			ID:             "text-embedding-3-small",
			Provider:       "openai",
			Capabilities:   []string{CapEmbedding},
			InputCostPer1K: 0.00002,
			ContextWindow:  8191,
		},
	}
}

// Register adds a model to the catalog, replacing any existing entry with
// the same id.
func (r *ModelRegistry) Register(spec ModelSpec) error {
	if spec.ID == "" {
		return fmt.Errorf("%w: %w", lightning.ErrInvalidInput, ErrModelIDEmpty)
	}
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	old := r.snapshot.Load()
	models := make(map[string]ModelSpec, len(old.models)+1)
	for id, m := range old.models {
		models[id] = m
	}
	models[spec.ID] = spec
	r.snapshot.Store(&modelSnapshot{models: models})
	return nil
}

// Unregister removes a model from the catalog. Idempotent.
func (r *ModelRegistry) Unregister(id string) {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	old := r.snapshot.Load()
	if _, ok := old.models[id]; !ok {
		return
	}
	models := make(map[string]ModelSpec, len(old.models))
	for mid, m := range old.models {
		if mid != id {
			models[mid] = m
		}
	}
	r.snapshot.Store(&modelSnapshot{models: models})
}

// Get looks up a model by id.
func (r *ModelRegistry) Get(id string) (ModelSpec, error) {
	spec, ok := r.snapshot.Load().models[id]
	if !ok {
		return ModelSpec{}, fmt.Errorf("%w: %w: %s", lightning.ErrNotFound, ErrModelNotFound, id)
	}
	return spec, nil
}

// List returns all models sorted by id.
func (r *ModelRegistry) List() []ModelSpec {
	snap := r.snapshot.Load()
	out := make([]ModelSpec, 0, len(snap.models))
	for _, m := range snap.models {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ByCapability returns the models providing a capability, sorted by id.
func (r *ModelRegistry) ByCapability(capability string) []ModelSpec {
	var out []ModelSpec
	for _, m := range r.List() {
		if m.HasCapability(capability) {
			out = append(out, m)
		}
	}
	return out
}

// Cheapest returns the lowest-rate model providing a capability, comparing
// the combined per-1K input and output cost. Ties break on id so the choice
// is stable.
func (r *ModelRegistry) Cheapest(capability string) (ModelSpec, error) {
	candidates := r.ByCapability(capability)
	if len(candidates) == 0 {
		return ModelSpec{}, fmt.Errorf("%w: %w: %s", lightning.ErrNotFound, ErrNoModelForCap, capability)
	}
	best := candidates[0]
	bestRate := best.InputCostPer1K + best.OutputCostPer1K
	for _, m := range candidates[1:] {
		rate := m.InputCostPer1K + m.OutputCostPer1K
		if rate < bestRate {
			best, bestRate = m, rate
		}
	}
	return best, nil
}
