package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/vextir/lightning"
	"github.com/vextir/lightning/modules/storage"
)

// UsageContainer is the storage container usage records persist to,
// partitioned by user id.
const UsageContainer = "usage"

// UsageRecord is one metered model call.
type UsageRecord struct {
	ID               string    `json:"id"`
	UserID           string    `json:"user_id"`
	ModelID          string    `json:"model_id"`
	Timestamp        time.Time `json:"timestamp"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	TotalTokens      int       `json:"total_tokens"`
	Cost             float64   `json:"cost"`
	RequestID        string    `json:"request_id,omitempty"`
}

// UsageStats aggregates a user's model spend.
type UsageStats struct {
	UserID      string                    `json:"user_id"`
	Requests    int                       `json:"requests"`
	TotalTokens int                       `json:"total_tokens"`
	TotalCost   float64                   `json:"total_cost"`
	ByModel     map[string]UsageModelLine `json:"by_model,omitempty"`
}

// UsageModelLine is the per-model slice of a user's usage.
type UsageModelLine struct {
	Requests    int     `json:"requests"`
	TotalTokens int     `json:"total_tokens"`
	TotalCost   float64 `json:"total_cost"`
}

type usageKey struct {
	userID  string
	modelID string
	day     string // yyyy-mm-dd in UTC
}

// UsageTracker meters model calls: it prices each call against the model
// catalog, persists the record, and keeps in-memory aggregates for fast
// status queries.
type UsageTracker struct {
	models *ModelRegistry
	store  storage.Store
	logger lightning.Logger

	mu     sync.Mutex
	totals map[usageKey]UsageModelLine
}

// NewUsageTracker builds a tracker over the given catalog and store. store
// may be nil, which keeps aggregates in memory only.
func NewUsageTracker(models *ModelRegistry, store storage.Store, logger lightning.Logger) *UsageTracker {
	return &UsageTracker{
		models: models,
		store:  store,
		logger: logger,
		totals: map[usageKey]UsageModelLine{},
	}
}

// Track records one model call. The cost is computed from the model catalog;
// unknown models are tracked at zero cost rather than dropped.
func (t *UsageTracker) Track(ctx context.Context, userID, modelID, requestID string, promptTokens, completionTokens int) (UsageRecord, error) {
	if userID == "" {
		return UsageRecord{}, fmt.Errorf("%w: %w", lightning.ErrInvalidInput, ErrUsageUserMissing)
	}
	record := UsageRecord{
		ID:               lightning.NewEventID(),
		UserID:           userID,
		ModelID:          modelID,
		Timestamp:        time.Now().UTC(),
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		TotalTokens:      promptTokens + completionTokens,
		RequestID:        requestID,
	}
	if spec, err := t.models.Get(modelID); err == nil {
		record.Cost = spec.Cost(promptTokens, completionTokens)
	}

	key := usageKey{userID: userID, modelID: modelID, day: record.Timestamp.Format("2006-01-02")}
	t.mu.Lock()
	line := t.totals[key]
	line.Requests++
	line.TotalTokens += record.TotalTokens
	line.TotalCost += record.Cost
	t.totals[key] = line
	t.mu.Unlock()

	if t.store != nil {
		if err := t.persist(ctx, record); err != nil {
			// The aggregate already counted the call; losing the
			// durable record is worth a warning, not a failure.
			t.logger.Warn("usage record not persisted", "user_id", userID, "model_id", modelID, "error", err)
		}
	}
	return record, nil
}

func (t *UsageTracker) persist(ctx context.Context, record UsageRecord) error {
	doc := storage.Document{
		ID:           record.ID,
		PartitionKey: record.UserID,
		Attributes: map[string]any{
			"user_id":           record.UserID,
			"model_id":          record.ModelID,
			"timestamp":         record.Timestamp.Format(time.RFC3339Nano),
			"prompt_tokens":     record.PromptTokens,
			"completion_tokens": record.CompletionTokens,
			"total_tokens":      record.TotalTokens,
			"cost":              record.Cost,
			"request_id":        record.RequestID,
		},
	}
	if err := t.store.CreateContainerIfNotExists(ctx, UsageContainer); err != nil {
		return err
	}
	_, err := t.store.Create(ctx, UsageContainer, doc)
	return err
}

// Stats returns a user's aggregated usage across all days.
func (t *UsageTracker) Stats(userID string) UsageStats {
	stats := UsageStats{UserID: userID, ByModel: map[string]UsageModelLine{}}
	t.mu.Lock()
	defer t.mu.Unlock()
	for key, line := range t.totals {
		if key.userID != userID {
			continue
		}
		stats.Requests += line.Requests
		stats.TotalTokens += line.TotalTokens
		stats.TotalCost += line.TotalCost
		agg := stats.ByModel[key.modelID]
		agg.Requests += line.Requests
		agg.TotalTokens += line.TotalTokens
		agg.TotalCost += line.TotalCost
		stats.ByModel[key.modelID] = agg
	}
	return stats
}

// Models returns the model ids a user has been billed for, sorted.
func (t *UsageTracker) Models(userID string) []string {
	seen := map[string]struct{}{}
	t.mu.Lock()
	for key := range t.totals {
		if key.userID == userID {
			seen[key.modelID] = struct{}{}
		}
	}
	t.mu.Unlock()
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
