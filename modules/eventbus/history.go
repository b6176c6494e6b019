package eventbus

import (
	"slices"
	"sync"
	"time"

	"github.com/vextir/lightning"
)

// historyStore retains a bounded ring of published events for replay.
type historyStore struct {
	mu      sync.RWMutex
	maxSize int
	entries []historyEntry // append order = publish order
}

type historyEntry struct {
	event lightning.Event
	topic string
}

func newHistoryStore(maxSize int) *historyStore {
	return &historyStore{maxSize: maxSize}
}

// Add appends an event, evicting the oldest entry when the ring is full.
func (h *historyStore) Add(event lightning.Event, topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.maxSize > 0 && len(h.entries) >= h.maxSize {
		h.entries = slices.Delete(h.entries, 0, 1)
	}
	h.entries = append(h.entries, historyEntry{event: event.Clone(), topic: topic})
}

// Replay returns copies of retained events matching the query, oldest first.
func (h *historyStore) Replay(q ReplayQuery) []lightning.Event {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []lightning.Event
	for _, entry := range h.entries {
		ts := entry.event.Timestamp
		if !q.Start.IsZero() && ts.Before(q.Start) {
			continue
		}
		if !q.End.IsZero() && ts.After(q.End) {
			continue
		}
		if q.Topic != "" && entry.topic != q.Topic {
			continue
		}
		if len(q.Types) > 0 && !slices.Contains(q.Types, entry.event.Type) {
			continue
		}
		out = append(out, entry.event.Clone())
	}
	return out
}

// ByCorrelation returns retained events carrying the correlation id, or all
// retained events when the id is empty.
func (h *historyStore) ByCorrelation(correlationID string) []lightning.Event {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []lightning.Event
	for _, entry := range h.entries {
		if correlationID != "" && entry.event.CorrelationID() != correlationID {
			continue
		}
		out = append(out, entry.event.Clone())
	}
	return out
}

// Sweep drops entries older than the retention cutoff.
func (h *historyStore) Sweep(cutoff time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	kept := h.entries[:0]
	for _, entry := range h.entries {
		if entry.event.Timestamp.After(cutoff) {
			kept = append(kept, entry)
		}
	}
	h.entries = kept
}

// Len returns the number of retained entries.
func (h *historyStore) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.entries)
}
