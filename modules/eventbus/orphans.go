package eventbus

import (
	"slices"
	"sync"
	"time"

	"github.com/vextir/lightning"
)

// orphanStore is a bounded FIFO ring of events that had no consumer.
type orphanStore struct {
	mu      sync.RWMutex
	maxSize int
	records []OrphanRecord
	evicted uint64
}

func newOrphanStore(maxSize int) *orphanStore {
	return &orphanStore{maxSize: maxSize}
}

// Add parks an event. When the ring is full the oldest record evicts.
func (s *orphanStore) Add(event lightning.Event, reason OrphanReason) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.maxSize > 0 && len(s.records) >= s.maxSize {
		s.records = slices.Delete(s.records, 0, 1)
		s.evicted++
	}
	s.records = append(s.records, OrphanRecord{
		Event:    event.Clone(),
		Reason:   reason,
		ParkedAt: time.Now().UTC(),
	})
}

// List returns up to limit records, oldest first. limit <= 0 returns all.
func (s *orphanStore) List(limit int) []OrphanRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := len(s.records)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]OrphanRecord, n)
	copy(out, s.records[:n])
	return out
}

// Drain evicts records matching types (empty = all) parked before the cutoff
// (zero = all) and returns the number drained.
func (s *orphanStore) Drain(types []string, before time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.records[:0]
	drained := 0
	for _, rec := range s.records {
		match := len(types) == 0 || slices.Contains(types, rec.Event.Type)
		if match && !before.IsZero() {
			match = rec.ParkedAt.Before(before)
		}
		if match {
			drained++
			continue
		}
		kept = append(kept, rec)
	}
	s.records = kept
	return drained
}

// Evicted returns how many records were pushed out by the size bound.
func (s *orphanStore) Evicted() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.evicted
}

// Len returns the number of parked records.
func (s *orphanStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
