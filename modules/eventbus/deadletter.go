package eventbus

import (
	"sync"
	"time"

	"github.com/vextir/lightning"
)

// deadLetterStore retains events whose handler failed, keyed by
// (subject, event id), bounded with FIFO eviction and per-entry TTL.
type deadLetterStore struct {
	mu      sync.Mutex
	maxSize int
	ttl     time.Duration
	byID    map[string]*DeadLetterRecord
	order   []string // record ids, oldest first
	evicted uint64
}

func newDeadLetterStore(maxSize int, ttl time.Duration) *deadLetterStore {
	return &deadLetterStore{
		maxSize: maxSize,
		ttl:     ttl,
		byID:    make(map[string]*DeadLetterRecord),
	}
}

func deadLetterID(subject, eventID string) string {
	return subject + "|" + eventID
}

// Add parks a failed event. Re-failing the same (subject, event) refreshes
// the existing record rather than duplicating it.
func (s *deadLetterStore) Add(subject string, event lightning.Event, handlerErr error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := deadLetterID(subject, event.ID)
	now := time.Now().UTC()
	if rec, ok := s.byID[id]; ok {
		rec.Error = handlerErr.Error()
		rec.ParkedAt = now
		rec.ExpiresAt = now.Add(s.ttl)
		return
	}

	for s.maxSize > 0 && len(s.order) >= s.maxSize {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.byID, oldest)
		s.evicted++
	}

	s.byID[id] = &DeadLetterRecord{
		ID:        id,
		Subject:   subject,
		Event:     event.Clone(),
		Error:     handlerErr.Error(),
		ParkedAt:  now,
		ExpiresAt: now.Add(s.ttl),
	}
	s.order = append(s.order, id)
}

// List returns up to limit records, oldest first. limit <= 0 returns all.
func (s *deadLetterStore) List(limit int) []DeadLetterRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.order)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]DeadLetterRecord, 0, n)
	for _, id := range s.order[:n] {
		out = append(out, *s.byID[id])
	}
	return out
}

// Take removes and returns the record, enforcing the reprocess-once rule.
func (s *deadLetterStore) Take(id string) (DeadLetterRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.byID[id]
	if !ok {
		return DeadLetterRecord{}, false
	}
	delete(s.byID, id)
	for i, oid := range s.order {
		if oid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return *rec, true
}

// Sweep drops expired records.
func (s *deadLetterStore) Sweep(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.order[:0]
	for _, id := range s.order {
		if rec := s.byID[id]; now.After(rec.ExpiresAt) {
			delete(s.byID, id)
			continue
		}
		kept = append(kept, id)
	}
	s.order = kept
}

// Evicted returns how many records were pushed out by the size bound.
func (s *deadLetterStore) Evicted() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.evicted
}

// Len returns the number of retained records.
func (s *deadLetterStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.order)
}
