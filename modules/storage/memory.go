package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/vextir/lightning"
)

// MemoryStore implements Store with in-process maps. When a path is
// configured the store persists containers as JSON files: loaded at
// construction, written on mutation. Partitioning is logical; a document is
// addressed by (partitionKey, id) with an empty partition key meaning the
// default partition.
type MemoryStore struct {
	logger lightning.Logger
	path   string // empty disables durability

	mu         sync.RWMutex
	containers map[string]map[string]Document // container -> docKey -> doc
}

func docKey(partitionKey, id string) string {
	return partitionKey + "/" + id
}

// NewMemoryStore creates a memory store. path enables file durability and
// may be empty.
func NewMemoryStore(path string, logger lightning.Logger) (*MemoryStore, error) {
	s := &MemoryStore{
		logger:     logger,
		path:       path,
		containers: make(map[string]map[string]Document),
	}
	if path != "" {
		if err := s.load(); err != nil {
			return nil, fmt.Errorf("load storage from %s: %w", path, err)
		}
	}
	return s, nil
}

// CreateContainerIfNotExists ensures a container exists. Idempotent.
func (s *MemoryStore) CreateContainerIfNotExists(ctx context.Context, name string) error {
	if name == "" {
		return fmt.Errorf("%w: %w", lightning.ErrInvalidInput, ErrContainerEmpty)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.containers[name]; !ok {
		s.containers[name] = make(map[string]Document)
		return s.persistLocked(name)
	}
	return nil
}

// Get fetches a document by id. When partitionKey is empty all partitions
// are scanned.
func (s *MemoryStore) Get(ctx context.Context, container, id, partitionKey string) (Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	docs, ok := s.containers[container]
	if !ok {
		return Document{}, fmt.Errorf("%w: %w: %s", lightning.ErrNotFound, ErrContainerNotFound, container)
	}
	if partitionKey != "" {
		if doc, ok := docs[docKey(partitionKey, id)]; ok {
			return doc.Clone(), nil
		}
	} else {
		for _, doc := range docs {
			if doc.ID == id {
				return doc.Clone(), nil
			}
		}
	}
	return Document{}, fmt.Errorf("%w: %w: %s/%s", lightning.ErrNotFound, ErrDocumentNotFound, container, id)
}

// Create inserts a new document.
func (s *MemoryStore) Create(ctx context.Context, container string, doc Document) (Document, error) {
	if doc.ID == "" {
		return Document{}, fmt.Errorf("%w: %w", lightning.ErrInvalidInput, ErrDocumentIDEmpty)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	docs, ok := s.containers[container]
	if !ok {
		docs = make(map[string]Document)
		s.containers[container] = docs
	}
	key := docKey(doc.PartitionKey, doc.ID)
	if _, exists := docs[key]; exists {
		return Document{}, fmt.Errorf("%w: %w: %s/%s", lightning.ErrConflict, ErrDocumentExists, container, doc.ID)
	}
	doc.Version = 1
	docs[key] = doc.Clone()
	return doc, s.persistLocked(container)
}

// Update replaces a document with optimistic concurrency.
func (s *MemoryStore) Update(ctx context.Context, container string, doc Document) (Document, error) {
	if doc.ID == "" {
		return Document{}, fmt.Errorf("%w: %w", lightning.ErrInvalidInput, ErrDocumentIDEmpty)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	docs, ok := s.containers[container]
	if !ok {
		return Document{}, fmt.Errorf("%w: %w: %s", lightning.ErrNotFound, ErrContainerNotFound, container)
	}
	key := docKey(doc.PartitionKey, doc.ID)
	current, exists := docs[key]
	if !exists {
		return Document{}, fmt.Errorf("%w: %w: %s/%s", lightning.ErrNotFound, ErrDocumentNotFound, container, doc.ID)
	}
	if doc.Version != 0 && doc.Version != current.Version {
		return Document{}, fmt.Errorf("%w: %w: have %d want %d",
			lightning.ErrConflict, ErrVersionMismatch, current.Version, doc.Version)
	}
	doc.Version = current.Version + 1
	docs[key] = doc.Clone()
	return doc, s.persistLocked(container)
}

// Delete removes a document. Idempotent.
func (s *MemoryStore) Delete(ctx context.Context, container, id, partitionKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	docs, ok := s.containers[container]
	if !ok {
		return nil
	}
	if partitionKey != "" {
		delete(docs, docKey(partitionKey, id))
	} else {
		for key, doc := range docs {
			if doc.ID == id {
				delete(docs, key)
			}
		}
	}
	return s.persistLocked(container)
}

// Query returns documents matching the predicates.
func (s *MemoryStore) Query(ctx context.Context, container string, q Query) ([]Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	docs, ok := s.containers[container]
	if !ok {
		return nil, fmt.Errorf("%w: %w: %s", lightning.ErrNotFound, ErrContainerNotFound, container)
	}

	var out []Document
	for _, doc := range docs {
		if q.PartitionKey != "" && doc.PartitionKey != q.PartitionKey {
			continue
		}
		if !matchesPredicates(doc, q) {
			continue
		}
		out = append(out, doc.Clone())
	}

	sortDocs(out, q.OrderBy)
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func matchesPredicates(doc Document, q Query) bool {
	for attr, want := range q.Equals {
		got, ok := doc.Attributes[attr]
		if !ok || fmt.Sprint(got) != fmt.Sprint(want) {
			return false
		}
	}
	for attr, prefix := range q.Prefix {
		got, ok := doc.Attributes[attr]
		if !ok {
			return false
		}
		str, ok := got.(string)
		if !ok || !strings.HasPrefix(str, prefix) {
			return false
		}
	}
	return true
}

func sortDocs(docs []Document, orderBy string) {
	if orderBy == "" {
		// Deterministic output even without an explicit order.
		orderBy = "id"
	}
	sort.Slice(docs, func(i, j int) bool {
		if orderBy == "id" {
			return docs[i].ID < docs[j].ID
		}
		return fmt.Sprint(docs[i].Attributes[orderBy]) < fmt.Sprint(docs[j].Attributes[orderBy])
	})
}

// HealthCheck probes the store.
func (s *MemoryStore) HealthCheck(ctx context.Context) lightning.HealthCheckResult {
	start := time.Now()
	s.mu.RLock()
	containerCount := len(s.containers)
	docCount := 0
	for _, docs := range s.containers {
		docCount += len(docs)
	}
	s.mu.RUnlock()
	return lightning.Healthy(time.Since(start), map[string]any{
		"engine":     "memory",
		"durable":    s.path != "",
		"containers": containerCount,
		"documents":  docCount,
	})
}

// Close flushes durable containers.
func (s *MemoryStore) Close(ctx context.Context) error {
	if s.path == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for name := range s.containers {
		if err := s.persistLocked(name); err != nil {
			return err
		}
	}
	return nil
}

// persistLocked writes one container to disk. Caller holds the write lock.
func (s *MemoryStore) persistLocked(container string) error {
	if s.path == "" {
		return nil
	}
	if err := os.MkdirAll(s.path, 0o755); err != nil {
		return fmt.Errorf("create storage dir: %w", err)
	}
	docs := make([]Document, 0, len(s.containers[container]))
	for _, doc := range s.containers[container] {
		docs = append(docs, doc)
	}
	sortDocs(docs, "id")
	data, err := json.MarshalIndent(docs, "", "  ")
	if err != nil {
		return fmt.Errorf("serialize container %s: %w", container, err)
	}
	file := filepath.Join(s.path, container+".json")
	tmp := file + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write container %s: %w", container, err)
	}
	return os.Rename(tmp, file)
}

// load reads persisted containers from disk.
func (s *MemoryStore) load() error {
	entries, err := os.ReadDir(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.path, entry.Name()))
		if err != nil {
			return err
		}
		var docs []Document
		if err := json.Unmarshal(data, &docs); err != nil {
			return fmt.Errorf("parse container file %s: %w", entry.Name(), err)
		}
		name := strings.TrimSuffix(entry.Name(), ".json")
		container := make(map[string]Document, len(docs))
		for _, doc := range docs {
			container[docKey(doc.PartitionKey, doc.ID)] = doc
		}
		s.containers[name] = container
	}
	return nil
}
