package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vextir/lightning"
)

func testLogger() lightning.Logger {
	return lightning.DefaultLogger(100)
}

func newStore(t *testing.T) *MemoryStore {
	t.Helper()
	s, err := NewMemoryStore("", testLogger())
	require.NoError(t, err)
	return s
}

func TestCreateAndGet(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	created, err := s.Create(ctx, "tasks", Document{
		ID:           "t1",
		PartitionKey: "alice",
		Attributes:   map[string]any{"title": "write report"},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), created.Version)

	got, err := s.Get(ctx, "tasks", "t1", "alice")
	require.NoError(t, err)
	assert.Equal(t, "write report", got.Attributes["title"])

	// Lookup without a partition key scans all partitions.
	got, err = s.Get(ctx, "tasks", "t1", "")
	require.NoError(t, err)
	assert.Equal(t, "t1", got.ID)
}

func TestCreateRejectsDuplicateAndEmptyID(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	_, err := s.Create(ctx, "tasks", Document{ID: "t1", PartitionKey: "alice"})
	require.NoError(t, err)

	_, err = s.Create(ctx, "tasks", Document{ID: "t1", PartitionKey: "alice"})
	require.ErrorIs(t, err, lightning.ErrConflict)
	require.ErrorIs(t, err, ErrDocumentExists)

	_, err = s.Create(ctx, "tasks", Document{PartitionKey: "alice"})
	require.ErrorIs(t, err, lightning.ErrInvalidInput)
}

func TestGetMissing(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	_, err := s.Get(ctx, "nowhere", "t1", "")
	require.ErrorIs(t, err, lightning.ErrNotFound)
	require.ErrorIs(t, err, ErrContainerNotFound)

	require.NoError(t, s.CreateContainerIfNotExists(ctx, "tasks"))
	_, err = s.Get(ctx, "tasks", "t1", "")
	require.ErrorIs(t, err, lightning.ErrNotFound)
	require.ErrorIs(t, err, ErrDocumentNotFound)
}

func TestUpdateOptimisticConcurrency(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	created, err := s.Create(ctx, "tasks", Document{ID: "t1", PartitionKey: "alice", Attributes: map[string]any{"state": "open"}})
	require.NoError(t, err)

	// A matching version wins and bumps.
	updated, err := s.Update(ctx, "tasks", Document{ID: "t1", PartitionKey: "alice", Version: created.Version, Attributes: map[string]any{"state": "done"}})
	require.NoError(t, err)
	assert.Equal(t, int64(2), updated.Version)

	// A stale version loses.
	_, err = s.Update(ctx, "tasks", Document{ID: "t1", PartitionKey: "alice", Version: created.Version, Attributes: map[string]any{"state": "reopened"}})
	require.ErrorIs(t, err, lightning.ErrConflict)
	require.ErrorIs(t, err, ErrVersionMismatch)

	// Version zero means last-writer-wins.
	forced, err := s.Update(ctx, "tasks", Document{ID: "t1", PartitionKey: "alice", Attributes: map[string]any{"state": "archived"}})
	require.NoError(t, err)
	assert.Equal(t, int64(3), forced.Version)

	_, err = s.Update(ctx, "tasks", Document{ID: "missing", PartitionKey: "alice"})
	require.ErrorIs(t, err, lightning.ErrNotFound)
}

func TestDeleteIsIdempotent(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	_, err := s.Create(ctx, "tasks", Document{ID: "t1", PartitionKey: "alice"})
	require.NoError(t, err)

	require.NoError(t, s.Delete(ctx, "tasks", "t1", "alice"))
	require.NoError(t, s.Delete(ctx, "tasks", "t1", "alice"))
	require.NoError(t, s.Delete(ctx, "nowhere", "t1", ""))

	_, err = s.Get(ctx, "tasks", "t1", "alice")
	require.ErrorIs(t, err, lightning.ErrNotFound)
}

func TestQueryPredicates(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	seed := []Document{
		{ID: "t1", PartitionKey: "alice", Attributes: map[string]any{"state": "open", "title": "alpha"}},
		{ID: "t2", PartitionKey: "alice", Attributes: map[string]any{"state": "done", "title": "beta"}},
		{ID: "t3", PartitionKey: "bob", Attributes: map[string]any{"state": "open", "title": "alpine"}},
	}
	for _, doc := range seed {
		_, err := s.Create(ctx, "tasks", doc)
		require.NoError(t, err)
	}

	open, err := s.Query(ctx, "tasks", Query{Equals: map[string]any{"state": "open"}})
	require.NoError(t, err)
	assert.Len(t, open, 2)

	aliceOpen, err := s.Query(ctx, "tasks", Query{PartitionKey: "alice", Equals: map[string]any{"state": "open"}})
	require.NoError(t, err)
	require.Len(t, aliceOpen, 1)
	assert.Equal(t, "t1", aliceOpen[0].ID)

	alp, err := s.Query(ctx, "tasks", Query{Prefix: map[string]string{"title": "alp"}})
	require.NoError(t, err)
	assert.Len(t, alp, 2)

	ordered, err := s.Query(ctx, "tasks", Query{OrderBy: "title"})
	require.NoError(t, err)
	require.Len(t, ordered, 3)
	assert.Equal(t, "alpha", ordered[0].Attributes["title"])
	assert.Equal(t, "beta", ordered[2].Attributes["title"])

	limited, err := s.Query(ctx, "tasks", Query{OrderBy: "id", Limit: 2})
	require.NoError(t, err)
	require.Len(t, limited, 2)
	assert.Equal(t, "t1", limited[0].ID)
}

func TestQueryNumericEquality(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	// Attributes that round-trip through JSON come back as float64.
	_, err := s.Create(ctx, "tasks", Document{ID: "t1", PartitionKey: "alice", Attributes: map[string]any{"priority": float64(3)}})
	require.NoError(t, err)

	docs, err := s.Query(ctx, "tasks", Query{Equals: map[string]any{"priority": 3}})
	require.NoError(t, err)
	assert.Len(t, docs, 1)
}

func TestDocumentsAreIsolatedFromCallers(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	_, err := s.Create(ctx, "tasks", Document{ID: "t1", PartitionKey: "alice", Attributes: map[string]any{"state": "open"}})
	require.NoError(t, err)

	got, err := s.Get(ctx, "tasks", "t1", "alice")
	require.NoError(t, err)
	got.Attributes["state"] = "mutated"

	again, err := s.Get(ctx, "tasks", "t1", "alice")
	require.NoError(t, err)
	assert.Equal(t, "open", again.Attributes["state"])
}

func TestDurabilityAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := NewMemoryStore(dir, testLogger())
	require.NoError(t, err)
	_, err = s.Create(ctx, "tasks", Document{ID: "t1", PartitionKey: "alice", Attributes: map[string]any{"title": "persisted"}})
	require.NoError(t, err)
	require.NoError(t, s.Close(ctx))

	reopened, err := NewMemoryStore(dir, testLogger())
	require.NoError(t, err)
	got, err := reopened.Get(ctx, "tasks", "t1", "alice")
	require.NoError(t, err)
	assert.Equal(t, "persisted", got.Attributes["title"])
	assert.Equal(t, int64(1), got.Version)
}

func TestHealthCheckReportsCounts(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	_, err := s.Create(ctx, "tasks", Document{ID: "t1", PartitionKey: "alice"})
	require.NoError(t, err)

	result := s.HealthCheck(ctx)
	assert.Equal(t, lightning.HealthStatusHealthy, result.Status)
	assert.Equal(t, 1, result.Details["containers"])
	assert.Equal(t, 1, result.Details["documents"])
}
