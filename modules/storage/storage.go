// Package storage provides key-addressable document storage with
// partitioning, container management and simple equality/prefix queries.
// The memory engine is the reference implementation; external document
// stores mount behind the same Store interface.
package storage

import (
	"context"

	"github.com/vextir/lightning"
)

// Document is the unit of storage: an id, a partition key, a schemaless
// attribute map and an optional version for optimistic concurrency.
type Document struct {
	ID           string         `json:"id"`
	PartitionKey string         `json:"partitionKey,omitempty"`
	Attributes   map[string]any `json:"attributes,omitempty"`

	// Version increments on every update. A non-zero version on an
	// Update call must match the stored version or the call fails with
	// ErrConflict.
	Version int64 `json:"version,omitempty"`
}

// Clone returns a copy with its own attribute map.
func (d Document) Clone() Document {
	out := d
	if d.Attributes != nil {
		out.Attributes = make(map[string]any, len(d.Attributes))
		for k, v := range d.Attributes {
			out.Attributes[k] = v
		}
	}
	return out
}

// Query selects documents inside a container. All predicates are ANDed.
type Query struct {
	// PartitionKey restricts the scan to one partition; empty scans all.
	PartitionKey string

	// Equals matches attribute values exactly, compared by fmt.Sprint
	// equality so JSON numeric re-typing does not break predicates.
	Equals map[string]any

	// Prefix matches string attribute values by prefix.
	Prefix map[string]string

	// OrderBy names an attribute to sort by, ascending. "id" sorts by
	// document id. Empty preserves scan order.
	OrderBy string

	// Limit caps the result count; zero means unlimited.
	Limit int
}

// Store is the document storage contract. Implementations must be safe for
// concurrent use and read-your-write consistent within one process.
type Store interface {
	// CreateContainerIfNotExists ensures a container (namespace) exists.
	// Idempotent.
	CreateContainerIfNotExists(ctx context.Context, name string) error

	// Get fetches a document by id. partitionKey narrows the lookup and
	// may be empty. Missing documents fail with ErrNotFound.
	Get(ctx context.Context, container, id, partitionKey string) (Document, error)

	// Create inserts a new document. An existing id fails with
	// ErrConflict.
	Create(ctx context.Context, container string, doc Document) (Document, error)

	// Update replaces a document. A non-zero doc.Version must match the
	// stored version or the call fails with ErrConflict. Missing
	// documents fail with ErrNotFound.
	Update(ctx context.Context, container string, doc Document) (Document, error)

	// Delete removes a document. Deleting a missing document is not an
	// error.
	Delete(ctx context.Context, container, id, partitionKey string) error

	// Query returns documents matching the query predicates.
	Query(ctx context.Context, container string, q Query) ([]Document, error)

	// HealthCheck probes the store.
	HealthCheck(ctx context.Context) lightning.HealthCheckResult

	// Close releases provider resources, flushing any pending durability
	// writes.
	Close(ctx context.Context) error
}
