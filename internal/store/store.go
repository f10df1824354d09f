package store

import (
	"context"
	"errors"
)

// Common errors returned by store implementations.
var (
	// ErrUnsupportedQuery signals that the backend cannot execute the
	// requested query formulation, for example a composite filter plus
	// sort that would require a missing index. Callers are expected to
	// retry with a less demanding formulation.
	ErrUnsupportedQuery = errors.New("store: unsupported query")

	// ErrNotFound signals that the targeted document does not exist.
	ErrNotFound = errors.New("store: document not found")
)

// Document is a schemaless record as stored by the backing document store.
type Document map[string]interface{}

// Snapshot is a single document together with its store-assigned identifier.
type Snapshot struct {
	ID   string
	Data Document
}

// serverTimestamp is the sentinel type for server-assigned timestamps.
type serverTimestamp struct{}

// ServerTimestamp marks a document field whose value must be assigned by
// the store at write time rather than taken from the client clock.
var ServerTimestamp = serverTimestamp{}

// Op enumerates the supported filter operators.
type Op string

const (
	OpEqual         Op = "=="
	OpIn            Op = "in"
	OpArrayContains Op = "array-contains"
)

// Filter restricts a query to documents matching a field condition.
type Filter struct {
	Field string
	Op    Op
	Value interface{}
}

// Sort orders query results by a single field.
type Sort struct {
	Field      string
	Descending bool
}

// Query describes a read against one collection. A nil Sort means the
// store's natural insertion-recency order. Limit <= 0 means no limit.
type Query struct {
	Collection string
	Filters    []Filter
	Sort       *Sort
	Limit      int
}

// UpdateOp enumerates merge-update operations.
type UpdateOp string

const (
	// UpdateSet overwrites the field with the supplied value.
	UpdateSet UpdateOp = "set"
	// UpdateArrayUnion appends the supplied values to an array field,
	// skipping values already present. The operation is idempotent.
	UpdateArrayUnion UpdateOp = "array-union"
)

// Update describes a single field mutation within a merge update.
type Update struct {
	Field string
	Op    UpdateOp
	Value interface{}
}

// Set builds an overwrite update for a field.
func Set(field string, value interface{}) Update {
	return Update{Field: field, Op: UpdateSet, Value: value}
}

// ArrayUnion builds an idempotent add-if-absent update for an array field.
func ArrayUnion(field string, values ...string) Update {
	return Update{Field: field, Op: UpdateArrayUnion, Value: values}
}

// Unsubscribe tears down a live subscription. It is safe to call more than
// once. After it returns no further callbacks are invoked.
type Unsubscribe func()

// Store is the contract the notification engine consumes from the backing
// document store. Implementations must assign identifiers on Insert,
// resolve ServerTimestamp sentinels server-side, and honor set semantics
// for UpdateArrayUnion.
type Store interface {
	// Insert creates a single document and returns its assigned id.
	Insert(ctx context.Context, collection string, doc Document) (string, error)

	// Query executes a one-shot read. It returns ErrUnsupportedQuery when
	// the formulation cannot be served.
	Query(ctx context.Context, q Query) ([]Snapshot, error)

	// Subscribe establishes a live stream delivering the full result set
	// of q as a snapshot batch on every relevant change, starting with the
	// current state. Setup failures are returned synchronously; later
	// failures are reported through onError, after which the stream is
	// dead and must be re-established by the caller. Batches for a single
	// subscription are delivered sequentially, never concurrently.
	Subscribe(q Query, onBatch func([]Snapshot), onError func(error)) (Unsubscribe, error)

	// MergeUpdate applies field updates to one document, leaving all other
	// fields intact. Returns ErrNotFound when the document is missing.
	MergeUpdate(ctx context.Context, collection, id string, updates []Update) error
}
