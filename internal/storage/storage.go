// Package storage defines the transactional gateway over the local store that
// the sync core writes through, plus its SQL and in-memory implementations.
// The gateway is keyed by collection name; column knowledge comes from the
// schema registry, so the same implementation serves every collection.
package storage

import (
	"context"
	"fmt"

	"acctsync/internal/schema"
)

// Filter matches records by field equality. All entries must match.
type Filter map[string]any

// Query describes one read against a collection.
type Query struct {
	// Filter entries are ANDed equality conditions.
	Filter Filter

	// Not entries are negated conditions. A slice value negates membership
	// (NOT IN), a scalar negates equality. Rows whose field is unset (NULL)
	// pass the negation on every backend.
	Not Filter

	// Gte/Lte add inclusive range bounds on numeric fields.
	Gte map[string]int64
	Lte map[string]int64

	// Sort orders the result. Empty means storage order.
	Sort []schema.SortOrder

	// Projection restricts the returned fields. Empty means all model fields.
	Projection []string

	// Distinct collapses duplicate projected rows.
	Distinct bool

	// Limit bounds the result size. Zero means no limit.
	Limit int

	// GroupBy returns one row per group. Projected fields outside the group
	// key are aggregated with MIN, which is what the public-collections
	// configuration lookup needs (earliest start per symbol/timeframe).
	GroupBy []string
}

// InsertOpts controls single-record insert behavior.
type InsertOpts struct {
	// ReplaceIfExists replaces the row matching the collection's natural key
	// instead of inserting a duplicate.
	ReplaceIfExists bool
}

// Gateway is the storage interface the sync core depends on. Implementations
// must make InsertBatchIfNotExists atomic per call: one page of records is
// one transaction.
type Gateway interface {
	// GetElem returns the first record matching the filter under the given
	// sort, or nil when none matches.
	GetElem(ctx context.Context, coll string, filter Filter, sort []schema.SortOrder) (schema.Record, error)

	// GetElems returns all records matching the query.
	GetElems(ctx context.Context, coll string, q Query) ([]schema.Record, error)

	// Insert writes one record.
	Insert(ctx context.Context, coll string, rec schema.Record, opts InsertOpts) error

	// InsertBatchIfNotExists writes the records that do not already exist by
	// the given natural key, atomically.
	InsertBatchIfNotExists(ctx context.Context, coll string, keyFields []string, recs []schema.Record) error

	// Update patches all records matching the filter and returns the affected
	// row count. Zero affected rows is reported as an *UpdateRecordError.
	Update(ctx context.Context, coll string, filter Filter, patch schema.Record) (int64, error)

	// Remove deletes records matching the filter. A filter carrying an empty
	// list value is reported as a *RemoveElemsError.
	Remove(ctx context.Context, coll string, filter Filter) error

	// InTx runs fn against a gateway whose writes commit or roll back as one
	// unit. A nil fn is reported as a *SQLCorrectnessError.
	InTx(ctx context.Context, fn func(tx Gateway) error) error

	// Initialize prepares the backing store (tables, indexes). Idempotent.
	Initialize(ctx context.Context) error

	// Close releases the backing store.
	Close() error

	// HealthCheck verifies the store is reachable.
	HealthCheck(ctx context.Context) error
}

// StorageError wraps a failed storage operation with its context.
type StorageError struct {
	Op   string
	Coll string
	Err  error
}

func (e *StorageError) Error() string {
	if e.Coll != "" {
		return fmt.Sprintf("storage %s on %s: %v", e.Op, e.Coll, e.Err)
	}
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// SQLCorrectnessError reports a malformed request to the storage layer, such
// as an empty transaction body or a query against an unknown collection.
type SQLCorrectnessError struct {
	Reason string
}

func (e *SQLCorrectnessError) Error() string {
	return fmt.Sprintf("malformed storage request: %s", e.Reason)
}

// UpdateRecordError reports a mutating call that affected zero rows when at
// least one was expected.
type UpdateRecordError struct {
	Coll string
}

func (e *UpdateRecordError) Error() string {
	return fmt.Sprintf("update on %s affected no rows", e.Coll)
}

// RemoveElemsError reports a remove call with a malformed list filter.
type RemoveElemsError struct {
	Coll  string
	Field string
}

func (e *RemoveElemsError) Error() string {
	return fmt.Sprintf("remove on %s: empty list filter for %s", e.Coll, e.Field)
}
