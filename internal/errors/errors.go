// Package errors defines the typed error kinds surfaced by the memory
// engine's core. Callers are expected to use errors.As to recover the
// concrete kind rather than match on message text.
package errors

import (
	"fmt"
	"time"
)

// NotFoundError indicates a memory or relation could not be located.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// InvalidInputError indicates a caller supplied a malformed request: a
// self-loop relation, out-of-range importance, empty content, or an
// unknown kind.
type InvalidInputError struct {
	Reason string
}

func (e *InvalidInputError) Error() string { return "invalid input: " + e.Reason }

// StoreError wraps a failure from the vector store adapter.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string { return fmt.Sprintf("vector store %s: %v", e.Op, e.Err) }
func (e *StoreError) Unwrap() error { return e.Err }

// RelationalErrorKind distinguishes the subtypes of RelationalError.
type RelationalErrorKind string

const (
	RelConnectionError  RelationalErrorKind = "connection_error"
	RelPoolExhausted    RelationalErrorKind = "pool_exhausted"
	RelQueryError       RelationalErrorKind = "query_error"
	RelTransactionError RelationalErrorKind = "transaction_error"
	RelMigrationError   RelationalErrorKind = "migration_error"
	RelRecordNotFound   RelationalErrorKind = "record_not_found"
)

// RelationalError wraps a failure from the relational store adapter.
type RelationalError struct {
	Kind    RelationalErrorKind
	Op      string
	Timeout time.Duration // populated for RelPoolExhausted
	Err     error
}

func (e *RelationalError) Error() string {
	if e.Kind == RelPoolExhausted {
		return fmt.Sprintf("relational store pool exhausted waiting %s for %s", e.Timeout, e.Op)
	}
	return fmt.Sprintf("relational store %s (%s): %v", e.Op, e.Kind, e.Err)
}
func (e *RelationalError) Unwrap() error { return e.Err }

// EmbedError indicates the embedder was unreachable or returned a
// malformed vector.
type EmbedError struct {
	Reason string
	Err    error
}

func (e *EmbedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("embed failed: %s: %v", e.Reason, e.Err)
	}
	return "embed failed: " + e.Reason
}
func (e *EmbedError) Unwrap() error { return e.Err }

// RateLimitedError indicates an external service's request cap was hit.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limit exceeded, retry after %.1fs", e.RetryAfter.Seconds())
}

// CircuitOpenError indicates an external service is considered down.
type CircuitOpenError struct {
	Service    string
	RetryAfter time.Duration
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit open for %s, retry after %.1fs", e.Service, e.RetryAfter.Seconds())
}

// DuplicateRelationError indicates (source, target, type) already exists.
type DuplicateRelationError struct {
	SourceID, TargetID, Type string
}

func (e *DuplicateRelationError) Error() string {
	return fmt.Sprintf("relation already exists: %s -%s-> %s", e.SourceID, e.Type, e.TargetID)
}

// ChunkInvariantViolationError indicates a memory's point set simultaneously
// contains both a non-chunk point at id and chunk points sharing parent_id.
// This must surface, never be silently normalized.
type ChunkInvariantViolationError struct {
	MemoryID string
}

func (e *ChunkInvariantViolationError) Error() string {
	return fmt.Sprintf("chunk invariant violated for memory %s: mixed chunk/non-chunk points", e.MemoryID)
}

// GraphUnavailableError indicates the relational backend required for graph
// operations is not configured; the engine still serves memory operations.
type GraphUnavailableError struct{}

func (e *GraphUnavailableError) Error() string {
	return "graph operations unavailable: no relational store configured"
}
