package gotidb

import (
	"fmt"

	"github.com/pingcap/gotidb/internal/domain"
)

// Sentinel errors returned across the SDK. Wrapped errors preserve them, so
// callers branch with errors.Is.
var (
	// ErrConfiguration signals a misconfigured query, schema, or client,
	// detectable without touching the database or a provider.
	ErrConfiguration = domain.ErrConfiguration
	// ErrProvider signals an embedding or reranking provider failure.
	// Provider errors are surfaced as-is; no retry happens in this layer.
	ErrProvider = domain.ErrProvider
	// ErrExecution signals a failed database round trip.
	ErrExecution = domain.ErrExecution

	// ErrTableExists signals a duplicate table on create.
	ErrTableExists = domain.ErrTableExists
	// ErrTableNotFound signals a missing table.
	ErrTableNotFound = domain.ErrTableNotFound
)

// DimensionMismatchError wraps ErrConfiguration with the declared and actual
// vector dimensions of a column.
type DimensionMismatchError struct {
	Column string
	Want   int
	Got    int
}

func (e *DimensionMismatchError) Error() string {
	return fmt.Sprintf("%s: vector column %q declares %d dimensions but the table has %d",
		ErrConfiguration.Error(), e.Column, e.Want, e.Got)
}

func (e *DimensionMismatchError) Unwrap() error { return ErrConfiguration }
