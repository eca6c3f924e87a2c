// Package domain holds the error taxonomy shared by the SDK surface and
// the provider packages.
package domain

import "errors"

var (
	// ErrConfiguration signals a misconfigured query, schema, or client,
	// detectable without touching the database or a provider.
	ErrConfiguration = errors.New("invalid configuration")
	// ErrProvider signals an embedding or reranking provider failure.
	// Provider errors surface as-is; no retry happens in this layer.
	ErrProvider = errors.New("provider request failed")
	// ErrExecution signals a failed database round trip.
	ErrExecution = errors.New("query execution failed")

	// ErrTableExists signals a duplicate table on create.
	ErrTableExists = errors.New("table already exists")
	// ErrTableNotFound signals a missing table.
	ErrTableNotFound = errors.New("table not found")
)
