package gotidb

import "github.com/pingcap/gotidb/embedding"

// IfExistsMode decides what CreateTable does when the table already exists.
type IfExistsMode string

const (
	// IfExistsRaise fails with ErrTableExists. This is the default.
	IfExistsRaise IfExistsMode = "raise"
	// IfExistsSkip reuses the existing table without touching it.
	IfExistsSkip IfExistsMode = "skip"
	// IfExistsOverwrite drops the existing table and recreates it.
	IfExistsOverwrite IfExistsMode = "overwrite"
)

// IsValid reports whether the mode is a known value.
func (m IfExistsMode) IsValid() bool {
	switch m {
	case IfExistsRaise, IfExistsSkip, IfExistsOverwrite:
		return true
	}
	return false
}

// TableOption configures table construction.
type TableOption interface {
	applyTable(*tableConfig)
}

type tableOptionFunc func(*tableConfig)

func (f tableOptionFunc) applyTable(c *tableConfig) { f(c) }

type tableConfig struct {
	embedders map[string]embedding.Function
	ifExists  IfExistsMode
}

func newTableConfig() *tableConfig {
	return &tableConfig{
		embedders: make(map[string]embedding.Function),
		ifExists:  IfExistsRaise,
	}
}

// WithEmbedding attaches an embedding function to a vector column. On
// writes the function embeds the column's source field; at search time it
// embeds the query text. A server-side function instead turns the column
// into a generated column the database computes itself.
func WithEmbedding(column string, fn embedding.Function) TableOption {
	return tableOptionFunc(func(c *tableConfig) {
		c.embedders[column] = fn
	})
}

// WithIfExists sets the CreateTable collision policy.
func WithIfExists(mode IfExistsMode) TableOption {
	return tableOptionFunc(func(c *tableConfig) {
		c.ifExists = mode
	})
}
