package gotidb

import (
	"fmt"
	"reflect"
)

// searchRow is one raw hit flowing between query execution, fusion, and
// result shaping. The key identifies the row across sub-queries: the
// primary-key tuple, or the hidden row id for tables without one.
type searchRow[T any] struct {
	entity     T
	key        string
	distance   *float64
	matchScore *float64
	score      *float64
}

// SearchResult is one typed search hit with its computed scores.
type SearchResult[T any] struct {
	Hit T
	// Distance is the vector distance to the query (vector and hybrid).
	Distance *float64
	// MatchScore is the full-text relevance (fulltext and hybrid).
	MatchScore *float64
	// Score is the unified ranking score: 1-distance for vector search,
	// the match score for fulltext, the fused or reranked score for hybrid.
	Score *float64
}

// SimilarityScore returns Score, or 0 when no score was computed.
func (r SearchResult[T]) SimilarityScore() float64 {
	if r.Score == nil {
		return 0
	}
	return *r.Score
}

// Row is one raw search hit: column names aligned with values.
type Row struct {
	Columns []string
	Values  []any
}

// Get returns the value of a named column, reporting whether the column
// exists in this row.
func (r Row) Get(name string) (any, bool) {
	for i, c := range r.Columns {
		if c == name {
			return r.Values[i], true
		}
	}
	return nil, false
}

// Frame is a tabular view of a result set. All rows share the frame's
// column order.
type Frame struct {
	Columns []string
	Rows    [][]any
}

// resultColumns returns the output column order for a result set: entity
// columns first, then whichever computed labels the rows carry.
func resultColumns[T any](schema *tableSchema, rows []searchRow[T]) []string {
	cols := schema.columnNames()
	var hasDistance, hasMatch, hasScore bool
	for _, r := range rows {
		hasDistance = hasDistance || r.distance != nil
		hasMatch = hasMatch || r.matchScore != nil
		hasScore = hasScore || r.score != nil
	}
	if hasDistance {
		cols = append(cols, distanceLabel)
	}
	if hasMatch {
		cols = append(cols, matchScoreLabel)
	}
	if hasScore {
		cols = append(cols, scoreLabel)
	}
	return cols
}

// shapeResults converts raw rows into the typed result shape.
func shapeResults[T any](rows []searchRow[T]) []SearchResult[T] {
	out := make([]SearchResult[T], len(rows))
	for i, r := range rows {
		out[i] = SearchResult[T]{
			Hit:        r.entity,
			Distance:   r.distance,
			MatchScore: r.matchScore,
			Score:      r.score,
		}
	}
	return out
}

// shapeList converts raw rows into the dict-row shape: entity columns
// flattened, computed labels keyed by their SQL aliases.
func shapeList[T any](schema *tableSchema, rows []searchRow[T]) ([]map[string]any, error) {
	out := make([]map[string]any, len(rows))
	for i, r := range rows {
		m, err := entityMap(schema, r.entity)
		if err != nil {
			return nil, err
		}
		if r.distance != nil {
			m[distanceLabel] = *r.distance
		}
		if r.matchScore != nil {
			m[matchScoreLabel] = *r.matchScore
		}
		if r.score != nil {
			m[scoreLabel] = *r.score
		}
		out[i] = m
	}
	return out, nil
}

// shapeRows converts raw rows into the raw row shape.
func shapeRows[T any](schema *tableSchema, rows []searchRow[T]) ([]Row, error) {
	cols := resultColumns(schema, rows)
	out := make([]Row, len(rows))
	for i, r := range rows {
		vals, err := rowValues(schema, cols, r)
		if err != nil {
			return nil, err
		}
		out[i] = Row{Columns: cols, Values: vals}
	}
	return out, nil
}

// shapeFrame converts raw rows into the tabular shape.
func shapeFrame[T any](schema *tableSchema, rows []searchRow[T]) (*Frame, error) {
	cols := resultColumns(schema, rows)
	frame := &Frame{Columns: cols, Rows: make([][]any, len(rows))}
	for i, r := range rows {
		vals, err := rowValues(schema, cols, r)
		if err != nil {
			return nil, err
		}
		frame.Rows[i] = vals
	}
	return frame, nil
}

func rowValues[T any](schema *tableSchema, cols []string, r searchRow[T]) ([]any, error) {
	m, err := entityMap(schema, r.entity)
	if err != nil {
		return nil, err
	}
	if r.distance != nil {
		m[distanceLabel] = *r.distance
	}
	if r.matchScore != nil {
		m[matchScoreLabel] = *r.matchScore
	}
	if r.score != nil {
		m[scoreLabel] = *r.score
	}
	vals := make([]any, len(cols))
	for i, c := range cols {
		vals[i] = m[c] // absent labels stay nil
	}
	return vals, nil
}

// entityMap flattens a typed entity into column-name keyed values.
func entityMap[T any](schema *tableSchema, entity T) (map[string]any, error) {
	v := reflect.ValueOf(entity)
	if v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return nil, fmt.Errorf("%w: nil entity", ErrConfiguration)
		}
		v = v.Elem()
	}
	m := make(map[string]any, len(schema.columns))
	for _, col := range schema.columns {
		m[col.name] = v.Field(col.fieldIndex).Interface()
	}
	return m, nil
}
