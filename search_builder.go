package gotidb

import (
	"context"
	"fmt"

	"github.com/pingcap/gotidb/reranker"
)

// SearchBuilder stages one search request against a table. Configuration
// methods are pure setters returning the builder; nothing touches the
// database or a provider until a terminal materializer runs. A builder is
// not safe for concurrent use, but abandoning one has no side effects.
type SearchBuilder[T any] struct {
	table *Table[T]

	searchType SearchType

	queryText   string
	queryVector []float32

	vectorColumn string
	textColumn   string

	metric            DistanceMetric
	distanceThreshold *float64
	distanceLower     *float64
	distanceUpper     *float64

	limit        int
	numCandidate int
	filter       any
	prefilter    bool

	fusion    fusionMethod
	rrfK      int
	vsWeight  float64
	ftsWeight float64

	rr          reranker.Reranker
	rerankField string

	debug bool

	// First configuration error; surfaced when the terminal call runs.
	err error
}

func newSearchBuilder[T any](table *Table[T]) *SearchBuilder[T] {
	return &SearchBuilder[T]{
		table:      table,
		searchType: SearchTypeVector,
		fusion:     fusionRRF,
		rrfK:       defaultRRFK,
		vsWeight:   0.5,
		ftsWeight:  0.5,
	}
}

func (b *SearchBuilder[T]) stage(err error) *SearchBuilder[T] {
	if b.err == nil {
		b.err = err
	}
	return b
}

// SearchType switches between vector, fulltext, and hybrid search. The
// default is vector.
func (b *SearchBuilder[T]) SearchType(st SearchType) *SearchBuilder[T] {
	if !st.IsValid() {
		return b.stage(fmt.Errorf("%w: invalid search type %q, valid options: vector, fulltext, hybrid",
			ErrConfiguration, st))
	}
	b.searchType = st
	return b
}

// Text sets the query text. Vector search embeds it through the vector
// column's embedding function; fulltext search matches it directly.
func (b *SearchBuilder[T]) Text(query string) *SearchBuilder[T] {
	b.queryText = query
	return b
}

// Vector sets a literal query vector, bypassing query embedding.
func (b *SearchBuilder[T]) Vector(vec []float32) *SearchBuilder[T] {
	b.queryVector = vec
	return b
}

// VectorColumn picks the vector column to search. Required only when the
// table has more than one.
func (b *SearchBuilder[T]) VectorColumn(name string) *SearchBuilder[T] {
	b.vectorColumn = name
	return b
}

// TextColumn picks the full-text column to search. Required only when the
// table has more than one indexed text column.
func (b *SearchBuilder[T]) TextColumn(name string) *SearchBuilder[T] {
	b.textColumn = name
	return b
}

// DistanceMetric overrides the metric for this query. The default comes
// from the vector column's declaration.
func (b *SearchBuilder[T]) DistanceMetric(m DistanceMetric) *SearchBuilder[T] {
	parsed, err := parseDistanceMetric(string(m))
	if err != nil {
		return b.stage(err)
	}
	b.metric = parsed
	return b
}

// DistanceThreshold keeps only rows with distance <= d.
func (b *SearchBuilder[T]) DistanceThreshold(d float64) *SearchBuilder[T] {
	b.distanceThreshold = &d
	return b
}

// DistanceRange keeps only rows with lower <= distance <= upper.
func (b *SearchBuilder[T]) DistanceRange(lower, upper float64) *SearchBuilder[T] {
	b.distanceLower = &lower
	b.distanceUpper = &upper
	return b
}

// NumCandidate sets the ANN candidate window for post-filtered vector
// search. The default is limit * 10; it bounds cost, not recall.
func (b *SearchBuilder[T]) NumCandidate(n int) *SearchBuilder[T] {
	b.numCandidate = n
	return b
}

// Filter restricts hits. Accepts an operator map (implicit $eq scalars,
// $in/$nin/$gt/$gte/$lt/$lte/$eq/$ne, $and/$or groups, dotted JSON keys)
// or a raw SQL predicate string.
func (b *SearchBuilder[T]) Filter(filter any) *SearchBuilder[T] {
	b.filter = filter
	return b
}

// Prefilter applies filters before ANN ranking: exact top-K among the
// filtered rows at a higher cost. The default is post-filtering a bounded
// candidate window.
func (b *SearchBuilder[T]) Prefilter() *SearchBuilder[T] {
	b.prefilter = true
	return b
}

// Limit caps the number of results. Required before the terminal call.
func (b *SearchBuilder[T]) Limit(n int) *SearchBuilder[T] {
	b.limit = n
	return b
}

// FusionRRF fuses hybrid results with Reciprocal Rank Fusion. k <= 0
// keeps the default of 60.
func (b *SearchBuilder[T]) FusionRRF(k int) *SearchBuilder[T] {
	b.fusion = fusionRRF
	if k > 0 {
		b.rrfK = k
	}
	return b
}

// FusionWeighted fuses hybrid results with a weighted combination of
// vector similarity and scaled match score.
func (b *SearchBuilder[T]) FusionWeighted(vsWeight, ftsWeight float64) *SearchBuilder[T] {
	b.fusion = fusionWeighted
	b.vsWeight = vsWeight
	b.ftsWeight = ftsWeight
	return b
}

// Rerank rescores the selected rows with a cross-encoder and reorders
// them by relevance. The rerank field defaults to the vector column's
// source field, or the full-text column for fulltext search.
func (b *SearchBuilder[T]) Rerank(r reranker.Reranker, rerankField ...string) *SearchBuilder[T] {
	b.rr = r
	if len(rerankField) > 0 {
		b.rerankField = rerankField[0]
	}
	return b
}

// Debug logs the fully literal compiled SQL of each sub-query. Results
// are unaffected.
func (b *SearchBuilder[T]) Debug() *SearchBuilder[T] {
	b.debug = true
	return b
}

// ToResults executes the search and returns typed hits with scores.
func (b *SearchBuilder[T]) ToResults(ctx context.Context) ([]SearchResult[T], error) {
	rows, err := b.execute(ctx)
	if err != nil {
		return nil, err
	}
	return shapeResults(rows), nil
}

// ToList executes the search and returns dict-shaped rows: entity columns
// flattened, computed scores under their label keys.
func (b *SearchBuilder[T]) ToList(ctx context.Context) ([]map[string]any, error) {
	rows, err := b.execute(ctx)
	if err != nil {
		return nil, err
	}
	return shapeList(b.table.schema, rows)
}

// ToRows executes the search and returns raw column-aligned rows.
func (b *SearchBuilder[T]) ToRows(ctx context.Context) ([]Row, error) {
	rows, err := b.execute(ctx)
	if err != nil {
		return nil, err
	}
	return shapeRows(b.table.schema, rows)
}

// ToFrame executes the search and returns one tabular frame.
func (b *SearchBuilder[T]) ToFrame(ctx context.Context) (*Frame, error) {
	rows, err := b.execute(ctx)
	if err != nil {
		return nil, err
	}
	return shapeFrame(b.table.schema, rows)
}
