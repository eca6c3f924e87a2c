package gotidb

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/pingcap/gotidb/internal/metrics"
	"github.com/pingcap/gotidb/internal/sqlgen"
)

// candidatesAlias names the inner relation of a post-filtered vector query.
const candidatesAlias = "candidates"

func (b *SearchBuilder[T]) execute(ctx context.Context) ([]searchRow[T], error) {
	if b.err != nil {
		return nil, b.err
	}
	if b.limit <= 0 {
		return nil, fmt.Errorf("%w: limit is required for search, set it through Limit", ErrConfiguration)
	}

	start := time.Now()
	rows, err := b.run(ctx)
	if err != nil {
		metrics.SearchRequestsTotal.WithLabelValues(string(b.searchType), "error").Inc()
		return nil, err
	}
	metrics.SearchRequestsTotal.WithLabelValues(string(b.searchType), "success").Inc()
	metrics.SearchDuration.WithLabelValues(string(b.searchType)).Observe(time.Since(start).Seconds())
	return rows, nil
}

func (b *SearchBuilder[T]) run(ctx context.Context) ([]searchRow[T], error) {
	switch b.searchType {
	case SearchTypeVector:
		rows, err := b.vectorSearch(ctx)
		if err != nil {
			return nil, err
		}
		return b.maybeRerank(ctx, rows)
	case SearchTypeFulltext:
		rows, err := b.fulltextSearch(ctx)
		if err != nil {
			return nil, err
		}
		return b.maybeRerank(ctx, rows)
	case SearchTypeHybrid:
		return b.hybridSearch(ctx)
	default:
		return nil, fmt.Errorf("%w: invalid search type %q", ErrConfiguration, b.searchType)
	}
}

// vectorSearch ranks rows by distance between the query vector and the
// vector column. With filters in the default post-filter mode it ranks a
// candidate window first and filters outside the ANN scan; pre-filter mode
// filters first and ranks exactly within the remainder.
func (b *SearchBuilder[T]) vectorSearch(ctx context.Context) ([]searchRow[T], error) {
	schema := b.table.schema
	col, err := b.resolveVectorColumn()
	if err != nil {
		return nil, err
	}
	metric := col.metric
	if b.metric != "" {
		metric = b.metric
	}
	vec, serverSide, err := b.resolveQueryVector(ctx, col)
	if err != nil {
		return nil, err
	}
	fn, err := metric.distanceFunc(serverSide)
	if err != nil {
		return nil, err
	}

	var queryArg any
	if serverSide {
		queryArg = b.queryText
	} else {
		if col.dim > 0 && len(vec) != col.dim {
			return nil, fmt.Errorf("%w: query vector has %d dimensions, column %q expects %d",
				ErrConfiguration, len(vec), col.name, col.dim)
		}
		queryArg = EncodeVector(vec)
	}

	distExpr := sqlgen.Call{Name: fn, Args: []sqlgen.Expr{
		sqlgen.Column{Name: col.name},
		sqlgen.Value{V: queryArg},
	}}
	scoreExpr := sqlgen.Binary{Left: sqlgen.Raw{SQL: "1"}, Op: "-", Right: distExpr}

	filterExpr, err := compileFilter(schema, b.filter)
	if err != nil {
		return nil, err
	}

	if filterExpr == nil || b.prefilter {
		stmt := &sqlgen.SelectStmt{
			Columns: append(b.entityColumns(""),
				sqlgen.SelectColumn{Expr: distExpr, Alias: distanceLabel},
				sqlgen.SelectColumn{Expr: scoreExpr, Alias: scoreLabel},
			),
			Source:  sqlgen.From{Table: b.table.name},
			Having:  b.distanceConds(),
			OrderBy: []sqlgen.Order{{Expr: sqlgen.Column{Name: distanceLabel}}},
			Limit:   b.limit,
		}
		if filterExpr != nil {
			stmt.Where = []sqlgen.Expr{filterExpr}
		}
		return b.runQuery(ctx, stmt)
	}

	window := b.numCandidate
	if window <= 0 {
		window = b.limit * 10
	}
	inner := &sqlgen.SelectStmt{
		Columns: append(b.entityColumns(""),
			sqlgen.SelectColumn{Expr: distExpr, Alias: distanceLabel},
		),
		Source:  sqlgen.From{Table: b.table.name},
		Having:  b.distanceConds(),
		OrderBy: []sqlgen.Order{{Expr: sqlgen.Column{Name: distanceLabel}}},
		Limit:   window,
	}
	rebound, err := sqlgen.Rebind(filterExpr, sqlgen.Scope{
		Alias:   candidatesAlias,
		Columns: schema.scopeSet(),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfiguration, err)
	}
	// The outer query reads the distance the inner one already computed
	// instead of re-invoking the distance function per row.
	distCol := sqlgen.Column{Table: candidatesAlias, Name: distanceLabel}
	outer := &sqlgen.SelectStmt{
		Columns: append(b.entityColumns(candidatesAlias),
			sqlgen.SelectColumn{Expr: distCol, Alias: distanceLabel},
			sqlgen.SelectColumn{
				Expr:  sqlgen.Binary{Left: sqlgen.Raw{SQL: "1"}, Op: "-", Right: distCol},
				Alias: scoreLabel,
			},
		),
		Source:  sqlgen.From{Sub: inner, Alias: candidatesAlias},
		Where:   []sqlgen.Expr{rebound},
		OrderBy: []sqlgen.Order{{Expr: sqlgen.Column{Name: distanceLabel}}},
		Limit:   b.limit,
	}
	return b.runQuery(ctx, outer)
}

func (b *SearchBuilder[T]) resolveVectorColumn() (*columnSpec, error) {
	schema := b.table.schema
	if b.vectorColumn != "" {
		col, ok := schema.byName[b.vectorColumn]
		if !ok {
			return nil, fmt.Errorf("%w: vector column %q does not exist", ErrConfiguration, b.vectorColumn)
		}
		if !col.vector {
			return nil, fmt.Errorf("%w: column %q is not a vector column", ErrConfiguration, b.vectorColumn)
		}
		return col, nil
	}
	switch len(schema.vectorColumns) {
	case 1:
		return schema.vectorColumns[0], nil
	case 0:
		return nil, fmt.Errorf("%w: the table has no vector column to search", ErrConfiguration)
	default:
		return nil, fmt.Errorf("%w: the table has %d vector columns, pick one through VectorColumn",
			ErrConfiguration, len(schema.vectorColumns))
	}
}

// resolveQueryVector returns the query vector, or reports that the column
// embeds on the server and the raw text must be bound instead. A vector
// embedded here is cached on the builder, so re-running it reuses the
// embedding.
func (b *SearchBuilder[T]) resolveQueryVector(ctx context.Context, col *columnSpec) ([]float32, bool, error) {
	if b.queryVector != nil {
		return b.queryVector, false, nil
	}
	if b.queryText == "" {
		return nil, false, fmt.Errorf("%w: vector search needs a query text or a query vector", ErrConfiguration)
	}
	fn := b.table.embedders[col.name]
	if fn == nil {
		return nil, false, fmt.Errorf("%w: column %q has no embedding function, pass a query vector through Vector",
			ErrConfiguration, col.name)
	}
	if fn.ServerSide() {
		return nil, true, nil
	}
	vec, err := fn.QueryEmbedding(ctx, b.queryText, col.sourceType)
	if err != nil {
		return nil, false, fmt.Errorf("embed query: %w", err)
	}
	b.queryVector = vec
	return vec, false, nil
}

// distanceConds builds the HAVING terms of a vector query. The null guard
// drops rows whose vector column is NULL, where every distance function
// returns NULL.
func (b *SearchBuilder[T]) distanceConds() []sqlgen.Expr {
	dist := sqlgen.Column{Name: distanceLabel}
	conds := []sqlgen.Expr{sqlgen.NotNull{Operand: dist}}
	if b.distanceLower != nil && b.distanceUpper != nil {
		conds = append(conds,
			sqlgen.Binary{Left: dist, Op: ">=", Right: sqlgen.Value{V: *b.distanceLower}},
			sqlgen.Binary{Left: dist, Op: "<=", Right: sqlgen.Value{V: *b.distanceUpper}},
		)
	}
	if b.distanceThreshold != nil {
		conds = append(conds, sqlgen.Binary{Left: dist, Op: "<=", Right: sqlgen.Value{V: *b.distanceThreshold}})
	}
	return conds
}

func (b *SearchBuilder[T]) fulltextSearch(ctx context.Context) ([]searchRow[T], error) {
	col, err := b.resolveTextColumn()
	if err != nil {
		return nil, err
	}
	if b.queryText == "" {
		return nil, fmt.Errorf("%w: fulltext search needs a query text", ErrConfiguration)
	}

	matchExpr := sqlgen.Call{Name: "FTS_MATCH_WORD", Args: []sqlgen.Expr{
		sqlgen.Value{V: b.queryText},
		sqlgen.Column{Name: col.name},
	}}
	filterExpr, err := compileFilter(b.table.schema, b.filter)
	if err != nil {
		return nil, err
	}

	where := []sqlgen.Expr{matchExpr}
	if filterExpr != nil {
		where = append(where, filterExpr)
	}
	stmt := &sqlgen.SelectStmt{
		Columns: append(b.entityColumns(""),
			sqlgen.SelectColumn{Expr: matchExpr, Alias: matchScoreLabel},
			sqlgen.SelectColumn{Expr: matchExpr, Alias: scoreLabel},
		),
		Source:  sqlgen.From{Table: b.table.name},
		Where:   where,
		OrderBy: []sqlgen.Order{{Expr: sqlgen.Column{Name: matchScoreLabel}, Desc: true}},
		Limit:   b.limit,
	}
	return b.runQuery(ctx, stmt)
}

func (b *SearchBuilder[T]) resolveTextColumn() (*columnSpec, error) {
	schema := b.table.schema
	if b.textColumn != "" {
		col, ok := schema.byName[b.textColumn]
		if !ok {
			return nil, fmt.Errorf("%w: text column %q does not exist", ErrConfiguration, b.textColumn)
		}
		if !col.fulltext {
			return nil, fmt.Errorf("%w: column %q has no fulltext index", ErrConfiguration, b.textColumn)
		}
		return col, nil
	}
	switch len(schema.textColumns) {
	case 1:
		return schema.textColumns[0], nil
	case 0:
		return nil, fmt.Errorf("%w: the table has no fulltext-indexed column to search", ErrConfiguration)
	default:
		return nil, fmt.Errorf("%w: the table has %d fulltext-indexed columns, pick one through TextColumn",
			ErrConfiguration, len(schema.textColumns))
	}
}

// hybridSearch runs the vector and fulltext sides sequentially with the
// same per-side limit, fuses the merged rows, optionally reranks, and cuts
// the final list to the limit.
func (b *SearchBuilder[T]) hybridSearch(ctx context.Context) ([]searchRow[T], error) {
	vsRows, err := b.vectorSearch(ctx)
	if err != nil {
		return nil, err
	}
	ftsRows, err := b.fulltextSearch(ctx)
	if err != nil {
		return nil, err
	}

	var fused []searchRow[T]
	switch b.fusion {
	case fusionWeighted:
		fused = fuseWeighted(vsRows, ftsRows, b.vsWeight, b.ftsWeight)
	default:
		fused = fuseRRF(vsRows, ftsRows, b.rrfK)
	}

	if b.rr != nil {
		fused, err = b.rerankRows(ctx, fused)
		if err != nil {
			return nil, err
		}
	}
	if len(fused) > b.limit {
		fused = fused[:b.limit]
	}
	return fused, nil
}

func (b *SearchBuilder[T]) maybeRerank(ctx context.Context, rows []searchRow[T]) ([]searchRow[T], error) {
	if b.rr == nil {
		return rows, nil
	}
	return b.rerankRows(ctx, rows)
}

// rerankRows rescores rows with the configured reranker and returns them
// in relevance order, the relevance score replacing the retrieval score.
func (b *SearchBuilder[T]) rerankRows(ctx context.Context, rows []searchRow[T]) ([]searchRow[T], error) {
	if len(rows) == 0 {
		return rows, nil
	}
	if b.queryText == "" {
		return nil, fmt.Errorf("%w: reranking needs a query text", ErrConfiguration)
	}
	col, err := b.resolveRerankField()
	if err != nil {
		return nil, err
	}

	docs := make([]string, len(rows))
	for i, r := range rows {
		v := reflect.ValueOf(r.entity)
		if v.Kind() == reflect.Pointer {
			v = v.Elem()
		}
		field := v.Field(col.fieldIndex).Interface()
		s, ok := field.(string)
		if !ok {
			s = fmt.Sprint(field)
		}
		docs[i] = s
	}

	results, err := b.rr.Rerank(ctx, b.queryText, docs, b.limit)
	if err != nil {
		return nil, err
	}
	out := make([]searchRow[T], 0, len(results))
	for _, res := range results {
		if res.Index < 0 || res.Index >= len(rows) {
			return nil, fmt.Errorf("%w: rerank result index %d out of range", ErrProvider, res.Index)
		}
		row := rows[res.Index]
		score := res.RelevanceScore
		row.score = &score
		out = append(out, row)
	}
	return out, nil
}

// resolveRerankField picks the text fed to the reranker: the explicit
// field, the vector column's source field, or the fulltext column.
func (b *SearchBuilder[T]) resolveRerankField() (*columnSpec, error) {
	schema := b.table.schema
	if b.rerankField != "" {
		col, ok := schema.byName[b.rerankField]
		if !ok {
			return nil, fmt.Errorf("%w: rerank field %q does not exist", ErrConfiguration, b.rerankField)
		}
		return col, nil
	}
	if b.searchType == SearchTypeVector || b.searchType == SearchTypeHybrid {
		if col, err := b.resolveVectorColumn(); err == nil && col.sourceField != "" {
			if src, ok := schema.byName[col.sourceField]; ok {
				return src, nil
			}
		}
	}
	if b.searchType == SearchTypeFulltext {
		if col, err := b.resolveTextColumn(); err == nil {
			return col, nil
		}
	}
	return nil, fmt.Errorf("%w: cannot infer the rerank field, set it through Rerank", ErrConfiguration)
}

// entityColumns projects every entity column, prepending the hidden TiDB
// row id when the table has no primary key so hybrid merging has a row
// identity to join on.
func (b *SearchBuilder[T]) entityColumns(table string) []sqlgen.SelectColumn {
	schema := b.table.schema
	cols := make([]sqlgen.SelectColumn, 0, len(schema.columns)+1)
	if len(schema.pkColumns) == 0 {
		cols = append(cols, sqlgen.SelectColumn{Expr: sqlgen.Column{Table: table, Name: rowIDLabel}})
	}
	for _, c := range schema.columns {
		cols = append(cols, sqlgen.SelectColumn{Expr: sqlgen.Column{Table: table, Name: c.name}})
	}
	return cols
}

func (b *SearchBuilder[T]) runQuery(ctx context.Context, stmt *sqlgen.SelectStmt) ([]searchRow[T], error) {
	if b.debug {
		b.table.client.logger.Info("compiled search query",
			zap.String("table", b.table.name),
			zap.String("sql", stmt.String()))
	}
	query, args, err := stmt.SQL()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfiguration, err)
	}
	rs, err := b.table.client.exec.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrExecution, err)
	}
	return scanSearchRows[T](b.table.schema, rs)
}

func scanSearchRows[T any](schema *tableSchema, rs rowSet) ([]searchRow[T], error) {
	defer rs.Close()

	cols, err := rs.Columns()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrExecution, err)
	}
	var out []searchRow[T]
	for rs.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rs.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrExecution, err)
		}
		row, err := buildSearchRow[T](schema, cols, vals)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	if err := rs.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrExecution, err)
	}
	return out, nil
}

func buildSearchRow[T any](schema *tableSchema, cols []string, vals []any) (searchRow[T], error) {
	var row searchRow[T]

	entityVal, err := schema.decodeRow(cols, vals)
	if err != nil {
		return row, err
	}
	rv := reflect.ValueOf(&row.entity).Elem()
	if rv.Kind() == reflect.Pointer {
		rv.Set(entityVal.Addr())
	} else {
		rv.Set(entityVal)
	}

	idx := make(map[string]int, len(cols))
	for i, name := range cols {
		idx[name] = i
	}
	if row.distance, err = scanLabel(idx, vals, distanceLabel); err != nil {
		return row, err
	}
	if row.matchScore, err = scanLabel(idx, vals, matchScoreLabel); err != nil {
		return row, err
	}
	if row.score, err = scanLabel(idx, vals, scoreLabel); err != nil {
		return row, err
	}
	row.key = rowKey(schema, idx, vals)
	return row, nil
}

func scanLabel(idx map[string]int, vals []any, label string) (*float64, error) {
	i, ok := idx[label]
	if !ok || vals[i] == nil {
		return nil, nil
	}
	f, err := rawFloat(vals[i])
	if err != nil {
		return nil, fmt.Errorf("column %q: %w", label, err)
	}
	return &f, nil
}

// rowKey identifies a row for hybrid merging: the primary key tuple, or
// the hidden TiDB row id for tables without one.
func rowKey(schema *tableSchema, idx map[string]int, vals []any) string {
	if len(schema.pkColumns) > 0 {
		parts := make([]string, 0, len(schema.pkColumns))
		for _, pk := range schema.pkColumns {
			if i, ok := idx[pk.name]; ok {
				parts = append(parts, keyPart(vals[i]))
			}
		}
		return strings.Join(parts, "\x1f")
	}
	if i, ok := idx[rowIDLabel]; ok {
		return keyPart(vals[i])
	}
	return ""
}

func keyPart(v any) string {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return fmt.Sprint(v)
}
