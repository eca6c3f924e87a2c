package gotidb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"reflect"
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/pingcap/gotidb/embedding"
	"github.com/pingcap/gotidb/internal/sqlgen"
)

// Table is a typed handle over one TiDB table. T is a struct whose
// gotidb-tagged fields map to columns; a pointer-to-struct type works too.
type Table[T any] struct {
	name      string
	client    *Client
	schema    *tableSchema
	embedders map[string]embedding.Function
}

// Name returns the table name.
func (t *Table[T]) Name() string { return t.name }

// newTable parses T's schema and binds embedding functions to their
// columns, backfilling vector dimensions from the model where the struct
// tag leaves them out.
func newTable[T any](client *Client, name string, opts []TableOption) (*Table[T], *tableConfig, error) {
	if client == nil {
		return nil, nil, fmt.Errorf("%w: nil client", ErrConfiguration)
	}
	if name == "" {
		return nil, nil, fmt.Errorf("%w: empty table name", ErrConfiguration)
	}
	cfg := newTableConfig()
	for _, o := range opts {
		o.applyTable(cfg)
	}
	schema, err := parseSchema[T]()
	if err != nil {
		return nil, nil, err
	}
	for _, colName := range sortedKeys(cfg.embedders) {
		fn := cfg.embedders[colName]
		col, ok := schema.byName[colName]
		if !ok {
			return nil, nil, fmt.Errorf("%w: embedding column %q does not exist", ErrConfiguration, colName)
		}
		if !col.vector {
			return nil, nil, fmt.Errorf("%w: embedding column %q is not a vector column", ErrConfiguration, colName)
		}
		if col.sourceField == "" {
			return nil, nil, fmt.Errorf("%w: vector column %q needs a source=<field> tag for auto embedding",
				ErrConfiguration, colName)
		}
		if d := fn.Dimensions(); d > 0 {
			if col.dim == 0 {
				col.dim = d
			} else if col.dim != d {
				return nil, nil, fmt.Errorf("%w: embedding model %q produces %d dimensions but column %q declares %d",
					ErrConfiguration, fn.Name(), d, colName, col.dim)
			}
		}
	}
	t := &Table[T]{
		name:      name,
		client:    client,
		schema:    schema,
		embedders: cfg.embedders,
	}
	return t, cfg, nil
}

// CreateTable creates the table mapped by T and returns a handle to it.
// WithIfExists controls what happens when the table is already there:
// fail (default), reuse it, or drop and recreate it.
func CreateTable[T any](ctx context.Context, client *Client, name string, opts ...TableOption) (*Table[T], error) {
	t, cfg, err := newTable[T](client, name, opts)
	if err != nil {
		return nil, err
	}
	if !cfg.ifExists.IsValid() {
		return nil, fmt.Errorf("%w: invalid if-exists mode %q, valid options: raise, overwrite, skip",
			ErrConfiguration, cfg.ifExists)
	}
	exists, err := client.HasTable(ctx, name)
	if err != nil {
		return nil, err
	}
	if exists {
		switch cfg.ifExists {
		case IfExistsSkip:
			return t, nil
		case IfExistsOverwrite:
			if err := client.DropTable(ctx, name); err != nil {
				return nil, err
			}
		default:
			return nil, fmt.Errorf("%w: %q", ErrTableExists, name)
		}
	}
	ddl, err := t.schema.createTableSQL(name, t.embedders)
	if err != nil {
		return nil, err
	}
	if _, err := client.exec.ExecContext(ctx, ddl); err != nil {
		return nil, fmt.Errorf("%w: create table %q: %w", ErrExecution, name, err)
	}
	client.logger.Info("created table", zap.String("table", name))
	return t, nil
}

// OpenTable binds T to an existing table, verifying that every mapped
// column exists and that vector dimensions agree with the database.
func OpenTable[T any](ctx context.Context, client *Client, name string, opts ...TableOption) (*Table[T], error) {
	t, _, err := newTable[T](client, name, opts)
	if err != nil {
		return nil, err
	}
	exists, err := client.HasTable(ctx, name)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("%w: %q", ErrTableNotFound, name)
	}
	if err := t.validateAgainstDatabase(ctx); err != nil {
		return nil, err
	}
	return t, nil
}

var vectorTypePattern = regexp.MustCompile(`^vector\((\d+)\)`)

// vectorTypeDim extracts the dimension from a vector(n) column type.
func vectorTypeDim(colType string) (int, bool) {
	m := vectorTypePattern.FindStringSubmatch(colType)
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return n, true
}

// validateAgainstDatabase compares the declared schema with
// information_schema for the bound table.
func (t *Table[T]) validateAgainstDatabase(ctx context.Context) error {
	rs, err := t.client.exec.QueryContext(ctx,
		"SELECT column_name, column_type FROM information_schema.columns WHERE table_schema = DATABASE() AND table_name = ?",
		t.name)
	if err != nil {
		return fmt.Errorf("%w: describe table %q: %w", ErrExecution, t.name, err)
	}
	defer rs.Close()

	types := make(map[string]string)
	for rs.Next() {
		var colName, colType string
		if err := rs.Scan(&colName, &colType); err != nil {
			return fmt.Errorf("%w: %w", ErrExecution, err)
		}
		types[strings.ToLower(colName)] = strings.ToLower(colType)
	}
	if err := rs.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrExecution, err)
	}

	for _, col := range t.schema.columns {
		colType, ok := types[strings.ToLower(col.name)]
		if !ok {
			return fmt.Errorf("%w: column %q is missing from table %q", ErrConfiguration, col.name, t.name)
		}
		if !col.vector || col.dim == 0 {
			continue
		}
		if dim, ok := vectorTypeDim(colType); ok && dim != col.dim {
			return &DimensionMismatchError{Column: col.name, Want: col.dim, Got: dim}
		}
	}
	return nil
}

// Insert writes one row, running auto embedding first. The returned row
// carries any database-assigned key.
func (t *Table[T]) Insert(ctx context.Context, row T) (T, error) {
	rows, err := t.BulkInsert(ctx, []T{row})
	if err != nil {
		var zero T
		return zero, err
	}
	return rows[0], nil
}

// BulkInsert writes rows in a single statement. Vector columns bound to
// an embedding function are filled from their source fields beforehand,
// one provider call per column. Auto-increment keys are filled on return.
func (t *Table[T]) BulkInsert(ctx context.Context, rows []T) ([]T, error) {
	if len(rows) == 0 {
		return nil, nil
	}
	out := make([]T, len(rows))
	copy(out, rows)

	vals := make([]reflect.Value, len(out))
	for i := range out {
		v, err := structValue(out, i)
		if err != nil {
			return nil, err
		}
		vals[i] = v
	}
	if err := t.autoEmbed(ctx, vals); err != nil {
		return nil, err
	}

	cols := t.insertColumns()
	if len(cols) == 0 {
		return nil, fmt.Errorf("%w: table %q has no insertable columns", ErrConfiguration, t.name)
	}
	names := make([]string, len(cols))
	qs := make([]string, len(cols))
	for i, c := range cols {
		names[i] = sqlgen.QuoteIdent(c.name)
		qs[i] = "?"
	}
	group := "(" + strings.Join(qs, ", ") + ")"
	groups := make([]string, len(out))
	args := make([]any, 0, len(out)*len(cols))
	for i, v := range vals {
		groups[i] = group
		for _, c := range cols {
			arg, err := c.encodeValue(v.Field(c.fieldIndex))
			if err != nil {
				return nil, err
			}
			args = append(args, arg)
		}
	}
	query := "INSERT INTO " + sqlgen.QuoteIdent(t.name) +
		" (" + strings.Join(names, ", ") + ") VALUES " + strings.Join(groups, ", ")
	res, err := t.client.exec.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: insert into %q: %w", ErrExecution, t.name, err)
	}
	t.fillAutoKeys(res, vals)
	return out, nil
}

// structValue resolves the addressable struct value behind one row,
// following a pointer entity type.
func structValue[T any](rows []T, i int) (reflect.Value, error) {
	v := reflect.ValueOf(&rows[i]).Elem()
	if v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return reflect.Value{}, fmt.Errorf("%w: nil row at index %d", ErrConfiguration, i)
		}
		v = v.Elem()
	}
	return v, nil
}

// insertColumns lists the columns a client-side INSERT provides, leaving
// out auto-increment keys and database-generated vector columns.
func (t *Table[T]) insertColumns() []*columnSpec {
	cols := make([]*columnSpec, 0, len(t.schema.columns))
	for _, c := range t.schema.columns {
		if c.auto {
			continue
		}
		if fn, ok := t.embedders[c.name]; ok && fn.ServerSide() {
			continue
		}
		cols = append(cols, c)
	}
	return cols
}

// autoEmbed fills vector columns from their source fields. Rows that
// already carry a vector keep it.
func (t *Table[T]) autoEmbed(ctx context.Context, vals []reflect.Value) error {
	for _, colName := range sortedKeys(t.embedders) {
		fn := t.embedders[colName]
		if fn.ServerSide() {
			continue
		}
		col := t.schema.byName[colName]
		src := t.schema.byName[col.sourceField]

		var missing []int
		var inputs []string
		for i, v := range vals {
			if v.Field(col.fieldIndex).Len() > 0 {
				continue
			}
			missing = append(missing, i)
			inputs = append(inputs, stringValue(v.Field(src.fieldIndex)))
		}
		if len(missing) == 0 {
			continue
		}
		vecs, err := fn.SourceEmbeddings(ctx, inputs, col.sourceType)
		if err != nil {
			return fmt.Errorf("embed column %q: %w", colName, err)
		}
		if len(vecs) != len(missing) {
			return fmt.Errorf("%w: embedding model %q returned %d vectors for %d inputs",
				ErrProvider, fn.Name(), len(vecs), len(missing))
		}
		for j, i := range missing {
			vals[i].Field(col.fieldIndex).Set(reflect.ValueOf(vecs[j]))
		}
	}
	return nil
}

// stringValue renders a source field for embedding.
func stringValue(v reflect.Value) string {
	if v.Kind() == reflect.String {
		return v.String()
	}
	return fmt.Sprint(v.Interface())
}

// fillAutoKeys writes database-assigned keys back into the inserted rows.
// Multi-row inserts allocate consecutive ids starting at LastInsertId.
func (t *Table[T]) fillAutoKeys(res sql.Result, vals []reflect.Value) {
	var auto *columnSpec
	for _, c := range t.schema.columns {
		if c.auto {
			auto = c
			break
		}
	}
	if auto == nil {
		return
	}
	first, err := res.LastInsertId()
	if err != nil || first == 0 {
		return
	}
	for i, v := range vals {
		f := v.Field(auto.fieldIndex)
		switch f.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			if f.Int() == 0 {
				f.SetInt(first + int64(i))
			}
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			if f.Uint() == 0 {
				f.SetUint(uint64(first) + uint64(i))
			}
		}
	}
}

// SelectOptions shape a Select scan. The zero value selects every row in
// storage order.
type SelectOptions struct {
	// Filter uses the same operator-map and raw-SQL forms as search.
	Filter any
	// Limit caps the row count; zero means no limit.
	Limit int
	// OrderBy lists column names; a "-" prefix sorts descending.
	OrderBy []string
}

// Select lists typed rows.
func (t *Table[T]) Select(ctx context.Context, opts *SelectOptions) ([]T, error) {
	if opts == nil {
		opts = &SelectOptions{}
	}
	stmt := &sqlgen.SelectStmt{
		Columns: t.allColumns(),
		Source:  sqlgen.From{Table: t.name},
		Limit:   opts.Limit,
	}
	filterExpr, err := compileFilter(t.schema, opts.Filter)
	if err != nil {
		return nil, err
	}
	if filterExpr != nil {
		stmt.Where = []sqlgen.Expr{filterExpr}
	}
	for _, spec := range opts.OrderBy {
		name, desc := strings.CutPrefix(spec, "-")
		if _, ok := t.schema.byName[name]; !ok {
			return nil, fmt.Errorf("%w: unknown order column %q", ErrConfiguration, name)
		}
		stmt.OrderBy = append(stmt.OrderBy, sqlgen.Order{Expr: sqlgen.Column{Name: name}, Desc: desc})
	}
	return t.queryEntities(ctx, stmt)
}

func (t *Table[T]) allColumns() []sqlgen.SelectColumn {
	cols := make([]sqlgen.SelectColumn, len(t.schema.columns))
	for i, c := range t.schema.columns {
		cols[i] = sqlgen.SelectColumn{Expr: sqlgen.Column{Name: c.name}}
	}
	return cols
}

func (t *Table[T]) queryEntities(ctx context.Context, stmt *sqlgen.SelectStmt) ([]T, error) {
	query, args, err := stmt.SQL()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfiguration, err)
	}
	rs, err := t.client.exec.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrExecution, err)
	}
	rows, err := scanSearchRows[T](t.schema, rs)
	if err != nil {
		return nil, err
	}
	out := make([]T, len(rows))
	for i, r := range rows {
		out[i] = r.entity
	}
	return out, nil
}

// Update rewrites the given column values on every row matching the
// filter. Updating the source field of a client-side embedded column
// refreshes its vector unless the vector is set explicitly.
func (t *Table[T]) Update(ctx context.Context, values map[string]any, filter any) (int64, error) {
	if len(values) == 0 {
		return 0, fmt.Errorf("%w: no values to update", ErrConfiguration)
	}
	assignments := make(map[string]any, len(values))
	for name, v := range values {
		col, ok := t.schema.byName[name]
		if !ok {
			return 0, fmt.Errorf("%w: unknown column %q", ErrConfiguration, name)
		}
		if fn, bound := t.embedders[name]; bound && fn.ServerSide() {
			return 0, fmt.Errorf("%w: column %q is generated by the database", ErrConfiguration, name)
		}
		enc, err := col.encodeAssignment(v)
		if err != nil {
			return 0, err
		}
		assignments[name] = enc
	}
	for _, colName := range sortedKeys(t.embedders) {
		fn := t.embedders[colName]
		if fn.ServerSide() {
			continue
		}
		if _, explicit := assignments[colName]; explicit {
			continue
		}
		col := t.schema.byName[colName]
		srcVal, touched := values[col.sourceField]
		if !touched {
			continue
		}
		s, ok := srcVal.(string)
		if !ok {
			s = fmt.Sprint(srcVal)
		}
		vec, err := fn.SourceEmbedding(ctx, s, col.sourceType)
		if err != nil {
			return 0, fmt.Errorf("embed column %q: %w", colName, err)
		}
		assignments[colName] = EncodeVector(vec)
	}

	setParts := make([]string, 0, len(assignments))
	args := make([]any, 0, len(assignments))
	for _, name := range sortedKeys(assignments) {
		setParts = append(setParts, sqlgen.QuoteIdent(name)+" = ?")
		args = append(args, assignments[name])
	}
	query := "UPDATE " + sqlgen.QuoteIdent(t.name) + " SET " + strings.Join(setParts, ", ")
	pred, predArgs, err := t.filterSQL(filter)
	if err != nil {
		return 0, err
	}
	if pred != "" {
		query += " WHERE " + pred
		args = append(args, predArgs...)
	}
	res, err := t.client.exec.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("%w: update %q: %w", ErrExecution, t.name, err)
	}
	return affected(res), nil
}

// Delete removes rows matching the filter. A nil filter deletes every row.
func (t *Table[T]) Delete(ctx context.Context, filter any) (int64, error) {
	query := "DELETE FROM " + sqlgen.QuoteIdent(t.name)
	pred, args, err := t.filterSQL(filter)
	if err != nil {
		return 0, err
	}
	if pred != "" {
		query += " WHERE " + pred
	}
	res, err := t.client.exec.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("%w: delete from %q: %w", ErrExecution, t.name, err)
	}
	return affected(res), nil
}

// Count returns the number of rows matching the filter. A nil filter
// counts the whole table.
func (t *Table[T]) Count(ctx context.Context, filter any) (int64, error) {
	query := "SELECT COUNT(*) FROM " + sqlgen.QuoteIdent(t.name)
	pred, args, err := t.filterSQL(filter)
	if err != nil {
		return 0, err
	}
	if pred != "" {
		query += " WHERE " + pred
	}
	return t.client.countQuery(ctx, query, args...)
}

// Exists reports whether any row matches the filter.
func (t *Table[T]) Exists(ctx context.Context, filter any) (bool, error) {
	n, err := t.Count(ctx, filter)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Truncate removes all rows and resets the auto-increment counter.
func (t *Table[T]) Truncate(ctx context.Context) error {
	return t.client.TruncateTable(ctx, t.name)
}

// CreateVectorIndex adds a standalone vector index over the column using
// its declared metric. TiDB provisions the columnar replica on demand.
func (t *Table[T]) CreateVectorIndex(ctx context.Context, column string) error {
	col, ok := t.schema.byName[column]
	if !ok {
		return fmt.Errorf("%w: vector column %q does not exist", ErrConfiguration, column)
	}
	if !col.vector {
		return fmt.Errorf("%w: column %q is not a vector column", ErrConfiguration, column)
	}
	if !col.metric.Indexable() {
		return fmt.Errorf("%w: distance metric %q does not support indexing", ErrConfiguration, col.metric)
	}
	fn, err := col.metric.distanceFunc(false)
	if err != nil {
		return err
	}
	stmt := fmt.Sprintf("CREATE VECTOR INDEX %s ON %s ((%s(%s))) ADD_COLUMNAR_REPLICA_ON_DEMAND",
		sqlgen.QuoteIdent("vec_idx_"+col.name), sqlgen.QuoteIdent(t.name), fn, sqlgen.QuoteIdent(col.name))
	if _, err := t.client.exec.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("%w: create vector index on %q: %w", ErrExecution, col.name, err)
	}
	t.client.logger.Info("created vector index",
		zap.String("table", t.name), zap.String("column", col.name))
	return nil
}

// CreateFulltextIndex adds a standalone full-text index over a string
// column.
func (t *Table[T]) CreateFulltextIndex(ctx context.Context, column string) error {
	col, ok := t.schema.byName[column]
	if !ok {
		return fmt.Errorf("%w: text column %q does not exist", ErrConfiguration, column)
	}
	if col.goType.Kind() != reflect.String {
		return fmt.Errorf("%w: column %q is not a string column", ErrConfiguration, column)
	}
	stmt := fmt.Sprintf("CREATE FULLTEXT INDEX %s ON %s (%s) WITH PARSER %s",
		sqlgen.QuoteIdent("fts_idx_"+col.name), sqlgen.QuoteIdent(t.name), sqlgen.QuoteIdent(col.name), col.ftsParser)
	if _, err := t.client.exec.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("%w: create fulltext index on %q: %w", ErrExecution, col.name, err)
	}
	t.client.logger.Info("created fulltext index",
		zap.String("table", t.name), zap.String("column", col.name))
	return nil
}

// Search starts a fluent query over this table. The text drives query
// embedding and full-text matching; it may be empty when a literal vector
// follows through Vector.
func (t *Table[T]) Search(query string) *SearchBuilder[T] {
	return newSearchBuilder(t).Text(query)
}

// SearchVector starts a vector query from a literal embedding.
func (t *Table[T]) SearchVector(vec []float32) *SearchBuilder[T] {
	return newSearchBuilder(t).Vector(vec)
}

// filterSQL compiles a filter into a bare predicate for UPDATE, DELETE,
// and COUNT statements.
func (t *Table[T]) filterSQL(filter any) (string, []any, error) {
	expr, err := compileFilter(t.schema, filter)
	if err != nil {
		return "", nil, err
	}
	if expr == nil {
		return "", nil, nil
	}
	return sqlgen.ExprSQL(expr)
}

// encodeAssignment converts an update value to its driver form.
func (c *columnSpec) encodeAssignment(v any) (any, error) {
	switch {
	case c.vector:
		switch vec := v.(type) {
		case nil:
			return nil, nil
		case []float32:
			if vec == nil {
				return nil, nil
			}
			return EncodeVector(vec), nil
		case string:
			return vec, nil
		}
		return nil, fmt.Errorf("%w: column %q expects a []float32 value", ErrConfiguration, c.name)
	case c.jsonCol:
		switch jv := v.(type) {
		case nil:
			return nil, nil
		case string:
			return jv, nil
		case []byte:
			return jv, nil
		case json.RawMessage:
			return []byte(jv), nil
		}
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("%w: encode column %q: %v", ErrConfiguration, c.name, err)
		}
		return data, nil
	}
	return v, nil
}

func affected(res sql.Result) int64 {
	n, err := res.RowsAffected()
	if err != nil {
		return 0
	}
	return n
}
