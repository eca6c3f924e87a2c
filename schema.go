package gotidb

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/pingcap/gotidb/embedding"
	"github.com/pingcap/gotidb/internal/sqlgen"
)

const tagKey = "gotidb"

// columnSpec describes one mapped table column.
type columnSpec struct {
	name       string
	fieldIndex int
	goType     reflect.Type

	pk   bool
	auto bool

	// Vector column properties.
	vector      bool
	dim         int
	metric      DistanceMetric
	skipIndex   bool
	sourceField string
	sourceType  embedding.SourceType

	// Full-text column properties.
	fulltext  bool
	ftsParser string

	text    bool // TEXT storage for a plain string column
	jsonCol bool
	prec    int // VARCHAR length override
}

// tableSchema holds parsed struct tag metadata, cached per Table.
type tableSchema struct {
	typ     reflect.Type
	columns []*columnSpec
	byName  map[string]*columnSpec

	pkColumns     []*columnSpec
	vectorColumns []*columnSpec
	textColumns   []*columnSpec // full-text indexed
}

// parseSchema reflects on T and extracts gotidb struct tag metadata.
func parseSchema[T any]() (*tableSchema, error) {
	var zero T
	t := reflect.TypeOf(zero)
	if t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t == nil || t.Kind() != reflect.Struct {
		return nil, fmt.Errorf("%w: type %v is not a struct", ErrConfiguration, t)
	}

	schema := &tableSchema{
		typ:    t,
		byName: make(map[string]*columnSpec),
	}

	for i := range t.NumField() {
		f := t.Field(i)
		tag := f.Tag.Get(tagKey)
		if tag == "" || tag == "-" {
			continue
		}
		col, err := parseColumnTag(i, f, tag)
		if err != nil {
			return nil, err
		}
		if _, dup := schema.byName[col.name]; dup {
			return nil, fmt.Errorf("%w: duplicate column name %q on field %s",
				ErrConfiguration, col.name, f.Name)
		}
		schema.columns = append(schema.columns, col)
		schema.byName[col.name] = col
		if col.pk {
			schema.pkColumns = append(schema.pkColumns, col)
		}
		if col.vector {
			schema.vectorColumns = append(schema.vectorColumns, col)
		}
		if col.fulltext {
			schema.textColumns = append(schema.textColumns, col)
		}
	}

	return validateSchema(schema, t)
}

// parseColumnTag processes a single struct field's gotidb tag. The tag is a
// column name followed by comma-separated modifiers, e.g.
// `gotidb:"embedding,vector,dim=768,source=text"`.
func parseColumnTag(idx int, f reflect.StructField, tag string) (*columnSpec, error) {
	parts := strings.Split(tag, ",")
	col := &columnSpec{
		name:       parts[0],
		fieldIndex: idx,
		goType:     f.Type,
		metric:     DistanceCosine,
		sourceType: embedding.SourceTypeText,
		ftsParser:  "MULTILINGUAL",
	}
	if col.name == "" {
		return nil, fmt.Errorf("%w: empty column name on field %s", ErrConfiguration, f.Name)
	}
	if strings.HasPrefix(col.name, "_") {
		return nil, fmt.Errorf("%w: column name %q on field %s collides with reserved result labels",
			ErrConfiguration, col.name, f.Name)
	}

	for _, mod := range parts[1:] {
		key, val, hasVal := strings.Cut(mod, "=")
		switch key {
		case "pk":
			col.pk = true
		case "auto":
			col.auto = true
		case "text":
			col.text = true
		case "json":
			col.jsonCol = true
		case "vector":
			col.vector = true
		case "fulltext":
			col.fulltext = true
			if hasVal && val != "" {
				col.ftsParser = strings.ToUpper(val)
			}
		case "dim":
			n, err := strconv.Atoi(val)
			if err != nil || n <= 0 {
				return nil, fmt.Errorf("%w: invalid dim %q on field %s", ErrConfiguration, val, f.Name)
			}
			col.dim = n
		case "source":
			col.sourceField = val
		case "source_type":
			st := embedding.SourceType(val)
			if !st.IsValid() {
				return nil, fmt.Errorf("%w: invalid source_type %q on field %s, valid options: text, image",
					ErrConfiguration, val, f.Name)
			}
			col.sourceType = st
		case "metric":
			m, err := parseDistanceMetric(val)
			if err != nil {
				return nil, err
			}
			col.metric = m
		case "index":
			switch val {
			case "none":
				col.skipIndex = true
			case "hnsw":
				// The only index algorithm TiDB offers; declaring it is a no-op.
			default:
				return nil, fmt.Errorf("%w: invalid index modifier %q on field %s", ErrConfiguration, val, f.Name)
			}
		case "prec":
			n, err := strconv.Atoi(val)
			if err != nil || n <= 0 {
				return nil, fmt.Errorf("%w: invalid prec %q on field %s", ErrConfiguration, val, f.Name)
			}
			col.prec = n
		default:
			return nil, fmt.Errorf("%w: unknown modifier %q on field %s", ErrConfiguration, key, f.Name)
		}
	}

	// A []float32 field is a vector column even without the modifier.
	if !col.vector && f.Type == reflect.TypeOf([]float32(nil)) {
		col.vector = true
	}
	return col, nil
}

func validateSchema(schema *tableSchema, t reflect.Type) (*tableSchema, error) {
	if len(schema.columns) == 0 {
		return nil, fmt.Errorf("%w: no gotidb-tagged fields in %s", ErrConfiguration, t)
	}
	for _, col := range schema.columns {
		f := t.Field(col.fieldIndex)
		if col.auto && !col.pk {
			return nil, fmt.Errorf("%w: auto modifier requires pk on field %s", ErrConfiguration, f.Name)
		}
		if col.vector && col.goType != reflect.TypeOf([]float32(nil)) {
			return nil, fmt.Errorf("%w: vector column %q must be a []float32 field", ErrConfiguration, col.name)
		}
		if col.fulltext && col.goType.Kind() != reflect.String {
			return nil, fmt.Errorf("%w: fulltext column %q must be a string field", ErrConfiguration, col.name)
		}
		if col.vector && col.sourceField != "" {
			if _, ok := schema.byName[col.sourceField]; !ok {
				return nil, fmt.Errorf("%w: vector column %q references unknown source column %q",
					ErrConfiguration, col.name, col.sourceField)
			}
		}
	}
	return schema, nil
}

// column returns the columnSpec for a column name, or a configuration
// error carrying the valid names.
func (s *tableSchema) column(name string) (*columnSpec, error) {
	col, ok := s.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: unexpected filter key %q, use a valid column name",
			ErrConfiguration, name)
	}
	return col, nil
}

// columnNames returns the ordered SQL column names.
func (s *tableSchema) columnNames() []string {
	names := make([]string, len(s.columns))
	for i, c := range s.columns {
		names[i] = c.name
	}
	return names
}

// scopeSet returns the column-name set for subquery rebinding.
func (s *tableSchema) scopeSet() map[string]struct{} {
	set := make(map[string]struct{}, len(s.columns))
	for _, c := range s.columns {
		set[c.name] = struct{}{}
	}
	return set
}

// sqlType renders the column's DDL type.
func (c *columnSpec) sqlType() (string, error) {
	if c.vector {
		if c.dim <= 0 {
			return "", fmt.Errorf("%w: vector column %q has no dimensions, set dim=<n> or register an embedding function",
				ErrConfiguration, c.name)
		}
		return fmt.Sprintf("VECTOR(%d)", c.dim), nil
	}
	if c.jsonCol {
		return "JSON", nil
	}

	switch c.goType.Kind() {
	case reflect.String:
		if c.text || c.fulltext {
			return "TEXT", nil
		}
		if c.prec > 0 {
			return fmt.Sprintf("VARCHAR(%d)", c.prec), nil
		}
		return "VARCHAR(255)", nil
	case reflect.Int, reflect.Int64:
		return "BIGINT", nil
	case reflect.Int8:
		return "TINYINT", nil
	case reflect.Int16:
		return "SMALLINT", nil
	case reflect.Int32:
		return "INT", nil
	case reflect.Uint, reflect.Uint64:
		return "BIGINT UNSIGNED", nil
	case reflect.Uint32:
		return "INT UNSIGNED", nil
	case reflect.Float32:
		return "FLOAT", nil
	case reflect.Float64:
		return "DOUBLE", nil
	case reflect.Bool:
		return "BOOL", nil
	default:
		if c.goType == reflect.TypeOf(time.Time{}) {
			return "DATETIME(6)", nil
		}
		if c.goType == reflect.TypeOf([]byte(nil)) {
			return "BLOB", nil
		}
		if c.goType == reflect.TypeOf(json.RawMessage(nil)) {
			return "JSON", nil
		}
		return "", fmt.Errorf("%w: unsupported Go type %s for column %q",
			ErrConfiguration, c.goType, c.name)
	}
}

// createTableSQL renders the CREATE TABLE statement, including the primary
// key clause, vector indexes, and full-text indexes. Server-side embedded
// columns render as STORED generated columns over EMBED_TEXT.
func (s *tableSchema) createTableSQL(table string, embedders map[string]embedding.Function) (string, error) {
	var defs []string
	for _, col := range s.columns {
		typ, err := col.sqlType()
		if err != nil {
			return "", err
		}
		def := sqlgen.QuoteIdent(col.name) + " " + typ
		if col.auto {
			def += " AUTO_INCREMENT"
		}
		if fn, ok := embedders[col.name]; ok && fn.ServerSide() {
			expr, err := embedTextExpr(fn.Name(), col.sourceField)
			if err != nil {
				return "", err
			}
			def += " GENERATED ALWAYS AS (" + expr + ") STORED"
		}
		defs = append(defs, def)
	}

	if len(s.pkColumns) > 0 {
		quoted := make([]string, len(s.pkColumns))
		for i, col := range s.pkColumns {
			quoted[i] = sqlgen.QuoteIdent(col.name)
		}
		defs = append(defs, "PRIMARY KEY ("+strings.Join(quoted, ", ")+")")
	}

	for _, col := range s.vectorColumns {
		if col.skipIndex || !col.metric.Indexable() {
			continue
		}
		fn, err := col.metric.distanceFunc(false)
		if err != nil {
			return "", err
		}
		defs = append(defs, fmt.Sprintf("VECTOR INDEX %s ((%s(%s)))",
			sqlgen.QuoteIdent("vec_idx_"+col.name), fn, sqlgen.QuoteIdent(col.name)))
	}
	for _, col := range s.textColumns {
		if col.skipIndex {
			continue
		}
		defs = append(defs, fmt.Sprintf("FULLTEXT INDEX %s (%s) WITH PARSER %s",
			sqlgen.QuoteIdent("fts_idx_"+col.name), sqlgen.QuoteIdent(col.name), col.ftsParser))
	}

	return "CREATE TABLE " + sqlgen.QuoteIdent(table) + " (\n  " +
		strings.Join(defs, ",\n  ") + "\n)", nil
}

// embedTextExpr renders the server-side embedding expression for a
// generated column. Jina models need task hints split between write time
// and search time.
func embedTextExpr(model, sourceField string) (string, error) {
	if sourceField == "" {
		return "", fmt.Errorf("%w: server-side embedding requires a source column", ErrConfiguration)
	}
	extra := map[string]string{}
	if provider, _, ok := strings.Cut(model, "/"); ok && provider == "jina_ai" {
		extra = map[string]string{
			"task":        "retrieval.passage",
			"task@search": "retrieval.query",
		}
	}
	extraJSON, err := json.Marshal(extra)
	if err != nil {
		return "", fmt.Errorf("marshal embed extra: %w", err)
	}
	return fmt.Sprintf("EMBED_TEXT('%s', %s, '%s')",
		model, sqlgen.QuoteIdent(sourceField), string(extraJSON)), nil
}

// encodeValue converts a struct field value into a driver-ready value.
func (c *columnSpec) encodeValue(v reflect.Value) (any, error) {
	if c.vector {
		vec, ok := v.Interface().([]float32)
		if !ok {
			return nil, fmt.Errorf("%w: column %q is not a vector field", ErrConfiguration, c.name)
		}
		if vec == nil {
			return nil, nil
		}
		return EncodeVector(vec), nil
	}
	if c.jsonCol && c.goType != reflect.TypeOf(json.RawMessage(nil)) {
		raw, err := json.Marshal(v.Interface())
		if err != nil {
			return nil, fmt.Errorf("marshal json column %q: %w", c.name, err)
		}
		return raw, nil
	}
	return v.Interface(), nil
}

// decodeValue assigns a scanned database value to the matching struct field.
func (c *columnSpec) decodeValue(field reflect.Value, raw any) error {
	if raw == nil {
		field.SetZero()
		return nil
	}

	if c.vector {
		str, err := rawString(raw)
		if err != nil {
			return fmt.Errorf("column %q: %w", c.name, err)
		}
		vec, err := ParseVector(str)
		if err != nil {
			return fmt.Errorf("column %q: %w", c.name, err)
		}
		field.Set(reflect.ValueOf(vec))
		return nil
	}
	if c.jsonCol {
		str, err := rawString(raw)
		if err != nil {
			return fmt.Errorf("column %q: %w", c.name, err)
		}
		if c.goType == reflect.TypeOf(json.RawMessage(nil)) {
			field.Set(reflect.ValueOf(json.RawMessage(str)))
			return nil
		}
		target := reflect.New(c.goType)
		if err := json.Unmarshal([]byte(str), target.Interface()); err != nil {
			return fmt.Errorf("unmarshal json column %q: %w", c.name, err)
		}
		field.Set(target.Elem())
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		str, err := rawString(raw)
		if err != nil {
			return fmt.Errorf("column %q: %w", c.name, err)
		}
		field.SetString(str)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := rawInt(raw)
		if err != nil {
			return fmt.Errorf("column %q: %w", c.name, err)
		}
		field.SetInt(n)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, err := rawInt(raw)
		if err != nil {
			return fmt.Errorf("column %q: %w", c.name, err)
		}
		field.SetUint(uint64(n))
	case reflect.Float32, reflect.Float64:
		f, err := rawFloat(raw)
		if err != nil {
			return fmt.Errorf("column %q: %w", c.name, err)
		}
		field.SetFloat(f)
	case reflect.Bool:
		n, err := rawInt(raw)
		if err != nil {
			return fmt.Errorf("column %q: %w", c.name, err)
		}
		field.SetBool(n != 0)
	default:
		if c.goType == reflect.TypeOf(time.Time{}) {
			ts, ok := raw.(time.Time)
			if !ok {
				return fmt.Errorf("column %q: unexpected time value %T", c.name, raw)
			}
			field.Set(reflect.ValueOf(ts))
			return nil
		}
		if c.goType == reflect.TypeOf([]byte(nil)) {
			str, err := rawString(raw)
			if err != nil {
				return fmt.Errorf("column %q: %w", c.name, err)
			}
			field.SetBytes([]byte(str))
			return nil
		}
		return fmt.Errorf("column %q: cannot decode into %s", c.name, c.goType)
	}
	return nil
}

// decodeRow builds a typed struct from named row values. Missing columns
// stay zero; extra columns (computed labels) are ignored here.
func (s *tableSchema) decodeRow(columns []string, values []any) (reflect.Value, error) {
	v := reflect.New(s.typ).Elem()
	for i, name := range columns {
		col, ok := s.byName[name]
		if !ok {
			continue
		}
		if err := col.decodeValue(v.Field(col.fieldIndex), values[i]); err != nil {
			return reflect.Value{}, err
		}
	}
	return v, nil
}

func rawString(raw any) (string, error) {
	switch t := raw.(type) {
	case string:
		return t, nil
	case []byte:
		return string(t), nil
	default:
		return "", fmt.Errorf("unexpected string value %T", raw)
	}
}

func rawInt(raw any) (int64, error) {
	switch t := raw.(type) {
	case int64:
		return t, nil
	case int:
		return int64(t), nil
	case uint64:
		return int64(t), nil
	case []byte:
		return strconv.ParseInt(string(t), 10, 64)
	case string:
		return strconv.ParseInt(t, 10, 64)
	default:
		return 0, fmt.Errorf("unexpected integer value %T", raw)
	}
}

func rawFloat(raw any) (float64, error) {
	switch t := raw.(type) {
	case float64:
		return t, nil
	case float32:
		return float64(t), nil
	case int64:
		return float64(t), nil
	case []byte:
		return strconv.ParseFloat(string(t), 64)
	case string:
		return strconv.ParseFloat(t, 64)
	default:
		return 0, fmt.Errorf("unexpected float value %T", raw)
	}
}
