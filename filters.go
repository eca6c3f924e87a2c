package gotidb

import (
	"fmt"
	"reflect"
	"regexp"
	"sort"
	"strings"

	"github.com/pingcap/gotidb/internal/sqlgen"
)

// jsonFieldPattern matches dotted filter keys addressing a JSON sub-field,
// e.g. "meta.category".
var jsonFieldPattern = regexp.MustCompile(`^(\w+)\.(\w+)$`)

// compileFilter turns a declarative filter into a predicate tree bound to
// the table's base relation. Accepted forms: an operator map, a raw SQL
// string passed through verbatim, or nil for no predicate.
func compileFilter(schema *tableSchema, filter any) (sqlgen.Expr, error) {
	switch f := filter.(type) {
	case nil:
		return nil, nil
	case string:
		if strings.TrimSpace(f) == "" {
			return nil, nil
		}
		return sqlgen.Raw{SQL: f}, nil
	case map[string]any:
		return compileFilterMap(schema, f)
	default:
		return nil, fmt.Errorf("%w: unsupported filter type %T, use a map or a raw SQL string",
			ErrConfiguration, filter)
	}
}

// compileFilterMap compiles the operator-map grammar: $and/$or groups,
// column-to-scalar comparisons (implicit $eq), and column-to-operator-map
// entries. Sibling entries are ANDed.
func compileFilterMap(schema *tableSchema, filters map[string]any) (sqlgen.Expr, error) {
	var preds []sqlgen.Expr
	for _, key := range sortedKeys(filters) {
		value := filters[key]
		switch strings.ToLower(key) {
		case "$and":
			group, err := compileGroup(schema, key, value)
			if err != nil {
				return nil, err
			}
			if len(group) == 0 {
				continue
			}
			preds = append(preds, sqlgen.And{Exprs: group})
		case "$or":
			group, err := compileGroup(schema, key, value)
			if err != nil {
				return nil, err
			}
			if len(group) == 0 {
				continue
			}
			preds = append(preds, sqlgen.Or{Exprs: group})
		default:
			pred, err := compileColumnFilter(schema, key, value)
			if err != nil {
				return nil, err
			}
			preds = append(preds, pred)
		}
	}

	switch len(preds) {
	case 0:
		return nil, nil
	case 1:
		return preds[0], nil
	default:
		return sqlgen.And{Exprs: preds}, nil
	}
}

// compileGroup compiles the member list of a $and/$or key.
func compileGroup(schema *tableSchema, key string, value any) ([]sqlgen.Expr, error) {
	members, ok := filterList(value)
	if !ok {
		return nil, fmt.Errorf("%w: expect a list value for %s operator, got %T",
			ErrConfiguration, key, value)
	}

	var group []sqlgen.Expr
	for _, member := range members {
		m, ok := member.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: expect a map inside %s, got %T", ErrConfiguration, key, member)
		}
		pred, err := compileFilterMap(schema, m)
		if err != nil {
			return nil, err
		}
		if pred == nil {
			continue
		}
		group = append(group, pred)
	}
	return group, nil
}

// compileColumnFilter compiles one column entry: a scalar (implicit $eq) or
// an operator map whose entries are ANDed.
func compileColumnFilter(schema *tableSchema, key string, value any) (sqlgen.Expr, error) {
	col, err := filterColumn(schema, key)
	if err != nil {
		return nil, err
	}

	ops, ok := value.(map[string]any)
	if !ok {
		return sqlgen.Binary{Left: col, Op: "=", Right: sqlgen.Value{V: value}}, nil
	}

	var preds []sqlgen.Expr
	for _, op := range sortedKeys(ops) {
		pred, err := compileOperator(col, op, ops[op])
		if err != nil {
			return nil, err
		}
		preds = append(preds, pred)
	}
	if len(preds) == 1 {
		return preds[0], nil
	}
	return sqlgen.And{Exprs: preds}, nil
}

// filterColumn resolves a filter key to a column reference. Dotted keys
// address a JSON column's sub-field via JSON_EXTRACT.
func filterColumn(schema *tableSchema, key string) (sqlgen.Expr, error) {
	if m := jsonFieldPattern.FindStringSubmatch(key); m != nil {
		if _, err := schema.column(m[1]); err != nil {
			return nil, err
		}
		return sqlgen.Call{Name: "JSON_EXTRACT", Args: []sqlgen.Expr{
			sqlgen.Column{Name: m[1]},
			sqlgen.Value{V: "$." + m[2]},
		}}, nil
	}
	if _, err := schema.column(key); err != nil {
		return nil, err
	}
	return sqlgen.Column{Name: key}, nil
}

func compileOperator(col sqlgen.Expr, op string, operand any) (sqlgen.Expr, error) {
	switch strings.ToLower(op) {
	case "$in":
		values, err := operandList(op, operand)
		if err != nil {
			return nil, err
		}
		return sqlgen.In{Col: col, Values: values}, nil
	case "$nin":
		values, err := operandList(op, operand)
		if err != nil {
			return nil, err
		}
		return sqlgen.In{Col: col, Negate: true, Values: values}, nil
	case "$gt":
		return sqlgen.Binary{Left: col, Op: ">", Right: sqlgen.Value{V: operand}}, nil
	case "$gte":
		return sqlgen.Binary{Left: col, Op: ">=", Right: sqlgen.Value{V: operand}}, nil
	case "$lt":
		return sqlgen.Binary{Left: col, Op: "<", Right: sqlgen.Value{V: operand}}, nil
	case "$lte":
		return sqlgen.Binary{Left: col, Op: "<=", Right: sqlgen.Value{V: operand}}, nil
	case "$eq":
		return sqlgen.Binary{Left: col, Op: "=", Right: sqlgen.Value{V: operand}}, nil
	case "$ne":
		return sqlgen.Binary{Left: col, Op: "!=", Right: sqlgen.Value{V: operand}}, nil
	default:
		return nil, fmt.Errorf("%w: unknown filter operator %q, valid options: $in, $nin, $gt, $gte, $lt, $lte, $eq, $ne",
			ErrConfiguration, op)
	}
}

// operandList converts a $in/$nin operand into value nodes. Anything but a
// slice is a configuration error.
func operandList(op string, operand any) ([]sqlgen.Expr, error) {
	rv := reflect.ValueOf(operand)
	if operand == nil || (rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array) {
		return nil, fmt.Errorf("%w: expect a list value for %s operator, got %T",
			ErrConfiguration, op, operand)
	}
	values := make([]sqlgen.Expr, rv.Len())
	for i := range values {
		values[i] = sqlgen.Value{V: rv.Index(i).Interface()}
	}
	return values, nil
}

// filterList normalizes a $and/$or member list; supports []any and typed
// map slices.
func filterList(value any) ([]any, bool) {
	switch v := value.(type) {
	case []any:
		return v, true
	case []map[string]any:
		out := make([]any, len(v))
		for i, m := range v {
			out[i] = m
		}
		return out, true
	default:
		return nil, false
	}
}

// sortedKeys gives map iteration a stable order so compiled SQL is
// deterministic for identical inputs.
func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
