// Package sqlgen builds the small SQL surface the SDK needs: predicate
// expression trees, single-relation SELECT statements with an optional
// subquery source, and two renderers (placeholder form for execution,
// literal form for logging).
package sqlgen

import "fmt"

// Expr is a node in a SQL expression tree.
type Expr interface {
	isExpr()
}

// Column references a column, optionally qualified by a relation alias.
type Column struct {
	Table string
	Name  string
}

// Value is a bound literal. Rendered as a placeholder in exec mode and as
// an escaped literal in debug mode.
type Value struct {
	V any
}

// Raw is a verbatim SQL fragment. It carries no bound args and is passed
// through rebinding unchanged.
type Raw struct {
	SQL string
}

// Call is a SQL function invocation, e.g. VEC_COSINE_DISTANCE(col, ?).
type Call struct {
	Name string
	Args []Expr
}

// Binary is a binary comparison or arithmetic node: left <op> right.
type Binary struct {
	Left  Expr
	Op    string
	Right Expr
}

// In is a membership test; Negate renders NOT IN. An empty Values list
// matches zero rows (all rows when negated) instead of producing invalid
// SQL.
type In struct {
	Col    Expr
	Negate bool
	Values []Expr
}

// And is a conjunction. Empty conjunctions render as a true predicate.
type And struct {
	Exprs []Expr
}

// Or is a disjunction. Empty disjunctions render as a false predicate.
type Or struct {
	Exprs []Expr
}

// NotNull asserts the operand IS NOT NULL.
type NotNull struct {
	Operand Expr
}

func (Column) isExpr()  {}
func (Value) isExpr()   {}
func (Raw) isExpr()     {}
func (Call) isExpr()    {}
func (Binary) isExpr()  {}
func (In) isExpr()      {}
func (And) isExpr()     {}
func (Or) isExpr()      {}
func (NotNull) isExpr() {}

// Scope names an aliased relation (typically a candidate subquery) and the
// columns it projects.
type Scope struct {
	Alias   string
	Columns map[string]struct{}
}

// Rebind rewrites every column reference in e to the scope's relation and
// returns the rewritten tree. The walk is exhaustive over node kinds; an
// unhandled kind is an error so new nodes cannot silently keep
// base-relation references alive inside a rebound predicate.
func Rebind(e Expr, scope Scope) (Expr, error) {
	switch n := e.(type) {
	case Column:
		if _, ok := scope.Columns[n.Name]; !ok {
			return nil, fmt.Errorf("column %q is not projected by %q", n.Name, scope.Alias)
		}
		return Column{Table: scope.Alias, Name: n.Name}, nil
	case Value:
		return n, nil
	case Raw:
		return n, nil
	case Call:
		args := make([]Expr, len(n.Args))
		for i, a := range n.Args {
			ra, err := Rebind(a, scope)
			if err != nil {
				return nil, err
			}
			args[i] = ra
		}
		return Call{Name: n.Name, Args: args}, nil
	case Binary:
		left, err := Rebind(n.Left, scope)
		if err != nil {
			return nil, err
		}
		right, err := Rebind(n.Right, scope)
		if err != nil {
			return nil, err
		}
		return Binary{Left: left, Op: n.Op, Right: right}, nil
	case In:
		col, err := Rebind(n.Col, scope)
		if err != nil {
			return nil, err
		}
		values := make([]Expr, len(n.Values))
		for i, v := range n.Values {
			rv, err := Rebind(v, scope)
			if err != nil {
				return nil, err
			}
			values[i] = rv
		}
		return In{Col: col, Negate: n.Negate, Values: values}, nil
	case And:
		exprs, err := rebindAll(n.Exprs, scope)
		if err != nil {
			return nil, err
		}
		return And{Exprs: exprs}, nil
	case Or:
		exprs, err := rebindAll(n.Exprs, scope)
		if err != nil {
			return nil, err
		}
		return Or{Exprs: exprs}, nil
	case NotNull:
		op, err := Rebind(n.Operand, scope)
		if err != nil {
			return nil, err
		}
		return NotNull{Operand: op}, nil
	default:
		return nil, fmt.Errorf("cannot rebind expression node %T", e)
	}
}

func rebindAll(exprs []Expr, scope Scope) ([]Expr, error) {
	out := make([]Expr, len(exprs))
	for i, e := range exprs {
		re, err := Rebind(e, scope)
		if err != nil {
			return nil, err
		}
		out[i] = re
	}
	return out, nil
}
