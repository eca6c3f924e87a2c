package sqlgen

import "strconv"

// SelectColumn is a projected expression with an optional alias.
type SelectColumn struct {
	Expr  Expr
	Alias string
}

// Order is a single ORDER BY term.
type Order struct {
	Expr Expr
	Desc bool
}

// From is the source of a SELECT: a base table, or an aliased subquery.
type From struct {
	Table string
	Sub   *SelectStmt
	Alias string
}

// SelectStmt is a single-relation SELECT. Where and Having terms are ANDed.
// Limit 0 omits the LIMIT clause.
type SelectStmt struct {
	Columns []SelectColumn
	Source  From
	Where   []Expr
	Having  []Expr
	OrderBy []Order
	Limit   int
}

// SQL renders the statement with ? placeholders and the matching args.
func (s *SelectStmt) SQL() (string, []any, error) {
	w := &writer{}
	if err := w.selectStmt(s); err != nil {
		return "", nil, err
	}
	return w.b.String(), w.args, nil
}

// String renders the statement with literals substituted inline. The result
// is for logs only, never for execution.
func (s *SelectStmt) String() string {
	w := &writer{literal: true}
	if err := w.selectStmt(s); err != nil {
		return "<invalid select: " + err.Error() + ">"
	}
	return w.b.String()
}

func (w *writer) selectStmt(s *SelectStmt) error {
	w.str("SELECT ")
	for i, c := range s.Columns {
		if i > 0 {
			w.str(", ")
		}
		if err := w.expr(c.Expr); err != nil {
			return err
		}
		if c.Alias != "" {
			w.str(" AS ")
			w.str(QuoteIdent(c.Alias))
		}
	}

	w.str(" FROM ")
	if s.Source.Sub != nil {
		w.str("(")
		if err := w.selectStmt(s.Source.Sub); err != nil {
			return err
		}
		w.str(") AS ")
		w.str(QuoteIdent(s.Source.Alias))
	} else {
		w.str(QuoteIdent(s.Source.Table))
	}

	if len(s.Where) > 0 {
		w.str(" WHERE ")
		if err := w.joinAnd(s.Where); err != nil {
			return err
		}
	}
	if len(s.Having) > 0 {
		w.str(" HAVING ")
		if err := w.joinAnd(s.Having); err != nil {
			return err
		}
	}
	if len(s.OrderBy) > 0 {
		w.str(" ORDER BY ")
		for i, o := range s.OrderBy {
			if i > 0 {
				w.str(", ")
			}
			if err := w.expr(o.Expr); err != nil {
				return err
			}
			if o.Desc {
				w.str(" DESC")
			} else {
				w.str(" ASC")
			}
		}
	}
	if s.Limit > 0 {
		w.str(" LIMIT ")
		w.str(strconv.Itoa(s.Limit))
	}
	return nil
}

func (w *writer) joinAnd(exprs []Expr) error {
	for i, e := range exprs {
		if i > 0 {
			w.str(" AND ")
		}
		if err := w.expr(e); err != nil {
			return err
		}
	}
	return nil
}
