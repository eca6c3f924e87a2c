package sqlgen

import (
	"fmt"
	"strconv"
	"strings"
)

// writer accumulates rendered SQL. In literal mode bound values are escaped
// inline; otherwise they become ? placeholders with a parallel args list.
type writer struct {
	b       strings.Builder
	args    []any
	literal bool
}

func (w *writer) str(s string) {
	w.b.WriteString(s)
}

func (w *writer) ident(table, name string) {
	if table != "" {
		w.str(QuoteIdent(table))
		w.str(".")
	}
	w.str(QuoteIdent(name))
}

func (w *writer) value(v any) {
	if w.literal {
		w.str(QuoteLiteral(v))
		return
	}
	w.str("?")
	w.args = append(w.args, v)
}

func (w *writer) expr(e Expr) error {
	switch n := e.(type) {
	case Column:
		w.ident(n.Table, n.Name)
	case Value:
		w.value(n.V)
	case Raw:
		w.str(n.SQL)
	case Call:
		w.str(n.Name)
		w.str("(")
		for i, a := range n.Args {
			if i > 0 {
				w.str(", ")
			}
			if err := w.expr(a); err != nil {
				return err
			}
		}
		w.str(")")
	case Binary:
		if err := w.expr(n.Left); err != nil {
			return err
		}
		w.str(" " + n.Op + " ")
		if err := w.expr(n.Right); err != nil {
			return err
		}
	case In:
		if len(n.Values) == 0 {
			// IN () is invalid SQL; an empty list means "match nothing"
			// (or everything for NOT IN).
			if n.Negate {
				w.str("1 = 1")
			} else {
				w.str("1 = 0")
			}
			return nil
		}
		if err := w.expr(n.Col); err != nil {
			return err
		}
		if n.Negate {
			w.str(" NOT IN (")
		} else {
			w.str(" IN (")
		}
		for i, v := range n.Values {
			if i > 0 {
				w.str(", ")
			}
			if err := w.expr(v); err != nil {
				return err
			}
		}
		w.str(")")
	case And:
		return w.group(n.Exprs, " AND ", "1 = 1")
	case Or:
		return w.group(n.Exprs, " OR ", "1 = 0")
	case NotNull:
		if err := w.expr(n.Operand); err != nil {
			return err
		}
		w.str(" IS NOT NULL")
	default:
		return fmt.Errorf("cannot render expression node %T", e)
	}
	return nil
}

func (w *writer) group(exprs []Expr, sep, empty string) error {
	if len(exprs) == 0 {
		w.str(empty)
		return nil
	}
	if len(exprs) == 1 {
		return w.expr(exprs[0])
	}
	w.str("(")
	for i, e := range exprs {
		if i > 0 {
			w.str(sep)
		}
		if err := w.expr(e); err != nil {
			return err
		}
	}
	w.str(")")
	return nil
}

// ExprSQL renders a bare expression in placeholder form, for statements
// assembled outside SelectStmt (UPDATE and DELETE predicates).
func ExprSQL(e Expr) (string, []any, error) {
	w := &writer{}
	if err := w.expr(e); err != nil {
		return "", nil, err
	}
	return w.b.String(), w.args, nil
}

// QuoteIdent backtick-quotes a SQL identifier.
func QuoteIdent(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}

// QuoteLiteral renders a bound value as an inline SQL literal. Used only
// for the debug rendering; execution always goes through placeholders.
func QuoteLiteral(v any) string {
	switch t := v.(type) {
	case nil:
		return "NULL"
	case bool:
		if t {
			return "TRUE"
		}
		return "FALSE"
	case int:
		return strconv.Itoa(t)
	case int32:
		return strconv.FormatInt(int64(t), 10)
	case int64:
		return strconv.FormatInt(t, 10)
	case uint64:
		return strconv.FormatUint(t, 10)
	case float32:
		return strconv.FormatFloat(float64(t), 'g', -1, 32)
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64)
	case string:
		return quoteString(t)
	case []byte:
		return quoteString(string(t))
	default:
		return quoteString(fmt.Sprintf("%v", v))
	}
}

func quoteString(s string) string {
	var b strings.Builder
	b.Grow(len(s) + 2)
	b.WriteByte('\'')
	for _, r := range s {
		switch r {
		case '\'':
			b.WriteString(`\'`)
		case '\\':
			b.WriteString(`\\`)
		default:
			b.WriteRune(r)
		}
	}
	b.WriteByte('\'')
	return b.String()
}
