package event

import (
	"fmt"
	"sort"
	"strings"
)

// QuoteIdent quotes a single identifier for use in generated SQL.
func QuoteIdent(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}

// QuoteFQIdent quotes a possibly schema-qualified identifier, each part
// quoted independently.
func QuoteFQIdent(name string) string {
	parts := strings.SplitN(name, ".", 2)
	if len(parts) == 1 {
		return QuoteIdent(parts[0])
	}
	return QuoteIdent(parts[0]) + "." + QuoteIdent(parts[1])
}

// QuoteLiteral renders a nullable string value as a SQL literal.
func QuoteLiteral(v *string) string {
	if v == nil {
		return "NULL"
	}
	return "'" + strings.ReplaceAll(strings.ReplaceAll(*v, `\`, `\\`), "'", `\'`) + "'"
}

func isPkey(col string, pkey []string) bool {
	for _, p := range pkey {
		if p == col {
			return true
		}
	}
	return false
}

// orderedColumns returns all of the row's columns in a stable order: wire
// order when known, falling back to lexical order.
func (r *Row) orderedColumns() []string {
	if len(r.Columns) > 0 {
		return r.Columns
	}
	cols := make([]string, 0, len(r.Values))
	for k := range r.Values {
		cols = append(cols, k)
	}
	sort.Strings(cols)
	return cols
}

// MkInsertSQL builds INSERT INTO dest (cols) VALUES (lits) from a decoded row.
func MkInsertSQL(r *Row, destTable string) (string, error) {
	cols := r.orderedColumns()
	if len(cols) == 0 {
		return "", fmt.Errorf("event: insert with no columns")
	}
	quotedCols := make([]string, len(cols))
	lits := make([]string, len(cols))
	for i, c := range cols {
		quotedCols[i] = QuoteIdent(c)
		lits[i] = QuoteLiteral(r.Values[c])
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		QuoteFQIdent(destTable), strings.Join(quotedCols, ", "), strings.Join(lits, ", ")), nil
}

// MkUpdateSQL builds UPDATE ONLY dest SET non_pk=lit WHERE pk=lit.
// "ONLY" mirrors the provider's semantics of never cascading to child
// partitions implicitly; callers targeting MySQL-style engines without
// table inheritance may strip it, but it is kept here to match the
// upstream SQL generation contract.
func MkUpdateSQL(r *Row, destTable string) (string, error) {
	if len(r.Pkey) == 0 {
		return "", fmt.Errorf("event: update with no pkey")
	}
	cols := r.orderedColumns()
	var sets []string
	for _, c := range cols {
		if isPkey(c, r.Pkey) {
			continue
		}
		sets = append(sets, fmt.Sprintf("%s = %s", QuoteIdent(c), QuoteLiteral(r.Values[c])))
	}
	if len(sets) == 0 {
		return "", fmt.Errorf("event: update with no non-pkey columns")
	}
	where, err := whereFromPkey(r)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("UPDATE ONLY %s SET %s WHERE %s",
		QuoteFQIdent(destTable), strings.Join(sets, ", "), where), nil
}

// MkDeleteSQL builds DELETE FROM dest WHERE pk=lit.
func MkDeleteSQL(r *Row, destTable string) (string, error) {
	where, err := whereFromPkey(r)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("DELETE FROM %s WHERE %s", QuoteFQIdent(destTable), where), nil
}

func whereFromPkey(r *Row) (string, error) {
	if len(r.Pkey) == 0 {
		return "", fmt.Errorf("event: no pkey columns on row")
	}
	var clauses []string
	for _, p := range r.Pkey {
		v, ok := r.Values[p]
		if !ok {
			return "", fmt.Errorf("event: pkey column %q missing from row", p)
		}
		clauses = append(clauses, fmt.Sprintf("%s = %s", QuoteIdent(p), QuoteLiteral(v)))
	}
	return strings.Join(clauses, " AND "), nil
}

// MkSQL dispatches to the right builder for op.
func MkSQL(op Op, r *Row, destTable string) (string, error) {
	switch op {
	case OpInsert:
		return MkInsertSQL(r, destTable)
	case OpUpdate:
		return MkUpdateSQL(r, destTable)
	case OpDelete:
		return MkDeleteSQL(r, destTable)
	default:
		return "", fmt.Errorf("event: unknown op %v", op)
	}
}
