// Package ddl provides the statement-level SQL inspection the replay
// worker needs for EXECUTE events and truncate handling: splitting a
// multi-statement EXECUTE body into individually-executable statements
// (spec.md §4.6: "run the post-substitution SQL statement-by-statement"),
// grounded on the same pingcap/tidb parser AST walk the teacher uses in
// pkg/utils/utils.go for ALTER clause inspection.
package ddl

import (
	"strings"

	"github.com/pingcap/errors"
	"github.com/pingcap/tidb/pkg/parser"
	"github.com/pingcap/tidb/pkg/parser/ast"
)

// SplitStatements parses sql and returns each top-level statement's
// original source text, trimmed, preserving source order.
func SplitStatements(sql string) ([]string, error) {
	p := parser.New()
	stmtNodes, _, err := p.Parse(sql, "", "")
	if err != nil {
		return nil, errors.Errorf("ddl: parse EXECUTE body: %v", err)
	}
	out := make([]string, 0, len(stmtNodes))
	for _, n := range stmtNodes {
		out = append(out, strings.TrimSpace(n.Text()))
	}
	return out, nil
}

// IsAlterTable reports whether sql is a single ALTER TABLE statement.
func IsAlterTable(sql string) (bool, error) {
	p := parser.New()
	stmtNodes, _, err := p.Parse(sql, "", "")
	if err != nil {
		return false, errors.Errorf("ddl: parse: %v", err)
	}
	if len(stmtNodes) != 1 {
		return false, nil
	}
	_, ok := stmtNodes[0].(*ast.AlterTableStmt)
	return ok, nil
}

// TruncateCascadeSQL builds the statement issued for a truncate event
// (spec.md §4.6: "issue TRUNCATE t CASCADE unless handler config says
// ignore_truncate").
func TruncateCascadeSQL(destTable string) string {
	return "TRUNCATE " + quoteFQIdent(destTable) + " CASCADE"
}

func quoteFQIdent(name string) string {
	parts := strings.SplitN(name, ".", 2)
	if len(parts) == 1 {
		return quoteIdent(parts[0])
	}
	return quoteIdent(parts[0]) + "." + quoteIdent(parts[1])
}

func quoteIdent(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}
