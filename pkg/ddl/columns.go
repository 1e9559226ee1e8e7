package ddl

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// InformationSchemaColumns implements syncer.ColumnLister and
// syncer.PkeyColumnLister by querying information_schema directly,
// mirroring the teacher's approach of inspecting live schema through
// plain SQL rather than a cached model (pkg/migration/runner.go queries
// information_schema.COLUMNS the same way before planning a chunk copy).
type InformationSchemaColumns struct{}

// TableColumns returns tableName's columns in ordinal position order.
// tableName may be schema-qualified ("db.table"); unqualified names are
// resolved against the connection's current database.
func (InformationSchemaColumns) TableColumns(ctx context.Context, db *sql.DB, tableName string) ([]string, error) {
	schema, table := splitQualified(tableName)
	var rows *sql.Rows
	var err error
	if schema != "" {
		rows, err = db.QueryContext(ctx,
			"SELECT column_name FROM information_schema.columns WHERE table_schema = ? AND table_name = ? ORDER BY ordinal_position",
			schema, table)
	} else {
		rows, err = db.QueryContext(ctx,
			"SELECT column_name FROM information_schema.columns WHERE table_schema = DATABASE() AND table_name = ? ORDER BY ordinal_position",
			table)
	}
	if err != nil {
		return nil, fmt.Errorf("ddl: table columns for %s: %w", tableName, err)
	}
	defer rows.Close()
	var cols []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, fmt.Errorf("ddl: table columns scan for %s: %w", tableName, err)
		}
		cols = append(cols, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(cols) == 0 {
		return nil, fmt.Errorf("ddl: table %s has no columns or does not exist", tableName)
	}
	return cols, nil
}

// TablePkeys returns tableName's primary key columns in key-ordinal order.
func (InformationSchemaColumns) TablePkeys(ctx context.Context, db *sql.DB, tableName string) ([]string, error) {
	schema, table := splitQualified(tableName)
	var rows *sql.Rows
	var err error
	if schema != "" {
		rows, err = db.QueryContext(ctx,
			"SELECT column_name FROM information_schema.key_column_usage WHERE table_schema = ? AND table_name = ? AND constraint_name = 'PRIMARY' ORDER BY ordinal_position",
			schema, table)
	} else {
		rows, err = db.QueryContext(ctx,
			"SELECT column_name FROM information_schema.key_column_usage WHERE table_schema = DATABASE() AND table_name = ? AND constraint_name = 'PRIMARY' ORDER BY ordinal_position",
			table)
	}
	if err != nil {
		return nil, fmt.Errorf("ddl: table pkeys for %s: %w", tableName, err)
	}
	defer rows.Close()
	var pkeys []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, fmt.Errorf("ddl: table pkeys scan for %s: %w", tableName, err)
		}
		pkeys = append(pkeys, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(pkeys) == 0 {
		return nil, fmt.Errorf("ddl: table %s has no primary key", tableName)
	}
	return pkeys, nil
}

func splitQualified(name string) (schema, table string) {
	if i := strings.IndexByte(name, '.'); i >= 0 {
		return name[:i], name[i+1:]
	}
	return "", name
}
