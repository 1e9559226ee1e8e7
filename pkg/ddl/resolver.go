package ddl

import (
	"context"
	"database/sql"
)

// InformationSchemaResolver implements execattrs.Resolver against a live
// MySQL connection's information_schema, so cmd/londiste's execute
// command can evaluate a file's Local-*/Need-* exec-attrs header without
// a separate catalog service.
type InformationSchemaResolver struct {
	DB *sql.DB
}

func (r *InformationSchemaResolver) exists(ctx context.Context, query string, args ...any) (bool, error) {
	var n int
	if err := r.DB.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *InformationSchemaResolver) TableExists(ctx context.Context, fqname string) (bool, error) {
	schema, table := splitQualified(fqname)
	if schema == "" {
		return r.exists(ctx, "SELECT COUNT(*) FROM information_schema.tables WHERE table_schema = DATABASE() AND table_name = ?", table)
	}
	return r.exists(ctx, "SELECT COUNT(*) FROM information_schema.tables WHERE table_schema = ? AND table_name = ?", schema, table)
}

func (r *InformationSchemaResolver) SequenceExists(ctx context.Context, fqname string) (bool, error) {
	// MySQL has no native sequence object; this engine models sequences
	// as single-row counter tables, so existence is the same
	// table-presence check.
	return r.TableExists(ctx, fqname)
}

func (r *InformationSchemaResolver) SchemaExists(ctx context.Context, name string) (bool, error) {
	return r.exists(ctx, "SELECT COUNT(*) FROM information_schema.schemata WHERE schema_name = ?", name)
}

func (r *InformationSchemaResolver) FunctionExists(ctx context.Context, fqname string, nargs int) (bool, error) {
	schema, name := splitQualified(fqname)
	if schema == "" {
		return r.exists(ctx, "SELECT COUNT(*) FROM information_schema.routines WHERE routine_schema = DATABASE() AND routine_name = ?", name)
	}
	return r.exists(ctx, "SELECT COUNT(*) FROM information_schema.routines WHERE routine_schema = ? AND routine_name = ?", schema, name)
}

func (r *InformationSchemaResolver) ViewExists(ctx context.Context, fqname string) (bool, error) {
	schema, table := splitQualified(fqname)
	if schema == "" {
		return r.exists(ctx, "SELECT COUNT(*) FROM information_schema.views WHERE table_schema = DATABASE() AND table_name = ?", table)
	}
	return r.exists(ctx, "SELECT COUNT(*) FROM information_schema.views WHERE table_schema = ? AND table_name = ?", schema, table)
}
