package admin

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/block/londiste/pkg/handler"
	"github.com/block/londiste/pkg/urlenc"
)

// CreateMode picks how much DDL AddTable generates on the subscriber
// before registering the table, mirroring admin.py's --create/--create-full
// flags (spec.md §4.9: "Create-mode flags choose between no-create,
// table+pkey, and full").
type CreateMode int

const (
	// CreateNone registers the table without touching its DDL; it must
	// already exist on the subscriber.
	CreateNone CreateMode = iota
	// CreateMinimal creates the table with its primary key only.
	CreateMinimal
	// CreateFull creates the table with all indexes and constraints.
	CreateFull
)

// SchemaCopier creates dstTable on the subscriber from srcTable's
// definition on the provider, the MySQL-facing analogue of
// skytools.TableStruct.create; full selects CreateFull over CreateMinimal.
// Left pluggable because the engine's Non-goal (c) excludes schema-diffing/
// migration generation as a built-in feature (spec.md §13) — operators
// wire in whatever DDL-introspection their MySQL variant needs.
type SchemaCopier interface {
	CreateTableLike(ctx context.Context, srcDB, dstDB *sql.DB, srcTable, dstTable string, full bool) error
}

// TableExistence checks table presence on a connection.
type TableExistence interface {
	TableExists(ctx context.Context, db *sql.DB, tableName string) (bool, error)
}

// AddTableOptions configures AddTable (admin.py cmd_add_table/add_table).
type AddTableOptions struct {
	DestTable string
	Create    CreateMode

	// HandlerSpec is the handler name plus args in BuildName form, e.g.
	// "shard(key=id)". Empty defaults to the vanilla handler.
	HandlerSpec string
	Trigger     TriggerArgOptions

	CopyNode        string
	FindCopyNode    bool
	SkipTruncate    bool
	ExpectSync      bool
	MaxParallelCopy int
	SkipNonExisting bool
}

// AddTable attaches one table to the local node: it optionally creates
// the destination table, builds and validates the handler, folds trigger
// args, assembles table_attrs, and calls local_add_table (admin.py
// add_table).
func (a *Admin) AddTable(ctx context.Context, srcDB, dstDB *sql.DB, tableName string, opts AddTableOptions, schema SchemaCopier, exists TableExistence) error {
	destTable := opts.DestTable
	if destTable == "" {
		destTable = tableName
	}

	if opts.Create != CreateNone {
		// spec.md §5: add-table's DDL runs under one session-level lock,
		// so two concurrent add-table invocations against the same node
		// can't race to create the same destination table.
		if a.AcquireLock != nil {
			lock, err := a.AcquireLock(ctx, "londiste_add_table_"+a.QueueName)
			if err != nil {
				return fmt.Errorf("admin: add-table: %s: acquire metadata lock: %w", destTable, err)
			}
			defer lock.Close()
		}

		if exists == nil {
			return fmt.Errorf("admin: add-table: %s: create requested but no TableExistence configured", destTable)
		}
		already, err := exists.TableExists(ctx, dstDB, destTable)
		if err != nil {
			return fmt.Errorf("admin: add-table: %s: check existence: %w", destTable, err)
		}
		if already {
			a.logInfof("admin: add-table: %s: table already exists, not touching", destTable)
		} else {
			if schema == nil {
				return fmt.Errorf("admin: add-table: %s: create requested but no SchemaCopier configured", destTable)
			}
			if err := schema.CreateTableLike(ctx, srcDB, dstDB, tableName, destTable, opts.Create == CreateFull); err != nil {
				return fmt.Errorf("admin: add-table: %s: create: %w", destTable, err)
			}
		}
	} else if exists != nil {
		already, err := exists.TableExists(ctx, dstDB, destTable)
		if err != nil {
			return fmt.Errorf("admin: add-table: %s: check existence: %w", destTable, err)
		}
		if !already && opts.SkipNonExisting {
			a.logInfof("admin: add-table: %s: does not exist on local node, skipping", destTable)
			return nil
		}
	}

	var h handler.Handler
	if opts.HandlerSpec != "" {
		built, err := a.Handlers.Build(tableName, opts.HandlerSpec, destTable)
		if err != nil {
			return fmt.Errorf("admin: add-table: %s: %w", tableName, err)
		}
		h = built
	}
	tgargs := BuildTriggerArgs(opts.Trigger, h)

	attrs := map[string]string{}
	if opts.HandlerSpec != "" {
		attrs["handler"] = opts.HandlerSpec
	}
	if opts.FindCopyNode {
		attrs["copy_node"] = "?"
	} else if opts.CopyNode != "" {
		attrs["copy_node"] = opts.CopyNode
	}
	if !opts.ExpectSync && opts.SkipTruncate {
		attrs["skip_truncate"] = "1"
	}
	if opts.MaxParallelCopy > 0 {
		attrs["max_parallel_copy"] = fmt.Sprintf("%d", opts.MaxParallelCopy)
	}

	var tableAttrs string
	if len(attrs) > 0 {
		tableAttrs = urlenc.Encode(attrs)
	}

	var dest string
	if destTable != tableName {
		dest = destTable
	}

	// trigger_args travels to the RPC as a single delimited string; the
	// concrete metadata.Client implementation is responsible for
	// re-splitting it into whatever array type its local_add_table
	// procedure expects.
	if err := a.Metadata.LocalAddTable(ctx, a.QueueName, tableName, strings.Join(tgargs, ","), tableAttrs, dest); err != nil {
		return fmt.Errorf("admin: add-table: %s: %w", tableName, err)
	}
	return nil
}
