package admin

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/siddontang/loggers"

	"github.com/block/londiste/pkg/ddl"
	"github.com/block/londiste/pkg/execattrs"
	"github.com/block/londiste/pkg/metadata"
)

// Execer runs EXECUTE files against the local node (admin.py cmd_execute),
// kept separate from Admin because it needs a live subscriber
// *sql.DB/Resolver pair rather than just the metadata RPC client.
type Execer struct {
	Log       loggers.Advanced
	QueueName string
	Metadata  metadata.Client
	Resolver  execattrs.Resolver
}

// Execute reads each file, parses its exec-attrs header, journals the
// run via execute_start/execute_finish, and runs the (possibly
// rewritten) SQL against db when this node needs it (spec.md §4.9:
// "execute reads a file, parses exec-attrs, calls
// execute_start/process/execute_finish").
func (e *Execer) Execute(ctx context.Context, db *sql.DB, files []string, localTables, localSeqs map[string]string) error {
	if err := e.Metadata.SetSessionReplicationRole(ctx, "local", true); err != nil {
		return fmt.Errorf("admin: execute: set session replication role: %w", err)
	}

	for _, fn := range files {
		if err := e.executeOne(ctx, db, fn, localTables, localSeqs); err != nil {
			return err
		}
	}
	return nil
}

func (e *Execer) executeOne(ctx context.Context, db *sql.DB, fn string, localTables, localSeqs map[string]string) error {
	name := filepath.Base(fn)
	data, err := os.ReadFile(fn)
	if err != nil {
		return fmt.Errorf("admin: execute: %s: %w", name, err)
	}
	sqlText := string(data)

	attrs, err := execattrs.ParseSQL(sqlText)
	if err != nil {
		return fmt.Errorf("admin: execute: %s: parse exec-attrs: %w", name, err)
	}

	retCode, err := e.Metadata.ExecuteStart(ctx, e.QueueName, name)
	if err != nil {
		return fmt.Errorf("admin: execute: %s: execute_start: %w", name, err)
	}
	if retCode > 200 {
		e.logInfof("admin: execute: %s: skipping execution (already run)", name)
		return nil
	}

	need, err := attrs.NeedExecute(ctx, e.Resolver, localTables, localSeqs)
	if err != nil {
		return fmt.Errorf("admin: execute: %s: %w", name, err)
	}
	if need {
		e.logInfof("admin: execute: %s: executing sql", name)
		xsql, err := attrs.ProcessSQL(sqlText, localTables, localSeqs)
		if err != nil {
			return fmt.Errorf("admin: execute: %s: %w", name, err)
		}
		stmts, err := ddl.SplitStatements(xsql)
		if err != nil {
			return fmt.Errorf("admin: execute: %s: %w", name, err)
		}
		for _, stmt := range stmts {
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("admin: execute: %s: %w", name, err)
			}
		}
	} else {
		e.logInfof("admin: execute: %s: this sql does not need to run on this node", name)
	}

	if err := e.Metadata.ExecuteFinish(ctx, e.QueueName, name); err != nil {
		return fmt.Errorf("admin: execute: %s: execute_finish: %w", name, err)
	}
	return nil
}

func (e *Execer) logInfof(format string, args ...any) {
	if e.Log != nil {
		e.Log.Infof(format, args...)
	}
}
