// Package copyworker implements the copy-worker subprocess (C7): the
// single-table bulk load that takes a table from missing through
// in-copy to catching-up, plus the per-batch decision loop described in
// spec.md §4.6.1's "copy worker's own loop" paragraph that the runtime
// calls once per batch while that table is in copy-worker ownership.
//
// Single-thread and threaded copy are both delegated to the table's
// bound handler (RealCopy / RealCopyThreaded); this package owns the
// pidfile guard, the state transitions around the copy, and fkey
// restoration bookkeeping once the table reaches ok — the orchestration
// the teacher's own pkg/migration.Runner provides for its single chunked
// copy, generalized here to per-table copy-worker subprocesses.
package copyworker

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/block/londiste/pkg/dbconn"
	"github.com/block/londiste/pkg/event"
	"github.com/block/londiste/pkg/metadata"
	"github.com/block/londiste/pkg/tablestate"
)

// Pidfile guards a copy-worker subprocess against a second instance
// starting for the same table while a prior one's pidfile has not yet
// cleared (spec.md §4.7: "takes a per-table pidfile; if one exists, wait
// for it to clear before proceeding").
type Pidfile struct {
	path string
}

// NewPidfile builds the pidfile path for tableName under dir.
func NewPidfile(dir, tableName string) *Pidfile {
	return &Pidfile{path: filepath.Join(dir, "copy."+tableName+".pid")}
}

// WaitClear blocks, polling every pollInterval, until no pidfile exists
// (or ctx is canceled).
func (p *Pidfile) WaitClear(ctx context.Context, pollInterval time.Duration) error {
	for {
		if _, err := os.Stat(p.path); os.IsNotExist(err) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

// Acquire creates the pidfile containing the current process id, failing
// if one already exists.
func (p *Pidfile) Acquire() error {
	f, err := os.OpenFile(p.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("copyworker: acquire pidfile %s: %w", p.path, err)
	}
	defer f.Close()
	_, err = f.WriteString(strconv.Itoa(os.Getpid()))
	return err
}

// Release removes the pidfile.
func (p *Pidfile) Release() error {
	err := os.Remove(p.path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("copyworker: release pidfile %s: %w", p.path, err)
	}
	return nil
}

// Worker runs the bulk-copy phase for one table.
type Worker struct {
	Metadata metadata.Client
	QueueName string
}

// RunCopy performs the in-copy->catching-up step for table: the real copy
// (single-stream or threaded depending on parallel), recording byte/row
// counts, then the catching-up transition. It returns an error for a
// table in any state other than in-copy. Callers
// are expected to have already transitioned the table into in-copy and
// dropped its fkeys (the sync scheduler's admission step, spec.md
// §4.6.1 step 3) before calling RunCopy.
func (w *Worker) RunCopy(ctx context.Context, table *tablestate.Table, srcTable string, src, dst *sql.DB, columns []string, parallel int) (bytes, rows int64, err error) {
	if table.State != tablestate.InCopy {
		return 0, 0, fmt.Errorf("copyworker: %s: not in-copy (state=%s)", table.Name, table.State)
	}
	if table.Plugin == nil {
		return 0, 0, fmt.Errorf("copyworker: %s: no bound handler", table.Name)
	}

	if parallel > 1 {
		bytes, rows, err = table.Plugin.RealCopyThreaded(ctx, srcTable, src, dst, columns, parallel)
	} else {
		bytes, rows, err = table.Plugin.RealCopy(ctx, srcTable, src, dst, columns)
	}
	if err != nil {
		return bytes, rows, fmt.Errorf("copyworker: %s: real copy: %w", table.Name, err)
	}

	if err := table.Transition(tablestate.CopyWorker, tablestate.CatchingUp, 0); err != nil {
		return bytes, rows, fmt.Errorf("copyworker: %s: %w", table.Name, err)
	}
	return bytes, rows, nil
}

// RestoreFKeys restores every pending foreign key whose both endpoints
// are now ok (spec.md §4.6's "restored lazily each batch when both
// endpoints are ok"), called by the main worker, never by a copy-worker
// subprocess.
func (w *Worker) RestoreFKeys(ctx context.Context, tables map[string]*tablestate.Table) error {
	pending, err := w.Metadata.GetValidPendingFKeys(ctx, w.QueueName)
	if err != nil {
		return fmt.Errorf("copyworker: restore fkeys: %w", err)
	}
	for _, fk := range pending {
		from := tables[fk.FromTable]
		to := tables[fk.ToTable]
		if from == nil || to == nil || from.State != tablestate.OK || to.State != tablestate.OK {
			continue
		}
		if err := w.Metadata.RestoreTableFKey(ctx, fk); err != nil {
			return fmt.Errorf("copyworker: restore fkey %s: %w", fk.Name, err)
		}
	}
	return nil
}

// Action is what the copy-worker loop decides to do on the current
// batch, per spec.md §4.6.1's "copy worker's own loop" paragraph.
type Action int

const (
	// ActionExit means the table reached ok; the copy-worker process
	// should unregister from the queue and exit (spec.md §4.7).
	ActionExit Action = iota
	// ActionConsume means keep consuming batches normally.
	ActionConsume
	// ActionIdle means sleep (spec.md §4.6's 2s idle-poll suspension
	// point) without consuming further — either waiting for a partition
	// merge handoff (wanna-sync, or catching-up with a pending copy_role)
	// or waiting for the main worker to promote wanna-sync to do-sync.
	ActionIdle
	// ActionReissueDroppedDDL means re-run table.DroppedDDL against the
	// destination and ANALYZE it before continuing to consume.
	ActionReissueDroppedDDL
)

// NextAction implements the decision table verbatim from spec.md §4.6.1:
//
//	do-sync && cur_tick == sync_tick_id  -> ok, exit
//	< sync_tick_id                       -> consume
//	wanna-sync                           -> idle
//	catching-up, copy_role in {wait-replay, lead} -> idle
//	catching-up, dropped_ddl non-empty   -> reissue dropped ddl
//	catching-up, no events processed this batch -> wanna-sync(cur_tick)
//	in-copy                              -> caller must run RunCopy
//
// sawEvents reports whether this batch delivered any event for table; it
// is only consulted in the catching-up branch.
func NextAction(table *tablestate.Table, curTick int64, sawEvents bool) (Action, error) {
	switch table.State {
	case tablestate.DoSync:
		if curTick == table.SyncTickID {
			// spec.md §3's invariant assigns do-sync -> ok to the main
			// worker even though the copy-worker loop (§4.6.1) is what
			// detects the tick match; NextAction applies the transition
			// itself under the MainWorker role, then reports ActionExit.
			if err := table.Transition(tablestate.MainWorker, tablestate.OK, 0); err != nil {
				return ActionIdle, fmt.Errorf("copyworker: %s: %w", table.Name, err)
			}
			return ActionExit, nil
		}
		if curTick < table.SyncTickID {
			return ActionConsume, nil
		}
		return ActionIdle, nil
	case tablestate.WannaSync:
		return ActionIdle, nil
	case tablestate.CatchingUp:
		switch table.CopyRole {
		case tablestate.RoleWaitReplay, tablestate.RoleLead:
			return ActionIdle, nil
		}
		if len(table.DroppedDDL) > 0 {
			return ActionReissueDroppedDDL, nil
		}
		if !sawEvents {
			if err := table.Transition(tablestate.CopyWorker, tablestate.WannaSync, curTick); err != nil {
				return ActionIdle, fmt.Errorf("copyworker: %s: %w", table.Name, err)
			}
		}
		return ActionConsume, nil
	case tablestate.InCopy:
		return ActionConsume, nil // caller must invoke RunCopy, not queue consumption
	default:
		return ActionIdle, nil
	}
}

// ReissueDroppedDDL re-runs table's dropped DDL statements against dst
// and clears the list, then ANALYZEs the destination table (spec.md
// §4.6.1's catching-up branch). The statements run through
// dbconn.RetryableTransaction rather than bare ExecContext calls: this is
// DDL racing live steady-state traffic on the same destination table, so
// a transient lock-wait-timeout or deadlock here is exactly the case
// RetryableTransaction exists to absorb. config controls its retry/
// backoff budget; nil uses dbconn.NewDBConfig()'s defaults.
func ReissueDroppedDDL(ctx context.Context, table *tablestate.Table, dst *sql.DB, config *dbconn.DBConfig) error {
	if config == nil {
		config = dbconn.NewDBConfig()
	}
	stmts := make([]string, 0, len(table.DroppedDDL)+1)
	stmts = append(stmts, table.DroppedDDL...)
	stmts = append(stmts, "ANALYZE TABLE "+event.QuoteFQIdent(table.DestTable))
	if _, err := dbconn.RetryableTransaction(ctx, dst, true, config, stmts...); err != nil {
		return fmt.Errorf("copyworker: %s: reissue dropped ddl: %w", table.Name, err)
	}
	table.DroppedDDL = nil
	table.Changed = true
	return nil
}
