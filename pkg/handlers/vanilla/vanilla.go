// Package vanilla implements the default "londiste" row-apply handler:
// apply each I/U/D event straight through to the destination table.
package vanilla

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/block/londiste/pkg/event"
	"github.com/block/londiste/pkg/handler"
)

// Name is the registry key for this handler, matching the original's
// default handler_name = "londiste".
const Name = "londiste"

// Handler applies row events by generating and emitting INSERT/UPDATE
// ONLY/DELETE statements directly against DestTable. Optional arg
// ignore_truncate=1 makes truncate events a no-op instead of cascading.
type Handler struct {
	handler.BaseHandler
	ignoreTruncate bool
}

// New constructs the vanilla handler, validating its one recognized
// argument (spec.md §4.4: "Optional ignore_truncate=0|1").
func New(tableName string, args map[string]string, destTable string) (handler.Handler, error) {
	if err := handler.CheckArgs(Name, args, "ignore_truncate"); err != nil {
		return nil, err
	}
	h := &Handler{BaseHandler: handler.NewBaseHandler(tableName, args, destTable)}
	if v, ok := args["ignore_truncate"]; ok && v == "1" {
		h.ignoreTruncate = true
	}
	return h, nil
}

// Register wires the vanilla handler into r under Name.
func Register(r *handler.Registry) {
	r.Register(Name, New, "default row-apply handler")
}

// IgnoreTruncate reports whether truncate events are a no-op for this
// table, consulted by the replay worker before issuing TRUNCATE CASCADE.
func (h *Handler) IgnoreTruncate() bool { return h.ignoreTruncate }

// RealCopy streams rows from srcTable into DestTable a batch at a time,
// honoring an optional WHERE condition from GetCopyCondition.
func (h *Handler) RealCopy(ctx context.Context, srcTable string, src, dst *sql.DB, columns []string) (int64, int64, error) {
	cond, err := h.GetCopyCondition(ctx, src, dst)
	if err != nil {
		return 0, 0, err
	}
	return h.RealCopyWithCondition(ctx, srcTable, src, dst, columns, cond)
}

// RealCopyWithCondition is RealCopy with an explicit WHERE fragment,
// letting a decorator (e.g. the shard handler) supply a condition it
// computed itself rather than going through GetCopyCondition's virtual
// dispatch, which embedding can't override across package boundaries.
func (h *Handler) RealCopyWithCondition(ctx context.Context, srcTable string, src, dst *sql.DB, columns []string, cond string) (int64, int64, error) {
	return copyRows(ctx, srcTable, h.DestTable, src, dst, columns, cond)
}

// RealCopyThreaded is the single-table handler's answer to a parallel
// copy request: row-apply handlers have no natural shard key to split on,
// so it degrades to a single-stream copy. No handler in this tree fans
// out: shard and obfuscate also copy in a single stream, and dispatch
// refuses copy.
func (h *Handler) RealCopyThreaded(ctx context.Context, srcTable string, src, dst *sql.DB, columns []string, _ int) (int64, int64, error) {
	return h.RealCopy(ctx, srcTable, src, dst, columns)
}

// copyRows performs a simple SELECT/INSERT bulk load in fixed-size
// batches; it is the MySQL-dialect analogue of the provider's COPY
// streaming pipe (teacher dialect, no native COPY protocol available).
func copyRows(ctx context.Context, srcTable, destTable string, src, dst *sql.DB, columns []string, cond string) (int64, int64, error) {
	const batchSize = 500

	quoted := make([]string, len(columns))
	for i, c := range columns {
		quoted[i] = event.QuoteIdent(c)
	}
	colList := ""
	for i, c := range quoted {
		if i > 0 {
			colList += ", "
		}
		colList += c
	}

	q := fmt.Sprintf("SELECT %s FROM %s", colList, event.QuoteFQIdent(srcTable))
	if cond != "" {
		q += " WHERE " + cond
	}
	rows, err := src.QueryContext(ctx, q)
	if err != nil {
		return 0, 0, fmt.Errorf("vanilla: copy select: %w", err)
	}
	defer rows.Close()

	var totalRows, totalBytes int64
	var batch []string
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		stmt := fmt.Sprintf("INSERT INTO %s (%s) VALUES %s",
			event.QuoteFQIdent(destTable), colList, joinValues(batch))
		if _, err := dst.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("vanilla: copy insert: %w", err)
		}
		totalBytes += int64(len(stmt))
		batch = batch[:0]
		return nil
	}

	vals := make([]any, len(columns))
	ptrs := make([]any, len(columns))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return 0, 0, fmt.Errorf("vanilla: copy scan: %w", err)
		}
		lits := make([]string, len(vals))
		for i, v := range vals {
			lits[i] = literalOf(v)
		}
		batch = append(batch, "("+joinValues(lits)+")")
		totalRows++
		if len(batch) >= batchSize {
			if err := flush(); err != nil {
				return 0, 0, err
			}
		}
	}
	if err := rows.Err(); err != nil {
		return 0, 0, err
	}
	if err := flush(); err != nil {
		return 0, 0, err
	}
	return totalBytes, totalRows, nil
}

func joinValues(vs []string) string {
	out := ""
	for i, v := range vs {
		if i > 0 {
			out += ", "
		}
		out += v
	}
	return out
}

func literalOf(v any) string {
	if v == nil {
		return "NULL"
	}
	if b, ok := v.([]byte); ok {
		s := string(b)
		return event.QuoteLiteral(&s)
	}
	s := fmt.Sprintf("%v", v)
	return event.QuoteLiteral(&s)
}

// ProcessEvent builds the SQL fragment for one row event and emits it.
func (h *Handler) ProcessEvent(_ context.Context, ev *event.Event, emit handler.EmitFunc, _ *sql.Tx) error {
	dt, err := event.ParseType(ev.Type)
	if err != nil {
		return fmt.Errorf("vanilla: %s: %w", h.TableName, err)
	}
	if dt.IsSQLEvent {
		return emit(ev.Data)
	}
	row, err := event.DecodeRow(ev.Data, dt.Pkey)
	if err != nil {
		return fmt.Errorf("vanilla: %s: %w", h.TableName, err)
	}
	sqlStmt, err := event.MkSQL(dt.Op, row, h.DestTable)
	if err != nil {
		return fmt.Errorf("vanilla: %s: %w", h.TableName, err)
	}
	return emit(sqlStmt)
}
