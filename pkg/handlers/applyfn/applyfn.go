// Package applyfn implements ApplyFuncHandler and its MultimasterHandler
// preset from spec.md §4.4: every event is applied by calling a stored
// function instead of generating INSERT/UPDATE/DELETE SQL directly —
//
//	SELECT fn(conf, tick, ev_id, ev_time, ev_txid, ev_retry, ev_type,
//	          ev_data, ev_extra1, ev_extra2, ev_extra3, ev_extra4)
//
// MultimasterHandler additionally appends a fixed no_merge trigger arg,
// signaling to the provider side that conflict resolution is handled
// entirely inside the function rather than by event-graph collapsing.
package applyfn

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/block/londiste/pkg/event"
	"github.com/block/londiste/pkg/handler"
	"github.com/block/londiste/pkg/handlers/vanilla"
)

// Name is the registration name for the plain apply-function handler.
const Name = "applyfn"

// MultimasterName is the registration name for the multimaster preset.
const MultimasterName = "multimaster"

// MultimasterFunction is the fixed apply function multimaster binds to,
// matching every node's stored conflict-resolution procedure.
const MultimasterFunction = "pgq.multimaster_apply"

// Handler applies every event by calling a stored function rather than
// generating row SQL.
type Handler struct {
	handler.BaseHandler
	fn      string
	conf    string
	noMerge bool
	copier  *vanilla.Handler
}

// New binds an ApplyFuncHandler to fn, the function it calls for every
// event. Recognized args: conf (opaque first argument passed to fn,
// default "").
func New(fn string) handler.Factory {
	return func(tableName string, args map[string]string, destTable string) (handler.Handler, error) {
		if err := handler.CheckArgs(Name, args, "conf"); err != nil {
			return nil, err
		}
		copier, err := vanilla.New(tableName, nil, destTable)
		if err != nil {
			return nil, err
		}
		return &Handler{
			BaseHandler: handler.NewBaseHandler(tableName, args, destTable),
			fn:          fn,
			conf:        args["conf"],
			copier:      copier.(*vanilla.Handler),
		}, nil
	}
}

// NewMultimaster binds the multimaster preset: a fixed function and
// automatic no_merge trigger-arg injection.
func NewMultimaster(tableName string, args map[string]string, destTable string) (handler.Handler, error) {
	if err := handler.CheckArgs(MultimasterName, args, "conf"); err != nil {
		return nil, err
	}
	copier, err := vanilla.New(tableName, nil, destTable)
	if err != nil {
		return nil, err
	}
	return &Handler{
		BaseHandler: handler.NewBaseHandler(tableName, args, destTable),
		fn:          MultimasterFunction,
		conf:        args["conf"],
		noMerge:     true,
		copier:      copier.(*vanilla.Handler),
	}, nil
}

// Register wires both the plain and multimaster presets into r. fn is the
// apply function bound for the plain "applyfn" registration; multimaster
// always uses MultimasterFunction.
func Register(r *handler.Registry, fn string) {
	r.Register(Name, New(fn), fmt.Sprintf("applies every event via %s(...)", fn))
	r.Register(MultimasterName, NewMultimaster, fmt.Sprintf("applies every event via %s(...), no_merge", MultimasterFunction))
}

// Add appends no_merge when this is the multimaster preset.
func (h *Handler) Add(triggerArgs []string) []string {
	if h.noMerge {
		triggerArgs = append(triggerArgs, "no_merge")
	}
	return triggerArgs
}

// ProcessEvent emits a single SELECT fn(...) call carrying the full event.
func (h *Handler) ProcessEvent(_ context.Context, ev *event.Event, emit handler.EmitFunc, _ *sql.Tx) error {
	sqlText := fmt.Sprintf(
		"SELECT %s(%s, %s, %d, %s, %d, %s, %s, %s, %s, %s, %s, %s)",
		event.QuoteIdent(h.fn),
		literalOrNull(h.conf),
		"@tick_id@", // substituted by the replay worker with the current batch's tick id
		ev.ID,
		quoteLiteral(ev.Time),
		ev.TxID,
		"0", // ev_retry: the replay worker overwrites this on redelivery
		quoteLiteral(ev.Type),
		quoteLiteral(ev.Data),
		quoteLiteral(ev.Extra1),
		quoteLiteral(ev.Extra2),
		quoteLiteral(ev.Extra3),
		quoteLiteral(ev.Extra4),
	)
	return emit(sqlText)
}

// RealCopy delegates to a plain row-copy: the apply function only governs
// steady-state replay, not the initial bulk load.
func (h *Handler) RealCopy(ctx context.Context, srcTable string, src, dst *sql.DB, columns []string) (int64, int64, error) {
	return h.copier.RealCopy(ctx, srcTable, src, dst, columns)
}

// RealCopyThreaded delegates to the plain row-copy's degrade-to-single-stream behavior.
func (h *Handler) RealCopyThreaded(ctx context.Context, srcTable string, src, dst *sql.DB, columns []string, parallel int) (int64, int64, error) {
	return h.copier.RealCopyThreaded(ctx, srcTable, src, dst, columns, parallel)
}

func literalOrNull(s string) string {
	if s == "" {
		return "NULL"
	}
	return event.QuoteLiteral(&s)
}

func quoteLiteral(s string) string {
	return event.QuoteLiteral(&s)
}
