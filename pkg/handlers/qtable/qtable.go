// Package qtable implements the three virtual-destination handlers from
// spec.md §4.4 that all declare NeedsTable() == false: QueueTableHandler
// (ignores events, refuses copy), QueueSplitterHandler (bulk-inserts
// incoming events into a named downstream queue) and VirtualTableHandler
// (marks the table local without any transform).
package qtable

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/block/londiste/pkg/event"
	"github.com/block/londiste/pkg/handler"
)

// Names under which these handlers register.
const (
	QTableName     = "qtable"
	QSplitterName  = "qsplitter"
	VTableName     = "vtable"
)

// QueueEventInserter inserts a raw event into a named downstream queue,
// the operation QueueSplitterHandler delegates to (spec.md §4.4:
// "bulk-inserts incoming events into a named downstream queue").
type QueueEventInserter interface {
	InsertEvent(ctx context.Context, queueName string, ev *event.Event) error
}

// QueueTable declares expect_sync and refuses copy entirely: it exists
// only so the replay worker's event-interest bookkeeping can reference the
// table without ever materializing it.
type QueueTable struct {
	handler.BaseHandler
}

// NewQueueTable constructs a QueueTableHandler. It takes no arguments.
func NewQueueTable(tableName string, args map[string]string, destTable string) (handler.Handler, error) {
	if err := handler.CheckArgs(QTableName, args); err != nil {
		return nil, err
	}
	return &QueueTable{BaseHandler: handler.NewBaseHandler(tableName, args, destTable)}, nil
}

// Add appends the expect_sync trigger argument.
func (q *QueueTable) Add(triggerArgs []string) []string {
	return append(triggerArgs, "expect_sync")
}

// ProcessEvent is a no-op: qtable ignores every event.
func (q *QueueTable) ProcessEvent(context.Context, *event.Event, handler.EmitFunc, *sql.Tx) error {
	return nil
}

// NeedsTable is false: qtable never materializes a destination.
func (q *QueueTable) NeedsTable() bool { return false }

// RealCopy refuses copy outright, per spec.md §4.4.
func (q *QueueTable) RealCopy(context.Context, string, *sql.DB, *sql.DB, []string) (int64, int64, error) {
	return 0, 0, fmt.Errorf("qtable: %s: copy is not supported for qtable handler", q.TableName)
}

// RealCopyThreaded likewise refuses.
func (q *QueueTable) RealCopyThreaded(context.Context, string, *sql.DB, *sql.DB, []string, int) (int64, int64, error) {
	return 0, 0, fmt.Errorf("qtable: %s: copy is not supported for qtable handler", q.TableName)
}

// QueueSplitter bulk-inserts incoming events into a named downstream
// queue. The "queue" argument names that destination.
type QueueSplitter struct {
	handler.BaseHandler
	queueName string
	inserter  QueueEventInserter
	buffered  []*event.Event
}

// NewQueueSplitter binds a QueueSplitterHandler to inserter, which
// performs the actual bulk insert into the named queue. Recognized arg:
// queue (required, the downstream queue name).
func NewQueueSplitter(inserter QueueEventInserter) handler.Factory {
	return func(tableName string, args map[string]string, destTable string) (handler.Handler, error) {
		if err := handler.CheckArgs(QSplitterName, args, "queue"); err != nil {
			return nil, err
		}
		qn := args["queue"]
		if qn == "" {
			return nil, fmt.Errorf("qsplitter: %s: queue argument is required", tableName)
		}
		return &QueueSplitter{
			BaseHandler: handler.NewBaseHandler(tableName, args, destTable),
			queueName:   qn,
			inserter:    inserter,
		}, nil
	}
}

// Reset drops any buffered events from the prior batch.
func (q *QueueSplitter) Reset() { q.buffered = q.buffered[:0] }

// ProcessEvent buffers ev for FinishBatch to bulk-insert.
func (q *QueueSplitter) ProcessEvent(_ context.Context, ev *event.Event, _ handler.EmitFunc, _ *sql.Tx) error {
	q.buffered = append(q.buffered, ev)
	return nil
}

// FinishBatch inserts every buffered event into the downstream queue.
func (q *QueueSplitter) FinishBatch(ctx context.Context, _ *handler.BatchInfo, _ *sql.Tx) error {
	for _, ev := range q.buffered {
		if err := q.inserter.InsertEvent(ctx, q.queueName, ev); err != nil {
			return fmt.Errorf("qsplitter: %s: insert into %s: %w", q.TableName, q.queueName, err)
		}
	}
	q.buffered = q.buffered[:0]
	return nil
}

// NeedsTable is false: qsplitter never materializes a destination.
func (q *QueueSplitter) NeedsTable() bool { return false }

// RealCopy is a no-op: there is no destination to populate.
func (q *QueueSplitter) RealCopy(context.Context, string, *sql.DB, *sql.DB, []string) (int64, int64, error) {
	return 0, 0, nil
}

// RealCopyThreaded mirrors RealCopy.
func (q *QueueSplitter) RealCopyThreaded(context.Context, string, *sql.DB, *sql.DB, []string, int) (int64, int64, error) {
	return 0, 0, nil
}

// VTable marks a table local without any row transform; it is used for
// tables whose rows live entirely in the queue event stream consumed by
// other handlers (e.g. a dispatcher's source-of-truth row).
type VTable struct {
	handler.BaseHandler
}

// NewVTable constructs a VirtualTableHandler.
func NewVTable(tableName string, args map[string]string, destTable string) (handler.Handler, error) {
	if err := handler.CheckArgs(VTableName, args); err != nil {
		return nil, err
	}
	return &VTable{BaseHandler: handler.NewBaseHandler(tableName, args, destTable)}, nil
}

// ProcessEvent is a no-op.
func (v *VTable) ProcessEvent(context.Context, *event.Event, handler.EmitFunc, *sql.Tx) error {
	return nil
}

// NeedsTable is false.
func (v *VTable) NeedsTable() bool { return false }

// RealCopy is a no-op.
func (v *VTable) RealCopy(context.Context, string, *sql.DB, *sql.DB, []string) (int64, int64, error) {
	return 0, 0, nil
}

// RealCopyThreaded mirrors RealCopy.
func (v *VTable) RealCopyThreaded(context.Context, string, *sql.DB, *sql.DB, []string, int) (int64, int64, error) {
	return 0, 0, nil
}

// Register wires all three virtual-destination handlers into r.
func Register(r *handler.Registry, inserter QueueEventInserter) {
	r.Register(QTableName, NewQueueTable, "events ignored, copy refused")
	r.Register(QSplitterName, NewQueueSplitter(inserter), "bulk-forwards events into a downstream queue")
	r.Register(VTableName, NewVTable, "marks a table local without any row transform")
}
