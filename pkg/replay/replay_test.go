package replay

import (
	"context"
	"database/sql"
	"testing"

	"github.com/block/londiste/pkg/event"
	"github.com/block/londiste/pkg/handler"
	"github.com/block/londiste/pkg/metadata"
	"github.com/block/londiste/pkg/tablestate"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMetadata struct {
	metadata.Client
	addTableCalls    []string
	removeTableCalls []string
	removeSeqCalls   []string
	updateSeqCalls   []string
}

func (f *fakeMetadata) LocalAddTable(_ context.Context, _, tableName, _, _, _ string) error {
	f.addTableCalls = append(f.addTableCalls, tableName)
	return nil
}
func (f *fakeMetadata) LocalRemoveTable(_ context.Context, _, tableName string) error {
	f.removeTableCalls = append(f.removeTableCalls, tableName)
	return nil
}
func (f *fakeMetadata) LocalRemoveSeq(_ context.Context, _, seqName string) error {
	f.removeSeqCalls = append(f.removeSeqCalls, seqName)
	return nil
}
func (f *fakeMetadata) GlobalUpdateSeq(_ context.Context, _, seqName string, value int64) error {
	f.updateSeqCalls = append(f.updateSeqCalls, seqName)
	return nil
}

type noopHandler struct {
	handler.BaseHandler
	processed int
}

func (h *noopHandler) ProcessEvent(context.Context, *event.Event, handler.EmitFunc, *sql.Tx) error {
	h.processed++
	return nil
}
func (h *noopHandler) RealCopy(context.Context, string, *sql.DB, *sql.DB, []string) (int64, int64, error) {
	return 0, 0, nil
}
func (h *noopHandler) RealCopyThreaded(context.Context, string, *sql.DB, *sql.DB, []string, int) (int64, int64, error) {
	return 0, 0, nil
}

func newWorkerForTest(tables map[string]*tablestate.Table) *Worker {
	return NewWorker(handler.NewRegistry(), &fakeMetadata{}, nil, tables)
}

func TestInterestedMainWorkerOnlyAcceptsOKTables(t *testing.T) {
	tbl := tablestate.NewTable("t", "t")
	tbl.State = tablestate.InCopy
	w := newWorkerForTest(map[string]*tablestate.Table{"t": tbl})
	w.Mode = ModeMain

	ok, _, _, err := w.interested(&event.Event{Type: "I", Extra1: "t"})
	require.NoError(t, err)
	assert.False(t, ok)

	tbl.State = tablestate.OK
	ok, _, _, err = w.interested(&event.Event{Type: "I", Extra1: "t"})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestInterestedCopyWorkerOnlyAcceptsItsOwnTable(t *testing.T) {
	t1 := tablestate.NewTable("t1", "t1")
	t1.State = tablestate.CatchingUp
	t2 := tablestate.NewTable("t2", "t2")
	t2.State = tablestate.CatchingUp
	w := newWorkerForTest(map[string]*tablestate.Table{"t1": t1, "t2": t2})
	w.Mode = ModeCopy
	w.CopyTable = "t1"

	ok, _, _, err := w.interested(&event.Event{Type: "I", Extra1: "t1"})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, _, _, err = w.interested(&event.Event{Type: "I", Extra1: "t2"})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestInterestedAlwaysAcceptsMetaAndExecuteEvents(t *testing.T) {
	w := newWorkerForTest(map[string]*tablestate.Table{})
	for _, typ := range []string{event.TypeExecute, event.TypeAddTable, event.TypeRemoveTable, event.TypeRemoveSeq, event.TypeUpdateSeq} {
		ok, _, _, err := w.interested(&event.Event{Type: typ})
		require.NoError(t, err)
		assert.True(t, ok, typ)
	}
}

func TestHandleMetaEventDispatchesToMetadataRPC(t *testing.T) {
	meta := &fakeMetadata{}
	w := NewWorker(handler.NewRegistry(), meta, nil, map[string]*tablestate.Table{})

	require.NoError(t, w.handleMetaEvent(context.Background(), &event.Event{Type: event.TypeAddTable, Data: "table=foo&dest_table=foo"}))
	assert.Equal(t, []string{"foo"}, meta.addTableCalls)

	require.NoError(t, w.handleMetaEvent(context.Background(), &event.Event{Type: event.TypeRemoveTable, Data: "table=bar"}))
	assert.Equal(t, []string{"bar"}, meta.removeTableCalls)

	require.NoError(t, w.handleMetaEvent(context.Background(), &event.Event{Type: event.TypeRemoveSeq, Data: "seq=s1"}))
	assert.Equal(t, []string{"s1"}, meta.removeSeqCalls)

	require.NoError(t, w.handleMetaEvent(context.Background(), &event.Event{Type: event.TypeUpdateSeq, Data: "seq=s1&value=42"}))
	assert.Equal(t, []string{"s1"}, meta.updateSeqCalls)
}

func TestRunBatchDispatchesRowEventToHandlerAndGCsSnapshot(t *testing.T) {
	h := &noopHandler{BaseHandler: handler.NewBaseHandler("t", nil, "t")}
	tbl := tablestate.NewTable("t", "t")
	tbl.State = tablestate.OK
	tbl.StrSnapshot = "5:10:"
	tbl.Plugin = h

	w := newWorkerForTest(map[string]*tablestate.Table{"t": tbl})
	w.Mode = ModeMain

	events := []*event.Event{{Type: "I", Extra1: "t", Data: "id=1"}}
	err := w.RunBatch(context.Background(), 100, 99, events, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, h.processed)
	assert.Equal(t, int64(100), tbl.LastTick)
	assert.Equal(t, 1, tbl.OKBatchCount)
	assert.Equal(t, "5:10:", tbl.StrSnapshot, "snapshot must not be cleared after a single quiet batch")
}

type fakeSnapshotChecker struct{ insideTxIDs map[int64]bool }

func (f *fakeSnapshotChecker) ContainsTxID(_ context.Context, _ string, txid int64) (bool, error) {
	return f.insideTxIDs[txid], nil
}

// TestRunBatchResetsSnapshotCounterOnInsideEvent exercises the fix for the
// double-counting/dead-reset bug: an event whose txid falls inside the
// retained snapshot must (a) be dropped, not reprocessed, and (b) reset
// OKBatchCount instead of leaving it to climb toward the clear threshold
// untouched.
func TestRunBatchResetsSnapshotCounterOnInsideEvent(t *testing.T) {
	h := &noopHandler{BaseHandler: handler.NewBaseHandler("t", nil, "t")}
	tbl := tablestate.NewTable("t", "t")
	tbl.State = tablestate.OK
	tbl.StrSnapshot = "5:10:"
	tbl.OKBatchCount = 2
	tbl.Plugin = h

	w := newWorkerForTest(map[string]*tablestate.Table{"t": tbl})
	w.Mode = ModeMain
	w.Snapshot = &fakeSnapshotChecker{insideTxIDs: map[int64]bool{7: true}}

	events := []*event.Event{{Type: "I", Extra1: "t", Data: "id=1", TxID: 7}}
	err := w.RunBatch(context.Background(), 100, 99, events, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, h.processed, "in-snapshot event must be dropped, not reprocessed")
	assert.Equal(t, 0, tbl.OKBatchCount, "an in-snapshot hit must reset the counter, not advance it")
	assert.Equal(t, "5:10:", tbl.StrSnapshot)
}

func TestRunBatchSkipsNonOKTable(t *testing.T) {
	h := &noopHandler{BaseHandler: handler.NewBaseHandler("t", nil, "t")}
	tbl := tablestate.NewTable("t", "t")
	tbl.State = tablestate.InCopy
	tbl.Plugin = h

	w := newWorkerForTest(map[string]*tablestate.Table{"t": tbl})
	w.Mode = ModeMain

	events := []*event.Event{{Type: "I", Extra1: "t", Data: "id=1"}}
	err := w.RunBatch(context.Background(), 100, 99, events, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, h.processed)
}
