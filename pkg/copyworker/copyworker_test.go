package copyworker

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/block/londiste/pkg/event"
	"github.com/block/londiste/pkg/handler"
	"github.com/block/londiste/pkg/metadata"
	"github.com/block/londiste/pkg/tablestate"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPidfileAcquireReleaseWaitClear(t *testing.T) {
	dir := t.TempDir()
	p := NewPidfile(dir, "t")

	require.NoError(t, p.Acquire())
	_, err := os.Stat(filepath.Join(dir, "copy.t.pid"))
	require.NoError(t, err)

	require.NoError(t, p.Release())
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, p.WaitClear(ctx, 10*time.Millisecond))
}

func TestPidfileAcquireTwiceFails(t *testing.T) {
	dir := t.TempDir()
	p := NewPidfile(dir, "t")
	require.NoError(t, p.Acquire())
	defer p.Release()
	assert.Error(t, p.Acquire())
}

type copyHandler struct {
	handler.BaseHandler
	bytes, rows int64
}

func (h *copyHandler) ProcessEvent(context.Context, *event.Event, handler.EmitFunc, *sql.Tx) error {
	return nil
}
func (h *copyHandler) RealCopy(context.Context, string, *sql.DB, *sql.DB, []string) (int64, int64, error) {
	return h.bytes, h.rows, nil
}
func (h *copyHandler) RealCopyThreaded(context.Context, string, *sql.DB, *sql.DB, []string, int) (int64, int64, error) {
	return h.bytes, h.rows, nil
}

func TestRunCopyTransitionsToCatchingUp(t *testing.T) {
	tbl := tablestate.NewTable("t", "t")
	tbl.State = tablestate.InCopy
	tbl.Plugin = &copyHandler{bytes: 100, rows: 5}

	w := &Worker{}
	bytes, rows, err := w.RunCopy(context.Background(), tbl, "t", nil, nil, []string{"id"}, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(100), bytes)
	assert.Equal(t, int64(5), rows)
	assert.Equal(t, tablestate.CatchingUp, tbl.State)
}

func TestRunCopyRejectsWrongState(t *testing.T) {
	tbl := tablestate.NewTable("t", "t")
	w := &Worker{}
	_, _, err := w.RunCopy(context.Background(), tbl, "t", nil, nil, nil, 0)
	assert.Error(t, err)
}

func TestNextActionDoSyncReachedTickExits(t *testing.T) {
	tbl := tablestate.NewTable("t", "t")
	tbl.State = tablestate.CatchingUp
	require.NoError(t, tbl.Transition(tablestate.CopyWorker, tablestate.WannaSync, 5))
	require.NoError(t, tbl.Transition(tablestate.MainWorker, tablestate.DoSync, 5))

	action, err := NextAction(tbl, 5, true)
	require.NoError(t, err)
	assert.Equal(t, ActionExit, action)
	assert.Equal(t, tablestate.OK, tbl.State)
}

func TestNextActionDoSyncBeforeTickConsumes(t *testing.T) {
	tbl := tablestate.NewTable("t", "t")
	tbl.State = tablestate.CatchingUp
	require.NoError(t, tbl.Transition(tablestate.CopyWorker, tablestate.WannaSync, 10))
	require.NoError(t, tbl.Transition(tablestate.MainWorker, tablestate.DoSync, 10))

	action, err := NextAction(tbl, 3, true)
	require.NoError(t, err)
	assert.Equal(t, ActionConsume, action)
}

func TestNextActionCatchingUpNoEventsPromotesToWannaSync(t *testing.T) {
	tbl := tablestate.NewTable("t", "t")
	tbl.State = tablestate.CatchingUp

	action, err := NextAction(tbl, 7, false)
	require.NoError(t, err)
	assert.Equal(t, ActionConsume, action)
	assert.Equal(t, tablestate.WannaSync, tbl.State)
	assert.Equal(t, int64(7), tbl.SyncTickID)
}

func TestNextActionCatchingUpWithDroppedDDL(t *testing.T) {
	tbl := tablestate.NewTable("t", "t")
	tbl.State = tablestate.CatchingUp
	tbl.DroppedDDL = []string{"alter table t add column v int"}

	action, err := NextAction(tbl, 7, true)
	require.NoError(t, err)
	assert.Equal(t, ActionReissueDroppedDDL, action)
}

func TestNextActionWannaSyncIdles(t *testing.T) {
	tbl := tablestate.NewTable("t", "t")
	tbl.State = tablestate.WannaSync
	action, err := NextAction(tbl, 7, true)
	require.NoError(t, err)
	assert.Equal(t, ActionIdle, action)
}

type fakeMetadata struct {
	metadata.Client
	pending  []metadata.FKey
	restored []string
}

func (f *fakeMetadata) GetValidPendingFKeys(context.Context, string) ([]metadata.FKey, error) {
	return f.pending, nil
}
func (f *fakeMetadata) RestoreTableFKey(_ context.Context, fk metadata.FKey) error {
	f.restored = append(f.restored, fk.Name)
	return nil
}

func TestRestoreFKeysOnlyWhenBothEndpointsOK(t *testing.T) {
	a := tablestate.NewTable("a", "a")
	a.State = tablestate.OK
	b := tablestate.NewTable("b", "b")
	b.State = tablestate.InCopy

	meta := &fakeMetadata{pending: []metadata.FKey{
		{Name: "fk_ab", FromTable: "a", ToTable: "b"},
	}}
	w := &Worker{Metadata: meta, QueueName: "q"}
	require.NoError(t, w.RestoreFKeys(context.Background(), map[string]*tablestate.Table{"a": a, "b": b}))
	assert.Empty(t, meta.restored)

	b.State = tablestate.OK
	require.NoError(t, w.RestoreFKeys(context.Background(), map[string]*tablestate.Table{"a": a, "b": b}))
	assert.Equal(t, []string{"fk_ab"}, meta.restored)
}
