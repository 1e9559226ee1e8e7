package admin

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/block/londiste/pkg/event"
	"github.com/block/londiste/pkg/handler"
	"github.com/block/londiste/pkg/metadata"
)

type fakeMeta struct {
	metadata.Client

	tables  []metadata.TableListEntry
	seqs    []metadata.SeqListEntry
	missing []string

	setAttrsCalls      []string
	setStateCalls      []string
	removeTableCalls   []string
	changeHandlerCalls []string
	addSeqCalls        []string
	removeSeqCalls     []string
}

func (f *fakeMeta) GetTableList(context.Context, string) ([]metadata.TableListEntry, error) {
	return f.tables, nil
}
func (f *fakeMeta) GetSeqList(context.Context, string) ([]metadata.SeqListEntry, error) {
	return f.seqs, nil
}
func (f *fakeMeta) LocalShowMissing(context.Context, string) ([]string, error) {
	return f.missing, nil
}
func (f *fakeMeta) LocalSetTableAttrs(_ context.Context, _, tableName, attrs string) error {
	f.setAttrsCalls = append(f.setAttrsCalls, tableName+":"+attrs)
	return nil
}
func (f *fakeMeta) LocalSetTableState(_ context.Context, _, tableName, state string) error {
	f.setStateCalls = append(f.setStateCalls, tableName+":"+state)
	return nil
}
func (f *fakeMeta) LocalRemoveTable(_ context.Context, _, tableName string) error {
	f.removeTableCalls = append(f.removeTableCalls, tableName)
	return nil
}
func (f *fakeMeta) LocalChangeHandler(_ context.Context, _, tableName, hstr string) error {
	f.changeHandlerCalls = append(f.changeHandlerCalls, tableName+":"+hstr)
	return nil
}
func (f *fakeMeta) LocalAddSeq(_ context.Context, _, seqName string) error {
	f.addSeqCalls = append(f.addSeqCalls, seqName)
	return nil
}
func (f *fakeMeta) LocalRemoveSeq(_ context.Context, _, seqName string) error {
	f.removeSeqCalls = append(f.removeSeqCalls, seqName)
	return nil
}

// baseOnlyHandler is the minimal vanilla-ish handler used to exercise the
// registry from admin operations; it only needs to satisfy handler.Handler,
// none of its copy/process behavior is invoked by these tests.
type baseOnlyHandler struct {
	handler.BaseHandler
}

func (h *baseOnlyHandler) ProcessEvent(context.Context, *event.Event, handler.EmitFunc, *sql.Tx) error {
	return nil
}
func (h *baseOnlyHandler) RealCopy(context.Context, string, *sql.DB, *sql.DB, []string) (int64, int64, error) {
	return 0, 0, nil
}
func (h *baseOnlyHandler) RealCopyThreaded(context.Context, string, *sql.DB, *sql.DB, []string, int) (int64, int64, error) {
	return 0, 0, nil
}

func newTestAdmin(meta *fakeMeta) *Admin {
	reg := handler.NewRegistry()
	reg.Register("londiste", func(tableName string, args map[string]string, destTable string) (handler.Handler, error) {
		h := handler.NewBaseHandler(tableName, args, destTable)
		return &baseOnlyHandler{BaseHandler: h}, nil
	}, "vanilla handler")
	return New(nil, "q", meta, reg)
}

func TestBuildTriggerArgsOrdersFlagsThenArgsThenHandler(t *testing.T) {
	opts := TriggerArgOptions{
		TriggerFlags: "BIUD",
		TriggerArgs:  []string{"custom1"},
		NoMerge:      true,
	}
	args := BuildTriggerArgs(opts, nil)
	assert.Equal(t, []string{"tgflags=BIUD", "no_merge", "custom1"}, args)
}

func TestRemoveTableCallsRPCPerTable(t *testing.T) {
	meta := &fakeMeta{}
	a := newTestAdmin(meta)
	require.NoError(t, a.RemoveTable(context.Background(), "t1", "t2"))
	assert.Equal(t, []string{"t1", "t2"}, meta.removeTableCalls)
}

func TestChangeHandlerSkipsWhenUnchanged(t *testing.T) {
	meta := &fakeMeta{tables: []metadata.TableListEntry{
		{TableName: "t", Local: true, TableAttrs: "handler=londiste"},
	}}
	a := newTestAdmin(meta)
	err := a.ChangeHandler(context.Background(), "t", ChangeHandlerOptions{HandlerSpec: "londiste"})
	require.NoError(t, err)
	assert.Empty(t, meta.changeHandlerCalls)
}

func TestChangeHandlerAppliesWhenDifferent(t *testing.T) {
	meta := &fakeMeta{tables: []metadata.TableListEntry{
		{TableName: "t", Local: true, TableAttrs: ""},
	}}
	a := newTestAdmin(meta)
	err := a.ChangeHandler(context.Background(), "t", ChangeHandlerOptions{HandlerSpec: "londiste"})
	require.NoError(t, err)
	assert.Equal(t, []string{"t:londiste"}, meta.changeHandlerCalls)
	require.Len(t, meta.setAttrsCalls, 1)
}

func TestChangeHandlerErrorsWhenTableNotLocal(t *testing.T) {
	meta := &fakeMeta{tables: []metadata.TableListEntry{
		{TableName: "t", Local: false},
	}}
	a := newTestAdmin(meta)
	err := a.ChangeHandler(context.Background(), "t", ChangeHandlerOptions{})
	assert.Error(t, err)
}

func TestResyncResetsState(t *testing.T) {
	meta := &fakeMeta{}
	a := newTestAdmin(meta)
	require.NoError(t, a.Resync(context.Background(), ResyncOptions{}, "t1", "t2"))
	assert.Equal(t, []string{"t1:", "t2:"}, meta.setStateCalls)
}

func TestResyncWithFindCopyNodeUpdatesAttrs(t *testing.T) {
	meta := &fakeMeta{tables: []metadata.TableListEntry{
		{TableName: "t1", Local: true, TableAttrs: "handler=londiste"},
	}}
	a := newTestAdmin(meta)
	require.NoError(t, a.Resync(context.Background(), ResyncOptions{FindCopyNode: true}, "t1"))
	require.Len(t, meta.setAttrsCalls, 1)
	assert.Contains(t, meta.setAttrsCalls[0], "copy_node")
}

func TestTablesFiltersLocalAndSorts(t *testing.T) {
	meta := &fakeMeta{tables: []metadata.TableListEntry{
		{TableName: "zzz", Local: true},
		{TableName: "aaa", Local: true},
		{TableName: "remote_only", Local: false},
	}}
	a := newTestAdmin(meta)
	got, err := a.Tables(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "aaa", got[0].TableName)
	assert.Equal(t, "zzz", got[1].TableName)
}

func TestMissingReturnsUpstreamList(t *testing.T) {
	meta := &fakeMeta{missing: []string{"t3"}}
	a := newTestAdmin(meta)
	got, err := a.Missing(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"t3"}, got)
}

func TestShowHandlersListsRegistered(t *testing.T) {
	a := newTestAdmin(&fakeMeta{})
	docs := a.ShowHandlers()
	require.Len(t, docs, 1)
	assert.Equal(t, "londiste", docs[0].Name)
}

func TestWaitSyncPollsUntilOK(t *testing.T) {
	poll := 0
	meta := &fakeMeta{tables: []metadata.TableListEntry{
		{TableName: "t", Local: true, MergeState: "catching-up"},
	}}
	a := newTestAdmin(meta)
	a.Sleep = func(_ time.Duration) {
		poll++
		meta.tables[0].MergeState = "ok"
	}
	require.NoError(t, a.WaitSync(context.Background()))
	assert.Equal(t, 1, poll)
}

func TestWaitSyncReturnsImmediatelyWhenAlreadyOK(t *testing.T) {
	meta := &fakeMeta{tables: []metadata.TableListEntry{
		{TableName: "t", Local: true, MergeState: "ok"},
	}}
	a := newTestAdmin(meta)
	a.Sleep = func(_ time.Duration) { t.Fatal("should not sleep when already in sync") }
	require.NoError(t, a.WaitSync(context.Background()))
}
