package tablestate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMergeState(t *testing.T) {
	cases := []struct {
		in    string
		state State
		tick  int64
	}{
		{"", Missing, 0},
		{"?", Missing, 0},
		{"in-copy", InCopy, 0},
		{"catching-up", CatchingUp, 0},
		{"ok", OK, 0},
		{"wanna-sync:42", WannaSync, 42},
		{"do-sync:7", DoSync, 7},
	}
	for _, c := range cases {
		s, tick, err := ParseMergeState(c.in)
		require.NoError(t, err, c.in)
		assert.Equal(t, c.state, s, c.in)
		assert.Equal(t, c.tick, tick, c.in)
	}
}

func TestParseMergeStateUnknown(t *testing.T) {
	_, _, err := ParseMergeState("bogus")
	assert.Error(t, err)
}

func TestMergeStateRoundTrip(t *testing.T) {
	assert.Equal(t, "wanna-sync:5", WannaSync.MergeState(5))
	assert.Equal(t, "do-sync:9", DoSync.MergeState(9))
	assert.Equal(t, "ok", OK.MergeState(0))
	assert.Equal(t, "?", Missing.MergeState(0))
}

func TestTableAttrsRoundTrip(t *testing.T) {
	a := TableAttrs{Handler: "shard(key=id)", CopyNode: "node1", SkipTruncate: true, MaxParallelCopy: 4}
	enc := a.Encode()
	b, err := ParseTableAttrs(enc)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestParseTableAttrsLegacyHandlersAlias(t *testing.T) {
	a, err := ParseTableAttrs("handlers=londiste")
	require.NoError(t, err)
	assert.Equal(t, "londiste", a.Handler)
}

func TestTransitionMainWorkerMissingToInCopy(t *testing.T) {
	tbl := NewTable("public.t", "")
	require.NoError(t, tbl.Transition(MainWorker, InCopy, 0))
	assert.Equal(t, InCopy, tbl.State)
	assert.True(t, tbl.Changed)
}

func TestTransitionRejectsIllegalWriter(t *testing.T) {
	tbl := NewTable("public.t", "")
	tbl.State = InCopy
	// Only CopyWorker may advance in-copy -> catching-up.
	err := tbl.Transition(MainWorker, CatchingUp, 0)
	assert.Error(t, err)
}

func TestTransitionCopyWorkerChain(t *testing.T) {
	tbl := NewTable("public.t", "")
	tbl.State = InCopy
	require.NoError(t, tbl.Transition(CopyWorker, CatchingUp, 0))
	require.NoError(t, tbl.Transition(CopyWorker, WannaSync, 10))
	assert.Equal(t, int64(10), tbl.SyncTickID)

	require.NoError(t, tbl.Transition(MainWorker, DoSync, 10))
	require.NoError(t, tbl.Transition(MainWorker, OK, 0))
	assert.Equal(t, OK, tbl.State)
	assert.Equal(t, int64(0), tbl.SyncTickID)
}

func TestResyncOnlyFromOK(t *testing.T) {
	tbl := NewTable("public.t", "")
	assert.Error(t, tbl.Resync())

	tbl.State = OK
	tbl.StrSnapshot = "123:456:"
	require.NoError(t, tbl.Resync())
	assert.Equal(t, InCopy, tbl.State)
	assert.Empty(t, tbl.StrSnapshot)
}

func TestHasSnapshot(t *testing.T) {
	tbl := NewTable("public.t", "")
	tbl.State = InCopy
	assert.True(t, tbl.HasSnapshot())
	tbl.State = OK
	tbl.StrSnapshot = ""
	assert.False(t, tbl.HasSnapshot())
}

func TestMaybeGCSnapshotClearsAfterThreeQuietBatches(t *testing.T) {
	tbl := NewTable("public.t", "")
	tbl.State = OK
	tbl.StrSnapshot = "snap"
	tbl.MaybeGCSnapshot(false)
	tbl.MaybeGCSnapshot(false)
	assert.Equal(t, "snap", tbl.StrSnapshot)
	tbl.MaybeGCSnapshot(false)
	assert.Empty(t, tbl.StrSnapshot)
}

func TestMaybeGCSnapshotResetsOnInterestingEvent(t *testing.T) {
	tbl := NewTable("public.t", "")
	tbl.State = OK
	tbl.StrSnapshot = "snap"
	tbl.MaybeGCSnapshot(false)
	tbl.MaybeGCSnapshot(true)
	assert.Equal(t, 0, tbl.OKBatchCount)
	assert.Equal(t, "snap", tbl.StrSnapshot)
}
