package syncer

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePkeyColumns struct {
	cols  map[string][]string
	pkeys map[string][]string
}

func (f *fakePkeyColumns) TableColumns(_ context.Context, _ *sql.DB, tableName string) ([]string, error) {
	return f.cols[tableName], nil
}

func (f *fakePkeyColumns) TablePkeys(_ context.Context, _ *sql.DB, tableName string) ([]string, error) {
	return f.pkeys[tableName], nil
}

func TestLoadCommonColumnsRejectsPkeyMismatch(t *testing.T) {
	r := &Repairer{Columns: &fakePkeyColumns{
		pkeys: map[string][]string{"src": {"id"}, "dst": {"other_id"}},
	}}
	err := r.loadCommonColumns(context.Background(), "src", "dst", nil, nil)
	assert.Error(t, err)
}

func TestLoadCommonColumnsPutsPkeysFirst(t *testing.T) {
	r := &Repairer{Columns: &fakePkeyColumns{
		pkeys: map[string][]string{"src": {"id"}, "dst": {"id"}},
		cols:  map[string][]string{"src": {"v", "id", "extra"}, "dst": {"id", "v"}},
	}}
	require.NoError(t, r.loadCommonColumns(context.Background(), "src", "dst", nil, nil))
	assert.Equal(t, []string{"id", "v"}, r.commonFields)
}

func TestCmpValueTruncatesTimezoneOffset(t *testing.T) {
	assert.Equal(t, 0, cmpValue("2024-01-01 00:00:00+05", "2024-01-01 00:00:00"))
	assert.Equal(t, 0, cmpValue("2024-01-01 00:00:00", "2024-01-01 00:00:00+05"))
	assert.NotEqual(t, 0, cmpValue("2024-01-01 00:00:00+05", "2024-01-02 00:00:00"))
}

func TestCmpKeysTreatsExhaustedCursorAsLargest(t *testing.T) {
	pkeys := []string{"id"}
	assert.Equal(t, 0, cmpKeys(pkeys, nil, nil))
	assert.Equal(t, 1, cmpKeys(pkeys, nil, map[string]string{"id": "1"}))
	assert.Equal(t, -1, cmpKeys(pkeys, map[string]string{"id": "1"}, nil))
}

func TestEmitMissedUpdateInsertDelete(t *testing.T) {
	dir := t.TempDir()
	cwd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	defer os.Chdir(cwd)

	r := &Repairer{pkeyList: []string{"id"}, commonFields: []string{"id", "v"}}

	srcRow := map[string]string{"id": "1", "v": "x"}
	dstRow := map[string]string{"id": "1", "v": "y"}

	var got []string
	r.fixWriter = func(_, stmt string) error {
		got = append(got, stmt)
		return nil
	}

	require.NoError(t, r.emitMissedUpdate(context.Background(), "t", srcRow, dstRow))
	assert.Len(t, got, 1)
	assert.Contains(t, got[0], "UPDATE")
	assert.Contains(t, got[0], "'x'")

	got = nil
	require.NoError(t, r.emitMissedInsert(context.Background(), "t", map[string]string{"id": "2", "v": "z"}))
	assert.Contains(t, got[0], "INSERT INTO")

	got = nil
	require.NoError(t, r.emitMissedDelete(context.Background(), "t", map[string]string{"id": "3", "v": "w"}))
	assert.Contains(t, got[0], "DELETE FROM")
}

func TestAppendFixFileTruncatesOnFirstWriteThenAppends(t *testing.T) {
	dir := t.TempDir()
	cwd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	defer os.Chdir(cwd)

	r := &Repairer{}
	require.NoError(t, r.appendFixFile("t", "stmt one;"))
	require.NoError(t, r.appendFixFile("t", "stmt two;"))

	data, err := os.ReadFile(filepath.Join(dir, "fix.t.sql"))
	require.NoError(t, err)
	assert.Equal(t, "stmt one;\nstmt two;\n", string(data))
}

func TestEqCondHandlesNull(t *testing.T) {
	assert.Equal(t, "`id` IS NULL", eqCond("id", nullMarker))
	assert.Contains(t, eqCond("id", "5"), "= '5'")
}
