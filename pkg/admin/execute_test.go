package admin

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeResolver struct {
	tableExists bool
}

func (r *fakeResolver) TableExists(context.Context, string) (bool, error)    { return r.tableExists, nil }
func (r *fakeResolver) SequenceExists(context.Context, string) (bool, error) { return false, nil }
func (r *fakeResolver) SchemaExists(context.Context, string) (bool, error)   { return false, nil }
func (r *fakeResolver) FunctionExists(context.Context, string, int) (bool, error) {
	return false, nil
}
func (r *fakeResolver) ViewExists(context.Context, string) (bool, error) { return false, nil }

type execFakeMeta struct {
	fakeMeta
	startRetCode int
	startCalls   []string
	finishCalls  []string
	roleCalls    []string
}

func (f *execFakeMeta) ExecuteStart(_ context.Context, _, execID string) (int, error) {
	f.startCalls = append(f.startCalls, execID)
	return f.startRetCode, nil
}
func (f *execFakeMeta) ExecuteFinish(_ context.Context, _, execID string) error {
	f.finishCalls = append(f.finishCalls, execID)
	return nil
}
func (f *execFakeMeta) SetSessionReplicationRole(_ context.Context, role string, sticky bool) error {
	f.roleCalls = append(f.roleCalls, role)
	return nil
}

func writeTmpSQL(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	fn := filepath.Join(dir, "01_op.sql")
	require.NoError(t, os.WriteFile(fn, []byte(body), 0o644))
	return fn
}

func TestExecuteRunsPlainSQL(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("ALTER TABLE foo ADD COLUMN bar int").WillReturnResult(sqlmock.NewResult(0, 0))

	meta := &execFakeMeta{startRetCode: 0}
	e := &Execer{QueueName: "q", Metadata: meta, Resolver: &fakeResolver{}}

	fn := writeTmpSQL(t, "ALTER TABLE foo ADD COLUMN bar int;")
	require.NoError(t, e.Execute(context.Background(), db, []string{fn}, nil, nil))

	assert.Equal(t, []string{"local"}, meta.roleCalls)
	assert.Len(t, meta.startCalls, 1)
	assert.Len(t, meta.finishCalls, 1)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestExecuteSkipsWhenAlreadyRun(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	meta := &execFakeMeta{startRetCode: 201}
	e := &Execer{QueueName: "q", Metadata: meta, Resolver: &fakeResolver{}}

	fn := writeTmpSQL(t, "ALTER TABLE foo ADD COLUMN bar int;")
	require.NoError(t, e.Execute(context.Background(), db, []string{fn}, nil, nil))

	assert.Empty(t, meta.finishCalls)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestExecuteSkipsWhenNeedExecuteFalse(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	meta := &execFakeMeta{startRetCode: 0}
	e := &Execer{QueueName: "q", Metadata: meta, Resolver: &fakeResolver{}}

	body := "--*-- Local-Table: other_table\nALTER TABLE other_table ADD COLUMN bar int;"
	fn := writeTmpSQL(t, body)
	require.NoError(t, e.Execute(context.Background(), db, []string{fn}, map[string]string{}, nil))

	assert.Len(t, meta.finishCalls, 1)
	require.NoError(t, mock.ExpectationsWereMet())
}
