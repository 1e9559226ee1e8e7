package dispatch

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/block/londiste/pkg/event"
	"github.com/block/londiste/pkg/handler"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeResolver struct {
	ensured []string
}

func (f *fakeResolver) EnsurePartition(_ context.Context, _ *sql.Tx, partName, _, _ string) error {
	f.ensured = append(f.ensured, partName)
	return nil
}

func TestNewRequiresPartTemplate(t *testing.T) {
	f := New(&fakeResolver{})
	_, err := f("t", nil, "t")
	assert.Error(t, err)
}

func TestPartNameFromTemplate(t *testing.T) {
	f := New(&fakeResolver{})
	h, err := f("t", map[string]string{"part_template": "{{.Table}}_{{.Key}}"}, "events")
	require.NoError(t, err)
	d := h.(*Handler)
	name, err := d.partName(zeroTime(), "42")
	require.NoError(t, err)
	assert.Equal(t, "events_42", name)
}

func TestMergeOpsInsertThenDeleteDrops(t *testing.T) {
	_, drop := mergeOps(event.OpInsert, event.OpDelete)
	assert.True(t, drop)
}

func TestMergeOpsDeleteThenInsertBecomesUpdate(t *testing.T) {
	merged, drop := mergeOps(event.OpDelete, event.OpInsert)
	assert.False(t, drop)
	assert.Equal(t, event.OpUpdate, merged)
}

func TestMergeOpsUpdateThenDeleteBecomesDelete(t *testing.T) {
	merged, drop := mergeOps(event.OpUpdate, event.OpDelete)
	assert.False(t, drop)
	assert.Equal(t, event.OpDelete, merged)
}

func TestCollapseKeepsOneSlotPerKey(t *testing.T) {
	row := &event.Row{Pkey: []string{"id"}, Columns: []string{"id"}, Values: map[string]*string{"id": strPtr("1")}}
	existing := []bucketed{{op: event.OpInsert, row: row}}
	next := bucketed{op: event.OpUpdate, row: row}
	out := collapse(existing, next, "1", RowModePlain)
	assert.Len(t, out, 1)
	assert.Equal(t, event.OpInsert, out[0].op)
}

func TestApplyFieldOpsSkipsAndRenames(t *testing.T) {
	row := &event.Row{
		Columns: []string{"id", "secret", "old_name"},
		Values: map[string]*string{
			"id":       strPtr("1"),
			"secret":   strPtr("x"),
			"old_name": strPtr("bob"),
		},
	}
	applyFieldOps(row, map[string]bool{"secret": true}, map[string]string{"old_name": "new_name"})
	assert.ElementsMatch(t, []string{"id", "new_name"}, row.Columns)
	assert.Nil(t, row.Values["secret"])
	assert.Equal(t, "bob", *row.Values["new_name"])
}

func TestPartModeDefaultIsBatchTime(t *testing.T) {
	f := New(&fakeResolver{})
	h, err := f("t", map[string]string{"part_template": "{{.Table}}_{{.Time.Year}}"}, "events")
	require.NoError(t, err)
	d := h.(*Handler)

	require.NoError(t, d.PrepareBatch(context.Background(), &handler.BatchInfo{BatchEnd: time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)}, nil))
	require.NoError(t, d.ProcessEvent(context.Background(), &event.Event{Type: "I:id", Data: "id=1", Time: "2099-01-01 00:00:00+00"}, nil, nil))

	_, ok := d.buffered["events_2020"]
	assert.True(t, ok, "expected batch_end year, not event time year")
}

func TestPartModeEventTimeUsesEventTimestamp(t *testing.T) {
	f := New(&fakeResolver{})
	h, err := f("t", map[string]string{
		"part_template": "{{.Table}}_{{.Time.Year}}",
		"part_mode":     "event_time",
	}, "events")
	require.NoError(t, err)
	d := h.(*Handler)

	require.NoError(t, d.ProcessEvent(context.Background(), &event.Event{Type: "I:id", Data: "id=1", Time: "2017-06-01 00:00:00+00"}, nil, nil))

	_, ok := d.buffered["events_2017"]
	assert.True(t, ok)
}

func TestPartModeDateFieldReadsNamedColumn(t *testing.T) {
	f := New(&fakeResolver{})
	h, err := f("t", map[string]string{
		"part_template": "{{.Table}}_{{.Time.Year}}",
		"part_mode":     "date_field",
		"part_field":    "created_at",
	}, "events")
	require.NoError(t, err)
	d := h.(*Handler)

	ev := &event.Event{Type: "I:id", Data: "id=1&created_at=2015-03-04 00:00:00-00", Time: "2099-01-01 00:00:00+00"}
	require.NoError(t, d.ProcessEvent(context.Background(), ev, nil, nil))

	_, ok := d.buffered["events_2015"]
	assert.True(t, ok)
}

func TestPartModeDateFieldRequiresPartField(t *testing.T) {
	f := New(&fakeResolver{})
	_, err := f("t", map[string]string{
		"part_template": "{{.Table}}",
		"part_mode":     "date_field",
	}, "events")
	assert.Error(t, err)
}

func TestPartModeRejectsUnknownValue(t *testing.T) {
	f := New(&fakeResolver{})
	_, err := f("t", map[string]string{
		"part_template": "{{.Table}}",
		"part_mode":     "bogus",
	}, "events")
	assert.Error(t, err)
}

func TestRegisterWiresHandler(t *testing.T) {
	r := handler.NewRegistry()
	Register(r, &fakeResolver{})
	docs := r.Describe()
	found := false
	for _, d := range docs {
		if d.Name == Name {
			found = true
		}
	}
	assert.True(t, found)
}

func strPtr(s string) *string { return &s }
func zeroTime() time.Time     { return time.Time{} }
