package qtable

import (
	"context"
	"testing"

	"github.com/block/londiste/pkg/event"
	"github.com/block/londiste/pkg/handler"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueTableRefusesCopy(t *testing.T) {
	h, err := NewQueueTable("t", nil, "t")
	require.NoError(t, err)
	assert.False(t, h.NeedsTable())
	_, _, err = h.RealCopy(context.Background(), "t", nil, nil, nil)
	assert.Error(t, err)
}

func TestQueueTableIgnoresEvents(t *testing.T) {
	h, err := NewQueueTable("t", nil, "t")
	require.NoError(t, err)
	ev := &event.Event{Type: "I", Data: "id=1"}
	called := false
	err = h.ProcessEvent(context.Background(), ev, func(string) error { called = true; return nil }, nil)
	require.NoError(t, err)
	assert.False(t, called)
}

type fakeInserter struct {
	inserted []string
}

func (f *fakeInserter) InsertEvent(_ context.Context, queueName string, ev *event.Event) error {
	f.inserted = append(f.inserted, queueName)
	return nil
}

func TestQueueSplitterRequiresQueueArg(t *testing.T) {
	f := NewQueueSplitter(&fakeInserter{})
	_, err := f("t", nil, "t")
	assert.Error(t, err)
}

func TestQueueSplitterBuffersThenForwards(t *testing.T) {
	ins := &fakeInserter{}
	f := NewQueueSplitter(ins)
	h, err := f("t", map[string]string{"queue": "downstream"}, "t")
	require.NoError(t, err)
	assert.False(t, h.NeedsTable())

	ev := &event.Event{Type: "I", Data: "id=1"}
	require.NoError(t, h.ProcessEvent(context.Background(), ev, nil, nil))
	require.NoError(t, h.ProcessEvent(context.Background(), ev, nil, nil))
	require.NoError(t, h.FinishBatch(context.Background(), nil, nil))
	assert.Equal(t, []string{"downstream", "downstream"}, ins.inserted)
}

func TestVTableIsNoop(t *testing.T) {
	h, err := NewVTable("t", nil, "t")
	require.NoError(t, err)
	assert.False(t, h.NeedsTable())
	n, d, err := h.RealCopy(context.Background(), "t", nil, nil, nil)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Zero(t, d)
}

func TestRegisterWiresAllThree(t *testing.T) {
	r := handler.NewRegistry()
	Register(r, &fakeInserter{})
	docs := r.Describe()
	names := map[string]bool{}
	for _, d := range docs {
		names[d.Name] = true
	}
	assert.True(t, names[QTableName])
	assert.True(t, names[QSplitterName])
	assert.True(t, names[VTableName])
}
