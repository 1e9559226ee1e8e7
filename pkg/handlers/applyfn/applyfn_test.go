package applyfn

import (
	"context"
	"testing"

	"github.com/block/londiste/pkg/event"
	"github.com/block/londiste/pkg/handler"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRejectsUnknownArg(t *testing.T) {
	f := New("myapply")
	_, err := f("t", map[string]string{"bogus": "1"}, "t")
	assert.Error(t, err)
}

func TestProcessEventCallsFunction(t *testing.T) {
	f := New("myapply")
	h, err := f("t", map[string]string{"conf": "cfg"}, "t")
	require.NoError(t, err)

	ev := &event.Event{ID: 1, Type: "I", Data: "id=1", Time: "2026-01-01 00:00:00", TxID: 5}
	var got string
	err = h.ProcessEvent(context.Background(), ev, func(sql string) error { got = sql; return nil }, nil)
	require.NoError(t, err)
	assert.Contains(t, got, "SELECT `myapply`(")
	assert.Contains(t, got, "'cfg'")
}

func TestMultimasterAddsNoMerge(t *testing.T) {
	h, err := NewMultimaster("t", nil, "t")
	require.NoError(t, err)
	args := h.Add(nil)
	assert.Contains(t, args, "no_merge")
}

func TestPlainApplyFnDoesNotAddNoMerge(t *testing.T) {
	f := New("myapply")
	h, err := f("t", nil, "t")
	require.NoError(t, err)
	args := h.Add(nil)
	assert.NotContains(t, args, "no_merge")
}

func TestRegisterWiresBothNames(t *testing.T) {
	r := handler.NewRegistry()
	Register(r, "myapply")
	docs := r.Describe()
	names := map[string]bool{}
	for _, d := range docs {
		names[d.Name] = true
	}
	assert.True(t, names[Name])
	assert.True(t, names[MultimasterName])
}
