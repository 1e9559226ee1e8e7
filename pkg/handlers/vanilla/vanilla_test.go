package vanilla

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/block/londiste/pkg/event"
	"github.com/block/londiste/pkg/handler"
)

func TestNewRejectsUnknownArg(t *testing.T) {
	_, err := New("public.t", map[string]string{"bogus": "1"}, "")
	assert.Error(t, err)
}

func TestNewDefaultsDestTable(t *testing.T) {
	h, err := New("public.t", nil, "")
	require.NoError(t, err)
	v := h.(*Handler)
	assert.Equal(t, "public.t", v.DestTable)
	assert.True(t, v.NeedsTable())
}

func TestIgnoreTruncateFlag(t *testing.T) {
	h, err := New("public.t", map[string]string{"ignore_truncate": "1"}, "")
	require.NoError(t, err)
	assert.True(t, h.(*Handler).IgnoreTruncate())
}

func TestProcessEventInsert(t *testing.T) {
	h, err := New("public.t", nil, "public.t")
	require.NoError(t, err)

	ev := &event.Event{Type: "I:id", Data: "id=1&name=bob"}
	var emitted []string
	err = h.ProcessEvent(context.Background(), ev, func(s string) error {
		emitted = append(emitted, s)
		return nil
	}, nil)
	require.NoError(t, err)
	require.Len(t, emitted, 1)
	assert.Equal(t, "INSERT INTO `public`.`t` (`id`, `name`) VALUES ('1', 'bob')", emitted[0])
}

func TestProcessEventDelete(t *testing.T) {
	h, err := New("public.t", nil, "")
	require.NoError(t, err)

	ev := &event.Event{Type: "D:id", Data: "id=5"}
	var emitted []string
	err = h.ProcessEvent(context.Background(), ev, func(s string) error {
		emitted = append(emitted, s)
		return nil
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, "DELETE FROM `public`.`t` WHERE `id` = '5'", emitted[0])
}

func TestProcessEventLegacySQLFragment(t *testing.T) {
	h, err := New("public.t", nil, "")
	require.NoError(t, err)

	ev := &event.Event{Type: "I", Data: "insert into public.t values (1)"}
	var emitted []string
	err = h.ProcessEvent(context.Background(), ev, func(s string) error {
		emitted = append(emitted, s)
		return nil
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"insert into public.t values (1)"}, emitted)
}

func TestRegisterWiresIntoRegistry(t *testing.T) {
	r := handler.NewRegistry()
	Register(r)
	h, err := r.Build("public.t", "", "")
	require.NoError(t, err)
	assert.IsType(t, &Handler{}, h)
}
