package handler

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/block/londiste/pkg/event"
)

func TestParseNameBare(t *testing.T) {
	name, args, err := ParseName("londiste")
	require.NoError(t, err)
	assert.Equal(t, "londiste", name)
	assert.Empty(t, args)
}

func TestParseNameWithArgs(t *testing.T) {
	name, args, err := ParseName("shard(key=id&hash_key=id)")
	require.NoError(t, err)
	assert.Equal(t, "shard", name)
	assert.Equal(t, map[string]string{"key": "id", "hash_key": "id"}, args)
}

func TestParseNameCommaSeparated(t *testing.T) {
	name, args, err := ParseName("shard(key=id,hash_key=id)")
	require.NoError(t, err)
	assert.Equal(t, "shard", name)
	assert.Equal(t, map[string]string{"key": "id", "hash_key": "id"}, args)
}

func TestParseNameInvalidFormat(t *testing.T) {
	_, _, err := ParseName("shard(key=id")
	assert.Error(t, err)
}

func TestBuildNameRoundTrip(t *testing.T) {
	s, err := BuildName("shard", []string{"key=id", "hash_key=id"})
	require.NoError(t, err)

	name, args, err := ParseName(s)
	require.NoError(t, err)
	assert.Equal(t, "shard", name)
	assert.Equal(t, map[string]string{"key": "id", "hash_key": "id"}, args)
}

func TestBuildNameNoArgs(t *testing.T) {
	s, err := BuildName("londiste", nil)
	require.NoError(t, err)
	assert.Equal(t, "londiste", s)
}

func TestBuildNameRejectsParenInName(t *testing.T) {
	_, err := BuildName("bad(name", nil)
	assert.Error(t, err)
}

func TestBuildNameDuplicateArg(t *testing.T) {
	_, err := BuildName("shard", []string{"key=1", "key=2"})
	assert.Error(t, err)
}

func TestCheckArgsRejectsUnknown(t *testing.T) {
	err := CheckArgs("shard", map[string]string{"bogus": "1"}, "key", "hash_key")
	assert.Error(t, err)
}

func TestCheckArgsAcceptsKnown(t *testing.T) {
	err := CheckArgs("shard", map[string]string{"key": "id"}, "key", "hash_key")
	assert.NoError(t, err)
}

type noopHandler struct {
	BaseHandler
}

func TestRegistryBuildUnknownHandler(t *testing.T) {
	r := NewRegistry()
	_, err := r.Build("public.t", "nope", "")
	assert.Error(t, err)
}

func TestRegistryBuildDefaultsToLondiste(t *testing.T) {
	r := NewRegistry()
	r.Register("londiste", func(tableName string, args map[string]string, destTable string) (Handler, error) {
		return &noopHandler{BaseHandler: NewBaseHandler(tableName, args, destTable)}, nil
	}, "vanilla handler")

	h, err := r.Build("public.t", "", "")
	require.NoError(t, err)
	nh := h.(*noopHandler)
	assert.Equal(t, "public.t", nh.TableName)
	assert.Equal(t, "public.t", nh.DestTable)
}

func TestRegistryDescribeSorted(t *testing.T) {
	r := NewRegistry()
	r.Register("zzz", nil, "z handler")
	r.Register("aaa", nil, "a handler")
	docs := r.Describe()
	require.Len(t, docs, 2)
	assert.Equal(t, "aaa", docs[0].Name)
	assert.Equal(t, "zzz", docs[1].Name)
}

func TestBaseHandlerDefaults(t *testing.T) {
	b := NewBaseHandler("public.t", nil, "")
	assert.True(t, b.NeedsTable())
	assert.Equal(t, []string{"a"}, b.Add([]string{"a"}))
	b.Reset()
	assert.NoError(t, b.PrepareBatch(context.Background(), &BatchInfo{}, (*sql.Tx)(nil)))
	assert.NoError(t, b.FinishBatch(context.Background(), &BatchInfo{}, (*sql.Tx)(nil)))
	cond, err := b.GetCopyCondition(context.Background(), nil, nil)
	assert.NoError(t, err)
	assert.Empty(t, cond)

	ev := &event.Event{ID: 1}
	out, err := b.GetCopyEvent(ev, "q")
	assert.NoError(t, err)
	assert.Same(t, ev, out)
}
