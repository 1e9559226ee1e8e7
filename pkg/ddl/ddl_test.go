package ddl

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitStatements(t *testing.T) {
	out, err := SplitStatements("alter table t add column v int; alter table t2 drop column w;")
	require.NoError(t, err)
	assert.Len(t, out, 2)
}

func TestIsAlterTable(t *testing.T) {
	ok, err := IsAlterTable("alter table t add column v int;")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = IsAlterTable("select 1;")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTruncateCascadeSQL(t *testing.T) {
	assert.Equal(t, "TRUNCATE `public`.`t` CASCADE", TruncateCascadeSQL("public.t"))
}
