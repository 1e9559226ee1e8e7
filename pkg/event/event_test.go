package event

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTypeBareLetter(t *testing.T) {
	dt, err := ParseType("I")
	require.NoError(t, err)
	assert.Equal(t, OpInsert, dt.Op)
	assert.True(t, dt.IsSQLEvent)
	assert.Empty(t, dt.Pkey)
}

func TestParseTypePkeyList(t *testing.T) {
	dt, err := ParseType("U:id,tenant_id")
	require.NoError(t, err)
	assert.Equal(t, OpUpdate, dt.Op)
	assert.False(t, dt.IsSQLEvent)
	assert.Equal(t, []string{"id", "tenant_id"}, dt.Pkey)
}

func TestParseTypeJSON(t *testing.T) {
	dt, err := ParseType(`{"op":"D","pkey":["id"]}`)
	require.NoError(t, err)
	assert.Equal(t, OpDelete, dt.Op)
	assert.Equal(t, []string{"id"}, dt.Pkey)
}

func TestParseTypeUnknownLetter(t *testing.T) {
	_, err := ParseType("X")
	assert.Error(t, err)
}

func TestParseTypeEmpty(t *testing.T) {
	_, err := ParseType("")
	assert.Error(t, err)
}

func TestIsRowEvent(t *testing.T) {
	assert.False(t, (&Event{Type: TypeExecute}).IsRowEvent())
	assert.False(t, (&Event{Type: TypeTruncate}).IsRowEvent())
	assert.False(t, (&Event{Type: TypeAddTable}).IsRowEvent())
	assert.True(t, (&Event{Type: "I:id"}).IsRowEvent())
}

func TestDecodeRowURLEnc(t *testing.T) {
	r, err := DecodeRow(`id=1&name=bob&deleted_at=%5CN`, []string{"id"})
	require.NoError(t, err)
	assert.Equal(t, "1", *r.Values["id"])
	assert.Equal(t, "bob", *r.Values["name"])
	assert.Nil(t, r.Values["deleted_at"])
	assert.Equal(t, []string{"id"}, r.Pkey)
}

func TestDecodeRowJSON(t *testing.T) {
	r, err := DecodeRow(`{"id":"1","name":"bob","deleted_at":null}`, []string{"id"})
	require.NoError(t, err)
	assert.Equal(t, "1", *r.Values["id"])
	assert.Nil(t, r.Values["deleted_at"])
	assert.Equal(t, []string{"id", "name", "deleted_at"}, r.Columns)
}

func TestMkInsertSQLRoundTripsColumns(t *testing.T) {
	r, err := DecodeRow(`id=1&name=bob`, []string{"id"})
	require.NoError(t, err)
	sql, err := MkInsertSQL(r, "public.orders")
	require.NoError(t, err)
	assert.Equal(t, "INSERT INTO `public`.`orders` (`id`, `name`) VALUES ('1', 'bob')", sql)

	parsed, err := DecodeRow(`id=1&name=bob`, []string{"id"})
	require.NoError(t, err)
	assert.ElementsMatch(t, r.Columns, parsed.Columns)
}

func TestMkUpdateSQL(t *testing.T) {
	r, err := DecodeRow(`id=1&name=bob`, []string{"id"})
	require.NoError(t, err)
	sql, err := MkUpdateSQL(r, "orders")
	require.NoError(t, err)
	assert.Equal(t, "UPDATE ONLY `orders` SET `name` = 'bob' WHERE `id` = '1'", sql)
}

func TestMkUpdateSQLNoNonPkeyColumns(t *testing.T) {
	r, err := DecodeRow(`id=1`, []string{"id"})
	require.NoError(t, err)
	_, err = MkUpdateSQL(r, "orders")
	assert.Error(t, err)
}

func TestMkDeleteSQL(t *testing.T) {
	r, err := DecodeRow(`id=1`, []string{"id"})
	require.NoError(t, err)
	sql, err := MkDeleteSQL(r, "orders")
	require.NoError(t, err)
	assert.Equal(t, "DELETE FROM `orders` WHERE `id` = '1'", sql)
}

func TestMkDeleteSQLMissingPkeyValue(t *testing.T) {
	r := &Row{Values: map[string]*string{}, Pkey: []string{"id"}}
	_, err := MkDeleteSQL(r, "orders")
	assert.Error(t, err)
}

func TestQuoteLiteralEscapesQuotesAndBackslashes(t *testing.T) {
	v := `O'Brien\`
	assert.Equal(t, `'O\'Brien\\'`, QuoteLiteral(&v))
}
