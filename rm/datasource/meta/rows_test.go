package meta

import (
	"context"
	"testing"

	"github.com/pingcap-incubator/tinyrm/rm/datasource/schema"
	"github.com/pingcap-incubator/tinyrm/rm/engine"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSelectRows(t *testing.T) {
	db, err := engine.Open(":memory:")
	require.Nil(t, err)
	defer db.Close()

	ctx := context.Background()
	for _, stmt := range []string{
		"CREATE TABLE item (shop TEXT, sku INTEGER, label TEXT, photo BLOB, PRIMARY KEY (shop, sku))",
		"INSERT INTO item VALUES ('a', 1, 'one', x'0102'), ('a', 2, 'two', NULL), ('b', 1, 'uno', NULL)",
	} {
		_, err = db.ExecContext(ctx, stmt)
		require.Nil(t, err)
	}
	tm, err := NewCache().Get(ctx, db, "item")
	require.Nil(t, err)

	all, err := SelectRows(ctx, db, tm, "")
	require.Nil(t, err)
	require.Equal(t, 3, all.Size())
	first := all.Rows[0]
	assert.Equal(t, "one", first.Field("label").Value)
	assert.Equal(t, []byte{1, 2}, first.Field("photo").Value)
	assert.Nil(t, all.Rows[1].Field("photo").Value)
	assert.Len(t, first.PrimaryKeys(), 2)

	where, args := PrimaryKeyCondition(tm, []*schema.Row{all.Rows[1], all.Rows[2]})
	assert.Equal(t, "(`shop`=? AND `sku`=?) OR (`shop`=? AND `sku`=?)", where)
	picked, err := SelectRows(ctx, db, tm, where, args...)
	require.Nil(t, err)
	require.Equal(t, 2, picked.Size())
	assert.Equal(t, "two", picked.Rows[0].Field("label").Value)
	assert.Equal(t, "uno", picked.Rows[1].Field("label").Value)
}

func TestSelectRowsByPrimaryKey(t *testing.T) {
	db, err := engine.Open(":memory:")
	require.Nil(t, err)
	defer db.Close()

	ctx := context.Background()
	for _, stmt := range []string{
		"CREATE TABLE pair (a INTEGER, b INTEGER, v TEXT, PRIMARY KEY (a, b))",
		"WITH RECURSIVE seq(n) AS (SELECT 1 UNION ALL SELECT n + 1 FROM seq WHERE n < 2500) " +
			"INSERT INTO pair SELECT n, n % 7, 'v' || n FROM seq",
	} {
		_, err = db.ExecContext(ctx, stmt)
		require.Nil(t, err)
	}
	tm, err := NewCache().Get(ctx, db, "pair")
	require.Nil(t, err)

	all, err := SelectRows(ctx, db, tm, "")
	require.Nil(t, err)
	require.Equal(t, 2500, all.Size())

	// More keys than one query may bind.
	picked, err := SelectRowsByPrimaryKey(ctx, db, tm, all.Rows)
	require.Nil(t, err)
	require.Equal(t, 2500, picked.Size())
	assert.Equal(t, all.KeySet(), picked.KeySet())

	_, err = db.ExecContext(ctx, "DELETE FROM pair WHERE a > 2000")
	require.Nil(t, err)
	picked, err = SelectRowsByPrimaryKey(ctx, db, tm, all.Rows)
	require.Nil(t, err)
	assert.Equal(t, 2000, picked.Size())
}

func TestSelectRowsAs(t *testing.T) {
	db, err := engine.Open(":memory:")
	require.Nil(t, err)
	defer db.Close()

	ctx := context.Background()
	for _, stmt := range []string{
		"CREATE TABLE item (id INTEGER PRIMARY KEY, label TEXT)",
		"INSERT INTO item VALUES (1, 'one'), (2, 'two')",
	} {
		_, err = db.ExecContext(ctx, stmt)
		require.Nil(t, err)
	}
	tm, err := NewCache().Get(ctx, db, "item")
	require.Nil(t, err)

	s, err := SelectRowsAs(ctx, db, tm, "i", "`i`.`id`=2")
	require.Nil(t, err)
	require.Equal(t, 1, s.Size())
	assert.Equal(t, "two", s.Rows[0].Field("label").Value)
	assert.Equal(t, "item", s.TableName)
}
