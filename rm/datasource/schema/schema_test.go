package schema

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRow(id interface{}, name string) *Row {
	return &Row{Fields: []*Field{
		{Name: "id", KeyType: PrimaryKey, Type: "INTEGER", Value: id},
		{Name: "name", Type: "VARCHAR(64)", Value: name},
	}}
}

func TestRowKey(t *testing.T) {
	r := newRow(int64(1), "Tom")
	assert.Equal(t, "1", r.Key())
	assert.Len(t, r.PrimaryKeys(), 1)
	assert.Len(t, r.NonPrimaryKeys(), 1)
	assert.Equal(t, "Tom", r.Field("NAME").Value)
	assert.Nil(t, r.Field("missing"))

	composite := &Row{Fields: []*Field{
		{Name: "a", KeyType: PrimaryKey, Value: "x,y"},
		{Name: "b", KeyType: PrimaryKey, Value: int64(7)},
	}}
	assert.Equal(t, `x\,y,7`, composite.Key())
}

func TestSnapshotHelpers(t *testing.T) {
	var nilSnapshot *TableSnapshot
	assert.True(t, nilSnapshot.Empty())
	assert.Len(t, nilSnapshot.KeySet(), 0)
	assert.Nil(t, nilSnapshot.RowByKey("1"))

	s := NewTableSnapshot("t")
	assert.True(t, s.Empty())
	s.Add(newRow(int64(1), "X"))
	s.Add(newRow(int64(2), "Y"))
	assert.Equal(t, 2, s.Size())
	assert.Contains(t, s.KeySet(), "2")
	assert.Equal(t, "Y", s.RowByKey("2").Field("name").Value)
	assert.Equal(t, "t(2 rows)", s.String())
	assert.Equal(t, [][]interface{}{{int64(1)}, {int64(2)}}, s.PrimaryKeyValues())
	assert.Nil(t, nilSnapshot.PrimaryKeyValues())
}

func TestFieldJSON(t *testing.T) {
	s := NewTableSnapshot("t")
	s.Add(&Row{Fields: []*Field{
		{Name: "id", KeyType: PrimaryKey, Type: "INTEGER", Value: int64(42)},
		{Name: "price", Type: "REAL", Value: 1.5},
		{Name: "data", Type: "BLOB", Value: []byte{0, 1, 2}},
		{Name: "note", Type: "TEXT", Value: nil},
	}})

	data, err := json.Marshal(s)
	require.Nil(t, err)
	decoded := new(TableSnapshot)
	require.Nil(t, json.Unmarshal(data, decoded))

	row := decoded.Rows[0]
	assert.Equal(t, int64(42), row.Field("id").Value)
	assert.True(t, row.Field("id").IsPrimaryKey())
	assert.Equal(t, 1.5, row.Field("price").Value)
	assert.Equal(t, []byte{0, 1, 2}, row.Field("data").Value)
	assert.Nil(t, row.Field("note").Value)
}
