package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildLockKeys(t *testing.T) {
	s := NewTableSnapshot("t")
	s.Add(newRow(int64(1), "X"))
	s.Add(newRow(int64(2), "Y"))

	keys := BuildLockKeys(s)
	assert.Equal(t, []string{"t:1", "t:2"}, keys)
	assert.Equal(t, "t:1;t:2", JoinLockKeys(keys))
	assert.Nil(t, BuildLockKeys(NewTableSnapshot("t")))
}

func TestParseLockKey(t *testing.T) {
	row := &Row{Fields: []*Field{
		{Name: "a", KeyType: PrimaryKey, Value: `we;ird:v\al,ue`},
		{Name: "b", KeyType: PrimaryKey, Value: int64(3)},
	}}
	key := BuildLockKey("odd:table", row)

	table, values, err := ParseLockKey(key)
	require.Nil(t, err)
	assert.Equal(t, "odd:table", table)
	assert.Equal(t, []string{`we;ird:v\al,ue`, "3"}, values)

	joined := JoinLockKeys([]string{key, "t:1"})
	assert.Equal(t, []string{key, "t:1"}, SplitLockKeys(joined))
	assert.Nil(t, SplitLockKeys(""))
}

func TestParseBadLockKey(t *testing.T) {
	for _, key := range []string{"", "no-table", ":1", `t:1\`, "t:1;t:2"} {
		_, _, err := ParseLockKey(key)
		assert.NotNil(t, err, key)
	}
}
