package main

import (
	"bytes"
	"context"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/pingcap-incubator/tinyrm/rm/engine"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, args ...string) (string, error) {
	buf := new(bytes.Buffer)
	root := newRootCommand(context.Background())
	root.SetOutput(buf)
	root.SetArgs(args)
	err := root.Execute()
	return buf.String(), err
}

func TestExecAndRollback(t *testing.T) {
	dir, err := ioutil.TempDir("", "tinyrm")
	require.Nil(t, err)
	defer os.RemoveAll(dir)

	dbPath := filepath.Join(dir, "data.db")
	cfgPath := filepath.Join(dir, "rm.toml")
	cfg := fmt.Sprintf("resource-id = \"accounts\"\ndsn = %q\nregistry-path = %q\n\n[log]\nlevel = \"warn\"\n",
		dbPath, filepath.Join(dir, "registry"))
	require.Nil(t, ioutil.WriteFile(cfgPath, []byte(cfg), 0644))

	_, err = run(t, "-c", cfgPath, "exec", "CREATE TABLE account (id INTEGER PRIMARY KEY, balance INTEGER)")
	require.Nil(t, err)
	out, err := run(t, "-c", cfgPath, "exec", "INSERT INTO account VALUES (1, 100), (2, 50)")
	require.Nil(t, err)
	assert.Contains(t, out, "committed")

	out, err = run(t, "-c", cfgPath, "exec", "--xid", "tx-1", "UPDATE account SET balance = 0 WHERE id > 0")
	require.Nil(t, err)
	assert.Contains(t, out, "branch: 1")
	assert.Contains(t, out, "lock keys: account:1;account:2")

	out, err = run(t, "-c", cfgPath, "branches", "tx-1")
	require.Nil(t, err)
	assert.Contains(t, out, "1\taccounts\tPhaseOne_Done\taccount:1;account:2")

	out, err = run(t, "-c", cfgPath, "rollback", "tx-1", "1")
	require.Nil(t, err)
	assert.Contains(t, out, "PhaseTwo_Rollbacked")

	db, err := engine.Open(dbPath)
	require.Nil(t, err)
	defer db.Close()
	var sum int64
	require.Nil(t, db.QueryRow("SELECT SUM(balance) FROM account").Scan(&sum))
	assert.Equal(t, int64(150), sum)

	out, err = run(t, "-c", cfgPath, "exec", "--global", "DELETE FROM account WHERE id = 2")
	require.Nil(t, err)
	assert.Contains(t, out, "branch: 2")
	_, err = run(t, "-c", cfgPath, "commit", "unknown", "2")
	assert.NotNil(t, err)
}

func TestBadArgs(t *testing.T) {
	_, err := run(t, "rollback", "tx-1", "one")
	assert.NotNil(t, err)
	_, err = run(t, "exec")
	assert.NotNil(t, err)
}
