package engine

import (
	"database/sql"
	"strings"

	"github.com/pingcap/errors"
	_ "modernc.org/sqlite" // register pure-Go SQLite driver
)

// Open opens the relational store behind a data source using the modernc.org/sqlite driver.
//
// For file-based databases, pass a path like "./db.sqlite". For in-memory databases, pass ":memory:"; such a
// database lives in one connection, so the pool is pinned to a single connection.
func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if IsMemory(dsn) {
		db.SetMaxOpenConns(1)
	}
	return db, nil
}

func IsMemory(dsn string) bool {
	return dsn == ":memory:" || strings.Contains(dsn, "mode=memory")
}
