package undo

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/pingcap-incubator/tinyrm/rm/datasource/meta"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// DefaultTable is the table undo logs are stored in, next to the business tables of the data source.
const DefaultTable = "undo_log"

const logStatusNormal = 0

// Execer is the write side shared by *sql.DB and *sql.Tx.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// Manager stores branch undo logs in the undo log table and replays them on phase two rollback.
type Manager struct {
	table string
	metas *meta.Cache
}

func NewManager(table string, metas *meta.Cache) *Manager {
	if table == "" {
		table = DefaultTable
	}
	return &Manager{table: table, metas: metas}
}

func (m *Manager) Table() string {
	return m.table
}

// EnsureSchema creates the undo log table if it does not exist.
func (m *Manager) EnsureSchema(ctx context.Context, e Execer) error {
	_, err := e.ExecContext(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	xid TEXT NOT NULL,
	branch_id INTEGER NOT NULL,
	rollback_info BLOB NOT NULL,
	log_status INTEGER NOT NULL,
	log_created TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (xid, branch_id)
)`, meta.QuoteIdent(m.table)))
	return errors.Annotate(err, "create undo log table")
}

// Flush writes the branch undo log inside tx, the local transaction whose effects it describes, so the log is
// committed atomically with them.
func (m *Manager) Flush(ctx context.Context, tx Execer, l *BranchUndoLog) error {
	if len(l.SQLUndoLogs) == 0 {
		return nil
	}
	data, err := encodeBranchUndoLog(l)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		"INSERT INTO "+meta.QuoteIdent(m.table)+" (xid, branch_id, rollback_info, log_status) VALUES (?, ?, ?, ?)",
		l.Xid, l.BranchID, data, logStatusNormal)
	if err != nil {
		return errors.Annotatef(err, "flush undo log of %s/%d", l.Xid, l.BranchID)
	}
	log.Debug("undo log flushed", zap.String("xid", l.Xid), zap.Int64("branch", l.BranchID),
		zap.Int("logs", len(l.SQLUndoLogs)), zap.Int("bytes", len(data)))
	return nil
}

// Load reads the undo log of a branch. It returns (nil, nil) if the branch has none.
func (m *Manager) Load(ctx context.Context, q meta.Querier, xid string, branchID int64) (*BranchUndoLog, error) {
	rows, err := q.QueryContext(ctx,
		"SELECT rollback_info FROM "+meta.QuoteIdent(m.table)+" WHERE xid = ? AND branch_id = ?", xid, branchID)
	if err != nil {
		return nil, errors.Annotatef(err, "load undo log of %s/%d", xid, branchID)
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, errors.Trace(rows.Err())
	}
	var data []byte
	if err := rows.Scan(&data); err != nil {
		return nil, errors.Trace(err)
	}
	return decodeBranchUndoLog(data)
}

// Delete removes the undo log of a branch, once phase two commit makes it useless.
func (m *Manager) Delete(ctx context.Context, e Execer, xid string, branchID int64) error {
	_, err := e.ExecContext(ctx,
		"DELETE FROM "+meta.QuoteIdent(m.table)+" WHERE xid = ? AND branch_id = ?", xid, branchID)
	return errors.Annotatef(err, "delete undo log of %s/%d", xid, branchID)
}

// Undo reverses the local effects of a branch and drops its undo log, in one local transaction. Undo logs are
// replayed newest first.
func (m *Manager) Undo(ctx context.Context, db *sql.DB, xid string, branchID int64) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Trace(err)
	}
	defer func() { _ = tx.Rollback() }()

	l, err := m.Load(ctx, tx, xid, branchID)
	if err != nil {
		return err
	}
	if l == nil {
		log.Info("undo: no undo log for branch", zap.String("xid", xid), zap.Int64("branch", branchID))
		return errors.Trace(tx.Commit())
	}

	for i := len(l.SQLUndoLogs) - 1; i >= 0; i-- {
		undoLog := l.SQLUndoLogs[i]
		tm, err := m.metas.Get(ctx, tx, undoLog.TableName)
		if err != nil {
			return err
		}
		if err := executeUndo(ctx, tx, tm, undoLog); err != nil {
			return err
		}
	}
	if err := m.Delete(ctx, tx, xid, branchID); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return errors.Trace(err)
	}
	log.Info("undo: branch rolled back", zap.String("xid", xid), zap.Int64("branch", branchID),
		zap.Int("logs", len(l.SQLUndoLogs)))
	return nil
}
