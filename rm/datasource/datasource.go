package datasource

import (
	"context"
	"database/sql"

	"github.com/pingcap-incubator/tinyrm/rm/config"
	"github.com/pingcap-incubator/tinyrm/rm/coordinator"
	"github.com/pingcap-incubator/tinyrm/rm/datasource/exec"
	"github.com/pingcap-incubator/tinyrm/rm/datasource/meta"
	"github.com/pingcap-incubator/tinyrm/rm/datasource/sqlrecognizer"
	"github.com/pingcap-incubator/tinyrm/rm/datasource/undo"
	"github.com/pingcap-incubator/tinyrm/rm/engine"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// ErrBatchFailed is returned by Commit when a batch of the local transaction failed inside a global transaction.
var ErrBatchFailed = errors.New("local transaction has a failed batch")

// ResourceManager is the coordinator side a data source registers its branches with.
type ResourceManager interface {
	BranchRegister(ctx context.Context, xid, resourceID, lockKeys string) (int64, error)
	BranchReport(ctx context.Context, xid string, branchID int64, status coordinator.BranchStatus) error
}

// DataSource is a database whose local transactions take part in global transactions as branches.
type DataSource struct {
	resourceID string
	db         *sql.DB
	metas      *meta.Cache
	undo       *undo.Manager
	rm         ResourceManager
}

func NewDataSource(resourceID string, db *sql.DB, undoTable string, rm ResourceManager) *DataSource {
	metas := meta.NewCache()
	return &DataSource{
		resourceID: resourceID,
		db:         db,
		metas:      metas,
		undo:       undo.NewManager(undoTable, metas),
		rm:         rm,
	}
}

// Open opens the database cfg names and makes sure its undo log table exists.
func Open(ctx context.Context, cfg *config.Config, rm ResourceManager) (*DataSource, error) {
	db, err := engine.Open(cfg.DSN)
	if err != nil {
		return nil, err
	}
	ds := NewDataSource(cfg.ResourceID, db, cfg.UndoLogTable, rm)
	if err := ds.EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return ds, nil
}

func (ds *DataSource) ResourceID() string {
	return ds.resourceID
}

func (ds *DataSource) DB() *sql.DB {
	return ds.db
}

func (ds *DataSource) EnsureSchema(ctx context.Context) error {
	return ds.undo.EnsureSchema(ctx, ds.db)
}

func (ds *DataSource) Close() error {
	return errors.Trace(ds.db.Close())
}

// Begin starts a local transaction.
func (ds *DataSource) Begin(ctx context.Context) (*Conn, error) {
	tx, err := ds.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return &Conn{ds: ds, tx: tx, ctx: newConnectionContext()}, nil
}

// BranchCommit finishes a branch of a committed global transaction. Its local changes are already durable, so only
// the undo log is dropped.
func (ds *DataSource) BranchCommit(ctx context.Context, xid string, branchID int64) (coordinator.BranchStatus, error) {
	if err := ds.undo.Delete(ctx, ds.db, xid, branchID); err != nil {
		log.Warn("branch commit failed", zap.String("xid", xid), zap.Int64("branch-id", branchID), zap.Error(err))
		return coordinator.BranchStatusPhaseTwoCommitFailedRetryable, err
	}
	status := coordinator.BranchStatusPhaseTwoCommitted
	return status, ds.rm.BranchReport(ctx, xid, branchID, status)
}

// BranchRollback reverses the local changes of a branch from its undo log. A branch whose rows were changed by
// someone else since cannot be rolled back by retrying.
func (ds *DataSource) BranchRollback(ctx context.Context, xid string, branchID int64) (coordinator.BranchStatus, error) {
	err := ds.undo.Undo(ctx, ds.db, xid, branchID)
	if err != nil {
		status := coordinator.BranchStatusPhaseTwoRollbackFailedRetryable
		if errors.Cause(err) == undo.ErrDirtyUndo {
			status = coordinator.BranchStatusPhaseTwoRollbackFailedUnretryable
		}
		log.Warn("branch rollback failed", zap.String("xid", xid), zap.Int64("branch-id", branchID),
			zap.Stringer("status", status), zap.Error(err))
		if rerr := ds.rm.BranchReport(ctx, xid, branchID, status); rerr != nil {
			log.Warn("report branch status failed", zap.Error(rerr))
		}
		return status, err
	}
	status := coordinator.BranchStatusPhaseTwoRollbacked
	return status, ds.rm.BranchReport(ctx, xid, branchID, status)
}

// Conn is one local transaction of a DataSource. It is not safe for concurrent use.
type Conn struct {
	ds  *DataSource
	tx  *sql.Tx
	ctx *ConnectionContext

	// branchID is the branch registered by Commit.
	branchID int64
	// failed is the error of the first failed batch. A failed batch may have changed rows without an undo log.
	failed error
}

// Bind makes the local transaction a branch of the global transaction xid.
func (c *Conn) Bind(xid string) {
	c.ctx.bind(xid)
}

func (c *Conn) Context() *ConnectionContext {
	return c.ctx
}

// BranchID returns the id of the branch Commit registered, 0 if none.
func (c *Conn) BranchID() int64 {
	return c.branchID
}

// ExecBatch runs the statements of query. Inside a global transaction the images of every UPDATE and DELETE are
// captured and turned into undo logs and lock keys.
func (c *Conn) ExecBatch(ctx context.Context, query string) error {
	if !c.ctx.InGlobalTransaction() {
		_, err := c.tx.ExecContext(ctx, query)
		return errors.Trace(err)
	}

	stmts, err := sqlrecognizer.Parse(query)
	if err != nil {
		return err
	}
	e := exec.NewMultiExecutor(exec.NewCapturers(c.tx, c.ds.metas), c.ctx)
	err = e.Execute(ctx, stmts, func(ctx context.Context) error {
		for _, stmt := range stmts {
			if _, err := c.tx.ExecContext(ctx, stmt.OriginalSQL()); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil && c.failed == nil {
		c.failed = err
	}
	return err
}

// Commit commits the local transaction. Inside a global transaction the branch is registered with its lock keys
// first and its undo log is written in the same local transaction. If a batch failed, the local transaction is
// rolled back instead and no branch is registered.
func (c *Conn) Commit(ctx context.Context) error {
	if !c.ctx.InGlobalTransaction() {
		return errors.Trace(c.tx.Commit())
	}
	defer c.ctx.Reset()

	xid := c.ctx.Xid()
	if c.failed != nil {
		if err := c.tx.Rollback(); err != nil {
			log.Warn("rollback failed local transaction", zap.String("xid", xid), zap.Error(err))
		}
		return errors.Annotatef(ErrBatchFailed, "%s: %v", xid, c.failed)
	}
	branchID, err := c.ds.rm.BranchRegister(ctx, xid, c.ds.resourceID, c.ctx.BuildLockKeys())
	if err != nil {
		_ = c.tx.Rollback()
		return errors.Annotatef(err, "register branch of %s", xid)
	}
	c.ctx.setBranchID(branchID)
	c.branchID = branchID

	err = c.ds.undo.Flush(ctx, c.tx, &undo.BranchUndoLog{Xid: xid, BranchID: branchID, SQLUndoLogs: c.ctx.UndoLogs()})
	if err == nil {
		err = errors.Trace(c.tx.Commit())
	} else {
		_ = c.tx.Rollback()
	}
	if err != nil {
		c.reportPhaseOne(ctx, xid, branchID, coordinator.BranchStatusPhaseOneFailed)
		return err
	}
	c.reportPhaseOne(ctx, xid, branchID, coordinator.BranchStatusPhaseOneDone)
	log.Debug("branch committed locally", zap.String("xid", xid), zap.Int64("branch-id", branchID))
	return nil
}

func (c *Conn) reportPhaseOne(ctx context.Context, xid string, branchID int64, status coordinator.BranchStatus) {
	if err := c.ds.rm.BranchReport(ctx, xid, branchID, status); err != nil {
		log.Warn("report branch status failed", zap.String("xid", xid), zap.Int64("branch-id", branchID),
			zap.Stringer("status", status), zap.Error(err))
	}
}

// Rollback aborts the local transaction. Nothing was registered yet, so the global transaction is not told.
func (c *Conn) Rollback() error {
	c.ctx.Reset()
	c.failed = nil
	return errors.Trace(c.tx.Rollback())
}
