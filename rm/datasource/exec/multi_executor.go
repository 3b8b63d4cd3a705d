package exec

import (
	"context"
	"strings"

	"github.com/pingcap-incubator/tinyrm/rm/datasource/schema"
	"github.com/pingcap-incubator/tinyrm/rm/datasource/sqlrecognizer"
	"github.com/pingcap-incubator/tinyrm/rm/datasource/undo"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// UndoLogSink collects what a batch contributes to its local transaction. Appends are additive.
type UndoLogSink interface {
	AppendLockKey(keys ...string)
	AppendUndoLog(l *undo.SQLUndoLog)
}

type state int

const (
	stateNew state = iota
	stateBeforeCaptured
	stateAfterCaptured
	stateCompensated
	stateFailed
)

func (s state) String() string {
	switch s {
	case stateNew:
		return "new"
	case stateBeforeCaptured:
		return "before-captured"
	case stateAfterCaptured:
		return "after-captured"
	case stateCompensated:
		return "compensated"
	}
	return "failed"
}

// images are the four image lists of a batch. Until BuildUndoLogs they hold one snapshot per statement, in statement
// order; BuildUndoLogs replaces them with one merged snapshot per table.
type images struct {
	updateBefore []*schema.TableSnapshot
	deleteBefore []*schema.TableSnapshot
	updateAfter  []*schema.TableSnapshot
	deleteAfter  []*schema.TableSnapshot
}

func (img *images) add(sqlType sqlrecognizer.SQLType, before bool, s *schema.TableSnapshot) {
	switch {
	case sqlType == sqlrecognizer.SQLTypeUpdate && before:
		img.updateBefore = append(img.updateBefore, s)
	case sqlType == sqlrecognizer.SQLTypeUpdate:
		img.updateAfter = append(img.updateAfter, s)
	case sqlType == sqlrecognizer.SQLTypeDelete && before:
		img.deleteBefore = append(img.deleteBefore, s)
	case sqlType == sqlrecognizer.SQLTypeDelete:
		img.deleteAfter = append(img.deleteAfter, s)
	}
}

// MultiExecutor builds the undo logs and lock keys of a batch of statements run together in one local transaction.
// Call CaptureBefore, execute the batch, call CaptureAfter, then BuildUndoLogs. A MultiExecutor serves one batch and
// must not be shared between goroutines.
type MultiExecutor struct {
	capturers map[sqlrecognizer.SQLType]ImageCapturer
	sink      UndoLogSink
	state     state

	stmts []sqlrecognizer.Recognizer
	// befores holds the before image of each statement by position; nil for statements without a capturer.
	befores []*schema.TableSnapshot
	images  images
}

// NewMultiExecutor creates a MultiExecutor. Statements whose kind has no capturer are ignored.
func NewMultiExecutor(capturers map[sqlrecognizer.SQLType]ImageCapturer, sink UndoLogSink) *MultiExecutor {
	return &MultiExecutor{capturers: capturers, sink: sink}
}

// Execute runs the whole pipeline around run, which runs the batch against the store.
func (e *MultiExecutor) Execute(ctx context.Context, stmts []sqlrecognizer.Recognizer, run func(ctx context.Context) error) (err error) {
	defer func() {
		if err != nil {
			batchCounter.WithLabelValues("fail").Inc()
		} else {
			batchCounter.WithLabelValues("ok").Inc()
		}
	}()

	if err := e.CaptureBefore(ctx, stmts); err != nil {
		return err
	}
	if err := run(ctx); err != nil {
		e.state = stateFailed
		return errors.Trace(&StoreAccessError{Stage: "execute", Table: "batch", SQL: batchSQL(stmts), Err: err})
	}
	if err := e.CaptureAfter(ctx, stmts); err != nil {
		return err
	}
	return e.BuildUndoLogs()
}

// CaptureBefore captures the before image of every tracked statement, in order.
func (e *MultiExecutor) CaptureBefore(ctx context.Context, stmts []sqlrecognizer.Recognizer) error {
	if e.state != stateNew {
		return errors.Annotatef(ErrInvalidState, "capture before images in state %s", e.state)
	}

	befores := make([]*schema.TableSnapshot, len(stmts))
	var img images
	for i, stmt := range stmts {
		c, ok := e.capturers[stmt.SQLType()]
		if !ok {
			continue
		}
		before, err := c.BeforeImage(ctx, stmt)
		if err != nil {
			e.state = stateFailed
			return errors.Trace(&StoreAccessError{Stage: "before image", Table: stmt.TableName(), SQL: stmt.OriginalSQL(), Err: err})
		}
		if before == nil {
			before = schema.NewTableSnapshot(stmt.TableName())
		}
		befores[i] = before
		img.add(stmt.SQLType(), true, before)
	}

	e.stmts = stmts
	e.befores = befores
	e.images = img
	e.state = stateBeforeCaptured
	return nil
}

// CaptureAfter captures the after image of every tracked statement, handing each capturer the before image of the
// same statement. stmts must be the statements given to CaptureBefore.
func (e *MultiExecutor) CaptureAfter(ctx context.Context, stmts []sqlrecognizer.Recognizer) error {
	if e.state != stateBeforeCaptured {
		return errors.Annotatef(ErrInvalidState, "capture after images in state %s", e.state)
	}
	if len(stmts) != len(e.stmts) {
		return errors.Annotatef(ErrInvalidState, "capture after images of %d statements, %d captured before",
			len(stmts), len(e.stmts))
	}

	for i, stmt := range stmts {
		if stmt.SQLType() != e.stmts[i].SQLType() {
			return errors.Annotatef(ErrInvalidState, "statement %d changed kind from %s to %s",
				i, e.stmts[i].SQLType(), stmt.SQLType())
		}
	}

	for i, stmt := range stmts {
		c, ok := e.capturers[stmt.SQLType()]
		if !ok {
			continue
		}
		before := e.befores[i]
		after, err := c.AfterImage(ctx, stmt, before)
		if err != nil {
			e.state = stateFailed
			return errors.Trace(&StoreAccessError{Stage: "after image", Table: stmt.TableName(), SQL: stmt.OriginalSQL(), Err: err})
		}
		if after == nil {
			after = schema.NewTableSnapshot(before.TableName)
		}
		if err := checkAfterImage(before, after); err != nil {
			e.state = stateFailed
			return err
		}
		e.images.add(stmt.SQLType(), false, after)
	}

	e.state = stateAfterCaptured
	return nil
}

// checkAfterImage makes sure every row of after was captured in before.
func checkAfterImage(before, after *schema.TableSnapshot) error {
	keys := before.KeySet()
	for _, row := range after.Rows {
		if _, ok := keys[row.Key()]; !ok {
			return errors.Annotatef(ErrSnapshotInconsistency, "table %s, row %s", after.TableName, row.Key())
		}
	}
	return nil
}

// BuildUndoLogs merges the captured images and appends one undo log per table and statement kind, plus the lock
// keys of the before image rows, to the sink.
func (e *MultiExecutor) BuildUndoLogs() error {
	if e.state != stateAfterCaptured {
		return errors.Annotatef(ErrInvalidState, "build undo logs in state %s", e.state)
	}

	updateBefore := mergeSnapshots(e.images.updateBefore)
	deleteBefore := mergeSnapshots(e.images.deleteBefore)
	updateAfter := mergeSnapshots(e.images.updateAfter)
	deleteAfter := mergeSnapshots(e.images.deleteAfter)
	e.images = images{
		updateBefore: updateBefore.list(),
		deleteBefore: deleteBefore.list(),
		updateAfter:  updateAfter.list(),
		deleteAfter:  deleteAfter.list(),
	}

	e.buildUndo(updateBefore, updateAfter, sqlrecognizer.SQLTypeUpdate)
	e.buildUndo(deleteBefore, deleteAfter, sqlrecognizer.SQLTypeDelete)
	e.befores = nil
	e.state = stateCompensated
	return nil
}

func (e *MultiExecutor) buildUndo(before, after *mergedSnapshots, sqlType sqlrecognizer.SQLType) {
	for _, table := range after.tables {
		beforeImage := before.get(table)
		if beforeImage.Empty() {
			log.Debug("no rows to compensate", zap.String("table", table), zap.Stringer("type", sqlType))
			continue
		}
		afterImage := after.get(table)

		keys := schema.BuildLockKeys(beforeImage)
		e.sink.AppendLockKey(keys...)
		e.sink.AppendUndoLog(&undo.SQLUndoLog{
			SQLType:     sqlType,
			TableName:   table,
			BeforeImage: beforeImage,
			AfterImage:  afterImage,
		})

		lockKeyCounter.Add(float64(len(keys)))
		undoLogCounter.WithLabelValues(sqlType.String()).Inc()
		undoLogRowsHistogram.Observe(float64(beforeImage.Size()))
		log.Debug("undo log built", zap.String("table", table), zap.Stringer("type", sqlType),
			zap.Int("before", beforeImage.Size()), zap.Int("after", afterImage.Size()))
	}
}

func (e *MultiExecutor) UpdateBeforeImages() []*schema.TableSnapshot {
	return append([]*schema.TableSnapshot(nil), e.images.updateBefore...)
}

func (e *MultiExecutor) DeleteBeforeImages() []*schema.TableSnapshot {
	return append([]*schema.TableSnapshot(nil), e.images.deleteBefore...)
}

func (e *MultiExecutor) UpdateAfterImages() []*schema.TableSnapshot {
	return append([]*schema.TableSnapshot(nil), e.images.updateAfter...)
}

func (e *MultiExecutor) DeleteAfterImages() []*schema.TableSnapshot {
	return append([]*schema.TableSnapshot(nil), e.images.deleteAfter...)
}

func batchSQL(stmts []sqlrecognizer.Recognizer) string {
	sqls := make([]string, 0, len(stmts))
	for _, stmt := range stmts {
		sqls = append(sqls, stmt.OriginalSQL())
	}
	return strings.Join(sqls, "; ")
}
