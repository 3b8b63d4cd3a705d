package undo

import (
	"context"
	"database/sql"
	"strings"

	"github.com/pingcap-incubator/tinyrm/rm/datasource/meta"
	"github.com/pingcap-incubator/tinyrm/rm/datasource/schema"
	"github.com/pingcap-incubator/tinyrm/rm/datasource/sqlrecognizer"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// ErrDirtyUndo is returned when rows covered by an undo log were changed after the branch committed, so restoring
// the before image would overwrite someone else's write.
var ErrDirtyUndo = errors.New("undo: current rows differ from the after image")

// Tx is the part of *sql.Tx the undo executor needs.
type Tx interface {
	meta.Querier
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// executeUndo reverses one undo log inside tx.
func executeUndo(ctx context.Context, tx Tx, tm *meta.TableMeta, l *SQLUndoLog) error {
	needed, err := checkCurrentRows(ctx, tx, tm, l)
	if err != nil || !needed {
		return err
	}

	switch l.SQLType {
	case sqlrecognizer.SQLTypeUpdate:
		for _, row := range l.BeforeImage.Rows {
			if len(row.NonPrimaryKeys()) == 0 {
				continue
			}
			query, args := buildRestoreUpdate(tm, row)
			if _, err := tx.ExecContext(ctx, query, args...); err != nil {
				return errors.Annotatef(err, "undo update of %s", tm.TableName)
			}
		}
	case sqlrecognizer.SQLTypeDelete:
		for _, row := range l.BeforeImage.Rows {
			query, args := buildRestoreInsert(tm, row)
			if _, err := tx.ExecContext(ctx, query, args...); err != nil {
				return errors.Annotatef(err, "undo delete of %s", tm.TableName)
			}
		}
	default:
		return errors.Errorf("undo: unsupported sql type %s", l.SQLType)
	}
	return nil
}

// checkCurrentRows compares the rows currently stored under the undo log's primary keys with its images. It reports
// whether the undo still has to be applied.
func checkCurrentRows(ctx context.Context, tx Tx, tm *meta.TableMeta, l *SQLUndoLog) (bool, error) {
	if l.BeforeImage.Empty() {
		return false, nil
	}
	current, err := meta.SelectRowsByPrimaryKey(ctx, tx, tm, l.BeforeImage.Rows)
	if err != nil {
		return false, err
	}

	if sameRows(current, l.BeforeImage) {
		log.Info("undo: rows already equal the before image", zap.String("table", tm.TableName))
		return false, nil
	}
	after := l.AfterImage
	if after == nil {
		after = schema.NewTableSnapshot(tm.TableName)
	}
	if !sameRows(current, after) {
		log.Warn("undo: dirty rows", zap.String("table", tm.TableName),
			zap.Stringer("current", current), zap.Stringer("after", after))
		return false, errors.Annotatef(ErrDirtyUndo, "table %s", tm.TableName)
	}
	return true, nil
}

func sameRows(a, b *schema.TableSnapshot) bool {
	if a.Size() != b.Size() {
		return false
	}
	byKey := make(map[string]*schema.Row, b.Size())
	for _, rb := range b.Rows {
		byKey[rb.Key()] = rb
	}
	for _, ra := range a.Rows {
		rb := byKey[ra.Key()]
		if rb == nil || len(ra.Fields) != len(rb.Fields) {
			return false
		}
		for _, fa := range ra.Fields {
			fb := rb.Field(fa.Name)
			if fb == nil || !sameValue(fa.Value, fb.Value) {
				return false
			}
		}
	}
	return true
}

func sameValue(a, b interface{}) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return schema.FormatValue(a) == schema.FormatValue(b)
}

func buildRestoreUpdate(tm *meta.TableMeta, row *schema.Row) (string, []interface{}) {
	fields := row.NonPrimaryKeys()
	sets := make([]string, 0, len(fields))
	args := make([]interface{}, 0, len(row.Fields))
	for _, f := range fields {
		sets = append(sets, meta.QuoteIdent(f.Name)+"=?")
		args = append(args, f.Value)
	}
	where, pkArgs := meta.PrimaryKeyCondition(tm, []*schema.Row{row})
	args = append(args, pkArgs...)
	return "UPDATE " + meta.QuoteIdent(tm.TableName) + " SET " + strings.Join(sets, ", ") + " WHERE " + where, args
}

func buildRestoreInsert(tm *meta.TableMeta, row *schema.Row) (string, []interface{}) {
	cols := make([]string, 0, len(row.Fields))
	marks := make([]string, 0, len(row.Fields))
	args := make([]interface{}, 0, len(row.Fields))
	for _, f := range row.Fields {
		cols = append(cols, meta.QuoteIdent(f.Name))
		marks = append(marks, "?")
		args = append(args, f.Value)
	}
	return "INSERT INTO " + meta.QuoteIdent(tm.TableName) + " (" + strings.Join(cols, ", ") + ") VALUES (" +
		strings.Join(marks, ", ") + ")", args
}
