package undo

import (
	"encoding/json"

	"github.com/pingcap-incubator/tinyrm/rm/datasource/schema"
	"github.com/pingcap-incubator/tinyrm/rm/datasource/sqlrecognizer"
	"github.com/pingcap/errors"
)

// SQLUndoLog pairs the before and after images of one table for one kind of statement. It is what the undo executor
// replays to reverse a branch.
type SQLUndoLog struct {
	SQLType     sqlrecognizer.SQLType `json:"sqlType"`
	TableName   string                `json:"tableName"`
	BeforeImage *schema.TableSnapshot `json:"beforeImage"`
	AfterImage  *schema.TableSnapshot `json:"afterImage"`
}

// UndoRows returns the rows the undo executor writes back.
func (l *SQLUndoLog) UndoRows() *schema.TableSnapshot {
	switch l.SQLType {
	case sqlrecognizer.SQLTypeUpdate, sqlrecognizer.SQLTypeDelete:
		return l.BeforeImage
	}
	return nil
}

// BranchUndoLog is every undo log of one branch, in the order they were produced.
type BranchUndoLog struct {
	Xid         string        `json:"xid"`
	BranchID    int64         `json:"branchId"`
	SQLUndoLogs []*SQLUndoLog `json:"sqlUndoLogs"`
}

func encodeBranchUndoLog(l *BranchUndoLog) ([]byte, error) {
	data, err := json.Marshal(l)
	return data, errors.Trace(err)
}

func decodeBranchUndoLog(data []byte) (*BranchUndoLog, error) {
	l := new(BranchUndoLog)
	if err := json.Unmarshal(data, l); err != nil {
		return nil, errors.Annotate(err, "decode undo log")
	}
	return l, nil
}
