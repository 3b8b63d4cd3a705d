package exec

import (
	"fmt"

	"github.com/pingcap/errors"
)

var (
	// ErrInvalidState is returned when a MultiExecutor method is called out of the
	// CaptureBefore, CaptureAfter, BuildUndoLogs order.
	ErrInvalidState = errors.New("multi executor: method called out of order")
	// ErrSnapshotInconsistency is returned when an after image holds a row whose primary key is not in the
	// statement's before image. Such a row could not be restored from the undo log.
	ErrSnapshotInconsistency = errors.New("multi executor: after image row missing from before image")
)

// StoreAccessError reports a failure of the store while capturing an image or executing the batch.
type StoreAccessError struct {
	Stage string
	Table string
	SQL   string
	Err   error
}

func (e *StoreAccessError) Error() string {
	return fmt.Sprintf("%s of %s failed for %q: %v", e.Stage, e.Table, e.SQL, e.Err)
}

func (e *StoreAccessError) Unwrap() error {
	return e.Err
}

// IsStoreAccessFailure reports whether err was caused by a StoreAccessError.
func IsStoreAccessFailure(err error) bool {
	_, ok := errors.Cause(err).(*StoreAccessError)
	return ok
}
