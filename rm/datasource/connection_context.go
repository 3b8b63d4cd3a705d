package datasource

import (
	"sync"

	"github.com/pingcap-incubator/tinyrm/rm/datasource/schema"
	"github.com/pingcap-incubator/tinyrm/rm/datasource/undo"
)

// ConnectionContext collects the lock keys and undo logs a local transaction produces for its branch.
type ConnectionContext struct {
	mu       sync.Mutex
	xid      string
	branchID int64
	lockKeys []string
	seen     map[string]struct{}
	undoLogs []*undo.SQLUndoLog
}

func newConnectionContext() *ConnectionContext {
	return &ConnectionContext{seen: make(map[string]struct{})}
}

func (c *ConnectionContext) bind(xid string) {
	c.mu.Lock()
	c.xid = xid
	c.mu.Unlock()
}

func (c *ConnectionContext) Xid() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.xid
}

func (c *ConnectionContext) BranchID() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.branchID
}

func (c *ConnectionContext) setBranchID(id int64) {
	c.mu.Lock()
	c.branchID = id
	c.mu.Unlock()
}

func (c *ConnectionContext) InGlobalTransaction() bool {
	return c.Xid() != ""
}

// AppendLockKey adds keys, ignoring those already held.
func (c *ConnectionContext) AppendLockKey(keys ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range keys {
		if _, ok := c.seen[k]; ok {
			continue
		}
		c.seen[k] = struct{}{}
		c.lockKeys = append(c.lockKeys, k)
	}
}

func (c *ConnectionContext) AppendUndoLog(l *undo.SQLUndoLog) {
	c.mu.Lock()
	c.undoLogs = append(c.undoLogs, l)
	c.mu.Unlock()
}

// BuildLockKeys returns the distinct lock keys in the order they were first added, joined for branch registration.
func (c *ConnectionContext) BuildLockKeys() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return schema.JoinLockKeys(c.lockKeys)
}

func (c *ConnectionContext) HasUndoLog() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.undoLogs) > 0
}

func (c *ConnectionContext) UndoLogs() []*undo.SQLUndoLog {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*undo.SQLUndoLog(nil), c.undoLogs...)
}

// Reset forgets the global transaction and everything collected for it.
func (c *ConnectionContext) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.xid = ""
	c.branchID = 0
	c.lockKeys = nil
	c.seen = make(map[string]struct{})
	c.undoLogs = nil
}
