package coordinator

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"os"
	"sync"

	"github.com/coocood/badger"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// BranchStatus is the state of a branch transaction as reported by its resource manager.
type BranchStatus int

const (
	BranchStatusRegistered BranchStatus = iota
	BranchStatusPhaseOneDone
	BranchStatusPhaseOneFailed
	BranchStatusPhaseTwoCommitted
	BranchStatusPhaseTwoCommitFailedRetryable
	BranchStatusPhaseTwoRollbacked
	BranchStatusPhaseTwoRollbackFailedRetryable
	BranchStatusPhaseTwoRollbackFailedUnretryable
)

func (s BranchStatus) String() string {
	switch s {
	case BranchStatusRegistered:
		return "Registered"
	case BranchStatusPhaseOneDone:
		return "PhaseOne_Done"
	case BranchStatusPhaseOneFailed:
		return "PhaseOne_Failed"
	case BranchStatusPhaseTwoCommitted:
		return "PhaseTwo_Committed"
	case BranchStatusPhaseTwoCommitFailedRetryable:
		return "PhaseTwo_CommitFailed_Retryable"
	case BranchStatusPhaseTwoRollbacked:
		return "PhaseTwo_Rollbacked"
	case BranchStatusPhaseTwoRollbackFailedRetryable:
		return "PhaseTwo_RollbackFailed_Retryable"
	case BranchStatusPhaseTwoRollbackFailedUnretryable:
		return "PhaseTwo_RollbackFailed_Unretryable"
	}
	return "Unknown"
}

// ErrBranchNotFound is returned when reporting on a branch that was never registered.
var ErrBranchNotFound = errors.New("branch not found")

// Branch is one registered branch transaction of a global transaction.
type Branch struct {
	Xid        string       `json:"xid"`
	BranchID   int64        `json:"branchId"`
	ResourceID string       `json:"resourceId"`
	LockKeys   string       `json:"lockKeys"`
	Status     BranchStatus `json:"status"`
}

var (
	seqKey       = []byte("seq")
	branchPrefix = []byte("b/")
)

// branchKey is b/<xid>\x00<branch id, big endian>, so the branches of a global transaction sort by id.
func branchKey(xid string, branchID int64) []byte {
	key := make([]byte, 0, len(branchPrefix)+len(xid)+9)
	key = append(key, branchPrefix...)
	key = append(key, xid...)
	key = append(key, 0)
	var id [8]byte
	binary.BigEndian.PutUint64(id[:], uint64(branchID))
	return append(key, id[:]...)
}

func xidPrefix(xid string) []byte {
	key := append([]byte(nil), branchPrefix...)
	key = append(key, xid...)
	return append(key, 0)
}

// Registry records the branches of global transactions in a badger database. It does not detect lock conflicts.
type Registry struct {
	db  *badger.DB
	dir string

	// mu serializes writes; seq is the last issued branch id.
	mu  sync.Mutex
	seq *atomic.Int64
}

// Open opens, creating it if needed, the registry stored under dir.
func Open(dir string) (*Registry, error) {
	if err := os.MkdirAll(dir, os.ModePerm); err != nil {
		return nil, errors.Trace(err)
	}
	opts := badger.DefaultOptions
	opts.Dir = dir
	opts.ValueDir = dir
	opts.SyncWrites = true
	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Annotatef(err, "open registry at %s", dir)
	}

	r := &Registry{db: db, dir: dir, seq: atomic.NewInt64(0)}
	err = db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(seqKey)
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		val, err := item.Value()
		if err != nil {
			return err
		}
		r.seq.Store(int64(binary.BigEndian.Uint64(val)))
		return nil
	})
	if err != nil {
		db.Close()
		return nil, errors.Trace(err)
	}
	log.Info("branch registry opened", zap.String("dir", dir), zap.Int64("last-branch-id", r.seq.Load()))
	return r, nil
}

func (r *Registry) Close() error {
	return errors.Trace(r.db.Close())
}

// LastBranchID returns the last branch id issued, 0 if none.
func (r *Registry) LastBranchID() int64 {
	return r.seq.Load()
}

// BranchRegister records a new branch of xid holding lockKeys and returns its id.
func (r *Registry) BranchRegister(ctx context.Context, xid, resourceID, lockKeys string) (int64, error) {
	if xid == "" {
		return 0, errors.New("register branch: empty xid")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	branchID := r.seq.Load() + 1
	b := &Branch{Xid: xid, BranchID: branchID, ResourceID: resourceID, LockKeys: lockKeys}
	val, err := json.Marshal(b)
	if err != nil {
		return 0, errors.Trace(err)
	}
	var seq [8]byte
	binary.BigEndian.PutUint64(seq[:], uint64(branchID))
	err = r.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(seqKey, seq[:]); err != nil {
			return err
		}
		return txn.Set(branchKey(xid, branchID), val)
	})
	if err != nil {
		return 0, errors.Annotatef(err, "register branch of %s", xid)
	}
	r.seq.Store(branchID)
	log.Info("branch registered", zap.String("xid", xid), zap.Int64("branch-id", branchID),
		zap.String("resource-id", resourceID))
	return branchID, nil
}

// BranchReport updates the status of a registered branch.
func (r *Registry) BranchReport(ctx context.Context, xid string, branchID int64, status BranchStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := branchKey(xid, branchID)
	err := r.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err == badger.ErrKeyNotFound {
			return errors.Annotatef(ErrBranchNotFound, "xid %s, branch %d", xid, branchID)
		}
		if err != nil {
			return err
		}
		val, err := item.Value()
		if err != nil {
			return err
		}
		b := new(Branch)
		if err := json.Unmarshal(val, b); err != nil {
			return err
		}
		b.Status = status
		if val, err = json.Marshal(b); err != nil {
			return err
		}
		return txn.Set(key, val)
	})
	if err != nil {
		return errors.Trace(err)
	}
	log.Info("branch reported", zap.String("xid", xid), zap.Int64("branch-id", branchID),
		zap.Stringer("status", status))
	return nil
}

// Branches returns the branches of xid ordered by branch id.
func (r *Registry) Branches(xid string) ([]*Branch, error) {
	prefix := xidPrefix(xid)
	var branches []*Branch
	err := r.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.Valid(); it.Next() {
			item := it.Item()
			if !bytes.HasPrefix(item.Key(), prefix) {
				break
			}
			val, err := item.Value()
			if err != nil {
				return err
			}
			b := new(Branch)
			if err := json.Unmarshal(val, b); err != nil {
				return err
			}
			branches = append(branches, b)
		}
		return nil
	})
	return branches, errors.Trace(err)
}
