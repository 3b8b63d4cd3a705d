package exec

import (
	"context"
	"strconv"
	"strings"
	"testing"

	"github.com/pingcap-incubator/tinyrm/rm/datasource/schema"
	"github.com/pingcap-incubator/tinyrm/rm/datasource/sqlrecognizer"
	"github.com/pingcap-incubator/tinyrm/rm/datasource/undo"
	"github.com/pingcap/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeStore is a set of tables mapping an integer primary key "id" to a "name" column.
type fakeStore struct {
	tables map[string]map[int64]string

	failBefore   bool
	failAfter    bool
	extraAfterID int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{tables: make(map[string]map[int64]string)}
}

func (s *fakeStore) put(table string, id int64, name string) {
	if s.tables[table] == nil {
		s.tables[table] = make(map[int64]string)
	}
	s.tables[table][id] = name
}

func (s *fakeStore) snapshot(table string, ids []int64) *schema.TableSnapshot {
	snapshot := schema.NewTableSnapshot(table)
	for _, id := range ids {
		if name, ok := s.tables[table][id]; ok {
			snapshot.Add(fakeRow(id, name))
		}
	}
	return snapshot
}

func fakeRow(id int64, name string) *schema.Row {
	return &schema.Row{Fields: []*schema.Field{
		{Name: "id", KeyType: schema.PrimaryKey, Type: "INTEGER", Value: id},
		{Name: "name", Type: "TEXT", Value: name},
	}}
}

// fakeCapturer reads a comma separated id list from the statement's WHERE condition.
type fakeCapturer struct {
	store    *fakeStore
	isDelete bool
	calls    int
}

func (c *fakeCapturer) BeforeImage(ctx context.Context, stmt sqlrecognizer.Recognizer) (*schema.TableSnapshot, error) {
	c.calls++
	if c.store.failBefore {
		return nil, errors.New("store unreachable")
	}
	var ids []int64
	for _, s := range strings.Split(stmt.WhereCondition(), ",") {
		id, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return c.store.snapshot(stmt.TableName(), ids), nil
}

func (c *fakeCapturer) AfterImage(ctx context.Context, stmt sqlrecognizer.Recognizer, before *schema.TableSnapshot) (*schema.TableSnapshot, error) {
	c.calls++
	if c.store.failAfter {
		return nil, errors.New("store unreachable")
	}
	if c.isDelete {
		return schema.NewTableSnapshot(before.TableName), nil
	}
	var ids []int64
	for _, row := range before.Rows {
		ids = append(ids, row.Field("id").Value.(int64))
	}
	after := c.store.snapshot(before.TableName, ids)
	if c.store.extraAfterID != 0 {
		after.Add(fakeRow(c.store.extraAfterID, "ghost"))
	}
	return after, nil
}

type fakeSink struct {
	lockKeys []string
	undoLogs []*undo.SQLUndoLog
}

func (s *fakeSink) AppendLockKey(keys ...string) {
	s.lockKeys = append(s.lockKeys, keys...)
}

func (s *fakeSink) AppendUndoLog(l *undo.SQLUndoLog) {
	s.undoLogs = append(s.undoLogs, l)
}

// stmt is a statement of the fake store: set name of the listed ids, or delete them.
type stmt struct {
	sqlType sqlrecognizer.SQLType
	table   string
	ids     string
	name    string
}

type testBuilder struct {
	t         *testing.T
	store     *fakeStore
	sink      *fakeSink
	update    *fakeCapturer
	delete    *fakeCapturer
	executor  *MultiExecutor
	stmts     []stmt
	recognize []sqlrecognizer.Recognizer
}

func newBuilder(t *testing.T) *testBuilder {
	store := newFakeStore()
	b := &testBuilder{
		t:      t,
		store:  store,
		sink:   new(fakeSink),
		update: &fakeCapturer{store: store},
		delete: &fakeCapturer{store: store, isDelete: true},
	}
	b.executor = NewMultiExecutor(map[sqlrecognizer.SQLType]ImageCapturer{
		sqlrecognizer.SQLTypeUpdate: b.update,
		sqlrecognizer.SQLTypeDelete: b.delete,
	}, b.sink)
	return b
}

func (b *testBuilder) batch(stmts ...stmt) []sqlrecognizer.Recognizer {
	b.stmts = stmts
	b.recognize = nil
	for _, s := range stmts {
		sql := s.sqlType.String() + " " + s.table + " " + s.ids
		b.recognize = append(b.recognize, sqlrecognizer.New(s.sqlType, s.table, s.ids, sql))
	}
	return b.recognize
}

// apply executes the batch against the fake store.
func (b *testBuilder) apply(ctx context.Context) error {
	for _, s := range b.stmts {
		for _, idStr := range strings.Split(s.ids, ",") {
			id, _ := strconv.ParseInt(idStr, 10, 64)
			if _, ok := b.store.tables[s.table][id]; !ok {
				continue
			}
			switch s.sqlType {
			case sqlrecognizer.SQLTypeUpdate:
				b.store.tables[s.table][id] = s.name
			case sqlrecognizer.SQLTypeDelete:
				delete(b.store.tables[s.table], id)
			}
		}
	}
	return nil
}

func (b *testBuilder) run(stmts ...stmt) error {
	return b.executor.Execute(context.Background(), b.batch(stmts...), b.apply)
}

func names(s *schema.TableSnapshot) map[int64]string {
	result := make(map[int64]string)
	for _, row := range s.Rows {
		result[row.Field("id").Value.(int64)] = row.Field("name").Value.(string)
	}
	return result
}

func TestDisjointUpdates(t *testing.T) {
	b := newBuilder(t)
	b.store.put("t", 1, "X")
	b.store.put("t", 2, "Y")
	ctx := context.Background()
	stmts := b.batch(
		stmt{sqlrecognizer.SQLTypeUpdate, "t", "1", "A"},
		stmt{sqlrecognizer.SQLTypeUpdate, "t", "2", "B"},
	)

	require.Nil(t, b.executor.CaptureBefore(ctx, stmts))
	befores := b.executor.UpdateBeforeImages()
	require.Len(t, befores, 2)
	assert.Equal(t, map[int64]string{1: "X"}, names(befores[0]))
	assert.Equal(t, map[int64]string{2: "Y"}, names(befores[1]))

	require.Nil(t, b.apply(ctx))
	require.Nil(t, b.executor.CaptureAfter(ctx, stmts))
	afters := b.executor.UpdateAfterImages()
	require.Len(t, afters, 2)
	assert.Equal(t, map[int64]string{1: "A"}, names(afters[0]))
	assert.Equal(t, map[int64]string{2: "B"}, names(afters[1]))

	require.Nil(t, b.executor.BuildUndoLogs())
	require.Len(t, b.executor.UpdateBeforeImages(), 1)
	require.Len(t, b.executor.UpdateAfterImages(), 1)
	assert.Len(t, b.executor.DeleteBeforeImages(), 0)
	assert.Len(t, b.executor.DeleteAfterImages(), 0)

	require.Len(t, b.sink.undoLogs, 1)
	l := b.sink.undoLogs[0]
	assert.Equal(t, sqlrecognizer.SQLTypeUpdate, l.SQLType)
	assert.Equal(t, "t", l.TableName)
	assert.Equal(t, map[int64]string{1: "X", 2: "Y"}, names(l.BeforeImage))
	assert.Equal(t, map[int64]string{1: "A", 2: "B"}, names(l.AfterImage))
	assert.Equal(t, []string{"t:1", "t:2"}, b.sink.lockKeys)
}

func TestSameRowUpdatedTwice(t *testing.T) {
	b := newBuilder(t)
	b.store.put("t", 1, "X")
	require.Nil(t, b.run(
		stmt{sqlrecognizer.SQLTypeUpdate, "t", "1", "A"},
		stmt{sqlrecognizer.SQLTypeUpdate, "t", "1", "B"},
	))

	require.Len(t, b.sink.undoLogs, 1)
	l := b.sink.undoLogs[0]
	assert.Equal(t, map[int64]string{1: "X"}, names(l.BeforeImage))
	assert.Equal(t, map[int64]string{1: "B"}, names(l.AfterImage))
	assert.Equal(t, []string{"t:1"}, b.sink.lockKeys)
}

func TestUpdatesAndDeletes(t *testing.T) {
	b := newBuilder(t)
	for id, name := range map[int64]string{1: "a", 2: "b", 3: "c"} {
		b.store.put("t", id, name)
	}
	b.store.put("u", 5, "e")
	require.Nil(t, b.run(
		stmt{sqlrecognizer.SQLTypeUpdate, "t", "1,3", "z"},
		stmt{sqlrecognizer.SQLTypeDelete, "t", "2", ""},
		stmt{sqlrecognizer.SQLTypeSelect, "t", "1", ""},
		stmt{sqlrecognizer.SQLTypeUpdate, "u", "5", "f"},
		stmt{sqlrecognizer.SQLTypeDelete, "u", "6", ""},
	))

	// One undo log per (table, kind) with rows: update t, update u, delete t.
	require.Len(t, b.sink.undoLogs, 3)
	assert.Equal(t, "t", b.sink.undoLogs[0].TableName)
	assert.Equal(t, sqlrecognizer.SQLTypeUpdate, b.sink.undoLogs[0].SQLType)
	assert.Equal(t, map[int64]string{1: "a", 3: "c"}, names(b.sink.undoLogs[0].BeforeImage))
	assert.Equal(t, map[int64]string{1: "z", 3: "z"}, names(b.sink.undoLogs[0].AfterImage))
	assert.Equal(t, "u", b.sink.undoLogs[1].TableName)
	assert.Equal(t, sqlrecognizer.SQLTypeUpdate, b.sink.undoLogs[1].SQLType)
	assert.Equal(t, "t", b.sink.undoLogs[2].TableName)
	assert.Equal(t, sqlrecognizer.SQLTypeDelete, b.sink.undoLogs[2].SQLType)
	assert.Equal(t, map[int64]string{2: "b"}, names(b.sink.undoLogs[2].BeforeImage))
	assert.True(t, b.sink.undoLogs[2].AfterImage.Empty())

	assert.Equal(t, []string{"t:1", "t:3", "u:5", "t:2"}, b.sink.lockKeys)
	// The select is never captured; the delete of u:6 is captured but matched nothing.
	assert.Equal(t, 4, b.update.calls)
	assert.Equal(t, 4, b.delete.calls)
	assert.Len(t, b.executor.DeleteBeforeImages(), 2)
}

func TestNoMatchingRows(t *testing.T) {
	b := newBuilder(t)
	b.store.put("t", 1, "X")
	require.Nil(t, b.run(stmt{sqlrecognizer.SQLTypeUpdate, "t", "42", "A"}))

	assert.Len(t, b.sink.undoLogs, 0)
	assert.Len(t, b.sink.lockKeys, 0)
	assert.Equal(t, 2, b.update.calls)
	require.Len(t, b.executor.UpdateAfterImages(), 1)
	assert.True(t, b.executor.UpdateAfterImages()[0].Empty())
}

func TestLockKeyPerBeforeRow(t *testing.T) {
	b := newBuilder(t)
	for i := int64(1); i <= 10; i++ {
		b.store.put("t", i, "n")
	}
	require.Nil(t, b.run(
		stmt{sqlrecognizer.SQLTypeUpdate, "t", "1,2,3,4", "m"},
		stmt{sqlrecognizer.SQLTypeUpdate, "t", "3,4,5", "o"},
		stmt{sqlrecognizer.SQLTypeUpdate, "t", "9,1", "p"},
	))

	require.Len(t, b.sink.undoLogs, 1)
	before := b.sink.undoLogs[0].BeforeImage
	require.Equal(t, 6, before.Size())
	seen := make(map[string]int)
	for _, k := range b.sink.lockKeys {
		seen[k]++
	}
	for _, row := range before.Rows {
		assert.Equal(t, 1, seen[schema.BuildLockKey("t", row)])
	}
	assert.Len(t, b.sink.lockKeys, before.Size())
	assert.Equal(t, map[int64]string{1: "p", 2: "m", 3: "o", 4: "o", 5: "o", 9: "p"}, names(b.sink.undoLogs[0].AfterImage))
}

func TestOutOfOrderCalls(t *testing.T) {
	b := newBuilder(t)
	b.store.put("t", 1, "X")
	ctx := context.Background()
	stmts := b.batch(stmt{sqlrecognizer.SQLTypeUpdate, "t", "1", "A"})

	err := b.executor.CaptureAfter(ctx, stmts)
	assert.Equal(t, ErrInvalidState, errors.Cause(err))
	assert.Equal(t, ErrInvalidState, errors.Cause(b.executor.BuildUndoLogs()))

	require.Nil(t, b.executor.CaptureBefore(ctx, stmts))
	assert.Equal(t, ErrInvalidState, errors.Cause(b.executor.CaptureBefore(ctx, stmts)))
	assert.Equal(t, ErrInvalidState, errors.Cause(b.executor.CaptureAfter(ctx, nil)))

	require.Nil(t, b.executor.CaptureAfter(ctx, stmts))
	require.Nil(t, b.executor.BuildUndoLogs())
	assert.Equal(t, ErrInvalidState, errors.Cause(b.executor.BuildUndoLogs()))
	assert.Len(t, b.sink.undoLogs, 1)
}

func TestChangedStatementKind(t *testing.T) {
	b := newBuilder(t)
	b.store.put("t", 1, "X")
	b.store.put("t", 2, "Y")
	ctx := context.Background()
	update1 := stmt{sqlrecognizer.SQLTypeUpdate, "t", "1", "A"}
	update2 := stmt{sqlrecognizer.SQLTypeUpdate, "t", "2", "B"}
	require.Nil(t, b.executor.CaptureBefore(ctx, b.batch(update1, update2)))

	err := b.executor.CaptureAfter(ctx, b.batch(update1, stmt{sqlrecognizer.SQLTypeDelete, "t", "2", ""}))
	assert.Equal(t, ErrInvalidState, errors.Cause(err))
	assert.Len(t, b.executor.UpdateAfterImages(), 0)
	assert.Equal(t, 2, b.update.calls)

	// Nothing was captured, so the same statements can still be captured.
	require.Nil(t, b.executor.CaptureAfter(ctx, b.batch(update1, update2)))
	assert.Len(t, b.executor.UpdateAfterImages(), 2)
	require.Nil(t, b.executor.BuildUndoLogs())
	require.Len(t, b.sink.undoLogs, 1)
	assert.Equal(t, 2, b.sink.undoLogs[0].BeforeImage.Size())
}

func TestStoreFailure(t *testing.T) {
	b := newBuilder(t)
	b.store.put("t", 1, "X")
	b.store.failBefore = true
	err := b.run(stmt{sqlrecognizer.SQLTypeUpdate, "t", "1", "A"})
	assert.True(t, IsStoreAccessFailure(err))
	assert.Equal(t, "X", b.store.tables["t"][1])
	assert.Equal(t, ErrInvalidState, errors.Cause(b.executor.CaptureAfter(context.Background(), b.recognize)))

	b = newBuilder(t)
	b.store.put("t", 1, "X")
	b.store.failAfter = true
	err = b.run(stmt{sqlrecognizer.SQLTypeUpdate, "t", "1", "A"})
	assert.True(t, IsStoreAccessFailure(err))
	assert.Len(t, b.sink.undoLogs, 0)

	b = newBuilder(t)
	err = b.executor.Execute(context.Background(), b.batch(stmt{sqlrecognizer.SQLTypeDelete, "t", "1", ""}),
		func(ctx context.Context) error { return errors.New("constraint failed") })
	assert.True(t, IsStoreAccessFailure(err))
	assert.Contains(t, err.Error(), "constraint failed")
	assert.False(t, IsStoreAccessFailure(ErrInvalidState))
}

func TestAfterImageOutsideBeforeImage(t *testing.T) {
	b := newBuilder(t)
	b.store.put("t", 1, "X")
	b.store.extraAfterID = 99
	err := b.run(stmt{sqlrecognizer.SQLTypeUpdate, "t", "1", "A"})
	assert.Equal(t, ErrSnapshotInconsistency, errors.Cause(err))
	assert.Len(t, b.sink.undoLogs, 0)
	assert.Len(t, b.sink.lockKeys, 0)
}

func TestMissingBeforeTable(t *testing.T) {
	b := newBuilder(t)
	after := schema.NewTableSnapshot("t")
	after.Add(fakeRow(1, "A"))
	b.executor.buildUndo(mergeSnapshots(nil), mergeSnapshots([]*schema.TableSnapshot{after}), sqlrecognizer.SQLTypeUpdate)
	assert.Len(t, b.sink.undoLogs, 0)
	assert.Len(t, b.sink.lockKeys, 0)
}
