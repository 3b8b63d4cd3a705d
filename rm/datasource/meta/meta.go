package meta

import (
	"context"
	"database/sql"
	"sort"
	"strings"
	"sync"

	"github.com/pingcap/errors"
)

// Querier is the read side shared by *sql.DB, *sql.Tx and *sql.Conn.
type Querier interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

// ColumnMeta describes one column of a table.
type ColumnMeta struct {
	Name     string
	DataType string
}

// TableMeta is the column layout of a table. PrimaryKeys is never empty for a TableMeta returned by Cache.
type TableMeta struct {
	TableName   string
	Columns     []ColumnMeta
	PrimaryKeys []string
}

func (m *TableMeta) IsPrimaryKey(column string) bool {
	for _, pk := range m.PrimaryKeys {
		if strings.EqualFold(pk, column) {
			return true
		}
	}
	return false
}

func (m *TableMeta) ColumnNames() []string {
	names := make([]string, 0, len(m.Columns))
	for _, c := range m.Columns {
		names = append(names, c.Name)
	}
	return names
}

func (m *TableMeta) Column(name string) (ColumnMeta, bool) {
	for _, c := range m.Columns {
		if strings.EqualFold(c.Name, name) {
			return c, true
		}
	}
	return ColumnMeta{}, false
}

// Cache loads table metadata once per table. It is safe for concurrent use.
type Cache struct {
	mu     sync.RWMutex
	tables map[string]*TableMeta
}

func NewCache() *Cache {
	return &Cache{tables: make(map[string]*TableMeta)}
}

// Get returns the metadata of table, loading it through q on first use.
func (c *Cache) Get(ctx context.Context, q Querier, table string) (*TableMeta, error) {
	key := strings.ToLower(table)
	c.mu.RLock()
	tm, ok := c.tables[key]
	c.mu.RUnlock()
	if ok {
		return tm, nil
	}

	tm, err := load(ctx, q, table)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.tables[key] = tm
	c.mu.Unlock()
	return tm, nil
}

// Invalidate drops the cached metadata of table, e.g. after a schema change.
func (c *Cache) Invalidate(table string) {
	c.mu.Lock()
	delete(c.tables, strings.ToLower(table))
	c.mu.Unlock()
}

func load(ctx context.Context, q Querier, table string) (*TableMeta, error) {
	rows, err := q.QueryContext(ctx, "PRAGMA table_info("+QuoteIdent(table)+")")
	if err != nil {
		return nil, errors.Annotatef(err, "load meta of table %s", table)
	}
	defer rows.Close()

	type pkColumn struct {
		name string
		seq  int64
	}
	tm := &TableMeta{TableName: table}
	var pks []pkColumn
	for rows.Next() {
		var (
			cid      int64
			name     string
			dataType string
			notNull  int64
			dflt     interface{}
			pk       int64
		)
		if err := rows.Scan(&cid, &name, &dataType, &notNull, &dflt, &pk); err != nil {
			return nil, errors.Trace(err)
		}
		tm.Columns = append(tm.Columns, ColumnMeta{Name: name, DataType: dataType})
		if pk > 0 {
			pks = append(pks, pkColumn{name, pk})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Trace(err)
	}
	if len(tm.Columns) == 0 {
		return nil, errors.Errorf("table %s does not exist", table)
	}
	if len(pks) == 0 {
		return nil, errors.Errorf("table %s has no primary key", table)
	}
	sort.Slice(pks, func(i, j int) bool { return pks[i].seq < pks[j].seq })
	for _, pk := range pks {
		tm.PrimaryKeys = append(tm.PrimaryKeys, pk.name)
	}
	return tm, nil
}

// QuoteIdent quotes a table or column name for use in generated SQL.
func QuoteIdent(name string) string {
	return "`" + strings.Replace(name, "`", "``", -1) + "`"
}
