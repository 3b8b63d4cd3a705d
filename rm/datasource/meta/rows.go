package meta

import (
	"context"
	"strings"

	"github.com/pingcap-incubator/tinyrm/rm/datasource/schema"
	"github.com/pingcap/errors"
)

// maxKeyParams bounds the parameters of one primary key lookup. It stays under the smallest host parameter limit
// SQLite builds ship with.
const maxKeyParams = 999

// SelectRows reads every column of the rows of tm matching where (all rows when where is empty) into a snapshot.
func SelectRows(ctx context.Context, q Querier, tm *TableMeta, where string, args ...interface{}) (*schema.TableSnapshot, error) {
	return SelectRowsAs(ctx, q, tm, "", where, args...)
}

// SelectRowsAs is SelectRows for a where condition that refers to the table by alias.
func SelectRowsAs(ctx context.Context, q Querier, tm *TableMeta, alias, where string, args ...interface{}) (*schema.TableSnapshot, error) {
	cols := make([]string, 0, len(tm.Columns))
	for _, c := range tm.Columns {
		cols = append(cols, QuoteIdent(c.Name))
	}
	query := "SELECT " + strings.Join(cols, ", ") + " FROM " + QuoteIdent(tm.TableName)
	if alias != "" {
		query += " AS " + QuoteIdent(alias)
	}
	if where != "" {
		query += " WHERE " + where
	}

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Annotatef(err, "query %s", query)
	}
	defer rows.Close()

	snapshot := schema.NewTableSnapshot(tm.TableName)
	for rows.Next() {
		values := make([]interface{}, len(tm.Columns))
		dest := make([]interface{}, len(tm.Columns))
		for i := range values {
			dest[i] = &values[i]
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, errors.Trace(err)
		}
		row := &schema.Row{Fields: make([]*schema.Field, 0, len(tm.Columns))}
		for i, c := range tm.Columns {
			f := &schema.Field{Name: c.Name, Type: c.DataType, Value: normalize(c.DataType, values[i])}
			if tm.IsPrimaryKey(c.Name) {
				f.KeyType = schema.PrimaryKey
			}
			row.Fields = append(row.Fields, f)
		}
		snapshot.Add(row)
	}
	return snapshot, errors.Trace(rows.Err())
}

// SelectRowsByPrimaryKey reads the current state of the given rows of tm. Rows are looked up in chunks so the
// parameters of one query stay under maxKeyParams. Rows that no longer exist are left out.
func SelectRowsByPrimaryKey(ctx context.Context, q Querier, tm *TableMeta, rows []*schema.Row) (*schema.TableSnapshot, error) {
	chunk := maxKeyParams / len(tm.PrimaryKeys)
	if chunk < 1 {
		chunk = 1
	}
	snapshot := schema.NewTableSnapshot(tm.TableName)
	for start := 0; start < len(rows); start += chunk {
		end := start + chunk
		if end > len(rows) {
			end = len(rows)
		}
		where, args := PrimaryKeyCondition(tm, rows[start:end])
		part, err := SelectRows(ctx, q, tm, where, args...)
		if err != nil {
			return nil, err
		}
		for _, r := range part.Rows {
			snapshot.Add(r)
		}
	}
	return snapshot, nil
}

// PrimaryKeyCondition builds a WHERE condition, with its arguments, matching exactly the given rows of tm by
// primary key.
func PrimaryKeyCondition(tm *TableMeta, rows []*schema.Row) (string, []interface{}) {
	args := make([]interface{}, 0, len(rows)*len(tm.PrimaryKeys))
	if len(tm.PrimaryKeys) == 1 {
		pk := tm.PrimaryKeys[0]
		marks := make([]string, 0, len(rows))
		for _, r := range rows {
			marks = append(marks, "?")
			args = append(args, r.Field(pk).Value)
		}
		return QuoteIdent(pk) + " IN (" + strings.Join(marks, ",") + ")", args
	}

	conds := make([]string, 0, len(rows))
	for _, r := range rows {
		parts := make([]string, 0, len(tm.PrimaryKeys))
		for _, pk := range tm.PrimaryKeys {
			parts = append(parts, QuoteIdent(pk)+"=?")
			args = append(args, r.Field(pk).Value)
		}
		conds = append(conds, "("+strings.Join(parts, " AND ")+")")
	}
	return strings.Join(conds, " OR "), args
}

func normalize(dataType string, v interface{}) interface{} {
	if b, ok := v.([]byte); ok && !strings.Contains(strings.ToUpper(dataType), "BLOB") {
		return string(b)
	}
	return v
}
