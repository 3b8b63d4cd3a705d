package schema

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// KeyType tells whether a field is part of its table's primary key.
type KeyType int

const (
	Null KeyType = iota
	PrimaryKey
)

// Field is one column value of a captured row. Type is the declared column type from the table metadata.
type Field struct {
	Name    string      `json:"name"`
	KeyType KeyType     `json:"keyType"`
	Type    string      `json:"type"`
	Value   interface{} `json:"value"`
}

func (f *Field) IsPrimaryKey() bool {
	return f.KeyType == PrimaryKey
}

// UnmarshalJSON restores integer values as int64 and blob values as []byte, so a decoded undo log binds the same
// arguments the captured one would have.
func (f *Field) UnmarshalJSON(data []byte) error {
	var aux struct {
		Name    string          `json:"name"`
		KeyType KeyType         `json:"keyType"`
		Type    string          `json:"type"`
		Value   json.RawMessage `json:"value"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	f.Name, f.KeyType, f.Type = aux.Name, aux.KeyType, aux.Type
	f.Value = nil
	if len(aux.Value) == 0 {
		return nil
	}

	dec := json.NewDecoder(bytes.NewReader(aux.Value))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return err
	}
	switch x := v.(type) {
	case json.Number:
		if i, err := x.Int64(); err == nil {
			f.Value = i
		} else if fl, err := x.Float64(); err == nil {
			f.Value = fl
		} else {
			return err
		}
	case string:
		if isBlobType(f.Type) {
			b, err := base64.StdEncoding.DecodeString(x)
			if err != nil {
				return err
			}
			f.Value = b
		} else {
			f.Value = x
		}
	default:
		f.Value = x
	}
	return nil
}

func isBlobType(declared string) bool {
	return strings.Contains(strings.ToUpper(declared), "BLOB")
}

// Row is an ordered list of the column values of one tuple.
type Row struct {
	Fields []*Field `json:"fields"`
}

// PrimaryKeys returns the primary key fields of the row, in column order.
func (r *Row) PrimaryKeys() []*Field {
	var pks []*Field
	for _, f := range r.Fields {
		if f.IsPrimaryKey() {
			pks = append(pks, f)
		}
	}
	return pks
}

// NonPrimaryKeys returns every field that is not part of the primary key.
func (r *Row) NonPrimaryKeys() []*Field {
	var fields []*Field
	for _, f := range r.Fields {
		if !f.IsPrimaryKey() {
			fields = append(fields, f)
		}
	}
	return fields
}

// Field returns the field with the given column name, or nil.
func (r *Row) Field(name string) *Field {
	for _, f := range r.Fields {
		if strings.EqualFold(f.Name, name) {
			return f
		}
	}
	return nil
}

// Key identifies the row by its primary key values. Two rows of one table have the same Key iff they have the same
// primary key.
func (r *Row) Key() string {
	pks := r.PrimaryKeys()
	parts := make([]string, 0, len(pks))
	for _, f := range pks {
		parts = append(parts, escapeLockKeyPart(FormatValue(f.Value)))
	}
	return strings.Join(parts, string(lockKeyValueSep))
}

// FormatValue renders a column value the way it appears in lock keys.
func FormatValue(v interface{}) string {
	switch x := v.(type) {
	case nil:
		return "NULL"
	case []byte:
		return string(x)
	case string:
		return x
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano)
	default:
		return fmt.Sprint(x)
	}
}

// TableSnapshot holds some rows of one table as they were at one instant.
type TableSnapshot struct {
	TableName string `json:"tableName"`
	Rows      []*Row `json:"rows"`
}

func NewTableSnapshot(tableName string) *TableSnapshot {
	return &TableSnapshot{TableName: tableName}
}

func (s *TableSnapshot) Size() int {
	if s == nil {
		return 0
	}
	return len(s.Rows)
}

func (s *TableSnapshot) Empty() bool {
	return s.Size() == 0
}

func (s *TableSnapshot) Add(row *Row) {
	s.Rows = append(s.Rows, row)
}

// KeySet returns the set of row keys (see Row.Key) in the snapshot.
func (s *TableSnapshot) KeySet() map[string]struct{} {
	set := make(map[string]struct{}, s.Size())
	if s == nil {
		return set
	}
	for _, r := range s.Rows {
		set[r.Key()] = struct{}{}
	}
	return set
}

// PrimaryKeyValues returns the primary key values of each row, in row order.
func (s *TableSnapshot) PrimaryKeyValues() [][]interface{} {
	if s == nil {
		return nil
	}
	values := make([][]interface{}, 0, len(s.Rows))
	for _, r := range s.Rows {
		pks := r.PrimaryKeys()
		v := make([]interface{}, 0, len(pks))
		for _, f := range pks {
			v = append(v, f.Value)
		}
		values = append(values, v)
	}
	return values
}

// RowByKey finds the row with the given key.
func (s *TableSnapshot) RowByKey(key string) *Row {
	if s == nil {
		return nil
	}
	for _, r := range s.Rows {
		if r.Key() == key {
			return r
		}
	}
	return nil
}

func (s *TableSnapshot) String() string {
	if s == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%s(%d rows)", s.TableName, len(s.Rows))
}
