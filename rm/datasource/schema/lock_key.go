package schema

import (
	"strings"

	"github.com/pingcap/errors"
)

// A lock key names one row for the global lock manager: "<table>:<pk1>,<pk2>,...". Several keys are joined with ';'
// when registered together. The separators and the escape character itself are backslash-escaped inside table names
// and values.
const (
	lockKeyTableSep = ':'
	lockKeyValueSep = ','
	lockKeyRowSep   = ';'
	lockKeyEscape   = '\\'
)

var lockKeyEscaper = strings.NewReplacer(
	`\`, `\\`,
	`:`, `\:`,
	`,`, `\,`,
	`;`, `\;`,
)

func escapeLockKeyPart(s string) string {
	return lockKeyEscaper.Replace(s)
}

// BuildLockKey returns the lock key of row in table.
func BuildLockKey(table string, row *Row) string {
	return escapeLockKeyPart(table) + string(lockKeyTableSep) + row.Key()
}

// BuildLockKeys returns one lock key per row of the snapshot, in row order.
func BuildLockKeys(s *TableSnapshot) []string {
	if s.Empty() {
		return nil
	}
	keys := make([]string, 0, len(s.Rows))
	for _, r := range s.Rows {
		keys = append(keys, BuildLockKey(s.TableName, r))
	}
	return keys
}

// JoinLockKeys joins row lock keys into the single string registered with the coordinator.
func JoinLockKeys(keys []string) string {
	return strings.Join(keys, string(lockKeyRowSep))
}

// SplitLockKeys reverses JoinLockKeys.
func SplitLockKeys(joined string) []string {
	if joined == "" {
		return nil
	}
	var (
		keys    []string
		start   int
		escaped bool
	)
	for i := 0; i < len(joined); i++ {
		switch {
		case escaped:
			escaped = false
		case joined[i] == lockKeyEscape:
			escaped = true
		case joined[i] == lockKeyRowSep:
			keys = append(keys, joined[start:i])
			start = i + 1
		}
	}
	return append(keys, joined[start:])
}

// ParseLockKey splits a row lock key into its table name and primary key values.
func ParseLockKey(key string) (string, []string, error) {
	var (
		table    string
		values   []string
		cur      strings.Builder
		inValues bool
		escaped  bool
	)
	for i := 0; i < len(key); i++ {
		c := key[i]
		if escaped {
			cur.WriteByte(c)
			escaped = false
			continue
		}
		switch {
		case c == lockKeyEscape:
			escaped = true
		case c == lockKeyTableSep && !inValues:
			table = cur.String()
			cur.Reset()
			inValues = true
		case c == lockKeyValueSep && inValues:
			values = append(values, cur.String())
			cur.Reset()
		case c == lockKeyRowSep:
			return "", nil, errors.Errorf("lock key %q holds more than one row", key)
		default:
			cur.WriteByte(c)
		}
	}
	if escaped {
		return "", nil, errors.Errorf("lock key %q ends with a dangling escape", key)
	}
	if !inValues || table == "" {
		return "", nil, errors.Errorf("lock key %q has no table name", key)
	}
	values = append(values, cur.String())
	return table, values, nil
}
