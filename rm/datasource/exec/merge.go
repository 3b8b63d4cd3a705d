package exec

import "github.com/pingcap-incubator/tinyrm/rm/datasource/schema"

// mergedSnapshots is one snapshot per table, tables in order of first appearance.
type mergedSnapshots struct {
	tables  []string
	byTable map[string]*schema.TableSnapshot
}

// get returns the merged snapshot of table, or an empty one if no snapshot named it.
func (m *mergedSnapshots) get(table string) *schema.TableSnapshot {
	if s, ok := m.byTable[table]; ok {
		return s
	}
	return schema.NewTableSnapshot(table)
}

func (m *mergedSnapshots) list() []*schema.TableSnapshot {
	result := make([]*schema.TableSnapshot, 0, len(m.tables))
	for _, t := range m.tables {
		result = append(result, m.byTable[t])
	}
	return result
}

// mergeSnapshots folds per-statement snapshots into one snapshot per table. Rows sharing a primary key collapse to
// the one captured last; a row keeps the position where its key first appeared. The input snapshots are not
// modified.
func mergeSnapshots(snapshots []*schema.TableSnapshot) *mergedSnapshots {
	m := &mergedSnapshots{byTable: make(map[string]*schema.TableSnapshot)}
	positions := make(map[string]map[string]int)
	for _, s := range snapshots {
		if s == nil {
			continue
		}
		merged, ok := m.byTable[s.TableName]
		if !ok {
			merged = schema.NewTableSnapshot(s.TableName)
			m.byTable[s.TableName] = merged
			m.tables = append(m.tables, s.TableName)
			positions[s.TableName] = make(map[string]int)
		}
		pos := positions[s.TableName]
		for _, row := range s.Rows {
			key := row.Key()
			if i, dup := pos[key]; dup {
				merged.Rows[i] = row
				continue
			}
			pos[key] = len(merged.Rows)
			merged.Add(row)
		}
	}
	return m
}
