package backup

import (
	"strings"
	"time"
)

// timestampColumns are the column names recognized as row-change markers,
// in priority order.
var timestampColumns = []string{"updated_at", "created_at", "timestamp"}

// RowTimestamp extracts the change timestamp of a row from its first
// recognized timestamp column. Values may be time.Time or RFC 3339 strings.
func RowTimestamp(columns []string, row []interface{}) (time.Time, bool) {
	for _, want := range timestampColumns {
		for i, col := range columns {
			if !strings.EqualFold(col, want) || i >= len(row) {
				continue
			}
			switch v := row[i].(type) {
			case time.Time:
				return v, true
			case string:
				if ts, err := time.Parse(time.RFC3339, v); err == nil {
					return ts, true
				}
			case []byte:
				if ts, err := time.Parse(time.RFC3339, string(v)); err == nil {
					return ts, true
				}
			}
		}
	}
	return time.Time{}, false
}

// FilterRowsSince drops rows whose timestamp is not after since. Rows with
// no recognized timestamp column are kept.
func FilterRowsSince(table TableData, since time.Time) TableData {
	out := TableData{Name: table.Name, Columns: table.Columns}
	for _, row := range table.Rows {
		ts, ok := RowTimestamp(table.Columns, row)
		if !ok || ts.After(since) {
			out.Rows = append(out.Rows, row)
		}
	}
	return out
}

// FilterRowsUntil drops rows whose timestamp is after the cutoff. Rows with
// no recognized timestamp column are kept. Point-in-time restore uses this
// to roll a payload back to a target instant.
func FilterRowsUntil(table TableData, cutoff time.Time) TableData {
	out := TableData{Name: table.Name, Columns: table.Columns}
	for _, row := range table.Rows {
		ts, ok := RowTimestamp(table.Columns, row)
		if !ok || !ts.After(cutoff) {
			out.Rows = append(out.Rows, row)
		}
	}
	return out
}
