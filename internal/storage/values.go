package storage

import (
	"database/sql"
	"database/sql/driver"

	"github.com/google/uuid"

	"dupscan/pkg/records"
)

// NormalizeValue converts a driver value into a plain record value, so the
// same data read from different backends groups under the same key:
//
//   - []byte becomes string
//   - 16-byte arrays (UUID columns) become the canonical UUID string
//   - driver.Valuer types (numeric, interval, ...) are unwrapped once
//
// Everything else is returned as is.
func NormalizeValue(v any) any {
	switch t := v.(type) {
	case nil:
		return nil
	case []byte:
		return string(t)
	case [16]byte:
		return uuid.UUID(t).String()
	case driver.Valuer:
		inner, err := t.Value()
		if err != nil {
			return v
		}
		if _, again := inner.(driver.Valuer); again {
			return inner
		}
		return NormalizeValue(inner)
	default:
		return v
	}
}

// ColumnConverter converts a scanned value of a column. Backends use it for
// vendor types NormalizeValue cannot recognise.
type ColumnConverter func(ct *sql.ColumnType, v any) any

// ScanRecords reads every remaining row of rows into records keyed by column
// name. Values go through convert (when non-nil) and then NormalizeValue.
// rows is not closed.
func ScanRecords(rows *sql.Rows, convert ColumnConverter) ([]records.Record, error) {
	cols, err := rows.ColumnTypes()
	if err != nil {
		return nil, err
	}

	var out []records.Record
	vals := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for rows.Next() {
		for i := range vals {
			vals[i] = nil
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		rec := make(records.Record, len(cols))
		for i, ct := range cols {
			v := vals[i]
			if convert != nil {
				v = convert(ct, v)
			}
			rec[ct.Name()] = NormalizeValue(v)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
