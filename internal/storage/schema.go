package storage

import (
	"strings"
	"unicode"

	"dupscan/internal/errors"
)

// ColumnType is a logical column type. Backends map it to a concrete SQL
// type.
type ColumnType string

const (
	// TypeKey is short indexed text (primary keys, run IDs).
	TypeKey  ColumnType = "key"
	TypeText ColumnType = "text"
	TypeInt  ColumnType = "int"
	// TypeJSON holds a JSON document.
	TypeJSON ColumnType = "json"
	TypeTime ColumnType = "time"
)

// ColumnSpec is one column of a TableSpec.
type ColumnSpec struct {
	Name     string
	Type     ColumnType
	Nullable bool
}

// TableSpec describes a table dupscan owns.
type TableSpec struct {
	Name       string
	Columns    []ColumnSpec
	PrimaryKey []string
}

// Column names of the tables dupscan owns.
const (
	ColRunID       = "run_id"
	ColOutputIndex = "output_index"
	ColItem        = "item"
	ColCreatedAt   = "created_at"

	ColKey       = "key"
	ColPayload   = "payload"
	ColUpdatedAt = "updated_at"
)

// SinkColumns is the insert column order of the sink table.
var SinkColumns = []string{ColRunID, ColOutputIndex, ColItem, ColCreatedAt}

// SinkTable is the layout of the duplicates sink table. Rows are appended,
// never updated: a page replayed after a crash is appended again.
func SinkTable(name string) TableSpec {
	return TableSpec{
		Name: name,
		Columns: []ColumnSpec{
			{Name: ColRunID, Type: TypeKey},
			{Name: ColOutputIndex, Type: TypeInt},
			{Name: ColItem, Type: TypeJSON},
			{Name: ColCreatedAt, Type: TypeTime},
		},
	}
}

// CheckpointTable is the layout of the checkpoint table: one row per key.
func CheckpointTable(name string) TableSpec {
	return TableSpec{
		Name: name,
		Columns: []ColumnSpec{
			{Name: ColKey, Type: TypeKey},
			{Name: ColPayload, Type: TypeText},
			{Name: ColUpdatedAt, Type: TypeTime},
		},
		PrimaryKey: []string{ColKey},
	}
}

// OrderTerm is one column of an ORDER BY list.
type OrderTerm struct {
	Column string
	Desc   bool
}

// ParseOrderBy parses "id", "created_at desc, id" and similar lists.
//
// Column names are kept as written and quoted by the backend; only ASC and
// DESC modifiers are accepted, so free SQL never reaches a query.
//
// Errors:
//   - ErrConfiguration for empty terms, unknown modifiers or column names
//     with characters other than letters, digits, '_', '.', '$' and '#'.
func ParseOrderBy(s string) ([]OrderTerm, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	var out []OrderTerm
	for i, part := range strings.Split(s, ",") {
		fields := strings.Fields(part)
		if len(fields) == 0 || len(fields) > 2 {
			return nil, errors.NewConfigurationError("order_by term %d (%q) must be \"column [asc|desc]\"", i, strings.TrimSpace(part))
		}
		term := OrderTerm{Column: fields[0]}
		if !validColumnName(term.Column) {
			return nil, errors.NewConfigurationError("order_by term %d: invalid column name %q", i, term.Column)
		}
		if len(fields) == 2 {
			switch strings.ToLower(fields[1]) {
			case "asc":
			case "desc":
				term.Desc = true
			default:
				return nil, errors.NewConfigurationError("order_by term %d: unknown direction %q", i, fields[1])
			}
		}
		out = append(out, term)
	}
	return out, nil
}

func validColumnName(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			continue
		}
		switch r {
		case '_', '.', '$', '#':
			continue
		}
		return false
	}
	return true
}
