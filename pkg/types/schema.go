package types

import "strings"

// DataTableName is the logical name of the event table in an input dataset.
const DataTableName = "data"

// Column names of the event table. Input and output tables share them.
const (
	ColumnChannelID = "channelID"
	ColumnTime      = "time"
	ColumnEnergy    = "energy"
	ColumnTOT       = "tot"
)

// Schema defines the structure of an event table.
type Schema struct {
	// Version tracks the table layout written by chansplit
	Version int `json:"version"`
	// Columns defines the columns in the schema, in storage order
	Columns []ColumnDef `json:"columns"`
}

// ColumnDef defines a single column in the schema.
type ColumnDef struct {
	// Name is the column name
	Name string `json:"name"`
	// Type is the SQLite type: INTEGER or REAL
	Type string `json:"type"`
}

// EventSchema returns the fixed four-column event table schema.
func EventSchema() Schema {
	return Schema{
		Version: 1,
		Columns: []ColumnDef{
			{Name: ColumnChannelID, Type: "INTEGER"},
			{Name: ColumnTime, Type: "INTEGER"},
			{Name: ColumnEnergy, Type: "REAL"},
			{Name: ColumnTOT, Type: "REAL"},
		},
	}
}

// ColumnNames returns the column names in storage order.
func (s Schema) ColumnNames() []string {
	names := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		names[i] = c.Name
	}
	return names
}

// QuoteIdent quotes a SQLite identifier.
func QuoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// CreateTableSQL returns the CREATE TABLE statement for table.
func (s Schema) CreateTableSQL(table string) string {
	cols := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		cols[i] = QuoteIdent(c.Name) + " " + c.Type + " NOT NULL"
	}
	return "CREATE TABLE " + QuoteIdent(table) + " (" + strings.Join(cols, ", ") + ")"
}

// InsertSQL returns the parameterized INSERT statement for table.
func (s Schema) InsertSQL(table string) string {
	cols := make([]string, len(s.Columns))
	marks := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		cols[i] = QuoteIdent(c.Name)
		marks[i] = "?"
	}
	return "INSERT INTO " + QuoteIdent(table) + " (" + strings.Join(cols, ", ") + ") VALUES (" + strings.Join(marks, ", ") + ")"
}

// SelectSQL returns a SELECT of every column of table in storage order.
func (s Schema) SelectSQL(table string) string {
	cols := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		cols[i] = QuoteIdent(c.Name)
	}
	return "SELECT " + strings.Join(cols, ", ") + " FROM " + QuoteIdent(table) + " ORDER BY rowid"
}
