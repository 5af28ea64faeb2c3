package bulk

import "strings"

// DefaultSchema is assumed when a table name carries no schema part.
const DefaultSchema = "dbo"

// Table identifies a target table.
type Table struct {
	// Database is optional; when empty the connection's current database is used.
	Database string
	Schema   string
	Name     string
}

// String returns "schema.name" (or "database.schema.name").
func (t Table) String() string {
	if t.Database != "" {
		return t.Database + "." + t.Schema + "." + t.Name
	}
	return t.Schema + "." + t.Name
}

// ParseTableName accepts "table", "schema.table" and the bracketed forms
// "[table]" / "[schema].[table]". More than one separator is rejected.
func ParseTableName(s string) (Table, error) {
	name := strings.NewReplacer("[", "", "]", "").Replace(strings.TrimSpace(s))

	switch strings.Count(name, ".") {
	case 0:
		if name == "" {
			return Table{}, configErr("table", "table name is empty")
		}
		return Table{Schema: DefaultSchema, Name: name}, nil
	case 1:
		schema, table, _ := strings.Cut(name, ".")
		schema, table = strings.TrimSpace(schema), strings.TrimSpace(table)
		if schema == "" || table == "" {
			return Table{}, configErr("table", "malformed table name %q", s)
		}
		return Table{Schema: schema, Name: table}, nil
	default:
		return Table{}, configErr("table", "table name %q can't contain more than one period '.' character", s)
	}
}
