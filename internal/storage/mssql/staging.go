package mssql

import (
	"strings"

	"sqlbulk/internal/bulk"
)

// buildCreateStaging renders the CREATE TABLE for a staging table holding
// cols (in canonical order) plus, when trackRows is set, the Internal Row Id.
//
// Column types come from the target's metadata. Columns the target does not
// declare fall back to a default type for their semantic type.
func buildCreateStaging(name string, cols []bulk.Column, meta *tableMeta, trackRows bool) string {
	var b strings.Builder
	b.WriteString("CREATE TABLE ")
	b.WriteString(name)
	b.WriteString("(")
	first := true
	for _, c := range orderedColumns(cols) {
		if c.Name == bulk.InternalRowID {
			continue
		}
		if !first {
			b.WriteString(", ")
		}
		first = false
		b.WriteString(mssqlIdent(c.Name))
		b.WriteString(" ")
		if m, ok := meta.column(c.Name); ok {
			b.WriteString(m.sqlType())
		} else {
			b.WriteString(defaultSQLType(c.Type))
		}
	}
	if trackRows {
		if !first {
			b.WriteString(", ")
		}
		b.WriteString(mssqlIdent(bulk.InternalRowID))
		b.WriteString(" int")
	}
	b.WriteString(");")
	return b.String()
}

// buildOutputTableCreate renders the table receiving OUTPUT rows. Inserts
// correlate by order so they only need the identity; everything else keeps
// the Internal Row Id next to it.
func buildOutputTableCreate(name string, kind bulk.Kind, identity string, meta *tableMeta) string {
	idType := "int"
	if m, ok := meta.column(identity); ok {
		idType = m.sqlType()
	}
	if kind == bulk.KindInsert {
		return "CREATE TABLE " + name + "(" + mssqlIdent(identity) + " " + idType + ");"
	}
	return "CREATE TABLE " + name + "(" + mssqlIdent(bulk.InternalRowID) + " int, " +
		mssqlIdent(identity) + " " + idType + ");"
}

// buildRemoveDuplicates collapses staged rows sharing the same match key
// values, keeping the last one staged. The identity is left out of the
// partition: new rows carry no identity yet. Returns "" when nothing remains
// to partition by.
func buildRemoveDuplicates(staging string, keys []string, identity string, collations map[string]string) string {
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		if k == identity {
			continue
		}
		p := mssqlIdent(k)
		if c := collations[k]; c != "" {
			p += " COLLATE " + c
		}
		parts = append(parts, p)
	}
	if len(parts) == 0 {
		return ""
	}
	return "WITH Ranked AS (SELECT ROW_NUMBER() OVER (PARTITION BY " + strings.Join(parts, ", ") +
		" ORDER BY " + mssqlIdent(bulk.InternalRowID) + " DESC) AS RN FROM " + staging +
		") DELETE FROM Ranked WHERE RN > 1;"
}

// orderedColumns returns a copy of cols in canonical order by database name.
func orderedColumns(cols []bulk.Column) []bulk.Column {
	names := make([]string, len(cols))
	byName := make(map[string]bulk.Column, len(cols))
	for i, c := range cols {
		names[i] = c.Name
		byName[c.Name] = c
	}
	bulk.CanonicalOrder(names)
	out := make([]bulk.Column, len(names))
	for i, n := range names {
		out[i] = byName[n]
	}
	return out
}
