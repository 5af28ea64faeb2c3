package mssql

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	"sqlbulk/internal/bulk"
)

// columnMeta is one row of INFORMATION_SCHEMA.COLUMNS for the target table.
type columnMeta struct {
	Name              string
	DataType          string
	MaxLength         sql.NullInt64
	Precision         sql.NullInt64
	Scale             sql.NullInt64
	DatetimePrecision sql.NullInt64
	Nullable          bool
	IsIdentity        bool
}

// tableMeta is the target table's column metadata keyed by column name.
type tableMeta struct {
	columns map[string]columnMeta
	order   []string
}

func (m *tableMeta) column(name string) (columnMeta, bool) {
	if m == nil {
		return columnMeta{}, false
	}
	c, ok := m.columns[name]
	return c, ok
}

// identityColumn returns the table's own identity column, if any.
func (m *tableMeta) identityColumn() (string, bool) {
	if m == nil {
		return "", false
	}
	for _, n := range m.order {
		if m.columns[n].IsIdentity {
			return n, true
		}
	}
	return "", false
}

func buildIntrospectSQL(t bulk.Table) string {
	cat := catalogPrefix(t)
	// COLUMNPROPERTY resolves OBJECT_ID in the current database, so the
	// catalog is spelled out for database-qualified targets.
	obj := "QUOTENAME(c.TABLE_SCHEMA) + '.' + QUOTENAME(c.TABLE_NAME)"
	if t.Database != "" {
		obj = "QUOTENAME(c.TABLE_CATALOG) + '.' + " + obj
	}
	return "SELECT c.COLUMN_NAME, c.DATA_TYPE, c.CHARACTER_MAXIMUM_LENGTH, c.NUMERIC_PRECISION, " +
		"c.NUMERIC_SCALE, c.DATETIME_PRECISION, c.IS_NULLABLE, " +
		"COLUMNPROPERTY(OBJECT_ID(" + obj + "), c.COLUMN_NAME, 'IsIdentity') " +
		"FROM " + cat + "INFORMATION_SCHEMA.COLUMNS AS c " +
		"WHERE c.TABLE_SCHEMA = @p1 AND c.TABLE_NAME = @p2 " +
		"ORDER BY c.ORDINAL_POSITION;"
}

// introspect reads the target table's column metadata. A table with no
// visible columns is a configuration error: it does not exist or the login
// cannot see it.
func introspect(ctx context.Context, q queryer, t bulk.Table) (*tableMeta, error) {
	schema := t.Schema
	if schema == "" {
		schema = bulk.DefaultSchema
	}
	rows, err := q.QueryContext(ctx, buildIntrospectSQL(t), schema, t.Name)
	if err != nil {
		return nil, fmt.Errorf("mssql: read metadata of %s: %w", t, err)
	}
	defer rows.Close()

	m := &tableMeta{columns: map[string]columnMeta{}}
	for rows.Next() {
		var (
			c        columnMeta
			nullable string
			identity sql.NullInt64
		)
		if err := rows.Scan(&c.Name, &c.DataType, &c.MaxLength, &c.Precision, &c.Scale,
			&c.DatetimePrecision, &nullable, &identity); err != nil {
			return nil, fmt.Errorf("mssql: scan metadata of %s: %w", t, err)
		}
		c.Nullable = strings.EqualFold(nullable, "YES")
		c.IsIdentity = identity.Valid && identity.Int64 == 1
		m.columns[c.Name] = c
		m.order = append(m.order, c.Name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("mssql: read metadata of %s: %w", t, err)
	}
	if len(m.order) == 0 {
		return nil, &bulk.ConfigurationError{
			Op:  "introspect",
			Msg: fmt.Sprintf("table %s has no visible columns (missing table or no permission)", t),
		}
	}
	return m, nil
}

// sqlType renders the column's declared type the way CREATE TABLE expects it.
func (c columnMeta) sqlType() string {
	dt := strings.ToLower(c.DataType)
	switch dt {
	case "varchar", "nvarchar", "char", "nchar", "binary", "varbinary":
		if !c.MaxLength.Valid {
			return dt
		}
		if c.MaxLength.Int64 == -1 {
			return dt + "(max)"
		}
		return dt + "(" + strconv.FormatInt(c.MaxLength.Int64, 10) + ")"
	case "decimal", "numeric":
		if !c.Precision.Valid {
			return dt
		}
		return fmt.Sprintf("%s(%d, %d)", dt, c.Precision.Int64, c.Scale.Int64)
	case "datetime2", "time", "datetimeoffset":
		if !c.DatetimePrecision.Valid {
			return dt
		}
		return dt + "(" + strconv.FormatInt(c.DatetimePrecision.Int64, 10) + ")"
	case "xml", "text", "ntext":
		// Bulk copy cannot stream these; MERGE converts implicitly.
		return "nvarchar(max)"
	}
	return dt
}

// defaultSQLType is used for columns the target does not declare.
func defaultSQLType(t bulk.SemanticType) string {
	switch t {
	case bulk.TypeBool:
		return "bit"
	case bulk.TypeInt:
		return "bigint"
	case bulk.TypeFloat:
		return "float"
	case bulk.TypeDecimal:
		return "decimal(38, 10)"
	case bulk.TypeBytes:
		return "varbinary(max)"
	case bulk.TypeTime:
		return "datetime2(7)"
	case bulk.TypeUUID:
		return "uniqueidentifier"
	}
	return "nvarchar(max)"
}
