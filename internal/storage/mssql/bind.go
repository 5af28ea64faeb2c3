package mssql

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	mssql "github.com/microsoft/go-mssqldb"

	"sqlbulk/internal/bulk"
)

// bindValue turns a normalized record value into a statement parameter.
//
// NULLs are bound as typed nulls so the server sees a compatible parameter
// type. Strings headed for ANSI columns are sent as varchar so comparisons
// against indexed varchar columns do not force an implicit conversion.
func bindValue(v any, t bulk.SemanticType, meta *columnMeta) (any, error) {
	if v == nil {
		switch t {
		case bulk.TypeBool:
			return sql.NullBool{}, nil
		case bulk.TypeInt:
			return sql.NullInt64{}, nil
		case bulk.TypeFloat:
			return sql.NullFloat64{}, nil
		case bulk.TypeTime:
			return sql.NullTime{}, nil
		case bulk.TypeBytes:
			return []byte(nil), nil
		}
		return sql.NullString{}, nil
	}

	dataType := ""
	if meta != nil {
		dataType = strings.ToLower(meta.DataType)
	}

	switch x := v.(type) {
	case string:
		if t == bulk.TypeUUID {
			u, err := uuid.Parse(x)
			if err != nil {
				return nil, fmt.Errorf("bind %q as uniqueidentifier: %w", x, err)
			}
			return mssql.UniqueIdentifier(u), nil
		}
		switch dataType {
		case "varchar", "char":
			if meta.MaxLength.Valid && meta.MaxLength.Int64 == -1 {
				return mssql.VarCharMax(x), nil
			}
			return mssql.VarChar(x), nil
		case "nvarchar":
			if meta.MaxLength.Valid && meta.MaxLength.Int64 == -1 {
				return mssql.NVarCharMax(x), nil
			}
		}
		return x, nil
	case uuid.UUID:
		if dataType != "" && dataType != "uniqueidentifier" {
			return x.String(), nil
		}
		return mssql.UniqueIdentifier(x), nil
	case time.Time:
		switch dataType {
		case "datetime", "smalldatetime":
			return mssql.DateTime1(x), nil
		case "datetimeoffset":
			return mssql.DateTimeOffset(x), nil
		}
		return x, nil
	case bool, int64, float64, []byte:
		return x, nil
	}
	return nil, &bulk.UnsupportedColumnTypeError{GoType: fmt.Sprintf("%T", v)}
}

// copyValue adapts a normalized value for the bulk-copy stream, whose column
// encoders accept a narrower set of Go types than statement parameters.
func copyValue(v any, meta *columnMeta) (any, error) {
	dataType := ""
	if meta != nil {
		dataType = strings.ToLower(meta.DataType)
	}
	switch x := v.(type) {
	case uuid.UUID:
		if dataType != "" && dataType != "uniqueidentifier" {
			return x.String(), nil
		}
		// The wire form of uniqueidentifier is mixed-endian.
		return mssql.UniqueIdentifier(x).Value()
	case string:
		if dataType == "uniqueidentifier" {
			u, err := uuid.Parse(x)
			if err != nil {
				return nil, fmt.Errorf("copy %q as uniqueidentifier: %w", x, err)
			}
			return mssql.UniqueIdentifier(u).Value()
		}
	case bool:
		switch dataType {
		case "tinyint", "smallint", "int", "bigint":
			if x {
				return int64(1), nil
			}
			return int64(0), nil
		}
	case int64:
		switch dataType {
		case "nvarchar", "varchar", "nchar", "char", "xml", "text", "ntext":
			return fmt.Sprint(x), nil
		case "bit":
			return x != 0, nil
		}
	case float64:
		switch dataType {
		case "nvarchar", "varchar", "nchar", "char", "xml", "text", "ntext":
			return fmt.Sprint(x), nil
		}
	}
	return v, nil
}
