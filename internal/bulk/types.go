// Package bulk holds the dialect-agnostic half of the bulk apply engine:
// record descriptors, column sets, predicate conditions, the frozen operation
// descriptor and the error taxonomy shared by every storage backend.
//
// A typical caller builds a Schema once per record type, then builds one
// Operation per kind of write it needs and commits record slices against an
// Engine (see internal/storage).
package bulk

import (
	"database/sql/driver"
	"fmt"
	"math/big"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SemanticType is the declared type of a field, independent of any SQL dialect.
type SemanticType int

const (
	// TypeUnset marks a value with no declared type. Conditions compare
	// against NULL when their type is unset.
	TypeUnset SemanticType = iota
	TypeBool
	TypeInt
	TypeFloat
	TypeDecimal
	TypeString
	TypeBytes
	TypeTime
	TypeUUID
	TypeXML
)

var semanticTypeNames = map[SemanticType]string{
	TypeUnset:   "unset",
	TypeBool:    "bool",
	TypeInt:     "int",
	TypeFloat:   "float",
	TypeDecimal: "decimal",
	TypeString:  "string",
	TypeBytes:   "bytes",
	TypeTime:    "time",
	TypeUUID:    "uuid",
	TypeXML:     "xml",
}

func (t SemanticType) String() string {
	if s, ok := semanticTypeNames[t]; ok {
		return s
	}
	return "SemanticType(" + strconv.Itoa(int(t)) + ")"
}

// Valid reports whether t can be bound as a column value.
func (t SemanticType) Valid() bool {
	return t >= TypeBool && t <= TypeXML
}

// ParseSemanticType maps a config name ("int", "string", ...) to a SemanticType.
// A handful of SQL-ish aliases are accepted for convenience.
func ParseSemanticType(s string) (SemanticType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "bool", "boolean", "bit":
		return TypeBool, nil
	case "int", "integer", "bigint", "int64":
		return TypeInt, nil
	case "float", "double", "real", "float64":
		return TypeFloat, nil
	case "decimal", "numeric", "money":
		return TypeDecimal, nil
	case "", "string", "text", "nvarchar", "varchar":
		return TypeString, nil
	case "bytes", "binary", "varbinary":
		return TypeBytes, nil
	case "time", "date", "datetime", "datetime2", "timestamp":
		return TypeTime, nil
	case "uuid", "uniqueidentifier", "guid":
		return TypeUUID, nil
	case "xml":
		return TypeXML, nil
	}
	return TypeUnset, &UnsupportedColumnTypeError{GoType: s}
}

// TypeOf infers the semantic type of a Go value. Nil yields TypeUnset.
func TypeOf(v any) SemanticType {
	n, err := Normalize(v)
	if err != nil || n == nil {
		return TypeUnset
	}
	switch n.(type) {
	case bool:
		return TypeBool
	case int64:
		return TypeInt
	case float64:
		return TypeFloat
	case string:
		return TypeString
	case []byte:
		return TypeBytes
	case time.Time:
		return TypeTime
	case uuid.UUID:
		return TypeUUID
	}
	return TypeUnset
}

// Normalize converts a field value into one of the canonical scalar forms
// bool, int64, float64, string, []byte, time.Time, uuid.UUID or nil.
// Pointers are dereferenced and driver.Valuer is honoured. Anything else
// fails with ErrUnsupportedColumnType.
func Normalize(v any) (any, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case bool, int64, float64, string, []byte, time.Time, uuid.UUID:
		return x, nil
	case int:
		return int64(x), nil
	case int8:
		return int64(x), nil
	case int16:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case uint8:
		return int64(x), nil
	case uint16:
		return int64(x), nil
	case uint32:
		return int64(x), nil
	case float32:
		return float64(x), nil
	case []rune:
		return string(x), nil
	case driver.Valuer:
		dv, err := x.Value()
		if err != nil {
			return nil, err
		}
		if _, again := dv.(driver.Valuer); again {
			return nil, &UnsupportedColumnTypeError{GoType: fmt.Sprintf("%T", v)}
		}
		return Normalize(dv)
	}

	// Named scalar kinds (type Status string) and pointers to anything above.
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer:
		if rv.IsNil() {
			return nil, nil
		}
		return Normalize(rv.Elem().Interface())
	case reflect.Bool:
		return rv.Bool(), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int(), nil
	case reflect.Uint8, reflect.Uint16, reflect.Uint32:
		return int64(rv.Uint()), nil
	case reflect.Float32, reflect.Float64:
		return rv.Float(), nil
	case reflect.String:
		return rv.String(), nil
	case reflect.Slice:
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			return rv.Bytes(), nil
		}
	}
	return nil, &UnsupportedColumnTypeError{GoType: fmt.Sprintf("%T", v)}
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// Coerce converts a loosely typed input value (CSV text, JSON numbers, driver
// values) into the canonical Go form for t. Empty strings become NULL for
// every type except string and xml.
func Coerce(t SemanticType, v any) (any, error) {
	n, err := Normalize(v)
	if err != nil || n == nil {
		return nil, err
	}

	// Drivers hand back numerics and text as []byte; only bytes and binary
	// uuids keep the raw form.
	if bs, ok := n.([]byte); ok && t != TypeBytes && (t != TypeUUID || len(bs) != 16) {
		n = string(bs)
	}

	s, isString := n.(string)
	if isString && s == "" && t != TypeString && t != TypeXML {
		return nil, nil
	}

	switch t {
	case TypeString, TypeXML:
		switch x := n.(type) {
		case string:
			return x, nil
		case []byte:
			return string(x), nil
		case time.Time:
			return x.Format(time.RFC3339Nano), nil
		}
		return fmt.Sprint(n), nil

	case TypeBool:
		switch x := n.(type) {
		case bool:
			return x, nil
		case int64:
			return x != 0, nil
		case string:
			b, err := strconv.ParseBool(strings.TrimSpace(x))
			if err != nil {
				return nil, fmt.Errorf("coerce %q as bool: %w", x, err)
			}
			return b, nil
		}

	case TypeInt:
		switch x := n.(type) {
		case int64:
			return x, nil
		case float64:
			if x != float64(int64(x)) {
				return nil, fmt.Errorf("coerce %v as int: not integral", x)
			}
			return int64(x), nil
		case bool:
			if x {
				return int64(1), nil
			}
			return int64(0), nil
		case string:
			i, err := strconv.ParseInt(strings.TrimSpace(x), 10, 64)
			if err != nil {
				return nil, fmt.Errorf("coerce %q as int: %w", x, err)
			}
			return i, nil
		}

	case TypeFloat:
		switch x := n.(type) {
		case float64:
			return x, nil
		case int64:
			return float64(x), nil
		case string:
			f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
			if err != nil {
				return nil, fmt.Errorf("coerce %q as float: %w", x, err)
			}
			return f, nil
		}

	case TypeDecimal:
		// Decimals travel as text so no precision is lost on the way to the server.
		switch x := n.(type) {
		case int64:
			return strconv.FormatInt(x, 10), nil
		case float64:
			return strconv.FormatFloat(x, 'f', -1, 64), nil
		case string:
			x = strings.TrimSpace(x)
			if _, ok := new(big.Rat).SetString(x); !ok {
				return nil, fmt.Errorf("coerce %q as decimal: invalid number", x)
			}
			return x, nil
		}

	case TypeBytes:
		switch x := n.(type) {
		case []byte:
			return x, nil
		case string:
			return []byte(x), nil
		}

	case TypeTime:
		switch x := n.(type) {
		case time.Time:
			return x, nil
		case string:
			x = strings.TrimSpace(x)
			for _, layout := range timeLayouts {
				if ts, err := time.Parse(layout, x); err == nil {
					return ts, nil
				}
			}
			return nil, fmt.Errorf("coerce %q as time: unrecognised layout", x)
		}

	case TypeUUID:
		switch x := n.(type) {
		case uuid.UUID:
			return x, nil
		case string:
			u, err := uuid.Parse(strings.TrimSpace(x))
			if err != nil {
				return nil, fmt.Errorf("coerce %q as uuid: %w", x, err)
			}
			return u, nil
		case []byte:
			u, err := uuid.FromBytes(x)
			if err != nil {
				return nil, fmt.Errorf("coerce bytes as uuid: %w", err)
			}
			return u, nil
		}

	default:
		return nil, &UnsupportedColumnTypeError{GoType: t.String()}
	}

	return nil, fmt.Errorf("coerce %T as %s: %w", n, t, ErrUnsupportedColumnType)
}
