package bulk

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Field describes one addressable, flattened field of a record type T.
//
// Path is the column-facing name; nested fields are joined with "_" (a field
// DeepTest under Inception under MinEstimate has path
// "MinEstimate_Inception_DeepTest"). Set may be nil, in which case the field
// cannot receive server-generated values.
type Field[T any] struct {
	Path string
	Type SemanticType

	// Generated marks a server-computed field. It is left out of AllColumns
	// but can still be named explicitly (typically as the identity column).
	Generated bool

	Get func(*T) any
	Set func(*T, any) error

	nested bool
}

// Nested reports whether the field was flattened from a nested record.
func (f Field[T]) Nested() bool { return f.nested }

// Schema is the registration-time descriptor of a record type: an ordered list
// of flattened fields with their accessors. Build it once per type and reuse it.
//
// Registration errors (duplicate paths, unsupported types) are collected and
// reported by Err, so a Schema can be declared in one chained expression.
type Schema[T any] struct {
	fields []Field[T]
	index  map[string]int
	err    error
}

// NewSchema returns an empty descriptor for T.
func NewSchema[T any]() *Schema[T] {
	return &Schema[T]{index: make(map[string]int)}
}

// Field registers a read-only field.
func (s *Schema[T]) Field(path string, t SemanticType, get func(*T) any) *Schema[T] {
	s.add(Field[T]{Path: path, Type: t, Get: get})
	return s
}

// Settable registers a field that can also receive values written back by the engine.
func (s *Schema[T]) Settable(path string, t SemanticType, get func(*T) any, set func(*T, any) error) *Schema[T] {
	s.add(Field[T]{Path: path, Type: t, Get: get, Set: set})
	return s
}

// Generated registers a server-computed field.
func (s *Schema[T]) Generated(path string, t SemanticType, get func(*T) any, set func(*T, any) error) *Schema[T] {
	s.add(Field[T]{Path: path, Type: t, Generated: true, Get: get, Set: set})
	return s
}

func (s *Schema[T]) add(f Field[T]) {
	if s.err != nil {
		return
	}
	if s.index == nil {
		s.index = make(map[string]int)
	}
	switch {
	case strings.TrimSpace(f.Path) == "":
		s.err = configErr("schema", "field path is empty")
	case !f.Type.Valid():
		s.err = &UnsupportedColumnTypeError{Path: f.Path, GoType: f.Type.String()}
	case f.Get == nil:
		s.err = configErr("schema", "field %q has no getter", f.Path)
	default:
		if _, dup := s.index[f.Path]; dup {
			s.err = configErr("schema", "field %q registered twice", f.Path)
			return
		}
		s.index[f.Path] = len(s.fields)
		s.fields = append(s.fields, f)
	}
}

// Err returns the first registration error, if any.
func (s *Schema[T]) Err() error { return s.err }

// Fields returns a copy of the registered fields in registration order.
func (s *Schema[T]) Fields() []Field[T] {
	return append([]Field[T](nil), s.fields...)
}

// Lookup finds a field by its flattened path.
func (s *Schema[T]) Lookup(path string) (Field[T], bool) {
	i, ok := s.index[path]
	if !ok {
		return Field[T]{}, false
	}
	return s.fields[i], true
}

// Eligible returns the paths picked up by AllColumns: every non-generated field.
func (s *Schema[T]) Eligible() []string {
	out := make([]string, 0, len(s.fields))
	for _, f := range s.fields {
		if !f.Generated {
			out = append(out, f.Path)
		}
	}
	return out
}

// Nest flattens every field of child into parent under name, so child field
// "B" becomes "name_B". ref must return the address of the nested value inside
// the parent record; a nil result reads as NULL and rejects writes.
//
// The child must be complete before it is nested and may not be the parent
// itself, which rules out self-referential record shapes.
func Nest[T, N any](parent *Schema[T], name string, ref func(*T) *N, child *Schema[N]) *Schema[T] {
	if parent.err != nil {
		return parent
	}
	if any(child) == any(parent) {
		parent.err = configErr("schema", "field %q nests its own schema", name)
		return parent
	}
	if child.err != nil {
		parent.err = fmt.Errorf("nested %q: %w", name, child.err)
		return parent
	}

	for _, cf := range child.fields {
		get := cf.Get
		f := Field[T]{
			Path:      name + "_" + cf.Path,
			Type:      cf.Type,
			Generated: cf.Generated,
			nested:    true,
			Get: func(r *T) any {
				n := ref(r)
				if n == nil {
					return nil
				}
				return get(n)
			},
		}
		if set := cf.Set; set != nil {
			path := f.Path
			f.Set = func(r *T, v any) error {
				n := ref(r)
				if n == nil {
					return fmt.Errorf("bulk: field %q: nested record is nil", path)
				}
				return set(n, v)
			}
		}
		parent.add(f)
	}
	return parent
}

// Ref registers a settable field from a pointer accessor. The setter accepts
// the value types database drivers produce and converts numerics as needed.
//
//	bulk.Ref(s, "Id", bulk.TypeInt, func(b *Book) *int { return &b.Id })
func Ref[T, V any](s *Schema[T], path string, t SemanticType, ref func(*T) *V) *Schema[T] {
	get := func(r *T) any { return *ref(r) }
	set := func(r *T, v any) error { return Assign(ref(r), v) }
	return s.Settable(path, t, get, set)
}

// Assign stores a driver-produced value into dst, converting between the
// common numeric, text and time representations.
func Assign[V any](dst *V, v any) error {
	if tv, ok := v.(V); ok {
		*dst = tv
		return nil
	}
	n, err := Normalize(v)
	if err != nil {
		return err
	}

	switch p := any(dst).(type) {
	case *int:
		i, err := Coerce(TypeInt, n)
		if err == nil && i != nil {
			*p = int(i.(int64))
			return nil
		}
	case *int32:
		i, err := Coerce(TypeInt, n)
		if err == nil && i != nil {
			*p = int32(i.(int64))
			return nil
		}
	case *int64:
		i, err := Coerce(TypeInt, n)
		if err == nil && i != nil {
			*p = i.(int64)
			return nil
		}
	case *float64:
		f, err := Coerce(TypeFloat, n)
		if err == nil && f != nil {
			*p = f.(float64)
			return nil
		}
	case *string:
		s, err := Coerce(TypeString, n)
		if err == nil && s != nil {
			*p = s.(string)
			return nil
		}
	case *[]byte:
		b, err := Coerce(TypeBytes, n)
		if err == nil {
			*p, _ = b.([]byte)
			return nil
		}
	case *time.Time:
		ts, err := Coerce(TypeTime, n)
		if err == nil && ts != nil {
			*p = ts.(time.Time)
			return nil
		}
	case *uuid.UUID:
		u, err := Coerce(TypeUUID, n)
		if err == nil && u != nil {
			*p = u.(uuid.UUID)
			return nil
		}
	case *any:
		*p = n
		return nil
	}
	return fmt.Errorf("bulk: cannot assign %T to %T", v, *dst)
}
