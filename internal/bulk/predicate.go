package bulk

import (
	"strconv"
	"strings"
	"unicode"
)

// Operator is a comparison in a predicate condition.
type Operator int

const (
	OpEq Operator = iota
	OpNotEq
	OpLt
	OpLte
	OpGt
	OpGte
)

func (o Operator) String() string {
	switch o {
	case OpEq:
		return "="
	case OpNotEq:
		return "!="
	case OpLt:
		return "<"
	case OpLte:
		return "<="
	case OpGt:
		return ">"
	case OpGte:
		return ">="
	}
	return "Operator(" + strconv.Itoa(int(o)) + ")"
}

// PredicateKind says where a condition is rendered.
type PredicateKind int

const (
	// PredMatchUpdate conditions guard WHEN MATCHED ... THEN UPDATE.
	PredMatchUpdate PredicateKind = iota
	// PredMatchDelete conditions guard the delete branches of a merge.
	PredMatchDelete
	PredWhere
	PredAnd
	PredOr
)

func (k PredicateKind) String() string {
	switch k {
	case PredMatchUpdate:
		return "match_update"
	case PredMatchDelete:
		return "match_delete"
	case PredWhere:
		return "where"
	case PredAnd:
		return "and"
	case PredOr:
		return "or"
	}
	return "PredicateKind(" + strconv.Itoa(int(k)) + ")"
}

// Expr is one comparison of a column against a literal. A nil Value compares
// against NULL.
type Expr struct {
	Column string
	Op     Operator
	Value  any
}

func Eq(column string, v any) Expr    { return Expr{Column: column, Op: OpEq, Value: v} }
func NotEq(column string, v any) Expr { return Expr{Column: column, Op: OpNotEq, Value: v} }
func Lt(column string, v any) Expr    { return Expr{Column: column, Op: OpLt, Value: v} }
func Lte(column string, v any) Expr   { return Expr{Column: column, Op: OpLte, Value: v} }
func Gt(column string, v any) Expr    { return Expr{Column: column, Op: OpGt, Value: v} }
func Gte(column string, v any) Expr   { return Expr{Column: column, Op: OpGte, Value: v} }

// Condition is a registered predicate, ready for compilation.
type Condition struct {
	Kind PredicateKind
	Op   Operator

	// Column is the logical name the caller used; it also seeds the
	// parameter name. Target is the database column after mapping.
	Column string
	Target string

	Value any
	Type  SemanticType

	// SortOrder is unique within an operation and strictly increasing in
	// registration order.
	SortOrder int
}

// IsNull reports whether the condition is a NULL comparison.
func (c Condition) IsNull() bool { return c.Type == TypeUnset }

// TargetColumn returns the mapped database column, falling back to Column.
func (c Condition) TargetColumn() string {
	if c.Target != "" {
		return c.Target
	}
	return c.Column
}

// ParamName returns the bind parameter name (without '@') for the condition:
// the column name, "Condition", then the sort order. Characters that cannot
// appear in a parameter name are replaced by '_'.
func (c Condition) ParamName() string {
	return ParamBase(c.Column) + "Condition" + strconv.Itoa(c.SortOrder)
}

// ParamBase turns a column name into a usable parameter name stem.
func ParamBase(name string) string {
	var b strings.Builder
	for i, r := range name {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r) && i > 0, r == '_' && i > 0:
			b.WriteRune(r)
		case i == 0:
			b.WriteString("p_")
			if unicode.IsDigit(r) {
				b.WriteRune(r)
			}
		default:
			b.WriteByte('_')
		}
	}
	if b.Len() == 0 {
		return "p"
	}
	return b.String()
}

// ParseCondition parses the textual condition form used in job files:
//
//	Price < 10
//	Name = 'O''Brien'
//	DeletedAt IS NULL
//	Region IS NOT NULL
//
// Compound expressions joined by AND/OR are rejected; chain separate
// conditions instead.
func ParseCondition(s string) (Expr, error) {
	src := strings.TrimSpace(s)
	if src == "" {
		return Expr{}, configErr("predicate", "empty condition")
	}
	if hasCompound(src) {
		return Expr{}, configErr("predicate", "condition %q combines AND/OR; chain conditions instead", s)
	}

	col, rest, err := scanColumn(src)
	if err != nil {
		return Expr{}, configErr("predicate", "condition %q: %v", s, err)
	}
	rest = strings.TrimSpace(rest)

	upper := strings.ToUpper(rest)
	switch {
	case upper == "IS NULL":
		return Eq(col, nil), nil
	case upper == "IS NOT NULL":
		return NotEq(col, nil), nil
	}

	op, lit, ok := cutOperator(rest)
	if !ok {
		return Expr{}, configErr("predicate", "condition %q has no comparison operator", s)
	}
	v, err := parseLiteral(strings.TrimSpace(lit))
	if err != nil {
		return Expr{}, configErr("predicate", "condition %q: %v", s, err)
	}
	return Expr{Column: col, Op: op, Value: v}, nil
}

func hasCompound(s string) bool {
	inQuote := false
	var word strings.Builder
	flush := func() bool {
		w := strings.ToUpper(word.String())
		word.Reset()
		return w == "AND" || w == "OR"
	}
	for _, r := range s {
		if r == '\'' {
			inQuote = !inQuote
			word.Reset()
			continue
		}
		if inQuote {
			continue
		}
		if unicode.IsLetter(r) {
			word.WriteRune(r)
			continue
		}
		if flush() {
			return true
		}
	}
	return flush()
}

func scanColumn(s string) (string, string, error) {
	if strings.HasPrefix(s, "[") {
		end := strings.Index(s, "]")
		if end < 0 {
			return "", "", errUnterminated("]")
		}
		return s[1:end], s[end+1:], nil
	}
	end := strings.IndexFunc(s, func(r rune) bool {
		return unicode.IsSpace(r) || strings.ContainsRune("<>=!", r)
	})
	if end <= 0 {
		return "", "", errMissing("column")
	}
	return s[:end], s[end:], nil
}

func cutOperator(s string) (Operator, string, bool) {
	// Longest tokens first.
	for _, t := range []struct {
		tok string
		op  Operator
	}{
		{"<=", OpLte}, {">=", OpGte}, {"!=", OpNotEq}, {"<>", OpNotEq},
		{"=", OpEq}, {"<", OpLt}, {">", OpGt},
	} {
		if strings.HasPrefix(s, t.tok) {
			return t.op, s[len(t.tok):], true
		}
	}
	return 0, "", false
}

func parseLiteral(s string) (any, error) {
	switch {
	case s == "":
		return nil, errMissing("value")
	case strings.EqualFold(s, "NULL"):
		return nil, nil
	case strings.HasPrefix(s, "'"):
		if len(s) < 2 || !strings.HasSuffix(s, "'") {
			return nil, errUnterminated("'")
		}
		return strings.ReplaceAll(s[1:len(s)-1], "''", "'"), nil
	case strings.EqualFold(s, "true"):
		return true, nil
	case strings.EqualFold(s, "false"):
		return false, nil
	}
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i, nil
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f, nil
	}
	return s, nil
}

type parseError string

func (e parseError) Error() string { return string(e) }

func errUnterminated(tok string) error { return parseError("unterminated " + tok) }
func errMissing(what string) error     { return parseError("missing " + what) }
