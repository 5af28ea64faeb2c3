package bulk

import (
	"context"
	"regexp"
	"strings"
	"time"
)

// Kind is the type of write an operation performs.
type Kind int

const (
	KindInsert Kind = iota
	KindUpdate
	KindUpsert
	KindDelete
	// KindUpdateWhere updates the target from a single record, filtered by a
	// WHERE condition list. No staging table is involved.
	KindUpdateWhere
	// KindDeleteWhere deletes target rows matching a WHERE condition list.
	KindDeleteWhere
)

var kindNames = [...]string{"insert", "update", "upsert", "delete", "update_where", "delete_where"}

func (k Kind) String() string {
	if k >= 0 && int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "unknown"
}

// ParseKind parses the names produced by Kind.String.
func ParseKind(s string) (Kind, error) {
	for i, n := range kindNames {
		if strings.EqualFold(strings.TrimSpace(s), n) {
			return Kind(i), nil
		}
	}
	return 0, configErr("operation", "unknown operation kind %q", s)
}

// Direction controls identity echo-back.
type Direction int

const (
	// DirInput: the identity column is only read from the records.
	DirInput Direction = iota
	// DirOutput: server values are written back, correlated by row order (insert).
	DirOutput
	// DirInputOutput: server values are written back, correlated by Internal Row Id.
	DirInputOutput
)

func (d Direction) String() string {
	switch d {
	case DirOutput:
		return "output"
	case DirInputOutput:
		return "input_output"
	}
	return "input"
}

// ParseDirection accepts "input", "output" and "input_output".
func ParseDirection(s string) (Direction, error) {
	switch strings.ToLower(strings.NewReplacer("_", "", "-", "", " ", "").Replace(s)) {
	case "", "input":
		return DirInput, nil
	case "output":
		return DirOutput, nil
	case "inputoutput":
		return DirInputOutput, nil
	}
	return DirInput, configErr("identity", "unknown identity direction %q", s)
}

// Identity designates the table's auto-generated key column.
type Identity struct {
	Column    string
	Direction Direction
}

// Echo reports whether server-generated values flow back onto records.
func (i Identity) Echo() bool { return i.Column != "" && i.Direction != DirInput }

// Options are the bulk-transfer and execution settings of an operation.
type Options struct {
	// BatchSize is the number of rows per bulk-copy batch; 0 sends one batch.
	BatchSize int
	// Timeout bounds the whole commit; 0 means no extra deadline.
	Timeout time.Duration

	// DisableIndexes disables the target's non-clustered indexes for the
	// duration of the load and rebuilds them afterwards.
	DisableIndexes bool

	CheckConstraints bool
	FireTriggers     bool
	KeepNulls        bool
	TableLock        bool
}

// Column is one active column of an operation.
type Column struct {
	// Name is the database column.
	Name string
	// Path is the record field feeding it.
	Path string
	Type SemanticType
}

// DefaultHint is the table hint applied to MERGE when none is configured.
const DefaultHint = "HOLDLOCK"

const (
	hintWord = `[a-z_][a-z0-9_]*`
	hintItem = `(?:index\s*\(\s*` + hintWord + `(?:\s*,\s*` + hintWord + `)*\s*\)|` +
		hintWord + `(?:\s*=\s*` + hintWord + `)?)`
)

var hintRe = regexp.MustCompile(`(?i)^\s*` + hintItem + `(?:(?:\s*,\s*|\s+)` + hintItem + `)*\s*$`)

// ValidHint reports whether h is a table hint list: keywords separated by
// commas or spaces, "INDEX = name" or "INDEX(name, ...)".
func ValidHint(h string) bool { return hintRe.MatchString(h) }

// Spec is the frozen descriptor of an operation. Engines read it; nothing
// mutates it once Build has returned.
type Spec struct {
	Kind  Kind
	Table Table

	// Columns are in canonical order and never include InternalRowID.
	Columns []Column

	// MatchKeys are database column names in registration order.
	MatchKeys []string

	Identity Identity

	// ExcludedFromUpdate columns are left out of UPDATE SET lists.
	ExcludedFromUpdate []string

	// Collations maps a database column to a COLLATE override.
	Collations map[string]string

	MatchUpdate []Condition
	MatchDelete []Condition
	Where       []Condition

	DeleteWhenNotMatched bool
	Hint                 string

	Options Options
}

// ColumnNames returns the database names of Columns.
func (s Spec) ColumnNames() []string {
	out := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		out[i] = c.Name
	}
	return out
}

// Excluded reports whether col is excluded from UPDATE SET lists.
func (s Spec) Excluded(col string) bool {
	for _, c := range s.ExcludedFromUpdate {
		if c == col {
			return true
		}
	}
	return false
}

// TrackRows reports whether staged rows carry the Internal Row Id.
// Upserts always do because duplicate collapsing orders by it.
func (s Spec) TrackRows() bool {
	switch s.Kind {
	case KindUpsert:
		return true
	case KindInsert, KindUpdate, KindDelete:
		return s.Identity.Echo()
	}
	return false
}

// Validate checks the cross-field rules. Build calls it; engines may call it
// again on a hand-assembled Spec.
func (s Spec) Validate() error {
	op := s.Kind.String()
	if s.Table.Name == "" {
		return configErr(op, "no target table")
	}
	switch s.Kind {
	case KindUpdate, KindUpsert, KindDelete:
		if len(s.MatchKeys) == 0 {
			return MatchKeyRequired(op)
		}
	}
	if s.Hint != "" && !ValidHint(s.Hint) {
		return configErr(op, "invalid table hint %q", s.Hint)
	}
	if s.Kind != KindUpsert {
		if s.DeleteWhenNotMatched {
			return configErr(op, "DeleteWhenNotMatched is only usable on upsert")
		}
	}
	if s.Kind == KindUpsert && len(s.MatchDelete) > 0 && !s.DeleteWhenNotMatched {
		return configErr(op, "MatchDelete conditions are only usable on upsert when DeleteWhenNotMatched is set")
	}
	if len(s.MatchUpdate) > 0 && s.Kind != KindUpdate && s.Kind != KindUpsert {
		return configErr(op, "MatchUpdate conditions are only usable on update and upsert")
	}
	if len(s.MatchDelete) > 0 && s.Kind != KindDelete && s.Kind != KindUpsert {
		return configErr(op, "MatchDelete conditions are only usable on delete and upsert")
	}

	switch s.Kind {
	case KindUpdateWhere, KindDeleteWhere:
		if len(s.Where) == 0 {
			return configErr(op, "at least one Where condition is required")
		}
		if s.Where[0].Kind != PredWhere {
			return configErr(op, "the first condition must be a Where, got %s", s.Where[0].Kind)
		}
		for _, c := range s.Where[1:] {
			if c.Kind == PredWhere {
				return configErr(op, "only one Where condition is allowed; chain with And/Or")
			}
		}
		if s.Identity.Echo() {
			return configErr(op, "identity echo-back is not supported")
		}
	default:
		if len(s.Where) > 0 {
			return configErr(op, "Where conditions are only usable on update_where and delete_where")
		}
	}
	if s.Kind != KindDeleteWhere && len(s.Columns) == 0 {
		return configErr(op, "no columns selected")
	}
	return nil
}

func (s Spec) clone() Spec {
	c := s
	c.Columns = append([]Column(nil), s.Columns...)
	c.MatchKeys = append([]string(nil), s.MatchKeys...)
	c.ExcludedFromUpdate = append([]string(nil), s.ExcludedFromUpdate...)
	c.MatchUpdate = append([]Condition(nil), s.MatchUpdate...)
	c.MatchDelete = append([]Condition(nil), s.MatchDelete...)
	c.Where = append([]Condition(nil), s.Where...)
	c.Collations = make(map[string]string, len(s.Collations))
	for k, v := range s.Collations {
		c.Collations[k] = v
	}
	return c
}

// Batch is what an Engine receives for one commit: the frozen spec and the
// records flattened into rows aligned with Spec.Columns.
type Batch struct {
	Spec Spec
	Rows [][]any

	// SetIdentity writes a server-generated identity onto the record at row.
	// It is nil when the identity field has no setter.
	SetIdentity func(row int, v any) error
}

// Len returns the number of staged rows.
func (b *Batch) Len() int { return len(b.Rows) }

// Result summarises a commit.
type Result struct {
	// Rows is the number of rows the server reports as affected (or, for a
	// plain bulk insert, the number of rows copied).
	Rows int64
	// Identities is the number of identity values written back.
	Identities int
}

// Step is one statement of a rendered plan.
type Step struct {
	Name string
	SQL  string
}

// Plan is the ordered statement list an engine would execute for a batch.
type Plan struct {
	Steps []Step
}

// String renders the plan one statement per line.
func (p Plan) String() string {
	var b strings.Builder
	for _, s := range p.Steps {
		b.WriteString("-- ")
		b.WriteString(s.Name)
		b.WriteString("\n")
		b.WriteString(s.SQL)
		b.WriteString("\n")
	}
	return b.String()
}

// Engine applies batches to a database.
type Engine interface {
	Apply(ctx context.Context, b *Batch) (Result, error)
	Plan(ctx context.Context, b *Batch) (Plan, error)
}
