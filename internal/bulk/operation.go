package bulk

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Builder accumulates an operation's configuration. Configuration mistakes
// are collected and returned by Build; nothing reaches the database until an
// Operation is committed.
type Builder[T any] struct {
	schema   *Schema[T]
	kind     Kind
	table    string
	database string

	paths   []string
	all     bool
	mapping Mapping

	matchOn  []string
	identity string
	dir      Direction

	excluded   []string
	collations map[string]string

	conds     []Condition
	nextOrder int

	deleteWhenNotMatched bool
	hint                 string
	opts                 Options

	errs []error
}

func newBuilder[T any](k Kind, s *Schema[T]) *Builder[T] {
	return &Builder[T]{
		schema:     s,
		kind:       k,
		mapping:    Mapping{},
		collations: map[string]string{},
	}
}

// Insert starts a bulk insert of records described by s.
func Insert[T any](s *Schema[T]) *Builder[T] { return newBuilder(KindInsert, s) }

// Update starts a bulk update matched on MatchOn keys.
func Update[T any](s *Schema[T]) *Builder[T] { return newBuilder(KindUpdate, s) }

// Upsert starts a bulk insert-or-update matched on MatchOn keys.
func Upsert[T any](s *Schema[T]) *Builder[T] { return newBuilder(KindUpsert, s) }

// Delete starts a bulk delete matched on MatchOn keys.
func Delete[T any](s *Schema[T]) *Builder[T] { return newBuilder(KindDelete, s) }

// UpdateWhere starts an update of the rows selected by Where, taking SET
// values from a single record.
func UpdateWhere[T any](s *Schema[T]) *Builder[T] { return newBuilder(KindUpdateWhere, s) }

// DeleteWhere starts a delete of the rows selected by Where.
func DeleteWhere[T any](s *Schema[T]) *Builder[T] { return newBuilder(KindDeleteWhere, s) }

func (b *Builder[T]) fail(format string, args ...any) *Builder[T] {
	b.errs = append(b.errs, configErr(b.kind.String(), format, args...))
	return b
}

// Table sets the target table as "table" or "schema.table", optionally bracketed.
func (b *Builder[T]) Table(name string) *Builder[T] {
	b.table = name
	return b
}

// Database qualifies the target table with a database name.
func (b *Builder[T]) Database(name string) *Builder[T] {
	b.database = name
	return b
}

// Columns selects record fields by path.
func (b *Builder[T]) Columns(paths ...string) *Builder[T] {
	b.paths = append(b.paths, paths...)
	return b
}

// AllColumns selects every non-generated field of the schema.
func (b *Builder[T]) AllColumns() *Builder[T] {
	b.all = true
	return b
}

// Map sends field path to a differently named database column.
func (b *Builder[T]) Map(path, column string) *Builder[T] {
	if strings.TrimSpace(column) == "" {
		return b.fail("empty column mapping for %q", path)
	}
	b.mapping[path] = column
	return b
}

// MatchOn adds match/join keys. Keys that were not selected are added to the
// column set automatically.
func (b *Builder[T]) MatchOn(paths ...string) *Builder[T] {
	for _, p := range paths {
		if !contains(b.matchOn, p) {
			b.matchOn = append(b.matchOn, p)
		}
	}
	return b
}

// Identity designates the auto-generated key. Only one may be set.
func (b *Builder[T]) Identity(path string, d Direction) *Builder[T] {
	if b.identity != "" && b.identity != path {
		return b.fail("can't have more than one identity column (%q and %q)", b.identity, path)
	}
	b.identity = path
	b.dir = d
	return b
}

// ExcludeFromUpdate keeps columns out of UPDATE SET lists. Each must also be
// a selected column.
func (b *Builder[T]) ExcludeFromUpdate(paths ...string) *Builder[T] {
	b.excluded = append(b.excluded, paths...)
	return b
}

// Collate applies a COLLATE override whenever the column is compared.
func (b *Builder[T]) Collate(path, collation string) *Builder[T] {
	b.collations[path] = collation
	return b
}

// DeleteWhenNotMatched makes an upsert delete target rows absent from the batch.
func (b *Builder[T]) DeleteWhenNotMatched() *Builder[T] {
	b.deleteWhenNotMatched = true
	return b
}

// Hint overrides the MERGE table hint (default HOLDLOCK).
func (b *Builder[T]) Hint(h string) *Builder[T] {
	b.hint = h
	return b
}

// WithOptions sets bulk-transfer and execution options.
func (b *Builder[T]) WithOptions(o Options) *Builder[T] {
	b.opts = o
	return b
}

// MatchUpdate only updates matched rows that also satisfy e.
func (b *Builder[T]) MatchUpdate(e Expr) *Builder[T] { return b.cond(PredMatchUpdate, e) }

// MatchDelete only deletes rows that also satisfy e.
func (b *Builder[T]) MatchDelete(e Expr) *Builder[T] { return b.cond(PredMatchDelete, e) }

// Where starts the filter of an update_where or delete_where.
func (b *Builder[T]) Where(e Expr) *Builder[T] { return b.cond(PredWhere, e) }

// And chains a filter condition with AND.
func (b *Builder[T]) And(e Expr) *Builder[T] { return b.cond(PredAnd, e) }

// Or chains a filter condition with OR.
func (b *Builder[T]) Or(e Expr) *Builder[T] { return b.cond(PredOr, e) }

func (b *Builder[T]) cond(k PredicateKind, e Expr) *Builder[T] {
	if strings.TrimSpace(e.Column) == "" {
		return b.fail("%s condition has no column", k)
	}
	v, err := Normalize(e.Value)
	if err != nil {
		b.errs = append(b.errs, &UnsupportedColumnTypeError{Path: e.Column, GoType: fmt.Sprintf("%T", e.Value)})
		return b
	}
	if e.Op < OpEq || e.Op > OpGte {
		return b.fail("%s condition on %q has unknown operator", k, e.Column)
	}
	if v == nil && e.Op != OpEq && e.Op != OpNotEq {
		return b.fail("%s condition on %q compares NULL with %s", k, e.Column, e.Op)
	}
	b.nextOrder++
	b.conds = append(b.conds, Condition{
		Kind:      k,
		Op:        e.Op,
		Column:    e.Column,
		Value:     v,
		Type:      TypeOf(v),
		SortOrder: b.nextOrder,
	})
	return b
}

// Build validates the configuration and freezes it into an Operation.
func (b *Builder[T]) Build() (*Operation[T], error) {
	op := b.kind.String()
	if b.schema == nil {
		return nil, configErr(op, "no record schema")
	}
	if err := b.schema.Err(); err != nil {
		return nil, err
	}
	if len(b.errs) > 0 {
		return nil, errors.Join(b.errs...)
	}

	table, err := ParseTableName(b.table)
	if err != nil {
		return nil, err
	}
	table.Database = strings.TrimSpace(b.database)

	selected := append([]string(nil), b.paths...)
	if b.all {
		selected = append(selected, b.schema.Eligible()...)
	}
	if b.identity != "" {
		selected = append(selected, b.identity)
	}
	if b.kind == KindDeleteWhere {
		// Only the filter matters; no record values are read.
		selected = nil
	}
	paths := ResolveColumns(selected, b.matchOn, false)

	o := &Operation[T]{}
	byColumn := make(map[string]string, paths.Len())
	for _, p := range paths.Sorted() {
		f, ok := b.schema.Lookup(p)
		if !ok {
			return nil, configErr(op, "field %q is not part of the record schema", p)
		}
		col := b.mapping.Column(p)
		if prev, dup := byColumn[col]; dup {
			return nil, configErr(op, "fields %q and %q both map to column %q", prev, p, col)
		}
		byColumn[col] = p
		o.spec.Columns = append(o.spec.Columns, Column{Name: col, Path: p, Type: f.Type})
		o.getters = append(o.getters, f.Get)
	}
	// Canonical order is defined over database names, not field paths.
	o.sortColumns()

	for _, k := range b.matchOn {
		o.spec.MatchKeys = append(o.spec.MatchKeys, b.mapping.Column(k))
	}

	if b.identity != "" {
		f, ok := b.schema.Lookup(b.identity)
		if !ok {
			return nil, configErr(op, "identity field %q is not part of the record schema", b.identity)
		}
		o.spec.Identity = Identity{Column: b.mapping.Column(b.identity), Direction: b.dir}
		o.identitySet = f.Set
	}

	for _, p := range b.excluded {
		if !paths.Has(p) {
			return nil, configErr(op, "could not exclude %q from update: the column was never added", p)
		}
		o.spec.ExcludedFromUpdate = append(o.spec.ExcludedFromUpdate, b.mapping.Column(p))
	}

	o.spec.Collations = make(map[string]string, len(b.collations))
	for p, c := range b.collations {
		o.spec.Collations[b.mapping.Column(p)] = c
	}

	for _, c := range b.conds {
		c.Target = b.mapping.Column(c.Column)
		switch c.Kind {
		case PredMatchUpdate:
			o.spec.MatchUpdate = append(o.spec.MatchUpdate, c)
		case PredMatchDelete:
			o.spec.MatchDelete = append(o.spec.MatchDelete, c)
		default:
			o.spec.Where = append(o.spec.Where, c)
		}
	}

	o.spec.Kind = b.kind
	o.spec.Table = table
	o.spec.DeleteWhenNotMatched = b.deleteWhenNotMatched
	o.spec.Hint = b.hint
	if o.spec.Hint == "" {
		o.spec.Hint = DefaultHint
	}
	o.spec.Options = b.opts

	if err := o.spec.Validate(); err != nil {
		return nil, err
	}
	return o, nil
}

// Operation is a frozen, reusable operation over records of type T.
type Operation[T any] struct {
	spec        Spec
	getters     []func(*T) any
	identitySet func(*T, any) error
}

func (o *Operation[T]) sortColumns() {
	names := o.spec.ColumnNames()
	idx := make(map[string]int, len(names))
	for i, n := range names {
		idx[n] = i
	}
	CanonicalOrder(names)

	cols := make([]Column, len(names))
	getters := make([]func(*T) any, len(names))
	for i, n := range names {
		cols[i] = o.spec.Columns[idx[n]]
		getters[i] = o.getters[idx[n]]
	}
	o.spec.Columns, o.getters = cols, getters
}

// Spec returns a copy of the frozen descriptor.
func (o *Operation[T]) Spec() Spec { return o.spec.clone() }

// Batch flattens records into rows aligned with Spec().Columns.
func (o *Operation[T]) Batch(records []*T) (*Batch, error) {
	b := &Batch{Spec: o.spec.clone(), Rows: make([][]any, len(records))}
	for i, r := range records {
		if r == nil {
			return nil, configErr(o.spec.Kind.String(), "record %d is nil", i)
		}
		row := make([]any, len(o.getters))
		for j, get := range o.getters {
			v, err := Normalize(get(r))
			if err != nil {
				return nil, &UnsupportedColumnTypeError{Path: o.spec.Columns[j].Path, GoType: fmt.Sprintf("%T", get(r))}
			}
			row[j] = v
		}
		b.Rows[i] = row
	}
	if set := o.identitySet; set != nil {
		b.SetIdentity = func(row int, v any) error {
			if row < 0 || row >= len(records) {
				return fmt.Errorf("bulk: identity for unknown row %d", row)
			}
			return set(records[row], v)
		}
	}
	return b, nil
}

func (o *Operation[T]) prepare(records []*T) (*Batch, error) {
	switch o.spec.Kind {
	case KindUpdateWhere:
		if len(records) != 1 {
			return nil, configErr(o.spec.Kind.String(), "exactly one record supplies the SET values, got %d", len(records))
		}
	case KindDeleteWhere:
		if len(records) != 0 {
			return nil, configErr(o.spec.Kind.String(), "records are not used by delete_where")
		}
	}
	return o.Batch(records)
}

// Commit applies records through e. An empty slice is a no-op for every
// kind except delete_where, which takes no records.
func (o *Operation[T]) Commit(ctx context.Context, e Engine, records []*T) (Result, error) {
	if len(records) == 0 && o.spec.Kind != KindDeleteWhere {
		return Result{}, nil
	}
	b, err := o.prepare(records)
	if err != nil {
		return Result{}, err
	}
	return e.Apply(ctx, b)
}

// Plan renders the statements Commit would run without modifying the target.
func (o *Operation[T]) Plan(ctx context.Context, e Engine, records []*T) (Plan, error) {
	if len(records) == 0 && o.spec.Kind != KindDeleteWhere {
		return Plan{}, nil
	}
	b, err := o.prepare(records)
	if err != nil {
		return Plan{}, err
	}
	return e.Plan(ctx, b)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
