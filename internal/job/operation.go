// Package job turns a config.Job into a bulk operation over record.Row and
// runs it: rows stream from a source, are coerced to their declared types and
// committed in chunks through a storage engine.
package job

import (
	"fmt"
	"strings"

	"sqlbulk/internal/bulk"
	"sqlbulk/internal/config"
	"sqlbulk/internal/record"
)

// Layout describes how a record.Row is laid out for a job.
type Layout struct {
	// Columns are the source fields, one per slot, in config order.
	Columns []string
	Types   []bulk.SemanticType

	// Identity is the slot holding the identity value, or -1. When the
	// identity column is not one of Columns it gets an extra trailing slot
	// that the source never fills.
	Identity     int
	IdentityName string
	Echo         bool
}

// Width is the number of slots a row needs.
func (l Layout) Width() int {
	if l.Identity >= len(l.Columns) {
		return l.Identity + 1
	}
	return len(l.Columns)
}

// BuildSchema describes record.Row for op. Every declared column is settable
// so echoed identities can land on any of them.
func BuildSchema(op config.Operation) (*bulk.Schema[record.Row], Layout, error) {
	l := Layout{Identity: -1}
	s := bulk.NewSchema[record.Row]()

	for i, c := range op.Columns {
		t, err := bulk.ParseSemanticType(c.Type)
		if err != nil {
			return nil, l, fmt.Errorf("job: column %q: %w", c.Name, err)
		}
		l.Columns = append(l.Columns, c.Name)
		l.Types = append(l.Types, t)
		s.Settable(c.Name, t, slotGetter(i), slotSetter(i, t))
	}

	if id := op.Identity; id != nil && id.Column != "" {
		dir, err := bulk.ParseDirection(id.Direction)
		if err != nil {
			return nil, l, err
		}
		l.IdentityName = id.Column
		l.Echo = dir != bulk.DirInput
		for i, c := range l.Columns {
			if c == id.Column {
				l.Identity = i
			}
		}
		if l.Identity < 0 {
			l.Identity = len(l.Columns)
			s.Generated(id.Column, bulk.TypeInt, slotGetter(l.Identity), slotSetter(l.Identity, bulk.TypeInt))
		}
	}

	if err := s.Err(); err != nil {
		return nil, l, err
	}
	return s, l, nil
}

func slotGetter(i int) func(*record.Row) any {
	return func(r *record.Row) any {
		if i >= len(r.V) {
			return nil
		}
		return r.V[i]
	}
}

func slotSetter(i int, t bulk.SemanticType) func(*record.Row, any) error {
	return func(r *record.Row, v any) error {
		n, err := bulk.Coerce(t, v)
		if err != nil {
			return err
		}
		r.Grow(i + 1)
		r.V[i] = n
		return nil
	}
}

// BuildOperation freezes the job's operation.
func BuildOperation(j config.Job) (*bulk.Operation[record.Row], Layout, error) {
	kind, err := bulk.ParseKind(j.Operation.Kind)
	if err != nil {
		return nil, Layout{}, err
	}
	s, l, err := BuildSchema(j.Operation)
	if err != nil {
		return nil, l, err
	}

	b := newBuilder(kind, s).
		Table(j.Target.Table).
		Database(j.Target.Database)

	op := j.Operation
	if kind != bulk.KindDeleteWhere && len(l.Columns) > 0 {
		b.Columns(l.Columns...)
	}
	for _, c := range op.Columns {
		if c.Column != "" && c.Column != c.Name {
			b.Map(c.Name, c.Column)
		}
		if c.Collation != "" {
			b.Collate(c.Name, c.Collation)
		}
	}
	if len(op.MatchOn) > 0 {
		b.MatchOn(op.MatchOn...)
	}
	if l.IdentityName != "" {
		dir, _ := bulk.ParseDirection(op.Identity.Direction)
		b.Identity(l.IdentityName, dir)
	}
	if len(op.ExcludeFromUpdate) > 0 {
		b.ExcludeFromUpdate(op.ExcludeFromUpdate...)
	}
	if op.DeleteWhenNotMatched {
		b.DeleteWhenNotMatched()
	}
	if op.Hint != "" {
		b.Hint(op.Hint)
	}

	for _, c := range op.MatchUpdate {
		e, err := bulk.ParseCondition(c)
		if err != nil {
			return nil, l, err
		}
		b.MatchUpdate(e)
	}
	for _, c := range op.MatchDelete {
		e, err := bulk.ParseCondition(c)
		if err != nil {
			return nil, l, err
		}
		b.MatchDelete(e)
	}
	for i, w := range op.Where {
		conn, cond := config.SplitConnector(w)
		e, err := bulk.ParseCondition(cond)
		if err != nil {
			return nil, l, err
		}
		switch {
		case i == 0 && conn == "":
			b.Where(e)
		case conn == "AND":
			b.And(e)
		case conn == "OR":
			b.Or(e)
		default:
			return nil, l, fmt.Errorf("job: where[%d] %q: conditions after the first must start with AND or OR", i, strings.TrimSpace(w))
		}
	}

	rt := j.Runtime
	b.WithOptions(bulk.Options{
		BatchSize:        rt.BatchSize,
		Timeout:          rt.Timeout,
		DisableIndexes:   rt.DisableIndexes,
		CheckConstraints: rt.CheckConstraints,
		FireTriggers:     rt.FireTriggers,
		KeepNulls:        rt.KeepNulls,
		TableLock:        rt.TableLock,
	})

	o, err := b.Build()
	if err != nil {
		return nil, l, err
	}
	return o, l, nil
}

func newBuilder(k bulk.Kind, s *bulk.Schema[record.Row]) *bulk.Builder[record.Row] {
	switch k {
	case bulk.KindUpdate:
		return bulk.Update(s)
	case bulk.KindUpsert:
		return bulk.Upsert(s)
	case bulk.KindDelete:
		return bulk.Delete(s)
	case bulk.KindUpdateWhere:
		return bulk.UpdateWhere(s)
	case bulk.KindDeleteWhere:
		return bulk.DeleteWhere(s)
	}
	return bulk.Insert(s)
}

// coerce converts the source values of row to their declared types in place.
func coerce(row *record.Row, l Layout) error {
	row.Grow(l.Width())
	for i, t := range l.Types {
		v, err := bulk.Coerce(t, row.V[i])
		if err != nil {
			return fmt.Errorf("record %d: column %q: %w", row.Line, l.Columns[i], err)
		}
		row.V[i] = v
	}
	return nil
}
