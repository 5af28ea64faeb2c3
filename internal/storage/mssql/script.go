package mssql

import (
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	"sqlbulk/internal/bulk"
)

type stepKind int

const (
	stepExec stepKind = iota
	stepCopy
	stepLoad
)

// step is one unit of a commit. Exec steps run SQL, copy steps stream rows
// and load steps read echoed identities back.
type step struct {
	name string
	kind stepKind
	sql  string
	args []any

	copy CopyRequest
	// destCols are the receiving table's columns in ordinal order.
	destCols []string

	// creates and drops name the temp table the step creates or drops.
	creates string
	drops   string

	// counts marks the step whose affected-row count is the result.
	counts bool
}

func (s step) render() string {
	if s.kind != stepCopy {
		return s.sql
	}
	cols := make([]string, len(s.copy.Columns))
	for i, c := range s.copy.Columns {
		cols[i] = mssqlIdent(c)
	}
	return "INSERT BULK " + s.copy.Table + " (" + strings.Join(cols, ", ") + ") -- " +
		strconv.Itoa(len(s.copy.Rows)) + " rows"
}

type echoMode int

const (
	echoNone echoMode = iota
	echoOrdered
	echoCorrelated
	echoSingle
)

// script is the full statement sequence of one commit.
type script struct {
	steps    []step
	echo     echoMode
	identity string
	output   string
	// scopeID receives SCOPE_IDENTITY() for a single-row insert.
	scopeID *int64
}

func (s *script) add(st ...step) { s.steps = append(s.steps, st...) }

func metaFor(meta *tableMeta, col string) *columnMeta {
	if m, ok := meta.column(col); ok {
		return &m
	}
	return nil
}

func tableSchemaName(t bulk.Table) string {
	if t.Schema == "" {
		return bulk.DefaultSchema
	}
	return t.Schema
}

// buildScript plans a commit of rows (aligned with spec.Columns). id makes
// the temp table names unique to this commit.
func buildScript(spec bulk.Spec, meta *tableMeta, rows [][]any, id string) (*script, error) {
	full := mssqlTableIdent(spec.Table)
	cols := spec.ColumnNames()
	identity := spec.Identity.Column
	staging := tempName("TmpTable", id)
	output := tempName("TmpOutput", id)

	sc := &script{identity: identity}

	// write wraps the statement that touches the target with index
	// management when requested.
	write := func(st step) {
		st.counts = true
		if !spec.Options.DisableIndexes {
			sc.add(st)
			return
		}
		args := []any{tableSchemaName(spec.Table), spec.Table.Name}
		sc.add(
			step{name: "disable indexes", sql: buildIndexManagement(spec.Table, true), args: args},
			st,
			step{name: "rebuild indexes", sql: buildIndexManagement(spec.Table, false), args: args},
		)
	}

	switch spec.Kind {
	case bulk.KindInsert:
		switch {
		case !spec.Identity.Echo():
			ins := insertable(cols, identity)
			projected, err := projectRows(spec, meta, rows, ins, false)
			if err != nil {
				return nil, err
			}
			write(step{
				name:     "bulk copy",
				kind:     stepCopy,
				copy:     CopyRequest{Table: full, Columns: ins, Rows: projected, Options: spec.Options},
				destCols: meta.order,
			})

		case len(rows) == 1:
			ins := insertable(cols, identity)
			params := paramNames(ins)
			args := make([]any, 0, len(ins)+1)
			for _, c := range ins {
				i := indexOf(cols, c)
				v, err := bindValue(rows[0][i], spec.Columns[i].Type, metaFor(meta, c))
				if err != nil {
					return nil, fmt.Errorf("mssql: bind %q: %w", c, err)
				}
				args = append(args, sql.Named(params[c], v))
			}
			sc.scopeID = new(int64)
			args = append(args, sql.Named(identityParam(identity), sql.Out{Dest: sc.scopeID}))
			sc.echo = echoSingle
			write(step{name: "insert", sql: buildSingleInsert(full, cols, identity), args: args})

		default:
			if err := stageSteps(sc, spec, meta, rows, staging, output, true); err != nil {
				return nil, err
			}
			write(step{name: "insert from staging", sql: buildInsertFromStaging(full, staging, output, cols, identity), drops: staging})
			sc.echo = echoOrdered
			sc.output = output
			sc.add(
				step{name: "load identities", kind: stepLoad, sql: selectInsertIdentities(output, identity)},
				step{name: "drop output", sql: "DROP TABLE " + output + ";", drops: output},
			)
		}

	case bulk.KindUpdate, bulk.KindUpsert, bulk.KindDelete:
		echo := spec.Identity.Echo()
		if err := stageSteps(sc, spec, meta, rows, staging, output, echo); err != nil {
			return nil, err
		}
		if spec.Kind == bulk.KindUpsert {
			if dedupe := buildRemoveDuplicates(staging, spec.MatchKeys, identity, spec.Collations); dedupe != "" {
				sc.add(step{name: "remove duplicates", sql: dedupe})
			}
		}
		out := ""
		if echo {
			out = output
		}
		merge, err := buildMerge(spec, full, staging, out, meta)
		if err != nil {
			return nil, err
		}
		args, err := predicateArgs(append(append([]bulk.Condition(nil), spec.MatchUpdate...), spec.MatchDelete...), meta)
		if err != nil {
			return nil, err
		}
		write(step{name: "merge", sql: merge, args: args, drops: staging})
		if echo {
			sc.echo = echoCorrelated
			sc.output = output
			sc.add(
				step{name: "load identities", kind: stepLoad, sql: selectCorrelatedIdentities(output, identity)},
				step{name: "drop output", sql: "DROP TABLE " + output + ";", drops: output},
			)
		}

	case bulk.KindUpdateWhere:
		filter, err := compileFilter(spec.Where, spec.Collations)
		if err != nil {
			return nil, err
		}
		stmt, err := buildUpdateWhere(full, cols, identity, spec.ExcludedFromUpdate, filter)
		if err != nil {
			return nil, err
		}
		set := updatable(cols, identity, spec.ExcludedFromUpdate)
		params := paramNames(set)
		var args []any
		for _, c := range set {
			i := indexOf(cols, c)
			v, err := bindValue(rows[0][i], spec.Columns[i].Type, metaFor(meta, c))
			if err != nil {
				return nil, fmt.Errorf("mssql: bind %q: %w", c, err)
			}
			args = append(args, sql.Named(params[c], v))
		}
		where, err := predicateArgs(spec.Where, meta)
		if err != nil {
			return nil, err
		}
		write(step{name: "update", sql: stmt, args: append(args, where...)})

	case bulk.KindDeleteWhere:
		filter, err := compileFilter(spec.Where, spec.Collations)
		if err != nil {
			return nil, err
		}
		args, err := predicateArgs(spec.Where, meta)
		if err != nil {
			return nil, err
		}
		write(step{name: "delete", sql: buildDeleteWhere(full, filter), args: args})

	default:
		return nil, &bulk.ConfigurationError{Op: spec.Kind.String(), Msg: "unsupported operation kind"}
	}
	return sc, nil
}

// stageSteps appends staging creation, the optional output table and the
// bulk copy into staging.
func stageSteps(sc *script, spec bulk.Spec, meta *tableMeta, rows [][]any, staging, output string, withOutput bool) error {
	track := spec.TrackRows() || spec.Kind == bulk.KindInsert
	sc.add(step{name: "create staging", sql: buildCreateStaging(staging, spec.Columns, meta, track), creates: staging})
	if withOutput {
		sc.add(step{
			name:    "create output",
			sql:     buildOutputTableCreate(output, spec.Kind, spec.Identity.Column, meta),
			creates: output,
		})
	}

	var names []string
	for _, c := range orderedColumns(spec.Columns) {
		names = append(names, c.Name)
	}
	if track {
		names = append(names, bulk.InternalRowID)
	}
	staged, err := projectRows(spec, meta, rows, bulk.UserColumns(names), track)
	if err != nil {
		return err
	}
	sc.add(step{
		name:     "bulk copy",
		kind:     stepCopy,
		copy:     CopyRequest{Table: staging, Columns: names, Rows: staged, Options: spec.Options},
		destCols: names,
	})
	return nil
}

// projectRows reorders row values to cols, converting each for the copy
// stream. With track set the record index is appended as the Internal Row Id.
func projectRows(spec bulk.Spec, meta *tableMeta, rows [][]any, cols []string, track bool) ([][]any, error) {
	all := spec.ColumnNames()
	idx := make([]int, len(cols))
	for i, c := range cols {
		idx[i] = indexOf(all, c)
		if idx[i] < 0 {
			return nil, &bulk.ConfigurationError{Op: spec.Kind.String(), Msg: fmt.Sprintf("column %q has no values", c)}
		}
	}
	out := make([][]any, len(rows))
	for r, row := range rows {
		if len(row) != len(all) {
			return nil, &bulk.ConfigurationError{
				Op:  spec.Kind.String(),
				Msg: fmt.Sprintf("row %d has %d values for %d columns", r, len(row), len(all)),
			}
		}
		p := make([]any, 0, len(cols)+1)
		for i, c := range cols {
			v, err := copyValue(row[idx[i]], metaFor(meta, c))
			if err != nil {
				return nil, fmt.Errorf("mssql: row %d column %q: %w", r, c, err)
			}
			p = append(p, v)
		}
		if track {
			p = append(p, int64(r))
		}
		out[r] = p
	}
	return out, nil
}

func indexOf(list []string, s string) int {
	for i, v := range list {
		if v == s {
			return i
		}
	}
	return -1
}
