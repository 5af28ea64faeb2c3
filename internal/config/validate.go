package config

import (
	"fmt"
	"strings"

	"sqlbulk/internal/bulk"
)

// Severity ranks a validation Issue.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Issue is one validation finding. Path is the dotted location in the job file.
type Issue struct {
	Severity Severity
	Path     string
	Message  string
}

func (i Issue) String() string {
	return fmt.Sprintf("%s: %s: %s", i.Severity, i.Path, i.Message)
}

// HasErrors reports whether any issue is an error.
func HasErrors(issues []Issue) bool {
	for _, iss := range issues {
		if iss.Severity == SeverityError {
			return true
		}
	}
	return false
}

type issues []Issue

func (is *issues) errorf(path, format string, args ...any) {
	*is = append(*is, Issue{Severity: SeverityError, Path: path, Message: fmt.Sprintf(format, args...)})
}

func (is *issues) warnf(path, format string, args ...any) {
	*is = append(*is, Issue{Severity: SeverityWarning, Path: path, Message: fmt.Sprintf(format, args...)})
}

// ValidateJob checks a job without touching any database.
//
// Errors stop a run; warnings describe settings that are accepted but
// probably not what the author meant.
func ValidateJob(j Job) []Issue {
	var out issues

	kind, err := bulk.ParseKind(j.Operation.Kind)
	if err != nil {
		out.errorf("operation.kind", "unknown kind %q (want insert, update, upsert, delete, update_where or delete_where)", j.Operation.Kind)
	}
	kindOK := err == nil

	validateTarget(&out, j.Target)
	if kindOK {
		validateSource(&out, j.Source, kind)
	}
	fields := validateColumns(&out, j.Operation, kind, kindOK)
	if kindOK {
		validateOperation(&out, j.Operation, kind, fields)
	}
	validateRuntime(&out, j.Runtime, j.Operation)

	return out
}

func validateTarget(out *issues, t Target) {
	if strings.TrimSpace(t.Kind) == "" {
		out.errorf("target.kind", "must be set (e.g. mssql)")
	}
	if strings.TrimSpace(t.DSN) == "" {
		out.errorf("target.dsn", "must be set (or provided via %s_TARGET_DSN)", EnvPrefix)
	}
	if _, err := bulk.ParseTableName(t.Table); err != nil {
		out.errorf("target.table", "%v", err)
	}
	if t.MaxOpenConns < 0 {
		out.errorf("target.max_open_conns", "must be >= 0")
	}
}

func validateSource(out *issues, s Source, kind bulk.Kind) {
	if kind == bulk.KindDeleteWhere {
		if s.Kind != "" {
			out.warnf("source.kind", "delete_where reads no records; the source is ignored")
		}
		return
	}

	switch s.Kind {
	case "file":
		if s.Path == "" {
			out.errorf("source.path", "file sources need a path")
		}
		switch s.FileFormat() {
		case "csv", "json":
		case "":
			out.errorf("source.format", "cannot infer the format of %q; set csv or json", s.Path)
		default:
			out.errorf("source.format", "unsupported format %q (want csv or json)", s.Format)
		}
	case "postgres", "sqlite":
		if s.DSN == "" {
			out.errorf("source.dsn", "%s sources need a dsn", s.Kind)
		}
		if strings.TrimSpace(s.Query) == "" {
			out.errorf("source.query", "%s sources need a query", s.Kind)
		}
	case "":
		out.errorf("source.kind", "must be set (file, postgres or sqlite)")
	default:
		out.errorf("source.kind", "unsupported source %q (want file, postgres or sqlite)", s.Kind)
	}
}

// validateColumns returns the set of declared field names.
func validateColumns(out *issues, op Operation, kind bulk.Kind, kindOK bool) map[string]bool {
	fields := make(map[string]bool, len(op.Columns))
	targets := make(map[string]string, len(op.Columns))

	if len(op.Columns) == 0 && (!kindOK || kind != bulk.KindDeleteWhere) {
		out.errorf("operation.columns", "at least one column is required")
	}
	for i, c := range op.Columns {
		path := fmt.Sprintf("operation.columns[%d]", i)
		name := strings.TrimSpace(c.Name)
		if name == "" {
			out.errorf(path+".name", "must be set")
			continue
		}
		if fields[name] {
			out.errorf(path+".name", "duplicate column %q", name)
		}
		fields[name] = true

		if _, err := bulk.ParseSemanticType(c.Type); err != nil {
			out.errorf(path+".type", "unsupported type %q", c.Type)
		}
		col := c.Column
		if col == "" {
			col = name
		}
		if prev, dup := targets[col]; dup {
			out.errorf(path+".column", "%q and %q both map to column %q", prev, name, col)
		}
		targets[col] = name
	}
	return fields
}

func validateOperation(out *issues, op Operation, kind bulk.Kind, fields map[string]bool) {
	needsKeys := kind == bulk.KindUpdate || kind == bulk.KindUpsert || kind == bulk.KindDelete
	if needsKeys && len(op.MatchOn) == 0 {
		out.errorf("operation.match_on", "%s needs at least one match key", kind)
	}
	if !needsKeys && len(op.MatchOn) > 0 {
		out.warnf("operation.match_on", "match keys are ignored by %s", kind)
	}
	for i, k := range op.MatchOn {
		if !fields[k] {
			out.errorf(fmt.Sprintf("operation.match_on[%d]", i), "%q is not a declared column", k)
		}
	}

	if id := op.Identity; id != nil {
		if strings.TrimSpace(id.Column) == "" {
			out.errorf("operation.identity.column", "must be set")
		}
		d, err := bulk.ParseDirection(id.Direction)
		if err != nil {
			out.errorf("operation.identity.direction", "unknown direction %q (want input, output or input_output)", id.Direction)
		} else if d != bulk.DirInput && (kind == bulk.KindUpdateWhere || kind == bulk.KindDeleteWhere) {
			out.errorf("operation.identity.direction", "%s cannot echo identities", kind)
		}
	}

	for i, c := range op.ExcludeFromUpdate {
		if !fields[c] {
			out.errorf(fmt.Sprintf("operation.exclude_from_update[%d]", i), "could not exclude %q: the column was never added", c)
		}
	}
	for i, c := range op.Columns {
		if c.Collation != "" && strings.ContainsAny(c.Collation, " ;'[]") {
			out.errorf(fmt.Sprintf("operation.columns[%d].collation", i), "invalid collation name %q", c.Collation)
		}
	}

	if op.DeleteWhenNotMatched && kind != bulk.KindUpsert {
		out.errorf("operation.delete_when_not_matched", "only usable on upsert")
	}

	validateConditions(out, "operation.match_update", op.MatchUpdate)
	validateConditions(out, "operation.match_delete", op.MatchDelete)
	if len(op.MatchUpdate) > 0 && kind != bulk.KindUpdate && kind != bulk.KindUpsert {
		out.errorf("operation.match_update", "only usable on update and upsert")
	}
	if len(op.MatchDelete) > 0 {
		switch {
		case kind != bulk.KindDelete && kind != bulk.KindUpsert:
			out.errorf("operation.match_delete", "only usable on delete and upsert")
		case kind == bulk.KindUpsert && !op.DeleteWhenNotMatched:
			out.errorf("operation.match_delete", "needs delete_when_not_matched on upsert")
		}
	}

	filtered := kind == bulk.KindUpdateWhere || kind == bulk.KindDeleteWhere
	switch {
	case filtered && len(op.Where) == 0:
		out.errorf("operation.where", "%s needs at least one condition", kind)
	case !filtered && len(op.Where) > 0:
		out.errorf("operation.where", "only usable on update_where and delete_where")
	}
	for i, w := range op.Where {
		path := fmt.Sprintf("operation.where[%d]", i)
		conn, cond := SplitConnector(w)
		if i == 0 && conn != "" {
			out.errorf(path, "the first condition cannot start with %s", conn)
		}
		if i > 0 && conn == "" {
			out.errorf(path, "conditions after the first must start with AND or OR")
		}
		if _, err := bulk.ParseCondition(cond); err != nil {
			out.errorf(path, "%v", err)
		}
	}

	if op.Hint != "" && !bulk.ValidHint(op.Hint) {
		out.errorf("operation.hint", "invalid table hint %q", op.Hint)
	}
}

func validateConditions(out *issues, path string, conds []string) {
	for i, c := range conds {
		if _, err := bulk.ParseCondition(c); err != nil {
			out.errorf(fmt.Sprintf("%s[%d]", path, i), "%v", err)
		}
	}
}

func validateRuntime(out *issues, r Runtime, op Operation) {
	if r.CommitSize < 0 {
		out.errorf("runtime.commit_size", "must be >= 0")
	}
	if r.BatchSize < 0 {
		out.errorf("runtime.batch_size", "must be >= 0")
	}
	if r.Timeout < 0 {
		out.errorf("runtime.timeout", "must be >= 0")
	}
	if r.IdentitiesOut != "" {
		echo := false
		if op.Identity != nil {
			d, err := bulk.ParseDirection(op.Identity.Direction)
			echo = err == nil && d != bulk.DirInput
		}
		if !echo {
			out.warnf("runtime.identities_out", "no identity values are echoed back; the file will only hold a header")
		}
	}
}
