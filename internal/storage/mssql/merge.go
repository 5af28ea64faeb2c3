package mssql

import (
	"fmt"
	"strconv"
	"strings"

	"sqlbulk/internal/bulk"
)

const (
	targetAlias = "Target"
	sourceAlias = "Source"
)

var (
	tgt = mssqlIdent(targetAlias)
	src = mssqlIdent(sourceAlias)
)

// buildJoinClause renders the MERGE ON condition over the match keys.
// Nullable keys also match NULL to NULL.
func buildJoinClause(keys []string, meta *tableMeta, collations map[string]string) string {
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		t := tgt + "." + mssqlIdent(k)
		s := src + "." + mssqlIdent(k)
		expr := t + " = " + s
		if c := collations[k]; c != "" {
			expr += " COLLATE " + c
		}
		if m, ok := meta.column(k); ok && m.Nullable {
			expr += " OR (" + t + " IS NULL AND " + s + " IS NULL)"
		}
		parts = append(parts, "("+expr+")")
	}
	return strings.Join(parts, " AND ")
}

// updatable filters cols down to what an UPDATE may assign, in canonical order.
func updatable(cols []string, identity string, excluded []string) []string {
	out := make([]string, 0, len(cols))
	for _, c := range bulk.CanonicalOrder(append([]string(nil), cols...)) {
		if c == identity || c == bulk.InternalRowID || contains(excluded, c) {
			continue
		}
		out = append(out, c)
	}
	return out
}

// insertable filters cols down to what an INSERT may supply, in canonical order.
func insertable(cols []string, identity string) []string {
	return updatable(cols, identity, nil)
}

// buildUpdateSet renders "SET [Target].[A] = [Source].[A], ... " with a
// trailing space, or "" when nothing is updatable.
func buildUpdateSet(cols []string, identity string, excluded []string) string {
	set := updatable(cols, identity, excluded)
	if len(set) == 0 {
		return ""
	}
	parts := make([]string, len(set))
	for i, c := range set {
		parts[i] = tgt + "." + mssqlIdent(c) + " = " + src + "." + mssqlIdent(c)
	}
	return "SET " + strings.Join(parts, ", ") + " "
}

// buildInsertSet renders the INSERT branch of a MERGE.
func buildInsertSet(cols []string, identity string) string {
	ins := insertable(cols, identity)
	if len(ins) == 0 {
		return "INSERT DEFAULT VALUES"
	}
	names := make([]string, len(ins))
	values := make([]string, len(ins))
	for i, c := range ins {
		names[i] = mssqlIdent(c)
		values[i] = src + "." + mssqlIdent(c)
	}
	return "INSERT (" + strings.Join(names, ", ") + ") VALUES (" + strings.Join(values, ", ") + ")"
}

// buildInsertIntoSet renders "INSERT INTO <table> ([a], [b]) ".
func buildInsertIntoSet(full string, cols []string, identity string) string {
	ins := insertable(cols, identity)
	names := make([]string, len(ins))
	for i, c := range ins {
		names[i] = mssqlIdent(c)
	}
	return "INSERT INTO " + full + " (" + strings.Join(names, ", ") + ") "
}

// buildValueSet renders the parameter tuple "(@a, @b)" for a single row.
func buildValueSet(cols []string, identity string) string {
	ins := insertable(cols, identity)
	params := paramNames(ins)
	parts := make([]string, len(ins))
	for i, c := range ins {
		parts[i] = "@" + params[c]
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

// paramNames assigns every column a unique parameter name.
func paramNames(cols []string) map[string]string {
	out := make(map[string]string, len(cols))
	used := make(map[string]bool, len(cols))
	for _, c := range cols {
		p := bulk.ParamBase(c)
		for n := 2; used[p]; n++ {
			p = bulk.ParamBase(c) + "_" + strconv.Itoa(n)
		}
		used[p] = true
		out[c] = p
	}
	return out
}

// buildOutputClause captures server identities into the output table.
// Inserts only need the identity; merges pair it with the Internal Row Id.
func buildOutputClause(kind bulk.Kind, identity, output string) string {
	id := mssqlIdent(identity)
	rowID := mssqlIdent(bulk.InternalRowID)
	switch kind {
	case bulk.KindInsert:
		return "OUTPUT INSERTED." + id + " INTO " + output + "(" + id + ")"
	case bulk.KindDelete:
		return "OUTPUT " + src + "." + rowID + ", DELETED." + id + " INTO " + output + "(" + rowID + ", " + id + ")"
	}
	return "OUTPUT " + src + "." + rowID + ", INSERTED." + id + " INTO " + output + "(" + rowID + ", " + id + ")"
}

// checkHint only lets table hint lists through to the WITH clause.
func checkHint(h string) error {
	if !bulk.ValidHint(h) {
		return &bulk.ConfigurationError{Op: "merge", Msg: fmt.Sprintf("invalid table hint %q", h)}
	}
	return nil
}

// buildMerge renders the MERGE for update, upsert and delete. The staging
// table is dropped in the same batch once the merge is done. output is the
// output table name, or "" when identities are not echoed.
func buildMerge(spec bulk.Spec, full, staging, output string, meta *tableMeta) (string, error) {
	op := spec.Kind.String()
	if len(spec.MatchKeys) == 0 {
		return "", bulk.MatchKeyRequired(op)
	}
	hint := spec.Hint
	if hint == "" {
		hint = bulk.DefaultHint
	}
	if err := checkHint(hint); err != nil {
		return "", err
	}

	cols := spec.ColumnNames()
	identity := spec.Identity.Column

	var b strings.Builder
	b.WriteString("MERGE INTO " + full + " WITH (" + hint + ") AS " + tgt + " ")
	b.WriteString("USING " + staging + " AS " + src + " ")
	b.WriteString("ON " + buildJoinClause(spec.MatchKeys, meta, spec.Collations) + " ")

	matchUpdate := ""
	if len(spec.MatchUpdate) > 0 {
		p, err := compileJoinPredicates(spec.MatchKeys, spec.MatchUpdate, spec.Collations)
		if err != nil {
			return "", err
		}
		matchUpdate = p
	}
	matchDelete := ""
	if len(spec.MatchDelete) > 0 {
		p, err := compileJoinPredicates(spec.MatchKeys, spec.MatchDelete, spec.Collations)
		if err != nil {
			return "", err
		}
		matchDelete = p
	}

	switch spec.Kind {
	case bulk.KindUpdate:
		set := buildUpdateSet(cols, identity, spec.ExcludedFromUpdate)
		if set == "" {
			return "", &bulk.ConfigurationError{Op: op, Msg: "no updatable columns left after exclusions"}
		}
		b.WriteString("WHEN MATCHED " + matchUpdate + "THEN UPDATE " + set)
	case bulk.KindUpsert:
		if set := buildUpdateSet(cols, identity, spec.ExcludedFromUpdate); set != "" {
			b.WriteString("WHEN MATCHED " + matchUpdate + "THEN UPDATE " + set)
		}
		b.WriteString("WHEN NOT MATCHED BY TARGET THEN " + buildInsertSet(cols, identity) + " ")
		if spec.DeleteWhenNotMatched {
			b.WriteString("WHEN NOT MATCHED BY SOURCE " + matchDelete + "THEN DELETE ")
		}
	case bulk.KindDelete:
		b.WriteString("WHEN MATCHED " + matchDelete + "THEN DELETE ")
	default:
		return "", &bulk.ConfigurationError{Op: op, Msg: "MERGE is not used for this operation"}
	}

	if output != "" {
		b.WriteString(buildOutputClause(spec.Kind, identity, output))
	}
	return strings.TrimRight(b.String(), " ") + "; DROP TABLE " + staging + ";", nil
}

// buildInsertFromStaging moves staged rows into the target in Internal Row Id
// order, so identities are assigned in record order.
func buildInsertFromStaging(full, staging, output string, cols []string, identity string) string {
	ins := insertable(cols, identity)
	names := make([]string, len(ins))
	for i, c := range ins {
		names[i] = mssqlIdent(c)
	}
	s := buildInsertIntoSet(full, cols, identity)
	if output != "" {
		s += buildOutputClause(bulk.KindInsert, identity, output) + " "
	}
	return s + "SELECT " + strings.Join(names, ", ") + " FROM " + staging +
		" ORDER BY " + mssqlIdent(bulk.InternalRowID) + "; DROP TABLE " + staging + ";"
}

// buildSingleInsert inserts one row from parameters and reads the new
// identity back through an output parameter.
func buildSingleInsert(full string, cols []string, identity string) string {
	return buildInsertIntoSet(full, cols, identity) + "VALUES " + buildValueSet(cols, identity) +
		"; SET @" + identityParam(identity) + " = SCOPE_IDENTITY();"
}

func identityParam(identity string) string {
	return bulk.ParamBase(identity) + "_identity"
}

// buildUpdateWhere renders a filtered UPDATE whose SET values are parameters.
func buildUpdateWhere(full string, cols []string, identity string, excluded []string, filter string) (string, error) {
	set := updatable(cols, identity, excluded)
	if len(set) == 0 {
		return "", &bulk.ConfigurationError{Op: bulk.KindUpdateWhere.String(), Msg: "no updatable columns left after exclusions"}
	}
	params := paramNames(set)
	parts := make([]string, len(set))
	for i, c := range set {
		parts[i] = mssqlIdent(c) + " = @" + params[c]
	}
	return "UPDATE " + full + " SET " + strings.Join(parts, ", ") + filter + ";", nil
}

// buildDeleteWhere renders a filtered DELETE.
func buildDeleteWhere(full, filter string) string {
	return "DELETE FROM " + full + filter + ";"
}

// buildIndexManagement renders a batch that disables (or rebuilds) every
// non-clustered index of the target. Schema and table name are bound as @p1
// and @p2.
func buildIndexManagement(t bulk.Table, disable bool) string {
	action := "REBUILD"
	if disable {
		action = "DISABLE"
	}
	cat := catalogPrefix(t)
	onPrefix := ""
	if t.Database != "" {
		onPrefix = "N'" + strings.ReplaceAll(mssqlIdent(t.Database), "'", "''") + ".' + "
	}
	return "DECLARE @sql NVARCHAR(MAX) = N''; " +
		"SELECT @sql = @sql + N'ALTER INDEX ' + QUOTENAME(i.name) + N' ON ' + " + onPrefix +
		"QUOTENAME(s.name) + N'.' + QUOTENAME(o.name) + N' " + action + ";' " +
		"FROM " + cat + "sys.indexes AS i " +
		"JOIN " + cat + "sys.objects AS o ON i.object_id = o.object_id " +
		"JOIN " + cat + "sys.schemas AS s ON o.schema_id = s.schema_id " +
		"WHERE i.type_desc = N'NONCLUSTERED' AND o.type_desc = N'USER_TABLE' " +
		"AND s.name = @p1 AND o.name = @p2; " +
		"EXEC(@sql);"
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
