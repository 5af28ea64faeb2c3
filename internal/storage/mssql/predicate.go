package mssql

import (
	"database/sql"
	"fmt"
	"sort"
	"strings"

	"sqlbulk/internal/bulk"
)

// operatorToken maps a condition to its SQL comparison. NULL comparisons use
// IS / IS NOT.
func operatorToken(c bulk.Condition) (string, error) {
	if c.IsNull() {
		switch c.Op {
		case bulk.OpEq:
			return "IS", nil
		case bulk.OpNotEq:
			return "IS NOT", nil
		}
		return "", &bulk.ConfigurationError{
			Op:  "predicate",
			Msg: fmt.Sprintf("condition on %q compares NULL with %s", c.Column, c.Op),
		}
	}
	switch c.Op {
	case bulk.OpEq:
		return "=", nil
	case bulk.OpNotEq:
		return "!=", nil
	case bulk.OpLt:
		return "<", nil
	case bulk.OpLte:
		return "<=", nil
	case bulk.OpGt:
		return ">", nil
	case bulk.OpGte:
		return ">=", nil
	}
	return "", &bulk.ConfigurationError{Op: "predicate", Msg: fmt.Sprintf("unknown operator %d", c.Op)}
}

func operand(c bulk.Condition, collations map[string]string) string {
	if c.IsNull() {
		return "NULL"
	}
	s := "@" + c.ParamName()
	if coll := collations[c.TargetColumn()]; coll != "" {
		s += " COLLATE " + coll
	}
	return s
}

// compileJoinPredicates renders MatchUpdate/MatchDelete conditions as the
// AND-chain appended to WHEN MATCHED. Each term reads the target column and
// ends with a space.
func compileJoinPredicates(matchKeys []string, conds []bulk.Condition, collations map[string]string) (string, error) {
	if len(matchKeys) == 0 {
		return "", bulk.MatchKeyRequired("predicate")
	}
	var b strings.Builder
	for _, c := range sortedConditions(conds) {
		tok, err := operatorToken(c)
		if err != nil {
			return "", err
		}
		fmt.Fprintf(&b, "AND [%s].%s %s %s ", targetAlias, mssqlIdent(c.TargetColumn()), tok, operand(c, collations))
	}
	return b.String(), nil
}

// compileFilter renders a Where/And/Or chain as a WHERE clause with a leading
// space, e.g. " WHERE [Price] < @PriceCondition1 AND [Name] IS NULL".
func compileFilter(conds []bulk.Condition, collations map[string]string) (string, error) {
	var b strings.Builder
	for _, c := range sortedConditions(conds) {
		switch c.Kind {
		case bulk.PredWhere:
			b.WriteString(" WHERE ")
		case bulk.PredAnd:
			b.WriteString(" AND ")
		case bulk.PredOr:
			b.WriteString(" OR ")
		default:
			return "", &bulk.ConfigurationError{
				Op:  "predicate",
				Msg: fmt.Sprintf("%s condition on %q can't be used in a WHERE filter", c.Kind, c.Column),
			}
		}
		tok, err := operatorToken(c)
		if err != nil {
			return "", err
		}
		b.WriteString(mssqlIdent(c.TargetColumn()))
		b.WriteString(" ")
		b.WriteString(tok)
		b.WriteString(" ")
		b.WriteString(operand(c, collations))
	}
	return b.String(), nil
}

// predicateArgs binds every non-NULL condition value under its parameter name.
func predicateArgs(conds []bulk.Condition, meta *tableMeta) ([]any, error) {
	var args []any
	for _, c := range sortedConditions(conds) {
		if c.IsNull() {
			continue
		}
		var cm *columnMeta
		if m, ok := meta.column(c.TargetColumn()); ok {
			cm = &m
		}
		v, err := bindValue(c.Value, c.Type, cm)
		if err != nil {
			return nil, fmt.Errorf("mssql: bind condition on %q: %w", c.Column, err)
		}
		args = append(args, sql.Named(c.ParamName(), v))
	}
	return args, nil
}

func sortedConditions(conds []bulk.Condition) []bulk.Condition {
	out := append([]bulk.Condition(nil), conds...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].SortOrder < out[j].SortOrder })
	return out
}
