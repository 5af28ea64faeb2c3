package probe

import (
	"strings"

	"sqlbulk/internal/bulk"
)

// inferTypes picks the narrowest type every non-empty sample value of a
// column coerces to. Columns with no values are strings.
func inferTypes(headers []string, rows [][]string) []string {
	out := make([]string, len(headers))
	for col := range headers {
		var seen bool
		allInt, allBool, allDecimal, allTime, allUUID := true, true, true, true, true

		for _, r := range rows {
			v := strings.TrimSpace(r[col])
			if v == "" {
				continue
			}
			seen = true
			allInt = allInt && coerces(bulk.TypeInt, v)
			allBool = allBool && coerces(bulk.TypeBool, v)
			allDecimal = allDecimal && coerces(bulk.TypeDecimal, v)
			allTime = allTime && coerces(bulk.TypeTime, v)
			allUUID = allUUID && coerces(bulk.TypeUUID, v)
		}

		switch {
		case !seen:
			out[col] = bulk.TypeString.String()
		case allInt:
			out[col] = bulk.TypeInt.String()
		case allBool:
			out[col] = bulk.TypeBool.String()
		case allDecimal:
			out[col] = bulk.TypeDecimal.String()
		case allTime:
			out[col] = bulk.TypeTime.String()
		case allUUID:
			out[col] = bulk.TypeUUID.String()
		default:
			out[col] = bulk.TypeString.String()
		}
	}
	return out
}

func coerces(t bulk.SemanticType, v string) bool {
	_, err := bulk.Coerce(t, v)
	return err == nil
}

func columnCounts(rows [][]string, col int) (nonEmpty, distinct int) {
	set := make(map[string]struct{})
	for _, r := range rows {
		v := r[col]
		if v == "" {
			continue
		}
		nonEmpty++
		set[v] = struct{}{}
	}
	return nonEmpty, len(set)
}

// inferKeyColumn proposes the first column that is populated and unique in
// every sampled row.
func inferKeyColumn(cols []ColumnStats, rows int) string {
	if rows == 0 {
		return ""
	}
	for _, c := range cols {
		if c.NonEmpty == rows && c.Distinct == rows {
			return c.Name
		}
	}
	return ""
}
