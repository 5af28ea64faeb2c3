package bulk

import (
	"sort"

	"golang.org/x/text/collate"
	"golang.org/x/text/language"
)

// InternalRowID is the hidden staging column correlating a staged row with the
// record it came from. It never appears in generated insert, update or value lists.
const InternalRowID = "__sqlbulk_row_id"

// ColumnSet is a set of unique, case-sensitive column names. Consumers iterate
// it through Sorted so generated statements are deterministic.
type ColumnSet struct {
	m map[string]struct{}
}

// NewColumnSet returns a set holding cols.
func NewColumnSet(cols ...string) *ColumnSet {
	s := &ColumnSet{m: make(map[string]struct{}, len(cols))}
	for _, c := range cols {
		s.Add(c)
	}
	return s
}

// Add inserts col and reports whether it was new.
func (s *ColumnSet) Add(col string) bool {
	if s.m == nil {
		s.m = make(map[string]struct{})
	}
	if _, ok := s.m[col]; ok {
		return false
	}
	s.m[col] = struct{}{}
	return true
}

// Has reports whether col is present.
func (s *ColumnSet) Has(col string) bool {
	_, ok := s.m[col]
	return ok
}

// Len returns the number of columns.
func (s *ColumnSet) Len() int { return len(s.m) }

// Sorted returns the columns in canonical order.
func (s *ColumnSet) Sorted() []string {
	out := make([]string, 0, len(s.m))
	for c := range s.m {
		out = append(out, c)
	}
	return CanonicalOrder(out)
}

// CanonicalOrder sorts column names in place with a root-locale collation
// (so "Email" < "id" < "IsCool") and returns the slice. Names the collation
// treats as equal fall back to byte order.
func CanonicalOrder(cols []string) []string {
	// Collators carry scratch buffers and are not safe for concurrent use.
	c := collate.New(language.Und)
	sort.SliceStable(cols, func(i, j int) bool {
		switch c.CompareString(cols[i], cols[j]) {
		case -1:
			return true
		case 1:
			return false
		}
		return cols[i] < cols[j]
	})
	return cols
}

// Mapping maps a logical field path to the actual database column name.
type Mapping map[string]string

// Column returns the database column for path, or path itself when unmapped.
func (m Mapping) Column(path string) string {
	if c, ok := m[path]; ok && c != "" {
		return c
	}
	return path
}

// ResolveColumns derives the final column set from the selected columns and
// the match keys, adding any missing key. When trackRows is set the Internal
// Row Id is added as well.
func ResolveColumns(selected, matchKeys []string, trackRows bool) *ColumnSet {
	set := NewColumnSet(selected...)
	for _, k := range matchKeys {
		set.Add(k)
	}
	if trackRows {
		set.Add(InternalRowID)
	}
	return set
}

// UserColumns returns cols without the Internal Row Id, preserving order.
func UserColumns(cols []string) []string {
	out := make([]string, 0, len(cols))
	for _, c := range cols {
		if c == InternalRowID {
			continue
		}
		out = append(out, c)
	}
	return out
}
