package mssql

import (
	"errors"
	"regexp"
	"strconv"

	mssql "github.com/microsoft/go-mssqldb"

	"sqlbulk/internal/bulk"
)

// SQL Server error numbers the engine translates.
const (
	errCannotUpdateIdentity = 8102
	errExplicitIdentity     = 544
	errInvalidColumnLength  = 4815
)

var colidRe = regexp.MustCompile(`\d+`)

// classifyError maps server errors onto the bulk error taxonomy. destCols
// are the columns of the table receiving the bulk copy, in ordinal order;
// length violations report a 1-based colid into them.
func classifyError(err error, destCols []string, meta *tableMeta) error {
	var me mssql.Error
	if !errors.As(err, &me) {
		return err
	}
	all := me.All
	if len(all) == 0 {
		all = []mssql.Error{me}
	}
	for _, e := range all {
		switch e.Number {
		case errCannotUpdateIdentity, errExplicitIdentity:
			return &bulk.IdentityError{Number: e.Number, Message: e.Message, Err: err}
		case errInvalidColumnLength:
			ce := &bulk.ColumnLengthError{Err: err}
			if m := colidRe.FindString(e.Message); m != "" {
				if id, convErr := strconv.Atoi(m); convErr == nil && id >= 1 && id <= len(destCols) {
					ce.Column = destCols[id-1]
					if c, ok := meta.column(ce.Column); ok && c.MaxLength.Valid {
						ce.Length = int(c.MaxLength.Int64)
					}
				}
			}
			return ce
		}
	}
	return err
}
