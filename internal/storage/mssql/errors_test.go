package mssql

import (
	"database/sql"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	mssql "github.com/microsoft/go-mssqldb"

	"sqlbulk/internal/bulk"
)

func TestClassifyError(t *testing.T) {
	t.Parallel()

	meta := booksMeta()
	dest := []string{"ID", "ISBN", "Price", "Title"}

	// Wrapped driver errors are still recognised.
	err := classifyError(fmt.Errorf("merge: %w", mssql.Error{Number: 8102, Message: "Cannot update identity column 'ID'."}), dest, meta)
	var ie *bulk.IdentityError
	if !errors.As(err, &ie) || ie.Number != 8102 {
		t.Fatalf("expected IdentityError 8102, got %v", err)
	}

	// The interesting error may sit behind an informational one.
	err = classifyError(mssql.Error{
		Number:  3621,
		Message: "The statement has been terminated.",
		All: []mssql.Error{
			{Number: 4815, Message: "Received an invalid column length from the bcp client for colid 2."},
			{Number: 3621, Message: "The statement has been terminated."},
		},
	}, dest, meta)
	var ce *bulk.ColumnLengthError
	if !errors.As(err, &ce) || ce.Column != "ISBN" || ce.Length != 20 {
		t.Fatalf("expected ColumnLengthError on ISBN/20, got %#v", err)
	}

	// Out-of-range colid keeps the typed error without a column.
	err = classifyError(mssql.Error{Number: 4815, Message: "colid 99"}, dest, meta)
	if !errors.As(err, &ce) || ce.Column != "" {
		t.Fatalf("expected anonymous ColumnLengthError, got %#v", err)
	}

	plain := errors.New("boom")
	if got := classifyError(plain, dest, meta); got != plain {
		t.Fatalf("non-server errors must pass through, got %v", got)
	}
	other := mssql.Error{Number: 2627, Message: "Violation of PRIMARY KEY constraint"}
	var me mssql.Error
	if got := classifyError(other, dest, meta); !errors.As(got, &me) || me.Number != 2627 {
		t.Fatalf("unknown server errors must pass through, got %v", got)
	}
}

func TestBindValue(t *testing.T) {
	t.Parallel()

	varchar := &columnMeta{DataType: "varchar", MaxLength: n64(50)}
	varcharMax := &columnMeta{DataType: "varchar", MaxLength: n64(-1)}
	legacyTime := &columnMeta{DataType: "datetime"}

	cases := []struct {
		name string
		v    any
		typ  bulk.SemanticType
		meta *columnMeta
		want any
	}{
		{"null int", nil, bulk.TypeInt, nil, sql.NullInt64{}},
		{"null bool", nil, bulk.TypeBool, nil, sql.NullBool{}},
		{"null string", nil, bulk.TypeString, nil, sql.NullString{}},
		{"ansi string", "abc", bulk.TypeString, varchar, mssql.VarChar("abc")},
		{"ansi max", "abc", bulk.TypeString, varcharMax, mssql.VarCharMax("abc")},
		{"unicode string", "abc", bulk.TypeString, nil, "abc"},
		{"int", int64(4), bulk.TypeInt, nil, int64(4)},
	}
	for _, tc := range cases {
		got, err := bindValue(tc.v, tc.typ, tc.meta)
		if err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		if got != tc.want {
			t.Fatalf("%s: got %#v, want %#v", tc.name, got, tc.want)
		}
	}

	ts := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	if got, _ := bindValue(ts, bulk.TypeTime, legacyTime); got != mssql.DateTime1(ts) {
		t.Fatalf("expected DateTime1 for datetime columns, got %#v", got)
	}

	u := uuid.MustParse("6f9619ff-8b86-d011-b42d-00c04fc964ff")
	if got, _ := bindValue(u, bulk.TypeUUID, nil); got != mssql.UniqueIdentifier(u) {
		t.Fatalf("expected UniqueIdentifier, got %#v", got)
	}
	if got, _ := bindValue(u.String(), bulk.TypeUUID, nil); got != mssql.UniqueIdentifier(u) {
		t.Fatalf("expected UniqueIdentifier from text, got %#v", got)
	}
	if _, err := bindValue(struct{}{}, bulk.TypeString, nil); !errors.Is(err, bulk.ErrUnsupportedColumnType) {
		t.Fatalf("expected unsupported type error, got %v", err)
	}
}

func TestCopyValue(t *testing.T) {
	t.Parallel()

	u := uuid.MustParse("6f9619ff-8b86-d011-b42d-00c04fc964ff")
	got, err := copyValue(u, &columnMeta{DataType: "uniqueidentifier"})
	if err != nil {
		t.Fatalf("copyValue: %v", err)
	}
	b, ok := got.([]byte)
	if !ok || len(b) != 16 {
		t.Fatalf("expected 16 wire bytes, got %#v", got)
	}
	// The first group is byte-swapped on the wire.
	if b[0] != 0xff || b[3] != 0x6f {
		t.Fatalf("unexpected uuid wire order % x", b)
	}

	if got, _ := copyValue(u, &columnMeta{DataType: "nvarchar"}); got != u.String() {
		t.Fatalf("uuid into text column: got %#v", got)
	}
	if got, _ := copyValue(true, &columnMeta{DataType: "int"}); got != int64(1) {
		t.Fatalf("bool into int column: got %#v", got)
	}
	if got, _ := copyValue(int64(7), &columnMeta{DataType: "varchar"}); got != "7" {
		t.Fatalf("int into varchar column: got %#v", got)
	}
	if got, _ := copyValue("x", nil); got != "x" {
		t.Fatalf("unknown column: got %#v", got)
	}
}
