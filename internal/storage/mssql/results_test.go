package mssql

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"

	_ "modernc.org/sqlite"

	"sqlbulk/internal/bulk"
)

// The output-table readers only issue bracket-quoted SELECTs, which SQLite
// understands, so an in-memory database stands in for the session here.
func openOutputDB(t *testing.T, ddl string, inserts ...string) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	for _, stmt := range append([]string{ddl}, inserts...) {
		if _, err := db.Exec(stmt); err != nil {
			t.Fatalf("exec %q: %v", stmt, err)
		}
	}
	return db
}

func TestLoadCorrelatedIdentities_MapsByRowIDAndSkipsDeletes(t *testing.T) {
	db := openOutputDB(t,
		"CREATE TABLE out_t ([__sqlbulk_row_id] INTEGER, [Id] INTEGER)",
		"INSERT INTO out_t VALUES (2, 30)",
		"INSERT INTO out_t VALUES (0, 10)",
		// Rows deleted because they were absent from the batch carry no row id.
		"INSERT INTO out_t VALUES (NULL, 99)",
	)

	got := map[int]any{}
	n, err := loadCorrelatedIdentities(context.Background(), db, "out_t", "Id", 3, func(row int, v any) error {
		got[row] = v
		return nil
	})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if n != 2 || got[0] != int64(10) || got[2] != int64(30) {
		t.Fatalf("unexpected mapping n=%d got=%v", n, got)
	}
	if _, ok := got[1]; ok {
		t.Fatalf("row 1 was never output and must stay untouched")
	}
}

func TestLoadCorrelatedIdentities_RejectsForeignRowIDs(t *testing.T) {
	db := openOutputDB(t,
		"CREATE TABLE out_t ([__sqlbulk_row_id] INTEGER, [Id] INTEGER)",
		"INSERT INTO out_t VALUES (5, 1)",
	)
	_, err := loadCorrelatedIdentities(context.Background(), db, "out_t", "Id", 2, func(int, any) error { return nil })
	if err == nil {
		t.Fatalf("expected error for a row id outside the batch")
	}
}

func TestLoadInsertIdentities_AssignsInIdentityOrder(t *testing.T) {
	db := openOutputDB(t,
		"CREATE TABLE out_t ([Id] INTEGER)",
		"INSERT INTO out_t VALUES (12)",
		"INSERT INTO out_t VALUES (11)",
	)

	var got []any
	n, err := loadInsertIdentities(context.Background(), db, "out_t", "Id", 2, func(row int, v any) error {
		if row != len(got) {
			t.Fatalf("rows must be assigned in order, got row %d after %d", row, len(got))
		}
		got = append(got, v)
		return nil
	})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if n != 2 || got[0] != int64(11) || got[1] != int64(12) {
		t.Fatalf("unexpected identities n=%d got=%v", n, got)
	}

	if _, err := loadInsertIdentities(context.Background(), db, "out_t", "Id", 3, func(int, any) error { return nil }); err == nil {
		t.Fatalf("expected error when the server returns fewer identities than records")
	}
}

func TestLoaders_RequireSetter(t *testing.T) {
	db := openOutputDB(t, "CREATE TABLE out_t ([Id] INTEGER)")

	if _, err := loadInsertIdentities(context.Background(), db, "out_t", "Id", 1, nil); !errors.Is(err, bulk.ErrNoSetterAvailable) {
		t.Fatalf("expected ErrNoSetterAvailable, got %v", err)
	}
	if _, err := loadCorrelatedIdentities(context.Background(), db, "out_t", "Id", 1, nil); !errors.Is(err, bulk.ErrNoSetterAvailable) {
		t.Fatalf("expected ErrNoSetterAvailable, got %v", err)
	}
}

// Three staged rows share ISBN 111 with row ids 0, 1 and 2; only row 2 may
// reach the merge. SQLite cannot DELETE through a CTE, so the ranking half of
// the statement runs as a SELECT of the rows that would survive.
func TestRemoveDuplicates_KeepsLastStagedRowPerKey(t *testing.T) {
	rowID := mssqlIdent(bulk.InternalRowID)
	db := openOutputDB(t,
		"CREATE TABLE staged ([ID] INTEGER, [ISBN] TEXT, [Title] TEXT, "+rowID+" INTEGER)",
		"INSERT INTO staged VALUES (NULL, '111', 'first', 0)",
		"INSERT INTO staged VALUES (NULL, '111', 'second', 1)",
		"INSERT INTO staged VALUES (NULL, '111', 'third', 2)",
		"INSERT INTO staged VALUES (NULL, '222', 'other', 3)",
	)

	dedupe := buildRemoveDuplicates("staged", []string{"ISBN", "ID"}, "ID", nil)
	const rank, tail = "SELECT ROW_NUMBER()", " DELETE FROM Ranked WHERE RN > 1;"
	if !strings.Contains(dedupe, rank) || !strings.HasSuffix(dedupe, tail) {
		t.Fatalf("unexpected dedupe shape: %s", dedupe)
	}
	survivors := strings.Replace(dedupe, rank, "SELECT "+rowID+", [Title], ROW_NUMBER()", 1)
	survivors = strings.TrimSuffix(survivors, tail) +
		" SELECT " + rowID + ", [Title] FROM Ranked WHERE RN = 1 ORDER BY " + rowID + ";"

	rows, err := db.Query(survivors)
	if err != nil {
		t.Fatalf("query %q: %v", survivors, err)
	}
	defer rows.Close()

	var got []string
	for rows.Next() {
		var (
			id    int64
			title string
		)
		if err := rows.Scan(&id, &title); err != nil {
			t.Fatalf("scan: %v", err)
		}
		got = append(got, title)
		if title == "third" && id != 2 {
			t.Fatalf("survivor of ISBN 111 has row id %d, want 2", id)
		}
	}
	if err := rows.Err(); err != nil {
		t.Fatalf("rows: %v", err)
	}
	if strings.Join(got, ",") != "third,other" {
		t.Fatalf("survivors=%v, want [third other]", got)
	}
}
