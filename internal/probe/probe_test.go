package probe

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"sqlbulk/internal/config"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestInferTypes(t *testing.T) {
	t.Parallel()

	headers := []string{"id", "flag", "price", "when", "ref", "name", "empty"}
	rows := [][]string{
		{"1", "true", "9.50", "2024-01-02", "6ba7b810-9dad-11d1-80b4-00c04fd430c8", "Go", ""},
		{"2", "F", "10", "2024-01-02 10:11:12", "6ba7b811-9dad-11d1-80b4-00c04fd430c8", "42", ""},
		{"", "1", "-3e2", "", "", "", ""},
	}
	got := inferTypes(headers, rows)
	want := []string{"int", "bool", "decimal", "time", "uuid", "string", "string"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("inferTypes=%v, want %v", got, want)
	}
}

func TestInferKeyColumn(t *testing.T) {
	t.Parallel()

	cols := []ColumnStats{
		{Name: "region", NonEmpty: 3, Distinct: 2},
		{Name: "sku", NonEmpty: 2, Distinct: 2},
		{Name: "isbn", NonEmpty: 3, Distinct: 3},
	}
	if got := inferKeyColumn(cols, 3); got != "isbn" {
		t.Fatalf("key=%q, want isbn", got)
	}
	if got := inferKeyColumn(cols, 0); got != "" {
		t.Fatalf("key=%q, want none for an empty sample", got)
	}
}

// TestProbe_CSVDraftsValidUpsert checks the drafted job is accepted as-is
// once a DSN is supplied.
func TestProbe_CSVDraftsValidUpsert(t *testing.T) {
	t.Parallel()

	path := writeFile(t, "books.csv", "\uFEFFISBN;Title;Price\n978-1;Go;9.50\n978-2;Rust;\nbroken\n978-3;Zig;12\n")

	res, err := Probe(Options{Path: path, Comma: ';', Table: "dbo.Books"})
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if res.Rows != 3 {
		t.Fatalf("Rows=%d, want 3 (short record skipped)", res.Rows)
	}

	op := res.Job.Operation
	if op.Kind != "upsert" || strings.Join(op.MatchOn, ",") != "ISBN" {
		t.Fatalf("kind=%s match_on=%v", op.Kind, op.MatchOn)
	}
	if op.Columns[0].Name != "ISBN" || op.Columns[2].Type != "decimal" {
		t.Fatalf("columns=%+v", op.Columns)
	}
	if res.Job.Source.Options.Rune("comma", ',') != ';' {
		t.Fatalf("comma not carried into the source options: %v", res.Job.Source.Options)
	}

	j := res.Job
	j.Target.DSN = "sqlserver://localhost"
	if issues := config.ValidateJob(j); config.HasErrors(issues) {
		t.Fatalf("drafted job is invalid: %v", issues)
	}

	if !strings.Contains(res.Report(), "Price,decimal,2,2") {
		t.Fatalf("report=%q", res.Report())
	}
	b, err := res.JSON()
	if err != nil || !strings.Contains(string(b), `"match_on": [`) {
		t.Fatalf("JSON err=%v out=%s", err, b)
	}
}

func TestProbe_JSONWithoutKeyFallsBackToInsert(t *testing.T) {
	t.Parallel()

	path := writeFile(t, "events.jsonl", `{"kind":"a","at":"2024-01-02"}
{"kind":"a","at":"2024-01-02","meta":{"n":1}}
`)
	res, err := Probe(Options{Path: path, SampleRows: 10})
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if res.Job.Operation.Kind != "insert" || len(res.Job.Operation.MatchOn) != 0 {
		t.Fatalf("operation=%+v, want insert without keys", res.Job.Operation)
	}
	var names []string
	for _, c := range res.Columns {
		names = append(names, c.Name+":"+c.Type)
	}
	if got := strings.Join(names, ","); got != "at:time,kind:string,meta_n:int" {
		t.Fatalf("columns=%s", got)
	}
	if res.Job.Target.Table != "events" {
		t.Fatalf("table=%q, want events", res.Job.Target.Table)
	}
}

func TestProbe_Errors(t *testing.T) {
	t.Parallel()

	if _, err := Probe(Options{Path: filepath.Join(t.TempDir(), "missing.csv")}); err == nil {
		t.Fatalf("expected error for a missing file")
	}
	if _, err := Probe(Options{Path: writeFile(t, "data.bin", "x")}); err == nil {
		t.Fatalf("expected error for an unknown format")
	}
	if _, err := Probe(Options{Path: writeFile(t, "empty.csv", "")}); err == nil {
		t.Fatalf("expected error for a file without columns")
	}
}
