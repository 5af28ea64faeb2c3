// Package probe samples an input file and drafts a job for it: column types
// are inferred from the sample and the most distinct fully populated column
// is proposed as the match key.
package probe

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"sqlbulk/internal/config"
	jsonparser "sqlbulk/internal/parser/json"
)

// DefaultSampleRows bounds the sample when Options.SampleRows is 0.
const DefaultSampleRows = 1000

// Options controls a probe.
type Options struct {
	Path   string
	Format string // csv | json; inferred from Path when empty
	Comma  rune   // CSV delimiter; ',' when 0

	// Table defaults to the file's base name.
	Table string
	// Kind is the drafted operation; "upsert" when empty. It falls back to
	// "insert" when no key column can be proposed.
	Kind string

	SampleRows int
}

// ColumnStats is what the sample says about one column.
type ColumnStats struct {
	Name     string
	Type     string
	NonEmpty int
	Distinct int
}

// Result is a drafted job plus the statistics it was drafted from.
type Result struct {
	Job     config.Job
	Columns []ColumnStats
	Rows    int
}

// Probe reads a sample of opt.Path and drafts a job.
func Probe(opt Options) (Result, error) {
	f, err := os.Open(opt.Path)
	if err != nil {
		return Result{}, fmt.Errorf("probe: %w", err)
	}
	defer f.Close()

	src := config.Source{Kind: "file", Path: opt.Path, Format: opt.Format}
	limit := opt.SampleRows
	if limit <= 0 {
		limit = DefaultSampleRows
	}

	var headers []string
	var rows [][]string
	switch src.FileFormat() {
	case "csv":
		comma := opt.Comma
		if comma == 0 {
			comma = ','
		}
		headers, rows, err = readCSVSample(f, comma, limit)
		if comma != ',' {
			src.Options = config.Options{"comma": string(comma)}
		}
	case "json":
		headers, rows, err = jsonparser.Sample(f, limit, nil)
	default:
		return Result{}, fmt.Errorf("probe: cannot infer the format of %q; pass csv or json", opt.Path)
	}
	if err != nil {
		return Result{}, fmt.Errorf("probe: read sample: %w", err)
	}
	if len(headers) == 0 {
		return Result{}, fmt.Errorf("probe: %s has no columns", opt.Path)
	}

	res := Result{Rows: len(rows)}
	types := inferTypes(headers, rows)
	for i, h := range headers {
		nonEmpty, distinct := columnCounts(rows, i)
		res.Columns = append(res.Columns, ColumnStats{Name: h, Type: types[i], NonEmpty: nonEmpty, Distinct: distinct})
	}

	table := opt.Table
	if table == "" {
		table = strings.TrimSuffix(filepath.Base(opt.Path), filepath.Ext(opt.Path))
	}
	kind := opt.Kind
	if kind == "" {
		kind = "upsert"
	}

	op := config.Operation{Kind: kind}
	for _, c := range res.Columns {
		op.Columns = append(op.Columns, config.Column{Name: c.Name, Type: c.Type})
	}
	if key := inferKeyColumn(res.Columns, res.Rows); key != "" {
		switch kind {
		case "update", "upsert", "delete":
			op.MatchOn = []string{key}
		}
	} else if kind == "upsert" {
		op.Kind = "insert"
	}

	res.Job = config.Job{
		Name:      strings.TrimSuffix(filepath.Base(opt.Path), filepath.Ext(opt.Path)),
		Source:    src,
		Target:    config.Target{Kind: "mssql", DSN: "${SQLBULK_TARGET_DSN}", Table: table},
		Operation: op,
	}
	return res, nil
}

// JSON renders the drafted job as an indented job file.
func (r Result) JSON() ([]byte, error) {
	b, err := json.MarshalIndent(r.Job, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

// Report renders a small human-readable summary of the sample.
func (r Result) Report() string {
	var b strings.Builder
	fmt.Fprintf(&b, "sample_rows=%d\n", r.Rows)
	fmt.Fprintf(&b, "match_on=%s\n", strings.Join(r.Job.Operation.MatchOn, ","))
	b.WriteString("column,type,non_empty,distinct\n")
	for _, c := range r.Columns {
		fmt.Fprintf(&b, "%s,%s,%d,%d\n", c.Name, c.Type, c.NonEmpty, c.Distinct)
	}
	return b.String()
}

// readCSVSample reads the header and up to limit records. Records with the
// wrong field count are skipped.
func readCSVSample(r io.Reader, comma rune, limit int) ([]string, [][]string, error) {
	cr := csv.NewReader(r)
	cr.Comma = comma
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true

	headers, err := cr.Read()
	if err == io.EOF {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	for i := range headers {
		headers[i] = strings.TrimSpace(strings.TrimPrefix(headers[i], "\uFEFF"))
	}

	var rows [][]string
	for len(rows) < limit {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return headers, rows, err
		}
		if len(rec) != len(headers) {
			continue
		}
		for i := range rec {
			rec[i] = strings.TrimSpace(rec[i])
		}
		rows = append(rows, rec)
	}
	return headers, rows, nil
}
