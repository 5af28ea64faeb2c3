// Package csv streams delimited files into positional record rows.
package csv

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strings"
	"unicode"

	"sqlbulk/internal/config"
	"sqlbulk/internal/record"
)

// StreamCSVRows streams CSV into pooled *record.Row objects aligned to the
// 'columns' order.
//
// Options:
//   - has_header (default true): map columns by header name; otherwise by position
//   - comma (default ','), comment, lazy_quotes, fields_per_record
//   - trim_space (default true): trim cell values
//   - header_map: source header -> column name
//   - strict_header (default false): fail when a column is missing from the header
//
// Empty cells become nil. Malformed records are reported through onErr and
// skipped. On ctx cancellation in-flight rows are dropped, not re-pooled.
func StreamCSVRows(
	ctx context.Context,
	src io.ReadCloser,
	columns []string,
	opt config.Options,
	out chan<- *record.Row,
	onErr func(line int, err error),
) error {
	defer src.Close()

	var line int

	hasHeader := opt.Bool("has_header", true)
	trim := opt.Bool("trim_space", true)
	hm := opt.StringMap("header_map")

	cr := csv.NewReader(src)
	cr.Comma = opt.Rune("comma", ',')
	cr.Comment = opt.Rune("comment", 0)
	cr.ReuseRecord = true
	cr.LazyQuotes = opt.Bool("lazy_quotes", false)
	if n := opt.Int("fields_per_record", 0); n != 0 {
		cr.FieldsPerRecord = n
	} else {
		cr.FieldsPerRecord = -1
	}

	readRec := func() ([]string, error) {
		line++
		return cr.Read()
	}

	colIx := make([]int, len(columns))
	if hasHeader {
		hdr, err := readRec()
		if err != nil {
			if err == io.EOF {
				return nil
			}
			if onErr != nil {
				onErr(line, fmt.Errorf("read header: %w", err))
			}
			return err
		}
		colIx, err = mapHeader(hdr, columns, hm, opt.Bool("strict_header", false))
		if err != nil {
			return err
		}
	} else {
		for i := range colIx {
			colIx[i] = i
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		rec, err := readRec()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			if onErr != nil {
				onErr(line, fmt.Errorf("csv read: %w", err))
			}
			continue
		}

		row := record.Get(len(columns))
		row.Line = line

		for t, si := range colIx {
			if si < 0 || si >= len(rec) {
				continue
			}
			v := rec[si]
			if trim && hasEdgeSpace(v) {
				v = strings.TrimSpace(v)
			}
			if v != "" {
				row.V[t] = v
			}
		}

		select {
		case out <- row:
		case <-ctx.Done():
			row.Drop()
			return ctx.Err()
		}
	}
}

// mapHeader resolves each column to a header index (-1 when absent). Headers
// are matched exactly first, then case-insensitively.
func mapHeader(hdr, columns []string, hm map[string]string, strict bool) ([]int, error) {
	exact := make(map[string]int, len(hdr))
	folded := make(map[string]int, len(hdr))
	for i, h := range hdr {
		if i == 0 {
			h = strings.TrimPrefix(h, "\uFEFF")
		}
		h = strings.TrimSpace(h)
		if mapped, ok := hm[h]; ok {
			h = mapped
		} else if mapped, ok := hm[strings.ToLower(h)]; ok {
			h = mapped
		}
		if _, dup := exact[h]; !dup {
			exact[h] = i
		}
		if _, dup := folded[strings.ToLower(h)]; !dup {
			folded[strings.ToLower(h)] = i
		}
	}

	ix := make([]int, len(columns))
	var missing []string
	for t, c := range columns {
		if si, ok := exact[c]; ok {
			ix[t] = si
		} else if si, ok := folded[strings.ToLower(c)]; ok {
			ix[t] = si
		} else {
			ix[t] = -1
			missing = append(missing, c)
		}
	}
	if strict && len(missing) > 0 {
		return nil, fmt.Errorf("csv: header is missing columns %s", strings.Join(missing, ", "))
	}
	return ix, nil
}

func hasEdgeSpace(s string) bool {
	if s == "" {
		return false
	}
	return unicode.IsSpace(rune(s[0])) || unicode.IsSpace(rune(s[len(s)-1]))
}
