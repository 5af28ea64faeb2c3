package job

import (
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"time"

	"sqlbulk/internal/record"
)

// identityWriter appends echoed identities as CSV: the source record number,
// the identity value, then the record's columns.
type identityWriter struct {
	f      *os.File
	w      *csv.Writer
	layout Layout
	rec    []string
}

func createIdentityWriter(path string, l Layout) (*identityWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("job: identities file: %w", err)
	}
	iw := &identityWriter{f: f, w: csv.NewWriter(f), layout: l}

	header := append([]string{"line", l.IdentityName}, l.Columns...)
	if err := iw.w.Write(header); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("job: identities file: %w", err)
	}
	return iw, nil
}

func (iw *identityWriter) write(rows []*record.Row) error {
	if !iw.layout.Echo || iw.layout.Identity < 0 {
		return nil
	}
	for _, row := range rows {
		iw.rec = append(iw.rec[:0], strconv.Itoa(row.Line), formatCell(slot(row, iw.layout.Identity)))
		for i := range iw.layout.Columns {
			iw.rec = append(iw.rec, formatCell(slot(row, i)))
		}
		if err := iw.w.Write(iw.rec); err != nil {
			return fmt.Errorf("job: identities file: %w", err)
		}
	}
	iw.w.Flush()
	return iw.w.Error()
}

func (iw *identityWriter) Close() error {
	iw.w.Flush()
	werr := iw.w.Error()
	if err := iw.f.Close(); err != nil {
		return err
	}
	return werr
}

func slot(row *record.Row, i int) any {
	if i < len(row.V) {
		return row.V[i]
	}
	return nil
}

func formatCell(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case []byte:
		return fmt.Sprintf("%x", x)
	case time.Time:
		return x.Format(time.RFC3339Nano)
	}
	return fmt.Sprint(v)
}
