package source

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog"

	"sqlbulk/internal/config"
	csvparser "sqlbulk/internal/parser/csv"
	jsonparser "sqlbulk/internal/parser/json"
	"sqlbulk/internal/record"
)

func init() {
	Register("file", OpenFile)
}

// File reads CSV or JSON records from a local file.
type File struct {
	path    string
	format  string
	options config.Options
	log     zerolog.Logger

	// Skipped counts malformed records reported by the parser.
	Skipped int
}

// OpenFile checks that the file exists and its format is known. The file
// itself is opened by Stream.
func OpenFile(_ context.Context, cfg config.Source, log zerolog.Logger) (Source, error) {
	format := cfg.FileFormat()
	if format != "csv" && format != "json" {
		return nil, fmt.Errorf("source: file %s: unsupported format %q", cfg.Path, format)
	}
	if _, err := os.Stat(cfg.Path); err != nil {
		return nil, fmt.Errorf("source: file: %w", err)
	}
	return &File{path: cfg.Path, format: format, options: cfg.Options, log: log}, nil
}

// Stream parses the file. Malformed records are logged and skipped.
func (f *File) Stream(ctx context.Context, columns []string, out chan<- *record.Row) error {
	fh, err := os.Open(f.path)
	if err != nil {
		return fmt.Errorf("source: open %s: %w", f.path, err)
	}

	onErr := func(line int, err error) {
		f.Skipped++
		f.log.Warn().Str("file", f.path).Int("line", line).Err(err).Msg("skipping malformed record")
	}

	switch f.format {
	case "csv":
		// StreamCSVRows closes the file.
		return csvparser.StreamCSVRows(ctx, fh, columns, f.options, out, onErr)
	default:
		defer fh.Close()
		return jsonparser.StreamJSONRows(ctx, fh, columns, f.options, out, onErr)
	}
}

// Close is a no-op; Stream owns the file handle.
func (f *File) Close() error { return nil }
