// Package sqlite streams job records from a SQLite query (modernc driver).
package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"sqlbulk/internal/config"
	"sqlbulk/internal/record"
	"sqlbulk/internal/source"
)

func init() {
	source.Register("sqlite", Open)
}

type Source struct {
	db    *sql.DB
	query string
	log   zerolog.Logger
}

func Open(ctx context.Context, cfg config.Source, log zerolog.Logger) (source.Source, error) {
	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite source: %w", err)
	}
	return &Source{db: db, query: cfg.Query, log: log}, nil
}

// Stream runs the query. SQLite returns TEXT as string and BLOB as []byte;
// byte slices are copied because the driver may reuse them.
func (s *Source) Stream(ctx context.Context, columns []string, out chan<- *record.Row) error {
	rows, err := s.db.QueryContext(ctx, s.query)
	if err != nil {
		return fmt.Errorf("sqlite source: query: %w", err)
	}
	defer rows.Close()

	names, err := rows.Columns()
	if err != nil {
		return fmt.Errorf("sqlite source: %w", err)
	}
	ix, err := source.ColumnIndex(names, columns)
	if err != nil {
		return err
	}

	vals := make([]any, len(names))
	ptrs := make([]any, len(names))
	for i := range vals {
		ptrs[i] = &vals[i]
	}

	line := 0
	for rows.Next() {
		line++
		if err := rows.Scan(ptrs...); err != nil {
			return fmt.Errorf("sqlite source: row %d: %w", line, err)
		}

		row := record.Get(len(columns))
		row.Line = line
		for t, i := range ix {
			if b, ok := vals[i].([]byte); ok {
				vals[i] = append([]byte(nil), b...)
			}
			row.V[t] = vals[i]
		}
		if err := source.Send(ctx, out, row); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("sqlite source: %w", err)
	}
	s.log.Debug().Int("rows", line).Msg("sqlite source drained")
	return nil
}

func (s *Source) Close() error { return s.db.Close() }
