// Package postgres streams job records from a PostgreSQL query.
package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"sqlbulk/internal/config"
	"sqlbulk/internal/record"
	"sqlbulk/internal/source"
)

func init() {
	source.Register("postgres", Open)
}

// querier is the slice of *pgxpool.Pool the source uses.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Close()
}

// Source runs one query and streams its result set.
type Source struct {
	pool  querier
	query string
	log   zerolog.Logger
}

// Open connects a pool to cfg.DSN. The query runs on Stream.
func Open(ctx context.Context, cfg config.Source, log zerolog.Logger) (source.Source, error) {
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres source: connect: %w", err)
	}
	return &Source{pool: pool, query: cfg.Query, log: log}, nil
}

// Stream executes the query and sends one row per result row, ordered by
// columns. Result columns are matched by name, case-insensitively.
func (s *Source) Stream(ctx context.Context, columns []string, out chan<- *record.Row) error {
	rows, err := s.pool.Query(ctx, s.query)
	if err != nil {
		return fmt.Errorf("postgres source: query: %w", err)
	}
	defer rows.Close()

	fds := rows.FieldDescriptions()
	names := make([]string, len(fds))
	for i, fd := range fds {
		names[i] = fd.Name
	}
	ix, err := source.ColumnIndex(names, columns)
	if err != nil {
		return err
	}

	line := 0
	for rows.Next() {
		line++
		vals, err := rows.Values()
		if err != nil {
			return fmt.Errorf("postgres source: row %d: %w", line, err)
		}

		row := record.Get(len(columns))
		row.Line = line
		for t, i := range ix {
			row.V[t] = normalize(vals[i])
		}
		if err := source.Send(ctx, out, row); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("postgres source: %w", err)
	}
	s.log.Debug().Int("rows", line).Msg("postgres source drained")
	return nil
}

// normalize turns pgx-specific decodings into values the bulk coercion
// understands.
func normalize(v any) any {
	switch x := v.(type) {
	case [16]byte:
		return uuid.UUID(x)
	}
	return v
}

func (s *Source) Close() error {
	s.pool.Close()
	return nil
}
