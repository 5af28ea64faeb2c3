package job

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"sqlbulk/internal/bulk"
	"sqlbulk/internal/config"
	"sqlbulk/internal/record"
	"sqlbulk/internal/source"
	"sqlbulk/internal/storage"
)

// rowBuffer is the capacity of the channel between source and committer.
const rowBuffer = 256

// Runner executes jobs. The Open* fields are seams for tests; NewDefaultRunner
// wires them to the source and storage registries.
type Runner struct {
	OpenSource func(ctx context.Context, cfg config.Source, log zerolog.Logger) (source.Source, error)
	OpenEngine func(ctx context.Context, cfg storage.Config) (storage.Engine, error)
	Log        zerolog.Logger
}

func NewDefaultRunner(log zerolog.Logger) *Runner {
	return &Runner{
		OpenSource: source.Open,
		OpenEngine: storage.New,
		Log:        log,
	}
}

// Summary totals a run.
type Summary struct {
	Records    int
	Commits    int
	Rows       int64
	Identities int
	Elapsed    time.Duration
}

// invalidJob folds validation errors into one error.
func invalidJob(issues []config.Issue) error {
	var msgs []string
	for _, iss := range issues {
		if iss.Severity == config.SeverityError {
			msgs = append(msgs, iss.Path+": "+iss.Message)
		}
	}
	return fmt.Errorf("job: invalid configuration:\n  %s", strings.Join(msgs, "\n  "))
}

func (r *Runner) prepare(ctx context.Context, j config.Job) (*bulk.Operation[record.Row], Layout, storage.Engine, error) {
	issues := config.ValidateJob(j)
	if config.HasErrors(issues) {
		return nil, Layout{}, nil, invalidJob(issues)
	}
	for _, iss := range issues {
		r.Log.Warn().Str("path", iss.Path).Msg(iss.Message)
	}

	op, l, err := BuildOperation(j)
	if err != nil {
		return nil, l, nil, err
	}
	eng, err := r.OpenEngine(ctx, storage.Config{
		Kind:         j.Target.Kind,
		DSN:          j.Target.DSN,
		Logger:       r.Log,
		MaxOpenConns: j.Target.MaxOpenConns,
	})
	if err != nil {
		return nil, l, nil, fmt.Errorf("job: open target: %w", err)
	}
	return op, l, eng, nil
}

// Run applies the job. Rows are committed in chunks of Runtime.CommitSize
// (all at once when 0); each chunk is one transaction. Identities echoed by a
// commit are appended to Runtime.IdentitiesOut when set.
func (r *Runner) Run(ctx context.Context, j config.Job) (sum Summary, err error) {
	start := time.Now()
	defer func() { sum.Elapsed = time.Since(start) }()

	op, l, eng, err := r.prepare(ctx, j)
	if err != nil {
		return sum, err
	}
	defer func() {
		if cerr := eng.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("job: close target: %w", cerr)
		}
	}()

	kind := op.Spec().Kind
	if kind == bulk.KindDeleteWhere {
		res, err := op.Commit(ctx, eng, nil)
		if err != nil {
			return sum, err
		}
		sum.Commits, sum.Rows = 1, res.Rows
		r.Log.Info().Str("job", j.Name).Int64("rows", res.Rows).Msg("delete_where applied")
		return sum, nil
	}

	var ids *identityWriter
	if j.Runtime.IdentitiesOut != "" {
		ids, err = createIdentityWriter(j.Runtime.IdentitiesOut, l)
		if err != nil {
			return sum, err
		}
		defer func() {
			if cerr := ids.Close(); cerr != nil && err == nil {
				err = cerr
			}
		}()
	}

	src, err := r.OpenSource(ctx, j.Source, r.Log)
	if err != nil {
		return sum, fmt.Errorf("job: open source: %w", err)
	}
	defer src.Close()

	commitSize := j.Runtime.CommitSize
	if kind == bulk.KindUpdateWhere {
		commitSize = 0
	}

	rows := make(chan *record.Row, rowBuffer)
	eg, ctx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		defer close(rows)
		return src.Stream(ctx, l.Columns, rows)
	})

	eg.Go(func() error {
		chunk := make([]*record.Row, 0, max(commitSize, 1))

		flush := func() error {
			if len(chunk) == 0 {
				return nil
			}
			res, err := op.Commit(ctx, eng, chunk)
			if err != nil {
				return fmt.Errorf("job: commit %d (records %d-%d): %w",
					sum.Commits+1, chunk[0].Line, chunk[len(chunk)-1].Line, err)
			}
			sum.Commits++
			sum.Rows += res.Rows
			sum.Identities += res.Identities
			r.Log.Debug().
				Int("commit", sum.Commits).
				Int("records", len(chunk)).
				Int64("rows", res.Rows).
				Int("identities", res.Identities).
				Msg("commit applied")

			if ids != nil {
				if err := ids.write(chunk); err != nil {
					return err
				}
			}
			for _, row := range chunk {
				row.Free()
			}
			chunk = chunk[:0]
			return nil
		}

		for row := range rows {
			if err := coerce(row, l); err != nil {
				return err
			}
			sum.Records++
			chunk = append(chunk, row)
			if commitSize > 0 && len(chunk) >= commitSize {
				if err := flush(); err != nil {
					return err
				}
			}
		}
		if kind == bulk.KindUpdateWhere && len(chunk) != 1 {
			return fmt.Errorf("job: update_where takes exactly one record, the source produced %d", len(chunk))
		}
		return flush()
	})

	if err := eg.Wait(); err != nil {
		return sum, err
	}

	r.Log.Info().
		Str("job", j.Name).
		Str("kind", kind.String()).
		Int("records", sum.Records).
		Int("commits", sum.Commits).
		Int64("rows", sum.Rows).
		Int("identities", sum.Identities).
		Msg("job applied")
	return sum, nil
}

// Plan writes the statements the first commit of the job would run. Only the
// rows of that commit are read from the source.
func (r *Runner) Plan(ctx context.Context, j config.Job, w io.Writer) error {
	op, l, eng, err := r.prepare(ctx, j)
	if err != nil {
		return err
	}
	defer eng.Close()

	var chunk []*record.Row
	if op.Spec().Kind != bulk.KindDeleteWhere {
		limit := j.Runtime.CommitSize
		if op.Spec().Kind == bulk.KindUpdateWhere {
			limit = 0
		}
		chunk, err = r.readChunk(ctx, j.Source, l, limit)
		if err != nil {
			return err
		}
		if len(chunk) == 0 {
			_, err = fmt.Fprintln(w, "-- no records: nothing to apply")
			return err
		}
	}

	p, err := op.Plan(ctx, eng, chunk)
	if err != nil {
		return err
	}
	_, err = io.WriteString(w, p.String())
	return err
}

// readChunk collects up to limit coerced rows (all when limit is 0) and then
// stops the source.
func (r *Runner) readChunk(ctx context.Context, cfg config.Source, l Layout, limit int) ([]*record.Row, error) {
	src, err := r.OpenSource(ctx, cfg, r.Log)
	if err != nil {
		return nil, fmt.Errorf("job: open source: %w", err)
	}
	defer src.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	rows := make(chan *record.Row, rowBuffer)
	done := make(chan error, 1)
	go func() {
		defer close(rows)
		done <- src.Stream(ctx, l.Columns, rows)
	}()

	var chunk []*record.Row
	var cerr error
	stopped := false
	for row := range rows {
		if stopped {
			row.Drop()
			continue
		}
		if cerr = coerce(row, l); cerr != nil {
			stopped = true
			cancel()
			continue
		}
		chunk = append(chunk, row)
		if limit > 0 && len(chunk) >= limit {
			stopped = true
			cancel()
		}
	}
	if cerr != nil {
		return nil, cerr
	}
	if err := <-done; err != nil && !(stopped && errors.Is(err, context.Canceled)) {
		return nil, err
	}
	return chunk, nil
}
