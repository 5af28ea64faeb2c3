// Package mssql implements the bulk engine for Microsoft SQL Server.
//
// A commit stages records into a session temp table with the TDS bulk-copy
// protocol, then applies them to the target with one set-based statement
// (MERGE, or INSERT ... SELECT for echoed inserts). Identities generated by
// the server are captured with an OUTPUT clause and written back onto the
// records.
//
// Connection pinning:
//   - Every statement of a commit runs in one transaction, which pins one
//     pooled connection. Temp tables are session scoped, so this is what
//     keeps the staging table visible to the merge.
//
// Cleanup:
//   - Temp tables are dropped on every exit path. On failure the drops run
//     on a context detached from the caller's cancellation and bounded by
//     a cleanup timeout, then the transaction is rolled back. Rolling back
//     also discards temp tables created inside the transaction, so only a
//     failed drop followed by a failed rollback is reported as a leak.
package mssql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/microsoft/go-mssqldb"
	"github.com/rs/zerolog"

	"sqlbulk/internal/bulk"
	"sqlbulk/internal/metrics"
	"sqlbulk/internal/storage"
)

func init() {
	storage.Register("mssql", Open)
	storage.Register("sqlserver", Open)
}

const defaultCleanupTimeout = 30 * time.Second

// Engine implements bulk.Engine for SQL Server.
type Engine struct {
	db     dbConn
	loader Loader
	log    zerolog.Logger

	// newID seeds temp table names; tests pin it.
	newID func() string

	cleanupTimeout time.Duration
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(l zerolog.Logger) Option { return func(e *Engine) { e.log = l } }

// WithLoader replaces the bulk-copy loader.
func WithLoader(l Loader) Option { return func(e *Engine) { e.loader = l } }

// WithCleanupTimeout bounds the temp table drops after a failed commit.
func WithCleanupTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.cleanupTimeout = d
		}
	}
}

// Open connects with the "sqlserver" driver and validates connectivity via
// PingContext. It is registered with internal/storage as "mssql" and
// "sqlserver".
func Open(ctx context.Context, cfg storage.Config) (storage.Engine, error) {
	raw, err := sql.Open("sqlserver", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("mssql: open: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		raw.SetMaxOpenConns(cfg.MaxOpenConns)
		raw.SetMaxIdleConns(cfg.MaxOpenConns)
	}
	if err := raw.PingContext(ctx); err != nil {
		_ = raw.Close()
		return nil, fmt.Errorf("mssql: ping: %w", err)
	}
	return newEngine(&sqlDB{db: raw}, WithLogger(cfg.Logger)), nil
}

// New wraps an existing pool opened with the "sqlserver" driver.
func New(db *sql.DB, opts ...Option) *Engine {
	return newEngine(&sqlDB{db: db}, opts...)
}

func newEngine(db dbConn, opts ...Option) *Engine {
	e := &Engine{
		db:             db,
		loader:         CopyLoader{},
		log:            zerolog.Nop(),
		newID:          uuid.NewString,
		cleanupTimeout: defaultCleanupTimeout,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Close releases the connection pool.
func (e *Engine) Close() error {
	if e == nil || e.db == nil {
		return nil
	}
	return e.db.Close()
}

func checkBatch(b *bulk.Batch) error {
	if b == nil {
		return &bulk.ConfigurationError{Op: "apply", Msg: "nil batch"}
	}
	if err := b.Spec.Validate(); err != nil {
		return err
	}
	switch b.Spec.Kind {
	case bulk.KindUpdateWhere:
		if b.Len() != 1 {
			return &bulk.ConfigurationError{
				Op:  b.Spec.Kind.String(),
				Msg: fmt.Sprintf("exactly one record supplies the SET values, got %d", b.Len()),
			}
		}
	}
	if b.Spec.Identity.Echo() && b.SetIdentity == nil {
		return &bulk.NoSetterError{Column: b.Spec.Identity.Column}
	}
	return nil
}

// Apply commits one batch. Identities are written onto the records only after
// the transaction commits.
func (e *Engine) Apply(ctx context.Context, b *bulk.Batch) (res bulk.Result, err error) {
	if err := checkBatch(b); err != nil {
		return res, err
	}
	spec := b.Spec
	if b.Len() == 0 && spec.Kind != bulk.KindDeleteWhere {
		return res, nil
	}
	if spec.Options.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, spec.Options.Timeout)
		defer cancel()
	}

	start := time.Now()
	log := e.log.With().
		Str("kind", spec.Kind.String()).
		Str("table", spec.Table.String()).
		Int("records", b.Len()).
		Logger()
	defer func() {
		status := "ok"
		ev := log.Debug()
		if err != nil {
			status = "error"
			ev = log.Error().Err(err)
		}
		metrics.RecordOperation(spec.Kind.String(), status, res.Rows, res.Identities, time.Since(start))
		ev.Int64("affected", res.Rows).
			Int("identities", res.Identities).
			Dur("elapsed", time.Since(start)).
			Msg("bulk apply")
	}()

	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return res, fmt.Errorf("mssql: begin tx: %w", err)
	}
	sess := &session{tx: tx, log: log, timeout: e.cleanupTimeout}
	committed := false
	defer func() {
		if !committed {
			err = sess.abort(ctx, err)
		}
	}()

	meta, err := introspect(ctx, tx, spec.Table)
	if err != nil {
		return res, err
	}
	warnUndeclaredIdentity(log, spec, meta)

	sc, err := buildScript(spec, meta, b.Rows, e.newID())
	if err != nil {
		return res, err
	}

	var echoed []identityValue
	collect := func(row int, v any) error {
		echoed = append(echoed, identityValue{row: row, v: v})
		return nil
	}

	for _, st := range sc.steps {
		stepStart := time.Now()
		var n int64
		switch st.kind {
		case stepLoad:
			var loaded int
			if sc.echo == echoOrdered {
				loaded, err = loadInsertIdentities(ctx, tx, sc.output, sc.identity, b.Len(), collect)
			} else {
				loaded, err = loadCorrelatedIdentities(ctx, tx, sc.output, sc.identity, b.Len(), collect)
			}
			if err != nil {
				return res, err
			}
			n = int64(loaded)
		default:
			n, err = sess.run(ctx, e.loader, st)
			if err != nil {
				return res, classifyError(err, st.destCols, meta)
			}
			if st.counts {
				res.Rows = n
			}
		}
		log.Debug().
			Str("step", st.name).
			Int64("rows", n).
			Dur("elapsed", time.Since(stepStart)).
			Msg("bulk step done")
	}
	if sc.echo == echoSingle {
		echoed = append(echoed, identityValue{row: 0, v: *sc.scopeID})
	}

	if err = tx.Commit(); err != nil {
		return res, fmt.Errorf("mssql: commit: %w", err)
	}
	committed = true

	for _, iv := range echoed {
		if err = b.SetIdentity(iv.row, iv.v); err != nil {
			return res, fmt.Errorf("mssql: write identity of record %d: %w", iv.row, err)
		}
		res.Identities++
	}
	return res, nil
}

type identityValue struct {
	row int
	v   any
}

// Plan renders the statements Apply would run. It reads the target's
// metadata but changes nothing.
func (e *Engine) Plan(ctx context.Context, b *bulk.Batch) (bulk.Plan, error) {
	if err := checkBatch(b); err != nil {
		return bulk.Plan{}, err
	}
	meta, err := introspect(ctx, e.db, b.Spec.Table)
	if err != nil {
		return bulk.Plan{}, err
	}
	sc, err := buildScript(b.Spec, meta, b.Rows, e.newID())
	if err != nil {
		return bulk.Plan{}, err
	}
	var p bulk.Plan
	for _, st := range sc.steps {
		p.Steps = append(p.Steps, bulk.Step{Name: st.name, SQL: st.render()})
	}
	return p, nil
}

// warnUndeclaredIdentity flags a target identity column that is written
// without being declared; the server will reject the write.
func warnUndeclaredIdentity(log zerolog.Logger, spec bulk.Spec, meta *tableMeta) {
	id, ok := meta.identityColumn()
	if !ok || id == spec.Identity.Column {
		return
	}
	for _, c := range spec.Columns {
		if c.Name == id {
			log.Warn().Str("column", id).Msg("target identity column is written but not declared as the operation identity")
			return
		}
	}
}

// session tracks the temp tables a commit has created on its connection.
type session struct {
	tx      txConn
	log     zerolog.Logger
	timeout time.Duration
	temps   []string
}

func (s *session) run(ctx context.Context, l Loader, st step) (int64, error) {
	var n int64
	switch st.kind {
	case stepCopy:
		copied, err := l.Load(ctx, s.tx, st.copy)
		if err != nil {
			return 0, err
		}
		n = copied
	default:
		r, err := s.tx.ExecContext(ctx, st.sql, st.args...)
		if err != nil {
			return 0, fmt.Errorf("mssql: %s: %w", st.name, err)
		}
		if st.counts {
			if affected, err := r.RowsAffected(); err == nil {
				n = affected
			}
		}
	}
	if st.creates != "" {
		s.temps = append(s.temps, st.creates)
	}
	if st.drops != "" {
		s.forget(st.drops)
	}
	return n, nil
}

func (s *session) forget(name string) {
	out := s.temps[:0]
	for _, t := range s.temps {
		if t != name {
			out = append(out, t)
		}
	}
	s.temps = out
}

func dropIfExists(name string) string {
	return "IF OBJECT_ID('tempdb.." + name + "') IS NOT NULL DROP TABLE " + name + ";"
}

// abort drops outstanding temp tables, rolls back and returns cause, joined
// with a StagingLeakError when the tables may have outlived the rollback.
func (s *session) abort(ctx context.Context, cause error) error {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	defer cancel()

	var dropErrs []error
	for _, t := range s.temps {
		if _, err := s.tx.ExecContext(cctx, dropIfExists(t)); err != nil && !errors.Is(err, sql.ErrTxDone) {
			dropErrs = append(dropErrs, err)
		}
	}

	rbErr := s.tx.Rollback()
	if rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
		if len(dropErrs) > 0 {
			metrics.RecordStagingLeak(len(s.temps))
			leak := &bulk.StagingLeakError{
				Tables: append([]string(nil), s.temps...),
				Err:    errors.Join(append(dropErrs, rbErr)...),
			}
			s.log.Error().Err(leak).Strs("tables", leak.Tables).Msg("staging tables leaked")
			return errors.Join(cause, leak)
		}
		s.log.Warn().Err(rbErr).Msg("rollback failed")
	}
	return cause
}
