package mssql

import (
	"context"
	"database/sql"
	"fmt"

	mssql "github.com/microsoft/go-mssqldb"

	"sqlbulk/internal/bulk"
)

// Preparer prepares statements on the connection that owns a commit.
type Preparer interface {
	PrepareContext(ctx context.Context, query string) (*sql.Stmt, error)
}

// CopyRequest is one bulk transfer into Table.
type CopyRequest struct {
	Table   string
	Columns []string
	Rows    [][]any
	Options bulk.Options
}

// Loader streams rows into a table. Implementations must use p so the rows
// land on the commit's session.
type Loader interface {
	Load(ctx context.Context, p Preparer, req CopyRequest) (int64, error)
}

// CopyLoader implements Loader with the TDS bulk-copy protocol.
type CopyLoader struct {
	// Defaults applies to every copy; per-operation options are merged in.
	Defaults mssql.BulkOptions
}

func (l CopyLoader) options(o bulk.Options) mssql.BulkOptions {
	opts := l.Defaults
	if o.BatchSize > 0 {
		opts.RowsPerBatch = o.BatchSize
	}
	opts.CheckConstraints = opts.CheckConstraints || o.CheckConstraints
	opts.FireTriggers = opts.FireTriggers || o.FireTriggers
	opts.KeepNulls = opts.KeepNulls || o.KeepNulls
	opts.Tablock = opts.Tablock || o.TableLock
	return opts
}

// Load sends every row, then flushes the copy with an argument-less Exec.
func (l CopyLoader) Load(ctx context.Context, p Preparer, req CopyRequest) (int64, error) {
	if len(req.Rows) == 0 {
		return 0, nil
	}
	stmt, err := p.PrepareContext(ctx, mssql.CopyIn(req.Table, l.options(req.Options), req.Columns...))
	if err != nil {
		return 0, fmt.Errorf("mssql: prepare bulk copy into %s: %w", req.Table, err)
	}
	defer stmt.Close()

	for i, row := range req.Rows {
		if _, err := stmt.ExecContext(ctx, row...); err != nil {
			return 0, fmt.Errorf("mssql: bulk copy row %d into %s: %w", i, req.Table, err)
		}
	}

	res, err := stmt.ExecContext(ctx)
	if err != nil {
		return 0, fmt.Errorf("mssql: flush bulk copy into %s: %w", req.Table, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return int64(len(req.Rows)), nil
	}
	return n, nil
}

var _ Loader = CopyLoader{}
