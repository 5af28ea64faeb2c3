package mssql

import (
	"context"
	"database/sql"
	"strings"

	"sqlbulk/internal/bulk"
)

// dbConn is a small interface over *sql.DB used for testability.
type dbConn interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	BeginTx(ctx context.Context, opts *sql.TxOptions) (txConn, error)
	Close() error
}

// txConn is a small interface over *sql.Tx used for testability.
//
// Every statement of one commit runs through a single txConn so the
// session-scoped temp tables stay visible to each other.
type txConn interface {
	queryer
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	PrepareContext(ctx context.Context, query string) (*sql.Stmt, error)
	Commit() error
	Rollback() error
}

// queryer is what metadata and result loading need.
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// sqlDB wraps *sql.DB to implement dbConn.
type sqlDB struct {
	db *sql.DB
}

// QueryContext executes a query statement and returns rows.
func (s *sqlDB) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, query, args...)
}

// BeginTx begins a transaction and returns a txConn wrapper.
func (s *sqlDB) BeginTx(ctx context.Context, opts *sql.TxOptions) (txConn, error) {
	tx, err := s.db.BeginTx(ctx, opts)
	if err != nil {
		return nil, err
	}
	return &sqlTx{tx: tx}, nil
}

// Close closes the underlying database handle.
func (s *sqlDB) Close() error { return s.db.Close() }

// sqlTx wraps *sql.Tx to implement txConn.
type sqlTx struct {
	tx *sql.Tx
}

func (s *sqlTx) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.tx.ExecContext(ctx, query, args...)
}

func (s *sqlTx) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.tx.QueryContext(ctx, query, args...)
}

func (s *sqlTx) PrepareContext(ctx context.Context, query string) (*sql.Stmt, error) {
	return s.tx.PrepareContext(ctx, query)
}

func (s *sqlTx) Commit() error { return s.tx.Commit() }

func (s *sqlTx) Rollback() error { return s.tx.Rollback() }

// compile-time sanity checks (no runtime cost).
var (
	_ dbConn = (*sqlDB)(nil)
	_ txConn = (*sqlTx)(nil)
)

// mssqlIdent quotes a single identifier with brackets, doubling any ']'.
func mssqlIdent(name string) string {
	return "[" + strings.ReplaceAll(name, "]", "]]") + "]"
}

// mssqlTableIdent renders [db].[schema].[table], dropping the database part
// when it is not set.
func mssqlTableIdent(t bulk.Table) string {
	schema := t.Schema
	if schema == "" {
		schema = bulk.DefaultSchema
	}
	s := mssqlIdent(schema) + "." + mssqlIdent(t.Name)
	if t.Database != "" {
		s = mssqlIdent(t.Database) + "." + s
	}
	return s
}

// catalogPrefix is "[db]." for database-qualified tables and "" otherwise.
func catalogPrefix(t bulk.Table) string {
	if t.Database == "" {
		return ""
	}
	return mssqlIdent(t.Database) + "."
}

// tempName builds a session temp table name unique to one commit.
func tempName(prefix, id string) string {
	return "#" + prefix + "_" + strings.ReplaceAll(id, "-", "")
}
