package mssql

import (
	"context"
	"fmt"

	"sqlbulk/internal/bulk"
)

func selectInsertIdentities(output, identity string) string {
	id := mssqlIdent(identity)
	return "SELECT " + id + " FROM " + output + " ORDER BY " + id + ";"
}

func selectCorrelatedIdentities(output, identity string) string {
	rowID := mssqlIdent(bulk.InternalRowID)
	return "SELECT " + rowID + ", " + mssqlIdent(identity) + " FROM " + output + " WHERE " + rowID + " IS NOT NULL;"
}

// loadInsertIdentities reads identities produced by an ordered INSERT ...
// SELECT and assigns them to records in order: the i-th smallest identity
// belongs to the i-th record.
func loadInsertIdentities(ctx context.Context, q queryer, output, identity string, n int, set func(int, any) error) (int, error) {
	if set == nil {
		return 0, &bulk.NoSetterError{Column: identity}
	}
	rows, err := q.QueryContext(ctx, selectInsertIdentities(output, identity))
	if err != nil {
		return 0, fmt.Errorf("mssql: read inserted identities: %w", err)
	}
	defer rows.Close()

	i := 0
	for rows.Next() {
		var v any
		if err := rows.Scan(&v); err != nil {
			return i, fmt.Errorf("mssql: scan inserted identity: %w", err)
		}
		if i >= n {
			return i, fmt.Errorf("mssql: server returned more identities than the %d records sent", n)
		}
		if err := set(i, v); err != nil {
			return i, err
		}
		i++
	}
	if err := rows.Err(); err != nil {
		return i, fmt.Errorf("mssql: read inserted identities: %w", err)
	}
	if i != n {
		return i, fmt.Errorf("mssql: server returned %d identities for %d records", i, n)
	}
	return i, nil
}

// loadCorrelatedIdentities reads (Internal Row Id, identity) pairs and writes
// each identity to the record the row id points at. Rows without a row id
// were deleted because they were missing from the source and are skipped.
func loadCorrelatedIdentities(ctx context.Context, q queryer, output, identity string, n int, set func(int, any) error) (int, error) {
	if set == nil {
		return 0, &bulk.NoSetterError{Column: identity}
	}
	rows, err := q.QueryContext(ctx, selectCorrelatedIdentities(output, identity))
	if err != nil {
		return 0, fmt.Errorf("mssql: read merged identities: %w", err)
	}
	defer rows.Close()

	count := 0
	for rows.Next() {
		var (
			idx int64
			v   any
		)
		if err := rows.Scan(&idx, &v); err != nil {
			return count, fmt.Errorf("mssql: scan merged identity: %w", err)
		}
		if idx < 0 || idx >= int64(n) {
			return count, fmt.Errorf("mssql: output row id %d is outside the batch of %d", idx, n)
		}
		if err := set(int(idx), v); err != nil {
			return count, err
		}
		count++
	}
	if err := rows.Err(); err != nil {
		return count, fmt.Errorf("mssql: read merged identities: %w", err)
	}
	return count, nil
}
