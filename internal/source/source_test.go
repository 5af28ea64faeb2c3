package source

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sqlbulk/internal/config"
	"sqlbulk/internal/record"
)

func collect(t *testing.T, src Source, columns []string) []*record.Row {
	t.Helper()
	out := make(chan *record.Row, 64)
	require.NoError(t, src.Stream(context.Background(), columns, out))
	close(out)

	var rows []*record.Row
	for r := range out {
		rows = append(rows, r)
	}
	return rows
}

func TestOpen_DispatchesByKind(t *testing.T) {
	_, err := Open(context.Background(), config.Source{}, zerolog.Nop())
	require.Error(t, err)

	_, err = Open(context.Background(), config.Source{Kind: "kafka"}, zerolog.Nop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "file")

	assert.Panics(t, func() { Register("file", OpenFile) })
}

func TestFileSource_CSVAndJSON(t *testing.T) {
	dir := t.TempDir()
	csvPath := filepath.Join(dir, "books.csv")
	jsonPath := filepath.Join(dir, "books.json")
	require.NoError(t, os.WriteFile(csvPath, []byte("ISBN,Title\n1,Go\n\"2,bad\n"), 0o600))
	require.NoError(t, os.WriteFile(jsonPath, []byte(`[{"ISBN":"1","Title":"Go"},{"ISBN":"2"}]`), 0o600))

	src, err := Open(context.Background(), config.Source{Kind: "file", Path: csvPath}, zerolog.Nop())
	require.NoError(t, err)
	rows := collect(t, src, []string{"Title", "ISBN"})
	require.Len(t, rows, 1)
	assert.Equal(t, []any{"Go", "1"}, rows[0].V)
	assert.Equal(t, 1, src.(*File).Skipped)
	require.NoError(t, src.Close())

	src, err = Open(context.Background(), config.Source{Kind: "file", Path: jsonPath}, zerolog.Nop())
	require.NoError(t, err)
	rows = collect(t, src, []string{"ISBN", "Title"})
	require.Len(t, rows, 2)
	assert.Equal(t, []any{"2", nil}, rows[1].V)

	_, err = Open(context.Background(), config.Source{Kind: "file", Path: filepath.Join(dir, "missing.csv")}, zerolog.Nop())
	require.Error(t, err)
	_, err = Open(context.Background(), config.Source{Kind: "file", Path: csvPath, Format: "xml"}, zerolog.Nop())
	require.Error(t, err)
}

func TestColumnIndex(t *testing.T) {
	t.Parallel()

	ix, err := ColumnIndex([]string{"id", "Title", "isbn"}, []string{"ISBN", "Title", "id"})
	require.NoError(t, err)
	assert.Equal(t, []int{2, 1, 0}, ix)

	_, err = ColumnIndex([]string{"id"}, []string{"id", "Price", "Qty"})
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "Price, Qty"), err.Error())
}

func TestSend_DropsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	row := record.New(1, "x")
	err := Send(ctx, make(chan *record.Row), row)
	require.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, row.V)
}
