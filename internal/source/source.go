// Package source streams input records for a job. Backends register a
// Factory by kind; "file" (CSV/JSON) lives here, query-backed sources live
// in subpackages and register from init.
package source

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"sqlbulk/internal/config"
	"sqlbulk/internal/record"
)

// Source produces rows aligned to a column list.
type Source interface {
	// Stream sends one row per input record to out and returns when the input
	// is exhausted or ctx is done. It never closes out.
	Stream(ctx context.Context, columns []string, out chan<- *record.Row) error
	Close() error
}

// Factory opens a Source.
type Factory func(ctx context.Context, cfg config.Source, log zerolog.Logger) (Source, error)

var (
	mu        sync.RWMutex
	factories = map[string]Factory{}
)

// Register registers a source kind.
//
// Panics:
//   - If kind is empty, f is nil or kind is already registered.
func Register(kind string, f Factory) {
	mu.Lock()
	defer mu.Unlock()

	if kind == "" {
		panic("source: Register called with empty kind")
	}
	if f == nil {
		panic("source: Register called with nil factory")
	}
	if _, exists := factories[kind]; exists {
		panic(fmt.Sprintf("source: factory already registered for kind=%q", kind))
	}
	factories[kind] = f
}

// Open constructs the Source registered for cfg.Kind.
func Open(ctx context.Context, cfg config.Source, log zerolog.Logger) (Source, error) {
	if cfg.Kind == "" {
		return nil, fmt.Errorf("source: missing kind")
	}

	mu.RLock()
	f := factories[cfg.Kind]
	mu.RUnlock()

	if f == nil {
		return nil, fmt.Errorf("source: unsupported kind=%s (registered: %v)", cfg.Kind, Kinds())
	}
	return f(ctx, cfg, log)
}

// Kinds lists the registered source kinds in sorted order.
func Kinds() []string {
	mu.RLock()
	defer mu.RUnlock()
	out := make([]string, 0, len(factories))
	for k := range factories {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// ColumnIndex maps each wanted column to its position in fields, matching
// exactly first and case-insensitively second. Every column must be present.
func ColumnIndex(fields, columns []string) ([]int, error) {
	exact := make(map[string]int, len(fields))
	folded := make(map[string]int, len(fields))
	for i, f := range fields {
		if _, dup := exact[f]; !dup {
			exact[f] = i
		}
		if _, dup := folded[strings.ToLower(f)]; !dup {
			folded[strings.ToLower(f)] = i
		}
	}

	ix := make([]int, len(columns))
	var missing []string
	for t, c := range columns {
		if i, ok := exact[c]; ok {
			ix[t] = i
		} else if i, ok := folded[strings.ToLower(c)]; ok {
			ix[t] = i
		} else {
			missing = append(missing, c)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("source: query result has no column(s) %s (have %s)",
			strings.Join(missing, ", "), strings.Join(fields, ", "))
	}
	return ix, nil
}

// Send delivers row unless ctx is done first, in which case the row is dropped.
func Send(ctx context.Context, out chan<- *record.Row, row *record.Row) error {
	select {
	case out <- row:
		return nil
	case <-ctx.Done():
		row.Drop()
		return ctx.Err()
	}
}
