// Package metrics is the backend-agnostic metrics facade used by the bulk
// engine. Backends (see internal/metrics/datadog) plug in via SetBackend; the
// default backend drops everything.
package metrics

import (
	"sync"
	"time"
)

// Metric names emitted by the engine.
const (
	OperationsTotal   = "sqlbulk_operations_total"
	RowsTotal         = "sqlbulk_rows_total"
	IdentitiesTotal   = "sqlbulk_identities_total"
	StagingLeaksTotal = "sqlbulk_staging_leaks_total"
	OperationDuration = "sqlbulk_operation_duration_seconds"
)

// Labels are metric dimensions (kind, status, ...).
type Labels map[string]string

// Backend receives metric events. Implementations must be safe for
// concurrent use.
type Backend interface {
	IncCounter(name string, delta float64, labels Labels)
	ObserveHistogram(name string, value float64, labels Labels)
}

// Flusher is implemented by backends that buffer.
type Flusher interface {
	Flush() error
}

type nopBackend struct{}

func (nopBackend) IncCounter(string, float64, Labels)       {}
func (nopBackend) ObserveHistogram(string, float64, Labels) {}

var (
	mu      sync.RWMutex
	backend Backend = nopBackend{}
)

// SetBackend replaces the process-wide backend. nil restores the nop backend.
func SetBackend(b Backend) {
	mu.Lock()
	defer mu.Unlock()
	if b == nil {
		b = nopBackend{}
	}
	backend = b
}

func current() Backend {
	mu.RLock()
	defer mu.RUnlock()
	return backend
}

// IncCounter adds delta to a counter.
func IncCounter(name string, delta float64, labels Labels) {
	current().IncCounter(name, delta, labels)
}

// ObserveHistogram records one sample.
func ObserveHistogram(name string, value float64, labels Labels) {
	current().ObserveHistogram(name, value, labels)
}

// Flush flushes the backend if it buffers.
func Flush() error {
	if f, ok := current().(Flusher); ok {
		return f.Flush()
	}
	return nil
}

// RecordOperation emits the standard set of metrics for one commit.
// status is "ok" or "error".
func RecordOperation(kind, status string, rows int64, identities int, d time.Duration) {
	b := current()
	l := Labels{"kind": kind, "status": status}
	b.IncCounter(OperationsTotal, 1, l)
	b.ObserveHistogram(OperationDuration, d.Seconds(), l)
	if rows > 0 {
		b.IncCounter(RowsTotal, float64(rows), Labels{"kind": kind})
	}
	if identities > 0 {
		b.IncCounter(IdentitiesTotal, float64(identities), Labels{"kind": kind})
	}
}

// RecordStagingLeak counts temp tables that could not be dropped.
func RecordStagingLeak(tables int) {
	if tables > 0 {
		current().IncCounter(StagingLeaksTotal, float64(tables), nil)
	}
}
