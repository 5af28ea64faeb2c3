// Package record holds the pooled positional row shared by sources, parsers
// and the job runner. A Row is the dynamic record type the runner hands to
// the bulk engine: V is aligned with the job's declared columns.
package record

import "sync"

// Row is a positional record.
//
// Ownership contract:
//   - Exactly one goroutine owns a Row at a time; sending it on a channel
//     transfers ownership.
//   - The final consumer calls Free once the engine has committed the row
//     and any echoed identity has been written out.
//   - Cancellation paths call Drop instead: a canceled row may still be read
//     downstream and must not be handed out again by the pool.
type Row struct {
	V    []any
	Line int // 1-based source record number, if known
}

var rowPool sync.Pool

// Get returns a pooled Row with len(V) == n and every slot nil.
func Get(n int) *Row {
	if v := rowPool.Get(); v != nil {
		r := v.(*Row)
		if cap(r.V) < n {
			r.V = make([]any, n)
		}
		r.V = r.V[:n]
		clear(r.V)
		r.Line = 0
		return r
	}
	return &Row{V: make([]any, n)}
}

// New wraps values in a Row without touching the pool.
func New(line int, values ...any) *Row {
	return &Row{V: values, Line: line}
}

// Free returns r to the pool. Only call it when nothing else can observe r.
func (r *Row) Free() {
	rowPool.Put(r)
}

// Drop discards r without re-pooling it.
func (r *Row) Drop() {
	r.V = nil
	r.Line = 0
}

// Grow extends V to n slots, keeping existing values.
func (r *Row) Grow(n int) {
	if len(r.V) >= n {
		return
	}
	if cap(r.V) >= n {
		old := len(r.V)
		r.V = r.V[:n]
		clear(r.V[old:])
		return
	}
	v := make([]any, n)
	copy(v, r.V)
	r.V = v
}
