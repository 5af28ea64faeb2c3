package record

import "testing"

func TestGet_ReturnsZeroedRowOfRequestedWidth(t *testing.T) {
	r := Get(3)
	r.V[0], r.V[1], r.V[2] = "a", 1, true
	r.Line = 9
	r.Free()

	// The pool may or may not hand r back; either way the row must be clean.
	got := Get(2)
	if len(got.V) != 2 || got.V[0] != nil || got.V[1] != nil || got.Line != 0 {
		t.Fatalf("Get(2) returned a dirty row: %+v", got)
	}

	wide := Get(5)
	if len(wide.V) != 5 {
		t.Fatalf("Get(5) len=%d", len(wide.V))
	}
}

func TestDrop_ReleasesValues(t *testing.T) {
	r := New(4, "x", "y")
	r.Drop()
	if r.V != nil || r.Line != 0 {
		t.Fatalf("Drop left state behind: %+v", r)
	}
}

func TestGrow_KeepsValues(t *testing.T) {
	r := New(1, "a", "b")
	r.Grow(4)
	if len(r.V) != 4 || r.V[0] != "a" || r.V[1] != "b" || r.V[3] != nil {
		t.Fatalf("Grow lost values: %+v", r.V)
	}
	r.Grow(2)
	if len(r.V) != 4 {
		t.Fatalf("Grow must never shrink, len=%d", len(r.V))
	}
}
