package tabs

import (
	"fmt"
	"testing"
)

func TestRing_AppendAndSnapshot(t *testing.T) {
	r := newRing(3)
	if !r.empty() {
		t.Fatal("expected new ring to be empty")
	}
	if got := r.snapshot(); len(got) != 0 {
		t.Fatalf("expected empty snapshot, got %v", got)
	}

	r.append("a")
	r.append("b")
	got := r.snapshot()
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("expected [a b], got %v", got)
	}
}

func TestRing_EvictsOldest(t *testing.T) {
	r := newRing(3)
	for i := 1; i <= 5; i++ {
		r.append(fmt.Sprintf("c%d", i))
	}
	got := r.snapshot()
	if len(got) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(got))
	}
	want := []string{"c3", "c4", "c5"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func TestRing_SnapshotDoesNotConsume(t *testing.T) {
	r := newRing(4)
	r.append("x")
	r.append("y")
	first := r.snapshot()
	second := r.snapshot()
	if len(first) != len(second) {
		t.Fatalf("expected identical snapshots, got %v and %v", first, second)
	}
	for i := range first {
		if first[i] != second[i] {
			t.Fatalf("expected identical snapshots, got %v and %v", first, second)
		}
	}
}
