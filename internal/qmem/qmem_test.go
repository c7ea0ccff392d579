package qmem

import (
	"testing"
	"time"
)

func TestDedup(t *testing.T) {
	r := NewRing(16)
	q := Query{ID: 1, Type: 1, Name: "abc", RecvTime: time.Now()}
	ok, dup := r.Append(q)
	if !ok || dup {
		t.Fatalf("first append: ok=%v dup=%v", ok, dup)
	}
	if r.NumPending() != 1 {
		t.Fatalf("expected 1 pending, got %d", r.NumPending())
	}
	ok, dup = r.Append(q)
	if ok || !dup {
		t.Fatalf("duplicate append: ok=%v dup=%v", ok, dup)
	}
	if r.NumPending() != 1 {
		t.Fatalf("duplicate must not increment pending, got %d", r.NumPending())
	}
}

func TestBudgetRefusal(t *testing.T) {
	r := NewRing(4)
	for i := 0; i < 4; i++ {
		ok, dup := r.Append(Query{ID: uint16(i + 1), Name: "x"})
		if !ok || dup {
			t.Fatalf("append %d failed: ok=%v dup=%v", i, ok, dup)
		}
	}
	ok, dup := r.Append(Query{ID: 99, Name: "y"})
	if ok || dup {
		t.Fatalf("expected silent refusal, got ok=%v dup=%v", ok, dup)
	}
}

func TestAnsweredAdvancesAndFreesRoom(t *testing.T) {
	r := NewRing(2)
	r.Append(Query{ID: 1, Name: "a"})
	r.Append(Query{ID: 2, Name: "b"})
	r.Answered()
	if r.NumPending() != 1 {
		t.Fatalf("expected 1 pending after Answered, got %d", r.NumPending())
	}
	// Ring is full of entries (1 answered + 1 pending) but not full of
	// *pending* queries, so a new append should still be refused only by
	// the pending budget, not by ring capacity; ring capacity eviction
	// happens on the answered entry.
	ok, dup := r.Append(Query{ID: 3, Name: "c"})
	if !ok || dup {
		t.Fatalf("expected append to evict the answered entry: ok=%v dup=%v", ok, dup)
	}
}

func TestNextResponseDoesNotAdvance(t *testing.T) {
	r := NewRing(4)
	r.Append(Query{ID: 1, Name: "a"})
	q1, ok := r.NextResponse()
	if !ok || q1.ID != 1 {
		t.Fatalf("unexpected NextResponse result: %+v ok=%v", q1, ok)
	}
	q2, ok := r.NextResponse()
	if !ok || q2.ID != 1 {
		t.Fatalf("NextResponse should be idempotent: %+v ok=%v", q2, ok)
	}
}
