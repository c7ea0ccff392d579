package answercache

import (
	"bytes"
	"testing"
)

func TestIdempotentLookup(t *testing.T) {
	c := NewCache(4)
	q := Query{Type: 16, Name: "abc.example.com"}
	c.Save(42, q, []byte("hello"))

	got, ok := c.Lookup(q)
	if !ok || !bytes.Equal(got, []byte("hello")) {
		t.Fatalf("expected hit, got ok=%v got=%v", ok, got)
	}

	_, ok = c.Lookup(q)
	if ok {
		t.Fatal("second lookup of the same query must miss")
	}
}

func TestWriteSlotUsesNextAfterLastFilled(t *testing.T) {
	// Regression for the source bug where the write slot was computed
	// from an uninitialized `fill` variable; it must always be
	// (lastFilled+1) mod N.
	c := NewCache(2)
	c.Save(1, Query{Type: 1, Name: "a"}, []byte("A"))
	c.Save(2, Query{Type: 1, Name: "b"}, []byte("B"))
	c.Save(3, Query{Type: 1, Name: "c"}, []byte("C"))

	if _, ok := c.Lookup(Query{Type: 1, Name: "a"}); ok {
		t.Fatal("oldest entry should have been overwritten")
	}
	got, ok := c.Lookup(Query{Type: 1, Name: "c"})
	if !ok || !bytes.Equal(got, []byte("C")) {
		t.Fatalf("expected most recent entry to hit, got ok=%v got=%v", ok, got)
	}
}

func TestMissOnEmptyCache(t *testing.T) {
	c := NewCache(4)
	if _, ok := c.Lookup(Query{Type: 1, Name: "x"}); ok {
		t.Fatal("empty cache must miss")
	}
}
