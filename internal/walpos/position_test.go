package walpos

import "testing"

func TestPosition_MonotonicAndComparable(t *testing.T) {
	a := New()
	b := New()
	if !a.Before(b) && a.Compare(b) != 0 {
		t.Fatalf("expected a <= b for sequentially minted positions")
	}
	if Zero.Compare(a) >= 0 {
		t.Fatalf("expected Zero to sort before any minted position")
	}
}

func TestMax(t *testing.T) {
	a := New()
	b := New()
	m := Max(a, b)
	if m.Compare(a) < 0 || m.Compare(b) < 0 {
		t.Fatalf("Max must be >= both inputs")
	}
}
