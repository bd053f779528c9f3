package tablestore

import "testing"

func TestCompareClusterings_StaticRowSortsFirst(t *testing.T) {
	static := Clustering{Kind: KindStaticRow}
	row := Clustering{Kind: KindRow, Values: [][]byte{[]byte("a")}}
	if CompareClusterings(static, row) >= 0 {
		t.Fatalf("expected static row to sort before any clustered row")
	}
}

func TestCompareClusterings_InclusiveStartBracketsRow(t *testing.T) {
	start := Clustering{Kind: KindInclusiveStart, Values: [][]byte{[]byte("a")}}
	row := Clustering{Kind: KindRow, Values: [][]byte{[]byte("a")}}
	if CompareClusterings(start, row) >= 0 {
		t.Fatalf("inclusive start must sort before the row it brackets")
	}
}

func TestCompareClusterings_ExclusiveStartBracketsRow(t *testing.T) {
	start := Clustering{Kind: KindExclusiveStart, Values: [][]byte{[]byte("a")}}
	row := Clustering{Kind: KindRow, Values: [][]byte{[]byte("a")}}
	if CompareClusterings(start, row) <= 0 {
		t.Fatalf("exclusive start must sort after the row with an equal value (excluded)")
	}
}

func TestCompareClusterings_ValueOrderDominates(t *testing.T) {
	a := Clustering{Kind: KindRow, Values: [][]byte{[]byte("a")}}
	b := Clustering{Kind: KindRow, Values: [][]byte{[]byte("b")}}
	if CompareClusterings(a, b) >= 0 {
		t.Fatalf("expected a < b by value")
	}
}

func TestRangeDeletion_Covers(t *testing.T) {
	rd := RangeDeletion{
		Start: Clustering{Kind: KindInclusiveStart, Values: [][]byte{[]byte("b")}},
		End:   Clustering{Kind: KindInclusiveEnd, Values: [][]byte{[]byte("d")}},
	}
	cases := []struct {
		v    string
		want bool
	}{
		{"a", false},
		{"b", true},
		{"c", true},
		{"d", true},
		{"e", false},
	}
	for _, c := range cases {
		got := rd.Covers(Clustering{Kind: KindRow, Values: [][]byte{[]byte(c.v)}})
		if got != c.want {
			t.Errorf("Covers(%q) = %v, want %v", c.v, got, c.want)
		}
	}
}
