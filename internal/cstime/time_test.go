package cstime

import "testing"

func TestParseStringRoundTrip(t *testing.T) {
	cases := []string{
		"10", "-10", "45 ms", "0.045 s", "4.5ms", "1032ms", "10423425 ns",
	}
	for _, s := range cases {
		first, err := ParseString(s)
		if err != nil {
			t.Fatalf("ParseString(%q): %v", s, err)
		}
		// Re-derive a canonical "<seconds>s" string and parse it again;
		// the two parses must agree exactly since both ultimately reduce
		// to the same integer count at the current Base.
		again, err := ParseString(first.String()[:len(first.String())-2] + "s")
		if err != nil {
			t.Fatalf("ParseString(%q) round-trip: %v", first.String(), err)
		}
		if again != first {
			t.Errorf("%q: round-trip mismatch: %d vs %d", s, first, again)
		}
	}
}

func TestParseStringUnits(t *testing.T) {
	want := map[string]Time{
		"10":             FromSeconds(10),
		"-10":            FromSeconds(-10),
		"45 ms":          FromSeconds(0.045),
		"0.045 s":        FromSeconds(0.045),
		"4.5ms":          FromSeconds(0.0045),
		"1032ms":         FromSeconds(1.032),
		"10423425 ns":    FromSeconds(0.010423425),
	}
	for s, w := range want {
		got, err := ParseString(s)
		if err != nil {
			t.Fatalf("ParseString(%q): %v", s, err)
		}
		if got != w {
			t.Errorf("ParseString(%q) = %d, want %d", s, got, w)
		}
	}
}

func TestOrdering(t *testing.T) {
	if !FromSeconds(1).Before(FromSeconds(2)) {
		t.Fatal("expected 1s before 2s")
	}
	if !FromSeconds(2).After(FromSeconds(1)) {
		t.Fatal("expected 2s after 1s")
	}
	if FromSeconds(1).Add(FromSeconds(1)) != FromSeconds(2) {
		t.Fatal("Add mismatch")
	}
}
