package intern

import "testing"

func TestInternReturnsStableHandles(t *testing.T) {
	tbl := NewTable()

	a := tbl.Intern("ReadFile")
	b := tbl.Intern("WriteFile")
	if a == b {
		t.Fatalf("distinct strings got the same handle %d", a)
	}
	if got := tbl.Intern("ReadFile"); got != a {
		t.Errorf("re-interning returned %d, want %d", got, a)
	}
	if tbl.Len() != 2 {
		t.Errorf("Len() = %d, want 2", tbl.Len())
	}
}

func TestLookupRoundTrip(t *testing.T) {
	tbl := NewTable()
	for _, s := range []string{"", "disk", "net", "disk"} {
		id := tbl.Intern(s)
		if got := tbl.Lookup(id); got != s {
			t.Errorf("Lookup(Intern(%q)) = %q", s, got)
		}
	}
	if tbl.Len() != 3 {
		t.Errorf("Len() = %d, want 3 (empty string and duplicates counted once)", tbl.Len())
	}
}
