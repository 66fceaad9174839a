// Package intern provides session-scoped string interning.
//
// Correlation state compares interned handles instead of strings. A handle is
// only meaningful within the Table that produced it; tables are scoped to one
// trace-processing session and discarded with it.
package intern

// ID is a handle to an interned string.
type ID uint32

// Table is an append-only string table. Not safe for concurrent use.
type Table struct {
	ids  map[string]ID
	strs []string
}

// NewTable returns an empty table.
func NewTable() *Table {
	return &Table{ids: make(map[string]ID)}
}

// Intern returns the stable handle for s, allocating one on first sight.
// Identical strings always yield the same handle for the table's lifetime.
func (t *Table) Intern(s string) ID {
	if id, ok := t.ids[s]; ok {
		return id
	}
	id := ID(len(t.strs))
	t.ids[s] = id
	t.strs = append(t.strs, s)
	return id
}

// Lookup returns the string behind a handle previously returned by Intern.
// Handles from other tables produce undefined results.
func (t *Table) Lookup(id ID) string {
	return t.strs[id]
}

// Len reports the number of distinct strings interned so far.
func (t *Table) Len() int {
	return len(t.strs)
}
