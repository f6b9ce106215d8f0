package pf

import (
	"net/netip"
	"slices"
	"sync"

	"github.com/gaissmai/bart"
)

// Table is a named set of address blocks used for <table> matching,
// overload tables and round-robin pools.
type Table struct {
	Name    string
	Persist bool

	mu       sync.RWMutex
	trie     bart.Table[struct{}]
	prefixes []netip.Prefix // sorted, for indexed pool walks

	matches   uint64
	noMatches uint64
}

// NewTable returns an empty table.
func NewTable(name string) *Table {
	return &Table{Name: name}
}

// Add inserts blocks and returns how many were new.
func (t *Table) Add(pfxs ...netip.Prefix) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	added := 0
	for _, p := range pfxs {
		if !p.IsValid() {
			continue
		}
		p = p.Masked()
		i, found := slices.BinarySearchFunc(t.prefixes, p, comparePrefix)
		if found {
			continue
		}
		t.prefixes = slices.Insert(t.prefixes, i, p)
		t.trie.Insert(p, struct{}{})
		added++
	}
	return added
}

// Delete removes blocks and returns how many were present.
func (t *Table) Delete(pfxs ...netip.Prefix) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for _, p := range pfxs {
		p = p.Masked()
		i, found := slices.BinarySearchFunc(t.prefixes, p, comparePrefix)
		if !found {
			continue
		}
		t.prefixes = slices.Delete(t.prefixes, i, i+1)
		t.trie.Delete(p)
		removed++
	}
	return removed
}

// Replace sets the table contents to exactly pfxs.
func (t *Table) Replace(pfxs []netip.Prefix) {
	t.mu.Lock()
	old := slices.Clone(t.prefixes)
	t.mu.Unlock()
	t.Delete(old...)
	t.Add(pfxs...)
}

// Contains reports whether any block covers addr.
func (t *Table) Contains(addr netip.Addr) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	ok := t.trie.Contains(addr)
	if ok {
		t.matches++
	} else {
		t.noMatches++
	}
	return ok
}

// Prefixes returns a copy of the table's blocks in order.
func (t *Table) Prefixes() []netip.Prefix {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return slices.Clone(t.prefixes)
}

// Len returns the number of blocks.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.prefixes)
}

// Stats returns lookup hit and miss counts.
func (t *Table) Stats() (matches, noMatches uint64) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.matches, t.noMatches
}

// poolGet picks the next round-robin address from the table. *idx is the
// block the cursor is in; a negative *idx starts from the first block and
// ignores the counter. On success *counter holds the chosen address.
func (t *Table) poolGet(idx *int, counter *netip.Addr, v4 bool) (netip.Prefix, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	useCounter := *idx >= 0 && counter.IsValid()
	i := *idx
	if i < 0 {
		i = 0
	}
	for ; i < len(t.prefixes); i++ {
		p := t.prefixes[i]
		if p.Addr().Is4() != v4 {
			continue
		}
		if useCounter {
			if p.Contains(*counter) {
				*idx = i
				return p, true
			}
			useCounter = false
			continue
		}
		*counter = p.Addr()
		*idx = i
		return p, true
	}
	return netip.Prefix{}, false
}

func comparePrefix(a, b netip.Prefix) int {
	if c := a.Addr().Compare(b.Addr()); c != 0 {
		return c
	}
	return a.Bits() - b.Bits()
}

// Tables is the registry of named tables.
type Tables struct {
	mu sync.RWMutex
	m  map[string]*Table
}

// NewTables returns an empty registry.
func NewTables() *Tables {
	return &Tables{m: make(map[string]*Table)}
}

// Get returns the named table, creating it empty if needed so that rules
// can refer to tables that are filled later.
func (ts *Tables) Get(name string) *Table {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	t, ok := ts.m[name]
	if !ok {
		t = NewTable(name)
		ts.m[name] = t
	}
	return t
}

// Lookup returns the named table if it exists.
func (ts *Tables) Lookup(name string) (*Table, bool) {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	t, ok := ts.m[name]
	return t, ok
}

// Names returns every table name in sorted order.
func (ts *Tables) Names() []string {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	names := make([]string, 0, len(ts.m))
	for n := range ts.m {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}
