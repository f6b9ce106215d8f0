package pf

import (
	"net/netip"
	"sync"
)

// AnyInterface is the binding of floating states and the interface field
// of rules that apply everywhere.
const AnyInterface = ""

// Interfaces tracks the addresses of named interfaces for (ifname)
// address specifications. Each interface is backed by a table of host
// blocks so dynamic entries match and round-robin like tables.
type Interfaces struct {
	mu     sync.Mutex
	tables map[string]*Table
}

// NewInterfaces returns an empty registry.
func NewInterfaces() *Interfaces {
	return &Interfaces{tables: make(map[string]*Table)}
}

func (i *Interfaces) table(name string) *Table {
	i.mu.Lock()
	defer i.mu.Unlock()
	t, ok := i.tables[name]
	if !ok {
		t = NewTable("(" + name + ")")
		i.tables[name] = t
	}
	return t
}

// Set replaces the address list of an interface.
func (i *Interfaces) Set(name string, addrs []netip.Addr) {
	pfxs := make([]netip.Prefix, 0, len(addrs))
	for _, a := range addrs {
		pfxs = append(pfxs, netip.PrefixFrom(a, a.BitLen()))
	}
	i.table(name).Replace(pfxs)
}

// Addrs returns the current addresses of an interface.
func (i *Interfaces) Addrs(name string) []netip.Addr {
	pfxs := i.table(name).Prefixes()
	out := make([]netip.Addr, len(pfxs))
	for j, p := range pfxs {
		out[j] = p.Addr()
	}
	return out
}
