package pf

import (
	"fmt"
	"net/netip"
)

// AddrType selects how an AddrWrap is interpreted.
type AddrType uint8

const (
	AddrAny AddrType = iota
	AddrMask
	AddrDynIf
	AddrTable
)

// AddrWrap is an address specification: any, a literal prefix, the
// addresses of a named interface, or a named table.
type AddrWrap struct {
	Type   AddrType
	Prefix netip.Prefix
	Name   string

	// resolved when the ruleset is loaded
	table *Table
}

// Any matches every address.
func Any() AddrWrap { return AddrWrap{} }

// Prefix wraps a literal address block.
func Prefix(p netip.Prefix) AddrWrap { return AddrWrap{Type: AddrMask, Prefix: p.Masked()} }

// Host wraps a single address.
func Host(a netip.Addr) AddrWrap {
	return AddrWrap{Type: AddrMask, Prefix: netip.PrefixFrom(a, a.BitLen())}
}

// TableAddr refers to the table <name>.
func TableAddr(name string) AddrWrap { return AddrWrap{Type: AddrTable, Name: name} }

// DynAddr refers to the addresses of interface (name).
func DynAddr(name string) AddrWrap { return AddrWrap{Type: AddrDynIf, Name: name} }

func (a AddrWrap) String() string {
	switch a.Type {
	case AddrMask:
		if a.Prefix.IsSingleIP() {
			return a.Prefix.Addr().String()
		}
		return a.Prefix.String()
	case AddrDynIf:
		return "(" + a.Name + ")"
	case AddrTable:
		return "<" + a.Name + ">"
	default:
		return "any"
	}
}

func (a *AddrWrap) equal(b *AddrWrap) bool {
	return a.Type == b.Type && a.Prefix == b.Prefix && a.Name == b.Name
}

func (a *AddrWrap) match(addr netip.Addr) bool {
	switch a.Type {
	case AddrAny:
		return true
	case AddrMask:
		return a.Prefix.Addr().Is4() == addr.Is4() && a.Prefix.Contains(addr)
	case AddrDynIf, AddrTable:
		return a.table != nil && a.table.Contains(addr)
	}
	return false
}

// mismatch is true when addr fails the (possibly negated) specification.
func (a *AddrWrap) mismatch(addr netip.Addr, neg bool) bool {
	return !a.match(addr) != neg
}

// block returns the literal address and prefix length a non-table pool
// entry maps into. Dynamic entries use the interface's first address of
// the family.
func (a *AddrWrap) block(v4 bool) (netip.Addr, int, bool) {
	switch a.Type {
	case AddrMask:
		if a.Prefix.Addr().Is4() != v4 {
			return netip.Addr{}, 0, false
		}
		return a.Prefix.Addr(), a.Prefix.Bits(), true
	case AddrDynIf:
		if a.table == nil {
			return netip.Addr{}, 0, false
		}
		for _, p := range a.table.Prefixes() {
			if p.Addr().Is4() == v4 {
				return p.Addr(), p.Bits(), true
			}
		}
	}
	return netip.Addr{}, 0, false
}

// PortOp is a port comparison operator.
type PortOp uint8

const (
	PortOpNone PortOp = iota
	PortOpRange       // a >< b, exclusive
	PortOpExclude     // a <> b
	PortOpEq
	PortOpNe
	PortOpLt
	PortOpLe
	PortOpGt
	PortOpGe
	PortOpInclusive // a:b
)

func matchPort(op PortOp, a1, a2, p uint16) bool {
	switch op {
	case PortOpRange:
		return p > a1 && p < a2
	case PortOpExclude:
		return p < a1 || p > a2
	case PortOpInclusive:
		return p >= a1 && p <= a2
	case PortOpEq:
		return p == a1
	case PortOpNe:
		return p != a1
	case PortOpLt:
		return p < a1
	case PortOpLe:
		return p <= a1
	case PortOpGt:
		return p > a1
	case PortOpGe:
		return p >= a1
	}
	return false
}

func (op PortOp) format(a1, a2 uint16) string {
	switch op {
	case PortOpRange:
		return fmt.Sprintf("%d >< %d", a1, a2)
	case PortOpExclude:
		return fmt.Sprintf("%d <> %d", a1, a2)
	case PortOpInclusive:
		return fmt.Sprintf("%d:%d", a1, a2)
	case PortOpEq:
		return fmt.Sprintf("= %d", a1)
	case PortOpNe:
		return fmt.Sprintf("!= %d", a1)
	case PortOpLt:
		return fmt.Sprintf("< %d", a1)
	case PortOpLe:
		return fmt.Sprintf("<= %d", a1)
	case PortOpGt:
		return fmt.Sprintf("> %d", a1)
	case PortOpGe:
		return fmt.Sprintf(">= %d", a1)
	}
	return ""
}

// RuleAddr is one side of a rule: address, negation and port match.
type RuleAddr struct {
	Addr   AddrWrap
	Neg    bool
	PortOp PortOp
	Port   [2]uint16
}

func (r *RuleAddr) String() string {
	s := r.Addr.String()
	if r.Neg {
		s = "! " + s
	}
	if r.PortOp != PortOpNone {
		s += " port " + r.PortOp.format(r.Port[0], r.Port[1])
	}
	return s
}

func (r *RuleAddr) samePorts(o *RuleAddr) bool {
	return r.PortOp == o.PortOp && r.Port == o.Port
}

func (r *RuleAddr) sameAddr(o *RuleAddr) bool {
	return r.Neg == o.Neg && r.Addr.equal(&o.Addr)
}

// poolMask combines the network part of raddr/bits with the host part of
// src, which must be the same width as raddr.
func poolMask(raddr netip.Addr, bits int, src []byte) netip.Addr {
	r := raddr.AsSlice()
	out := make([]byte, len(r))
	for i := range r {
		var m byte
		switch {
		case bits >= (i+1)*8:
			m = 0xff
		case bits > i*8:
			m = ^byte(0xff >> uint(bits-i*8))
		}
		var s byte
		if i < len(src) {
			s = src[i]
		}
		out[i] = r[i]&m | s&^m
	}
	a, _ := netip.AddrFromSlice(out)
	return a
}

// addrInc returns a+1, wrapping to zero.
func addrInc(a netip.Addr) netip.Addr {
	if n := a.Next(); n.IsValid() {
		return n
	}
	return zeroAddr(a.Is4())
}

func zeroAddr(v4 bool) netip.Addr {
	if v4 {
		return netip.IPv4Unspecified()
	}
	return netip.IPv6Unspecified()
}

func addrZero(a netip.Addr) bool {
	return !a.IsValid() || a.IsUnspecified()
}

// inBlock reports whether a lies inside raddr/bits.
func inBlock(raddr netip.Addr, bits int, a netip.Addr) bool {
	if raddr.Is4() != a.Is4() {
		return false
	}
	p, err := raddr.Prefix(bits)
	return err == nil && p.Contains(a)
}
