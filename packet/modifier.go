package packet

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
)

var (
	ErrNoHeader        = errors.New("rewrite targets a header the packet does not carry")
	ErrFamilyMismatch  = errors.New("rewrite address family does not match packet")
	ErrOptionOutOfSpan = errors.New("rewrite offset outside TCP options")
)

// Field names a header field a Rewrite replaces.
type Field uint8

const (
	FieldSrcAddr Field = iota + 1
	FieldDstAddr
	FieldSrcPort
	FieldDstPort
	FieldICMPID
	FieldTCPSeq
	FieldTCPAck
	FieldTCPOption32 // 32-bit word inside the TCP options, Offset relative to the options
	FieldInnerSrcAddr
	FieldInnerDstAddr
	FieldInnerSrcPort
	FieldInnerDstPort
	FieldInnerICMPID
	FieldInnerTCPSeq
)

func (f Field) String() string {
	switch f {
	case FieldSrcAddr:
		return "src-addr"
	case FieldDstAddr:
		return "dst-addr"
	case FieldSrcPort:
		return "src-port"
	case FieldDstPort:
		return "dst-port"
	case FieldICMPID:
		return "icmp-id"
	case FieldTCPSeq:
		return "tcp-seq"
	case FieldTCPAck:
		return "tcp-ack"
	case FieldTCPOption32:
		return "tcp-opt"
	case FieldInnerSrcAddr:
		return "inner-src-addr"
	case FieldInnerDstAddr:
		return "inner-dst-addr"
	case FieldInnerSrcPort:
		return "inner-src-port"
	case FieldInnerDstPort:
		return "inner-dst-port"
	case FieldInnerICMPID:
		return "inner-icmp-id"
	case FieldInnerTCPSeq:
		return "inner-tcp-seq"
	default:
		return fmt.Sprintf("field(%d)", uint8(f))
	}
}

// Rewrite is one in-place header substitution produced by the filter.
// Only the member matching Field is meaningful.
type Rewrite struct {
	Field  Field
	Addr   netip.Addr
	Port   uint16
	Value  uint32
	Offset int
}

func (r Rewrite) String() string {
	switch r.Field {
	case FieldSrcAddr, FieldDstAddr, FieldInnerSrcAddr, FieldInnerDstAddr:
		return fmt.Sprintf("%s=%s", r.Field, r.Addr)
	case FieldSrcPort, FieldDstPort, FieldICMPID, FieldInnerSrcPort, FieldInnerDstPort, FieldInnerICMPID:
		return fmt.Sprintf("%s=%d", r.Field, r.Port)
	case FieldTCPOption32:
		return fmt.Sprintf("%s[%d]=%d", r.Field, r.Offset, r.Value)
	default:
		return fmt.Sprintf("%s=%d", r.Field, r.Value)
	}
}

// ApplyRewrites performs rws on p in order, patching p.Raw and the parsed
// headers and keeping every checksum valid.
func ApplyRewrites(p *ParsedPacket, rws []Rewrite) error {
	inner := false
	for _, rw := range rws {
		var err error
		switch rw.Field {
		case FieldSrcAddr:
			err = p.setAddr(rw.Addr, true)
		case FieldDstAddr:
			err = p.setAddr(rw.Addr, false)
		case FieldSrcPort:
			err = p.setPort(rw.Port, true)
		case FieldDstPort:
			err = p.setPort(rw.Port, false)
		case FieldICMPID:
			err = p.setICMPID(rw.Port)
		case FieldTCPSeq:
			err = p.setTCPWord(4, rw.Value)
		case FieldTCPAck:
			err = p.setTCPWord(8, rw.Value)
		case FieldTCPOption32:
			if p.TCP == nil {
				return ErrNoHeader
			}
			if rw.Offset < 0 || rw.Offset+4 > len(p.TCP.Options) {
				return ErrOptionOutOfSpan
			}
			err = p.setTCPWord(20+rw.Offset, rw.Value)
		case FieldInnerSrcAddr, FieldInnerDstAddr, FieldInnerSrcPort, FieldInnerDstPort, FieldInnerICMPID, FieldInnerTCPSeq:
			if p.Inner == nil {
				return ErrNoHeader
			}
			inner = true
			err = p.Inner.setQuoted(p, rw)
		default:
			err = fmt.Errorf("unknown rewrite field %d", rw.Field)
		}
		if err != nil {
			return err
		}
	}
	if inner {
		p.recomputeICMP()
	}
	return nil
}

func (p *ParsedPacket) addrOffset(src bool) (int, int) {
	if p.IPv6 != nil {
		if src {
			return p.base + 8, 16
		}
		return p.base + 24, 16
	}
	if src {
		return p.base + 12, 4
	}
	return p.base + 16, 4
}

// l4Cover returns the transport checksum cover for a change at start, if
// the transport checksum includes it.
func (p *ParsedPacket) l4Cover(start int, pseudo bool) (cover, bool) {
	l4 := p.base + p.L4Offset
	switch {
	case p.TCP != nil && p.TCP.DataOffset != 0:
		return cover{field: l4 + 16, start: start}, true
	case p.UDP != nil:
		return cover{field: l4 + 6, start: start, udp: true}, true
	case p.ICMP != nil && (!pseudo || p.ICMP.V6):
		return cover{field: l4 + 2, start: start}, true
	}
	return cover{}, false
}

func (p *ParsedPacket) setAddr(addr netip.Addr, src bool) error {
	return p.setAddrIn(p, addr, src)
}

// setAddrIn writes an address of p into root.Raw; p is root itself or the
// packet quoted inside root.
func (p *ParsedPacket) setAddrIn(root *ParsedPacket, addr netip.Addr, src bool) error {
	off, n := p.addrOffset(src)
	var b []byte
	switch {
	case n == 4 && addr.Is4():
		a := addr.As4()
		b = a[:]
	case n == 16 && addr.Is6():
		a := addr.As16()
		b = a[:]
	default:
		return ErrFamilyMismatch
	}

	var covers []cover
	if p.IPv4 != nil {
		covers = append(covers, cover{field: p.base + 10, start: p.base})
	}
	if c, ok := p.l4Cover(off, true); ok && p.fullTransport() {
		covers = append(covers, c)
	}
	root.patch(off, b, covers...)

	switch {
	case p.IPv4 != nil && src:
		p.IPv4.SrcIP = addr
	case p.IPv4 != nil:
		p.IPv4.DstIP = addr
	case src:
		p.IPv6.SrcIP = addr
	default:
		p.IPv6.DstIP = addr
	}
	if p.IPv4 != nil {
		p.IPv4.Checksum = binary.BigEndian.Uint16(root.Raw[p.base+10 : p.base+12])
	}
	p.syncL4Checksum(root)
	return nil
}

// syncL4Checksum reloads the parsed transport checksum of p from root.Raw.
func (p *ParsedPacket) syncL4Checksum(root *ParsedPacket) {
	if !p.fullTransport() {
		return
	}
	l4 := p.base + p.L4Offset
	var field *uint16
	var off int
	switch {
	case p.TCP != nil:
		field, off = &p.TCP.Checksum, l4+16
	case p.UDP != nil:
		field, off = &p.UDP.Checksum, l4+6
	default:
		field, off = &p.ICMP.Checksum, l4+2
	}
	if off+2 <= len(root.Raw) {
		*field = binary.BigEndian.Uint16(root.Raw[off : off+2])
	}
}

// fullTransport reports whether the transport checksum field is present.
// Quoted TCP headers are truncated to eight bytes.
func (p *ParsedPacket) fullTransport() bool {
	if p.TCP != nil {
		return p.TCP.DataOffset != 0
	}
	return p.UDP != nil || p.ICMP != nil
}

func (p *ParsedPacket) setPort(port uint16, src bool) error {
	return p.setPortIn(p, port, src)
}

func (p *ParsedPacket) setPortIn(root *ParsedPacket, port uint16, src bool) error {
	if p.TCP == nil && p.UDP == nil {
		return ErrNoHeader
	}
	off := p.base + p.L4Offset
	if !src {
		off += 2
	}
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], port)
	var covers []cover
	if c, ok := p.l4Cover(p.base+p.L4Offset, false); ok && p.fullTransport() {
		covers = append(covers, c)
	}
	root.patch(off, b[:], covers...)

	switch {
	case p.TCP != nil && src:
		p.TCP.SrcPort = port
	case p.TCP != nil:
		p.TCP.DstPort = port
	case src:
		p.UDP.SrcPort = port
	default:
		p.UDP.DstPort = port
	}
	p.syncL4Checksum(root)
	return nil
}

func (p *ParsedPacket) setICMPID(id uint16) error {
	return p.setICMPIDIn(p, id)
}

func (p *ParsedPacket) setICMPIDIn(root *ParsedPacket, id uint16) error {
	if p.ICMP == nil {
		return ErrNoHeader
	}
	l4 := p.base + p.L4Offset
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], id)
	root.patch(l4+4, b[:], cover{field: l4 + 2, start: l4})
	p.ICMP.Identifier = id
	p.ICMP.Checksum = binary.BigEndian.Uint16(root.Raw[l4+2 : l4+4])
	return nil
}

func (p *ParsedPacket) setTCPWord(rel int, val uint32) error {
	if p.TCP == nil {
		return ErrNoHeader
	}
	l4 := p.L4Offset
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], val)
	p.patch(l4+rel, b[:], cover{field: l4 + 16, start: l4})
	switch rel {
	case 4:
		p.TCP.SeqNum = val
	case 8:
		p.TCP.AckNum = val
	}
	p.TCP.Checksum = binary.BigEndian.Uint16(p.Raw[l4+16 : l4+18])
	return nil
}

// setQuoted applies an inner rewrite; p is the quoted packet of root.
// The outer ICMP checksum is recomputed by the caller.
func (p *ParsedPacket) setQuoted(root *ParsedPacket, rw Rewrite) error {
	switch rw.Field {
	case FieldInnerSrcAddr:
		return p.setAddrIn(root, rw.Addr, true)
	case FieldInnerDstAddr:
		return p.setAddrIn(root, rw.Addr, false)
	case FieldInnerSrcPort:
		return p.setPortIn(root, rw.Port, true)
	case FieldInnerDstPort:
		return p.setPortIn(root, rw.Port, false)
	case FieldInnerTCPSeq:
		if p.TCP == nil {
			return ErrNoHeader
		}
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], rw.Value)
		root.patch(p.base+p.L4Offset+4, b[:])
		p.TCP.SeqNum = rw.Value
		return nil
	default:
		return p.setICMPIDIn(root, rw.Port)
	}
}
