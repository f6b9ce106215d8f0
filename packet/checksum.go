package packet

import "encoding/binary"

// Fixup adjusts a one's complement checksum for a 16-bit word changing from
// old to new. A UDP checksum of zero means "none" and is left alone.
func Fixup(cksum, old, new uint16, udp bool) uint16 {
	if udp && cksum == 0 {
		return 0
	}
	l := uint32(cksum) + uint32(old) - uint32(new)
	l = (l >> 16) + (l & 0xffff)
	l &= 0xffff
	if udp && l == 0 {
		return 0xffff
	}
	return uint16(l)
}

// Fixup32 is Fixup for a 32-bit value stored as two aligned words.
func Fixup32(cksum uint16, old, new uint32, udp bool) uint16 {
	cksum = Fixup(cksum, uint16(old>>16), uint16(new>>16), udp)
	return Fixup(cksum, uint16(old), uint16(new), udp)
}

// cover describes one checksum affected by a byte patch. start is the
// offset the checksum's word alignment is measured from.
type cover struct {
	field int
	start int
	udp   bool
}

// patch writes val at off in p.Raw and fixes every covering checksum
// incrementally. Patches at odd offsets relative to a cover are widened to
// the enclosing aligned words.
func (p *ParsedPacket) patch(off int, val []byte, covers ...cover) {
	type span struct {
		lo, hi int
		old    []byte
	}
	spans := make([]span, len(covers))
	for i, c := range covers {
		lo := off - ((off - c.start) & 1)
		hi := off + len(val)
		if (hi-c.start)&1 != 0 {
			hi++
		}
		spans[i] = span{lo: lo, hi: hi, old: p.wordBytes(lo, hi)}
	}

	copy(p.Raw[off:off+len(val)], val)

	for i, c := range covers {
		s := spans[i]
		cur := p.wordBytes(s.lo, s.hi)
		sum := binary.BigEndian.Uint16(p.Raw[c.field : c.field+2])
		for j := 0; j < len(cur); j += 2 {
			sum = Fixup(sum,
				binary.BigEndian.Uint16(s.old[j:j+2]),
				binary.BigEndian.Uint16(cur[j:j+2]), c.udp)
		}
		binary.BigEndian.PutUint16(p.Raw[c.field:c.field+2], sum)
	}
}

// wordBytes copies Raw[lo:hi], padding with zero past the end of the buffer.
func (p *ParsedPacket) wordBytes(lo, hi int) []byte {
	out := make([]byte, hi-lo)
	if hi > len(p.Raw) {
		copy(out, p.Raw[lo:])
	} else {
		copy(out, p.Raw[lo:hi])
	}
	return out
}

// sum16 folds the one's complement sum of data onto initial.
func sum16(data []byte, initial uint32) uint32 {
	sum := initial
	for len(data) >= 2 {
		sum += uint32(binary.BigEndian.Uint16(data))
		data = data[2:]
	}
	if len(data) == 1 {
		sum += uint32(data[0]) << 8
	}
	return sum
}

func fold(sum uint32) uint16 {
	for sum>>16 != 0 {
		sum = (sum >> 16) + (sum & 0xffff)
	}
	return ^uint16(sum)
}

// Checksum computes the internet checksum of data.
func Checksum(data []byte) uint16 {
	return fold(sum16(data, 0))
}

// recomputeICMP rewrites the ICMP checksum over the whole message. ICMPv6
// includes the pseudo-header.
func (p *ParsedPacket) recomputeICMP() {
	msg := p.Raw[p.L4Offset:]
	if len(msg) < 4 {
		return
	}
	msg[2], msg[3] = 0, 0
	var initial uint32
	if p.IPv6 != nil {
		src, dst := p.IPv6.SrcIP.As16(), p.IPv6.DstIP.As16()
		initial = sum16(src[:], 0)
		initial = sum16(dst[:], initial)
		initial += uint32(len(msg))
		initial += uint32(ProtocolICMPv6)
	}
	binary.BigEndian.PutUint16(msg[2:4], fold(sum16(msg, initial)))
	p.ICMP.Checksum = binary.BigEndian.Uint16(msg[2:4])
}
