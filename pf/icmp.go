package pf

import (
	"github.com/igjeong/hyper-pf/packet"
)

// testStateICMP tracks ICMP queries by their id and matches ICMP errors
// to the state of the datagram they quote.
func (e *Engine) testStateICMP(pd *pdesc) (*State, Verdict, Reason) {
	if !pd.icmpError {
		key := pd.stateKey()
		s := e.lookupState(pd, &key)
		if s == nil {
			return nil, VerdictDrop, ReasonMatch
		}
		s.Expire = e.clock.Now()
		s.Timeout = TimeoutICMPError
		pd.translateByState(s.key, true)
		return s, VerdictPass, ReasonMatch
	}
	return e.testStateICMPError(pd)
}

func (e *Engine) testStateICMPError(pd *pdesc) (*State, Verdict, Reason) {
	q := pd.pkt.Inner
	if q == nil {
		return nil, VerdictDrop, ReasonShort
	}
	key := StateKey{Family: q.Family(), Proto: q.Protocol()}
	isrc, idst := q.Src(), q.Dst()

	var sport, dport uint16
	icmpInner := false
	switch {
	case q.TCP != nil:
		sport, dport = q.TCP.SrcPort, q.TCP.DstPort
	case q.UDP != nil:
		sport, dport = q.UDP.SrcPort, q.UDP.DstPort
	case q.ICMP != nil:
		icmpInner = true
	}

	// The quoted datagram travels the opposite way of the error.
	if pd.dir == DirIn {
		key.EXT = Endpoint{idst, dport}
		key.GWY = Endpoint{isrc, sport}
		if icmpInner {
			key.GWY.Port = q.ICMP.Identifier
		}
	} else {
		key.LAN = Endpoint{idst, dport}
		key.EXT = Endpoint{isrc, sport}
		if icmpInner {
			key.LAN.Port = q.ICMP.Identifier
		}
	}
	s := e.lookupState(pd, &key)
	if s == nil {
		return nil, VerdictDrop, ReasonMatch
	}

	if q.TCP != nil {
		var src, dst *Peer
		if pd.dir == s.key.Direction {
			src, dst = &s.Dst, &s.Src
		} else {
			src, dst = &s.Src, &s.Dst
		}
		var dws uint8
		if src.WScale != 0 && dst.WScale != 0 {
			dws = dst.WScale & wscaleMask
		}
		seq := q.TCP.SeqNum - src.SeqDiff
		if src.SeqDiff != 0 {
			pd.rewrite(packet.Rewrite{Field: packet.FieldInnerTCPSeq, Value: seq})
		}
		if !seqGEQ(src.SeqHi, seq) || !seqGEQ(seq, src.SeqLo-uint32(dst.MaxWin)<<dws) {
			e.diagf("bad icmp state seq=%d window=[%d,%d]", seq, src.SeqLo, src.SeqHi)
			return s, VerdictDrop, ReasonBadState
		}
	}

	sk := s.key
	if !sk.translated() {
		return s, VerdictPass, ReasonMatch
	}
	hasPort := q.TCP != nil || q.UDP != nil || icmpInner
	portField := func(src bool) packet.Field {
		switch {
		case icmpInner:
			return packet.FieldInnerICMPID
		case src:
			return packet.FieldInnerSrcPort
		default:
			return packet.FieldInnerDstPort
		}
	}
	if pd.dir == DirIn {
		pd.rewrite(packet.Rewrite{Field: packet.FieldInnerSrcAddr, Addr: sk.LAN.Addr})
		if hasPort {
			pd.rewrite(packet.Rewrite{Field: portField(true), Port: sk.LAN.Port})
		}
		if pd.dst != sk.LAN.Addr {
			pd.rewrite(packet.Rewrite{Field: packet.FieldDstAddr, Addr: sk.LAN.Addr})
			pd.dst = sk.LAN.Addr
		}
	} else {
		pd.rewrite(packet.Rewrite{Field: packet.FieldInnerDstAddr, Addr: sk.GWY.Addr})
		if hasPort {
			pd.rewrite(packet.Rewrite{Field: portField(false), Port: sk.GWY.Port})
		}
		if pd.src != sk.GWY.Addr {
			pd.rewrite(packet.Rewrite{Field: packet.FieldSrcAddr, Addr: sk.GWY.Addr})
			pd.src = sk.GWY.Addr
		}
	}
	return s, VerdictPass, ReasonMatch
}
