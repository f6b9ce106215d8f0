package pf

import (
	"github.com/igjeong/hyper-pf/packet"
)

// maxAckWindow is how far an ACK may lag or lead the tracked window.
const maxAckWindow = 0xffff + 1500

func seqGEQ(a, b uint32) bool { return int32(a-b) >= 0 }
func seqGT(a, b uint32) bool  { return int32(a-b) > 0 }

func getWScale(th *packet.TCPHeader) uint8 {
	if shift, ok := th.WindowScale(); ok {
		return shift | wscaleFlag
	}
	return 0
}

// lookupState finds the live state matching pd's key from the side the
// packet arrives on.
func (e *Engine) lookupState(pd *pdesc, key *StateKey) *State {
	if pd.dir == DirIn {
		return e.states.find(pd.kif, key, sideExtGwy)
	}
	return e.states.find(pd.kif, key, sideLanExt)
}

// stateKey builds the lookup key of pd. Inbound packets are matched on the
// external side (EXT, GWY), outbound ones on the internal side (LAN, EXT).
func (pd *pdesc) stateKey() StateKey {
	k := StateKey{Family: pd.af, Proto: pd.proto}
	sport, dport := pd.sport, pd.dport
	if pd.isICMP() {
		if pd.dir == DirIn {
			sport = 0
		} else {
			dport = 0
		}
	}
	if pd.dir == DirIn {
		k.EXT = Endpoint{pd.src, sport}
		k.GWY = Endpoint{pd.dst, dport}
	} else {
		k.LAN = Endpoint{pd.src, sport}
		k.EXT = Endpoint{pd.dst, dport}
	}
	return k
}

// translateByState rewrites the translated side of a packet matching a
// state: the source of outbound packets becomes GWY, the destination of
// inbound packets becomes LAN.
func (pd *pdesc) translateByState(sk *StateKey, withPort bool) {
	if !sk.translated() {
		return
	}
	portField := func(src bool) packet.Field {
		switch {
		case pd.isICMP():
			return packet.FieldICMPID
		case src:
			return packet.FieldSrcPort
		default:
			return packet.FieldDstPort
		}
	}
	if pd.dir == DirOut {
		if pd.src != sk.GWY.Addr {
			pd.rewrite(packet.Rewrite{Field: packet.FieldSrcAddr, Addr: sk.GWY.Addr})
			pd.src = sk.GWY.Addr
		}
		if withPort && pd.sport != sk.GWY.Port {
			pd.rewrite(packet.Rewrite{Field: portField(true), Port: sk.GWY.Port})
			pd.sport = sk.GWY.Port
		}
		return
	}
	if pd.dst != sk.LAN.Addr {
		pd.rewrite(packet.Rewrite{Field: packet.FieldDstAddr, Addr: sk.LAN.Addr})
		pd.dst = sk.LAN.Addr
	}
	if withPort && pd.dport != sk.LAN.Port {
		pd.rewrite(packet.Rewrite{Field: portField(false), Port: sk.LAN.Port})
		pd.dport = sk.LAN.Port
	}
}

// testStateTCP tracks a TCP segment against its state. A nil state with a
// drop verdict means no state applies and the rules decide.
func (e *Engine) testStateTCP(pd *pdesc) (*State, Verdict, Reason) {
	th := pd.pkt.TCP
	key := pd.stateKey()
	s := e.lookupState(pd, &key)
	if s == nil {
		return nil, VerdictDrop, ReasonMatch
	}
	src, dst := s.peers(pd.dir)

	if v, reason, done := e.synproxyState(pd, s); done {
		return s, v, reason
	}

	if th.Flags&(packet.TCPFlagSYN|packet.TCPFlagACK) == packet.TCPFlagSYN &&
		dst.State >= TCPFinWait2 && src.State >= TCPFinWait2 {
		e.diagf("state reuse %s -> %s", Endpoint{pd.src, pd.sport}, Endpoint{pd.dst, pd.dport})
		s.Src.State, s.Dst.State = TCPClosed, TCPClosed
		e.unlinkState(s)
		return nil, VerdictDrop, ReasonMatch
	}

	var sws, dws uint8
	if src.WScale != 0 && dst.WScale != 0 && th.Flags&packet.TCPFlagSYN == 0 {
		sws = src.WScale & wscaleMask
		dws = dst.WScale & wscaleMask
	}

	seq, origSeq := th.SeqNum, th.SeqNum
	win := uint32(th.Window)
	var ack, end uint32

	if src.SeqLo == 0 {
		// first packet from this end
		if dst.SeqDiff != 0 && src.SeqDiff == 0 {
			for src.SeqDiff == 0 {
				src.SeqDiff = e.rand.Uint32() - seq
			}
			ack = th.AckNum - dst.SeqDiff
			pd.rewrite(packet.Rewrite{Field: packet.FieldTCPSeq, Value: seq + src.SeqDiff})
			pd.rewrite(packet.Rewrite{Field: packet.FieldTCPAck, Value: ack})
		} else {
			ack = th.AckNum
		}

		end = seq + uint32(pd.pLen)
		if th.Flags&packet.TCPFlagSYN != 0 {
			end++
			if dst.WScale&wscaleFlag != 0 {
				src.WScale = getWScale(th)
				if src.WScale&wscaleFlag != 0 {
					// remove the scale factor from the initial window
					sws = src.WScale & wscaleMask
					win = (win + 1<<sws - 1) >> sws
					dws = dst.WScale & wscaleMask
				} else {
					dst.MaxWin <<= dst.WScale & wscaleMask
					dst.WScale = 0
				}
			}
		}
		if th.Flags&packet.TCPFlagFIN != 0 {
			end++
		}

		src.SeqLo = seq
		if src.State < TCPSynSent {
			src.State = TCPSynSent
		}
		if fwd := end + max(1, uint32(dst.MaxWin)<<dws); src.SeqHi == 1 || seqGEQ(fwd, src.SeqHi) {
			src.SeqHi = fwd
		}
		if win > uint32(src.MaxWin) {
			src.MaxWin = uint16(win)
		}
	} else {
		ack = th.AckNum - dst.SeqDiff
		if src.SeqDiff != 0 {
			pd.rewrite(packet.Rewrite{Field: packet.FieldTCPSeq, Value: seq + src.SeqDiff})
			pd.rewrite(packet.Rewrite{Field: packet.FieldTCPAck, Value: ack})
		}
		end = seq + uint32(pd.pLen)
		if th.Flags&packet.TCPFlagSYN != 0 {
			end++
		}
		if th.Flags&packet.TCPFlagFIN != 0 {
			end++
		}
	}

	if th.Flags&packet.TCPFlagACK == 0 {
		ack = dst.SeqLo
	} else if (ack == 0 && th.Flags&(packet.TCPFlagACK|packet.TCPFlagRST) == packet.TCPFlagACK|packet.TCPFlagRST) ||
		dst.State < TCPSynSent {
		ack = dst.SeqLo
	}

	if seq == end {
		// no data: relax the sequence checks
		seq = src.SeqLo
		end = seq
	}

	ackskew := int64(int32(dst.SeqLo - ack))

	if dst.SeqDiff != 0 {
		for _, blk := range th.SACKBlocks() {
			pd.rewrite(packet.Rewrite{Field: packet.FieldTCPOption32, Offset: blk.Offset, Value: blk.Left - dst.SeqDiff})
			pd.rewrite(packet.Rewrite{Field: packet.FieldTCPOption32, Offset: blk.Offset + 4, Value: blk.Right - dst.SeqDiff})
		}
	}

	rst := th.Flags&packet.TCPFlagRST != 0
	switch {
	case seqGEQ(src.SeqHi, end) &&
		seqGEQ(seq, src.SeqLo-uint32(dst.MaxWin)<<dws) &&
		ackskew >= -maxAckWindow &&
		ackskew <= int64(maxAckWindow)<<sws &&
		(!rst || origSeq == src.SeqLo || origSeq == src.SeqLo+1 || origSeq+1 == src.SeqLo || !pd.reassembled):

		if uint32(src.MaxWin) < win {
			src.MaxWin = uint16(win)
		}
		if seqGT(end, src.SeqLo) {
			src.SeqLo = end
		}
		if seqGEQ(ack+win<<sws, dst.SeqHi) {
			dst.SeqHi = ack + max(win<<sws, 1)
		}

		if th.Flags&packet.TCPFlagSYN != 0 && src.State < TCPSynSent {
			src.State = TCPSynSent
		}
		if th.Flags&packet.TCPFlagFIN != 0 && src.State < TCPClosing {
			src.State = TCPClosing
		}
		if th.Flags&packet.TCPFlagACK != 0 {
			switch dst.State {
			case TCPSynSent:
				dst.State = TCPEstablished
				if src.State == TCPEstablished && s.srcNode != nil && e.connLimit(s) {
					return s, VerdictDrop, ReasonSrcLimit
				}
			case TCPClosing:
				dst.State = TCPFinWait2
			}
		}
		if rst {
			src.State, dst.State = TCPTimeWait, TCPTimeWait
		}

		s.Expire = e.clock.Now()
		switch {
		case src.State >= TCPFinWait2 && dst.State >= TCPFinWait2:
			s.Timeout = TimeoutTCPClosed
		case src.State >= TCPClosing && dst.State >= TCPClosing:
			s.Timeout = TimeoutTCPFinWait
		case src.State < TCPEstablished || dst.State < TCPEstablished:
			s.Timeout = TimeoutTCPOpening
		case src.State >= TCPClosing || dst.State >= TCPClosing:
			s.Timeout = TimeoutTCPClosing
		default:
			s.Timeout = TimeoutTCPEstablished
		}

	case (dst.State < TCPSynSent || dst.State >= TCPFinWait2 || src.State >= TCPFinWait2) &&
		seqGEQ(src.SeqHi+maxAckWindow, end) &&
		seqGEQ(seq, src.SeqLo-maxAckWindow):
		// Loose match: one side is not yet or no longer tracked closely.
		// The peer's window is left alone and the state does not refresh.
		if uint32(src.MaxWin) < win {
			src.MaxWin = uint16(win)
		}
		if seqGT(end, src.SeqLo) {
			src.SeqLo = end
		}
		if th.Flags&packet.TCPFlagFIN != 0 && src.State < TCPClosing {
			src.State = TCPClosing
		}
		if rst {
			src.State, dst.State = TCPTimeWait, TCPTimeWait
		}
		e.diagf("loose state match %s -> %s seq=%d ack=%d end=%d", Endpoint{pd.src, pd.sport},
			Endpoint{pd.dst, pd.dport}, seq, ack, end)

	default:
		if s.Dst.State == TCPSynSent && s.Src.State == TCPSynSent {
			if !rst {
				e.sendTCP(packet.Segment{
					Src: pd.dst, Dst: pd.src, SrcPort: pd.dport, DstPort: pd.sport,
					Seq: th.AckNum, Flags: packet.TCPFlagRST, TTL: s.rule.ReturnTTL,
				})
			}
			src.SeqLo = 0
			src.SeqHi = 1
			src.MaxWin = 1
		}
		e.diagf("bad state %s -> %s seq=%d ack=%d end=%d ackskew=%d", Endpoint{pd.src, pd.sport},
			Endpoint{pd.dst, pd.dport}, seq, ack, end, ackskew)
		return s, VerdictDrop, ReasonBadState
	}

	pd.translateByState(s.key, true)
	return s, VerdictPass, ReasonMatch
}
