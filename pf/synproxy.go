package pf

import (
	"github.com/igjeong/hyper-pf/packet"
)

const (
	synproxyMSS4 = 1460
	synproxyMSS6 = 1440
	// offered when the client sends no MSS option
	defaultMSS = 512
	minMSS     = 64
)

func synproxyMSS(af uint8, offered uint16) uint16 {
	mss := uint16(synproxyMSS4)
	if af == packet.FamilyInet6 {
		mss = synproxyMSS6
	}
	if offered == 0 {
		offered = defaultMSS
	}
	mss = min(mss, offered)
	return max(mss, minMSS)
}

// synproxyState drives the proxied handshake of s. It reports done when
// the segment was consumed by the proxy; otherwise ordinary tracking
// continues.
func (e *Engine) synproxyState(pd *pdesc, s *State) (Verdict, Reason, bool) {
	th := pd.pkt.TCP
	sk := s.key

	if s.Src.State == TCPProxySrc {
		if pd.dir != sk.Direction {
			return VerdictSynProxyDrop, ReasonSynProxy, true
		}
		if th.Flags&packet.TCPFlagSYN != 0 {
			if th.SeqNum != s.Src.SeqLo {
				return VerdictDrop, ReasonSynProxy, true
			}
			e.sendTCP(packet.Segment{
				Src: pd.dst, Dst: pd.src, SrcPort: pd.dport, DstPort: pd.sport,
				Seq: s.Src.SeqHi, Ack: th.SeqNum + 1,
				Flags: packet.TCPFlagSYN | packet.TCPFlagACK, MSS: s.Src.MSS,
			})
			return VerdictSynProxyDrop, ReasonSynProxy, true
		}
		if th.Flags&packet.TCPFlagACK == 0 ||
			th.AckNum != s.Src.SeqHi+1 || th.SeqNum != s.Src.SeqLo+1 {
			return VerdictDrop, ReasonSynProxy, true
		}
		if s.srcNode != nil && e.connLimit(s) {
			return VerdictDrop, ReasonSrcLimit, true
		}
		s.Src.State = TCPProxyDst
	}

	if s.Src.State != TCPProxyDst {
		return 0, 0, false
	}

	// endpoints as seen by a packet travelling in pd.dir
	var psrc, pdst Endpoint
	if pd.dir == DirOut {
		psrc, pdst = sk.GWY, sk.EXT
	} else {
		psrc, pdst = sk.EXT, sk.LAN
	}

	if pd.dir == sk.Direction {
		if th.Flags&(packet.TCPFlagSYN|packet.TCPFlagACK) != packet.TCPFlagACK ||
			th.AckNum != s.Src.SeqHi+1 || th.SeqNum != s.Src.SeqLo+1 {
			return VerdictDrop, ReasonSynProxy, true
		}
		s.Src.MaxWin = max(th.Window, 1)
		if s.Dst.SeqHi == 1 {
			s.Dst.SeqHi = e.rand.Uint32()
		}
		e.sendTCP(packet.Segment{
			Src: psrc.Addr, Dst: pdst.Addr, SrcPort: psrc.Port, DstPort: pdst.Port,
			Seq: s.Dst.SeqHi, Flags: packet.TCPFlagSYN, MSS: s.Src.MSS, Tag: s.Tag,
		})
		return VerdictSynProxyDrop, ReasonSynProxy, true
	}

	if th.Flags&(packet.TCPFlagSYN|packet.TCPFlagACK) != packet.TCPFlagSYN|packet.TCPFlagACK ||
		th.AckNum != s.Dst.SeqHi+1 {
		return VerdictDrop, ReasonSynProxy, true
	}
	s.Dst.MaxWin = max(th.Window, 1)
	s.Dst.SeqLo = th.SeqNum
	e.sendTCP(packet.Segment{
		Src: pd.dst, Dst: pd.src, SrcPort: pd.dport, DstPort: pd.sport,
		Seq: th.AckNum, Ack: th.SeqNum + 1, Flags: packet.TCPFlagACK,
		Window: s.Src.MaxWin, Tag: s.Tag,
	})
	e.sendTCP(packet.Segment{
		Src: psrc.Addr, Dst: pdst.Addr, SrcPort: psrc.Port, DstPort: pdst.Port,
		Seq: s.Src.SeqHi + 1, Ack: s.Src.SeqLo + 1, Flags: packet.TCPFlagACK,
		Window: s.Dst.MaxWin,
	})
	s.Src.SeqDiff = s.Dst.SeqHi - s.Src.SeqLo
	s.Dst.SeqDiff = s.Src.SeqHi - s.Dst.SeqLo
	s.Src.SeqHi = s.Src.SeqLo + uint32(s.Dst.MaxWin)
	s.Dst.SeqHi = s.Dst.SeqLo + uint32(s.Src.MaxWin)
	s.Src.WScale, s.Dst.WScale = 0, 0
	s.Src.State, s.Dst.State = TCPEstablished, TCPEstablished
	return VerdictSynProxyDrop, ReasonSynProxy, true
}
