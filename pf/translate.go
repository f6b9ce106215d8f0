package pf

import (
	"net/netip"

	"github.com/sirupsen/logrus"
)

// translation is the outcome of a nat, binat or rdr rule for one packet.
type translation struct {
	rule  *Rule
	addr  netip.Addr
	port  uint16
	snode *SourceNode
}

// getTranslation finds the translation rule for pd and computes the new
// address and port. Outbound packets try binat then nat and have their
// source translated; inbound packets try rdr then binat and have their
// destination translated.
func (e *Engine) getTranslation(pd *pdesc) (translation, bool) {
	var r *Rule
	if pd.dir == DirOut {
		if r = e.matchTranslation(pd, KindBINAT); r == nil {
			r = e.matchTranslation(pd, KindNAT)
		}
	} else {
		if r = e.matchTranslation(pd, KindRDR); r == nil {
			r = e.matchTranslation(pd, KindBINAT)
		}
	}
	if r == nil {
		return translation{}, false
	}

	v4 := pd.af == 4
	tr := translation{rule: r, port: pd.dport}
	if pd.dir == DirOut {
		tr.port = pd.sport
	}
	switch r.Action {
	case ActionNAT:
		addr, ok := e.getSport(pd.af, pd.proto, r, pd.src, pd.dst, pd.dport,
			&tr.port, r.Pool.ProxyPort[0], r.Pool.ProxyPort[1], &tr.snode)
		if !ok {
			e.log.WithFields(logrus.Fields{
				"rule": r.String(),
				"src":  pd.src.String(),
			}).Warn("NAT proxy port allocation failed")
			return translation{}, false
		}
		tr.addr = addr

	case ActionBINAT:
		if pd.dir == DirOut {
			cur := r.Pool.current()
			raddr, bits, ok := cur.block(v4)
			if !ok {
				return translation{}, false
			}
			tr.addr = poolMask(raddr, bits, pd.src.AsSlice())
		} else {
			raddr, bits, ok := r.Src.Addr.block(v4)
			if !ok {
				return translation{}, false
			}
			tr.addr = poolMask(raddr, bits, pd.dst.AsSlice())
		}

	case ActionRDR:
		addr, ok := e.mapAddr(pd.af, r, pd.src, nil, &tr.snode)
		if !ok {
			return translation{}, false
		}
		if r.Pool.Type == PoolBitmask {
			if _, bits, ok := r.Pool.current().block(v4); ok {
				addr = poolMask(addr, bits, pd.dst.AsSlice())
			}
		}
		tr.addr = addr
		if p0, p1 := r.Pool.ProxyPort[0], r.Pool.ProxyPort[1]; p1 != 0 {
			span := int(p1) - int(p0) + 1
			port := (int(pd.dport)-int(r.Dst.Port[0]))%span + int(p0)
			if port > 65535 {
				port -= 65535
			}
			tr.port = uint16(port)
		} else if p0 != 0 {
			tr.port = p0
		}

	default:
		return translation{}, false
	}
	return tr, true
}
