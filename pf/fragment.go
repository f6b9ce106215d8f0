package pf

import (
	"net/netip"

	"github.com/igjeong/hyper-pf/packet"
)

type fragKey struct {
	af, proto uint8
	src, dst  netip.Addr
	id        uint16
}

// fragEntry remembers how the first fragment of a datagram was handled so
// trailing fragments, which carry no transport header, get the same
// verdict and address translation.
type fragEntry struct {
	verdict  Verdict
	reason   Reason
	rule     *Rule
	rewrites []packet.Rewrite
	last     int64
}

type fragCache struct {
	m    map[fragKey]*fragEntry
	pool *objPool[fragEntry]
}

func newFragCache(limit int) *fragCache {
	return &fragCache{
		m:    make(map[fragKey]*fragEntry),
		pool: newObjPool[fragEntry](limit),
	}
}

func fragKeyOf(pd *pdesc) fragKey {
	return fragKey{af: pd.af, proto: pd.proto, src: pd.src, dst: pd.dst, id: pd.pkt.FragmentID()}
}

// remember stores the outcome of a leading fragment. Only the address
// rewrites carry over to the rest of the datagram.
func (c *fragCache) remember(k fragKey, res *Result, now int64) {
	fe, ok := c.m[k]
	if !ok {
		if fe = c.pool.get(); fe == nil {
			return
		}
		c.m[k] = fe
	}
	fe.verdict, fe.reason, fe.rule, fe.last = res.Verdict, res.Reason, res.Rule, now
	fe.rewrites = fe.rewrites[:0]
	for _, rw := range res.Rewrites {
		if rw.Field == packet.FieldSrcAddr || rw.Field == packet.FieldDstAddr {
			fe.rewrites = append(fe.rewrites, rw)
		}
	}
}

func (c *fragCache) lookup(k fragKey, now int64) *fragEntry {
	fe, ok := c.m[k]
	if !ok {
		return nil
	}
	fe.last = now
	return fe
}

// purge drops entries idle for longer than timeout seconds.
func (c *fragCache) purge(now int64, timeout int64) int {
	n := 0
	for k, fe := range c.m {
		if fe.last+timeout <= now {
			delete(c.m, k)
			c.pool.put(fe)
			n++
		}
	}
	return n
}

func (c *fragCache) len() int { return len(c.m) }

// testFragment handles a trailing fragment: the cached outcome of its
// datagram's first fragment when there is one, otherwise the filter rules
// evaluated without transport information.
func (e *Engine) testFragment(pd *pdesc) Result {
	now := e.clock.Now()
	if fe := e.frags.lookup(fragKeyOf(pd), now); fe != nil {
		if fe.verdict == VerdictPass {
			for _, rw := range fe.rewrites {
				pd.rewrite(rw)
			}
		}
		return Result{Verdict: fe.verdict, Reason: fe.reason, Rule: fe.rule}
	}

	r, a := e.evalFilter(pd)
	res := Result{Rule: r, Anchor: a, Log: r.Log, Tag: pd.tag}
	if r.Action == ActionDrop {
		res.Verdict, res.Reason = VerdictDrop, ReasonMatch
	} else {
		res.Verdict, res.Reason = VerdictPass, ReasonMatch
	}
	return res
}
