package pf

import (
	"net/netip"
	"slices"

	"github.com/sirupsen/logrus"
)

// Threshold is a decaying event counter used for connection rate limits.
// Count is scaled by 1000 so the decay keeps precision.
type Threshold struct {
	Limit   uint32
	Seconds uint32
	Count   uint32
	Last    int64
}

func (t *Threshold) init(limit, seconds uint32, now int64) {
	t.Limit = limit * 1000
	t.Seconds = seconds
	t.Count = 0
	t.Last = now
}

// add records one event at now after decaying the previous count.
func (t *Threshold) add(now int64) {
	diff := now - t.Last
	if diff >= int64(t.Seconds) {
		t.Count = 0
	} else if diff > 0 {
		t.Count -= uint32(uint64(t.Count) * uint64(diff) / uint64(t.Seconds))
	}
	t.Count += 1000
	t.Last = now
}

func (t *Threshold) exceeded() bool { return t.Count > t.Limit }

// SourceNode aggregates the states and connections of one source address,
// globally or for one rule, and remembers its sticky translation.
type SourceNode struct {
	Addr     netip.Addr
	RAddr    netip.Addr
	States   uint32
	Conn     uint32
	ConnRate Threshold
	Creation int64
	Expire   int64
	Packets  [2]uint64
	Bytes    [2]uint64

	rule *Rule
}

// Rule returns the rule the node is keyed by, nil for global tracking.
func (sn *SourceNode) Rule() *Rule { return sn.rule }

type srcKey struct {
	rule *Rule
	addr netip.Addr
}

type srcNodeTable struct {
	m        map[srcKey]*SourceNode
	pool     *objPool[SourceNode]
	counters [scntCount]uint64
}

func newSrcNodeTable(limit int) *srcNodeTable {
	return &srcNodeTable{
		m:    make(map[srcKey]*SourceNode),
		pool: newObjPool[SourceNode](limit),
	}
}

func srcKeyFor(r *Rule, addr netip.Addr) srcKey {
	k := srcKey{addr: addr}
	if r != nil && r.srcTrackByRule() {
		k.rule = r
	}
	return k
}

func (t *srcNodeTable) find(r *Rule, addr netip.Addr) *SourceNode {
	t.counters[scntSrcNodeSearch]++
	return t.m[srcKeyFor(r, addr)]
}

func (t *srcNodeTable) remove(sn *SourceNode) {
	delete(t.m, srcKey{rule: sn.rule, addr: sn.Addr})
	if sn.rule != nil {
		sn.rule.srcNodes--
	}
	t.counters[scntSrcNodeRemovals]++
	t.pool.put(sn)
}

// sorted returns the nodes ordered by address then rule number.
func (t *srcNodeTable) sorted() []*SourceNode {
	out := make([]*SourceNode, 0, len(t.m))
	for _, sn := range t.m {
		out = append(out, sn)
	}
	slices.SortFunc(out, func(a, b *SourceNode) int {
		if c := a.Addr.Compare(b.Addr); c != 0 {
			return c
		}
		return ruleNr(a.rule) - ruleNr(b.rule)
	})
	return out
}

func ruleNr(r *Rule) int {
	if r == nil {
		return -1
	}
	return r.Nr
}

// insertSrcNode finds or creates the source node for addr under r and
// applies the per-source limits. *sn may already hold the node.
func (e *Engine) insertSrcNode(sn **SourceNode, r *Rule, addr netip.Addr) bool {
	if *sn == nil {
		*sn = e.srcNodes.find(r, addr)
	}
	if *sn != nil {
		if r.MaxSrcStates != 0 && (*sn).States >= r.MaxSrcStates {
			e.counters.lcounters[LcntSrcStates]++
			return false
		}
		return true
	}

	if r.MaxSrcNodes != 0 && r.srcNodes >= r.MaxSrcNodes {
		e.counters.lcounters[LcntSrcNodes]++
		return false
	}
	n := e.srcNodes.pool.get()
	if n == nil {
		return false
	}
	now := e.clock.Now()
	key := srcKeyFor(r, addr)
	n.rule = key.rule
	n.Addr = addr
	n.Creation = now
	n.ConnRate.init(r.MaxSrcConnRate.Limit, r.MaxSrcConnRate.Seconds, now)
	e.srcNodes.m[key] = n
	if n.rule != nil {
		n.rule.srcNodes++
	}
	e.srcNodes.counters[scntSrcNodeInsert]++
	*sn = n
	return true
}

// releaseSrcNodes drops source nodes a failed state creation made and
// never used.
func (e *Engine) releaseSrcNodes(nodes ...*SourceNode) {
	for i, sn := range nodes {
		if sn == nil || sn.States != 0 || sn.Expire != 0 {
			continue
		}
		if slices.Index(nodes[:i], sn) >= 0 {
			continue
		}
		e.srcNodes.remove(sn)
	}
}

// srcTreeRemoveState releases s's references to its source nodes. Nodes
// left without states start their src.track countdown.
func (e *Engine) srcTreeRemoveState(s *State) {
	now := e.clock.Now()
	timeout := func() int64 {
		r := s.rule
		if r == nil {
			r = e.rules.Default
		}
		return int64(r.timeout(TimeoutSrcNode, &e.rules.Default.Timeouts))
	}
	if sn := s.srcNode; sn != nil {
		if s.Src.TCPEst && sn.Conn > 0 {
			sn.Conn--
		}
		if sn.States > 0 {
			sn.States--
		}
		if sn.States == 0 {
			sn.Expire = now + timeout()
		}
	}
	if nsn := s.natSrcNode; nsn != nil && nsn != s.srcNode {
		if nsn.States > 0 {
			nsn.States--
		}
		if nsn.States == 0 {
			nsn.Expire = now + timeout()
		}
	}
	s.srcNode, s.natSrcNode = nil, nil
}

// connLimit counts a newly established connection against s's source
// node. When a limit trips, the source may be put in the overload table
// and its states flushed, and s itself is killed; the result is then true.
func (e *Engine) connLimit(s *State) bool {
	sn, r := s.srcNode, s.rule
	now := e.clock.Now()

	sn.Conn++
	s.Src.TCPEst = true
	sn.ConnRate.add(now)

	bad := false
	if r.MaxSrcConn != 0 && r.MaxSrcConn < sn.Conn {
		e.counters.lcounters[LcntSrcConn]++
		bad = true
	}
	if r.MaxSrcConnRate.Limit != 0 && sn.ConnRate.exceeded() {
		e.counters.lcounters[LcntSrcConnRate]++
		bad = true
	}
	if !bad {
		return false
	}

	if r.overload != nil {
		e.counters.lcounters[LcntOverloadTable]++
		r.overload.Add(netip.PrefixFrom(sn.Addr, sn.Addr.BitLen()))
		killed := 0
		if r.Flush != FlushNone {
			e.counters.lcounters[LcntOverloadFlush]++
			// the source sits on the side the triggering state came from
			dir := s.key.Direction
			e.states.each(func(st *State) bool {
				sk := st.key
				if sk == nil || sk.Family != s.key.Family {
					return true
				}
				hit := (dir == DirOut && sk.LAN.Addr == sn.Addr) ||
					(dir == DirIn && sk.EXT.Addr == sn.Addr)
				if hit && (r.Flush == FlushGlobal || st.rule == r) {
					st.Timeout = TimeoutPurge
					st.Src.State, st.Dst.State = TCPClosed, TCPClosed
					killed++
				}
				return true
			})
		}
		e.log.WithFields(logrus.Fields{
			"src":     sn.Addr.String(),
			"table":   r.Overload,
			"flushed": killed,
		}).Info("source overloaded")
	}

	s.Timeout = TimeoutPurge
	s.Src.State, s.Dst.State = TCPClosed, TCPClosed
	return true
}

// purgeSrcNodes frees expired nodes that no state refers to.
func (e *Engine) purgeSrcNodes() int {
	now := e.clock.Now()
	n := 0
	for _, sn := range e.srcNodes.m {
		if sn.States == 0 && sn.Expire <= now {
			e.srcNodes.remove(sn)
			n++
		}
	}
	return n
}
