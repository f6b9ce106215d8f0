package pf

import (
	"fmt"
	"net/netip"
	"strings"
)

// StateInfo is a snapshot of one state.
type StateInfo struct {
	ID        uint64    `json:"id"`
	CreatorID uint32    `json:"creator_id"`
	Interface string    `json:"interface,omitempty"`
	Family    uint8     `json:"af"`
	Proto     uint8     `json:"proto"`
	Direction Direction `json:"direction"`
	LAN       Endpoint  `json:"lan"`
	GWY       Endpoint  `json:"gwy"`
	EXT       Endpoint  `json:"ext"`
	Src       Peer      `json:"src"`
	Dst       Peer      `json:"dst"`
	Age       int64     `json:"age"`
	ExpiresIn int64     `json:"expires_in"`
	Timeout   string    `json:"timeout"`
	Packets   [2]uint64 `json:"packets"`
	Bytes     [2]uint64 `json:"bytes"`
	Rule      string    `json:"rule,omitempty"`
	NATRule   string    `json:"nat_rule,omitempty"`
	Anchor    string    `json:"anchor,omitempty"`
	Tag       string    `json:"tag,omitempty"`
}

// String formats the state the way pfctl -ss does.
func (si StateInfo) String() string {
	var b strings.Builder
	ifname := si.Interface
	if ifname == AnyInterface {
		ifname = "all"
	}
	fmt.Fprintf(&b, "%s %s ", ifname, protoName(si.Proto))
	if si.Direction == DirOut {
		b.WriteString(si.LAN.String())
		if si.LAN != si.GWY {
			b.WriteString(" -> " + si.GWY.String())
		}
		b.WriteString(" -> " + si.EXT.String())
	} else {
		b.WriteString(si.LAN.String())
		if si.LAN != si.GWY {
			b.WriteString(" <- " + si.GWY.String())
		}
		b.WriteString(" <- " + si.EXT.String())
	}
	fmt.Fprintf(&b, "       %s:%s", PeerStateName(si.Proto, si.Src.State), PeerStateName(si.Proto, si.Dst.State))
	return b.String()
}

func (e *Engine) stateInfo(s *State) StateInfo {
	now := e.clock.Now()
	si := StateInfo{
		ID:        s.ID,
		CreatorID: s.CreatorID,
		Interface: s.kif,
		Src:       s.Src,
		Dst:       s.Dst,
		Age:       now - s.Creation,
		Timeout:   s.Timeout.String(),
		Packets:   s.Packets,
		Bytes:     s.Bytes,
		Rule:      ruleText(s.rule),
		NATRule:   ruleText(s.natRule),
		Tag:       s.Tag,
	}
	if s.anchor != nil {
		si.Anchor = s.anchor.Anchor
	}
	if exp := e.expires(s) - now; exp > 0 {
		si.ExpiresIn = exp
	}
	if sk := s.key; sk != nil {
		si.Family, si.Proto, si.Direction = sk.Family, sk.Proto, sk.Direction
		si.LAN, si.GWY, si.EXT = sk.LAN, sk.GWY, sk.EXT
	}
	return si
}

// States returns a snapshot of every linked state in id order.
func (e *Engine) States() []StateInfo {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]StateInfo, 0, e.states.Len())
	e.states.each(func(s *State) bool {
		out = append(out, e.stateInfo(s))
		return true
	})
	return out
}

// StateByID returns the state with the given identity.
func (e *Engine) StateByID(id uint64, creator uint32) (StateInfo, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.states.findByID(id, creator)
	if s == nil {
		return StateInfo{}, false
	}
	return e.stateInfo(s), true
}

// KillStates unlinks every state whose source lies in src and whose
// destination lies in dst, seen from the side the state was created on.
// An invalid prefix matches everything. It returns the number killed.
func (e *Engine) KillStates(src, dst netip.Prefix) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	match := func(p netip.Prefix, a netip.Addr) bool { return !p.IsValid() || p.Contains(a) }
	var victims []*State
	e.states.each(func(s *State) bool {
		sk := s.key
		if sk == nil {
			return true
		}
		var sa, da netip.Addr
		if sk.Direction == DirOut {
			sa, da = sk.LAN.Addr, sk.EXT.Addr
		} else {
			sa, da = sk.EXT.Addr, sk.LAN.Addr
		}
		if match(src, sa) && match(dst, da) {
			victims = append(victims, s)
		}
		return true
	})
	for _, s := range victims {
		e.unlinkState(s)
	}
	if len(victims) > 0 {
		e.log.WithField("killed", len(victims)).Info("states killed")
	}
	return len(victims)
}

// SourceNodeInfo is a snapshot of one source node.
type SourceNodeInfo struct {
	Addr      netip.Addr `json:"addr"`
	RAddr     netip.Addr `json:"raddr,omitzero"`
	Rule      string     `json:"rule,omitempty"`
	States    uint32     `json:"states"`
	Conn      uint32     `json:"conn"`
	ConnRate  float64    `json:"conn_rate"`
	Age       int64      `json:"age"`
	ExpiresIn int64      `json:"expires_in"`
	Packets   [2]uint64  `json:"packets"`
	Bytes     [2]uint64  `json:"bytes"`
}

// SourceNodes returns a snapshot of every source node ordered by address.
func (e *Engine) SourceNodes() []SourceNodeInfo {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.clock.Now()
	nodes := e.srcNodes.sorted()
	out := make([]SourceNodeInfo, 0, len(nodes))
	for _, sn := range nodes {
		info := SourceNodeInfo{
			Addr:     sn.Addr,
			RAddr:    sn.RAddr,
			Rule:     ruleText(sn.rule),
			States:   sn.States,
			Conn:     sn.Conn,
			ConnRate: float64(sn.ConnRate.Count) / 1000,
			Age:      now - sn.Creation,
			Packets:  sn.Packets,
			Bytes:    sn.Bytes,
		}
		if sn.States == 0 && sn.Expire > now {
			info.ExpiresIn = sn.Expire - now
		}
		out = append(out, info)
	}
	return out
}

// FlushSourceNodes detaches every state from its source nodes and frees
// all nodes. It returns the number freed.
func (e *Engine) FlushSourceNodes() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.states.each(func(s *State) bool {
		s.srcNode, s.natSrcNode = nil, nil
		return true
	})
	n := 0
	for _, sn := range e.srcNodes.m {
		e.srcNodes.remove(sn)
		n++
	}
	e.log.WithField("flushed", n).Info("source nodes flushed")
	return n
}

// RuleInfo is a snapshot of one rule with its counters.
type RuleInfo struct {
	Kind        string    `json:"kind"`
	Anchor      string    `json:"anchor,omitempty"`
	Nr          int       `json:"nr"`
	Text        string    `json:"text"`
	Evaluations uint64    `json:"evaluations"`
	Packets     [2]uint64 `json:"packets"`
	Bytes       [2]uint64 `json:"bytes"`
	States      uint32    `json:"states"`
	StatesTotal uint64    `json:"states_total"`
	SrcNodes    uint32    `json:"src_nodes"`
}

// Rules lists the rules of the active ruleset, anchors depth first.
func (e *Engine) Rules() []RuleInfo {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []RuleInfo
	e.rules.Walk(func(a *Anchor, kind RuleKind, r *Rule) {
		out = append(out, RuleInfo{
			Kind:        kind.String(),
			Anchor:      a.Path,
			Nr:          r.Nr,
			Text:        r.String(),
			Evaluations: r.evaluations,
			Packets:     r.packets,
			Bytes:       r.bytes,
			States:      r.states,
			StatesTotal: r.statesTotal,
			SrcNodes:    r.srcNodes,
		})
	})
	return out
}

// Status is a snapshot of the engine counters.
type Status struct {
	HostID          uint32            `json:"host_id"`
	Ticket          string            `json:"ticket"`
	Uptime          int64             `json:"uptime"`
	StateLock       bool              `json:"state_lock"`
	States          int               `json:"states"`
	SrcNodes        int               `json:"src_nodes"`
	Frags           int               `json:"frags"`
	Verdicts        map[string]uint64 `json:"verdicts"`
	Reasons         map[string]uint64 `json:"reasons"`
	LimitCounters   map[string]uint64 `json:"limit_counters"`
	StateSearches   uint64            `json:"state_searches"`
	StateInserts    uint64            `json:"state_inserts"`
	StateRemovals   uint64            `json:"state_removals"`
	SrcNodeSearches uint64            `json:"src_node_searches"`
	SrcNodeInserts  uint64            `json:"src_node_inserts"`
	SrcNodeRemovals uint64            `json:"src_node_removals"`
	AnchorOverflows uint64            `json:"anchor_overflows"`
	SentTCP         uint64            `json:"sent_tcp"`
	SentICMP        uint64            `json:"sent_icmp"`
	Limits          map[string]int    `json:"limits"`
}

// Status returns the current counters.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := Status{
		HostID:          e.hostID,
		Ticket:          e.rules.Ticket,
		Uptime:          e.clock.Now() - e.since,
		StateLock:       e.stateLock.Load(),
		States:          e.states.Len(),
		SrcNodes:        len(e.srcNodes.m),
		Frags:           e.frags.len(),
		Verdicts:        make(map[string]uint64, 3),
		Reasons:         make(map[string]uint64, reasonCount),
		LimitCounters:   make(map[string]uint64, lcntCount),
		StateSearches:   e.states.counters[fcntStateSearch],
		StateInserts:    e.states.counters[fcntStateInsert],
		StateRemovals:   e.states.counters[fcntStateRemovals],
		SrcNodeSearches: e.srcNodes.counters[scntSrcNodeSearch],
		SrcNodeInserts:  e.srcNodes.counters[scntSrcNodeInsert],
		SrcNodeRemovals: e.srcNodes.counters[scntSrcNodeRemovals],
		AnchorOverflows: e.counters.anchorOverflows,
		SentTCP:         e.counters.sentTCP,
		SentICMP:        e.counters.sentICMP,
		Limits:          make(map[string]int, limitCount),
	}
	for v := VerdictPass; v <= VerdictSynProxyDrop; v++ {
		st.Verdicts[v.String()] = e.counters.verdicts[v]
	}
	for i, n := range e.counters.reasons {
		st.Reasons[Reason(i).String()] = n
	}
	for i, n := range e.counters.lcounters {
		st.LimitCounters[LimitCounterNames[i]] = n
	}
	for l := Limit(0); l < limitCount; l++ {
		st.Limits[l.String()] = e.limits[l]
	}
	return st
}

// TableAdd adds prefixes to the named table, creating it if needed.
func (e *Engine) TableAdd(name string, pfxs ...netip.Prefix) int {
	return e.tables.Get(name).Add(pfxs...)
}

// TableDelete removes prefixes from the named table.
func (e *Engine) TableDelete(name string, pfxs ...netip.Prefix) int {
	t, ok := e.tables.Lookup(name)
	if !ok {
		return 0
	}
	return t.Delete(pfxs...)
}

// TableList returns the prefixes of the named table.
func (e *Engine) TableList(name string) ([]netip.Prefix, bool) {
	t, ok := e.tables.Lookup(name)
	if !ok {
		return nil, false
	}
	return t.Prefixes(), true
}

// SetInterface replaces the addresses of an interface used by (ifname)
// rule entries.
func (e *Engine) SetInterface(name string, addrs ...netip.Addr) {
	e.ifaces.Set(name, addrs)
	e.log.WithField("interface", name).Debug("interface addresses updated")
}
