package pf

import (
	"cmp"
	"fmt"
	"net/netip"
)

// Endpoint is an address and port (or ICMP id) on one side of a state.
type Endpoint struct {
	Addr netip.Addr
	Port uint16
}

func (ep Endpoint) String() string {
	if ep.Addr.Is6() {
		return fmt.Sprintf("[%s]:%d", ep.Addr, ep.Port)
	}
	return fmt.Sprintf("%s:%d", ep.Addr, ep.Port)
}

// StateKey identifies a connection by both sides of its translation. LAN
// is the internal endpoint, GWY the translated one and EXT the remote
// peer; without translation LAN equals GWY. Direction is the direction
// of the packet that created the key and is not part of the identity.
type StateKey struct {
	LAN, GWY, EXT Endpoint
	Family        uint8
	Proto         uint8
	Direction     Direction

	states []*State
	refcnt int
}

func (k *StateKey) translated() bool { return k.LAN != k.GWY }

func compareLanExt(a, b *StateKey) int {
	if c := cmp.Compare(a.Proto, b.Proto); c != 0 {
		return c
	}
	if c := cmp.Compare(a.Family, b.Family); c != 0 {
		return c
	}
	if c := a.LAN.Addr.Compare(b.LAN.Addr); c != 0 {
		return c
	}
	if c := a.EXT.Addr.Compare(b.EXT.Addr); c != 0 {
		return c
	}
	if c := cmp.Compare(a.LAN.Port, b.LAN.Port); c != 0 {
		return c
	}
	return cmp.Compare(a.EXT.Port, b.EXT.Port)
}

func compareExtGwy(a, b *StateKey) int {
	if c := cmp.Compare(a.Proto, b.Proto); c != 0 {
		return c
	}
	if c := cmp.Compare(a.Family, b.Family); c != 0 {
		return c
	}
	if c := a.EXT.Addr.Compare(b.EXT.Addr); c != 0 {
		return c
	}
	if c := a.GWY.Addr.Compare(b.GWY.Addr); c != 0 {
		return c
	}
	if c := cmp.Compare(a.EXT.Port, b.EXT.Port); c != 0 {
		return c
	}
	return cmp.Compare(a.GWY.Port, b.GWY.Port)
}

// Peer is the tracking state of one side of a connection.
type Peer struct {
	SeqLo   uint32 // highest sequence number sent
	SeqHi   uint32 // highest sequence number the other side allows
	SeqDiff uint32 // modulation offset
	MaxWin  uint16
	MSS     uint16
	State   uint8
	WScale  uint8 // shift in the low bits, wscaleFlag when negotiated
	TCPEst  bool  // counted as an established connection of the source node
}

const (
	wscaleFlag = 0x80
	wscaleMask = 0x0f
)

// State is one tracked connection.
type State struct {
	ID        uint64
	CreatorID uint32
	Src, Dst  Peer
	Creation  int64
	Expire    int64
	Timeout   TimeoutClass
	Packets   [2]uint64
	Bytes     [2]uint64
	Log       bool
	AllowOpts bool
	Tag       string

	key        *StateKey
	kif        string
	rule       *Rule
	natRule    *Rule
	anchor     *Rule
	srcNode    *SourceNode
	natSrcNode *SourceNode
	seq        uint64
}

// Key returns the state's key. It is nil once the state is unlinked.
func (s *State) Key() *StateKey { return s.key }

func (s *State) dead() bool {
	return s.Timeout == TimeoutPurge || s.Timeout == TimeoutUnlinked
}

// peers returns the tracking state of the sender and the receiver of a
// packet travelling in dir.
func (s *State) peers(dir Direction) (src, dst *Peer) {
	if dir == s.key.Direction {
		return &s.Src, &s.Dst
	}
	return &s.Dst, &s.Src
}

// expires returns when s times out. The timeout shrinks linearly once the
// number of states passes the adaptive start, reaching zero at the end.
func (e *Engine) expires(s *State) int64 {
	switch s.Timeout {
	case TimeoutPurge:
		return e.clock.Now()
	case TimeoutUntilPacket:
		return 0
	case TimeoutUnlinked:
		return e.clock.Now()
	}
	defaults := &e.rules.Default.Timeouts
	r := s.rule
	if r == nil {
		r = e.rules.Default
	}
	timeout := int64(r.timeout(s.Timeout, defaults))

	start, end := int64(r.Timeouts[TimeoutAdaptiveStart]), int64(r.Timeouts[TimeoutAdaptiveEnd])
	states := int64(r.states)
	if start == 0 {
		start, end = int64(defaults[TimeoutAdaptiveStart]), int64(defaults[TimeoutAdaptiveEnd])
		states = int64(e.states.count)
	}
	if end != 0 && states > start && start < end {
		if states < end {
			return s.Expire + timeout*(end-states)/(end-start)
		}
		return e.clock.Now()
	}
	return s.Expire + timeout
}
