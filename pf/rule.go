package pf

import (
	"fmt"
	"net/netip"
	"strings"
)

// PoolType is the address selection policy of a translation pool.
type PoolType uint8

const (
	PoolNone PoolType = iota
	PoolBitmask
	PoolRandom
	PoolSrcHash
	PoolRoundRobin
)

func (p PoolType) String() string {
	switch p {
	case PoolBitmask:
		return "bitmask"
	case PoolRandom:
		return "random"
	case PoolSrcHash:
		return "source-hash"
	case PoolRoundRobin:
		return "round-robin"
	default:
		return "none"
	}
}

// Pool is the ordered list of addresses a translation rule maps into,
// with its selection policy and cursor.
type Pool struct {
	Addrs  []AddrWrap
	Type   PoolType
	Sticky bool
	Key    [4]uint32 // source-hash key
	// ProxyPort is the NAT source port range, or the RDR target port
	// (range). (0, 0) keeps the original port.
	ProxyPort [2]uint16

	cur     int
	counter netip.Addr
	tblidx  int
}

func (p *Pool) current() *AddrWrap {
	if len(p.Addrs) == 0 {
		return nil
	}
	return &p.Addrs[p.cur]
}

// SourceTrack selects how source nodes are keyed.
type SourceTrack uint8

const (
	SourceTrackNone SourceTrack = iota
	SourceTrackGlobal
	SourceTrackRule
)

// FlushMode controls which states an overload kills.
type FlushMode uint8

const (
	FlushNone FlushMode = iota
	FlushRule
	FlushGlobal
)

// Rate is a connection rate limit of Limit per Seconds.
type Rate struct {
	Limit   uint32
	Seconds uint32
}

// Rule is one filter or translation rule. Rules are built by the loader,
// referenced by the states they create and never copied.
type Rule struct {
	Action    Action
	Direction Direction
	Quick     bool
	Log       bool
	Interface string
	IfNot     bool
	Family    uint8 // 0, packet.FamilyInet or packet.FamilyInet6
	Proto     uint8
	Src, Dst  RuleAddr
	Flags     uint8
	FlagSet   uint8
	ICMPType  uint8 // type+1, zero matches any
	ICMPCode  uint8 // code+1, zero matches any
	TOS       uint8
	Fragment  bool
	Prob      uint32 // matches when random < Prob; zero always matches
	Tag       string
	MatchTag  string
	TagNot    bool
	OS        string
	Label     string

	KeepState KeepState
	IfBound   bool
	AllowOpts bool
	ReturnRST bool
	ReturnTTL uint8
	// ReturnICMP answers blocked packets with an unreachable of code
	// ReturnICMPCode.
	ReturnICMP     bool
	ReturnICMPCode uint8

	MaxStates      uint32
	MaxSrcNodes    uint32
	MaxSrcStates   uint32
	MaxSrcConn     uint32
	MaxSrcConnRate Rate
	SourceTrack    SourceTrack
	Overload       string
	Flush          FlushMode
	Timeouts       Timeouts

	Pool    Pool
	NatPass bool

	// Anchor is the path of the sub-ruleset a rule descends into.
	Anchor         string
	AnchorWildcard bool

	Nr       int
	skip     [skipCount]int
	anchor   *Anchor
	overload *Table

	evaluations uint64
	packets     [2]uint64
	bytes       [2]uint64
	states      uint32
	statesTotal uint64
	srcNodes    uint32
}

func (r *Rule) isAnchor() bool { return r.anchor != nil }

func (r *Rule) srcTrackByRule() bool {
	return r.SourceTrack == SourceTrackRule || r.Pool.Sticky
}

func (r *Rule) timeout(c TimeoutClass, defaults *Timeouts) uint32 {
	if t := r.Timeouts[c]; t != 0 {
		return t
	}
	return defaults[c]
}

func (r *Rule) String() string {
	var b strings.Builder
	if r.Anchor != "" {
		b.WriteString("anchor \"" + r.Anchor)
		if r.AnchorWildcard {
			b.WriteString("/*")
		}
		b.WriteString("\"")
	} else {
		b.WriteString(r.Action.String())
	}
	if r.ReturnRST {
		b.WriteString(" return-rst")
	} else if r.ReturnICMP {
		fmt.Fprintf(&b, " return-icmp(%d)", r.ReturnICMPCode)
	}
	if r.Direction != DirInOut {
		b.WriteString(" " + r.Direction.String())
	}
	if r.Log {
		b.WriteString(" log")
	}
	if r.Quick {
		b.WriteString(" quick")
	}
	if r.Interface != AnyInterface {
		b.WriteString(" on ")
		if r.IfNot {
			b.WriteString("! ")
		}
		b.WriteString(r.Interface)
	}
	switch r.Family {
	case 4:
		b.WriteString(" inet")
	case 6:
		b.WriteString(" inet6")
	}
	if r.Proto != 0 {
		b.WriteString(" proto " + protoName(r.Proto))
	}
	if r.Src.Addr.Type == AddrAny && !r.Src.Neg && r.Src.PortOp == PortOpNone &&
		r.Dst.Addr.Type == AddrAny && !r.Dst.Neg && r.Dst.PortOp == PortOpNone {
		b.WriteString(" all")
	} else {
		b.WriteString(" from " + r.Src.String() + " to " + r.Dst.String())
	}
	if r.FlagSet != 0 {
		fmt.Fprintf(&b, " flags %s/%s", flagString(r.Flags), flagString(r.FlagSet))
	}
	if r.MatchTag != "" {
		b.WriteString(" tagged ")
		if r.TagNot {
			b.WriteString("! ")
		}
		b.WriteString(r.MatchTag)
	}
	if r.Tag != "" {
		b.WriteString(" tag " + r.Tag)
	}
	if len(r.Pool.Addrs) > 0 {
		b.WriteString(" -> ")
		for i, a := range r.Pool.Addrs {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(a.String())
		}
		if r.Pool.ProxyPort[0] != 0 {
			fmt.Fprintf(&b, " port %d", r.Pool.ProxyPort[0])
			if r.Pool.ProxyPort[1] != 0 && r.Pool.ProxyPort[1] != r.Pool.ProxyPort[0] {
				fmt.Fprintf(&b, ":%d", r.Pool.ProxyPort[1])
			}
		}
		if r.Pool.Type != PoolNone {
			b.WriteString(" " + r.Pool.Type.String())
		}
		if r.Pool.Sticky {
			b.WriteString(" sticky-address")
		}
	}
	if r.Action == ActionPass && r.Anchor == "" {
		b.WriteString(" " + r.KeepState.String())
	}
	return b.String()
}

func protoName(p uint8) string {
	switch p {
	case protoTCP:
		return "tcp"
	case protoUDP:
		return "udp"
	case protoICMP:
		return "icmp"
	case protoICMPv6:
		return "icmp6"
	}
	return fmt.Sprintf("%d", p)
}

func flagString(f uint8) string {
	const names = "FSRPAUEW"
	var b []byte
	for i := 0; i < 8; i++ {
		if f&(1<<i) != 0 {
			b = append(b, names[i])
		}
	}
	return string(b)
}

// Skip step classes, in evaluation order.
const (
	skipIfp = iota
	skipDir
	skipAF
	skipProto
	skipSrcAddr
	skipSrcPorts
	skipDstAddr
	skipDstPorts
	skipCount
)

// calcSkipSteps sets, for every rule and class, the index of the first
// later rule whose value for that class differs. len(rules) means "end".
func calcSkipSteps(rules []*Rule) {
	var head [skipCount]int
	set := func(class, cur int) {
		for ; head[class] < cur; head[class]++ {
			rules[head[class]].skip[class] = cur
		}
	}
	for cur := 1; cur < len(rules); cur++ {
		r, prev := rules[cur], rules[cur-1]
		if r.Interface != prev.Interface || r.IfNot != prev.IfNot {
			set(skipIfp, cur)
		}
		if r.Direction != prev.Direction {
			set(skipDir, cur)
		}
		if r.Family != prev.Family {
			set(skipAF, cur)
		}
		if r.Proto != prev.Proto {
			set(skipProto, cur)
		}
		if !r.Src.sameAddr(&prev.Src) {
			set(skipSrcAddr, cur)
		}
		if !r.Src.samePorts(&prev.Src) {
			set(skipSrcPorts, cur)
		}
		if !r.Dst.sameAddr(&prev.Dst) {
			set(skipDstAddr, cur)
		}
		if !r.Dst.samePorts(&prev.Dst) {
			set(skipDstPorts, cur)
		}
	}
	for class := 0; class < skipCount; class++ {
		set(class, len(rules))
	}
}
