// Package pf implements a stateful packet filter: rule evaluation with skip
// steps and anchors, address translation pools, a state table indexed by
// both sides of a translation, TCP sequence tracking with SYN proxying, and
// per-source connection limiting.
package pf

import "fmt"

// Direction is the direction a packet crosses an interface.
type Direction uint8

const (
	DirInOut Direction = iota
	DirIn
	DirOut
)

func (d Direction) String() string {
	switch d {
	case DirIn:
		return "in"
	case DirOut:
		return "out"
	default:
		return "in/out"
	}
}

// Action is what a rule does with matching packets.
type Action uint8

const (
	ActionPass Action = iota
	ActionDrop
	ActionNAT
	ActionNoNAT
	ActionBINAT
	ActionNoBINAT
	ActionRDR
	ActionNoRDR
)

var actionNames = [...]string{
	ActionPass:    "pass",
	ActionDrop:    "block",
	ActionNAT:     "nat",
	ActionNoNAT:   "no nat",
	ActionBINAT:   "binat",
	ActionNoBINAT: "no binat",
	ActionRDR:     "rdr",
	ActionNoRDR:   "no rdr",
}

func (a Action) String() string {
	if int(a) < len(actionNames) {
		return actionNames[a]
	}
	return fmt.Sprintf("action(%d)", uint8(a))
}

// Verdict is the outcome of testing one packet.
type Verdict uint8

const (
	VerdictPass Verdict = iota
	VerdictDrop
	// VerdictSynProxyDrop means the packet was consumed by the SYN proxy,
	// which answered it with a synthetic segment.
	VerdictSynProxyDrop
)

func (v Verdict) String() string {
	switch v {
	case VerdictPass:
		return "pass"
	case VerdictDrop:
		return "drop"
	case VerdictSynProxyDrop:
		return "synproxy-drop"
	default:
		return fmt.Sprintf("verdict(%d)", uint8(v))
	}
}

// Reason explains a verdict.
type Reason uint8

const (
	ReasonMatch Reason = iota
	ReasonBadOffset
	ReasonFragment
	ReasonShort
	ReasonNormalize
	ReasonMemory
	ReasonBadTimestamp
	ReasonCongestion
	ReasonIPOption
	ReasonProtoChecksum
	ReasonBadState
	ReasonStateInsert
	ReasonStateLimit
	ReasonSrcLimit
	ReasonSynProxy
	reasonCount
)

var reasonNames = [reasonCount]string{
	"match", "bad-offset", "fragment", "short", "normalize", "memory",
	"bad-timestamp", "congestion", "ip-option", "proto-cksum",
	"state-mismatch", "state-insert", "state-limit", "src-limit", "synproxy",
}

func (r Reason) String() string {
	if r < reasonCount {
		return reasonNames[r]
	}
	return fmt.Sprintf("reason(%d)", uint8(r))
}

// Reasons lists every reason in counter order.
func Reasons() []Reason {
	out := make([]Reason, reasonCount)
	for i := range out {
		out[i] = Reason(i)
	}
	return out
}

// KeepState selects whether and how a passing rule creates state.
type KeepState uint8

const (
	KeepNone KeepState = iota
	KeepNormal
	KeepModulate
	KeepSynProxy
)

func (k KeepState) String() string {
	switch k {
	case KeepNormal:
		return "keep state"
	case KeepModulate:
		return "modulate state"
	case KeepSynProxy:
		return "synproxy state"
	default:
		return "no state"
	}
}

// TimeoutClass indexes the timeout table. The classes up to TimeoutMax
// carry configurable values; Purge, UntilPacket and Unlinked are markers.
type TimeoutClass uint8

const (
	TimeoutTCPFirst TimeoutClass = iota
	TimeoutTCPOpening
	TimeoutTCPEstablished
	TimeoutTCPClosing
	TimeoutTCPFinWait
	TimeoutTCPClosed
	TimeoutUDPFirst
	TimeoutUDPSingle
	TimeoutUDPMultiple
	TimeoutICMPFirst
	TimeoutICMPError
	TimeoutOtherFirst
	TimeoutOtherSingle
	TimeoutOtherMultiple
	TimeoutFrag
	TimeoutInterval
	TimeoutAdaptiveStart
	TimeoutAdaptiveEnd
	TimeoutSrcNode
	TimeoutTSDiff
	TimeoutMax
	TimeoutPurge
	TimeoutUntilPacket
	TimeoutUnlinked
)

var timeoutNames = [TimeoutMax]string{
	"tcp.first", "tcp.opening", "tcp.established", "tcp.closing",
	"tcp.finwait", "tcp.closed", "udp.first", "udp.single", "udp.multiple",
	"icmp.first", "icmp.error", "other.first", "other.single",
	"other.multiple", "frag", "interval", "adaptive.start", "adaptive.end",
	"src.track", "tcp.tsdiff",
}

func (c TimeoutClass) String() string {
	switch {
	case c < TimeoutMax:
		return timeoutNames[c]
	case c == TimeoutPurge:
		return "purge"
	case c == TimeoutUntilPacket:
		return "until-packet"
	case c == TimeoutUnlinked:
		return "unlinked"
	}
	return fmt.Sprintf("timeout(%d)", uint8(c))
}

// ParseTimeoutClass maps a timeout name such as "tcp.established" to its class.
func ParseTimeoutClass(name string) (TimeoutClass, bool) {
	for i, n := range timeoutNames {
		if n == name {
			return TimeoutClass(i), true
		}
	}
	return 0, false
}

// Timeouts holds one value in seconds per configurable class. Zero in a
// rule's table means "use the default".
type Timeouts [TimeoutMax]uint32

// DefaultTimeouts returns the stock timeout table.
func DefaultTimeouts() Timeouts {
	var t Timeouts
	t[TimeoutTCPFirst] = 120
	t[TimeoutTCPOpening] = 30
	t[TimeoutTCPEstablished] = 24 * 60 * 60
	t[TimeoutTCPClosing] = 900
	t[TimeoutTCPFinWait] = 45
	t[TimeoutTCPClosed] = 90
	t[TimeoutUDPFirst] = 60
	t[TimeoutUDPSingle] = 30
	t[TimeoutUDPMultiple] = 60
	t[TimeoutICMPFirst] = 20
	t[TimeoutICMPError] = 10
	t[TimeoutOtherFirst] = 60
	t[TimeoutOtherSingle] = 30
	t[TimeoutOtherMultiple] = 60
	t[TimeoutFrag] = 30
	t[TimeoutInterval] = 10
	t[TimeoutAdaptiveStart] = 6000
	t[TimeoutAdaptiveEnd] = 12000
	t[TimeoutSrcNode] = 0
	t[TimeoutTSDiff] = 30
	return t
}

// TCP peer states. The ordering matters: comparisons such as
// "state >= TCPFinWait2" are part of the tracking logic.
const (
	TCPClosed uint8 = iota
	TCPListen
	TCPSynSent
	TCPSynReceived
	TCPEstablished
	TCPCloseWait
	TCPFinWait1
	TCPClosing
	TCPLastAck
	TCPFinWait2
	TCPTimeWait
	TCPProxySrc
	TCPProxyDst
)

var tcpStateNames = [...]string{
	"CLOSED", "LISTEN", "SYN_SENT", "SYN_RCVD", "ESTABLISHED", "CLOSE_WAIT",
	"FIN_WAIT_1", "CLOSING", "LAST_ACK", "FIN_WAIT_2", "TIME_WAIT",
	"PROXY_SRC", "PROXY_DST",
}

// UDP and other-protocol peer states.
const (
	PeerNoTraffic uint8 = iota
	PeerSingle
	PeerMultiple
)

var peerStateNames = [...]string{"NO_TRAFFIC", "SINGLE", "MULTIPLE"}

// PeerStateName formats a peer state for the given protocol.
func PeerStateName(proto, state uint8) string {
	if proto == protoTCP {
		if int(state) < len(tcpStateNames) {
			return tcpStateNames[state]
		}
	} else if int(state) < len(peerStateNames) {
		return peerStateNames[state]
	}
	return fmt.Sprintf("%d", state)
}

// Limit names a bounded pool.
type Limit uint8

const (
	LimitStates Limit = iota
	LimitSrcNodes
	LimitFrags
	limitCount
)

func (l Limit) String() string {
	switch l {
	case LimitStates:
		return "states"
	case LimitSrcNodes:
		return "src-nodes"
	case LimitFrags:
		return "frags"
	}
	return fmt.Sprintf("limit(%d)", uint8(l))
}

// Limit counters, incremented when a rule limit refuses something.
const (
	LcntStates = iota
	LcntSrcStates
	LcntSrcNodes
	LcntSrcConn
	LcntSrcConnRate
	LcntOverloadTable
	LcntOverloadFlush
	lcntCount
)

// LimitCounterNames lists limit counters in index order.
var LimitCounterNames = [lcntCount]string{
	"max-states-per-rule", "max-src-states", "max-src-nodes", "max-src-conn",
	"max-src-conn-rate", "overload-table-insertion", "overload-flush-states",
}

// State table and source node counters.
const (
	fcntStateSearch = iota
	fcntStateInsert
	fcntStateRemovals
	fcntCount
)

const (
	scntSrcNodeSearch = iota
	scntSrcNodeInsert
	scntSrcNodeRemovals
	scntCount
)

const (
	protoICMP   = 1
	protoTCP    = 6
	protoUDP    = 17
	protoICMPv6 = 58
)
