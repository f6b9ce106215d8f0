package pf

import (
	"encoding/binary"
	stderrors "errors"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/igjeong/hyper-pf/errors"
	"github.com/igjeong/hyper-pf/packet"
)

// Result is the decision for one packet. On pass the caller applies
// Rewrites to the packet before forwarding it.
type Result struct {
	Verdict  Verdict
	Reason   Reason
	Rule     *Rule
	Anchor   *Rule
	NATRule  *Rule
	State    *StateInfo
	Rewrites []packet.Rewrite
	Log      bool
	Tag      string
}

type counters struct {
	reasons         [reasonCount]uint64
	lcounters       [lcntCount]uint64
	verdicts        [3]uint64
	anchorOverflows uint64
	sentTCP         uint64
	sentICMP        uint64
}

// Engine is the packet filter. Every exported method is safe for
// concurrent use; packet tests and table maintenance are serialized.
type Engine struct {
	mu   sync.Mutex
	log  logrus.FieldLogger
	diag *rate.Limiter

	clock  Clock
	rand   Random
	sender Sender
	osfp   Fingerprinter
	hostID uint32

	limits Limits
	rules  *Ruleset
	tables *Tables
	ifaces *Interfaces

	states    *StateTable
	srcNodes  *srcNodeTable
	frags     *fragCache
	statePool *objPool[State]

	stateLock  atomic.Bool
	reassemble bool
	noSkip     bool

	counters    counters
	since       int64
	purgeCursor uint64
}

// EngineOption is a functional option for Engine configuration.
type EngineOption func(*Engine)

// WithLogger sets the logger. Lines carry component=engine.
func WithLogger(logger logrus.FieldLogger) EngineOption {
	return func(e *Engine) {
		e.log = logger
	}
}

// WithClock sets the time source.
func WithClock(c Clock) EngineOption {
	return func(e *Engine) {
		e.clock = c
	}
}

// WithRandom sets the randomness source.
func WithRandom(r Random) EngineOption {
	return func(e *Engine) {
		e.rand = r
	}
}

// WithSender sets where synthetic packets go.
func WithSender(s Sender) EngineOption {
	return func(e *Engine) {
		e.sender = s
	}
}

// WithFingerprinter enables os rule clauses.
func WithFingerprinter(f Fingerprinter) EngineOption {
	return func(e *Engine) {
		e.osfp = f
	}
}

// WithHostID sets the creator id stamped on new states.
func WithHostID(id uint32) EngineOption {
	return func(e *Engine) {
		e.hostID = id
	}
}

// WithLimits sets the pool sizes.
func WithLimits(l Limits) EngineOption {
	return func(e *Engine) {
		e.limits = l
	}
}

// WithReassembly declares that packets arrive reassembled, which enables
// the strict sequence check on resets.
func WithReassembly(on bool) EngineOption {
	return func(e *Engine) {
		e.reassemble = on
	}
}

// WithDiagnosticRate bounds how many packet path diagnostics are logged.
func WithDiagnosticRate(r rate.Limit, burst int) EngineOption {
	return func(e *Engine) {
		e.diag = rate.NewLimiter(r, burst)
	}
}

// WithTables shares a table registry with the engine.
func WithTables(t *Tables) EngineOption {
	return func(e *Engine) {
		e.tables = t
	}
}

// WithInterfaces shares an interface registry with the engine.
func WithInterfaces(i *Interfaces) EngineOption {
	return func(e *Engine) {
		e.ifaces = i
	}
}

// NewEngine creates an engine with an empty ruleset.
func NewEngine(opts ...EngineOption) *Engine {
	e := &Engine{
		limits: DefaultLimits(),
		diag:   rate.NewLimiter(rate.Every(100*time.Millisecond), 20),
	}
	for _, opt := range opts {
		opt(e)
	}

	if e.log == nil {
		e.log = logrus.StandardLogger()
	}
	e.log = e.log.WithField("component", "engine")
	if e.clock == nil {
		e.clock = MonotonicClock{}
	}
	if e.rand == nil {
		e.rand = defaultRandom{}
	}
	if e.sender == nil {
		e.sender = discardSender{}
	}
	if e.hostID == 0 {
		id := uuid.New()
		e.hostID = binary.BigEndian.Uint32(id[:4])
	}
	if e.tables == nil {
		e.tables = NewTables()
	}
	if e.ifaces == nil {
		e.ifaces = NewInterfaces()
	}

	e.states = newStateTable(e.hostID)
	e.statePool = newObjPool[State](e.limits[LimitStates])
	e.srcNodes = newSrcNodeTable(e.limits[LimitSrcNodes])
	e.frags = newFragCache(e.limits[LimitFrags])
	e.rules = NewRuleset()
	if err := e.rules.compile(e.tables, e.ifaces); err != nil {
		panic(err)
	}
	e.since = e.clock.Now()
	return e
}

// Tables returns the table registry rules resolve <name> against.
func (e *Engine) Tables() *Tables { return e.tables }

// Interfaces returns the registry behind (ifname) addresses.
func (e *Engine) Interfaces() *Interfaces { return e.ifaces }

// HostID returns the creator id of states made here.
func (e *Engine) HostID() uint32 { return e.hostID }

// LoadRuleset compiles rs and makes it active. Existing states keep
// the rules that created them.
func (e *Engine) LoadRuleset(rs *Ruleset) error {
	if err := rs.compile(e.tables, e.ifaces); err != nil {
		return errors.Wrap(err, errors.GetKind(err), "compile ruleset")
	}
	e.mu.Lock()
	e.rules = rs
	e.mu.Unlock()
	e.log.WithField("ticket", rs.Ticket).Info("ruleset loaded")
	return nil
}

// Ruleset returns the active ruleset.
func (e *Engine) Ruleset() *Ruleset {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rules
}

// SetStateLock raises or lowers the state lock. While raised no state is
// created and packets needing one are dropped with ReasonMemory.
func (e *Engine) SetStateLock(on bool) {
	e.stateLock.Store(on)
}

// SetLimit changes a pool size. It fails when more objects than the new
// limit are in use.
func (e *Engine) SetLimit(l Limit, n int) error {
	if l >= limitCount {
		return errors.Errorf(errors.KindValidation, "unknown limit %d", l)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	var inUse int
	switch l {
	case LimitStates:
		inUse = e.statePool.inUse
	case LimitSrcNodes:
		inUse = e.srcNodes.pool.inUse
	case LimitFrags:
		inUse = e.frags.pool.inUse
	}
	if n != 0 && n < inUse {
		return errors.Attr(errors.Errorf(errors.KindConflict, "%s limit below current use", l), "in_use", inUse)
	}
	switch l {
	case LimitStates:
		e.statePool.setLimit(n)
	case LimitSrcNodes:
		e.srcNodes.pool.setLimit(n)
	case LimitFrags:
		e.frags.pool.setLimit(n)
	}
	e.limits[l] = n
	return nil
}

// TestRaw parses raw and tests it. Packets that do not parse are dropped
// as short or bad fragments.
func (e *Engine) TestRaw(dir Direction, ifname string, raw []byte) (*packet.ParsedPacket, Result) {
	p, err := packet.Parse(raw)
	if err != nil {
		res := Result{Verdict: VerdictDrop, Reason: ReasonShort}
		if stderrors.Is(err, packet.ErrBadFragment) {
			res.Reason = ReasonFragment
		}
		e.mu.Lock()
		e.counters.reasons[res.Reason]++
		e.counters.verdicts[VerdictDrop]++
		e.mu.Unlock()
		return nil, res
	}
	return p, e.Test(dir, ifname, p)
}

// Test decides the fate of p crossing interface ifname in dir. Existing
// state is consulted first; otherwise the rules are evaluated and state
// is created when they ask for it.
func (e *Engine) Test(dir Direction, ifname string, p *packet.ParsedPacket) Result {
	e.mu.Lock()
	defer e.mu.Unlock()

	pd := e.describe(dir, ifname, p)
	var res Result
	var s *State
	// a leading fragment is keyed before translation changes pd
	leading := !pd.fragment && p.IsFragment()
	var fk fragKey
	if pd.fragment {
		res = e.testFragment(pd)
	} else {
		if leading {
			fk = fragKeyOf(pd)
		}
		res, s = e.testPacket(pd)
	}

	if res.Verdict == VerdictPass && pd.ipOptions {
		allow := (s != nil && s.AllowOpts) || (res.Rule != nil && res.Rule.AllowOpts)
		if !allow {
			res.Verdict, res.Reason = VerdictDrop, ReasonIPOption
			res.Log = true
			e.diagf("dropping packet with ip options %s -> %s", pd.src, pd.dst)
		}
	}

	e.account(pd, &res, s)
	if res.Verdict == VerdictPass {
		res.Rewrites = pd.rewrites
	}
	if leading {
		e.frags.remember(fk, &res, e.clock.Now())
	}
	if s != nil && s.key != nil {
		info := e.stateInfo(s)
		res.State = &info
	}
	if res.Log {
		e.log.WithFields(logrus.Fields{
			"dir":     dir.String(),
			"if":      ifname,
			"verdict": res.Verdict.String(),
			"reason":  res.Reason.String(),
			"rule":    ruleText(res.Rule),
			"src":     p.Src().String(),
			"dst":     p.Dst().String(),
			"proto":   protoName(p.Protocol()),
		}).Info("packet")
	}
	return res
}

func (e *Engine) describe(dir Direction, ifname string, p *packet.ParsedPacket) *pdesc {
	pd := &pdesc{
		pkt:         p,
		dir:         dir,
		kif:         ifname,
		af:          p.Family(),
		proto:       p.Protocol(),
		src:         p.Src(),
		dst:         p.Dst(),
		tos:         p.TOS(),
		totLen:      p.TotalLength(),
		pLen:        p.PayloadLength(),
		reassembled: e.reassemble,
	}
	if p.IPv4 != nil {
		pd.fragment = p.IPv4.FragmentOffset != 0
		pd.ipOptions = len(p.IPv4.Options) > 0
	}
	switch {
	case p.TCP != nil:
		pd.sport, pd.dport = p.TCP.SrcPort, p.TCP.DstPort
		pd.tcpFlags = p.TCP.Flags
		pd.hasPorts = true
	case p.UDP != nil:
		pd.sport, pd.dport = p.UDP.SrcPort, p.UDP.DstPort
		pd.hasPorts = true
	case p.ICMP != nil:
		pd.icmpType, pd.icmpCode = p.ICMP.Type, p.ICMP.Code
		if p.ICMP.IsError() {
			pd.icmpError = true
		} else {
			pd.icmpQuery = true
			pd.sport, pd.dport = p.ICMP.Identifier, p.ICMP.Identifier
		}
	}
	return pd
}

// testPacket runs the state trackers and falls back to the rules.
func (e *Engine) testPacket(pd *pdesc) (Result, *State) {
	var s *State
	var v Verdict
	var reason Reason
	switch {
	case pd.isTCP():
		s, v, reason = e.testStateTCP(pd)
	case pd.proto == protoUDP && pd.pkt.UDP != nil:
		s, v, reason = e.testStateUDP(pd)
	case pd.isICMP() && pd.pkt.ICMP != nil:
		s, v, reason = e.testStateICMP(pd)
	default:
		s, v, reason = e.testStateOther(pd)
	}

	switch {
	case s == nil:
		return e.testRules(pd)
	case v == VerdictPass:
		return Result{
			Verdict: VerdictPass,
			Reason:  ReasonMatch,
			Rule:    s.rule,
			Anchor:  s.anchor,
			NATRule: s.natRule,
			Log:     s.Log,
			Tag:     s.Tag,
		}, s
	default:
		return Result{Verdict: v, Reason: reason, Rule: s.rule, Log: s.Log}, s
	}
}

// testRules applies translation rules, evaluates the filter rules and
// creates state for passing packets that ask for it.
func (e *Engine) testRules(pd *pdesc) (Result, *State) {
	var tr translation
	var nr *Rule
	withID := pd.isICMP() && pd.icmpQuery

	if pd.dir == DirOut {
		pd.baddr, pd.bport = pd.src, pd.sport
		if t, ok := e.getTranslation(pd); ok {
			tr, nr = t, t.rule
			if pd.src != tr.addr {
				pd.rewrite(packet.Rewrite{Field: packet.FieldSrcAddr, Addr: tr.addr})
				pd.src = tr.addr
			}
			switch {
			case pd.hasPorts && pd.sport != tr.port:
				pd.rewrite(packet.Rewrite{Field: packet.FieldSrcPort, Port: tr.port})
				pd.sport = tr.port
			case withID && pd.sport != tr.port:
				pd.rewrite(packet.Rewrite{Field: packet.FieldICMPID, Port: tr.port})
				pd.sport, pd.dport = tr.port, tr.port
			}
		}
	} else {
		pd.baddr, pd.bport = pd.dst, pd.dport
		if t, ok := e.getTranslation(pd); ok {
			tr, nr = t, t.rule
			if pd.dst != tr.addr {
				pd.rewrite(packet.Rewrite{Field: packet.FieldDstAddr, Addr: tr.addr})
				pd.dst = tr.addr
			}
			if pd.hasPorts && pd.dport != tr.port {
				pd.rewrite(packet.Rewrite{Field: packet.FieldDstPort, Port: tr.port})
				pd.dport = tr.port
			}
		}
	}

	var r, a *Rule
	if nr != nil && nr.NatPass {
		r = e.rules.Default
	} else {
		r, a = e.evalFilter(pd)
	}
	res := Result{Rule: r, Anchor: a, NATRule: nr, Tag: pd.tag}
	res.Log = r.Log || (nr != nil && nr.Log)

	if r.Action == ActionDrop && (nr == nil || !nr.NatPass) {
		e.returnBlocked(pd, r, nr)
		res.Verdict, res.Reason = VerdictDrop, ReasonMatch
		return res, nil
	}

	res.Verdict, res.Reason = VerdictPass, ReasonMatch
	if pd.icmpError || (r.KeepState == KeepNone && nr == nil) {
		return res, nil
	}
	s, v, reason := e.createState(pd, r, a, nr, &tr)
	res.Verdict, res.Reason = v, reason
	if v != VerdictPass && s == nil {
		res.Log = true
	}
	return res, s
}

// undoTranslation restores the addresses a translation rule changed so
// replies to the packet reach its real sender.
func (pd *pdesc) undoTranslation() {
	if pd.dir == DirOut {
		pd.src, pd.sport = pd.baddr, pd.bport
	} else {
		pd.dst, pd.dport = pd.baddr, pd.bport
	}
}

// returnBlocked answers a blocked packet with a reset or an ICMP
// unreachable when the rule asks for it.
func (e *Engine) returnBlocked(pd *pdesc, r, nr *Rule) {
	switch {
	case r.ReturnRST && pd.isTCP() && pd.tcpFlags&packet.TCPFlagRST == 0:
		if nr != nil {
			pd.undoTranslation()
		}
		th := pd.pkt.TCP
		ack := th.SeqNum + uint32(pd.pLen)
		if th.Flags&packet.TCPFlagSYN != 0 {
			ack++
		}
		if th.Flags&packet.TCPFlagFIN != 0 {
			ack++
		}
		e.sendTCP(packet.Segment{
			Src: pd.dst, Dst: pd.src, SrcPort: pd.dport, DstPort: pd.sport,
			Seq: th.AckNum, Ack: ack, Flags: packet.TCPFlagRST | packet.TCPFlagACK,
			TTL: r.ReturnTTL,
		})
	case r.ReturnICMP && !pd.icmpError:
		if nr != nil {
			pd.undoTranslation()
		}
		typ := packet.ICMPTypeUnreach
		if pd.af == packet.FamilyInet6 {
			typ = packet.ICMPv6TypeUnreach
		}
		raw := pd.pkt.Raw
		e.sendICMP(packet.ICMPError{
			Src: pd.dst, Dst: pd.src, Type: typ, Code: r.ReturnICMPCode,
			Quote: append([]byte(nil), raw[:packet.QuoteLength(pd.pkt)]...),
		})
	}
}

// createState builds, links and initializes the state for a packet that
// passed the rules.
func (e *Engine) createState(pd *pdesc, r, a, nr *Rule, tr *translation) (*State, Verdict, Reason) {
	if r.MaxStates != 0 && r.states >= r.MaxStates {
		e.counters.lcounters[LcntStates]++
		return nil, VerdictDrop, ReasonStateLimit
	}

	var sn, nsn *SourceNode
	if (r.SourceTrack != SourceTrackNone || r.Pool.Sticky) && !e.insertSrcNode(&sn, r, pd.src) {
		return nil, VerdictDrop, ReasonSrcLimit
	}
	if nr != nil && nr.Pool.Sticky {
		addr := pd.src
		if pd.dir == DirOut {
			addr = pd.baddr
		}
		nsn = tr.snode
		if !e.insertSrcNode(&nsn, nr, addr) {
			e.releaseSrcNodes(sn, nsn)
			return nil, VerdictDrop, ReasonSrcLimit
		}
	}

	var s *State
	if !e.stateLock.Load() {
		s = e.statePool.get()
	}
	if s == nil {
		e.releaseSrcNodes(sn, nsn)
		return nil, VerdictDrop, ReasonMemory
	}

	now := e.clock.Now()
	s.rule, s.anchor, s.natRule = r, a, nr
	s.AllowOpts = r.AllowOpts
	s.Log = r.Log || (nr != nil && nr.Log)
	s.Tag = pd.tag
	e.stateCounters(s, 1)

	switch {
	case pd.isTCP():
		th := pd.pkt.TCP
		s.Src.SeqLo = th.SeqNum
		s.Src.SeqHi = th.SeqNum + uint32(pd.pLen) + 1
		if th.Flags&(packet.TCPFlagSYN|packet.TCPFlagACK) == packet.TCPFlagSYN && r.KeepState == KeepModulate {
			for s.Src.SeqDiff == 0 {
				s.Src.SeqDiff = e.rand.Uint32() - s.Src.SeqLo
			}
			pd.rewrite(packet.Rewrite{Field: packet.FieldTCPSeq, Value: s.Src.SeqLo + s.Src.SeqDiff})
		}
		if th.Flags&packet.TCPFlagSYN != 0 {
			s.Src.SeqHi++
			s.Src.WScale = getWScale(th)
		}
		s.Src.MaxWin = max(th.Window, 1)
		if shift := s.Src.WScale & wscaleMask; shift != 0 {
			// remove the scale factor from the initial window
			win := uint32(s.Src.MaxWin) + 1<<shift
			s.Src.MaxWin = uint16((win - 1) >> shift)
		}
		if th.Flags&packet.TCPFlagFIN != 0 {
			s.Src.SeqHi++
		}
		s.Dst.SeqHi = 1
		s.Dst.MaxWin = 1
		s.Src.State, s.Dst.State = TCPSynSent, TCPClosed
		s.Timeout = TimeoutTCPFirst
	case pd.proto == protoUDP:
		s.Src.State, s.Dst.State = PeerSingle, PeerNoTraffic
		s.Timeout = TimeoutUDPFirst
	case pd.isICMP():
		s.Timeout = TimeoutICMPFirst
	default:
		s.Src.State, s.Dst.State = PeerSingle, PeerNoTraffic
		s.Timeout = TimeoutOtherFirst
	}
	s.Creation, s.Expire = now, now

	if sn != nil {
		s.srcNode = sn
		sn.States++
	}
	if nsn != nil {
		nsn.RAddr = tr.addr
		s.natSrcNode = nsn
		nsn.States++
	}

	sk := e.states.newKey(s)
	sk.Family, sk.Proto, sk.Direction = pd.af, pd.proto, pd.dir
	icmp := pd.isICMP()
	if pd.dir == DirOut {
		sk.GWY = Endpoint{pd.src, pd.sport}
		sk.EXT = Endpoint{pd.dst, pd.dport}
		if nr != nil {
			sk.LAN = Endpoint{pd.baddr, pd.bport}
		} else {
			sk.LAN = sk.GWY
		}
		if icmp {
			sk.EXT.Port = 0
		}
	} else {
		sk.LAN = Endpoint{pd.dst, pd.dport}
		sk.EXT = Endpoint{pd.src, pd.sport}
		if nr != nil {
			sk.GWY = Endpoint{pd.baddr, pd.bport}
		} else {
			sk.GWY = sk.LAN
		}
		if icmp {
			sk.EXT.Port = 0
		}
	}

	kif := AnyInterface
	if r.IfBound {
		kif = pd.kif
	}
	if err := e.states.insert(s, kif); err != nil {
		e.diagf("state insert failed: %s %s %s -> %s -> %s: %v", pd.dir, protoName(pd.proto),
			sk.LAN, sk.GWY, sk.EXT, err)
		if sn != nil {
			sn.States--
		}
		if nsn != nil {
			nsn.States--
		}
		s.srcNode, s.natSrcNode = nil, nil
		e.releaseSrcNodes(sn, nsn)
		e.stateCounters(s, -1)
		e.statePool.put(s)
		return nil, VerdictDrop, ReasonStateInsert
	}

	if pd.isTCP() && pd.tcpFlags&(packet.TCPFlagSYN|packet.TCPFlagACK) == packet.TCPFlagSYN &&
		r.KeepState == KeepSynProxy {
		th := pd.pkt.TCP
		s.Src.State = TCPProxySrc
		if nr != nil {
			pd.undoTranslation()
		}
		s.Src.SeqHi = e.rand.Uint32()
		s.Src.MSS = synproxyMSS(pd.af, th.MSS())
		e.sendTCP(packet.Segment{
			Src: pd.dst, Dst: pd.src, SrcPort: pd.dport, DstPort: pd.sport,
			Seq: s.Src.SeqHi, Ack: th.SeqNum + 1,
			Flags: packet.TCPFlagSYN | packet.TCPFlagACK, MSS: s.Src.MSS,
		})
		return s, VerdictSynProxyDrop, ReasonSynProxy
	}
	return s, VerdictPass, ReasonMatch
}

// stateCounters adds delta to the state counts of the rules s refers to.
func (e *Engine) stateCounters(s *State, delta int) {
	for _, r := range [...]*Rule{s.rule, s.anchor, s.natRule} {
		if r == nil {
			continue
		}
		r.states = uint32(int(r.states) + delta)
		if delta > 0 {
			r.statesTotal++
		}
	}
}

// account updates rule, state and source node counters for a packet
// that passed or hit a block rule.
func (e *Engine) account(pd *pdesc, res *Result, s *State) {
	e.counters.reasons[res.Reason]++
	e.counters.verdicts[res.Verdict]++
	if res.Verdict != VerdictPass && (res.Rule == nil || res.Rule.Action != ActionDrop) {
		return
	}
	dirndx := 0
	if pd.dir == DirOut {
		dirndx = 1
	}
	n := uint64(pd.totLen)
	for _, r := range [...]*Rule{res.Rule, res.Anchor, res.NATRule} {
		if r != nil {
			r.packets[dirndx]++
			r.bytes[dirndx] += n
		}
	}
	if s == nil || s.key == nil {
		return
	}
	for _, sn := range [...]*SourceNode{s.srcNode, s.natSrcNode} {
		if sn != nil {
			sn.Packets[dirndx]++
			sn.Bytes[dirndx] += n
		}
	}
	i := 1
	if pd.dir == s.key.Direction {
		i = 0
	}
	s.Packets[i]++
	s.Bytes[i] += n
}

// diagf logs a rate limited packet path diagnostic.
func (e *Engine) diagf(format string, args ...any) {
	if e.diag.Allow() {
		e.log.Debugf(format, args...)
	}
}

func (e *Engine) anchorOverflow(r *Rule) {
	e.counters.anchorOverflows++
	if e.diag.Allow() {
		e.log.WithField("anchor", r.Anchor).Warn("anchor stack overflow, skipping")
	}
}

func (e *Engine) sendTCP(seg packet.Segment) {
	e.counters.sentTCP++
	e.sender.SendTCP(seg)
}

func (e *Engine) sendICMP(msg packet.ICMPError) {
	e.counters.sentICMP++
	e.sender.SendICMP(msg)
}

// unlinkState removes s from the lookup indices. It stays on the state
// list until freeState. A half open proxied connection is reset.
func (e *Engine) unlinkState(s *State) {
	if sk := s.key; sk != nil && s.Src.State == TCPProxyDst {
		e.sendTCP(packet.Segment{
			Src: sk.EXT.Addr, Dst: sk.LAN.Addr, SrcPort: sk.EXT.Port, DstPort: sk.LAN.Port,
			Seq: s.Src.SeqHi, Ack: s.Src.SeqLo + 1, Flags: packet.TCPFlagRST | packet.TCPFlagACK,
			Tag: s.Tag,
		})
	}
	e.states.removeID(s)
	s.Timeout = TimeoutUnlinked
	e.srcTreeRemoveState(s)
	e.states.detach(s, 0)
}

// freeState releases an unlinked state.
func (e *Engine) freeState(s *State) {
	if s.Timeout != TimeoutUnlinked {
		panic("pf: freeing a state that is still linked")
	}
	e.stateCounters(s, -1)
	e.states.remove(s)
	e.statePool.put(s)
}

func ruleText(r *Rule) string {
	if r == nil {
		return ""
	}
	return r.String()
}

// Flow names a connection the way its packets look on one side.
type Flow struct {
	Family  uint8
	Proto   uint8
	Src     netip.Addr
	Dst     netip.Addr
	SrcPort uint16
	DstPort uint16
}

// FindState returns the live state a packet of f crossing ifname in dir
// would match.
func (e *Engine) FindState(dir Direction, ifname string, f Flow) (StateInfo, bool) {
	pd := &pdesc{dir: dir, kif: ifname, af: f.Family, proto: f.Proto,
		src: f.Src, dst: f.Dst, sport: f.SrcPort, dport: f.DstPort}
	key := pd.stateKey()

	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.lookupState(pd, &key)
	if s == nil {
		return StateInfo{}, false
	}
	return e.stateInfo(s), true
}
