package pf

import (
	"net/netip"

	"github.com/igjeong/hyper-pf/packet"
)

// pdesc describes the packet under test. Addresses and ports track the
// translations applied so far; baddr/bport keep the values before them.
type pdesc struct {
	pkt *packet.ParsedPacket
	dir Direction
	kif string

	af, proto    uint8
	src, dst     netip.Addr
	sport, dport uint16 // icmp id on both sides for ICMP queries
	tos          uint8
	totLen       int
	pLen         int

	tcpFlags           uint8
	icmpType, icmpCode uint8
	icmpQuery          bool
	icmpError          bool
	hasPorts           bool
	fragment           bool // trailing fragment, no transport header
	ipOptions          bool
	reassembled        bool // strict RST sequence checks apply

	tag string

	baddr netip.Addr
	bport uint16

	rewrites []packet.Rewrite
}

func (pd *pdesc) rewrite(rw packet.Rewrite) {
	pd.rewrites = append(pd.rewrites, rw)
}

func (pd *pdesc) isTCP() bool { return pd.proto == protoTCP && pd.pkt.TCP != nil }

func (pd *pdesc) isICMP() bool {
	return (pd.proto == protoICMP && pd.af == packet.FamilyInet) ||
		(pd.proto == protoICMPv6 && pd.af == packet.FamilyInet6)
}

// frame is one anchor level on the evaluation stack.
type frame struct {
	lists    *RuleLists
	idx      int
	rule     *Rule
	children []*Anchor
	child    int
	matched  bool
}

// walker iterates the rules of one kind through the anchor tree.
type walker struct {
	kind   RuleKind
	lists  *RuleLists // nil past an empty wildcard anchor
	idx    int
	stack  []frame
	anchor *Rule // outermost anchor rule currently entered
	noSkip bool

	overflow func(r *Rule)
}

func newWalker(rs *Ruleset, kind RuleKind, noSkip bool, overflow func(r *Rule)) *walker {
	return &walker{
		kind:     kind,
		lists:    &rs.root.Rules,
		stack:    make([]frame, 0, 4),
		noSkip:   noSkip,
		overflow: overflow,
	}
}

func (w *walker) current() *Rule {
	if w.lists == nil {
		return nil
	}
	rules := w.lists[w.kind]
	if w.idx >= len(rules) {
		return nil
	}
	return rules[w.idx]
}

// advance moves past r after a failed predicate. class is a skip class, or
// skipCount to step to the next rule.
func (w *walker) advance(r *Rule, class int) {
	if class >= skipCount || w.noSkip {
		w.idx++
		return
	}
	w.idx = r.skip[class]
}

// stepInto descends into the anchor referenced by r.
func (w *walker) stepInto(r *Rule, match *bool) {
	if match != nil {
		*match = false
	}
	if len(w.stack) >= MaxAnchorDepth {
		if w.overflow != nil {
			w.overflow(r)
		}
		w.idx++
		return
	}
	if len(w.stack) == 0 {
		w.anchor = r
	}
	f := frame{lists: w.lists, idx: w.idx, rule: r}
	if r.AnchorWildcard {
		f.children = r.anchor.sortedChildren()
		w.stack = append(w.stack, f)
		if len(f.children) == 0 {
			w.lists = nil
			return
		}
		w.lists = &f.children[0].Rules
	} else {
		w.stack = append(w.stack, f)
		w.lists = &r.anchor.Rules
	}
	w.idx = 0
}

// stepOut climbs back out of finished anchors. It reports true when a
// quick anchor rule whose sub-ruleset matched ends evaluation.
func (w *walker) stepOut(match *bool) bool {
	for {
		if len(w.stack) == 0 {
			return false
		}
		f := &w.stack[len(w.stack)-1]
		if f.rule.AnchorWildcard && f.child+1 < len(f.children) {
			if match != nil && *match {
				f.matched = true
				*match = false
			}
			f.child++
			w.lists = &f.children[f.child].Rules
			w.idx = 0
			if len(w.lists[w.kind]) > 0 {
				return false
			}
			continue
		}
		popped := *f
		w.stack = w.stack[:len(w.stack)-1]
		if len(w.stack) == 0 {
			w.anchor = nil
		}
		w.lists = popped.lists
		quick := false
		if popped.matched || (match != nil && *match) {
			quick = popped.rule.Quick
		}
		w.idx = popped.idx + 1
		if quick {
			return true
		}
		if w.current() != nil {
			return false
		}
	}
}

// rule test results besides skip classes
const (
	ruleNext  = skipCount
	ruleMatch = -1
)

func matchTag(r *Rule, tag string) bool {
	return (r.MatchTag == tag) != r.TagNot
}

func kifMatch(r *Rule, kif string) bool {
	return r.Interface == AnyInterface || r.Interface == kif
}

// testFilterRule runs the predicates of a filter rule against pd. It
// returns ruleMatch, a skip class, or ruleNext.
func (e *Engine) testFilterRule(r *Rule, pd *pdesc) int {
	switch {
	case kifMatch(r, pd.kif) == r.IfNot:
		return skipIfp
	case r.Direction != DirInOut && r.Direction != pd.dir:
		return skipDir
	case r.Family != 0 && r.Family != pd.af:
		return skipAF
	case r.Proto != 0 && r.Proto != pd.proto:
		return skipProto
	case r.Src.Addr.mismatch(pd.src, r.Src.Neg):
		return skipSrcAddr
	}
	if r.Src.PortOp != PortOpNone {
		if !pd.hasPorts {
			return ruleNext
		}
		if !matchPort(r.Src.PortOp, r.Src.Port[0], r.Src.Port[1], pd.sport) {
			return skipSrcPorts
		}
	}
	if r.Dst.Addr.mismatch(pd.dst, r.Dst.Neg) {
		return skipDstAddr
	}
	if r.Dst.PortOp != PortOpNone {
		if !pd.hasPorts {
			return ruleNext
		}
		if !matchPort(r.Dst.PortOp, r.Dst.Port[0], r.Dst.Port[1], pd.dport) {
			return skipDstPorts
		}
	}

	if r.ICMPType != 0 || r.ICMPCode != 0 {
		if pd.fragment || !pd.isICMP() {
			return ruleNext
		}
		if r.ICMPType != 0 && r.ICMPType != pd.icmpType+1 {
			return ruleNext
		}
		if r.ICMPCode != 0 && r.ICMPCode != pd.icmpCode+1 {
			return ruleNext
		}
	}
	if r.TOS != 0 && r.TOS != pd.tos {
		return ruleNext
	}
	if pd.fragment {
		if r.FlagSet != 0 || r.OS != "" {
			return ruleNext
		}
	} else {
		if r.Fragment {
			return ruleNext
		}
		if r.FlagSet != 0 && (!pd.isTCP() || r.FlagSet&pd.tcpFlags != r.Flags) {
			return ruleNext
		}
	}
	if r.Prob != 0 && r.Prob <= e.rand.Uint32() {
		return ruleNext
	}
	if r.MatchTag != "" && !matchTag(r, pd.tag) {
		return ruleNext
	}
	if r.OS != "" && (!pd.isTCP() || e.osfp == nil || !e.osfp.Match(pd.pkt, r.OS)) {
		return ruleNext
	}
	return ruleMatch
}

// evalFilter walks the filter rules and returns the last matching rule
// (the default rule when none matches) and the anchor it was found under.
func (e *Engine) evalFilter(pd *pdesc) (rm, am *Rule) {
	rm = e.rules.Default
	match := false
	w := newWalker(e.rules, KindFilter, e.noSkip, e.anchorOverflow)
	for r := w.current(); r != nil; r = w.current() {
		r.evaluations++
		if res := e.testFilterRule(r, pd); res != ruleMatch {
			w.advance(r, res)
		} else {
			if r.Tag != "" {
				pd.tag = r.Tag
			}
			if !r.isAnchor() {
				match = true
				rm, am = r, w.anchor
				if r.Quick {
					break
				}
				w.idx++
			} else {
				w.stepInto(r, &match)
			}
		}
		if w.current() == nil && w.stepOut(&match) {
			break
		}
	}
	return rm, am
}

// matchTranslation finds the first translation rule of kind matching pd.
// Rules that exempt traffic (no nat and friends) yield nil.
func (e *Engine) matchTranslation(pd *pdesc, kind RuleKind) *Rule {
	var rm *Rule
	w := newWalker(e.rules, kind, e.noSkip, e.anchorOverflow)
	for r := w.current(); r != nil && rm == nil; r = w.current() {
		src, dst := &r.Src, &r.Dst
		var xdst *AddrWrap
		srcAddrSkip, srcPortSkip := skipSrcAddr, skipSrcPorts
		if r.Action == ActionBINAT && pd.dir == DirIn {
			src, dst = &r.Dst, nil
			xdst = r.Pool.current()
			srcAddrSkip, srcPortSkip = skipDstAddr, skipDstPorts
		}

		r.evaluations++
		res := ruleMatch
		switch {
		case kifMatch(r, pd.kif) == r.IfNot:
			res = skipIfp
		case r.Direction != DirInOut && r.Direction != pd.dir:
			res = skipDir
		case r.Family != 0 && r.Family != pd.af:
			res = skipAF
		case r.Proto != 0 && r.Proto != pd.proto:
			res = skipProto
		case src.Addr.mismatch(pd.src, src.Neg):
			res = srcAddrSkip
		case src.PortOp != PortOpNone && !matchPort(src.PortOp, src.Port[0], src.Port[1], pd.sport):
			res = srcPortSkip
		case dst != nil && dst.Addr.mismatch(pd.dst, dst.Neg):
			res = skipDstAddr
		case xdst != nil && xdst.mismatch(pd.dst, false):
			res = ruleNext
		case dst != nil && dst.PortOp != PortOpNone && !matchPort(dst.PortOp, dst.Port[0], dst.Port[1], pd.dport):
			res = skipDstPorts
		case r.MatchTag != "" && !matchTag(r, pd.tag):
			res = ruleNext
		case r.OS != "" && (!pd.isTCP() || e.osfp == nil || !e.osfp.Match(pd.pkt, r.OS)):
			res = ruleNext
		}

		if res != ruleMatch {
			w.advance(r, res)
		} else {
			if r.Tag != "" {
				pd.tag = r.Tag
			}
			if !r.isAnchor() {
				rm = r
				continue
			}
			w.stepInto(r, nil)
		}
		if w.current() == nil {
			w.stepOut(nil)
		}
	}
	if rm != nil {
		switch rm.Action {
		case ActionNoNAT, ActionNoBINAT, ActionNoRDR:
			return nil
		}
	}
	return rm
}
