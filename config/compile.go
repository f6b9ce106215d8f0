package config

import (
	"crypto/md5"
	"encoding/binary"
	"encoding/hex"
	"strings"

	"github.com/igjeong/hyper-pf/errors"
	"github.com/igjeong/hyper-pf/packet"
	"github.com/igjeong/hyper-pf/pf"
)

// NAT source ports used when a nat rule names no range.
const (
	DefaultNATPortLow  = 50001
	DefaultNATPortHigh = 65535
)

// Compile builds the ruleset described by c. Interface addresses and
// table contents are written into ifaces and tables, which must be the
// registries of the engine the ruleset is loaded into.
func (c *Config) Compile(tables *pf.Tables, ifaces *pf.Interfaces) (*pf.Ruleset, error) {
	ifBound, err := parseStatePolicy(c.Options.StatePolicy)
	if err != nil {
		return nil, err
	}
	timeouts, err := parseTimeouts(c.Timeouts)
	if err != nil {
		return nil, err
	}

	rs := pf.NewRuleset()
	if c.Options.DefaultAction == "pass" {
		rs.Default.Action = pf.ActionPass
	}
	for i, v := range timeouts {
		if v != 0 {
			rs.Default.Timeouts[i] = v
		}
	}

	for name, addrs := range c.Interfaces {
		hosts, err := parseHosts(addrs)
		if err != nil {
			return nil, errors.Attr(err, "interface", name)
		}
		ifaces.Set(name, hosts)
	}
	for name, t := range c.Tables {
		pfxs, err := parsePrefixes(t.Addresses)
		if err != nil {
			return nil, errors.Attr(err, "table", name)
		}
		tbl := tables.Get(name)
		tbl.Persist = t.Persist
		tbl.Replace(pfxs)
	}

	if err := c.Rules.appendTo(rs.Main(), ifBound); err != nil {
		return nil, err
	}
	for _, path := range c.AnchorPaths() {
		lists := c.Anchors[path]
		if err := lists.appendTo(rs.Anchor(path), ifBound); err != nil {
			return nil, errors.Attr(err, "anchor", path)
		}
	}
	return rs, nil
}

func (l *Rules) appendTo(a *pf.Anchor, ifBound bool) error {
	for _, list := range []struct {
		kind  pf.RuleKind
		rules []Rule
	}{
		{pf.KindNAT, l.NAT},
		{pf.KindBINAT, l.BINAT},
		{pf.KindRDR, l.RDR},
		{pf.KindFilter, l.Filter},
	} {
		for i := range list.rules {
			r, err := list.rules[i].build(list.kind, ifBound)
			if err != nil {
				return errors.Attr(errors.Attr(err, "kind", list.kind.String()), "index", i)
			}
			a.Append(list.kind, r)
		}
	}
	return nil
}

func invalid(field, value string) error {
	return errors.Attr(errors.Errorf(errors.KindValidation, "invalid %s", field), field, value)
}

// build converts one YAML rule into its engine form.
func (y *Rule) build(kind pf.RuleKind, ifBound bool) (*pf.Rule, error) {
	r := &pf.Rule{
		Quick:     y.Quick,
		Log:       y.Log,
		TOS:       y.TOS,
		Fragment:  y.Fragment,
		Tag:       y.Tag,
		OS:        y.OS,
		Label:     y.Label,
		AllowOpts: y.AllowOpts,
		IfBound:   ifBound,
	}

	if path, ok := strings.CutSuffix(y.Anchor, "/*"); ok {
		r.Anchor, r.AnchorWildcard = path, true
	} else {
		r.Anchor = y.Anchor
	}
	if err := y.action(kind, r); err != nil {
		return nil, err
	}

	switch y.Direction {
	case "", "inout":
	case "in":
		r.Direction = pf.DirIn
	case "out":
		r.Direction = pf.DirOut
	default:
		return nil, invalid("direction", y.Direction)
	}
	if name, ok := strings.CutPrefix(y.On, "!"); ok {
		r.Interface, r.IfNot = strings.TrimSpace(name), true
	} else {
		r.Interface = y.On
	}
	switch y.Family {
	case "":
	case "inet":
		r.Family = packet.FamilyInet
	case "inet6":
		r.Family = packet.FamilyInet6
	default:
		return nil, invalid("family", y.Family)
	}
	var err error
	if r.Proto, err = parseProto(y.Proto); err != nil {
		return nil, err
	}

	if r.Src.Addr, r.Src.Neg, err = ParseAddr(y.From); err != nil {
		return nil, errors.Attr(err, "field", "from")
	}
	if r.Src.PortOp, r.Src.Port, err = ParsePort(y.FromPort); err != nil {
		return nil, errors.Attr(err, "field", "from_port")
	}
	if r.Dst.Addr, r.Dst.Neg, err = ParseAddr(y.To); err != nil {
		return nil, errors.Attr(err, "field", "to")
	}
	if r.Dst.PortOp, r.Dst.Port, err = ParsePort(y.Port); err != nil {
		return nil, errors.Attr(err, "field", "port")
	}
	if (r.Src.PortOp != pf.PortOpNone || r.Dst.PortOp != pf.PortOpNone) &&
		r.Proto != packet.ProtocolTCP && r.Proto != packet.ProtocolUDP {
		return nil, errors.New(errors.KindValidation, "ports need proto tcp or udp")
	}

	if y.ICMPType != nil {
		r.ICMPType = *y.ICMPType + 1
	}
	if y.ICMPCode != nil {
		if y.ICMPType == nil {
			return nil, errors.New(errors.KindValidation, "icmp_code needs icmp_type")
		}
		r.ICMPCode = *y.ICMPCode + 1
	}
	if r.ICMPType != 0 && r.Proto != packet.ProtocolICMP && r.Proto != packet.ProtocolICMPv6 {
		return nil, errors.New(errors.KindValidation, "icmp_type needs proto icmp or icmp6")
	}
	if y.Prob != "" {
		if r.Prob, err = parseProbability(y.Prob); err != nil {
			return nil, err
		}
	}
	if y.Tagged != "" {
		r.MatchTag, r.TagNot = parseTag(y.Tagged)
	}
	if y.StatePolicy != "" {
		if r.IfBound, err = parseStatePolicy(y.StatePolicy); err != nil {
			return nil, err
		}
	}

	if kind == pf.KindFilter {
		err = y.filterOptions(r)
	} else {
		err = y.translation(kind, r)
	}
	if err != nil {
		return nil, err
	}

	if y.Flags != "" {
		if r.Flags, r.FlagSet, err = parseFlags(y.Flags); err != nil {
			return nil, err
		}
	} else if r.Action == pf.ActionPass && r.Anchor == "" && r.KeepState != pf.KeepNone &&
		r.Proto == packet.ProtocolTCP {
		r.Flags, r.FlagSet = packet.TCPFlagSYN, packet.TCPFlagSYN|packet.TCPFlagACK
	}
	if r.KeepState == pf.KeepSynProxy && r.Proto != packet.ProtocolTCP {
		return nil, errors.New(errors.KindValidation, "synproxy state needs proto tcp")
	}
	return r, nil
}

// translationActions holds the translating and exempting action per kind.
var translationActions = map[pf.RuleKind][2]pf.Action{
	pf.KindNAT:   {pf.ActionNAT, pf.ActionNoNAT},
	pf.KindBINAT: {pf.ActionBINAT, pf.ActionNoBINAT},
	pf.KindRDR:   {pf.ActionRDR, pf.ActionNoRDR},
}

func (y *Rule) action(kind pf.RuleKind, r *pf.Rule) error {
	a := strings.ReplaceAll(y.Action, "-", " ")
	switch kind {
	case pf.KindFilter:
		switch a {
		case "pass":
			r.Action = pf.ActionPass
		case "block", "drop":
			r.Action = pf.ActionDrop
		case "":
			if r.Anchor == "" {
				return errors.New(errors.KindValidation, "filter rule needs an action")
			}
		default:
			return invalid("action", y.Action)
		}
		return nil
	}

	actions := translationActions[kind]
	switch a {
	case "", kind.String():
		r.Action = actions[0]
	case "no " + kind.String():
		r.Action = actions[1]
	default:
		return invalid("action", y.Action)
	}
	return nil
}

func (y *Rule) filterOptions(r *pf.Rule) error {
	if len(y.Redirect) > 0 || y.RedirPort != "" || y.Pool != "" || y.StaticPort || y.Pass {
		return errors.New(errors.KindValidation, "translation options on a filter rule")
	}
	pass := r.Action == pf.ActionPass && r.Anchor == ""
	switch y.State {
	case "":
		if pass {
			r.KeepState = pf.KeepNormal
		}
	case "keep":
		r.KeepState = pf.KeepNormal
	case "modulate":
		r.KeepState = pf.KeepModulate
	case "synproxy":
		r.KeepState = pf.KeepSynProxy
	case "no", "none":
		r.KeepState = pf.KeepNone
	default:
		return invalid("state", y.State)
	}
	if !pass && r.KeepState != pf.KeepNone {
		return errors.New(errors.KindValidation, "only pass rules keep state")
	}

	switch y.Return {
	case "":
	case "rst":
		r.ReturnRST = true
		r.ReturnTTL = y.ReturnTTL
	case "icmp":
		r.ReturnICMP = true
		r.ReturnICMPCode = 3 // port unreachable
		if y.ReturnCode != nil {
			r.ReturnICMPCode = *y.ReturnCode
		}
	default:
		return invalid("return", y.Return)
	}
	if y.Return != "" && r.Action != pf.ActionDrop {
		return errors.New(errors.KindValidation, "return needs a block rule")
	}

	r.MaxStates = y.Max
	r.MaxSrcNodes = y.MaxSrcNodes
	r.MaxSrcStates = y.MaxSrcStates
	r.MaxSrcConn = y.MaxSrcConn
	if y.MaxSrcConnRate != "" {
		rate, err := parseRate(y.MaxSrcConnRate)
		if err != nil {
			return err
		}
		r.MaxSrcConnRate = rate
	}
	switch y.SourceTrack {
	case "":
	case "rule":
		r.SourceTrack = pf.SourceTrackRule
	case "global":
		r.SourceTrack = pf.SourceTrackGlobal
	default:
		return invalid("source_track", y.SourceTrack)
	}
	if y.Overload != "" {
		r.Overload = strings.TrimSuffix(strings.TrimPrefix(y.Overload, "<"), ">")
		if y.MaxSrcConn == 0 && y.MaxSrcConnRate == "" {
			return errors.New(errors.KindValidation, "overload needs max_src_conn or max_src_conn_rate")
		}
	}
	switch y.Flush {
	case "":
	case "rule":
		r.Flush = pf.FlushRule
	case "global":
		r.Flush = pf.FlushGlobal
	default:
		return invalid("flush", y.Flush)
	}
	if r.Flush != pf.FlushNone && r.Overload == "" {
		return errors.New(errors.KindValidation, "flush needs an overload table")
	}
	if !pass && (r.MaxStates != 0 || r.SourceTrack != pf.SourceTrackNone || r.Overload != "") {
		return errors.New(errors.KindValidation, "state limits need a pass rule that keeps state")
	}

	t, err := parseTimeouts(y.Timeouts)
	if err != nil {
		return err
	}
	r.Timeouts = t
	return nil
}

func (y *Rule) translation(kind pf.RuleKind, r *pf.Rule) error {
	if y.State != "" || y.Return != "" || y.Max != 0 || y.Overload != "" || y.Timeouts != nil {
		return errors.New(errors.KindValidation, "filter options on a translation rule")
	}
	r.NatPass = y.Pass
	exempt := r.Action == pf.ActionNoNAT || r.Action == pf.ActionNoBINAT || r.Action == pf.ActionNoRDR
	if exempt || r.Anchor != "" {
		if len(y.Redirect) > 0 {
			return errors.New(errors.KindValidation, "redirect on a rule that does not translate")
		}
		return nil
	}
	if len(y.Redirect) == 0 {
		return errors.New(errors.KindValidation, "translation rule needs redirect")
	}

	pool := &r.Pool
	dynamic := false
	for _, s := range y.Redirect {
		w, err := parseAddrWrap(strings.TrimSpace(s))
		if err != nil {
			return errors.Attr(err, "field", "redirect")
		}
		if w.Type == pf.AddrAny {
			return invalid("redirect", s)
		}
		dynamic = dynamic || w.Type == pf.AddrTable || w.Type == pf.AddrDynIf
		pool.Addrs = append(pool.Addrs, w)
	}
	switch y.Pool {
	case "":
		if len(pool.Addrs) > 1 || dynamic {
			pool.Type = pf.PoolRoundRobin
		}
	case "bitmask":
		pool.Type = pf.PoolBitmask
	case "random":
		pool.Type = pf.PoolRandom
	case "source-hash":
		pool.Type = pf.PoolSrcHash
	case "round-robin":
		pool.Type = pf.PoolRoundRobin
	default:
		return invalid("pool", y.Pool)
	}
	if (len(pool.Addrs) > 1 || dynamic) && pool.Type != pf.PoolRoundRobin && pool.Type != pf.PoolSrcHash {
		return errors.New(errors.KindValidation, "address lists and tables need round-robin or source-hash")
	}
	if y.HashKey != "" {
		if pool.Type != pf.PoolSrcHash {
			return errors.New(errors.KindValidation, "hash_key needs a source-hash pool")
		}
		key, err := parseHashKey(y.HashKey)
		if err != nil {
			return err
		}
		pool.Key = key
	}
	pool.Sticky = y.Sticky
	if pool.Sticky && pool.Type == pf.PoolNone {
		return errors.New(errors.KindValidation, "sticky_address needs a pool type")
	}

	switch kind {
	case pf.KindNAT:
		switch {
		case y.StaticPort:
			if y.RedirPort != "" {
				return errors.New(errors.KindValidation, "static_port with redirect_port")
			}
		case y.RedirPort == "":
			pool.ProxyPort = [2]uint16{DefaultNATPortLow, DefaultNATPortHigh}
		default:
			ports, err := parsePortRange(y.RedirPort)
			if err != nil {
				return err
			}
			if ports[1] == 0 {
				ports[1] = ports[0]
			}
			pool.ProxyPort = ports
		}
	case pf.KindRDR:
		if y.RedirPort != "" {
			ports, err := parsePortRange(y.RedirPort)
			if err != nil {
				return err
			}
			pool.ProxyPort = ports
		}
	case pf.KindBINAT:
		if y.RedirPort != "" || y.StaticPort {
			return errors.New(errors.KindValidation, "binat does not translate ports")
		}
		if len(pool.Addrs) != 1 || pool.Addrs[0].Type != pf.AddrMask || r.Src.Addr.Type != pf.AddrMask {
			return errors.New(errors.KindValidation, "binat maps one address block to another")
		}
	}
	return nil
}

// parseHashKey accepts a 128 bit hex key (0x followed by 32 digits) or
// any string, which is hashed into one.
func parseHashKey(s string) ([4]uint32, error) {
	var key [4]uint32
	var raw []byte
	if hexKey, ok := strings.CutPrefix(s, "0x"); ok {
		b, err := hex.DecodeString(hexKey)
		if err != nil || len(b) != 16 {
			return key, errors.Errorf(errors.KindValidation, "hash key %q is not 128 bits of hex", s)
		}
		raw = b
	} else {
		sum := md5.Sum([]byte(s))
		raw = sum[:]
	}
	for i := range key {
		key[i] = binary.BigEndian.Uint32(raw[i*4:])
	}
	return key, nil
}
