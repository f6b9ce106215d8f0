package config

import (
	"math"
	"net/netip"
	"strconv"
	"strings"

	"github.com/igjeong/hyper-pf/errors"
	"github.com/igjeong/hyper-pf/packet"
	"github.com/igjeong/hyper-pf/pf"
)

// ParseAddr parses a rule address: any, a host, a prefix, <table> or
// (ifname), optionally negated with a leading "!".
func ParseAddr(s string) (pf.AddrWrap, bool, error) {
	s = strings.TrimSpace(s)
	neg := false
	if strings.HasPrefix(s, "!") {
		neg = true
		s = strings.TrimSpace(s[1:])
	}
	w, err := parseAddrWrap(s)
	if err != nil {
		return pf.AddrWrap{}, false, err
	}
	if neg && w.Type == pf.AddrAny {
		return pf.AddrWrap{}, false, errors.New(errors.KindValidation, "cannot negate any")
	}
	return w, neg, nil
}

func parseAddrWrap(s string) (pf.AddrWrap, error) {
	switch {
	case s == "" || s == "any" || s == "all":
		return pf.Any(), nil
	case strings.HasPrefix(s, "<") && strings.HasSuffix(s, ">"):
		name := s[1 : len(s)-1]
		if name == "" {
			return pf.AddrWrap{}, errors.New(errors.KindValidation, "empty table name")
		}
		return pf.TableAddr(name), nil
	case strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")"):
		name := s[1 : len(s)-1]
		if name == "" {
			return pf.AddrWrap{}, errors.New(errors.KindValidation, "empty interface name")
		}
		return pf.DynAddr(name), nil
	case strings.Contains(s, "/"):
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return pf.AddrWrap{}, errors.Wrapf(err, errors.KindValidation, "invalid prefix %q", s)
		}
		return pf.Prefix(p), nil
	}
	a, err := netip.ParseAddr(s)
	if err != nil {
		return pf.AddrWrap{}, errors.Wrapf(err, errors.KindValidation, "invalid address %q", s)
	}
	return pf.Host(a.Unmap()), nil
}

// ParsePort parses a port clause. Accepted forms are 80, =80, !=22,
// <1024, <=1024, >1024, >=1024, 1000:2000 (inclusive), 1000><2000
// (strictly between) and 1000<>2000 (outside).
func ParsePort(s string) (pf.PortOp, [2]uint16, error) {
	s = strings.TrimSpace(s)
	var ports [2]uint16
	if s == "" || s == "any" {
		return pf.PortOpNone, ports, nil
	}
	for _, r := range []struct {
		sep string
		op  pf.PortOp
	}{
		{"><", pf.PortOpRange},
		{"<>", pf.PortOpExclude},
		{":", pf.PortOpInclusive},
	} {
		lo, hi, ok := strings.Cut(s, r.sep)
		if !ok || lo == "" {
			continue
		}
		var err error
		if ports[0], err = parsePortNumber(lo); err != nil {
			return 0, ports, err
		}
		if ports[1], err = parsePortNumber(hi); err != nil {
			return 0, ports, err
		}
		if ports[0] > ports[1] {
			return 0, ports, errors.Errorf(errors.KindValidation, "port range %q is reversed", s)
		}
		return r.op, ports, nil
	}
	op := pf.PortOpEq
	for _, p := range []struct {
		prefix string
		op     pf.PortOp
	}{
		{"!=", pf.PortOpNe},
		{"<=", pf.PortOpLe},
		{">=", pf.PortOpGe},
		{"=", pf.PortOpEq},
		{"<", pf.PortOpLt},
		{">", pf.PortOpGt},
	} {
		if rest, ok := strings.CutPrefix(s, p.prefix); ok {
			op, s = p.op, rest
			break
		}
	}
	var err error
	if ports[0], err = parsePortNumber(s); err != nil {
		return 0, ports, err
	}
	return op, ports, nil
}

func parsePortNumber(s string) (uint16, error) {
	n, err := strconv.ParseUint(strings.TrimSpace(s), 10, 16)
	if err != nil {
		return 0, errors.Wrapf(err, errors.KindValidation, "invalid port %q", s)
	}
	return uint16(n), nil
}

// parsePortRange parses a translation port: a single port or lo:hi.
func parsePortRange(s string) ([2]uint16, error) {
	var out [2]uint16
	lo, hi, ranged := strings.Cut(strings.TrimSpace(s), ":")
	var err error
	if out[0], err = parsePortNumber(lo); err != nil {
		return out, err
	}
	if !ranged {
		return out, nil
	}
	if out[1], err = parsePortNumber(hi); err != nil {
		return out, err
	}
	if out[0] == 0 || out[0] > out[1] {
		return out, errors.Errorf(errors.KindValidation, "invalid port range %q", s)
	}
	return out, nil
}

var protoNames = map[string]uint8{
	"icmp":  packet.ProtocolICMP,
	"tcp":   packet.ProtocolTCP,
	"udp":   packet.ProtocolUDP,
	"icmp6": packet.ProtocolICMPv6,
}

func parseProto(s string) (uint8, error) {
	if s == "" || s == "any" {
		return 0, nil
	}
	if p, ok := protoNames[s]; ok {
		return p, nil
	}
	n, err := strconv.ParseUint(s, 10, 8)
	if err != nil || n == 0 {
		return 0, errors.Errorf(errors.KindValidation, "unknown protocol %q", s)
	}
	return uint8(n), nil
}

const flagLetters = "FSRPAUEW"

// parseFlags parses "S/SA" style flag clauses. "any" clears the check.
func parseFlags(s string) (flags, set uint8, err error) {
	if s == "any" {
		return 0, 0, nil
	}
	want, mask, ok := strings.Cut(s, "/")
	if !ok {
		mask = flagLetters
	}
	bits := func(letters string) (uint8, error) {
		var b uint8
		for _, c := range letters {
			i := strings.IndexRune(flagLetters, c)
			if i < 0 {
				return 0, errors.Errorf(errors.KindValidation, "unknown TCP flag %q in %q", c, s)
			}
			b |= 1 << i
		}
		return b, nil
	}
	if flags, err = bits(want); err != nil {
		return 0, 0, err
	}
	if set, err = bits(mask); err != nil {
		return 0, 0, err
	}
	if set == 0 || flags&^set != 0 {
		return 0, 0, errors.Errorf(errors.KindValidation, "flags %q test bits outside the mask", s)
	}
	return flags, set, nil
}

// parseRate parses "n/seconds".
func parseRate(s string) (pf.Rate, error) {
	n, secs, ok := strings.Cut(s, "/")
	if !ok {
		return pf.Rate{}, errors.Errorf(errors.KindValidation, "rate %q is not n/seconds", s)
	}
	limit, err := strconv.ParseUint(strings.TrimSpace(n), 10, 32)
	if err != nil {
		return pf.Rate{}, errors.Wrapf(err, errors.KindValidation, "invalid rate %q", s)
	}
	seconds, err := strconv.ParseUint(strings.TrimSpace(secs), 10, 32)
	if err != nil || seconds == 0 {
		return pf.Rate{}, errors.Errorf(errors.KindValidation, "invalid rate interval in %q", s)
	}
	return pf.Rate{Limit: uint32(limit), Seconds: uint32(seconds)}, nil
}

// parseProbability turns "25%" or "0.25" into the rule threshold.
// Certainty is stored as zero, which always matches.
func parseProbability(s string) (uint32, error) {
	var p float64
	var err error
	if pct, ok := strings.CutSuffix(s, "%"); ok {
		p, err = strconv.ParseFloat(pct, 64)
		p /= 100
	} else {
		p, err = strconv.ParseFloat(s, 64)
	}
	if err != nil || p <= 0 || p > 1 {
		return 0, errors.Errorf(errors.KindValidation, "probability %q must be in (0, 1]", s)
	}
	if p == 1 {
		return 0, nil
	}
	return uint32(p * math.MaxUint32), nil
}

// parseTag splits "!name" into its name and negation.
func parseTag(s string) (string, bool) {
	if rest, ok := strings.CutPrefix(s, "!"); ok {
		return strings.TrimSpace(rest), true
	}
	return s, false
}
