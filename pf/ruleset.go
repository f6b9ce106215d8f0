package pf

import (
	"net/netip"
	"slices"
	"strings"

	"github.com/google/uuid"

	"github.com/igjeong/hyper-pf/errors"
)

// RuleKind selects one of the rule lists of a ruleset.
type RuleKind uint8

const (
	KindFilter RuleKind = iota
	KindNAT
	KindBINAT
	KindRDR
	kindCount
)

func (k RuleKind) String() string {
	switch k {
	case KindNAT:
		return "nat"
	case KindBINAT:
		return "binat"
	case KindRDR:
		return "rdr"
	default:
		return "filter"
	}
}

// MaxAnchorDepth bounds anchor nesting during evaluation.
const MaxAnchorDepth = 64

// RuleLists holds one ordered rule list per kind.
type RuleLists [kindCount][]*Rule

// Anchor is a named node in the ruleset tree with its own rule lists.
type Anchor struct {
	Name     string
	Path     string
	Parent   *Anchor
	Rules    RuleLists
	Children map[string]*Anchor

	sorted []*Anchor
}

// Append adds r to the end of the anchor's list of the given kind.
func (a *Anchor) Append(kind RuleKind, r *Rule) {
	a.Rules[kind] = append(a.Rules[kind], r)
}

func (a *Anchor) child(name string) *Anchor {
	if c, ok := a.Children[name]; ok {
		return c
	}
	path := name
	if a.Path != "" {
		path = a.Path + "/" + name
	}
	c := &Anchor{Name: name, Path: path, Parent: a, Children: make(map[string]*Anchor)}
	a.Children[name] = c
	return c
}

// Ruleset is a complete rule tree: the main rule lists, nested anchors
// and the default rule applied when nothing matches.
type Ruleset struct {
	Ticket  string
	Default *Rule
	root    *Anchor
}

// NewRuleset returns an empty ruleset whose default rule drops.
func NewRuleset() *Ruleset {
	return &Ruleset{
		Ticket:  uuid.NewString(),
		Default: &Rule{Action: ActionDrop, Timeouts: DefaultTimeouts()},
		root:    &Anchor{Children: make(map[string]*Anchor)},
	}
}

// Main returns the rule lists of the main ruleset.
func (rs *Ruleset) Main() *Anchor { return rs.root }

// Append adds r to the main ruleset.
func (rs *Ruleset) Append(kind RuleKind, r *Rule) { rs.root.Append(kind, r) }

// Anchor returns the anchor at an absolute path, creating missing nodes.
func (rs *Ruleset) Anchor(path string) *Anchor {
	a := rs.root
	for _, name := range strings.Split(strings.Trim(path, "/"), "/") {
		if name == "" {
			continue
		}
		a = a.child(name)
	}
	return a
}

// FindAnchor returns the anchor at path if it exists.
func (rs *Ruleset) FindAnchor(path string) (*Anchor, bool) {
	a := rs.root
	for _, name := range strings.Split(strings.Trim(path, "/"), "/") {
		if name == "" {
			continue
		}
		c, ok := a.Children[name]
		if !ok {
			return nil, false
		}
		a = c
	}
	return a, true
}

// Walk calls fn for every rule in the tree, anchors depth first.
func (rs *Ruleset) Walk(fn func(a *Anchor, kind RuleKind, r *Rule)) {
	var visit func(a *Anchor)
	visit = func(a *Anchor) {
		for k := RuleKind(0); k < kindCount; k++ {
			for _, r := range a.Rules[k] {
				fn(a, k, r)
			}
		}
		for _, c := range a.sortedChildren() {
			visit(c)
		}
	}
	visit(rs.root)
}

func (a *Anchor) sortedChildren() []*Anchor {
	if a.sorted != nil && len(a.sorted) == len(a.Children) {
		return a.sorted
	}
	out := make([]*Anchor, 0, len(a.Children))
	for _, c := range a.Children {
		out = append(out, c)
	}
	slices.SortFunc(out, func(x, y *Anchor) int { return strings.Compare(x.Name, y.Name) })
	return out
}

// compile resolves names, numbers rules, computes skip steps and primes
// pool cursors. It must run before the ruleset is used.
func (rs *Ruleset) compile(tables *Tables, ifaces *Interfaces) error {
	if rs.Default == nil {
		rs.Default = &Rule{Action: ActionDrop}
	}
	for c := TimeoutClass(0); c < TimeoutMax; c++ {
		if rs.Default.Timeouts[c] == 0 {
			rs.Default.Timeouts[c] = DefaultTimeouts()[c]
		}
	}
	if rs.Default.Timeouts[TimeoutInterval] == 0 {
		return errors.New(errors.KindValidation, "interval timeout must be positive")
	}

	var err error
	var prepare func(a *Anchor)
	prepare = func(a *Anchor) {
		a.sorted = nil
		a.sorted = a.sortedChildren()
		for k := RuleKind(0); k < kindCount && err == nil; k++ {
			for i, r := range a.Rules[k] {
				r.Nr = i
				if e := rs.resolveRule(a, k, r, tables, ifaces); e != nil {
					err = e
					return
				}
			}
			calcSkipSteps(a.Rules[k])
		}
		for _, c := range a.sorted {
			if err == nil {
				prepare(c)
			}
		}
	}
	prepare(rs.root)
	if err != nil {
		return err
	}
	for k := RuleKind(0); k < kindCount; k++ {
		if d := anchorDepth(rs.root.Rules[k], k, 0); d > MaxAnchorDepth {
			return errors.Attr(
				errors.Errorf(errors.KindValidation, "anchors nested deeper than %d", MaxAnchorDepth),
				"depth", d)
		}
	}
	return nil
}

// Check compiles rs against empty registries and reports the first
// problem. A ruleset that passes Check loads unless it is changed.
func (rs *Ruleset) Check() error {
	return rs.compile(NewTables(), NewInterfaces())
}

func (rs *Ruleset) resolveRule(a *Anchor, kind RuleKind, r *Rule, tables *Tables, ifaces *Interfaces) error {
	resolve := func(w *AddrWrap) {
		switch w.Type {
		case AddrTable:
			w.table = tables.Get(w.Name)
		case AddrDynIf:
			w.table = ifaces.table(w.Name)
		}
	}
	resolve(&r.Src.Addr)
	resolve(&r.Dst.Addr)
	for i := range r.Pool.Addrs {
		resolve(&r.Pool.Addrs[i])
	}
	if r.Overload != "" {
		r.overload = tables.Get(r.Overload)
	}
	if r.SourceTrack == SourceTrackNone &&
		(r.MaxSrcNodes != 0 || r.MaxSrcStates != 0 || r.MaxSrcConn != 0 || r.MaxSrcConnRate.Limit != 0) {
		r.SourceTrack = SourceTrackRule
	}

	r.anchor = nil
	if r.Anchor != "" {
		path := r.Anchor
		if !strings.HasPrefix(path, "/") && a.Path != "" {
			path = a.Path + "/" + path
		}
		target, ok := rs.FindAnchor(path)
		if !ok {
			return errors.Attr(errors.New(errors.KindNotFound, "anchor not found"), "anchor", path)
		}
		r.anchor = target
	}

	switch kind {
	case KindNAT, KindBINAT, KindRDR:
		switch r.Action {
		case ActionNAT, ActionBINAT, ActionRDR:
			if r.anchor == nil && len(r.Pool.Addrs) == 0 {
				return errors.Attr(errors.New(errors.KindValidation, "translation rule without pool"),
					"rule", r.String())
			}
		}
		if r.Action == ActionBINAT && r.anchor == nil {
			if r.Src.Addr.Type != AddrMask || r.Pool.Addrs[0].Type != AddrMask ||
				r.Src.Addr.Prefix.Bits() != r.Pool.Addrs[0].Prefix.Bits() {
				return errors.Attr(errors.New(errors.KindValidation, "binat needs equal sized address blocks"),
					"rule", r.String())
			}
		}
	}
	r.Pool.cur = 0
	r.Pool.tblidx = -1
	r.Pool.counter = netip.Addr{}
	if cur := r.Pool.current(); cur != nil {
		if addr, _, ok := cur.block(true); ok {
			r.Pool.counter = addr
		} else if addr, _, ok := cur.block(false); ok {
			r.Pool.counter = addr
		}
	}
	return nil
}

// anchorDepth returns the deepest frame count evaluation can reach.
func anchorDepth(rules []*Rule, kind RuleKind, depth int) int {
	if depth > MaxAnchorDepth {
		return depth
	}
	deepest := depth
	for _, r := range rules {
		if r.anchor == nil {
			continue
		}
		var d int
		if r.AnchorWildcard {
			for _, c := range r.anchor.sortedChildren() {
				d = max(d, anchorDepth(c.Rules[kind], kind, depth+1))
			}
			d = max(d, depth+1)
		} else {
			d = anchorDepth(r.anchor.Rules[kind], kind, depth+1)
		}
		deepest = max(deepest, d)
	}
	return deepest
}
