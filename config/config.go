// Package config handles parsing, validation and compilation of hyper-pf
// configuration files.
package config

import (
	"bytes"
	"io"
	"net/netip"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/igjeong/hyper-pf/errors"
	"github.com/igjeong/hyper-pf/pf"
)

// Default control endpoints.
const (
	DefaultIPCAddr     = "127.0.0.1:47847"
	DefaultMetricsAddr = "127.0.0.1:9147"

	// MetricsOff as the metrics address disables the endpoint.
	MetricsOff = "off"
)

// Options are global engine settings.
type Options struct {
	HostID        uint32 `yaml:"hostid"`
	DefaultAction string `yaml:"default_action"` // drop (default) or pass
	StatePolicy   string `yaml:"state_policy"`   // floating (default) or if-bound
	Debug         bool   `yaml:"debug"`
	LogFormat     string `yaml:"log_format"` // text or json
	Reassemble    bool   `yaml:"reassemble"`
}

// Control holds the listen addresses of the daemon's side channels.
type Control struct {
	IPC     string `yaml:"ipc"`
	Metrics string `yaml:"metrics"`
}

// Table is a named address table.
type Table struct {
	Persist   bool     `yaml:"persist"`
	Addresses []string `yaml:"addresses"`
}

// Rule is one rule in YAML form. Address and port fields use the pf
// notation understood by ParseAddr and ParsePort.
type Rule struct {
	Action    string `yaml:"action"`
	Direction string `yaml:"direction"`
	Quick     bool   `yaml:"quick"`
	Log       bool   `yaml:"log"`
	On        string `yaml:"on"`
	Family    string `yaml:"family"`
	Proto     string `yaml:"proto"`
	From      string `yaml:"from"`
	FromPort  string `yaml:"from_port"`
	To        string `yaml:"to"`
	Port      string `yaml:"port"`
	Flags     string `yaml:"flags"`
	ICMPType  *uint8 `yaml:"icmp_type"`
	ICMPCode  *uint8 `yaml:"icmp_code"`
	TOS       uint8  `yaml:"tos"`
	Fragment  bool   `yaml:"fragment"`
	Prob      string `yaml:"probability"`
	Tag       string `yaml:"tag"`
	Tagged    string `yaml:"tagged"`
	OS        string `yaml:"os"`
	Label     string `yaml:"label"`

	State       string `yaml:"state"` // keep, modulate, synproxy or no
	StatePolicy string `yaml:"state_policy"`
	AllowOpts   bool   `yaml:"allow_opts"`
	Return      string `yaml:"return"` // rst or icmp
	ReturnTTL   uint8  `yaml:"return_ttl"`
	ReturnCode  *uint8 `yaml:"return_code"`

	Max            uint32            `yaml:"max"`
	MaxSrcNodes    uint32            `yaml:"max_src_nodes"`
	MaxSrcStates   uint32            `yaml:"max_src_states"`
	MaxSrcConn     uint32            `yaml:"max_src_conn"`
	MaxSrcConnRate string            `yaml:"max_src_conn_rate"`
	SourceTrack    string            `yaml:"source_track"`
	Overload       string            `yaml:"overload"`
	Flush          string            `yaml:"flush"`
	Timeouts       map[string]uint32 `yaml:"timeouts"`

	// Translation.
	Redirect   []string `yaml:"redirect"`
	RedirPort  string   `yaml:"redirect_port"`
	StaticPort bool     `yaml:"static_port"`
	Pool       string   `yaml:"pool"`
	HashKey    string   `yaml:"hash_key"`
	Sticky     bool     `yaml:"sticky_address"`
	Pass       bool     `yaml:"pass"`

	Anchor string `yaml:"anchor"`
}

// Rules are the four rule lists of a ruleset or anchor.
type Rules struct {
	NAT    []Rule `yaml:"nat"`
	BINAT  []Rule `yaml:"binat"`
	RDR    []Rule `yaml:"rdr"`
	Filter []Rule `yaml:"filter"`
}

// Config holds the complete configuration for hyper-pf.
type Config struct {
	Rules `yaml:",inline"`

	Options    Options             `yaml:"options"`
	Control    Control             `yaml:"control"`
	Limits     map[string]int      `yaml:"limits"`
	Timeouts   map[string]uint32   `yaml:"timeouts"`
	Interfaces map[string][]string `yaml:"interfaces"`
	Tables     map[string]Table    `yaml:"tables"`
	Anchors    map[string]Rules    `yaml:"anchors"`
}

// Load reads and parses a configuration file from the given path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Attr(errors.Wrap(err, errors.KindNotFound, "failed to read config file"), "path", path)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, errors.Attr(err, "path", path)
	}
	return cfg, nil
}

// Parse parses configuration from YAML data and fills in defaults.
// Unknown keys are rejected.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && err != io.EOF {
		return nil, errors.Wrap(err, errors.KindValidation, "failed to parse YAML")
	}

	if cfg.Options.DefaultAction == "" {
		cfg.Options.DefaultAction = "drop"
	}
	if cfg.Options.StatePolicy == "" {
		cfg.Options.StatePolicy = "floating"
	}
	if cfg.Options.LogFormat == "" {
		cfg.Options.LogFormat = "text"
	}
	if cfg.Control.IPC == "" {
		cfg.Control.IPC = DefaultIPCAddr
	}
	if cfg.Control.Metrics == "" {
		cfg.Control.Metrics = DefaultMetricsAddr
	}
	return &cfg, nil
}

// Validate checks every setting and rule, and compiles the rules into a
// scratch ruleset so that dangling anchors and over-deep nesting are
// caught before the configuration is applied.
func (c *Config) Validate() error {
	switch c.Options.DefaultAction {
	case "drop", "block", "pass":
	default:
		return errors.Attr(errors.New(errors.KindValidation, "invalid default_action"),
			"default_action", c.Options.DefaultAction)
	}
	if _, err := parseStatePolicy(c.Options.StatePolicy); err != nil {
		return err
	}
	switch c.Options.LogFormat {
	case "text", "json":
	default:
		return errors.Attr(errors.New(errors.KindValidation, "invalid log_format"),
			"log_format", c.Options.LogFormat)
	}
	if _, err := c.EngineLimits(); err != nil {
		return err
	}
	if _, err := parseTimeouts(c.Timeouts); err != nil {
		return err
	}
	for name, addrs := range c.Interfaces {
		if _, err := parseHosts(addrs); err != nil {
			return errors.Attr(err, "interface", name)
		}
	}
	for name, t := range c.Tables {
		if _, err := parsePrefixes(t.Addresses); err != nil {
			return errors.Attr(err, "table", name)
		}
	}
	for path := range c.Anchors {
		if strings.Trim(path, "/") == "" {
			return errors.New(errors.KindValidation, "anchor path is empty")
		}
	}

	rs, err := c.Compile(pf.NewTables(), pf.NewInterfaces())
	if err != nil {
		return err
	}
	return rs.Check()
}

// EngineLimits returns the pool sizes, starting from the defaults.
func (c *Config) EngineLimits() (pf.Limits, error) {
	limits := pf.DefaultLimits()
	for name, n := range c.Limits {
		l, ok := parseLimit(name)
		if !ok {
			return limits, errors.Attr(errors.New(errors.KindValidation, "unknown limit"), "limit", name)
		}
		if n < 0 {
			return limits, errors.Attr(errors.New(errors.KindValidation, "limit must not be negative"), "limit", name)
		}
		limits[l] = n
	}
	return limits, nil
}

func parseLimit(name string) (pf.Limit, bool) {
	for _, l := range []pf.Limit{pf.LimitStates, pf.LimitSrcNodes, pf.LimitFrags} {
		if l.String() == name {
			return l, true
		}
	}
	return 0, false
}

func parseTimeouts(m map[string]uint32) (pf.Timeouts, error) {
	var t pf.Timeouts
	for name, v := range m {
		c, ok := pf.ParseTimeoutClass(name)
		if !ok {
			return t, errors.Attr(errors.New(errors.KindValidation, "unknown timeout"), "timeout", name)
		}
		if c == pf.TimeoutInterval && v == 0 {
			return t, errors.New(errors.KindValidation, "interval timeout must be positive")
		}
		t[c] = v
	}
	if t[pf.TimeoutAdaptiveStart] != 0 || t[pf.TimeoutAdaptiveEnd] != 0 {
		if t[pf.TimeoutAdaptiveEnd] != 0 && t[pf.TimeoutAdaptiveStart] >= t[pf.TimeoutAdaptiveEnd] {
			return t, errors.New(errors.KindValidation, "adaptive.start must be below adaptive.end")
		}
	}
	return t, nil
}

func parseStatePolicy(s string) (bool, error) {
	switch s {
	case "", "floating":
		return false, nil
	case "if-bound":
		return true, nil
	}
	return false, errors.Attr(errors.New(errors.KindValidation, "invalid state_policy"), "state_policy", s)
}

func parseHosts(addrs []string) ([]netip.Addr, error) {
	out := make([]netip.Addr, 0, len(addrs))
	for _, s := range addrs {
		a, err := netip.ParseAddr(strings.TrimSpace(s))
		if err != nil {
			return nil, errors.Wrapf(err, errors.KindValidation, "invalid address %q", s)
		}
		out = append(out, a.Unmap())
	}
	return out, nil
}

func parsePrefixes(addrs []string) ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(addrs))
	for _, s := range addrs {
		s = strings.TrimSpace(s)
		if strings.Contains(s, "/") {
			p, err := netip.ParsePrefix(s)
			if err != nil {
				return nil, errors.Wrapf(err, errors.KindValidation, "invalid prefix %q", s)
			}
			out = append(out, p.Masked())
			continue
		}
		a, err := netip.ParseAddr(s)
		if err != nil {
			return nil, errors.Wrapf(err, errors.KindValidation, "invalid address %q", s)
		}
		a = a.Unmap()
		out = append(out, netip.PrefixFrom(a, a.BitLen()))
	}
	return out, nil
}

// AnchorPaths returns the configured anchor paths, parents first.
func (c *Config) AnchorPaths() []string {
	paths := make([]string, 0, len(c.Anchors))
	for p := range c.Anchors {
		paths = append(paths, p)
	}
	slices.Sort(paths)
	return paths
}
