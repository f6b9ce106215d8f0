// Package metrics exports the filter counters to Prometheus. Values are
// read from the engine on every scrape.
package metrics

import (
	"sort"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/igjeong/hyper-pf/pf"
)

const namespace = "hyperpf"

// Source is what the collector reads. *pf.Engine satisfies it.
type Source interface {
	Status() pf.Status
	Rules() []pf.RuleInfo
}

// Collector implements prometheus.Collector over a Source.
type Collector struct {
	src Source
	log logrus.FieldLogger

	uptime          *prometheus.Desc
	stateLock       *prometheus.Desc
	states          *prometheus.Desc
	srcNodes        *prometheus.Desc
	frags           *prometheus.Desc
	verdicts        *prometheus.Desc
	reasons         *prometheus.Desc
	limitHits       *prometheus.Desc
	stateOps        *prometheus.Desc
	srcNodeOps      *prometheus.Desc
	anchorOverflows *prometheus.Desc
	sent            *prometheus.Desc
	limits          *prometheus.Desc

	ruleEvaluations *prometheus.Desc
	rulePackets     *prometheus.Desc
	ruleBytes       *prometheus.Desc
	ruleStates      *prometheus.Desc
}

// Option configures a Collector.
type Option func(*Collector)

// WithLogger sets the logger. Lines carry component=metrics.
func WithLogger(logger logrus.FieldLogger) Option {
	return func(c *Collector) {
		c.log = logger
	}
}

// NewCollector creates a collector reading from src.
func NewCollector(src Source, opts ...Option) *Collector {
	ruleLabels := []string{"kind", "anchor", "nr"}
	c := &Collector{
		src: src,

		uptime: prometheus.NewDesc(
			namespace+"_uptime_seconds",
			"Seconds since the engine was created.",
			nil, nil,
		),
		stateLock: prometheus.NewDesc(
			namespace+"_state_lock",
			"1 while state creation is suspended for a ruleset swap.",
			nil, nil,
		),
		states: prometheus.NewDesc(
			namespace+"_states",
			"Current number of state entries.",
			nil, nil,
		),
		srcNodes: prometheus.NewDesc(
			namespace+"_src_nodes",
			"Current number of source tracking nodes.",
			nil, nil,
		),
		frags: prometheus.NewDesc(
			namespace+"_fragments",
			"Current number of fragments held for reassembly.",
			nil, nil,
		),
		verdicts: prometheus.NewDesc(
			namespace+"_verdicts_total",
			"Packets by final verdict.",
			[]string{"verdict"}, nil,
		),
		reasons: prometheus.NewDesc(
			namespace+"_reasons_total",
			"Packets by verdict reason.",
			[]string{"reason"}, nil,
		),
		limitHits: prometheus.NewDesc(
			namespace+"_limit_hits_total",
			"Times a per-rule or per-source limit was reached.",
			[]string{"limit"}, nil,
		),
		stateOps: prometheus.NewDesc(
			namespace+"_state_operations_total",
			"State table searches, inserts and removals.",
			[]string{"op"}, nil,
		),
		srcNodeOps: prometheus.NewDesc(
			namespace+"_src_node_operations_total",
			"Source node searches, inserts and removals.",
			[]string{"op"}, nil,
		),
		anchorOverflows: prometheus.NewDesc(
			namespace+"_anchor_overflows_total",
			"Anchor calls refused because the anchor stack was full.",
			nil, nil,
		),
		sent: prometheus.NewDesc(
			namespace+"_sent_packets_total",
			"Packets generated by the engine.",
			[]string{"proto"}, nil,
		),
		limits: prometheus.NewDesc(
			namespace+"_limit",
			"Configured pool limits.",
			[]string{"pool"}, nil,
		),
		ruleEvaluations: prometheus.NewDesc(
			namespace+"_rule_evaluations_total",
			"Times the rule was evaluated.",
			ruleLabels, nil,
		),
		rulePackets: prometheus.NewDesc(
			namespace+"_rule_packets_total",
			"Packets matched by the rule or its states.",
			append(ruleLabels, "direction"), nil,
		),
		ruleBytes: prometheus.NewDesc(
			namespace+"_rule_bytes_total",
			"Bytes matched by the rule or its states.",
			append(ruleLabels, "direction"), nil,
		),
		ruleStates: prometheus.NewDesc(
			namespace+"_rule_states",
			"Current states created by the rule.",
			ruleLabels, nil,
		),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.log == nil {
		c.log = logrus.StandardLogger()
	}
	c.log = c.log.WithField("component", "metrics")
	return c
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.uptime
	ch <- c.stateLock
	ch <- c.states
	ch <- c.srcNodes
	ch <- c.frags
	ch <- c.verdicts
	ch <- c.reasons
	ch <- c.limitHits
	ch <- c.stateOps
	ch <- c.srcNodeOps
	ch <- c.anchorOverflows
	ch <- c.sent
	ch <- c.limits
	ch <- c.ruleEvaluations
	ch <- c.rulePackets
	ch <- c.ruleBytes
	ch <- c.ruleStates
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	start := time.Now()
	st := c.src.Status()
	c.collectStatus(ch, &st)
	rules := c.src.Rules()
	c.collectRules(ch, rules)
	c.log.WithFields(logrus.Fields{
		"rules":    len(rules),
		"duration": time.Since(start),
	}).Debug("scrape")
}

func (c *Collector) collectStatus(ch chan<- prometheus.Metric, st *pf.Status) {
	lock := 0.0
	if st.StateLock {
		lock = 1
	}
	ch <- prometheus.MustNewConstMetric(c.uptime, prometheus.GaugeValue, float64(st.Uptime))
	ch <- prometheus.MustNewConstMetric(c.stateLock, prometheus.GaugeValue, lock)
	ch <- prometheus.MustNewConstMetric(c.states, prometheus.GaugeValue, float64(st.States))
	ch <- prometheus.MustNewConstMetric(c.srcNodes, prometheus.GaugeValue, float64(st.SrcNodes))
	ch <- prometheus.MustNewConstMetric(c.frags, prometheus.GaugeValue, float64(st.Frags))

	emitCounters(ch, c.verdicts, st.Verdicts)
	emitCounters(ch, c.reasons, st.Reasons)
	emitCounters(ch, c.limitHits, st.LimitCounters)

	ch <- prometheus.MustNewConstMetric(c.stateOps, prometheus.CounterValue, float64(st.StateSearches), "search")
	ch <- prometheus.MustNewConstMetric(c.stateOps, prometheus.CounterValue, float64(st.StateInserts), "insert")
	ch <- prometheus.MustNewConstMetric(c.stateOps, prometheus.CounterValue, float64(st.StateRemovals), "removal")
	ch <- prometheus.MustNewConstMetric(c.srcNodeOps, prometheus.CounterValue, float64(st.SrcNodeSearches), "search")
	ch <- prometheus.MustNewConstMetric(c.srcNodeOps, prometheus.CounterValue, float64(st.SrcNodeInserts), "insert")
	ch <- prometheus.MustNewConstMetric(c.srcNodeOps, prometheus.CounterValue, float64(st.SrcNodeRemovals), "removal")
	ch <- prometheus.MustNewConstMetric(c.anchorOverflows, prometheus.CounterValue, float64(st.AnchorOverflows))
	ch <- prometheus.MustNewConstMetric(c.sent, prometheus.CounterValue, float64(st.SentTCP), "tcp")
	ch <- prometheus.MustNewConstMetric(c.sent, prometheus.CounterValue, float64(st.SentICMP), "icmp")

	for _, name := range sortedKeys(st.Limits) {
		ch <- prometheus.MustNewConstMetric(c.limits, prometheus.GaugeValue, float64(st.Limits[name]), name)
	}
}

func (c *Collector) collectRules(ch chan<- prometheus.Metric, rules []pf.RuleInfo) {
	for _, r := range rules {
		nr := strconv.Itoa(r.Nr)
		ch <- prometheus.MustNewConstMetric(c.ruleEvaluations, prometheus.CounterValue,
			float64(r.Evaluations), r.Kind, r.Anchor, nr)
		for i, dir := range [2]string{"in", "out"} {
			ch <- prometheus.MustNewConstMetric(c.rulePackets, prometheus.CounterValue,
				float64(r.Packets[i]), r.Kind, r.Anchor, nr, dir)
			ch <- prometheus.MustNewConstMetric(c.ruleBytes, prometheus.CounterValue,
				float64(r.Bytes[i]), r.Kind, r.Anchor, nr, dir)
		}
		ch <- prometheus.MustNewConstMetric(c.ruleStates, prometheus.GaugeValue,
			float64(r.States), r.Kind, r.Anchor, nr)
	}
}

func emitCounters(ch chan<- prometheus.Metric, desc *prometheus.Desc, m map[string]uint64) {
	for _, name := range sortedKeys(m) {
		ch <- prometheus.MustNewConstMetric(desc, prometheus.CounterValue, float64(m[name]), name)
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
