// Package metrics exports the server's Prometheus series (§4.8):
// per-stage transaction latency, per-service verdict counts,
// connection/listener gauges, per-module invocation counters, and the
// antivirus module's rule-match/quarantine-size series. The per-module
// counters are exported via a Collector that reads module.Module's
// own live Metrics() snapshot at scrape time rather than mirroring it
// into a second set of counters, the same Desc/MustNewConstMetric
// idiom the clamav-exporter reference client uses for its own
// IcapChecker Collector.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tokenshield/icapd/internal/module"
)

// Metrics holds the server's registered Prometheus instruments.
type Metrics struct {
	stageDuration *prometheus.HistogramVec // labels: method, stage (parse|pipeline|encode|total)
	verdicts      *prometheus.CounterVec
	activeConnections   prometheus.Gauge
	acceptedConnections prometheus.Counter
	rejectedConnections prometheus.Counter
	inFlight            prometheus.Gauge

	ruleMatches    *prometheus.CounterVec // label: rule
	quarantineSize prometheus.Gauge

	modules *moduleCollector
}

// New creates and registers the server's metrics against reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "icapd",
			Name:      "transaction_stage_duration_seconds",
			Help:      "Time spent in each transaction stage (parse, pipeline, encode, total), by method.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "stage"}),
		verdicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "icapd",
			Name:      "verdicts_total",
			Help:      "Count of pipeline verdicts, by service and outcome.",
		}, []string{"service", "verdict"}),
		activeConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "icapd",
			Name:      "active_connections",
			Help:      "Currently open client connections.",
		}),
		acceptedConnections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "icapd",
			Name:      "accepted_connections_total",
			Help:      "Total connections accepted since startup.",
		}),
		rejectedConnections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "icapd",
			Name:      "rejected_connections_total",
			Help:      "Total connections rejected for exceeding a connection limit.",
		}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "icapd",
			Name:      "in_flight_transactions",
			Help:      "Transactions currently being processed by the pipeline.",
		}),
		ruleMatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "icapd",
			Name:      "scan_rule_matches_total",
			Help:      "Count of YARA rule matches, by rule name.",
		}, []string{"rule"}),
		quarantineSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "icapd",
			Name:      "quarantine_entries",
			Help:      "Number of distinct payloads currently held in the quarantine store.",
		}),
		modules: newModuleCollector(),
	}
	reg.MustRegister(
		m.stageDuration, m.verdicts,
		m.activeConnections, m.acceptedConnections, m.rejectedConnections,
		m.inFlight, m.ruleMatches, m.quarantineSize,
		m.modules,
	)
	return m
}

// ObserveStage records how long one transaction's stage took, where
// stage is one of "parse", "pipeline", "encode", or "total" (§4.8).
func (m *Metrics) ObserveStage(method, stage string, d time.Duration) {
	m.stageDuration.WithLabelValues(method, stage).Observe(d.Seconds())
}

// ObserveVerdict increments the verdict counter for service/outcome.
func (m *Metrics) ObserveVerdict(service, verdict string) {
	m.verdicts.WithLabelValues(service, verdict).Inc()
}

// ConnectionOpened/Closed/Rejected track the listener's connection
// gauges (§4.7).
func (m *Metrics) ConnectionOpened() {
	m.activeConnections.Inc()
	m.acceptedConnections.Inc()
}

func (m *Metrics) ConnectionClosed() { m.activeConnections.Dec() }

func (m *Metrics) ConnectionRejected() { m.rejectedConnections.Inc() }

// InFlightInc/Dec bracket a single transaction's time in the pipeline.
func (m *Metrics) InFlightInc() { m.inFlight.Inc() }
func (m *Metrics) InFlightDec() { m.inFlight.Dec() }

// RuleMatch records a single YARA rule hit.
func (m *Metrics) RuleMatch(rule string) { m.ruleMatches.WithLabelValues(rule).Inc() }

// SetQuarantineSize updates the quarantine-size gauge to n, the
// quarantine store's current entry count.
func (m *Metrics) SetQuarantineSize(n int) { m.quarantineSize.Set(float64(n)) }

// RegisterModule adds mod to the set scraped for per-module
// invocation/error/block/modify counters.
func (m *Metrics) RegisterModule(mod module.Module) { m.modules.register(mod) }

// moduleCollector exports each registered module's own Metrics()
// snapshot at scrape time, so the in-memory counters module.Metrics
// already tracks don't need a second, separately-incremented mirror.
type moduleCollector struct {
	invocations *prometheus.Desc
	errors      *prometheus.Desc
	blocks      *prometheus.Desc
	modifies    *prometheus.Desc

	mu      sync.Mutex
	modules []module.Module
}

func newModuleCollector() *moduleCollector {
	return &moduleCollector{
		invocations: prometheus.NewDesc("icapd_module_invocations_total", "Count of invocations, by module.", []string{"module"}, nil),
		errors:      prometheus.NewDesc("icapd_module_errors_total", "Count of error verdicts, by module.", []string{"module"}, nil),
		blocks:      prometheus.NewDesc("icapd_module_blocks_total", "Count of block verdicts, by module.", []string{"module"}, nil),
		modifies:    prometheus.NewDesc("icapd_module_modifies_total", "Count of modify verdicts, by module.", []string{"module"}, nil),
	}
}

func (c *moduleCollector) register(mod module.Module) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.modules = append(c.modules, mod)
}

func (c *moduleCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.invocations
	ch <- c.errors
	ch <- c.blocks
	ch <- c.modifies
}

func (c *moduleCollector) Collect(ch chan<- prometheus.Metric) {
	c.mu.Lock()
	mods := make([]module.Module, len(c.modules))
	copy(mods, c.modules)
	c.mu.Unlock()

	for _, mod := range mods {
		snap := mod.Metrics()
		name := mod.Name()
		ch <- prometheus.MustNewConstMetric(c.invocations, prometheus.CounterValue, float64(snap.Invocations), name)
		ch <- prometheus.MustNewConstMetric(c.errors, prometheus.CounterValue, float64(snap.Errors), name)
		ch <- prometheus.MustNewConstMetric(c.blocks, prometheus.CounterValue, float64(snap.Blocks), name)
		ch <- prometheus.MustNewConstMetric(c.modifies, prometheus.CounterValue, float64(snap.Modifies), name)
	}
}
