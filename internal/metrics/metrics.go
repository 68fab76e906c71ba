// Package metrics exposes collector activity as prometheus series.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"speedlog/pkg/speedtest"
)

// Result label values of speedlog_probe_total.
const (
	ResultSuccess     = "success"
	ResultRateLimited = "rate_limited"
	ResultFailure     = "failure"
)

// Collector implements collector.Instruments, collector.Observer and
// collector.AbsenceObserver.
type Collector struct {
	probes        *prometheus.CounterVec
	attempts      *prometheus.CounterVec
	probeDuration *prometheus.HistogramVec
	download      *prometheus.GaugeVec
	upload        *prometheus.GaugeVec
	tickDuration  prometheus.Histogram
	absent        *prometheus.CounterVec
	appendErrs    prometheus.Counter
}

// New registers every series on reg. A nil reg uses the default registerer.
func New(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Collector{
		probes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "speedlog_probe_total", Help: "Stored probe records by result.",
		}, []string{"interface", "result"}),
		attempts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "speedlog_probe_attempts_total", Help: "Speedtest invocations by outcome.",
		}, []string{"interface", "outcome"}),
		probeDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "speedlog_probe_duration_seconds",
			Help:    "Wall time of one probe including retries.",
			Buckets: []float64{5, 10, 20, 30, 45, 60, 90, 120, 180, 300},
		}, []string{"interface"}),
		download: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "speedlog_download_mbps", Help: "Last successful download bandwidth in Mbit/s.",
		}, []string{"interface"}),
		upload: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "speedlog_upload_mbps", Help: "Last successful upload bandwidth in Mbit/s.",
		}, []string{"interface"}),
		tickDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "speedlog_tick_duration_seconds",
			Help:    "Wall time of one scheduler tick.",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
		}),
		absent: f.NewCounterVec(prometheus.CounterOpts{
			Name: "speedlog_interface_absent_total", Help: "Due tests skipped because the interface was missing.",
		}, []string{"interface"}),
		appendErrs: f.NewCounter(prometheus.CounterOpts{
			Name: "speedlog_store_append_errors_total", Help: "Failed appends to the results store.",
		}),
	}
}

func (c *Collector) ObserveAttempt(iface speedtest.Iface, outcome string) {
	c.attempts.WithLabelValues(iface.Label(), outcome).Inc()
}

func (c *Collector) ObserveProbeDuration(iface speedtest.Iface, d time.Duration) {
	c.probeDuration.WithLabelValues(iface.Label()).Observe(d.Seconds())
}

func (c *Collector) ObserveTick(d time.Duration) { c.tickDuration.Observe(d.Seconds()) }

func (c *Collector) StoreAppendFailed() { c.appendErrs.Inc() }

func (c *Collector) InterfaceAbsent(iface speedtest.Iface) {
	c.absent.WithLabelValues(iface.Label()).Inc()
}

// Observe counts the record and, on success, updates the bandwidth gauges.
func (c *Collector) Observe(rec speedtest.Record) {
	label := rec.Iface().Label()
	switch {
	case rec.Success():
		c.probes.WithLabelValues(label, ResultSuccess).Inc()
		if m := rec.Output; m != nil {
			c.download.WithLabelValues(label).Set(speedtest.Mbps(m.Download.Bandwidth))
			c.upload.WithLabelValues(label).Set(speedtest.Mbps(m.Upload.Bandwidth))
		}
	case rec.RateLimited():
		c.probes.WithLabelValues(label, ResultRateLimited).Inc()
	default:
		c.probes.WithLabelValues(label, ResultFailure).Inc()
	}
}
