package monitor

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mExOms/routex/internal/tracker"
	"github.com/mExOms/routex/internal/venue"
)

const namespace = "routex"

// Metrics exposes execution and venue statistics to Prometheus
type Metrics struct {
	registry *prometheus.Registry

	executions   *prometheus.CounterVec
	quality      *prometheus.CounterVec
	latency      *prometheus.HistogramVec
	phases       *prometheus.HistogramVec
	slippage     *prometheus.HistogramVec
	clockSkew    prometheus.Counter
	venueLoad    *prometheus.GaugeVec
	venueRatio   *prometheus.GaugeVec
	venueUp      *prometheus.GaugeVec
	venueSuccess *prometheus.GaugeVec
	venueLatency *prometheus.GaugeVec
}

// NewMetrics registers the routex collectors on a fresh registry
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		executions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executions_total",
			Help:      "Finalized executions by venue and outcome.",
		}, []string{"venue", "outcome"}),
		quality: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fill_quality_total",
			Help:      "Filled executions by fill quality.",
		}, []string{"venue", "quality"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "execution_latency_seconds",
			Help:      "End to end execution latency.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		}, []string{"venue"}),
		phases: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "execution_phase_seconds",
			Help:      "Latency of each execution phase.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}, []string{"phase"}),
		slippage: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "slippage_bps",
			Help:      "Directional slippage of filled executions, positive is adverse.",
			Buckets:   []float64{-30, -15, -5, 0, 5, 15, 30, 60, 120},
		}, []string{"venue"}),
		clockSkew: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "clock_skew_total",
			Help:      "Executions whose timeline went backwards.",
		}),
		venueLoad: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "venue",
			Name:      "load",
			Help:      "Orders currently in flight at the venue.",
		}, []string{"venue"}),
		venueRatio: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "venue",
			Name:      "load_ratio",
			Help:      "Current load over capacity.",
		}, []string{"venue"}),
		venueUp: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "venue",
			Name:      "status",
			Help:      "1 for the venue's current status, 0 for the others.",
		}, []string{"venue", "status"}),
		venueSuccess: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "venue",
			Name:      "success_rate",
			Help:      "Rolling success rate in percent.",
		}, []string{"venue"}),
		venueLatency: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "venue",
			Name:      "mean_latency_seconds",
			Help:      "Rolling mean acknowledgment latency.",
		}, []string{"venue"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.executions, m.quality, m.latency, m.phases, m.slippage, m.clockSkew,
		m.venueLoad, m.venueRatio, m.venueUp, m.venueSuccess, m.venueLatency,
	)
	return m
}

// ObserveMetric records a finalized execution
func (m *Metrics) ObserveMetric(em tracker.ExecutionMetric) {
	m.executions.WithLabelValues(em.VenueID, string(em.Outcome)).Inc()
	if em.ClockSkew {
		m.clockSkew.Inc()
	}
	if em.Total > 0 {
		m.latency.WithLabelValues(em.VenueID).Observe(em.Total.Seconds())
	}
	for phase, d := range em.Phases.Named() {
		if d > 0 {
			m.phases.WithLabelValues(phase).Observe(d.Seconds())
		}
	}
	if em.FilledQty > 0 {
		m.slippage.WithLabelValues(em.VenueID).Observe(em.SlippageBps)
		m.quality.WithLabelValues(em.VenueID, string(em.Quality)).Inc()
	}
}

// ObserveVenue mirrors a venue profile into gauges
func (m *Metrics) ObserveVenue(p venue.Profile) {
	m.venueLoad.WithLabelValues(p.ID).Set(float64(p.CurrentLoad))
	m.venueRatio.WithLabelValues(p.ID).Set(p.LoadRatio())
	m.venueSuccess.WithLabelValues(p.ID).Set(p.SuccessRate)
	m.venueLatency.WithLabelValues(p.ID).Set(p.MeanLatency.Seconds())
	for _, s := range []venue.Status{venue.StatusOnline, venue.StatusDegraded, venue.StatusOffline, venue.StatusMaintenance} {
		v := 0.0
		if p.Status == s {
			v = 1
		}
		m.venueUp.WithLabelValues(p.ID, string(s)).Set(v)
	}
}

// WatchDropped exposes a count of dropped events
func (m *Metrics) WatchDropped(dropped func() int64) {
	m.registry.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_dropped_total",
		Help:      "Events dropped because a subscriber was full.",
	}, func() float64 { return float64(dropped()) }))
}

// Registry returns the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
