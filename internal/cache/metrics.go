package cache

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the Prometheus collectors of the cache. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	hits                *prometheus.CounterVec
	misses              *prometheus.CounterVec
	mapperReads         *prometheus.CounterVec
	evictions           *prometheus.CounterVec
	invalidations       *prometheus.CounterVec
	conflicts           *prometheus.CounterVec
	invariantViolations *prometheus.CounterVec
}

// NewMetrics creates the cache collectors and registers them with reg.
// A nil reg leaves them unregistered, which is what tests want.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		hits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rowcache",
			Name:      "cache_hits_total",
			Help:      "Fragment lookups served from the table cache.",
		}, []string{"table"}),
		misses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rowcache",
			Name:      "cache_misses_total",
			Help:      "Fragment lookups that fell through to the mapper.",
		}, []string{"table"}),
		mapperReads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rowcache",
			Name:      "mapper_reads_total",
			Help:      "Read round trips issued to the mapper.",
		}, []string{"table", "kind"}),
		evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rowcache",
			Name:      "evictions_total",
			Help:      "Pristine fragments evicted by the cache policy.",
		}, []string{"table"}),
		invalidations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rowcache",
			Name:      "invalidations_applied_total",
			Help:      "Received invalidations that evicted a cached fragment.",
		}, []string{"table", "kind"}),
		conflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rowcache",
			Name:      "concurrent_modifications_total",
			Help:      "Commits rejected because a written row was concurrently invalidated.",
		}, []string{"table"}),
		invariantViolations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rowcache",
			Name:      "invariant_violations_total",
			Help:      "Fragments found in an unexpected state while saving.",
		}, []string{"table"}),
	}
	if reg != nil {
		reg.MustRegister(m.hits, m.misses, m.mapperReads, m.evictions,
			m.invalidations, m.conflicts, m.invariantViolations)
	}
	return m
}

func (m *Metrics) hit(table string) {
	if m != nil {
		m.hits.WithLabelValues(table).Inc()
	}
}

func (m *Metrics) miss(table string, n int) {
	if m != nil {
		m.misses.WithLabelValues(table).Add(float64(n))
	}
}

func (m *Metrics) mapperRead(table, kind string) {
	if m != nil {
		m.mapperReads.WithLabelValues(table, kind).Inc()
	}
}

func (m *Metrics) evicted(table string) {
	if m != nil {
		m.evictions.WithLabelValues(table).Inc()
	}
}

func (m *Metrics) invalidated(table, kind string) {
	if m != nil {
		m.invalidations.WithLabelValues(table, kind).Inc()
	}
}

func (m *Metrics) conflict(table string) {
	if m != nil {
		m.conflicts.WithLabelValues(table).Inc()
	}
}

func (m *Metrics) invariantViolation(table string) {
	if m != nil {
		m.invariantViolations.WithLabelValues(table).Inc()
	}
}
