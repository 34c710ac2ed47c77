package rbac

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the engine's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	Decisions       *prometheus.CounterVec
	CacheLookups    *prometheus.CounterVec
	BackendFailures prometheus.Counter
	Invalidations   *prometheus.CounterVec
	ResolveDuration prometheus.Histogram
}

// NewMetrics creates and registers the collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Decisions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ehr_rbac_authorization_decisions_total",
			Help: "Authorization decisions made by the gate",
		}, []string{"result"}),
		CacheLookups: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ehr_rbac_cache_lookups_total",
			Help: "Permission cache lookups by result",
		}, []string{"result"}),
		BackendFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "ehr_rbac_authorization_backend_failures_total",
			Help: "Authorization checks denied because the cache or store was unreachable",
		}),
		Invalidations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ehr_rbac_invalidations_total",
			Help: "Invalidation signals applied to the resolver",
		}, []string{"kind"}),
		ResolveDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "ehr_rbac_resolve_duration_seconds",
			Help:    "Time to resolve an effective permission set on a cache miss",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
	}
}

func (m *Metrics) decision(allowed bool) {
	if m == nil {
		return
	}
	result := "denied"
	if allowed {
		result = "allowed"
	}
	m.Decisions.WithLabelValues(result).Inc()
}

func (m *Metrics) cacheLookup(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.CacheLookups.WithLabelValues(result).Inc()
}

func (m *Metrics) backendFailure() {
	if m == nil {
		return
	}
	m.BackendFailures.Inc()
}

func (m *Metrics) invalidation(inv Invalidation) {
	if m == nil {
		return
	}
	if inv.All {
		m.Invalidations.WithLabelValues("all").Inc()
		return
	}
	m.Invalidations.WithLabelValues("user").Add(float64(len(inv.UserIDs)))
}

func (m *Metrics) observeResolve(start time.Time) {
	if m == nil {
		return
	}
	m.ResolveDuration.Observe(time.Since(start).Seconds())
}
