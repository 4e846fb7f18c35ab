package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ValidationMetrics records token and certificate validation outcomes.
type ValidationMetrics struct {
	ValidationsTotal  *prometheus.CounterVec
	ValidationLatency *prometheus.HistogramVec
	CacheHits         prometheus.Counter
	CacheMisses       prometheus.Counter
}

// NewValidationMetrics creates validation metrics.
func NewValidationMetrics() *ValidationMetrics {
	reg := GetRegistry()

	m := &ValidationMetrics{
		ValidationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "validation",
				Name:      "requests_total",
				Help:      "Validation requests by mode and reason code",
			},
			[]string{"mode", "reason"},
		),
		ValidationLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: Namespace,
				Subsystem: "validation",
				Name:      "duration_seconds",
				Help:      "Validation duration",
				Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
			},
			[]string{"mode"},
		),
		CacheHits: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "validation",
				Name:      "cache_hits_total",
				Help:      "Validation cache hits",
			},
		),
		CacheMisses: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "validation",
				Name:      "cache_misses_total",
				Help:      "Validation cache misses",
			},
		),
	}

	reg.MustRegister(m.ValidationsTotal, m.ValidationLatency, m.CacheHits, m.CacheMisses)
	return m
}

// ObserveValidation records one validation. reason is "pass" or a reason code.
func (m *ValidationMetrics) ObserveValidation(mode, reason string, elapsed time.Duration) {
	m.ValidationsTotal.WithLabelValues(mode, reason).Inc()
	m.ValidationLatency.WithLabelValues(mode).Observe(elapsed.Seconds())
}

// ObserveCache records a cache lookup.
func (m *ValidationMetrics) ObserveCache(hit bool) {
	if hit {
		m.CacheHits.Inc()
		return
	}
	m.CacheMisses.Inc()
}

// ProvisioningMetrics records identity issuance.
type ProvisioningMetrics struct {
	ProvisionsTotal  *prometheus.CounterVec
	ProvisionLatency *prometheus.HistogramVec
}

// NewProvisioningMetrics creates provisioning metrics.
func NewProvisioningMetrics() *ProvisioningMetrics {
	reg := GetRegistry()

	m := &ProvisioningMetrics{
		ProvisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "provisioning",
				Name:      "requests_total",
				Help:      "Provisioning requests by identity kind and result",
			},
			[]string{"kind", "result"},
		),
		ProvisionLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: Namespace,
				Subsystem: "provisioning",
				Name:      "duration_seconds",
				Help:      "Provisioning duration",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"kind"},
		),
	}

	reg.MustRegister(m.ProvisionsTotal, m.ProvisionLatency)
	return m
}

// ObserveProvision records one provisioning attempt.
func (m *ProvisioningMetrics) ObserveProvision(kind, result string, elapsed time.Duration) {
	m.ProvisionsTotal.WithLabelValues(kind, result).Inc()
	m.ProvisionLatency.WithLabelValues(kind).Observe(elapsed.Seconds())
}

// AbuseMetrics records abuse detector runs.
type AbuseMetrics struct {
	RunsTotal        prometheus.Counter
	RunLatency       prometheus.Histogram
	WarningsTotal    prometheus.Counter
	BlacklistedTotal prometheus.Counter
	LastRun          prometheus.Gauge
}

// NewAbuseMetrics creates abuse detection metrics.
func NewAbuseMetrics() *AbuseMetrics {
	reg := GetRegistry()

	m := &AbuseMetrics{
		RunsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "abuse",
				Name:      "runs_total",
				Help:      "Completed abuse detection runs",
			},
		),
		RunLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: Namespace,
				Subsystem: "abuse",
				Name:      "run_duration_seconds",
				Help:      "Abuse detection run duration",
				Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
			},
		),
		WarningsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "abuse",
				Name:      "warnings_total",
				Help:      "Devices flagged as approaching the submission limit",
			},
		),
		BlacklistedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "abuse",
				Name:      "blacklisted_total",
				Help:      "Devices blacklisted automatically",
			},
		),
		LastRun: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Subsystem: "abuse",
				Name:      "last_run_timestamp_seconds",
				Help:      "Unix time of the last completed run",
			},
		),
	}

	reg.MustRegister(m.RunsTotal, m.RunLatency, m.WarningsTotal, m.BlacklistedTotal, m.LastRun)
	return m
}

// ObserveAbuseRun records one completed detector run.
func (m *AbuseMetrics) ObserveAbuseRun(warned, blacklisted int, elapsed time.Duration) {
	m.RunsTotal.Inc()
	m.RunLatency.Observe(elapsed.Seconds())
	m.WarningsTotal.Add(float64(warned))
	m.BlacklistedTotal.Add(float64(blacklisted))
	m.LastRun.SetToCurrentTime()
}

// RegistryMetrics exposes registry population as gauges.
type RegistryMetrics struct {
	Devices      *prometheus.GaugeVec
	KeyTables    prometheus.Gauge
	AuditEvents  *prometheus.CounterVec
	StorageFails *prometheus.CounterVec
}

// NewRegistryMetrics creates registry and storage metrics.
func NewRegistryMetrics() *RegistryMetrics {
	reg := GetRegistry()

	m := &RegistryMetrics{
		Devices: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Subsystem: "registry",
				Name:      "devices",
				Help:      "Registered devices by state",
			},
			[]string{"state"},
		),
		KeyTables: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Subsystem: "registry",
				Name:      "key_tables",
				Help:      "Number of key tables",
			},
		),
		AuditEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "audit",
				Name:      "events_total",
				Help:      "Audit events written by type and result",
			},
			[]string{"event_type", "result"},
		),
		StorageFails: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "storage",
				Name:      "failures_total",
				Help:      "Storage operation failures",
			},
			[]string{"operation"},
		),
	}

	reg.MustRegister(m.Devices, m.KeyTables, m.AuditEvents, m.StorageFails)
	return m
}

// SetDevices updates the device gauges.
func (m *RegistryMetrics) SetDevices(active, blacklisted int) {
	m.Devices.WithLabelValues("active").Set(float64(active))
	m.Devices.WithLabelValues("blacklisted").Set(float64(blacklisted))
}

// SetKeyTables records the number of generated key tables.
func (m *RegistryMetrics) SetKeyTables(n int) {
	m.KeyTables.Set(float64(n))
}

// ObserveAuditEvent counts a stored audit event.
func (m *RegistryMetrics) ObserveAuditEvent(eventType, result string) {
	m.AuditEvents.WithLabelValues(eventType, result).Inc()
}

// ObserveStorageFailure counts a failed storage operation.
func (m *RegistryMetrics) ObserveStorageFailure(operation string) {
	m.StorageFails.WithLabelValues(operation).Inc()
}
