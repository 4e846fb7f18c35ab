// Package metrics provides Prometheus instrumentation for the Birthmark
// authority. Labels never carry secrets, ciphertexts or content hashes.
package metrics

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"regexp"
	"runtime"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Namespace prefixes every metric name.
const Namespace = "birthmark"

// registry is the process-wide Prometheus registry.
var (
	registry     *prometheus.Registry
	registryOnce sync.Once
	registryMu   sync.Mutex
)

// GetRegistry returns the authority metrics registry.
func GetRegistry() *prometheus.Registry {
	registryOnce.Do(func() {
		registry = prometheus.NewRegistry()
		registry.MustRegister(collectors.NewGoCollector())
		registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	})
	return registry
}

// ResetRegistry resets the registry for testing purposes.
// This should only be used in tests.
func ResetRegistry() {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry = prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	registryOnce = sync.Once{}
}

// ServiceMetrics contains HTTP metrics for a service.
type ServiceMetrics struct {
	ServiceName string

	// HTTP metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	ActiveRequests  prometheus.Gauge

	// Service info
	ServiceInfo *prometheus.GaugeVec

	// Auth metrics
	AuthAttempts *prometheus.CounterVec

	// Error metrics
	ErrorsTotal *prometheus.CounterVec
}

// NewServiceMetrics creates metrics for a service.
func NewServiceMetrics(serviceName, version string) *ServiceMetrics {
	reg := GetRegistry()

	m := &ServiceMetrics{
		ServiceName: serviceName,

		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: serviceName,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),

		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: Namespace,
				Subsystem: serviceName,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),

		ActiveRequests: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Subsystem: serviceName,
				Name:      "http_active_requests",
				Help:      "Number of active HTTP requests",
			},
		),

		ServiceInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Subsystem: serviceName,
				Name:      "info",
				Help:      "Service information",
			},
			[]string{"version", "go_version"},
		),

		AuthAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: serviceName,
				Name:      "auth_attempts_total",
				Help:      "Total authentication attempts",
			},
			[]string{"method", "result"},
		),

		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: serviceName,
				Name:      "errors_total",
				Help:      "Total number of errors",
			},
			[]string{"type"},
		),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.ActiveRequests,
		m.ServiceInfo,
		m.AuthAttempts,
		m.ErrorsTotal,
	)

	// Set service info
	m.ServiceInfo.WithLabelValues(version, runtime.Version()).Set(1)

	return m
}

// Handler returns an HTTP handler for the metrics endpoint.
func Handler() http.Handler {
	return promhttp.HandlerFor(GetRegistry(), promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// HashID creates a short hash of an identifier for use as a metric label.
func HashID(id string) string {
	if id == "" {
		return "unknown"
	}
	h := sha256.Sum256([]byte(id))
	return hex.EncodeToString(h[:8])
}

// pathParams maps a collection segment to the placeholder for the segment
// that follows it.
var pathParams = map[string]string{
	"devices": "{device_serial}",
	"check":   "{device_serial}",
	"audit":   "{event_id}",
}

// reserved segments are literal routes, not identifiers.
var reserved = map[string]bool{
	"stats":  true,
	"verify": true,
	"export": true,
}

// SanitizePath converts a path with identifiers to a template.
// Example: /api/v1/devices/CAM-123/blacklist -> /api/v1/devices/{device_serial}/blacklist
func SanitizePath(path string) string {
	segments := strings.Split(path, "/")
	for i := 0; i+1 < len(segments); i++ {
		placeholder, ok := pathParams[segments[i]]
		if !ok {
			continue
		}
		next := segments[i+1]
		if next != "" && !reserved[next] {
			segments[i+1] = placeholder
			i++
		}
	}
	return jwtPattern.ReplaceAllString(strings.Join(segments, "/"), "{jwt_token}")
}

var jwtPattern = regexp.MustCompile(`eyJ[A-Za-z0-9_-]+`)
