// Package metrics provides Prometheus-based metrics collection for sharescan.
package metrics

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const (
	// Namespace for all sharescan metrics
	namespace = "sharescan"

	// Subsystems
	subsystemProbe       = "probe"
	subsystemEnumeration = "enumeration"
	subsystemJob         = "job"
	subsystemIndex       = "index"
	subsystemSystem      = "system"
	subsystemAPI         = "api"
)

// PrometheusMetrics holds all Prometheus metric collectors
type PrometheusMetrics struct {
	// Liveness probe metrics
	probesTotal   *prometheus.CounterVec
	probeDuration prometheus.Histogram

	// Enumeration metrics
	sharesFound         *prometheus.CounterVec
	enumerationFailures *prometheus.CounterVec
	enumerationDuration prometheus.Histogram

	// Job metrics
	jobsTotal   *prometheus.CounterVec
	jobDuration *prometheus.HistogramVec
	activeJobs  prometheus.Gauge

	// Index metrics
	indexBuilds        *prometheus.CounterVec
	indexBuildDuration prometheus.Histogram
	indexEntries       prometheus.Gauge
	indexSearches      *prometheus.CounterVec

	// API metrics
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec

	// System metrics
	goroutines prometheus.Gauge
	uptime     prometheus.Gauge

	startTime  time.Time
	lastUpdate time.Time
	mu         sync.RWMutex
	registry   *prometheus.Registry
}

// NewPrometheusMetrics creates a new Prometheus metrics instance with all collectors
func NewPrometheusMetrics() *PrometheusMetrics {
	registry := prometheus.NewRegistry()

	pm := &PrometheusMetrics{
		startTime: time.Now(),
		registry:  registry,
	}

	pm.initProbeMetrics()
	pm.initEnumerationMetrics()
	pm.initJobMetrics()
	pm.initIndexMetrics()
	pm.initAPIMetrics()
	pm.initSystemMetrics()

	pm.registerMetrics()

	// Register standard Go and process collectors for runtime visibility
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return pm
}

func (pm *PrometheusMetrics) initProbeMetrics() {
	pm.probesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemProbe,
			Name:      "total",
			Help:      "Liveness probes performed by result",
		},
		[]string{"result"},
	)

	pm.probeDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystemProbe,
			Name:      "duration_seconds",
			Help:      "Duration of liveness probes in seconds",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.0, 5.0},
		},
	)
}

func (pm *PrometheusMetrics) initEnumerationMetrics() {
	pm.sharesFound = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemEnumeration,
			Name:      "shares_total",
			Help:      "Shares found by scan mode and permission",
		},
		[]string{"mode", "permission"},
	)

	pm.enumerationFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemEnumeration,
			Name:      "failures_total",
			Help:      "Hosts whose enumeration failed, by error code",
		},
		[]string{"error_code"},
	)

	pm.enumerationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystemEnumeration,
			Name:      "host_duration_seconds",
			Help:      "Time spent enumerating a single host",
			Buckets:   []float64{0.1, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0, 60.0},
		},
	)
}

func (pm *PrometheusMetrics) initJobMetrics() {
	pm.jobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemJob,
			Name:      "total",
			Help:      "Scan jobs finished by mode and terminal state",
		},
		[]string{"mode", "state"},
	)

	pm.jobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystemJob,
			Name:      "duration_seconds",
			Help:      "Duration of scan jobs in seconds",
			Buckets:   []float64{1.0, 5.0, 10.0, 30.0, 60.0, 300.0, 600.0, 1800.0},
		},
		[]string{"mode"},
	)

	pm.activeJobs = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemJob,
			Name:      "active",
			Help:      "Number of currently running scan jobs",
		},
	)
}

func (pm *PrometheusMetrics) initIndexMetrics() {
	pm.indexBuilds = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemIndex,
			Name:      "builds_total",
			Help:      "Share index builds by status",
		},
		[]string{"status"},
	)

	pm.indexBuildDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystemIndex,
			Name:      "build_duration_seconds",
			Help:      "Duration of share index builds in seconds",
			Buckets:   []float64{0.5, 1.0, 5.0, 10.0, 30.0, 60.0, 300.0, 600.0},
		},
	)

	pm.indexEntries = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemIndex,
			Name:      "entries",
			Help:      "Entries in the most recently built share index",
		},
	)

	pm.indexSearches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemIndex,
			Name:      "searches_total",
			Help:      "Index searches by status",
		},
		[]string{"status"},
	)
}

func (pm *PrometheusMetrics) initAPIMetrics() {
	pm.httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemAPI,
			Name:      "requests_total",
			Help:      "Total number of HTTP requests by method, route and status",
		},
		[]string{"method", "route", "status"},
	)

	pm.httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystemAPI,
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 2.0, 5.0},
		},
		[]string{"method", "route"},
	)
}

func (pm *PrometheusMetrics) initSystemMetrics() {
	pm.goroutines = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemSystem,
			Name:      "goroutines",
			Help:      "Current number of goroutines",
		},
	)

	pm.uptime = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemSystem,
			Name:      "uptime_seconds",
			Help:      "Application uptime in seconds",
		},
	)
}

// registerMetrics registers all metrics with the Prometheus registry
func (pm *PrometheusMetrics) registerMetrics() {
	pm.registry.MustRegister(
		pm.probesTotal,
		pm.probeDuration,
		pm.sharesFound,
		pm.enumerationFailures,
		pm.enumerationDuration,
		pm.jobsTotal,
		pm.jobDuration,
		pm.activeJobs,
		pm.indexBuilds,
		pm.indexBuildDuration,
		pm.indexEntries,
		pm.indexSearches,
		pm.httpRequests,
		pm.httpDuration,
		pm.goroutines,
		pm.uptime,
	)
}

// GetRegistry returns the Prometheus registry for HTTP handler
func (pm *PrometheusMetrics) GetRegistry() *prometheus.Registry {
	return pm.registry
}

// RecordProbe records a single liveness probe outcome.
func (pm *PrometheusMetrics) RecordProbe(alive bool, duration time.Duration) {
	result := "dead"
	if alive {
		result = "alive"
	}
	pm.probesTotal.WithLabelValues(result).Inc()
	pm.probeDuration.Observe(duration.Seconds())
}

// RecordShareFound counts an enumerated share.
func (pm *PrometheusMetrics) RecordShareFound(mode, permission string) {
	pm.sharesFound.WithLabelValues(mode, permission).Inc()
}

// RecordHostEnumerated records how long one host took to enumerate.
func (pm *PrometheusMetrics) RecordHostEnumerated(duration time.Duration) {
	pm.enumerationDuration.Observe(duration.Seconds())
}

// IncrementEnumerationFailures counts an isolated host failure.
func (pm *PrometheusMetrics) IncrementEnumerationFailures(errorCode string) {
	pm.enumerationFailures.WithLabelValues(errorCode).Inc()
}

// JobStarted bumps the active job gauge.
func (pm *PrometheusMetrics) JobStarted() {
	pm.activeJobs.Inc()
}

// JobFinished records a job's terminal state and duration.
func (pm *PrometheusMetrics) JobFinished(mode, state string, duration time.Duration) {
	pm.activeJobs.Dec()
	pm.jobsTotal.WithLabelValues(mode, state).Inc()
	pm.jobDuration.WithLabelValues(mode).Observe(duration.Seconds())
}

// RecordIndexBuild records an index build outcome.
func (pm *PrometheusMetrics) RecordIndexBuild(status string, entries int, duration time.Duration) {
	pm.indexBuilds.WithLabelValues(status).Inc()
	pm.indexBuildDuration.Observe(duration.Seconds())
	if status == StatusSuccess {
		pm.indexEntries.Set(float64(entries))
	}
}

// IncrementIndexSearches counts a search by status.
func (pm *PrometheusMetrics) IncrementIndexSearches(status string) {
	pm.indexSearches.WithLabelValues(status).Inc()
}

// IncrementHTTPRequests increments HTTP request counter
func (pm *PrometheusMetrics) IncrementHTTPRequests(method, route, status string) {
	pm.httpRequests.WithLabelValues(method, route, status).Inc()
}

// RecordHTTPDuration records HTTP request duration
func (pm *PrometheusMetrics) RecordHTTPDuration(method, route string, duration time.Duration) {
	pm.httpDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// UpdateSystemMetrics updates all system metrics with current values
func (pm *PrometheusMetrics) UpdateSystemMetrics() {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	pm.goroutines.Set(float64(runtime.NumGoroutine()))
	pm.uptime.Set(time.Since(pm.startTime).Seconds())
	pm.lastUpdate = time.Now()
}

// GetUptime returns the application uptime
func (pm *PrometheusMetrics) GetUptime() time.Duration {
	return time.Since(pm.startTime)
}

// GetLastUpdate returns the last metrics update time
func (pm *PrometheusMetrics) GetLastUpdate() time.Time {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return pm.lastUpdate
}

// StartPeriodicUpdates updates system metrics every interval until ctx is done.
func (pm *PrometheusMetrics) StartPeriodicUpdates(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	pm.UpdateSystemMetrics()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pm.UpdateSystemMetrics()
		}
	}
}

// Global instance for easy access
var globalMetrics *PrometheusMetrics
var metricsOnce sync.Once

// GetGlobalMetrics returns the global Prometheus metrics instance
func GetGlobalMetrics() *PrometheusMetrics {
	metricsOnce.Do(func() {
		globalMetrics = NewPrometheusMetrics()
	})
	return globalMetrics
}
