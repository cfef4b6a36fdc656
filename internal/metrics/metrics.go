// Package metrics records scan, enumeration and index events. One-shot CLI
// runs use the in-memory Registry; the API server exports the same events
// through Prometheus.
package metrics

import (
	"maps"
	"slices"
	"strings"
	"sync"
	"time"
)

// MetricType is the kind of a Metric.
type MetricType string

const (
	TypeCounter   MetricType = "counter"
	TypeGauge     MetricType = "gauge"
	TypeHistogram MetricType = "histogram"
)

// Labels are the dimensions of a metric.
type Labels map[string]string

// Metric is one labelled series. For histograms Value is the last
// observation and Count and Sum accumulate.
type Metric struct {
	Name      string
	Type      MetricType
	Value     float64
	Count     uint64
	Sum       float64
	Labels    Labels
	Timestamp time.Time
}

// Registry is a concurrency-safe in-memory metric store.
type Registry struct {
	mu      sync.RWMutex
	metrics map[string]*Metric
	enabled bool
}

func NewRegistry() *Registry {
	return &Registry{metrics: make(map[string]*Metric), enabled: true}
}

// SetEnabled turns recording on or off. Existing series are kept.
func (r *Registry) SetEnabled(enabled bool) {
	r.mu.Lock()
	r.enabled = enabled
	r.mu.Unlock()
}

func (r *Registry) IsEnabled() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.enabled
}

// Counter adds one to the series.
func (r *Registry) Counter(name string, labels Labels) {
	r.observe(name, TypeCounter, labels, func(m *Metric) { m.Value++ })
}

// Gauge sets the series to value.
func (r *Registry) Gauge(name string, value float64, labels Labels) {
	r.observe(name, TypeGauge, labels, func(m *Metric) { m.Value = value })
}

// Histogram records one observation.
func (r *Registry) Histogram(name string, value float64, labels Labels) {
	r.observe(name, TypeHistogram, labels, func(m *Metric) {
		m.Value = value
		m.Count++
		m.Sum += value
	})
}

// observe applies fn to the series under the write lock, creating it first
// if needed. It is a no-op while the registry is disabled.
func (r *Registry) observe(name string, typ MetricType, labels Labels, fn func(*Metric)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.enabled {
		return
	}
	key := r.makeKey(name, labels)
	m, ok := r.metrics[key]
	if !ok {
		m = &Metric{Name: name, Type: typ, Labels: maps.Clone(labels)}
		r.metrics[key] = m
	}
	fn(m)
	m.Timestamp = time.Now()
}

// GetMetrics returns a deep copy of every series keyed by makeKey.
func (r *Registry) GetMetrics() map[string]*Metric {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]*Metric, len(r.metrics))
	for key, m := range r.metrics {
		c := *m
		c.Labels = maps.Clone(m.Labels)
		out[key] = &c
	}
	return out
}

// Reset drops every series.
func (r *Registry) Reset() {
	r.mu.Lock()
	r.metrics = make(map[string]*Metric)
	r.mu.Unlock()
}

// makeKey renders name:k1=v1:k2=v2 with label keys sorted.
func (r *Registry) makeKey(name string, labels Labels) string {
	if len(labels) == 0 {
		return name
	}
	var b strings.Builder
	b.WriteString(name)
	for _, k := range slices.Sorted(maps.Keys(labels)) {
		b.WriteString(":" + k + "=" + labels[k])
	}
	return b.String()
}

var (
	defaultMu       sync.RWMutex
	defaultRegistry = NewRegistry()
)

// SetDefault replaces the package registry.
func SetDefault(registry *Registry) {
	defaultMu.Lock()
	defaultRegistry = registry
	defaultMu.Unlock()
}

// Default returns the package registry.
func Default() *Registry {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultRegistry
}

func SetEnabled(enabled bool)                             { Default().SetEnabled(enabled) }
func Counter(name string, labels Labels)                  { Default().Counter(name, labels) }
func Gauge(name string, value float64, labels Labels)     { Default().Gauge(name, value, labels) }
func Histogram(name string, value float64, labels Labels) { Default().Histogram(name, value, labels) }
func GetMetrics() map[string]*Metric                      { return Default().GetMetrics() }
func Reset()                                              { Default().Reset() }

// Predefined metric names for common operations.
const (
	// Liveness probe metrics.
	MetricProbesTotal   = "probes_total"
	MetricProbeDuration = "probe_duration_seconds"
	MetricHostsAlive    = "hosts_alive_total"

	// Enumeration metrics.
	MetricSharesFound         = "shares_found_total"
	MetricEnumerationFailures = "enumeration_failures_total"
	MetricEnumerationDuration = "enumeration_duration_seconds"

	// Job metrics.
	MetricJobsTotal   = "jobs_total"
	MetricJobDuration = "job_duration_seconds"
	MetricJobsActive  = "jobs_active"

	// Index metrics.
	MetricIndexBuilds        = "index_builds_total"
	MetricIndexBuildDuration = "index_build_duration_seconds"
	MetricIndexEntries       = "index_entries"
	MetricIndexSearches      = "index_searches_total"
)

// Common label keys.
const (
	LabelMode       = "mode"
	LabelResult     = "result"
	LabelState      = "state"
	LabelPermission = "permission"
	LabelError      = "error"
	LabelStatus     = "status"
	LabelSession    = "session_id"
)

// Common status label values.
const (
	StatusSuccess  = "success"
	StatusFailed   = "failed"
	StatusBuilding = "building"
)

// RegistryRecorder reports scan and index events into a Registry.
type RegistryRecorder struct {
	registry *Registry
}

// NewRegistryRecorder returns a Recorder backed by registry, or by the
// default registry when registry is nil.
func NewRegistryRecorder(registry *Registry) *RegistryRecorder {
	if registry == nil {
		registry = Default()
	}
	return &RegistryRecorder{registry: registry}
}

// RecordProbe records a single liveness probe outcome.
func (r *RegistryRecorder) RecordProbe(alive bool, duration time.Duration) {
	result := "dead"
	if alive {
		result = "alive"
		r.registry.Counter(MetricHostsAlive, nil)
	}
	r.registry.Counter(MetricProbesTotal, Labels{LabelResult: result})
	r.registry.Histogram(MetricProbeDuration, duration.Seconds(), nil)
}

// RecordShareFound counts an enumerated share by permission.
func (r *RegistryRecorder) RecordShareFound(mode, permission string) {
	r.registry.Counter(MetricSharesFound, Labels{
		LabelMode:       mode,
		LabelPermission: permission,
	})
}

// RecordHostEnumerated records how long one host took to enumerate.
func (r *RegistryRecorder) RecordHostEnumerated(duration time.Duration) {
	r.registry.Histogram(MetricEnumerationDuration, duration.Seconds(), nil)
}

// IncrementEnumerationFailures counts an isolated host failure by error code.
func (r *RegistryRecorder) IncrementEnumerationFailures(errorCode string) {
	r.registry.Counter(MetricEnumerationFailures, Labels{LabelError: errorCode})
}

// JobStarted bumps the active job gauge.
func (r *RegistryRecorder) JobStarted() {
	r.adjustActive(1)
}

// JobFinished records a job's terminal state and duration.
func (r *RegistryRecorder) JobFinished(mode, state string, duration time.Duration) {
	r.adjustActive(-1)
	r.registry.Counter(MetricJobsTotal, Labels{
		LabelMode:  mode,
		LabelState: state,
	})
	r.registry.Histogram(MetricJobDuration, duration.Seconds(), Labels{LabelMode: mode})
}

// RecordIndexBuild records an index build outcome.
func (r *RegistryRecorder) RecordIndexBuild(status string, entries int, duration time.Duration) {
	r.registry.Counter(MetricIndexBuilds, Labels{LabelStatus: status})
	r.registry.Histogram(MetricIndexBuildDuration, duration.Seconds(), nil)
	if status == StatusSuccess {
		r.registry.Gauge(MetricIndexEntries, float64(entries), nil)
	}
}

// IncrementIndexSearches counts a search by outcome.
func (r *RegistryRecorder) IncrementIndexSearches(status string) {
	r.registry.Counter(MetricIndexSearches, Labels{LabelStatus: status})
}

// Value returns the current value of a metric, or 0 if it was never recorded.
func (r *RegistryRecorder) Value(name string, labels Labels) float64 {
	key := r.registry.makeKey(name, labels)
	if m, ok := r.registry.GetMetrics()[key]; ok {
		return m.Value
	}
	return 0
}

func (r *RegistryRecorder) adjustActive(delta float64) {
	r.registry.observe(MetricJobsActive, TypeGauge, nil, func(m *Metric) { m.Value += delta })
}
