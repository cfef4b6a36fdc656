// Package metrics records scan, enumeration and index events.
package metrics

import "time"

// MetricsRegistry is the in-memory store behind RegistryRecorder.
type MetricsRegistry interface {
	SetEnabled(enabled bool)
	IsEnabled() bool
	Counter(name string, labels Labels)
	Gauge(name string, value float64, labels Labels)
	Histogram(name string, value float64, labels Labels)
	GetMetrics() map[string]*Metric
	Reset()
}

// Recorder receives scan pipeline and share index events.
type Recorder interface {
	RecordProbe(alive bool, duration time.Duration)
	RecordShareFound(mode, permission string)
	RecordHostEnumerated(duration time.Duration)
	IncrementEnumerationFailures(errorCode string)
	JobStarted()
	JobFinished(mode, state string, duration time.Duration)
	RecordIndexBuild(status string, entries int, duration time.Duration)
	IncrementIndexSearches(status string)
}

var (
	_ MetricsRegistry = (*Registry)(nil)
	_ Recorder        = (*RegistryRecorder)(nil)
	_ Recorder        = (*PrometheusMetrics)(nil)
)
