package metrics

import (
	"time"
)

// SyncMetrics holds all syncwatchd-specific metrics.
type SyncMetrics struct {
	registry *Registry

	// Counters
	SyncCyclesTotal    *Counter
	FullScansTotal     *Counter
	TargetedScansTotal *Counter
	DirectoriesScanned *Counter
	FailuresRecorded   *Counter
	ResourcesSkipped   *Counter
	RetriesTotal       *Counter
	ErrorsTotal        *Counter

	// Gauges
	ActiveSources      *Gauge
	TrackedDirectories *Gauge
	ActiveFailures     *Gauge
	DatabaseSizeBytes  *Gauge
	UptimeSeconds      *Gauge
	LastSyncTs         *Gauge

	// Histograms
	SyncDuration          *Histogram
	DiscoverDuration      *Histogram
	DatabaseQueryDuration *Histogram
}

// startTime records when metrics were initialized.
var startTime = time.Now()

// NewSyncMetrics creates and registers all syncwatchd metrics.
func NewSyncMetrics(registry *Registry) *SyncMetrics {
	if registry == nil {
		registry = Default()
	}

	m := &SyncMetrics{
		registry: registry,

		// Counters
		SyncCyclesTotal: registry.RegisterCounter(
			"sync_cycles_total",
			"Total number of sync cycles executed",
			nil,
		),
		FullScansTotal: registry.RegisterCounter(
			"full_scans_total",
			"Total number of full deep scans",
			nil,
		),
		TargetedScansTotal: registry.RegisterCounter(
			"targeted_scans_total",
			"Total number of targeted scans",
			nil,
		),
		DirectoriesScanned: registry.RegisterCounter(
			"directories_scanned_total",
			"Total number of directories listed during scans",
			nil,
		),
		FailuresRecorded: registry.RegisterCounter(
			"failures_recorded_total",
			"Total number of scan failures recorded",
			nil,
		),
		ResourcesSkipped: registry.RegisterCounter(
			"resources_skipped_total",
			"Total number of resources skipped by failure policy",
			nil,
		),
		RetriesTotal: registry.RegisterCounter(
			"retries_total",
			"Total number of retry attempts for failed resources",
			nil,
		),
		ErrorsTotal: registry.RegisterCounter(
			"errors_total",
			"Total number of errors",
			nil,
		),

		// Gauges
		ActiveSources: registry.RegisterGauge(
			"active_sources",
			"Number of configured sources being driven",
			nil,
		),
		TrackedDirectories: registry.RegisterGauge(
			"tracked_directories",
			"Number of directory tokens on record",
			nil,
		),
		ActiveFailures: registry.RegisterGauge(
			"active_failures",
			"Number of unresolved, non-excluded failures",
			nil,
		),
		DatabaseSizeBytes: registry.RegisterGauge(
			"database_size_bytes",
			"Size of the database in bytes",
			nil,
		),
		UptimeSeconds: registry.RegisterGauge(
			"uptime_seconds",
			"Number of seconds the daemon has been running",
			nil,
		),
		LastSyncTs: registry.RegisterGauge(
			"last_sync_timestamp",
			"Unix timestamp of the last completed sync",
			nil,
		),

		// Histograms
		SyncDuration: registry.RegisterHistogram(
			"sync_duration_seconds",
			"Duration of sync cycles in seconds",
			nil,
			[]float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600},
		),
		DiscoverDuration: registry.RegisterHistogram(
			"discover_duration_seconds",
			"Duration of single directory listings in seconds",
			nil,
			DurationBuckets,
		),
		DatabaseQueryDuration: registry.RegisterHistogram(
			"database_query_duration_seconds",
			"Duration of database queries in seconds",
			nil,
			DurationBuckets,
		),
	}

	return m
}

// RecordSyncCycle records one completed sync cycle.
func (m *SyncMetrics) RecordSyncCycle(strategy string, directories int, duration time.Duration) {
	m.SyncCyclesTotal.Inc()
	m.SyncDuration.ObserveDuration(duration)
	m.DirectoriesScanned.Add(uint64(directories))
	m.LastSyncTs.Set(time.Now().Unix())
	switch strategy {
	case "full_deep_scan":
		m.FullScansTotal.Inc()
	case "targeted_scan":
		m.TargetedScansTotal.Inc()
	}
}

// StartSyncTimer returns a timer for sync cycles.
func (m *SyncMetrics) StartSyncTimer() *HistogramTimer {
	return m.SyncDuration.Timer()
}

// RecordDiscover records one directory listing.
func (m *SyncMetrics) RecordDiscover(duration time.Duration) {
	m.DiscoverDuration.ObserveDuration(duration)
}

// RecordFailure records a tracked scan failure.
func (m *SyncMetrics) RecordFailure() {
	m.FailuresRecorded.Inc()
	m.ErrorsTotal.Inc()
}

// RecordSkip records a resource skipped by failure policy.
func (m *SyncMetrics) RecordSkip() {
	m.ResourcesSkipped.Inc()
}

// RecordRetry records a retry attempt.
func (m *SyncMetrics) RecordRetry() {
	m.RetriesTotal.Inc()
}

// RecordDatabaseQuery records a database query.
func (m *SyncMetrics) RecordDatabaseQuery(duration time.Duration) {
	m.DatabaseQueryDuration.ObserveDuration(duration)
}

// StartDatabaseQueryTimer returns a timer for database queries.
func (m *SyncMetrics) StartDatabaseQueryTimer() *HistogramTimer {
	return m.DatabaseQueryDuration.Timer()
}

// RecordError records an error.
func (m *SyncMetrics) RecordError() {
	m.ErrorsTotal.Inc()
}

// SetDatabaseSize sets the database size.
func (m *SyncMetrics) SetDatabaseSize(bytes int64) {
	m.DatabaseSizeBytes.Set(bytes)
}

// UpdateUptime updates the uptime metric.
func (m *SyncMetrics) UpdateUptime() {
	m.UptimeSeconds.Set(int64(time.Since(startTime).Seconds()))
}

// Snapshot returns a snapshot of key metrics.
func (m *SyncMetrics) Snapshot() map[string]interface{} {
	m.UpdateUptime()
	return map[string]interface{}{
		"sync_cycles_total":         m.SyncCyclesTotal.Value(),
		"full_scans_total":          m.FullScansTotal.Value(),
		"targeted_scans_total":      m.TargetedScansTotal.Value(),
		"directories_scanned_total": m.DirectoriesScanned.Value(),
		"failures_recorded_total":   m.FailuresRecorded.Value(),
		"resources_skipped_total":   m.ResourcesSkipped.Value(),
		"retries_total":             m.RetriesTotal.Value(),
		"errors_total":              m.ErrorsTotal.Value(),
		"active_sources":            m.ActiveSources.Value(),
		"tracked_directories":       m.TrackedDirectories.Value(),
		"active_failures":           m.ActiveFailures.Value(),
		"uptime_seconds":            m.UptimeSeconds.Value(),
		"sync_avg_seconds":          m.SyncDuration.Mean(),
	}
}

// Global syncwatchd metrics instance.
var defaultSyncMetrics *SyncMetrics

// GetMetrics returns the global syncwatchd metrics instance.
func GetMetrics() *SyncMetrics {
	if defaultSyncMetrics == nil {
		defaultSyncMetrics = NewSyncMetrics(Default())
	}
	return defaultSyncMetrics
}

// InitMetrics initializes the global syncwatchd metrics with a custom registry.
func InitMetrics(registry *Registry) *SyncMetrics {
	defaultSyncMetrics = NewSyncMetrics(registry)
	return defaultSyncMetrics
}
