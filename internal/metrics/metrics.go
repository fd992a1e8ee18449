// Package metrics records counters, gauges and timings for analysis runs.
// A snapshot of everything recorded, plus runtime memory figures and dependency
// health, is written next to the analysis outputs as run_metrics.json.
package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/johnayoung/cme-gap-analyzer/internal/config"
	"github.com/johnayoung/cme-gap-analyzer/internal/logger"
)

// SnapshotFile is the file name used by WriteSnapshot callers.
const SnapshotFile = "run_metrics.json"

const defaultHistorySize = 100

// MetricsCollector stores run metrics in memory. A nil collector is valid and records nothing.
type MetricsCollector struct {
	config    config.MetricsConfig
	logger    *logger.ComponentLogger
	mu        sync.RWMutex
	metrics   map[string]Metric
	enabled   map[string]bool
	checkers  []HealthChecker
	health    map[string]HealthStatus
	startTime time.Time

	eventCount int64
	errorCount int64
}

// Metric represents a single metric with metadata
type Metric struct {
	Name        string            `json:"name"`
	Type        MetricType        `json:"type"`
	Value       float64           `json:"value"`
	Labels      map[string]string `json:"labels,omitempty"`
	Description string            `json:"description"`
	UpdatedAt   time.Time         `json:"updated_at"`
	History     []MetricDataPoint `json:"history,omitempty"`
}

// MetricType represents different types of metrics
type MetricType string

const (
	MetricTypeCounter   MetricType = "counter"
	MetricTypeGauge     MetricType = "gauge"
	MetricTypeHistogram MetricType = "histogram"
)

// MetricDataPoint represents a time-series data point
type MetricDataPoint struct {
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
}

// HealthChecker is implemented by dependencies whose health is reported in the snapshot.
type HealthChecker interface {
	Name() string
	HealthCheck(ctx context.Context) error
}

// HealthStatus represents the health status of a dependency
type HealthStatus struct {
	Status    string        `json:"status"`
	Timestamp time.Time     `json:"timestamp"`
	Duration  time.Duration `json:"duration"`
	Error     string        `json:"error,omitempty"`
}

// MetricsSnapshot represents a snapshot of all metrics at a point in time
type MetricsSnapshot struct {
	Timestamp     time.Time               `json:"timestamp"`
	Uptime        time.Duration           `json:"uptime"`
	Metrics       map[string]Metric       `json:"metrics"`
	SystemMetrics SystemMetrics           `json:"system_metrics"`
	HealthStatus  map[string]HealthStatus `json:"health_status,omitempty"`
	EventCount    int64                   `json:"event_count"`
	ErrorCount    int64                   `json:"error_count"`
	ErrorRate     float64                 `json:"error_rate"`
}

// SystemMetrics represents runtime memory figures
type SystemMetrics struct {
	GoroutineCount int    `json:"goroutine_count"`
	NumGC          uint32 `json:"num_gc"`
	GCPauseNs      uint64 `json:"gc_pause_ns"`
	HeapAlloc      uint64 `json:"heap_alloc"`
	HeapSys        uint64 `json:"heap_sys"`
	HeapInuse      uint64 `json:"heap_inuse"`
}

// NewMetricsCollector creates a new metrics collector
func NewMetricsCollector(cfg config.MetricsConfig, loggerMgr *logger.LoggerManager) *MetricsCollector {
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = defaultHistorySize
	}

	var enabled map[string]bool
	if len(cfg.EnabledMetrics) > 0 {
		enabled = make(map[string]bool, len(cfg.EnabledMetrics))
		for _, name := range cfg.EnabledMetrics {
			enabled[name] = true
		}
	}

	return &MetricsCollector{
		config:    cfg,
		logger:    loggerMgr.GetComponentLogger("metrics"),
		metrics:   make(map[string]Metric),
		enabled:   enabled,
		health:    make(map[string]HealthStatus),
		startTime: time.Now(),
	}
}

// RegisterHealthChecker adds a dependency to report in snapshots
func (mc *MetricsCollector) RegisterHealthChecker(checker HealthChecker) {
	if mc == nil || checker == nil {
		return
	}
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.checkers = append(mc.checkers, checker)
	mc.logger.Debug("registered health checker", "name", checker.Name())
}

// CheckHealth runs every registered health check and stores the results.
// It returns the first failure, if any.
func (mc *MetricsCollector) CheckHealth(ctx context.Context) error {
	if mc == nil {
		return nil
	}

	mc.mu.RLock()
	checkers := append([]HealthChecker(nil), mc.checkers...)
	mc.mu.RUnlock()

	var firstErr error
	for _, checker := range checkers {
		start := time.Now()
		err := checker.HealthCheck(ctx)

		status := HealthStatus{Status: "healthy", Timestamp: time.Now(), Duration: time.Since(start)}
		if err != nil {
			status.Status = "unhealthy"
			status.Error = err.Error()
			if firstErr == nil {
				firstErr = fmt.Errorf("%s: %w", checker.Name(), err)
			}
			mc.logger.Warn("health check failed", "name", checker.Name(), "error", err)
		}

		mc.mu.Lock()
		mc.health[checker.Name()] = status
		mc.mu.Unlock()
	}
	return firstErr
}

// RecordCounter increments a counter metric
func (mc *MetricsCollector) RecordCounter(name, description string, labels map[string]string) {
	mc.AddCounter(name, 1, description, labels)
}

// AddCounter increments a counter metric by delta
func (mc *MetricsCollector) AddCounter(name string, delta float64, description string, labels map[string]string) {
	if mc.recordMetric(name, MetricTypeCounter, delta, description, labels) {
		atomic.AddInt64(&mc.eventCount, 1)
	}
}

// RecordGauge sets a gauge metric value
func (mc *MetricsCollector) RecordGauge(name string, value float64, description string, labels map[string]string) {
	mc.recordMetric(name, MetricTypeGauge, value, description, labels)
}

// RecordError records an error metric
func (mc *MetricsCollector) RecordError(name, description string, labels map[string]string) {
	if mc.recordMetric(name, MetricTypeCounter, 1, description, labels) {
		atomic.AddInt64(&mc.eventCount, 1)
		atomic.AddInt64(&mc.errorCount, 1)
	}
}

// RecordDuration records a duration metric in milliseconds
func (mc *MetricsCollector) RecordDuration(name string, duration time.Duration, description string, labels map[string]string) {
	ms := float64(duration.Nanoseconds()) / float64(time.Millisecond)
	mc.recordMetric(name, MetricTypeHistogram, ms, description, labels)
}

// recordMetric reports whether the metric was stored
func (mc *MetricsCollector) recordMetric(name string, metricType MetricType, value float64, description string, labels map[string]string) bool {
	if mc == nil || !mc.config.Enabled {
		return false
	}
	if mc.enabled != nil && !mc.enabled[name] {
		return false
	}

	mc.mu.Lock()
	defer mc.mu.Unlock()

	now := time.Now()

	existing, exists := mc.metrics[name]
	if !exists {
		mc.metrics[name] = Metric{
			Name:        name,
			Type:        metricType,
			Value:       value,
			Labels:      labels,
			Description: description,
			UpdatedAt:   now,
			History:     []MetricDataPoint{{Timestamp: now, Value: value}},
		}
		return true
	}

	if metricType == MetricTypeCounter {
		existing.Value += value
	} else {
		existing.Value = value
	}
	existing.UpdatedAt = now

	existing.History = append(existing.History, MetricDataPoint{Timestamp: now, Value: existing.Value})
	if len(existing.History) > mc.config.HistorySize {
		existing.History = existing.History[len(existing.History)-mc.config.HistorySize:]
	}

	mc.metrics[name] = existing
	return true
}

// Value returns the current value of a metric
func (mc *MetricsCollector) Value(name string) (float64, bool) {
	if mc == nil {
		return 0, false
	}
	mc.mu.RLock()
	defer mc.mu.RUnlock()

	m, ok := mc.metrics[name]
	return m.Value, ok
}

// Names returns the recorded metric names in sorted order
func (mc *MetricsCollector) Names() []string {
	if mc == nil {
		return nil
	}
	mc.mu.RLock()
	defer mc.mu.RUnlock()

	names := make([]string, 0, len(mc.metrics))
	for name := range mc.metrics {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// GetSnapshot returns a snapshot of all current metrics
func (mc *MetricsCollector) GetSnapshot() MetricsSnapshot {
	if mc == nil {
		return MetricsSnapshot{Timestamp: time.Now(), Metrics: map[string]Metric{}}
	}

	mc.mu.RLock()
	defer mc.mu.RUnlock()

	metricsCopy := make(map[string]Metric, len(mc.metrics))
	for k, v := range mc.metrics {
		metricsCopy[k] = v
	}

	healthCopy := make(map[string]HealthStatus, len(mc.health))
	for k, v := range mc.health {
		healthCopy[k] = v
	}

	events := atomic.LoadInt64(&mc.eventCount)
	errs := atomic.LoadInt64(&mc.errorCount)
	var errorRate float64
	if events > 0 {
		errorRate = float64(errs) / float64(events) * 100
	}

	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	return MetricsSnapshot{
		Timestamp: time.Now(),
		Uptime:    time.Since(mc.startTime),
		Metrics:   metricsCopy,
		SystemMetrics: SystemMetrics{
			GoroutineCount: runtime.NumGoroutine(),
			NumGC:          m.NumGC,
			GCPauseNs:      m.PauseTotalNs,
			HeapAlloc:      m.HeapAlloc,
			HeapSys:        m.HeapSys,
			HeapInuse:      m.HeapInuse,
		},
		HealthStatus: healthCopy,
		EventCount:   events,
		ErrorCount:   errs,
		ErrorRate:    errorRate,
	}
}

// WriteSnapshot writes the current snapshot as indented JSON to path
func (mc *MetricsCollector) WriteSnapshot(path string) error {
	data, err := json.MarshalIndent(mc.GetSnapshot(), "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal metrics snapshot: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create metrics directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write metrics snapshot: %w", err)
	}
	return nil
}
