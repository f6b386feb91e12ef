package telemetry

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// MetricType represents the type of metric
type MetricType string

const (
	Counter   MetricType = "counter"
	Gauge     MetricType = "gauge"
	Histogram MetricType = "histogram"
	Timer     MetricType = "timer"
)

// Metric is one aggregated series
type Metric struct {
	Name    string            `json:"name"`
	Type    MetricType        `json:"type"`
	Labels  map[string]string `json:"labels"`
	Value   float64           `json:"value"`
	Count   uint64            `json:"count,omitempty"`
	Updated time.Time         `json:"updated"`
	Unit    string            `json:"unit,omitempty"`
}

// Collector aggregates metrics in memory. Counters sum, gauges keep the
// last value, histograms and timers keep a sum and a count.
type Collector struct {
	mu      sync.RWMutex
	series  map[string]*Metric
	enabled bool
}

// NewCollector creates a new telemetry collector
func NewCollector(enabled bool) *Collector {
	return &Collector{series: map[string]*Metric{}, enabled: enabled}
}

func (c *Collector) Enabled() bool { return c.enabled }

// Counter increments a counter metric
func (c *Collector) Counter(name string, value float64, labels map[string]string) {
	c.observe(name, Counter, value, labels, "")
}

// Gauge sets a gauge metric value
func (c *Collector) Gauge(name string, value float64, labels map[string]string) {
	c.observe(name, Gauge, value, labels, "")
}

// Histogram records a histogram value
func (c *Collector) Histogram(name string, value float64, labels map[string]string) {
	c.observe(name, Histogram, value, labels, "")
}

// Timer records a duration measurement in milliseconds
func (c *Collector) Timer(name string, duration time.Duration, labels map[string]string) {
	c.observe(name, Timer, float64(duration.Milliseconds()), labels, "ms")
}

func (c *Collector) observe(name string, typ MetricType, value float64, labels map[string]string, unit string) {
	if !c.enabled {
		return
	}
	key := seriesKey(name, labels)

	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.series[key]
	if !ok {
		copied := make(map[string]string, len(labels))
		for k, v := range labels {
			copied[k] = v
		}
		m = &Metric{Name: name, Type: typ, Labels: copied, Unit: unit}
		c.series[key] = m
	}
	switch typ {
	case Gauge:
		m.Value = value
	default:
		m.Value += value
	}
	m.Count++
	m.Updated = time.Now()
}

// GetMetrics returns a snapshot of every series, sorted by name and labels
func (c *Collector) GetMetrics() []Metric {
	c.mu.RLock()
	keys := make([]string, 0, len(c.series))
	for k := range c.series {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]Metric, 0, len(keys))
	for _, k := range keys {
		out = append(out, *c.series[k])
	}
	c.mu.RUnlock()
	return out
}

// LogSummary writes every series to the log at debug level
func (c *Collector) LogSummary() {
	for _, m := range c.GetMetrics() {
		log.Debug().
			Str("name", m.Name).
			Str("type", string(m.Type)).
			Float64("value", m.Value).
			Uint64("count", m.Count).
			Interface("labels", m.Labels).
			Msg("telemetry_metric")
	}
}

func seriesKey(name string, labels map[string]string) string {
	pairs := make([]string, 0, len(labels))
	for k, v := range labels {
		pairs = append(pairs, k+"="+v)
	}
	sort.Strings(pairs)
	return name + "{" + strings.Join(pairs, ",") + "}"
}

var (
	globalMu        sync.Mutex
	globalCollector *Collector
)

// InitGlobal initializes the global telemetry collector
func InitGlobal(enabled bool) *Collector {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalCollector = NewCollector(enabled)
	return globalCollector
}

// GetGlobal returns the global collector
func GetGlobal() *Collector {
	globalMu.Lock()
	defer globalMu.Unlock()
	if globalCollector == nil {
		globalCollector = NewCollector(false)
	}
	return globalCollector
}

// CounterGlobal increments a counter using the global collector
func CounterGlobal(name string, value float64, labels map[string]string) {
	GetGlobal().Counter(name, value, labels)
}

// GaugeGlobal sets a gauge using the global collector
func GaugeGlobal(name string, value float64, labels map[string]string) {
	GetGlobal().Gauge(name, value, labels)
}

// HistogramGlobal records a histogram using the global collector
func HistogramGlobal(name string, value float64, labels map[string]string) {
	GetGlobal().Histogram(name, value, labels)
}

// TimerGlobal records a timer using the global collector
func TimerGlobal(name string, duration time.Duration, labels map[string]string) {
	GetGlobal().Timer(name, duration, labels)
}
