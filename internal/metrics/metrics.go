package metrics

import (
	"sync"
	"time"
)

// Metric is a single named value with metadata.
type Metric struct {
	Name        string  `json:"name"`
	Value       float64 `json:"value"`
	Count       int64   `json:"count,omitempty"`
	Description string  `json:"description,omitempty"`
	LastUpdate  time.Time `json:"last_update"`
}

// Registry is the in-memory metrics store. Counters only go up; gauges
// hold the latest value.
type Registry struct {
	mu        sync.RWMutex
	counters  map[string]*Metric
	gauges    map[string]*Metric
	startTime time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		counters:  make(map[string]*Metric),
		gauges:    make(map[string]*Metric),
		startTime: time.Now(),
	}
}

// IncrCounter increments a counter by one.
func (r *Registry) IncrCounter(name string) {
	r.AddCounter(name, 1)
}

// AddCounter increments a counter by delta.
func (r *Registry) AddCounter(name string, delta float64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.counters[name]
	if !ok {
		m = &Metric{Name: name}
		r.counters[name] = m
	}
	m.Value += delta
	m.Count++
	m.LastUpdate = time.Now()
}

// SetGauge stores the latest value for a gauge.
func (r *Registry) SetGauge(name string, value float64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.gauges[name]
	if !ok {
		m = &Metric{Name: name}
		r.gauges[name] = m
	}
	m.Value = value
	m.LastUpdate = time.Now()
}

// Counter returns a counter's current value, 0 when unset.
func (r *Registry) Counter(name string) float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if m, ok := r.counters[name]; ok {
		return m.Value
	}
	return 0
}

// Gauge returns a gauge's current value, 0 when unset.
func (r *Registry) Gauge(name string) float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if m, ok := r.gauges[name]; ok {
		return m.Value
	}
	return 0
}

// Snapshot returns all metrics plus uptime, for the HTTP surface.
func (r *Registry) Snapshot() map[string]interface{} {
	r.mu.RLock()
	defer r.mu.RUnlock()

	counters := make(map[string]float64, len(r.counters))
	for name, m := range r.counters {
		counters[name] = m.Value
	}
	gauges := make(map[string]float64, len(r.gauges))
	for name, m := range r.gauges {
		gauges[name] = m.Value
	}

	return map[string]interface{}{
		"counters":       counters,
		"gauges":         gauges,
		"uptime_seconds": time.Since(r.startTime).Seconds(),
	}
}

// Metric names used across the engine.
const (
	MetricPushFrames        = "push_frames_total"
	MetricPushReconnects    = "push_reconnects_total"
	MetricPollFetches       = "poll_fetches_total"
	MetricPollSkipped       = "poll_skipped_inflight_total"
	MetricPollStaleDropped  = "poll_stale_dropped_total"
	MetricDedupMerges       = "reconcile_dedup_merges_total"
	MetricRecordsDropped    = "reconcile_records_dropped_total"
	MetricReactionsBuffered = "reconcile_reactions_buffered_total"
	MetricCacheHits         = "cache_hits_total"
	MetricCacheMisses       = "cache_misses_total"
	MetricCacheEvictions    = "cache_evictions_total"
	MetricSendsEnqueued     = "sends_enqueued_total"
	MetricSendsConfirmed    = "sends_confirmed_total"
	MetricSendsFailed       = "sends_failed_total"
	MetricGaugePendingReactions = "pending_reactions"
	MetricGaugeConversations    = "conversations"
)
