// Package observability keeps in-process operation metrics for the saga
// services and serves them as JSON.
package observability

import (
	"sync"
	"time"
)

// Counter names shared by the saga components.
const (
	CounterOutboxPublished  = "outbox.published"
	CounterOutboxSkipped    = "outbox.skipped"
	CounterOutboxFailed     = "outbox.failed"
	CounterLockUnavailable  = "lock.unavailable"
	CounterWebhookRejected  = "webhook.rejected"
	CounterConsumerFailures = "consumer.failures"
)

type OperationSnapshot struct {
	Count         int64   `json:"count"`
	Errors        int64   `json:"errors"`
	InFlight      int64   `json:"in_flight"`
	AvgLatencyMs  float64 `json:"avg_latency_ms"`
	MaxLatencyMs  float64 `json:"max_latency_ms"`
	LastLatencyMs float64 `json:"last_latency_ms"`
}

type Snapshot struct {
	UptimeSec          int64                        `json:"uptime_sec"`
	TotalOperations    int64                        `json:"total_operations"`
	TotalErrors        int64                        `json:"total_errors"`
	InFlight           int64                        `json:"in_flight"`
	GatewayWaits       int64                        `json:"gateway_waits"`
	GatewayWaitMs      int64                        `json:"gateway_wait_ms"`
	GatewayBreakerOpen bool                         `json:"gateway_breaker_open"`
	Shutdown           *ShutdownSnapshot            `json:"shutdown,omitempty"`
	Counters           map[string]int64             `json:"counters"`
	Operations         map[string]OperationSnapshot `json:"operations"`
}

type ShutdownSnapshot struct {
	At               time.Time `json:"at"`
	InFlightAtSignal int64     `json:"inflight_at_signal"`
}

type opStats struct {
	count        int64
	errors       int64
	inFlight     int64
	totalLatency time.Duration
	maxLatency   time.Duration
	lastLatency  time.Duration
}

// Metrics aggregates operation spans and counters. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	mu          sync.Mutex
	start       time.Time
	ops         map[string]*opStats
	counters    map[string]int64
	waits       int64
	waited      time.Duration
	breakerOpen func() bool
	shutdownAt  time.Time
	inflightAt  int64
}

// Span times one operation. End must be called exactly once.
type Span struct {
	metrics *Metrics
	name    string
	start   time.Time
}

func NewMetrics() *Metrics {
	return &Metrics{
		start:    time.Now(),
		ops:      make(map[string]*opStats),
		counters: make(map[string]int64),
	}
}

// Start opens a span for the named operation, e.g. "OrderSaga/CreateOrder".
func (m *Metrics) Start(name string) *Span {
	if m == nil {
		return &Span{}
	}
	m.mu.Lock()
	m.op(name).inFlight++
	m.mu.Unlock()
	return &Span{metrics: m, name: name, start: time.Now()}
}

func (s *Span) End(err error) {
	if s == nil || s.metrics == nil {
		return
	}
	s.metrics.finish(s.name, time.Since(s.start), err != nil)
}

// Inc adds one to the named counter.
func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, n int64) {
	if m == nil || n == 0 {
		return
	}
	m.mu.Lock()
	m.counters[name] += n
	m.mu.Unlock()
}

// AddGatewayWait records time spent waiting on the gateway token bucket.
func (m *Metrics) AddGatewayWait(d time.Duration) {
	if m == nil || d <= 0 {
		return
	}
	m.mu.Lock()
	m.waits++
	m.waited += d
	m.mu.Unlock()
}

// TrackBreaker reports fn() as the gateway breaker state in snapshots.
func (m *Metrics) TrackBreaker(fn func() bool) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.breakerOpen = fn
	m.mu.Unlock()
}

func (m *Metrics) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	snap := Snapshot{
		UptimeSec:     int64(time.Since(m.start).Seconds()),
		GatewayWaits:  m.waits,
		GatewayWaitMs: int64(m.waited / time.Millisecond),
		Counters:      make(map[string]int64, len(m.counters)),
		Operations:    make(map[string]OperationSnapshot, len(m.ops)),
	}
	if m.breakerOpen != nil {
		snap.GatewayBreakerOpen = m.breakerOpen()
	}
	for name, n := range m.counters {
		snap.Counters[name] = n
	}
	for name, st := range m.ops {
		avg := 0.0
		if st.count > 0 {
			avg = float64(st.totalLatency.Milliseconds()) / float64(st.count)
		}
		snap.Operations[name] = OperationSnapshot{
			Count:         st.count,
			Errors:        st.errors,
			InFlight:      st.inFlight,
			AvgLatencyMs:  avg,
			MaxLatencyMs:  float64(st.maxLatency.Milliseconds()),
			LastLatencyMs: float64(st.lastLatency.Milliseconds()),
		}
		snap.TotalOperations += st.count
		snap.TotalErrors += st.errors
		snap.InFlight += st.inFlight
	}
	if !m.shutdownAt.IsZero() {
		snap.Shutdown = &ShutdownSnapshot{At: m.shutdownAt, InFlightAtSignal: m.inflightAt}
	}
	return snap
}

// InFlight returns the number of open spans.
func (m *Metrics) InFlight() int64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, st := range m.ops {
		n += st.inFlight
	}
	return n
}

func (m *Metrics) op(name string) *opStats {
	st, ok := m.ops[name]
	if !ok {
		st = &opStats{}
		m.ops[name] = st
	}
	return st
}

func (m *Metrics) finish(name string, dur time.Duration, failed bool) {
	m.mu.Lock()
	st := m.op(name)
	st.inFlight--
	st.count++
	if failed {
		st.errors++
	}
	st.totalLatency += dur
	if dur > st.maxLatency {
		st.maxLatency = dur
	}
	st.lastLatency = dur
	m.mu.Unlock()
}

// MarkShutdown records when the process began draining.
func (m *Metrics) MarkShutdown() {
	if m == nil {
		return
	}
	inflight := m.InFlight()
	m.mu.Lock()
	m.shutdownAt = time.Now()
	m.inflightAt = inflight
	m.mu.Unlock()
}
