package observability

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func TestMetricsTracksSpans(t *testing.T) {
	metrics := NewMetrics()
	span := metrics.Start("OrderSaga/CreateOrder")
	if got := metrics.InFlight(); got != 1 {
		t.Fatalf("expected 1 inflight, got %d", got)
	}
	span.End(nil)

	span = metrics.Start("OrderSaga/CreateOrder")
	span.End(errors.New("fail"))

	snap := metrics.Snapshot()
	stats := snap.Operations["OrderSaga/CreateOrder"]
	if stats.Count != 2 {
		t.Fatalf("expected 2 calls, got %d", stats.Count)
	}
	if stats.Errors != 1 {
		t.Fatalf("expected 1 error, got %d", stats.Errors)
	}
	if stats.InFlight != 0 {
		t.Fatalf("expected 0 inflight, got %d", stats.InFlight)
	}
	if snap.TotalOperations != 2 || snap.TotalErrors != 1 {
		t.Fatalf("unexpected totals: %+v", snap)
	}
}

func TestMetricsCounters(t *testing.T) {
	metrics := NewMetrics()
	metrics.Inc(CounterOutboxPublished)
	metrics.Add(CounterOutboxPublished, 2)
	metrics.Add(CounterOutboxFailed, 0)

	snap := metrics.Snapshot()
	if snap.Counters[CounterOutboxPublished] != 3 {
		t.Fatalf("expected 3 published, got %d", snap.Counters[CounterOutboxPublished])
	}
	if _, ok := snap.Counters[CounterOutboxFailed]; ok {
		t.Fatalf("zero adds must not create counters")
	}
}

func TestMetricsGatewayWaitAndBreaker(t *testing.T) {
	metrics := NewMetrics()
	metrics.AddGatewayWait(50 * time.Millisecond)
	metrics.AddGatewayWait(25 * time.Millisecond)
	metrics.AddGatewayWait(0)
	metrics.TrackBreaker(func() bool { return true })

	snap := metrics.Snapshot()
	if snap.GatewayWaits != 2 {
		t.Fatalf("expected 2 waits, got %d", snap.GatewayWaits)
	}
	if snap.GatewayWaitMs != 75 {
		t.Fatalf("expected 75ms, got %d", snap.GatewayWaitMs)
	}
	if !snap.GatewayBreakerOpen {
		t.Fatalf("expected breaker open")
	}
}

func TestMetricsMarkShutdown(t *testing.T) {
	metrics := NewMetrics()
	metrics.Start("PaymentSaga/VerifyPayment")
	metrics.MarkShutdown()
	snap := metrics.Snapshot()
	if snap.Shutdown == nil {
		t.Fatalf("expected shutdown snapshot")
	}
	if snap.Shutdown.InFlightAtSignal != 1 {
		t.Fatalf("expected inflight 1, got %d", snap.Shutdown.InFlightAtSignal)
	}
	if snap.Shutdown.At.IsZero() {
		t.Fatalf("expected shutdown timestamp")
	}
}

func TestHandlerReturnsJSON(t *testing.T) {
	gin.SetMode(gin.TestMode)
	metrics := NewMetrics()
	metrics.Start("/webhook").End(errors.New("fail"))

	r := gin.New()
	r.GET("/metrics", Handler(metrics))
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var snap Snapshot
	if err := json.Unmarshal(rr.Body.Bytes(), &snap); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if snap.TotalErrors != 1 {
		t.Fatalf("expected total errors 1, got %d", snap.TotalErrors)
	}
	if len(snap.Operations) == 0 {
		t.Fatalf("expected operations in snapshot")
	}
}

func TestMetricsNilSafePaths(t *testing.T) {
	var m *Metrics
	span := m.Start("ignored")
	span.End(nil)
	m.Inc("ignored")
	m.AddGatewayWait(time.Second)
	m.MarkShutdown()
	if m.InFlight() != 0 {
		t.Fatalf("nil metrics report nothing")
	}
}
