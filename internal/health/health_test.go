package health

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"

	"github.com/therealutkarshpriyadarshi/pingwatch/internal/metrics"
	"github.com/therealutkarshpriyadarshi/pingwatch/internal/reliability"
)

func healthy(ctx context.Context) ComponentHealth {
	return ComponentHealth{Status: StatusHealthy}
}

func degraded(ctx context.Context) ComponentHealth {
	return ComponentHealth{Status: StatusDegraded, Message: "slow"}
}

func unhealthy(ctx context.Context) ComponentHealth {
	return ComponentHealth{Status: StatusUnhealthy, Message: "down"}
}

func TestNewChecker(t *testing.T) {
	c := NewChecker(0, nil)
	if c.timeout != 5*time.Second {
		t.Errorf("Expected default timeout 5s, got %v", c.timeout)
	}
}

func TestRegisterUnregister(t *testing.T) {
	c := NewChecker(time.Second, nil)

	c.Register("log", healthy)
	if _, ok := c.CheckComponent(context.Background(), "log"); !ok {
		t.Fatal("Expected registered component")
	}

	c.Unregister("log")
	if _, ok := c.CheckComponent(context.Background(), "log"); ok {
		t.Error("Expected component to be removed")
	}
	if len(c.GetLastStatus()) != 0 {
		t.Error("Expected last status to be removed")
	}
}

func TestCheck(t *testing.T) {
	c := NewChecker(time.Second, nil)
	c.Register("log", healthy)
	c.Register("geo_service", degraded)

	results := c.Check(context.Background())
	if len(results) != 2 {
		t.Fatalf("Expected 2 results, got %d", len(results))
	}
	if results["log"].Status != StatusHealthy || results["geo_service"].Status != StatusDegraded {
		t.Errorf("Unexpected results %+v", results)
	}
	if results["log"].LastChecked.IsZero() {
		t.Error("LastChecked should be set")
	}
	if len(c.GetLastStatus()) != 2 {
		t.Error("Expected last status for both components")
	}
}

func TestOverallStatus(t *testing.T) {
	tests := []struct {
		name   string
		checks []HealthCheck
		want   Status
	}{
		{"no components", nil, StatusHealthy},
		{"all healthy", []HealthCheck{healthy, healthy}, StatusHealthy},
		{"one degraded", []HealthCheck{healthy, degraded}, StatusDegraded},
		{"unhealthy wins", []HealthCheck{degraded, unhealthy, healthy}, StatusUnhealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewChecker(time.Second, nil)
			for i, check := range tt.checks {
				c.Register(string(rune('a'+i)), check)
			}
			if got := c.OverallStatus(context.Background()); got != tt.want {
				t.Errorf("OverallStatus() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestHTTPHandler(t *testing.T) {
	tests := []struct {
		name     string
		check    HealthCheck
		wantCode int
	}{
		{"healthy", healthy, http.StatusOK},
		{"degraded", degraded, http.StatusOK},
		{"unhealthy", unhealthy, http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewChecker(time.Second, nil)
			c.Register("poll", tt.check)

			rec := httptest.NewRecorder()
			c.HTTPHandler()(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

			if rec.Code != tt.wantCode {
				t.Errorf("Expected status %d, got %d", tt.wantCode, rec.Code)
			}
			var resp HealthResponse
			if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
				t.Fatalf("Failed to decode response: %v", err)
			}
			if _, ok := resp.Components["poll"]; !ok {
				t.Error("Expected poll component in response")
			}
		})
	}
}

func TestLivenessAndReadiness(t *testing.T) {
	c := NewChecker(time.Second, nil)
	c.Register("poll", unhealthy)

	rec := httptest.NewRecorder()
	c.LivenessHandler()(rec, httptest.NewRequest(http.MethodGet, "/health/live", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("Liveness should always be 200, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	c.ReadinessHandler()(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("Readiness should be 503 when unhealthy, got %d", rec.Code)
	}
}

func TestLogFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "Player.log")

	if got := LogFile(path)(context.Background()); got.Status != StatusDegraded {
		t.Errorf("Expected missing log to be degraded, got %s", got.Status)
	}

	if err := os.WriteFile(path, []byte("hello\n"), 0644); err != nil {
		t.Fatal(err)
	}
	got := LogFile(path)(context.Background())
	if got.Status != StatusHealthy {
		t.Errorf("Expected existing log to be healthy, got %s: %s", got.Status, got.Message)
	}
	if got.Metadata["size"] != int64(6) {
		t.Errorf("Expected size metadata 6, got %v", got.Metadata["size"])
	}
}

func TestPollLoop(t *testing.T) {
	var last time.Time
	check := PollLoop(func() time.Time { return last }, time.Minute)

	if got := check(context.Background()); got.Status != StatusDegraded {
		t.Errorf("Expected degraded before the first cycle, got %s", got.Status)
	}

	last = time.Now()
	if got := check(context.Background()); got.Status != StatusHealthy {
		t.Errorf("Expected healthy after a recent cycle, got %s", got.Status)
	}

	last = time.Now().Add(-2 * time.Minute)
	if got := check(context.Background()); got.Status != StatusUnhealthy {
		t.Errorf("Expected unhealthy after a stalled loop, got %s", got.Status)
	}
}

func TestBreaker(t *testing.T) {
	cb := reliability.NewCircuitBreaker(reliability.CircuitBreakerConfig{FailureThreshold: 1, OpenTimeout: time.Hour})
	check := Breaker(cb.State)

	if got := check(context.Background()); got.Status != StatusHealthy {
		t.Errorf("Expected closed breaker to be healthy, got %s", got.Status)
	}

	cb.Execute(func() error { return context.DeadlineExceeded })
	got := check(context.Background())
	if got.Status != StatusDegraded || got.Metadata["state"] != "open" {
		t.Errorf("Expected open breaker to degrade health, got %+v", got)
	}
}

func TestCheckUpdatesGauge(t *testing.T) {
	m := metrics.NewCollector()
	c := NewChecker(time.Second, m)
	c.Register("log", degraded)
	c.Check(context.Background())

	var metric dto.Metric
	if err := m.HealthStatus.WithLabelValues("log").Write(&metric); err != nil {
		t.Fatal(err)
	}
	if metric.GetGauge().GetValue() != 0.5 {
		t.Errorf("Expected gauge 0.5 for degraded, got %v", metric.GetGauge().GetValue())
	}
}

func TestCheckTimeout(t *testing.T) {
	c := NewChecker(50*time.Millisecond, nil)
	c.Register("slow", func(ctx context.Context) ComponentHealth {
		select {
		case <-ctx.Done():
			return ComponentHealth{Status: StatusUnhealthy, Message: "timeout"}
		case <-time.After(time.Second):
			return ComponentHealth{Status: StatusHealthy}
		}
	})

	start := time.Now()
	result, _ := c.CheckComponent(context.Background(), "slow")
	if time.Since(start) > 500*time.Millisecond {
		t.Error("Check should respect the timeout")
	}
	if result.Status != StatusUnhealthy {
		t.Errorf("Expected unhealthy on timeout, got %s", result.Status)
	}
}

func TestCheckFunc(t *testing.T) {
	check := CheckFunc(func() (bool, string) { return false, "cache unwritable" })
	got := check(context.Background())
	if got.Status != StatusUnhealthy || got.Message != "cache unwritable" {
		t.Errorf("Unexpected result %+v", got)
	}
}
