package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func probeAggregator(status Status) *Aggregator {
	agg := NewAggregator(AggregatorConfig{})
	agg.Register(NewCheckerFunc("probe", func(context.Context) Result {
		switch status {
		case StatusHealthy:
			return Healthy("ok")
		case StatusDegraded:
			return Degraded("slow")
		default:
			return Unhealthy("down", errors.New("boom"))
		}
	}))
	return agg
}

func TestLivenessHandler(t *testing.T) {
	rec := httptest.NewRecorder()
	LivenessHandler()(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("code = %d", rec.Code)
	}
}

func TestReadinessHandler(t *testing.T) {
	tests := []struct {
		status   Status
		wantCode int
		wantBody string
	}{
		{StatusHealthy, http.StatusOK, "OK"},
		{StatusDegraded, http.StatusOK, "DEGRADED"},
		{StatusUnhealthy, http.StatusServiceUnavailable, "UNHEALTHY"},
	}
	for _, tt := range tests {
		rec := httptest.NewRecorder()
		ReadinessHandler(probeAggregator(tt.status))(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
		if rec.Code != tt.wantCode {
			t.Errorf("%v: code = %d, want %d", tt.status, rec.Code, tt.wantCode)
		}
		if rec.Body.String() != tt.wantBody {
			t.Errorf("%v: body = %q, want %q", tt.status, rec.Body.String(), tt.wantBody)
		}
	}
}

func TestDetailedHandler(t *testing.T) {
	rec := httptest.NewRecorder()
	DetailedHandler(probeAggregator(StatusDegraded))(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d", rec.Code)
	}
	var report Report
	if err := json.Unmarshal(rec.Body.Bytes(), &report); err != nil {
		t.Fatal(err)
	}
	if report.Status != "degraded" {
		t.Errorf("status = %q", report.Status)
	}
	if report.Checks["probe"].Message != "slow" {
		t.Errorf("probe = %+v", report.Checks["probe"])
	}
}

func TestDetailedHandler_Unhealthy(t *testing.T) {
	rec := httptest.NewRecorder()
	DetailedHandler(probeAggregator(StatusUnhealthy))(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("code = %d", rec.Code)
	}
}
