package health

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixed(name string, status Status) *CheckerFunc {
	return NewCheckerFunc(name, func(context.Context) CheckResult {
		return CheckResult{Name: name, Status: status, Timestamp: time.Now()}
	})
}

func TestRegistryCheck(t *testing.T) {
	tests := []struct {
		name     string
		statuses []Status
		want     Status
	}{
		{"no checks", nil, StatusHealthy},
		{"all healthy", []Status{StatusHealthy, StatusHealthy}, StatusHealthy},
		{"one degraded", []Status{StatusHealthy, StatusDegraded}, StatusDegraded},
		{"unhealthy wins", []Status{StatusDegraded, StatusUnhealthy, StatusHealthy}, StatusUnhealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRegistry()
			for i, s := range tt.statuses {
				r.Register(fixed(string(rune('a'+i)), s))
			}

			report := r.Check(context.Background())

			assert.Equal(t, tt.want, report.Status)
			assert.Len(t, report.Checks, len(tt.statuses))
		})
	}
}

func TestRegistryRegisterReplacesByName(t *testing.T) {
	r := NewRegistry()
	r.Register(fixed("broker", StatusUnhealthy))
	r.Register(fixed("broker", StatusHealthy))
	r.Register(fixed("db", StatusHealthy))

	assert.Equal(t, []string{"broker", "db"}, r.Names())
	assert.Equal(t, StatusHealthy, r.Check(context.Background()).Status)

	r.Unregister("db")
	assert.Equal(t, []string{"broker"}, r.Names())
}

func TestRegistryFillsMissingName(t *testing.T) {
	r := NewRegistry()
	r.Register(NewCheckerFunc("anonymous", func(context.Context) CheckResult {
		return CheckResult{Status: StatusHealthy}
	}))

	report := r.Check(context.Background())

	require.Contains(t, report.Checks, "anonymous")
	assert.Equal(t, "anonymous", report.Checks["anonymous"].Name)
}

func TestRegistryCheckTimeout(t *testing.T) {
	r := NewRegistry()
	release := make(chan struct{})
	defer close(release)
	r.Register(fixed("fast", StatusHealthy))
	r.Register(NewCheckerFunc("slow", func(ctx context.Context) CheckResult {
		<-release
		return CheckResult{Name: "slow", Status: StatusHealthy}
	}))
	r.SetMetadata("service", "analyzer")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	report := r.Check(ctx)

	assert.Equal(t, StatusUnhealthy, report.Status)
	assert.Equal(t, StatusUnhealthy, report.Checks["slow"].Status)
	assert.Equal(t, "check timed out", report.Checks["slow"].Message)
	assert.Equal(t, context.DeadlineExceeded.Error(), report.Checks["slow"].Error)
	assert.Equal(t, "analyzer", report.Metadata["service"])
}

func TestHandler(t *testing.T) {
	t.Run("healthy returns report", func(t *testing.T) {
		r := NewRegistry()
		r.Register(fixed("broker", StatusDegraded))
		rec := httptest.NewRecorder()

		NewHandler(r, time.Second).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
		var report Report
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
		assert.Equal(t, StatusDegraded, report.Status)
		assert.Contains(t, report.Checks, "broker")
	})

	t.Run("unhealthy returns 503", func(t *testing.T) {
		r := NewRegistry()
		r.Register(fixed("broker", StatusUnhealthy))
		rec := httptest.NewRecorder()

		NewHandler(r, time.Second).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})

	t.Run("rejects other methods", func(t *testing.T) {
		rec := httptest.NewRecorder()
		NewHandler(NewRegistry(), time.Second).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/healthz", nil))
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	})
}

func TestReadinessHandler(t *testing.T) {
	r := NewRegistry()
	r.Register(fixed("broker", StatusDegraded))
	handler := ReadinessHandler(r, time.Second)

	rec := httptest.NewRecorder()
	handler(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ready", rec.Body.String())

	r.Register(fixed("broker", StatusUnhealthy))
	rec = httptest.NewRecorder()
	handler(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "not ready", rec.Body.String())
}

func TestLivenessHandler(t *testing.T) {
	rec := httptest.NewRecorder()
	LivenessHandler()(rec, httptest.NewRequest(http.MethodGet, "/livez", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "alive", rec.Body.String())
}
