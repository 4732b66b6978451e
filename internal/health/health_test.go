package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/pitabwire/frame/cache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticChecker struct {
	name   string
	result CheckResult
}

func (s staticChecker) Name() string                      { return s.name }
func (s staticChecker) Check(context.Context) CheckResult { return s.result }

func TestLivenessAlwaysHealthy(t *testing.T) {
	handler := NewHandler()
	handler.AddChecker(staticChecker{name: "broken", result: CheckResult{Status: StatusUnhealthy}})

	rec := httptest.NewRecorder()
	handler.LivenessHandler(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusOK, rec.Code)

	var response Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &response))
	assert.Equal(t, StatusHealthy, response.Status)
}

func TestReadinessAggregatesCheckers(t *testing.T) {
	tests := []struct {
		name       string
		checkers   []Checker
		wantStatus Status
		wantCode   int
	}{
		{
			name:       "no checkers",
			wantStatus: StatusHealthy,
			wantCode:   http.StatusOK,
		},
		{
			name: "all healthy",
			checkers: []Checker{
				staticChecker{name: "a", result: CheckResult{Status: StatusHealthy}},
				staticChecker{name: "b", result: CheckResult{Status: StatusHealthy}},
			},
			wantStatus: StatusHealthy,
			wantCode:   http.StatusOK,
		},
		{
			name: "degraded stays in rotation",
			checkers: []Checker{
				staticChecker{name: "a", result: CheckResult{Status: StatusHealthy}},
				staticChecker{name: "b", result: CheckResult{Status: StatusDegraded}},
			},
			wantStatus: StatusDegraded,
			wantCode:   http.StatusOK,
		},
		{
			name: "one unhealthy fails readiness",
			checkers: []Checker{
				staticChecker{name: "a", result: CheckResult{Status: StatusHealthy}},
				staticChecker{name: "b", result: CheckResult{Status: StatusUnhealthy, Error: "down"}},
			},
			wantStatus: StatusUnhealthy,
			wantCode:   http.StatusServiceUnavailable,
		},
		{
			name: "unhealthy outranks degraded",
			checkers: []Checker{
				staticChecker{name: "a", result: CheckResult{Status: StatusDegraded}},
				staticChecker{name: "b", result: CheckResult{Status: StatusUnhealthy}},
			},
			wantStatus: StatusUnhealthy,
			wantCode:   http.StatusServiceUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := NewHandler()
			for _, checker := range tt.checkers {
				handler.AddChecker(checker)
			}

			rec := httptest.NewRecorder()
			handler.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))

			assert.Equal(t, tt.wantCode, rec.Code)

			var response Response
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &response))
			assert.Equal(t, tt.wantStatus, response.Status)
			assert.Len(t, response.Checks, len(tt.checkers))
		})
	}
}

func TestCacheCheckerHealthyOnMiss(t *testing.T) {
	checker := NewCacheChecker(cache.NewInMemoryCache(), 0)

	result := checker.Check(context.Background())
	assert.Equal(t, StatusHealthy, result.Status)
	assert.Empty(t, result.Error)
}

type failingCache struct {
	cache.RawCache
}

func (failingCache) Get(context.Context, string) ([]byte, bool, error) {
	return nil, false, errors.New("connection refused")
}

func TestCacheCheckerUnhealthyOnError(t *testing.T) {
	checker := NewCacheChecker(failingCache{}, 0)

	result := checker.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, result.Status)
	assert.Equal(t, "connection refused", result.Error)
}
