// Package health exposes the liveness and readiness probes for the session
// service. Liveness only proves the process is up; readiness checks the
// datastore and cache this service cannot run without.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/pitabwire/frame/cache"
	"github.com/pitabwire/frame/datastore/pool"
)

const defaultCheckTimeout = 5 * time.Second

// Status grades one component or the service as a whole.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// CheckResult is the outcome of probing one component.
type CheckResult struct {
	Status    Status `json:"status"`
	LatencyMs int64  `json:"latency_ms,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Response is the JSON body served on the probe endpoints.
type Response struct {
	Status Status                 `json:"status"`
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

// Checker probes one component.
type Checker interface {
	Name() string
	Check(ctx context.Context) CheckResult
}

// Handler aggregates checkers behind the probe endpoints.
type Handler struct {
	mu       sync.RWMutex
	checkers []Checker
}

func NewHandler() *Handler {
	return &Handler{}
}

// AddChecker registers a component probe.
func (h *Handler) AddChecker(checker Checker) {
	h.mu.Lock()
	h.checkers = append(h.checkers, checker)
	h.mu.Unlock()
}

// LivenessHandler serves /healthz. It never consults the checkers; a process
// that can answer is alive.
func (h *Handler) LivenessHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(Response{Status: StatusHealthy})
}

// ReadinessHandler serves /readyz, running every registered checker
// concurrently. Degraded components still answer 200; only an unhealthy one
// pulls the service out of rotation.
func (h *Handler) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	h.mu.RLock()
	checkers := h.checkers
	h.mu.RUnlock()

	response := Response{
		Status: StatusHealthy,
		Checks: make(map[string]CheckResult),
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	for _, checker := range checkers {
		wg.Add(1)
		go func(c Checker) {
			defer wg.Done()
			result := c.Check(ctx)

			mu.Lock()
			response.Checks[c.Name()] = result
			switch {
			case result.Status == StatusUnhealthy:
				response.Status = StatusUnhealthy
			case result.Status == StatusDegraded && response.Status == StatusHealthy:
				response.Status = StatusDegraded
			}
			mu.Unlock()
		}(checker)
	}
	wg.Wait()

	w.Header().Set("Content-Type", "application/json")
	if response.Status == StatusUnhealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	_ = json.NewEncoder(w).Encode(response)
}

// DatabaseChecker pings the datastore pool that holds session snapshots and
// the credential mirror.
type DatabaseChecker struct {
	pool    pool.Pool
	timeout time.Duration
}

func NewDatabaseChecker(p pool.Pool, timeout time.Duration) *DatabaseChecker {
	if timeout == 0 {
		timeout = defaultCheckTimeout
	}
	return &DatabaseChecker{pool: p, timeout: timeout}
}

func (d *DatabaseChecker) Name() string { return "database" }

func (d *DatabaseChecker) Check(ctx context.Context) CheckResult {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	start := time.Now()
	sqlDB, err := d.pool.DB(ctx, true).DB()
	if err != nil {
		return CheckResult{
			Status:    StatusUnhealthy,
			LatencyMs: time.Since(start).Milliseconds(),
			Error:     err.Error(),
		}
	}

	err = sqlDB.PingContext(ctx)
	latency := time.Since(start).Milliseconds()
	if err != nil {
		return CheckResult{Status: StatusUnhealthy, LatencyMs: latency, Error: err.Error()}
	}

	stats := sqlDB.Stats()
	if stats.OpenConnections > 0 && stats.InUse == stats.MaxOpenConnections {
		return CheckResult{Status: StatusDegraded, LatencyMs: latency, Error: "connection pool exhausted"}
	}
	return CheckResult{Status: StatusHealthy, LatencyMs: latency}
}

// CacheChecker pings the cache that backs session locks and pairing
// artifacts.
type CacheChecker struct {
	cache   cache.RawCache
	timeout time.Duration
}

func NewCacheChecker(c cache.RawCache, timeout time.Duration) *CacheChecker {
	if timeout == 0 {
		timeout = defaultCheckTimeout
	}
	return &CacheChecker{cache: c, timeout: timeout}
}

func (c *CacheChecker) Name() string { return "cache" }

func (c *CacheChecker) Check(ctx context.Context) CheckResult {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	// A miss on a sentinel key is a healthy round trip; only a transport
	// error marks the cache unhealthy.
	_, _, err := c.cache.Get(ctx, "__health_check__")
	latency := time.Since(start).Milliseconds()

	if err != nil {
		return CheckResult{Status: StatusUnhealthy, LatencyMs: latency, Error: err.Error()}
	}
	return CheckResult{Status: StatusHealthy, LatencyMs: latency}
}
