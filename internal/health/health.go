// Package health aggregates component health checks and serves the probe
// endpoints.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Status is the rollup state of one check or of the whole service.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// CheckResult is one component's outcome.
type CheckResult struct {
	Component string                 `json:"component"`
	Status    Status                 `json:"status"`
	Error     string                 `json:"error,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Duration  time.Duration          `json:"duration"`
	Critical  bool                   `json:"critical"`
}

// Checker is one registered health check.
type Checker interface {
	Name() string
	// Critical failures mark the whole service unhealthy; non-critical
	// failures only degrade it.
	Critical() bool
	Check(ctx context.Context) CheckResult
}

// Report is the aggregate served on /health.
type Report struct {
	Status        Status        `json:"status"`
	TotalDuration time.Duration `json:"totalDuration"`
	Checks        []CheckResult `json:"checks"`
	Timestamp     time.Time     `json:"timestamp"`
}

// Manager runs registered checks with a per-check timeout.
type Manager struct {
	mu       sync.RWMutex
	checkers map[string]Checker
	timeout  time.Duration
	logger   *zap.Logger
}

// NewManager creates a manager. timeout bounds each individual check.
func NewManager(timeout time.Duration, logger *zap.Logger) *Manager {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Manager{
		checkers: make(map[string]Checker),
		timeout:  timeout,
		logger:   logger,
	}
}

// Register adds a checker, replacing any with the same name.
func (m *Manager) Register(c Checker) {
	m.mu.Lock()
	m.checkers[c.Name()] = c
	m.mu.Unlock()
}

// Run executes all checks concurrently and rolls them up.
func (m *Manager) Run(ctx context.Context) Report {
	m.mu.RLock()
	checkers := make([]Checker, 0, len(m.checkers))
	for _, c := range m.checkers {
		checkers = append(checkers, c)
	}
	m.mu.RUnlock()

	start := time.Now()
	results := make([]CheckResult, len(checkers))
	var wg sync.WaitGroup
	for i, c := range checkers {
		wg.Add(1)
		go func(i int, c Checker) {
			defer wg.Done()
			checkCtx, cancel := context.WithTimeout(ctx, m.timeout)
			defer cancel()
			res := c.Check(checkCtx)
			res.Component = c.Name()
			res.Critical = c.Critical()
			results[i] = res
		}(i, c)
	}
	wg.Wait()
	sort.Slice(results, func(i, j int) bool { return results[i].Component < results[j].Component })

	status := StatusHealthy
	for _, res := range results {
		if res.Status == StatusHealthy {
			continue
		}
		if res.Critical {
			status = StatusUnhealthy
			break
		}
		status = StatusDegraded
	}
	return Report{
		Status:        status,
		TotalDuration: time.Since(start),
		Checks:        results,
		Timestamp:     time.Now().UTC(),
	}
}

// Handler serves the full /health report, 503 when unhealthy.
func (m *Manager) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report := m.Run(r.Context())
		code := http.StatusOK
		if report.Status == StatusUnhealthy {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, report)
	}
}

// ReadyHandler serves /health/ready: ready unless a critical check fails.
func (m *Manager) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report := m.Run(r.Context())
		if report.Status == StatusUnhealthy {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	}
}

// LiveHandler serves /health/live: the process is up.
func (m *Manager) LiveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
	}
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// CheckFunc adapts a function to the Checker interface.
type CheckFunc struct {
	CheckName  string
	IsCritical bool
	Fn         func(ctx context.Context) error
}

func (c CheckFunc) Name() string   { return c.CheckName }
func (c CheckFunc) Critical() bool { return c.IsCritical }

func (c CheckFunc) Check(ctx context.Context) CheckResult {
	start := time.Now()
	err := c.Fn(ctx)
	res := CheckResult{Status: StatusHealthy, Duration: time.Since(start)}
	if err != nil {
		res.Status = StatusUnhealthy
		res.Error = err.Error()
	}
	return res
}
