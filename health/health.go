// Package health aggregates liveness checks of the dispatch service and its
// queue backend into one report.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// Status represents the health status
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// CheckResult represents the result of a health check
type CheckResult struct {
	Name      string         `json:"name"`
	Status    Status         `json:"status"`
	Message   string         `json:"message,omitempty"`
	Duration  time.Duration  `json:"duration"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Error     string         `json:"error,omitempty"`
}

// Report is the combined result of every registered check
type Report struct {
	Status    Status                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Duration  time.Duration          `json:"duration"`
	Checks    map[string]CheckResult `json:"checks"`
	Metadata  map[string]any         `json:"metadata,omitempty"`
}

// Checker defines the interface for health checks
type Checker interface {
	Check(ctx context.Context) CheckResult
	Name() string
}

// CheckerFunc adapts a function to Checker
type CheckerFunc struct {
	name string
	fn   func(ctx context.Context) CheckResult
}

func NewCheckerFunc(name string, fn func(ctx context.Context) CheckResult) *CheckerFunc {
	return &CheckerFunc{name: name, fn: fn}
}

func (c *CheckerFunc) Check(ctx context.Context) CheckResult {
	return c.fn(ctx)
}

func (c *CheckerFunc) Name() string {
	return c.name
}

// Registry manages health checks
type Registry struct {
	checkers map[string]Checker
	metadata map[string]any
	mu       sync.RWMutex
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		checkers: make(map[string]Checker),
		metadata: make(map[string]any),
	}
}

// Register adds a checker, replacing one with the same name
func (r *Registry) Register(checker Checker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checkers[checker.Name()] = checker
}

// Unregister removes a checker
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.checkers, name)
}

// SetMetadata attaches a value to every report
func (r *Registry) SetMetadata(key string, value any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.metadata[key] = value
}

// Check runs all checks concurrently. Checks still running when ctx ends are
// reported unhealthy.
func (r *Registry) Check(ctx context.Context) Report {
	start := time.Now()

	r.mu.RLock()
	checkers := make(map[string]Checker, len(r.checkers))
	for k, v := range r.checkers {
		checkers[k] = v
	}
	metadata := make(map[string]any, len(r.metadata))
	for k, v := range r.metadata {
		metadata[k] = v
	}
	r.mu.RUnlock()

	type named struct {
		name   string
		result CheckResult
	}
	results := make(chan named, len(checkers))
	for name, checker := range checkers {
		go func(name string, checker Checker) {
			results <- named{name: name, result: checker.Check(ctx)}
		}(name, checker)
	}

	checks := make(map[string]CheckResult, len(checkers))
	overall := StatusHealthy

collect:
	for range checkers {
		select {
		case res := <-results:
			checks[res.name] = res.result
			overall = worse(overall, res.result.Status)
		case <-ctx.Done():
			for name := range checkers {
				if _, ok := checks[name]; !ok {
					checks[name] = CheckResult{
						Name:      name,
						Status:    StatusUnhealthy,
						Message:   "check timed out",
						Duration:  time.Since(start),
						Timestamp: time.Now(),
						Error:     ctx.Err().Error(),
					}
				}
			}
			overall = StatusUnhealthy
			break collect
		}
	}

	return Report{
		Status:    overall,
		Timestamp: time.Now(),
		Duration:  time.Since(start),
		Checks:    checks,
		Metadata:  metadata,
	}
}

func worse(current, next Status) Status {
	switch {
	case next == StatusUnhealthy:
		return StatusUnhealthy
	case next == StatusDegraded && current == StatusHealthy:
		return StatusDegraded
	default:
		return current
	}
}

// Handler serves the registry report as JSON. Unhealthy answers 503,
// degraded still answers 200.
type Handler struct {
	registry *Registry
	timeout  time.Duration
}

// NewHandler creates a handler that bounds every check run by timeout
func NewHandler(registry *Registry, timeout time.Duration) *Handler {
	return &Handler{
		registry: registry,
		timeout:  timeout,
	}
}

// ServeHTTP implements http.Handler
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	report := h.registry.Check(ctx)

	statusCode := http.StatusOK
	if report.Status == StatusUnhealthy {
		statusCode = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(report)
}
