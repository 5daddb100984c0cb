package health

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/sony/gobreaker"

	"github.com/glimte/mmate-dispatch/messaging"
	"github.com/glimte/mmate-dispatch/transports/breaker"
)

// Pinger is a queue backend that can be probed
type Pinger interface {
	Ping(ctx context.Context) error
}

// ServiceChecker reports on the dispatch service and its workers. A stopped
// service is unhealthy. Workers stopped by a transport failure degrade it
// until none is left, then it is unhealthy.
type ServiceChecker struct {
	svc *messaging.Service
}

// NewServiceChecker creates a checker for svc
func NewServiceChecker(svc *messaging.Service) *ServiceChecker {
	return &ServiceChecker{svc: svc}
}

func (c *ServiceChecker) Name() string {
	return "dispatch"
}

func (c *ServiceChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]any),
	}

	workers := c.svc.Workers()
	states := make(map[string]int)
	failed := 0
	for _, w := range workers {
		states[w.State.String()]++
		if w.Err != nil {
			failed++
		}
	}
	result.Details["workers"] = len(workers)
	result.Details["states"] = states
	result.Details["failed"] = failed

	switch {
	case !c.svc.Running():
		result.Status = StatusUnhealthy
		result.Message = "dispatch service is not running"
	case len(workers) > 0 && failed == len(workers):
		result.Status = StatusUnhealthy
		result.Message = "all workers stopped on transport failures"
	case failed > 0:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("%d of %d workers stopped on transport failures", failed, len(workers))
	default:
		result.Status = StatusHealthy
		result.Message = "dispatch service is running"
	}

	result.Duration = time.Since(start)
	return result
}

// PingChecker probes a queue backend
type PingChecker struct {
	name    string
	pinger  Pinger
	timeout time.Duration
}

// NewPingChecker creates a checker that fails when a probe takes longer than timeout
func NewPingChecker(name string, pinger Pinger, timeout time.Duration) *PingChecker {
	return &PingChecker{name: name, pinger: pinger, timeout: timeout}
}

func (c *PingChecker) Name() string {
	return c.name
}

func (c *PingChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]any),
	}

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	if err := c.pinger.Ping(ctx); err != nil {
		result.Status = StatusUnhealthy
		result.Message = "queue backend unreachable"
		result.Error = err.Error()
	} else {
		result.Status = StatusHealthy
		result.Message = "queue backend reachable"
	}

	result.Duration = time.Since(start)
	result.Details["response_time_ms"] = result.Duration.Milliseconds()
	return result
}

// BreakerChecker maps the adapter circuit breaker state to a status
type BreakerChecker struct {
	adapter *breaker.Adapter
}

// NewBreakerChecker creates a checker for a breaker guarded adapter
func NewBreakerChecker(adapter *breaker.Adapter) *BreakerChecker {
	return &BreakerChecker{adapter: adapter}
}

func (c *BreakerChecker) Name() string {
	return "circuit_breaker"
}

func (c *BreakerChecker) Check(ctx context.Context) CheckResult {
	state := c.adapter.State()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: time.Now(),
		Details:   map[string]any{"state": state.String()},
	}

	switch state {
	case gobreaker.StateOpen:
		result.Status = StatusUnhealthy
		result.Message = "queue adapter circuit is open"
	case gobreaker.StateHalfOpen:
		result.Status = StatusDegraded
		result.Message = "queue adapter circuit is probing"
	default:
		result.Status = StatusHealthy
		result.Message = "queue adapter circuit is closed"
	}
	return result
}

// RuntimeChecker flags goroutine leaks
type RuntimeChecker struct {
	warnGoroutines     int
	criticalGoroutines int
}

// NewRuntimeChecker creates a checker that degrades above warn goroutines
// and fails above critical
func NewRuntimeChecker(warn, critical int) *RuntimeChecker {
	return &RuntimeChecker{
		warnGoroutines:     warn,
		criticalGoroutines: critical,
	}
}

func (c *RuntimeChecker) Name() string {
	return "runtime"
}

func (c *RuntimeChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]any),
	}

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	goroutines := runtime.NumGoroutine()

	result.Details["memory_used_mb"] = float64(m.Sys) / 1024 / 1024
	result.Details["gc_runs"] = m.NumGC
	result.Details["goroutines"] = goroutines

	switch {
	case goroutines > c.criticalGoroutines:
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("too many goroutines: %d", goroutines)
	case goroutines > c.warnGoroutines:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("high goroutine count: %d", goroutines)
	default:
		result.Status = StatusHealthy
		result.Message = "runtime is normal"
	}

	result.Duration = time.Since(start)
	return result
}
