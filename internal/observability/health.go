package observability

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const healthCheckTimeout = 3 * time.Second

// HealthChecker aggregates readiness of the store, the webhook endpoint
// and any other dependency registered during wiring.
type HealthChecker struct {
	mu     sync.RWMutex
	checks []HealthCheck
	logger *slog.Logger
}

// HealthCheck is a named dependency check.
type HealthCheck struct {
	Name     string
	Check    func(ctx context.Context) error
	Optional bool // A failing optional check is reported but does not degrade readiness.
}

// HealthStatus is the JSON response for health/readiness endpoints.
type HealthStatus struct {
	Status string                 `json:"status"` // "ok" or "degraded"
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

// CheckResult is the status of a single dependency check.
type CheckResult struct {
	Status    string `json:"status"`            // "ok" or "fail"
	Message   string `json:"message,omitempty"` // Error message on failure.
	LatencyMS int64  `json:"latency_ms"`
}

// NewHealthChecker creates a HealthChecker with no checks registered.
func NewHealthChecker(logger *slog.Logger) *HealthChecker {
	return &HealthChecker{logger: logger}
}

// AddCheck registers a required health check.
func (h *HealthChecker) AddCheck(name string, check func(ctx context.Context) error) {
	h.add(HealthCheck{Name: name, Check: check})
}

// AddOptionalCheck registers a check whose failure is reported without
// marking the service degraded.
func (h *HealthChecker) AddOptionalCheck(name string, check func(ctx context.Context) error) {
	h.add(HealthCheck{Name: name, Check: check, Optional: true})
}

func (h *HealthChecker) add(c HealthCheck) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks = append(h.checks, c)
}

// CheckHealth returns liveness status. Always returns "ok" if the process is running.
func (h *HealthChecker) CheckHealth() HealthStatus {
	return HealthStatus{Status: "ok"}
}

// CheckReady runs all registered checks concurrently and returns aggregate
// readiness. Returns "ok" only if every required check passes.
func (h *HealthChecker) CheckReady(ctx context.Context) HealthStatus {
	h.mu.RLock()
	checks := append([]HealthCheck(nil), h.checks...)
	h.mu.RUnlock()

	if len(checks) == 0 {
		return HealthStatus{Status: "ok"}
	}

	checkCtx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	status := HealthStatus{
		Status: "ok",
		Checks: make(map[string]CheckResult, len(checks)),
	}

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, c := range checks {
		wg.Add(1)
		go func(c HealthCheck) {
			defer wg.Done()
			start := time.Now()
			err := c.Check(checkCtx)
			res := CheckResult{Status: "ok", LatencyMS: time.Since(start).Milliseconds()}
			if err != nil {
				res.Status = "fail"
				res.Message = err.Error()
				if h.logger != nil {
					h.logger.WarnContext(ctx, "readiness check failed",
						slog.String("check", c.Name),
						slog.Bool("optional", c.Optional),
						slog.String("error", err.Error()),
					)
				}
			}

			mu.Lock()
			defer mu.Unlock()
			status.Checks[c.Name] = res
			if err != nil && !c.Optional {
				status.Status = "degraded"
			}
		}(c)
	}
	wg.Wait()

	return status
}
