// Package health runs readiness checks against the broker, the cache and
// the store.
package health

import (
	"context"
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
	Name      string                 `json:"name"`
	Status    Status                 `json:"status"`
	Message   string                 `json:"message,omitempty"`
	Duration  time.Duration          `json:"duration"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Error     string                 `json:"error,omitempty"`
}

// Report aggregates the results of one run
type Report struct {
	Status    Status                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Duration  time.Duration          `json:"duration"`
	Checks    map[string]CheckResult `json:"checks"`
}

// Checker defines the interface for health checks
type Checker interface {
	Check(ctx context.Context) CheckResult
	Name() string
}

// Run executes the checkers concurrently. The report is unhealthy if any
// check is, degraded if any check is degraded, healthy otherwise.
func Run(ctx context.Context, checkers ...Checker) Report {
	start := time.Now()

	results := make(chan CheckResult, len(checkers))
	for _, checker := range checkers {
		go func(checker Checker) {
			results <- checker.Check(ctx)
		}(checker)
	}

	report := Report{
		Status:    StatusHealthy,
		Timestamp: start,
		Checks:    make(map[string]CheckResult, len(checkers)),
	}

	for range checkers {
		result := <-results
		report.Checks[result.Name] = result

		switch {
		case result.Status == StatusUnhealthy:
			report.Status = StatusUnhealthy
		case result.Status == StatusDegraded && report.Status == StatusHealthy:
			report.Status = StatusDegraded
		}
	}

	report.Duration = time.Since(start)
	return report
}
