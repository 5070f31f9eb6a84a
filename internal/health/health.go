// Package health expands the teacher's single "OK" /health endpoint
// into the structured, per-check report spec.md §6 requires, while
// keeping the same fail-fast probe idiom the teacher uses at startup.
package health

import (
	"context"
	"time"
)

// Status is one check's outcome.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// CheckFunc probes one dependency and reports its status.
type CheckFunc func(ctx context.Context) (Status, string)

// Check is a named, taggable probe. "infrastructure"-tagged checks back
// the readiness endpoint; liveness never runs any check.
type Check struct {
	Name string
	Tags []string
	Fn   CheckFunc
}

// Result is one check's reported outcome, with timing.
type Result struct {
	Name        string `json:"name"`
	Status      Status `json:"status"`
	Description string `json:"description"`
	DurationMS  int64  `json:"durationMs"`
}

// Report is the full document GET /health (or /health/ready) returns.
type Report struct {
	Status Status   `json:"status"`
	Checks []Result `json:"checks"`
}

// Registry holds the configured checks.
type Registry struct {
	checks []Check
}

func NewRegistry(checks ...Check) *Registry {
	return &Registry{checks: checks}
}

func (c Check) hasTag(tag string) bool {
	for _, t := range c.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Run executes every registered check. tag, if non-empty, filters to
// checks carrying that tag (used by /health/ready).
func (r *Registry) Run(ctx context.Context, tag string) Report {
	report := Report{Status: StatusHealthy}

	for _, c := range r.checks {
		if tag != "" && !c.hasTag(tag) {
			continue
		}
		start := time.Now()
		status, desc := c.Fn(ctx)
		elapsed := time.Since(start)

		report.Checks = append(report.Checks, Result{
			Name:        c.Name,
			Status:      status,
			Description: desc,
			DurationMS:  elapsed.Milliseconds(),
		})

		if status == StatusUnhealthy {
			report.Status = StatusUnhealthy
		} else if status == StatusDegraded && report.Status != StatusUnhealthy {
			report.Status = StatusDegraded
		}
	}

	return report
}
