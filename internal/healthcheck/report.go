package healthcheck

import (
	"context"
	"time"
)

// Report is the combined result of every registered checker.
type Report struct {
	Status    Status        `json:"status"`
	Checks    []CheckResult `json:"checks"`
	CheckedAt time.Time     `json:"checked_at"`
}

// Aggregator runs a fixed set of checkers.
type Aggregator struct {
	checkers []Checker
	now      func() time.Time
}

// NewAggregator creates an aggregator over checkers. Nil entries are skipped.
func NewAggregator(checkers ...Checker) *Aggregator {
	items := make([]Checker, 0, len(checkers))
	for _, c := range checkers {
		if c != nil {
			items = append(items, c)
		}
	}
	return &Aggregator{checkers: items, now: time.Now}
}

// Run evaluates all checkers in order. The overall status is the worst item
// status; an empty report is unknown.
func (a *Aggregator) Run(ctx context.Context) Report {
	report := Report{Status: StatusUnknown, Checks: []CheckResult{}}
	if a == nil {
		report.CheckedAt = time.Now().UTC()
		return report
	}
	report.CheckedAt = a.now().UTC()
	for _, c := range a.checkers {
		report.Checks = append(report.Checks, c.ListChecks(ctx)...)
	}
	for _, item := range report.Checks {
		if item.Status.Worse(report.Status) {
			report.Status = item.Status
		}
	}
	return report
}
