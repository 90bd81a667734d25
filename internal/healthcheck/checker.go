// Package healthcheck aggregates runtime checks reported by the bridge's
// components into one report.
package healthcheck

import "context"

// Status is the outcome of a check. Statuses are ordered by severity.
type Status string

const (
	StatusUnknown Status = "unknown"
	StatusOK      Status = "ok"
	StatusWarn    Status = "warn"
	StatusError   Status = "error"
)

// Worse reports whether s is more severe than other. Unrecognized values
// rank below every known status.
func (s Status) Worse(other Status) bool {
	return s.rank() > other.rank()
}

func (s Status) rank() int {
	switch s {
	case StatusOK:
		return 1
	case StatusWarn:
		return 2
	case StatusError:
		return 3
	default:
		return 0
	}
}

// CheckResult is one item of a report. IDs are stable across runs so
// consumers can diff reports.
type CheckResult struct {
	ID       string         `json:"id"`
	Type     string         `json:"type"`
	Subtitle string         `json:"subtitle,omitempty"`
	Status   Status         `json:"status"`
	Summary  string         `json:"summary"`
	Detail   string         `json:"detail,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Checker produces zero or more results per run.
type Checker interface {
	ListChecks(ctx context.Context) []CheckResult
}
