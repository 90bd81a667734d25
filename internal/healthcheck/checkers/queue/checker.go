package queuechecker

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/memohai/dingtalk-bridge/internal/healthcheck"
)

const (
	checkTypeInboundQueue = "channel.queue"

	// DefaultWarnRatio is the backlog fill level that turns the check to warn.
	DefaultWarnRatio = 0.75
)

// LoadObserver reads the inbound work queue counters.
type LoadObserver interface {
	Pending() int
	Active() int64
	Capacity() int
}

// Checker reports inbound backlog pressure as a single check.
type Checker struct {
	logger    *slog.Logger
	observer  LoadObserver
	warnRatio float64
}

func NewChecker(log *slog.Logger, observer LoadObserver) *Checker {
	if log == nil {
		log = slog.Default()
	}
	return &Checker{
		logger:    log.With(slog.String("checker", "healthcheck_queue")),
		observer:  observer,
		warnRatio: DefaultWarnRatio,
	}
}

func (c *Checker) ListChecks(ctx context.Context) []healthcheck.CheckResult {
	if ctx != nil && ctx.Err() != nil {
		return []healthcheck.CheckResult{}
	}
	item := healthcheck.CheckResult{
		ID:       checkTypeInboundQueue + ".inbound",
		Type:     checkTypeInboundQueue,
		Subtitle: "inbound",
	}
	if c.observer == nil {
		c.logger.Warn("queue healthcheck has no observer")
		item.Status = healthcheck.StatusWarn
		item.Summary = "Inbound queue is not available."
		return []healthcheck.CheckResult{item}
	}

	pending, active, capacity := c.observer.Pending(), c.observer.Active(), c.observer.Capacity()
	item.Metadata = map[string]any{
		"pending":  pending,
		"active":   active,
		"capacity": capacity,
	}
	switch {
	case capacity > 0 && pending >= capacity:
		item.Status = healthcheck.StatusError
		item.Summary = "Inbound queue is full."
		item.Detail = "new messages are rejected until the backlog drains"
	case capacity > 0 && float64(pending) >= c.warnRatio*float64(capacity):
		item.Status = healthcheck.StatusWarn
		item.Summary = fmt.Sprintf("Inbound queue is %d/%d full.", pending, capacity)
	default:
		item.Status = healthcheck.StatusOK
		item.Summary = fmt.Sprintf("%d pending, %d running.", pending, active)
	}
	return []healthcheck.CheckResult{item}
}
