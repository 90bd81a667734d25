package channelchecker

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/memohai/dingtalk-bridge/internal/channel"
	"github.com/memohai/dingtalk-bridge/internal/healthcheck"
)

const (
	checkTypeChannelConnection = "channel.connection"

	// DefaultStaleAfter is how long an account may sit in the connecting
	// state before its check turns into an error.
	DefaultStaleAfter = 2 * time.Minute
)

// ConnectionObserver reads runtime channel connection statuses.
type ConnectionObserver interface {
	ConnectionStatuses() []channel.ConnectionStatus
}

// Checker reports one check per supervised account connection.
type Checker struct {
	logger     *slog.Logger
	observer   ConnectionObserver
	staleAfter time.Duration
	now        func() time.Time
}

func NewChecker(log *slog.Logger, observer ConnectionObserver) *Checker {
	if log == nil {
		log = slog.Default()
	}
	return &Checker{
		logger:     log.With(slog.String("checker", "healthcheck_channel")),
		observer:   observer,
		staleAfter: DefaultStaleAfter,
		now:        time.Now,
	}
}

func (c *Checker) ListChecks(ctx context.Context) []healthcheck.CheckResult {
	if ctx != nil && ctx.Err() != nil {
		return []healthcheck.CheckResult{}
	}
	if c.observer == nil {
		c.logger.Warn("channel healthcheck has no connection observer")
		return []healthcheck.CheckResult{{
			ID:      checkTypeChannelConnection + ".service",
			Type:    checkTypeChannelConnection,
			Status:  healthcheck.StatusWarn,
			Summary: "Channel manager is not available.",
		}}
	}

	statuses := slices.Clone(c.observer.ConnectionStatuses())
	slices.SortFunc(statuses, func(a, b channel.ConnectionStatus) int {
		return cmp.Or(
			cmp.Compare(a.ChannelType, b.ChannelType),
			cmp.Compare(a.ConfigID, b.ConfigID),
		)
	})
	checks := make([]healthcheck.CheckResult, 0, len(statuses))
	for idx, status := range statuses {
		checks = append(checks, c.check(idx, status))
	}
	return checks
}

func (c *Checker) check(idx int, status channel.ConnectionStatus) healthcheck.CheckResult {
	channelType := strings.TrimSpace(status.ChannelType.String())
	if channelType == "" {
		channelType = "unknown"
	}
	accountID := strings.TrimSpace(status.ConfigID)
	label := accountID
	if name := strings.TrimSpace(status.Name); name != "" {
		label = name
	}

	item := healthcheck.CheckResult{
		ID:       checkID(channelType, accountID, idx),
		Type:     checkTypeChannelConnection,
		Subtitle: channelType,
		Metadata: map[string]any{
			"account_id":   accountID,
			"channel_type": channelType,
			"running":      status.Running,
		},
	}
	if label != "" {
		item.Subtitle = channelType + " (" + label + ")"
	}
	if !status.UpdatedAt.IsZero() {
		item.Metadata["updated_at"] = status.UpdatedAt.UTC().Format(time.RFC3339)
	}

	lastErr := strings.TrimSpace(status.LastError)
	switch {
	case status.Running:
		item.Status = healthcheck.StatusOK
		item.Summary = fmt.Sprintf("Account %s is connected.", accountID)
	case lastErr != "":
		item.Status = healthcheck.StatusError
		item.Summary = fmt.Sprintf("Account %s connection failed.", accountID)
		item.Detail = lastErr
	case !status.UpdatedAt.IsZero() && c.now().Sub(status.UpdatedAt) > c.staleAfter:
		item.Status = healthcheck.StatusError
		item.Summary = fmt.Sprintf("Account %s has not connected.", accountID)
		item.Detail = fmt.Sprintf("connecting for more than %s", c.staleAfter)
	default:
		item.Status = healthcheck.StatusWarn
		item.Summary = fmt.Sprintf("Account %s is connecting.", accountID)
	}
	return item
}

func checkID(channelType, accountID string, idx int) string {
	if accountID == "" {
		return fmt.Sprintf("%s.%s.unknown_%d", checkTypeChannelConnection, channelType, idx+1)
	}
	return checkTypeChannelConnection + "." + channelType + "." + accountID
}
