package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/memohai/dingtalk-bridge/internal/healthcheck"
)

// ReportRunner produces the aggregated health report.
type ReportRunner interface {
	Run(ctx context.Context) healthcheck.Report
}

type HealthHandler struct {
	logger *slog.Logger
	runner ReportRunner
}

func NewHealthHandler(log *slog.Logger, runner ReportRunner) *HealthHandler {
	if log == nil {
		log = slog.Default()
	}
	return &HealthHandler{logger: log.With(slog.String("handler", "health")), runner: runner}
}

func (h *HealthHandler) Register(e *echo.Echo) {
	e.GET("/health/channels", h.Channels)
}

// Channels reports per-account connection checks. The response is 503 when
// any check failed so load balancers can act on it.
func (h *HealthHandler) Channels(c echo.Context) error {
	if h.runner == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "health checks are not configured")
	}
	report := h.runner.Run(c.Request().Context())
	status := http.StatusOK
	if report.Status == healthcheck.StatusError {
		status = http.StatusServiceUnavailable
		h.logger.Warn("channel health degraded", slog.Int("checks", len(report.Checks)))
	}
	return c.JSON(status, report)
}
