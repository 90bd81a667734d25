package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

type pingResponse struct {
	Status    string    `json:"status"`
	StartedAt time.Time `json:"started_at"`
	Uptime    string    `json:"uptime"`
}

// PingHandler answers liveness probes. It never touches the channel layer,
// so it stays green while accounts reconnect.
type PingHandler struct {
	logger    *slog.Logger
	startedAt time.Time
	now       func() time.Time
}

func NewPingHandler(log *slog.Logger) *PingHandler {
	if log == nil {
		log = slog.Default()
	}
	return &PingHandler{
		logger:    log.With(slog.String("handler", "ping")),
		startedAt: time.Now().UTC(),
		now:       time.Now,
	}
}

func (h *PingHandler) Register(e *echo.Echo) {
	e.GET("/ping", h.Ping)
	e.HEAD("/health", h.Alive)
}

func (h *PingHandler) Ping(c echo.Context) error {
	return c.JSON(http.StatusOK, pingResponse{
		Status:    "ok",
		StartedAt: h.startedAt,
		Uptime:    h.now().Sub(h.startedAt).Truncate(time.Second).String(),
	})
}

func (h *PingHandler) Alive(c echo.Context) error {
	return c.NoContent(http.StatusOK)
}
