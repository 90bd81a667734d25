package handlers

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/memohai/dingtalk-bridge/internal/channel/adapters/dingtalk"
	"github.com/memohai/dingtalk-bridge/internal/config"
)

// AccountsHandler exposes the resolved account list. Secrets are never
// included.
type AccountsHandler struct {
	cfg config.DingTalkConfig
}

func NewAccountsHandler(cfg config.DingTalkConfig) *AccountsHandler {
	return &AccountsHandler{cfg: cfg}
}

func (h *AccountsHandler) Register(e *echo.Echo) {
	group := e.Group("/accounts")
	group.GET("", h.List)
	group.GET("/:id", h.Get)
}

func (h *AccountsHandler) List(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"default_account": dingtalk.DefaultAccountID(h.cfg),
		"items":           dingtalk.DescribeAccounts(h.cfg),
	})
}

func (h *AccountsHandler) Get(c echo.Context) error {
	item, ok := dingtalk.DescribeAccount(h.cfg, c.Param("id"))
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "account not found")
	}
	return c.JSON(http.StatusOK, item)
}
