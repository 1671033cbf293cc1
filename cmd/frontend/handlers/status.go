package handlers

import (
	"net/http"

	"github.com/fwlab/fact/cmd/frontend/container"
	"github.com/labstack/echo/v4"
)

// StatusHandler reports on the analysis state and the backend
type StatusHandler struct {
	c *container.Container
}

// NewStatusHandler creates a new status handler
func NewStatusHandler(c *container.Container) *StatusHandler {
	return &StatusHandler{c: c}
}

// Missing lists analyses that are missing or failed
// GET /rest/missing
func (h *StatusHandler) Missing(c echo.Context) error {
	ctx := c.Request().Context()
	request := requestInfo(c)

	missing, err := h.c.Store.MissingAnalyses(ctx)
	if err != nil {
		h.c.Logger.Error("failed to query missing analyses", "error", err)
		return failure(c, http.StatusInternalServerError, "missing", request, "Could not query missing analyses")
	}
	failed, err := h.c.Store.FailedAnalyses(ctx)
	if err != nil {
		h.c.Logger.Error("failed to query failed analyses", "error", err)
		return failure(c, http.StatusInternalServerError, "missing", request, "Could not query failed analyses")
	}

	return success(c, "missing", request, map[string]interface{}{
		"missing_analyses": missing,
		"failed_analyses":  failed,
	})
}

// Plugins lists the analysis systems of the backend
// GET /rest/plugins
func (h *StatusHandler) Plugins(c echo.Context) error {
	request := requestInfo(c)

	plugins, err := h.c.Backend.GetAvailableAnalysisPlugins(c.Request().Context())
	if err != nil {
		h.c.Logger.Error("failed to query plugins", "error", err)
		return failure(c, http.StatusServiceUnavailable, "plugins", request, "Could not reach the backend")
	}
	return success(c, "plugins", request, map[string]interface{}{"plugins": plugins})
}

// Health checks the stores the frontend depends on
// GET /health
func (h *StatusHandler) Health(c echo.Context) error {
	if h.c.Components != nil {
		if err := h.c.Components.Health(c.Request().Context()); err != nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]string{
				"status": "unhealthy",
				"error":  err.Error(),
			})
		}
	}
	return c.JSON(http.StatusOK, map[string]string{
		"status":  "ok",
		"service": "fact-frontend",
	})
}
