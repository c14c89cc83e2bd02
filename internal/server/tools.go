package server

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/mohammad-safakhou/researcher/internal/artifact"
)

// ToolsHandler exposes the tool registry and artifact store statistics.
type ToolsHandler struct {
	Runs      Runs
	Artifacts artifact.Store
}

func (h *ToolsHandler) Register(g *echo.Group) {
	g.GET("/tools", h.list)
	g.GET("/artifacts/stats", h.stats)
}

func (h *ToolsHandler) list(c echo.Context) error {
	return c.JSON(http.StatusOK, h.Runs.Tools())
}

func (h *ToolsHandler) stats(c echo.Context) error {
	st, err := h.Artifacts.Stats(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, st)
}
