package server

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/mohammad-safakhou/researcher/internal/agent/core"
	"github.com/mohammad-safakhou/researcher/internal/manifest"
	"github.com/mohammad-safakhou/researcher/internal/store"
)

// RunsHandler serves /api/runs.
type RunsHandler struct {
	Runs           Runs
	Records        Records
	ManifestSecret string

	watch   func(runID string)
	unwatch func(runID string)
}

type createRunRequest struct {
	Query string `json:"query"`
}

type answerRequest struct {
	Answer string `json:"answer"`
}

func (h *RunsHandler) Register(g *echo.Group) {
	g.POST("", h.create)
	g.GET("/:id", h.get)
	g.POST("/:id/answer", h.answer)
	g.GET("/:id/steps", h.steps)
	g.GET("/:id/manifest", h.manifest)
}

// create runs a query until it finishes or pauses for input. A run that
// ends in failure is still a 200 with its snapshot.
func (h *RunsHandler) create(c echo.Context) error {
	var req createRunRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if strings.TrimSpace(req.Query) == "" {
		return &core.ValidationError{Field: "query"}
	}
	run, err := h.Runs.Start(c.Request().Context(), req.Query)
	return h.respond(c, run, err)
}

func (h *RunsHandler) answer(c echo.Context) error {
	var req answerRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	id := c.Param("id")
	if h.unwatch != nil {
		h.unwatch(id)
	}
	run, err := h.Runs.Resume(c.Request().Context(), id, req.Answer)
	if run == nil && err != nil && !errors.Is(err, core.ErrRunNotFound) && h.watch != nil {
		// still paused; keep listening on the human channel
		if cur, gerr := h.Runs.Get(id); gerr == nil && cur.Status == core.RunAwaitingHuman {
			h.watch(id)
		}
	}
	return h.respond(c, run, err)
}

func (h *RunsHandler) respond(c echo.Context, run *core.Run, err error) error {
	var verr *core.ValidationError
	if run == nil || errors.As(err, &verr) {
		if err == nil {
			err = errors.New("no run returned")
		}
		return err
	}
	if run.Status == core.RunAwaitingHuman && h.watch != nil {
		h.watch(run.ID)
	}
	return c.JSON(http.StatusOK, run)
}

// get serves live runs from the orchestrator and falls back to persisted
// records for runs this process does not hold.
func (h *RunsHandler) get(c echo.Context) error {
	id := c.Param("id")
	run, err := h.Runs.Get(id)
	if err == nil {
		return c.JSON(http.StatusOK, run)
	}
	if !errors.Is(err, core.ErrRunNotFound) || h.Records == nil {
		return err
	}
	rec, ok, rerr := h.Records.GetRun(c.Request().Context(), id)
	if rerr != nil {
		return rerr
	}
	if !ok {
		return err
	}
	return c.JSON(http.StatusOK, rec)
}

func (h *RunsHandler) steps(c echo.Context) error {
	if h.Records == nil {
		return echo.NewHTTPError(http.StatusNotImplemented, "run records are not configured")
	}
	id := c.Param("id")
	steps, err := h.Records.ListSteps(c.Request().Context(), id)
	if err != nil {
		return fmt.Errorf("list steps: %w", err)
	}
	if len(steps) == 0 {
		if _, gerr := h.Runs.Get(id); gerr != nil {
			if _, ok, _ := h.Records.GetRun(c.Request().Context(), id); !ok {
				return gerr
			}
		}
	}
	return c.JSON(http.StatusOK, steps)
}

// manifest returns a signed summary of a finished run.
func (h *RunsHandler) manifest(c echo.Context) error {
	if h.ManifestSecret == "" {
		return echo.NewHTTPError(http.StatusNotImplemented, "manifest signing is not configured")
	}
	ctx := c.Request().Context()
	id := c.Param("id")
	run, err := h.Runs.Get(id)
	if errors.Is(err, core.ErrRunNotFound) && h.Records != nil {
		rec, ok, rerr := h.Records.GetRun(ctx, id)
		if rerr != nil {
			return rerr
		}
		if ok {
			run, err = manifest.RunFromRecord(rec)
		}
	}
	if err != nil {
		return err
	}
	var steps []store.StepRecord
	if h.Records != nil {
		if steps, err = h.Records.ListSteps(ctx, id); err != nil {
			return fmt.Errorf("list steps: %w", err)
		}
	}
	payload, err := manifest.BuildRunManifest(run, steps)
	if err != nil {
		return err
	}
	signed, err := manifest.SignRunManifest(payload, h.ManifestSecret, time.Now())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, signed)
}
