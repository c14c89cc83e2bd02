// Package server exposes the research orchestrator over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/mohammad-safakhou/researcher/config"
	"github.com/mohammad-safakhou/researcher/internal/agent/core"
	"github.com/mohammad-safakhou/researcher/internal/artifact"
	"github.com/mohammad-safakhou/researcher/internal/capability"
	"github.com/mohammad-safakhou/researcher/internal/logging"
	"github.com/mohammad-safakhou/researcher/internal/manifest"
	"github.com/mohammad-safakhou/researcher/internal/runtime"
	"github.com/mohammad-safakhou/researcher/internal/store"
)

// Runs is the orchestrator surface the API needs.
type Runs interface {
	Start(ctx context.Context, query string) (*core.Run, error)
	Resume(ctx context.Context, runID, answer string) (*core.Run, error)
	Await(ctx context.Context, runID string) (*core.Run, error)
	Get(runID string) (*core.Run, error)
	Tools() []capability.Descriptor
}

// Records reads persisted runs. store.Store implements it.
type Records interface {
	GetRun(ctx context.Context, id string) (store.RunRecord, bool, error)
	ListSteps(ctx context.Context, runID string) ([]store.StepRecord, error)
}

// Deps are the collaborators behind the routes. Records and Registry are
// optional.
type Deps struct {
	Runs      Runs
	Artifacts artifact.Store
	Records   Records
	Registry  *prometheus.Registry
	Logger    *zap.Logger
}

type Server struct {
	e       *echo.Echo
	cfg     config.ServerConfig
	deps    Deps
	logger  *zap.Logger
	secret  []byte
	baseCtx context.Context
	stop    context.CancelFunc

	mu       sync.Mutex
	watchers map[string]*watcher
	wg       sync.WaitGroup
}

type watcher struct{ cancel context.CancelFunc }

// New wires routes. When cfg.JWTSecret is set every /api route except
// login requires a token.
func New(cfg config.ServerConfig, deps Deps) (*Server, error) {
	if deps.Runs == nil {
		return nil, errors.New("server: runs are required")
	}
	if deps.Artifacts == nil {
		return nil, errors.New("server: artifact store is required")
	}
	ctx, stop := context.WithCancel(context.Background())
	s := &Server{
		e:        echo.New(),
		cfg:      cfg,
		deps:     deps,
		logger:   logging.OrNop(deps.Logger).Named("http"),
		baseCtx:  ctx,
		stop:     stop,
		watchers: make(map[string]*watcher),
	}
	if cfg.JWTSecret != "" {
		s.secret = []byte(cfg.JWTSecret)
	}
	s.routes()
	return s, nil
}

func (s *Server) routes() {
	e := s.e
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.HTTPErrorHandler = s.handleError

	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	if s.deps.Registry != nil {
		e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(s.deps.Registry, promhttp.HandlerOpts{})))
	} else {
		e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	}

	api := e.Group("/api")
	auth := &AuthHandler{Secret: s.secret, AdminPasswordHash: s.cfg.AdminPasswordHash}
	auth.Register(api.Group("/auth"))

	protected := api.Group("")
	if s.secret != nil {
		protected.Use(runtime.EchoAuthMiddleware(s.secret))
	}
	runs := &RunsHandler{
		Runs:           s.deps.Runs,
		Records:        s.deps.Records,
		ManifestSecret: s.cfg.ManifestSecret,
		watch:          s.watch,
		unwatch:        s.unwatch,
	}
	runs.Register(protected.Group("/runs"))
	tools := &ToolsHandler{Runs: s.deps.Runs, Artifacts: s.deps.Artifacts}
	tools.Register(protected)
}

// Echo exposes the router for tests and embedding.
func (s *Server) Echo() *echo.Echo { return s.e }

// Start blocks serving on addr until Shutdown.
func (s *Server) Start(addr string) error {
	if addr == "" {
		addr = s.cfg.Address
	}
	if addr == "" {
		addr = ":10001"
	}
	s.logger.Info("listening", zap.String("addr", addr), zap.Bool("auth", s.secret != nil))
	if err := s.e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and abandons pending human waits.
func (s *Server) Shutdown(ctx context.Context) error {
	s.stop()
	err := s.e.Shutdown(ctx)
	s.wg.Wait()
	return err
}

// watch waits in the background for the answer to a paused run.
func (s *Server) watch(runID string) {
	ctx, cancel := context.WithCancel(s.baseCtx)
	w := &watcher{cancel: cancel}
	s.mu.Lock()
	if prev, ok := s.watchers[runID]; ok {
		prev.cancel()
	}
	s.watchers[runID] = w
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.forget(runID, w)
		run, err := s.deps.Runs.Await(ctx, runID)
		switch {
		case err == nil && run.Status == core.RunAwaitingHuman:
			s.watch(runID)
		case err != nil && ctx.Err() == nil:
			s.logger.Warn("background await ended", zap.String("run_id", runID), zap.Error(err))
		}
	}()
}

// unwatch cancels a background wait before the API resumes a run itself.
func (s *Server) unwatch(runID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if w, ok := s.watchers[runID]; ok {
		w.cancel()
		delete(s.watchers, runID)
	}
}

func (s *Server) forget(runID string, w *watcher) {
	w.cancel()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.watchers[runID] == w {
		delete(s.watchers, runID)
	}
}

func (s *Server) handleError(err error, c echo.Context) {
	code, msg := statusFor(err)
	req := c.Request()
	fields := []zap.Field{
		zap.Int("status", code),
		zap.String("method", req.Method),
		zap.String("path", req.URL.Path),
		zap.String("remote", c.RealIP()),
		zap.Error(err),
	}
	if code >= 500 {
		s.logger.Error("request failed", fields...)
	} else {
		s.logger.Info("request rejected", fields...)
	}
	if !c.Response().Committed {
		_ = c.JSON(code, HTTPError{Error: msg})
	}
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) (int, string) {
	var he *echo.HTTPError
	if errors.As(err, &he) {
		msg := http.StatusText(he.Code)
		if he.Message != nil {
			msg = fmt.Sprint(he.Message)
		}
		return he.Code, msg
	}
	var verr *core.ValidationError
	switch {
	case errors.As(err, &verr):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, core.ErrRunNotFound):
		return http.StatusNotFound, err.Error()
	case errors.Is(err, core.ErrNotAwaiting), errors.Is(err, manifest.ErrNotFinished):
		return http.StatusConflict, err.Error()
	}
	return http.StatusInternalServerError, err.Error()
}

// HTTPError is the JSON error body.
type HTTPError struct {
	Error string `json:"error"`
}
