package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mohammad-safakhou/researcher/config"
	"github.com/mohammad-safakhou/researcher/internal/agent/core"
	"github.com/mohammad-safakhou/researcher/internal/artifact"
	"github.com/mohammad-safakhou/researcher/internal/capability"
	"github.com/mohammad-safakhou/researcher/internal/manifest"
	"github.com/mohammad-safakhou/researcher/internal/runtime"
	"github.com/mohammad-safakhou/researcher/internal/store"
	"github.com/mohammad-safakhou/researcher/internal/testutil"
)

type fakeRuns struct {
	mu       sync.Mutex
	runs     map[string]*core.Run
	awaited  chan string
	answered []string
}

func newFakeRuns() *fakeRuns {
	return &fakeRuns{runs: map[string]*core.Run{}, awaited: make(chan string, 4)}
}

func (f *fakeRuns) Start(_ context.Context, query string) (*core.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	run := &core.Run{ID: "run-1", Status: core.RunCompleted, State: core.RunState{OriginalQuery: query}}
	if strings.Contains(query, "?") {
		q := "Which one?"
		run.Status = core.RunAwaitingHuman
		run.State.PendingQuestion = &q
	}
	f.runs[run.ID] = run
	return run, nil
}

func (f *fakeRuns) Resume(_ context.Context, id, answer string) (*core.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	run, ok := f.runs[id]
	if !ok {
		return nil, core.ErrRunNotFound
	}
	if strings.TrimSpace(answer) == "" {
		return nil, &core.ValidationError{Field: "answer", State: core.StateAwaitHuman}
	}
	if run.Status != core.RunAwaitingHuman {
		return nil, core.ErrNotAwaiting
	}
	f.answered = append(f.answered, answer)
	run.Status = core.RunCompleted
	run.State.PendingQuestion = nil
	return run, nil
}

func (f *fakeRuns) Await(ctx context.Context, id string) (*core.Run, error) {
	f.awaited <- id
	<-ctx.Done()
	return nil, ctx.Err()
}

func (f *fakeRuns) Get(id string) (*core.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	run, ok := f.runs[id]
	if !ok {
		return nil, core.ErrRunNotFound
	}
	return run, nil
}

func (f *fakeRuns) Tools() []capability.Descriptor {
	return []capability.Descriptor{{Name: "web_fetch", Description: "fetch a page"}}
}

type fakeRecords struct {
	run   store.RunRecord
	steps []store.StepRecord
}

func (f fakeRecords) GetRun(_ context.Context, id string) (store.RunRecord, bool, error) {
	if id != f.run.ID {
		return store.RunRecord{}, false, nil
	}
	return f.run, true, nil
}

func (f fakeRecords) ListSteps(_ context.Context, id string) ([]store.StepRecord, error) {
	if id != f.run.ID {
		return nil, nil
	}
	return f.steps, nil
}

func newTestServer(t *testing.T, cfg config.ServerConfig, runs Runs, records Records) *Server {
	t.Helper()
	deps := Deps{Runs: runs, Artifacts: artifact.NewMemoryStore(10, 0), Registry: prometheus.NewRegistry()}
	if records != nil {
		deps.Records = records
	}
	s, err := New(cfg, deps)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
	})
	return s
}

func do(t *testing.T, s *Server, method, path, body, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.Echo().ServeHTTP(rec, req)
	return rec
}

func TestCreateAndGetRun(t *testing.T) {
	s := newTestServer(t, config.ServerConfig{}, newFakeRuns(), nil)

	rec := do(t, s, http.MethodPost, "/api/runs", `{"query": "capital of France"}`, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var run core.Run
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &run))
	assert.Equal(t, core.RunCompleted, run.Status)

	rec = do(t, s, http.MethodGet, "/api/runs/"+run.ID, "", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, s, http.MethodGet, "/api/runs/missing", "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateRunRejectsEmptyQuery(t *testing.T) {
	s := newTestServer(t, config.ServerConfig{}, newFakeRuns(), nil)
	rec := do(t, s, http.MethodPost, "/api/runs", `{"query": "  "}`, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "query")
}

func TestAnswerFlow(t *testing.T) {
	runs := newFakeRuns()
	s := newTestServer(t, config.ServerConfig{}, runs, nil)

	rec := do(t, s, http.MethodPost, "/api/runs", `{"query": "which?"}`, "")
	require.Equal(t, http.StatusOK, rec.Code)
	select {
	case id := <-runs.awaited:
		assert.Equal(t, "run-1", id)
	case <-time.After(time.Second):
		t.Fatal("paused run was not watched")
	}

	rec = do(t, s, http.MethodPost, "/api/runs/run-1/answer", `{"answer": ""}`, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, s, http.MethodPost, "/api/runs/run-1/answer", `{"answer": "the first"}`, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, []string{"the first"}, runs.answered)

	rec = do(t, s, http.MethodPost, "/api/runs/run-1/answer", `{"answer": "again"}`, "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, s, http.MethodPost, "/api/runs/nope/answer", `{"answer": "x"}`, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetFallsBackToRecords(t *testing.T) {
	records := fakeRecords{
		run:   store.RunRecord{ID: "old-run", Query: "q", Status: "completed"},
		steps: []store.StepRecord{{ID: 1, RunID: "old-run", State: "ROUTE", Status: "ok"}},
	}
	s := newTestServer(t, config.ServerConfig{}, newFakeRuns(), records)

	rec := do(t, s, http.MethodGet, "/api/runs/old-run", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"completed"`)

	rec = do(t, s, http.MethodGet, "/api/runs/old-run/steps", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"state":"ROUTE"`)

	rec = do(t, s, http.MethodGet, "/api/runs/unknown/steps", "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStepsWithoutRecords(t *testing.T) {
	s := newTestServer(t, config.ServerConfig{}, newFakeRuns(), nil)
	rec := do(t, s, http.MethodGet, "/api/runs/x/steps", "", "")
	assert.Equal(t, http.StatusNotImplemented, rec.Code)
}

func TestToolsArtifactsHealthMetrics(t *testing.T) {
	s := newTestServer(t, config.ServerConfig{}, newFakeRuns(), nil)

	rec := do(t, s, http.MethodGet, "/api/tools", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "web_fetch")

	rec = do(t, s, http.MethodGet, "/api/artifacts/stats", "", "")
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/healthz", "", "").Code)
	assert.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/metrics", "", "").Code)
}

func TestAuthRequiredWhenSecretSet(t *testing.T) {
	hash, err := runtime.HashPassword("correct horse")
	require.NoError(t, err)
	s := newTestServer(t, config.ServerConfig{JWTSecret: "s3cret", AdminPasswordHash: hash}, newFakeRuns(), nil)

	assert.Equal(t, http.StatusUnauthorized, do(t, s, http.MethodGet, "/api/tools", "", "").Code)
	assert.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/healthz", "", "").Code)

	rec := do(t, s, http.MethodPost, "/api/auth/login", `{"password": "wrong"}`, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(t, s, http.MethodPost, "/api/auth/login", `{"password": "correct horse"}`, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var tok TokenResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tok))
	require.NotEmpty(t, tok.Token)

	assert.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/api/tools", "", tok.Token).Code)
	assert.Equal(t, http.StatusUnauthorized, do(t, s, http.MethodGet, "/api/tools", "", "garbage").Code)
}

func TestLoginDisabledWithoutSecret(t *testing.T) {
	s := newTestServer(t, config.ServerConfig{}, newFakeRuns(), nil)
	rec := do(t, s, http.MethodPost, "/api/auth/login", `{"password": "x"}`, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestNewRequiresDeps(t *testing.T) {
	_, err := New(config.ServerConfig{}, Deps{})
	require.Error(t, err)
	_, err = New(config.ServerConfig{}, Deps{Runs: newFakeRuns()})
	require.Error(t, err)
}

func TestMigrateRejectsBadInput(t *testing.T) {
	require.Error(t, Migrate("", "up", 0))
}

func TestMigrateUpAndDown(t *testing.T) {
	dsn := testutil.Postgres(t)
	require.NoError(t, Migrate(dsn, "up", 0))
	require.NoError(t, Migrate(dsn, "up", 0), "second up is a no-op")
	require.Error(t, Migrate(dsn, "sideways", 0))
	require.NoError(t, Migrate(dsn, "down", 1))
	require.NoError(t, Migrate(dsn, "down", 0))
}

func TestManifest(t *testing.T) {
	runs := newFakeRuns()
	records := fakeRecords{
		run:   store.RunRecord{ID: "old-run", Query: "q", Status: "completed", State: json.RawMessage(`{"original_query":"q","artifact_log":[]}`)},
		steps: []store.StepRecord{{ID: 1, RunID: "old-run", State: "ROUTE", Status: "ok"}},
	}
	s := newTestServer(t, config.ServerConfig{ManifestSecret: "m"}, runs, records)

	rec := do(t, s, http.MethodGet, "/api/runs/old-run/manifest", "", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var signed manifest.SignedRunManifest
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &signed))
	require.NoError(t, manifest.VerifyRunManifest(signed, "m"))
	assert.Len(t, signed.Manifest.Steps, 1)

	do(t, s, http.MethodPost, "/api/runs", `{"query": "which?"}`, "")
	rec = do(t, s, http.MethodGet, "/api/runs/run-1/manifest", "", "")
	assert.Equal(t, http.StatusConflict, rec.Code, "paused runs have no manifest")

	rec = do(t, s, http.MethodGet, "/api/runs/none/manifest", "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	unsigned := newTestServer(t, config.ServerConfig{}, newFakeRuns(), records)
	rec = do(t, unsigned, http.MethodGet, "/api/runs/old-run/manifest", "", "")
	assert.Equal(t, http.StatusNotImplemented, rec.Code)
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		code int
	}{
		{&core.ValidationError{Field: "query"}, http.StatusBadRequest},
		{fmt.Errorf("resume: %w", core.ErrRunNotFound), http.StatusNotFound},
		{core.ErrNotAwaiting, http.StatusConflict},
		{echo.NewHTTPError(http.StatusTeapot, "short and stout"), http.StatusTeapot},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		code, msg := statusFor(tc.err)
		assert.Equal(t, tc.code, code, tc.err.Error())
		assert.NotEmpty(t, msg)
	}
}
