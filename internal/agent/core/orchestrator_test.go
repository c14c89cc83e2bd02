package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mohammad-safakhou/researcher/config"
	"github.com/mohammad-safakhou/researcher/internal/artifact"
	"github.com/mohammad-safakhou/researcher/internal/budget"
	"github.com/mohammad-safakhou/researcher/internal/capability"
	"github.com/mohammad-safakhou/researcher/internal/executor"
	"github.com/mohammad-safakhou/researcher/internal/human"
	"github.com/mohammad-safakhou/researcher/internal/observer"
	"github.com/mohammad-safakhou/researcher/internal/reasoner"
)

// scripted replies in order and remembers every prompt it saw.
type scripted struct {
	mu      sync.Mutex
	replies []string
	prompts []string
}

func script(replies ...string) *scripted { return &scripted{replies: replies} }

func (s *scripted) Complete(_ context.Context, req reasoner.Request) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prompts = append(s.prompts, req.Prompt)
	if len(s.replies) == 0 {
		return "", errors.New("script exhausted")
	}
	out := s.replies[0]
	s.replies = s.replies[1:]
	return out, nil
}

func (s *scripted) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.prompts)
}

func (s *scripted) lastPrompt() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.prompts) == 0 {
		return ""
	}
	return s.prompts[len(s.prompts)-1]
}

type stepLog struct {
	mu       sync.Mutex
	steps    []observer.Step
	finished []observer.Finished
}

func (l *stepLog) Observe(_ context.Context, s observer.Step) {
	l.mu.Lock()
	l.steps = append(l.steps, s)
	l.mu.Unlock()
}

func (l *stepLog) Finish(_ context.Context, f observer.Finished) {
	l.mu.Lock()
	l.finished = append(l.finished, f)
	l.mu.Unlock()
}

func (l *stepLog) states() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.steps))
	for i, s := range l.steps {
		out[i] = s.State
	}
	return out
}

type recorded struct {
	mu       sync.Mutex
	created  []string
	saved    []string
	finished map[string]string
	answers  map[string]string
}

func newRecorded() *recorded {
	return &recorded{finished: map[string]string{}, answers: map[string]string{}}
}

func (r *recorded) CreateRun(_ context.Context, id, _, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.created = append(r.created, id)
	return nil
}

func (r *recorded) SaveRunState(_ context.Context, _, status string, state json.RawMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !json.Valid(state) {
		return fmt.Errorf("invalid state json")
	}
	r.saved = append(r.saved, status)
	return nil
}

func (r *recorded) FinishRun(_ context.Context, id, status string, finalAnswer, _ *string, _ json.RawMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finished[id] = status
	if finalAnswer != nil {
		r.answers[id] = *finalAnswer
	}
	return nil
}

func testConfig() config.OrchestratorConfig {
	return config.OrchestratorConfig{
		MaxIterations:     5,
		FanoutConcurrency: 4,
		HumanTimeout:      time.Second,
		SummaryMaxChars:   280,
	}
}

func fetchItemsTool(calls *int, mu *sync.Mutex) capability.Func {
	return capability.Func{
		Meta: capability.ToolCard{Name: "fetch_items", Version: "v1", Description: "fetch items for a category", ArgSchemaHint: `{"category": string}`},
		Fn: func(_ context.Context, args map[string]any) (any, error) {
			mu.Lock()
			*calls++
			mu.Unlock()
			cat, _ := args["category"].(string)
			if cat == "B" {
				return nil, errors.New("upstream unavailable")
			}
			return map[string]any{"category": cat, "items": []string{cat + "-secret-1", cat + "-secret-2"}}, nil
		},
	}
}

func newRegistry(t *testing.T, tools ...capability.Tool) *capability.Registry {
	t.Helper()
	reg := capability.NewRegistry()
	for _, tool := range tools {
		require.NoError(t, reg.Register(tool))
	}
	return reg
}

func sequentialIDs() func() string {
	var mu sync.Mutex
	n := 0
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("id-%d", n)
	}
}

type harness struct {
	orch       *Orchestrator
	route      *scripted
	plan       *scripted
	reflection *scripted
	synth      *scripted
	store      *artifact.MemoryStore
	human      *human.MemoryChannel
	steps      *stepLog
	recorder   *recorded
}

func newHarness(t *testing.T, cfg config.OrchestratorConfig, reg Tools, route, plan, reflection, synth *scripted) *harness {
	t.Helper()
	h := &harness{
		route:      route,
		plan:       plan,
		reflection: reflection,
		synth:      synth,
		store:      artifact.NewMemoryStore(100, 0),
		human:      human.NewMemoryChannel(),
		steps:      &stepLog{},
		recorder:   newRecorded(),
	}
	orch, err := New(cfg, Reasoners{Route: route, Planning: plan, Reflection: reflection, Synthesis: synth}, reg, h.store,
		WithHumanChannel(h.human),
		WithObserver(h.steps),
		WithRecorder(h.recorder),
		WithIDFunc(sequentialIDs()),
	)
	require.NoError(t, err)
	h.orch = orch
	return h
}

const fanOutPlan = `{"tool_name": "fetch_items", "label": "items by category", "fan_out_key": "category", "args": {"category": {"literal": ["A", "B"]}}}`

func TestFanOutRunSynthesizesOnlySuccessfulItems(t *testing.T) {
	var (
		mu    sync.Mutex
		calls int
	)
	reg := newRegistry(t, fetchItemsTool(&calls, &mu))
	h := newHarness(t, testConfig(), reg,
		script(`{"route": "research"}`),
		script(fanOutPlan),
		script(`Sure. {"decision": "finish", "reasoning": "enough data"}`),
		script("Category A holds A-secret-1 and A-secret-2. Category B could not be fetched."),
	)

	run, err := h.orch.Start(context.Background(), "fetch items for A and B")
	require.NoError(t, err)
	require.Equal(t, RunCompleted, run.Status)
	require.NotNil(t, run.State.FinalAnswer)
	assert.Contains(t, *run.State.FinalAnswer, "A-secret-1")
	assert.Equal(t, 2, calls)

	require.Len(t, run.State.ArtifactLog, 1)
	ref := run.State.ArtifactLog[0]
	assert.True(t, ref.FanOut)
	assert.Equal(t, ReferenceSuccess, ref.Status)
	assert.Contains(t, ref.Summary, "1/2 succeeded")
	assert.Contains(t, ref.Summary, "B")

	stored, err := h.store.Get(context.Background(), ref.ArtifactID)
	require.NoError(t, err)
	report, ok := stored.(executor.MappedExecutionReport)
	require.True(t, ok)
	assert.Equal(t, executor.PartialSuccess, report.OverallStatus)

	prompt := h.synth.lastPrompt()
	assert.Contains(t, prompt, "A-secret-1")
	assert.NotContains(t, prompt, "upstream unavailable")
	assert.NotContains(t, prompt, "B-secret")

	// raw tool output never reaches the reflection prompt
	assert.NotContains(t, h.reflection.lastPrompt(), "A-secret-1")
	assert.Contains(t, h.reflection.lastPrompt(), "1/2 succeeded")

	assert.Equal(t, []string{"ROUTE", "PLAN", "EXECUTE", "STASH", "REFLECT", "SYNTHESIZE", "DONE"}, h.steps.states())
	require.Len(t, h.steps.finished, 1)
	assert.Equal(t, string(RunCompleted), h.steps.finished[0].Status)
	assert.Equal(t, string(RunCompleted), h.recorder.finished[run.ID])
	assert.Equal(t, *run.State.FinalAnswer, h.recorder.answers[run.ID])
	assert.Equal(t, 2, run.Usage.ToolCalls)
	assert.Equal(t, 1, run.Usage.Iterations)
}

func TestEmptyQueryFailsBeforeAnyReasonerCall(t *testing.T) {
	route, plan, reflection, synth := script(), script(), script(), script()
	h := newHarness(t, testConfig(), newRegistry(t), route, plan, reflection, synth)

	run, err := h.orch.Start(context.Background(), "   ")
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, StateRoute, verr.State)
	assert.Equal(t, RunFailed, run.Status)
	assert.Zero(t, route.calls())

	for _, tc := range []struct {
		name string
		fn   func(context.Context, *execution) (transition, error)
	}{
		{"plan", h.orch.plan},
		{"reflect", h.orch.reflectOnEvidence},
		{"synthesize", h.orch.synthesize},
	} {
		t.Run(tc.name, func(t *testing.T) {
			ex := &execution{run: &Run{ID: "r"}, guard: budget.NewGuard(budget.Config{}, nil)}
			_, err := tc.fn(context.Background(), ex)
			require.ErrorAs(t, err, &verr)
		})
	}
	assert.Zero(t, plan.calls()+reflection.calls()+synth.calls())
}

func TestTrivialRouteAnswersDirectly(t *testing.T) {
	route := script(`{"route": "trivial", "answer": "Paris"}`)
	plan, reflection, synth := script(), script(), script()
	h := newHarness(t, testConfig(), newRegistry(t), route, plan, reflection, synth)

	run, err := h.orch.Start(context.Background(), "capital of France?")
	require.NoError(t, err)
	assert.Equal(t, RunCompleted, run.Status)
	assert.Equal(t, "Paris", *run.State.FinalAnswer)
	assert.Empty(t, run.State.ArtifactLog)
	assert.Zero(t, plan.calls())
	assert.Zero(t, synth.calls())
}

func TestTrivialRouteWithoutAnswerSynthesizes(t *testing.T) {
	synth := script("Paris is the capital.")
	h := newHarness(t, testConfig(), newRegistry(t), script(`{"route": "trivial"}`), script(), script(), synth)

	run, err := h.orch.Start(context.Background(), "capital of France?")
	require.NoError(t, err)
	assert.Equal(t, "Paris is the capital.", *run.State.FinalAnswer)
	assert.Contains(t, synth.lastPrompt(), "no evidence was collected")
}

func TestUnreadableRouteDefaultsToResearch(t *testing.T) {
	var (
		mu    sync.Mutex
		calls int
	)
	h := newHarness(t, testConfig(), newRegistry(t, fetchItemsTool(&calls, &mu)),
		script("I think we should look this up."),
		script(`{"tool_name": "fetch_items", "args": {"category": {"literal": "A"}}}`),
		script(`{"decision": "finish", "reasoning": "done"}`),
		script("answer"),
	)

	run, err := h.orch.Start(context.Background(), "items for A")
	require.NoError(t, err)
	assert.Equal(t, RunCompleted, run.Status)
	assert.Equal(t, observer.StatusWarning, h.steps.steps[0].Status)
}

func TestClarificationThenResume(t *testing.T) {
	var (
		mu    sync.Mutex
		calls int
	)
	plan := script(`{"tool_name": "fetch_items", "args": {"category": {"literal": "A"}}}`)
	h := newHarness(t, testConfig(), newRegistry(t, fetchItemsTool(&calls, &mu)),
		script(`{"route": "needs_clarification", "question": "Which category?"}`),
		plan,
		script(`{"decision": "finish", "reasoning": "done"}`),
		script("Category A has two items."),
	)

	run, err := h.orch.Start(context.Background(), "fetch some items")
	require.NoError(t, err)
	require.Equal(t, RunAwaitingHuman, run.Status)
	require.NotNil(t, run.State.PendingQuestion)
	assert.Equal(t, "Which category?", *run.State.PendingQuestion)
	q, ok := h.human.Pending(run.ID)
	require.True(t, ok)
	assert.Equal(t, "Which category?", q.Text)
	assert.Zero(t, plan.calls())

	_, err = h.orch.Resume(context.Background(), run.ID, " ")
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)

	done, err := h.orch.Resume(context.Background(), run.ID, "category A")
	require.NoError(t, err)
	assert.Equal(t, RunCompleted, done.Status)
	assert.Nil(t, done.State.PendingQuestion)
	require.Len(t, done.State.HumanExchanges, 1)
	assert.Equal(t, "Which category?", done.State.HumanExchanges[0].Question)
	assert.Equal(t, "category A", done.State.HumanExchanges[0].Answer)
	assert.Contains(t, plan.lastPrompt(), "category A")

	_, err = h.orch.Resume(context.Background(), run.ID, "again")
	require.ErrorIs(t, err, ErrNotAwaiting)
}

func TestAwaitResumesWithChannelAnswer(t *testing.T) {
	var (
		mu    sync.Mutex
		calls int
	)
	h := newHarness(t, testConfig(), newRegistry(t, fetchItemsTool(&calls, &mu)),
		script(`{"route": "needs_clarification", "question": "Which category?"}`),
		script(`{"tool_name": "fetch_items", "args": {"category": {"literal": "A"}}}`),
		script(`{"decision": "finish", "reasoning": "done"}`),
		script("done"),
	)
	run, err := h.orch.Start(context.Background(), "fetch some items")
	require.NoError(t, err)

	require.NoError(t, h.human.Respond(context.Background(), run.ID, "A please"))
	done, err := h.orch.Await(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, RunCompleted, done.Status)
	assert.Equal(t, 1, calls)
}

func TestAwaitTimesOut(t *testing.T) {
	cfg := testConfig()
	cfg.HumanTimeout = 20 * time.Millisecond
	h := newHarness(t, cfg, newRegistry(t),
		script(`{"route": "needs_clarification", "reasoning": "ambiguous"}`),
		script(), script(), script(),
	)
	run, err := h.orch.Start(context.Background(), "stuff")
	require.NoError(t, err)
	assert.Equal(t, "ambiguous", *run.State.PendingQuestion)

	out, err := h.orch.Await(context.Background(), run.ID)
	var timeout *human.TimeoutError
	require.ErrorAs(t, err, &timeout)
	assert.Equal(t, RunTimedOut, out.Status)

	got, err := h.orch.Get(run.ID)
	require.NoError(t, err)
	assert.Equal(t, RunTimedOut, got.Status)
	assert.Equal(t, string(RunTimedOut), h.recorder.finished[run.ID])

	_, err = h.orch.Resume(context.Background(), run.ID, "late answer")
	require.ErrorIs(t, err, ErrNotAwaiting)
}

func TestUnreadableReflectionContinues(t *testing.T) {
	var (
		mu    sync.Mutex
		calls int
	)
	single := `{"tool_name": "fetch_items", "args": {"category": {"literal": "A"}}}`
	plan := script(single, single)
	h := newHarness(t, testConfig(), newRegistry(t, fetchItemsTool(&calls, &mu)),
		script(`{"route": "research"}`),
		plan,
		script("hmm, not sure", `{"decision": "finish", "reasoning": "ok"}`),
		script("answer"),
	)

	run, err := h.orch.Start(context.Background(), "items for A")
	require.NoError(t, err)
	assert.Equal(t, RunCompleted, run.Status)
	assert.Equal(t, 2, plan.calls())
	// one reference per non-fan-out call
	require.Len(t, run.State.ArtifactLog, 2)
	assert.NotEqual(t, run.State.ArtifactLog[0].ArtifactID, run.State.ArtifactLog[1].ArtifactID)
	for _, ref := range run.State.ArtifactLog {
		assert.False(t, ref.FanOut)
		assert.Equal(t, ReferenceSuccess, ref.Status)
	}
	assert.Contains(t, plan.lastPrompt(), "reflection output could not be parsed")
}

func TestUnknownToolFailsRun(t *testing.T) {
	h := newHarness(t, testConfig(), newRegistry(t),
		script(`{"route": "research"}`),
		script(`{"tool_name": "teleport", "args": {}}`),
		script(), script(),
	)
	run, err := h.orch.Start(context.Background(), "go somewhere")
	require.ErrorIs(t, err, capability.ErrToolMissing)
	assert.Equal(t, RunFailed, run.Status)
	assert.Contains(t, run.Error, "teleport")
	assert.Equal(t, string(RunFailed), h.recorder.finished[run.ID])
}

func TestFailedToolCallIsRecordedNotFatal(t *testing.T) {
	var (
		mu    sync.Mutex
		calls int
	)
	h := newHarness(t, testConfig(), newRegistry(t, fetchItemsTool(&calls, &mu)),
		script(`{"route": "research"}`),
		script(`{"tool_name": "fetch_items", "args": {"category": {"literal": "B"}}}`),
		script(`{"decision": "finish", "reasoning": "nothing more to try"}`),
		script("No data for B."),
	)
	run, err := h.orch.Start(context.Background(), "items for B")
	require.NoError(t, err)
	require.Len(t, run.State.ArtifactLog, 1)
	ref := run.State.ArtifactLog[0]
	assert.Equal(t, ReferenceError, ref.Status)
	assert.Empty(t, ref.ArtifactID)
	require.NotNil(t, ref.ErrorDetail)
	assert.Contains(t, *ref.ErrorDetail, "upstream unavailable")
}

func TestBadReferenceIsRecordedAsFailedCall(t *testing.T) {
	var (
		mu    sync.Mutex
		calls int
	)
	h := newHarness(t, testConfig(), newRegistry(t, fetchItemsTool(&calls, &mu)),
		script(`{"route": "research"}`),
		script(`{"tool_name": "fetch_items", "args": {"category": {"reference": {"artifact_id": "missing", "path": "$.x"}}}}`),
		script(`{"decision": "finish", "reasoning": "stop"}`),
		script("nothing"),
	)
	run, err := h.orch.Start(context.Background(), "items")
	require.NoError(t, err)
	assert.Zero(t, calls)
	require.Len(t, run.State.ArtifactLog, 1)
	assert.Equal(t, ReferenceError, run.State.ArtifactLog[0].Status)
	assert.Contains(t, *run.State.ArtifactLog[0].ErrorDetail, "missing")
}

func TestIterationBudgetSynthesizesCollectedEvidence(t *testing.T) {
	var (
		mu    sync.Mutex
		calls int
	)
	cfg := testConfig()
	cfg.MaxIterations = 2
	single := `{"tool_name": "fetch_items", "args": {"category": {"literal": "A"}}}`
	keepGoing := `{"decision": "continue", "reasoning": "more"}`
	plan := script(single, single, single)
	synth := script("best effort answer")
	h := newHarness(t, cfg, newRegistry(t, fetchItemsTool(&calls, &mu)),
		script(`{"route": "research"}`),
		plan,
		script(keepGoing, keepGoing, keepGoing),
		synth,
	)

	run, err := h.orch.Start(context.Background(), "items for A")
	require.NoError(t, err)
	assert.Equal(t, RunCompleted, run.Status)
	assert.Equal(t, 2, plan.calls())
	assert.Equal(t, 1, synth.calls())
	assert.Equal(t, "best effort answer", *run.State.FinalAnswer)
	assert.Equal(t, 2, run.Usage.Iterations)
}

func TestToolCallBudgetWithoutEvidenceFails(t *testing.T) {
	var (
		mu    sync.Mutex
		calls int
	)
	cfg := testConfig()
	cfg.MaxToolCalls = 1
	h := newHarness(t, cfg, newRegistry(t, fetchItemsTool(&calls, &mu)),
		script(`{"route": "research"}`),
		script(fanOutPlan),
		script(), script(),
	)
	run, err := h.orch.Start(context.Background(), "items for A and B")
	var exceeded budget.ErrExceeded
	require.ErrorAs(t, err, &exceeded)
	assert.Equal(t, budget.KindToolCalls, exceeded.Kind)
	assert.Equal(t, RunFailed, run.Status)
	assert.Zero(t, calls)
}

func TestFanOutOverNonListIsFailedCall(t *testing.T) {
	var (
		mu    sync.Mutex
		calls int
	)
	h := newHarness(t, testConfig(), newRegistry(t, fetchItemsTool(&calls, &mu)),
		script(`{"route": "research"}`),
		script(`{"tool_name": "fetch_items", "fan_out_key": "category", "args": {"category": {"literal": "A"}}}`),
		script(`{"decision": "finish", "reasoning": "stop"}`),
		script("nothing"),
	)
	run, err := h.orch.Start(context.Background(), "items")
	require.NoError(t, err)
	assert.Zero(t, calls)
	require.Len(t, run.State.ArtifactLog, 1)
	assert.Equal(t, ReferenceError, run.State.ArtifactLog[0].Status)
	assert.Contains(t, *run.State.ArtifactLog[0].ErrorDetail, "does not resolve to a list")
}

func TestEvictedArtifactFallsBackToSummary(t *testing.T) {
	var (
		mu    sync.Mutex
		calls int
	)
	synth := script("answer")
	h := newHarness(t, testConfig(), newRegistry(t, fetchItemsTool(&calls, &mu)),
		script(`{"route": "research"}`),
		script(`{"tool_name": "fetch_items", "args": {"category": {"literal": "A"}}}`),
		script(`{"decision": "finish", "reasoning": "ok"}`),
		synth,
	)
	h.orch.artifacts = evictingStore{h.store}

	run, err := h.orch.Start(context.Background(), "items for A")
	require.NoError(t, err)
	assert.Equal(t, RunCompleted, run.Status)
	assert.Contains(t, synth.lastPrompt(), "(artifact unavailable)")
	assert.Contains(t, synth.lastPrompt(), run.State.ArtifactLog[0].Summary)
}

// evictingStore forgets everything it stores.
type evictingStore struct{ *artifact.MemoryStore }

func (evictingStore) Get(context.Context, string) (any, error) { return nil, artifact.ErrNotFound }

func TestCancelledContextFailsRun(t *testing.T) {
	h := newHarness(t, testConfig(), newRegistry(t), script(), script(), script(), script())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	run, err := h.orch.Start(ctx, "anything")
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, RunFailed, run.Status)
}

func TestGetAndAwaitUnknownRun(t *testing.T) {
	h := newHarness(t, testConfig(), newRegistry(t), script(), script(), script(), script())
	_, err := h.orch.Get("nope")
	require.ErrorIs(t, err, ErrRunNotFound)
	_, err = h.orch.Await(context.Background(), "nope")
	require.ErrorIs(t, err, ErrRunNotFound)
	_, err = h.orch.Resume(context.Background(), "nope", "x")
	require.ErrorIs(t, err, ErrRunNotFound)
}

func TestEndedRunsAreEvictedPastRetention(t *testing.T) {
	cfg := testConfig()
	cfg.RetainFinished = 1
	cfg.HumanTimeout = 20 * time.Millisecond
	h := newHarness(t, cfg, newRegistry(t),
		script(`{"route": "needs_clarification", "question": "Which?"}`, `{"route": "trivial", "answer": "42"}`),
		script(), script(), script(),
	)

	first, err := h.orch.Start(context.Background(), "ambiguous")
	require.NoError(t, err)
	_, err = h.orch.Await(context.Background(), first.ID)
	var timeout *human.TimeoutError
	require.ErrorAs(t, err, &timeout)
	_, ok := h.human.Pending(first.ID)
	assert.False(t, ok)

	got, err := h.orch.Get(first.ID)
	require.NoError(t, err)
	assert.Equal(t, RunTimedOut, got.Status)

	second, err := h.orch.Start(context.Background(), "meaning of life")
	require.NoError(t, err)
	assert.Equal(t, RunCompleted, second.Status)

	_, err = h.orch.Get(first.ID)
	require.ErrorIs(t, err, ErrRunNotFound)
	_, err = h.orch.Get(second.ID)
	require.NoError(t, err)
	assert.Equal(t, string(RunTimedOut), h.recorder.finished[first.ID])
}

func TestRespondFeedsAwait(t *testing.T) {
	h := newHarness(t, testConfig(), newRegistry(t),
		script(`{"route": "needs_clarification", "question": "Which?"}`),
		script(), script(), script(),
	)
	run, err := h.orch.Start(context.Background(), "ambiguous")
	require.NoError(t, err)

	var verr *ValidationError
	require.ErrorAs(t, h.orch.Respond(context.Background(), run.ID, "  "), &verr)
	require.NoError(t, h.orch.Respond(context.Background(), run.ID, "the first"))

	// the planner script is empty, so the resumed run fails at PLAN
	out, err := h.orch.Await(context.Background(), run.ID)
	require.Error(t, err)
	assert.Equal(t, RunFailed, out.Status)
	require.Len(t, out.State.HumanExchanges, 1)
	assert.Equal(t, "the first", out.State.HumanExchanges[0].Answer)
}

func TestGetReturnsIsolatedSnapshot(t *testing.T) {
	h := newHarness(t, testConfig(), newRegistry(t), script(`{"route": "trivial", "answer": "42"}`), script(), script(), script())
	run, err := h.orch.Start(context.Background(), "meaning of life")
	require.NoError(t, err)
	run.State.ArtifactLog = append(run.State.ArtifactLog, DataReference{CallID: "tampered"})

	got, err := h.orch.Get(run.ID)
	require.NoError(t, err)
	assert.Empty(t, got.State.ArtifactLog)
}

func TestNewValidatesDependencies(t *testing.T) {
	store := artifact.NewMemoryStore(10, 0)
	_, err := New(testConfig(), Reasoners{}, newRegistry(t), store)
	require.Error(t, err)

	all := Reasoners{Route: script(), Planning: script(), Reflection: script(), Synthesis: script()}
	_, err = New(testConfig(), all, nil, store)
	require.Error(t, err)
	_, err = New(testConfig(), all, newRegistry(t), nil)
	require.Error(t, err)

	cfg := testConfig()
	cfg.MaxToolCalls = -1
	_, err = New(cfg, all, newRegistry(t), store)
	require.Error(t, err)
}

func TestPlanPromptListsTools(t *testing.T) {
	var (
		mu    sync.Mutex
		calls int
	)
	plan := script(`not json`)
	h := newHarness(t, testConfig(), newRegistry(t, fetchItemsTool(&calls, &mu)),
		script(`{"route": "research"}`), plan, script(), script())
	_, err := h.orch.Start(context.Background(), "items")
	require.Error(t, err)
	prompt := plan.lastPrompt()
	assert.True(t, strings.Contains(prompt, "- fetch_items: fetch items for a category"), prompt)
	assert.Contains(t, prompt, `{"category": string}`)
}

func TestAsList(t *testing.T) {
	items, ok := asList([]string{"a", "b"})
	require.True(t, ok)
	assert.Equal(t, []any{"a", "b"}, items)

	_, ok = asList("a")
	assert.False(t, ok)
	_, ok = asList(nil)
	assert.False(t, ok)
}
