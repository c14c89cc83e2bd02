// Package core drives a research run through ROUTE, PLAN, EXECUTE, STASH,
// REFLECT and SYNTHESIZE, pausing in AWAIT_HUMAN when the query needs a
// person's input.
package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/mohammad-safakhou/researcher/config"
	"github.com/mohammad-safakhou/researcher/internal/agent/telemetry"
	"github.com/mohammad-safakhou/researcher/internal/artifact"
	"github.com/mohammad-safakhou/researcher/internal/budget"
	"github.com/mohammad-safakhou/researcher/internal/capability"
	"github.com/mohammad-safakhou/researcher/internal/executor"
	"github.com/mohammad-safakhou/researcher/internal/helpers"
	"github.com/mohammad-safakhou/researcher/internal/human"
	"github.com/mohammad-safakhou/researcher/internal/logging"
	"github.com/mohammad-safakhou/researcher/internal/observer"
	"github.com/mohammad-safakhou/researcher/internal/reasoner"
)

var orchestratorTracer trace.Tracer = otel.Tracer("researcher/internal/agent/orchestrator")

// Reasoner is the text-generation dependency of one role.
type Reasoner interface {
	Complete(ctx context.Context, req reasoner.Request) (string, error)
}

// Reasoners assigns a reasoner to each decision-making state.
type Reasoners struct {
	Route      Reasoner
	Planning   Reasoner
	Reflection Reasoner
	Synthesis  Reasoner
}

// ReasonersFromRouter adapts a routed set of gateways.
func ReasonersFromRouter(r *reasoner.Router) Reasoners {
	return Reasoners{Route: r.Route, Planning: r.Planning, Reflection: r.Reflection, Synthesis: r.Synthesis}
}

func (r Reasoners) validate() error {
	if r.Route == nil || r.Planning == nil || r.Reflection == nil || r.Synthesis == nil {
		return errors.New("every reasoner role must be set")
	}
	return nil
}

// Tools is the tool registry as seen by the loop.
type Tools interface {
	ListTools() []capability.Descriptor
	Has(name string) bool
	Invoke(ctx context.Context, name string, args map[string]any) (any, error)
}

// RunRecorder snapshots runs for audit. store.Store implements it.
type RunRecorder interface {
	CreateRun(ctx context.Context, id, query, status string) error
	SaveRunState(ctx context.Context, id, status string, state json.RawMessage) error
	FinishRun(ctx context.Context, id, status string, finalAnswer, errMsg *string, state json.RawMessage) error
}

// Orchestrator runs research loops. Runs are independent; the artifact
// store is shared between them.
type Orchestrator struct {
	cfg       config.OrchestratorConfig
	reasoners Reasoners
	tools     Tools
	artifacts artifact.Store
	fanout    *executor.Executor
	human     human.Channel
	observer  observer.Observer
	recorder  RunRecorder
	tokens    *helpers.TokenBudget
	logger    *zap.Logger
	metrics   *telemetry.Metrics
	now       func() time.Time
	newID     func() string

	mu   sync.RWMutex
	runs map[string]*runEntry
	// finished holds ended run ids, oldest first.
	finished []string
}

type runEntry struct {
	run   *Run
	guard *budget.Guard
	// epoch counts suspensions so a stale Await cannot act on a later pause.
	epoch int
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

func WithHumanChannel(ch human.Channel) Option { return func(o *Orchestrator) { o.human = ch } }

func WithObserver(obs observer.Observer) Option { return func(o *Orchestrator) { o.observer = obs } }

// WithRecorder persists run snapshots.
func WithRecorder(r RunRecorder) Option { return func(o *Orchestrator) { o.recorder = r } }

// WithTokenBudget bounds the evidence placed in the synthesis prompt.
func WithTokenBudget(b *helpers.TokenBudget) Option { return func(o *Orchestrator) { o.tokens = b } }

func WithLogger(l *zap.Logger) Option { return func(o *Orchestrator) { o.logger = l } }

func WithMetrics(m *telemetry.Metrics) Option { return func(o *Orchestrator) { o.metrics = m } }

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// WithIDFunc replaces the run and call id generator.
func WithIDFunc(fn func() string) Option {
	return func(o *Orchestrator) {
		if fn != nil {
			o.newID = fn
		}
	}
}

// New builds an orchestrator. The human channel defaults to an in-process
// one and the observer to a no-op.
func New(cfg config.OrchestratorConfig, reasoners Reasoners, tools Tools, artifacts artifact.Store, opts ...Option) (*Orchestrator, error) {
	if err := reasoners.validate(); err != nil {
		return nil, err
	}
	if tools == nil {
		return nil, errors.New("tool registry is required")
	}
	if artifacts == nil {
		return nil, errors.New("artifact store is required")
	}
	if err := budget.FromConfig(cfg).Validate(); err != nil {
		return nil, err
	}
	if cfg.SummaryMaxChars <= 0 {
		cfg.SummaryMaxChars = 280
	}
	if cfg.HumanTimeout <= 0 {
		cfg.HumanTimeout = 300 * time.Second
	}
	if cfg.RetainFinished <= 0 {
		cfg.RetainFinished = 256
	}
	o := &Orchestrator{
		cfg:       cfg,
		reasoners: reasoners,
		tools:     tools,
		artifacts: artifacts,
		now:       time.Now,
		newID:     func() string { return uuid.New().String() },
		runs:      make(map[string]*runEntry),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = logging.OrNop(o.logger).Named("orchestrator")
	if o.human == nil {
		o.human = human.NewMemoryChannel()
	}
	if o.observer == nil {
		o.observer = observer.Nop{}
	}
	metrics := o.metrics
	o.fanout = executor.New(tools,
		executor.WithConcurrency(cfg.FanoutConcurrency),
		executor.WithLogger(o.logger),
		executor.WithMetrics(executor.Metrics{
			Outcome: func(_ context.Context, item executor.Item, status executor.ItemStatus) {
				metrics.RecordFanoutItem(item.Tool, string(status))
			},
		}),
	)
	return o, nil
}

// Start runs a new query until it completes, fails or pauses for human
// input. The returned run is a snapshot. A non-nil error means the run
// ended in failure; the snapshot still describes it.
func (o *Orchestrator) Start(ctx context.Context, query string) (*Run, error) {
	now := o.now()
	run := &Run{
		ID:        o.newID(),
		Status:    RunRunning,
		State:     RunState{OriginalQuery: query, ArtifactLog: []DataReference{}},
		CreatedAt: now,
		UpdatedAt: now,
	}
	entry := &runEntry{run: run.snapshot(), guard: budget.NewGuard(budget.FromConfig(o.cfg), o.now)}
	o.mu.Lock()
	o.runs[run.ID] = entry
	o.mu.Unlock()

	if o.recorder != nil {
		if err := o.recorder.CreateRun(ctx, run.ID, query, string(run.Status)); err != nil {
			o.logger.Warn("record run start", zap.String("run_id", run.ID), zap.Error(err))
		}
	}
	o.logger.Info("run started", zap.String("run_id", run.ID))
	return o.drive(ctx, entry, &execution{run: run, guard: entry.guard}, StateRoute)
}

// Resume folds a human answer into a paused run and continues at PLAN.
func (o *Orchestrator) Resume(ctx context.Context, runID, answer string) (*Run, error) {
	return o.resume(ctx, runID, answer, -1)
}

func (o *Orchestrator) resume(ctx context.Context, runID, answer string, epoch int) (*Run, error) {
	if strings.TrimSpace(answer) == "" {
		return nil, &ValidationError{Field: "answer", State: StateAwaitHuman}
	}
	entry, run, err := o.claim(runID, epoch)
	if err != nil {
		return nil, err
	}
	question := ""
	if run.State.PendingQuestion != nil {
		question = *run.State.PendingQuestion
	}
	run.State.HumanExchanges = append(run.State.HumanExchanges, HumanExchange{
		Question:   question,
		Answer:     answer,
		AnsweredAt: o.now().UTC(),
	})
	run.State.PendingQuestion = nil
	o.emit(ctx, run, StateAwaitHuman, o.truncate("answer received: "+answer), observer.StatusOK)
	o.logger.Info("run resumed", zap.String("run_id", runID))
	return o.drive(ctx, entry, &execution{run: run, guard: entry.guard}, StatePlan)
}

// Await blocks on the human channel for a paused run. An answer resumes the
// run; no answer within the configured timeout ends it as timed_out.
func (o *Orchestrator) Await(ctx context.Context, runID string) (*Run, error) {
	o.mu.RLock()
	entry, ok := o.runs[runID]
	var (
		status RunStatus
		epoch  int
	)
	if ok {
		status, epoch = entry.run.Status, entry.epoch
	}
	o.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if status != RunAwaitingHuman {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotAwaiting, runID, status)
	}

	answer, err := o.human.AwaitResponse(ctx, runID, o.cfg.HumanTimeout)
	var timeout *human.TimeoutError
	switch {
	case errors.As(err, &timeout):
		return o.expire(ctx, runID, epoch, err)
	case err != nil:
		return nil, err
	}
	return o.resume(ctx, runID, answer, epoch)
}

// Respond hands an answer to the human channel for a paused run. A pending
// or later Await picks it up.
func (o *Orchestrator) Respond(ctx context.Context, runID, answer string) error {
	if strings.TrimSpace(answer) == "" {
		return &ValidationError{Field: "answer", State: StateAwaitHuman}
	}
	return o.human.Respond(ctx, runID, answer)
}

// Get returns a snapshot of a run.
func (o *Orchestrator) Get(runID string) (*Run, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	entry, ok := o.runs[runID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return entry.run.snapshot(), nil
}

// Tools lists the registered tools.
func (o *Orchestrator) Tools() []capability.Descriptor {
	return o.tools.ListTools()
}

// claim moves a paused run back to running and returns a working copy.
// epoch < 0 accepts any suspension.
func (o *Orchestrator) claim(runID string, epoch int) (*runEntry, *Run, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	entry, ok := o.runs[runID]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if entry.run.Status != RunAwaitingHuman || (epoch >= 0 && epoch != entry.epoch) {
		return nil, nil, fmt.Errorf("%w: %s is %s", ErrNotAwaiting, runID, entry.run.Status)
	}
	entry.run.Status = RunRunning
	run := entry.run.snapshot()
	return entry, run, nil
}

func (o *Orchestrator) expire(ctx context.Context, runID string, epoch int, cause error) (*Run, error) {
	entry, run, err := o.claim(runID, epoch)
	if err != nil {
		return nil, err
	}
	o.logger.Warn("human response timed out", zap.String("run_id", runID), zap.Duration("after", o.cfg.HumanTimeout))
	o.emit(ctx, run, StateAwaitHuman, cause.Error(), observer.StatusError)
	return o.finish(ctx, entry, run, RunTimedOut, cause), cause
}

// drive executes states until the run pauses or ends.
func (o *Orchestrator) drive(ctx context.Context, entry *runEntry, ex *execution, state State) (*Run, error) {
	start := o.now()
	defer func() {
		o.mu.RLock()
		status := entry.run.Status
		o.mu.RUnlock()
		o.metrics.RecordRun(string(status), o.now().Sub(start))
	}()

	for {
		switch state {
		case StateAwaitHuman:
			return o.suspend(ctx, entry, ex.run), nil
		case StateDone:
			return o.finish(ctx, entry, ex.run, RunCompleted, nil), nil
		}
		if err := ctx.Err(); err != nil {
			return o.fail(ctx, entry, ex.run, state, err), err
		}
		tr, err := o.step(ctx, ex, state)
		if err != nil {
			return o.fail(ctx, entry, ex.run, state, err), err
		}
		o.emit(ctx, ex.run, state, tr.summary, tr.status)
		o.publish(ctx, entry, ex.run)
		state = tr.next
	}
}

func (o *Orchestrator) suspend(ctx context.Context, entry *runEntry, run *Run) *Run {
	question := ""
	if run.State.PendingQuestion != nil {
		question = *run.State.PendingQuestion
	}
	run.Status = RunAwaitingHuman
	if err := o.human.SendQuestion(ctx, run.ID, question); err != nil {
		o.logger.Warn("send question", zap.String("run_id", run.ID), zap.Error(err))
	}
	o.emit(ctx, run, StateAwaitHuman, o.truncate(question), observer.StatusOK)
	o.mu.Lock()
	entry.epoch++
	o.mu.Unlock()
	snap := o.publish(ctx, entry, run)
	o.logger.Info("run awaiting human input", zap.String("run_id", run.ID))
	return snap
}

func (o *Orchestrator) fail(ctx context.Context, entry *runEntry, run *Run, state State, err error) *Run {
	o.logger.Error("run failed", zap.String("run_id", run.ID), zap.String("state", string(state)), zap.Error(err))
	o.emit(ctx, run, state, o.truncate(err.Error()), observer.StatusError)
	return o.finish(ctx, entry, run, RunFailed, err)
}

func (o *Orchestrator) finish(ctx context.Context, entry *runEntry, run *Run, status RunStatus, cause error) *Run {
	run.Status = status
	run.State.PendingCall = nil
	summary := string(status)
	stepStatus := observer.StatusOK
	if cause != nil {
		run.Error = cause.Error()
		summary = o.truncate(string(status) + ": " + cause.Error())
		stepStatus = observer.StatusError
	}
	o.emit(ctx, run, StateDone, summary, stepStatus)
	snap := o.publish(ctx, entry, run)

	// the caller may already be gone; the audit trail should still land
	recCtx := context.WithoutCancel(ctx)
	if o.recorder != nil {
		var errMsg *string
		if run.Error != "" {
			errMsg = &run.Error
		}
		if err := o.recorder.FinishRun(recCtx, run.ID, string(status), run.State.FinalAnswer, errMsg, o.stateJSON(run)); err != nil {
			o.logger.Warn("record run finish", zap.String("run_id", run.ID), zap.Error(err))
		}
	}
	if f, ok := o.observer.(observer.Finisher); ok {
		fin := observer.Finished{RunID: run.ID, Status: string(status), Error: run.Error, Timestamp: o.now().UTC()}
		if run.State.FinalAnswer != nil {
			fin.FinalAnswer = *run.State.FinalAnswer
		}
		f.Finish(recCtx, fin)
	}
	o.retire(run.ID)
	o.logger.Info("run finished", zap.String("run_id", run.ID), zap.String("status", string(status)))
	return snap
}

// retire releases the human channel state of an ended run and evicts the
// oldest ended runs past the retention limit. Evicted runs remain available
// from the recorder.
func (o *Orchestrator) retire(runID string) {
	if f, ok := o.human.(human.Forgetter); ok {
		f.Forget(runID)
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.finished = append(o.finished, runID)
	for len(o.finished) > o.cfg.RetainFinished {
		delete(o.runs, o.finished[0])
		o.finished = o.finished[1:]
	}
}

// publish stores a snapshot for Get and checkpoints it.
func (o *Orchestrator) publish(ctx context.Context, entry *runEntry, run *Run) *Run {
	run.UpdatedAt = o.now()
	run.Usage = entry.guard.Usage()
	snap := run.snapshot()
	o.mu.Lock()
	entry.run = snap
	o.mu.Unlock()

	if o.recorder != nil && !run.Status.Terminal() {
		if err := o.recorder.SaveRunState(context.WithoutCancel(ctx), run.ID, string(run.Status), o.stateJSON(run)); err != nil {
			o.logger.Warn("record run state", zap.String("run_id", run.ID), zap.Error(err))
		}
	}
	return snap.snapshot()
}

func (o *Orchestrator) emit(ctx context.Context, run *Run, state State, summary, status string) {
	o.metrics.RecordState(string(state), status)
	o.observer.Observe(ctx, observer.Step{
		RunID:     run.ID,
		State:     string(state),
		Summary:   summary,
		Status:    status,
		Timestamp: o.now().UTC(),
	})
}

func (o *Orchestrator) stateJSON(run *Run) json.RawMessage {
	b, err := json.Marshal(run.State)
	if err != nil {
		o.logger.Warn("encode run state", zap.String("run_id", run.ID), zap.Error(err))
		return nil
	}
	return b
}

func (o *Orchestrator) truncate(s string) string {
	return helpers.Truncate(s, o.cfg.SummaryMaxChars)
}
