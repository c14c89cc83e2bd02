package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/mohammad-safakhou/researcher/internal/artifact"
	"github.com/mohammad-safakhou/researcher/internal/budget"
	"github.com/mohammad-safakhou/researcher/internal/capability"
	"github.com/mohammad-safakhou/researcher/internal/executor"
	"github.com/mohammad-safakhou/researcher/internal/observer"
	"github.com/mohammad-safakhou/researcher/internal/planner"
	"github.com/mohammad-safakhou/researcher/internal/reasoner"
	"github.com/mohammad-safakhou/researcher/internal/resolver"
)

const defaultClarification = "Could you clarify what you would like me to research?"

// execution is the loop's private view of a run.
type execution struct {
	run    *Run
	guard  *budget.Guard
	result *callResult
}

// callResult carries raw output from EXECUTE to STASH. It never enters
// RunState.
type callResult struct {
	call    ToolCall
	payload any
	report  *executor.MappedExecutionReport
	err     error
}

type transition struct {
	next    State
	summary string
	status  string
}

func (o *Orchestrator) step(ctx context.Context, ex *execution, state State) (transition, error) {
	ctx, span := orchestratorTracer.Start(ctx, "orchestrator."+strings.ToLower(string(state)),
		trace.WithAttributes(
			attribute.String("run.id", ex.run.ID),
			attribute.String("run.state", string(state)),
		))
	defer span.End()

	var (
		tr  transition
		err error
	)
	switch state {
	case StateRoute:
		tr, err = o.route(ctx, ex)
	case StatePlan:
		tr, err = o.plan(ctx, ex)
	case StateExecute:
		tr, err = o.execute(ctx, ex)
	case StateStash:
		tr, err = o.stash(ctx, ex)
	case StateReflect:
		tr, err = o.reflectOnEvidence(ctx, ex)
	case StateSynthesize:
		tr, err = o.synthesize(ctx, ex)
	default:
		err = fmt.Errorf("no handler for state %s", state)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return transition{}, err
	}
	if tr.status == "" {
		tr.status = observer.StatusOK
	}
	tr.summary = o.truncate(tr.summary)
	span.SetAttributes(attribute.String("run.next_state", string(tr.next)))
	span.SetStatus(codes.Ok, tr.status)
	return tr, nil
}

func requireQuery(st *RunState, state State) error {
	if strings.TrimSpace(st.OriginalQuery) == "" {
		return &ValidationError{Field: "original_query", State: state}
	}
	return nil
}

func (o *Orchestrator) ask(ctx context.Context, r Reasoner, template string, data promptData) (string, error) {
	prompt, err := renderPrompt(template, data)
	if err != nil {
		return "", err
	}
	return r.Complete(ctx, reasoner.Request{Prompt: prompt})
}

func (o *Orchestrator) route(ctx context.Context, ex *execution) (transition, error) {
	st := &ex.run.State
	if err := requireQuery(st, StateRoute); err != nil {
		return transition{}, err
	}
	text, err := o.ask(ctx, o.reasoners.Route, routePrompt, promptData{Query: st.OriginalQuery})
	if err != nil {
		return transition{}, fmt.Errorf("route: %w", err)
	}
	status := observer.StatusOK
	d, err := planner.ParseRoute(text)
	if err != nil {
		o.logger.Warn("route decision unreadable, defaulting to research", zap.String("run_id", ex.run.ID), zap.Error(err))
		d = planner.RouteDecision{Route: planner.RouteResearch}
		status = observer.StatusWarning
	}

	switch d.Route {
	case planner.RouteTrivial:
		if answer := strings.TrimSpace(d.Answer); answer != "" {
			st.FinalAnswer = &answer
			return transition{next: StateDone, summary: "trivial: answered directly", status: status}, nil
		}
		return transition{next: StateSynthesize, summary: "trivial: no direct answer, synthesizing", status: status}, nil
	case planner.RouteNeedsClarification:
		q := firstNonEmpty(d.Question, d.Reasoning, defaultClarification)
		st.PendingQuestion = &q
		return transition{next: StateAwaitHuman, summary: "needs clarification: " + q, status: status}, nil
	default:
		return transition{next: StatePlan, summary: "research", status: status}, nil
	}
}

func (o *Orchestrator) plan(ctx context.Context, ex *execution) (transition, error) {
	st := &ex.run.State
	if err := requireQuery(st, StatePlan); err != nil {
		return transition{}, err
	}
	if err := ex.guard.BeginIteration(); err != nil {
		return o.budgetStop(ex, err)
	}
	text, err := o.ask(ctx, o.reasoners.Planning, planPrompt, promptData{
		Query:      st.OriginalQuery,
		Tools:      o.tools.ListTools(),
		Log:        st.ArtifactLog,
		Reflection: st.LastReflection,
		Exchanges:  st.HumanExchanges,
	})
	if err != nil {
		return transition{}, fmt.Errorf("plan: %w", err)
	}
	d, err := planner.ParsePlan(text)
	if err != nil {
		o.logger.Warn("plan decision unreadable", zap.String("run_id", ex.run.ID), zap.Error(err))
		return transition{}, fmt.Errorf("plan: %w", err)
	}
	if !o.tools.Has(d.ToolName) {
		return transition{}, fmt.Errorf("plan: %w: %s", capability.ErrToolMissing, d.ToolName)
	}
	label := firstNonEmpty(d.Label, d.ToolName)
	st.PendingCall = &ToolCall{
		CallID:    o.newID(),
		ToolName:  d.ToolName,
		Args:      d.Args,
		FanOutKey: d.FanOutKey,
		Label:     label,
	}
	summary := d.ToolName + ": " + label
	if d.FanOutKey != nil {
		summary += " (fan-out over " + *d.FanOutKey + ")"
	}
	return transition{next: StateExecute, summary: summary}, nil
}

// budgetStop ends the loop early. Collected evidence still gets a
// synthesized answer; without any the run fails.
func (o *Orchestrator) budgetStop(ex *execution, err error) (transition, error) {
	var exceeded budget.ErrExceeded
	if !errors.As(err, &exceeded) {
		return transition{}, err
	}
	ex.run.State.PendingCall = nil
	ex.result = nil
	if len(ex.run.State.successful()) == 0 {
		return transition{}, err
	}
	o.logger.Warn("budget exhausted, synthesizing collected evidence", zap.String("run_id", ex.run.ID), zap.Error(err))
	return transition{next: StateSynthesize, summary: err.Error(), status: observer.StatusWarning}, nil
}

func (o *Orchestrator) execute(ctx context.Context, ex *execution) (transition, error) {
	call := ex.run.State.PendingCall
	if call == nil {
		return transition{}, errors.New("execute: no pending call")
	}
	res := &callResult{call: *call}
	ex.result = res

	args, err := resolver.Resolve(ctx, call.Args, o.artifacts)
	if err != nil {
		o.logger.Warn("argument resolution failed", zap.String("run_id", ex.run.ID), zap.String("tool", call.ToolName), zap.Error(err))
		res.err = err
		return transition{next: StateStash, summary: call.Label + ": " + err.Error(), status: observer.StatusWarning}, nil
	}

	if call.FanOutKey == nil {
		if err := ex.guard.ReserveToolCalls(1); err != nil {
			return o.budgetStop(ex, err)
		}
		out, err := o.tools.Invoke(ctx, call.ToolName, args)
		if err != nil {
			o.logger.Warn("tool call failed", zap.String("run_id", ex.run.ID), zap.String("tool", call.ToolName), zap.Error(err))
			res.err = err
			return transition{next: StateStash, summary: call.Label + ": " + err.Error(), status: observer.StatusWarning}, nil
		}
		res.payload = out
		return transition{next: StateStash, summary: call.Label + ": done"}, nil
	}

	key := *call.FanOutKey
	items, ok := asList(args[key])
	if !ok {
		res.err = &capability.ToolError{Tool: call.ToolName, Err: fmt.Errorf("fan_out_key %q does not resolve to a list", key)}
		return transition{next: StateStash, summary: call.Label + ": " + res.err.Error(), status: observer.StatusWarning}, nil
	}
	if err := ex.guard.ReserveToolCalls(len(items)); err != nil {
		return o.budgetStop(ex, err)
	}
	fixed := make(map[string]any, len(args))
	for name, v := range args {
		if name != key {
			fixed[name] = v
		}
	}
	report := o.fanout.Run(ctx, call.ToolName, key, items, fixed, o.cfg.FanoutConcurrency)
	res.report = &report
	return transition{next: StateStash, summary: report.Summary(call.Label), status: fanoutStatus(report)}, nil
}

func fanoutStatus(r executor.MappedExecutionReport) string {
	switch r.OverallStatus {
	case executor.AllFailure:
		return observer.StatusError
	case executor.PartialSuccess:
		return observer.StatusWarning
	default:
		return observer.StatusOK
	}
}

// asList accepts any slice or array.
func asList(v any) ([]any, bool) {
	if items, ok := v.([]any); ok {
		return items, true
	}
	rv := reflect.ValueOf(v)
	if !rv.IsValid() || (rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array) {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}

func (o *Orchestrator) stash(ctx context.Context, ex *execution) (transition, error) {
	res := ex.result
	if res == nil {
		return transition{}, errors.New("stash: no result to store")
	}
	call := res.call
	ref := DataReference{CallID: call.CallID, ToolName: call.ToolName, FanOut: res.report != nil}
	status := observer.StatusOK

	switch {
	case res.report != nil:
		id, err := o.artifacts.Put(ctx, *res.report)
		if err != nil {
			return transition{}, fmt.Errorf("stash: %w", err)
		}
		ref.ArtifactID = id
		ref.Summary = o.truncate(res.report.Summary(call.Label))
		ref.Status = ReferenceSuccess
		status = fanoutStatus(*res.report)
		if res.report.OverallStatus == executor.AllFailure {
			ref.Status = ReferenceError
			detail := ref.Summary
			ref.ErrorDetail = &detail
		}
	case res.err != nil:
		detail := res.err.Error()
		ref.Status = ReferenceError
		ref.ErrorDetail = &detail
		ref.Summary = o.truncate(call.Label + ": failed: " + detail)
		status = observer.StatusWarning
	default:
		id, err := o.artifacts.Put(ctx, res.payload)
		if err != nil {
			return transition{}, fmt.Errorf("stash: %w", err)
		}
		ref.ArtifactID = id
		ref.Status = ReferenceSuccess
		ref.Summary = o.truncate(summarize(res.payload))
	}

	ex.run.State.ArtifactLog = append(ex.run.State.ArtifactLog, ref)
	ex.run.State.PendingCall = nil
	ex.result = nil
	return transition{next: StateReflect, summary: ref.Summary, status: status}, nil
}

// summarize renders a payload as compact JSON for truncation.
func summarize(payload any) string {
	switch v := payload.(type) {
	case string:
		return v
	case json.RawMessage:
		return string(v)
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Sprint(payload)
	}
	return string(b)
}

func (o *Orchestrator) reflectOnEvidence(ctx context.Context, ex *execution) (transition, error) {
	st := &ex.run.State
	if err := requireQuery(st, StateReflect); err != nil {
		return transition{}, err
	}
	text, err := o.ask(ctx, o.reasoners.Reflection, reflectPrompt, promptData{
		Query:     st.OriginalQuery,
		Log:       st.ArtifactLog,
		Exchanges: st.HumanExchanges,
	})
	if err != nil {
		return transition{}, fmt.Errorf("reflect: %w", err)
	}
	status := observer.StatusOK
	d, err := planner.ParseReflection(text)
	if err != nil {
		o.logger.Warn("reflection unreadable, defaulting to continue", zap.String("run_id", ex.run.ID), zap.Error(err))
		d = planner.ReflectionDecision{Decision: planner.DecisionContinue, Reasoning: "reflection output could not be parsed"}
		status = observer.StatusWarning
	}
	st.LastReflection = &Reflection{Decision: d.Decision, Reasoning: d.Reasoning}

	summary := d.Decision
	if d.Reasoning != "" {
		summary += ": " + d.Reasoning
	}
	switch d.Decision {
	case planner.DecisionFinish:
		return transition{next: StateSynthesize, summary: summary, status: status}, nil
	case planner.DecisionRequestHuman:
		q := firstNonEmpty(d.Question, d.Reasoning, defaultClarification)
		st.PendingQuestion = &q
		return transition{next: StateAwaitHuman, summary: summary, status: status}, nil
	default:
		return transition{next: StatePlan, summary: summary, status: status}, nil
	}
}

func (o *Orchestrator) synthesize(ctx context.Context, ex *execution) (transition, error) {
	st := &ex.run.State
	if err := requireQuery(st, StateSynthesize); err != nil {
		return transition{}, err
	}
	evidence := o.gatherEvidence(ctx, ex.run)
	if o.cfg.SynthesisMaxTokens > 0 {
		if clipped, cut := o.tokens.Clip(evidence, o.cfg.SynthesisMaxTokens); cut {
			o.logger.Warn("evidence clipped to token budget", zap.String("run_id", ex.run.ID), zap.Int("max_tokens", o.cfg.SynthesisMaxTokens))
			evidence = clipped
		}
	}
	text, err := o.ask(ctx, o.reasoners.Synthesis, synthesizePrompt, promptData{
		Query:     st.OriginalQuery,
		Exchanges: st.HumanExchanges,
		Evidence:  evidence,
	})
	if err != nil {
		return transition{}, fmt.Errorf("synthesize: %w", err)
	}
	answer := strings.TrimSpace(text)
	st.FinalAnswer = &answer
	return transition{next: StateDone, summary: answer}, nil
}

// gatherEvidence loads every successful artifact. Fan-out reports
// contribute only their successful items. Evicted artifacts fall back to
// their summary.
func (o *Orchestrator) gatherEvidence(ctx context.Context, run *Run) string {
	refs := run.State.successful()
	if len(refs) == 0 {
		return "(no evidence was collected)"
	}
	var b strings.Builder
	for _, ref := range refs {
		fmt.Fprintf(&b, "### %s [%s]\n", ref.ToolName, ref.ArtifactID)
		payload, err := o.artifacts.Get(ctx, ref.ArtifactID)
		if err != nil {
			if !errors.Is(err, artifact.ErrNotFound) {
				o.logger.Warn("load artifact", zap.String("run_id", run.ID), zap.String("artifact_id", ref.ArtifactID), zap.Error(err))
			} else {
				o.logger.Warn("artifact evicted before synthesis", zap.String("run_id", run.ID), zap.String("artifact_id", ref.ArtifactID))
			}
			fmt.Fprintf(&b, "(artifact unavailable) %s\n\n", ref.Summary)
			continue
		}
		if ref.FanOut {
			items, err := successfulItems(payload)
			if err != nil {
				o.logger.Warn("decode fan-out report", zap.String("run_id", run.ID), zap.String("artifact_id", ref.ArtifactID), zap.Error(err))
				fmt.Fprintf(&b, "%s\n\n", ref.Summary)
				continue
			}
			payload = items
		}
		b.WriteString(summarize(payload))
		b.WriteString("\n\n")
	}
	return strings.TrimSpace(b.String())
}

type evidenceItem struct {
	Input  any `json:"input"`
	Output any `json:"output"`
}

// successfulItems accepts a report as stored in memory or as decoded JSON.
func successfulItems(payload any) ([]evidenceItem, error) {
	report, ok := payload.(executor.MappedExecutionReport)
	if !ok {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(b, &report); err != nil {
			return nil, err
		}
	}
	var out []evidenceItem
	for _, r := range report.Results {
		if r.Status == executor.ItemSuccess {
			out = append(out, evidenceItem{Input: r.InputItem, Output: r.Output})
		}
	}
	return out, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}
