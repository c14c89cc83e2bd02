package core

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/mohammad-safakhou/researcher/internal/budget"
	"github.com/mohammad-safakhou/researcher/internal/resolver"
)

// State names the steps of the research loop.
type State string

const (
	StateRoute      State = "ROUTE"
	StatePlan       State = "PLAN"
	StateExecute    State = "EXECUTE"
	StateStash      State = "STASH"
	StateReflect    State = "REFLECT"
	StateSynthesize State = "SYNTHESIZE"
	StateAwaitHuman State = "AWAIT_HUMAN"
	StateDone       State = "DONE"
)

// RunStatus is the lifecycle status of a run.
type RunStatus string

const (
	RunRunning       RunStatus = "running"
	RunAwaitingHuman RunStatus = "awaiting_human"
	RunCompleted     RunStatus = "completed"
	RunFailed        RunStatus = "failed"
	RunTimedOut      RunStatus = "timed_out"
)

// Terminal reports whether no further transitions can happen.
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunFailed || s == RunTimedOut
}

// Reference statuses.
const (
	ReferenceSuccess = "success"
	ReferenceError   = "error"
)

// ToolCall is the single action chosen by PLAN.
type ToolCall struct {
	CallID    string        `json:"call_id"`
	ToolName  string        `json:"tool_name"`
	Args      resolver.Args `json:"args"`
	FanOutKey *string       `json:"fan_out_key,omitempty"`
	Label     string        `json:"label"`
}

// DataReference records one completed call. It never carries the raw
// output, only where to find it.
type DataReference struct {
	CallID      string  `json:"call_id"`
	ToolName    string  `json:"tool_name"`
	ArtifactID  string  `json:"artifact_id"`
	Summary     string  `json:"summary"`
	Status      string  `json:"status"`
	ErrorDetail *string `json:"error_detail,omitempty"`
	FanOut      bool    `json:"fan_out,omitempty"`
}

// Reflection is the stop/continue decision made after each action.
type Reflection struct {
	Decision  string `json:"decision"`
	Reasoning string `json:"reasoning"`
}

// HumanExchange is a clarification question and the answer folded back
// into the run.
type HumanExchange struct {
	Question   string    `json:"question"`
	Answer     string    `json:"answer"`
	AnsweredAt time.Time `json:"answered_at"`
}

// RunState is everything carried between steps. It stays small: raw tool
// output lives in the artifact store.
type RunState struct {
	OriginalQuery   string          `json:"original_query"`
	PendingCall     *ToolCall       `json:"pending_call,omitempty"`
	ArtifactLog     []DataReference `json:"artifact_log"`
	LastReflection  *Reflection     `json:"last_reflection,omitempty"`
	FinalAnswer     *string         `json:"final_answer,omitempty"`
	PendingQuestion *string         `json:"pending_question,omitempty"`
	HumanExchanges  []HumanExchange `json:"human_exchanges,omitempty"`
}

func (s RunState) clone() RunState {
	out := s
	out.ArtifactLog = slices.Clone(s.ArtifactLog)
	out.HumanExchanges = slices.Clone(s.HumanExchanges)
	if s.PendingCall != nil {
		pc := *s.PendingCall
		pc.Args = slices.Clone(s.PendingCall.Args)
		out.PendingCall = &pc
	}
	if s.LastReflection != nil {
		r := *s.LastReflection
		out.LastReflection = &r
	}
	return out
}

// successful returns the references whose call produced data.
func (s RunState) successful() []DataReference {
	var out []DataReference
	for _, ref := range s.ArtifactLog {
		if ref.Status == ReferenceSuccess && ref.ArtifactID != "" {
			out = append(out, ref)
		}
	}
	return out
}

// Run is a snapshot of one research run.
type Run struct {
	ID        string       `json:"id"`
	Status    RunStatus    `json:"status"`
	State     RunState     `json:"state"`
	Error     string       `json:"error,omitempty"`
	Usage     budget.Usage `json:"usage"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}

func (r *Run) snapshot() *Run {
	out := *r
	out.State = r.State.clone()
	return &out
}

// ValidationError reports a missing required input. It is a contract
// violation and is never retried.
type ValidationError struct {
	Field string
	State State
}

func (e *ValidationError) Error() string {
	if e.State == "" {
		return fmt.Sprintf("validation: %s is required", e.Field)
	}
	return fmt.Sprintf("validation: %s is required in %s", e.Field, e.State)
}

var (
	// ErrRunNotFound is returned for unknown run ids.
	ErrRunNotFound = errors.New("run not found")
	// ErrNotAwaiting is returned when resuming a run that is not paused.
	ErrNotAwaiting = errors.New("run is not awaiting human input")
)
