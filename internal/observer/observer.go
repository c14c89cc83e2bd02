// Package observer delivers per-transition step records to progress
// displays. Observers must never block the orchestrator.
package observer

import (
	"context"
	"time"
)

// Step statuses.
const (
	StatusOK      = "ok"
	StatusWarning = "warning"
	StatusError   = "error"
)

// Step is emitted after each state transition.
type Step struct {
	RunID     string    `json:"run_id"`
	State     string    `json:"state"`
	Summary   string    `json:"summary"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// Observer receives step records. Implementations return quickly.
type Observer interface {
	Observe(ctx context.Context, step Step)
}

// Finished is the terminal record of a run.
type Finished struct {
	RunID       string    `json:"run_id"`
	Status      string    `json:"status"`
	FinalAnswer string    `json:"final_answer,omitempty"`
	Error       string    `json:"error,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Finisher is implemented by observers that also want the terminal record.
type Finisher interface {
	Finish(ctx context.Context, fin Finished)
}

// Func adapts a function into an Observer.
type Func func(ctx context.Context, step Step)

func (f Func) Observe(ctx context.Context, step Step) { f(ctx, step) }

// Multi forwards to each observer in order.
type Multi []Observer

func (m Multi) Observe(ctx context.Context, step Step) {
	for _, o := range m {
		if o != nil {
			o.Observe(ctx, step)
		}
	}
}

// Finish forwards to every member that implements Finisher.
func (m Multi) Finish(ctx context.Context, fin Finished) {
	for _, o := range m {
		if f, ok := o.(Finisher); ok {
			f.Finish(ctx, fin)
		}
	}
}

// Nop discards records.
type Nop struct{}

func (Nop) Observe(context.Context, Step) {}
