// Package budget bounds how much work one research run may do.
package budget

import (
	"fmt"
	"sync"
	"time"

	"github.com/mohammad-safakhou/researcher/config"
)

// Config holds per-run limits. Zero disables a limit.
type Config struct {
	MaxIterations int
	MaxToolCalls  int
	MaxDuration   time.Duration
}

// FromConfig reads limits from orchestrator settings.
func FromConfig(c config.OrchestratorConfig) Config {
	return Config{MaxIterations: c.MaxIterations, MaxToolCalls: c.MaxToolCalls, MaxDuration: c.MaxDuration}
}

func (c Config) Validate() error {
	if c.MaxIterations < 0 || c.MaxToolCalls < 0 || c.MaxDuration < 0 {
		return fmt.Errorf("budget limits cannot be negative")
	}
	return nil
}

// Usage is a snapshot of consumed budget.
type Usage struct {
	Iterations int           `json:"iterations"`
	ToolCalls  int           `json:"tool_calls"`
	Elapsed    time.Duration `json:"elapsed"`
}

// Guard tracks one run's usage.
type Guard struct {
	mu         sync.Mutex
	cfg        Config
	iterations int
	toolCalls  int
	start      time.Time
	now        func() time.Time
}

// NewGuard starts the clock. A nil now uses time.Now.
func NewGuard(cfg Config, now func() time.Time) *Guard {
	if now == nil {
		now = time.Now
	}
	return &Guard{cfg: cfg, start: now(), now: now}
}

// BeginIteration accounts for one PLAN step, failing when the iteration or
// time limit is already used up.
func (g *Guard) BeginIteration() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.checkTimeLocked(); err != nil {
		return err
	}
	if g.cfg.MaxIterations > 0 && g.iterations >= g.cfg.MaxIterations {
		return ErrExceeded{
			Kind:  KindIterations,
			Usage: fmt.Sprintf("%d", g.iterations),
			Limit: fmt.Sprintf("%d", g.cfg.MaxIterations),
		}
	}
	g.iterations++
	return nil
}

// ReserveToolCalls accounts for n units of tool work before they start.
// Nothing is reserved when the limit would be crossed.
func (g *Guard) ReserveToolCalls(n int) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.cfg.MaxToolCalls > 0 && g.toolCalls+n > g.cfg.MaxToolCalls {
		return ErrExceeded{
			Kind:  KindToolCalls,
			Usage: fmt.Sprintf("%d+%d", g.toolCalls, n),
			Limit: fmt.Sprintf("%d", g.cfg.MaxToolCalls),
		}
	}
	g.toolCalls += n
	return nil
}

// CheckTime verifies elapsed time against the configured limit.
func (g *Guard) CheckTime() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.checkTimeLocked()
}

func (g *Guard) checkTimeLocked() error {
	if g.cfg.MaxDuration <= 0 {
		return nil
	}
	if elapsed := g.now().Sub(g.start); elapsed > g.cfg.MaxDuration {
		return ErrExceeded{Kind: KindDuration, Usage: elapsed.Round(time.Millisecond).String(), Limit: g.cfg.MaxDuration.String()}
	}
	return nil
}

func (g *Guard) Usage() Usage {
	g.mu.Lock()
	defer g.mu.Unlock()
	return Usage{Iterations: g.iterations, ToolCalls: g.toolCalls, Elapsed: g.now().Sub(g.start)}
}
