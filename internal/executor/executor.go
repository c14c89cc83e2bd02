// Package executor runs one tool call per item of a list argument with
// bounded concurrency and isolated failures.
package executor

import (
	"context"
	"fmt"
	"maps"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mohammad-safakhou/researcher/internal/logging"
)

// DefaultConcurrency caps in-flight items when no limit is given.
const DefaultConcurrency = 10

// Invoker calls a named tool.
type Invoker interface {
	Invoke(ctx context.Context, tool string, args map[string]any) (any, error)
}

// Item identifies one unit for metrics callbacks.
type Item struct {
	Tool  string
	Index int
	Input any
}

// Metrics aggregates optional telemetry callbacks.
type Metrics struct {
	Outcome  func(context.Context, Item, ItemStatus)
	Duration func(context.Context, Item, time.Duration)
}

// Executor dispatches fan-out calls.
type Executor struct {
	invoker Invoker
	limit   int
	metrics Metrics
	logger  *zap.Logger
}

// Option configures executor behaviour.
type Option func(*Executor)

// WithConcurrency sets the default in-flight cap.
func WithConcurrency(n int) Option {
	return func(ex *Executor) {
		if n > 0 {
			ex.limit = n
		}
	}
}

// WithMetrics sets executor metrics callbacks.
func WithMetrics(m Metrics) Option {
	return func(ex *Executor) {
		ex.metrics = m
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(ex *Executor) {
		ex.logger = l
	}
}

// New creates a new Executor instance.
func New(invoker Invoker, opts ...Option) *Executor {
	ex := &Executor{invoker: invoker, limit: DefaultConcurrency}
	for _, opt := range opts {
		opt(ex)
	}
	ex.logger = logging.OrNop(ex.logger).Named("fanout")
	return ex
}

// Run invokes tool once per item, merging {key: item} over fixedArgs. A
// limit <= 0 uses the executor default. Item failures, including panics,
// are recorded in the report and never stop sibling items. Items not yet
// dispatched when ctx ends are recorded as failed without invoking the tool.
func (e *Executor) Run(ctx context.Context, tool, key string, items []any, fixedArgs map[string]any, limit int) MappedExecutionReport {
	if limit <= 0 {
		limit = e.limit
	}
	var (
		mu      sync.Mutex
		results = make([]MappedTaskResult, 0, len(items))
	)
	record := func(res MappedTaskResult) {
		mu.Lock()
		results = append(results, res)
		mu.Unlock()
	}

	var g errgroup.Group
	g.SetLimit(limit)
	for i, input := range items {
		item := Item{Tool: tool, Index: i, Input: input}
		if err := ctx.Err(); err != nil {
			record(e.fail(ctx, item, err))
			continue
		}
		args := make(map[string]any, len(fixedArgs)+1)
		maps.Copy(args, fixedArgs)
		args[key] = input

		g.Go(func() error {
			record(e.runItem(ctx, item, args))
			return nil
		})
	}
	_ = g.Wait()

	report := newReport(tool, key, results)
	e.logger.Debug("fan-out complete",
		zap.String("tool", tool),
		zap.Int("items", len(items)),
		zap.String("overall_status", string(report.OverallStatus)))
	return report
}

func (e *Executor) runItem(ctx context.Context, item Item, args map[string]any) (res MappedTaskResult) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			res = e.fail(ctx, item, fmt.Errorf("panic: %v", r))
		}
		if e.metrics.Duration != nil {
			e.metrics.Duration(ctx, item, time.Since(start))
		}
	}()

	out, err := e.invoker.Invoke(ctx, item.Tool, args)
	if err != nil {
		return e.fail(ctx, item, err)
	}
	if e.metrics.Outcome != nil {
		e.metrics.Outcome(ctx, item, ItemSuccess)
	}
	return MappedTaskResult{Status: ItemSuccess, InputItem: item.Input, Output: out}
}

func (e *Executor) fail(ctx context.Context, item Item, err error) MappedTaskResult {
	e.logger.Warn("fan-out item failed",
		zap.String("tool", item.Tool),
		zap.Int("index", item.Index),
		zap.Any("input_item", item.Input),
		zap.Error(err))
	if e.metrics.Outcome != nil {
		e.metrics.Outcome(ctx, item, ItemError)
	}
	return MappedTaskResult{Status: ItemError, InputItem: item.Input, Error: err.Error()}
}
