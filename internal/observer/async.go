package observer

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mohammad-safakhou/researcher/internal/agent/telemetry"
	"github.com/mohammad-safakhou/researcher/internal/logging"
)

// Async runs a slow observer, such as the Postgres step log, on its own
// goroutine behind a bounded queue.
type Async struct {
	next    Observer
	queue   chan Step
	timeout time.Duration
	logger  *zap.Logger
	metrics *telemetry.Metrics

	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewAsync starts the delivery goroutine. Each record is handed to next with
// its own context bounded by timeout.
func NewAsync(next Observer, buffer int, timeout time.Duration, logger *zap.Logger, metrics *telemetry.Metrics) *Async {
	if buffer <= 0 {
		buffer = 256
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	a := &Async{
		next:    next,
		queue:   make(chan Step, buffer),
		timeout: timeout,
		logger:  logging.OrNop(logger).Named("observer.async"),
		metrics: metrics,
	}
	a.wg.Add(1)
	go a.loop()
	return a
}

func (a *Async) Observe(_ context.Context, step Step) {
	select {
	case a.queue <- step:
	default:
		a.metrics.RecordObserverDrop()
		a.logger.Warn("step record dropped, queue full",
			zap.String("run_id", step.RunID), zap.String("state", step.State))
	}
}

func (a *Async) loop() {
	defer a.wg.Done()
	for step := range a.queue {
		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		a.next.Observe(ctx, step)
		cancel()
	}
}

// Close drains pending records and stops the goroutine.
func (a *Async) Close() {
	a.closeOnce.Do(func() { close(a.queue) })
	a.wg.Wait()
}
