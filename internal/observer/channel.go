package observer

import (
	"context"
	"sync/atomic"

	"github.com/mohammad-safakhou/researcher/internal/agent/telemetry"
)

// Channel hands records to a buffered channel, dropping them when it is full.
type Channel struct {
	ch      chan Step
	dropped atomic.Int64
	metrics *telemetry.Metrics
}

func NewChannel(buffer int, metrics *telemetry.Metrics) *Channel {
	if buffer <= 0 {
		buffer = 64
	}
	return &Channel{ch: make(chan Step, buffer), metrics: metrics}
}

// C returns the receive side.
func (c *Channel) C() <-chan Step { return c.ch }

// Dropped counts records lost to a full buffer.
func (c *Channel) Dropped() int64 { return c.dropped.Load() }

func (c *Channel) Observe(_ context.Context, step Step) {
	select {
	case c.ch <- step:
	default:
		c.dropped.Add(1)
		c.metrics.RecordObserverDrop()
	}
}
