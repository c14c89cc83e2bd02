package observer

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/mohammad-safakhou/researcher/internal/agent/telemetry"
	"github.com/mohammad-safakhou/researcher/internal/logging"
	"github.com/mohammad-safakhou/researcher/internal/queue/streams"
)

// Stream publishes records as run.step and run.finished envelopes to a Redis
// stream from a background goroutine. A full queue drops the record.
type Stream struct {
	pub     *streams.Publisher
	stream  string
	maxLen  int64
	queue   chan streamRecord
	logger  *zap.Logger
	metrics *telemetry.Metrics

	wg        sync.WaitGroup
	closeOnce sync.Once
}

type streamRecord struct {
	eventType string
	runID     string
	state     string
	data      any
}

// StreamOption configures a Stream observer.
type StreamOption func(*Stream)

func WithQueueSize(n int) StreamOption {
	return func(s *Stream) {
		if n > 0 {
			s.queue = make(chan streamRecord, n)
		}
	}
}

func WithStreamLogger(l *zap.Logger) StreamOption { return func(s *Stream) { s.logger = l } }

func WithStreamMetrics(m *telemetry.Metrics) StreamOption {
	return func(s *Stream) { s.metrics = m }
}

// NewStream starts the publishing goroutine; call Close to flush and stop it.
func NewStream(client *redis.Client, stream string, maxLen int64, opts ...StreamOption) (*Stream, error) {
	reg, err := streams.NewRunRegistry()
	if err != nil {
		return nil, err
	}
	s := &Stream{
		pub:    streams.NewPublisher(client, reg),
		stream: stream,
		maxLen: maxLen,
		queue:  make(chan streamRecord, 256),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logging.OrNop(s.logger).Named("observer.stream")
	s.wg.Add(1)
	go s.loop()
	return s, nil
}

func (s *Stream) Observe(_ context.Context, step Step) {
	s.enqueue(streamRecord{eventType: streams.EventRunStep, runID: step.RunID, state: step.State, data: step})
}

// Finish publishes the terminal run record.
func (s *Stream) Finish(_ context.Context, fin Finished) {
	s.enqueue(streamRecord{eventType: streams.EventRunFinished, runID: fin.RunID, state: "DONE", data: fin})
}

func (s *Stream) enqueue(rec streamRecord) {
	select {
	case s.queue <- rec:
	default:
		s.metrics.RecordObserverDrop()
		s.logger.Warn("record dropped, publish queue full",
			zap.String("event_type", rec.eventType),
			zap.String("run_id", rec.runID),
			zap.String("state", rec.state))
	}
}

// publishBatch bounds how many queued records go out in one pipeline.
const publishBatch = 64

func (s *Stream) loop() {
	defer s.wg.Done()
	batch := make([]streamRecord, 0, publishBatch)
	for rec := range s.queue {
		batch = append(batch[:0], rec)
	drain:
		for len(batch) < publishBatch {
			select {
			case more, ok := <-s.queue:
				if !ok {
					break drain
				}
				batch = append(batch, more)
			default:
				break drain
			}
		}
		s.publish(batch)
	}
}

func (s *Stream) publish(batch []streamRecord) {
	envs := make([]streams.Envelope, 0, len(batch))
	for _, rec := range batch {
		env, err := streams.NewEnvelope(rec.eventType, streams.VersionV1, rec.data)
		if err != nil {
			s.logger.Warn("encode record", zap.String("run_id", rec.runID), zap.String("state", rec.state), zap.Error(err))
			continue
		}
		envs = append(envs, env)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ids, err := s.pub.PublishBatch(ctx, s.stream, envs, streams.WithMaxLenApprox(s.maxLen))
	if err != nil {
		s.logger.Warn("publish records",
			zap.Int("queued", len(batch)),
			zap.Int("published", len(ids)),
			zap.Error(err))
	}
}

// Close stops accepting records after draining the queue. Observe must not
// be called after Close.
func (s *Stream) Close() {
	s.closeOnce.Do(func() { close(s.queue) })
	s.wg.Wait()
}
