// Package artifact keeps raw tool outputs outside the run state. Entries are
// addressed by opaque ids and evicted by recency and age.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/mohammad-safakhou/researcher/config"
	"github.com/mohammad-safakhou/researcher/internal/agent/telemetry"
	"github.com/mohammad-safakhou/researcher/internal/logging"
)

// ErrNotFound is returned for ids that were never stored, were evicted, or expired.
var ErrNotFound = errors.New("artifact not found")

// Stats describes the store's occupancy and limits.
type Stats struct {
	Count    int           `json:"count"`
	Capacity int           `json:"capacity"`
	TTL      time.Duration `json:"ttl"`
}

// Store is safe for concurrent use by fan-out workers and runs.
type Store interface {
	Put(ctx context.Context, payload any) (string, error)
	Get(ctx context.Context, id string) (any, error)
	Evict(ctx context.Context, id string) error
	Stats(ctx context.Context) (Stats, error)
}

// Option customises a store.
type Option func(*options)

type options struct {
	now     func() time.Time
	newID   func() string
	metrics *telemetry.Metrics
	logger  *zap.Logger
}

// WithClock replaces time.Now, mainly for TTL tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithIDFunc replaces the uuid generator.
func WithIDFunc(fn func() string) Option {
	return func(o *options) {
		if fn != nil {
			o.newID = fn
		}
	}
}

func WithMetrics(m *telemetry.Metrics) Option { return func(o *options) { o.metrics = m } }

func WithLogger(l *zap.Logger) Option { return func(o *options) { o.logger = l } }

func buildOptions(opts []Option) options {
	o := options{now: time.Now, newID: newID}
	for _, opt := range opts {
		opt(&o)
	}
	o.logger = logging.OrNop(o.logger).Named("artifacts")
	return o
}

// New builds the backend selected by cfg. rdb is required for the redis backend.
func New(cfg config.ArtifactsConfig, rdb *redis.Client, opts ...Option) (Store, error) {
	switch cfg.Backend {
	case "", "memory":
		return NewMemoryStore(cfg.MaxItems, cfg.TTL(), opts...), nil
	case "redis":
		if rdb == nil {
			return nil, fmt.Errorf("artifact backend redis requires a redis client")
		}
		return NewRedisStore(rdb, cfg.KeyPrefix, cfg.MaxItems, cfg.TTL(), opts...), nil
	default:
		return nil, fmt.Errorf("unknown artifact backend %q", cfg.Backend)
	}
}
