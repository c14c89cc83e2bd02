package streams

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/trace"
)

// Publisher appends envelopes to Redis streams, checking payloads against
// the registry first.
type Publisher struct {
	client   *redis.Client
	registry *SchemaRegistry
}

// PublishOption adjusts the XADD issued for each envelope.
type PublishOption func(*redis.XAddArgs)

// WithMaxLenApprox trims the stream to roughly maxLen entries.
func WithMaxLenApprox(maxLen int64) PublishOption {
	return func(args *redis.XAddArgs) {
		if maxLen > 0 {
			args.MaxLen = maxLen
			args.Approx = true
		}
	}
}

// NewPublisher creates a Publisher. A nil registry skips payload validation.
func NewPublisher(client *redis.Client, registry *SchemaRegistry) *Publisher {
	return &Publisher{client: client, registry: registry}
}

// Publish appends one envelope and returns its entry id.
func (p *Publisher) Publish(ctx context.Context, stream string, env Envelope, opts ...PublishOption) (string, error) {
	args, err := p.prepare(ctx, stream, env, opts)
	if err != nil {
		return "", err
	}
	id, err := p.client.XAdd(ctx, args).Result()
	if err != nil {
		return "", fmt.Errorf("xadd: %w", err)
	}
	return id, nil
}

// PublishBatch appends envs in one round trip. Envelopes that fail
// validation are left out; their errors are joined into the returned error
// alongside any write failure. ids holds the ids of entries written, in
// order.
func (p *Publisher) PublishBatch(ctx context.Context, stream string, envs []Envelope, opts ...PublishOption) ([]string, error) {
	var (
		errs []error
		cmds []*redis.StringCmd
	)
	pipe := p.client.Pipeline()
	for _, env := range envs {
		args, err := p.prepare(ctx, stream, env, opts)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		cmds = append(cmds, pipe.XAdd(ctx, args))
	}
	if len(cmds) == 0 {
		return nil, errors.Join(errs...)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		errs = append(errs, fmt.Errorf("xadd pipeline: %w", err))
	}
	ids := make([]string, 0, len(cmds))
	for _, cmd := range cmds {
		if id, err := cmd.Result(); err == nil {
			ids = append(ids, id)
		}
	}
	return ids, errors.Join(errs...)
}

func (p *Publisher) prepare(ctx context.Context, stream string, env Envelope, opts []PublishOption) (*redis.XAddArgs, error) {
	if stream == "" {
		return nil, fmt.Errorf("stream name is required")
	}
	if env.EventID == "" {
		env.EventID = uuid.NewString()
	}
	if env.OccurredAt.IsZero() {
		env.OccurredAt = time.Now().UTC()
	}
	if env.TraceID == "" {
		if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
			env.TraceID = sc.TraceID().String()
		}
	}
	if p.registry != nil {
		if err := p.registry.Validate(env.EventType, env.PayloadVersion, env.Data); err != nil {
			return nil, fmt.Errorf("%s: %w", env.EventType, err)
		}
	}
	raw, err := env.Marshal()
	if err != nil {
		return nil, err
	}
	args := &redis.XAddArgs{Stream: stream, Values: map[string]any{envelopeField: raw}}
	for _, opt := range opts {
		opt(args)
	}
	return args, nil
}
