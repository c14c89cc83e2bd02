package streams

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Consumer reads envelopes from a stream as one member of a consumer group.
// Entries that do not decode or fail schema validation are acknowledged so
// they are not redelivered, and reported to the skip handler.
type Consumer struct {
	client   *redis.Client
	registry *SchemaRegistry
	group    string
	name     string
	onSkip   func(id string, err error)
}

// ReadOption adjusts a single read.
type ReadOption func(*redis.XReadGroupArgs)

// WithBlock waits up to d for entries when none are ready.
func WithBlock(d time.Duration) ReadOption {
	return func(args *redis.XReadGroupArgs) {
		if d > 0 {
			args.Block = d
		}
	}
}

// WithCount caps the entries returned by one read.
func WithCount(n int64) ReadOption {
	return func(args *redis.XReadGroupArgs) {
		if n > 0 {
			args.Count = n
		}
	}
}

// WithPending re-reads entries delivered to this consumer but never
// acknowledged, instead of new ones. Blocking does not apply.
func WithPending() ReadOption {
	return func(args *redis.XReadGroupArgs) {
		args.Streams[len(args.Streams)-1] = "0"
	}
}

// ConsumerOption configures a Consumer.
type ConsumerOption func(*Consumer)

// WithSkipHandler is called for every entry dropped as undecodable.
func WithSkipHandler(fn func(id string, err error)) ConsumerOption {
	return func(c *Consumer) { c.onSkip = fn }
}

// NewConsumer reads as name within group. A nil registry accepts any payload.
func NewConsumer(client *redis.Client, registry *SchemaRegistry, group, name string, opts ...ConsumerOption) *Consumer {
	c := &Consumer{client: client, registry: registry, group: group, name: name}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// EnsureGroup creates group on stream, and the stream itself, when missing.
// start is the first id the group sees: "$" for new entries only, "0" for
// the whole stream.
func EnsureGroup(ctx context.Context, client *redis.Client, stream, group, start string) error {
	if stream == "" || group == "" {
		return fmt.Errorf("stream and group must be provided")
	}
	if start == "" {
		start = "$"
	}
	err := client.XGroupCreateMkStream(ctx, stream, group, start).Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("xgroup create: %w", err)
	}
	return nil
}

// Message is a decoded stream entry.
type Message struct {
	ID       string
	Envelope Envelope
}

// Read returns the next batch for this consumer; an empty batch means the
// block timeout passed.
func (c *Consumer) Read(ctx context.Context, stream string, opts ...ReadOption) ([]Message, error) {
	if stream == "" {
		return nil, fmt.Errorf("stream name is required")
	}
	if c.group == "" || c.name == "" {
		return nil, fmt.Errorf("consumer group and name must be configured")
	}
	args := &redis.XReadGroupArgs{
		Group:    c.group,
		Consumer: c.name,
		Streams:  []string{stream, ">"},
	}
	for _, opt := range opts {
		opt(args)
	}
	if args.Streams[1] == "0" {
		// pending reads return at once; a block would be ignored anyway
		args.Block = -1
	}

	res, err := c.client.XReadGroup(ctx, args).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("xreadgroup: %w", err)
	}

	var (
		out []Message
		bad []string
	)
	for _, st := range res {
		for _, entry := range st.Messages {
			env, derr := c.decode(entry)
			if derr != nil {
				bad = append(bad, entry.ID)
				if c.onSkip != nil {
					c.onSkip(entry.ID, derr)
				}
				continue
			}
			out = append(out, Message{ID: entry.ID, Envelope: env})
		}
	}
	if err := c.Ack(ctx, stream, bad...); err != nil {
		return out, err
	}
	return out, nil
}

// Ack marks ids as processed.
func (c *Consumer) Ack(ctx context.Context, stream string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := c.client.XAck(ctx, stream, c.group, ids...).Err(); err != nil {
		return fmt.Errorf("xack: %w", err)
	}
	return nil
}

func (c *Consumer) decode(entry redis.XMessage) (Envelope, error) {
	var raw []byte
	switch v := entry.Values[envelopeField].(type) {
	case string:
		raw = []byte(v)
	case []byte:
		raw = v
	case nil:
		return Envelope{}, fmt.Errorf("entry has no %q field", envelopeField)
	default:
		return Envelope{}, fmt.Errorf("unexpected %q field type %T", envelopeField, v)
	}
	env, err := UnmarshalEnvelope(raw)
	if err != nil {
		return Envelope{}, err
	}
	if c.registry != nil {
		if err := c.registry.Validate(env.EventType, env.PayloadVersion, env.Data); err != nil {
			return Envelope{}, err
		}
	}
	return env, nil
}
