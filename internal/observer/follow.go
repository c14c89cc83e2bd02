package observer

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mohammad-safakhou/researcher/internal/queue/streams"
)

// Event is one record read back from a step stream. Exactly one field is set.
type Event struct {
	Step     *Step
	Finished *Finished
}

// Follower reads the records a Stream publishes through a consumer group,
// so several followers in one group split the stream between them.
type Follower struct {
	consumer *streams.Consumer
	stream   string
	block    time.Duration
}

// NewFollower joins group on stream, creating the group when missing.
// start is "$" to see only new records or "0" to replay the stream.
func NewFollower(ctx context.Context, client *redis.Client, stream, group, name, start string) (*Follower, error) {
	reg, err := streams.NewRunRegistry()
	if err != nil {
		return nil, err
	}
	if err := streams.EnsureGroup(ctx, client, stream, group, start); err != nil {
		return nil, err
	}
	return &Follower{
		consumer: streams.NewConsumer(client, reg, group, name),
		stream:   stream,
		block:    2 * time.Second,
	}, nil
}

// Follow delivers events to handle until ctx ends or handle returns false.
// Records are acknowledged once handled. Records this follower received but
// never acknowledged, from an earlier session under the same name, are
// delivered first.
func (f *Follower) Follow(ctx context.Context, handle func(Event) bool) error {
	pending := true
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		opts := []streams.ReadOption{streams.WithBlock(f.block), streams.WithCount(64)}
		if pending {
			opts = append(opts, streams.WithPending())
		}
		msgs, err := f.consumer.Read(ctx, f.stream, opts...)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		if pending && len(msgs) == 0 {
			pending = false
			continue
		}
		for _, msg := range msgs {
			ev, err := decodeEvent(msg.Envelope)
			if ackErr := f.consumer.Ack(ctx, f.stream, msg.ID); ackErr != nil {
				return ackErr
			}
			if err != nil {
				continue
			}
			if !handle(ev) {
				return nil
			}
		}
	}
}

func decodeEvent(env streams.Envelope) (Event, error) {
	switch env.EventType {
	case streams.EventRunStep:
		var s Step
		if err := env.Decode(&s); err != nil {
			return Event{}, err
		}
		return Event{Step: &s}, nil
	case streams.EventRunFinished:
		var fin Finished
		if err := env.Decode(&fin); err != nil {
			return Event{}, err
		}
		return Event{Finished: &fin}, nil
	default:
		return Event{}, fmt.Errorf("unexpected event type %q", env.EventType)
	}
}
