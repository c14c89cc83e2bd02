package streams

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mohammad-safakhou/researcher/internal/testutil"
)

func stepPayload(runID, state string) map[string]any {
	return map[string]any{
		"run_id": runID, "state": state, "summary": "planned web_search",
		"status": "ok", "timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	}
}

func TestPublishBatchAndConsume(t *testing.T) {
	rdb := testutil.Redis(t)
	ctx := context.Background()
	reg, err := NewRunRegistry()
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	const stream = "test:steps"
	if err := EnsureGroup(ctx, rdb, stream, "watchers", "0"); err != nil {
		t.Fatalf("ensure group: %v", err)
	}

	var envs []Envelope
	for _, p := range []map[string]any{stepPayload("run-1", "PLAN"), {"run_id": "run-1"}, stepPayload("run-1", "EXECUTE")} {
		env, err := NewEnvelope(EventRunStep, VersionV1, p)
		if err != nil {
			t.Fatalf("envelope: %v", err)
		}
		envs = append(envs, env)
	}
	pub := NewPublisher(rdb, reg)
	ids, err := pub.PublishBatch(ctx, stream, envs, WithMaxLenApprox(100))
	if err == nil {
		t.Fatalf("expected the invalid payload to be reported")
	}
	if len(ids) != 2 {
		t.Fatalf("expected 2 entries written, got %d", len(ids))
	}

	c := NewConsumer(rdb, reg, "watchers", "w1")
	msgs, err := c.Read(ctx, stream, WithBlock(time.Second), WithCount(10))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(msgs) != 2 || msgs[0].ID != ids[0] {
		t.Fatalf("unexpected messages %+v", msgs)
	}

	// unacknowledged entries come back on a pending read
	pending, err := c.Read(ctx, stream, WithPending())
	if err != nil {
		t.Fatalf("pending read: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("expected 2 pending, got %d", len(pending))
	}
	if err := c.Ack(ctx, stream, ids...); err != nil {
		t.Fatalf("ack: %v", err)
	}
	pending, err = c.Read(ctx, stream, WithPending())
	if err != nil || len(pending) != 0 {
		t.Fatalf("expected no pending after ack, got %d (%v)", len(pending), err)
	}
}

func TestConsumerSkipsUndecodableEntries(t *testing.T) {
	rdb := testutil.Redis(t)
	ctx := context.Background()
	const stream = "test:garbage"
	if err := EnsureGroup(ctx, rdb, stream, "g", "0"); err != nil {
		t.Fatalf("ensure group: %v", err)
	}
	if err := rdb.XAdd(ctx, &redis.XAddArgs{Stream: stream, Values: map[string]any{"other": "x"}}).Err(); err != nil {
		t.Fatalf("xadd: %v", err)
	}
	raw, _ := json.Marshal(Envelope{EventID: "e", EventType: EventRunStep, PayloadVersion: VersionV1, Data: json.RawMessage(`{"run_id":""}`)})
	if err := rdb.XAdd(ctx, &redis.XAddArgs{Stream: stream, Values: map[string]any{envelopeField: raw}}).Err(); err != nil {
		t.Fatalf("xadd: %v", err)
	}

	reg, _ := NewRunRegistry()
	var skipped []string
	c := NewConsumer(rdb, reg, "g", "c1", WithSkipHandler(func(id string, err error) { skipped = append(skipped, id) }))
	msgs, err := c.Read(ctx, stream, WithBlock(time.Second))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(msgs) != 0 || len(skipped) != 2 {
		t.Fatalf("expected both entries skipped, got %d messages and %d skipped", len(msgs), len(skipped))
	}
	pending, err := c.Read(ctx, stream, WithPending())
	if err != nil || len(pending) != 0 {
		t.Fatalf("skipped entries should be acknowledged: %d (%v)", len(pending), err)
	}
}
