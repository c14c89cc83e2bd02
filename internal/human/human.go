// Package human carries clarification questions to a person and their
// answers back to a suspended run.
package human

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mohammad-safakhou/researcher/config"
)

// TimeoutError means no answer arrived within the allowed wait.
type TimeoutError struct {
	RunID string
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("no human response for run %s after %s", e.RunID, e.After)
}

// Question is a pending clarification request.
type Question struct {
	RunID   string    `json:"run_id"`
	Text    string    `json:"text"`
	AskedAt time.Time `json:"asked_at"`
}

// Channel delivers questions and answers keyed by run id.
type Channel interface {
	SendQuestion(ctx context.Context, runID, text string) error
	// AwaitResponse blocks until an answer for runID arrives, timeout
	// elapses (TimeoutError) or ctx ends.
	AwaitResponse(ctx context.Context, runID string, timeout time.Duration) (string, error)
	Respond(ctx context.Context, runID, answer string) error
}

// Forgetter is implemented by channels that hold per-run state in memory.
// Forget is called once the run has ended.
type Forgetter interface {
	Forget(runID string)
}

// New builds the configured channel. rdb is required for the redis backend;
// opts apply to it.
func New(cfg config.HumanConfig, rdb *redis.Client, opts ...Option) (Channel, error) {
	switch cfg.Backend {
	case "", "memory":
		return NewMemoryChannel(), nil
	case "redis":
		if rdb == nil {
			return nil, fmt.Errorf("human backend redis requires a redis client")
		}
		return NewRedisChannel(rdb, "human", opts...), nil
	default:
		return nil, fmt.Errorf("unknown human backend %q", cfg.Backend)
	}
}
