package human

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/mohammad-safakhou/researcher/internal/logging"
)

// questionFeedLen bounds the <prefix>:questions list.
const questionFeedLen = 1000

// RedisChannel lets another process (the API server, a bot) answer runs.
// Questions are pushed to <prefix>:questions, newest first and capped;
// answers are read with BLPOP from <prefix>:<run_id>:answers.
type RedisChannel struct {
	client *redis.Client
	prefix string
	logger *zap.Logger
}

// Option configures a RedisChannel.
type Option func(*RedisChannel)

func WithLogger(l *zap.Logger) Option { return func(c *RedisChannel) { c.logger = l } }

func NewRedisChannel(client *redis.Client, prefix string, opts ...Option) *RedisChannel {
	if prefix == "" {
		prefix = "human"
	}
	c := &RedisChannel{client: client, prefix: prefix}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = logging.OrNop(c.logger).Named("human")
	return c
}

func (c *RedisChannel) answersKey(runID string) string {
	return fmt.Sprintf("%s:%s:answers", c.prefix, runID)
}

func (c *RedisChannel) questionKey(runID string) string {
	return fmt.Sprintf("%s:%s:question", c.prefix, runID)
}

func (c *RedisChannel) SendQuestion(ctx context.Context, runID, text string) error {
	q := Question{RunID: runID, Text: text, AskedAt: time.Now().UTC()}
	data, err := json.Marshal(q)
	if err != nil {
		return err
	}
	_, err = c.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, c.questionKey(runID), data, 24*time.Hour)
		p.LPush(ctx, c.prefix+":questions", data)
		p.LTrim(ctx, c.prefix+":questions", 0, questionFeedLen-1)
		return nil
	})
	return err
}

// Pending returns the open question stored for runID.
func (c *RedisChannel) Pending(ctx context.Context, runID string) (Question, bool, error) {
	val, err := c.client.Get(ctx, c.questionKey(runID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Question{}, false, nil
	}
	if err != nil {
		return Question{}, false, err
	}
	var q Question
	if err := json.Unmarshal(val, &q); err != nil {
		return Question{}, false, err
	}
	return q, true, nil
}

func (c *RedisChannel) Respond(ctx context.Context, runID, answer string) error {
	_, err := c.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, c.answersKey(runID))
		p.RPush(ctx, c.answersKey(runID), answer)
		p.Expire(ctx, c.answersKey(runID), 24*time.Hour)
		return nil
	})
	return err
}

func (c *RedisChannel) AwaitResponse(ctx context.Context, runID string, timeout time.Duration) (string, error) {
	res, err := c.client.BLPop(ctx, timeout, c.answersKey(runID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", &TimeoutError{RunID: runID, After: timeout}
	}
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("await human response: %w", err)
	}
	if err := c.client.Del(ctx, c.questionKey(runID)).Err(); err != nil {
		c.logger.Warn("clear answered question", zap.String("run_id", runID), zap.Error(err))
	}
	return res[1], nil
}
