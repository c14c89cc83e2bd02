package human

import (
	"context"
	"sync"
	"time"
)

// MemoryChannel works within one process. An answer sent before anyone
// waits is kept until the next AwaitResponse; a newer answer replaces it.
type MemoryChannel struct {
	mu        sync.Mutex
	answers   map[string]chan string
	questions map[string]Question
}

func NewMemoryChannel() *MemoryChannel {
	return &MemoryChannel{answers: map[string]chan string{}, questions: map[string]Question{}}
}

func (c *MemoryChannel) slot(runID string) chan string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.answers[runID]
	if !ok {
		ch = make(chan string, 1)
		c.answers[runID] = ch
	}
	return ch
}

func (c *MemoryChannel) SendQuestion(_ context.Context, runID, text string) error {
	c.mu.Lock()
	c.questions[runID] = Question{RunID: runID, Text: text, AskedAt: time.Now().UTC()}
	c.mu.Unlock()
	return nil
}

// Forget drops the answer slot and any open question of runID.
func (c *MemoryChannel) Forget(runID string) {
	c.mu.Lock()
	delete(c.answers, runID)
	delete(c.questions, runID)
	c.mu.Unlock()
}

// Pending returns the open question for runID, if any.
func (c *MemoryChannel) Pending(runID string) (Question, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	q, ok := c.questions[runID]
	return q, ok
}

func (c *MemoryChannel) Respond(_ context.Context, runID, answer string) error {
	ch := c.slot(runID)
	for {
		select {
		case ch <- answer:
			return nil
		default:
			// drop the stale answer and retry
			select {
			case <-ch:
			default:
			}
		}
	}
}

func (c *MemoryChannel) AwaitResponse(ctx context.Context, runID string, timeout time.Duration) (string, error) {
	ch := c.slot(runID)
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case answer := <-ch:
		c.mu.Lock()
		delete(c.questions, runID)
		c.mu.Unlock()
		return answer, nil
	case <-timer.C:
		return "", &TimeoutError{RunID: runID, After: timeout}
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
