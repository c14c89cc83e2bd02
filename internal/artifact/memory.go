package artifact

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

func newID() string { return uuid.NewString() }

type entry struct {
	id       string
	payload  any
	storedAt time.Time
}

// MemoryStore is an in-process LRU cache with lazy TTL expiry. All
// bookkeeping happens under one mutex.
type MemoryStore struct {
	mu       sync.Mutex
	order    *list.List // front = most recently used
	items    map[string]*list.Element
	maxItems int
	ttl      time.Duration
	opts     options
}

// NewMemoryStore creates a store holding at most maxItems entries (0 means
// unbounded). A zero ttl disables expiry.
func NewMemoryStore(maxItems int, ttl time.Duration, opts ...Option) *MemoryStore {
	return &MemoryStore{
		order:    list.New(),
		items:    make(map[string]*list.Element),
		maxItems: maxItems,
		ttl:      ttl,
		opts:     buildOptions(opts),
	}
}

func (s *MemoryStore) Put(_ context.Context, payload any) (string, error) {
	id := s.opts.newID()

	s.mu.Lock()
	defer s.mu.Unlock()

	if el, ok := s.items[id]; ok {
		s.order.Remove(el)
		delete(s.items, id)
	}
	for s.maxItems > 0 && s.order.Len() >= s.maxItems {
		s.removeLocked(s.order.Back())
		s.opts.metrics.RecordArtifactEvent("evicted")
	}
	s.items[id] = s.order.PushFront(&entry{id: id, payload: payload, storedAt: s.opts.now()})
	s.opts.metrics.RecordArtifactEvent("put")
	return id, nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	el, ok := s.items[id]
	if !ok {
		s.opts.metrics.RecordArtifactEvent("miss")
		return nil, ErrNotFound
	}
	e := el.Value.(*entry)
	if s.ttl > 0 && s.opts.now().Sub(e.storedAt) > s.ttl {
		s.removeLocked(el)
		s.opts.metrics.RecordArtifactEvent("expired")
		s.opts.logger.Debug("artifact expired", zap.String("artifact_id", id))
		return nil, ErrNotFound
	}
	s.order.MoveToFront(el)
	s.opts.metrics.RecordArtifactEvent("hit")
	return e.payload, nil
}

// Evict drops id if present.
func (s *MemoryStore) Evict(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if el, ok := s.items[id]; ok {
		s.removeLocked(el)
	}
	return nil
}

func (s *MemoryStore) Stats(context.Context) (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{Count: s.order.Len(), Capacity: s.maxItems, TTL: s.ttl}, nil
}

func (s *MemoryStore) removeLocked(el *list.Element) {
	if el == nil {
		return
	}
	e := s.order.Remove(el).(*entry)
	delete(s.items, e.id)
}
