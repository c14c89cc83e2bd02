package inmemory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mohammad-safakhou/researcher/tools/web_ingest/models"
	"github.com/mohammad-safakhou/researcher/tools/web_ingest/session"
)

type Store struct {
	sessions map[string]*Session
	mu       sync.Mutex
	now      func() time.Time
}

func NewInMemorySessionStore() *Store {
	return &Store{sessions: make(map[string]*Session), now: time.Now}
}

func (store *Store) EnsureSession(_ context.Context, id string, ttl time.Duration) (session.Session, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.sweepLocked()
	if id != "" {
		if sess, ok := store.sessions[id]; ok {
			sess.expiresAt = store.now().Add(ttl)
			return sess, nil
		}
	}
	index, err := session.NewIndex()
	if err != nil {
		return nil, err
	}
	sess := &Session{id: uuid.NewString(), expiresAt: store.now().Add(ttl), index: index}
	store.sessions[sess.id] = sess
	return sess, nil
}

func (store *Store) GetSession(_ context.Context, id string) (session.Session, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.sweepLocked()
	sess, ok := store.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", session.ErrNotFound, id)
	}
	return sess, nil
}

func (store *Store) sweepLocked() {
	now := store.now()
	for id, sess := range store.sessions {
		if now.After(sess.expiresAt) {
			_ = sess.index.Close()
			delete(store.sessions, id)
		}
	}
}

type Session struct {
	id        string
	expiresAt time.Time
	index     *session.Index
}

func (s *Session) ID() string { return s.id }

func (s *Session) AddChunks(_ context.Context, chunks []models.DocChunk) error {
	return s.index.Add(chunks)
}

func (s *Session) Chunks(context.Context) ([]models.DocChunk, error) {
	return s.index.Chunks(), nil
}

func (s *Session) Search(_ context.Context, q string, k int) ([]models.SearchHit, error) {
	return s.index.Search(q, k)
}
