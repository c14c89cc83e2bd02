// Package redis_session keeps ingest sessions in Redis so every process
// sees the same chunks. Each process builds its own bleve index from them.
package redis_session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/mohammad-safakhou/researcher/tools/web_ingest/models"
	"github.com/mohammad-safakhou/researcher/tools/web_ingest/session"
)

type Store struct {
	client *redis.Client
	prefix string

	mu      sync.Mutex
	indexes map[string]*session.Index
}

func NewRedisSessionStore(client *redis.Client, prefix string) *Store {
	if prefix == "" {
		prefix = "ingest"
	}
	return &Store{client: client, prefix: prefix, indexes: make(map[string]*session.Index)}
}

func (store *Store) metaKey(id string) string   { return fmt.Sprintf("%s:%s:meta", store.prefix, id) }
func (store *Store) chunksKey(id string) string { return fmt.Sprintf("%s:%s:chunks", store.prefix, id) }

func (store *Store) EnsureSession(ctx context.Context, id string, ttl time.Duration) (session.Session, error) {
	if id != "" {
		exists, err := store.client.Exists(ctx, store.metaKey(id)).Result()
		if err != nil {
			return nil, err
		}
		if exists == 1 {
			pipe := store.client.TxPipeline()
			pipe.Expire(ctx, store.metaKey(id), ttl)
			pipe.Expire(ctx, store.chunksKey(id), ttl)
			if _, err := pipe.Exec(ctx); err != nil {
				return nil, err
			}
			return &Session{store: store, id: id}, nil
		}
	}
	newID := uuid.NewString()
	if err := store.client.Set(ctx, store.metaKey(newID), time.Now().UTC().Format(time.RFC3339), ttl).Err(); err != nil {
		return nil, err
	}
	return &Session{store: store, id: newID}, nil
}

func (store *Store) GetSession(ctx context.Context, id string) (session.Session, error) {
	exists, err := store.client.Exists(ctx, store.metaKey(id)).Result()
	if err != nil {
		return nil, err
	}
	if exists == 0 {
		store.dropIndex(id)
		return nil, fmt.Errorf("%w: %s", session.ErrNotFound, id)
	}
	return &Session{store: store, id: id}, nil
}

func (store *Store) dropIndex(id string) {
	store.mu.Lock()
	defer store.mu.Unlock()
	if idx, ok := store.indexes[id]; ok {
		_ = idx.Close()
		delete(store.indexes, id)
	}
}

// index returns a local index holding every chunk currently in Redis.
func (store *Store) index(ctx context.Context, id string) (*session.Index, error) {
	n, err := store.client.HLen(ctx, store.chunksKey(id)).Result()
	if err != nil {
		return nil, err
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	if idx, ok := store.indexes[id]; ok && int64(len(idx.Chunks())) == n {
		return idx, nil
	}
	chunks, err := store.loadChunks(ctx, id)
	if err != nil {
		return nil, err
	}
	idx, err := session.NewIndex()
	if err != nil {
		return nil, err
	}
	if len(chunks) > 0 {
		if err := idx.Add(chunks); err != nil {
			return nil, err
		}
	}
	if old, ok := store.indexes[id]; ok {
		_ = old.Close()
	}
	store.indexes[id] = idx
	return idx, nil
}

func (store *Store) loadChunks(ctx context.Context, id string) ([]models.DocChunk, error) {
	raw, err := store.client.HGetAll(ctx, store.chunksKey(id)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]models.DocChunk, 0, len(raw))
	for docID, v := range raw {
		var c models.DocChunk
		if err := json.Unmarshal([]byte(v), &c); err != nil {
			return nil, fmt.Errorf("decode chunk %s: %w", docID, err)
		}
		out = append(out, c)
	}
	return out, nil
}

type Session struct {
	store *Store
	id    string
}

func (s *Session) ID() string { return s.id }

// AddChunks writes chunks to the session hash. The hash inherits the
// session's remaining TTL.
func (s *Session) AddChunks(ctx context.Context, chunks []models.DocChunk) error {
	if len(chunks) == 0 {
		return nil
	}
	ttl, err := s.store.client.PTTL(ctx, s.store.metaKey(s.id)).Result()
	if err != nil {
		return err
	}
	values := make([]any, 0, len(chunks)*2)
	for _, c := range chunks {
		data, err := json.Marshal(c)
		if err != nil {
			return err
		}
		values = append(values, c.DocID, data)
	}
	pipe := s.store.client.TxPipeline()
	pipe.HSet(ctx, s.store.chunksKey(s.id), values...)
	if ttl > 0 {
		pipe.PExpire(ctx, s.store.chunksKey(s.id), ttl)
	}
	_, err = pipe.Exec(ctx)
	return err
}

func (s *Session) Chunks(ctx context.Context) ([]models.DocChunk, error) {
	return s.store.loadChunks(ctx, s.id)
}

func (s *Session) Search(ctx context.Context, q string, k int) ([]models.SearchHit, error) {
	idx, err := s.store.index(ctx, s.id)
	if err != nil {
		return nil, err
	}
	return idx.Search(q, k)
}
