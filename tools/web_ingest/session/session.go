package session

import (
	"context"
	"errors"
	"time"

	"github.com/mohammad-safakhou/researcher/tools/web_ingest/models"
)

var ErrNotFound = errors.New("session not found")

// Store creates and looks up ingest sessions.
type Store interface {
	// EnsureSession returns the live session id, or a new one when id is
	// empty or expired. Either way the TTL is refreshed.
	EnsureSession(ctx context.Context, id string, ttl time.Duration) (Session, error)
	GetSession(ctx context.Context, id string) (Session, error)
}

// Session is one BM25-searchable set of chunks.
type Session interface {
	ID() string
	AddChunks(ctx context.Context, chunks []models.DocChunk) error
	Chunks(ctx context.Context) ([]models.DocChunk, error)
	Search(ctx context.Context, q string, k int) ([]models.SearchHit, error)
}
