// Package web_ingest chunks documents into per-session BM25 indexes and
// exposes them as the doc_ingest and doc_search tools.
package web_ingest

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/mohammad-safakhou/researcher/internal/capability"
	"github.com/mohammad-safakhou/researcher/internal/helpers"
	"github.com/mohammad-safakhou/researcher/internal/logging"
	"github.com/mohammad-safakhou/researcher/tools/web_ingest/models"
	"github.com/mohammad-safakhou/researcher/tools/web_ingest/session"
	"github.com/mohammad-safakhou/researcher/tools/web_ingest/session/inmemory"
	redis_session "github.com/mohammad-safakhou/researcher/tools/web_ingest/session/redis"
)

const (
	IngestToolName = "doc_ingest"
	SearchToolName = "doc_search"

	DefaultTTL   = 48 * time.Hour
	chunkSize    = 1000
	chunkOverlap = 200
)

type StoreType string

const (
	InMemoryStore StoreType = "inmemory"
	RedisStore    StoreType = "redis"
)

// NewStore builds the configured session store. rdb is required for redis.
func NewStore(storeType StoreType, rdb *redis.Client) (session.Store, error) {
	switch storeType {
	case InMemoryStore, "":
		return inmemory.NewInMemorySessionStore(), nil
	case RedisStore:
		if rdb == nil {
			return nil, errors.New("redis ingest store needs a redis client")
		}
		return redis_session.NewRedisSessionStore(rdb, "ingest"), nil
	default:
		return nil, fmt.Errorf("unsupported ingest store: %s", storeType)
	}
}

type Ingest struct {
	Store  session.Store
	ttl    time.Duration
	logger *zap.Logger
	now    func() time.Time
}

func NewIngest(store session.Store, ttl time.Duration, logger *zap.Logger) *Ingest {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Ingest{Store: store, ttl: ttl, logger: logging.OrNop(logger).Named("ingest"), now: time.Now}
}

// Ingest chunks docs into the session, creating it when sessionID is empty
// or expired. Documents without text, and repeats of a URL already seen in
// this batch, are skipped.
func (i *Ingest) Ingest(ctx context.Context, sessionID string, docs []models.DocInput, ttl time.Duration) (models.IngestResponse, error) {
	if len(docs) == 0 {
		return models.IngestResponse{}, errors.New("no documents provided")
	}
	if ttl <= 0 {
		ttl = i.ttl
	}
	sess, err := i.Store.EnsureSession(ctx, sessionID, ttl)
	if err != nil {
		return models.IngestResponse{}, err
	}

	var (
		chunks  []models.DocChunk
		skipped int
	)
	now := i.now().UTC()
	seen := make(map[string]struct{}, len(docs))
	for _, doc := range docs {
		if strings.TrimSpace(doc.Text) == "" {
			skipped++
			continue
		}
		if fp, err := helpers.URLFingerprint(doc.URL); err == nil && doc.URL != "" {
			if _, dup := seen[fp]; dup {
				skipped++
				continue
			}
			seen[fp] = struct{}{}
		}
		hash := sha1Hex(doc.Text)
		for n, part := range makeChunks(doc.Text, chunkSize, chunkOverlap) {
			chunks = append(chunks, models.DocChunk{
				DocID:        fmt.Sprintf("%s#%03d", hash, n),
				URL:          doc.URL,
				Title:        doc.Title,
				Text:         part,
				PublishedAt:  doc.PublishedAt,
				ContentHash:  hash,
				IngestedAt:   now,
				ChunkIndex:   n,
				SourceSessID: sess.ID(),
			})
		}
	}
	if err := sess.AddChunks(ctx, chunks); err != nil {
		return models.IngestResponse{}, fmt.Errorf("failed to add chunks: %w", err)
	}
	if sessionID != "" && sess.ID() != sessionID {
		i.logger.Warn("ingest session expired, started a new one", zap.String("requested", sessionID), zap.String("session_id", sess.ID()))
	}

	return models.IngestResponse{
		SessionID: sess.ID(),
		Chunks:    len(chunks),
		IndexedBM: len(chunks),
		Skipped:   skipped,
	}, nil
}

// Search ranks the session's chunks against q. k is clamped to 1..50.
func (i *Ingest) Search(ctx context.Context, sessionID, q string, k int) ([]models.SearchHit, error) {
	if k <= 0 || k > 50 {
		k = 10
	}
	sess, err := i.Store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return sess.Search(ctx, q, k)
}

func sha1Hex(s string) string {
	h := sha1.Sum([]byte(s))
	return hex.EncodeToString(h[:])
}

// makeChunks splits text into windows of approx runes that overlap by
// overlap runes.
func makeChunks(text string, approx, overlap int) []string {
	runes := []rune(strings.TrimSpace(text))
	if len(runes) <= approx {
		return []string{string(runes)}
	}
	var chunks []string
	for start := 0; start < len(runes); {
		end := start + approx
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, string(runes[start:end]))
		if end == len(runes) {
			break
		}
		start = end - overlap
		if start < 0 {
			start = 0
		}
	}
	return chunks
}

// IngestTool is doc_ingest.
type IngestTool struct{ ingest *Ingest }

func NewIngestTool(i *Ingest) *IngestTool { return &IngestTool{ingest: i} }

func (t *IngestTool) Card() capability.ToolCard {
	return capability.ToolCard{
		Name:          IngestToolName,
		Version:       "v1",
		Description:   "Index documents for full-text search. Omit session_id to start a new session; returns {session_id, chunks}.",
		ArgSchemaHint: `{"docs": [{"url": string, "title": string, "text": string}], "session_id": string (optional), "ttl_hours": int (optional)}`,
		InputSchema: map[string]any{
			"type":     "object",
			"required": []any{"docs"},
			"properties": map[string]any{
				"session_id": map[string]any{"type": "string"},
				"ttl_hours":  map[string]any{"type": "integer", "minimum": 0},
				"docs": map[string]any{
					"type":     "array",
					"minItems": 1,
					"items": map[string]any{
						"type":     "object",
						"required": []any{"text"},
						"properties": map[string]any{
							"url":   map[string]any{"type": "string"},
							"title": map[string]any{"type": "string"},
							"text":  map[string]any{"type": "string"},
						},
					},
				},
			},
		},
		SideEffects: []string{"writes_index"},
	}
}

func (t *IngestTool) Invoke(ctx context.Context, args map[string]any) (any, error) {
	var in struct {
		SessionID string            `json:"session_id"`
		TTLHours  int               `json:"ttl_hours"`
		Docs      []models.DocInput `json:"docs"`
	}
	if err := capability.DecodeArgs(args, &in); err != nil {
		return nil, err
	}
	return t.ingest.Ingest(ctx, in.SessionID, in.Docs, time.Duration(in.TTLHours)*time.Hour)
}

// SearchTool is doc_search.
type SearchTool struct{ ingest *Ingest }

func NewSearchTool(i *Ingest) *SearchTool { return &SearchTool{ingest: i} }

func (t *SearchTool) Card() capability.ToolCard {
	return capability.ToolCard{
		Name:          SearchToolName,
		Version:       "v1",
		Description:   "Full-text search over documents indexed by doc_ingest. Returns ranked {url, title, text, score} chunks.",
		ArgSchemaHint: `{"session_id": string, "query": string, "k": int (optional)}`,
		InputSchema: map[string]any{
			"type":     "object",
			"required": []any{"session_id", "query"},
			"properties": map[string]any{
				"session_id": map[string]any{"type": "string", "minLength": 1},
				"query":      map[string]any{"type": "string", "minLength": 1},
				"k":          map[string]any{"type": "integer"},
			},
		},
	}
}

func (t *SearchTool) Invoke(ctx context.Context, args map[string]any) (any, error) {
	var in struct {
		SessionID string `json:"session_id"`
		Query     string `json:"query"`
		K         int    `json:"k"`
	}
	if err := capability.DecodeArgs(args, &in); err != nil {
		return nil, err
	}
	return t.ingest.Search(ctx, in.SessionID, in.Query, in.K)
}
