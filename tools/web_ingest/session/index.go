package session

import (
	"fmt"
	"sync"

	"github.com/blevesearch/bleve"

	"github.com/mohammad-safakhou/researcher/tools/web_ingest/models"
)

// Index is an in-process bleve index plus the chunk bodies it was built
// from. It is safe for concurrent use.
type Index struct {
	mu    sync.RWMutex
	bleve bleve.Index
	meta  map[string]models.DocChunk
}

func NewIndex() (*Index, error) {
	idx, err := bleve.NewMemOnly(bleve.NewIndexMapping())
	if err != nil {
		return nil, fmt.Errorf("bleve: %w", err)
	}
	return &Index{bleve: idx, meta: make(map[string]models.DocChunk)}, nil
}

// Add indexes chunks in one batch. Known doc ids are replaced.
func (x *Index) Add(chunks []models.DocChunk) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	batch := x.bleve.NewBatch()
	for _, c := range chunks {
		if err := batch.Index(c.DocID, c); err != nil {
			return err
		}
	}
	if err := x.bleve.Batch(batch); err != nil {
		return err
	}
	for _, c := range chunks {
		x.meta[c.DocID] = c
	}
	return nil
}

func (x *Index) Has(docID string) bool {
	x.mu.RLock()
	defer x.mu.RUnlock()
	_, ok := x.meta[docID]
	return ok
}

func (x *Index) Chunks() []models.DocChunk {
	x.mu.RLock()
	defer x.mu.RUnlock()
	out := make([]models.DocChunk, 0, len(x.meta))
	for _, c := range x.meta {
		out = append(out, c)
	}
	return out
}

// Search ranks chunks by BM25 match on q.
func (x *Index) Search(q string, k int) ([]models.SearchHit, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	req := bleve.NewSearchRequestOptions(bleve.NewMatchQuery(q), k, 0, false)
	res, err := x.bleve.Search(req)
	if err != nil {
		return nil, fmt.Errorf("bleve search: %w", err)
	}
	hits := make([]models.SearchHit, 0, len(res.Hits))
	for _, h := range res.Hits {
		c, ok := x.meta[h.ID]
		if !ok {
			continue
		}
		hits = append(hits, models.SearchHit{DocID: c.DocID, URL: c.URL, Title: c.Title, Text: c.Text, Score: h.Score})
	}
	return hits, nil
}

func (x *Index) Close() error { return x.bleve.Close() }
