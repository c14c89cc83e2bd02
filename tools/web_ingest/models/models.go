package models

import "time"

// DocInput is one document handed to doc_ingest. web_fetch results decode
// into it directly.
type DocInput struct {
	URL         string `json:"url"`
	Title       string `json:"title"`
	Text        string `json:"text"`
	PublishedAt string `json:"published_at,omitempty"`
}

// DocChunk is the indexed unit.
type DocChunk struct {
	DocID        string    `json:"doc_id"`
	URL          string    `json:"url"`
	Title        string    `json:"title"`
	Text         string    `json:"text"`
	PublishedAt  string    `json:"published_at,omitempty"`
	ContentHash  string    `json:"content_hash"`
	IngestedAt   time.Time `json:"ingested_at"`
	ChunkIndex   int       `json:"chunk_index"`
	SourceSessID string    `json:"source_session_id"`
}

type IngestResponse struct {
	SessionID string `json:"session_id"`
	Chunks    int    `json:"chunks"`
	IndexedBM int    `json:"indexed_bm25"`
	Skipped   int    `json:"skipped,omitempty"`
}

// SearchHit is one ranked chunk.
type SearchHit struct {
	DocID string  `json:"doc_id"`
	URL   string  `json:"url"`
	Title string  `json:"title"`
	Text  string  `json:"text"`
	Score float64 `json:"score"`
}
