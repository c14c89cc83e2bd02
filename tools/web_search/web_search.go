// Package web_search exposes a search engine as the web_search tool.
package web_search

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"github.com/mohammad-safakhou/researcher/internal/capability"
	"github.com/mohammad-safakhou/researcher/internal/helpers"
	"github.com/mohammad-safakhou/researcher/internal/logging"
	"github.com/mohammad-safakhou/researcher/tools/web_search/brave"
	"github.com/mohammad-safakhou/researcher/tools/web_search/models"
	"github.com/mohammad-safakhou/researcher/tools/web_search/serper"
)

const ToolName = "web_search"

type WebSearcher interface {
	Discover(ctx context.Context, q string, k int, sites []string, recency int) ([]models.Result, error)
}

type Provider string

const (
	SerperProvider Provider = "serper"
	BraveProvider  Provider = "brave"
)

var (
	ErrUnsupportedProvider = errors.New("unsupported search provider")
	ErrMissingAPIKey       = errors.New("search api key is required")
)

func NewWebSearcher(provider Provider, apiKey string) (WebSearcher, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, ErrMissingAPIKey
	}
	switch provider {
	case SerperProvider:
		return serper.Search{ApiKey: apiKey}, nil
	case BraveProvider:
		return brave.Search{ApiKey: apiKey}, nil
	default:
		return nil, ErrUnsupportedProvider
	}
}

// Tool adapts a WebSearcher to the tool registry.
type Tool struct {
	searcher   WebSearcher
	maxResults int
	logger     *zap.Logger
}

func NewTool(s WebSearcher, maxResults int, logger *zap.Logger) *Tool {
	if maxResults <= 0 {
		maxResults = 8
	}
	return &Tool{searcher: s, maxResults: maxResults, logger: logging.OrNop(logger).Named(ToolName)}
}

func (t *Tool) Card() capability.ToolCard {
	return capability.ToolCard{
		Name:          ToolName,
		Version:       "v1",
		Description:   "Search the web. Returns a list of {title, url, snippet}.",
		ArgSchemaHint: `{"query": string, "k": int (optional), "sites": [string] (optional), "recency_days": int (optional)}`,
		InputSchema: map[string]any{
			"type":     "object",
			"required": []any{"query"},
			"properties": map[string]any{
				"query":        map[string]any{"type": "string", "minLength": 1},
				"k":            map[string]any{"type": "integer", "minimum": 1, "maximum": 50},
				"sites":        map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
				"recency_days": map[string]any{"type": "integer", "minimum": 0},
			},
		},
		SideEffects: []string{"network"},
	}
}

type searchArgs struct {
	Query   string   `json:"query"`
	K       int      `json:"k"`
	Sites   []string `json:"sites"`
	Recency int      `json:"recency_days"`
}

// Invoke runs the search and drops results that point at the same page.
func (t *Tool) Invoke(ctx context.Context, args map[string]any) (any, error) {
	var in searchArgs
	if err := capability.DecodeArgs(args, &in); err != nil {
		return nil, err
	}
	if strings.TrimSpace(in.Query) == "" {
		return nil, errors.New("query is required")
	}
	k := in.K
	if k <= 0 || k > t.maxResults {
		k = t.maxResults
	}
	results, err := t.searcher.Discover(ctx, in.Query, k, in.Sites, in.Recency)
	if err != nil {
		return nil, err
	}
	out := Dedupe(results)
	t.logger.Debug("search complete", zap.String("query", in.Query), zap.Int("results", len(out)))
	return out, nil
}

// Dedupe keeps the first result per canonical URL. Results with an
// unparseable URL are kept as they are.
func Dedupe(results []models.Result) []models.Result {
	seen := make(map[string]struct{}, len(results))
	out := make([]models.Result, 0, len(results))
	for _, r := range results {
		key := r.URL
		if canonical, err := helpers.CanonicalURL(r.URL); err == nil {
			key = canonical
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, r)
	}
	return out
}
