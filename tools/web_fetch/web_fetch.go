// Package web_fetch exposes page retrieval as the web_fetch tool.
package web_fetch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mohammad-safakhou/researcher/internal/capability"
	"github.com/mohammad-safakhou/researcher/internal/helpers"
	"github.com/mohammad-safakhou/researcher/tools/web_fetch/chromedp"
	"github.com/mohammad-safakhou/researcher/tools/web_fetch/httpfetch"
	"github.com/mohammad-safakhou/researcher/tools/web_fetch/models"
)

const (
	ToolName        = "web_fetch"
	DefaultTimeout  = 15 * time.Second
	MaxCharsDefault = 20000
)

type WebFetcher interface {
	Exec(ctx context.Context, url string) (models.Result, error)
}

type FetcherType string

const (
	HTTPFetcherType     FetcherType = "http"
	ChromedpFetcherType FetcherType = "chromedp"
)

var ErrUnsupportedFetcher = errors.New("unsupported fetcher type")

func NewWebFetcher(fetcherType FetcherType, timeout time.Duration, maxChars int) (WebFetcher, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if maxChars <= 0 {
		maxChars = MaxCharsDefault
	}

	switch fetcherType {
	case HTTPFetcherType, "":
		return httpfetch.Fetch{Timeout: timeout, MaxChars: maxChars}, nil
	case ChromedpFetcherType:
		return chromedp.Fetch{Timeout: timeout, MaxChars: maxChars}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFetcher, fetcherType)
	}
}

// URLGuard rejects URLs before they are fetched.
type URLGuard interface {
	Check(rawURL string) error
}

// Tool adapts a WebFetcher to the tool registry.
type Tool struct {
	fetcher WebFetcher
	guard   URLGuard
}

type ToolOption func(*Tool)

// WithGuard checks every canonical URL before fetching it.
func WithGuard(g URLGuard) ToolOption { return func(t *Tool) { t.guard = g } }

func NewTool(f WebFetcher, opts ...ToolOption) *Tool {
	t := &Tool{fetcher: f}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Tool) Card() capability.ToolCard {
	return capability.ToolCard{
		Name:          ToolName,
		Version:       "v1",
		Description:   "Download a web page and return its readable text with title, byline and publish date.",
		ArgSchemaHint: `{"url": string}`,
		InputSchema: map[string]any{
			"type":     "object",
			"required": []any{"url"},
			"properties": map[string]any{
				"url": map[string]any{"type": "string", "minLength": 1},
			},
		},
		SideEffects: []string{"network"},
	}
}

func (t *Tool) Invoke(ctx context.Context, args map[string]any) (any, error) {
	var in struct {
		URL string `json:"url"`
	}
	if err := capability.DecodeArgs(args, &in); err != nil {
		return nil, err
	}
	target, err := helpers.CanonicalURL(in.URL)
	if err != nil {
		return nil, fmt.Errorf("url %q: %w", in.URL, err)
	}
	if !strings.HasPrefix(target, "http://") && !strings.HasPrefix(target, "https://") {
		return nil, fmt.Errorf("url %q: only http and https are supported", in.URL)
	}
	if t.guard != nil {
		if err := t.guard.Check(target); err != nil {
			return nil, err
		}
	}
	return t.fetcher.Exec(ctx, target)
}
