package web_fetch

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mohammad-safakhou/researcher/internal/capability"
	"github.com/mohammad-safakhou/researcher/tools/web_fetch/chromedp"
	"github.com/mohammad-safakhou/researcher/tools/web_fetch/httpfetch"
	"github.com/mohammad-safakhou/researcher/tools/web_fetch/models"
)

const page = `<!doctype html>
<html><head><title>Quarterly results</title>
<meta name="author" content="Jane Roe">
<script>alert("x")</script></head>
<body><nav>Home | About</nav>
<article><h1>Quarterly results</h1>
<p>Revenue grew twelve percent compared with the same quarter last year, driven by subscriptions.</p>
<p>Operating costs were flat while the company hired forty engineers across three offices.</p>
<p>The board approved a dividend and confirmed guidance for the remainder of the fiscal year.</p>
</article></body></html>`

func TestHTTPFetchExtractsArticle(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Contains(t, r.Header.Get("User-Agent"), "ResearcherBot")
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(page))
	}))
	defer srv.Close()

	res, err := httpfetch.Fetch{Timeout: time.Second, MaxChars: 40}.Exec(context.Background(), srv.URL+"/q3")
	require.NoError(t, err)
	require.Equal(t, 200, res.Status)
	require.Equal(t, "Quarterly results", res.Title)
	require.True(t, res.Truncated)
	require.LessOrEqual(t, len([]rune(res.Text)), 40)
	require.NotContains(t, res.Text, "alert")
	require.Len(t, res.HTMLHash, 40)
}

func TestHTTPFetchRejectsErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	_, err := httpfetch.Fetch{}.Exec(context.Background(), srv.URL)
	require.ErrorContains(t, err, "http 404")
}

func TestNewWebFetcher(t *testing.T) {
	f, err := NewWebFetcher("", 0, 0)
	require.NoError(t, err)
	require.Equal(t, httpfetch.Fetch{Timeout: DefaultTimeout, MaxChars: MaxCharsDefault}, f)

	f, err = NewWebFetcher(ChromedpFetcherType, time.Second, 10)
	require.NoError(t, err)
	require.IsType(t, chromedp.Fetch{}, f)

	_, err = NewWebFetcher("wget", 0, 0)
	require.ErrorIs(t, err, ErrUnsupportedFetcher)
}

type recordingFetcher struct{ got string }

func (r *recordingFetcher) Exec(_ context.Context, url string) (models.Result, error) {
	r.got = url
	return models.Result{URL: url, Text: "ok", Status: 200}, nil
}

func TestToolCanonicalizesURL(t *testing.T) {
	rec := &recordingFetcher{}
	reg := capability.NewRegistry()
	require.NoError(t, reg.Register(NewTool(rec)))

	out, err := reg.Invoke(context.Background(), ToolName, map[string]any{"url": "Example.com/a/../b?utm_source=x#top"})
	require.NoError(t, err)
	require.Equal(t, "https://example.com/b", rec.got)
	require.Equal(t, "ok", out.(models.Result).Text)

	_, err = reg.Invoke(context.Background(), ToolName, map[string]any{"url": "ftp://example.com/file"})
	require.Error(t, err)
	require.True(t, strings.Contains(err.Error(), "only http and https"))
}

type denyAll struct{}

func (denyAll) Check(string) error { return errors.New("denied") }

func TestToolGuardRunsBeforeFetch(t *testing.T) {
	rec := &recordingFetcher{}
	reg := capability.NewRegistry()
	require.NoError(t, reg.Register(NewTool(rec, WithGuard(denyAll{}))))

	_, err := reg.Invoke(context.Background(), ToolName, map[string]any{"url": "https://example.com"})
	require.ErrorContains(t, err, "denied")
	require.Empty(t, rec.got)
}
