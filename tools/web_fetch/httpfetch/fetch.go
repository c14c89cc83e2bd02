// Package httpfetch downloads pages with a plain HTTP client.
package httpfetch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/mohammad-safakhou/researcher/internal/helpers"
	"github.com/mohammad-safakhou/researcher/tools/web_fetch/article"
	"github.com/mohammad-safakhou/researcher/tools/web_fetch/models"
)

const (
	userAgent    = "ResearcherBot/1.0 (+https://github.com/mohammad-safakhou/researcher)"
	maxBodyBytes = 8 << 20
)

type Fetch struct {
	Timeout  time.Duration
	MaxChars int
	Client   *http.Client // nil uses http.DefaultClient
}

func (f Fetch) Exec(ctx context.Context, url string) (models.Result, error) {
	if strings.TrimSpace(url) == "" {
		return models.Result{}, errors.New("invalid url")
	}
	if f.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.Timeout)
		defer cancel()
	}
	t0 := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return models.Result{}, err
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")
	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return models.Result{}, err
	}
	body, err := helpers.ReadLimitAndClose(resp.Body, maxBodyBytes)
	if err != nil {
		return models.Result{}, err
	}
	if resp.StatusCode/100 != 2 {
		return models.Result{}, fmt.Errorf("fetch %s: http %d", url, resp.StatusCode)
	}
	return article.Parse(string(body), resp.Request.URL.String(), resp.StatusCode, f.MaxChars, t0)
}
