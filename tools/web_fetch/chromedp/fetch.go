// Package chromedp renders pages in headless Chrome before extraction, for
// sources that build their content with JavaScript.
package chromedp

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"github.com/mohammad-safakhou/researcher/tools/web_fetch/article"
	"github.com/mohammad-safakhou/researcher/tools/web_fetch/models"
)

const userAgent = "ResearcherBot/1.0 (+https://github.com/mohammad-safakhou/researcher)"

// Fetch starts a fresh browser per call. Settle is how long to wait after
// the body is ready so client-side rendering can finish; zero skips it.
type Fetch struct {
	Timeout  time.Duration
	MaxChars int
	Settle   time.Duration
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
	started := time.Now()

	page, err := f.render(ctx, url)
	if err != nil {
		return models.Result{}, fmt.Errorf("render %s: %w", url, err)
	}
	if page.status >= 400 {
		return models.Result{}, fmt.Errorf("fetch %s: http %d", url, page.status)
	}
	return article.Parse(page.html, page.finalURL, page.status, f.MaxChars, started)
}

type renderedPage struct {
	html     string
	finalURL string
	status   int
}

func (f Fetch) render(ctx context.Context, url string) (renderedPage, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.UserAgent(userAgent),
	)
	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, opts...)
	defer cancelAlloc()
	tabCtx, cancelTab := chromedp.NewContext(allocCtx)
	defer cancelTab()

	// the first document response is the page itself; later ones are frames
	var (
		mu     sync.Mutex
		status int
	)
	chromedp.ListenTarget(tabCtx, func(ev any) {
		resp, ok := ev.(*network.EventResponseReceived)
		if !ok || resp.Type != network.ResourceTypeDocument {
			return
		}
		mu.Lock()
		if status == 0 {
			status = int(resp.Response.Status)
		}
		mu.Unlock()
	})

	var page renderedPage
	actions := []chromedp.Action{
		network.Enable(),
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
	}
	if f.Settle > 0 {
		actions = append(actions, chromedp.Sleep(f.Settle))
	}
	actions = append(actions,
		chromedp.Location(&page.finalURL),
		chromedp.OuterHTML("html", &page.html, chromedp.ByQuery),
	)
	if err := chromedp.Run(tabCtx, actions...); err != nil {
		return renderedPage{}, err
	}

	mu.Lock()
	page.status = status
	mu.Unlock()
	if page.status == 0 {
		// served from cache or a non-http scheme
		page.status = 200
	}
	if page.finalURL == "" {
		page.finalURL = url
	}
	return page, nil
}
