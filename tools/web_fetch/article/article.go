// Package article turns raw HTML into readable text.
package article

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-shiori/go-readability"

	"github.com/mohammad-safakhou/researcher/internal/helpers"
	"github.com/mohammad-safakhou/researcher/tools/web_fetch/models"
)

// Parse extracts the main article of html. Text is capped at maxChars runes.
func Parse(html, pageURL string, status, maxChars int, started time.Time) (models.Result, error) {
	u, err := url.Parse(pageURL)
	if err != nil {
		return models.Result{}, fmt.Errorf("parse url: %w", err)
	}
	art, err := readability.FromReader(strings.NewReader(html), u)
	if err != nil {
		return models.Result{}, fmt.Errorf("readability: %w", err)
	}

	text := helpers.StripHTML(art.TextContent)
	truncated := false
	if maxChars > 0 && utf8.RuneCountInString(text) > maxChars {
		text = string([]rune(text)[:maxChars])
		truncated = true
	}

	sum := sha1.Sum([]byte(html))
	res := models.Result{
		URL:       pageURL,
		Title:     strings.TrimSpace(art.Title),
		Byline:    strings.TrimSpace(art.Byline),
		SiteName:  strings.TrimSpace(art.SiteName),
		Excerpt:   helpers.StripHTML(art.Excerpt),
		Text:      text,
		TopImage:  art.Image,
		HTMLHash:  hex.EncodeToString(sum[:]),
		Status:    status,
		RenderMS:  int(time.Since(started) / time.Millisecond),
		Truncated: truncated,
	}
	if art.PublishedTime != nil {
		res.PublishedAt = art.PublishedTime.UTC().Format(time.RFC3339)
	}
	return res, nil
}
