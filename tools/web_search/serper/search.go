package serper

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/mohammad-safakhou/researcher/internal/helpers"
	"github.com/mohammad-safakhou/researcher/tools/web_search/models"
)

const DefaultBaseURL = "https://google.serper.dev/search"

type Search struct {
	ApiKey  string
	BaseURL string
	Client  *http.Client
}

func (s Search) Discover(ctx context.Context, q string, k int, sites []string, recency int) ([]models.Result, error) {
	// https://serper.dev/ docs
	if len(sites) > 0 {
		ops := make([]string, len(sites))
		for i, site := range sites {
			ops[i] = "site:" + site
		}
		q += " " + strings.Join(ops, " OR ")
	}
	payload := map[string]any{"q": q, "num": k}
	if recency > 0 {
		payload["tbs"] = fmt.Sprintf("qdr:d%d", recency)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	base := s.BaseURL
	if base == "" {
		base = DefaultBaseURL
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-API-KEY", s.ApiKey)
	req.Header.Set("Content-Type", "application/json")
	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	data, err := helpers.ReadLimitAndClose(resp.Body, 4<<20)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("serper: http %d: %s", resp.StatusCode, helpers.Truncate(string(data), 200))
	}
	var raw struct {
		Organic []struct {
			Title   string `json:"title"`
			Link    string `json:"link"`
			Snippet string `json:"snippet"`
		} `json:"organic"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("serper: decode: %w", err)
	}

	var out []models.Result
	for i, it := range raw.Organic {
		if i >= k {
			break
		}
		out = append(out, models.Result{Title: it.Title, URL: it.Link, Snippet: it.Snippet})
	}
	return out, nil
}
