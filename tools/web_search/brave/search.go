package brave

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/mohammad-safakhou/researcher/internal/helpers"
	"github.com/mohammad-safakhou/researcher/tools/web_search/models"
)

const DefaultBaseURL = "https://api.search.brave.com/res/v1/web/search"

type Search struct {
	ApiKey  string
	BaseURL string       // empty uses DefaultBaseURL
	Client  *http.Client // nil uses http.DefaultClient
}

// Discover queries the Brave web search API. sites are folded into the
// query as site: operators; recency is in days.
func (s Search) Discover(ctx context.Context, q string, k int, sites []string, recency int) ([]models.Result, error) {
	// https://api.search.brave.com/app/documentation/web-search
	params := url.Values{}
	params.Set("q", withSites(q, sites))
	params.Set("count", strconv.Itoa(k))
	if f := freshness(recency); f != "" {
		params.Set("freshness", f)
	}
	base := s.BaseURL
	if base == "" {
		base = DefaultBaseURL
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Subscription-Token", s.ApiKey)

	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	body, err := helpers.ReadLimitAndClose(resp.Body, 4<<20)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("brave: http %d: %s", resp.StatusCode, helpers.Truncate(string(body), 200))
	}
	var raw struct {
		Web struct {
			Results []struct {
				Title   string `json:"title"`
				URL     string `json:"url"`
				Snippet string `json:"description"`
			} `json:"results"`
		} `json:"web"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("brave: decode: %w", err)
	}
	var out []models.Result
	for i, r := range raw.Web.Results {
		if i >= k {
			break
		}
		out = append(out, models.Result{Title: r.Title, URL: r.URL, Snippet: helpers.StripHTML(r.Snippet)})
	}
	return out, nil
}

func withSites(q string, sites []string) string {
	if len(sites) == 0 {
		return q
	}
	ops := make([]string, len(sites))
	for i, s := range sites {
		ops[i] = "site:" + s
	}
	return q + " (" + strings.Join(ops, " OR ") + ")"
}

func freshness(days int) string {
	switch {
	case days <= 0:
		return ""
	case days <= 1:
		return "pd"
	case days <= 7:
		return "pw"
	case days <= 31:
		return "pm"
	default:
		return "py"
	}
}
