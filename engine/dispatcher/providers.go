package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/mmcdole/gofeed"

	"github.com/avesed/webstock/engine/domain"
)

// RSSFetcher parses a feed's route as an RSS/Atom URL, grounded on the
// gofeed-based aggregation used across the retrieved news-monitoring repos.
type RSSFetcher struct {
	parser *gofeed.Parser
}

func NewRSSFetcher(client *http.Client) *RSSFetcher {
	p := gofeed.NewParser()
	if client != nil {
		p.Client = client
	}
	return &RSSFetcher{parser: p}
}

func (f *RSSFetcher) FetchHeadlines(ctx context.Context, feed domain.Feed) ([]Headline, error) {
	parsed, err := f.parser.ParseURLWithContext(feed.Route, ctx)
	if err != nil {
		return nil, fmt.Errorf("rss: parse %s: %w", feed.Route, err)
	}

	out := make([]Headline, 0, len(parsed.Items))
	for _, item := range parsed.Items {
		if item.Link == "" {
			continue
		}
		h := Headline{
			URL:     item.Link,
			Title:   strings.TrimSpace(item.Title),
			Summary: strings.TrimSpace(item.Description),
		}
		if item.PublishedParsed != nil {
			h.PublishedAt = *item.PublishedParsed
		}
		out = append(out, h)
	}
	return out, nil
}

// VendorFetcher calls a structured vendor headline-list API keyed by the
// feed's route (a symbol or category code, not a URL), grounded on the
// original's Polygon/benzinga news-list fallback.
type VendorFetcher struct {
	client  *http.Client
	baseURL string
	apiKey  string
}

func NewVendorFetcher(client *http.Client, baseURL, apiKey string) *VendorFetcher {
	if client == nil {
		client = http.DefaultClient
	}
	return &VendorFetcher{client: client, baseURL: baseURL, apiKey: apiKey}
}

type vendorHeadline struct {
	URL          string `json:"url"`
	Title        string `json:"title"`
	Summary      string `json:"summary"`
	Symbol       string `json:"symbol"`
	MarketRegion string `json:"market_region"`
	PublishedAt  string `json:"published_at"`
}

func (f *VendorFetcher) FetchHeadlines(ctx context.Context, feed domain.Feed) ([]Headline, error) {
	if f.baseURL == "" {
		return nil, fmt.Errorf("vendor: no base URL configured")
	}
	endpoint := fmt.Sprintf("%s?route=%s&apiKey=%s", f.baseURL, feed.Route, f.apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("vendor: request for feed %s: %w", feed.ID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("vendor: feed %s returned status %d", feed.ID, resp.StatusCode)
	}

	var parsed []vendorHeadline
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("vendor: decode headlines for feed %s: %w", feed.ID, err)
	}

	out := make([]Headline, 0, len(parsed))
	for _, v := range parsed {
		if v.URL == "" {
			continue
		}
		out = append(out, Headline{
			URL: v.URL, Title: v.Title, Summary: v.Summary,
			Symbol: v.Symbol, MarketRegion: v.MarketRegion,
		})
	}
	return out, nil
}
