package fetch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// ErrBlocked signals a paywall/403/robots rejection — distinct from a
// transient transport failure so callers can classify content_status
// accordingly (§4.7).
var ErrBlocked = errors.New("fetch: source blocked the request")

// ErrUnparseable signals a page that loaded fine but yielded no extractable
// article text — distinct from a transport failure or a block.
var ErrUnparseable = errors.New("fetch: could not parse article content")

// FetchResult is one provider's successful extraction.
type FetchResult struct {
	Text      string
	WordCount int
	Language  string
	Authors   []string
}

// ContentProvider fetches and extracts article text from a URL. Each
// provider_type (scraper, vendor) implements this once, mirroring the
// Provider-per-type shape pkg/llm uses for chat providers.
type ContentProvider interface {
	Name() string
	Fetch(ctx context.Context, url string) (FetchResult, error)
}

// ProviderChain tries providers in order, returning the first success.
type ProviderChain struct {
	byName map[string]ContentProvider
	order  []string // default order when an item specifies no chain
}

func NewProviderChain(providers ...ContentProvider) *ProviderChain {
	c := &ProviderChain{byName: make(map[string]ContentProvider, len(providers))}
	for _, p := range providers {
		c.byName[p.Name()] = p
		c.order = append(c.order, p.Name())
	}
	return c
}

// Fetch tries chain (or the default order if chain is empty) in sequence,
// returning the first provider's successful result along with its name.
// If every provider fails, the last error wins — matching the Python
// fetch_with_fallback behavior of surfacing the final attempt's reason.
func (c *ProviderChain) Fetch(ctx context.Context, url string, chain []string) (FetchResult, string, error) {
	names := chain
	if len(names) == 0 {
		names = c.order
	}

	var lastErr error
	var lastName string
	for _, name := range names {
		p, ok := c.byName[name]
		if !ok {
			continue
		}
		result, err := p.Fetch(ctx, url)
		if err == nil {
			return result, name, nil
		}
		lastErr, lastName = err, name
	}
	if lastErr == nil {
		return FetchResult{}, "", fmt.Errorf("fetch: no provider available for %s", url)
	}
	return FetchResult{}, lastName, lastErr
}

// ScraperProvider extracts article text directly from the page's HTML,
// generalized from the teacher's video-transcript HTML scraping to article
// bodies via goquery selectors.
type ScraperProvider struct {
	client    *http.Client
	userAgent string
}

func NewScraperProvider(client *http.Client) *ScraperProvider {
	if client == nil {
		client = http.DefaultClient
	}
	return &ScraperProvider{client: client, userAgent: "Mozilla/5.0 (compatible; webstock-fetcher/1.0)"}
}

func (s *ScraperProvider) Name() string { return "scraper" }

var whitespaceRun = regexp.MustCompile(`\s+`)

func (s *ScraperProvider) Fetch(ctx context.Context, url string) (FetchResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return FetchResult{}, err
	}
	req.Header.Set("User-Agent", s.userAgent)

	resp, err := s.client.Do(req)
	if err != nil {
		return FetchResult{}, fmt.Errorf("scraper: request %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusTooManyRequests {
		return FetchResult{}, fmt.Errorf("scraper: %s returned %d: %w", url, resp.StatusCode, ErrBlocked)
	}
	if resp.StatusCode != http.StatusOK {
		return FetchResult{}, fmt.Errorf("scraper: %s returned status %d", url, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return FetchResult{}, fmt.Errorf("scraper: read body for %s: %w", url, err)
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(string(body)))
	if err != nil {
		return FetchResult{}, fmt.Errorf("scraper: parse html for %s: %w: %w", url, ErrUnparseable, err)
	}

	text := extractArticleText(doc)
	if text == "" {
		return FetchResult{}, fmt.Errorf("scraper: no article text found at %s: %w", url, ErrUnparseable)
	}

	return FetchResult{
		Text:      text,
		WordCount: len(strings.Fields(text)),
		Language:  "en",
		Authors:   extractAuthors(doc),
	}, nil
}

// extractArticleText prefers <article>, then the densest block of <p> tags —
// a minimal readability heuristic in place of the original's newspaper3k
// dependency, which has no Go equivalent in the corpus.
func extractArticleText(doc *goquery.Document) string {
	if article := doc.Find("article").First(); article.Length() > 0 {
		if text := paragraphText(article); text != "" {
			return text
		}
	}
	return paragraphText(doc.Selection)
}

func paragraphText(sel *goquery.Selection) string {
	var sb strings.Builder
	sel.Find("p").Each(func(_ int, p *goquery.Selection) {
		t := strings.TrimSpace(p.Text())
		if len(t) < 40 {
			return // skip boilerplate/caption-length paragraphs
		}
		sb.WriteString(t)
		sb.WriteString("\n\n")
	})
	return strings.TrimSpace(whitespaceRun.ReplaceAllString(sb.String(), " "))
}

func extractAuthors(doc *goquery.Document) []string {
	var authors []string
	doc.Find(`meta[name="author"]`).Each(func(_ int, m *goquery.Selection) {
		if v, ok := m.Attr("content"); ok && v != "" {
			authors = append(authors, v)
		}
	})
	return authors
}

// VendorProvider calls a structured vendor content API (e.g. a market-data
// provider's article-body endpoint) as the scraper's fallback, grounded on
// the original's Polygon fallback path in full_content_service.
type VendorProvider struct {
	client  *http.Client
	baseURL string
	apiKey  string
}

func NewVendorProvider(client *http.Client, baseURL, apiKey string) *VendorProvider {
	if client == nil {
		client = http.DefaultClient
	}
	return &VendorProvider{client: client, baseURL: baseURL, apiKey: apiKey}
}

func (v *VendorProvider) Name() string { return "vendor" }

type vendorArticleResponse struct {
	Body      string   `json:"body"`
	Language  string   `json:"language"`
	Authors   []string `json:"authors"`
	WordCount int      `json:"word_count"`
}

func (v *VendorProvider) Fetch(ctx context.Context, url string) (FetchResult, error) {
	if v.baseURL == "" {
		return FetchResult{}, fmt.Errorf("vendor: %w: no base URL configured", ErrNoVendorConfig)
	}
	endpoint := fmt.Sprintf("%s?url=%s&apiKey=%s", v.baseURL, url, v.apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return FetchResult{}, err
	}

	resp, err := v.client.Do(req)
	if err != nil {
		return FetchResult{}, fmt.Errorf("vendor: request for %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusPaymentRequired {
		return FetchResult{}, fmt.Errorf("vendor: %s returned %d: %w", url, resp.StatusCode, ErrBlocked)
	}
	if resp.StatusCode != http.StatusOK {
		return FetchResult{}, fmt.Errorf("vendor: %s returned status %d", url, resp.StatusCode)
	}

	var parsed vendorArticleResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return FetchResult{}, fmt.Errorf("vendor: decode response for %s: %w", url, err)
	}
	if parsed.Body == "" {
		return FetchResult{}, fmt.Errorf("vendor: empty body for %s", url)
	}

	wc := parsed.WordCount
	if wc == 0 {
		wc = len(strings.Fields(parsed.Body))
	}
	return FetchResult{Text: parsed.Body, WordCount: wc, Language: parsed.Language, Authors: parsed.Authors}, nil
}

// ErrNoVendorConfig signals the vendor provider was selected but never
// configured with a base URL — a deployment error, not a per-request one.
var ErrNoVendorConfig = errors.New("fetch: vendor provider not configured")
