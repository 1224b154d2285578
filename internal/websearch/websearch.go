// Package websearch is C8: it obtains web snippets when the confidence
// scorer routes a query to the web, via a JSON search API with an HTML
// scrape as a fallback when the API is unavailable.
package websearch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/html"

	"ragpilot/internal/apperr"
	"ragpilot/internal/domain"
)

const defaultTimeout = 8 * time.Second

// Result is one web search hit.
type Result struct {
	Title   string
	URL     string
	Snippet string
	Engine  string
	Rank    int
}

// Client calls an external search backend exposing both a JSON API and an
// HTML results page at the same base URL.
type Client struct {
	BaseURL string
	HTTP    *http.Client
	Timeout time.Duration
}

// New builds a Client. httpClient should already carry instrumentation.
func New(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{BaseURL: baseURL, HTTP: httpClient, Timeout: defaultTimeout}
}

// Search tries the JSON API first and falls back to scraping the HTML
// results page once. If both fail it returns WebSearchUnavailable.
func (c *Client) Search(ctx context.Context, query string) ([]Result, error) {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	sctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	results, jsonErr := c.searchJSON(sctx, query)
	if jsonErr == nil {
		return results, nil
	}

	results, htmlErr := c.searchHTML(sctx, query)
	if htmlErr == nil {
		return results, nil
	}

	return nil, apperr.Wrap(apperr.KindUpstreamUnavailable, apperr.CodeWebSearchUnavailable,
		fmt.Sprintf("web search unavailable: json=%v html=%v", jsonErr, htmlErr), htmlErr)
}

type jsonResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Content string `json:"content"`
	Engine  string `json:"engine"`
}

type jsonResponse struct {
	Results []jsonResult `json:"results"`
}

func (c *Client) searchJSON(ctx context.Context, query string) ([]Result, error) {
	u := fmt.Sprintf("%s/search?q=%s&format=json", c.BaseURL, url.QueryEscape(query))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("search api status %d", resp.StatusCode)
	}

	var parsed jsonResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, err
	}
	if len(parsed.Results) == 0 {
		return nil, fmt.Errorf("search api returned no results")
	}

	out := make([]Result, len(parsed.Results))
	for i, r := range parsed.Results {
		out[i] = Result{Title: r.Title, URL: r.URL, Snippet: r.Content, Engine: r.Engine, Rank: i + 1}
	}
	return out, nil
}

func (c *Client) searchHTML(ctx context.Context, query string) ([]Result, error) {
	u := fmt.Sprintf("%s/search?q=%s", c.BaseURL, url.QueryEscape(query))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("search html status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	results, err := parseResultCards(string(body))
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, fmt.Errorf("search html returned no results")
	}
	return results, nil
}

// parseResultCards extracts (title, href, snippet) triples from result
// anchors in a search results page. It walks the parsed DOM looking for
// anchors tagged with a result class and takes the text of the first
// non-empty element after the anchor's parent as the snippet, a shape common
// to SearXNG-style result templates.
func parseResultCards(document string) ([]Result, error) {
	doc, err := html.Parse(strings.NewReader(document))
	if err != nil {
		return nil, err
	}

	var out []Result
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "a" && hasResultClass(n) {
			href := attr(n, "href")
			title := collectText(n)
			snippet := siblingSnippet(n)
			if href != "" && title != "" {
				out = append(out, Result{Title: title, URL: href, Snippet: snippet, Engine: "html", Rank: len(out) + 1})
			}
		}
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	walk(doc)
	return out, nil
}

func hasResultClass(n *html.Node) bool {
	class := attr(n, "class")
	return strings.Contains(class, "result") || strings.Contains(class, "url")
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func collectText(n *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
		}
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	walk(n)
	return strings.TrimSpace(sb.String())
}

// siblingSnippet returns the text of the first non-empty element that
// follows the anchor's parent (e.g. a <p> after an <h3> wrapping the anchor),
// a common layout for result-card snippets. Siblings of the anchor itself
// are not examined.
func siblingSnippet(n *html.Node) string {
	parent := n.Parent
	if parent == nil {
		return ""
	}
	for sib := parent.NextSibling; sib != nil; sib = sib.NextSibling {
		if sib.Type == html.ElementNode {
			if text := collectText(sib); text != "" {
				return text
			}
		}
	}
	return ""
}

// ToCandidates maps web results to synthetic chunks for C7: content becomes
// the chunk text, source becomes the URL.
func ToCandidates(results []Result) []domain.Candidate {
	out := make([]domain.Candidate, len(results))
	for i, r := range results {
		out[i] = domain.Candidate{
			ChunkID:    fmt.Sprintf("web:%d", i),
			Text:       r.Snippet,
			Title:      r.Title,
			URL:        r.URL,
			FusedScore: 1.0 / float64(r.Rank),
			Rank:       i,
		}
	}
	return out
}
