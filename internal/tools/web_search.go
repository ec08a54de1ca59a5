package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/steiger/concierge/internal/config"
)

const searchResultLimit = 8

// SearchTool queries a SearXNG instance and returns the top results.
type SearchTool struct {
	Config *config.Config
	Client *http.Client
}

func NewSearchTool(cfg *config.Config) *SearchTool {
	return &SearchTool{Config: cfg, Client: &http.Client{Timeout: 30 * time.Second}}
}

func (t *SearchTool) Name() string { return "web_search" }

func (t *SearchTool) Description() string {
	return "Search the web. Returns titles, URLs and snippets of the top results. " +
		"Use read_url afterwards to fetch the full content of a result."
}

func (t *SearchTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"query": map[string]any{
				"type":        "string",
				"description": "The search query",
			},
			"engine": map[string]any{
				"type":        "string",
				"description": "Optional configured search engine name",
			},
		},
		"required": []string{"query"},
	}
}

type searxResponse struct {
	Results []struct {
		Title   string `json:"title"`
		URL     string `json:"url"`
		Content string `json:"content"`
	} `json:"results"`
}

func (t *SearchTool) Execute(ctx context.Context, args map[string]any) *Result {
	query := strings.TrimSpace(stringArg(args, "query"))
	if query == "" {
		return Errf("missing query")
	}
	base := t.Config.SearchEngineURL(stringArg(args, "engine"))
	if base == "" {
		return Errf("no search engine configured")
	}

	u := strings.TrimRight(base, "/") + "/search?q=" + url.QueryEscape(query) + "&format=json"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return Errf("build request: %v", err)
	}
	resp, err := t.client().Do(req)
	if err != nil {
		return Errf("search request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Errf("search returned HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var parsed searxResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return Errf("decode search response: %v", err)
	}
	if len(parsed.Results) == 0 {
		return Okf("No results for %q.", query)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Results for %q:\n", query)
	for i, r := range parsed.Results {
		if i >= searchResultLimit {
			break
		}
		fmt.Fprintf(&b, "%d. %s\n   %s\n", i+1, strings.TrimSpace(r.Title), r.URL)
		if snippet := strings.TrimSpace(r.Content); snippet != "" {
			fmt.Fprintf(&b, "   %s\n", clip(snippet, 300))
		}
	}
	return Ok(b.String())
}

func (t *SearchTool) client() *http.Client {
	if t.Client != nil {
		return t.Client
	}
	return http.DefaultClient
}

func clip(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "…"
}
