package tools

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	readability "github.com/go-shiori/go-readability"
)

const (
	readURLBodyCap = 4 << 20 // raw HTML cap
	readURLTextCap = 8000

	// Many sites answer bot user agents with 403 or a consent wall.
	readURLUserAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 " +
		"(KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"
)

// ReadURLTool fetches a page and extracts the readable article text.
type ReadURLTool struct {
	Client *http.Client
}

func NewReadURLTool() *ReadURLTool {
	return &ReadURLTool{Client: &http.Client{Timeout: 30 * time.Second}}
}

func (t *ReadURLTool) Name() string { return "read_url" }

func (t *ReadURLTool) Description() string {
	return "Fetch a web page and return its readable text content with navigation and " +
		"boilerplate stripped. Long pages are truncated."
}

func (t *ReadURLTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"url": map[string]any{
				"type":        "string",
				"description": "The URL to read",
			},
		},
		"required": []string{"url"},
	}
}

func (t *ReadURLTool) Execute(ctx context.Context, args map[string]any) *Result {
	target := normalizeURL(stringArg(args, "url"))
	if target == "" {
		return Errf("missing url")
	}
	parsed, err := url.Parse(target)
	if err != nil {
		return Errf("invalid url: %v", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return Errf("build request: %v", err)
	}
	req.Header.Set("User-Agent", readURLUserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,*/*")
	resp, err := t.Client.Do(req)
	if err != nil {
		return Errf("fetch failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Errf("HTTP %d from %s", resp.StatusCode, target)
	}

	ct := resp.Header.Get("Content-Type")
	body := io.LimitReader(resp.Body, readURLBodyCap)
	if ct != "" && !strings.Contains(ct, "html") {
		// Plain text and similar: return as-is.
		data, err := io.ReadAll(io.LimitReader(body, readURLTextCap+1))
		if err != nil {
			return Errf("read body: %v", err)
		}
		return Ok(clipText(string(data)))
	}

	article, err := readability.FromReader(body, parsed)
	if err != nil {
		return Errf("extract content: %v", err)
	}

	var b strings.Builder
	if title := strings.TrimSpace(article.Title); title != "" {
		fmt.Fprintf(&b, "# %s\n\n", title)
	}
	b.WriteString(clipText(strings.TrimSpace(article.TextContent)))
	if b.Len() == 0 {
		return Errf("no readable content at %s", target)
	}
	return Ok(b.String())
}

func clipText(s string) string {
	if len(s) <= readURLTextCap {
		return s
	}
	return s[:readURLTextCap] + "\n... (content truncated)"
}
