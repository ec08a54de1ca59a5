package tools

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// CheckURLTool probes a URL and reports status, content type and size
// without downloading the body.
type CheckURLTool struct {
	Client *http.Client
}

func NewCheckURLTool() *CheckURLTool {
	return &CheckURLTool{Client: &http.Client{Timeout: 20 * time.Second}}
}

func (t *CheckURLTool) Name() string { return "check_url" }

func (t *CheckURLTool) Description() string {
	return "Check whether a URL is reachable. Returns the HTTP status, content type " +
		"and content length without fetching the body."
}

func (t *CheckURLTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"url": map[string]any{
				"type":        "string",
				"description": "The URL to check",
			},
		},
		"required": []string{"url"},
	}
}

func (t *CheckURLTool) Execute(ctx context.Context, args map[string]any) *Result {
	target := normalizeURL(stringArg(args, "url"))
	if target == "" {
		return Errf("missing url")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, target, nil)
	if err != nil {
		return Errf("build request: %v", err)
	}
	resp, err := t.Client.Do(req)
	if err == nil && resp.StatusCode == http.StatusMethodNotAllowed {
		resp.Body.Close()
		// Some servers reject HEAD; retry with GET and discard the body.
		req, _ = http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		resp, err = t.Client.Do(req)
	}
	if err != nil {
		return Errf("unreachable: %v", err)
	}
	defer resp.Body.Close()

	var b strings.Builder
	fmt.Fprintf(&b, "%s\nstatus: %d %s\n", target, resp.StatusCode, http.StatusText(resp.StatusCode))
	if ct := resp.Header.Get("Content-Type"); ct != "" {
		fmt.Fprintf(&b, "content-type: %s\n", ct)
	}
	if resp.ContentLength >= 0 {
		fmt.Fprintf(&b, "content-length: %d\n", resp.ContentLength)
	}
	if resp.StatusCode >= 400 {
		return &Result{ForLLM: b.String(), IsError: true}
	}
	return Ok(b.String())
}

func normalizeURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if !strings.HasPrefix(raw, "http://") && !strings.HasPrefix(raw, "https://") {
		raw = "https://" + raw
	}
	return raw
}
