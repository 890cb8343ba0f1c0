package tools

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	fetchMaxBytes = 50 * 1024
	fetchTimeout  = 30 * time.Second
)

// fetchTool retrieves a URL body for the agent. Read-only; the response
// is truncated so one page cannot blow up the model context.
type fetchTool struct {
	client *http.Client
}

func newFetchTool() *fetchTool {
	return &fetchTool{client: &http.Client{Timeout: fetchTimeout}}
}

func (*fetchTool) Name() string        { return "web.fetch" }
func (*fetchTool) Description() string { return "Fetch an http(s) URL and return its body text" }
func (*fetchTool) Write() bool         { return false }

func (t *fetchTool) Invoke(ctx context.Context, args map[string]any) (any, error) {
	raw, _ := args["url"].(string)
	if raw == "" {
		return nil, fmt.Errorf("missing url argument")
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, fmt.Errorf("url must be http or https")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", u.Host, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("fetch %s: status %d", u.Host, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, fetchMaxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	truncated := len(body) > fetchMaxBytes
	if truncated {
		body = body[:fetchMaxBytes]
	}
	return map[string]any{
		"url":          u.String(),
		"content_type": strings.TrimSpace(strings.SplitN(resp.Header.Get("Content-Type"), ";", 2)[0]),
		"text":         string(body),
		"truncated":    truncated,
	}, nil
}
