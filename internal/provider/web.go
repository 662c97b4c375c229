// internal/provider/web.go
package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"

	"github.com/user/attache/internal/types"
)

const maxWebFetchChars = 50000

// WebProvider is the builtin read-only tool provider. It exposes a single
// web_fetch tool that fetches a URL and converts the HTML to markdown,
// mostly serving as the reference ToolProvider implementation.
type WebProvider struct {
	client *http.Client
}

// NewWebProvider creates the builtin web provider.
func NewWebProvider() *WebProvider {
	return &WebProvider{
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

// Tools describes the provider's tools with their fixed classification.
func (w *WebProvider) Tools() []types.ToolDescriptor {
	return []types.ToolDescriptor{{
		ID:          "web_fetch",
		Description: "Fetch a URL and return its content as markdown",
		Access:      types.AccessRead,
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"url": {"type": "string", "description": "The URL to fetch"}
			},
			"required": ["url"]
		}`),
	}}
}

// Invoke fetches the URL. HTTP 429 maps to ErrRateLimited and 5xx to
// ErrUnavailable so the gateway's backoff ladder applies.
func (w *WebProvider) Invoke(ctx context.Context, toolID string, input json.RawMessage) (*types.ToolResult, error) {
	if toolID != "web_fetch" {
		return nil, fmt.Errorf("unknown tool: %s", toolID)
	}

	var params struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(input, &params); err != nil {
		return nil, fmt.Errorf("parse args: %w", err)
	}
	if params.URL == "" {
		return nil, fmt.Errorf("url is required")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, params.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", "Attache/1.0")

	resp, err := w.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("%w: %s", types.ErrRateLimited, params.URL)
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: status %d", types.ErrUnavailable, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("HTTP error: status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	md, err := htmltomarkdown.ConvertString(string(body))
	if err != nil {
		return nil, fmt.Errorf("convert to markdown: %w", err)
	}

	if len(md) > maxWebFetchChars {
		md = md[:maxWebFetchChars] + "\n\n[Content truncated]"
	}

	output, err := json.Marshal(map[string]string{"content": md})
	if err != nil {
		return nil, fmt.Errorf("marshal output: %w", err)
	}
	return &types.ToolResult{Output: output}, nil
}
