// CrewClaw - Multi-agent coordination engine for personal AI assistants
// Inspired by and based on nanobot: https://github.com/HKUDS/nanobot
// License: MIT
//
// Copyright (c) 2026 CrewClaw contributors

package tools

import (
	"context"
	"fmt"
	"html"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"
)

// WebSearchTool queries DuckDuckGo's HTML endpoint. No API key needed.
type WebSearchTool struct {
	client     *http.Client
	maxResults int
}

func NewWebSearchTool(maxResults, timeoutSeconds int) *WebSearchTool {
	if maxResults <= 0 {
		maxResults = 5
	}
	if timeoutSeconds <= 0 {
		timeoutSeconds = 30
	}
	return &WebSearchTool{
		client:     &http.Client{Timeout: time.Duration(timeoutSeconds) * time.Second},
		maxResults: maxResults,
	}
}

func (t *WebSearchTool) Name() string { return "web_search" }

func (t *WebSearchTool) Description() string {
	return "Search the web and return result titles, URLs and snippets."
}

func (t *WebSearchTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"query": map[string]interface{}{
				"type":        "string",
				"description": "Search query",
			},
		},
		"required": []string{"query"},
	}
}

var (
	ddgResultPattern  = regexp.MustCompile(`(?s)<a[^>]+class="result__a"[^>]+href="([^"]+)"[^>]*>(.*?)</a>`)
	ddgSnippetPattern = regexp.MustCompile(`(?s)<a[^>]+class="result__snippet"[^>]*>(.*?)</a>`)
	htmlTagPattern    = regexp.MustCompile(`<[^>]+>`)
)

func (t *WebSearchTool) Execute(ctx context.Context, args map[string]interface{}) *ToolResult {
	query := strings.TrimSpace(stringArg(args, "query"))
	if query == "" {
		return ErrorResult("query is required")
	}

	endpoint := "https://html.duckduckgo.com/html/?q=" + url.QueryEscape(query)
	req, err := http.NewRequestWithContext(ctx, "GET", endpoint, nil)
	if err != nil {
		return ErrorResultf("failed to build search request: %v", err)
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; crewclaw)")

	resp, err := t.client.Do(req)
	if err != nil {
		return ErrorResultf("search failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return ErrorResultf("search returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 2*1024*1024))
	if err != nil {
		return ErrorResultf("failed to read search response: %v", err)
	}

	links := ddgResultPattern.FindAllStringSubmatch(string(body), t.maxResults)
	snippets := ddgSnippetPattern.FindAllStringSubmatch(string(body), t.maxResults)

	if len(links) == 0 {
		return NewResult("No results found for: " + query)
	}

	var b strings.Builder
	for i, match := range links {
		title := cleanHTMLText(match[2])
		link := decodeDDGLink(match[1])
		fmt.Fprintf(&b, "%d. %s\n   %s\n", i+1, title, link)
		if i < len(snippets) {
			snippet := cleanHTMLText(snippets[i][1])
			if snippet != "" {
				fmt.Fprintf(&b, "   %s\n", snippet)
			}
		}
	}
	return NewResult(b.String())
}

// decodeDDGLink unwraps DuckDuckGo's redirect URLs (//duckduckgo.com/l/?uddg=...).
func decodeDDGLink(raw string) string {
	if idx := strings.Index(raw, "uddg="); idx >= 0 {
		encoded := raw[idx+5:]
		if amp := strings.Index(encoded, "&"); amp >= 0 {
			encoded = encoded[:amp]
		}
		if decoded, err := url.QueryUnescape(encoded); err == nil {
			return decoded
		}
	}
	return raw
}

func cleanHTMLText(s string) string {
	s = htmlTagPattern.ReplaceAllString(s, "")
	s = html.UnescapeString(s)
	return strings.TrimSpace(s)
}

// WebFetchTool downloads a page and returns its text with markup stripped.
type WebFetchTool struct {
	client   *http.Client
	maxBytes int
}

func NewWebFetchTool(maxBytes, timeoutSeconds int) *WebFetchTool {
	if maxBytes <= 0 {
		maxBytes = 512 * 1024
	}
	if timeoutSeconds <= 0 {
		timeoutSeconds = 30
	}
	return &WebFetchTool{
		client:   &http.Client{Timeout: time.Duration(timeoutSeconds) * time.Second},
		maxBytes: maxBytes,
	}
}

func (t *WebFetchTool) Name() string { return "web_fetch" }

func (t *WebFetchTool) Description() string {
	return "Fetch a URL and return the page text with HTML markup removed."
}

func (t *WebFetchTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"url": map[string]interface{}{
				"type":        "string",
				"description": "URL to fetch (http or https)",
			},
		},
		"required": []string{"url"},
	}
}

var (
	scriptPattern = regexp.MustCompile(`(?s)<script[^>]*>.*?</script>`)
	stylePattern  = regexp.MustCompile(`(?s)<style[^>]*>.*?</style>`)
	blankPattern  = regexp.MustCompile(`\n{3,}`)
)

func (t *WebFetchTool) Execute(ctx context.Context, args map[string]interface{}) *ToolResult {
	target := strings.TrimSpace(stringArg(args, "url"))
	if target == "" {
		return ErrorResult("url is required")
	}
	if !strings.HasPrefix(target, "http://") && !strings.HasPrefix(target, "https://") {
		return ErrorResult("url must start with http:// or https://")
	}

	req, err := http.NewRequestWithContext(ctx, "GET", target, nil)
	if err != nil {
		return ErrorResultf("failed to build request: %v", err)
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; crewclaw)")

	resp, err := t.client.Do(req)
	if err != nil {
		return ErrorResultf("fetch failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return ErrorResultf("fetch returned status %d for %s", resp.StatusCode, target)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, int64(t.maxBytes)))
	if err != nil {
		return ErrorResultf("failed to read response: %v", err)
	}

	text := string(body)
	contentType := resp.Header.Get("Content-Type")
	if strings.Contains(contentType, "text/html") || strings.Contains(text, "<html") {
		text = scriptPattern.ReplaceAllString(text, "")
		text = stylePattern.ReplaceAllString(text, "")
		text = htmlTagPattern.ReplaceAllString(text, "\n")
		text = html.UnescapeString(text)
		lines := strings.Split(text, "\n")
		cleaned := lines[:0]
		for _, line := range lines {
			if trimmed := strings.TrimSpace(line); trimmed != "" {
				cleaned = append(cleaned, trimmed)
			}
		}
		text = strings.Join(cleaned, "\n")
		text = blankPattern.ReplaceAllString(text, "\n\n")
	}

	return NewResult(text)
}
