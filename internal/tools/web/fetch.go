// Package web implements the web_fetch tool: GET a URL, extract readable
// text, and cap the result for the model.
package web

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	readability "github.com/go-shiori/go-readability"

	"github.com/haasonsaas/nexus/internal/agent"
)

const (
	// maxExtractedChars caps the text handed back to the model.
	maxExtractedChars = 10000

	// maxBodyBytes caps how much of the response is read at all.
	maxBodyBytes = 4 << 20
)

// FetchTool is the web_fetch tool.
type FetchTool struct {
	client *http.Client
}

// NewFetchTool creates the web-fetch tool.
func NewFetchTool() *FetchTool {
	return &FetchTool{
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

func (t *FetchTool) Name() string { return "web_fetch" }

func (t *FetchTool) Description() string {
	return "Fetch a web page and return its readable text content (boilerplate stripped, capped at 10,000 characters)."
}

func (t *FetchTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"url": {
				"type": "string",
				"description": "The http(s) URL to fetch"
			}
		},
		"required": ["url"]
	}`)
}

func (t *FetchTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var input struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return nil, agent.NewArgumentError("web_fetch: invalid arguments: " + err.Error())
	}
	target, err := url.Parse(strings.TrimSpace(input.URL))
	if err != nil || (target.Scheme != "http" && target.Scheme != "https") {
		return nil, agent.NewArgumentError("web_fetch: url must be a valid http(s) URL")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return &agent.ToolResult{Content: "error building request: " + err.Error(), IsError: true}, nil
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; nexus-agent)")

	resp, err := t.client.Do(req)
	if err != nil {
		return &agent.ToolResult{Content: "error fetching URL: " + err.Error(), IsError: true}, nil
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &agent.ToolResult{
			Content: fmt.Sprintf("error: server returned status %d", resp.StatusCode),
			IsError: true,
		}, nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return &agent.ToolResult{Content: "error reading response: " + err.Error(), IsError: true}, nil
	}

	text := ExtractText(string(body), target)
	if text == "" {
		return &agent.ToolResult{Content: "(page contained no readable text)"}, nil
	}
	return &agent.ToolResult{Content: text}, nil
}

// ExtractText pulls the readable article text out of an HTML document,
// falling back to a crude tag strip when readability finds nothing, and
// applies the output cap.
func ExtractText(html string, base *url.URL) string {
	var text string
	if article, err := readability.FromReader(strings.NewReader(html), base); err == nil {
		text = strings.TrimSpace(article.TextContent)
		if article.Title != "" && text != "" {
			text = article.Title + "\n\n" + text
		}
	}
	if text == "" {
		text = stripTags(html)
	}
	text = collapseWhitespace(text)
	if len(text) > maxExtractedChars {
		text = text[:maxExtractedChars] + "\n...[truncated at 10000 characters]"
	}
	return text
}

// stripTags is the fallback extraction for documents readability rejects.
func stripTags(html string) string {
	var b strings.Builder
	inTag := false
	for _, r := range html {
		switch {
		case r == '<':
			inTag = true
			b.WriteRune(' ')
		case r == '>':
			inTag = false
		case !inTag:
			b.WriteRune(r)
		}
	}
	return b.String()
}

func collapseWhitespace(s string) string {
	lines := strings.Split(s, "\n")
	var out []string
	blank := false
	for _, line := range lines {
		line = strings.Join(strings.Fields(line), " ")
		if line == "" {
			if !blank && len(out) > 0 {
				out = append(out, "")
			}
			blank = true
			continue
		}
		blank = false
		out = append(out, line)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}
