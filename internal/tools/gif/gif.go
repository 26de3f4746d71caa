// Package gif implements the search_and_send_gif tool against the Tenor
// API: query, pick randomly from the top results, deliver via egress.
package gif

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"net/http"
	"net/url"
	"time"

	"github.com/haasonsaas/nexus/internal/agent"
	"github.com/haasonsaas/nexus/internal/outbound"
)

const defaultEndpoint = "https://tenor.googleapis.com/v2/search"

// topResultCount is how many results the random pick draws from.
const topResultCount = 8

// Tool is the search_and_send_gif tool.
type Tool struct {
	egress   *outbound.Egress
	apiKey   string
	endpoint string
	client   *http.Client
	pick     func(n int) int
}

// New creates the GIF tool. apiKey is a Tenor API key.
func New(egress *outbound.Egress, apiKey string) *Tool {
	return &Tool{
		egress:   egress,
		apiKey:   apiKey,
		endpoint: defaultEndpoint,
		client:   &http.Client{Timeout: 15 * time.Second},
		pick:     rand.IntN,
	}
}

func (t *Tool) Name() string { return "search_and_send_gif" }

func (t *Tool) Description() string {
	return "Search Tenor for a GIF matching the query and send one of the top results to the user."
}

func (t *Tool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"query": {
				"type": "string",
				"description": "What the GIF should show, e.g. \"excited dog\""
			}
		},
		"required": ["query"]
	}`)
}

// tenorResponse is the slice of the Tenor v2 payload we read.
type tenorResponse struct {
	Results []struct {
		MediaFormats struct {
			GIF struct {
				URL string `json:"url"`
			} `json:"gif"`
		} `json:"media_formats"`
	} `json:"results"`
}

func (t *Tool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var input struct {
		Query string `json:"query"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return nil, agent.NewArgumentError("search_and_send_gif: invalid arguments: " + err.Error())
	}
	if t.apiKey == "" {
		return &agent.ToolResult{Content: "error: no GIF API key configured", IsError: true}, nil
	}
	session := agent.SessionFromContext(ctx)
	if session == nil {
		return &agent.ToolResult{Content: "error: no session in context, cannot route GIF", IsError: true}, nil
	}

	gifURL, err := t.search(ctx, input.Query)
	if err != nil {
		return &agent.ToolResult{Content: "GIF search failed: " + err.Error(), IsError: true}, nil
	}

	err = t.egress.Send(ctx, outbound.Envelope{
		To:       session.ID,
		Platform: session.Channel,
		MediaURL: gifURL,
		Type:     "gif",
	})
	if err != nil {
		return &agent.ToolResult{Content: "failed to send GIF: " + err.Error(), IsError: true}, nil
	}
	return &agent.ToolResult{
		Content:           fmt.Sprintf("Sent a %q GIF to the user.", input.Query),
		OutputAlreadySent: true,
	}, nil
}

func (t *Tool) search(ctx context.Context, query string) (string, error) {
	endpoint := fmt.Sprintf("%s?q=%s&key=%s&limit=%d&media_filter=gif",
		t.endpoint, url.QueryEscape(query), url.QueryEscape(t.apiKey), topResultCount)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", err
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("tenor returned status %d", resp.StatusCode)
	}

	var payload tenorResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("decode tenor response: %w", err)
	}

	var urls []string
	for _, result := range payload.Results {
		if result.MediaFormats.GIF.URL != "" {
			urls = append(urls, result.MediaFormats.GIF.URL)
		}
	}
	if len(urls) == 0 {
		return "", fmt.Errorf("no GIFs found for %q", query)
	}
	return urls[t.pick(len(urls))], nil
}
