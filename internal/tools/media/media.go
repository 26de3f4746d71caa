// Package media implements the send_media tool: pushing an image, video,
// gif, document, or audio file to the user through Channel Egress.
package media

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/haasonsaas/nexus/internal/agent"
	"github.com/haasonsaas/nexus/internal/outbound"
)

// Tool is the send_media tool.
type Tool struct {
	egress *outbound.Egress
}

// New creates the media-send tool.
func New(egress *outbound.Egress) *Tool {
	return &Tool{egress: egress}
}

func (t *Tool) Name() string { return "send_media" }

func (t *Tool) Description() string {
	return "Send an image, video, gif, document, or audio file to the user by local path or URL. The file is delivered immediately; don't repeat it in your reply."
}

func (t *Tool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"url_or_path": {
				"type": "string",
				"description": "http(s) URL or local file path of the media"
			},
			"type": {
				"type": "string",
				"enum": ["image", "video", "gif", "document", "audio"],
				"description": "Kind of media being sent"
			},
			"caption": {
				"type": "string",
				"description": "Optional caption"
			}
		},
		"required": ["url_or_path", "type"]
	}`)
}

func (t *Tool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var input struct {
		URLOrPath string `json:"url_or_path"`
		Type      string `json:"type"`
		Caption   string `json:"caption"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return nil, agent.NewArgumentError("send_media: invalid arguments: " + err.Error())
	}

	session := agent.SessionFromContext(ctx)
	if session == nil {
		return &agent.ToolResult{Content: "error: no session in context, cannot route media", IsError: true}, nil
	}

	err := t.egress.Send(ctx, outbound.Envelope{
		To:       session.ID,
		Platform: session.Channel,
		MediaURL: input.URLOrPath,
		Type:     input.Type,
		Caption:  input.Caption,
	})
	if err != nil {
		return &agent.ToolResult{Content: "failed to send media: " + err.Error(), IsError: true}, nil
	}
	return &agent.ToolResult{
		Content:           fmt.Sprintf("Sent %s to the user.", input.Type),
		OutputAlreadySent: true,
	}, nil
}
