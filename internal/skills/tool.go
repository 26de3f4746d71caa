package skills

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/haasonsaas/nexus/internal/agent"
)

// Tool is the manage_skills tool: download, read, or list skills.
type Tool struct {
	manager *Manager
}

// NewTool creates the skills tool.
func NewTool(manager *Manager) *Tool {
	return &Tool{manager: manager}
}

func (t *Tool) Name() string { return "manage_skills" }

func (t *Tool) Description() string {
	return "Download, read, or list markdown skill files in the local skills library."
}

func (t *Tool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"action": {
				"type": "string",
				"enum": ["list", "read", "download"],
				"description": "What to do"
			},
			"skill_name": {
				"type": "string",
				"description": "Name of the skill (read, download)"
			},
			"url": {
				"type": "string",
				"description": "Source URL of the markdown file (download)"
			}
		},
		"required": ["action"]
	}`)
}

func (t *Tool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var input struct {
		Action    string `json:"action"`
		SkillName string `json:"skill_name"`
		URL       string `json:"url"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return nil, agent.NewArgumentError("manage_skills: invalid arguments: " + err.Error())
	}

	switch input.Action {
	case "list":
		names := t.manager.List()
		if len(names) == 0 {
			return &agent.ToolResult{Content: "No skills installed."}, nil
		}
		return &agent.ToolResult{Content: "Installed skills: " + strings.Join(names, ", ")}, nil

	case "read":
		content, err := t.manager.Read(input.SkillName)
		if err != nil {
			return &agent.ToolResult{Content: err.Error(), IsError: true}, nil
		}
		return &agent.ToolResult{Content: content}, nil

	case "download":
		if err := t.manager.Download(ctx, input.URL, input.SkillName); err != nil {
			return &agent.ToolResult{Content: err.Error(), IsError: true}, nil
		}
		return &agent.ToolResult{Content: fmt.Sprintf("Skill %q installed.", input.SkillName)}, nil

	default:
		return nil, agent.NewArgumentError(fmt.Sprintf("manage_skills: unknown action %q", input.Action))
	}
}
