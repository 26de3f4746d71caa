// Package memorytools exposes one engine-callable tool per mutable memory
// blob, plus the conscious-focus setters.
package memorytools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/haasonsaas/nexus/internal/agent"
	"github.com/haasonsaas/nexus/internal/memory"
)

// blobTool overwrites (or appends to) one memory blob.
type blobTool struct {
	store       *memory.Store
	kind        memory.Kind
	name        string
	description string
}

func (t *blobTool) Name() string        { return t.name }
func (t *blobTool) Description() string { return t.description }

func (t *blobTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"content": {
				"type": "string",
				"description": "The full new content of the memory file"
			},
			"append": {
				"type": "boolean",
				"description": "Append to the existing content instead of replacing it"
			}
		},
		"required": ["content"]
	}`)
}

func (t *blobTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var input struct {
		Content string `json:"content"`
		Append  bool   `json:"append"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return nil, agent.NewArgumentError(t.name + ": invalid arguments: " + err.Error())
	}

	var err error
	if input.Append {
		err = t.store.Append(t.kind, input.Content)
	} else {
		err = t.store.Write(t.kind, input.Content)
	}
	if err != nil {
		return &agent.ToolResult{Content: "failed to update memory: " + err.Error(), IsError: true}, nil
	}
	return &agent.ToolResult{Content: fmt.Sprintf("%s memory updated.", t.kind)}, nil
}

// focusTool sets the time-bounded conscious focus.
type focusTool struct {
	store *memory.Store
}

func (t *focusTool) Name() string { return "set_conscious_focus" }

func (t *focusTool) Description() string {
	return fmt.Sprintf("Set your short-horizon conscious focus. It expires automatically after its duration (at most %d minutes). Pass an empty intent to clear the focus.", memory.ConsciousMaxExpiryMinutes)
}

func (t *focusTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"intent": {
				"type": "string",
				"description": "What you are focusing on right now; empty clears the focus"
			},
			"duration_minutes": {
				"type": "integer",
				"description": "How long the focus should hold, in minutes"
			}
		},
		"required": ["intent"]
	}`)
}

func (t *focusTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var input struct {
		Intent          string `json:"intent"`
		DurationMinutes int    `json:"duration_minutes"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return nil, agent.NewArgumentError("set_conscious_focus: invalid arguments: " + err.Error())
	}

	if input.Intent == "" {
		if err := t.store.ClearFocus("cleared by request"); err != nil {
			return &agent.ToolResult{Content: "failed to clear focus: " + err.Error(), IsError: true}, nil
		}
		return &agent.ToolResult{Content: "Conscious focus cleared."}, nil
	}
	if err := t.store.SetFocus(input.Intent, input.DurationMinutes); err != nil {
		return &agent.ToolResult{Content: "failed to set focus: " + err.Error(), IsError: true}, nil
	}
	return &agent.ToolResult{Content: "Conscious focus set: " + input.Intent}, nil
}

// All returns every memory tool bound to the store.
func All(store *memory.Store) []agent.Tool {
	return []agent.Tool{
		&blobTool{store: store, kind: memory.Identity, name: "update_identity",
			description: "Rewrite your identity memory: who you are and how you present yourself."},
		&blobTool{store: store, kind: memory.User, name: "update_user_memory",
			description: "Record durable facts about the user (preferences, context, relationships)."},
		&blobTool{store: store, kind: memory.Personality, name: "update_personality",
			description: "Adjust your personality memory: tone, quirks, standing habits."},
		&blobTool{store: store, kind: memory.Subconscious, name: "update_subconscious",
			description: "Update your subconscious idea list: experiments, optimizations, things to try later."},
		&blobTool{store: store, kind: memory.Learning, name: "update_learning_memory",
			description: "Record lessons learned and best practices discovered during recent work."},
		&focusTool{store: store},
	}
}
