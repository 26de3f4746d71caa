// Package sessiontools implements the create_session tool: spawning a
// child session under the current one.
package sessiontools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/haasonsaas/nexus/internal/agent"
	"github.com/haasonsaas/nexus/internal/sessions"
	"github.com/haasonsaas/nexus/pkg/models"
)

// CreateTool creates a child session of the current turn's session.
type CreateTool struct {
	store sessions.Store
}

// NewCreateTool creates the session-create tool.
func NewCreateTool(store sessions.Store) *CreateTool {
	return &CreateTool{store: store}
}

func (t *CreateTool) Name() string { return "create_session" }

func (t *CreateTool) Description() string {
	return "Create a new child session under the current conversation, for work whose history should stay separate."
}

func (t *CreateTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"session_id": {
				"type": "string",
				"description": "Optional explicit id for the new session"
			}
		}
	}`)
}

func (t *CreateTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var input struct {
		SessionID string `json:"session_id"`
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &input); err != nil {
			return nil, agent.NewArgumentError("create_session: invalid arguments: " + err.Error())
		}
	}

	parentID := ""
	if parent := agent.SessionFromContext(ctx); parent != nil {
		parentID = parent.ID
	}

	sessionID := input.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	if _, err := t.store.Get(ctx, sessionID); err == nil {
		return &agent.ToolResult{Content: fmt.Sprintf("Session %s already exists.", sessionID)}, nil
	}

	session := &models.Session{
		ID:              sessionID,
		ParentSessionID: parentID,
		Key:             sessionID,
	}
	if err := t.store.Create(ctx, session); err != nil {
		return &agent.ToolResult{Content: "failed to create session: " + err.Error(), IsError: true}, nil
	}
	return &agent.ToolResult{Content: fmt.Sprintf("Created session %s (parent: %s).", sessionID, parentID)}, nil
}
