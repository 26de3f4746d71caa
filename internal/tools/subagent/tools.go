// Package subagent exposes the Sub-Agent Supervisor to the model:
// delegation, listing, killing, and messaging named background workers.
package subagent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/haasonsaas/nexus/internal/agent"
	"github.com/haasonsaas/nexus/internal/multiagent"
	"github.com/haasonsaas/nexus/pkg/models"
)

// sessionFrom resolves the turn's parent session; every supervisor tool
// needs it for scoping.
func sessionFrom(ctx context.Context) (sessionID string, platform models.ChannelType, err error) {
	session := agent.SessionFromContext(ctx)
	if session == nil {
		return "", "", fmt.Errorf("no session in context")
	}
	return session.ID, session.Channel, nil
}

// DelegateTool hands a task to a named sub-agent and stops the current
// tool batch so the main turn doesn't duplicate the work.
type DelegateTool struct {
	supervisor *multiagent.Supervisor
}

// NewDelegateTool creates the delegation tool.
func NewDelegateTool(supervisor *multiagent.Supervisor) *DelegateTool {
	return &DelegateTool{supervisor: supervisor}
}

func (t *DelegateTool) Name() string { return "delegate_task" }

func (t *DelegateTool) Description() string {
	return "Delegate a long-running or background task to a named sub-agent. Once delegated, stop and wait for its report; do not attempt the task yourself."
}

func (t *DelegateTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"name": {
				"type": "string",
				"description": "Short name for the sub-agent, e.g. \"bob\" or \"researcher\""
			},
			"task": {
				"type": "string",
				"description": "What the sub-agent should do, with all needed context"
			}
		},
		"required": ["name", "task"]
	}`)
}

func (t *DelegateTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var input struct {
		Name string `json:"name"`
		Task string `json:"task"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return nil, agent.NewArgumentError("delegate_task: invalid arguments: " + err.Error())
	}
	sessionID, platform, err := sessionFrom(ctx)
	if err != nil {
		return &agent.ToolResult{Content: "error: " + err.Error(), IsError: true}, nil
	}

	sa, err := t.supervisor.Delegate(ctx, sessionID, input.Name, input.Task, platform)
	if err != nil {
		return &agent.ToolResult{Content: err.Error(), IsError: true}, nil
	}
	return &agent.ToolResult{
		Content:   fmt.Sprintf("Delegated to sub-agent %q (status: %s). It will report back when done.", sa.Name, sa.Status),
		StopBatch: true,
	}, nil
}

// ListTool lists the session's sub-agents.
type ListTool struct {
	supervisor *multiagent.Supervisor
}

// NewListTool creates the listing tool.
func NewListTool(supervisor *multiagent.Supervisor) *ListTool {
	return &ListTool{supervisor: supervisor}
}

func (t *ListTool) Name() string { return "list_sub_agents" }

func (t *ListTool) Description() string {
	return "List this session's sub-agents with their status and last result."
}

func (t *ListTool) Schema() json.RawMessage {
	return json.RawMessage(`{"type": "object", "properties": {}}`)
}

func (t *ListTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	sessionID, _, err := sessionFrom(ctx)
	if err != nil {
		return &agent.ToolResult{Content: "error: " + err.Error(), IsError: true}, nil
	}
	agents := t.supervisor.List(sessionID)
	if len(agents) == 0 {
		return &agent.ToolResult{Content: "No sub-agents in this session."}, nil
	}
	var b strings.Builder
	for _, sa := range agents {
		fmt.Fprintf(&b, "- %s: %s", sa.Name, sa.Status)
		if sa.CurrentTask != "" {
			fmt.Fprintf(&b, " (working on: %s)", sa.CurrentTask)
		}
		if sa.LastResult != "" {
			fmt.Fprintf(&b, " last result: %.120s", sa.LastResult)
		}
		b.WriteString("\n")
	}
	return &agent.ToolResult{Content: strings.TrimSpace(b.String())}, nil
}

// KillTool terminates one or all sub-agents.
type KillTool struct {
	supervisor *multiagent.Supervisor
}

// NewKillTool creates the kill tool.
func NewKillTool(supervisor *multiagent.Supervisor) *KillTool {
	return &KillTool{supervisor: supervisor}
}

func (t *KillTool) Name() string { return "kill_sub_agent" }

func (t *KillTool) Description() string {
	return "Terminate a named sub-agent, or all of them, releasing any browser or vision resources they hold."
}

func (t *KillTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"name": {
				"type": "string",
				"description": "Name of the sub-agent to kill"
			},
			"all": {
				"type": "boolean",
				"description": "Kill every sub-agent in this session"
			}
		}
	}`)
}

func (t *KillTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var input struct {
		Name string `json:"name"`
		All  bool   `json:"all"`
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &input); err != nil {
			return nil, agent.NewArgumentError("kill_sub_agent: invalid arguments: " + err.Error())
		}
	}
	sessionID, _, err := sessionFrom(ctx)
	if err != nil {
		return &agent.ToolResult{Content: "error: " + err.Error(), IsError: true}, nil
	}

	if input.All {
		count := t.supervisor.KillAll(ctx, sessionID)
		return &agent.ToolResult{Content: fmt.Sprintf("Terminated %d sub-agent(s).", count)}, nil
	}
	if input.Name == "" {
		return nil, agent.NewArgumentError("kill_sub_agent: name is required unless all=true")
	}
	if err := t.supervisor.Kill(ctx, sessionID, input.Name); err != nil {
		return &agent.ToolResult{Content: err.Error(), IsError: true}, nil
	}
	return &agent.ToolResult{Content: fmt.Sprintf("Sub-agent %q terminated.", input.Name)}, nil
}

// MessageTool injects a message into a sub-agent's working history. The
// reserved name "vision" reroutes to the Vision Worker.
type MessageTool struct {
	supervisor *multiagent.Supervisor
}

// NewMessageTool creates the messaging tool.
func NewMessageTool(supervisor *multiagent.Supervisor) *MessageTool {
	return &MessageTool{supervisor: supervisor}
}

func (t *MessageTool) Name() string { return "message_sub_agent" }

func (t *MessageTool) Description() string {
	return "Send a message to a named sub-agent's working context. Messaging \"vision\" forwards the text to the vision worker as a correction."
}

func (t *MessageTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"name": {
				"type": "string",
				"description": "Target sub-agent name (\"vision\" reaches the vision worker)"
			},
			"message": {
				"type": "string",
				"description": "The message text"
			}
		},
		"required": ["name", "message"]
	}`)
}

func (t *MessageTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var input struct {
		Name    string `json:"name"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return nil, agent.NewArgumentError("message_sub_agent: invalid arguments: " + err.Error())
	}
	sessionID, _, err := sessionFrom(ctx)
	if err != nil {
		return &agent.ToolResult{Content: "error: " + err.Error(), IsError: true}, nil
	}

	if err := t.supervisor.Message(ctx, sessionID, input.Name, "main agent", input.Message); err != nil {
		return &agent.ToolResult{Content: err.Error(), IsError: true}, nil
	}
	return &agent.ToolResult{Content: fmt.Sprintf("Message delivered to %q.", input.Name)}, nil
}
