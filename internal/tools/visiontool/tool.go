// Package visiontool exposes the Vision Worker's goal and feedback queues
// to the model.
package visiontool

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/haasonsaas/nexus/internal/agent"
	"github.com/haasonsaas/nexus/internal/vision"
)

// Tool is the vision_task tool.
type Tool struct {
	worker *vision.Worker
}

// New creates the vision tool.
func New(worker *vision.Worker) *Tool {
	return &Tool{worker: worker}
}

func (t *Tool) Name() string { return "vision_task" }

func (t *Tool) Description() string {
	return "Hand a screen-control goal to the vision worker. If a task is already running, set is_correction to steer it instead of queueing a new goal."
}

func (t *Tool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"goal": {
				"type": "string",
				"description": "What the vision worker should achieve on screen"
			},
			"is_correction": {
				"type": "boolean",
				"default": false,
				"description": "Treat this as immediate feedback for the currently running task"
			}
		},
		"required": ["goal"]
	}`)
}

func (t *Tool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var input struct {
		Goal         string `json:"goal"`
		IsCorrection bool   `json:"is_correction"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return nil, agent.NewArgumentError("vision_task: invalid arguments: " + err.Error())
	}
	session := agent.SessionFromContext(ctx)
	if session == nil {
		return &agent.ToolResult{Content: "error: no session in context, cannot route vision reports", IsError: true}, nil
	}

	if err := t.worker.Submit(input.Goal, session.ID, session.Channel, input.IsCorrection); err != nil {
		return &agent.ToolResult{Content: err.Error(), IsError: true}, nil
	}

	if input.IsCorrection && t.worker.Busy() {
		return &agent.ToolResult{Content: "Correction forwarded to the running vision task."}, nil
	}
	if t.worker.Busy() || t.worker.QueueLen() > 1 {
		return &agent.ToolResult{Content: fmt.Sprintf("Vision goal queued (%d ahead of it). The worker reports progress directly to you.", t.worker.QueueLen()-1)}, nil
	}
	return &agent.ToolResult{Content: "Vision worker started on the goal. It reports progress directly to you."}, nil
}
