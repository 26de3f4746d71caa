// Package crontool exposes the Scheduler over one manage_cron_jobs tool.
package crontool

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/haasonsaas/nexus/internal/agent"
	"github.com/haasonsaas/nexus/internal/cron"
)

// Tool is the manage_cron_jobs tool.
type Tool struct {
	scheduler *cron.Scheduler
}

// New creates the cron management tool.
func New(scheduler *cron.Scheduler) *Tool {
	return &Tool{scheduler: scheduler}
}

func (t *Tool) Name() string { return "manage_cron_jobs" }

func (t *Tool) Description() string {
	return "Create, list, delete, or manually trigger scheduled jobs. Kinds: cron (five-field expression), interval (seconds), webhook (runs only when triggered)."
}

func (t *Tool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"action": {
				"type": "string",
				"enum": ["create", "list", "delete", "trigger"],
				"description": "What to do"
			},
			"name": {
				"type": "string",
				"description": "Job name (create)"
			},
			"schedule_type": {
				"type": "string",
				"enum": ["cron", "interval", "webhook"],
				"description": "Schedule kind (create)"
			},
			"schedule_value": {
				"type": "string",
				"description": "Cron expression, interval seconds, or webhook tag (create)"
			},
			"task": {
				"type": "string",
				"description": "The prompt to run when the job fires (create)"
			},
			"id": {
				"type": "string",
				"description": "Job id (delete, trigger)"
			}
		},
		"required": ["action"]
	}`)
}

func (t *Tool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var input struct {
		Action        string `json:"action"`
		Name          string `json:"name"`
		ScheduleType  string `json:"schedule_type"`
		ScheduleValue string `json:"schedule_value"`
		Task          string `json:"task"`
		ID            string `json:"id"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return nil, agent.NewArgumentError("manage_cron_jobs: invalid arguments: " + err.Error())
	}

	switch input.Action {
	case "create":
		kind, ok := cron.ParseKind(input.ScheduleType)
		if !ok {
			return nil, agent.NewArgumentError(fmt.Sprintf("manage_cron_jobs: unknown schedule_type %q", input.ScheduleType))
		}
		job, err := t.scheduler.Create(ctx, input.Name, kind, input.ScheduleValue, input.Task)
		if err != nil {
			return &agent.ToolResult{Content: err.Error(), IsError: true}, nil
		}
		return &agent.ToolResult{Content: fmt.Sprintf("Created job %q (%s %s) with id %s.", job.Name, job.Kind, job.Value, job.ID)}, nil

	case "list":
		jobs := t.scheduler.Jobs()
		if len(jobs) == 0 {
			return &agent.ToolResult{Content: "No scheduled jobs."}, nil
		}
		var b strings.Builder
		for _, job := range jobs {
			fmt.Fprintf(&b, "- %s [%s %s] id=%s active=%v task=%q\n", job.Name, job.Kind, job.Value, job.ID, job.Active, job.Task)
		}
		return &agent.ToolResult{Content: strings.TrimSpace(b.String())}, nil

	case "delete":
		if err := t.scheduler.Delete(ctx, input.ID); err != nil {
			return &agent.ToolResult{Content: err.Error(), IsError: true}, nil
		}
		return &agent.ToolResult{Content: "Deleted job " + input.ID + "."}, nil

	case "trigger":
		if err := t.scheduler.Trigger(ctx, input.ID); err != nil {
			return &agent.ToolResult{Content: err.Error(), IsError: true}, nil
		}
		return &agent.ToolResult{Content: "Triggered job " + input.ID + "."}, nil

	default:
		return nil, agent.NewArgumentError(fmt.Sprintf("manage_cron_jobs: unknown action %q", input.Action))
	}
}
