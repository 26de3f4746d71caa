// Package multiagent implements the Sub-Agent Supervisor: a bounded pool
// of named background workers per parent session, each running Conversation
// Engine turns against its own working history and reporting back through
// Channel Egress.
package multiagent

import (
	"time"

	"github.com/haasonsaas/nexus/pkg/models"
)

// Status is a sub-agent's lifecycle state.
type Status string

const (
	StatusIdle       Status = "idle"
	StatusWorking    Status = "working"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusTerminated Status = "terminated"
)

// MaxPerSession caps named sub-agents per parent session.
const MaxPerSession = 5

// VisionName is the reserved sub-agent name rerouted to the Vision Worker.
const VisionName = "vision"

// SubAgent is one named background worker bound to a parent session.
type SubAgent struct {
	ID              string             `json:"id"`
	Name            string             `json:"name"`
	ParentSessionID string             `json:"parent_session_id"`
	Platform        models.ChannelType `json:"platform"`
	Status          Status             `json:"status"`
	CurrentTask     string             `json:"current_task,omitempty"`
	LastResult      string             `json:"last_result,omitempty"`
	LastError       string             `json:"last_error,omitempty"`
	TaskHistory     []string           `json:"task_history,omitempty"`
	CreatedAt       time.Time          `json:"created_at"`
	CompletedAt     time.Time          `json:"completed_at,omitempty"`

	// generation increments on every kill so a terminated worker's
	// in-flight result is discarded instead of overwriting state.
	generation uint64
}

// snapshot returns a copy safe to hand outside the supervisor's lock.
func (s *SubAgent) snapshot() *SubAgent {
	clone := *s
	clone.TaskHistory = append([]string{}, s.TaskHistory...)
	return &clone
}

// SubSessionID is the synthetic session holding a sub-agent's working
// history: stable across restarts and greppable back to the parent.
func SubSessionID(parentSessionID, name string) string {
	return "sub_" + parentSessionID + "_" + name
}
