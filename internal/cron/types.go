// Package cron implements the durable scheduler: cron-expression,
// fixed-interval, and webhook-triggered jobs whose firing runs one
// Conversation Engine turn in a fresh ephemeral session.
package cron

import (
	"context"
	"time"
)

// Kind identifies how a job is scheduled.
type Kind string

const (
	// KindCron jobs fire on a five-field POSIX cron expression.
	KindCron Kind = "cron"

	// KindInterval jobs fire every N seconds.
	KindInterval Kind = "interval"

	// KindWebhook jobs are stored but never auto-scheduled; only an
	// explicit trigger runs them.
	KindWebhook Kind = "webhook"
)

// ParseKind validates a schedule kind string.
func ParseKind(value string) (Kind, bool) {
	switch Kind(value) {
	case KindCron, KindInterval, KindWebhook:
		return Kind(value), true
	default:
		return "", false
	}
}

// Job is one scheduled task.
type Job struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Kind      Kind      `json:"schedule_type"`
	Value     string    `json:"schedule_value"` // cron expr, interval seconds, or webhook tag
	Task      string    `json:"task"`
	Active    bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
	LastRun   time.Time `json:"last_run,omitempty"`

	// NextRun is computed in memory on load and after each fire. Webhook
	// jobs never get one.
	NextRun time.Time `json:"next_run,omitempty"`

	// LastError records the most recent failure, cleared on success.
	LastError string `json:"last_error,omitempty"`
}

// TurnRunner executes one engine turn for a fired job under the given
// fresh session id and returns the final assistant text.
type TurnRunner interface {
	RunTurn(ctx context.Context, sessionID, task string) (string, error)
}

// TurnRunnerFunc adapts a function to a TurnRunner.
type TurnRunnerFunc func(ctx context.Context, sessionID, task string) (string, error)

// RunTurn executes the turn runner function.
func (f TurnRunnerFunc) RunTurn(ctx context.Context, sessionID, task string) (string, error) {
	return f(ctx, sessionID, task)
}

// Notifier delivers a fired job's final text to the owner.
type Notifier interface {
	Notify(ctx context.Context, job *Job, text string)
}

// NotifierFunc adapts a function to a Notifier.
type NotifierFunc func(ctx context.Context, job *Job, text string)

// Notify executes the notifier function.
func (f NotifierFunc) Notify(ctx context.Context, job *Job, text string) {
	f(ctx, job, text)
}
