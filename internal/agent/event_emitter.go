package agent

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/haasonsaas/nexus/pkg/models"
)

// EventEmitter stamps and dispatches the AgentEvents one run produces:
// lifecycle, model completion/retry, and tool execution. Sequence numbers
// are monotonic per run so consumers can re-order across goroutines.
type EventEmitter struct {
	runID     string
	sequence  uint64 // atomic
	iterIndex int
	sink      EventSink
}

// NewEventEmitter creates an emitter for one run. A nil sink discards
// everything.
func NewEventEmitter(runID string, sink EventSink) *EventEmitter {
	if sink == nil {
		sink = NopSink{}
	}
	return &EventEmitter{runID: runID, sink: sink}
}

// SetIter records the current think/act iteration for subsequent events.
func (e *EventEmitter) SetIter(iterIndex int) {
	e.iterIndex = iterIndex
}

// event builds the stamped envelope and hands it to the sink.
func (e *EventEmitter) event(ctx context.Context, eventType models.AgentEventType, fill func(*models.AgentEvent)) models.AgentEvent {
	out := models.AgentEvent{
		Version:   1,
		Type:      eventType,
		Time:      time.Now(),
		Sequence:  atomic.AddUint64(&e.sequence, 1),
		RunID:     e.runID,
		IterIndex: e.iterIndex,
	}
	if fill != nil {
		fill(&out)
	}
	e.sink.Emit(ctx, out)
	return out
}

// RunStarted marks the beginning of a run.
func (e *EventEmitter) RunStarted(ctx context.Context) models.AgentEvent {
	return e.event(ctx, models.AgentEventRunStarted, nil)
}

// RunFinished marks a clean end of a run.
func (e *EventEmitter) RunFinished(ctx context.Context) models.AgentEvent {
	return e.event(ctx, models.AgentEventRunFinished, nil)
}

// RunError marks a fatal run failure.
func (e *EventEmitter) RunError(ctx context.Context, err error, retriable bool) models.AgentEvent {
	return e.event(ctx, models.AgentEventRunError, func(out *models.AgentEvent) {
		out.Error = &models.ErrorEventPayload{
			Message:   err.Error(),
			Retriable: retriable,
			Err:       err, // keep the original for errors.Is/errors.As
		}
	})
}

// RunCancelled marks an explicit context cancellation.
func (e *EventEmitter) RunCancelled(ctx context.Context) models.AgentEvent {
	return e.event(ctx, models.AgentEventRunCancelled, func(out *models.AgentEvent) {
		out.Error = &models.ErrorEventPayload{
			Message:   "run cancelled",
			Retriable: true,
			Err:       ErrContextCancelled,
		}
	})
}

// RunTimedOut marks a wall-clock deadline hit.
func (e *EventEmitter) RunTimedOut(ctx context.Context, limit time.Duration) models.AgentEvent {
	return e.event(ctx, models.AgentEventRunTimedOut, func(out *models.AgentEvent) {
		out.Error = &models.ErrorEventPayload{
			Message:   fmt.Sprintf("run timed out after %v", limit),
			Retriable: true,
		}
	})
}

// IterStarted marks the top of one think/act iteration.
func (e *EventEmitter) IterStarted(ctx context.Context) models.AgentEvent {
	return e.event(ctx, models.AgentEventIterStarted, nil)
}

// IterFinished marks the bottom of one think/act iteration.
func (e *EventEmitter) IterFinished(ctx context.Context) models.AgentEvent {
	return e.event(ctx, models.AgentEventIterFinished, nil)
}

// ModelCompleted records a finished model stream with its token usage.
func (e *EventEmitter) ModelCompleted(ctx context.Context, provider, model string, inputTokens, outputTokens int) models.AgentEvent {
	return e.event(ctx, models.AgentEventModelCompleted, func(out *models.AgentEvent) {
		out.Stream = &models.StreamEventPayload{
			Provider:     provider,
			Model:        model,
			InputTokens:  inputTokens,
			OutputTokens: outputTokens,
		}
	})
}

// ModelRetrying records a failed stream open about to be retried. Surfaced
// to the user as a connection-hiccup status line.
func (e *EventEmitter) ModelRetrying(ctx context.Context, attempt int, cause error) models.AgentEvent {
	return e.event(ctx, models.AgentEventModelRetrying, func(out *models.AgentEvent) {
		out.Stream = &models.StreamEventPayload{Attempt: attempt}
		out.Error = &models.ErrorEventPayload{
			Message:   fmt.Sprintf("connection hiccup, retrying (attempt %d): %v", attempt, cause),
			Retriable: true,
			Err:       cause,
		}
	})
}

// ToolStarted records a tool execution beginning.
func (e *EventEmitter) ToolStarted(ctx context.Context, callID, name string, argsJSON []byte) models.AgentEvent {
	return e.event(ctx, models.AgentEventToolStarted, func(out *models.AgentEvent) {
		out.Tool = &models.ToolEventPayload{
			CallID:   callID,
			Name:     name,
			ArgsJSON: argsJSON,
		}
	})
}

// ToolFinished records a tool execution ending, success or not.
func (e *EventEmitter) ToolFinished(ctx context.Context, callID, name string, success bool, resultJSON []byte, elapsed time.Duration) models.AgentEvent {
	return e.event(ctx, models.AgentEventToolFinished, func(out *models.AgentEvent) {
		out.Tool = &models.ToolEventPayload{
			CallID:     callID,
			Name:       name,
			Success:    success,
			ResultJSON: resultJSON,
			Elapsed:    elapsed,
		}
	})
}

// ToolSkipped records a duplicate (name, args) call suppressed within the
// same turn.
func (e *EventEmitter) ToolSkipped(ctx context.Context, callID, name string) models.AgentEvent {
	return e.event(ctx, models.AgentEventToolSkipped, func(out *models.AgentEvent) {
		out.Tool = &models.ToolEventPayload{CallID: callID, Name: name}
	})
}
