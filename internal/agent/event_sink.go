package agent

import (
	"context"

	"github.com/haasonsaas/nexus/pkg/models"
)

// EventSink receives agent events during processing. Implementations must
// be safe to call from multiple goroutines and should never block the turn
// loop.
type EventSink interface {
	Emit(ctx context.Context, e models.AgentEvent)
}

// NopSink discards all events.
type NopSink struct{}

// Emit discards the event.
func (NopSink) Emit(ctx context.Context, e models.AgentEvent) {}

// ChunkAdapterSink converts AgentEvents into the ResponseChunk stream the
// Session Router and HTTP streaming consume.
type ChunkAdapterSink struct {
	ch chan<- *ResponseChunk
}

// NewChunkAdapterSink creates a sink writing to ch.
func NewChunkAdapterSink(ch chan<- *ResponseChunk) *ChunkAdapterSink {
	return &ChunkAdapterSink{ch: ch}
}

// Emit converts and forwards one event. Terminal errors block until
// delivered — a consumer must see why its stream ended — while status
// chunks are dropped if the consumer has fallen behind.
func (s *ChunkAdapterSink) Emit(ctx context.Context, e models.AgentEvent) {
	chunk := eventToChunk(e)
	if chunk == nil {
		return
	}

	select {
	case s.ch <- chunk:
		return
	default:
	}

	if chunk.Error != nil {
		select {
		case s.ch <- chunk:
		case <-ctx.Done():
		}
		return
	}

	select {
	case s.ch <- chunk:
	case <-ctx.Done():
	default:
		// Consumer is behind; a lost status line is acceptable.
	}
}

// eventToChunk maps an event onto the chunk vocabulary; nil means the
// event has no outward representation.
func eventToChunk(e models.AgentEvent) *ResponseChunk {
	switch e.Type {
	case models.AgentEventToolFinished:
		if e.Tool == nil {
			return nil
		}
		return &ResponseChunk{
			ToolResult: &models.ToolResult{
				ToolCallID: e.Tool.CallID,
				Content:    string(e.Tool.ResultJSON),
				IsError:    !e.Tool.Success,
			},
		}

	case models.AgentEventModelRetrying:
		if e.Error == nil {
			return nil
		}
		return &ResponseChunk{
			Event: (&models.RuntimeEvent{Type: models.EventStatusLine}).
				WithMessage(e.Error.Message).
				WithIteration(e.IterIndex),
		}

	case models.AgentEventRunError, models.AgentEventRunCancelled, models.AgentEventRunTimedOut:
		if e.Error == nil {
			return nil
		}
		err := e.Error.Err
		if err == nil {
			err = &AgentError{Message: e.Error.Message}
		}
		return &ResponseChunk{Error: err}

	case models.AgentEventIterStarted, models.AgentEventIterFinished,
		models.AgentEventToolStarted, models.AgentEventToolSkipped:
		return &ResponseChunk{Event: statusEvent(e)}

	default:
		return nil
	}
}

// AgentError wraps an event-level error message when no original error
// survived serialization.
type AgentError struct {
	Message string
}

func (e *AgentError) Error() string {
	return e.Message
}

// statusEvent renders lifecycle/tool events as the RuntimeEvent status
// lines channel consumers print.
func statusEvent(e models.AgentEvent) *models.RuntimeEvent {
	var eventType models.RuntimeEventType
	switch e.Type {
	case models.AgentEventIterStarted:
		eventType = models.EventIterationStart
	case models.AgentEventIterFinished:
		eventType = models.EventIterationEnd
	case models.AgentEventToolStarted:
		eventType = models.EventToolStarted
	case models.AgentEventToolSkipped:
		eventType = models.EventStatusLine
	default:
		return nil
	}

	out := &models.RuntimeEvent{Type: eventType, Iteration: e.IterIndex}
	if e.Tool != nil {
		out.ToolName = e.Tool.Name
		out.ToolCallID = e.Tool.CallID
		if e.Type == models.AgentEventToolSkipped {
			out.Message = "duplicate tool call skipped: " + e.Tool.Name
		}
	}
	return out
}
