package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/haasonsaas/nexus/internal/sessions"
	"github.com/haasonsaas/nexus/pkg/models"
)

var tracer = otel.Tracer("github.com/haasonsaas/nexus/internal/agent")

const (
	defaultMaxIterations = 10

	// streamOpenMaxAttempts bounds the retry loop around opening the LLM
	// stream. Mid-stream failures (after Complete has returned a channel)
	// are not retried — they surface as a transport error immediately.
	streamOpenMaxAttempts = 3
	streamOpenBackoff     = 2 * time.Second

	// maxConsecutiveToolFailures halts the current turn's tool batch once
	// this many tool calls in a row have failed. The counter spans the
	// whole turn (it is not reset between iterations); a successful call
	// sets it back to zero, and each new turn starts it at zero.
	maxConsecutiveToolFailures = 3

	// historyWindow bounds how much history is replayed into each request.
	// Store implementations disagree on how to interpret a limit of 0, so
	// the runtime always asks for an explicit window.
	historyWindow = 200
)

// Runtime drives a single conversation turn: it persists the inbound
// message, streams a completion from the configured provider, executes any
// tool calls the model requests, and feeds the results back until the
// model stops requesting tools or the iteration budget is exhausted.
//
// A Runtime is shared across many concurrent sessions. Per-session turns
// are serialized by the caller (the Session Router holds a per-session
// lock); Runtime itself holds no session-scoped state between calls.
type Runtime struct {
	mu            sync.RWMutex
	provider      LLMProvider
	sessions      sessions.Store
	registry      *ToolRegistry
	systemPrompt  string
	defaultModel  string
	maxIterations int
	resultGuard   ToolResultGuard
}

// NewRuntime creates a Runtime bound to the given provider and session
// store. Tools are registered afterward via RegisterTool.
func NewRuntime(provider LLMProvider, store sessions.Store) *Runtime {
	return &Runtime{
		provider:      provider,
		sessions:      store,
		registry:      NewToolRegistry(),
		maxIterations: defaultMaxIterations,
	}
}

// SetSystemPrompt sets the system prompt sent with every completion request.
func (r *Runtime) SetSystemPrompt(prompt string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.systemPrompt = prompt
}

// SetDefaultModel sets the model ID used when a request doesn't override it.
func (r *Runtime) SetDefaultModel(model string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defaultModel = model
}

// SetMaxIterations caps the number of model round-trips in a single turn.
// Values <= 0 are ignored.
func (r *Runtime) SetMaxIterations(n int) {
	if n <= 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.maxIterations = n
}

// SetToolResultGuard configures redaction/truncation applied to every tool
// result before it is persisted to history or streamed to the caller.
func (r *Runtime) SetToolResultGuard(guard ToolResultGuard) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resultGuard = guard
}

// RegisterTool adds a tool to the runtime's registry. A tool whose schema
// fails to compile is dropped silently from the model-facing tool list —
// Register reports the reason only through its returned error, which this
// convenience wrapper discards.
func (r *Runtime) RegisterTool(tool Tool) {
	_ = r.registry.Register(tool)
}

// Tools returns the runtime's tool registry, for callers that need direct
// access (e.g. to unregister a tool scoped to one session).
func (r *Runtime) Tools() *ToolRegistry {
	return r.registry
}

// Process runs one conversation turn and streams the response back on the
// returned channel, which is closed when the turn completes or fails.
func (r *Runtime) Process(ctx context.Context, session *models.Session, msg *models.Message) (<-chan *ResponseChunk, error) {
	if session == nil {
		return nil, fmt.Errorf("runtime: session is required")
	}
	chunks := make(chan *ResponseChunk, 16)
	go r.run(ctx, session, msg, chunks)
	return chunks, nil
}

func (r *Runtime) run(ctx context.Context, session *models.Session, msg *models.Message, chunks chan<- *ResponseChunk) {
	defer close(chunks)

	ctx = WithSession(ctx, session)
	emitter := NewEventEmitter(session.ID, NewChunkAdapterSink(chunks))
	emitter.RunStarted(ctx)

	err := r.runTurn(ctx, session, msg, chunks, emitter)
	switch {
	case err == nil:
		emitter.RunFinished(ctx)
	case errors.Is(err, context.Canceled):
		emitter.RunCancelled(ctx)
	case errors.Is(err, context.DeadlineExceeded):
		emitter.RunTimedOut(ctx, 0)
		chunks <- &ResponseChunk{Error: err}
	default:
		emitter.RunError(ctx, err, false)
	}
}

func (r *Runtime) runTurn(ctx context.Context, session *models.Session, msg *models.Message, chunks chan<- *ResponseChunk, emitter *EventEmitter) error {
	ctx, span := tracer.Start(ctx, "agent.turn", trace.WithAttributes(
		attribute.String("session.id", session.ID),
	))
	defer span.End()

	if msg != nil {
		if msg.ID == "" {
			msg.ID = uuid.NewString()
		}
		if msg.SessionID == "" {
			msg.SessionID = session.ID
		}
		if msg.Role == "" {
			msg.Role = models.RoleUser
		}
		if msg.CreatedAt.IsZero() {
			msg.CreatedAt = time.Now()
		}
		if err := r.sessions.AppendMessage(ctx, session.ID, msg); err != nil {
			return fmt.Errorf("runtime: persist inbound message: %w", err)
		}
	}

	r.mu.RLock()
	maxIterations := r.maxIterations
	r.mu.RUnlock()

	consecutiveFailures := 0
	executedThisTurn := map[string]bool{}
	toolsEnabled := true

	for iteration := 0; iteration < maxIterations; iteration++ {
		emitter.SetIter(iteration)
		emitter.IterStarted(ctx)

		history, err := r.sessions.GetHistory(ctx, session.ID, historyWindow)
		if err != nil {
			return fmt.Errorf("runtime: load history: %w", err)
		}

		req := r.buildRequest(ctx, history, toolsEnabled)
		stream, err := r.openStream(ctx, req, emitter)
		if err != nil {
			return err
		}

		text, toolCalls, inputTokens, outputTokens, err := r.consumeStream(stream, chunks)
		if err != nil {
			return err
		}
		emitter.ModelCompleted(ctx, r.provider.Name(), req.Model, inputTokens, outputTokens)

		assistantMsg := &models.Message{
			ID:        uuid.NewString(),
			SessionID: session.ID,
			Role:      models.RoleAssistant,
			Content:   text,
			ToolCalls: toolCalls,
			CreatedAt: time.Now(),
		}
		if err := r.sessions.AppendMessage(ctx, session.ID, assistantMsg); err != nil {
			return fmt.Errorf("runtime: persist assistant message: %w", err)
		}

		emitter.IterFinished(ctx)

		if len(toolCalls) == 0 {
			return nil
		}
		if !toolsEnabled {
			// The model was asked to reflect with no tools offered; whatever
			// it produced stands as the turn's final answer.
			return nil
		}

		for _, call := range toolCalls {
			dedupeKey := call.Name + ":" + string(call.Input)
			if executedThisTurn[dedupeKey] {
				result := &models.ToolResult{ToolCallID: call.ID, Content: "duplicate tool call skipped"}
				r.persistToolResult(ctx, session, call, result)
				emitter.ToolSkipped(ctx, call.ID, call.Name)
				continue
			}
			executedThisTurn[dedupeKey] = true

			toolStart := time.Now()
			emitter.ToolStarted(ctx, call.ID, call.Name, call.Input)
			toolCtx, toolSpan := tracer.Start(ctx, "agent.tool", trace.WithAttributes(
				attribute.String("tool.name", call.Name),
			))

			var toolResult *ToolResult
			var execErr error
			if !toolAllowedByPolicy(ctx, call.Name) {
				execErr = NewPolicyRefusal(fmt.Sprintf("tool %q is not permitted by the active tool policy", call.Name))
			} else {
				toolResult, execErr = r.registry.Execute(toolCtx, call.Name, call.Input)
			}
			toolSpan.End()
			result := &models.ToolResult{ToolCallID: call.ID}
			var artifacts []Artifact
			stopBatch := false
			outputAlreadySent := false
			if execErr != nil {
				result.Content = execErr.Error()
				result.IsError = true
			} else {
				result.Content = toolResult.Content
				result.IsError = toolResult.IsError
				artifacts = toolResult.Artifacts
				stopBatch = toolResult.StopBatch
				outputAlreadySent = toolResult.OutputAlreadySent
			}
			if outputAlreadySent {
				result.Content = ""
			}

			r.mu.RLock()
			guard := r.resultGuard
			r.mu.RUnlock()
			*result = guard.Apply(call.Name, *result)

			r.persistToolResult(ctx, session, call, result)

			failed := isFailureResult(result)
			if failed {
				consecutiveFailures++
			} else {
				consecutiveFailures = 0
			}
			emitter.ToolFinished(ctx, call.ID, call.Name, !failed, []byte(result.Content), time.Since(toolStart))
			if len(artifacts) > 0 {
				chunks <- &ResponseChunk{Artifacts: artifacts}
			}

			if consecutiveFailures >= maxConsecutiveToolFailures {
				toolsEnabled = false
				chunks <- &ResponseChunk{Event: (&models.RuntimeEvent{Type: models.EventToolHalt}).
					WithMessage(fmt.Sprintf("halted after %d consecutive tool failures", consecutiveFailures)).
					WithIteration(iteration)}
				note := &models.Message{
					ID:        uuid.NewString(),
					SessionID: session.ID,
					Role:      models.RoleUser,
					Content:   "[SYSTEM HALT] Three tool calls in a row have failed this turn. Stop calling tools, analyze what went wrong, and explain the situation in plain text before trying anything else.",
					CreatedAt: time.Now(),
				}
				if err := r.sessions.AppendMessage(ctx, session.ID, note); err != nil {
					return fmt.Errorf("runtime: persist halt notice: %w", err)
				}
				break
			}
			if stopBatch {
				break
			}
		}
	}
	return nil
}

// buildRequest maps session history onto the provider-facing completion
// request. When toolsEnabled is false the model is not offered any tools —
// used for the single reflective reply after a tool-failure halt.
func (r *Runtime) buildRequest(ctx context.Context, history []*models.Message, toolsEnabled bool) *CompletionRequest {
	r.mu.RLock()
	system := r.systemPrompt
	model := r.defaultModel
	r.mu.RUnlock()

	if override, ok := systemPromptFromContext(ctx); ok {
		system = override
	}
	if override, ok := modelFromContext(ctx); ok {
		model = override
	}

	history = repairTranscript(history)
	messages := make([]CompletionMessage, 0, len(history))
	for _, m := range history {
		switch m.Role {
		case models.RoleTool:
			isError, _ := m.Metadata["is_error"].(bool)
			messages = append(messages, CompletionMessage{
				Role: "tool",
				ToolResults: []models.ToolResult{{
					ToolCallID: m.ToolCallID,
					Content:    m.Content,
					IsError:    isError,
				}},
			})
		case models.RoleAssistant:
			messages = append(messages, CompletionMessage{
				Role:      "assistant",
				Content:   m.Content,
				ToolCalls: m.ToolCalls,
			})
		default:
			messages = append(messages, CompletionMessage{
				Role:        string(m.Role),
				Content:     m.Content,
				Attachments: m.Attachments,
			})
		}
	}

	req := &CompletionRequest{
		Model:    model,
		System:   system,
		Messages: messages,
	}
	if toolsEnabled {
		req.Tools = filterToolsByPolicy(ctx, r.registry.All())
	}
	return req
}

// openStream opens the completion stream, retrying a fixed number of times
// with a fixed backoff if the provider fails before returning a channel.
// Each retry surfaces a user-visible connection-hiccup status line. A
// mid-stream failure (a chunk carrying Error) is not retried here.
func (r *Runtime) openStream(ctx context.Context, req *CompletionRequest, emitter *EventEmitter) (<-chan *CompletionChunk, error) {
	var lastErr error
	for attempt := 1; attempt <= streamOpenMaxAttempts; attempt++ {
		stream, err := r.provider.Complete(ctx, req)
		if err == nil {
			return stream, nil
		}
		lastErr = err
		if attempt == streamOpenMaxAttempts {
			break
		}
		emitter.ModelRetrying(ctx, attempt, err)
		select {
		case <-time.After(streamOpenBackoff):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, NewTransportError(fmt.Sprintf("failed to open completion stream after %d attempts", streamOpenMaxAttempts), lastErr)
}

// consumeStream drains a provider stream, forwarding text/thinking chunks
// to out as they arrive and assembling the final text, tool calls, and
// token usage reported on the terminal chunk.
func (r *Runtime) consumeStream(in <-chan *CompletionChunk, out chan<- *ResponseChunk) (text string, calls []models.ToolCall, inputTokens, outputTokens int, err error) {
	var sb strings.Builder

	for chunk := range in {
		if chunk == nil {
			continue
		}
		if chunk.Error != nil {
			return sb.String(), calls, inputTokens, outputTokens, NewTransportError("completion stream failed", chunk.Error)
		}
		if chunk.ThinkingStart {
			out <- &ResponseChunk{ThinkingStart: true}
		}
		if chunk.Thinking != "" {
			out <- &ResponseChunk{Thinking: chunk.Thinking}
		}
		if chunk.ThinkingEnd {
			out <- &ResponseChunk{ThinkingEnd: true}
		}
		if chunk.Text != "" {
			sb.WriteString(chunk.Text)
			out <- &ResponseChunk{Text: chunk.Text}
		}
		if chunk.ToolCall != nil {
			calls = append(calls, *chunk.ToolCall)
		}
		if chunk.Done {
			inputTokens = chunk.InputTokens
			outputTokens = chunk.OutputTokens
			break
		}
	}
	return sb.String(), calls, inputTokens, outputTokens, nil
}

func (r *Runtime) persistToolResult(ctx context.Context, session *models.Session, call models.ToolCall, result *models.ToolResult) {
	msg := &models.Message{
		ID:         uuid.NewString(),
		SessionID:  session.ID,
		Role:       models.RoleTool,
		Content:    result.Content,
		ToolCallID: call.ID,
		Name:       call.Name,
		Metadata:   map[string]any{"is_error": result.IsError},
		CreatedAt:  time.Now(),
	}
	_ = r.sessions.AppendMessage(ctx, session.ID, msg)
}

// isFailureResult reports whether a tool result counts toward the
// consecutive-failure halt counter: an explicit error flag, or content
// that reads like one even when IsError wasn't set.
func isFailureResult(result *models.ToolResult) bool {
	if result == nil {
		return false
	}
	if result.IsError {
		return true
	}
	lower := strings.ToLower(result.Content)
	return strings.Contains(lower, "error") || strings.Contains(lower, "failed") || strings.Contains(lower, "exception")
}
