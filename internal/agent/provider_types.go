package agent

import (
	"context"
	"encoding/json"

	"github.com/haasonsaas/nexus/pkg/models"
)

// LLMProvider is the streaming chat-completions contract the Conversation
// Engine (and the Vision Worker's planner) runs against. Implementations
// must be safe for concurrent Complete calls; the runtime opens streams
// from many session turns at once.
type LLMProvider interface {
	// Complete opens a streaming completion. The returned channel yields
	// text fragments and assembled tool calls and is closed by the
	// provider when the stream ends.
	Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error)

	// Name identifies the provider ("openai", "anthropic").
	Name() string

	// Models lists the models the provider exposes.
	Models() []Model

	// SupportsTools reports whether the provider can accept tool schemas.
	SupportsTools() bool
}

// CompletionRequest is one model round-trip: the assembled system prompt,
// the replayed history, and the tool schemas on offer this iteration.
type CompletionRequest struct {
	// Model overrides the provider default when non-empty.
	Model string `json:"model"`

	// System is the per-turn system prompt (memory blobs + directives),
	// carried separately from Messages because every provider wants it
	// out-of-band.
	System string `json:"system,omitempty"`

	// Messages is the conversation history in insertion order.
	Messages []CompletionMessage `json:"messages"`

	// Tools are offered to the model; empty after a tool-failure halt, so
	// the reflective reply can't call anything.
	Tools []Tool `json:"tools,omitempty"`

	// MaxTokens caps the response; 0 takes the provider default.
	MaxTokens int `json:"max_tokens,omitempty"`

	// EnableThinking turns on extended reasoning where supported.
	EnableThinking bool `json:"enable_thinking,omitempty"`

	// ThinkingBudgetTokens bounds extended reasoning when enabled.
	ThinkingBudgetTokens int `json:"thinking_budget_tokens,omitempty"`
}

// CompletionMessage is one history entry on the provider wire: text, tool
// calls the assistant made, tool results answering them, or attachments
// for vision-capable models. Role is "user", "assistant", "system", or
// "tool".
type CompletionMessage struct {
	Role        string              `json:"role"`
	Content     string              `json:"content,omitempty"`
	ToolCalls   []models.ToolCall   `json:"tool_calls,omitempty"`
	ToolResults []models.ToolResult `json:"tool_results,omitempty"`
	Attachments []models.Attachment `json:"attachments,omitempty"`
}

// CompletionChunk is one streamed delta. Text fragments arrive as they are
// generated; a ToolCall arrives only once the provider has assembled its
// id, name, and full argument JSON from the wire fragments. The terminal
// chunk sets Done and carries token usage; Error terminates the stream.
type CompletionChunk struct {
	Text     string           `json:"text,omitempty"`
	ToolCall *models.ToolCall `json:"tool_call,omitempty"`
	Done     bool             `json:"done,omitempty"`
	Error    error            `json:"-"`

	// Extended-thinking deltas, framed by ThinkingStart/ThinkingEnd.
	Thinking      string `json:"thinking,omitempty"`
	ThinkingStart bool   `json:"thinking_start,omitempty"`
	ThinkingEnd   bool   `json:"thinking_end,omitempty"`

	// Usage, populated on the Done chunk only.
	InputTokens  int `json:"input_tokens,omitempty"`
	OutputTokens int `json:"output_tokens,omitempty"`
}

// Model describes one available model.
type Model struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	ContextSize    int    `json:"context_size"`
	SupportsVision bool   `json:"supports_vision"`
}

// Tool is one entry in the fixed tool catalogue: a name and description
// for the model, a JSON schema its arguments are validated against, and
// the executor the runtime dispatches to.
type Tool interface {
	// Name is the function name offered to the model.
	Name() string

	// Description tells the model when to reach for this tool.
	Description() string

	// Schema is the JSON Schema for the tool's argument object.
	Schema() json.RawMessage

	// Execute runs the tool with schema-validated params.
	Execute(ctx context.Context, params json.RawMessage) (*ToolResult, error)
}

// ToolResult is a tool executor's outcome. Errors travel back to the model
// as results with IsError set rather than aborting the turn.
type ToolResult struct {
	Content string `json:"content"`
	IsError bool   `json:"is_error,omitempty"`

	// Artifacts are files/media the tool produced; the router forwards
	// them through egress as attachments.
	Artifacts []Artifact `json:"artifacts,omitempty"`

	// StopBatch skips the remaining tool calls in the current assistant
	// message (delegation hands the task off; nothing after it should
	// run).
	StopBatch bool `json:"stop_batch,omitempty"`

	// OutputAlreadySent means the tool delivered its own output through
	// Channel Egress (media, GIFs); the final reply must not repeat it.
	OutputAlreadySent bool `json:"output_already_sent,omitempty"`
}

// Artifact is a file or media blob produced by a tool execution.
type Artifact struct {
	ID       string `json:"id"`
	Type     string `json:"type"` // screenshot, recording, file
	MimeType string `json:"mime_type"`
	Filename string `json:"filename,omitempty"`
	Data     []byte `json:"data,omitempty"`
	URL      string `json:"url,omitempty"`
}

// ResponseChunk is one event on the runtime's outward stream: visible
// text, thinking deltas, tool results, status events, artifacts, or the
// terminal error. The router concatenates Text fields into the reply.
type ResponseChunk struct {
	Text          string               `json:"text,omitempty"`
	Thinking      string               `json:"thinking,omitempty"`
	ThinkingStart bool                 `json:"thinking_start,omitempty"`
	ThinkingEnd   bool                 `json:"thinking_end,omitempty"`
	ToolResult    *models.ToolResult   `json:"tool_result,omitempty"`
	Event         *models.RuntimeEvent `json:"event,omitempty"`
	Error         error                `json:"-"`
	Artifacts     []Artifact           `json:"artifacts,omitempty"`
}
