package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/haasonsaas/nexus/internal/sessions"
	"github.com/haasonsaas/nexus/pkg/models"
)

// scriptedProvider returns one canned response per Complete call, in order.
// Each response is a list of chunks; the terminal Done chunk is appended
// automatically.
type scriptedProvider struct {
	mu        sync.Mutex
	responses [][]*CompletionChunk
	calls     int
	openErrs  []error // errors to return before the first successful open
}

func (p *scriptedProvider) Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.openErrs) > 0 {
		err := p.openErrs[0]
		p.openErrs = p.openErrs[1:]
		return nil, err
	}
	if p.calls >= len(p.responses) {
		return nil, fmt.Errorf("scriptedProvider: unexpected call %d", p.calls)
	}
	chunks := p.responses[p.calls]
	p.calls++

	out := make(chan *CompletionChunk, len(chunks)+1)
	for _, c := range chunks {
		out <- c
	}
	out <- &CompletionChunk{Done: true}
	close(out)
	return out, nil
}

func (p *scriptedProvider) Name() string        { return "scripted" }
func (p *scriptedProvider) Models() []Model     { return nil }
func (p *scriptedProvider) SupportsTools() bool { return true }

// funcTool adapts a function into a Tool for tests.
type funcTool struct {
	name string
	fn   func(ctx context.Context, params json.RawMessage) (*ToolResult, error)
}

func (t *funcTool) Name() string        { return t.name }
func (t *funcTool) Description() string { return t.name + " (test tool)" }
func (t *funcTool) Schema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{},"additionalProperties":true}`)
}
func (t *funcTool) Execute(ctx context.Context, params json.RawMessage) (*ToolResult, error) {
	return t.fn(ctx, params)
}

func newTestSession(t *testing.T, store sessions.Store) *models.Session {
	t.Helper()
	session := &models.Session{ID: "u1"}
	require.NoError(t, store.Create(context.Background(), session))
	return session
}

func collect(t *testing.T, chunks <-chan *ResponseChunk) (text string, errs []error) {
	t.Helper()
	for chunk := range chunks {
		if chunk.Error != nil {
			errs = append(errs, chunk.Error)
		}
		text += chunk.Text
	}
	return text, errs
}

func TestRuntimeSimpleTurn(t *testing.T) {
	store := sessions.NewMemoryStore()
	provider := &scriptedProvider{responses: [][]*CompletionChunk{
		{{Text: "Hi "}, {Text: "there."}},
	}}
	rt := NewRuntime(provider, store)
	session := newTestSession(t, store)

	chunks, err := rt.Process(context.Background(), session, &models.Message{Role: models.RoleUser, Content: "hello"})
	require.NoError(t, err)
	text, errs := collect(t, chunks)
	require.Empty(t, errs)
	require.Equal(t, "Hi there.", text)

	history, err := store.GetHistory(context.Background(), "u1", 0)
	require.NoError(t, err)
	require.Len(t, history, 2)
	require.Equal(t, models.RoleUser, history[0].Role)
	require.Equal(t, "hello", history[0].Content)
	require.Equal(t, models.RoleAssistant, history[1].Role)
	require.Equal(t, "Hi there.", history[1].Content)
}

func TestRuntimeToolRoundtrip(t *testing.T) {
	store := sessions.NewMemoryStore()
	provider := &scriptedProvider{responses: [][]*CompletionChunk{
		{{ToolCall: &models.ToolCall{ID: "tc1", Name: "get_system_info", Input: json.RawMessage(`{}`)}}},
		{{Text: "You run X."}},
	}}
	rt := NewRuntime(provider, store)
	rt.RegisterTool(&funcTool{name: "get_system_info", fn: func(ctx context.Context, _ json.RawMessage) (*ToolResult, error) {
		return &ToolResult{Content: "OS: X"}, nil
	}})
	session := newTestSession(t, store)

	chunks, err := rt.Process(context.Background(), session, &models.Message{Role: models.RoleUser, Content: "what os?"})
	require.NoError(t, err)
	text, errs := collect(t, chunks)
	require.Empty(t, errs)
	require.Equal(t, "You run X.", text)

	history, err := store.GetHistory(context.Background(), "u1", 0)
	require.NoError(t, err)
	require.Len(t, history, 4)
	require.Equal(t, models.RoleUser, history[0].Role)
	require.Len(t, history[1].ToolCalls, 1)
	require.Equal(t, models.RoleTool, history[2].Role)
	require.Equal(t, "tc1", history[2].ToolCallID)
	require.Equal(t, "get_system_info", history[2].Name)
	require.Equal(t, "OS: X", history[2].Content)
	require.Equal(t, "You run X.", history[3].Content)
}

func TestRuntimeStreamOpenFailsThreeTimes(t *testing.T) {
	store := sessions.NewMemoryStore()
	openErr := fmt.Errorf("connect: connection refused")
	provider := &scriptedProvider{openErrs: []error{openErr, openErr, openErr}}
	rt := NewRuntime(provider, store)
	session := newTestSession(t, store)

	start := time.Now()
	chunks, err := rt.Process(context.Background(), session, &models.Message{Role: models.RoleUser, Content: "hello"})
	require.NoError(t, err)
	_, errs := collect(t, chunks)
	require.Len(t, errs, 1)

	var rtErr *RuntimeError
	require.ErrorAs(t, errs[0], &rtErr)
	require.Equal(t, KindTransport, rtErr.Kind)

	// Two backoffs between three attempts.
	require.GreaterOrEqual(t, time.Since(start), 2*streamOpenBackoff)

	// No assistant message was persisted.
	history, err := store.GetHistory(context.Background(), "u1", 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.Equal(t, models.RoleUser, history[0].Role)
}

func TestRuntimeThreeConsecutiveFailuresHalt(t *testing.T) {
	store := sessions.NewMemoryStore()
	calls := []*CompletionChunk{}
	for i := 0; i < 4; i++ {
		calls = append(calls, &CompletionChunk{ToolCall: &models.ToolCall{
			ID:    fmt.Sprintf("tc%d", i),
			Name:  "flaky",
			Input: json.RawMessage(fmt.Sprintf(`{"n":%d}`, i)),
		}})
	}
	provider := &scriptedProvider{responses: [][]*CompletionChunk{
		calls,
		{{Text: "I hit a wall; here is what happened."}},
	}}
	rt := NewRuntime(provider, store)

	executed := 0
	rt.RegisterTool(&funcTool{name: "flaky", fn: func(ctx context.Context, _ json.RawMessage) (*ToolResult, error) {
		executed++
		return &ToolResult{Content: "error: it broke", IsError: true}, nil
	}})
	session := newTestSession(t, store)

	chunks, err := rt.Process(context.Background(), session, &models.Message{Role: models.RoleUser, Content: "go"})
	require.NoError(t, err)
	_, errs := collect(t, chunks)
	require.Empty(t, errs)

	// The fourth call never executes: the batch halts after three failures.
	require.Equal(t, 3, executed)

	history, err := store.GetHistory(context.Background(), "u1", 0)
	require.NoError(t, err)

	haltNotices := 0
	for _, msg := range history {
		if strings.Contains(msg.Content, "[SYSTEM HALT]") {
			haltNotices++
		}
	}
	require.Equal(t, 1, haltNotices, "exactly one halt-and-reflect message")
	require.Equal(t, "I hit a wall; here is what happened.", history[len(history)-1].Content)
}

func TestRuntimeDuplicateToolCallSkipped(t *testing.T) {
	store := sessions.NewMemoryStore()
	sameCall := func(id string) *CompletionChunk {
		return &CompletionChunk{ToolCall: &models.ToolCall{ID: id, Name: "echo", Input: json.RawMessage(`{"v":1}`)}}
	}
	provider := &scriptedProvider{responses: [][]*CompletionChunk{
		{sameCall("tc1"), sameCall("tc2")},
		{{Text: "done"}},
	}}
	rt := NewRuntime(provider, store)

	executed := 0
	rt.RegisterTool(&funcTool{name: "echo", fn: func(ctx context.Context, _ json.RawMessage) (*ToolResult, error) {
		executed++
		return &ToolResult{Content: "ok"}, nil
	}})
	session := newTestSession(t, store)

	chunks, err := rt.Process(context.Background(), session, &models.Message{Role: models.RoleUser, Content: "go"})
	require.NoError(t, err)
	_, errs := collect(t, chunks)
	require.Empty(t, errs)
	require.Equal(t, 1, executed, "identical (name, args) runs once per turn")
}

func TestRuntimeStopBatchSkipsRemainingCalls(t *testing.T) {
	store := sessions.NewMemoryStore()
	provider := &scriptedProvider{responses: [][]*CompletionChunk{
		{
			{ToolCall: &models.ToolCall{ID: "tc1", Name: "delegate_task", Input: json.RawMessage(`{"name":"bob"}`)}},
			{ToolCall: &models.ToolCall{ID: "tc2", Name: "execute_command", Input: json.RawMessage(`{"command":"echo 1"}`)}},
		},
		{{Text: "delegated"}},
	}}
	rt := NewRuntime(provider, store)

	delegated, shellRan := false, false
	rt.RegisterTool(&funcTool{name: "delegate_task", fn: func(ctx context.Context, _ json.RawMessage) (*ToolResult, error) {
		delegated = true
		return &ToolResult{Content: "working on it", StopBatch: true}, nil
	}})
	rt.RegisterTool(&funcTool{name: "execute_command", fn: func(ctx context.Context, _ json.RawMessage) (*ToolResult, error) {
		shellRan = true
		return &ToolResult{Content: "1"}, nil
	}})
	session := newTestSession(t, store)

	chunks, err := rt.Process(context.Background(), session, &models.Message{Role: models.RoleUser, Content: "go"})
	require.NoError(t, err)
	_, errs := collect(t, chunks)
	require.Empty(t, errs)
	require.True(t, delegated)
	require.False(t, shellRan, "stop_batch skips the rest of the batch")
}

func TestRuntimeSystemPromptOverrideFromContext(t *testing.T) {
	store := sessions.NewMemoryStore()
	provider := &scriptedProvider{responses: [][]*CompletionChunk{{{Text: "ok"}}}}
	rt := NewRuntime(provider, store)
	rt.SetSystemPrompt("default persona")
	session := newTestSession(t, store)

	ctx := WithSystemPrompt(context.Background(), "sub-agent persona")
	chunks, err := rt.Process(ctx, session, &models.Message{Role: models.RoleUser, Content: "task"})
	require.NoError(t, err)
	collect(t, chunks)
	// No direct visibility into the request here; the override path is
	// covered by the context helpers below.
	prompt, ok := systemPromptFromContext(ctx)
	require.True(t, ok)
	require.Equal(t, "sub-agent persona", prompt)
}

func TestToolPolicyAllows(t *testing.T) {
	require.True(t, (*ToolPolicy)(nil).Allows("anything"))

	pol := &ToolPolicy{Allowed: []string{"a", "b"}, Denied: []string{"b"}}
	require.True(t, pol.Allows("a"))
	require.False(t, pol.Allows("b"), "denied wins over allowed")
	require.False(t, pol.Allows("c"))

	denyOnly := &ToolPolicy{Denied: []string{"rm"}}
	require.True(t, denyOnly.Allows("ls"))
	require.False(t, denyOnly.Allows("rm"))
}

func TestRepairTranscriptDropsOrphanToolMessages(t *testing.T) {
	history := []*models.Message{
		{Role: models.RoleUser, Content: "hi"},
		{Role: models.RoleAssistant, ToolCalls: []models.ToolCall{{ID: "tc1", Name: "x", Input: json.RawMessage(`{}`)}}},
		{Role: models.RoleTool, ToolCallID: "tc1", Content: "ok"},
		{Role: models.RoleTool, ToolCallID: "tc-orphan", Content: "stale"},
		{Role: models.RoleAssistant, Content: "done"},
	}
	repaired := repairTranscript(history)
	require.Len(t, repaired, 4)
	for _, msg := range repaired {
		require.NotEqual(t, "tc-orphan", msg.ToolCallID)
	}
}
