package agent

import (
	"context"
	"strings"

	"github.com/haasonsaas/nexus/pkg/models"
)

type sessionKey struct{}
type elevatedKey struct{}
type systemPromptKey struct{}
type modelKey struct{}
type toolPolicyKey struct{}

// WithSession stores a session in the context so tools invoked deep inside
// the turn loop (sub-agent, media and session tools) can recover it without the
// caller threading it through every function signature.
func WithSession(ctx context.Context, session *models.Session) context.Context {
	if session == nil {
		return ctx
	}
	return context.WithValue(ctx, sessionKey{}, session)
}

// SessionFromContext retrieves the session stored by WithSession, if any.
func SessionFromContext(ctx context.Context) *models.Session {
	session, _ := ctx.Value(sessionKey{}).(*models.Session)
	return session
}

// ElevatedMode controls whether a turn may bypass tool policy restrictions.
type ElevatedMode string

const (
	ElevatedOff  ElevatedMode = "off"
	ElevatedAsk  ElevatedMode = "ask"
	ElevatedFull ElevatedMode = "full"
)

// ParseElevatedMode normalizes a user-facing directive to an ElevatedMode.
func ParseElevatedMode(value string) (ElevatedMode, bool) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "on", "ask":
		return ElevatedAsk, true
	case "full":
		return ElevatedFull, true
	case "off":
		return ElevatedOff, true
	default:
		return ElevatedOff, false
	}
}

// WithElevated stores an elevated-mode override in the context.
func WithElevated(ctx context.Context, mode ElevatedMode) context.Context {
	return context.WithValue(ctx, elevatedKey{}, mode)
}

// ElevatedFromContext retrieves the elevated mode from context (default: off).
func ElevatedFromContext(ctx context.Context) ElevatedMode {
	mode, ok := ctx.Value(elevatedKey{}).(ElevatedMode)
	if !ok {
		return ElevatedOff
	}
	return mode
}

// WithSystemPrompt stores a request-scoped system prompt override, used by
// sub-agent delegation to swap in a task-specific persona for one turn
// without mutating the shared Runtime's default.
func WithSystemPrompt(ctx context.Context, prompt string) context.Context {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return ctx
	}
	return context.WithValue(ctx, systemPromptKey{}, prompt)
}

func systemPromptFromContext(ctx context.Context) (string, bool) {
	value, ok := ctx.Value(systemPromptKey{}).(string)
	if !ok || strings.TrimSpace(value) == "" {
		return "", false
	}
	return value, true
}

// WithModel stores a request-scoped model override in the context.
func WithModel(ctx context.Context, model string) context.Context {
	model = strings.TrimSpace(model)
	if model == "" {
		return ctx
	}
	return context.WithValue(ctx, modelKey{}, model)
}

func modelFromContext(ctx context.Context) (string, bool) {
	value, ok := ctx.Value(modelKey{}).(string)
	if !ok || strings.TrimSpace(value) == "" {
		return "", false
	}
	return value, true
}

// ToolPolicy restricts the tools visible to (and executable by) one turn.
// An empty Allowed list means everything not denied is allowed. Sub-agent
// delegation uses this to restrict a spawned agent without touching the
// shared Runtime's registry.
type ToolPolicy struct {
	Allowed []string
	Denied  []string
}

// Allows reports whether the policy permits the named tool.
func (p *ToolPolicy) Allows(name string) bool {
	if p == nil {
		return true
	}
	for _, denied := range p.Denied {
		if denied == name {
			return false
		}
	}
	if len(p.Allowed) == 0 {
		return true
	}
	for _, allowed := range p.Allowed {
		if allowed == name {
			return true
		}
	}
	return false
}

// WithToolPolicy scopes the tools offered to the model for the remainder of
// this context.
func WithToolPolicy(ctx context.Context, toolPolicy *ToolPolicy) context.Context {
	if toolPolicy == nil {
		return ctx
	}
	return context.WithValue(ctx, toolPolicyKey{}, toolPolicy)
}

func toolPolicyFromContext(ctx context.Context) (*ToolPolicy, bool) {
	pol, ok := ctx.Value(toolPolicyKey{}).(*ToolPolicy)
	if !ok || pol == nil {
		return nil, false
	}
	return pol, true
}

// filterToolsByPolicy narrows tools to those the policy allows, preserving
// order. If no policy is present in ctx, tools is returned unchanged.
func filterToolsByPolicy(ctx context.Context, tools []Tool) []Tool {
	pol, ok := toolPolicyFromContext(ctx)
	if !ok {
		return tools
	}
	out := make([]Tool, 0, len(tools))
	for _, t := range tools {
		if pol.Allows(t.Name()) {
			out = append(out, t)
		}
	}
	return out
}

// toolAllowedByPolicy reports whether ctx's tool policy (if any) permits
// executing the named tool. Elevated-full mode bypasses policy entirely.
func toolAllowedByPolicy(ctx context.Context, name string) bool {
	if ElevatedFromContext(ctx) == ElevatedFull {
		return true
	}
	pol, ok := toolPolicyFromContext(ctx)
	if !ok {
		return true
	}
	return pol.Allows(name)
}
