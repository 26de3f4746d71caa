package gateway

import (
	"strings"

	"github.com/haasonsaas/nexus/internal/memory"
)

// technicalDirectives is the fixed block appended after the identity blob
// in every system prompt. It tells the model how this runtime behaves, not
// who it is — the who comes from the memory blobs around it.
const technicalDirectives = `## Operating rules
- You are running inside a personal gateway that relays your replies to chat apps. Keep replies conversational and concise; long content belongs in files or follow-up messages.
- Inbound messages are prefixed with "[sender_name (sender_id)]:" so you know who is speaking. Never copy that prefix into replies.
- Use tools when a task needs them. Tool failures come back as tool results; adjust and retry rather than apologizing repeatedly.
- Delegate long-running work to a named sub-agent instead of blocking the conversation.
- Screen-control tasks go to the vision worker; corrections to a running vision task are forwarded as feedback, not new tasks.
- Memory files (identity, user facts, personality, subconscious, conscious focus) persist across restarts. Update them through their tools when you learn something durable.`

// BuildSystemPrompt assembles the per-turn system prompt from the memory
// blobs: Identity, then the fixed directives, then User, Personality, and
// Subconscious when non-empty. Read errors degrade to an empty section — a
// missing memory file must never block a turn.
func BuildSystemPrompt(mem *memory.Store) string {
	var sections []string

	if identity := readBlob(mem, memory.Identity); identity != "" {
		sections = append(sections, identity)
	}
	sections = append(sections, technicalDirectives)

	if user := readBlob(mem, memory.User); user != "" {
		sections = append(sections, "## What you know about the user\n"+user)
	}
	if personality := readBlob(mem, memory.Personality); personality != "" {
		sections = append(sections, "## Personality\n"+personality)
	}
	if subconscious := readBlob(mem, memory.Subconscious); subconscious != "" {
		sections = append(sections, "## Subconscious notes\n"+subconscious)
	}

	return strings.Join(sections, "\n\n")
}

func readBlob(mem *memory.Store, kind memory.Kind) string {
	if mem == nil {
		return ""
	}
	text, err := mem.Read(kind)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(text)
}
