package agent

import "github.com/haasonsaas/nexus/pkg/models"

// repairTranscript drops history entries that would violate the provider
// wire contract: tool-role messages whose tool_call_id doesn't answer a
// pending assistant tool call. A crash between persisting an assistant
// tool-call message and its results can leave such orphans behind; replaying
// them as-is makes every provider reject the request.
func repairTranscript(history []*models.Message) []*models.Message {
	if len(history) == 0 {
		return history
	}

	pending := make(map[string]struct{})
	repaired := make([]*models.Message, 0, len(history))

	for _, msg := range history {
		if msg == nil {
			continue
		}

		switch msg.Role {
		case models.RoleAssistant:
			pending = make(map[string]struct{})
			for _, call := range msg.ToolCalls {
				if call.ID != "" {
					pending[call.ID] = struct{}{}
				}
			}
			repaired = append(repaired, msg)
		case models.RoleTool:
			if _, ok := pending[msg.ToolCallID]; !ok {
				continue
			}
			delete(pending, msg.ToolCallID)
			repaired = append(repaired, msg)
		default:
			// A user/system message closes out any still-unanswered calls.
			pending = make(map[string]struct{})
			repaired = append(repaired, msg)
		}
	}

	return repaired
}
