package gateway

import (
	"strings"

	"github.com/haasonsaas/nexus/pkg/models"
)

// allowlistForChannel returns the allow entries for a channel, falling back
// to the "default" key.
func allowlistForChannel(allowFrom map[string][]string, channel models.ChannelType) []string {
	if len(allowFrom) == 0 {
		return nil
	}
	channelKey := strings.ToLower(string(channel))
	if allow := allowFrom[channelKey]; len(allow) > 0 {
		return allow
	}
	return allowFrom["default"]
}

// allowlistMatches reports whether senderID passes the channel's allowlist.
// An unconfigured allowlist (no entries for the channel) allows everyone;
// callers decide per-channel whether that open default is acceptable.
func allowlistMatches(allowFrom map[string][]string, channel models.ChannelType, senderID string) bool {
	allow := allowlistForChannel(allowFrom, channel)
	if len(allow) == 0 {
		return true
	}
	return senderMatchesAllowlist(senderID, allow)
}

func senderMatchesAllowlist(senderID string, allow []string) bool {
	normalizedSender := normalizeAllowToken(senderID)
	if normalizedSender == "" {
		return false
	}
	for _, entry := range allow {
		token := normalizeAllowToken(entry)
		if token == "" {
			continue
		}
		if token == "*" || token == normalizedSender {
			return true
		}
	}
	return false
}

// normalizeAllowToken strips decoration that differs between how users
// write an address and how the platform reports it: leading @/#, a
// whatsapp device suffix after ":", and case.
func normalizeAllowToken(value string) string {
	token := strings.TrimSpace(value)
	if token == "" {
		return ""
	}
	token = strings.TrimPrefix(token, "@")
	token = strings.TrimPrefix(token, "#")
	if idx := strings.Index(token, ":"); idx >= 0 {
		token = token[:idx]
	}
	if idx := strings.Index(token, "@"); idx >= 0 {
		token = token[:idx]
	}
	return strings.ToLower(strings.TrimSpace(token))
}

// FirstAllowedRecipient returns the first configured allowlist entry for
// the channel — where the scheduler delivers cron job results.
func FirstAllowedRecipient(allowFrom map[string][]string, channel models.ChannelType) (string, bool) {
	for _, entry := range allowlistForChannel(allowFrom, channel) {
		token := strings.TrimSpace(entry)
		if token != "" && token != "*" {
			return token, true
		}
	}
	return "", false
}
