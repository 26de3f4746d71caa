package agent

import (
	"regexp"

	"github.com/haasonsaas/nexus/pkg/models"
)

// DefaultMaxToolResultSize caps a tool result at 64KB before it is
// persisted or replayed into a prompt. Shell output and web fetches are
// the usual offenders.
const DefaultMaxToolResultSize = 64 * 1024

const (
	redactionMarker = "[REDACTED]"
	truncateSuffix  = "\n...[truncated]"
)

// secretPatterns match credentials that tools routinely echo back: env
// dumps, curl output, config file reads.
var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(api[_-]?key|apikey)\s*[:=]\s*['"]?[\w-]{20,}['"]?`),
	regexp.MustCompile(`(?i)bearer\s+[\w.-]+`),
	regexp.MustCompile(`(?i)(aws|amazon).*?(key|secret|token)\s*[:=]\s*['"]?[\w/+=]{20,}['"]?`),
	regexp.MustCompile(`(?i)(password|passwd|secret|token)\s*[:=]\s*['"]?[^\s'"]{8,}['"]?`),
	regexp.MustCompile(`-----BEGIN (RSA |EC |DSA |OPENSSH )?PRIVATE KEY-----`),
}

// ToolResultGuard is applied to every tool result before it reaches
// history or the response stream: secret redaction, then a size cap. The
// zero value is a no-op.
type ToolResultGuard struct {
	// Enabled turns the guard on.
	Enabled bool

	// MaxChars truncates results beyond this length; 0 means no cap.
	MaxChars int

	// SanitizeSecrets redacts credential-shaped content.
	SanitizeSecrets bool
}

// Apply runs the guard over one result and returns the guarded copy.
func (g ToolResultGuard) Apply(toolName string, result models.ToolResult) models.ToolResult {
	if !g.Enabled {
		return result
	}

	if g.SanitizeSecrets && result.Content != "" {
		for _, re := range secretPatterns {
			result.Content = re.ReplaceAllString(result.Content, redactionMarker)
		}
	}

	if g.MaxChars > 0 && len(result.Content) > g.MaxChars {
		result.Content = result.Content[:g.MaxChars] + truncateSuffix
	}

	return result
}
