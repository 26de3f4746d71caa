package channels

import (
	"strings"

	"github.com/haasonsaas/nexus/pkg/models"
)

// textLimits is the per-platform maximum message length the egress splits
// against. Values come from the platform APIs, not from us: Telegram and
// Discord reject longer bodies outright, Slack truncates.
var textLimits = map[models.ChannelType]int{
	models.ChannelTelegram: 4096,
	models.ChannelDiscord:  2000,
	models.ChannelSlack:    4000,
	models.ChannelWhatsApp: 65536,
}

// defaultTextLimit applies to platforms without a published cap (the HTTP
// API, tests with synthetic channels).
const defaultTextLimit = 4000

// TextLimit returns the outbound text cap for a channel.
func TextLimit(channel models.ChannelType) int {
	if limit, ok := textLimits[channel]; ok {
		return limit
	}
	return defaultTextLimit
}

// ChunkForChannel splits text into pieces that fit the channel's cap. The
// engine streams one reply as a single string; this is where it becomes
// one-or-more platform messages.
func ChunkForChannel(channel models.ChannelType, text string) []string {
	return splitText(text, TextLimit(channel))
}

// splitText splits on the most natural boundary available inside each
// window, in order of preference: paragraph break, line break outside a
// code fence, sentence end, word boundary, hard cut. An open ``` fence
// that a split would tear apart is closed at the chunk's end and reopened
// at the start of the next, so each delivered message renders on its own.
func splitText(text string, limit int) []string {
	if limit < 64 {
		limit = defaultTextLimit
	}
	if len(text) <= limit {
		return []string{text}
	}

	var chunks []string
	rest := text
	reopenFence := ""

	for len(rest) > 0 {
		if reopenFence != "" {
			rest = reopenFence + "\n" + rest
			reopenFence = ""
		}
		if len(rest) <= limit {
			chunks = append(chunks, rest)
			break
		}

		// Leave room for a closing fence if we end up inside one.
		window := rest[:limit-4]
		cut := breakPoint(window)
		chunk := strings.TrimRight(rest[:cut], " \n")
		remainder := strings.TrimLeft(rest[cut:], "\n")

		if fence := openFence(chunk); fence != "" {
			chunk += "\n```"
			reopenFence = fence
		}
		chunks = append(chunks, chunk)
		rest = remainder
	}
	return chunks
}

// breakPoint picks where to cut within window, preferring the boundaries a
// reader would choose.
func breakPoint(window string) int {
	if idx := strings.LastIndex(window, "\n\n"); idx > len(window)/4 {
		return idx
	}
	if idx := lastNewlineOutsideFence(window); idx > len(window)/4 {
		return idx
	}
	for _, end := range []string{". ", "! ", "? "} {
		if idx := strings.LastIndex(window, end); idx > len(window)/4 {
			return idx + len(end) - 1
		}
	}
	if idx := strings.LastIndex(window, " "); idx > len(window)/4 {
		return idx
	}
	return len(window)
}

// lastNewlineOutsideFence finds the last line break that doesn't sit
// inside an open ``` block, so fenced output stays whole when a smaller
// boundary exists.
func lastNewlineOutsideFence(window string) int {
	best := -1
	inFence := false
	for i := 0; i < len(window); i++ {
		if strings.HasPrefix(window[i:], "```") {
			inFence = !inFence
			i += 2
			continue
		}
		if window[i] == '\n' && !inFence {
			best = i
		}
	}
	return best
}

// openFence reports the ``` opener (with its language tag) left unclosed
// at the end of chunk, or "" when the fences balance.
func openFence(chunk string) string {
	fence := ""
	open := false
	for _, line := range strings.Split(chunk, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "```") {
			open = !open
			if open {
				fence = trimmed
			}
		}
	}
	if open {
		return fence
	}
	return ""
}
