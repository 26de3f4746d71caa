package agent

import (
	"strings"
)

// Identity is the persona parsed out of the Identity memory blob. The blob
// is free-form markdown; a `- **Key**: Value` list anywhere in it feeds
// these fields, and everything else is prompt text the gateway splices in
// verbatim.
type Identity struct {
	Name     string // display name; also the self-tag source
	Emoji    string // signature emoji
	Creature string // what the agent presents as
	Vibe     string // tone of voice
}

// ParseIdentityMarkdown extracts identity fields from the blob. Lines that
// aren't `- Key: Value` bullets are ignored, as are placeholder values a
// template left behind. Returns nil when nothing usable was found.
func ParseIdentityMarkdown(content string) *Identity {
	id := &Identity{}

	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "-") && !strings.HasPrefix(line, "*") {
			continue
		}
		line = strings.TrimSpace(strings.TrimLeft(line, "-*"))

		key, value, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		key = strings.ToLower(strings.Trim(strings.TrimSpace(key), "*"))
		value = cleanIdentityValue(value)
		if value == "" {
			continue
		}

		switch key {
		case "name":
			id.Name = value
		case "emoji":
			id.Emoji = value
		case "creature":
			id.Creature = value
		case "vibe":
			id.Vibe = value
		}
	}

	if !id.HasValues() {
		return nil
	}
	return id
}

// SelfTag returns the outbound echo marker for this identity, e.g.
// "[Nexus]". Every outbound message is prefixed with it and any inbound
// message containing it is dropped as our own bridge echo. Falls back to
// fallback when the identity has no name.
func (i *Identity) SelfTag(fallback string) string {
	name := fallback
	if i != nil && i.Name != "" {
		name = i.Name
	}
	if name == "" {
		name = "Nexus"
	}
	return "[" + name + "]"
}

// HasValues reports whether any identity field was parsed.
func (i *Identity) HasValues() bool {
	if i == nil {
		return false
	}
	return i.Name != "" || i.Emoji != "" || i.Creature != "" || i.Vibe != ""
}

// cleanIdentityValue strips quotes, trailing `//` comments, and the
// fill-me-in placeholders onboarding templates ship with.
func cleanIdentityValue(value string) string {
	value = strings.TrimSpace(value)
	if len(value) >= 2 {
		if (value[0] == '"' && value[len(value)-1] == '"') ||
			(value[0] == '\'' && value[len(value)-1] == '\'') {
			value = value[1 : len(value)-1]
		}
	}
	if idx := strings.Index(value, " //"); idx > 0 {
		value = strings.TrimSpace(value[:idx])
	}
	lower := strings.ToLower(value)
	if strings.Contains(lower, "pick something") || strings.Contains(lower, "pick one") ||
		strings.HasPrefix(lower, "how do you") || strings.Contains(lower, "something weirder") {
		return ""
	}
	return value
}
