package compliance

import (
	"strings"
)

// DisclaimerLevel represents the verbosity of the AI disclaimer.
type DisclaimerLevel string

const (
	DisclaimerOff    DisclaimerLevel = "off"
	DisclaimerShort  DisclaimerLevel = "short"
	DisclaimerMedium DisclaimerLevel = "medium"
	DisclaimerFull   DisclaimerLevel = "full"
)

const (
	disclaimerShortText = "AI assistant, not your therapist."

	disclaimerMediumText = "I'm an AI assistant, not your therapist. If you are in crisis, call or text 988 or your local emergency number."

	disclaimerFullText = "I'm an AI assistant supporting your care team. I can't diagnose or replace your therapist, " +
		"and your therapist may read this conversation. If you are in crisis or thinking about harming yourself, " +
		"call or text 988, or your local emergency number, right away."
)

// DisclaimerConfig configures AI reply disclaimers.
type DisclaimerConfig struct {
	Level DisclaimerLevel
	// FirstReplyOnly limits the disclaimer to the first AI reply in a conversation.
	FirstReplyOnly bool
	// CustomText overrides the level template.
	CustomText string
}

// ParseDisclaimerLevel maps a config value onto a level. Unknown values are medium.
func ParseDisclaimerLevel(raw string) DisclaimerLevel {
	switch DisclaimerLevel(strings.ToLower(strings.TrimSpace(raw))) {
	case DisclaimerOff, "none", "false":
		return DisclaimerOff
	case DisclaimerShort:
		return DisclaimerShort
	case DisclaimerFull:
		return DisclaimerFull
	default:
		return DisclaimerMedium
	}
}

// Disclaimer appends the AI notice to assistant replies shown to patients.
type Disclaimer struct {
	config DisclaimerConfig
}

func NewDisclaimer(config DisclaimerConfig) *Disclaimer {
	if config.Level == "" {
		config.Level = DisclaimerMedium
	}
	return &Disclaimer{config: config}
}

// Text returns the configured disclaimer, or "" when disabled.
func (d *Disclaimer) Text() string {
	if d == nil || d.config.Level == DisclaimerOff {
		return ""
	}
	if d.config.CustomText != "" {
		return d.config.CustomText
	}
	switch d.config.Level {
	case DisclaimerShort:
		return disclaimerShortText
	case DisclaimerFull:
		return disclaimerFullText
	default:
		return disclaimerMediumText
	}
}

// Apply adds the disclaimer to reply. firstReply is true when the
// conversation has no earlier AI message.
func (d *Disclaimer) Apply(reply string, firstReply bool) string {
	text := d.Text()
	if text == "" {
		return reply
	}
	if d.config.FirstReplyOnly && !firstReply {
		return reply
	}
	if strings.Contains(reply, text) {
		return reply
	}
	return strings.TrimSpace(reply) + "\n\n" + text
}
