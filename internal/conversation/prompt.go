package conversation

import (
	"strings"

	"github.com/wolfman30/careline/internal/llm"
)

// ModelHistory converts the message log into model turns. From the patient
// side the patient is the user and everyone else speaks as the assistant;
// for therapist drafts the roles are the same but therapist turns are
// labelled so the model can tell human replies from its own. System
// messages and deleted messages are left out.
func ModelHistory(msgs []*Message, forTherapist bool) []llm.ChatMessage {
	out := make([]llm.ChatMessage, 0, len(msgs))
	for _, m := range msgs {
		if m == nil || m.Deleted || strings.TrimSpace(m.Content) == "" {
			continue
		}
		switch m.Sender.Kind {
		case SenderSubject:
			out = append(out, llm.ChatMessage{Role: llm.RoleUser, Content: m.Content})
		case SenderTherapist:
			content := m.Content
			if forTherapist {
				content = "[Therapist] " + content
			}
			out = append(out, llm.ChatMessage{Role: llm.RoleAssistant, Content: content})
		case SenderAI:
			out = append(out, llm.ChatMessage{Role: llm.RoleAssistant, Content: m.Content})
		}
	}
	return out
}

// Preview collapses whitespace in s and truncates it to max runes,
// appending "..." when cut. Alerts and notifications share it so a message
// previews the same everywhere.
func Preview(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	runes := []rune(s)
	if max <= 0 || len(runes) <= max {
		return s
	}
	return strings.TrimSpace(string(runes[:max])) + "..."
}
