package llm

import (
	"encoding/json"
	"strings"
)

// StructuredReply is a model reply that may have been returned as JSON with a
// safety assessment alongside the human-readable text.
type StructuredReply struct {
	Text        string
	DangerLevel string
	Raw         json.RawMessage
}

var textKeys = []string{"content", "message", "text", "response", "reply"}

var dangerKeys = []string{"danger_level", "safety_level", "risk_level"}

// ParseReply extracts human-readable text and an optional danger level from a
// model reply. Plain text is returned unchanged.
func ParseReply(reply string) StructuredReply {
	trimmed := strings.TrimSpace(reply)
	body := stripCodeFence(trimmed)
	if !strings.HasPrefix(body, "{") {
		return StructuredReply{Text: trimmed}
	}

	var payload map[string]any
	if err := json.Unmarshal([]byte(body), &payload); err != nil {
		return StructuredReply{Text: trimmed}
	}

	out := StructuredReply{Raw: json.RawMessage(body)}
	for _, key := range textKeys {
		if s, ok := payload[key].(string); ok && strings.TrimSpace(s) != "" {
			out.Text = strings.TrimSpace(s)
			break
		}
	}
	out.DangerLevel = dangerLevel(payload)
	if nested, ok := payload["safety"].(map[string]any); ok && out.DangerLevel == "" {
		out.DangerLevel = dangerLevel(nested)
		if out.DangerLevel == "" {
			if s, ok := nested["level"].(string); ok {
				out.DangerLevel = strings.ToLower(strings.TrimSpace(s))
			}
		}
	}
	return out
}

func dangerLevel(m map[string]any) string {
	for _, key := range dangerKeys {
		if s, ok := m[key].(string); ok && strings.TrimSpace(s) != "" {
			return strings.ToLower(strings.TrimSpace(s))
		}
	}
	return ""
}

func stripCodeFence(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	} else {
		s = strings.TrimPrefix(s, "json")
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// Critical reports whether a danger level requires escalation.
func (r StructuredReply) Critical() bool {
	return r.DangerLevel == "critical" || r.DangerLevel == "emergency"
}
