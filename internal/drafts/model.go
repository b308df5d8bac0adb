// Package drafts implements therapist-only AI reply suggestions with
// regenerate and undo. Drafts never enter the patient-visible message log
// until a therapist sends one.
package drafts

import (
	"encoding/json"
	"time"
)

// Status of a draft. Sent and discarded are terminal.
type Status string

const (
	StatusDraft     Status = "draft"
	StatusSent      Status = "sent"
	StatusDiscarded Status = "discarded"
)

// Terminal reports whether no further transitions are allowed.
func (s Status) Terminal() bool { return s == StatusSent || s == StatusDiscarded }

// Draft is an AI-suggested reply owned by one therapist.
type Draft struct {
	ID               int64     `json:"id"`
	ConversationID   int64     `json:"conversation_id"`
	TherapistID      string    `json:"therapist_id"`
	GeneratedContent string    `json:"generated_content"`
	EditedContent    string    `json:"edited_content,omitempty"`
	Status           Status    `json:"status"`
	SentMessageID    *int64    `json:"sent_message_id,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Content is what would be sent: the therapist's edit when present.
func (d *Draft) Content() string {
	if d.EditedContent != "" {
		return d.EditedContent
	}
	return d.GeneratedContent
}

// GenerationKind says what a generation log entry produced.
type GenerationKind string

const (
	KindDraft   GenerationKind = "draft"
	KindSummary GenerationKind = "summary"
)

// GenerationRecord is one AI call made on a therapist's behalf. It lives in
// the therapist's own log, never in the conversation.
type GenerationRecord struct {
	ID             int64           `json:"id"`
	TherapistID    string          `json:"therapist_id"`
	ConversationID int64           `json:"conversation_id"`
	Kind           GenerationKind  `json:"kind"`
	Request        json.RawMessage `json:"request"`
	Response       string          `json:"response"`
	Provider       string          `json:"provider,omitempty"`
	InputTokens    int32           `json:"input_tokens"`
	OutputTokens   int32           `json:"output_tokens"`
	Error          string          `json:"error,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}
