package conversation

import (
	"context"
	"time"
)

// ControlUpdate carries the control fields a transition changes. Nil fields
// are left untouched.
type ControlUpdate struct {
	Mode          *Mode
	Status        *Status
	RiskLevel     *RiskLevel
	AIEnabled     *bool
	Blocked       *bool
	BlockedReason *string
}

// ConversationStore persists conversations.
type ConversationStore interface {
	// FindActiveByPatient returns the patient's non-closed conversation or ErrNotFound.
	FindActiveByPatient(ctx context.Context, patientID string) (*Conversation, error)
	// CreateConversation inserts c and returns ErrConflict when the patient
	// already has a non-closed conversation.
	CreateConversation(ctx context.Context, c *Conversation) (*Conversation, error)
	GetConversation(ctx context.Context, id int64) (*Conversation, error)
	ListConversationsByGroups(ctx context.Context, groupIDs []string) ([]*Conversation, error)
	UpdateControl(ctx context.Context, id int64, u ControlUpdate) (*Conversation, error)
	// EscalateRisk raises the risk level to at least level and reports whether it changed.
	EscalateRisk(ctx context.Context, id int64, level RiskLevel) (bool, error)
	// Block disables AI and blocks the conversation. It reports false when the
	// conversation was already blocked, in which case the reason is kept.
	Block(ctx context.Context, id int64, reason string) (bool, error)
}

// MessageStore is the append-only message log.
type MessageStore interface {
	// AppendMessages inserts msgs in order within one transaction and assigns ids.
	AppendMessages(ctx context.Context, conversationID int64, msgs ...*Message) ([]*Message, error)
	GetMessage(ctx context.Context, id int64) (*Message, error)
	// ListMessages returns messages with id > afterID in id order.
	ListMessages(ctx context.Context, conversationID, afterID int64, limit int) ([]*Message, error)
	// RecentMessages returns the last limit visible messages in id order.
	RecentMessages(ctx context.Context, conversationID int64, limit int) ([]*Message, error)
	LatestMessageID(ctx context.Context, conversationID int64) (int64, error)
	EditMessage(ctx context.Context, id int64, editorID, content string) (*Message, error)
	DeleteMessage(ctx context.Context, id int64, deletedBy string) (*Message, error)
	MessageRevisions(ctx context.Context, id int64) ([]MessageRevision, error)
}

// AlertStore persists alerts and tags.
type AlertStore interface {
	CreateAlert(ctx context.Context, a *Alert) (*Alert, error)
	GetAlert(ctx context.Context, id int64) (*Alert, error)
	// ListAlerts returns alerts targeted at therapistID plus untargeted alerts
	// on the given conversations, newest first.
	ListAlerts(ctx context.Context, therapistID string, conversationIDs []int64, unreadOnly bool, limit int) ([]*Alert, error)
	MarkAlertRead(ctx context.Context, id int64) (*Alert, error)
	CreateTag(ctx context.Context, t *Tag) (*Tag, error)
	GetTag(ctx context.Context, id int64) (*Tag, error)
	ListTags(ctx context.Context, conversationID int64) ([]*Tag, error)
	AcknowledgeTag(ctx context.Context, id int64, by string) (*Tag, error)
}

// NoteStore persists therapist notes.
type NoteStore interface {
	CreateNote(ctx context.Context, n *Note) (*Note, error)
	GetNote(ctx context.Context, id int64) (*Note, error)
	UpdateNote(ctx context.Context, id int64, editorID, content string) (*Note, error)
	DeleteNote(ctx context.Context, id int64, editorID string) (*Note, error)
	ListNotes(ctx context.Context, conversationID int64) ([]*Note, error)
}

// ReadStore tracks what each participant has seen.
type ReadStore interface {
	// UnreadCounts counts unseen human-authored messages per conversation for
	// userID. Messages the user wrote, AI and system messages, and deleted
	// messages never count.
	UnreadCounts(ctx context.Context, userID string, conversationIDs []int64) (map[int64]int, error)
	// MarkSeen records that userID has seen everything up to upToID and sets
	// the matching last-seen timestamp on the conversation in the same write.
	MarkSeen(ctx context.Context, conversationID int64, userID string, asTherapist bool, upToID int64, at time.Time) error
}

// Repository is the full conversation store.
type Repository interface {
	ConversationStore
	MessageStore
	AlertStore
	NoteStore
	ReadStore
}
