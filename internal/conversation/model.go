package conversation

import (
	"encoding/json"
	"strings"
	"time"
)

// Mode controls whether the AI answers patient messages automatically.
type Mode string

const (
	ModeAIHybrid  Mode = "ai_hybrid"
	ModeHumanOnly Mode = "human_only"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	return m == ModeAIHybrid || m == ModeHumanOnly
}

// Status is the lifecycle state of a conversation. Closed is terminal.
type Status string

const (
	StatusActive Status = "active"
	StatusPaused Status = "paused"
	StatusClosed Status = "closed"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return s == StatusActive || s == StatusPaused || s == StatusClosed
}

// RiskLevel is the therapist-facing urgency classification of a conversation.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

var riskRank = map[RiskLevel]int{
	RiskLow:      0,
	RiskMedium:   1,
	RiskHigh:     2,
	RiskCritical: 3,
}

// Valid reports whether r is a known risk level.
func (r RiskLevel) Valid() bool {
	_, ok := riskRank[r]
	return ok
}

// Rank orders risk levels from low (0) to critical (3). Unknown levels rank -1.
func (r RiskLevel) Rank() int {
	if rank, ok := riskRank[r]; ok {
		return rank
	}
	return -1
}

// Role is the coarse chat role used when building AI context.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// SenderKind identifies who authored a message.
type SenderKind string

const (
	SenderSubject   SenderKind = "subject"
	SenderTherapist SenderKind = "therapist"
	SenderAI        SenderKind = "ai"
	SenderSystem    SenderKind = "system"
)

// Sender is the author of a message. Subject and Therapist carry a user id;
// AI and System never do.
type Sender struct {
	Kind SenderKind `json:"kind"`
	ID   string     `json:"id,omitempty"`
}

// SubjectSender returns the sender for a patient-authored message.
func SubjectSender(userID string) Sender { return Sender{Kind: SenderSubject, ID: userID} }

// TherapistSender returns the sender for a therapist-authored message.
func TherapistSender(userID string) Sender { return Sender{Kind: SenderTherapist, ID: userID} }

// AISender returns the sender for AI-generated messages.
func AISender() Sender { return Sender{Kind: SenderAI} }

// SystemSender returns the sender for system-generated messages.
func SystemSender() Sender { return Sender{Kind: SenderSystem} }

// Role maps the sender onto the coarse chat role.
func (s Sender) Role() Role {
	switch s.Kind {
	case SenderAI:
		return RoleAssistant
	case SenderSystem:
		return RoleSystem
	default:
		return RoleUser
	}
}

// IsHuman is true for patient and therapist authors.
func (s Sender) IsHuman() bool {
	return s.Kind == SenderSubject || s.Kind == SenderTherapist
}

// Valid reports whether the sender is well formed.
func (s Sender) Valid() bool {
	switch s.Kind {
	case SenderSubject, SenderTherapist:
		return strings.TrimSpace(s.ID) != ""
	case SenderAI, SenderSystem:
		return s.ID == ""
	default:
		return false
	}
}

// Conversation is one patient's ongoing therapy dialogue.
type Conversation struct {
	ID                  int64      `json:"id"`
	PatientID           string     `json:"patient_id"`
	GroupID             string     `json:"group_id"`
	Mode                Mode       `json:"mode"`
	Status              Status     `json:"status"`
	RiskLevel           RiskLevel  `json:"risk_level"`
	AIEnabled           bool       `json:"ai_enabled"`
	Blocked             bool       `json:"blocked"`
	BlockedReason       string     `json:"blocked_reason,omitempty"`
	TherapistLastSeenAt *time.Time `json:"therapist_last_seen_at,omitempty"`
	SubjectLastSeenAt   *time.Time `json:"subject_last_seen_at,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// AIActive reports whether the AI may answer the next patient message.
func (c *Conversation) AIActive() bool {
	return c.Status == StatusActive && c.Mode == ModeAIHybrid && c.AIEnabled && !c.Blocked
}

// NewConversation returns the default state for a freshly opened conversation.
func NewConversation(patientID, groupID string) *Conversation {
	return &Conversation{
		PatientID: patientID,
		GroupID:   groupID,
		Mode:      ModeAIHybrid,
		Status:    StatusActive,
		RiskLevel: RiskLow,
		AIEnabled: true,
	}
}

// Message is an entry in a conversation's ordered log. Sender never changes
// after creation; edits keep prior content in message revisions.
type Message struct {
	ID             int64           `json:"id"`
	ConversationID int64           `json:"conversation_id"`
	Sender         Sender          `json:"sender"`
	Content        string          `json:"content"`
	Raw            json.RawMessage `json:"raw,omitempty"`
	Edited         bool            `json:"edited"`
	EditedBy       string          `json:"edited_by,omitempty"`
	EditedAt       *time.Time      `json:"edited_at,omitempty"`
	Deleted        bool            `json:"deleted"`
	DeletedBy      string          `json:"deleted_by,omitempty"`
	DeletedAt      *time.Time      `json:"deleted_at,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// Role is derived from the sender.
func (m Message) Role() Role { return m.Sender.Role() }

// MessageRevision preserves content replaced by an edit.
type MessageRevision struct {
	MessageID    int64     `json:"message_id"`
	PriorContent string    `json:"prior_content"`
	EditorID     string    `json:"editor_id"`
	EditedAt     time.Time `json:"edited_at"`
}

// AlertType classifies alerts.
type AlertType string

const (
	AlertDangerDetected AlertType = "danger_detected"
	AlertTagReceived    AlertType = "tag_received"
)

// Severity of an alert.
type Severity string

const (
	SeverityInfo      Severity = "info"
	SeverityWarning   Severity = "warning"
	SeverityCritical  Severity = "critical"
	SeverityEmergency Severity = "emergency"
)

// Alert is a notification record tied to a conversation. A nil target means
// every therapist assigned to the patient.
type Alert struct {
	ID                int64          `json:"id"`
	ConversationID    int64          `json:"conversation_id"`
	MessageID         *int64         `json:"message_id,omitempty"`
	TargetTherapistID *string        `json:"target_therapist_id,omitempty"`
	Type              AlertType      `json:"type"`
	Severity          Severity       `json:"severity"`
	Text              string         `json:"message"`
	Metadata          map[string]any `json:"metadata,omitempty"`
	Read              bool           `json:"read"`
	ReadAt            *time.Time     `json:"read_at,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
}

// Urgency of a patient tag.
type Urgency string

const (
	UrgencyNormal    Urgency = "normal"
	UrgencyUrgent    Urgency = "urgent"
	UrgencyEmergency Urgency = "emergency"
)

// Valid reports whether u is a known urgency.
func (u Urgency) Valid() bool {
	return u == UrgencyNormal || u == UrgencyUrgent || u == UrgencyEmergency
}

// Severity maps tag urgency onto alert severity.
func (u Urgency) Severity() Severity {
	switch u {
	case UrgencyEmergency:
		return SeverityEmergency
	case UrgencyUrgent:
		return SeverityCritical
	default:
		return SeverityWarning
	}
}

// Tag records that a patient asked for a therapist's attention. An empty
// TargetTherapistID addresses all assigned therapists.
type Tag struct {
	ID                int64      `json:"id"`
	ConversationID    int64      `json:"conversation_id"`
	MessageID         int64      `json:"message_id"`
	TargetTherapistID string     `json:"target_therapist_id,omitempty"`
	Reason            string     `json:"reason,omitempty"`
	Urgency           Urgency    `json:"urgency"`
	Acknowledged      bool       `json:"acknowledged"`
	AcknowledgedBy    string     `json:"acknowledged_by,omitempty"`
	AcknowledgedAt    *time.Time `json:"acknowledged_at,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
}

// NoteType distinguishes hand-written notes from AI summaries.
type NoteType string

const (
	NoteManual    NoteType = "manual"
	NoteAISummary NoteType = "ai_summary"
)

// NoteStatus is a soft-delete flag.
type NoteStatus string

const (
	NoteActive  NoteStatus = "active"
	NoteDeleted NoteStatus = "deleted"
)

// Note is a therapist-private annotation. Never shown to patients or the AI.
type Note struct {
	ID             int64      `json:"id"`
	ConversationID int64      `json:"conversation_id"`
	AuthorID       string     `json:"author_id"`
	LastEditorID   string     `json:"last_editor_id"`
	Content        string     `json:"content"`
	Type           NoteType   `json:"type"`
	Status         NoteStatus `json:"status"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Assignment grants a therapist monitoring scope over a patient group.
type Assignment struct {
	TherapistID string `json:"therapist_id"`
	GroupID     string `json:"group_id"`
}
