// Package compliance records an immutable audit trail of conversation control
// actions and safety events.
package compliance

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// AuditEventType represents the type of audited event.
type AuditEventType string

const (
	EventConversationInitialized AuditEventType = "conversation.initialized"
	EventStatusChanged           AuditEventType = "conversation.status_changed"
	EventRiskChanged             AuditEventType = "conversation.risk_changed"
	EventModeChanged             AuditEventType = "conversation.mode_changed"
	EventAIToggled               AuditEventType = "conversation.ai_toggled"
	EventUnblocked               AuditEventType = "conversation.unblocked"
	EventBlocked                 AuditEventType = "safety.blocked"
	// EventDangerDetected is logged once per escalated patient message.
	EventDangerDetected AuditEventType = "safety.danger_detected"
	EventTagReceived    AuditEventType = "safety.tag_received"
	EventMessageEdited  AuditEventType = "message.edited"
	EventMessageDeleted AuditEventType = "message.deleted"
)

// AuditEvent represents an immutable audit record.
type AuditEvent struct {
	ID             string          `json:"id"`
	EventType      AuditEventType  `json:"event_type"`
	ActorID        string          `json:"actor_id,omitempty"`
	ConversationID int64           `json:"conversation_id,omitempty"`
	MessageID      int64           `json:"message_id,omitempty"`
	Description    string          `json:"description"`
	Labels         []string        `json:"labels,omitempty"`
	Details        json.RawMessage `json:"details,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// Transition describes a single state change on a conversation.
type Transition struct {
	EventType      AuditEventType
	ActorID        string
	ConversationID int64
	From           string
	To             string
	Description    string
}

// AuditDetails contains event-specific details.
type AuditDetails struct {
	From string `json:"from,omitempty"`
	To   string `json:"to,omitempty"`

	// For danger detection
	Layer      string   `json:"layer,omitempty"`
	Categories []string `json:"categories,omitempty"`
	Reason     string   `json:"reason,omitempty"`
}

// AuditService handles audit logging.
type AuditService struct {
	db *sql.DB
}

// NewAuditService creates a new audit service.
func NewAuditService(db *sql.DB) *AuditService {
	return &AuditService{db: db}
}

// LogEvent records an audit event.
func (s *AuditService) LogEvent(ctx context.Context, event AuditEvent) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	if event.Labels == nil {
		event.Labels = []string{}
	}

	query := `
		INSERT INTO audit_events (
			id, event_type, actor_id, conversation_id, message_id,
			description, labels, details, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	_, err := s.db.ExecContext(ctx, query,
		event.ID,
		event.EventType,
		nullString(event.ActorID),
		nullInt64(event.ConversationID),
		nullInt64(event.MessageID),
		event.Description,
		pq.Array(event.Labels),
		event.Details,
		event.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("compliance: failed to log audit event: %w", err)
	}

	return nil
}

// LogTransition logs a conversation control change with its human-readable description.
func (s *AuditService) LogTransition(ctx context.Context, t Transition) error {
	detailsJSON, _ := json.Marshal(AuditDetails{From: t.From, To: t.To})
	return s.LogEvent(ctx, AuditEvent{
		EventType:      t.EventType,
		ActorID:        t.ActorID,
		ConversationID: t.ConversationID,
		Description:    t.Description,
		Details:        detailsJSON,
	})
}

// LogDangerDetected logs the escalation of a patient message. The message
// content is not stored in the audit log.
func (s *AuditService) LogDangerDetected(ctx context.Context, conversationID, messageID int64, layer string, categories []string) error {
	detailsJSON, _ := json.Marshal(AuditDetails{Layer: layer, Categories: categories})
	return s.LogEvent(ctx, AuditEvent{
		EventType:      EventDangerDetected,
		ConversationID: conversationID,
		MessageID:      messageID,
		Description:    fmt.Sprintf("Danger detected by %s layer; AI disabled and risk set to critical", layer),
		Labels:         categories,
		Details:        detailsJSON,
	})
}

// LogBlocked logs that a conversation was blocked from further AI calls.
func (s *AuditService) LogBlocked(ctx context.Context, conversationID int64, reason string) error {
	detailsJSON, _ := json.Marshal(AuditDetails{Reason: reason})
	return s.LogEvent(ctx, AuditEvent{
		EventType:      EventBlocked,
		ConversationID: conversationID,
		Description:    "Conversation blocked: " + reason,
		Details:        detailsJSON,
	})
}

// LogTagReceived logs a patient's request for therapist attention.
func (s *AuditService) LogTagReceived(ctx context.Context, conversationID, messageID int64, patientID, target, urgency string) error {
	if target == "" {
		target = "all assigned therapists"
	}
	detailsJSON, _ := json.Marshal(AuditDetails{To: target, Reason: urgency})
	return s.LogEvent(ctx, AuditEvent{
		EventType:      EventTagReceived,
		ActorID:        patientID,
		ConversationID: conversationID,
		MessageID:      messageID,
		Description:    fmt.Sprintf("Patient tagged %s (%s)", target, urgency),
		Labels:         []string{urgency},
		Details:        detailsJSON,
	})
}

// QueryEvents retrieves audit events with filters.
func (s *AuditService) QueryEvents(ctx context.Context, filter AuditFilter) ([]AuditEvent, error) {
	query := `
		SELECT id, event_type, actor_id, conversation_id, message_id,
			   description, labels, details, created_at
		FROM audit_events
		WHERE 1 = 1
	`
	var args []interface{}
	argIdx := 1

	if filter.ConversationID != 0 {
		query += fmt.Sprintf(" AND conversation_id = $%d", argIdx)
		args = append(args, filter.ConversationID)
		argIdx++
	}
	if filter.EventType != "" {
		query += fmt.Sprintf(" AND event_type = $%d", argIdx)
		args = append(args, filter.EventType)
		argIdx++
	}
	if !filter.StartTime.IsZero() {
		query += fmt.Sprintf(" AND created_at >= $%d", argIdx)
		args = append(args, filter.StartTime)
		argIdx++
	}
	if !filter.EndTime.IsZero() {
		query += fmt.Sprintf(" AND created_at <= $%d", argIdx)
		args = append(args, filter.EndTime)
		argIdx++
	}

	query += " ORDER BY created_at DESC"

	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("compliance: failed to query audit events: %w", err)
	}
	defer rows.Close()

	var events []AuditEvent
	for rows.Next() {
		var e AuditEvent
		var actorID sql.NullString
		var convID, msgID sql.NullInt64
		err := rows.Scan(
			&e.ID, &e.EventType, &actorID, &convID, &msgID,
			&e.Description, pq.Array(&e.Labels), &e.Details, &e.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("compliance: failed to scan audit event: %w", err)
		}
		e.ActorID = actorID.String
		e.ConversationID = convID.Int64
		e.MessageID = msgID.Int64
		events = append(events, e)
	}

	return events, rows.Err()
}

// AuditFilter specifies criteria for querying audit events.
type AuditFilter struct {
	ConversationID int64
	EventType      AuditEventType
	StartTime      time.Time
	EndTime        time.Time
	Limit          int
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullInt64(v int64) sql.NullInt64 {
	if v == 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: v, Valid: true}
}
