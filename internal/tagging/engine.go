package tagging

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/wolfman30/careline/internal/access"
	"github.com/wolfman30/careline/internal/conversation"
	"github.com/wolfman30/careline/internal/observability/metrics"
	"github.com/wolfman30/careline/pkg/logging"
)

// Store is the subset of the conversation store tagging writes to.
type Store interface {
	CreateTag(ctx context.Context, t *conversation.Tag) (*conversation.Tag, error)
	CreateAlert(ctx context.Context, a *conversation.Alert) (*conversation.Alert, error)
	EscalateRisk(ctx context.Context, id int64, level conversation.RiskLevel) (bool, error)
}

// Notifier tells therapists about a new tag.
type Notifier interface {
	NotifyTag(ctx context.Context, conv *conversation.Conversation, msg *conversation.Message, tag *conversation.Tag, alert *conversation.Alert)
}

// AuditLogger records tags.
type AuditLogger interface {
	LogTagReceived(ctx context.Context, conversationID, messageID int64, patientID, target, urgency string) error
}

// Outcome describes what the engine did with one message.
type Outcome struct {
	Tagged bool
	// SkipAI is true whenever a tag was detected; no AI reply may be generated.
	SkipAI bool
	Tag    *conversation.Tag
	Alert  *conversation.Alert
}

// Config configures the engine.
type Config struct {
	Markers  []string
	Reasons  map[string]conversation.Urgency
	Audit    AuditLogger
	Metrics  *metrics.ChatMetrics
	Logger   *logging.Logger
	Preview  int
	Notifier Notifier
}

// Engine turns patient mentions into tags and tag_received alerts, raising
// the conversation's risk floor by urgency.
type Engine struct {
	store    Store
	resolver access.Resolver
	parser   *Parser
	reasons  map[string]conversation.Urgency
	notifier Notifier
	audit    AuditLogger
	preview  int
	metrics  *metrics.ChatMetrics
	logger   *logging.Logger
}

// NewEngine builds an engine. store and resolver are required.
func NewEngine(store Store, resolver access.Resolver, cfg Config) *Engine {
	if store == nil || resolver == nil {
		panic("tagging: store and resolver required")
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	if cfg.Preview <= 0 {
		cfg.Preview = 100
	}
	reasons := make(map[string]conversation.Urgency, len(cfg.Reasons))
	for code, u := range cfg.Reasons {
		reasons[strings.ToLower(code)] = u
	}
	return &Engine{
		store:    store,
		resolver: resolver,
		parser:   NewParser(cfg.Markers),
		reasons:  reasons,
		notifier: cfg.Notifier,
		audit:    cfg.Audit,
		preview:  cfg.Preview,
		metrics:  cfg.Metrics,
		logger:   cfg.Logger,
	}
}

// Markers returns the generic markers clients may offer as shortcuts.
func (e *Engine) Markers() []string { return e.parser.Markers() }

// Reasons returns the configured reason codes and their urgencies.
func (e *Engine) Reasons() map[string]conversation.Urgency {
	out := make(map[string]conversation.Urgency, len(e.reasons))
	for k, v := range e.reasons {
		out[k] = v
	}
	return out
}

// UrgencyFor maps a reason code to its urgency. Unknown codes are normal.
func (e *Engine) UrgencyFor(reason string) conversation.Urgency {
	if u, ok := e.reasons[strings.ToLower(strings.TrimSpace(reason))]; ok {
		return u
	}
	return conversation.UrgencyNormal
}

// Detect scans text for a mention, resolving names against the therapists
// assigned to the conversation's patient. It writes nothing, so callers can
// decide to skip the AI before persisting anything.
func (e *Engine) Detect(ctx context.Context, conv *conversation.Conversation, text string) (Mention, error) {
	if !strings.Contains(text, "@") {
		return Mention{}, nil
	}
	therapists, err := e.resolver.AssignedTherapists(ctx, conv.PatientID)
	if err != nil {
		return Mention{}, fmt.Errorf("tagging: assigned therapists: %w", err)
	}
	return e.parser.Parse(text, therapists), nil
}

// Apply records a detected mention against a persisted patient message.
func (e *Engine) Apply(ctx context.Context, conv *conversation.Conversation, msg *conversation.Message, mention Mention, reason string) (Outcome, error) {
	if !mention.Found {
		return Outcome{}, nil
	}
	return e.record(ctx, conv, msg, mention.TherapistID, mention.TherapistName, reason, true)
}

// ApplyEscalated records a mention on a message that was also escalated as
// dangerous. The tag and alert rows are written as usual but no tag
// notification goes out; the danger batch already reached every therapist.
func (e *Engine) ApplyEscalated(ctx context.Context, conv *conversation.Conversation, msg *conversation.Message, mention Mention, reason string) (Outcome, error) {
	if !mention.Found {
		return Outcome{}, nil
	}
	return e.record(ctx, conv, msg, mention.TherapistID, mention.TherapistName, reason, false)
}

// TagExplicit tags a therapist on an existing patient message without text
// parsing. An empty therapistID addresses all assigned therapists.
func (e *Engine) TagExplicit(ctx context.Context, conv *conversation.Conversation, msg *conversation.Message, therapistID, reason string) (Outcome, error) {
	if msg.ConversationID != conv.ID {
		return Outcome{}, conversation.Invalid("message_id", "not part of this conversation")
	}
	if msg.Sender.Kind != conversation.SenderSubject {
		return Outcome{}, conversation.Invalid("message_id", "only patient messages can be tagged")
	}
	var name string
	if therapistID != "" {
		ok, err := e.resolver.TherapistCanAccessPatient(ctx, therapistID, conv.PatientID)
		if err != nil {
			return Outcome{}, fmt.Errorf("tagging: check therapist scope: %w", err)
		}
		if !ok {
			return Outcome{}, conversation.Invalid("therapist_id", "therapist is not assigned to this patient")
		}
		if u, err := e.resolver.User(ctx, therapistID); err == nil {
			name = u.Name
		} else if !errors.Is(err, access.ErrUnknownUser) {
			return Outcome{}, fmt.Errorf("tagging: therapist profile: %w", err)
		}
	}
	return e.record(ctx, conv, msg, therapistID, name, reason, true)
}

func (e *Engine) record(ctx context.Context, conv *conversation.Conversation, msg *conversation.Message, therapistID, therapistName, reason string, notify bool) (Outcome, error) {
	urgency := e.UrgencyFor(reason)
	out := Outcome{Tagged: true, SkipAI: true}

	tag, err := e.store.CreateTag(ctx, &conversation.Tag{
		ConversationID:    conv.ID,
		MessageID:         msg.ID,
		TargetTherapistID: therapistID,
		Reason:            strings.ToLower(strings.TrimSpace(reason)),
		Urgency:           urgency,
	})
	if err != nil {
		return out, fmt.Errorf("tagging: create tag: %w", err)
	}
	out.Tag = tag

	var target *string
	if therapistID != "" {
		target = &therapistID
	}
	md := map[string]any{
		"tag_id":  tag.ID,
		"urgency": string(urgency),
		"preview": conversation.Preview(msg.Content, e.preview),
	}
	if tag.Reason != "" {
		md["reason"] = tag.Reason
	}
	alert, err := e.store.CreateAlert(ctx, &conversation.Alert{
		ConversationID:    conv.ID,
		MessageID:         &msg.ID,
		TargetTherapistID: target,
		Type:              conversation.AlertTagReceived,
		Severity:          urgency.Severity(),
		Text:              alertText(therapistName, urgency),
		Metadata:          md,
	})
	if err != nil {
		return out, fmt.Errorf("tagging: create alert: %w", err)
	}
	out.Alert = alert

	if level, ok := riskFor(urgency); ok {
		raised, err := e.store.EscalateRisk(ctx, conv.ID, level)
		if err != nil {
			return out, fmt.Errorf("tagging: escalate risk: %w", err)
		}
		if raised {
			conv.RiskLevel = level
		}
	}

	e.metrics.ObserveTag(string(urgency))
	e.logger.Info("patient tagged therapist",
		"conversation_id", conv.ID,
		"message_id", msg.ID,
		"target", targetLabel(therapistID),
		"urgency", urgency,
	)

	if e.audit != nil {
		if err := e.audit.LogTagReceived(ctx, conv.ID, msg.ID, conv.PatientID, therapistID, string(urgency)); err != nil {
			e.logger.Error("failed to audit tag", "conversation_id", conv.ID, "error", err)
		}
	}
	if notify && e.notifier != nil {
		e.notifier.NotifyTag(ctx, conv, msg, tag, alert)
	}
	return out, nil
}

// riskFor returns the risk floor a tag urgency imposes. EscalateRisk only
// raises, so an urgent tag moves low to medium and leaves higher levels alone.
func riskFor(u conversation.Urgency) (conversation.RiskLevel, bool) {
	switch u {
	case conversation.UrgencyEmergency:
		return conversation.RiskCritical, true
	case conversation.UrgencyUrgent:
		return conversation.RiskMedium, true
	default:
		return "", false
	}
}

func alertText(name string, u conversation.Urgency) string {
	who := "the care team"
	if name != "" {
		who = name
	}
	switch u {
	case conversation.UrgencyEmergency:
		return fmt.Sprintf("Emergency: patient is asking for %s", who)
	case conversation.UrgencyUrgent:
		return fmt.Sprintf("Urgent: patient is asking for %s", who)
	default:
		return fmt.Sprintf("Patient is asking for %s", who)
	}
}

func targetLabel(id string) string {
	if id == "" {
		return "all"
	}
	return id
}
