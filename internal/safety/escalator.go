package safety

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/wolfman30/careline/internal/conversation"
	"github.com/wolfman30/careline/internal/observability/metrics"
	"github.com/wolfman30/careline/pkg/logging"
)

var escalationTracer = otel.Tracer("careline/safety")

// DefaultSupportiveReply is sent to the patient whenever AI generation is suppressed by a danger escalation.
const DefaultSupportiveReply = "Thank you for telling us. Your care team has been notified and will reach out as soon as possible. " +
	"If you are in immediate danger, please call your local emergency number or a crisis line right now."

// Notifier fans a danger alert out to therapists and configured extra recipients.
type Notifier interface {
	NotifyDanger(ctx context.Context, conv *conversation.Conversation, msg *conversation.Message, alert *conversation.Alert)
}

// AuditLogger records safety events.
type AuditLogger interface {
	LogDangerDetected(ctx context.Context, conversationID, messageID int64, layer string, categories []string) error
	LogBlocked(ctx context.Context, conversationID int64, reason string) error
}

// Store is the subset of the conversation store the escalation routine writes to.
type Store interface {
	CreateAlert(ctx context.Context, a *conversation.Alert) (*conversation.Alert, error)
	EscalateRisk(ctx context.Context, id int64, level conversation.RiskLevel) (bool, error)
	Block(ctx context.Context, id int64, reason string) (bool, error)
	AppendMessages(ctx context.Context, conversationID int64, msgs ...*conversation.Message) ([]*conversation.Message, error)
}

// Result describes what an escalation did.
type Result struct {
	// Escalated is false when the message had already been escalated.
	Escalated bool
	Alert     *conversation.Alert
	Reply     *conversation.Message
	// NewlyBlocked is false when the conversation was already blocked.
	NewlyBlocked bool
}

// Escalator runs the shared escalation routine, guarded by a per-message ledger.
type Escalator struct {
	store           Store
	ledger          Ledger
	notifier        Notifier
	audit           AuditLogger
	supportiveReply string
	previewChars    int
	metrics         *metrics.ChatMetrics
	logger          *logging.Logger
}

// EscalatorConfig configures optional collaborators.
type EscalatorConfig struct {
	SupportiveReply string
	PreviewChars    int
	Audit           AuditLogger
	Metrics         *metrics.ChatMetrics
	Logger          *logging.Logger
}

// NewEscalator wires the escalation routine. store and ledger are required;
// a nil notifier skips the therapist batch.
func NewEscalator(store Store, ledger Ledger, notifier Notifier, cfg EscalatorConfig) *Escalator {
	if store == nil || ledger == nil {
		panic("safety: store and ledger required")
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	if strings.TrimSpace(cfg.SupportiveReply) == "" {
		cfg.SupportiveReply = DefaultSupportiveReply
	}
	if cfg.PreviewChars <= 0 {
		cfg.PreviewChars = 100
	}
	return &Escalator{
		store:           store,
		ledger:          ledger,
		notifier:        notifier,
		audit:           cfg.Audit,
		supportiveReply: cfg.SupportiveReply,
		previewChars:    cfg.PreviewChars,
		metrics:         cfg.Metrics,
		logger:          cfg.Logger,
	}
}

// SupportiveReply is the pre-configured patient-facing response.
func (e *Escalator) SupportiveReply() string { return e.supportiveReply }

// Escalate handles a dangerous patient message that is already persisted. It
// creates one emergency alert, forces risk to critical, disables AI, blocks
// the conversation if not already blocked, sends one notification batch and
// appends the supportive reply. Side effects run to completion even if the
// caller's context is cancelled, and none are rolled back when a later step fails.
// A ledger failure is reported in the returned error but does not stop the
// escalation.
func (e *Escalator) Escalate(ctx context.Context, conv *conversation.Conversation, msg *conversation.Message, v Verdict) (Result, error) {
	if msg == nil || msg.ID == 0 {
		return Result{}, errors.New("safety: escalate requires a persisted message")
	}
	ctx = context.WithoutCancel(ctx)
	ctx, span := escalationTracer.Start(ctx, "safety.escalate")
	defer span.End()
	span.SetAttributes(
		attribute.Int64("conversation.id", conv.ID),
		attribute.Int64("message.id", msg.ID),
		attribute.String("safety.layer", string(v.Layer)),
	)

	var errs []error
	claimed, err := e.ledger.Claim(ctx, conv.ID, msg.ID, v.Layer)
	if err != nil {
		// The ledger only de-duplicates; escalate without it.
		errs = append(errs, fmt.Errorf("safety: claim escalation: %w", err))
		e.logger.Warn("escalation ledger unavailable, escalating without claim",
			"conversation_id", conv.ID, "message_id", msg.ID, "error", err)
		claimed = true
	}
	if !claimed {
		e.metrics.ObserveEscalation(string(v.Layer), "duplicate")
		e.logger.Info("message already escalated", "conversation_id", conv.ID, "message_id", msg.ID, "layer", v.Layer)
		return Result{}, nil
	}

	res := Result{Escalated: true}

	alert, err := e.store.CreateAlert(ctx, &conversation.Alert{
		ConversationID: conv.ID,
		MessageID:      &msg.ID,
		Type:           conversation.AlertDangerDetected,
		Severity:       conversation.SeverityEmergency,
		Text:           fmt.Sprintf("Danger detected in a patient message (%s layer)", v.Layer),
		Metadata:       e.alertMetadata(msg, v),
	})
	if err != nil {
		errs = append(errs, fmt.Errorf("safety: create alert: %w", err))
	} else {
		res.Alert = alert
	}

	if _, err := e.store.EscalateRisk(ctx, conv.ID, conversation.RiskCritical); err != nil {
		errs = append(errs, fmt.Errorf("safety: escalate risk: %w", err))
	} else {
		conv.RiskLevel = conversation.RiskCritical
	}

	reason := fmt.Sprintf("danger detected by %s layer in message %d", v.Layer, msg.ID)
	newly, err := e.store.Block(ctx, conv.ID, reason)
	if err != nil {
		errs = append(errs, fmt.Errorf("safety: block conversation: %w", err))
	} else {
		res.NewlyBlocked = newly
		conv.AIEnabled = false
		if newly {
			conv.Blocked = true
			conv.BlockedReason = reason
		}
	}

	if e.audit != nil {
		if err := e.audit.LogDangerDetected(ctx, conv.ID, msg.ID, string(v.Layer), v.Categories); err != nil {
			e.logger.Error("failed to audit danger detection", "conversation_id", conv.ID, "error", err)
		}
		if res.NewlyBlocked {
			if err := e.audit.LogBlocked(ctx, conv.ID, reason); err != nil {
				e.logger.Error("failed to audit block", "conversation_id", conv.ID, "error", err)
			}
		}
	}

	if e.notifier != nil {
		e.notifier.NotifyDanger(ctx, conv, msg, res.Alert)
	}

	replies, err := e.store.AppendMessages(ctx, conv.ID, &conversation.Message{
		Sender:  conversation.SystemSender(),
		Content: e.supportiveReply,
	})
	if err != nil {
		errs = append(errs, fmt.Errorf("safety: supportive reply: %w", err))
	} else if len(replies) > 0 {
		res.Reply = replies[0]
	}

	joined := errors.Join(errs...)
	if joined != nil {
		e.metrics.ObserveEscalation(string(v.Layer), "partial")
		span.RecordError(joined)
		span.SetStatus(codes.Error, "escalation incomplete")
		e.logger.Error("danger escalation incomplete", "conversation_id", conv.ID, "message_id", msg.ID, "error", joined)
	} else {
		e.metrics.ObserveEscalation(string(v.Layer), "escalated")
		e.logger.Warn("danger escalated",
			"conversation_id", conv.ID,
			"message_id", msg.ID,
			"layer", v.Layer,
			"categories", strings.Join(v.Categories, ","),
			"newly_blocked", res.NewlyBlocked,
		)
	}
	return res, joined
}

func (e *Escalator) alertMetadata(msg *conversation.Message, v Verdict) map[string]any {
	md := map[string]any{
		"layer":   string(v.Layer),
		"preview": conversation.Preview(msg.Content, e.previewChars),
	}
	if len(v.Categories) > 0 {
		md["categories"] = v.Categories
	}
	if len(v.Matched) > 0 {
		md["matched_keywords"] = v.Matched
	}
	return md
}
