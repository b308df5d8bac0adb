// Package chat is the request-level control flow for patient and therapist
// actions. It routes inbound patient messages through tagging, danger
// detection and the AI gateway, and exposes the therapist message, note,
// alert and tag operations.
package chat

import (
	"context"
	"strings"
	"time"

	"github.com/wolfman30/careline/internal/access"
	"github.com/wolfman30/careline/internal/compliance"
	"github.com/wolfman30/careline/internal/conversation"
	"github.com/wolfman30/careline/internal/llm"
	"github.com/wolfman30/careline/internal/observability/metrics"
	"github.com/wolfman30/careline/internal/safety"
	"github.com/wolfman30/careline/internal/tagging"
	"github.com/wolfman30/careline/pkg/logging"
)

// DefaultSystemPrompt frames the AI for patient-facing replies.
const DefaultSystemPrompt = "You are a supportive assistant in a therapy practice's patient chat. " +
	"Listen, reflect feelings back, and encourage the patient to bring important topics to their therapist. " +
	"Never diagnose or prescribe. Keep replies under 120 words. " +
	`Respond as JSON: {"content": "<reply>", "danger_level": "none|low|elevated|critical|emergency"}.`

// Notifier fires message notifications. Tag and danger notifications are
// sent by the tagging engine and escalator respectively.
type Notifier interface {
	NotifyTherapistMessage(ctx context.Context, conv *conversation.Conversation, msg *conversation.Message)
	NotifyPatientMessage(ctx context.Context, conv *conversation.Conversation, msg *conversation.Message)
}

// Cursor keeps the polling latest-id cache current.
type Cursor interface {
	Touch(ctx context.Context, conversationID int64, msgs ...*conversation.Message)
}

// Auditor records message edits and deletions.
type Auditor interface {
	LogTransition(ctx context.Context, t compliance.Transition) error
}

// Config tunes the patient-facing AI and the client config payload.
type Config struct {
	SystemPrompt  string
	ContextWindow int
	Model         string
	MaxTokens     int32
	Temperature   float32
	Timeout       time.Duration
	PollInterval  time.Duration
}

// Deps groups the collaborators of Service.
type Deps struct {
	Conversations *conversation.Service
	Tags          *tagging.Engine
	Safety        *safety.Pipeline
	Escalator     *safety.Escalator
	Gateway       llm.Client
	Notifier      Notifier
	Cursor        Cursor
	Audit         Auditor
	Disclaimer    *compliance.Disclaimer
	Resolver      access.Resolver
	Metrics       *metrics.ChatMetrics
	Logger        *logging.Logger
}

// Service implements the chat request surface.
type Service struct {
	convs      *conversation.Service
	repo       conversation.Repository
	tags       *tagging.Engine
	safety     *safety.Pipeline
	escalator  *safety.Escalator
	gateway    llm.Client
	notifier   Notifier
	cursor     Cursor
	audit      Auditor
	disclaimer *compliance.Disclaimer
	resolver   access.Resolver
	cfg        Config
	metrics    *metrics.ChatMetrics
	logger     *logging.Logger
}

// NewService wires the chat flow. Conversations, Tags, Safety, Escalator
// and Gateway are required.
func NewService(deps Deps, cfg Config) *Service {
	if deps.Conversations == nil || deps.Tags == nil || deps.Safety == nil || deps.Escalator == nil || deps.Gateway == nil {
		panic("chat: conversations, tags, safety, escalator and gateway required")
	}
	if deps.Logger == nil {
		deps.Logger = logging.Default()
	}
	if strings.TrimSpace(cfg.SystemPrompt) == "" {
		cfg.SystemPrompt = DefaultSystemPrompt
	}
	if cfg.ContextWindow <= 0 {
		cfg.ContextWindow = 20
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 400
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	return &Service{
		convs:      deps.Conversations,
		repo:       deps.Conversations.Repository(),
		tags:       deps.Tags,
		safety:     deps.Safety,
		escalator:  deps.Escalator,
		gateway:    deps.Gateway,
		notifier:   deps.Notifier,
		cursor:     deps.Cursor,
		audit:      deps.Audit,
		disclaimer: deps.Disclaimer,
		resolver:   deps.Resolver,
		cfg:        cfg,
		metrics:    deps.Metrics,
		logger:     deps.Logger,
	}
}

func (s *Service) touch(ctx context.Context, conversationID int64, msgs ...*conversation.Message) {
	if s.cursor != nil {
		s.cursor.Touch(ctx, conversationID, msgs...)
	}
}

func (s *Service) record(ctx context.Context, t compliance.Transition) {
	if s.audit == nil {
		return
	}
	if err := s.audit.LogTransition(context.WithoutCancel(ctx), t); err != nil {
		s.logger.Error("failed to record audit event", "conversation_id", t.ConversationID, "event", t.EventType, "error", err)
	}
}

// ClientConfig is what the polling client needs to render the chat.
type ClientConfig struct {
	UserID              string                          `json:"user_id"`
	Role                access.Role                     `json:"role"`
	PollIntervalSeconds int                             `json:"poll_interval_seconds"`
	TagMarkers          []string                        `json:"tag_markers"`
	TagReasons          map[string]conversation.Urgency `json:"tag_reasons"`
	AIDisclaimer        string                          `json:"ai_disclaimer,omitempty"`
	Therapists          []access.User                   `json:"therapists,omitempty"`
}

// Config returns the client configuration for the caller. Patients also get
// the therapists they can tag by name.
func (s *Service) Config(ctx context.Context, caller access.Caller) (ClientConfig, error) {
	out := ClientConfig{
		UserID:              caller.UserID,
		Role:                caller.Role,
		PollIntervalSeconds: int(s.cfg.PollInterval / time.Second),
		TagMarkers:          s.tags.Markers(),
		TagReasons:          s.tags.Reasons(),
		AIDisclaimer:        s.disclaimer.Text(),
	}
	if caller.IsPatient() && s.resolver != nil {
		therapists, err := s.resolver.AssignedTherapists(ctx, caller.UserID)
		if err != nil {
			return ClientConfig{}, err
		}
		for _, t := range therapists {
			out.Therapists = append(out.Therapists, access.User{ID: t.ID, Name: t.Name, Role: t.Role})
		}
	}
	return out, nil
}
