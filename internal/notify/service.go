// Package notify composes therapist and patient notifications and hands them
// to email and push channels. Delivery is best-effort: failures are logged
// and never returned to the action that triggered them.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/wolfman30/careline/internal/access"
	"github.com/wolfman30/careline/internal/conversation"
	"github.com/wolfman30/careline/internal/observability/metrics"
	"github.com/wolfman30/careline/pkg/logging"
)

// Config controls which audiences and channels are notified.
type Config struct {
	BaseURL        string
	PreviewChars   int
	PatientEmail   bool
	PatientPush    bool
	TherapistEmail bool
	TherapistPush  bool
	// DangerEmails always receive danger alerts, merged with assigned therapists.
	DangerEmails []string
	Templates    map[Event]Template
	Timeout      time.Duration
}

// Service is the notification orchestrator.
type Service struct {
	email    Channel
	push     Channel
	resolver access.Resolver
	cfg      Config
	metrics  *metrics.ChatMetrics
	logger   *logging.Logger
}

// NewService creates the orchestrator. Either channel may be nil, which
// disables that kind.
func NewService(email, push Channel, resolver access.Resolver, cfg Config, m *metrics.ChatMetrics, logger *logging.Logger) *Service {
	if resolver == nil {
		panic("notify: resolver required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	if cfg.PreviewChars <= 0 {
		cfg.PreviewChars = 100
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Service{email: email, push: push, resolver: resolver, cfg: cfg, metrics: m, logger: logger}
}

var errNotAccepted = errors.New("notify: channel did not accept notification")

type recipient struct {
	userID string
	name   string
	email  string
	push   bool
}

func fromUser(u access.User) recipient {
	return recipient{userID: u.ID, name: u.FirstName(), email: u.Email, push: u.PushEnabled}
}

// NotifyTherapistMessage tells the patient about a therapist reply.
func (s *Service) NotifyTherapistMessage(ctx context.Context, conv *conversation.Conversation, msg *conversation.Message) {
	patient, err := s.resolver.User(ctx, conv.PatientID)
	if err != nil {
		s.logger.Error("notify: patient lookup failed", "conversation_id", conv.ID, "error", err)
		return
	}
	fields := Fields{
		TherapistName: s.displayName(ctx, msg.Sender.ID),
		PatientName:   patient.FirstName(),
		Preview:       conversation.Preview(msg.Content, s.cfg.PreviewChars),
		Link:          s.cfg.BaseURL + "/chat",
	}
	s.dispatch(ctx, EventTherapistMessage, []recipient{fromUser(*patient)}, nil, fields, s.cfg.PatientEmail, s.cfg.PatientPush)
}

// NotifyPatientMessage tells assigned therapists about a new patient message.
func (s *Service) NotifyPatientMessage(ctx context.Context, conv *conversation.Conversation, msg *conversation.Message) {
	therapists, ok := s.therapists(ctx, conv, "")
	if !ok {
		return
	}
	fields := s.patientFields(ctx, conv, msg)
	s.dispatch(ctx, EventPatientMessage, therapists, nil, fields, s.cfg.TherapistEmail, s.cfg.TherapistPush)
}

// NotifyTag tells the tagged therapist, or all assigned therapists.
func (s *Service) NotifyTag(ctx context.Context, conv *conversation.Conversation, msg *conversation.Message, tag *conversation.Tag, _ *conversation.Alert) {
	therapists, ok := s.therapists(ctx, conv, tag.TargetTherapistID)
	if !ok {
		return
	}
	fields := s.patientFields(ctx, conv, msg)
	fields.Urgency = string(tag.Urgency)
	fields.Reason = tag.Reason
	s.dispatch(ctx, EventTag, therapists, nil, fields, s.cfg.TherapistEmail, s.cfg.TherapistPush)
}

// NotifyDanger sends the single danger batch: assigned therapists plus the
// configured extra addresses, each physical address at most once.
func (s *Service) NotifyDanger(ctx context.Context, conv *conversation.Conversation, msg *conversation.Message, _ *conversation.Alert) {
	therapists, _ := s.therapists(ctx, conv, "")
	fields := s.patientFields(ctx, conv, msg)
	fields.Urgency = string(conversation.UrgencyEmergency)
	s.dispatch(ctx, EventDanger, therapists, s.cfg.DangerEmails, fields, s.cfg.TherapistEmail, s.cfg.TherapistPush)
}

func (s *Service) therapists(ctx context.Context, conv *conversation.Conversation, only string) ([]recipient, bool) {
	users, err := s.resolver.AssignedTherapists(ctx, conv.PatientID)
	if err != nil {
		s.logger.Error("notify: assigned therapists lookup failed", "conversation_id", conv.ID, "error", err)
		return nil, false
	}
	out := make([]recipient, 0, len(users))
	for _, u := range users {
		if only != "" && u.ID != only {
			continue
		}
		out = append(out, fromUser(u))
	}
	if only != "" && len(out) == 0 {
		// Tagged therapist lost the assignment; fall back to everyone.
		s.logger.Warn("notify: tagged therapist not assigned, notifying all", "conversation_id", conv.ID, "therapist_id", only)
		for _, u := range users {
			out = append(out, fromUser(u))
		}
	}
	return out, true
}

func (s *Service) patientFields(ctx context.Context, conv *conversation.Conversation, msg *conversation.Message) Fields {
	return Fields{
		PatientName: s.displayName(ctx, conv.PatientID),
		Preview:     conversation.Preview(msg.Content, s.cfg.PreviewChars),
		Link:        fmt.Sprintf("%s/therapist/conversations/%d", s.cfg.BaseURL, conv.ID),
	}
}

func (s *Service) displayName(ctx context.Context, userID string) string {
	if userID == "" {
		return ""
	}
	u, err := s.resolver.User(ctx, userID)
	if err != nil {
		return ""
	}
	return u.Name
}

func (s *Service) template(event Event) Template {
	if t, ok := s.cfg.Templates[event]; ok {
		return t
	}
	return DefaultTemplates[event]
}

// dispatch builds the deduplicated batch and schedules each entry. A failure
// on one channel never stops the others.
func (s *Service) dispatch(ctx context.Context, event Event, users []recipient, extraEmails []string, fields Fields, allowEmail, allowPush bool) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.Timeout)
	defer cancel()

	batch := s.compose(event, users, extraEmails, fields, allowEmail, allowPush)
	if len(batch) == 0 {
		s.logger.Debug("notify: no recipients", "event", event)
		return
	}

	var failed int
	for _, n := range batch {
		ch := s.email
		if n.Kind == KindPush {
			ch = s.push
		}
		ok, err := ch.Schedule(ctx, n)
		s.metrics.ObserveNotification(string(event), string(n.Kind), ok && err == nil)
		if err != nil || !ok {
			failed++
			if err == nil {
				err = errNotAccepted
			}
			nerr := &conversation.NotificationError{Channel: string(n.Kind), Recipient: n.Recipient, Err: err}
			s.logger.Error("notify: schedule failed", "event", event, "kind", n.Kind, "error", nerr)
		}
	}
	s.logger.Info("notify: batch scheduled", "event", event, "count", len(batch), "failed", failed)
}

func (s *Service) compose(event Event, users []recipient, extraEmails []string, fields Fields, allowEmail, allowPush bool) []Notification {
	tmpl := s.template(event)
	seenEmail := make(map[string]bool)
	seenPush := make(map[string]bool)
	var batch []Notification

	render := func(name string) (string, string) {
		f := fields
		f.RecipientName = name
		return tmpl.Render(f)
	}

	for _, u := range users {
		if allowEmail && s.email != nil {
			if key := normalizeEmail(u.email); key != "" && !seenEmail[key] {
				seenEmail[key] = true
				subject, body := render(u.name)
				batch = append(batch, Notification{Event: event, Kind: KindEmail, Recipient: strings.TrimSpace(u.email), RecipientName: u.name, Subject: subject, Body: body, Link: fields.Link})
			}
		}
		if allowPush && s.push != nil && u.push && u.userID != "" && !seenPush[u.userID] {
			seenPush[u.userID] = true
			subject, body := render(u.name)
			batch = append(batch, Notification{Event: event, Kind: KindPush, Recipient: u.userID, RecipientName: u.name, Subject: subject, Body: body, Link: fields.Link})
		}
	}
	if s.email != nil {
		for _, addr := range extraEmails {
			key := normalizeEmail(addr)
			if key == "" || seenEmail[key] {
				continue
			}
			seenEmail[key] = true
			subject, body := render("")
			batch = append(batch, Notification{Event: event, Kind: KindEmail, Recipient: strings.TrimSpace(addr), Subject: subject, Body: body, Link: fields.Link})
		}
	}
	return batch
}

func normalizeEmail(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}

// ParseEmails splits a comma or semicolon separated address list.
func ParseEmails(raw string) []string {
	var out []string
	for _, f := range strings.FieldsFunc(raw, func(r rune) bool { return r == ',' || r == ';' || r == ' ' || r == '\n' }) {
		if strings.Contains(f, "@") {
			out = append(out, f)
		}
	}
	return out
}
