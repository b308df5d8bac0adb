package conversation

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/wolfman30/careline/internal/access"
	"github.com/wolfman30/careline/internal/compliance"
	"github.com/wolfman30/careline/pkg/logging"
)

// Auditor records conversation transitions.
type Auditor interface {
	LogTransition(ctx context.Context, t compliance.Transition) error
}

// Service owns conversation mode, status, risk and AI-enabled transitions.
// Store failures are returned to the caller as-is; nothing is retried.
type Service struct {
	repo     Repository
	resolver access.Resolver
	audit    Auditor
	logger   *logging.Logger
}

// NewService creates the conversation state machine.
func NewService(repo Repository, resolver access.Resolver, audit Auditor, logger *logging.Logger) *Service {
	if repo == nil {
		panic("conversation: repository required")
	}
	if resolver == nil {
		panic("conversation: access resolver required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Service{repo: repo, resolver: resolver, audit: audit, logger: logger}
}

// Repository exposes the underlying store to collaborating workflows.
func (s *Service) Repository() Repository { return s.repo }

// Authorize checks that caller may act on conv: the owning patient, a
// therapist whose assignment covers the patient, or an admin.
func (s *Service) Authorize(ctx context.Context, caller access.Caller, conv *Conversation) error {
	switch caller.Role {
	case access.RoleAdmin:
		return nil
	case access.RolePatient:
		if conv.PatientID == caller.UserID {
			return nil
		}
	case access.RoleTherapist:
		ok, err := s.resolver.TherapistCanAccessPatient(ctx, caller.UserID, conv.PatientID)
		if err != nil {
			return fmt.Errorf("conversation: check access: %w", err)
		}
		if ok {
			return nil
		}
	}
	return Denied(caller.UserID, "conversation")
}

// Load fetches a conversation and authorizes the caller. A missing
// conversation is reported as access denied.
func (s *Service) Load(ctx context.Context, caller access.Caller, id int64) (*Conversation, error) {
	conv, err := s.repo.GetConversation(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, Denied(caller.UserID, "conversation")
		}
		return nil, err
	}
	if err := s.Authorize(ctx, caller, conv); err != nil {
		return nil, err
	}
	return conv, nil
}

// ResolveGroup picks the group a new conversation belongs to. A requested
// group must contain the patient. Without one, the patient must belong to
// exactly one group.
func (s *Service) ResolveGroup(ctx context.Context, patientID, requested string) (string, error) {
	groups, err := s.resolver.GroupsOf(ctx, patientID)
	if err != nil {
		return "", fmt.Errorf("conversation: resolve group: %w", err)
	}
	if requested != "" {
		if slices.Contains(groups, requested) {
			return requested, nil
		}
		return "", ErrNoAccessibleGroup
	}
	if len(groups) == 1 {
		return groups[0], nil
	}
	return "", ErrNoAccessibleGroup
}

// GetOrCreateActive returns the patient's open conversation, creating one in
// groupID when none exists. A concurrent create is treated as success.
func (s *Service) GetOrCreateActive(ctx context.Context, patientID, groupID string) (*Conversation, bool, error) {
	conv, err := s.repo.FindActiveByPatient(ctx, patientID)
	if err == nil {
		return conv, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}

	group, err := s.ResolveGroup(ctx, patientID, groupID)
	if err != nil {
		return nil, false, err
	}

	created, err := s.repo.CreateConversation(ctx, NewConversation(patientID, group))
	if errors.Is(err, ErrConflict) {
		conv, err := s.repo.FindActiveByPatient(ctx, patientID)
		if err != nil {
			return nil, false, err
		}
		return conv, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	s.logger.Info("conversation opened", "conversation_id", created.ID, "patient_id", patientID, "group_id", group)
	return created, true, nil
}

// InitializeForPatient lets staff open a conversation before the patient writes.
func (s *Service) InitializeForPatient(ctx context.Context, caller access.Caller, patientID, groupID string) (*Conversation, error) {
	if patientID == "" {
		return nil, Invalid("patient_id", "required")
	}
	if !caller.IsStaff() {
		return nil, Denied(caller.UserID, "initialize conversation")
	}
	isPatient, err := s.resolver.IsPatient(ctx, patientID)
	if err != nil {
		return nil, fmt.Errorf("conversation: check patient: %w", err)
	}
	if !isPatient {
		return nil, Invalid("patient_id", "not a patient")
	}
	if caller.IsTherapist() {
		ok, err := s.resolver.TherapistCanAccessPatient(ctx, caller.UserID, patientID)
		if err != nil {
			return nil, fmt.Errorf("conversation: check access: %w", err)
		}
		if !ok {
			return nil, Denied(caller.UserID, "initialize conversation")
		}
	}

	conv, created, err := s.GetOrCreateActive(ctx, patientID, groupID)
	if err != nil {
		return nil, err
	}
	if created {
		s.record(ctx, compliance.Transition{
			EventType:      compliance.EventConversationInitialized,
			ActorID:        caller.UserID,
			ConversationID: conv.ID,
			To:             string(conv.Status),
			Description:    "Conversation initialized by " + string(caller.Role),
		})
	}
	return conv, nil
}

func (s *Service) loadOpenForStaff(ctx context.Context, caller access.Caller, id int64, action string) (*Conversation, error) {
	if !caller.IsStaff() {
		return nil, Denied(caller.UserID, action)
	}
	conv, err := s.Load(ctx, caller, id)
	if err != nil {
		return nil, err
	}
	if conv.Status == StatusClosed {
		return nil, Invalid("conversation", "closed")
	}
	return conv, nil
}

// SetStatus moves a conversation between active, paused and closed. Closed is
// terminal. Patients may only close their own conversation.
func (s *Service) SetStatus(ctx context.Context, caller access.Caller, id int64, status Status) (*Conversation, error) {
	if !status.Valid() {
		return nil, Invalid("status", fmt.Sprintf("unknown status %q", status))
	}
	if caller.IsPatient() && status != StatusClosed {
		return nil, Denied(caller.UserID, "set status")
	}
	conv, err := s.Load(ctx, caller, id)
	if err != nil {
		return nil, err
	}
	if conv.Status == StatusClosed {
		if status == StatusClosed {
			return conv, nil
		}
		return nil, Invalid("status", "conversation is closed")
	}
	if conv.Status == status {
		return conv, nil
	}

	updated, err := s.repo.UpdateControl(ctx, id, ControlUpdate{Status: &status})
	if err != nil {
		return nil, err
	}
	s.record(ctx, compliance.Transition{
		EventType:      compliance.EventStatusChanged,
		ActorID:        caller.UserID,
		ConversationID: id,
		From:           string(conv.Status),
		To:             string(status),
		Description:    fmt.Sprintf("Status changed from %s to %s", conv.Status, status),
	})
	return updated, nil
}

// SetRiskLevel sets the risk level. This is the only path that can lower it.
func (s *Service) SetRiskLevel(ctx context.Context, caller access.Caller, id int64, level RiskLevel) (*Conversation, error) {
	if !level.Valid() {
		return nil, Invalid("risk_level", fmt.Sprintf("unknown risk level %q", level))
	}
	conv, err := s.loadOpenForStaff(ctx, caller, id, "set risk level")
	if err != nil {
		return nil, err
	}
	if conv.RiskLevel == level {
		return conv, nil
	}
	updated, err := s.repo.UpdateControl(ctx, id, ControlUpdate{RiskLevel: &level})
	if err != nil {
		return nil, err
	}
	s.record(ctx, compliance.Transition{
		EventType:      compliance.EventRiskChanged,
		ActorID:        caller.UserID,
		ConversationID: id,
		From:           string(conv.RiskLevel),
		To:             string(level),
		Description:    fmt.Sprintf("Risk level changed from %s to %s", conv.RiskLevel, level),
	})
	return updated, nil
}

// ToggleAI enables or disables AI replies. Enabling also clears any block.
func (s *Service) ToggleAI(ctx context.Context, caller access.Caller, id int64, enabled bool) (*Conversation, error) {
	conv, err := s.loadOpenForStaff(ctx, caller, id, "toggle ai")
	if err != nil {
		return nil, err
	}

	update := ControlUpdate{AIEnabled: &enabled}
	description := "AI responses disabled"
	if enabled {
		unblocked, noReason := false, ""
		update.Blocked = &unblocked
		update.BlockedReason = &noReason
		description = "AI responses enabled"
		if conv.Blocked {
			description += "; conversation unblocked"
		}
	}
	if conv.AIEnabled == enabled && !(enabled && conv.Blocked) {
		return conv, nil
	}

	updated, err := s.repo.UpdateControl(ctx, id, update)
	if err != nil {
		return nil, err
	}
	s.record(ctx, compliance.Transition{
		EventType:      compliance.EventAIToggled,
		ActorID:        caller.UserID,
		ConversationID: id,
		From:           fmt.Sprint(conv.AIEnabled),
		To:             fmt.Sprint(enabled),
		Description:    description,
	})
	return updated, nil
}

// SetMode switches between AI-hybrid and human-only.
func (s *Service) SetMode(ctx context.Context, caller access.Caller, id int64, mode Mode) (*Conversation, error) {
	if !mode.Valid() {
		return nil, Invalid("mode", fmt.Sprintf("unknown mode %q", mode))
	}
	conv, err := s.loadOpenForStaff(ctx, caller, id, "set mode")
	if err != nil {
		return nil, err
	}
	if conv.Mode == mode {
		return conv, nil
	}
	updated, err := s.repo.UpdateControl(ctx, id, ControlUpdate{Mode: &mode})
	if err != nil {
		return nil, err
	}
	s.record(ctx, compliance.Transition{
		EventType:      compliance.EventModeChanged,
		ActorID:        caller.UserID,
		ConversationID: id,
		From:           string(conv.Mode),
		To:             string(mode),
		Description:    fmt.Sprintf("Mode changed from %s to %s", conv.Mode, mode),
	})
	return updated, nil
}

// Unblock clears a danger block without re-enabling AI.
func (s *Service) Unblock(ctx context.Context, caller access.Caller, id int64) (*Conversation, error) {
	conv, err := s.loadOpenForStaff(ctx, caller, id, "unblock")
	if err != nil {
		return nil, err
	}
	if !conv.Blocked {
		return conv, nil
	}
	unblocked, noReason := false, ""
	updated, err := s.repo.UpdateControl(ctx, id, ControlUpdate{Blocked: &unblocked, BlockedReason: &noReason})
	if err != nil {
		return nil, err
	}
	s.record(ctx, compliance.Transition{
		EventType:      compliance.EventUnblocked,
		ActorID:        caller.UserID,
		ConversationID: id,
		From:           conv.BlockedReason,
		Description:    "Conversation unblocked (was: " + conv.BlockedReason + ")",
	})
	return updated, nil
}

func (s *Service) record(ctx context.Context, t compliance.Transition) {
	if s.audit == nil {
		return
	}
	if err := s.audit.LogTransition(context.WithoutCancel(ctx), t); err != nil {
		s.logger.Error("failed to record transition", "conversation_id", t.ConversationID, "event", t.EventType, "error", err)
	}
}
