package chat

import (
	"context"
	"errors"
	"fmt"

	"github.com/wolfman30/careline/internal/access"
	"github.com/wolfman30/careline/internal/conversation"
	"github.com/wolfman30/careline/internal/tagging"
)

// ListAlerts returns the caller's alerts: those targeted at them plus the
// untargeted alerts on conversations they monitor, newest first.
func (s *Service) ListAlerts(ctx context.Context, caller access.Caller, unreadOnly bool, limit int) ([]*conversation.Alert, error) {
	if !caller.IsStaff() {
		return nil, conversation.Denied(caller.UserID, "list alerts")
	}
	if limit <= 0 || limit > maxPageSize {
		limit = defaultPageSize
	}
	convs, err := s.ListConversations(ctx, caller)
	if err != nil {
		return nil, err
	}
	ids := make([]int64, 0, len(convs))
	for _, c := range convs {
		ids = append(ids, c.ID)
	}
	return s.repo.ListAlerts(ctx, caller.UserID, ids, unreadOnly, limit)
}

// MarkAlertRead marks an alert read. Alerts targeted at another therapist
// are off limits.
func (s *Service) MarkAlertRead(ctx context.Context, caller access.Caller, alertID int64) (*conversation.Alert, error) {
	if !caller.IsStaff() {
		return nil, conversation.Denied(caller.UserID, "mark alert read")
	}
	alert, err := s.repo.GetAlert(ctx, alertID)
	if errors.Is(err, conversation.ErrNotFound) {
		return nil, conversation.Denied(caller.UserID, "mark alert read")
	}
	if err != nil {
		return nil, err
	}
	if alert.TargetTherapistID != nil && *alert.TargetTherapistID != caller.UserID && !caller.IsAdmin() {
		return nil, conversation.Denied(caller.UserID, "mark alert read")
	}
	if _, err := s.convs.Load(ctx, caller, alert.ConversationID); err != nil {
		return nil, err
	}
	if alert.Read {
		return alert, nil
	}
	return s.repo.MarkAlertRead(ctx, alert.ID)
}

// ListTags returns the tags on a conversation. Staff only.
func (s *Service) ListTags(ctx context.Context, caller access.Caller, conversationID int64) ([]*conversation.Tag, error) {
	if _, err := s.loadForStaff(ctx, caller, conversationID, "list tags"); err != nil {
		return nil, err
	}
	return s.repo.ListTags(ctx, conversationID)
}

// AcknowledgeTag records that a therapist has seen a tag.
func (s *Service) AcknowledgeTag(ctx context.Context, caller access.Caller, tagID int64) (*conversation.Tag, error) {
	if !caller.IsStaff() {
		return nil, conversation.Denied(caller.UserID, "acknowledge tag")
	}
	tag, err := s.repo.GetTag(ctx, tagID)
	if errors.Is(err, conversation.ErrNotFound) {
		return nil, conversation.Denied(caller.UserID, "acknowledge tag")
	}
	if err != nil {
		return nil, err
	}
	if _, err := s.convs.Load(ctx, caller, tag.ConversationID); err != nil {
		return nil, err
	}
	if tag.Acknowledged {
		return tag, nil
	}
	return s.repo.AcknowledgeTag(ctx, tag.ID, caller.UserID)
}

// TagTherapist tags a therapist on one of the patient's own messages
// without parsing its text. An empty therapistID addresses every assigned
// therapist.
func (s *Service) TagTherapist(ctx context.Context, caller access.Caller, messageID int64, therapistID, reason string) (tagging.Outcome, error) {
	if !caller.IsPatient() {
		return tagging.Outcome{}, conversation.Denied(caller.UserID, "tag therapist")
	}
	msg, err := s.repo.GetMessage(ctx, messageID)
	if errors.Is(err, conversation.ErrNotFound) {
		return tagging.Outcome{}, conversation.Denied(caller.UserID, "tag therapist")
	}
	if err != nil {
		return tagging.Outcome{}, err
	}
	conv, err := s.convs.Load(ctx, caller, msg.ConversationID)
	if err != nil {
		return tagging.Outcome{}, err
	}
	if msg.Sender.ID != caller.UserID {
		return tagging.Outcome{}, conversation.Invalid("message_id", "not your message")
	}
	outcome, err := s.tags.TagExplicit(ctx, conv, msg, therapistID, reason)
	if err != nil {
		return tagging.Outcome{}, fmt.Errorf("chat: tag therapist: %w", err)
	}
	return outcome, nil
}
