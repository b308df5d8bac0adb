package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/wolfman30/careline/internal/access"
	"github.com/wolfman30/careline/internal/compliance"
	"github.com/wolfman30/careline/internal/conversation"
)

const (
	defaultPageSize = 100
	maxPageSize     = 500
)

// CurrentConversation returns the patient's open conversation, opening one
// on first contact.
func (s *Service) CurrentConversation(ctx context.Context, caller access.Caller, groupID string) (*conversation.Conversation, error) {
	if !caller.IsPatient() {
		return nil, conversation.Denied(caller.UserID, "current conversation")
	}
	conv, _, err := s.convs.GetOrCreateActive(ctx, caller.UserID, groupID)
	return conv, err
}

// GetConversation loads a conversation the caller may see.
func (s *Service) GetConversation(ctx context.Context, caller access.Caller, id int64) (*conversation.Conversation, error) {
	return s.convs.Load(ctx, caller, id)
}

// ListConversations returns the conversations in the groups a therapist
// monitors. Patients get their own open conversation, if any.
func (s *Service) ListConversations(ctx context.Context, caller access.Caller) ([]*conversation.Conversation, error) {
	if caller.IsPatient() {
		conv, err := s.repo.FindActiveByPatient(ctx, caller.UserID)
		if errors.Is(err, conversation.ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return []*conversation.Conversation{conv}, nil
	}
	if !caller.IsStaff() || s.resolver == nil {
		return nil, conversation.Denied(caller.UserID, "list conversations")
	}
	groups, err := s.resolver.AssignedGroups(ctx, caller.UserID)
	if err != nil {
		return nil, fmt.Errorf("chat: assigned groups: %w", err)
	}
	if len(groups) == 0 {
		return nil, nil
	}
	return s.repo.ListConversationsByGroups(ctx, groups)
}

// GetMessages returns messages after afterID in log order. Deleted messages
// stay in place for patients so the polling cursor has no gaps, but their
// content is hidden.
func (s *Service) GetMessages(ctx context.Context, caller access.Caller, conversationID, afterID int64, limit int) ([]*conversation.Message, error) {
	if afterID < 0 {
		return nil, conversation.Invalid("after_id", "must not be negative")
	}
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	if _, err := s.convs.Load(ctx, caller, conversationID); err != nil {
		return nil, err
	}
	msgs, err := s.repo.ListMessages(ctx, conversationID, afterID, limit)
	if err != nil {
		return nil, err
	}
	if caller.IsPatient() {
		for _, m := range msgs {
			redactForPatient(m)
		}
	}
	return msgs, nil
}

func redactForPatient(m *conversation.Message) {
	m.Raw = nil
	m.EditedBy = ""
	if m.Deleted {
		m.Content = ""
		m.DeletedBy = ""
	}
}

// SendTherapistMessage appends a therapist-authored message and notifies
// the patient.
func (s *Service) SendTherapistMessage(ctx context.Context, caller access.Caller, conversationID int64, content string) (*conversation.Message, error) {
	if !caller.IsStaff() {
		return nil, conversation.Denied(caller.UserID, "send therapist message")
	}
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, conversation.Invalid("content", "required")
	}
	if len([]rune(content)) > maxMessageChars {
		return nil, conversation.Invalid("content", "too long")
	}
	conv, err := s.convs.Load(ctx, caller, conversationID)
	if err != nil {
		return nil, err
	}
	if conv.Status == conversation.StatusClosed {
		return nil, conversation.Invalid("conversation", "closed")
	}
	msg, err := s.appendOne(ctx, conv.ID, &conversation.Message{
		Sender:  conversation.TherapistSender(caller.UserID),
		Content: content,
	})
	if err != nil {
		return nil, err
	}
	s.touch(ctx, conv.ID, msg)
	if s.notifier != nil {
		s.notifier.NotifyTherapistMessage(ctx, conv, msg)
	}
	s.logger.Info("therapist message sent", "conversation_id", conv.ID, "message_id", msg.ID, "therapist_id", caller.UserID)
	return msg, nil
}

// ownTherapistMessage loads a message the caller may edit or delete: a
// therapist message written by the caller, or any therapist message for an admin.
func (s *Service) ownTherapistMessage(ctx context.Context, caller access.Caller, messageID int64, action string) (*conversation.Message, error) {
	if !caller.IsStaff() {
		return nil, conversation.Denied(caller.UserID, action)
	}
	msg, err := s.repo.GetMessage(ctx, messageID)
	if errors.Is(err, conversation.ErrNotFound) {
		return nil, conversation.Denied(caller.UserID, action)
	}
	if err != nil {
		return nil, err
	}
	if _, err := s.convs.Load(ctx, caller, msg.ConversationID); err != nil {
		return nil, err
	}
	if msg.Sender.Kind != conversation.SenderTherapist {
		return nil, conversation.Invalid("message", "only therapist messages can be changed")
	}
	if !caller.IsAdmin() && msg.Sender.ID != caller.UserID {
		return nil, conversation.Denied(caller.UserID, action)
	}
	if msg.Deleted {
		return nil, conversation.Invalid("message", "deleted")
	}
	return msg, nil
}

// EditMessage replaces the content of a therapist message, keeping the prior
// content as a revision.
func (s *Service) EditMessage(ctx context.Context, caller access.Caller, messageID int64, content string) (*conversation.Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, conversation.Invalid("content", "required")
	}
	msg, err := s.ownTherapistMessage(ctx, caller, messageID, "edit message")
	if err != nil {
		return nil, err
	}
	if msg.Content == content {
		return msg, nil
	}
	updated, err := s.repo.EditMessage(ctx, msg.ID, caller.UserID, content)
	if err != nil {
		return nil, err
	}
	s.record(ctx, compliance.Transition{
		EventType:      compliance.EventMessageEdited,
		ActorID:        caller.UserID,
		ConversationID: msg.ConversationID,
		Description:    fmt.Sprintf("Message %d edited", msg.ID),
	})
	return updated, nil
}

// DeleteMessage soft-deletes a therapist message.
func (s *Service) DeleteMessage(ctx context.Context, caller access.Caller, messageID int64) (*conversation.Message, error) {
	msg, err := s.ownTherapistMessage(ctx, caller, messageID, "delete message")
	if err != nil {
		return nil, err
	}
	deleted, err := s.repo.DeleteMessage(ctx, msg.ID, caller.UserID)
	if err != nil {
		return nil, err
	}
	s.record(ctx, compliance.Transition{
		EventType:      compliance.EventMessageDeleted,
		ActorID:        caller.UserID,
		ConversationID: msg.ConversationID,
		Description:    fmt.Sprintf("Message %d deleted", msg.ID),
	})
	return deleted, nil
}

// MessageRevisions lists prior versions of an edited message. Staff only.
func (s *Service) MessageRevisions(ctx context.Context, caller access.Caller, messageID int64) ([]conversation.MessageRevision, error) {
	if !caller.IsStaff() {
		return nil, conversation.Denied(caller.UserID, "view revisions")
	}
	msg, err := s.repo.GetMessage(ctx, messageID)
	if errors.Is(err, conversation.ErrNotFound) {
		return nil, conversation.Denied(caller.UserID, "view revisions")
	}
	if err != nil {
		return nil, err
	}
	if _, err := s.convs.Load(ctx, caller, msg.ConversationID); err != nil {
		return nil, err
	}
	return s.repo.MessageRevisions(ctx, messageID)
}
