package chat

import (
	"context"
	"strings"
	"time"

	"github.com/wolfman30/careline/internal/access"
	"github.com/wolfman30/careline/internal/conversation"
	"github.com/wolfman30/careline/internal/llm"
	"github.com/wolfman30/careline/internal/safety"
	"github.com/wolfman30/careline/internal/tagging"
)

// maxMessageChars bounds a single patient message.
const maxMessageChars = 4000

// PatientMessage is an inbound send_message request.
type PatientMessage struct {
	Content string
	// GroupID selects the group when a new conversation has to be opened.
	GroupID string
	// TagReason is applied when the message tags a therapist.
	TagReason string
}

// SendResult describes what happened to an inbound patient message.
type SendResult struct {
	Conversation *conversation.Conversation `json:"conversation"`
	Message      *conversation.Message      `json:"message"`
	// Reply is the AI answer or the supportive reply after an escalation.
	Reply     *conversation.Message `json:"reply,omitempty"`
	Tagged    bool                  `json:"tagged"`
	Tag       *conversation.Tag     `json:"tag,omitempty"`
	Escalated bool                  `json:"escalated"`
}

// SendPatientMessage runs the inbound flow: tag detection, inbound danger
// scan, AI reply, and the post-response safety assessment. A tagged or
// dangerous message never reaches the AI. When the AI call fails nothing is
// written and the caller gets a GatewayError to retry.
func (s *Service) SendPatientMessage(ctx context.Context, caller access.Caller, in PatientMessage) (*SendResult, error) {
	if !caller.IsPatient() {
		return nil, conversation.Denied(caller.UserID, "send patient message")
	}
	content := strings.TrimSpace(in.Content)
	if content == "" {
		return nil, conversation.Invalid("content", "required")
	}
	if len([]rune(content)) > maxMessageChars {
		return nil, conversation.Invalid("content", "too long")
	}

	conv, _, err := s.convs.GetOrCreateActive(ctx, caller.UserID, in.GroupID)
	if err != nil {
		return nil, err
	}

	// Tag detection writes nothing, so the skip-AI decision is made before
	// any AI call is issued.
	mention, err := s.tags.Detect(ctx, conv, content)
	if err != nil {
		return nil, err
	}
	verdict := s.safety.ScanInbound(ctx, content)

	if mention.Found || verdict.Dangerous || !conv.AIActive() {
		return s.routeToHumans(ctx, conv, caller, content, mention, in.TagReason, verdict)
	}
	return s.answerWithAI(ctx, conv, caller, content)
}

// routeToHumans persists the message without an AI call and runs whichever
// of escalation, tagging or a plain therapist notification applies.
func (s *Service) routeToHumans(ctx context.Context, conv *conversation.Conversation, caller access.Caller, content string, mention tagging.Mention, reason string, verdict safety.Verdict) (*SendResult, error) {
	msg, err := s.appendOne(ctx, conv.ID, &conversation.Message{Sender: conversation.SubjectSender(caller.UserID), Content: content})
	if err != nil {
		return nil, err
	}
	res := &SendResult{Conversation: conv, Message: msg}

	if verdict.Dangerous {
		esc, err := s.escalator.Escalate(ctx, conv, msg, verdict)
		res.Escalated = esc.Escalated
		res.Reply = esc.Reply
		if err != nil {
			// The escalator runs every step even when one fails, so the
			// message is stored and therapists were notified.
			s.logger.Error("escalation finished with errors", "conversation_id", conv.ID, "message_id", msg.ID, "error", err)
		}
	}

	if mention.Found {
		apply := s.tags.Apply
		if verdict.Dangerous {
			// One batch per message: the danger notification covers the tag.
			apply = s.tags.ApplyEscalated
		}
		outcome, err := apply(ctx, conv, msg, mention, reason)
		if err != nil {
			s.logger.Error("failed to record tag", "conversation_id", conv.ID, "message_id", msg.ID, "error", err)
		} else {
			res.Tagged = outcome.Tagged
			res.Tag = outcome.Tag
		}
	}

	// A dangerous message never gets the plain notification, even when the
	// escalation reported a duplicate or failed part-way.
	if !verdict.Dangerous && !res.Tagged && s.notifier != nil {
		s.notifier.NotifyPatientMessage(ctx, conv, msg)
	}

	s.touch(ctx, conv.ID, msg, res.Reply)
	s.refresh(ctx, res)
	return res, nil
}

func (s *Service) answerWithAI(ctx context.Context, conv *conversation.Conversation, caller access.Caller, content string) (*SendResult, error) {
	recent, err := s.repo.RecentMessages(ctx, conv.ID, s.cfg.ContextWindow)
	if err != nil {
		return nil, err
	}
	patientMsg := &conversation.Message{Sender: conversation.SubjectSender(caller.UserID), Content: content}
	turns := conversation.ModelHistory(append(recent, patientMsg), false)

	req := llm.Request{
		Model:       s.cfg.Model,
		System:      []string{s.cfg.SystemPrompt},
		Messages:    turns,
		MaxTokens:   s.cfg.MaxTokens,
		Temperature: s.cfg.Temperature,
	}
	callCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	start := time.Now()
	resp, err := s.gateway.Complete(callCtx, req)
	cancel()
	s.metrics.ObserveGateway("reply", time.Since(start).Seconds(), err)
	if err != nil {
		s.logger.Warn("ai reply failed", "conversation_id", conv.ID, "error", err)
		return nil, &conversation.GatewayError{Op: "reply", Err: err}
	}

	// The assessment runs before the empty-text check so a reply that only
	// carries a danger level still escalates.
	structured := llm.ParseReply(resp.Text)
	if verdict := s.safety.ScanReply(structured); verdict.Dangerous {
		msg, err := s.appendOne(ctx, conv.ID, patientMsg)
		if err != nil {
			return nil, err
		}
		res := &SendResult{Conversation: conv, Message: msg}
		esc, err := s.escalator.Escalate(ctx, conv, msg, verdict)
		res.Escalated = esc.Escalated
		res.Reply = esc.Reply
		if err != nil {
			s.logger.Error("escalation finished with errors", "conversation_id", conv.ID, "message_id", msg.ID, "error", err)
		}
		s.touch(ctx, conv.ID, msg, res.Reply)
		s.refresh(ctx, res)
		return res, nil
	}

	if strings.TrimSpace(structured.Text) == "" {
		return nil, &conversation.GatewayError{Op: "reply", Err: conversation.ErrEmptyGeneration}
	}

	reply := &conversation.Message{
		Sender:  conversation.AISender(),
		Content: s.disclaimer.Apply(structured.Text, !hasAIReply(recent)),
	}
	if len(structured.Raw) > 0 {
		reply.Raw = structured.Raw
	}
	stored, err := s.repo.AppendMessages(ctx, conv.ID, patientMsg, reply)
	if err != nil {
		return nil, err
	}
	s.touch(ctx, conv.ID, stored...)
	return &SendResult{Conversation: conv, Message: stored[0], Reply: stored[1]}, nil
}

func (s *Service) appendOne(ctx context.Context, conversationID int64, msg *conversation.Message) (*conversation.Message, error) {
	stored, err := s.repo.AppendMessages(ctx, conversationID, msg)
	if err != nil {
		return nil, err
	}
	return stored[0], nil
}

// refresh reloads the conversation so the caller sees control fields the
// escalation or tag changed.
func (s *Service) refresh(ctx context.Context, res *SendResult) {
	if !res.Escalated && !res.Tagged {
		return
	}
	conv, err := s.repo.GetConversation(ctx, res.Conversation.ID)
	if err != nil {
		s.logger.Warn("failed to reload conversation", "conversation_id", res.Conversation.ID, "error", err)
		return
	}
	res.Conversation = conv
}

func hasAIReply(msgs []*conversation.Message) bool {
	for _, m := range msgs {
		if m.Sender.Kind == conversation.SenderAI {
			return true
		}
	}
	return false
}
