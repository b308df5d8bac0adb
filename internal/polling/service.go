// Package polling implements the two-phase polling contract: a cheap check
// returning only the latest message id and unread counts, then a full fetch
// the client issues only when those values changed.
package polling

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/wolfman30/careline/internal/access"
	"github.com/wolfman30/careline/internal/conversation"
	"github.com/wolfman30/careline/pkg/logging"
)

// Store is the subset of the conversation store polling reads.
type Store interface {
	FindActiveByPatient(ctx context.Context, patientID string) (*conversation.Conversation, error)
	ListConversationsByGroups(ctx context.Context, groupIDs []string) ([]*conversation.Conversation, error)
	LatestMessageID(ctx context.Context, conversationID int64) (int64, error)
	UnreadCounts(ctx context.Context, userID string, conversationIDs []int64) (map[int64]int, error)
	MarkSeen(ctx context.Context, conversationID int64, userID string, asTherapist bool, upToID int64, at time.Time) error
}

// Authorizer loads a conversation on behalf of a caller.
type Authorizer interface {
	Load(ctx context.Context, caller access.Caller, id int64) (*conversation.Conversation, error)
}

// Update is the phase-one answer for one conversation.
type Update struct {
	ConversationID  int64 `json:"conversation_id"`
	LatestMessageID int64 `json:"latest_message_id"`
	UnreadCount     int   `json:"unread_count"`
}

// Counts are a caller's unread totals.
type Counts struct {
	Total          int            `json:"total"`
	ByGroup        map[string]int `json:"by_group"`
	ByConversation map[int64]int  `json:"by_conversation"`
}

type Service struct {
	store    Store
	auth     Authorizer
	resolver access.Resolver
	cursor   Cursor
	now      func() time.Time
	logger   *logging.Logger
}

// NewService wires the synchronizer. cursor may be nil.
func NewService(store Store, auth Authorizer, resolver access.Resolver, cursor Cursor, logger *logging.Logger) *Service {
	if store == nil || auth == nil || resolver == nil {
		panic("polling: store, authorizer and resolver required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Service{
		store:    store,
		auth:     auth,
		resolver: resolver,
		cursor:   cursor,
		now:      func() time.Time { return time.Now().UTC() },
		logger:   logger,
	}
}

// CheckUpdates is phase one: no message bodies are read.
func (s *Service) CheckUpdates(ctx context.Context, caller access.Caller, conversationID int64) (Update, error) {
	conv, err := s.auth.Load(ctx, caller, conversationID)
	if err != nil {
		return Update{}, err
	}
	latest, err := s.LatestMessageID(ctx, conv.ID)
	if err != nil {
		return Update{}, err
	}
	counts, err := s.store.UnreadCounts(ctx, caller.UserID, []int64{conv.ID})
	if err != nil {
		return Update{}, err
	}
	return Update{ConversationID: conv.ID, LatestMessageID: latest, UnreadCount: counts[conv.ID]}, nil
}

// LatestMessageID reads through the cursor cache. Cache failures fall back
// to the store.
func (s *Service) LatestMessageID(ctx context.Context, conversationID int64) (int64, error) {
	if s.cursor != nil {
		id, ok, err := s.cursor.Latest(ctx, conversationID)
		if err == nil && ok {
			return id, nil
		}
		if err != nil {
			s.logger.Warn("polling: cursor read failed", "conversation_id", conversationID, "error", err)
		}
	}
	id, err := s.store.LatestMessageID(ctx, conversationID)
	if err != nil {
		return 0, err
	}
	if s.cursor != nil && id > 0 {
		if err := s.cursor.Advance(ctx, conversationID, id); err != nil {
			s.logger.Warn("polling: cursor warm failed", "conversation_id", conversationID, "error", err)
		}
	}
	return id, nil
}

// Touch records newly appended messages so the next phase-one poll sees them.
func (s *Service) Touch(ctx context.Context, conversationID int64, msgs ...*conversation.Message) {
	if s.cursor == nil {
		return
	}
	var max int64
	for _, m := range msgs {
		if m != nil && m.ID > max {
			max = m.ID
		}
	}
	if max == 0 {
		return
	}
	ctx = context.WithoutCancel(ctx)
	if err := s.cursor.Advance(ctx, conversationID, max); err != nil {
		s.logger.Warn("polling: cursor advance failed", "conversation_id", conversationID, "error", err)
		// A stale cached id would hide the new messages; drop it so reads
		// fall back to the store.
		if err := s.cursor.Invalidate(ctx, conversationID); err != nil {
			s.logger.Error("polling: cursor invalidate failed", "conversation_id", conversationID, "error", err)
		}
	}
}

// UnreadCounts totals unread human-authored messages across every
// conversation the caller can see.
func (s *Service) UnreadCounts(ctx context.Context, caller access.Caller) (Counts, error) {
	convs, err := s.visibleConversations(ctx, caller)
	if err != nil {
		return Counts{}, err
	}
	out := Counts{ByGroup: map[string]int{}, ByConversation: map[int64]int{}}
	if len(convs) == 0 {
		return out, nil
	}
	ids := make([]int64, 0, len(convs))
	for _, c := range convs {
		ids = append(ids, c.ID)
	}
	counts, err := s.store.UnreadCounts(ctx, caller.UserID, ids)
	if err != nil {
		return Counts{}, err
	}
	for _, c := range convs {
		n := counts[c.ID]
		out.ByConversation[c.ID] = n
		out.ByGroup[c.GroupID] += n
		out.Total += n
	}
	return out, nil
}

func (s *Service) visibleConversations(ctx context.Context, caller access.Caller) ([]*conversation.Conversation, error) {
	switch {
	case caller.IsPatient():
		conv, err := s.store.FindActiveByPatient(ctx, caller.UserID)
		if errors.Is(err, conversation.ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return []*conversation.Conversation{conv}, nil
	case caller.IsStaff():
		groups, err := s.resolver.AssignedGroups(ctx, caller.UserID)
		if err != nil {
			return nil, fmt.Errorf("polling: assigned groups: %w", err)
		}
		if len(groups) == 0 {
			return nil, nil
		}
		return s.store.ListConversationsByGroups(ctx, groups)
	default:
		return nil, conversation.Denied(caller.UserID, "read unread counts")
	}
}

// MarkSeen moves the caller's read marker. upToID of zero means the latest
// message. Unread counts read afterwards reflect the change immediately.
func (s *Service) MarkSeen(ctx context.Context, caller access.Caller, conversationID, upToID int64) (Update, error) {
	conv, err := s.auth.Load(ctx, caller, conversationID)
	if err != nil {
		return Update{}, err
	}
	latest, err := s.store.LatestMessageID(ctx, conv.ID)
	if err != nil {
		return Update{}, err
	}
	if upToID <= 0 || upToID > latest {
		upToID = latest
	}
	if err := s.store.MarkSeen(ctx, conv.ID, caller.UserID, caller.IsStaff(), upToID, s.now()); err != nil {
		return Update{}, err
	}
	counts, err := s.store.UnreadCounts(ctx, caller.UserID, []int64{conv.ID})
	if err != nil {
		return Update{}, err
	}
	return Update{ConversationID: conv.ID, LatestMessageID: latest, UnreadCount: counts[conv.ID]}, nil
}
