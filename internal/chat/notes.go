package chat

import (
	"context"
	"errors"
	"strings"

	"github.com/wolfman30/careline/internal/access"
	"github.com/wolfman30/careline/internal/conversation"
)

const maxNoteChars = 10000

// Notes are shared by every therapist with scope over the patient; the last
// editor is recorded on each change.

func (s *Service) loadForStaff(ctx context.Context, caller access.Caller, conversationID int64, action string) (*conversation.Conversation, error) {
	if !caller.IsStaff() {
		return nil, conversation.Denied(caller.UserID, action)
	}
	return s.convs.Load(ctx, caller, conversationID)
}

func validNote(content string) (string, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return "", conversation.Invalid("content", "required")
	}
	if len([]rune(content)) > maxNoteChars {
		return "", conversation.Invalid("content", "too long")
	}
	return content, nil
}

// ListNotes returns the active notes on a conversation.
func (s *Service) ListNotes(ctx context.Context, caller access.Caller, conversationID int64) ([]*conversation.Note, error) {
	if _, err := s.loadForStaff(ctx, caller, conversationID, "list notes"); err != nil {
		return nil, err
	}
	return s.repo.ListNotes(ctx, conversationID)
}

// AddNote writes a manual note.
func (s *Service) AddNote(ctx context.Context, caller access.Caller, conversationID int64, content string) (*conversation.Note, error) {
	content, err := validNote(content)
	if err != nil {
		return nil, err
	}
	conv, err := s.loadForStaff(ctx, caller, conversationID, "add note")
	if err != nil {
		return nil, err
	}
	return s.repo.CreateNote(ctx, &conversation.Note{
		ConversationID: conv.ID,
		AuthorID:       caller.UserID,
		LastEditorID:   caller.UserID,
		Content:        content,
		Type:           conversation.NoteManual,
		Status:         conversation.NoteActive,
	})
}

func (s *Service) loadNote(ctx context.Context, caller access.Caller, noteID int64, action string) (*conversation.Note, error) {
	if !caller.IsStaff() {
		return nil, conversation.Denied(caller.UserID, action)
	}
	note, err := s.repo.GetNote(ctx, noteID)
	if errors.Is(err, conversation.ErrNotFound) {
		return nil, conversation.Denied(caller.UserID, action)
	}
	if err != nil {
		return nil, err
	}
	if _, err := s.convs.Load(ctx, caller, note.ConversationID); err != nil {
		return nil, err
	}
	return note, nil
}

// EditNote replaces a note's content.
func (s *Service) EditNote(ctx context.Context, caller access.Caller, noteID int64, content string) (*conversation.Note, error) {
	content, err := validNote(content)
	if err != nil {
		return nil, err
	}
	note, err := s.loadNote(ctx, caller, noteID, "edit note")
	if err != nil {
		return nil, err
	}
	if note.Status == conversation.NoteDeleted {
		return nil, conversation.Invalid("note", "deleted")
	}
	return s.repo.UpdateNote(ctx, note.ID, caller.UserID, content)
}

// DeleteNote soft-deletes a note. Deleting twice is not an error.
func (s *Service) DeleteNote(ctx context.Context, caller access.Caller, noteID int64) (*conversation.Note, error) {
	note, err := s.loadNote(ctx, caller, noteID, "delete note")
	if err != nil {
		return nil, err
	}
	return s.repo.DeleteNote(ctx, note.ID, caller.UserID)
}
