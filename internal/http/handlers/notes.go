package handlers

import (
	"net/http"

	"github.com/wolfman30/careline/internal/conversation"
)

// ListNotes returns the therapist notes on a conversation.
// GET /api/v1/conversations/{conversationID}/notes
func (h *ChatHandler) ListNotes(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFrom(w, r)
	if !ok {
		return
	}
	id, err := idParam(r, "conversationID")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	notes, err := h.chat.ListNotes(r.Context(), caller, id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if notes == nil {
		notes = []*conversation.Note{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"notes": notes})
}

// AddNote creates a manual note.
// POST /api/v1/conversations/{conversationID}/notes
func (h *ChatHandler) AddNote(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFrom(w, r)
	if !ok {
		return
	}
	id, err := idParam(r, "conversationID")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var req contentRequest
	if err := decodeJSON(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	note, err := h.chat.AddNote(r.Context(), caller, id, req.Content)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, note)
}

// EditNote replaces a note's content.
// PATCH /api/v1/notes/{noteID}
func (h *ChatHandler) EditNote(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFrom(w, r)
	if !ok {
		return
	}
	id, err := idParam(r, "noteID")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var req contentRequest
	if err := decodeJSON(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	note, err := h.chat.EditNote(r.Context(), caller, id, req.Content)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, note)
}

// DeleteNote soft-deletes a note.
// DELETE /api/v1/notes/{noteID}
func (h *ChatHandler) DeleteNote(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFrom(w, r)
	if !ok {
		return
	}
	id, err := idParam(r, "noteID")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	note, err := h.chat.DeleteNote(r.Context(), caller, id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, note)
}
