package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/wolfman30/careline/internal/access"
	"github.com/wolfman30/careline/internal/drafts"
)

// CurrentDraft returns the caller's active draft and undo depth.
// GET /api/v1/conversations/{conversationID}/draft
func (h *ChatHandler) CurrentDraft(w http.ResponseWriter, r *http.Request) {
	h.draftSession(w, r, h.drafts.Current)
}

// GenerateDraft creates a draft, or regenerates the active one.
// POST /api/v1/conversations/{conversationID}/draft
func (h *ChatHandler) GenerateDraft(w http.ResponseWriter, r *http.Request) {
	h.draftSession(w, r, h.drafts.Generate)
}

// UndoDraft restores the previous draft text.
// POST /api/v1/conversations/{conversationID}/draft/undo
func (h *ChatHandler) UndoDraft(w http.ResponseWriter, r *http.Request) {
	h.draftSession(w, r, h.drafts.Undo)
}

func (h *ChatHandler) draftSession(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, caller access.Caller, conversationID int64) (drafts.Session, error)) {
	caller, ok := callerFrom(w, r)
	if !ok {
		return
	}
	id, err := idParam(r, "conversationID")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	session, err := op(r.Context(), caller, id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

// UpdateDraft stores the therapist's edit.
// PATCH /api/v1/drafts/{draftID}
func (h *ChatHandler) UpdateDraft(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFrom(w, r)
	if !ok {
		return
	}
	id, err := idParam(r, "draftID")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var req contentRequest
	if err := decodeJSON(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	session, err := h.drafts.Update(r.Context(), caller, id, req.Content)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

// SendDraft posts the draft as a therapist message.
// POST /api/v1/drafts/{draftID}/send
func (h *ChatHandler) SendDraft(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFrom(w, r)
	if !ok {
		return
	}
	id, err := idParam(r, "draftID")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	msg, err := h.drafts.Send(r.Context(), caller, id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

// DiscardDraft discards a draft. Discarding twice is not an error.
// DELETE /api/v1/drafts/{draftID}
func (h *ChatHandler) DiscardDraft(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFrom(w, r)
	if !ok {
		return
	}
	id, err := idParam(r, "draftID")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if err := h.drafts.Discard(r.Context(), caller, id); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GenerateSummary writes an AI summary note.
// POST /api/v1/conversations/{conversationID}/summary
func (h *ChatHandler) GenerateSummary(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFrom(w, r)
	if !ok {
		return
	}
	id, err := idParam(r, "conversationID")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	note, err := h.drafts.GenerateSummary(r.Context(), caller, id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, note)
}

// Generations lists the caller's AI generation log.
// GET /api/v1/generations?limit=
func (h *ChatHandler) Generations(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFrom(w, r)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	recs, err := h.drafts.Generations(r.Context(), caller, limit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if recs == nil {
		recs = []drafts.GenerationRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"generations": recs})
}
