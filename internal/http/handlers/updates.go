package handlers

import "net/http"

// CheckUpdates is the cheap phase-one poll: latest message id and unread
// count only. Clients fetch messages when either value changed.
// GET /api/v1/conversations/{conversationID}/updates
func (h *ChatHandler) CheckUpdates(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFrom(w, r)
	if !ok {
		return
	}
	id, err := idParam(r, "conversationID")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	update, err := h.polling.CheckUpdates(r.Context(), caller, id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, update)
}

// MarkSeen advances the caller's read marker.
// POST /api/v1/conversations/{conversationID}/seen
func (h *ChatHandler) MarkSeen(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFrom(w, r)
	if !ok {
		return
	}
	id, err := idParam(r, "conversationID")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var req struct {
		UpToID int64 `json:"up_to_id"`
	}
	if err := decodeJSON(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	update, err := h.polling.MarkSeen(r.Context(), caller, id, req.UpToID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, update)
}

// UnreadCounts returns the caller's unread totals.
// GET /api/v1/unread
func (h *ChatHandler) UnreadCounts(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFrom(w, r)
	if !ok {
		return
	}
	counts, err := h.polling.UnreadCounts(r.Context(), caller)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, counts)
}
