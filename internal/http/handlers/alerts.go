package handlers

import (
	"net/http"
	"strconv"

	"github.com/wolfman30/careline/internal/conversation"
)

// ListAlerts returns alerts for the caller's assigned conversations.
// GET /api/v1/alerts?unread=true&limit=
func (h *ChatHandler) ListAlerts(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFrom(w, r)
	if !ok {
		return
	}
	unreadOnly, _ := strconv.ParseBool(r.URL.Query().Get("unread"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	alerts, err := h.chat.ListAlerts(r.Context(), caller, unreadOnly, limit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if alerts == nil {
		alerts = []*conversation.Alert{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"alerts": alerts})
}

// MarkAlertRead marks one alert read.
// POST /api/v1/alerts/{alertID}/read
func (h *ChatHandler) MarkAlertRead(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFrom(w, r)
	if !ok {
		return
	}
	id, err := idParam(r, "alertID")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	alert, err := h.chat.MarkAlertRead(r.Context(), caller, id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, alert)
}

// ListTags returns the tags raised in a conversation.
// GET /api/v1/conversations/{conversationID}/tags
func (h *ChatHandler) ListTags(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFrom(w, r)
	if !ok {
		return
	}
	id, err := idParam(r, "conversationID")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	tags, err := h.chat.ListTags(r.Context(), caller, id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if tags == nil {
		tags = []*conversation.Tag{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tags": tags})
}

// AcknowledgeTag records that a therapist saw a tag.
// POST /api/v1/tags/{tagID}/acknowledge
func (h *ChatHandler) AcknowledgeTag(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFrom(w, r)
	if !ok {
		return
	}
	id, err := idParam(r, "tagID")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	tag, err := h.chat.AcknowledgeTag(r.Context(), caller, id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tag)
}
