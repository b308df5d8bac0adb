package handlers

import (
	"net/http"

	"github.com/wolfman30/careline/internal/access"
	"github.com/wolfman30/careline/internal/conversation"
)

type initializeRequest struct {
	PatientID string `json:"patient_id"`
	GroupID   string `json:"group_id"`
}

// InitializeConversation opens (or returns) a patient's active conversation
// on a therapist's behalf.
// POST /api/v1/conversations
func (h *ChatHandler) InitializeConversation(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFrom(w, r)
	if !ok {
		return
	}
	var req initializeRequest
	if err := decodeJSON(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	conv, err := h.conversations.InitializeForPatient(r.Context(), caller, req.PatientID, req.GroupID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

// control runs one state-machine transition on the conversation in the URL.
func (h *ChatHandler) control(w http.ResponseWriter, r *http.Request, body any, apply func(caller access.Caller, id int64) (*conversation.Conversation, error)) {
	caller, ok := callerFrom(w, r)
	if !ok {
		return
	}
	id, err := idParam(r, "conversationID")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if body != nil {
		if err := decodeJSON(r, body); err != nil {
			h.fail(w, r, err)
			return
		}
	}
	conv, err := apply(caller, id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

// ToggleAI enables or disables AI replies.
// PUT /api/v1/conversations/{conversationID}/ai
func (h *ChatHandler) ToggleAI(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Enabled *bool `json:"enabled"`
	}
	h.control(w, r, &req, func(caller access.Caller, id int64) (*conversation.Conversation, error) {
		if req.Enabled == nil {
			return nil, conversation.Invalid("enabled", "required")
		}
		return h.conversations.ToggleAI(r.Context(), caller, id, *req.Enabled)
	})
}

// SetRisk sets the conversation risk level.
// PUT /api/v1/conversations/{conversationID}/risk
func (h *ChatHandler) SetRisk(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RiskLevel conversation.RiskLevel `json:"risk_level"`
	}
	h.control(w, r, &req, func(caller access.Caller, id int64) (*conversation.Conversation, error) {
		return h.conversations.SetRiskLevel(r.Context(), caller, id, req.RiskLevel)
	})
}

// SetStatus pauses, resumes or closes a conversation.
// PUT /api/v1/conversations/{conversationID}/status
func (h *ChatHandler) SetStatus(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status conversation.Status `json:"status"`
	}
	h.control(w, r, &req, func(caller access.Caller, id int64) (*conversation.Conversation, error) {
		return h.conversations.SetStatus(r.Context(), caller, id, req.Status)
	})
}

// SetMode switches between AI hybrid and human-only mode.
// PUT /api/v1/conversations/{conversationID}/mode
func (h *ChatHandler) SetMode(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Mode conversation.Mode `json:"mode"`
	}
	h.control(w, r, &req, func(caller access.Caller, id int64) (*conversation.Conversation, error) {
		return h.conversations.SetMode(r.Context(), caller, id, req.Mode)
	})
}

// Unblock clears a safety block after therapist review.
// POST /api/v1/conversations/{conversationID}/unblock
func (h *ChatHandler) Unblock(w http.ResponseWriter, r *http.Request) {
	h.control(w, r, nil, func(caller access.Caller, id int64) (*conversation.Conversation, error) {
		return h.conversations.Unblock(r.Context(), caller, id)
	})
}
