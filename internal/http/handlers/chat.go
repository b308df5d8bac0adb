package handlers

import (
	"net/http"
	"strconv"

	"github.com/wolfman30/careline/internal/chat"
	"github.com/wolfman30/careline/internal/conversation"
	"github.com/wolfman30/careline/internal/drafts"
	"github.com/wolfman30/careline/internal/polling"
	"github.com/wolfman30/careline/pkg/logging"
)

// ChatHandler serves the polling client's request surface.
type ChatHandler struct {
	chat          *chat.Service
	conversations *conversation.Service
	polling       *polling.Service
	drafts        *drafts.Workflow
	logger        *logging.Logger
}

// NewChatHandler creates the chat API handler.
func NewChatHandler(chatSvc *chat.Service, conversations *conversation.Service, poll *polling.Service, workflow *drafts.Workflow, logger *logging.Logger) *ChatHandler {
	if logger == nil {
		logger = logging.Default()
	}
	return &ChatHandler{
		chat:          chatSvc,
		conversations: conversations,
		polling:       poll,
		drafts:        workflow,
		logger:        logger,
	}
}

func (h *ChatHandler) fail(w http.ResponseWriter, r *http.Request, err error) {
	writeError(w, h.logger, r, err)
}

// GetConfig returns client settings for the caller.
// GET /api/v1/config
func (h *ChatHandler) GetConfig(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFrom(w, r)
	if !ok {
		return
	}
	cfg, err := h.chat.Config(r.Context(), caller)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

// CurrentConversation returns the patient's active conversation, opening one
// if needed.
// GET /api/v1/conversations/current?group_id=
func (h *ChatHandler) CurrentConversation(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFrom(w, r)
	if !ok {
		return
	}
	conv, err := h.chat.CurrentConversation(r.Context(), caller, r.URL.Query().Get("group_id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

// ListConversations returns the conversations visible to the caller.
// GET /api/v1/conversations
func (h *ChatHandler) ListConversations(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFrom(w, r)
	if !ok {
		return
	}
	convs, err := h.chat.ListConversations(r.Context(), caller)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if convs == nil {
		convs = []*conversation.Conversation{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversations": convs})
}

// GetConversation returns one conversation.
// GET /api/v1/conversations/{conversationID}
func (h *ChatHandler) GetConversation(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFrom(w, r)
	if !ok {
		return
	}
	id, err := idParam(r, "conversationID")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	conv, err := h.chat.GetConversation(r.Context(), caller, id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

// GetMessages returns messages with id greater than after_id, oldest first.
// GET /api/v1/conversations/{conversationID}/messages?after_id=&limit=
func (h *ChatHandler) GetMessages(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFrom(w, r)
	if !ok {
		return
	}
	id, err := idParam(r, "conversationID")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	afterID, err := queryInt64(r, "after_id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	msgs, err := h.chat.GetMessages(r.Context(), caller, id, afterID, limit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if msgs == nil {
		msgs = []*conversation.Message{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

type sendMessageRequest struct {
	Content   string `json:"content"`
	GroupID   string `json:"group_id"`
	TagReason string `json:"tag_reason"`
}

// SendMessage handles an inbound patient message.
// POST /api/v1/messages
func (h *ChatHandler) SendMessage(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFrom(w, r)
	if !ok {
		return
	}
	var req sendMessageRequest
	if err := decodeJSON(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	res, err := h.chat.SendPatientMessage(r.Context(), caller, chat.PatientMessage{
		Content:   req.Content,
		GroupID:   req.GroupID,
		TagReason: req.TagReason,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

type contentRequest struct {
	Content string `json:"content"`
}

// SendTherapistMessage posts a therapist message into a conversation.
// POST /api/v1/conversations/{conversationID}/messages
func (h *ChatHandler) SendTherapistMessage(w http.ResponseWriter, r *http.Request) {
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
	msg, err := h.chat.SendTherapistMessage(r.Context(), caller, id, req.Content)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

// EditMessage replaces the content of a therapist's own message.
// PATCH /api/v1/messages/{messageID}
func (h *ChatHandler) EditMessage(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFrom(w, r)
	if !ok {
		return
	}
	id, err := idParam(r, "messageID")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var req contentRequest
	if err := decodeJSON(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	msg, err := h.chat.EditMessage(r.Context(), caller, id, req.Content)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

// DeleteMessage soft-deletes a therapist's own message.
// DELETE /api/v1/messages/{messageID}
func (h *ChatHandler) DeleteMessage(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFrom(w, r)
	if !ok {
		return
	}
	id, err := idParam(r, "messageID")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	msg, err := h.chat.DeleteMessage(r.Context(), caller, id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

// MessageRevisions lists prior contents of an edited message.
// GET /api/v1/messages/{messageID}/revisions
func (h *ChatHandler) MessageRevisions(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFrom(w, r)
	if !ok {
		return
	}
	id, err := idParam(r, "messageID")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	revs, err := h.chat.MessageRevisions(r.Context(), caller, id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if revs == nil {
		revs = []conversation.MessageRevision{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"revisions": revs})
}

type tagTherapistRequest struct {
	TherapistID string `json:"therapist_id"`
	Reason      string `json:"reason"`
}

// TagTherapist tags a therapist on one of the patient's own messages.
// POST /api/v1/messages/{messageID}/tag
func (h *ChatHandler) TagTherapist(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFrom(w, r)
	if !ok {
		return
	}
	id, err := idParam(r, "messageID")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var req tagTherapistRequest
	if err := decodeJSON(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	out, err := h.chat.TagTherapist(r.Context(), caller, id, req.TherapistID, req.Reason)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"tagged": out.Tagged, "tag": out.Tag})
}
