package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/careline/internal/access"
	"github.com/wolfman30/careline/internal/chat"
	"github.com/wolfman30/careline/internal/compliance"
	"github.com/wolfman30/careline/internal/conversation"
	"github.com/wolfman30/careline/internal/drafts"
	"github.com/wolfman30/careline/internal/llm"
	"github.com/wolfman30/careline/internal/polling"
	"github.com/wolfman30/careline/internal/safety"
	"github.com/wolfman30/careline/internal/tagging"
	"github.com/wolfman30/careline/pkg/logging"
)

type stubGateway struct {
	mu    sync.Mutex
	reply string
	err   error
}

func (g *stubGateway) Complete(context.Context, llm.Request) (llm.Response, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return llm.Response{}, g.err
	}
	return llm.Response{Text: g.reply}, nil
}

var (
	patientCaller   = access.Caller{UserID: "p-1", Role: access.RolePatient}
	therapistCaller = access.Caller{UserID: "t-1", Role: access.RoleTherapist}
	outsiderCaller  = access.Caller{UserID: "t-9", Role: access.RoleTherapist}
)

type apiFixture struct {
	router  chi.Router
	gateway *stubGateway
	repo    *conversation.MemoryRepository
}

func newAPIFixture(t *testing.T) apiFixture {
	t.Helper()
	resolver := access.NewMemoryResolver().
		AddUser(access.User{ID: "p-1", Name: "Pat Doe", Role: access.RolePatient}).
		AddUser(access.User{ID: "t-1", Name: "Dana Reyes", Role: access.RoleTherapist}).
		AddUser(access.User{ID: "t-9", Name: "Other Person", Role: access.RoleTherapist}).
		AddMember("g-1", "p-1").
		Assign("t-1", "g-1")

	repo := conversation.NewMemoryRepository()
	convs := conversation.NewService(repo, resolver, nil, nil)
	gateway := &stubGateway{reply: `{"content":"Thanks for sharing.","danger_level":"none"}`}

	engine := tagging.NewEngine(repo, resolver, tagging.Config{})
	pipeline := safety.NewPipeline(safety.NewKeywordDetector([]string{"kill myself"}, false), nil, nil, nil)
	escalator := safety.NewEscalator(repo, safety.NewMemoryLedger(), nil, safety.EscalatorConfig{})
	poll := polling.NewService(repo, convs, resolver, nil, nil)

	chatSvc := chat.NewService(chat.Deps{
		Conversations: convs,
		Tags:          engine,
		Safety:        pipeline,
		Escalator:     escalator,
		Gateway:       gateway,
		Cursor:        poll,
		Disclaimer:    compliance.NewDisclaimer(compliance.DisclaimerConfig{Level: compliance.DisclaimerOff}),
		Resolver:      resolver,
	}, chat.Config{})
	workflow := drafts.NewWorkflow(drafts.NewMemoryRepository(), convs, repo, chatSvc, gateway, drafts.NewMemoryUndoStack(5), drafts.Config{}, nil, nil)

	h := NewChatHandler(chatSvc, convs, poll, workflow, logging.Default())
	r := chi.NewRouter()
	r.Get("/config", h.GetConfig)
	r.Get("/conversations", h.ListConversations)
	r.Post("/conversations", h.InitializeConversation)
	r.Get("/conversations/current", h.CurrentConversation)
	r.Get("/conversations/{conversationID}", h.GetConversation)
	r.Get("/conversations/{conversationID}/messages", h.GetMessages)
	r.Post("/conversations/{conversationID}/messages", h.SendTherapistMessage)
	r.Get("/conversations/{conversationID}/updates", h.CheckUpdates)
	r.Post("/conversations/{conversationID}/seen", h.MarkSeen)
	r.Put("/conversations/{conversationID}/ai", h.ToggleAI)
	r.Put("/conversations/{conversationID}/risk", h.SetRisk)
	r.Put("/conversations/{conversationID}/status", h.SetStatus)
	r.Get("/conversations/{conversationID}/draft", h.CurrentDraft)
	r.Post("/conversations/{conversationID}/draft", h.GenerateDraft)
	r.Post("/conversations/{conversationID}/draft/undo", h.UndoDraft)
	r.Post("/conversations/{conversationID}/notes", h.AddNote)
	r.Get("/conversations/{conversationID}/notes", h.ListNotes)
	r.Patch("/drafts/{draftID}", h.UpdateDraft)
	r.Post("/drafts/{draftID}/send", h.SendDraft)
	r.Delete("/drafts/{draftID}", h.DiscardDraft)
	r.Post("/messages", h.SendMessage)
	r.Get("/unread", h.UnreadCounts)
	r.Get("/alerts", h.ListAlerts)

	return apiFixture{router: r, gateway: gateway, repo: repo}
}

func (f apiFixture) do(t *testing.T, caller access.Caller, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req = req.WithContext(access.WithCaller(req.Context(), caller))
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func (f apiFixture) openConversation(t *testing.T) int64 {
	t.Helper()
	rec := f.do(t, patientCaller, http.MethodGet, "/conversations/current", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	return decode[conversation.Conversation](t, rec).ID
}

func TestSendMessageReturnsAIReply(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.do(t, patientCaller, http.MethodPost, "/messages", map[string]string{"content": "Long week"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	res := decode[chat.SendResult](t, rec)
	require.NotNil(t, res.Reply)
	assert.Equal(t, "Thanks for sharing.", res.Reply.Content)
	assert.False(t, res.Escalated)
}

func TestSendMessageGatewayFailureIs502(t *testing.T) {
	f := newAPIFixture(t)
	f.gateway.err = errors.New("throttled")

	rec := f.do(t, patientCaller, http.MethodPost, "/messages", map[string]string{"content": "hello"})
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Contains(t, decode[map[string]string](t, rec)["error"], "try again")
}

func TestSendMessageValidationAndAuth(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, patientCaller, http.MethodPost, "/messages", map[string]string{"content": "   "})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/messages", strings.NewReader("{not json"))
	req = req.WithContext(access.WithCaller(req.Context(), patientCaller))
	bad := httptest.NewRecorder()
	f.router.ServeHTTP(bad, req)
	assert.Equal(t, http.StatusBadRequest, bad.Code)

	anon := httptest.NewRecorder()
	f.router.ServeHTTP(anon, httptest.NewRequest(http.MethodGet, "/config", nil))
	assert.Equal(t, http.StatusUnauthorized, anon.Code)

	rec = f.do(t, therapistCaller, http.MethodPost, "/messages", map[string]string{"content": "hi"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestDangerousMessageEscalatesOverHTTP(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.do(t, patientCaller, http.MethodPost, "/messages", map[string]string{"content": "I want to kill myself"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	res := decode[chat.SendResult](t, rec)
	assert.True(t, res.Escalated)
	assert.Equal(t, conversation.RiskCritical, res.Conversation.RiskLevel)

	alerts := f.do(t, therapistCaller, http.MethodGet, "/alerts?unread=true", nil)
	require.Equal(t, http.StatusOK, alerts.Code)
	body := decode[map[string][]conversation.Alert](t, alerts)
	require.Len(t, body["alerts"], 1)
	assert.Equal(t, conversation.AlertDangerDetected, body["alerts"][0].Type)
}

func TestConversationScopeHidesExistence(t *testing.T) {
	f := newAPIFixture(t)
	id := f.openConversation(t)

	rec := f.do(t, outsiderCaller, http.MethodGet, "/conversations/"+itoa(id), nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(t, outsiderCaller, http.MethodGet, "/conversations/99999", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(t, therapistCaller, http.MethodGet, "/conversations/abc", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPollingFlow(t *testing.T) {
	f := newAPIFixture(t)
	id := f.openConversation(t)

	rec := f.do(t, therapistCaller, http.MethodPost, "/conversations/"+itoa(id)+"/messages", map[string]string{"content": "Checking in"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	sent := decode[conversation.Message](t, rec)

	rec = f.do(t, patientCaller, http.MethodGet, "/conversations/"+itoa(id)+"/updates", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	update := decode[polling.Update](t, rec)
	assert.Equal(t, sent.ID, update.LatestMessageID)
	assert.Equal(t, 1, update.UnreadCount)

	rec = f.do(t, patientCaller, http.MethodGet, "/conversations/"+itoa(id)+"/messages?after_id=0", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[map[string][]conversation.Message](t, rec)["messages"], 1)

	rec = f.do(t, patientCaller, http.MethodGet, "/conversations/"+itoa(id)+"/messages?after_id="+itoa(sent.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[map[string][]conversation.Message](t, rec)["messages"])

	rec = f.do(t, patientCaller, http.MethodPost, "/conversations/"+itoa(id)+"/seen", map[string]int64{"up_to_id": sent.ID})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0, decode[polling.Update](t, rec).UnreadCount)

	rec = f.do(t, patientCaller, http.MethodGet, "/unread", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0, decode[polling.Counts](t, rec).Total)
}

func TestControlTransitions(t *testing.T) {
	f := newAPIFixture(t)
	id := f.openConversation(t)
	base := "/conversations/" + itoa(id)

	rec := f.do(t, therapistCaller, http.MethodPut, base+"/ai", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, therapistCaller, http.MethodPut, base+"/ai", map[string]bool{"enabled": false})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.False(t, decode[conversation.Conversation](t, rec).AIEnabled)

	rec = f.do(t, therapistCaller, http.MethodPut, base+"/risk", map[string]string{"risk_level": "extreme"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, therapistCaller, http.MethodPut, base+"/risk", map[string]string{"risk_level": "high"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, conversation.RiskHigh, decode[conversation.Conversation](t, rec).RiskLevel)

	rec = f.do(t, patientCaller, http.MethodPut, base+"/status", map[string]string{"status": "paused"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(t, patientCaller, http.MethodPut, base+"/status", map[string]string{"status": "closed"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, conversation.StatusClosed, decode[conversation.Conversation](t, rec).Status)
}

func TestInitializeConversationIsIdempotent(t *testing.T) {
	f := newAPIFixture(t)
	body := map[string]string{"patient_id": "p-1", "group_id": "g-1"}

	first := f.do(t, therapistCaller, http.MethodPost, "/conversations", body)
	require.Equal(t, http.StatusOK, first.Code, first.Body.String())
	second := f.do(t, therapistCaller, http.MethodPost, "/conversations", body)
	require.Equal(t, http.StatusOK, second.Code)
	assert.Equal(t, decode[conversation.Conversation](t, first).ID, decode[conversation.Conversation](t, second).ID)

	rec := f.do(t, outsiderCaller, http.MethodPost, "/conversations", body)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestDraftLifecycleOverHTTP(t *testing.T) {
	f := newAPIFixture(t)
	id := f.openConversation(t)
	base := "/conversations/" + itoa(id)

	rec := f.do(t, therapistCaller, http.MethodPost, base+"/draft/undo", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	f.gateway.reply = "First suggestion"
	rec = f.do(t, therapistCaller, http.MethodPost, base+"/draft", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	first := decode[drafts.Session](t, rec)
	require.NotNil(t, first.Draft)

	f.gateway.reply = "Second suggestion"
	rec = f.do(t, therapistCaller, http.MethodPost, base+"/draft", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	second := decode[drafts.Session](t, rec)
	assert.Equal(t, 1, second.UndoDepth)

	rec = f.do(t, therapistCaller, http.MethodPost, base+"/draft/undo", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	undone := decode[drafts.Session](t, rec)
	assert.Equal(t, "First suggestion", undone.Draft.Content())

	draftPath := "/drafts/" + itoa(undone.Draft.ID)
	rec = f.do(t, therapistCaller, http.MethodPatch, draftPath, map[string]string{"content": "Edited text"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, therapistCaller, http.MethodPost, draftPath+"/send", nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	msg := decode[conversation.Message](t, rec)
	assert.Equal(t, "Edited text", msg.Content)
	assert.Equal(t, conversation.SenderTherapist, msg.Sender.Kind)

	rec = f.do(t, therapistCaller, http.MethodGet, base+"/draft", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Nil(t, decode[drafts.Session](t, rec).Draft)

	rec = f.do(t, patientCaller, http.MethodPost, base+"/draft", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestNotesOverHTTP(t *testing.T) {
	f := newAPIFixture(t)
	id := f.openConversation(t)
	base := "/conversations/" + itoa(id) + "/notes"

	rec := f.do(t, therapistCaller, http.MethodPost, base, map[string]string{"content": "Prefers evening sessions"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = f.do(t, therapistCaller, http.MethodGet, base, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[map[string][]conversation.Note](t, rec)["notes"], 1)

	rec = f.do(t, patientCaller, http.MethodGet, base, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestGetConfig(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.do(t, patientCaller, http.MethodGet, "/config", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	cfg := decode[chat.ClientConfig](t, rec)
	assert.Equal(t, access.RolePatient, cfg.Role)
	assert.NotEmpty(t, cfg.TagMarkers)
	require.Len(t, cfg.Therapists, 1)
	assert.Equal(t, "Dana Reyes", cfg.Therapists[0].Name)
}

func TestWriteErrorMapping(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{conversation.Invalid("content", "required"), http.StatusBadRequest},
		{conversation.Denied("u", "x"), http.StatusForbidden},
		{conversation.ErrNoAccessibleGroup, http.StatusBadRequest},
		{conversation.ErrNotFound, http.StatusNotFound},
		{conversation.ErrConflict, http.StatusConflict},
		{conversation.ErrNothingToUndo, http.StatusConflict},
		{&conversation.GatewayError{Op: "reply", Err: conversation.ErrEmptyGeneration}, http.StatusBadGateway},
		{&conversation.StoreError{Op: "insert", Err: errors.New("db down")}, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		writeError(rec, logging.Default(), httptest.NewRequest(http.MethodGet, "/", nil), tc.err)
		assert.Equal(t, tc.want, rec.Code, tc.err.Error())
		assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
		assert.NotEmpty(t, decode[map[string]string](t, rec)["error"])
	}
}

func itoa(id int64) string {
	return strconv.FormatInt(id, 10)
}
