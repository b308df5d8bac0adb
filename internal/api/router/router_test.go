package router

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/wolfman30/careline/internal/access"
	"github.com/wolfman30/careline/internal/chat"
	"github.com/wolfman30/careline/internal/compliance"
	"github.com/wolfman30/careline/internal/conversation"
	"github.com/wolfman30/careline/internal/drafts"
	"github.com/wolfman30/careline/internal/http/handlers"
	httpmiddleware "github.com/wolfman30/careline/internal/http/middleware"
	"github.com/wolfman30/careline/internal/llm"
	"github.com/wolfman30/careline/internal/polling"
	"github.com/wolfman30/careline/internal/safety"
	"github.com/wolfman30/careline/internal/tagging"
	"github.com/wolfman30/careline/pkg/logging"
)

const testSecret = "router-secret"

type echoGateway struct{}

func (echoGateway) Complete(context.Context, llm.Request) (llm.Response, error) {
	return llm.Response{Text: "I'm listening."}, nil
}

func newTestRouter(t *testing.T, checks map[string]handlers.Check) http.Handler {
	t.Helper()

	logger := logging.Default()
	resolver := access.NewMemoryResolver().
		AddUser(access.User{ID: "p-1", Name: "Pat", Role: access.RolePatient}).
		AddUser(access.User{ID: "t-1", Name: "Dana", Role: access.RoleTherapist}).
		AddMember("g-1", "p-1").
		Assign("t-1", "g-1")
	repo := conversation.NewMemoryRepository()
	convs := conversation.NewService(repo, resolver, nil, logger)
	poll := polling.NewService(repo, convs, resolver, nil, logger)
	chatSvc := chat.NewService(chat.Deps{
		Conversations: convs,
		Tags:          tagging.NewEngine(repo, resolver, tagging.Config{}),
		Safety:        safety.NewPipeline(safety.NewKeywordDetector(nil, false), nil, nil, logger),
		Escalator:     safety.NewEscalator(repo, safety.NewMemoryLedger(), nil, safety.EscalatorConfig{}),
		Gateway:       echoGateway{},
		Cursor:        poll,
		Disclaimer:    compliance.NewDisclaimer(compliance.DisclaimerConfig{Level: compliance.DisclaimerOff}),
		Resolver:      resolver,
		Logger:        logger,
	}, chat.Config{})
	workflow := drafts.NewWorkflow(drafts.NewMemoryRepository(), convs, repo, chatSvc, echoGateway{}, drafts.NewMemoryUndoStack(3), drafts.Config{}, nil, logger)

	return New(&Config{
		Logger:             logger,
		Chat:               handlers.NewChatHandler(chatSvc, convs, poll, workflow, logger),
		Health:             handlers.NewHealthHandler(checks, logger),
		MetricsHandler:     http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write([]byte("# metrics")) }),
		Auth:               httpmiddleware.AuthConfig{Secret: testSecret},
		RateLimiter:        httpmiddleware.NewRateLimiter(100, 100),
		CORSAllowedOrigins: []string{"https://app.example.com"},
	})
}

func token(t *testing.T, subject, role string) string {
	t.Helper()
	claims := httpmiddleware.CallerClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Role: role,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func call(t *testing.T, h http.Handler, method, path, bearer string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestRouterHealthEndpoint(t *testing.T) {
	router := newTestRouter(t, nil)
	rr := call(t, router, http.MethodGet, "/health", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rr.Code)
	}
	var resp map[string]string
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode health response: %v", err)
	}
	if resp["status"] != "ok" {
		t.Errorf("expected status 'ok', got %q", resp["status"])
	}
	if rr.Header().Get("X-Request-ID") == "" {
		t.Errorf("expected request id header")
	}
}

func TestRouterReadyReportsFailingCheck(t *testing.T) {
	router := newTestRouter(t, map[string]handlers.Check{
		"postgres": func(context.Context) error { return nil },
		"redis":    func(context.Context) error { return errors.New("connection refused") },
	})
	rr := call(t, router, http.MethodGet, "/ready", "", nil)
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
}

func TestRouterMetricsEndpoint(t *testing.T) {
	rr := call(t, newTestRouter(t, nil), http.MethodGet, "/metrics", "", nil)
	if rr.Code != http.StatusOK || rr.Body.String() != "# metrics" {
		t.Fatalf("unexpected metrics response %d %q", rr.Code, rr.Body.String())
	}
}

func TestRouterRequiresAuthentication(t *testing.T) {
	rr := call(t, newTestRouter(t, nil), http.MethodGet, "/api/v1/config", "", nil)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
}

func TestRouterPatientConversationFlow(t *testing.T) {
	router := newTestRouter(t, nil)
	patient := token(t, "p-1", "patient")

	rr := call(t, router, http.MethodPost, "/api/v1/messages", patient, map[string]string{"content": "Hello"})
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	var res chat.SendResult
	if err := json.NewDecoder(rr.Body).Decode(&res); err != nil {
		t.Fatalf("decode send result: %v", err)
	}
	if res.Reply == nil || res.Reply.Content != "I'm listening." {
		t.Fatalf("expected AI reply, got %+v", res.Reply)
	}

	path := "/api/v1/conversations/" + jsonNumber(res.Conversation.ID) + "/updates"
	rr = call(t, router, http.MethodGet, path, patient, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var update polling.Update
	if err := json.NewDecoder(rr.Body).Decode(&update); err != nil {
		t.Fatalf("decode update: %v", err)
	}
	if update.LatestMessageID != res.Reply.ID {
		t.Fatalf("expected latest id %d, got %d", res.Reply.ID, update.LatestMessageID)
	}
}

func TestRouterStaffOnlyRoutes(t *testing.T) {
	router := newTestRouter(t, nil)
	patient := token(t, "p-1", "patient")
	therapist := token(t, "t-1", "therapist")

	rr := call(t, router, http.MethodGet, "/api/v1/alerts", patient, nil)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for patient, got %d", rr.Code)
	}
	rr = call(t, router, http.MethodGet, "/api/v1/alerts", therapist, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 for therapist, got %d", rr.Code)
	}
	rr = call(t, router, http.MethodPost, "/api/v1/conversations", therapist, map[string]string{"patient_id": "p-1"})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 initializing conversation, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestRouterCORSPreflight(t *testing.T) {
	req := httptest.NewRequest(http.MethodOptions, "/api/v1/messages", nil)
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rr := httptest.NewRecorder()
	newTestRouter(t, nil).ServeHTTP(rr, req)

	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rr.Code)
	}
	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
		t.Fatalf("unexpected allow origin %q", got)
	}
}

func jsonNumber(id int64) string {
	b, _ := json.Marshal(id)
	return string(b)
}
