package router

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/wolfman30/careline/internal/http/handlers"
	httpmiddleware "github.com/wolfman30/careline/internal/http/middleware"
	"github.com/wolfman30/careline/pkg/logging"
)

// Config holds router configuration
type Config struct {
	Logger         *logging.Logger
	Chat           *handlers.ChatHandler
	Health         *handlers.HealthHandler
	MetricsHandler http.Handler
	Auth           httpmiddleware.AuthConfig
	RateLimiter    *httpmiddleware.RateLimiter

	CORSAllowedOrigins []string
	RequestTimeout     time.Duration
}

// New creates a new Chi router with all routes configured
func New(cfg *Config) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if len(cfg.CORSAllowedOrigins) > 0 {
		r.Use(httpmiddleware.CORS(cfg.CORSAllowedOrigins))
	}
	r.Use(httpmiddleware.RequestLogger(cfg.Logger))

	// Public endpoints (health checks, metrics)
	r.Group(func(public chi.Router) {
		health := cfg.Health
		if health == nil {
			health = handlers.NewHealthHandler(nil, cfg.Logger)
		}
		public.Get("/health", health.Health)
		public.Get("/ready", health.Ready)
		if cfg.MetricsHandler != nil {
			public.Handle("/metrics", cfg.MetricsHandler)
		}
	})

	if cfg.Chat == nil {
		return r
	}

	r.Route("/api/v1", func(api chi.Router) {
		if cfg.RequestTimeout > 0 {
			api.Use(middleware.Timeout(cfg.RequestTimeout))
		}
		api.Use(httpmiddleware.Authenticate(cfg.Auth))
		if cfg.RateLimiter != nil {
			api.Use(cfg.RateLimiter.Middleware)
		}

		h := cfg.Chat
		api.Get("/config", h.GetConfig)
		api.Get("/unread", h.UnreadCounts)
		api.Post("/messages", h.SendMessage)
		api.Post("/messages/{messageID}/tag", h.TagTherapist)

		api.Route("/conversations", func(conv chi.Router) {
			conv.Get("/", h.ListConversations)
			conv.Get("/current", h.CurrentConversation)
			conv.With(httpmiddleware.RequireStaff).Post("/", h.InitializeConversation)

			conv.Route("/{conversationID}", func(c chi.Router) {
				c.Get("/", h.GetConversation)
				c.Get("/messages", h.GetMessages)
				c.Get("/updates", h.CheckUpdates)
				c.Post("/seen", h.MarkSeen)
				// Patients may close their own conversation; the service enforces the rest.
				c.Put("/status", h.SetStatus)

				c.Group(func(staff chi.Router) {
					staff.Use(httpmiddleware.RequireStaff)
					staff.Post("/messages", h.SendTherapistMessage)
					staff.Put("/ai", h.ToggleAI)
					staff.Put("/risk", h.SetRisk)
					staff.Put("/mode", h.SetMode)
					staff.Post("/unblock", h.Unblock)
					staff.Get("/tags", h.ListTags)
					staff.Get("/notes", h.ListNotes)
					staff.Post("/notes", h.AddNote)
					staff.Get("/draft", h.CurrentDraft)
					staff.Post("/draft", h.GenerateDraft)
					staff.Post("/draft/undo", h.UndoDraft)
					staff.Post("/summary", h.GenerateSummary)
				})
			})
		})

		api.Group(func(staff chi.Router) {
			staff.Use(httpmiddleware.RequireStaff)
			staff.Patch("/messages/{messageID}", h.EditMessage)
			staff.Delete("/messages/{messageID}", h.DeleteMessage)
			staff.Get("/messages/{messageID}/revisions", h.MessageRevisions)
			staff.Patch("/notes/{noteID}", h.EditNote)
			staff.Delete("/notes/{noteID}", h.DeleteNote)
			staff.Patch("/drafts/{draftID}", h.UpdateDraft)
			staff.Post("/drafts/{draftID}/send", h.SendDraft)
			staff.Delete("/drafts/{draftID}", h.DiscardDraft)
			staff.Get("/generations", h.Generations)
			staff.Get("/alerts", h.ListAlerts)
			staff.Post("/alerts/{alertID}/read", h.MarkAlertRead)
			staff.Post("/tags/{tagID}/acknowledge", h.AcknowledgeTag)
		})
	})

	return r
}
