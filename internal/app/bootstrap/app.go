package bootstrap

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wolfman30/careline/internal/access"
	"github.com/wolfman30/careline/internal/api/router"
	"github.com/wolfman30/careline/internal/chat"
	"github.com/wolfman30/careline/internal/compliance"
	appconfig "github.com/wolfman30/careline/internal/config"
	"github.com/wolfman30/careline/internal/conversation"
	"github.com/wolfman30/careline/internal/drafts"
	"github.com/wolfman30/careline/internal/http/handlers"
	httpmiddleware "github.com/wolfman30/careline/internal/http/middleware"
	"github.com/wolfman30/careline/internal/notify"
	"github.com/wolfman30/careline/internal/observability/metrics"
	"github.com/wolfman30/careline/internal/polling"
	"github.com/wolfman30/careline/internal/safety"
	"github.com/wolfman30/careline/internal/tagging"
	"github.com/wolfman30/careline/pkg/logging"
)

// App is the assembled API plus the resources it owns.
type App struct {
	Handler     http.Handler
	RateLimiter *httpmiddleware.RateLimiter
	closers     []func()
}

// Close releases pools and provider clients in reverse order.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

// SetupMetrics builds a private registry with the chat metrics and the
// process collectors.
func SetupMetrics() (http.Handler, *metrics.ChatMetrics) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.NewChatMetrics(reg)
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}), m
}

// BuildApp wires every service behind the HTTP router. Postgres and Redis are
// optional; without them the in-memory stores are used.
func BuildApp(ctx context.Context, cfg *appconfig.Config, logger *logging.Logger) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("bootstrap: config is required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	app := &App{}

	metricsHandler, chatMetrics := SetupMetrics()

	awsCfg, err := LoadAWSConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: load aws config: %w", err)
	}

	pool := ConnectPostgresPool(ctx, cfg.DatabaseURL, logger)
	redisClient := BuildRedisClient(ctx, cfg, logger, true)
	checks := map[string]handlers.Check{}

	var (
		repo        conversation.Repository
		resolver    access.Resolver
		draftRepo   drafts.Repository
		ledger      safety.Ledger
		undo        drafts.UndoStack
		cursor      polling.Cursor
		convAudit   conversation.Auditor
		chatAudit   chat.Auditor
		safetyAudit safety.AuditLogger
		tagAudit    tagging.AuditLogger
	)

	if pool != nil {
		app.closers = append(app.closers, pool.Close)
		checks["postgres"] = pool.Ping
		repo = conversation.NewPostgresRepository(pool)
		resolver = access.NewPostgresResolver(pool)
		draftRepo = drafts.NewPostgresRepository(pool)
		ledger = safety.NewPostgresLedger(pool)
		if sqlDB := OpenSQLDB(pool); sqlDB != nil {
			app.closers = append(app.closers, func() { _ = sqlDB.Close() })
			audit := compliance.NewAuditService(sqlDB)
			convAudit, chatAudit, safetyAudit, tagAudit = audit, audit, audit, audit
		}
		logger.Info("using postgres stores")
	} else {
		logger.Warn("DATABASE_URL not set or unreachable; using in-memory stores")
		repo = conversation.NewMemoryRepository()
		resolver = access.NewMemoryResolver()
		draftRepo = drafts.NewMemoryRepository()
		ledger = safety.NewMemoryLedger()
	}

	if redisClient != nil {
		app.closers = append(app.closers, func() { _ = redisClient.Close() })
		checks["redis"] = func(ctx context.Context) error { return redisClient.Ping(ctx).Err() }
		undo = drafts.NewRedisUndoStack(redisClient, cfg.DraftUndoDepth)
		cursor = polling.NewRedisCursor(redisClient)
	} else {
		undo = drafts.NewMemoryUndoStack(cfg.DraftUndoDepth)
	}

	gateway, closeGateway, err := BuildGateway(ctx, cfg, awsCfg, logger)
	if err != nil {
		app.Close()
		return nil, err
	}
	app.closers = append(app.closers, closeGateway)

	email, push := BuildNotificationChannels(cfg, awsCfg, logger)
	notifier := notify.NewService(email, push, resolver, notify.Config{
		BaseURL:        cfg.PublicBaseURL,
		PreviewChars:   cfg.NotifyPreviewChars,
		PatientEmail:   cfg.NotifyPatientEmail,
		PatientPush:    cfg.NotifyPatientPush,
		TherapistEmail: cfg.NotifyTherapistEmail,
		TherapistPush:  cfg.NotifyTherapistPush,
		DangerEmails:   cfg.DangerNotifyEmails,
		Timeout:        cfg.AITimeout,
	}, chatMetrics, logger)

	pipeline := safety.NewPipeline(
		safety.NewKeywordDetector(safety.ParseKeywords(cfg.DangerKeywords), cfg.DangerWordBoundary),
		BuildModerationDetector(cfg, logger),
		chatMetrics,
		logger,
	)
	escalator := safety.NewEscalator(repo, ledger, notifier, safety.EscalatorConfig{
		SupportiveReply: cfg.DangerSupportiveReply,
		PreviewChars:    cfg.NotifyPreviewChars,
		Audit:           safetyAudit,
		Metrics:         chatMetrics,
		Logger:          logger,
	})
	tags := tagging.NewEngine(repo, resolver, tagging.Config{
		Markers:  cfg.TagMarkers,
		Reasons:  tagging.ParseReasons(cfg.TagReasons),
		Audit:    tagAudit,
		Metrics:  chatMetrics,
		Logger:   logger,
		Preview:  cfg.NotifyPreviewChars,
		Notifier: notifier,
	})

	conversations := conversation.NewService(repo, resolver, convAudit, logger)
	poll := polling.NewService(repo, conversations, resolver, cursor, logger)
	chatSvc := chat.NewService(chat.Deps{
		Conversations: conversations,
		Tags:          tags,
		Safety:        pipeline,
		Escalator:     escalator,
		Gateway:       gateway,
		Notifier:      notifier,
		Cursor:        poll,
		Audit:         chatAudit,
		Disclaimer: compliance.NewDisclaimer(compliance.DisclaimerConfig{
			Level:          compliance.ParseDisclaimerLevel(cfg.AIDisclaimer),
			FirstReplyOnly: cfg.AIDisclaimerFirst,
		}),
		Resolver: resolver,
		Metrics:  chatMetrics,
		Logger:   logger,
	}, chat.Config{
		SystemPrompt:  cfg.AISystemPrompt,
		ContextWindow: cfg.AIContextWindow,
		Model:         modelName(cfg),
		MaxTokens:     int32(cfg.AIMaxTokens),
		Temperature:   cfg.AITemperature,
		Timeout:       cfg.AITimeout,
		PollInterval:  cfg.PollInterval,
	})
	workflow := drafts.NewWorkflow(draftRepo, conversations, repo, chatSvc, gateway, undo, drafts.Config{
		Instruction:        cfg.DraftInstruction,
		ExtraInstruction:   cfg.DraftExtraInstruction,
		SummaryInstruction: cfg.SummaryInstruction,
		ContextWindow:      cfg.AIContextWindow,
		Model:              modelName(cfg),
		MaxTokens:          int32(cfg.AIMaxTokens),
		Temperature:        cfg.AITemperature,
		Timeout:            cfg.AITimeout,
	}, chatMetrics, logger)

	app.RateLimiter = httpmiddleware.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
	app.Handler = router.New(&router.Config{
		Logger:         logger,
		Chat:           handlers.NewChatHandler(chatSvc, conversations, poll, workflow, logger),
		Health:         handlers.NewHealthHandler(checks, logger),
		MetricsHandler: metricsHandler,
		Auth: httpmiddleware.AuthConfig{
			Secret: cfg.JWTSecret,
			Cognito: httpmiddleware.CognitoConfig{
				Region:     cfg.CognitoRegion,
				UserPoolID: cfg.CognitoUserPoolID,
				ClientID:   cfg.CognitoClientID,
			},
		},
		RateLimiter:        app.RateLimiter,
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
		RequestTimeout:     cfg.RequestTimeout,
	})
	return app, nil
}

// modelName is recorded on generation logs.
func modelName(cfg *appconfig.Config) string {
	switch cfg.LLMProvider {
	case "gemini":
		return cfg.GeminiModelID
	case "openai":
		return cfg.OpenAIModel
	default:
		return cfg.BedrockModelID
	}
}
