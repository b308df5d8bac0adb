package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds application configuration
type Config struct {
	Port               string
	Env                string
	PublicBaseURL      string
	LogLevel           string
	DatabaseURL        string
	JWTSecret          string
	CORSAllowedOrigins []string
	RateLimitRPS       float64
	RateLimitBurst     int
	PollInterval       time.Duration
	RequestTimeout     time.Duration

	// Cognito (optional, enables RS256 tokens alongside JWT_SECRET)
	CognitoRegion     string
	CognitoUserPoolID string
	CognitoClientID   string

	RedisAddr     string
	RedisPassword string
	RedisTLS      bool

	AWSRegion           string
	AWSAccessKeyID      string
	AWSSecretAccessKey  string
	AWSEndpointOverride string

	// AI gateway
	LLMProvider         string
	LLMFallbackProvider string
	BedrockModelID      string
	GeminiAPIKey        string
	GeminiModelID       string
	OpenAIAPIKey        string
	OpenAIBaseURL       string
	OpenAIModel         string
	AITemperature       float32
	AIMaxTokens         int
	AITimeout           time.Duration
	AISystemPrompt      string
	AIContextWindow     int
	AIDisclaimer        string
	AIDisclaimerFirst   bool

	// Danger detection
	ModerationEnabled     bool
	ModerationModel       string
	ModerationTimeout     time.Duration
	DangerKeywords        string
	DangerWordBoundary    bool
	DangerSupportiveReply string
	DangerNotifyEmails    []string

	// Tagging
	TagMarkers []string
	TagReasons string

	// Notifications
	NotificationQueueURL string
	EmailProvider        string
	SendGridAPIKey       string
	SendGridFromEmail    string
	SendGridFromName     string
	SESFromEmail         string
	SESFromName          string
	NotifyPatientEmail   bool
	NotifyPatientPush    bool
	NotifyTherapistEmail bool
	NotifyTherapistPush  bool
	NotifyPreviewChars   int

	// Drafts and summaries
	DraftInstruction      string
	DraftExtraInstruction string
	DraftUndoDepth        int
	SummaryInstruction    string
}

// Load reads configuration from environment variables
func Load() *Config {
	return &Config{
		Port:               getEnv("PORT", "8080"),
		Env:                getEnv("ENV", "development"),
		PublicBaseURL:      strings.TrimRight(getEnv("PUBLIC_BASE_URL", ""), "/"),
		LogLevel:           getEnv("LOG_LEVEL", "info"),
		DatabaseURL:        getEnv("DATABASE_URL", ""),
		JWTSecret:          getEnv("JWT_SECRET", ""),
		CORSAllowedOrigins: getEnvAsList("CORS_ALLOWED_ORIGINS", ","),
		RateLimitRPS:       getEnvAsFloat("RATE_LIMIT_RPS", 10),
		RateLimitBurst:     getEnvAsInt("RATE_LIMIT_BURST", 30),
		PollInterval:       getEnvAsDuration("POLL_INTERVAL", 5*time.Second),
		RequestTimeout:     getEnvAsDuration("REQUEST_TIMEOUT", 60*time.Second),

		CognitoRegion:     getEnv("COGNITO_REGION", getEnv("AWS_REGION", "us-east-1")),
		CognitoUserPoolID: getEnv("COGNITO_USER_POOL_ID", ""),
		CognitoClientID:   getEnv("COGNITO_CLIENT_ID", ""),

		RedisAddr:     getEnv("REDIS_ADDR", "redis:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisTLS:      getEnvAsBool("REDIS_TLS", false),

		AWSRegion:           getEnv("AWS_REGION", "us-east-1"),
		AWSAccessKeyID:      getEnv("AWS_ACCESS_KEY_ID", ""),
		AWSSecretAccessKey:  getEnv("AWS_SECRET_ACCESS_KEY", ""),
		AWSEndpointOverride: getEnv("AWS_ENDPOINT_OVERRIDE", ""),

		LLMProvider:         strings.ToLower(getEnv("LLM_PROVIDER", "bedrock")),
		LLMFallbackProvider: strings.ToLower(getEnv("LLM_FALLBACK_PROVIDER", "")),
		BedrockModelID:      getEnv("BEDROCK_MODEL_ID", ""),
		GeminiAPIKey:        getEnv("GEMINI_API_KEY", ""),
		GeminiModelID:       getEnv("GEMINI_MODEL_ID", "gemini-2.5-flash"),
		OpenAIAPIKey:        getEnv("OPENAI_API_KEY", ""),
		OpenAIBaseURL:       getEnv("OPENAI_BASE_URL", ""),
		OpenAIModel:         getEnv("OPENAI_MODEL", "gpt-4o-mini"),
		AITemperature:       float32(getEnvAsFloat("AI_TEMPERATURE", 0.7)),
		AIMaxTokens:         getEnvAsInt("AI_MAX_TOKENS", 800),
		AITimeout:           getEnvAsDuration("AI_TIMEOUT", 45*time.Second),
		AISystemPrompt:      getEnv("AI_SYSTEM_PROMPT", defaultSystemPrompt),
		AIContextWindow:     getEnvAsInt("AI_CONTEXT_WINDOW", 20),
		AIDisclaimer:        getEnv("AI_DISCLAIMER", "medium"),
		AIDisclaimerFirst:   getEnvAsBool("AI_DISCLAIMER_FIRST_ONLY", true),

		ModerationEnabled:     getEnvAsBool("MODERATION_ENABLED", false),
		ModerationModel:       getEnv("MODERATION_MODEL", ""),
		ModerationTimeout:     getEnvAsDuration("MODERATION_TIMEOUT", 5*time.Second),
		DangerKeywords:        getEnv("DANGER_KEYWORDS", ""),
		DangerWordBoundary:    getEnvAsBool("DANGER_WORD_BOUNDARY", false),
		DangerSupportiveReply: getEnv("DANGER_SUPPORTIVE_REPLY", defaultSupportiveReply),
		DangerNotifyEmails:    getEnvAsList("DANGER_NOTIFY_EMAILS", ","),

		TagMarkers: getEnvAsList("TAG_MARKERS", ","),
		TagReasons: getEnv("TAG_REASONS", "need_talk:urgent,crisis:emergency,question:normal"),

		NotificationQueueURL: getEnv("NOTIFICATION_QUEUE_URL", ""),
		EmailProvider:        strings.ToLower(getEnv("EMAIL_PROVIDER", "queue")),
		SendGridAPIKey:       getEnv("SENDGRID_API_KEY", ""),
		SendGridFromEmail:    getEnv("SENDGRID_FROM_EMAIL", ""),
		SendGridFromName:     getEnv("SENDGRID_FROM_NAME", "Careline"),
		SESFromEmail:         getEnv("SES_FROM_EMAIL", ""),
		SESFromName:          getEnv("SES_FROM_NAME", "Careline"),
		NotifyPatientEmail:   getEnvAsBool("NOTIFY_PATIENT_EMAIL", true),
		NotifyPatientPush:    getEnvAsBool("NOTIFY_PATIENT_PUSH", true),
		NotifyTherapistEmail: getEnvAsBool("NOTIFY_THERAPIST_EMAIL", true),
		NotifyTherapistPush:  getEnvAsBool("NOTIFY_THERAPIST_PUSH", false),
		NotifyPreviewChars:   getEnvAsInt("NOTIFY_PREVIEW_CHARS", 100),

		DraftInstruction:      getEnv("DRAFT_INSTRUCTION", defaultDraftInstruction),
		DraftExtraInstruction: getEnv("DRAFT_EXTRA_INSTRUCTION", ""),
		DraftUndoDepth:        getEnvAsInt("DRAFT_UNDO_DEPTH", 5),
		SummaryInstruction:    getEnv("SUMMARY_INSTRUCTION", defaultSummaryInstruction),
	}
}

const defaultSystemPrompt = "You are a supportive assistant in a guided self-help program. " +
	"Respond with empathy, keep answers short, never diagnose, and encourage the patient to reach out to their therapist for clinical questions."

const defaultSupportiveReply = "Thank you for telling us. Your therapist has been notified and will get back to you as soon as possible. " +
	"If you are in immediate danger, please call your local emergency number now."

const defaultDraftInstruction = "Write a reply the therapist could send to the patient. " +
	"Use the therapist's voice, keep it warm and concise, and do not include any preamble or explanation."

const defaultSummaryInstruction = "Summarize this therapy conversation for the treating therapist. " +
	"List the main topics, the patient's current state, any risk signals, and open follow-ups."

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt retrieves an environment variable as an integer or returns a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsBool retrieves an environment variable as a boolean or returns a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsList(key, sep string) []string {
	raw := strings.TrimSpace(getEnv(key, ""))
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, sep) {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
