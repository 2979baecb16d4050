package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds application configuration
type Config struct {
	Port     string
	Env      string
	LogLevel string

	DatabaseURL    string
	RedisAddr      string
	RedisPassword  string
	RedisTLS       bool
	SessionBackend string
	EventBackend   string
	SessionTTL     time.Duration

	// Streaming
	EventRetention      time.Duration
	EventLogMaxEvents   int
	SubscriberQueueSize int
	StreamHeartbeat     time.Duration
	StreamIdleTimeout   time.Duration

	// Turn processing
	UseMemoryQueue bool
	TurnQueueURL   string
	TurnJobsTable  string
	WorkerCount    int
	TurnTimeout    time.Duration

	AWSRegion           string
	AWSAccessKeyID      string
	AWSSecretAccessKey  string
	AWSEndpointOverride string

	// Classifier / generator
	Classifier     string
	LLMProvider    string
	BedrockModelID string
	GeminiAPIKey   string
	GeminiModelID  string

	// Scheduling
	ClinicRosterPath   string
	BookingHorizon     time.Duration
	MoveTargetHorizon  time.Duration
	MoveOfferTTL       time.Duration
	OfferSweepInterval time.Duration
	SessionIdleTimeout time.Duration
	OutboxInterval     time.Duration
	OutboxMaxAttempts  int
	OutboxRetryBase    time.Duration
	ReminderLead       time.Duration

	AdminJWTSecret     string
	CORSAllowedOrigins []string
	ChatRateLimitRPS   float64
	ChatRateLimitBurst int

	// Email
	EmailProvider     string
	SendGridAPIKey    string
	SendGridFromEmail string
	SendGridFromName  string
	SESFromEmail      string
	SESConfigSet      string

	// SMS
	SMSProvider      string
	SMSFromNumber    string
	TelnyxAPIKey     string
	TelnyxProfileID  string
	TwilioAccountSID string
	TwilioAuthToken  string

	ArchiveBucket string
}

// Load reads configuration from environment variables
func Load() *Config {
	return &Config{
		Port:     getEnv("PORT", "8080"),
		Env:      getEnv("ENV", "development"),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		DatabaseURL:    getEnv("DATABASE_URL", ""),
		RedisAddr:      getEnv("REDIS_ADDR", ""),
		RedisPassword:  getEnv("REDIS_PASSWORD", ""),
		RedisTLS:       getEnvAsBool("REDIS_TLS", false),
		SessionBackend: strings.ToLower(getEnv("SESSION_BACKEND", "memory")),
		EventBackend:   strings.ToLower(getEnv("EVENT_BACKEND", "memory")),
		SessionTTL:     getEnvAsDuration("SESSION_TTL", 72*time.Hour),

		EventRetention:      getEnvAsDuration("EVENT_RETENTION", 24*time.Hour),
		EventLogMaxEvents:   getEnvAsInt("EVENT_LOG_MAX", 2000),
		SubscriberQueueSize: getEnvAsInt("SUBSCRIBER_QUEUE", 256),
		StreamHeartbeat:     getEnvAsDuration("STREAM_HEARTBEAT", 15*time.Second),
		StreamIdleTimeout:   getEnvAsDuration("STREAM_IDLE_TIMEOUT", 10*time.Minute),

		UseMemoryQueue: getEnvAsBool("USE_MEMORY_QUEUE", true),
		TurnQueueURL:   getEnv("TURN_QUEUE_URL", ""),
		TurnJobsTable:  getEnv("TURN_JOBS_TABLE", ""),
		WorkerCount:    getEnvAsInt("WORKER_COUNT", 4),
		TurnTimeout:    getEnvAsDuration("TURN_TIMEOUT", 45*time.Second),

		AWSRegion:           getEnv("AWS_REGION", "ap-southeast-2"),
		AWSAccessKeyID:      getEnv("AWS_ACCESS_KEY_ID", ""),
		AWSSecretAccessKey:  getEnv("AWS_SECRET_ACCESS_KEY", ""),
		AWSEndpointOverride: getEnv("AWS_ENDPOINT_OVERRIDE", ""),

		Classifier:     strings.ToLower(getEnv("CLASSIFIER", "keyword")),
		LLMProvider:    strings.ToLower(getEnv("LLM_PROVIDER", "bedrock")),
		BedrockModelID: getEnv("BEDROCK_MODEL_ID", ""),
		GeminiAPIKey:   getEnv("GEMINI_API_KEY", ""),
		GeminiModelID:  getEnv("GEMINI_MODEL_ID", "gemini-2.5-flash"),

		ClinicRosterPath:   getEnv("CLINIC_ROSTER_PATH", ""),
		BookingHorizon:     getEnvAsDuration("BOOKING_HORIZON", 14*24*time.Hour),
		MoveTargetHorizon:  getEnvAsDuration("MOVE_TARGET_HORIZON", 48*time.Hour),
		MoveOfferTTL:       getEnvAsDuration("MOVE_OFFER_TTL", 24*time.Hour),
		OfferSweepInterval: getEnvAsDuration("OFFER_SWEEP_INTERVAL", 5*time.Minute),
		SessionIdleTimeout: getEnvAsDuration("SESSION_IDLE_TIMEOUT", 2*time.Hour),
		OutboxInterval:     getEnvAsDuration("OUTBOX_INTERVAL", 5*time.Second),
		OutboxMaxAttempts:  getEnvAsInt("OUTBOX_MAX_ATTEMPTS", 8),
		OutboxRetryBase:    getEnvAsDuration("OUTBOX_RETRY_BASE", 30*time.Second),
		ReminderLead:       getEnvAsDuration("REMINDER_LEAD", 24*time.Hour),

		AdminJWTSecret:     getEnv("ADMIN_JWT_SECRET", ""),
		CORSAllowedOrigins: getEnvAsList("CORS_ALLOWED_ORIGINS", []string{"http://localhost:3000"}),
		ChatRateLimitRPS:   getEnvAsFloat("CHAT_RATE_LIMIT_RPS", 2),
		ChatRateLimitBurst: getEnvAsInt("CHAT_RATE_LIMIT_BURST", 10),

		EmailProvider:     strings.ToLower(getEnv("EMAIL_PROVIDER", "stub")),
		SendGridAPIKey:    getEnv("SENDGRID_API_KEY", ""),
		SendGridFromEmail: getEnv("SENDGRID_FROM_EMAIL", ""),
		SendGridFromName:  getEnv("SENDGRID_FROM_NAME", "PearlFlow"),
		SESFromEmail:      getEnv("SES_FROM_EMAIL", ""),
		SESConfigSet:      getEnv("SES_CONFIGURATION_SET", ""),

		SMSProvider:      strings.ToLower(getEnv("SMS_PROVIDER", "stub")),
		SMSFromNumber:    getEnv("SMS_FROM_NUMBER", ""),
		TelnyxAPIKey:     getEnv("TELNYX_API_KEY", ""),
		TelnyxProfileID:  getEnv("TELNYX_MESSAGING_PROFILE_ID", ""),
		TwilioAccountSID: getEnv("TWILIO_ACCOUNT_SID", ""),
		TwilioAuthToken:  getEnv("TWILIO_AUTH_TOKEN", ""),

		ArchiveBucket: getEnv("ARCHIVE_BUCKET", ""),
	}
}

// UsesPostgres reports whether any store is backed by DATABASE_URL.
func (c *Config) UsesPostgres() bool {
	return strings.TrimSpace(c.DatabaseURL) != ""
}

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

// getEnvAsList splits a comma separated variable, dropping empty items.
func getEnvAsList(key string, defaultValue []string) []string {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(valueStr, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
