package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("PORT", "")
	t.Setenv("ENV", "")
	t.Setenv("LOG_LEVEL", "")
	t.Setenv("BEDROCK_MODEL_ID", "")
	t.Setenv("MOVE_OFFER_TTL", "")
	t.Setenv("CORS_ALLOWED_ORIGINS", "")
	cfg := Load()
	if cfg.Port != "8080" {
		t.Fatalf("expected default port, got %s", cfg.Port)
	}
	if cfg.Env != "development" {
		t.Fatalf("expected default env, got %s", cfg.Env)
	}
	if cfg.MoveOfferTTL != 24*time.Hour {
		t.Fatalf("expected 24h offer ttl, got %s", cfg.MoveOfferTTL)
	}
	if cfg.SubscriberQueueSize != 256 {
		t.Fatalf("expected subscriber queue 256, got %d", cfg.SubscriberQueueSize)
	}
	if cfg.Classifier != "keyword" {
		t.Fatalf("expected keyword classifier by default, got %s", cfg.Classifier)
	}
	if len(cfg.CORSAllowedOrigins) != 1 || cfg.CORSAllowedOrigins[0] != "http://localhost:3000" {
		t.Fatalf("unexpected default origins %v", cfg.CORSAllowedOrigins)
	}
	if cfg.UsesPostgres() {
		t.Fatalf("expected no postgres without DATABASE_URL")
	}
}

func TestLoadNotificationSettings(t *testing.T) {
	t.Setenv("SMS_PROVIDER", "Telnyx")
	t.Setenv("SMS_FROM_NUMBER", "+61255550100")
	t.Setenv("REMINDER_LEAD", "0")
	t.Setenv("OUTBOX_MAX_ATTEMPTS", "3")
	t.Setenv("OUTBOX_RETRY_BASE", "")
	cfg := Load()
	if cfg.SMSProvider != "telnyx" || cfg.SMSFromNumber != "+61255550100" {
		t.Fatalf("unexpected sms settings %q/%q", cfg.SMSProvider, cfg.SMSFromNumber)
	}
	if cfg.ReminderLead != 0 {
		t.Fatalf("expected reminders disabled, got %s", cfg.ReminderLead)
	}
	if cfg.OutboxMaxAttempts != 3 || cfg.OutboxRetryBase != 30*time.Second {
		t.Fatalf("unexpected outbox retries %d/%s", cfg.OutboxMaxAttempts, cfg.OutboxRetryBase)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("DATABASE_URL", "postgres://user@host/db")
	t.Setenv("SESSION_BACKEND", "Redis")
	t.Setenv("EVENT_RETENTION", "2h")
	t.Setenv("EVENT_LOG_MAX", "50")
	t.Setenv("CHAT_RATE_LIMIT_RPS", "0.5")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://a.example, ,https://b.example")
	t.Setenv("USE_MEMORY_QUEUE", "false")
	cfg := Load()
	if cfg.Port != "9090" {
		t.Fatalf("expected override port, got %s", cfg.Port)
	}
	if cfg.SessionBackend != "redis" {
		t.Fatalf("expected lower-cased backend, got %s", cfg.SessionBackend)
	}
	if cfg.EventRetention != 2*time.Hour || cfg.EventLogMaxEvents != 50 {
		t.Fatalf("unexpected event retention %s/%d", cfg.EventRetention, cfg.EventLogMaxEvents)
	}
	if cfg.ChatRateLimitRPS != 0.5 {
		t.Fatalf("expected rps override, got %v", cfg.ChatRateLimitRPS)
	}
	if len(cfg.CORSAllowedOrigins) != 2 {
		t.Fatalf("expected two origins, got %v", cfg.CORSAllowedOrigins)
	}
	if cfg.UseMemoryQueue {
		t.Fatalf("expected memory queue disabled")
	}
	if !cfg.UsesPostgres() {
		t.Fatalf("expected postgres enabled")
	}
}

func TestInvalidValuesFallBack(t *testing.T) {
	t.Setenv("WORKER_COUNT", "many")
	t.Setenv("TURN_TIMEOUT", "soon")
	cfg := Load()
	if cfg.WorkerCount != 4 {
		t.Fatalf("expected default worker count, got %d", cfg.WorkerCount)
	}
	if cfg.TurnTimeout != 45*time.Second {
		t.Fatalf("expected default turn timeout, got %s", cfg.TurnTimeout)
	}
}
