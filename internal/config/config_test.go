package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func validConfig(env string) Config {
	return Config{
		App:   AppConfig{Env: env, Port: 8080},
		DB:    DBConfig{Host: "localhost", Port: 5432, User: "postgres", Password: "x", Name: "survey"},
		Redis: RedisConfig{Host: "localhost", Port: 6379},
		Auth:  AuthConfig{JWTSecret: "secret", JWTIssuer: "iss", JWTAudience: "aud"},
		Telephony: TelephonyConfig{
			Provider:         ProviderTwilio,
			TwilioAccountSID: "AC123",
			TwilioAuthToken:  "token",
			FromNumber:       "+15550000000",
			WebhookBaseURL:   "https://hooks.example.com",
		},
	}
}

func TestValidate_ReportsMissingRequired(t *testing.T) {
	c := Config{}
	err := c.Validate()
	if err == nil {
		t.Fatalf("expected validation error")
	}
	if !strings.HasPrefix(err.Error(), "config errors:") {
		t.Fatalf("expected accumulated errors, got %v", err)
	}
}

func TestValidate_ProductionRequiresSSLMode(t *testing.T) {
	c := validConfig("production")
	if err := c.Validate(); err == nil || !strings.Contains(err.Error(), "DB_SSLMODE") {
		t.Fatalf("expected error for production without DB_SSLMODE, got %v", err)
	}
}

func TestValidate_LocalDefaults(t *testing.T) {
	c := validConfig("local")
	if err := c.Validate(); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if c.DB.SSLMode != "disable" {
		t.Fatalf("expected sslmode disable default, got %q", c.DB.SSLMode)
	}
	s := c.Scheduler
	if s.Interval != 60*time.Second || s.MaxConcurrentCalls != 10 || s.BatchSize != 50 {
		t.Fatalf("unexpected scheduler defaults: %+v", s)
	}
	if s.StaleAfter != 15*time.Minute || s.LeaseTTL != 2*time.Minute || s.ProviderTimeout != 10*time.Second {
		t.Fatalf("unexpected scheduler defaults: %+v", s)
	}
	if c.Telephony.RingTimeout != 30*time.Second {
		t.Fatalf("unexpected ring timeout default: %s", c.Telephony.RingTimeout)
	}
}

func TestValidate_ConcurrencyBounds(t *testing.T) {
	c := validConfig("local")
	c.Scheduler.MaxConcurrentCalls = 101
	if err := c.Validate(); err == nil || !strings.Contains(err.Error(), "SCHEDULER_MAX_CONCURRENT_CALLS") {
		t.Fatalf("expected concurrency bound error, got %v", err)
	}
}

func TestValidate_TwilioRequiresCredentials(t *testing.T) {
	c := validConfig("local")
	c.Telephony.TwilioAuthToken = ""
	if err := c.Validate(); err == nil || !strings.Contains(err.Error(), "TWILIO_AUTH_TOKEN") {
		t.Fatalf("expected twilio credential error, got %v", err)
	}
}

func TestValidate_MockRejectedInProduction(t *testing.T) {
	c := validConfig("production")
	c.DB.SSLMode = "require"
	c.Telephony.Provider = ProviderMock
	if err := c.Validate(); err == nil || !strings.Contains(err.Error(), "mock") {
		t.Fatalf("expected mock provider rejection, got %v", err)
	}
}

func TestLoad_FromEnvFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.env")
	content := strings.Join([]string{
		"APP_ENV=dev",
		"APP_PORT=8081",
		"DB_HOST=db",
		"DB_PORT=5432",
		"DB_USER=survey",
		"DB_NAME=survey",
		"REDIS_HOST=redis",
		"REDIS_PORT=6379",
		"JWT_SECRET=s3cret",
		"TELEPHONY_PROVIDER=mock",
		"TELEPHONY_FROM_NUMBER=+15550000000",
		"WEBHOOK_BASE_URL=https://hooks.example.com/",
		"SCHEDULER_MAX_CONCURRENT_CALLS=4",
		"SCHEDULER_REQUEUE_STALE_MINUTES=20",
	}, "\n")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}

	keys := []string{"APP_ENV", "APP_PORT", "DB_HOST", "DB_PORT", "DB_USER", "DB_NAME", "REDIS_HOST", "REDIS_PORT",
		"JWT_SECRET", "TELEPHONY_PROVIDER", "TELEPHONY_FROM_NUMBER", "WEBHOOK_BASE_URL",
		"SCHEDULER_MAX_CONCURRENT_CALLS", "SCHEDULER_REQUEUE_STALE_MINUTES"}
	for _, k := range keys {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
	t.Setenv("ENV_FILE", path)
	// Real env wins over the file.
	t.Setenv("APP_PORT", "9090")

	c, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.App.Port != 9090 {
		t.Fatalf("expected env to override file, got port %d", c.App.Port)
	}
	if c.Scheduler.MaxConcurrentCalls != 4 || c.Scheduler.StaleAfter != 20*time.Minute {
		t.Fatalf("unexpected scheduler config: %+v", c.Scheduler)
	}
	if c.Telephony.ValidateSignatures {
		t.Fatalf("expected signatures off by default in dev")
	}
	if got := c.WebhookEventsURL(); got != "https://hooks.example.com/webhooks/telephony/events" {
		t.Fatalf("unexpected events url %q", got)
	}
}
