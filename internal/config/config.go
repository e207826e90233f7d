package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration required by the api and scheduler processes.
// All values come from env (optionally seeded from an env file, see Load).
// No business logic should depend on raw environment variables.
type Config struct {
	App       AppConfig
	DB        DBConfig
	Redis     RedisConfig
	Auth      AuthConfig
	Telephony TelephonyConfig
	Scheduler SchedulerConfig
}

type AppConfig struct {
	Env  string
	Port int
}

type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string

	// SSLMode is kept explicit for AWS-ready posture.
	// Accepts: disable, require, verify-ca, verify-full
	SSLMode string
}

type RedisConfig struct {
	Host string
	Port int
}

// AuthConfig covers operator bearer tokens for the /v1 read API.
type AuthConfig struct {
	JWTSecret      string
	JWTIssuer      string
	JWTAudience    string
	AccessTokenTTL time.Duration
}

type TelephonyConfig struct {
	// Provider selects the adapter: twilio or mock.
	Provider string

	TwilioAccountSID string
	TwilioAuthToken  string
	TwilioAPIBaseURL string

	// FromNumber is the caller id for outbound calls (E.164).
	FromNumber string

	// WebhookBaseURL is the public scheme+host providers call back on.
	WebhookBaseURL string

	// MediaStreamURL is the dialogue media stream endpoint (optional).
	MediaStreamURL string

	RingTimeout        time.Duration
	ValidateSignatures bool

	// MockWebhookSecret signs mock provider webhooks (optional).
	MockWebhookSecret string
}

type SchedulerConfig struct {
	Interval           time.Duration
	MaxIdleInterval    time.Duration
	MaxConcurrentCalls int
	BatchSize          int
	ProviderTimeout    time.Duration
	StaleAfter         time.Duration
	LeaseTTL           time.Duration
}

const (
	ProviderTwilio = "twilio"
	ProviderMock   = "mock"

	WebhookEventsPath = "/webhooks/telephony/events"
	TwilioVoicePath   = "/webhooks/twilio/voice"
)

// Load reads configuration from the environment.
// If ENV_FILE is set (or ./.env exists) it is loaded first; variables already
// present in the environment win.
func Load() (Config, error) {
	if err := loadEnvFile(); err != nil {
		return Config{}, err
	}

	c := Config{}
	var parseErrs []error

	c.App.Env = strings.TrimSpace(os.Getenv("APP_ENV"))
	{
		n, err := mustInt("APP_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.App.Port = n
	}

	c.DB.Host = strings.TrimSpace(os.Getenv("DB_HOST"))
	{
		n, err := mustInt("DB_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.DB.Port = n
	}
	c.DB.User = strings.TrimSpace(os.Getenv("DB_USER"))
	c.DB.Password = os.Getenv("DB_PASSWORD")
	c.DB.Name = strings.TrimSpace(os.Getenv("DB_NAME"))
	c.DB.SSLMode = strings.TrimSpace(os.Getenv("DB_SSLMODE"))

	c.Redis.Host = strings.TrimSpace(os.Getenv("REDIS_HOST"))
	{
		n, err := mustInt("REDIS_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Redis.Port = n
	}

	c.Auth.JWTSecret = os.Getenv("JWT_SECRET")
	c.Auth.JWTIssuer = strings.TrimSpace(os.Getenv("JWT_ISSUER"))
	c.Auth.JWTAudience = strings.TrimSpace(os.Getenv("JWT_AUDIENCE"))
	// Duration env vars are optional; defaults applied in Validate().
	c.Auth.AccessTokenTTL = mustDuration("JWT_ACCESS_TTL")

	c.Telephony.Provider = strings.ToLower(strings.TrimSpace(os.Getenv("TELEPHONY_PROVIDER")))
	c.Telephony.TwilioAccountSID = strings.TrimSpace(os.Getenv("TWILIO_ACCOUNT_SID"))
	c.Telephony.TwilioAuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	c.Telephony.TwilioAPIBaseURL = strings.TrimSpace(os.Getenv("TWILIO_API_BASE_URL"))
	c.Telephony.FromNumber = strings.TrimSpace(os.Getenv("TELEPHONY_FROM_NUMBER"))
	c.Telephony.WebhookBaseURL = strings.TrimRight(strings.TrimSpace(os.Getenv("WEBHOOK_BASE_URL")), "/")
	c.Telephony.MediaStreamURL = strings.TrimSpace(os.Getenv("TELEPHONY_MEDIA_STREAM_URL"))
	c.Telephony.RingTimeout = mustDuration("TELEPHONY_RING_TIMEOUT")
	c.Telephony.MockWebhookSecret = os.Getenv("MOCK_WEBHOOK_SECRET")
	{
		b, err := optionalBool("TELEPHONY_VALIDATE_SIGNATURES")
		if err != nil {
			parseErrs = append(parseErrs, err)
		}
		if b == nil {
			// Default: validate everywhere except local/dev.
			v := c.App.Env != "local" && c.App.Env != "dev"
			b = &v
		}
		c.Telephony.ValidateSignatures = *b
	}

	c.Scheduler.Interval = mustDuration("SCHEDULER_INTERVAL")
	c.Scheduler.MaxIdleInterval = mustDuration("SCHEDULER_MAX_IDLE_INTERVAL")
	c.Scheduler.ProviderTimeout = mustDuration("SCHEDULER_PROVIDER_TIMEOUT")
	c.Scheduler.LeaseTTL = mustDuration("SCHEDULER_LEASE_TTL")
	{
		n, err := optionalInt("SCHEDULER_MAX_CONCURRENT_CALLS")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Scheduler.MaxConcurrentCalls = n
	}
	{
		n, err := optionalInt("SCHEDULER_BATCH_SIZE")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Scheduler.BatchSize = n
	}
	{
		n, err := optionalInt("SCHEDULER_REQUEUE_STALE_MINUTES")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Scheduler.StaleAfter = time.Duration(n) * time.Minute
	}

	if err := joinErrors(parseErrs); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate applies defaults and reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error

	if c.App.Env == "" {
		errs = append(errs, errors.New("APP_ENV is required"))
	} else if !isValidEnv(c.App.Env) {
		errs = append(errs, fmt.Errorf("APP_ENV must be one of local, dev, staging, production, got %q", c.App.Env))
	}
	if c.App.Port <= 0 || c.App.Port > 65535 {
		errs = append(errs, fmt.Errorf("APP_PORT must be a valid port, got %d", c.App.Port))
	}

	if c.DB.Host == "" {
		errs = append(errs, errors.New("DB_HOST is required"))
	}
	if c.DB.Port <= 0 || c.DB.Port > 65535 {
		errs = append(errs, fmt.Errorf("DB_PORT must be a valid port, got %d", c.DB.Port))
	}
	if c.DB.User == "" {
		errs = append(errs, errors.New("DB_USER is required"))
	}
	if c.DB.Name == "" {
		errs = append(errs, errors.New("DB_NAME is required"))
	}
	if strings.TrimSpace(c.DB.SSLMode) == "" {
		if c.IsProduction() {
			errs = append(errs, errors.New("DB_SSLMODE is required in production"))
		} else {
			// Local-friendly default; production must be explicit.
			c.DB.SSLMode = "disable"
		}
	}
	if c.DB.SSLMode != "" && !isValidSSLMode(c.DB.SSLMode) {
		errs = append(errs, fmt.Errorf("DB_SSLMODE must be one of disable, require, verify-ca, verify-full, got %q", c.DB.SSLMode))
	}

	if c.Redis.Host == "" {
		errs = append(errs, errors.New("REDIS_HOST is required"))
	}
	if c.Redis.Port <= 0 || c.Redis.Port > 65535 {
		errs = append(errs, fmt.Errorf("REDIS_PORT must be a valid port, got %d", c.Redis.Port))
	}

	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if c.IsProduction() {
		if c.Auth.JWTIssuer == "" {
			errs = append(errs, errors.New("JWT_ISSUER is required in production"))
		}
		if c.Auth.JWTAudience == "" {
			errs = append(errs, errors.New("JWT_AUDIENCE is required in production"))
		}
	}
	if c.Auth.AccessTokenTTL <= 0 {
		c.Auth.AccessTokenTTL = 15 * time.Minute
	}

	errs = append(errs, c.Telephony.validate(c.IsProduction())...)
	errs = append(errs, c.Scheduler.validate()...)

	return joinErrors(errs)
}

func (t *TelephonyConfig) validate(production bool) []error {
	var errs []error

	if t.Provider == "" {
		t.Provider = ProviderTwilio
	}
	switch t.Provider {
	case ProviderTwilio:
		if t.TwilioAccountSID == "" {
			errs = append(errs, errors.New("TWILIO_ACCOUNT_SID is required for the twilio provider"))
		}
		if t.TwilioAuthToken == "" {
			errs = append(errs, errors.New("TWILIO_AUTH_TOKEN is required for the twilio provider"))
		}
	case ProviderMock:
		if production {
			errs = append(errs, errors.New("TELEPHONY_PROVIDER=mock is not allowed in production"))
		}
	default:
		errs = append(errs, fmt.Errorf("TELEPHONY_PROVIDER must be one of twilio, mock, got %q", t.Provider))
	}

	if t.FromNumber == "" {
		errs = append(errs, errors.New("TELEPHONY_FROM_NUMBER is required"))
	}
	if t.WebhookBaseURL == "" {
		errs = append(errs, errors.New("WEBHOOK_BASE_URL is required"))
	} else if u, err := url.Parse(t.WebhookBaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("WEBHOOK_BASE_URL must be an absolute url, got %q", t.WebhookBaseURL))
	}
	if t.RingTimeout <= 0 {
		t.RingTimeout = 30 * time.Second
	}
	if t.RingTimeout < 10*time.Second || t.RingTimeout > 300*time.Second {
		errs = append(errs, fmt.Errorf("TELEPHONY_RING_TIMEOUT must be between 10s and 300s, got %s", t.RingTimeout))
	}
	return errs
}

func (s *SchedulerConfig) validate() []error {
	var errs []error

	if s.Interval <= 0 {
		s.Interval = 60 * time.Second
	}
	if s.MaxIdleInterval <= 0 {
		s.MaxIdleInterval = 5 * time.Minute
	}
	if s.MaxIdleInterval < s.Interval {
		errs = append(errs, errors.New("SCHEDULER_MAX_IDLE_INTERVAL must be >= SCHEDULER_INTERVAL"))
	}
	if s.MaxConcurrentCalls == 0 {
		s.MaxConcurrentCalls = 10
	}
	if s.MaxConcurrentCalls < 1 || s.MaxConcurrentCalls > 100 {
		errs = append(errs, fmt.Errorf("SCHEDULER_MAX_CONCURRENT_CALLS must be between 1 and 100, got %d", s.MaxConcurrentCalls))
	}
	if s.BatchSize == 0 {
		s.BatchSize = 50
	}
	if s.BatchSize < 1 {
		errs = append(errs, fmt.Errorf("SCHEDULER_BATCH_SIZE must be positive, got %d", s.BatchSize))
	}
	if s.ProviderTimeout <= 0 {
		s.ProviderTimeout = 10 * time.Second
	}
	if s.StaleAfter == 0 {
		s.StaleAfter = 15 * time.Minute
	}
	if s.StaleAfter < 0 {
		errs = append(errs, errors.New("SCHEDULER_REQUEUE_STALE_MINUTES must be positive"))
	}
	if s.LeaseTTL <= 0 {
		s.LeaseTTL = 2 * s.Interval
	}
	return errs
}

func (c Config) IsProduction() bool {
	return c.App.Env == "production"
}

func (c Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.App.Port)
}

func (c Config) PostgresDSN() string {
	// Avoid logging this string; it contains secrets.
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DB.Host,
		c.DB.Port,
		c.DB.User,
		c.DB.Password,
		c.DB.Name,
		c.DB.SSLMode,
	)
}

func (c Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

// WebhookEventsURL is the status callback URL handed to providers.
func (c Config) WebhookEventsURL() string {
	return c.Telephony.WebhookBaseURL + WebhookEventsPath
}

// TwilioVoiceURL is the document Twilio fetches when a call is answered.
func (c Config) TwilioVoiceURL() string {
	return c.Telephony.WebhookBaseURL + TwilioVoicePath
}

func loadEnvFile() error {
	path := strings.TrimSpace(os.Getenv("ENV_FILE"))
	if path == "" {
		if _, err := os.Stat(".env"); err != nil {
			return nil
		}
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

func mustInt(key string) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, fmt.Errorf("%s is required", key)
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", key, v)
	}
	return n, nil
}

func optionalInt(key string) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", key, v)
	}
	return n, nil
}

func optionalBool(key string) (*bool, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return nil, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return nil, fmt.Errorf("%s must be a boolean, got %q", key, v)
	}
	return &b, nil
}

func mustDuration(key string) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0
	}
	return d
}

func appendParseErr(errs []error, n int, err error) (int, []error) {
	if err != nil {
		errs = append(errs, err)
	}
	return n, errs
}

func isValidEnv(v string) bool {
	switch v {
	case "local", "dev", "staging", "production":
		return true
	default:
		return false
	}
}

func isValidSSLMode(v string) bool {
	switch v {
	case "disable", "require", "verify-ca", "verify-full":
		return true
	default:
		return false
	}
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	if len(errs) == 1 {
		return errs[0]
	}
	var b strings.Builder
	b.WriteString("config errors:\n")
	for _, e := range errs {
		b.WriteString("- ")
		b.WriteString(e.Error())
		b.WriteString("\n")
	}
	return errors.New(strings.TrimSpace(b.String()))
}
