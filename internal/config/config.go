package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config application configuration
type Config struct {
	// HTTP
	HTTPAddr      string `env:"HTTP_ADDR" envDefault:":8080"`
	PublicBaseURL string `env:"PUBLIC_BASE_URL"` // callback base for push subscriptions

	// Storage and transport
	DatabaseURL     string `env:"DATABASE_URL" envDefault:"sqlite://./data/mailsync.db"`
	NATSURL         string `env:"NATS_URL"`  // empty: in-process queue
	RedisURL        string `env:"REDIS_URL"` // empty: in-process dedup locks
	KeyringDir      string `env:"KEYRING_DIR" envDefault:"./data/keyring"`
	KeyringPassword string `env:"KEYRING_PASSWORD"`

	// Security
	WebhookSecret string `env:"WEBHOOK_SECRET,required"`
	AdminJWKSURL  string `env:"ADMIN_JWKS_URL"` // empty: admin routes disabled

	// OAuth
	GoogleClientID        string `env:"GOOGLE_CLIENT_ID"`
	GoogleClientSecret    string `env:"GOOGLE_CLIENT_SECRET"`
	MicrosoftClientID     string `env:"MICROSOFT_CLIENT_ID"`
	MicrosoftClientSecret string `env:"MICROSOFT_CLIENT_SECRET"`
	MicrosoftTenant       string `env:"MICROSOFT_TENANT" envDefault:"common"`
	OAuthRedirectBase     string `env:"OAUTH_REDIRECT_BASE"`

	Sync         Sync
	Subscription Subscription
	Jobs         Jobs

	TokenRefreshBuffer time.Duration `env:"TOKEN_REFRESH_BUFFER" envDefault:"5m"`
	DedupLockTTL       time.Duration `env:"DEDUP_LOCK_TTL" envDefault:"30s"`
	MIMEMaxDepth       int           `env:"MIME_MAX_DEPTH" envDefault:"10"`
	SMTPPort           int           `env:"SMTP_PORT" envDefault:"587"`
	IMAPDialTimeout    time.Duration `env:"IMAP_DIAL_TIMEOUT" envDefault:"30s"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"text"` // "json" or "text"
}

// Sync sizing and pacing
type Sync struct {
	BatchSize         int           `env:"SYNC_BATCH_SIZE" envDefault:"50"`
	InitialLimit      int           `env:"SYNC_INITIAL_LIMIT" envDefault:"100"`
	QuickLimit        int           `env:"SYNC_QUICK_LIMIT" envDefault:"10"`
	Cooldown          time.Duration `env:"SYNC_COOLDOWN" envDefault:"30s"`
	ContinuationDelay time.Duration `env:"SYNC_CONTINUATION_DELAY" envDefault:"5s"`
	MaxBatchesPerUnit int           `env:"SYNC_MAX_BATCHES_PER_UNIT" envDefault:"2"`
	PollInterval      time.Duration `env:"SYNC_POLL_INTERVAL" envDefault:"5m"`
	IncludeRead       bool          `env:"SYNC_INCLUDE_READ" envDefault:"true"` // false: unread messages only
}

// Subscription renewal policy
type Subscription struct {
	Lifetime      time.Duration `env:"SUBSCRIPTION_LIFETIME" envDefault:"4230m"`
	RenewWindow   time.Duration `env:"SUBSCRIPTION_RENEW_WINDOW" envDefault:"24h"`
	RenewInterval time.Duration `env:"SUBSCRIPTION_RENEW_INTERVAL" envDefault:"1h"`
}

// Jobs worker pool and retry policy. MaxAttempts counts the first run and
// retry n waits Backoff[n-1], so len(Backoff)+1 attempts use every delay.
type Jobs struct {
	Workers        int             `env:"JOB_WORKERS" envDefault:"4"`
	MaxAttempts    int             `env:"JOB_MAX_ATTEMPTS" envDefault:"4"`
	Backoff        []time.Duration `env:"JOB_BACKOFF" envDefault:"1m,5m,10m" envSeparator:","`
	InitialTimeout time.Duration   `env:"JOB_INITIAL_TIMEOUT" envDefault:"30m"`
	QuickTimeout   time.Duration   `env:"JOB_QUICK_TIMEOUT" envDefault:"5m"`
	MessageTimeout time.Duration   `env:"JOB_MESSAGE_TIMEOUT" envDefault:"2m"`
}

// GoogleEnabled returns true if Gmail OAuth is configured
func (c *Config) GoogleEnabled() bool {
	return c.GoogleClientID != "" && c.GoogleClientSecret != ""
}

// MicrosoftEnabled returns true if Graph OAuth is configured
func (c *Config) MicrosoftEnabled() bool {
	return c.MicrosoftClientID != "" && c.MicrosoftClientSecret != ""
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if exists (ignore error if not found)
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints
func (c *Config) Validate() error {
	var errs []error
	if len(c.WebhookSecret) < 32 {
		errs = append(errs, fmt.Errorf("WEBHOOK_SECRET must be at least 32 bytes, got %d", len(c.WebhookSecret)))
	}
	if c.Sync.BatchSize < 1 {
		errs = append(errs, errors.New("SYNC_BATCH_SIZE must be positive"))
	}
	if c.Sync.InitialLimit < 0 || c.Sync.QuickLimit < 0 {
		errs = append(errs, errors.New("sync limits must not be negative"))
	}
	if c.Sync.MaxBatchesPerUnit < 1 {
		errs = append(errs, errors.New("SYNC_MAX_BATCHES_PER_UNIT must be positive"))
	}
	if c.Subscription.RenewWindow >= c.Subscription.Lifetime {
		errs = append(errs, errors.New("SUBSCRIPTION_RENEW_WINDOW must be shorter than SUBSCRIPTION_LIFETIME"))
	}
	if c.Jobs.Workers < 1 {
		errs = append(errs, errors.New("JOB_WORKERS must be positive"))
	}
	if c.Jobs.MaxAttempts < 1 {
		errs = append(errs, errors.New("JOB_MAX_ATTEMPTS must be positive"))
	}
	if len(c.Jobs.Backoff) == 0 {
		errs = append(errs, errors.New("JOB_BACKOFF needs at least one delay"))
	}
	if c.MIMEMaxDepth < 1 {
		errs = append(errs, errors.New("MIME_MAX_DEPTH must be positive"))
	}
	return errors.Join(errs...)
}
