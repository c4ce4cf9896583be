package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port           string   `mapstructure:"PORT"`
	Env            string   `mapstructure:"ENV"`
	AuthMode       string   `mapstructure:"AUTH_MODE"`
	DatabaseURL    string   `mapstructure:"DATABASE_URL"`
	DBMaxConns     int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns     int32    `mapstructure:"DB_MIN_CONNS"`
	RedisURL       string   `mapstructure:"REDIS_URL"`
	AuthIssuer     string   `mapstructure:"AUTH_ISSUER"`
	AuthJWKSURL    string   `mapstructure:"AUTH_JWKS_URL"`
	AuthAudience   string   `mapstructure:"AUTH_AUDIENCE"`
	JWTSigningKey  string   `mapstructure:"JWT_SIGNING_KEY"`
	CORSOrigins    []string `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS   float64  `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int      `mapstructure:"RATE_LIMIT_BURST"`

	// Payment gateway
	RazorpayKeyID         string        `mapstructure:"RAZORPAY_KEY_ID"`
	RazorpayKeySecret     string        `mapstructure:"RAZORPAY_KEY_SECRET"`
	RazorpayWebhookSecret string        `mapstructure:"RAZORPAY_WEBHOOK_SECRET"`
	GatewayTimeout        time.Duration `mapstructure:"GATEWAY_TIMEOUT"`
	DefaultCurrency       string        `mapstructure:"DEFAULT_CURRENCY"`
	StrictOrderMatch      bool          `mapstructure:"STRICT_ORDER_MATCH"`

	// Notifications and the real-time channel
	NotificationReadDeletes bool          `mapstructure:"NOTIFICATION_READ_DELETES"`
	PushTimeout             time.Duration `mapstructure:"PUSH_TIMEOUT"`
	TaskWorkers             int           `mapstructure:"TASK_WORKERS"`
	TaskQueueSize           int           `mapstructure:"TASK_QUEUE_SIZE"`
	OutboxPollInterval      time.Duration `mapstructure:"OUTBOX_POLL_INTERVAL"`
	OutboxBatchSize         int           `mapstructure:"OUTBOX_BATCH_SIZE"`
	OutboxMaxAttempts       int           `mapstructure:"OUTBOX_MAX_ATTEMPTS"`
	OutboxRetention         time.Duration `mapstructure:"OUTBOX_RETENTION"`
	OverdueSweepSpec        string        `mapstructure:"OVERDUE_SWEEP_SPEC"`
}

var envKeys = []string{
	"PORT", "ENV", "AUTH_MODE", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "REDIS_URL",
	"AUTH_ISSUER", "AUTH_JWKS_URL", "AUTH_AUDIENCE", "JWT_SIGNING_KEY", "CORS_ORIGINS",
	"RATE_LIMIT_RPS", "RATE_LIMIT_BURST",
	"RAZORPAY_KEY_ID", "RAZORPAY_KEY_SECRET", "RAZORPAY_WEBHOOK_SECRET", "GATEWAY_TIMEOUT",
	"DEFAULT_CURRENCY", "STRICT_ORDER_MATCH",
	"NOTIFICATION_READ_DELETES", "PUSH_TIMEOUT", "TASK_WORKERS", "TASK_QUEUE_SIZE",
	"OUTBOX_POLL_INTERVAL", "OUTBOX_BATCH_SIZE", "OUTBOX_MAX_ATTEMPTS", "OUTBOX_RETENTION", "OVERDUE_SWEEP_SPEC",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("AUTH_MODE", "") // "" -> inferred from ENV
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)
	v.SetDefault("GATEWAY_TIMEOUT", "10s")
	v.SetDefault("DEFAULT_CURRENCY", "INR")
	v.SetDefault("STRICT_ORDER_MATCH", false)
	v.SetDefault("NOTIFICATION_READ_DELETES", true)
	v.SetDefault("PUSH_TIMEOUT", "2s")
	v.SetDefault("TASK_WORKERS", 4)
	v.SetDefault("TASK_QUEUE_SIZE", 1024)
	v.SetDefault("OUTBOX_POLL_INTERVAL", "5s")
	v.SetDefault("OUTBOX_BATCH_SIZE", 50)
	v.SetDefault("OUTBOX_MAX_ATTEMPTS", 10)
	v.SetDefault("OUTBOX_RETENTION", "168h")
	v.SetDefault("OVERDUE_SWEEP_SPEC", "@hourly")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range envKeys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if len(cfg.CORSOrigins) == 1 && strings.Contains(cfg.CORSOrigins[0], ",") {
		cfg.CORSOrigins = strings.Split(cfg.CORSOrigins[0], ",")
	}
	if cfg.CORSOrigins == nil {
		origins := v.GetString("CORS_ORIGINS")
		if origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}
	cfg.DefaultCurrency = strings.ToUpper(cfg.DefaultCurrency)

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.IsDev() {
		log.Println("WARNING: server is running in DEVELOPMENT mode (ENV=development).")
		log.Println("WARNING: requests without a bearer token are treated as the dev admin user.")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// ResolvedAuthMode returns the effective auth mode. If AUTH_MODE is explicitly
// set, it is returned. Otherwise:
//   - ENV=development → "development" (missing token means dev admin)
//   - anything else   → "jwt"
func (c *Config) ResolvedAuthMode() string {
	if c.AuthMode != "" {
		return c.AuthMode
	}
	if c.IsDev() {
		return "development"
	}
	return "jwt"
}

// GatewayConfigured reports whether both razorpay credentials are present.
func (c *Config) GatewayConfigured() bool {
	return c.RazorpayKeyID != "" && c.RazorpayKeySecret != ""
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	mode := c.ResolvedAuthMode()
	if mode != "development" && mode != "jwt" {
		return fmt.Errorf("AUTH_MODE must be \"development\" or \"jwt\", got %q", mode)
	}
	if mode == "jwt" && c.AuthJWKSURL == "" && c.AuthIssuer == "" && c.JWTSigningKey == "" {
		return fmt.Errorf("AUTH_MODE=jwt requires AUTH_JWKS_URL, AUTH_ISSUER or JWT_SIGNING_KEY")
	}
	if c.IsProduction() && c.JWTSigningKey != "" {
		return fmt.Errorf("JWT_SIGNING_KEY is a development setting and must not be used in production")
	}

	if (c.RazorpayKeyID == "") != (c.RazorpayKeySecret == "") {
		return fmt.Errorf("RAZORPAY_KEY_ID and RAZORPAY_KEY_SECRET must be set together")
	}
	if c.GatewayTimeout <= 0 {
		return fmt.Errorf("GATEWAY_TIMEOUT must be positive, got %s", c.GatewayTimeout)
	}
	if len(c.DefaultCurrency) != 3 {
		return fmt.Errorf("DEFAULT_CURRENCY must be an ISO 4217 code, got %q", c.DefaultCurrency)
	}
	if c.TaskWorkers <= 0 || c.TaskQueueSize <= 0 {
		return fmt.Errorf("TASK_WORKERS and TASK_QUEUE_SIZE must be positive")
	}
	if c.OutboxPollInterval <= 0 {
		return fmt.Errorf("OUTBOX_POLL_INTERVAL must be positive, got %s", c.OutboxPollInterval)
	}

	return nil
}
