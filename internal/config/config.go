package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/Checker-Finance/vault-ledger/internal/asset"
	pkgconfig "github.com/Checker-Finance/vault-ledger/pkg/config"
)

// Wallet backends selectable with WALLET_BACKEND.
const (
	WalletMemory = "memory"
	WalletRedis  = "redis"
	WalletHTTP   = "http"
)

// Config holds the runtime configuration of the vault ledger service.
type Config struct {
	ServiceName string // e.g. "vault-ledger"
	Env         string // e.g. "dev", "uat", "prod"
	LogLevel    string // "debug", "info", etc.

	Port             int // HTTP API port
	FeedPort         int // websocket event feed port, 0 disables it
	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration
	HTTPBodyLimit    int

	DatabaseURL         string // empty runs Redis-only
	PGMaxConns          int
	PGMinConns          int
	PGMaxConnLifetime   time.Duration
	PGMaxConnIdleTime   time.Duration
	PGHealthCheckPeriod time.Duration

	RedisAddr   string
	RedisDB     int
	RedisPass   string
	RedisPrefix string

	NATSURL            string // empty disables the NATS sink
	EventSubjectPrefix string
	RabbitMQURL        string // empty disables the RabbitMQ sink
	RabbitMQExchange   string

	AWSRegion       string
	AdminIdentity   string // used when AdminSecretName is empty
	AdminSecretName string // resolved from AWS Secrets Manager
	CacheTTL        time.Duration

	WalletBackend   string
	CustodyBaseURL  string
	CustodyRetryMax int
	CustodyTimeout  time.Duration
	CustodyRPS      int

	AuditInterval   time.Duration
	RateLimitRPS    int
	RateLimitBurst  int
	IdempotencyTTL  time.Duration
	BootstrapAssets []asset.Kind
}

// Load loads configuration from environment variables and .env file if present.
func Load() (*Config, error) {
	// load .env silently (no error if missing)
	_ = godotenv.Load()

	cfg := &Config{
		ServiceName:      pkgconfig.GetEnv("SERVICE_NAME", "vault-ledger"),
		Env:              pkgconfig.GetEnv("ENV", "dev"),
		LogLevel:         pkgconfig.GetEnv("LOG_LEVEL", "info"),
		Port:             pkgconfig.GetEnvInt("VAULT_PORT", 9020),
		FeedPort:         pkgconfig.GetEnvInt("FEED_PORT", 9021),
		HTTPReadTimeout:  pkgconfig.GetEnvDuration("HTTP_READ_TIMEOUT", 10*time.Second),
		HTTPWriteTimeout: pkgconfig.GetEnvDuration("HTTP_WRITE_TIMEOUT", 10*time.Second),
		HTTPIdleTimeout:  pkgconfig.GetEnvDuration("HTTP_IDLE_TIMEOUT", 60*time.Second),
		HTTPBodyLimit:    pkgconfig.GetEnvInt("HTTP_BODY_LIMIT", 64*1024),

		DatabaseURL:         pkgconfig.GetEnv("DATABASE_URL", ""),
		PGMaxConns:          pkgconfig.GetEnvInt("PG_MAX_CONNS", 10),
		PGMinConns:          pkgconfig.GetEnvInt("PG_MIN_CONNS", 2),
		PGMaxConnLifetime:   pkgconfig.GetEnvDuration("PG_MAX_CONN_LIFETIME", 30*time.Minute),
		PGMaxConnIdleTime:   pkgconfig.GetEnvDuration("PG_MAX_CONN_IDLE_TIME", 5*time.Minute),
		PGHealthCheckPeriod: pkgconfig.GetEnvDuration("PG_HEALTH_CHECK_PERIOD", 1*time.Minute),

		RedisAddr:   pkgconfig.GetEnv("REDIS_ADDR", "localhost:6379"),
		RedisDB:     pkgconfig.GetEnvInt("REDIS_DB", 0),
		RedisPass:   pkgconfig.GetEnv("REDIS_PASS", ""),
		RedisPrefix: pkgconfig.GetEnv("REDIS_PREFIX", "vault"),

		NATSURL:            pkgconfig.GetEnv("NATS_URL", ""),
		EventSubjectPrefix: pkgconfig.GetEnv("EVENT_SUBJECT_PREFIX", "evt"),
		RabbitMQURL:        pkgconfig.GetEnv("RABBITMQ_URL", ""),
		RabbitMQExchange:   pkgconfig.GetEnv("RABBITMQ_EXCHANGE", "vault.events"),

		AWSRegion:       pkgconfig.GetEnv("AWS_REGION", "us-east-2"),
		AdminIdentity:   pkgconfig.GetEnv("ADMIN_IDENTITY", ""),
		AdminSecretName: pkgconfig.GetEnv("ADMIN_SECRET_NAME", ""),
		CacheTTL:        pkgconfig.GetEnvDuration("CACHE_TTL", 24*time.Hour),

		WalletBackend:   strings.ToLower(pkgconfig.GetEnv("WALLET_BACKEND", WalletMemory)),
		CustodyBaseURL:  pkgconfig.GetEnv("CUSTODY_BASE_URL", ""),
		CustodyRetryMax: pkgconfig.GetEnvInt("CUSTODY_RETRY_MAX", 2),
		CustodyTimeout:  pkgconfig.GetEnvDuration("CUSTODY_TIMEOUT", 10*time.Second),
		CustodyRPS:      pkgconfig.GetEnvInt("CUSTODY_RPS", 50),

		AuditInterval:  pkgconfig.GetEnvDuration("AUDIT_INTERVAL", 5*time.Minute),
		RateLimitRPS:   pkgconfig.GetEnvInt("RATE_LIMIT_RPS", 20),
		RateLimitBurst: pkgconfig.GetEnvInt("RATE_LIMIT_BURST", 40),
		IdempotencyTTL: pkgconfig.GetEnvDuration("IDEMPOTENCY_TTL", 10*time.Minute),
	}

	for _, s := range pkgconfig.GetEnvList("BOOTSTRAP_ASSETS") {
		kind, err := asset.ParseKind(s)
		if err != nil {
			return nil, fmt.Errorf("BOOTSTRAP_ASSETS: %w", err)
		}
		cfg.BootstrapAssets = append(cfg.BootstrapAssets, kind)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks combinations Load cannot default.
func (c *Config) Validate() error {
	if c.AdminIdentity == "" && c.AdminSecretName == "" {
		return fmt.Errorf("one of ADMIN_IDENTITY or ADMIN_SECRET_NAME is required")
	}
	switch c.WalletBackend {
	case WalletMemory, WalletRedis:
	case WalletHTTP:
		if c.CustodyBaseURL == "" {
			return fmt.Errorf("CUSTODY_BASE_URL is required with WALLET_BACKEND=http")
		}
	default:
		return fmt.Errorf("unknown WALLET_BACKEND %q", c.WalletBackend)
	}
	if c.AuditInterval <= 0 {
		return fmt.Errorf("AUDIT_INTERVAL must be positive")
	}
	return nil
}
