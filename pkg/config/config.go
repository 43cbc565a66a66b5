package config

import (
	"errors"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

// Ordering sources accepted by BILLING_ORDERING_SOURCE.
const (
	OrderingTimestamp = "timestamp"
	OrderingSequence  = "sequence"
)

const devJWTSecret = "dev_secret"

type Config struct {
	Env       string
	Port      int
	APIPrefix string

	Database      DatabaseConfig
	Redis         RedisConfig
	JWT           JWTConfig
	Cookie        CookieConfig
	CORS          CORSConfig
	Log           LogConfig
	HTTP          HTTPConfig
	Billing       BillingConfig
	Retention     RetentionConfig
	Notifications NotificationsConfig
	Persistence   PersistenceConfig
}

type DatabaseConfig struct {
	Host         string
	Port         int
	User         string
	Password     string
	Name         string
	SSLMode      string
	MaxOpenConns int
	MaxIdleConns int
	AutoMigrate  bool
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

type JWTConfig struct {
	Secret            string
	Issuer            string
	Audience          string
	Expiration        time.Duration
	RefreshExpiration time.Duration
	// SingleSession revokes earlier sessions on every login.
	SingleSession bool
}

// CookieConfig controls how the refresh credential is handed to browsers.
type CookieConfig struct {
	Name   string
	Domain string
	Secure bool
}

type CORSConfig struct {
	AllowedOrigins []string
}

type LogConfig struct {
	Level  string
	Format string
}

// HTTPConfig bounds the server lifecycle.
type HTTPConfig struct {
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// BillingConfig configures webhook verification and event ordering.
type BillingConfig struct {
	WebhookSecret      string
	SignatureHeader    string
	SignatureTolerance time.Duration
	OrderingSource     string
	ReplayWindow       time.Duration
	LedgerCacheTTL     time.Duration
	SubscriptionTTL    time.Duration
}

// RetentionConfig drives the background sweeper.
type RetentionConfig struct {
	Enabled       bool
	SweepInterval time.Duration
}

// NotificationsConfig sizes the status-change dispatch queue.
type NotificationsConfig struct {
	Enabled bool
	Workers int
	Retries int
	Buffer  int
}

// PersistenceConfig bounds every store round trip.
type PersistenceConfig struct {
	Timeout time.Duration
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		// SetConfigFile surfaces a missing .env as a path error rather than ConfigFileNotFoundError.
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}

	return fromViper(v), nil
}

func fromViper(v *viper.Viper) *Config {
	cfg := &Config{}

	cfg.Env = v.GetString("ENV")
	cfg.Port = v.GetInt("PORT")
	cfg.APIPrefix = v.GetString("API_PREFIX")

	cfg.Database = DatabaseConfig{
		Host:         v.GetString("DB_HOST"),
		Port:         v.GetInt("DB_PORT"),
		User:         v.GetString("DB_USER"),
		Password:     v.GetString("DB_PASSWORD"),
		Name:         v.GetString("DB_NAME"),
		SSLMode:      v.GetString("DB_SSL_MODE"),
		MaxOpenConns: v.GetInt("DB_MAX_OPEN_CONNS"),
		MaxIdleConns: v.GetInt("DB_MAX_IDLE_CONNS"),
		AutoMigrate:  v.GetBool("DB_AUTO_MIGRATE"),
	}

	cfg.Redis = RedisConfig{
		Host:     v.GetString("REDIS_HOST"),
		Port:     v.GetInt("REDIS_PORT"),
		Password: v.GetString("REDIS_PASSWORD"),
		DB:       v.GetInt("REDIS_DB"),
	}

	cfg.JWT = JWTConfig{
		Secret:            v.GetString("JWT_SECRET"),
		Issuer:            v.GetString("JWT_ISSUER"),
		Audience:          v.GetString("JWT_AUDIENCE"),
		Expiration:        parseDuration(v.GetString("JWT_EXPIRATION"), 15*time.Minute),
		RefreshExpiration: parseDuration(v.GetString("REFRESH_TOKEN_EXPIRATION"), 7*24*time.Hour),
		SingleSession:     v.GetBool("AUTH_SINGLE_SESSION"),
	}

	cfg.Cookie = CookieConfig{
		Name:   v.GetString("REFRESH_COOKIE_NAME"),
		Domain: v.GetString("REFRESH_COOKIE_DOMAIN"),
		Secure: v.GetBool("REFRESH_COOKIE_SECURE"),
	}

	cfg.CORS = CORSConfig{AllowedOrigins: splitAndTrim(v.GetString("ALLOWED_ORIGINS"))}

	cfg.Log = LogConfig{
		Level:  v.GetString("LOG_LEVEL"),
		Format: v.GetString("LOG_FORMAT"),
	}

	cfg.HTTP = HTTPConfig{
		ReadTimeout:     parseDuration(v.GetString("HTTP_READ_TIMEOUT"), 10*time.Second),
		WriteTimeout:    parseDuration(v.GetString("HTTP_WRITE_TIMEOUT"), 15*time.Second),
		ShutdownTimeout: parseDuration(v.GetString("SHUTDOWN_TIMEOUT"), 15*time.Second),
	}

	ordering := strings.ToLower(strings.TrimSpace(v.GetString("BILLING_ORDERING_SOURCE")))
	if ordering != OrderingSequence {
		ordering = OrderingTimestamp
	}
	cfg.Billing = BillingConfig{
		WebhookSecret:      v.GetString("BILLING_WEBHOOK_SECRET"),
		SignatureHeader:    v.GetString("BILLING_SIGNATURE_HEADER"),
		SignatureTolerance: parseDuration(v.GetString("BILLING_SIGNATURE_TOLERANCE"), 5*time.Minute),
		OrderingSource:     ordering,
		ReplayWindow:       parseDuration(v.GetString("LEDGER_REPLAY_WINDOW"), 30*24*time.Hour),
		LedgerCacheTTL:     parseDuration(v.GetString("LEDGER_CACHE_TTL"), 24*time.Hour),
		SubscriptionTTL:    parseDuration(v.GetString("SUBSCRIPTION_CACHE_TTL"), 5*time.Minute),
	}
	if cfg.Billing.LedgerCacheTTL > cfg.Billing.ReplayWindow {
		cfg.Billing.LedgerCacheTTL = cfg.Billing.ReplayWindow
	}

	cfg.Retention = RetentionConfig{
		Enabled:       v.GetBool("ENABLE_RETENTION_SWEEP"),
		SweepInterval: parseDuration(v.GetString("RETENTION_SWEEP_INTERVAL"), time.Hour),
	}

	cfg.Notifications = NotificationsConfig{
		Enabled: v.GetBool("NOTIFICATIONS_ENABLED"),
		Workers: v.GetInt("NOTIFY_WORKERS"),
		Retries: v.GetInt("NOTIFY_RETRIES"),
		Buffer:  v.GetInt("NOTIFY_BUFFER"),
	}

	cfg.Persistence = PersistenceConfig{
		Timeout: parseDuration(v.GetString("PERSISTENCE_TIMEOUT"), 5*time.Second),
	}

	return cfg
}

// Validate rejects configurations that are unsafe to serve traffic with.
func (c *Config) Validate() error {
	if c.Billing.WebhookSecret == "" {
		return errors.New("BILLING_WEBHOOK_SECRET is required")
	}
	if c.JWT.Secret == "" {
		return errors.New("JWT_SECRET is required")
	}
	if c.Env == EnvProduction {
		if c.JWT.Secret == devJWTSecret {
			return errors.New("JWT_SECRET must be overridden in production")
		}
		if !c.Cookie.Secure {
			return errors.New("REFRESH_COOKIE_SECURE must be enabled in production")
		}
	}
	if c.JWT.RefreshExpiration <= 0 || c.JWT.Expiration <= 0 {
		return errors.New("token lifetimes must be positive")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ENV", EnvDevelopment)
	v.SetDefault("PORT", 8080)
	v.SetDefault("API_PREFIX", "/api/v1")

	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", 5432)
	v.SetDefault("DB_USER", "postgres")
	v.SetDefault("DB_PASSWORD", "postgres")
	v.SetDefault("DB_NAME", "subscriptions")
	v.SetDefault("DB_SSL_MODE", "disable")
	v.SetDefault("DB_MAX_OPEN_CONNS", 10)
	v.SetDefault("DB_MAX_IDLE_CONNS", 5)
	v.SetDefault("DB_AUTO_MIGRATE", true)

	v.SetDefault("REDIS_HOST", "localhost")
	v.SetDefault("REDIS_PORT", 6379)
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)

	v.SetDefault("JWT_SECRET", devJWTSecret)
	v.SetDefault("JWT_ISSUER", "subscription-api")
	v.SetDefault("JWT_AUDIENCE", "subscription-clients")
	v.SetDefault("JWT_EXPIRATION", "15m")
	v.SetDefault("REFRESH_TOKEN_EXPIRATION", "168h")
	v.SetDefault("AUTH_SINGLE_SESSION", false)

	v.SetDefault("REFRESH_COOKIE_NAME", "refresh_token")
	v.SetDefault("REFRESH_COOKIE_DOMAIN", "")
	v.SetDefault("REFRESH_COOKIE_SECURE", true)

	v.SetDefault("ALLOWED_ORIGINS", "")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")

	v.SetDefault("HTTP_READ_TIMEOUT", "10s")
	v.SetDefault("HTTP_WRITE_TIMEOUT", "15s")
	v.SetDefault("SHUTDOWN_TIMEOUT", "15s")

	v.SetDefault("BILLING_WEBHOOK_SECRET", "")
	v.SetDefault("BILLING_SIGNATURE_HEADER", "Billing-Signature")
	v.SetDefault("BILLING_SIGNATURE_TOLERANCE", "5m")
	v.SetDefault("BILLING_ORDERING_SOURCE", OrderingTimestamp)
	v.SetDefault("LEDGER_REPLAY_WINDOW", "720h")
	v.SetDefault("LEDGER_CACHE_TTL", "24h")
	v.SetDefault("SUBSCRIPTION_CACHE_TTL", "5m")

	v.SetDefault("ENABLE_RETENTION_SWEEP", true)
	v.SetDefault("RETENTION_SWEEP_INTERVAL", "1h")

	v.SetDefault("NOTIFICATIONS_ENABLED", true)
	v.SetDefault("NOTIFY_WORKERS", 2)
	v.SetDefault("NOTIFY_RETRIES", 3)
	v.SetDefault("NOTIFY_BUFFER", 64)

	v.SetDefault("PERSISTENCE_TIMEOUT", "5s")
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}

	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}

	return d
}

func splitAndTrim(raw string) []string {
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}

	return result
}
