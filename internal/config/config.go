// Package config provides application configuration loaded from environment variables
// (and an optional .env file). Use the package-level Get() function to obtain the
// singleton Config instance.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
)

// ──────────────────────────────────────────────────────────────────────────────
// Sub-config structs
// ──────────────────────────────────────────────────────────────────────────────

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port                 string        // e.g. "8080"
	BackofficePort       string        // e.g. "8081"
	Env                  string        // "development" | "production"
	ReadTimeout          time.Duration // default 10s
	WriteTimeout         time.Duration // default 10s
	BackofficeAllowedIPs string        // comma-separated IPs; "" = allow all
	BackofficeEmbedded   bool          // serve the admin router from the API process too
	AllowedOrigins       []string      // WS origins; empty = allow all
	AuthRateLimit        int           // req/s per IP on /api/auth, default 10
	BidRateLimit         int           // req/s per IP on bid endpoints, default 30
}

// DBConfig holds PostgreSQL connection settings.
type DBConfig struct {
	DSN             string        // full postgres DSN
	MaxOpenConns    int           // default 25
	MaxIdleConns    int           // default 10
	ConnMaxLifetime time.Duration // default 5m
}

// JWTConfig holds JWT signing settings.
type JWTConfig struct {
	AccessSecret  string        // must be set
	RefreshSecret string        // must be set
	AccessTTL     time.Duration // default 15m
	RefreshTTL    time.Duration // default 720h (30 days)

	// Bootstrap admin, created at boot when both are set.
	AdminEmail    string
	AdminPassword string
}

// AuctionConfig holds bidding engine settings.
type AuctionConfig struct {
	StoreDriver         string        // "postgres" | "memory"
	ConflictRetries     int           // default 3
	RetryBackoff        time.Duration // default 25ms, multiplied by the attempt number
	LockTimeout         time.Duration // default 2s; bounded wait for a listing lock
	AllowCancelWithBids bool          // default false
	SweepInterval       time.Duration // default 1s; activation and settlement sweeps
	SweepBatch          int           // default 100 listings per sweep
}

// NotifierConfig holds in-process event fan-out settings.
type NotifierConfig struct {
	SubscriberBuffer int // default 64 events per subscriber
}

// KafkaConfig holds the event stream producer settings.
type KafkaConfig struct {
	Brokers []string // comma-separated; empty disables the relay
	Topic   string   // default "auction.events"
}

// OutboxConfig holds durable outbox settings.
type OutboxConfig struct {
	Dir           string        // pebble directory, default "data/outbox"
	RelayInterval time.Duration // default 250ms
	RelayBatch    int           // default 100
	MaxRetries    int           // default 10
}

// ──────────────────────────────────────────────────────────────────────────────
// Top-level Config
// ──────────────────────────────────────────────────────────────────────────────

// Store drivers accepted by STORE_DRIVER.
const (
	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"
)

// Config is the root configuration object for the entire application.
type Config struct {
	Server   ServerConfig
	DB       DBConfig
	JWT      JWTConfig
	Auction  AuctionConfig
	Notifier NotifierConfig
	Kafka    KafkaConfig
	Outbox   OutboxConfig
}

// KafkaEnabled returns true when events should be relayed to Kafka.
func (c *Config) KafkaEnabled() bool {
	return len(c.Kafka.Brokers) > 0
}

// IsProd returns true when running in the production environment.
func (c *Config) IsProd() bool {
	return c.Server.Env == "production"
}

// Validate checks that all required configuration values are present and valid.
// Returns the first validation error encountered.
func (c *Config) Validate() error {
	var errs []error

	// JWT secrets are mandatory
	if c.JWT.AccessSecret == "" {
		errs = append(errs, errors.New("JWT_ACCESS_SECRET must be set"))
	}
	if c.JWT.RefreshSecret == "" {
		errs = append(errs, errors.New("JWT_REFRESH_SECRET must be set"))
	}

	switch c.Auction.StoreDriver {
	case StoreDriverPostgres:
		// In production, DB DSN must be explicit
		if c.IsProd() && c.DB.DSN == "" {
			errs = append(errs, errors.New("DATABASE_DSN must be set in production"))
		}
	case StoreDriverMemory:
		if c.IsProd() {
			errs = append(errs, errors.New("STORE_DRIVER=memory is not allowed in production"))
		}
	default:
		errs = append(errs, fmt.Errorf("STORE_DRIVER must be %q or %q, got %q",
			StoreDriverPostgres, StoreDriverMemory, c.Auction.StoreDriver))
	}

	if c.Auction.ConflictRetries < 0 {
		errs = append(errs, fmt.Errorf("ENGINE_CONFLICT_RETRIES must be >= 0, got %d", c.Auction.ConflictRetries))
	}
	if c.Auction.LockTimeout <= 0 {
		errs = append(errs, errors.New("ENGINE_LOCK_TIMEOUT must be positive"))
	}
	if c.Auction.SweepInterval <= 0 {
		errs = append(errs, errors.New("AUCTION_SWEEP_INTERVAL must be positive"))
	}
	if c.Notifier.SubscriberBuffer <= 0 {
		errs = append(errs, fmt.Errorf("NOTIFIER_SUBSCRIBER_BUFFER must be positive, got %d", c.Notifier.SubscriberBuffer))
	}
	if c.JWT.AdminEmail != "" && len(c.JWT.AdminPassword) < 8 {
		errs = append(errs, errors.New("BOOTSTRAP_ADMIN_PASSWORD must be at least 8 characters"))
	}
	if c.KafkaEnabled() && c.Kafka.Topic == "" {
		errs = append(errs, errors.New("KAFKA_TOPIC must be set when KAFKA_BROKERS is"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Singleton
// ──────────────────────────────────────────────────────────────────────────────

var (
	instance *Config
	once     sync.Once
	loadErr  error
)

// Get returns the singleton Config, loading it once from environment variables.
// Panics if loading fails. Call this early in main() to catch misconfigurations
// at startup.
func Get() *Config {
	once.Do(func() {
		instance, loadErr = load()
	})
	if loadErr != nil {
		panic(fmt.Sprintf("config: failed to load: %v", loadErr))
	}
	return instance
}

// MustLoad loads and validates configuration. Intended for use in main().
// Panics on any error so misconfiguration is caught immediately at boot.
func MustLoad() *Config {
	cfg := Get()
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("config: validation failed: %v", err))
	}
	return cfg
}

// ──────────────────────────────────────────────────────────────────────────────
// Internal loader
// ──────────────────────────────────────────────────────────────────────────────

func load() (*Config, error) {
	// A missing .env is normal outside development; real env vars win.
	_ = godotenv.Load()

	cfg := &Config{}

	// ── Server ────────────────────────────────────────────────────────────────
	authRL, err := getInt("RATE_LIMIT_AUTH", 10)
	if err != nil {
		return nil, fmt.Errorf("RATE_LIMIT_AUTH: %w", err)
	}
	bidRL, err := getInt("RATE_LIMIT_BIDS", 30)
	if err != nil {
		return nil, fmt.Errorf("RATE_LIMIT_BIDS: %w", err)
	}

	embedded, err := getBool("BACKOFFICE_EMBEDDED", false)
	if err != nil {
		return nil, fmt.Errorf("BACKOFFICE_EMBEDDED: %w", err)
	}

	cfg.Server = ServerConfig{
		Port:                 getEnv("SERVER_PORT", "8080"),
		BackofficePort:       getEnv("BACKOFFICE_PORT", "8081"),
		Env:                  getEnv("ENVIRONMENT", "development"),
		ReadTimeout:          getDuration("SERVER_READ_TIMEOUT", 10*time.Second),
		WriteTimeout:         getDuration("SERVER_WRITE_TIMEOUT", 10*time.Second),
		BackofficeAllowedIPs: getEnv("BACKOFFICE_ALLOWED_IPS", ""),
		BackofficeEmbedded:   embedded,
		AllowedOrigins:       getList("WS_ALLOWED_ORIGINS"),
		AuthRateLimit:        authRL,
		BidRateLimit:         bidRL,
	}

	// ── Database ──────────────────────────────────────────────────────────────
	dsn := os.Getenv("DATABASE_DSN")
	if dsn == "" {
		// Build DSN from individual components for convenience in dev
		dsn = fmt.Sprintf(
			"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
			getEnv("DB_HOST", "localhost"),
			getEnv("DB_PORT", "5432"),
			getEnv("DB_USER", "postgres"),
			getEnv("DB_PASSWORD", ""),
			getEnv("DB_NAME", "evetabi_auction"),
			getEnv("DB_SSLMODE", "disable"),
		)
	}

	maxOpen, err := getInt("DB_MAX_OPEN_CONNS", 25)
	if err != nil {
		return nil, fmt.Errorf("DB_MAX_OPEN_CONNS: %w", err)
	}
	maxIdle, err := getInt("DB_MAX_IDLE_CONNS", 10)
	if err != nil {
		return nil, fmt.Errorf("DB_MAX_IDLE_CONNS: %w", err)
	}

	cfg.DB = DBConfig{
		DSN:             dsn,
		MaxOpenConns:    maxOpen,
		MaxIdleConns:    maxIdle,
		ConnMaxLifetime: getDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
	}

	// ── JWT ───────────────────────────────────────────────────────────────────
	cfg.JWT = JWTConfig{
		AccessSecret:  getEnv("JWT_ACCESS_SECRET", ""),
		RefreshSecret: getEnv("JWT_REFRESH_SECRET", ""),
		AccessTTL:     getDuration("JWT_ACCESS_TTL", 15*time.Minute),
		RefreshTTL:    getDuration("JWT_REFRESH_TTL", 30*24*time.Hour),
		AdminEmail:    getEnv("BOOTSTRAP_ADMIN_EMAIL", ""),
		AdminPassword: getEnv("BOOTSTRAP_ADMIN_PASSWORD", ""),
	}

	// ── Auction engine ────────────────────────────────────────────────────────
	retries, err := getInt("ENGINE_CONFLICT_RETRIES", 3)
	if err != nil {
		return nil, fmt.Errorf("ENGINE_CONFLICT_RETRIES: %w", err)
	}
	sweepBatch, err := getInt("AUCTION_SWEEP_BATCH", 100)
	if err != nil {
		return nil, fmt.Errorf("AUCTION_SWEEP_BATCH: %w", err)
	}
	allowCancel, err := getBool("AUCTION_ALLOW_CANCEL_WITH_BIDS", false)
	if err != nil {
		return nil, fmt.Errorf("AUCTION_ALLOW_CANCEL_WITH_BIDS: %w", err)
	}

	cfg.Auction = AuctionConfig{
		StoreDriver:         getEnv("STORE_DRIVER", StoreDriverPostgres),
		ConflictRetries:     retries,
		RetryBackoff:        getDuration("ENGINE_RETRY_BACKOFF", 25*time.Millisecond),
		LockTimeout:         getDuration("ENGINE_LOCK_TIMEOUT", 2*time.Second),
		AllowCancelWithBids: allowCancel,
		SweepInterval:       getDuration("AUCTION_SWEEP_INTERVAL", time.Second),
		SweepBatch:          sweepBatch,
	}

	// ── Notifier ──────────────────────────────────────────────────────────────
	subBuf, err := getInt("NOTIFIER_SUBSCRIBER_BUFFER", 64)
	if err != nil {
		return nil, fmt.Errorf("NOTIFIER_SUBSCRIBER_BUFFER: %w", err)
	}
	cfg.Notifier = NotifierConfig{SubscriberBuffer: subBuf}

	// ── Kafka ─────────────────────────────────────────────────────────────────
	cfg.Kafka = KafkaConfig{
		Brokers: getList("KAFKA_BROKERS"),
		Topic:   getEnv("KAFKA_TOPIC", "auction.events"),
	}

	// ── Outbox ────────────────────────────────────────────────────────────────
	relayBatch, err := getInt("OUTBOX_RELAY_BATCH", 100)
	if err != nil {
		return nil, fmt.Errorf("OUTBOX_RELAY_BATCH: %w", err)
	}
	maxRetries, err := getInt("OUTBOX_MAX_RETRIES", 10)
	if err != nil {
		return nil, fmt.Errorf("OUTBOX_MAX_RETRIES: %w", err)
	}

	cfg.Outbox = OutboxConfig{
		Dir:           getEnv("OUTBOX_DIR", "data/outbox"),
		RelayInterval: getDuration("OUTBOX_RELAY_INTERVAL", 250*time.Millisecond),
		RelayBatch:    relayBatch,
		MaxRetries:    maxRetries,
	}

	return cfg, nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Helper functions
// ──────────────────────────────────────────────────────────────────────────────

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getInt(key string, defaultVal int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid integer %q", v)
	}
	return n, nil
}

func getBool(key string, defaultVal bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("invalid boolean %q", v)
	}
	return b, nil
}

// getList splits a comma-separated env var, dropping empty entries.
func getList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// getDuration parses an env var as a Go duration string (e.g. "15m", "2s").
// Falls back to defaultVal if the variable is unset or empty.
func getDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		// Log warning and fall back to default; do not crash on parse error
		return defaultVal
	}
	return d
}
