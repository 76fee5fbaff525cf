package config

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Storage drivers
const (
	StoragePostgres = "postgres"
	StorageMemory   = "memory"
)

// Anchor sinks
const (
	AnchorSinkLog   = "log"
	AnchorSinkKafka = "kafka"
)

// Velocity sources
const (
	VelocityRepository = "repository"
	VelocityRedis      = "redis"
)

// Config is everything the ledger service and ledgerctl read from the environment
type Config struct {
	Server        ServerConfig
	Storage       StorageConfig
	Database      DatabaseConfig
	Ledger        LedgerConfig
	Anchor        AnchorConfig
	Payout        PayoutConfig
	Redis         RedisConfig
	Auth          AuthConfig
	Observability ObservabilityConfig
	Environment   string
}

// ServerConfig configures the HTTP API listener
type ServerConfig struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	AllowedOrigins  []string
}

// StorageConfig selects the repository backend
type StorageConfig struct {
	Driver     string
	InitSchema bool
}

// DatabaseConfig locates the postgres store of receipts, escrows and the
// journal. DATABASE_URL wins over the DB_* fields.
type DatabaseConfig struct {
	ConnectionString string
	Host             string
	Port             int
	User             string
	Password         string
	Database         string
	SSLMode          string
	MaxOpenConns     int
	MaxIdleConns     int
	ConnMaxLifetime  time.Duration
	// LockTimeout bounds how long a transaction waits on a locked escrow,
	// balance or ledger tail row. Zero waits forever.
	LockTimeout time.Duration
}

// LedgerConfig controls Merkle batching
type LedgerConfig struct {
	BatchSize          int           `yaml:"batch_size"`
	BatchInterval      time.Duration `yaml:"batch_interval"`
	AnchorRetryEvery   time.Duration `yaml:"anchor_retry_every"`
	BatchingEnabled    bool          `yaml:"batching_enabled"`
	PendingAnchorLimit int           `yaml:"pending_anchor_limit"`
}

// AnchorConfig controls delivery of batch roots to the anchor sink
type AnchorConfig struct {
	Sink         string
	Workers      int
	BufferSize   int
	Timeout      time.Duration
	KafkaBrokers []string
	KafkaTopic   string
}

// PayoutConfig holds payout policy and rail settings
type PayoutConfig struct {
	MinAmount         decimal.Decimal
	DailyCap          decimal.Decimal
	VelocityThreshold int
	VelocityWindow    time.Duration
	TransferTimeout   time.Duration
	StuckAfter        time.Duration
	RecoveryInterval  time.Duration
	RailURL           string
	RailAPIKey        string
	VelocitySource    string
}

// RedisConfig holds the Redis connection used for payout velocity
type RedisConfig struct {
	URL string
}

// AuthConfig holds bearer token settings
type AuthConfig struct {
	JWTSecret string
	Issuer    string
}

// ObservabilityConfig holds logging configuration
type ObservabilityConfig struct {
	LogLevel  string
	LogFormat string // json or console
}

// policyFile is the YAML overlay read from POLICY_FILE. Only the fields
// present in the file replace the environment values.
type policyFile struct {
	Payout struct {
		MinAmount         *string `yaml:"min_amount"`
		DailyCap          *string `yaml:"daily_cap"`
		VelocityThreshold *int    `yaml:"velocity_threshold"`
		VelocityWindow    *string `yaml:"velocity_window"`
		TransferTimeout   *string `yaml:"transfer_timeout"`
	} `yaml:"payout"`
	Ledger struct {
		BatchSize     *int    `yaml:"batch_size"`
		BatchInterval *string `yaml:"batch_interval"`
	} `yaml:"ledger"`
}

// New loads .env when present, reads the environment and validates the result
func New(ctx context.Context) (*Config, error) {
	_ = godotenv.Load(".env")

	cfg := &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		Server: ServerConfig{
			Host:            getEnv("SERVER_HOST", "0.0.0.0"),
			Port:            getPort(),
			ReadTimeout:     getEnvAsDuration("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout:    getEnvAsDuration("SERVER_WRITE_TIMEOUT", 30*time.Second),
			ShutdownTimeout: getEnvAsDuration("SERVER_SHUTDOWN_TIMEOUT", 10*time.Second),
			AllowedOrigins:  getEnvAsList("CORS_ALLOWED_ORIGINS", []string{"http://localhost:5173"}),
		},
		Storage: StorageConfig{
			Driver:     getEnv("STORAGE_DRIVER", StoragePostgres),
			InitSchema: getEnvAsBool("DB_INIT_SCHEMA", true),
		},
		Database: loadDatabaseConfig(),
		Ledger: LedgerConfig{
			BatchSize:          getEnvAsInt("LEDGER_BATCH_SIZE", 256),
			BatchInterval:      getEnvAsDuration("LEDGER_BATCH_INTERVAL", time.Minute),
			AnchorRetryEvery:   getEnvAsDuration("LEDGER_ANCHOR_RETRY", 5*time.Minute),
			BatchingEnabled:    getEnvAsBool("LEDGER_BATCHING_ENABLED", true),
			PendingAnchorLimit: getEnvAsInt("LEDGER_PENDING_ANCHOR_LIMIT", 50),
		},
		Anchor: AnchorConfig{
			Sink:         getEnv("ANCHOR_SINK", AnchorSinkLog),
			Workers:      getEnvAsInt("ANCHOR_WORKERS", 2),
			BufferSize:   getEnvAsInt("ANCHOR_BUFFER_SIZE", 100),
			Timeout:      getEnvAsDuration("ANCHOR_TIMEOUT", 10*time.Second),
			KafkaBrokers: getEnvAsList("KAFKA_BROKERS", nil),
			KafkaTopic:   getEnv("KAFKA_ANCHOR_TOPIC", "ledger.anchor.requests"),
		},
		Payout: PayoutConfig{
			MinAmount:         getEnvAsDecimal("PAYOUT_MIN_AMOUNT", decimal.NewFromInt(10)),
			DailyCap:          getEnvAsDecimal("PAYOUT_DAILY_CAP", decimal.NewFromInt(10000)),
			VelocityThreshold: getEnvAsInt("PAYOUT_VELOCITY_THRESHOLD", 5),
			VelocityWindow:    getEnvAsDuration("PAYOUT_VELOCITY_WINDOW", 24*time.Hour),
			TransferTimeout:   getEnvAsDuration("PAYOUT_TRANSFER_TIMEOUT", 30*time.Second),
			StuckAfter:        getEnvAsDuration("PAYOUT_STUCK_AFTER", 15*time.Minute),
			RecoveryInterval:  getEnvAsDuration("PAYOUT_RECOVERY_INTERVAL", 5*time.Minute),
			RailURL:           getEnv("PAYOUT_RAIL_URL", ""),
			RailAPIKey:        getEnv("PAYOUT_RAIL_API_KEY", ""),
			VelocitySource:    getEnv("PAYOUT_VELOCITY_SOURCE", VelocityRepository),
		},
		Redis: RedisConfig{
			URL: getEnv("REDIS_URL", ""),
		},
		Auth: AuthConfig{
			JWTSecret: getEnv("JWT_SECRET", ""),
			Issuer:    getEnv("JWT_ISSUER", "consent-ledger"),
		},
		Observability: ObservabilityConfig{
			LogLevel:  getEnv("LOG_LEVEL", "info"),
			LogFormat: getEnv("LOG_FORMAT", "json"),
		},
	}

	if path := getEnv("POLICY_FILE", ""); path != "" {
		if err := cfg.applyPolicyFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// applyPolicyFile overlays payout and batching policy from a YAML file
func (c *Config) applyPolicyFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read policy file: %w", err)
	}

	var pf policyFile
	if err := yaml.Unmarshal(raw, &pf); err != nil {
		return fmt.Errorf("failed to parse policy file: %w", err)
	}

	if v := pf.Payout.MinAmount; v != nil {
		d, err := decimal.NewFromString(*v)
		if err != nil {
			return fmt.Errorf("policy payout.min_amount: %w", err)
		}
		c.Payout.MinAmount = d
	}
	if v := pf.Payout.DailyCap; v != nil {
		d, err := decimal.NewFromString(*v)
		if err != nil {
			return fmt.Errorf("policy payout.daily_cap: %w", err)
		}
		c.Payout.DailyCap = d
	}
	if v := pf.Payout.VelocityThreshold; v != nil {
		c.Payout.VelocityThreshold = *v
	}
	if v := pf.Payout.VelocityWindow; v != nil {
		d, err := time.ParseDuration(*v)
		if err != nil {
			return fmt.Errorf("policy payout.velocity_window: %w", err)
		}
		c.Payout.VelocityWindow = d
	}
	if v := pf.Payout.TransferTimeout; v != nil {
		d, err := time.ParseDuration(*v)
		if err != nil {
			return fmt.Errorf("policy payout.transfer_timeout: %w", err)
		}
		c.Payout.TransferTimeout = d
	}
	if v := pf.Ledger.BatchSize; v != nil {
		c.Ledger.BatchSize = *v
	}
	if v := pf.Ledger.BatchInterval; v != nil {
		d, err := time.ParseDuration(*v)
		if err != nil {
			return fmt.Errorf("policy ledger.batch_interval: %w", err)
		}
		c.Ledger.BatchInterval = d
	}
	return nil
}

// Validate rejects configurations the service cannot start with
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case StoragePostgres:
		if c.Database.ConnectionString == "" && c.Database.Host == "" {
			return fmt.Errorf("database configuration required: set DATABASE_URL or DB_HOST")
		}
		if c.Database.ConnectionString == "" {
			if c.Database.User == "" {
				return fmt.Errorf("database user is required")
			}
			if c.Database.Database == "" {
				return fmt.Errorf("database name is required")
			}
		}
	case StorageMemory:
		if c.IsProduction() {
			return fmt.Errorf("memory storage is not allowed in production")
		}
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}

	if c.Ledger.BatchSize <= 0 {
		return fmt.Errorf("ledger batch size must be positive")
	}

	switch c.Anchor.Sink {
	case AnchorSinkLog:
	case AnchorSinkKafka:
		if len(c.Anchor.KafkaBrokers) == 0 {
			return fmt.Errorf("KAFKA_BROKERS is required for the kafka anchor sink")
		}
	default:
		return fmt.Errorf("unknown anchor sink %q", c.Anchor.Sink)
	}

	if !c.Payout.MinAmount.IsPositive() {
		return fmt.Errorf("payout minimum must be positive")
	}
	if c.Payout.DailyCap.LessThan(c.Payout.MinAmount) {
		return fmt.Errorf("payout daily cap must not be below the minimum")
	}
	if c.Payout.VelocityThreshold <= 0 {
		return fmt.Errorf("payout velocity threshold must be positive")
	}
	if c.Payout.TransferTimeout <= 0 {
		return fmt.Errorf("payout transfer timeout must be positive")
	}
	// recovery must never fail a payout whose transfer may still be in flight
	if c.Payout.StuckAfter <= c.Payout.TransferTimeout {
		return fmt.Errorf("PAYOUT_STUCK_AFTER (%s) must exceed PAYOUT_TRANSFER_TIMEOUT (%s)",
			c.Payout.StuckAfter, c.Payout.TransferTimeout)
	}
	switch c.Payout.VelocitySource {
	case VelocityRepository:
	case VelocityRedis:
		if c.Redis.URL == "" {
			return fmt.Errorf("REDIS_URL is required for the redis velocity source")
		}
	default:
		return fmt.Errorf("unknown velocity source %q", c.Payout.VelocitySource)
	}

	if c.IsProduction() {
		if c.Auth.JWTSecret == "" {
			return fmt.Errorf("JWT secret is required in production")
		}
		if c.Payout.RailURL == "" {
			return fmt.Errorf("payout rail URL is required in production")
		}
	}

	if c.Observability.LogLevel == "" {
		return fmt.Errorf("log level is required")
	}

	return nil
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production" || c.Environment == "prod"
}

func (c *Config) IsDevelopment() bool {
	return c.Environment == "development" || c.Environment == "dev"
}

// DSN is the lib/pq connection string
func (c *DatabaseConfig) DSN() string {
	if c.ConnectionString != "" {
		return c.ConnectionString
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// LogString returns a safe string for logging (no password)
func (c *DatabaseConfig) LogString() string {
	if c.ConnectionString != "" {
		u, err := url.Parse(c.ConnectionString)
		if err == nil {
			port := u.Port()
			if port == "" {
				port = "5432"
			}
			return fmt.Sprintf("host=%s port=%s database=%s", u.Hostname(), port, strings.TrimPrefix(u.Path, "/"))
		}
		return "host=<from DATABASE_URL>"
	}
	return fmt.Sprintf("host=%s port=%d database=%s", c.Host, c.Port, c.Database)
}

// loadDatabaseConfig loads database config from DATABASE_URL or DB_* env vars
func loadDatabaseConfig() DatabaseConfig {
	pool := DatabaseConfig{
		MaxOpenConns:    getEnvAsInt("DB_MAX_OPEN_CONNS", 25),
		MaxIdleConns:    getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
		ConnMaxLifetime: getEnvAsDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
		LockTimeout:     getEnvAsDuration("DB_LOCK_TIMEOUT", 5*time.Second),
	}
	if dbURL := getEnv("DATABASE_URL", ""); dbURL != "" {
		pool.ConnectionString = dbURL
		return pool
	}
	pool.Host = getEnv("DB_HOST", "localhost")
	pool.Port = getEnvAsInt("DB_PORT", 5432)
	pool.User = getEnv("DB_USER", "ledger")
	pool.Password = getEnv("DB_PASSWORD", "ledger_password")
	pool.Database = getEnv("DB_NAME", "consent_ledger")
	pool.SSLMode = getEnv("DB_SSLMODE", "disable")
	return pool
}

func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// getPort returns the server port from PORT or SERVER_PORT env vars (default: 8080)
func getPort() int {
	for _, key := range []string{"PORT", "SERVER_PORT"} {
		if value := os.Getenv(key); value != "" {
			if p, err := strconv.Atoi(value); err == nil {
				return p
			}
		}
	}
	return 8080
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDecimal(key string, defaultValue decimal.Decimal) decimal.Decimal {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := decimal.NewFromString(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsList splits a comma-separated variable, dropping empty items
func getEnvAsList(key string, defaultValue []string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(valueStr, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
