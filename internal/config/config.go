// Package config loads service configuration from the environment, an
// optional .env file and an optional YAML overlay for the eviction rule.
package config

import (
	stderrors "errors"
	"fmt"
	"os"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/R3E-Network/crm_service/internal/app/auth"
	"github.com/R3E-Network/crm_service/internal/errors"
)

// Idempotency backends.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

// Config is the full application configuration.
type Config struct {
	Server      ServerConfig
	Database    DatabaseConfig
	Redis       RedisConfig
	Logging     LoggingConfig
	Auth        AuthConfig
	Pool        PoolConfig
	Batch       BatchConfig
	Idempotency IdempotencyConfig
	Notify      NotifyConfig
	RateLimit   RateLimitConfig
	// Users seeds the user directory at startup. Only the YAML overlay
	// sets it.
	Users []UserSeed
}

// UserSeed is one user directory entry from the YAML overlay.
type UserSeed struct {
	ID            string `yaml:"id"`
	Name          string `yaml:"name"`
	Role          string `yaml:"role"`
	CapacityLimit int    `yaml:"capacityLimit"`
	Active        *bool  `yaml:"active"`
}

type ServerConfig struct {
	Host            string        `env:"SERVER_HOST,default=0.0.0.0"`
	Port            int           `env:"SERVER_PORT,default=8080"`
	ReadTimeout     time.Duration `env:"SERVER_READ_TIMEOUT,default=15s"`
	WriteTimeout    time.Duration `env:"SERVER_WRITE_TIMEOUT,default=30s"`
	ShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT,default=20s"`
	AllowedOrigins  []string      `env:"CORS_ALLOWED_ORIGINS"`
}

// Addr is the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// DatabaseConfig selects PostgreSQL. An empty DSN runs on the in-memory store.
type DatabaseConfig struct {
	DSN             string        `env:"DATABASE_URL"`
	MaxOpenConns    int           `env:"DATABASE_MAX_OPEN_CONNS,default=20"`
	MaxIdleConns    int           `env:"DATABASE_MAX_IDLE_CONNS,default=5"`
	ConnMaxLifetime time.Duration `env:"DATABASE_CONN_MAX_LIFETIME,default=30m"`
	Migrate         bool          `env:"DATABASE_MIGRATE,default=true"`
}

type RedisConfig struct {
	Addr     string `env:"REDIS_ADDR"`
	Password string `env:"REDIS_PASSWORD"`
	DB       int    `env:"REDIS_DB,default=0"`
}

type LoggingConfig struct {
	Level  string `env:"LOG_LEVEL,default=info"`
	Format string `env:"LOG_FORMAT,default=json"`
}

// AuthConfig holds the RS256 verification key. PublicKey wins over
// PublicKeyFile when both are set.
type AuthConfig struct {
	PublicKey     string `env:"JWT_PUBLIC_KEY"`
	PublicKeyFile string `env:"JWT_PUBLIC_KEY_FILE"`
	Issuer        string `env:"JWT_ISSUER"`
}

// PoolConfig is the inactivity eviction rule. Empty ContractStatuses keeps
// the built-in default of pending and matching customers.
type PoolConfig struct {
	SweepEnabled     bool     `env:"POOL_SWEEP_ENABLED,default=true" yaml:"enabled"`
	Schedule         string   `env:"POOL_SWEEP_SCHEDULE,default=@hourly" yaml:"schedule"`
	InactiveHours    int      `env:"POOL_INACTIVE_HOURS,default=48" yaml:"inactiveHours"`
	ContractStatuses []string `env:"POOL_CONTRACT_STATUSES" yaml:"contractStatuses"`
	LeadSources      []string `env:"POOL_LEAD_SOURCES" yaml:"leadSources"`
	WindowStart      string   `env:"POOL_WINDOW_START,default=09:30" yaml:"windowStart"`
	WindowEnd        string   `env:"POOL_WINDOW_END,default=18:30" yaml:"windowEnd"`
	BatchLimit       int      `env:"POOL_SWEEP_BATCH,default=500" yaml:"batchLimit"`
	Timezone         string   `env:"POOL_TIMEZONE,default=Asia/Shanghai" yaml:"timezone"`
	// Rules come from the YAML overlay only.
	Rules []TransferRuleConfig `yaml:"rules"`
}

// TransferRuleConfig hands inactive customers of source users to target
// users before the eviction sweep runs.
type TransferRuleConfig struct {
	Name                 string            `yaml:"name"`
	InactiveHours        int               `yaml:"inactiveHours"`
	ContractStatuses     []string          `yaml:"contractStatuses"`
	LeadSources          []string          `yaml:"leadSources"`
	UserQuotas           []UserQuotaConfig `yaml:"userQuotas"`
	EnableCompensation   bool              `yaml:"enableCompensation"`
	CompensationPriority int               `yaml:"compensationPriority"`
}

// UserQuotaConfig is a rule participant; Role is source, target or both.
type UserQuotaConfig struct {
	UserID string `yaml:"userId"`
	Role   string `yaml:"role"`
}

type BatchConfig struct {
	Parallelism int `env:"BATCH_PARALLELISM,default=8"`
	MaxSize     int `env:"BATCH_MAX_SIZE,default=100"`
}

type IdempotencyConfig struct {
	Backend string        `env:"IDEMPOTENCY_BACKEND,default=memory"`
	TTL     time.Duration `env:"IDEMPOTENCY_TTL,default=24h"`
}

// NotifyConfig enables the AMQP publisher when URL is set.
type NotifyConfig struct {
	AMQPURL  string `env:"AMQP_URL"`
	Exchange string `env:"AMQP_EXCHANGE,default=crm.events"`
}

// RateLimitConfig is a per-user token bucket. RequestsPerSecond <= 0
// disables limiting.
type RateLimitConfig struct {
	RequestsPerSecond float64 `env:"RATE_LIMIT_RPS,default=20"`
	Burst             int     `env:"RATE_LIMIT_BURST,default=40"`
}

// Load reads .env (if present), the environment and the YAML overlay named
// by CRM_CONFIG_FILE, and validates the result.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !stderrors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	cfg := &Config{}
	if err := envdecode.Decode(cfg); err != nil && !stderrors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode environment: %w", err)
	}
	if path := strings.TrimSpace(os.Getenv("CRM_CONFIG_FILE")); path != "" {
		if err := cfg.applyFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

type overlay struct {
	Pool  *PoolConfig `yaml:"pool"`
	Users []UserSeed  `yaml:"users"`
}

// applyFile overlays the YAML document at path. Only keys present in the
// file replace environment values.
func (c *Config) applyFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	doc := overlay{Pool: &c.Pool}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	c.Users = doc.Users
	return nil
}

// Location resolves the pool timezone.
func (p PoolConfig) Location() (*time.Location, error) {
	if p.Timezone == "" {
		return time.Local, nil
	}
	return time.LoadLocation(p.Timezone)
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return errors.Validation("SERVER_PORT", "must be between 1 and 65535")
	}
	switch c.Idempotency.Backend {
	case BackendMemory:
	case BackendPostgres:
		if c.Database.DSN == "" {
			return errors.Validation("IDEMPOTENCY_BACKEND", "postgres backend requires DATABASE_URL")
		}
	case BackendRedis:
		if c.Redis.Addr == "" {
			return errors.Validation("IDEMPOTENCY_BACKEND", "redis backend requires REDIS_ADDR")
		}
	default:
		return errors.Validation("IDEMPOTENCY_BACKEND", fmt.Sprintf("unknown backend %q", c.Idempotency.Backend))
	}
	if c.Pool.InactiveHours <= 0 {
		return errors.Validation("POOL_INACTIVE_HOURS", "must be positive")
	}
	for field, v := range map[string]string{"POOL_WINDOW_START": c.Pool.WindowStart, "POOL_WINDOW_END": c.Pool.WindowEnd} {
		if _, err := time.Parse("15:04", v); err != nil {
			return errors.InvalidFormat(field, "HH:MM")
		}
	}
	if _, err := c.Pool.Location(); err != nil {
		return errors.Validation("POOL_TIMEZONE", err.Error())
	}
	if err := validateRules(c.Pool.Rules); err != nil {
		return err
	}
	if c.Batch.MaxSize <= 0 {
		return errors.Validation("BATCH_MAX_SIZE", "must be positive")
	}
	for i, u := range c.Users {
		if strings.TrimSpace(u.ID) == "" {
			return errors.Required(fmt.Sprintf("users[%d].id", i))
		}
		if u.ID == auth.SystemActor {
			return errors.Validation(fmt.Sprintf("users[%d].id", i), "id is reserved for scheduled jobs")
		}
	}
	if c.Auth.PublicKey == "" && c.Auth.PublicKeyFile == "" {
		return errors.Required("JWT_PUBLIC_KEY")
	}
	return nil
}

func validateRules(rules []TransferRuleConfig) error {
	names := make(map[string]bool, len(rules))
	for i, r := range rules {
		field := fmt.Sprintf("pool.rules[%d]", i)
		if strings.TrimSpace(r.Name) == "" {
			return errors.Required(field + ".name")
		}
		if names[r.Name] {
			return errors.Validation(field+".name", fmt.Sprintf("duplicate rule %q", r.Name))
		}
		names[r.Name] = true
		if len(r.UserQuotas) == 0 {
			return errors.Required(field + ".userQuotas")
		}
		for j, q := range r.UserQuotas {
			switch q.Role {
			case "source", "target", "both":
			default:
				return errors.Validation(fmt.Sprintf("%s.userQuotas[%d].role", field, j), "must be source, target or both")
			}
		}
		if r.EnableCompensation && (r.CompensationPriority < 1 || r.CompensationPriority > 10) {
			return errors.Validation(field+".compensationPriority", "must be between 1 and 10")
		}
	}
	return nil
}

// PublicKeyPEM returns the configured verification key.
func (a AuthConfig) PublicKeyPEM() ([]byte, error) {
	if a.PublicKey != "" {
		return []byte(a.PublicKey), nil
	}
	raw, err := os.ReadFile(a.PublicKeyFile)
	if err != nil {
		return nil, fmt.Errorf("read jwt public key: %w", err)
	}
	return raw, nil
}
