// Package config loads the platform configuration: YAML file plus
// NOTIFYX_* environment overrides.
package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/notifyx/platform/internal/auth"
	"github.com/notifyx/platform/internal/engine"
	"github.com/notifyx/platform/internal/policy"
	"github.com/notifyx/platform/internal/provider"
	"github.com/notifyx/platform/internal/ratelimit"
	"github.com/notifyx/platform/internal/store"
	"github.com/notifyx/platform/internal/tracing"
	"github.com/notifyx/platform/internal/worker"
)

// ServerConfig shapes the HTTP listener.
type ServerConfig struct {
	Port            int           `mapstructure:"port" yaml:"port"`
	MetricsPort     int           `mapstructure:"metrics_port" yaml:"metrics_port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// LoggingConfig selects the zap preset.
type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"` // json or console
}

// QueueConfig shapes the in-memory priority queue.
type QueueConfig struct {
	MaxPending   int           `mapstructure:"max_pending" yaml:"max_pending"`
	PollInterval time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	DLQCapacity  int           `mapstructure:"dlq_capacity" yaml:"dlq_capacity"`
}

// ProvidersConfig groups per-channel provider settings.
type ProvidersConfig struct {
	Email   provider.EmailConfig   `mapstructure:"email" yaml:"email"`
	SMS     provider.SMSConfig     `mapstructure:"sms" yaml:"sms"`
	Push    provider.PushConfig    `mapstructure:"push" yaml:"push"`
	Slack   provider.SlackConfig   `mapstructure:"slack" yaml:"slack"`
	Webhook provider.WebhookConfig `mapstructure:"webhook" yaml:"webhook"`
}

// RedisConfig locates the idempotency Redis.
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled" yaml:"enabled"`
	Addr     string `mapstructure:"addr" yaml:"addr"`
	Password string `mapstructure:"password" yaml:"password"`
	DB       int    `mapstructure:"db" yaml:"db"`
}

// StorageConfig selects persistence backends. Postgres off means in-memory
// repositories.
type StorageConfig struct {
	PostgresEnabled bool                 `mapstructure:"postgres_enabled" yaml:"postgres_enabled"`
	Postgres        store.PostgresConfig `mapstructure:"postgres" yaml:"postgres"`
	Redis           RedisConfig          `mapstructure:"redis" yaml:"redis"`
	// CredentialKey is the hex or raw 32-byte key for credential
	// encryption at rest.
	CredentialKey string `mapstructure:"credential_key" yaml:"credential_key"`
}

// ConnectorsConfig locates the connector registry documents.
type ConnectorsConfig struct {
	Dir      string `mapstructure:"dir" yaml:"dir"`
	Watch    bool   `mapstructure:"watch" yaml:"watch"`
	Strategy string `mapstructure:"strategy" yaml:"strategy"`
}

// RulesConfig locates the tenant rule files.
type RulesConfig struct {
	Dir string `mapstructure:"dir" yaml:"dir"`
}

// Config is the root configuration.
type Config struct {
	DefaultTenantID string           `mapstructure:"default_tenant_id" yaml:"default_tenant_id"`
	Server          ServerConfig     `mapstructure:"server" yaml:"server"`
	Logging         LoggingConfig    `mapstructure:"logging" yaml:"logging"`
	JWT             auth.JWTConfig   `mapstructure:"jwt" yaml:"jwt"`
	SkipAuth        bool             `mapstructure:"skip_auth" yaml:"skip_auth"`
	Queue           QueueConfig      `mapstructure:"queue" yaml:"queue"`
	Worker          worker.Config    `mapstructure:"worker" yaml:"worker"`
	RateLimit       ratelimit.Config `mapstructure:"rate_limit" yaml:"rate_limit"`
	Providers       ProvidersConfig  `mapstructure:"providers" yaml:"providers"`
	Engine          engine.Config    `mapstructure:"engine" yaml:"engine"`
	Storage         StorageConfig    `mapstructure:"storage" yaml:"storage"`
	Connectors      ConnectorsConfig `mapstructure:"connectors" yaml:"connectors"`
	Rules           RulesConfig      `mapstructure:"rules" yaml:"rules"`
	Policy          policy.Config    `mapstructure:"policy" yaml:"policy"`
	Tracing         tracing.Config   `mapstructure:"tracing" yaml:"tracing"`
}

// Load reads the config file (optional) and applies environment overrides.
// Every key is reachable as NOTIFYX_SECTION_KEY, e.g.
// NOTIFYX_WORKER_MAX_CONCURRENT=16. The SECTION__KEY names older
// deployments use (NOTIFYX__DEFAULTTENANTID, NOTIFYX__QUEUE__MAXPENDING,
// JWT__SECRETKEY, ...) are honored as well and win over both.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("NOTIFYX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	applyLegacyEnv(&cfg)
	if s := os.Getenv("NOTIFYX_CREDENTIAL_KEY"); s != "" {
		cfg.Storage.CredentialKey = s
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyLegacyEnv honors the SECTION__KEY environment names older
// deployments use alongside the viper NOTIFYX_* forms.
func applyLegacyEnv(cfg *Config) {
	envString := func(name string, dst *string) {
		if s := os.Getenv(name); s != "" {
			*dst = s
		}
	}
	envInt := func(name string, dst *int) {
		if s := os.Getenv(name); s != "" {
			if n, err := strconv.Atoi(s); err == nil {
				*dst = n
			}
		}
	}
	envBool := func(name string, dst *bool) {
		if s := os.Getenv(name); s != "" {
			if b, err := strconv.ParseBool(s); err == nil {
				*dst = b
			}
		}
	}
	envDuration := func(name string, dst *time.Duration) {
		if s := os.Getenv(name); s != "" {
			if d, err := time.ParseDuration(s); err == nil {
				*dst = d
			}
		}
	}
	envFloat := func(name string, dst *float64) {
		if s := os.Getenv(name); s != "" {
			if f, err := strconv.ParseFloat(s, 64); err == nil {
				*dst = f
			}
		}
	}

	envString("NOTIFYX__DEFAULTTENANTID", &cfg.DefaultTenantID)

	envInt("NOTIFYX__QUEUE__MAXPENDING", &cfg.Queue.MaxPending)
	envDuration("NOTIFYX__QUEUE__POLLINTERVAL", &cfg.Queue.PollInterval)
	envInt("NOTIFYX__QUEUE__DLQCAPACITY", &cfg.Queue.DLQCapacity)

	envInt("NOTIFYX__WORKER__MAXCONCURRENT", &cfg.Worker.MaxConcurrent)
	envInt("NOTIFYX__RETRY__MAXATTEMPTS", &cfg.Worker.Retry.MaxAttempts)
	envDuration("NOTIFYX__RETRY__INITIALDELAY", &cfg.Worker.Retry.InitialDelay)
	envFloat("NOTIFYX__RETRY__MULTIPLIER", &cfg.Worker.Retry.Multiplier)
	envDuration("NOTIFYX__RETRY__MAXDELAY", &cfg.Worker.Retry.MaxDelay)

	envBool("NOTIFYX__RATELIMIT__ENABLED", &cfg.RateLimit.Enabled)
	envInt("NOTIFYX__RATELIMIT__TENANT__PERMINUTE", &cfg.RateLimit.Tenant.PerMinute)
	envInt("NOTIFYX__RATELIMIT__TENANT__PERHOUR", &cfg.RateLimit.Tenant.PerHour)
	envInt("NOTIFYX__RATELIMIT__TENANT__PERDAY", &cfg.RateLimit.Tenant.PerDay)
	envInt("NOTIFYX__RATELIMIT__RECIPIENT__PERMINUTE", &cfg.RateLimit.Recipient.PerMinute)
	envInt("NOTIFYX__RATELIMIT__RECIPIENT__PERHOUR", &cfg.RateLimit.Recipient.PerHour)
	envInt("NOTIFYX__RATELIMIT__RECIPIENT__PERDAY", &cfg.RateLimit.Recipient.PerDay)

	envString("JWT__SECRETKEY", &cfg.JWT.SecretKey)
	envString("JWT__ISSUER", &cfg.JWT.Issuer)
	envString("JWT__AUDIENCE", &cfg.JWT.Audience)
	envInt("JWT__EXPIRYMINUTES", &cfg.JWT.ExpiryMinutes)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("default_tenant_id", "default")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.metrics_port", 9090)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "20s")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("jwt.expiry_minutes", 60)
	v.SetDefault("queue.max_pending", 100000)
	v.SetDefault("queue.poll_interval", "100ms")
	v.SetDefault("queue.dlq_capacity", 10000)
	v.SetDefault("worker.max_concurrent", 0) // NumCPU
	v.SetDefault("worker.delivery_timeout", "30s")
	v.SetDefault("worker.retry.max_attempts", 5)
	v.SetDefault("worker.retry.initial_delay", "1s")
	v.SetDefault("worker.retry.multiplier", 2.0)
	v.SetDefault("worker.retry.max_delay", "5m")
	v.SetDefault("rate_limit.enabled", true)
	v.SetDefault("engine.run_timeout", "30m")
	v.SetDefault("engine.node_timeout", "30s")
	v.SetDefault("engine.max_loop_iterations", 1000)
	v.SetDefault("engine.max_subworkflow_depth", 5)
	v.SetDefault("storage.redis.addr", "localhost:6379")
	v.SetDefault("connectors.dir", "config/connectors")
	v.SetDefault("connectors.watch", true)
	v.SetDefault("connectors.strategy", "highestCompatible")
	v.SetDefault("rules.dir", "config/rules")
	v.SetDefault("policy.mode", "off")
	v.SetDefault("tracing.service_name", "notifyx")
}

// Validate rejects configurations the process cannot start with.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("config: invalid server port %d", c.Server.Port)
	}
	if !c.SkipAuth && c.JWT.SecretKey == "" {
		return fmt.Errorf("config: jwt secret key is required unless skip_auth is set")
	}
	if c.Storage.PostgresEnabled && c.Storage.Postgres.Host == "" {
		return fmt.Errorf("config: postgres enabled but host is empty")
	}
	if key := c.Storage.CredentialKey; key != "" && len(key) != 32 && len(key) != 64 {
		return fmt.Errorf("config: credential key must be 32 raw or 64 hex characters")
	}
	return nil
}

// CredentialKeyBytes decodes the credential key into the 32 bytes the
// cipher needs. Empty config yields a random ephemeral key.
func (c *Config) CredentialKeyBytes() ([]byte, error) {
	key := c.Storage.CredentialKey
	switch len(key) {
	case 0:
		return nil, nil
	case 32:
		return []byte(key), nil
	case 64:
		out, err := hex.DecodeString(key)
		if err != nil {
			return nil, fmt.Errorf("config: credential key is not valid hex")
		}
		return out, nil
	default:
		return nil, fmt.Errorf("config: credential key must be 32 raw or 64 hex characters")
	}
}
