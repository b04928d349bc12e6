package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds daemon configuration.
type Config struct {
	Server    ServerConfig
	Log       LogConfig
	Storage   StorageConfig
	Lock      LockConfig
	Archive   ArchiveConfig
	Stripe    StripeConfig
	Reconcile ReconcileConfig
	Metrics   MetricsConfig
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	TenantHeader    string        `mapstructure:"tenant_header"`
}

// LogConfig holds zerolog settings.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
}

// StorageConfig selects and configures the storage backend.
type StorageConfig struct {
	Backend      string `mapstructure:"backend"` // "memory" or "postgres"
	DSN          string `mapstructure:"dsn"`
	EnsureSchema bool   `mapstructure:"ensure_schema"`
	MaxConns     int32  `mapstructure:"max_conns"`
}

// LockConfig selects the reconciliation lock backend.
type LockConfig struct {
	Backend  string `mapstructure:"backend"` // "local" or "redis"
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// ArchiveConfig configures the optional Firestore event archive.
type ArchiveConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	ProjectID  string `mapstructure:"project_id"`
	Collection string `mapstructure:"collection"`
}

// StripeConfig configures the optional Stripe webhook intake.
type StripeConfig struct {
	WebhookSecret string `mapstructure:"webhook_secret"`
	TenantID      string `mapstructure:"tenant_id"`
}

// ReconcileConfig holds engine settings.
type ReconcileConfig struct {
	SettlementCurrency string             `mapstructure:"settlement_currency"`
	ReportingTimezone  string             `mapstructure:"reporting_timezone"`
	BatchConcurrency   int                `mapstructure:"batch_concurrency"`
	Rates              map[string]float64 `mapstructure:"rates"`
}

// MetricsConfig holds Prometheus settings.
type MetricsConfig struct {
	Namespace string `mapstructure:"namespace"`
}

// LoadConfig reads configuration from file and env. Env var overrides use
// prefix RECONCILED_, e.g. RECONCILED_STORAGE_DSN.
func LoadConfig(path string) (Config, error) {
	v := viper.New()

	// default values
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", 10*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.shutdown_timeout", 15*time.Second)
	v.SetDefault("server.tenant_header", "X-Tenant-ID")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)
	v.SetDefault("storage.backend", "memory")
	v.SetDefault("storage.ensure_schema", true)
	v.SetDefault("storage.max_conns", 10)
	v.SetDefault("storage.dsn", "")
	v.SetDefault("lock.backend", "local")
	v.SetDefault("lock.addr", "localhost:6379")
	v.SetDefault("lock.password", "")
	v.SetDefault("lock.db", 0)
	v.SetDefault("archive.enabled", false)
	v.SetDefault("archive.project_id", "")
	v.SetDefault("archive.collection", "reconcile_events")
	v.SetDefault("stripe.webhook_secret", "")
	v.SetDefault("stripe.tenant_id", "")
	v.SetDefault("reconcile.settlement_currency", "USD")
	v.SetDefault("reconcile.reporting_timezone", "UTC")
	v.SetDefault("reconcile.batch_concurrency", 4)
	v.SetDefault("metrics.namespace", "goreconcile")

	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/reconciled")
		v.SetConfigName("reconciled")
	}

	v.SetEnvPrefix("RECONCILED")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// read config file if present
	if err := v.ReadInConfig(); err != nil {
		if path != "" {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := c.validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c *Config) validate() error {
	switch c.Storage.Backend {
	case "memory":
	case "postgres":
		if c.Storage.DSN == "" {
			return fmt.Errorf("storage.dsn is required for postgres backend")
		}
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}
	switch c.Lock.Backend {
	case "local", "redis":
	default:
		return fmt.Errorf("unknown lock backend %q", c.Lock.Backend)
	}
	if c.Archive.Enabled && c.Archive.ProjectID == "" {
		return fmt.Errorf("archive.project_id is required when archive is enabled")
	}
	if c.Stripe.WebhookSecret != "" && c.Stripe.TenantID == "" {
		return fmt.Errorf("stripe.tenant_id is required when the stripe webhook is enabled")
	}
	return nil
}
