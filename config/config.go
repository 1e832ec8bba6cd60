// Package config loads runtime settings from an optional YAML file and WORKFLOW_ environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. WORKFLOW_STORAGE_BACKEND.
const EnvPrefix = "WORKFLOW"

// Config is the full runtime configuration.
type Config struct {
	Log      LogConfig      `mapstructure:"log"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Lock     LockConfig     `mapstructure:"lock"`
	Events   EventsConfig   `mapstructure:"events"`
	Workflow WorkflowConfig `mapstructure:"workflow"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=text json"`
}

type StorageConfig struct {
	Backend string       `mapstructure:"backend" validate:"oneof=memory redis sqlite"`
	Redis   RedisConfig  `mapstructure:"redis"`
	SQLite  SQLiteConfig `mapstructure:"sqlite"`
}

type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

type RedisConfig struct {
	Addr      string `mapstructure:"addr" validate:"required,hostname_port"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db" validate:"gte=0"`
	PoolSize  int    `mapstructure:"pool_size" validate:"gte=0"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

type LockConfig struct {
	Backend       string        `mapstructure:"backend" validate:"oneof=memory redis"`
	KeyPrefix     string        `mapstructure:"key_prefix"`
	TTL           time.Duration `mapstructure:"ttl" validate:"gt=0"`
	RetryInterval time.Duration `mapstructure:"retry_interval" validate:"gt=0"`
	MaxWait       time.Duration `mapstructure:"max_wait" validate:"gte=0"`
}

type EventsConfig struct {
	BufferSize int `mapstructure:"buffer_size" validate:"gt=0"`
}

type WorkflowConfig struct {
	SystemDefault string `mapstructure:"system_default" validate:"required"`
	// BackupOnPublish keeps the previous version as "<name> (backup <timestamp>)" when a draft is published.
	BackupOnPublish bool `mapstructure:"backup_on_publish"`
}

// SetDefaults registers the default of every key on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("storage.backend", "memory")
	v.SetDefault("storage.redis.addr", "localhost:6379")
	v.SetDefault("storage.redis.db", 0)
	v.SetDefault("storage.redis.pool_size", 10)
	v.SetDefault("storage.redis.key_prefix", "wf:")
	v.SetDefault("storage.sqlite.path", "data/workflow.db")
	v.SetDefault("lock.backend", "memory")
	v.SetDefault("lock.key_prefix", "wf:lock:")
	v.SetDefault("lock.ttl", 5*time.Minute)
	v.SetDefault("lock.retry_interval", 50*time.Millisecond)
	v.SetDefault("lock.max_wait", 0)
	v.SetDefault("events.buffer_size", 100)
	v.SetDefault("workflow.system_default", "jira")
	v.SetDefault("workflow.backup_on_publish", false)
}

// Load reads path (optional) then environment overrides and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks every section and names the first offending field.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		if c.Storage.Backend == "sqlite" && strings.TrimSpace(c.Storage.SQLite.Path) == "" {
			return errors.New("invalid config: Config.Storage.SQLite.Path is required for the sqlite backend")
		}
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		fe := fieldErrs[0]
		return fmt.Errorf("invalid config: %s fails %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value())
	}
	return fmt.Errorf("invalid config: %w", err)
}
