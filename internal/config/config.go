package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// ErrLoadConfig indicates a failure to resolve the environment configuration.
var ErrLoadConfig = errors.New("config load failed")

// Config holds everything the orchestrator reads from the environment.
// Flags override these values at the command layer.
type Config struct {
	User       string `mapstructure:"postgres_user"`
	Password   string `mapstructure:"postgres_password"`
	Database   string `mapstructure:"postgres_db"`
	BackupDir  string `mapstructure:"backup_dir"`
	Kubeconfig string `mapstructure:"kubeconfig"`

	DumpTimeout    time.Duration `mapstructure:"dump_timeout"`
	RestoreTimeout time.Duration `mapstructure:"restore_timeout"`
}

// Load resolves the configuration from environment variables with the
// documented defaults. The demo password default must stay overridable.
func Load() (Config, error) {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("postgres_user", "postgres")
	v.SetDefault("postgres_password", "12345")
	v.SetDefault("postgres_db", "pc_db")
	v.SetDefault("backup_dir", "./backups")
	v.SetDefault("kubeconfig", "")
	v.SetDefault("dump_timeout", "30m")
	v.SetDefault("restore_timeout", "60m")

	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return Config{}, fmt.Errorf("%w: unmarshal environment: %v", ErrLoadConfig, err)
	}

	if cfg.DumpTimeout <= 0 || cfg.RestoreTimeout <= 0 {
		return Config{}, fmt.Errorf("%w: timeouts must be positive", ErrLoadConfig)
	}

	return cfg, nil
}
