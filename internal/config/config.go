// Package config loads gateway configuration from built-in defaults, a YAML
// file, and environment variables, in that increasing order of priority.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds every value the gateway's components read at startup.
type Config struct {
	ListenAddr        string        `mapstructure:"listen_addr"`
	MetricsAddr       string        `mapstructure:"metrics_addr"`
	LivenessThreshold time.Duration `mapstructure:"liveness_threshold"`
	SweepInterval     time.Duration `mapstructure:"sweep_interval"`
	MaxAttempts       int           `mapstructure:"max_attempts"`
	CancelGrace       time.Duration `mapstructure:"cancel_grace"`
	QueueDepthLimit   int           `mapstructure:"queue_depth_limit"`
	DefaultTimeout    time.Duration `mapstructure:"default_timeout"`
	WorkerDialTimeout time.Duration `mapstructure:"worker_dial_timeout"`
	IdleChunkTimeout  time.Duration `mapstructure:"idle_chunk_timeout"`
	LogLevel          string        `mapstructure:"log_level"`
}

// Load reads configuration from path (a directory containing config.yaml),
// layering environment variables (prefix GATEWAY_) and defaults underneath
// it. Priority: env vars > config file > defaults.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("metrics_addr", ":9090")
	v.SetDefault("liveness_threshold", "30s")
	v.SetDefault("sweep_interval", "5s")
	v.SetDefault("max_attempts", 3)
	v.SetDefault("cancel_grace", "2s")
	v.SetDefault("queue_depth_limit", 1000)
	v.SetDefault("default_timeout", "5m")
	v.SetDefault("worker_dial_timeout", "10s")
	v.SetDefault("idle_chunk_timeout", "0s")
	v.SetDefault("log_level", "info")

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if path != "" {
		v.AddConfigPath(path)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.SetEnvPrefix("GATEWAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config into struct: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func validate(cfg *Config) error {
	if cfg.MaxAttempts < 1 {
		return fmt.Errorf("max_attempts must be at least 1, got %d", cfg.MaxAttempts)
	}
	if cfg.LivenessThreshold <= 0 {
		return fmt.Errorf("liveness_threshold must be positive")
	}
	if cfg.QueueDepthLimit < 0 {
		return fmt.Errorf("queue_depth_limit must not be negative")
	}
	return nil
}
