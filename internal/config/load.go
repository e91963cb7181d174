package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable read by Load.
const EnvPrefix = "GENPIPE"

// ErrInvalidTimeouts is returned when the watchdog and model timeouts do
// not nest inside the host execution limit.
var ErrInvalidTimeouts = errors.New("invalid timeout configuration")

// Load configuration from environment variables and optionally config files.
// Environment variables take precedence over values from config files.
// Returns a populated Config struct or an error if loading/validation fails.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if dir := os.Getenv(EnvPrefix + "_CONFIG_DIR"); dir != "" {
		v.AddConfigPath(dir)
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate runs struct tag validation and the cross-field timeout checks.
func Validate(cfg *Config) error {
	if err := validator.New().Struct(cfg); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	if cfg.Dispatch.WatchdogMargin >= cfg.Dispatch.HostTimeout {
		return fmt.Errorf("%w: watchdog margin %s must be below host timeout %s",
			ErrInvalidTimeouts, cfg.Dispatch.WatchdogMargin, cfg.Dispatch.HostTimeout)
	}
	if cfg.Pipeline.ModelTimeout >= cfg.Dispatch.WatchdogDeadline() {
		return fmt.Errorf("%w: model timeout %s must be below watchdog deadline %s",
			ErrInvalidTimeouts, cfg.Pipeline.ModelTimeout, cfg.Dispatch.WatchdogDeadline())
	}
	if cfg.Pipeline.StaleAfter <= cfg.Dispatch.HostTimeout {
		return fmt.Errorf("%w: stale_after %s must exceed host timeout %s",
			ErrInvalidTimeouts, cfg.Pipeline.StaleAfter, cfg.Dispatch.HostTimeout)
	}
	if cfg.Dispatch.Backend == "asynq" && cfg.Redis.Addr == "" {
		return fmt.Errorf("config validation failed: redis.addr is required for the asynq backend")
	}
	if cfg.Dispatch.Backend == "river" && cfg.Database.Driver != "postgres" {
		return fmt.Errorf("config validation failed: the river backend requires the postgres driver")
	}
	if cfg.Idempotency.Enabled && cfg.Redis.Addr == "" {
		return fmt.Errorf("config validation failed: redis.addr is required for idempotency keys")
	}

	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.log_level", "info")
	v.SetDefault("server.shutdown_timeout", "15s")

	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.url", "")
	v.SetDefault("database.max_open_conns", 20)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.token_lifetime_minutes", 60)

	v.SetDefault("llm.gemini_api_key", "")
	v.SetDefault("llm.prompt_model", "gemini-2.0-flash")
	v.SetDefault("llm.prompt_timeout", "15s")

	v.SetDefault("dispatch.backend", "asynq")
	v.SetDefault("dispatch.queue", "generation")
	v.SetDefault("dispatch.enqueue_timeout", "3s")
	v.SetDefault("dispatch.host_timeout", "300s")
	v.SetDefault("dispatch.watchdog_margin", "5s")
	v.SetDefault("dispatch.max_retry", 1)
	v.SetDefault("dispatch.concurrency", 4)
	v.SetDefault("dispatch.queue_size", 100)

	v.SetDefault("pipeline.max_count", 3)
	v.SetDefault("pipeline.max_asset_refs", 4)
	v.SetDefault("pipeline.upload_concurrency", 5)
	v.SetDefault("pipeline.upload_attempts", 3)
	v.SetDefault("pipeline.upload_backoff", "500ms")
	v.SetDefault("pipeline.model_timeout", "240s")
	v.SetDefault("pipeline.materialize_concurrency", 4)
	v.SetDefault("pipeline.download_timeout", "20s")
	v.SetDefault("pipeline.stale_after", "30m")
	v.SetDefault("pipeline.sweep_schedule", "@every 1m")
	v.SetDefault("pipeline.sweep_batch", 100)

	v.SetDefault("storage.backend", "fs")
	v.SetDefault("storage.fs_root", "./data/assets")
	v.SetDefault("storage.bucket", "")
	v.SetDefault("storage.public_base_url", "http://localhost:8080/assets")
	v.SetDefault("storage.signing_secret", "")
	v.SetDefault("storage.signed_url_ttl", "15m")

	v.SetDefault("idempotency.enabled", false)
	v.SetDefault("idempotency.ttl", "24h")

	v.SetDefault("pricing", map[string]int{"standard": 1, "hd": 2})
	v.SetDefault("models", []map[string]any{
		{
			"name":             "gemini-2.0-flash-preview-image-generation",
			"capabilities":     []string{"text_to_image", "image_edit"},
			"priority":         10,
			"max_input_images": 4,
			"enabled":          true,
		},
	})
	v.SetDefault("scenes", map[string]string{})
}
