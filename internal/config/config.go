package config

import "time"

// Config holds all application configuration.
// It organizes settings into logical groups for better maintainability.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"      validate:"required"`
	Database    DatabaseConfig    `mapstructure:"database"    validate:"required"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Auth        AuthConfig        `mapstructure:"auth"        validate:"required"`
	LLM         LLMConfig         `mapstructure:"llm"         validate:"required"`
	Dispatch    DispatchConfig    `mapstructure:"dispatch"    validate:"required"`
	Pipeline    PipelineConfig    `mapstructure:"pipeline"    validate:"required"`
	Storage     StorageConfig     `mapstructure:"storage"     validate:"required"`
	Idempotency IdempotencyConfig `mapstructure:"idempotency"`
	Pricing     map[string]int    `mapstructure:"pricing"     validate:"required,min=1,dive,keys,oneof=standard hd,endkeys,gt=0"`
	Models      []ModelConfig     `mapstructure:"models"      validate:"dive"`
	Scenes      map[string]string `mapstructure:"scenes"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port            int           `mapstructure:"port"             validate:"required,gt=0,lt=65536"`
	LogLevel        string        `mapstructure:"log_level"        validate:"required,oneof=debug info warn error"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
}

// DatabaseConfig selects the SQL engine and its connection string.
// For sqlite the URL is a file path or a file: URI.
type DatabaseConfig struct {
	Driver       string `mapstructure:"driver"         validate:"required,oneof=postgres sqlite"`
	URL          string `mapstructure:"url"            validate:"required"`
	MaxOpenConns int    `mapstructure:"max_open_conns" validate:"gte=0"`
}

// RedisConfig is shared by the asynq dispatcher and the idempotency registry.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db" validate:"gte=0"`
}

// AuthConfig contains token verification settings.
type AuthConfig struct {
	JWTSecret            string `mapstructure:"jwt_secret"             validate:"required,min=32"`
	TokenLifetimeMinutes int    `mapstructure:"token_lifetime_minutes" validate:"required,gt=0"`
}

// LLMConfig configures the Gemini client used by the prompt service and
// the image model backends.
type LLMConfig struct {
	GeminiAPIKey  string        `mapstructure:"gemini_api_key" validate:"required"`
	PromptModel   string        `mapstructure:"prompt_model"   validate:"required"`
	PromptTimeout time.Duration `mapstructure:"prompt_timeout" validate:"gt=0"`
}

// DispatchConfig controls how tasks are handed to workers and how long a
// worker may run.
type DispatchConfig struct {
	Backend        string        `mapstructure:"backend"         validate:"required,oneof=asynq river local"`
	Queue          string        `mapstructure:"queue"           validate:"required"`
	EnqueueTimeout time.Duration `mapstructure:"enqueue_timeout" validate:"gt=0"`
	// HostTimeout is the hard execution limit imposed on a worker.
	HostTimeout time.Duration `mapstructure:"host_timeout" validate:"gt=0"`
	// WatchdogMargin is how long before HostTimeout the watchdog fires.
	WatchdogMargin time.Duration `mapstructure:"watchdog_margin" validate:"gt=0"`
	MaxRetry       int           `mapstructure:"max_retry"       validate:"gte=0"`
	Concurrency    int           `mapstructure:"concurrency"     validate:"gt=0"`
	QueueSize      int           `mapstructure:"queue_size"      validate:"gt=0"`
}

// WatchdogDeadline returns the duration after worker start at which the
// watchdog fires.
func (d DispatchConfig) WatchdogDeadline() time.Duration {
	return d.HostTimeout - d.WatchdogMargin
}

// PipelineConfig tunes the worker pipeline stages.
type PipelineConfig struct {
	MaxCount               int           `mapstructure:"max_count"               validate:"gt=0,lte=10"`
	MaxAssetRefs           int           `mapstructure:"max_asset_refs"          validate:"gt=0"`
	UploadConcurrency      int           `mapstructure:"upload_concurrency"      validate:"gt=0"`
	UploadAttempts         int           `mapstructure:"upload_attempts"         validate:"gt=0"`
	UploadBackoff          time.Duration `mapstructure:"upload_backoff"          validate:"gte=0"`
	ModelTimeout           time.Duration `mapstructure:"model_timeout"           validate:"gt=0"`
	MaterializeConcurrency int           `mapstructure:"materialize_concurrency" validate:"gt=0"`
	DownloadTimeout        time.Duration `mapstructure:"download_timeout"        validate:"gt=0"`
	// StaleAfter is how long a task may sit without updates before the
	// sweeper expires it.
	StaleAfter    time.Duration `mapstructure:"stale_after"    validate:"gt=0"`
	SweepSchedule string        `mapstructure:"sweep_schedule" validate:"required"`
	SweepBatch    int           `mapstructure:"sweep_batch"    validate:"gt=0"`
}

// StorageConfig selects where result artifacts are written.
type StorageConfig struct {
	Backend       string        `mapstructure:"backend"         validate:"required,oneof=fs gcs"`
	FSRoot        string        `mapstructure:"fs_root"         validate:"required_if=Backend fs"`
	Bucket        string        `mapstructure:"bucket"          validate:"required_if=Backend gcs"`
	PublicBaseURL string        `mapstructure:"public_base_url" validate:"required,url"`
	SigningSecret string        `mapstructure:"signing_secret"  validate:"required_if=Backend fs"`
	SignedURLTTL  time.Duration `mapstructure:"signed_url_ttl"  validate:"gt=0"`
}

// IdempotencyConfig controls the submission de-duplication registry.
type IdempotencyConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	TTL     time.Duration `mapstructure:"ttl" validate:"gte=0"`
}

// ModelConfig describes one image model backend in the registry.
type ModelConfig struct {
	Name           string   `mapstructure:"name"             validate:"required"`
	Capabilities   []string `mapstructure:"capabilities"     validate:"required,min=1,dive,oneof=text_to_image image_edit"`
	Priority       int      `mapstructure:"priority"`
	MaxInputImages int      `mapstructure:"max_input_images" validate:"gte=0"`
	Enabled        bool     `mapstructure:"enabled"`
}
