// Package config provides configuration management for subflow using Viper.
// It supports configuration from files, environment variables, and defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Default configuration values.
const (
	defaultServerPort          = 8090
	defaultShutdownTimeout     = 10 * time.Second
	defaultMaxOpenConns        = 25
	defaultMaxIdleConns        = 10
	defaultConnMaxIdleTime     = 30 * time.Minute
	defaultDownloadTimeout     = 600 * time.Second
	defaultDownloadChunkSize   = 1 << 20 // 1MB
	defaultASRTimeout          = 300 * time.Second
	defaultLLMTimeout          = 120 * time.Second
	defaultASRConcurrency      = 4
	defaultLLMFastConcurrency  = 8
	defaultLLMPowerConcurrency = 4
	defaultProjectCacheTTL     = 7 * 24 * time.Hour
	defaultQueuePopTimeout     = 5 * time.Second
	defaultStaleProcessingAge  = 10 * time.Minute
	defaultMaxMergedSegments   = 20
	defaultMaxMergedWindowSecs = 60.0
	defaultContextTokenBudget  = 6000
	defaultMaxASRSegments      = 0 // unlimited
)

// Config holds all configuration for the application.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Storage     StorageConfig     `mapstructure:"storage"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Audio       AudioConfig       `mapstructure:"audio"`
	VAD         VADConfig         `mapstructure:"vad"`
	ASR         ASRConfig         `mapstructure:"asr"`
	LLMFast     LLMProfileConfig  `mapstructure:"llm_fast"`
	LLMPower    LLMProfileConfig  `mapstructure:"llm_power"`
	LLMRouting  LLMRoutingConfig  `mapstructure:"llm_routing"`
	LLMLimits   LLMLimitsConfig   `mapstructure:"llm_limits"`
	Concurrency ConcurrencyConfig `mapstructure:"concurrency"`
	Redis       RedisConfig       `mapstructure:"redis"`
}

// ServerConfig holds the operational HTTP endpoint configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig holds database connection configuration.
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"` // sqlite, postgres
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	LogLevel        string        `mapstructure:"log_level"` // silent, error, warn, info
}

// StorageConfig holds data directory and artifact store configuration.
type StorageConfig struct {
	// DataDir is the root for project working files and the blob store.
	DataDir string `mapstructure:"data_dir"`
	// ModelsDir holds downloaded model weights (demucs, VAD).
	ModelsDir string `mapstructure:"models_dir"`
	// ArtifactBackend selects the artifact store: local or s3.
	ArtifactBackend string `mapstructure:"artifact_backend"`
	// ArtifactDir is the local artifact store base (local backend).
	ArtifactDir string   `mapstructure:"artifact_dir"`
	S3          S3Config `mapstructure:"s3"`
}

// S3Config holds S3-compatible artifact store credentials.
type S3Config struct {
	Endpoint  string `mapstructure:"endpoint"`
	Region    string `mapstructure:"region"`
	Bucket    string `mapstructure:"bucket"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	// UsePathStyle is required by most non-AWS S3 implementations.
	UsePathStyle bool `mapstructure:"use_path_style"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`  // debug, info, warn, error
	Format     string `mapstructure:"format"` // json, text
	AddSource  bool   `mapstructure:"add_source"`
	TimeFormat string `mapstructure:"time_format"`
}

// AudioConfig holds audio preprocess configuration.
type AudioConfig struct {
	FFmpegBin         string        `mapstructure:"ffmpeg_bin"`
	DemucsBin         string        `mapstructure:"demucs_bin"`
	DemucsModel       string        `mapstructure:"demucs_model"`
	SkipDemucs        bool          `mapstructure:"skip_demucs"`
	MaxDurationS      float64       `mapstructure:"max_duration_s"` // 0 = full length
	Normalize         bool          `mapstructure:"normalize"`
	NormalizeTargetDB float64       `mapstructure:"normalize_target_db"`
	DownloadTimeout   time.Duration `mapstructure:"download_timeout"`
	DownloadChunkSize int           `mapstructure:"download_chunk_size"`
}

// VADConfig holds voice activity detection configuration.
type VADConfig struct {
	Provider          string  `mapstructure:"provider"` // silero
	ModelPath         string  `mapstructure:"model_path"`
	BaseURL           string  `mapstructure:"base_url"` // HTTP provider endpoint
	Threshold         float64 `mapstructure:"threshold"`
	Device            string  `mapstructure:"device"`
	FrameHopS         float64 `mapstructure:"frame_hop_s"`
	TargetMaxSegmentS float64 `mapstructure:"target_max_segment_s"`
}

// ASRConfig holds speech recognition provider configuration.
type ASRConfig struct {
	BaseURL       string        `mapstructure:"base_url"`
	APIKey        string        `mapstructure:"api_key"`
	Model         string        `mapstructure:"model"`
	MaxConcurrent int           `mapstructure:"max_concurrent"`
	Timeout       time.Duration `mapstructure:"timeout"`
}

// LLMProfileConfig holds one LLM profile (fast or power).
type LLMProfileConfig struct {
	Provider string        `mapstructure:"provider"` // openai, openai_compat, anthropic, gemini
	BaseURL  string        `mapstructure:"base_url"`
	APIKey   string        `mapstructure:"api_key"`
	Model    string        `mapstructure:"model"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// Configured reports whether the profile has an API key set.
func (c LLMProfileConfig) Configured() bool {
	return c.APIKey != ""
}

// LLMRoutingConfig maps each LLM-consuming operation to a profile.
type LLMRoutingConfig struct {
	ASRCorrection       string `mapstructure:"asr_correction"`       // fast|power
	GlobalUnderstanding string `mapstructure:"global_understanding"` // fast|power
	SemanticTranslation string `mapstructure:"semantic_translation"` // fast|power
}

// LLMLimitsConfig bounds LLM stage inputs.
type LLMLimitsConfig struct {
	// MaxASRSegments caps how many segments the LLM stages consume (0 = all).
	MaxASRSegments int `mapstructure:"max_asr_segments"`
	// ContextTokenBudget is the Pass A transcript truncation budget.
	ContextTokenBudget int `mapstructure:"context_token_budget"`
	// MaxMergedSegments bounds one merged ASR chunk's segment count.
	MaxMergedSegments int `mapstructure:"max_merged_segments"`
	// MaxMergedWindowS bounds one merged ASR chunk's wall duration.
	MaxMergedWindowS float64 `mapstructure:"max_merged_window_s"`
}

// ConcurrencyConfig bounds in-flight calls per external service class.
type ConcurrencyConfig struct {
	ASR      int `mapstructure:"asr"`
	LLMFast  int `mapstructure:"llm_fast"`
	LLMPower int `mapstructure:"llm_power"`
}

// RedisConfig holds queue, project cache and health mirror configuration.
type RedisConfig struct {
	URL             string        `mapstructure:"url"`
	QueueKey        string        `mapstructure:"queue_key"`
	PopTimeout      time.Duration `mapstructure:"pop_timeout"`
	ProjectCacheTTL time.Duration `mapstructure:"project_cache_ttl"`
	// StaleProcessingAge is the crash recovery threshold for stuck projects.
	StaleProcessingAge time.Duration `mapstructure:"stale_processing_age"`
}

// Load reads configuration from file and environment variables.
// Environment variables take precedence over file configuration.
// Environment variables are prefixed with SUBFLOW_ and use underscores for
// nesting. Example: SUBFLOW_DATABASE_DSN=subflow.db.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/subflow")
		v.AddConfigPath("$HOME/.subflow")
	}

	v.SetEnvPrefix("SUBFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		// Config file not found is OK - we'll use defaults and env vars
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// SetDefaults configures default values for all configuration options.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", defaultServerPort)
	v.SetDefault("server.shutdown_timeout", defaultShutdownTimeout)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "subflow.db")
	v.SetDefault("database.max_open_conns", defaultMaxOpenConns)
	v.SetDefault("database.max_idle_conns", defaultMaxIdleConns)
	v.SetDefault("database.conn_max_lifetime", time.Hour)
	v.SetDefault("database.conn_max_idle_time", defaultConnMaxIdleTime)
	v.SetDefault("database.log_level", "warn")

	v.SetDefault("storage.data_dir", "./data")
	v.SetDefault("storage.models_dir", "./models")
	v.SetDefault("storage.artifact_backend", "local")
	v.SetDefault("storage.artifact_dir", "./data/artifacts")
	v.SetDefault("storage.s3.region", "us-east-1")
	v.SetDefault("storage.s3.use_path_style", true)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.add_source", false)

	v.SetDefault("audio.ffmpeg_bin", "ffmpeg")
	v.SetDefault("audio.demucs_bin", "demucs")
	v.SetDefault("audio.demucs_model", "htdemucs")
	v.SetDefault("audio.skip_demucs", false)
	v.SetDefault("audio.max_duration_s", 0)
	v.SetDefault("audio.normalize", false)
	v.SetDefault("audio.normalize_target_db", -20.0)
	v.SetDefault("audio.download_timeout", defaultDownloadTimeout)
	v.SetDefault("audio.download_chunk_size", defaultDownloadChunkSize)

	v.SetDefault("vad.provider", "silero")
	v.SetDefault("vad.threshold", 0.5)
	v.SetDefault("vad.device", "cpu")
	v.SetDefault("vad.frame_hop_s", 0.032)
	v.SetDefault("vad.target_max_segment_s", 30.0)

	v.SetDefault("asr.max_concurrent", defaultASRConcurrency)
	v.SetDefault("asr.timeout", defaultASRTimeout)

	v.SetDefault("llm_fast.provider", "openai_compat")
	v.SetDefault("llm_fast.timeout", defaultLLMTimeout)
	v.SetDefault("llm_power.provider", "openai_compat")
	v.SetDefault("llm_power.timeout", defaultLLMTimeout)

	v.SetDefault("llm_routing.asr_correction", "fast")
	v.SetDefault("llm_routing.global_understanding", "power")
	v.SetDefault("llm_routing.semantic_translation", "power")

	v.SetDefault("llm_limits.max_asr_segments", defaultMaxASRSegments)
	v.SetDefault("llm_limits.context_token_budget", defaultContextTokenBudget)
	v.SetDefault("llm_limits.max_merged_segments", defaultMaxMergedSegments)
	v.SetDefault("llm_limits.max_merged_window_s", defaultMaxMergedWindowSecs)

	v.SetDefault("concurrency.asr", defaultASRConcurrency)
	v.SetDefault("concurrency.llm_fast", defaultLLMFastConcurrency)
	v.SetDefault("concurrency.llm_power", defaultLLMPowerConcurrency)

	v.SetDefault("redis.url", "redis://localhost:6379/0")
	v.SetDefault("redis.queue_key", "subflow:tasks")
	v.SetDefault("redis.pop_timeout", defaultQueuePopTimeout)
	v.SetDefault("redis.project_cache_ttl", defaultProjectCacheTTL)
	v.SetDefault("redis.stale_processing_age", defaultStaleProcessingAge)
}

// Validate checks the configuration for invalid combinations.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported database driver: %s", c.Database.Driver)
	}

	switch c.Storage.ArtifactBackend {
	case "local":
		if c.Storage.ArtifactDir == "" {
			return errors.New("storage.artifact_dir is required for the local backend")
		}
	case "s3":
		if c.Storage.S3.Bucket == "" {
			return errors.New("storage.s3.bucket is required for the s3 backend")
		}
	default:
		return fmt.Errorf("unsupported artifact backend: %s", c.Storage.ArtifactBackend)
	}

	for _, route := range []struct{ name, profile string }{
		{"llm_routing.asr_correction", c.LLMRouting.ASRCorrection},
		{"llm_routing.global_understanding", c.LLMRouting.GlobalUnderstanding},
		{"llm_routing.semantic_translation", c.LLMRouting.SemanticTranslation},
	} {
		if route.profile != "fast" && route.profile != "power" {
			return fmt.Errorf("%s must be \"fast\" or \"power\", got %q", route.name, route.profile)
		}
	}

	if c.Concurrency.ASR < 1 || c.Concurrency.LLMFast < 1 || c.Concurrency.LLMPower < 1 {
		return errors.New("concurrency limits must be at least 1")
	}

	if c.LLMLimits.MaxMergedSegments < 1 {
		return errors.New("llm_limits.max_merged_segments must be at least 1")
	}
	if c.LLMLimits.MaxMergedWindowS <= 0 {
		return errors.New("llm_limits.max_merged_window_s must be positive")
	}

	return nil
}

// Profile returns the LLM profile config for the given routing name.
func (c *Config) Profile(name string) LLMProfileConfig {
	if name == "power" {
		return c.LLMPower
	}
	return c.LLMFast
}
