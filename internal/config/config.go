// Package config loads worker configuration with defaults-first precedence:
// runtime overrides win over environment variables, which win over an
// optional config file, which wins over built-in defaults.
package config

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// EnvPrefix namespaces environment overrides, e.g. MEDIAWORKS_LOG_LEVEL.
const EnvPrefix = "MEDIAWORKS"

// Config is the full worker configuration.
type Config struct {
	Logging  LoggingConfig  `mapstructure:"logging"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Queue    QueueConfig    `mapstructure:"queue"`
	Media    MediaConfig    `mapstructure:"media"`
	Services ServicesConfig `mapstructure:"services"`
	Pipeline PipelineConfig `mapstructure:"pipeline"`
}

// LoggingConfig selects log level and encoding.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// StorageConfig selects and tunes the artifact store backend.
type StorageConfig struct {
	// Type is "s3" or "file".
	Type string `mapstructure:"type"`

	// Bucket is required for the s3 backend.
	Bucket string `mapstructure:"bucket"`

	Region         string `mapstructure:"region"`
	Endpoint       string `mapstructure:"endpoint"`
	Profile        string `mapstructure:"profile"`
	ForcePathStyle bool   `mapstructure:"force_path_style"`

	// BaseDir is required for the file backend.
	BaseDir string `mapstructure:"base_dir"`
}

// QueueConfig tunes the SQS consumer.
type QueueConfig struct {
	URL               string        `mapstructure:"url"`
	Region            string        `mapstructure:"region"`
	Endpoint          string        `mapstructure:"endpoint"`
	WaitTime          time.Duration `mapstructure:"wait_time"`
	VisibilityTimeout time.Duration `mapstructure:"visibility_timeout"`
	MaxMessageAge     time.Duration `mapstructure:"max_message_age"`
}

// MediaConfig locates the external media binaries.
type MediaConfig struct {
	FFmpegBin  string `mapstructure:"ffmpeg_bin"`
	FFprobeBin string `mapstructure:"ffprobe_bin"`
}

// ServicesConfig locates the external transformation services.
type ServicesConfig struct {
	TranscribeURL string        `mapstructure:"transcribe_url"`
	ConvertURL    string        `mapstructure:"convert_url"`
	SynthesizeURL string        `mapstructure:"synthesize_url"`
	APIKey        string        `mapstructure:"api_key"`
	Timeout       time.Duration `mapstructure:"timeout"`
}

// PipelineConfig tunes chunking, merging, and polling.
type PipelineConfig struct {
	AudioHardLimitBytes   int64         `mapstructure:"audio_hard_limit_bytes"`
	AudioMargin           float64       `mapstructure:"audio_margin"`
	AudioOverlapSeconds   float64       `mapstructure:"audio_overlap_seconds"`
	PagesPerChunk         int           `mapstructure:"pages_per_chunk"`
	SynthesisMaxChars     int           `mapstructure:"synthesis_max_chars"`
	MergeWindowChars      int           `mapstructure:"merge_window_chars"`
	MergeMinOverlapTokens int           `mapstructure:"merge_min_overlap_tokens"`
	RatePerSecond         float64       `mapstructure:"rate_per_second"`
	PollInterval          time.Duration `mapstructure:"poll_interval"`
	PollMaxAttempts       int           `mapstructure:"poll_max_attempts"`
	TempDir               string        `mapstructure:"temp_dir"`
}

// Load builds the configuration. Optional override maps apply last, nested
// by section (used by tests and command flags).
func Load(_ context.Context, overrides ...map[string]any) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("mediaworks")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/mediaworks")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config: read file: %w", err)
		}
	}

	for _, o := range overrides {
		if err := v.MergeConfigMap(o); err != nil {
			return nil, fmt.Errorf("config: merge overrides: %w", err)
		}
	}

	var cfg Config
	decodeHook := mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)
	if err := v.Unmarshal(&cfg, viper.DecodeHook(decodeHook)); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	switch c.Storage.Type {
	case "s3":
		if c.Storage.Bucket == "" {
			return fmt.Errorf("config: storage.bucket is required for the s3 backend")
		}
	case "file":
		if c.Storage.BaseDir == "" {
			return fmt.Errorf("config: storage.base_dir is required for the file backend")
		}
	default:
		return fmt.Errorf("config: unknown storage.type %q", c.Storage.Type)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("storage.type", "file")
	v.SetDefault("storage.base_dir", "./data")

	v.SetDefault("queue.wait_time", "20s")
	v.SetDefault("queue.visibility_timeout", "30m")
	v.SetDefault("queue.max_message_age", "3h")

	v.SetDefault("services.timeout", "5m")

	v.SetDefault("pipeline.audio_hard_limit_bytes", 25<<20)
	v.SetDefault("pipeline.audio_margin", 0.85)
	v.SetDefault("pipeline.audio_overlap_seconds", 15)
	v.SetDefault("pipeline.pages_per_chunk", 20)
	v.SetDefault("pipeline.synthesis_max_chars", 100000)
	v.SetDefault("pipeline.rate_per_second", 1)
	v.SetDefault("pipeline.poll_interval", "5s")
	v.SetDefault("pipeline.poll_max_attempts", 100)
}
