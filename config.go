package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/viper"
)

// Config is the process configuration, read from defaults, an optional
// xdanalysis.yaml file, environment variables and command-line flags.
type Config struct {
	Port                 string `mapstructure:"port"`
	ArchivePath          string `mapstructure:"archive_path"`
	GCPProjectID         string `mapstructure:"gcp_project_id"`
	GCPRegion            string `mapstructure:"gcp_region"`
	GeminiModel          string `mapstructure:"gemini_model"`
	SimilarityFloor      int    `mapstructure:"similarity_floor"`
	CollapseRepeatedUses bool   `mapstructure:"collapse_repeated_uses"`
	LogLevel             string `mapstructure:"log_level"`
	LogFormat            string `mapstructure:"log_format"`
}

func setConfigDefaults(v *viper.Viper) {
	v.SetDefault("port", "8080")
	v.SetDefault("archive_path", "xdanalysis.db")
	v.SetDefault("gcp_project_id", "")
	v.SetDefault("gcp_region", defaultRegion)
	v.SetDefault("gemini_model", defaultModel)
	v.SetDefault("similarity_floor", DefaultSimilarityFloor)
	v.SetDefault("collapse_repeated_uses", true)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
}

// LoadConfig reads configuration into a Config. An explicit configFile must
// exist; otherwise xdanalysis.yaml in the working directory is optional.
func LoadConfig(v *viper.Viper, configFile string) (*Config, error) {
	setConfigDefaults(v)
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("xdanalysis")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	if c.SimilarityFloor < 0 || c.SimilarityFloor > 100 {
		return fmt.Errorf("similarity_floor must be within 0..100, got %d", c.SimilarityFloor)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("log_format must be text or json, got %q", c.LogFormat)
	}
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return fmt.Errorf("log_level: %w", err)
	}
	return nil
}

// AnalyzerOptions returns the analysis policy the config selects.
func (c *Config) AnalyzerOptions() AnalyzerOptions {
	return AnalyzerOptions{
		SimilarityFloor:      c.SimilarityFloor,
		CollapseRepeatedUses: c.CollapseRepeatedUses,
	}
}

// NewLogger builds the process logger.
func (c *Config) NewLogger(w io.Writer) *slog.Logger {
	var lvl slog.Level
	_ = lvl.UnmarshalText([]byte(c.LogLevel))
	opts := &slog.HandlerOptions{Level: lvl}
	if strings.EqualFold(c.LogFormat, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
