// File: internal/config/config.go
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// ChunkSize bounds accepted by the analysis pipeline. Values outside are
// rejected before any job is created; the splitter itself does not validate.
const (
	MinChunkSize = 100
	MaxChunkSize = 5000
)

// DefaultSystemPrompt is the fixed instruction sent with every oracle call.
// It pins the output shape and the id transliteration rule so fragments from
// different segments can be merged by id.
const DefaultSystemPrompt = `You are a literary analysis expert extracting a character relationship graph from narrative text.
Return ONLY a JSON object of the form:
{"nodes": [{"id": "...", "label": "...", "attributes": {"sect": "..."}}], "edges": [{"source": "...", "target": "...", "label": "..."}]}
Rules:
- "label" is the character's name exactly as written in the text.
- "id" is the lowercase ASCII transliteration of the label with no separators (e.g. "张三" -> "zhangsan").
- When a character already appeared in an earlier excerpt of the same work, reuse the exact same id.
- Every edge's source and target must be ids present in "nodes".
- Output valid JSON only, no prose, no markdown fences.`

// Config holds the entire application configuration.
type Config struct {
	Logger   LoggerConfig   `mapstructure:"logger" yaml:"logger"`
	Storage  StorageConfig  `mapstructure:"storage" yaml:"storage"`
	Oracle   OracleConfig   `mapstructure:"oracle" yaml:"oracle"`
	Analysis AnalysisConfig `mapstructure:"analysis" yaml:"analysis"`
	Server   ServerConfig   `mapstructure:"server" yaml:"server"`
}

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string `mapstructure:"level" yaml:"level"`
	Format      string `mapstructure:"format" yaml:"format"`
	AddSource   bool   `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int    `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int    `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool   `mapstructure:"compress" yaml:"compress"`
}

// StorageConfig points at the embedded database file.
type StorageConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// OracleConfig tunes the external classification calls.
type OracleConfig struct {
	// APITimeout bounds a single oracle call. A timeout surfaces as a
	// segment-level transport error, handled like any other oracle failure.
	APITimeout time.Duration `mapstructure:"api_timeout" yaml:"api_timeout"`
	// RequestsPerMinute paces calls against paid endpoints. Zero disables
	// pacing.
	RequestsPerMinute int    `mapstructure:"requests_per_minute" yaml:"requests_per_minute"`
	SystemPrompt      string `mapstructure:"system_prompt" yaml:"system_prompt"`
}

// AnalysisConfig tunes the segmentation and bookkeeping of a run.
type AnalysisConfig struct {
	ChunkSize    int `mapstructure:"chunk_size" yaml:"chunk_size"`
	LogRetention int `mapstructure:"log_retention" yaml:"log_retention"`
}

// ServerConfig holds settings for the HTTP API.
type ServerConfig struct {
	Addr         string   `mapstructure:"addr" yaml:"addr"`
	AllowOrigins []string `mapstructure:"allow_origins" yaml:"allow_origins"`
}

// SetDefaults initializes default values for all configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "graphloom")
	v.SetDefault("logger.log_file", "graphloom.log")
	v.SetDefault("logger.max_size", 50)
	v.SetDefault("logger.max_backups", 3)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)

	// -- Storage --
	v.SetDefault("storage.path", "graphloom.db")

	// -- Oracle --
	v.SetDefault("oracle.api_timeout", "60s")
	v.SetDefault("oracle.requests_per_minute", 0)
	v.SetDefault("oracle.system_prompt", DefaultSystemPrompt)

	// -- Analysis --
	v.SetDefault("analysis.chunk_size", 500)
	v.SetDefault("analysis.log_retention", 1000)

	// -- Server --
	v.SetDefault("server.addr", "127.0.0.1:8460")
	v.SetDefault("server.allow_origins", []string{"*"})
}

// NewDefaultConfig creates a configuration struct populated with defaults.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// This should not happen with defaults, but good to be safe.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// NewConfigFromViper creates a validated configuration instance from a viper
// object that has already read its sources.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if c.Analysis.ChunkSize < MinChunkSize || c.Analysis.ChunkSize > MaxChunkSize {
		return fmt.Errorf("analysis.chunk_size must be within [%d, %d]", MinChunkSize, MaxChunkSize)
	}
	if c.Analysis.LogRetention <= 0 {
		return fmt.Errorf("analysis.log_retention must be a positive integer")
	}
	if c.Oracle.APITimeout <= 0 {
		return fmt.Errorf("oracle.api_timeout must be a positive duration")
	}
	if c.Oracle.RequestsPerMinute < 0 {
		return fmt.Errorf("oracle.requests_per_minute must not be negative")
	}
	if c.Storage.Path == "" {
		return fmt.Errorf("storage.path is a required configuration field")
	}
	return nil
}
