// Package config loads and holds all gateway configuration.
// Settings come from built-in defaults, then an optional deid-config.json,
// then environment variables, in increasing order of precedence.
package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"strings"
	"time"

	"github.com/samber/lo"
	"github.com/spf13/viper"
)

// DefaultFile is the config file read by Load when present.
const DefaultFile = "deid-config.json"

// Config holds the full gateway configuration.
type Config struct {
	BindAddress string `mapstructure:"BIND_ADDRESS"`
	Port        int    `mapstructure:"PORT"`

	PresidioAnalyzerURL   string   `mapstructure:"PRESIDIO_ANALYZER_URL"`
	PresidioAnonymizerURL string   `mapstructure:"PRESIDIO_ANONYMIZER_URL"`
	PresidioTimeoutMS     int      `mapstructure:"PRESIDIO_TIMEOUT_MS"`
	PresidioMinScore      float64  `mapstructure:"PRESIDIO_MIN_SCORE"`
	PresidioLanguage      string   `mapstructure:"PRESIDIO_LANGUAGE"`
	PresidioEntities      []string `mapstructure:"PRESIDIO_ENTITIES"`
	DetectorConcurrency   int      `mapstructure:"DETECTOR_CONCURRENCY"`

	LLMBaseURL   string `mapstructure:"LLM_BASE_URL"`
	LLMModel     string `mapstructure:"LLM_MODEL"`
	LLMAPIKey    string `mapstructure:"LLM_API_KEY"`
	LLMTimeoutMS int    `mapstructure:"LLM_TIMEOUT_MS"`

	SessionStorePath     string        `mapstructure:"SESSION_STORE_PATH"`
	SessionTTL           time.Duration `mapstructure:"SESSION_TTL"`
	SessionEncryptionKey string        `mapstructure:"SESSION_ENCRYPTION_KEY"`

	AuditEnabled    bool   `mapstructure:"AUDIT_ENABLED"`
	AuditLogPath    string `mapstructure:"AUDIT_LOG_PATH"`
	AuditMaxSizeMB  int    `mapstructure:"AUDIT_MAX_SIZE_MB"`
	AuditMaxBackups int    `mapstructure:"AUDIT_MAX_BACKUPS"`

	ManagementToken string `mapstructure:"MANAGEMENT_TOKEN"`
	LogLevel        string `mapstructure:"LOG_LEVEL"`
	LogFormat       string `mapstructure:"LOG_FORMAT"`
}

// Load returns config with defaults overridden by deid-config.json and env vars.
func Load() (*Config, error) {
	return LoadFile(DefaultFile)
}

// LoadFile is Load with an explicit config file path. A missing file is not an
// error; a file that exists but cannot be parsed is.
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, defaults())
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.PresidioAnalyzerURL = strings.TrimRight(strings.TrimSpace(cfg.PresidioAnalyzerURL), "/")
	cfg.PresidioAnonymizerURL = strings.TrimRight(strings.TrimSpace(cfg.PresidioAnonymizerURL), "/")
	cfg.LLMBaseURL = strings.TrimRight(strings.TrimSpace(cfg.LLMBaseURL), "/")
	cfg.PresidioEntities = lo.Compact(lo.Map(cfg.PresidioEntities, func(e string, _ int) string {
		return strings.ToUpper(strings.TrimSpace(e))
	}))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		BindAddress:           "127.0.0.1",
		Port:                  8090,
		PresidioAnalyzerURL:   "http://localhost:5002",
		PresidioAnonymizerURL: "http://localhost:5001",
		PresidioTimeoutMS:     5000,
		PresidioMinScore:      0.7,
		PresidioLanguage:      "en",
		PresidioEntities:      []string{},
		DetectorConcurrency:   1,
		LLMBaseURL:            "http://localhost:11434/v1",
		LLMModel:              "llama3.1:8b",
		LLMTimeoutMS:          60000,
		SessionTTL:            15 * time.Minute,
		AuditEnabled:          true,
		AuditLogPath:          "logs/audit.log",
		AuditMaxSizeMB:        10,
		AuditMaxBackups:       10,
		LogLevel:              "info",
		LogFormat:             "json",
	}
}

// setDefaults registers every key with viper. Keys unknown to viper are
// invisible to AutomaticEnv during Unmarshal, so all of them must be listed.
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("BIND_ADDRESS", d.BindAddress)
	v.SetDefault("PORT", d.Port)
	v.SetDefault("PRESIDIO_ANALYZER_URL", d.PresidioAnalyzerURL)
	v.SetDefault("PRESIDIO_ANONYMIZER_URL", d.PresidioAnonymizerURL)
	v.SetDefault("PRESIDIO_TIMEOUT_MS", d.PresidioTimeoutMS)
	v.SetDefault("PRESIDIO_MIN_SCORE", d.PresidioMinScore)
	v.SetDefault("PRESIDIO_LANGUAGE", d.PresidioLanguage)
	v.SetDefault("PRESIDIO_ENTITIES", d.PresidioEntities)
	v.SetDefault("DETECTOR_CONCURRENCY", d.DetectorConcurrency)
	v.SetDefault("LLM_BASE_URL", d.LLMBaseURL)
	v.SetDefault("LLM_MODEL", d.LLMModel)
	v.SetDefault("LLM_API_KEY", d.LLMAPIKey)
	v.SetDefault("LLM_TIMEOUT_MS", d.LLMTimeoutMS)
	v.SetDefault("SESSION_STORE_PATH", d.SessionStorePath)
	v.SetDefault("SESSION_TTL", d.SessionTTL)
	v.SetDefault("SESSION_ENCRYPTION_KEY", d.SessionEncryptionKey)
	v.SetDefault("AUDIT_ENABLED", d.AuditEnabled)
	v.SetDefault("AUDIT_LOG_PATH", d.AuditLogPath)
	v.SetDefault("AUDIT_MAX_SIZE_MB", d.AuditMaxSizeMB)
	v.SetDefault("AUDIT_MAX_BACKUPS", d.AuditMaxBackups)
	v.SetDefault("MANAGEMENT_TOKEN", d.ManagementToken)
	v.SetDefault("LOG_LEVEL", d.LogLevel)
	v.SetDefault("LOG_FORMAT", d.LogFormat)
}

var (
	validLogLevels  = []string{"debug", "info", "warn", "warning", "error"}
	validLogFormats = []string{"json", "console"}
)

// Validate checks that the configuration is safe to run. The gateway refuses
// to start with a threshold or timeout that would silently weaken scrubbing.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("PORT must be between 1 and 65535, got %d", c.Port)
	}
	if err := validateURL("PRESIDIO_ANALYZER_URL", c.PresidioAnalyzerURL); err != nil {
		return err
	}
	if err := validateURL("PRESIDIO_ANONYMIZER_URL", c.PresidioAnonymizerURL); err != nil {
		return err
	}
	if err := validateURL("LLM_BASE_URL", c.LLMBaseURL); err != nil {
		return err
	}
	if c.PresidioTimeoutMS <= 0 {
		return fmt.Errorf("PRESIDIO_TIMEOUT_MS must be positive, got %d", c.PresidioTimeoutMS)
	}
	if c.PresidioMinScore < 0 || c.PresidioMinScore > 1 {
		return fmt.Errorf("PRESIDIO_MIN_SCORE must be within [0, 1], got %g", c.PresidioMinScore)
	}
	if c.DetectorConcurrency < 1 {
		return fmt.Errorf("DETECTOR_CONCURRENCY must be at least 1, got %d", c.DetectorConcurrency)
	}
	if c.LLMTimeoutMS <= 0 {
		return fmt.Errorf("LLM_TIMEOUT_MS must be positive, got %d", c.LLMTimeoutMS)
	}
	if c.SessionTTL <= 0 {
		return fmt.Errorf("SESSION_TTL must be positive, got %s", c.SessionTTL)
	}
	if c.SessionEncryptionKey != "" {
		if _, err := c.EncryptionKey(); err != nil {
			return err
		}
	}
	if !lo.Contains(validLogLevels, strings.ToLower(c.LogLevel)) {
		return fmt.Errorf("LOG_LEVEL must be one of %v, got %q", validLogLevels, c.LogLevel)
	}
	if !lo.Contains(validLogFormats, strings.ToLower(c.LogFormat)) {
		return fmt.Errorf("LOG_FORMAT must be one of %v, got %q", validLogFormats, c.LogFormat)
	}
	return nil
}

// EncryptionKey decodes SESSION_ENCRYPTION_KEY. It returns nil when no key is set.
func (c *Config) EncryptionKey() ([]byte, error) {
	if c.SessionEncryptionKey == "" {
		return nil, nil
	}
	key, err := hex.DecodeString(c.SessionEncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("SESSION_ENCRYPTION_KEY is not valid hex: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("SESSION_ENCRYPTION_KEY must decode to 32 bytes, got %d", len(key))
	}
	return key, nil
}

// PresidioTimeout returns the analyzer request timeout.
func (c *Config) PresidioTimeout() time.Duration {
	return time.Duration(c.PresidioTimeoutMS) * time.Millisecond
}

// LLMTimeout returns the LLM request timeout.
func (c *Config) LLMTimeout() time.Duration {
	return time.Duration(c.LLMTimeoutMS) * time.Millisecond
}

// Addr is the listen address of the HTTP API.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.BindAddress, c.Port)
}

func validateURL(key, raw string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("%s must be an absolute http(s) URL, got %q", key, raw)
	}
	return nil
}
