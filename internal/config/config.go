package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultSTUN is used when no STUN servers are configured.
const DefaultSTUN = "stun:stun.l.google.com:19302"

// Config holds the application configuration.
type Config struct {
	SignalURL         string        `yaml:"signal_url"`
	DataDir           string        `yaml:"data_dir"`
	TokenFile         string        `yaml:"token_file"`
	PollInterval      time.Duration `yaml:"poll_interval"`
	STUNServers       []string      `yaml:"stun_servers"`
	ICEURL            string        `yaml:"ice_url"`
	HistoryLimit      int           `yaml:"history_limit"`
	SignalBufferLimit int           `yaml:"signal_buffer_limit"`
	CallTimeout       time.Duration `yaml:"call_timeout"`
	MetricsAddr       string        `yaml:"metrics_addr"`
	LogLevel          string        `yaml:"log_level"`
	RecordDir         string        `yaml:"record_dir"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		DataDir:           ".partnervoice",
		PollInterval:      2 * time.Second,
		STUNServers:       []string{DefaultSTUN},
		HistoryLimit:      100,
		SignalBufferLimit: 50,
		LogLevel:          "info",
	}
}

// Load reads configuration from a .env file (if present), an optional YAML
// file named by VOICE_CONFIG, and environment variables.
// Environment variables take precedence over the YAML file.
func Load() (*Config, error) {
	// godotenv.Load does not overwrite existing env vars
	_ = godotenv.Load()

	cfg := Default()

	if path := os.Getenv("VOICE_CONFIG"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	setString(&c.SignalURL, "VOICE_SIGNAL_URL")
	setString(&c.DataDir, "VOICE_DATA_DIR")
	setString(&c.TokenFile, "VOICE_TOKEN_FILE")
	setString(&c.ICEURL, "VOICE_ICE_URL")
	setString(&c.MetricsAddr, "VOICE_METRICS_ADDR")
	setString(&c.LogLevel, "VOICE_LOG_LEVEL")
	setString(&c.RecordDir, "VOICE_RECORD_DIR")

	if v := os.Getenv("VOICE_STUN_SERVERS"); v != "" {
		c.STUNServers = splitList(v)
	}
	if err := setDuration(&c.PollInterval, "VOICE_POLL_INTERVAL"); err != nil {
		return err
	}
	if err := setDuration(&c.CallTimeout, "VOICE_CALL_TIMEOUT"); err != nil {
		return err
	}
	if err := setInt(&c.HistoryLimit, "VOICE_HISTORY_LIMIT"); err != nil {
		return err
	}
	if err := setInt(&c.SignalBufferLimit, "VOICE_SIGNAL_BUFFER_LIMIT"); err != nil {
		return err
	}
	return nil
}

// Validate checks limits and required lists.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.DataDir) == "" {
		return errors.New("VOICE_DATA_DIR must not be empty")
	}
	if c.PollInterval <= 0 {
		return errors.New("VOICE_POLL_INTERVAL must be positive")
	}
	if c.HistoryLimit <= 0 {
		return errors.New("VOICE_HISTORY_LIMIT must be positive")
	}
	if c.SignalBufferLimit <= 0 {
		return errors.New("VOICE_SIGNAL_BUFFER_LIMIT must be positive")
	}
	if c.CallTimeout < 0 {
		return errors.New("VOICE_CALL_TIMEOUT must not be negative")
	}
	if len(c.STUNServers) == 0 {
		return errors.New("at least one STUN server is required")
	}
	return nil
}

// RequireSignalURL reports an error when no signaling server is configured.
func (c *Config) RequireSignalURL() error {
	if c.SignalURL == "" {
		return errors.New("VOICE_SIGNAL_URL environment variable is required")
	}
	return nil
}

// ResolvePath makes a relative path relative to DataDir.
func (c *Config) ResolvePath(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.DataDir, p)
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setDuration(dst *time.Duration, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = d
	return nil
}

func setInt(dst *int, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = n
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
