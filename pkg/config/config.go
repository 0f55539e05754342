package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config represents the global configuration for advisord.
type Config struct {
	Daemon     DaemonConfig     `yaml:"daemon" json:"daemon"`
	Database   DatabaseConfig   `yaml:"database" json:"database"`
	Generative GenerativeConfig `yaml:"generative" json:"generative"`
	Session    SessionConfig    `yaml:"session" json:"session"`
	Catalog    CatalogConfig    `yaml:"catalog" json:"catalog"`
	Telemetry  TelemetryConfig  `yaml:"telemetry" json:"telemetry"`
	Limits     LimitsConfig     `yaml:"limits" json:"limits"`
}

type DaemonConfig struct {
	Host string    `yaml:"host" json:"host"`
	Port int       `yaml:"port" json:"port"`
	Logs LogConfig `yaml:"logs" json:"logs"`
}

type LogConfig struct {
	Level   string `yaml:"level" json:"level"`
	Console bool   `yaml:"console" json:"console"`
	File    string `yaml:"file" json:"file"`
}

type DatabaseConfig struct {
	Path    string `yaml:"path" json:"path"`
	WALMode bool   `yaml:"wal_mode" json:"wal_mode"`
	Timeout string `yaml:"timeout" json:"timeout"`
}

// GenerativeConfig configures the single loopback connection to the
// local generative backend.
type GenerativeConfig struct {
	BaseURL         string `yaml:"base_url" json:"base_url"`
	JuniorModel     string `yaml:"junior_model" json:"junior_model"`
	SeniorModel     string `yaml:"senior_model" json:"senior_model"`
	KeepAlive       string `yaml:"keep_alive" json:"keep_alive"`
	TimeoutSeconds  int    `yaml:"timeout_seconds" json:"timeout_seconds"`
	BusyWaitSeconds int    `yaml:"busy_wait_seconds" json:"busy_wait_seconds"`
	// UnloadBetweenStages evicts the planner model before each audit,
	// for hosts that cannot keep both models resident at once.
	UnloadBetweenStages bool `yaml:"unload_between_stages" json:"unload_between_stages"`
}

type SessionConfig struct {
	JWTSecret      string `yaml:"jwt_secret" json:"jwt_secret"`
	ExpiresMinutes int    `yaml:"expires_minutes" json:"expires_minutes"`
	BusyWaitMs     int    `yaml:"busy_wait_ms" json:"busy_wait_ms"`
}

type CatalogConfig struct {
	OverridePath string `yaml:"override_path" json:"override_path"`
}

type TelemetryConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path" json:"path"`
}

// LimitsConfig bounds the orchestrator's iteration and the
// reconciler's stability tunables.
type LimitsConfig struct {
	MaxProbeRounds           int     `yaml:"max_probe_rounds" json:"max_probe_rounds"`
	MaxDistinctProbes        int     `yaml:"max_distinct_probes" json:"max_distinct_probes"`
	ReliabilityThreshold     float64 `yaml:"reliability_threshold" json:"reliability_threshold"`
	StabilityJaccard         float64 `yaml:"stability_jaccard" json:"stability_jaccard"`
	StabilityBonusMatch      float64 `yaml:"stability_bonus_match" json:"stability_bonus_match"`
	StabilityBonusReconciled float64 `yaml:"stability_bonus_reconciled" json:"stability_bonus_reconciled"`
}

// Global configuration instance.
var globalConfig *Config

// Load loads configuration from file and environment variables.
func Load() (*Config, error) {
	environment := os.Getenv("ADVISORD_ENV")
	if environment == "" {
		environment = "development"
	}

	configPath := fmt.Sprintf("./configs/%s.yaml", environment)

	config := &Config{}

	if fileExists(configPath) {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
		}

		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
		}
	} else {
		return nil, fmt.Errorf("config file not found: %s", configPath)
	}

	overrideWithEnv(config)
	applyDefaults(config)

	if config.Session.JWTSecret == "" && environment != "production" {
		secret, err := generateRandomSecret(32)
		if err != nil {
			return nil, fmt.Errorf("failed to generate session secret: %w", err)
		}
		config.Session.JWTSecret = secret
	}

	if err := validate(config, environment); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	globalConfig = config
	return config, nil
}

// Get returns the global configuration instance.
func Get() *Config {
	if globalConfig == nil {
		panic("configuration not loaded, call Load() first")
	}
	return globalConfig
}

// applyDefaults fills in conservative defaults for fields the operator
// may have left blank.
func applyDefaults(config *Config) {
	if config.Generative.KeepAlive == "" {
		config.Generative.KeepAlive = "5m"
	}
	if config.Generative.TimeoutSeconds == 0 {
		config.Generative.TimeoutSeconds = 120
	}
	if config.Generative.BusyWaitSeconds == 0 {
		config.Generative.BusyWaitSeconds = 15
	}
	if config.Limits.MaxProbeRounds == 0 {
		config.Limits.MaxProbeRounds = 3
	}
	if config.Limits.MaxDistinctProbes == 0 {
		config.Limits.MaxDistinctProbes = 16
	}
	if config.Limits.ReliabilityThreshold == 0 {
		config.Limits.ReliabilityThreshold = 0.70
	}
	if config.Limits.StabilityJaccard == 0 {
		config.Limits.StabilityJaccard = 0.80
	}
	if config.Limits.StabilityBonusMatch == 0 {
		config.Limits.StabilityBonusMatch = 0.10
	}
	if config.Limits.StabilityBonusReconciled == 0 {
		config.Limits.StabilityBonusReconciled = 0.05
	}
	if config.Session.ExpiresMinutes == 0 {
		config.Session.ExpiresMinutes = 60
	}
	if config.Session.BusyWaitMs == 0 {
		config.Session.BusyWaitMs = 2000
	}
}

// overrideWithEnv overrides configuration with environment variables.
func overrideWithEnv(config *Config) {
	if val := os.Getenv("ADVISORD_DAEMON_HOST"); val != "" {
		config.Daemon.Host = val
	}
	if val := os.Getenv("ADVISORD_DAEMON_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			config.Daemon.Port = port
		}
	}
	if val := os.Getenv("ADVISORD_DB_PATH"); val != "" {
		config.Database.Path = val
	}
	if val := os.Getenv("ADVISORD_GENERATIVE_BASE_URL"); val != "" {
		config.Generative.BaseURL = val
	}
	if val := os.Getenv("ADVISORD_GENERATIVE_JUNIOR_MODEL"); val != "" {
		config.Generative.JuniorModel = val
	}
	if val := os.Getenv("ADVISORD_GENERATIVE_SENIOR_MODEL"); val != "" {
		config.Generative.SeniorModel = val
	}
	if val := os.Getenv("ADVISORD_SESSION_JWT_SECRET"); val != "" {
		config.Session.JWTSecret = val
	}
	if val := os.Getenv("ADVISORD_CATALOG_OVERRIDE_PATH"); val != "" {
		config.Catalog.OverridePath = val
	}
	if val := os.Getenv("ADVISORD_TELEMETRY_ENABLED"); val != "" {
		config.Telemetry.Enabled = strings.ToLower(val) == "true"
	}
}

// validate validates the configuration.
func validate(config *Config, environment string) error {
	if config.Daemon.Host == "" {
		return fmt.Errorf("daemon.host cannot be empty")
	}
	if config.Daemon.Port <= 0 || config.Daemon.Port > 65535 {
		return fmt.Errorf("invalid daemon.port: %d", config.Daemon.Port)
	}
	if config.Database.Path == "" {
		return fmt.Errorf("database.path cannot be empty")
	}
	if config.Generative.BaseURL == "" {
		return fmt.Errorf("generative.base_url cannot be empty")
	}
	if config.Generative.JuniorModel == "" {
		return fmt.Errorf("generative.junior_model cannot be empty")
	}
	if config.Generative.SeniorModel == "" {
		return fmt.Errorf("generative.senior_model cannot be empty")
	}

	if environment == "production" && config.Session.JWTSecret == "" {
		return fmt.Errorf("session.jwt_secret is required in production environment")
	}

	return nil
}

// generateRandomSecret generates a cryptographically random hex secret
// of the requested byte length, doubled in string length by encoding.
func generateRandomSecret(length int) (string, error) {
	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// fileExists checks if a file exists.
func fileExists(filename string) bool {
	info, err := os.Stat(filename)
	if os.IsNotExist(err) {
		return false
	}
	return err == nil && !info.IsDir()
}
