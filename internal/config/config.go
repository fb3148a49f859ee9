package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/lastowl/nolongerevil-bridge/internal/nle"
)

// Config holds application configuration
type Config struct {
	// NoLongerEvil backend settings
	APIKey             string `json:"api_key" yaml:"api_key"`
	ServerURL          string `json:"server_url" yaml:"server_url"`
	PollInterval       int    `json:"poll_interval" yaml:"poll_interval"`
	RateLimitPerMinute int    `json:"rate_limit_per_minute" yaml:"rate_limit_per_minute"`

	// Local web server and storage
	ServerPort int    `json:"server_port" yaml:"server_port"`
	DataDir    string `json:"data_dir" yaml:"data_dir"`

	HomeKit HomeKitConfig `json:"homekit" yaml:"homekit"`
	MQTT    MQTTConfig    `json:"mqtt" yaml:"mqtt"`

	LogLevel string `json:"log_level" yaml:"log_level"`
	LogJSON  bool   `json:"log_json" yaml:"log_json"`

	// Encryption key path (for an API key saved through the web API)
	EncryptionKeyPath string `json:"encryption_key_path" yaml:"encryption_key_path"`
}

// HomeKitConfig configures the HAP bridge accessory
type HomeKitConfig struct {
	Name     string `json:"name" yaml:"name"`
	Pin      string `json:"pin" yaml:"pin"`
	Port     int    `json:"port" yaml:"port"`
	StoreDir string `json:"store_dir" yaml:"store_dir"`
}

// MQTTConfig configures the optional state mirror
type MQTTConfig struct {
	Enabled     bool   `json:"enabled" yaml:"enabled"`
	Broker      string `json:"broker" yaml:"broker"`
	ClientID    string `json:"client_id" yaml:"client_id"`
	Username    string `json:"username" yaml:"username"`
	Password    string `json:"password" yaml:"password"`
	TopicPrefix string `json:"topic_prefix" yaml:"topic_prefix"`
	QoS         int    `json:"qos" yaml:"qos"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()
	dataDir := filepath.Join(homeDir, ".nolongerevil-bridge")

	return &Config{
		ServerURL:          nle.DefaultBaseURL,
		PollInterval:       30,
		RateLimitPerMinute: 60,
		ServerPort:         8080,
		DataDir:            dataDir,
		HomeKit: HomeKitConfig{
			Name: "NoLongerEvil Bridge",
			Pin:  "00102003",
		},
		MQTT: MQTTConfig{
			Broker:      "tcp://localhost:1883",
			ClientID:    "nolongerevil-bridge",
			TopicPrefix: "nolongerevil",
			QoS:         1,
		},
		LogLevel:          "info",
		EncryptionKeyPath: filepath.Join(dataDir, "encryption.key"),
	}
}

// Load reads configuration from a YAML or JSON file. A missing file yields
// the defaults; environment overrides are applied in both cases.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := unmarshal(path, data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	case os.IsNotExist(err):
	default:
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func unmarshal(path string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Unmarshal(data, cfg)
	default:
		return json.Unmarshal(data, cfg)
	}
}

// applyEnvOverrides lets secrets and deployment paths come from the
// environment instead of the config file.
func (c *Config) applyEnvOverrides() error {
	if v := os.Getenv("NLE_API_KEY"); v != "" {
		c.APIKey = v
	}
	if v := os.Getenv("NLE_SERVER_URL"); v != "" {
		c.ServerURL = v
	}
	if v := os.Getenv("NLE_POLL_INTERVAL"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid NLE_POLL_INTERVAL %q: %w", v, err)
		}
		c.PollInterval = n
	}
	if v := os.Getenv("NLE_DATA_DIR"); v != "" {
		c.DataDir = v
		c.EncryptionKeyPath = filepath.Join(v, "encryption.key")
	}
	return nil
}

// Validate checks value ranges
func (c *Config) Validate() error {
	if c.PollInterval < 5 {
		return fmt.Errorf("poll_interval must be at least 5 seconds, got %d", c.PollInterval)
	}
	if c.RateLimitPerMinute <= 0 {
		return fmt.Errorf("rate_limit_per_minute must be positive, got %d", c.RateLimitPerMinute)
	}
	if c.ServerPort <= 0 || c.ServerPort > 65535 {
		return fmt.Errorf("server_port out of range: %d", c.ServerPort)
	}
	if c.HomeKit.Port < 0 || c.HomeKit.Port > 65535 {
		return fmt.Errorf("homekit.port out of range: %d", c.HomeKit.Port)
	}
	if len(c.HomeKit.Pin) != 8 {
		return fmt.Errorf("homekit.pin must be 8 digits")
	}
	for _, r := range c.HomeKit.Pin {
		if r < '0' || r > '9' {
			return fmt.Errorf("homekit.pin must be 8 digits")
		}
	}
	if c.MQTT.Enabled {
		if c.MQTT.Broker == "" {
			return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
		}
		if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
			return fmt.Errorf("mqtt.qos must be 0, 1 or 2")
		}
	}
	return nil
}

// Save writes configuration to a JSON file
func (c *Config) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

// EnsureDataDir creates the data directory if it doesn't exist
func (c *Config) EnsureDataDir() error {
	return os.MkdirAll(c.DataDir, 0755)
}

// DatabasePath returns the path to the SQLite database
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "bridge.db")
}

// HomeKitStoreDir returns the directory hap keeps its pairing data in
func (c *Config) HomeKitStoreDir() string {
	if c.HomeKit.StoreDir != "" {
		return c.HomeKit.StoreDir
	}
	return filepath.Join(c.DataDir, "homekit")
}

// PollDuration returns the per-device refresh cadence
func (c *Config) PollDuration() time.Duration {
	return time.Duration(c.PollInterval) * time.Second
}
