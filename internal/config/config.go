// Package config loads Parley's YAML configuration.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nugget/parley/internal/email"
	"github.com/nugget/parley/internal/llm"
	"github.com/nugget/parley/internal/usage"
)

// DefaultSearchPaths returns the config file search order after an
// explicit -config path: ./config.yaml, ~/.config/parley/config.yaml,
// /etc/parley/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "parley", "config.yaml"))
	}
	return append(paths, "/etc/parley/config.yaml")
}

// FindConfig locates a config file. An explicit path must exist;
// otherwise the first existing DefaultSearchPaths entry wins.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}
	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Speech output sinks.
const (
	OutputNone      = "none"
	OutputMQTT      = "mqtt"
	OutputWebSocket = "websocket"
)

// Config holds all Parley configuration.
type Config struct {
	Listen       ListenConfig       `yaml:"listen"`
	Gemini       GeminiConfig       `yaml:"gemini"`
	Retry        RetryConfig        `yaml:"retry"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Speech       SpeechConfig       `yaml:"speech"`
	MQTT         MQTTConfig         `yaml:"mqtt"`
	Email        email.Config       `yaml:"email"`
	Location     *LocationConfig    `yaml:"location"`

	PersonaFile string `yaml:"persona_file"`
	DataDir     string `yaml:"data_dir"`
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"` // text or json
}

// ListenConfig is the API server bind address.
type ListenConfig struct {
	Address string `yaml:"address"` // "" = all interfaces
	Port    int    `yaml:"port"`
}

// GeminiConfig holds the model API settings.
type GeminiConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`

	Models llm.GeminiModels `yaml:"models"`

	// ThinkingBudget is the token budget for the deep-reasoning tier.
	ThinkingBudget int32 `yaml:"thinking_budget"`

	// Pricing maps model names to per-million-token prices for the
	// usage ledger. Unlisted models are recorded at zero cost.
	Pricing map[string]usage.Price `yaml:"pricing"`
}

// RetryConfig bounds every model call.
type RetryConfig struct {
	MaxRetries     int `yaml:"max_retries"`
	BaseDelayMs    int `yaml:"base_delay_ms"`
	CallTimeoutSec int `yaml:"call_timeout_sec"`
}

// BaseDelay returns BaseDelayMs as a duration.
func (r RetryConfig) BaseDelay() time.Duration {
	return time.Duration(r.BaseDelayMs) * time.Millisecond
}

// CallTimeout returns CallTimeoutSec as a duration.
func (r RetryConfig) CallTimeout() time.Duration {
	return time.Duration(r.CallTimeoutSec) * time.Second
}

// OrchestratorConfig tunes the tool loop.
type OrchestratorConfig struct {
	MaxIterations int `yaml:"max_iterations"`
	HistoryWindow int `yaml:"history_window"`
}

// SpeechConfig controls spoken replies.
type SpeechConfig struct {
	Enabled bool   `yaml:"enabled"`
	Voice   string `yaml:"voice"`
	Output  string `yaml:"output"` // none, mqtt or websocket
}

// MQTTConfig is the broker connection for the MQTT speaker.
type MQTTConfig struct {
	Broker          string `yaml:"broker"` // mqtt://host:1883 or mqtts://host:8883
	Username        string `yaml:"username"`
	Password        string `yaml:"password"`
	DeviceName      string `yaml:"device_name"`
	TopicPrefix     string `yaml:"topic_prefix"`
	DiscoveryPrefix string `yaml:"discovery_prefix"`
}

// Configured reports whether a broker is set.
func (m MQTTConfig) Configured() bool {
	return m.Broker != ""
}

// LocationConfig is a fixed device position answered by the location
// tool. Omit the section to leave the tool out of the catalog.
type LocationConfig struct {
	Latitude       float64 `yaml:"latitude"`
	Longitude      float64 `yaml:"longitude"`
	AccuracyMeters float64 `yaml:"accuracy_meters"`
	Label          string  `yaml:"label"`
}

// Load reads, expands ${ENV} references in, and validates a YAML
// config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse decodes configuration from YAML bytes, applying environment
// expansion and defaults.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills zero-value fields.
func (c *Config) ApplyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = 8080
	}
	c.Gemini.Models.ApplyDefaults()
	if c.Gemini.ThinkingBudget == 0 {
		c.Gemini.ThinkingBudget = 8192
	}
	if c.Retry.MaxRetries == 0 {
		c.Retry.MaxRetries = 3
	}
	if c.Retry.BaseDelayMs == 0 {
		c.Retry.BaseDelayMs = 1000
	}
	if c.Retry.CallTimeoutSec == 0 {
		c.Retry.CallTimeoutSec = 120
	}
	if c.Orchestrator.MaxIterations == 0 {
		c.Orchestrator.MaxIterations = 10
	}
	if c.Orchestrator.HistoryWindow == 0 {
		c.Orchestrator.HistoryWindow = 30
	}
	if c.Speech.Voice == "" {
		c.Speech.Voice = "Kore"
	}
	if c.Speech.Output == "" {
		c.Speech.Output = OutputNone
	}
	if c.MQTT.DeviceName == "" {
		c.MQTT.DeviceName = "parley"
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "parley"
	}
	if c.MQTT.DiscoveryPrefix == "" {
		c.MQTT.DiscoveryPrefix = "homeassistant"
	}
	c.Email.ApplyDefaults()
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	c.DataDir = expandHome(c.DataDir)
	c.PersonaFile = expandHome(c.PersonaFile)
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
}

// Validate reports the first configuration problem found.
func (c *Config) Validate() error {
	if c.Listen.Port < 1 || c.Listen.Port > 65535 {
		return fmt.Errorf("listen.port %d out of range (1-65535)", c.Listen.Port)
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log_level: %w", err)
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("log_format %q must be text or json", c.LogFormat)
	}
	if c.Retry.MaxRetries < 0 {
		return errors.New("retry.max_retries must not be negative")
	}
	if c.Orchestrator.MaxIterations < 1 {
		return errors.New("orchestrator.max_iterations must be at least 1")
	}
	if c.Orchestrator.HistoryWindow < 1 {
		return errors.New("orchestrator.history_window must be at least 1")
	}

	switch c.Speech.Output {
	case OutputNone, OutputWebSocket:
	case OutputMQTT:
		if !c.MQTT.Configured() {
			return errors.New("speech.output is mqtt but mqtt.broker is not set")
		}
	default:
		return fmt.Errorf("speech.output %q must be none, mqtt or websocket", c.Speech.Output)
	}

	if c.MQTT.Configured() {
		u, err := url.Parse(c.MQTT.Broker)
		if err != nil || u.Host == "" {
			return fmt.Errorf("mqtt.broker %q is not a valid URL", c.MQTT.Broker)
		}
	}

	if l := c.Location; l != nil {
		if l.Latitude < -90 || l.Latitude > 90 || l.Longitude < -180 || l.Longitude > 180 {
			return fmt.Errorf("location (%g, %g) out of range", l.Latitude, l.Longitude)
		}
	}

	for model, p := range c.Gemini.Pricing {
		if p.InputPerMillion < 0 || p.OutputPerMillion < 0 {
			return fmt.Errorf("gemini.pricing.%s: prices must not be negative", model)
		}
	}

	return c.Email.Validate()
}

// expandHome replaces a leading ~ with the user's home directory.
func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
