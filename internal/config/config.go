// Package config loads the core's tunables from YAML with sane
// defaults for every field. A missing file is not an error: hosts that
// never write a config run entirely on defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"synapse/internal/capacity"
	"synapse/internal/intent"
)

// Config holds the full core configuration.
type Config struct {
	Name    string `yaml:"name"`
	Version int    `yaml:"version"` // snapshot schema version

	Bridge       BridgeConfig       `yaml:"bridge"`
	Resilience   ResilienceConfig   `yaml:"resilience"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Intent       IntentConfig       `yaml:"intent"`
	Inference    InferenceConfig    `yaml:"inference"`
	Kernel       KernelConfig       `yaml:"kernel"`
	Persistence  PersistenceConfig  `yaml:"persistence"`
}

// BridgeConfig tunes the client side of the message bridge.
type BridgeConfig struct {
	DefaultTimeout     string `yaml:"default_timeout"`
	HeartbeatTimeout   string `yaml:"heartbeat_timeout"`
	ReconnectAttempts  int    `yaml:"reconnect_attempts"`
	ReconnectBaseDelay string `yaml:"reconnect_base_delay"`
}

// ResilienceConfig tunes the circuit breaker and retry policy.
type ResilienceConfig struct {
	FailureThreshold     int               `yaml:"failure_threshold"`
	Cooldown             string            `yaml:"cooldown"`
	DefaultTimeout       string            `yaml:"default_timeout"`
	TargetTimeouts       map[string]string `yaml:"target_timeouts"`
	BaseDelay            string            `yaml:"base_delay"`
	MaxDelay             string            `yaml:"max_delay"`
	SuccessRateThreshold float64           `yaml:"success_rate_threshold"`
}

// OrchestratorConfig tunes worker dispatch.
type OrchestratorConfig struct {
	DispatchTimeout    string `yaml:"dispatch_timeout"`
	ErrorThreshold     int    `yaml:"error_threshold"`
	LoadBalanced       bool   `yaml:"load_balanced"`
	LimitedConcurrency int64  `yaml:"limited_concurrency"`
}

// IntentConfig tunes classification and declares the routable
// categories.
type IntentConfig struct {
	AcceptThreshold float64          `yaml:"accept_threshold"`
	MinScore        int              `yaml:"min_score"`
	CatchAll        string           `yaml:"catch_all"`
	CacheSize       int              `yaml:"cache_size"`
	CacheTTL        string           `yaml:"cache_ttl"`
	Categories      []CategoryConfig `yaml:"categories"`
}

// CategoryConfig is one routable intent in the YAML file. Phrases are
// regular expressions, compiled when the categories are materialized.
type CategoryConfig struct {
	Name     string   `yaml:"name"`
	Keywords []string `yaml:"keywords"`
	Phrases  []string `yaml:"phrases"`
	Priority string   `yaml:"priority"`
}

// InferenceConfig locates the backend inference endpoint.
type InferenceConfig struct {
	BaseURL     string  `yaml:"base_url"`
	Model       string  `yaml:"model"`
	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float64 `yaml:"temperature"`
	Timeout     string  `yaml:"timeout"`
}

// KernelConfig tunes the backend endpoint.
type KernelConfig struct {
	HeartbeatInterval string   `yaml:"heartbeat_interval"`
	DeepCategories    []string `yaml:"deep_categories"`
}

// PersistenceConfig locates the snapshot database.
type PersistenceConfig struct {
	Enabled      bool   `yaml:"enabled"`
	DatabasePath string `yaml:"database_path"`
}

// DefaultConfig returns the full default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "synapse",
		Version: 1,

		Bridge: BridgeConfig{
			DefaultTimeout:     "30s",
			HeartbeatTimeout:   "15s",
			ReconnectAttempts:  3,
			ReconnectBaseDelay: "1s",
		},

		Resilience: ResilienceConfig{
			FailureThreshold:     5,
			Cooldown:             "30s",
			DefaultTimeout:       "60s",
			TargetTimeouts:       map[string]string{"inference": "120s"},
			BaseDelay:            "1s",
			MaxDelay:             "30s",
			SuccessRateThreshold: 0.95,
		},

		Orchestrator: OrchestratorConfig{
			DispatchTimeout:    "30s",
			ErrorThreshold:     3,
			LoadBalanced:       true,
			LimitedConcurrency: 2,
		},

		Intent: IntentConfig{
			AcceptThreshold: 0.6,
			MinScore:        2,
			CatchAll:        "general",
			CacheSize:       256,
			CacheTTL:        "10m",
			Categories: []CategoryConfig{
				{Name: "analysis", Keywords: []string{"analyze", "explain", "why", "compare"}, Priority: "high"},
				{Name: "creation", Keywords: []string{"write", "create", "draft", "compose"}, Priority: "medium"},
				{Name: "lookup", Keywords: []string{"what", "when", "who", "find"}, Priority: "low"},
				{Name: "general", Keywords: []string{}, Priority: "medium"},
			},
		},

		Inference: InferenceConfig{
			BaseURL:     "http://localhost:8089/v1",
			Model:       "local-default",
			MaxTokens:   4096,
			Temperature: 0.7,
			Timeout:     "120s",
		},

		Kernel: KernelConfig{
			HeartbeatInterval: "5s",
			DeepCategories:    []string{"analysis"},
		},

		Persistence: PersistenceConfig{
			Enabled:      true,
			DatabasePath: "data/synapse.db",
		},
	}
}

// Load reads the YAML file at path over the defaults. A missing file
// yields the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save writes the configuration as YAML.
func (c *Config) Save(path string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("SYNAPSE_INFERENCE_URL"); v != "" {
		c.Inference.BaseURL = v
	}
	if v := os.Getenv("SYNAPSE_INFERENCE_MODEL"); v != "" {
		c.Inference.Model = v
	}
	if v := os.Getenv("SYNAPSE_DB_PATH"); v != "" {
		c.Persistence.DatabasePath = v
	}
}

// RouterCategories compiles the configured categories into the
// router's form. An invalid phrase pattern fails loudly rather than
// silently dropping a routing rule.
func (c *Config) RouterCategories() ([]intent.Category, error) {
	categories := make([]intent.Category, 0, len(c.Intent.Categories))
	for _, cat := range c.Intent.Categories {
		compiled := make([]*regexp.Regexp, 0, len(cat.Phrases))
		for _, phrase := range cat.Phrases {
			re, err := regexp.Compile(phrase)
			if err != nil {
				return nil, fmt.Errorf("category %q: invalid phrase %q: %w", cat.Name, phrase, err)
			}
			compiled = append(compiled, re)
		}
		categories = append(categories, intent.Category{
			Name:     cat.Name,
			Keywords: cat.Keywords,
			Phrases:  compiled,
			Priority: capacity.ParsePriority(cat.Priority),
		})
	}
	return categories, nil
}

// duration parses a YAML duration string, falling back when empty or
// malformed so a sloppy config degrades instead of crashing.
func duration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

func (c *BridgeConfig) GetDefaultTimeout() time.Duration {
	return duration(c.DefaultTimeout, 30*time.Second)
}

func (c *BridgeConfig) GetHeartbeatTimeout() time.Duration {
	return duration(c.HeartbeatTimeout, 15*time.Second)
}

func (c *BridgeConfig) GetReconnectBaseDelay() time.Duration {
	return duration(c.ReconnectBaseDelay, time.Second)
}

func (c *ResilienceConfig) GetCooldown() time.Duration {
	return duration(c.Cooldown, 30*time.Second)
}

func (c *ResilienceConfig) GetDefaultTimeout() time.Duration {
	return duration(c.DefaultTimeout, 60*time.Second)
}

func (c *ResilienceConfig) GetBaseDelay() time.Duration {
	return duration(c.BaseDelay, time.Second)
}

func (c *ResilienceConfig) GetMaxDelay() time.Duration {
	return duration(c.MaxDelay, 30*time.Second)
}

// GetTargetTimeouts parses the per-target timeout table, skipping
// malformed entries.
func (c *ResilienceConfig) GetTargetTimeouts() map[string]time.Duration {
	if len(c.TargetTimeouts) == 0 {
		return nil
	}
	out := make(map[string]time.Duration, len(c.TargetTimeouts))
	for target, raw := range c.TargetTimeouts {
		if d, err := time.ParseDuration(raw); err == nil {
			out[target] = d
		}
	}
	return out
}

func (c *OrchestratorConfig) GetDispatchTimeout() time.Duration {
	return duration(c.DispatchTimeout, 30*time.Second)
}

func (c *IntentConfig) GetCacheTTL() time.Duration {
	return duration(c.CacheTTL, 10*time.Minute)
}

func (c *InferenceConfig) GetTimeout() time.Duration {
	return duration(c.Timeout, 120*time.Second)
}

func (c *KernelConfig) GetHeartbeatInterval() time.Duration {
	return duration(c.HeartbeatInterval, 5*time.Second)
}
