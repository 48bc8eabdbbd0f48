// Package config loads and validates the router's YAML configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/yshimada/llmrouter/internal/logging"
	"gopkg.in/yaml.v3"
)

// KnownProviders are the cloud providers the router can speak to.
var KnownProviders = []string{"anthropic", "openai", "google", "openrouter", "moonshot"}

// Config is the full router configuration.
type Config struct {
	Models   ModelsConfig   `yaml:"models"`
	Routing  RoutingConfig  `yaml:"routing"`
	Fallback FallbackConfig `yaml:"fallback"`
	Cost     CostConfig     `yaml:"cost"`
	Scanner  ScannerConfig  `yaml:"scanner"`
	Database DatabaseConfig `yaml:"database"`
	API      APIConfig      `yaml:"api"`

	// Path the config was loaded from (not part of the YAML)
	path string
}

// ModelsConfig names the default local and cloud models.
type ModelsConfig struct {
	Local LocalModelConfig `yaml:"local"`
	Cloud CloudModelConfig `yaml:"cloud"`
}

// LocalModelConfig points at the primary local runtime.
type LocalModelConfig struct {
	Endpoint string `yaml:"endpoint"` // default URL for the primary local runtime
	Model    string `yaml:"model"`    // preferred model id when more than one is loaded
}

// CloudModelConfig names the default cloud provider and model.
type CloudModelConfig struct {
	Provider string `yaml:"provider"` // anthropic, openai, google, openrouter, moonshot
	Model    string `yaml:"model"`
}

// RoutingConfig holds the triage rules.
type RoutingConfig struct {
	HardRules          []HardRule               `yaml:"hard_rules"`
	IntelligentRouting IntelligentRoutingConfig `yaml:"intelligent_routing"`
}

// HardRule routes inputs containing any of its trigger substrings.
// An empty trigger list makes the rule unconditional.
type HardRule struct {
	Triggers []string `yaml:"triggers"`
	Model    string   `yaml:"model"`
	Reason   string   `yaml:"reason"`
}

// IntelligentRoutingConfig configures the delegated classifier.
type IntelligentRoutingConfig struct {
	Enabled             bool    `yaml:"enabled"`
	ConfidenceThreshold float64 `yaml:"confidence_threshold"`
	TriagePrompt        string  `yaml:"triage_prompt"` // template with {input} placeholder
	ClassifierModel     string  `yaml:"classifier_model"`
	TimeoutSeconds      int     `yaml:"timeout_seconds"`
}

// FallbackConfig declares the executor's priority chain.
type FallbackConfig struct {
	Chain      []string `yaml:"chain"`
	MaxRetries int      `yaml:"max_retries"`
}

// CostConfig carries the pricing table and display FX rate.
type CostConfig struct {
	Pricing map[string]ModelPricing `yaml:"pricing"`
	FXRate  float64                 `yaml:"fx_rate"`
}

// ModelPricing is USD per million tokens.
type ModelPricing struct {
	Input  float64 `yaml:"input"`
	Output float64 `yaml:"output"`
}

// IsZero reports whether no pricing is set.
func (p ModelPricing) IsZero() bool {
	return p.Input == 0 && p.Output == 0
}

// ScannerConfig controls runtime discovery.
type ScannerConfig struct {
	CacheTTL            int      `yaml:"cache_ttl"`     // registry refresh interval in seconds
	ProbeTimeoutSeconds int      `yaml:"probe_timeout"` // per-probe timeout
	AllowedHosts        []string `yaml:"allowed_hosts"` // non-loopback hosts permitted as runtime endpoints
}

// DatabaseConfig locates the conversation store.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// APIConfig holds the HTTP bind address and request policy.
type APIConfig struct {
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	RateLimitMs    int      `yaml:"rate_limit_ms"`
}

// DefaultConfigPath resolves the config location: ROUTER_CONFIG_PATH,
// then ./config.yaml, then ~/.llmrouter/config.yaml.
func DefaultConfigPath() string {
	if p := os.Getenv("ROUTER_CONFIG_PATH"); p != "" {
		return p
	}
	if _, err := os.Stat("config.yaml"); err == nil {
		return "config.yaml"
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".llmrouter", "config.yaml")
}

// DefaultDataDir returns the directory for persisted state
// (conversations.db, model_registry.json, fallback_priority.json).
func DefaultDataDir() string {
	if p := os.Getenv("ROUTER_STORAGE_PATH"); p != "" {
		return p
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".llmrouter", "data")
}

// Load reads, defaults, env-overrides and validates the config file.
// Validation failures are terminal.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.path = path

	cfg.applyDefaults()
	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logging.L_info("config: loaded", "path", path, "hardRules", len(cfg.Routing.HardRules), "chain", len(cfg.Fallback.Chain))
	return cfg, nil
}

// Path returns the file the config was loaded from.
func (c *Config) Path() string {
	return c.path
}

func (c *Config) applyDefaults() {
	if c.Scanner.CacheTTL <= 0 {
		c.Scanner.CacheTTL = 300
	}
	if c.Scanner.ProbeTimeoutSeconds <= 0 {
		c.Scanner.ProbeTimeoutSeconds = 3
	}
	if c.Routing.IntelligentRouting.ConfidenceThreshold <= 0 {
		c.Routing.IntelligentRouting.ConfidenceThreshold = 0.75
	}
	if c.Routing.IntelligentRouting.TimeoutSeconds <= 0 {
		c.Routing.IntelligentRouting.TimeoutSeconds = 10
	}
	if c.Fallback.MaxRetries <= 0 {
		c.Fallback.MaxRetries = 3
	}
	if c.Cost.FXRate <= 0 {
		c.Cost.FXRate = 1.0
	}
	if c.API.Host == "" {
		c.API.Host = "127.0.0.1"
	}
	if c.API.Port == 0 {
		c.API.Port = 8765
	}
	if c.Database.Path == "" {
		c.Database.Path = filepath.Join(DefaultDataDir(), "conversations.db")
	}
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("ROUTER_API_HOST"); v != "" {
		c.API.Host = v
	}
	if v := os.Getenv("ROUTER_API_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			c.API.Port = port
		} else {
			logging.L_warn("config: invalid ROUTER_API_PORT ignored", "value", v)
		}
	}
	if v := os.Getenv("ROUTER_STORAGE_PATH"); v != "" {
		c.Database.Path = filepath.Join(v, "conversations.db")
	}
	if v := os.Getenv("ROUTER_ALLOWED_ORIGINS"); v != "" {
		c.API.AllowedOrigins = splitCommaList(v)
	}
	if v := os.Getenv("ROUTER_RATE_LIMIT_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms >= 0 {
			c.API.RateLimitMs = ms
		} else {
			logging.L_warn("config: invalid ROUTER_RATE_LIMIT_MS ignored", "value", v)
		}
	}
}

func splitCommaList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// Validate checks the parsed configuration. Errors are terminal at load
// time; suspicious-but-legal settings only produce warnings.
func (c *Config) Validate() error {
	if len(c.Fallback.Chain) == 0 {
		return fmt.Errorf("config: fallback.chain must not be empty")
	}

	if c.Models.Cloud.Provider != "" && !isKnownProvider(c.Models.Cloud.Provider) {
		return fmt.Errorf("config: unknown cloud provider %q (known: %s)",
			c.Models.Cloud.Provider, strings.Join(KnownProviders, ", "))
	}

	for i, ref := range c.Fallback.Chain {
		if !ValidModelRef(ref) {
			return fmt.Errorf("config: fallback.chain[%d]: malformed model reference %q", i, ref)
		}
	}

	for i, rule := range c.Routing.HardRules {
		if rule.Model == "" {
			return fmt.Errorf("config: routing.hard_rules[%d]: missing model", i)
		}
		if !ValidModelRef(rule.Model) {
			return fmt.Errorf("config: routing.hard_rules[%d]: malformed model reference %q", i, rule.Model)
		}
		if len(rule.Triggers) == 0 {
			// Unconditional rule: accepted, but almost always a config mistake
			logging.L_warn("config: hard rule has no triggers and will always match", "index", i, "model", rule.Model)
		}
	}

	if c.Routing.IntelligentRouting.Enabled && c.Routing.IntelligentRouting.TriagePrompt != "" &&
		!strings.Contains(c.Routing.IntelligentRouting.TriagePrompt, "{input}") {
		logging.L_warn("config: triage_prompt has no {input} placeholder")
	}

	known := make(map[string]bool)
	for _, ref := range c.Fallback.Chain {
		known[RefModelID(ref)] = true
	}
	known[c.Models.Local.Model] = true
	known[c.Models.Cloud.Model] = true
	for model := range c.Cost.Pricing {
		if !known[model] {
			logging.L_warn("config: pricing entry for unknown model", "model", model)
		}
	}

	return nil
}

// ValidModelRef reports whether ref is a well-formed model reference:
// "provider:id", or one of the aliases "local", "cloud", "claude".
func ValidModelRef(ref string) bool {
	switch ref {
	case "local", "cloud", "claude":
		return true
	}
	idx := strings.Index(ref, ":")
	return idx > 0 && idx < len(ref)-1
}

// RefModelID extracts the model id from a reference, for pricing lookups.
func RefModelID(ref string) string {
	if idx := strings.Index(ref, ":"); idx >= 0 {
		return ref[idx+1:]
	}
	return ref
}

// PricingFor returns the configured pricing for a model id, or zero
// pricing if none is configured.
func (c *Config) PricingFor(modelID string) ModelPricing {
	if p, ok := c.Cost.Pricing[modelID]; ok {
		return p
	}
	return ModelPricing{}
}

func isKnownProvider(p string) bool {
	for _, known := range KnownProviders {
		if p == known {
			return true
		}
	}
	return false
}

// APIKeyFor returns the credential for a provider from the environment.
// Providers authenticate with <PROVIDER>_API_KEY.
func APIKeyFor(provider string) string {
	return os.Getenv(strings.ToUpper(provider) + "_API_KEY")
}
