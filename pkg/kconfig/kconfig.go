// Package kconfig loads the kernel's on-disk configuration: the
// directory layout (pkg/kernel.Config), the harness's LLM tier wiring
// (pkg/harness.Config), and per-provider credentials.
package kconfig

import (
	"fmt"
	"os"
	"time"
)

// LLMProviderConfig describes one named LLM provider entry. Type selects
// which pkg/llms constructor builds the provider; Host/APIKey/Model are
// passed straight through to it.
type LLMProviderConfig struct {
	Type        string  `yaml:"type"`        // "ollama", "openai", "anthropic", "gemini"
	Model       string  `yaml:"model"`
	APIKey      string  `yaml:"api_key"`
	Host        string  `yaml:"host"`
	Temperature float64 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`
	Timeout     int     `yaml:"timeout"`    // seconds
	MaxRetries  int     `yaml:"max_retries"`
	RetryDelay  int     `yaml:"retry_delay"` // seconds, exponential backoff base
}

// Validate rejects provider configs the pkg/llms constructors would
// otherwise fail on deep inside an HTTP call.
func (c *LLMProviderConfig) Validate() error {
	if c.Type == "" {
		return fmt.Errorf("type is required")
	}
	if c.Model == "" {
		return fmt.Errorf("model is required")
	}
	if c.Type == "openai" && c.APIKey == "" {
		return fmt.Errorf("api_key is required for openai")
	}
	if c.Temperature < 0 || c.Temperature > 2 {
		return fmt.Errorf("temperature must be between 0 and 2")
	}
	if c.MaxTokens < 0 {
		return fmt.Errorf("max_tokens must be non-negative")
	}
	return nil
}

// SetDefaults fills in the zero-config path: an operator who names only
// "type: anthropic" gets a working provider from environment credentials.
func (c *LLMProviderConfig) SetDefaults() {
	if c.Type == "" {
		c.Type = "openai"
	}
	if c.Model == "" {
		switch c.Type {
		case "anthropic":
			c.Model = "claude-3-7-sonnet-latest"
		case "gemini":
			c.Model = "gemini-2.0-flash-exp"
		case "ollama":
			c.Model = "llama3.2"
		default:
			c.Model = "gpt-4o"
		}
	}
	if c.Host == "" {
		switch c.Type {
		case "anthropic":
			c.Host = "https://api.anthropic.com"
		case "gemini":
			c.Host = "https://generativelanguage.googleapis.com"
		case "ollama":
			c.Host = "http://localhost:11434"
		default:
			c.Host = "https://api.openai.com/v1"
		}
	}
	if c.Temperature == 0 {
		c.Temperature = 0.7
	}
	if c.MaxTokens == 0 {
		c.MaxTokens = 8000
	}
	if c.Timeout == 0 {
		c.Timeout = 60
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 5
	}
	if c.RetryDelay == 0 {
		c.RetryDelay = 2
	}
	if c.APIKey == "" {
		c.APIKey = GetProviderAPIKey(c.Type)
	}
}

// VerifyMode mirrors pkg/integrity.Mode's string values so this package
// doesn't need to import pkg/integrity just to unmarshal a string.
type VerifyMode string

// Config is the on-disk shape of the kernel's configuration file: paths,
// capability/integrity policy, and the LLM tiers the harness dispatches
// directives against.
type Config struct {
	ProjectDir   string `yaml:"project_dir"`
	UserSpace    string `yaml:"user_space"`
	PackageRoot  string `yaml:"package_root"`
	SessionsDir  string `yaml:"sessions_dir"`
	LockfilePath string `yaml:"lockfile_path"`

	VerifyMode   VerifyMode `yaml:"verify_mode"`
	EnvAllowList []string   `yaml:"env_allow_list"`
	ShellAllow   []string   `yaml:"shell_allow"`
	DefaultTTL   string     `yaml:"default_ttl"` // parsed with time.ParseDuration

	LogsDir       string             `yaml:"logs_dir"`
	MaxDepth      int                `yaml:"max_depth"`
	CostPerKToken map[string]float64 `yaml:"cost_per_ktoken"` // model name -> USD/1000 tokens

	Providers map[string]LLMProviderConfig `yaml:"providers"` // tier -> provider, "default" fallback
}

// SetDefaults applies directory and provider defaults in place, the way
// every teacher Config variant does before validation.
func (c *Config) SetDefaults() {
	if c.UserSpace == "" {
		if home, err := os.UserHomeDir(); err == nil {
			c.UserSpace = home + "/.ai"
		}
	}
	if c.SessionsDir == "" && c.ProjectDir != "" {
		c.SessionsDir = c.ProjectDir + "/sessions"
	}
	if c.LockfilePath == "" && c.ProjectDir != "" {
		c.LockfilePath = c.ProjectDir + "/kiwi.lock"
	}
	if c.VerifyMode == "" {
		c.VerifyMode = "tofu"
	}
	if c.MaxDepth == 0 {
		c.MaxDepth = 5
	}
	if c.DefaultTTL == "" {
		c.DefaultTTL = "30m"
	}
	for name, p := range c.Providers {
		p.SetDefaults()
		c.Providers[name] = p
	}
}

// Validate checks structural invariants unmarshalling alone can't catch.
func (c *Config) Validate() error {
	if c.ProjectDir == "" {
		return fmt.Errorf("project_dir is required")
	}
	if _, err := time.ParseDuration(c.DefaultTTL); err != nil {
		return fmt.Errorf("default_ttl: %w", err)
	}
	switch c.VerifyMode {
	case "strict", "tofu", "off":
	default:
		return fmt.Errorf("verify_mode must be one of strict, tofu, off (got %q)", c.VerifyMode)
	}
	for name, p := range c.Providers {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("providers.%s: %w", name, err)
		}
	}
	return nil
}
