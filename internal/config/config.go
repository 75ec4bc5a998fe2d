// Package config loads and validates the agent configuration file.
//
// Secrets never live in the config file. Each provider names the environment
// variable its API key is read from at startup.
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
)

const (
	defaultPoolSize           = 5
	defaultResultWaitSeconds  = 60
	defaultGracePeriodSeconds = 2
	defaultHistoryBudget      = 48_000
	defaultDBFile             = "crescent-agent.db"
)

// Config is the on-disk agent configuration.
type Config struct {
	// Providers is the provider registry available to the loop.
	// Exactly one providers[].models[].is_default must be true.
	Providers []Provider `yaml:"providers"`

	// PoolSize bounds how many actions run concurrently. Defaults to 5.
	PoolSize int `yaml:"pool_size,omitempty"`

	// ResultWaitSeconds bounds how long a loop step waits for a full action
	// batch before collecting what finished. Defaults to 60.
	ResultWaitSeconds int `yaml:"result_wait_seconds,omitempty"`

	// GracePeriodSeconds is the short collection window used when a batch is
	// not waited on in full. Defaults to 2.
	GracePeriodSeconds int `yaml:"grace_period_seconds,omitempty"`

	// HistoryBudget caps the approximate conversation size before old
	// request/result groups are dropped. Defaults to 48000.
	HistoryBudget int `yaml:"history_budget,omitempty"`

	// WorkspaceRoot is the working directory actions run in. Defaults to the
	// process working directory.
	WorkspaceRoot string `yaml:"workspace_root,omitempty"`

	// DBPath locates the session database. Defaults to
	// <workspace_root>/.crescent/crescent-agent.db.
	DBPath string `yaml:"db_path,omitempty"`

	// SystemPrompt overrides the built-in system prompt when set.
	SystemPrompt string `yaml:"system_prompt,omitempty"`
}

type Provider struct {
	// ID is a stable internal id (primary key for model routing).
	ID string `yaml:"id"`

	// Name is a human-friendly display name.
	Name string `yaml:"name,omitempty"`

	// Type is one of: "openai" | "anthropic" | "openai_compatible".
	Type string `yaml:"type"`

	// BaseURL overrides the provider endpoint. Required for
	// openai_compatible, optional otherwise.
	BaseURL string `yaml:"base_url,omitempty"`

	// APIKeyEnv names the environment variable holding this provider's API
	// key. Defaults per type (OPENAI_API_KEY / ANTHROPIC_API_KEY).
	APIKeyEnv string `yaml:"api_key_env,omitempty"`

	Models []ProviderModel `yaml:"models"`
}

type ProviderModel struct {
	ModelName string `yaml:"model_name"`

	// IsDefault marks the single default model across all providers.
	IsDefault bool `yaml:"is_default,omitempty"`
}

// Load reads and validates a config file.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	if c.PoolSize < 0 {
		return fmt.Errorf("invalid pool_size %d", c.PoolSize)
	}
	if c.ResultWaitSeconds < 0 {
		return fmt.Errorf("invalid result_wait_seconds %d", c.ResultWaitSeconds)
	}
	if c.GracePeriodSeconds < 0 {
		return fmt.Errorf("invalid grace_period_seconds %d", c.GracePeriodSeconds)
	}
	if c.HistoryBudget < 0 {
		return fmt.Errorf("invalid history_budget %d", c.HistoryBudget)
	}

	if len(c.Providers) == 0 {
		return errors.New("missing providers")
	}
	seen := make(map[string]struct{}, len(c.Providers))
	defaultCount := 0
	for i := range c.Providers {
		p := c.Providers[i]
		id := strings.TrimSpace(p.ID)
		if id == "" {
			return fmt.Errorf("providers[%d]: missing id", i)
		}
		if strings.Contains(id, "/") {
			return fmt.Errorf("providers[%d]: invalid id %q (must not contain /)", i, id)
		}
		if _, ok := seen[id]; ok {
			return fmt.Errorf("providers[%d]: duplicate id %q", i, id)
		}
		seen[id] = struct{}{}

		t := strings.TrimSpace(p.Type)
		switch t {
		case "openai", "anthropic", "openai_compatible":
		default:
			return fmt.Errorf("providers[%d]: invalid type %q", i, t)
		}

		baseURL := strings.TrimSpace(p.BaseURL)
		if t == "openai_compatible" && baseURL == "" {
			return fmt.Errorf("providers[%d]: base_url is required for openai_compatible", i)
		}
		if baseURL != "" {
			u, err := url.Parse(baseURL)
			if err != nil || u == nil {
				return fmt.Errorf("providers[%d]: invalid base_url: %w", i, err)
			}
			scheme := strings.ToLower(strings.TrimSpace(u.Scheme))
			if scheme != "http" && scheme != "https" {
				return fmt.Errorf("providers[%d]: invalid base_url scheme %q", i, u.Scheme)
			}
			if strings.TrimSpace(u.Host) == "" {
				return fmt.Errorf("providers[%d]: invalid base_url host", i)
			}
		}

		if len(p.Models) == 0 {
			return fmt.Errorf("providers[%d]: missing models", i)
		}
		modelNames := make(map[string]struct{}, len(p.Models))
		for j := range p.Models {
			m := p.Models[j]
			name := strings.TrimSpace(m.ModelName)
			if name == "" {
				return fmt.Errorf("providers[%d].models[%d]: missing model_name", i, j)
			}
			if _, ok := modelNames[name]; ok {
				return fmt.Errorf("providers[%d].models[%d]: duplicate model_name %q", i, j, name)
			}
			modelNames[name] = struct{}{}
			if m.IsDefault {
				defaultCount++
			}
		}
	}

	if defaultCount == 0 {
		return errors.New("missing default model (providers[].models[].is_default)")
	}
	if defaultCount > 1 {
		return errors.New("multiple default models (providers[].models[].is_default)")
	}
	return nil
}

// DefaultModel returns the provider and model name marked is_default.
// It assumes Validate() has passed.
func (c *Config) DefaultModel() (Provider, string, bool) {
	if c == nil {
		return Provider{}, "", false
	}
	for _, p := range c.Providers {
		for _, m := range p.Models {
			if m.IsDefault && strings.TrimSpace(m.ModelName) != "" {
				return p, strings.TrimSpace(m.ModelName), true
			}
		}
	}
	return Provider{}, "", false
}

// ResolveModel finds the provider owning a "<provider_id>/<model_name>" wire
// id, falling back to the default model when id is empty.
func (c *Config) ResolveModel(id string) (Provider, string, error) {
	if c == nil {
		return Provider{}, "", errors.New("nil config")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		p, m, ok := c.DefaultModel()
		if !ok {
			return Provider{}, "", errors.New("no default model configured")
		}
		return p, m, nil
	}
	pid, mn, ok := strings.Cut(id, "/")
	if !ok || strings.TrimSpace(pid) == "" || strings.TrimSpace(mn) == "" {
		return Provider{}, "", fmt.Errorf("invalid model id %q (want <provider_id>/<model_name>)", id)
	}
	for _, p := range c.Providers {
		if strings.TrimSpace(p.ID) != strings.TrimSpace(pid) {
			continue
		}
		for _, m := range p.Models {
			if strings.TrimSpace(m.ModelName) == strings.TrimSpace(mn) {
				return p, strings.TrimSpace(mn), nil
			}
		}
		return Provider{}, "", fmt.Errorf("model %q not configured for provider %q", mn, pid)
	}
	return Provider{}, "", fmt.Errorf("unknown provider %q", pid)
}

// APIKey resolves the provider's API key from the environment.
func (p Provider) APIKey() string {
	env := strings.TrimSpace(p.APIKeyEnv)
	if env == "" {
		switch strings.TrimSpace(p.Type) {
		case "anthropic":
			env = "ANTHROPIC_API_KEY"
		default:
			env = "OPENAI_API_KEY"
		}
	}
	return strings.TrimSpace(os.Getenv(env))
}

func (c *Config) EffectivePoolSize() int {
	if c == nil || c.PoolSize <= 0 {
		return defaultPoolSize
	}
	return c.PoolSize
}

func (c *Config) EffectiveResultWait() time.Duration {
	if c == nil || c.ResultWaitSeconds <= 0 {
		return defaultResultWaitSeconds * time.Second
	}
	return time.Duration(c.ResultWaitSeconds) * time.Second
}

func (c *Config) EffectiveGracePeriod() time.Duration {
	if c == nil || c.GracePeriodSeconds <= 0 {
		return defaultGracePeriodSeconds * time.Second
	}
	return time.Duration(c.GracePeriodSeconds) * time.Second
}

func (c *Config) EffectiveHistoryBudget() int {
	if c == nil || c.HistoryBudget <= 0 {
		return defaultHistoryBudget
	}
	return c.HistoryBudget
}

func (c *Config) EffectiveWorkspaceRoot() string {
	if c != nil {
		if root := strings.TrimSpace(c.WorkspaceRoot); root != "" {
			return filepath.Clean(root)
		}
	}
	wd, err := os.Getwd()
	if err != nil {
		return "."
	}
	return wd
}

func (c *Config) EffectiveDBPath() string {
	if c != nil {
		if p := strings.TrimSpace(c.DBPath); p != "" {
			return filepath.Clean(p)
		}
	}
	return filepath.Join(c.EffectiveWorkspaceRoot(), ".crescent", defaultDBFile)
}
