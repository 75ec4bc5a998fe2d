package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func validConfig() *Config {
	return &Config{
		Providers: []Provider{
			{
				ID:   "openai",
				Type: "openai",
				Models: []ProviderModel{
					{ModelName: "gpt-5", IsDefault: true},
					{ModelName: "gpt-5-mini"},
				},
			},
			{
				ID:      "anthropic",
				Type:    "anthropic",
				BaseURL: "https://api.anthropic.com",
				Models:  []ProviderModel{{ModelName: "claude-sonnet-4-5"}},
			},
		},
	}
}

func TestValidateOK(t *testing.T) {
	t.Parallel()

	if err := validConfig().Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestValidateErrors(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no providers", func(c *Config) { c.Providers = nil }},
		{"missing id", func(c *Config) { c.Providers[0].ID = "" }},
		{"slash in id", func(c *Config) { c.Providers[0].ID = "a/b" }},
		{"duplicate id", func(c *Config) { c.Providers[1].ID = c.Providers[0].ID }},
		{"bad type", func(c *Config) { c.Providers[0].Type = "cohere" }},
		{"compatible needs base_url", func(c *Config) { c.Providers[0].Type = "openai_compatible" }},
		{"bad base_url scheme", func(c *Config) { c.Providers[1].BaseURL = "ftp://x" }},
		{"no models", func(c *Config) { c.Providers[1].Models = nil }},
		{"duplicate model", func(c *Config) {
			c.Providers[0].Models[1].ModelName = c.Providers[0].Models[0].ModelName
		}},
		{"no default", func(c *Config) { c.Providers[0].Models[0].IsDefault = false }},
		{"two defaults", func(c *Config) { c.Providers[1].Models[0].IsDefault = true }},
		{"negative pool", func(c *Config) { c.PoolSize = -1 }},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := validConfig()
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("want validation error")
			}
		})
	}
}

func TestLoadYAML(t *testing.T) {
	t.Parallel()

	raw := `
pool_size: 8
result_wait_seconds: 30
history_budget: 9000
providers:
  - id: openai
    type: openai
    models:
      - model_name: gpt-5
        is_default: true
`
	path := filepath.Join(t.TempDir(), "agent.yaml")
	if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
		t.Fatalf("seed: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.EffectivePoolSize() != 8 {
		t.Fatalf("pool=%d, want 8", cfg.EffectivePoolSize())
	}
	if cfg.EffectiveResultWait() != 30*time.Second {
		t.Fatalf("wait=%s, want 30s", cfg.EffectiveResultWait())
	}
	if cfg.EffectiveHistoryBudget() != 9000 {
		t.Fatalf("budget=%d, want 9000", cfg.EffectiveHistoryBudget())
	}
}

func TestEffectiveDefaults(t *testing.T) {
	t.Parallel()

	cfg := &Config{}
	if cfg.EffectivePoolSize() != 5 {
		t.Fatalf("pool=%d, want 5", cfg.EffectivePoolSize())
	}
	if cfg.EffectiveResultWait() != 60*time.Second {
		t.Fatalf("wait=%s, want 60s", cfg.EffectiveResultWait())
	}
	if cfg.EffectiveGracePeriod() != 2*time.Second {
		t.Fatalf("grace=%s, want 2s", cfg.EffectiveGracePeriod())
	}
	if cfg.EffectiveHistoryBudget() <= 0 {
		t.Fatal("budget must default positive")
	}
	if cfg.EffectiveWorkspaceRoot() == "" {
		t.Fatal("workspace root must default to cwd")
	}
}

func TestResolveModel(t *testing.T) {
	t.Parallel()

	cfg := validConfig()

	p, m, err := cfg.ResolveModel("")
	if err != nil || p.ID != "openai" || m != "gpt-5" {
		t.Fatalf("default resolve=(%q,%q,%v)", p.ID, m, err)
	}

	p, m, err = cfg.ResolveModel("anthropic/claude-sonnet-4-5")
	if err != nil || p.ID != "anthropic" || m != "claude-sonnet-4-5" {
		t.Fatalf("resolve=(%q,%q,%v)", p.ID, m, err)
	}

	if _, _, err := cfg.ResolveModel("nope/gpt-5"); err == nil {
		t.Fatal("unknown provider must error")
	}
	if _, _, err := cfg.ResolveModel("openai/unknown"); err == nil {
		t.Fatal("unknown model must error")
	}
	if _, _, err := cfg.ResolveModel("malformed"); err == nil {
		t.Fatal("malformed id must error")
	}
}

func TestProviderAPIKeyEnv(t *testing.T) {
	p := Provider{Type: "openai", APIKeyEnv: "CRESCENT_TEST_KEY"}
	t.Setenv("CRESCENT_TEST_KEY", "sk-test")
	if got := p.APIKey(); got != "sk-test" {
		t.Fatalf("key=%q, want sk-test", got)
	}
}
