package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultConfigPath returns the default config file location.
func DefaultConfigPath() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "storyloom", "config.yaml")
	}
	return "storyloom.yaml"
}

// Config is the on-disk configuration for the orchestration core.
//
// Notes:
// - Secrets (API keys) must never be stored here. Each provider names the
//   environment variable its key is read from.
// - Field names are snake_case to match the persisted event surface.
type Config struct {
	// LogFormat is "json" or "text".
	LogFormat string `yaml:"log_format,omitempty"`
	// LogLevel is "debug|info|warn|error".
	LogLevel string `yaml:"log_level,omitempty"`

	Models ModelsConfig `yaml:"models"`
	Ledger LedgerConfig `yaml:"ledger"`

	// SkipFastPath forces every message through the model-backed intent
	// classifier. Intended for evaluation runs only.
	SkipFastPath bool `yaml:"skip_fast_path,omitempty"`

	// MaxCriticIterations bounds the writer/critic refinement loop.
	MaxCriticIterations int `yaml:"max_critic_iterations,omitempty"`

	// EnableCritic toggles the critic review pass for cluster-strategy runs.
	EnableCritic *bool `yaml:"enable_critic,omitempty"`
}

// ModelMode selects how generation models are chosen.
const (
	ModelModeAutomatic = "automatic"
	ModelModeFixed     = "fixed"
)

type ModelsConfig struct {
	// Mode is "automatic" (complexity-based selection) or "fixed".
	Mode string `yaml:"mode,omitempty"`

	// FixedModelID pins every generation call to one model. Required when
	// mode is "fixed"; the selection reasoning records the override.
	FixedModelID string `yaml:"fixed_model_id,omitempty"`

	Providers []Provider `yaml:"providers"`
}

// Provider is one inference endpoint the driver can route to.
type Provider struct {
	// ID is a stable internal id (primary key for model routing).
	ID string `yaml:"id"`

	// Type is one of: "anthropic" | "openai" | "openai_compatible".
	Type string `yaml:"type"`

	// BaseURL overrides the provider endpoint. Required for
	// openai_compatible, optional otherwise.
	BaseURL string `yaml:"base_url,omitempty"`

	// APIKeyEnv names the environment variable holding the API key.
	APIKeyEnv string `yaml:"api_key_env"`

	Models []Model `yaml:"models"`
}

const (
	ProviderAnthropic        = "anthropic"
	ProviderOpenAI           = "openai"
	ProviderOpenAICompatible = "openai_compatible"
)

// Complexity tiers, cheapest first.
const (
	TierSimple   = "simple"
	TierStandard = "standard"
	TierComplex  = "complex"
)

// TierRank orders complexity tiers; unknown tiers rank as standard.
func TierRank(tier string) int {
	switch strings.ToLower(strings.TrimSpace(tier)) {
	case TierSimple:
		return 0
	case TierComplex:
		return 2
	default:
		return 1
	}
}

// Model is one allowed model of a provider.
type Model struct {
	Name string `yaml:"name"`

	// Role is "orchestrator", "writer", or "editor".
	Role string `yaml:"role"`

	// Tier is the complexity class the model is rated for.
	Tier string `yaml:"tier,omitempty"`

	// MaxTokens caps the per-call output budget. 0 means provider default.
	MaxTokens int `yaml:"max_tokens,omitempty"`

	// IsDefault marks the single default model across all providers.
	IsDefault bool `yaml:"is_default,omitempty"`
}

type LedgerConfig struct {
	// Path is the sqlite database location. Empty selects an in-memory DB.
	Path string `yaml:"path,omitempty"`

	// RateLimitPerMinute caps orchestration starts per minute per session.
	// Exceeding it aborts the new request. Default 10.
	RateLimitPerMinute int `yaml:"rate_limit_per_minute,omitempty"`

	// TokenBudget is an advisory per-session token ceiling; exceeding it
	// logs a warning and never blocks. 0 disables the check.
	TokenBudget int64 `yaml:"token_budget,omitempty"`

	// RollupEvery compacts the ledger after this many appended events.
	// Default 50.
	RollupEvery int `yaml:"rollup_every,omitempty"`

	ScoringWeights ScoringWeights `yaml:"scoring_weights,omitempty"`
}

// ScoringWeights drives the ledger's relevance scorer. The defaults are
// inherited heuristics, kept configurable rather than hard-coded.
type ScoringWeights struct {
	Verb    float64 `yaml:"verb,omitempty"`
	Object  float64 `yaml:"object,omitempty"`
	Actor   float64 `yaml:"actor,omitempty"`
	Recency float64 `yaml:"recency,omitempty"`
}

func defaultScoringWeights() ScoringWeights {
	return ScoringWeights{Verb: 0.4, Object: 0.3, Actor: 0.2, Recency: 0.1}
}

func (c *Config) ApplyDefaults() {
	if c == nil {
		return
	}
	if strings.TrimSpace(c.LogFormat) == "" {
		c.LogFormat = "text"
	}
	if strings.TrimSpace(c.LogLevel) == "" {
		c.LogLevel = "info"
	}
	if strings.TrimSpace(c.Models.Mode) == "" {
		c.Models.Mode = ModelModeAutomatic
	}
	if c.Ledger.RateLimitPerMinute <= 0 {
		c.Ledger.RateLimitPerMinute = 10
	}
	if c.Ledger.RollupEvery <= 0 {
		c.Ledger.RollupEvery = 50
	}
	zero := ScoringWeights{}
	if c.Ledger.ScoringWeights == zero {
		c.Ledger.ScoringWeights = defaultScoringWeights()
	}
	if c.MaxCriticIterations <= 0 {
		c.MaxCriticIterations = 3
	}
	if c.EnableCritic == nil {
		v := true
		c.EnableCritic = &v
	}
}

func (c *Config) Validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	switch c.Models.Mode {
	case ModelModeAutomatic:
	case ModelModeFixed:
		if strings.TrimSpace(c.Models.FixedModelID) == "" {
			return errors.New("models.mode=fixed requires models.fixed_model_id")
		}
	default:
		return fmt.Errorf("unknown models.mode %q", c.Models.Mode)
	}
	if len(c.Models.Providers) == 0 {
		return errors.New("at least one provider is required")
	}
	defaults := 0
	seenProvider := map[string]struct{}{}
	for i := range c.Models.Providers {
		p := &c.Models.Providers[i]
		if strings.TrimSpace(p.ID) == "" {
			return fmt.Errorf("provider[%d]: missing id", i)
		}
		if _, dup := seenProvider[p.ID]; dup {
			return fmt.Errorf("duplicate provider id %q", p.ID)
		}
		seenProvider[p.ID] = struct{}{}
		switch p.Type {
		case ProviderAnthropic, ProviderOpenAI:
		case ProviderOpenAICompatible:
			if strings.TrimSpace(p.BaseURL) == "" {
				return fmt.Errorf("provider %q: openai_compatible requires base_url", p.ID)
			}
		default:
			return fmt.Errorf("provider %q: unknown type %q", p.ID, p.Type)
		}
		if strings.TrimSpace(p.APIKeyEnv) == "" {
			return fmt.Errorf("provider %q: missing api_key_env", p.ID)
		}
		if len(p.Models) == 0 {
			return fmt.Errorf("provider %q: no models", p.ID)
		}
		for j, m := range p.Models {
			if strings.TrimSpace(m.Name) == "" {
				return fmt.Errorf("provider %q model[%d]: missing name", p.ID, j)
			}
			switch m.Role {
			case "orchestrator", "writer", "editor":
			default:
				return fmt.Errorf("provider %q model %q: unknown role %q", p.ID, m.Name, m.Role)
			}
			if m.IsDefault {
				defaults++
			}
		}
	}
	if defaults != 1 {
		return fmt.Errorf("exactly one model must be is_default, found %d", defaults)
	}
	return nil
}

func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// ModelRef is a resolved (provider, model) pair.
type ModelRef struct {
	ProviderID string
	Provider   Provider
	Model      Model
}

// DefaultModel returns the single model marked is_default.
func (c *Config) DefaultModel() (ModelRef, bool) {
	for _, p := range c.Models.Providers {
		for _, m := range p.Models {
			if m.IsDefault {
				return ModelRef{ProviderID: p.ID, Provider: p, Model: m}, true
			}
		}
	}
	return ModelRef{}, false
}

// FindModel resolves a model by name across all providers.
func (c *Config) FindModel(name string) (ModelRef, bool) {
	name = strings.TrimSpace(name)
	for _, p := range c.Models.Providers {
		for _, m := range p.Models {
			if m.Name == name {
				return ModelRef{ProviderID: p.ID, Provider: p, Model: m}, true
			}
		}
	}
	return ModelRef{}, false
}

// ModelsForRole returns every model registered for the role, cheapest tier
// first. The order doubles as the driver's fallback chain.
func (c *Config) ModelsForRole(role string) []ModelRef {
	role = strings.ToLower(strings.TrimSpace(role))
	var out []ModelRef
	for _, p := range c.Models.Providers {
		for _, m := range p.Models {
			if m.Role == role {
				out = append(out, ModelRef{ProviderID: p.ID, Provider: p, Model: m})
			}
		}
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && TierRank(out[j].Model.Tier) < TierRank(out[j-1].Model.Tier); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}
