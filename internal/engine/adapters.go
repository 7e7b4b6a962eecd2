package engine

import (
	"fmt"

	"github.com/ShayCichocki/hive/internal/adapter"
	"github.com/ShayCichocki/hive/internal/agent"
	"github.com/ShayCichocki/hive/internal/belief"
	"github.com/ShayCichocki/hive/internal/config"
	"github.com/ShayCichocki/hive/internal/policy"
)

// NewAdapter builds the model adapter named by cfg.Adapter.Provider,
// wrapped with the configured per-call timeout.
func NewAdapter(cfg *config.Config) (adapter.Adapter, error) {
	ac := cfg.Adapter
	var a adapter.Adapter
	switch ac.Provider {
	case "echo":
		a = adapter.Echo{}
	case "anthropic":
		key, err := config.APIKey(cfg)
		if err != nil {
			return nil, err
		}
		a, err = adapter.NewAnthropic(adapter.AnthropicConfig{
			Model:         ac.Model,
			APIKey:        key,
			MaxTokens:     ac.MaxTokens,
			UseAWSBedrock: ac.Anthropic.Bedrock,
			AWSRegion:     ac.Anthropic.Region,
			AWSProfile:    ac.Anthropic.Profile,
		})
		if err != nil {
			return nil, fmt.Errorf("create anthropic adapter: %w", err)
		}
	case "openai":
		key, err := config.APIKey(cfg)
		if err != nil {
			return nil, err
		}
		a, err = adapter.NewOpenAI(adapter.OpenAIConfig{
			Model:               ac.Model,
			APIKey:              key,
			BaseURL:             ac.OpenAI.BaseURL,
			Temperature:         ac.OpenAI.Temperature,
			MaxCompletionTokens: ac.MaxTokens,
		})
		if err != nil {
			return nil, fmt.Errorf("create openai adapter: %w", err)
		}
	default:
		return nil, fmt.Errorf("unknown adapter provider %q", ac.Provider)
	}
	if ac.Timeout > 0 {
		a = adapter.WithTimeout(a, ac.Timeout)
	}
	return a, nil
}

// NewPolicy builds the hook chain from the rules file, or the default
// rules when none is configured.
func NewPolicy(cfg *config.Config) (*policy.Chain, error) {
	rules := policy.DefaultRules()
	if path := cfg.Policy.RulesFile; path != "" {
		r, err := policy.LoadRules(path)
		if err != nil {
			return nil, fmt.Errorf("load policy rules: %w", err)
		}
		rules = r
	}
	return rules.Chain()
}

// NewBeliefStore opens the configured belief backend. It returns a nil
// store for "none" and a close function that is always safe to call.
func NewBeliefStore(cfg *config.Config) (belief.Store, func() error, error) {
	noop := func() error { return nil }
	switch cfg.Belief.Backend {
	case "", "memory":
		return belief.NewMemoryStore(), noop, nil
	case "none":
		return nil, noop, nil
	case "sqlite":
		s, err := belief.NewSQLiteStore(cfg.Belief.Path)
		if err != nil {
			return nil, noop, fmt.Errorf("open belief store: %w", err)
		}
		return s, s.Close, nil
	default:
		return nil, noop, fmt.Errorf("unknown belief backend %q", cfg.Belief.Backend)
	}
}

// SkillByName returns the built-in skill with the given name.
func SkillByName(name string) (agent.Skill, error) {
	switch name {
	case "", "complete":
		return agent.CompleteSkill{}, nil
	default:
		return nil, fmt.Errorf("unknown skill %q", name)
	}
}
