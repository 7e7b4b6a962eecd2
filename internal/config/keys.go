package config

import (
	"errors"
	"strings"
)

// ErrNoAPIKey is returned when the selected provider has no API key.
var ErrNoAPIKey = errors.New("no API key configured")

// KeySource represents where an API key was loaded from.
type KeySource string

const (
	KeySourceConfig  KeySource = "config"
	KeySourceNone    KeySource = "none"
	// KeySourceBedrock means AWS credentials are used instead of a key.
	KeySourceBedrock KeySource = "aws"
)

// APIKey returns the key for the configured provider. Environment
// variables are already folded in by Load. Echo needs no key.
func APIKey(cfg *Config) (string, error) {
	if cfg == nil {
		return "", ErrNoAPIKey
	}
	var key string
	switch cfg.Adapter.Provider {
	case "echo":
		return "", nil
	case "anthropic":
		if cfg.Adapter.Anthropic.Bedrock {
			return "", nil
		}
		key = cfg.Adapter.Anthropic.APIKey
	case "openai":
		key = cfg.Adapter.OpenAI.APIKey
	}
	if key == "" || strings.HasPrefix(key, "${") {
		return "", ErrNoAPIKey
	}
	return key, nil
}

// APIKeySource reports where the provider's credentials come from.
func APIKeySource(cfg *Config) KeySource {
	if cfg != nil && cfg.Adapter.Provider == "anthropic" && cfg.Adapter.Anthropic.Bedrock {
		return KeySourceBedrock
	}
	if key, err := APIKey(cfg); err == nil && key != "" {
		return KeySourceConfig
	}
	return KeySourceNone
}

// ValidateAPIKey performs basic format validation for the provider's key.
// It does not call the provider.
func ValidateAPIKey(provider, key string) error {
	if key == "" {
		return ErrNoAPIKey
	}
	switch provider {
	case "anthropic":
		if !strings.HasPrefix(key, "sk-ant-") {
			return errors.New("invalid API key format: expected 'sk-ant-' prefix")
		}
	case "openai":
		if !strings.HasPrefix(key, "sk-") {
			return errors.New("invalid API key format: expected 'sk-' prefix")
		}
	}
	if len(key) < 20 {
		return errors.New("invalid API key format: key too short")
	}
	return nil
}

// MaskAPIKey returns a masked version of the API key for display.
// Shows the first 7 characters and last 4 characters.
func MaskAPIKey(key string) string {
	if key == "" {
		return "(not set)"
	}
	if len(key) <= 15 {
		return "***"
	}
	return key[:7] + "..." + key[len(key)-4:]
}
