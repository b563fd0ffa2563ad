// Package org resolves per-organization configuration: provider
// credentials, knowledge base endpoints, embeddings and
// small-fast-model settings, feature flags, and assistant defaults.
// Organization config wins; process environment defaults fill the
// gaps.
package org

import (
	"encoding/json"
	"fmt"

	"github.com/mitchellh/mapstructure"
)

// Config is the parsed organization config document.
type Config struct {
	Features          map[string]bool           `mapstructure:"features"`
	Providers         map[string]ProviderConfig `mapstructure:"providers"`
	KB                KBConfig                  `mapstructure:"kb"`
	Embeddings        EmbeddingsConfig          `mapstructure:"embeddings"`
	SmallFastModel    SmallFastModelConfig      `mapstructure:"small_fast_model"`
	AssistantDefaults AssistantDefaults         `mapstructure:"assistant_defaults"`
}

// ProviderConfig is one LLM provider credential setup. Plaintext
// credentials stay inside the connector layer and are never surfaced
// to clients.
type ProviderConfig struct {
	Enabled      bool     `mapstructure:"enabled"`
	APIKey       string   `mapstructure:"api_key"`
	BaseURL      string   `mapstructure:"base_url"`
	DefaultModel string   `mapstructure:"default_model"`
	Models       []string `mapstructure:"models"`
}

type KBConfig struct {
	ServerURL string `mapstructure:"server_url"`
	APIToken  string `mapstructure:"api_token"`
}

type EmbeddingsConfig struct {
	URL    string `mapstructure:"url"`
	APIKey string `mapstructure:"api_key"`
	Model  string `mapstructure:"model"`
}

type SmallFastModelConfig struct {
	BaseURL string `mapstructure:"base_url"`
	APIKey  string `mapstructure:"api_key"`
	Model   string `mapstructure:"model"`
}

type AssistantDefaults struct {
	Connector       string `mapstructure:"connector"`
	Model           string `mapstructure:"model"`
	PromptProcessor string `mapstructure:"prompt_processor"`
	RAGProcessor    string `mapstructure:"rag_processor"`
}

// Feature flag names stored in organization config.
const (
	FeatureRAGEnabled     = "rag_enabled"
	FeatureMCPEnabled     = "mcp_enabled"
	FeatureLTIPublishing  = "lti_publishing"
	FeatureSignupEnabled  = "signup_enabled"
	FeatureSharingEnabled = "sharing_enabled"
)

// ParseConfig decodes an organization config document. The raw value
// is tolerant of double encoding: a JSON string containing JSON is
// unwrapped first. An empty document yields an empty config.
func ParseConfig(raw string) (*Config, error) {
	if raw == "" {
		return &Config{}, nil
	}

	var generic interface{}
	if err := json.Unmarshal([]byte(raw), &generic); err != nil {
		return nil, fmt.Errorf("invalid organization config: %w", err)
	}

	if inner, ok := generic.(string); ok {
		if inner == "" {
			return &Config{}, nil
		}
		if err := json.Unmarshal([]byte(inner), &generic); err != nil {
			return nil, fmt.Errorf("invalid nested organization config: %w", err)
		}
	}

	asMap, ok := generic.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("organization config must be an object")
	}

	var cfg Config
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &cfg,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build config decoder: %w", err)
	}
	if err := decoder.Decode(asMap); err != nil {
		return nil, fmt.Errorf("failed to decode organization config: %w", err)
	}

	return &cfg, nil
}
