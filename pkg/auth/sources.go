package auth

import (
	"os"
	"sort"
	"strings"

	"go.uber.org/zap"
)

// KeySource is a static credential source consulted after dynamic fetching
// fails or is disabled. Sources are tried in registration order; the first
// non-empty value wins.
type KeySource interface {
	// Name identifies the source in logs (e.g. "config", "env").
	Name() string
	// Lookup returns the key for the given provider and whether one exists.
	Lookup(provider string) (string, bool)
}

// ConfigKeySource serves keys from a static provider->key mapping, typically
// the parsed configuration file.
type ConfigKeySource struct {
	keys map[string]string
}

// NewConfigKeySource creates a ConfigKeySource. Provider names are matched
// case-insensitively.
func NewConfigKeySource(keys map[string]string) *ConfigKeySource {
	normalized := make(map[string]string, len(keys))
	for provider, key := range keys {
		normalized[strings.ToLower(provider)] = key
	}
	return &ConfigKeySource{keys: normalized}
}

// Name returns "config".
func (s *ConfigKeySource) Name() string { return "config" }

// Lookup returns the statically configured key for the provider, if any.
func (s *ConfigKeySource) Lookup(provider string) (string, bool) {
	key, ok := s.keys[strings.ToLower(provider)]
	if !ok || key == "" {
		return "", false
	}
	return key, true
}

// Providers returns the provider names with a configured key, sorted. Used
// for "did you mean" suggestions when resolution fails entirely.
func (s *ConfigKeySource) Providers() []string {
	names := make([]string, 0, len(s.keys))
	for name := range s.keys {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// EnvKeySource fetches API keys from environment variables.
// It expects environment variables in the format: TARGETIDENTIFIER_API_KEY
// For example, for provider "openai", it looks for "OPENAI_API_KEY".
type EnvKeySource struct {
	logger *zap.Logger
}

// NewEnvKeySource creates a new instance of EnvKeySource.
func NewEnvKeySource(logger *zap.Logger) *EnvKeySource {
	if logger == nil {
		// Fallback to a no-op logger if none is provided, though ideally a logger should always be passed.
		logger = zap.NewNop()
	}
	return &EnvKeySource{logger: logger}
}

// Name returns "env".
func (s *EnvKeySource) Name() string { return "env" }

// Lookup fetches an API key for the provider from the environment.
func (s *EnvKeySource) Lookup(provider string) (string, bool) {
	if provider == "" {
		return "", false
	}

	// Construct the environment variable name, e.g., "OPENAI_API_KEY" from "openai"
	envVarName := strings.ToUpper(provider) + "_API_KEY"

	apiKey := os.Getenv(envVarName)
	if apiKey == "" {
		s.logger.Debug("API key not found in environment variable",
			zap.String("env_var_name", envVarName),
			zap.String("provider", provider))
		return "", false
	}

	s.logger.Debug("Retrieved API key from environment variable",
		zap.String("env_var_name", envVarName),
		zap.String("provider", provider))
	return apiKey, true
}
