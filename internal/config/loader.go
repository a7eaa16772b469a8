package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists the LLM provider names registered by the service.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = []string{"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"}

// Environment variables consulted by [ApplyEnv].
const (
	EnvLLMAPIKey        = "TICKERLENS_LLM_API_KEY"
	EnvMarketDataAPIKey = "TICKERLENS_MARKET_DATA_API_KEY"
	EnvOpenAIAPIKey     = "OPENAI_API_KEY"
	EnvFMPAPIKey        = "FMP_API_KEY"
)

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies environment overrides
// and defaults, and validates the result.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg, err := Decode(r)
	if err != nil {
		return nil, err
	}
	ApplyEnv(cfg, os.LookupEnv)
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Decode parses YAML from r without applying overrides or validation.
// Unknown keys are rejected. An empty document yields a zero [Config].
func Decode(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overlays credentials from the environment. The TICKERLENS_*
// variables win over the file; OPENAI_API_KEY and FMP_API_KEY only fill keys
// that are still empty.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvLLMAPIKey); ok && v != "" {
		cfg.Providers.LLM.APIKey = v
	}
	if v, ok := lookup(EnvMarketDataAPIKey); ok && v != "" {
		cfg.MarketData.APIKey = v
	}
	if v, ok := lookup(EnvOpenAIAPIKey); ok && v != "" {
		for _, e := range []*ProviderEntry{&cfg.Providers.LLM, &cfg.Providers.FallbackLLM, &cfg.Providers.ExpansionLLM} {
			if e.Name == "openai" && e.APIKey == "" {
				e.APIKey = v
			}
		}
	}
	if v, ok := lookup(EnvFMPAPIKey); ok && v != "" && cfg.MarketData.APIKey == "" {
		cfg.MarketData.APIKey = v
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.ReadHeaderTimeout < 0 {
		errs = append(errs, fmt.Errorf("server.read_header_timeout must not be negative"))
	}
	if cfg.Server.ShutdownTimeout < 0 {
		errs = append(errs, fmt.Errorf("server.shutdown_timeout must not be negative"))
	}
	if cfg.Server.ReadyCacheTTL < 0 {
		errs = append(errs, errors.New("server.ready_cache_ttl must not be negative"))
	}

	// Providers
	if cfg.Providers.LLM.Name == "" {
		errs = append(errs, errors.New("providers.llm.name is required"))
	}
	validateProviderName("providers.llm", cfg.Providers.LLM.Name)
	validateProviderName("providers.fallback_llm", cfg.Providers.FallbackLLM.Name)
	validateProviderName("providers.expansion_llm", cfg.Providers.ExpansionLLM.Name)
	if f := cfg.Providers.FallbackLLM; f.Name != "" && f.Name == cfg.Providers.LLM.Name && f.Model == cfg.Providers.LLM.Model {
		slog.Warn("providers.fallback_llm is identical to providers.llm; fallback will not help", "name", f.Name)
	}

	// Market data
	if cfg.MarketData.APIKey == "" {
		errs = append(errs, fmt.Errorf("market_data.api_key is required (or set %s)", EnvMarketDataAPIKey))
	}
	if u := cfg.MarketData.BaseURL; u != "" && !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
		errs = append(errs, fmt.Errorf("market_data.base_url %q must be an http(s) URL", u))
	}
	if cfg.MarketData.Timeout < 0 {
		errs = append(errs, fmt.Errorf("market_data.timeout must not be negative"))
	}

	// Agent
	if cfg.Agent.MaxIterations < 0 {
		errs = append(errs, fmt.Errorf("agent.max_iterations %d must not be negative", cfg.Agent.MaxIterations))
	}
	if cfg.Agent.Temperature < 0 || cfg.Agent.Temperature > 2 {
		errs = append(errs, fmt.Errorf("agent.temperature %.2f is out of range [0, 2]", cfg.Agent.Temperature))
	}
	if cfg.Agent.RequestTimeout < 0 {
		errs = append(errs, fmt.Errorf("agent.request_timeout must not be negative"))
	}

	// Search
	if cfg.Search.Threshold < 0 || cfg.Search.Threshold > 1 {
		errs = append(errs, fmt.Errorf("search.threshold %.2f is out of range [0, 1]", cfg.Search.Threshold))
	}
	for name, v := range map[string]int{
		"lookback_quarters":           cfg.Search.LookbackQuarters,
		"min_paragraph_length":        cfg.Search.MinParagraphLength,
		"min_match_length":            cfg.Search.MinMatchLength,
		"max_matches_per_transcript":  cfg.Search.MaxMatchesPerTranscript,
		"max_mentions_per_transcript": cfg.Search.MaxMentionsPerTranscript,
		"max_mentions":                cfg.Search.MaxMentions,
		"context_chars":               cfg.Search.ContextChars,
		"snippet_chars":               cfg.Search.SnippetChars,
		"speaker_window":              cfg.Search.SpeakerWindow,
		"concurrency":                 cfg.Search.Concurrency,
		"expansion_topics":            cfg.Search.ExpansionTopics,
	} {
		if v < 0 {
			errs = append(errs, fmt.Errorf("search.%s %d must not be negative", name, v))
		}
	}

	// MCP
	if cfg.MCP.Enabled && cfg.MCP.Path != "" && !strings.HasPrefix(cfg.MCP.Path, "/") {
		errs = append(errs, fmt.Errorf("mcp.path %q must start with /", cfg.MCP.Path))
	}

	// Telemetry
	if r := cfg.Telemetry.SampleRatio; r < 0 || r > 1 {
		errs = append(errs, fmt.Errorf("telemetry.sample_ratio %v must be within [0, 1]", r))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// [ValidProviderNames].
func validateProviderName(field, name string) {
	if name == "" || slices.Contains(ValidProviderNames, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"field", field,
		"name", name,
		"known", ValidProviderNames,
	)
}
