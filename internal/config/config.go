// Package config provides the configuration schema, loader, and LLM provider
// registry for the tickerlens research service.
package config

import "time"

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Providers  ProvidersConfig  `yaml:"providers"`
	MarketData MarketDataConfig `yaml:"market_data"`
	Agent      AgentConfig      `yaml:"agent"`
	Search     SearchConfig     `yaml:"search"`
	MCP        MCPConfig        `yaml:"mcp"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// ReadHeaderTimeout bounds reading request headers. Default 10s.
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`

	// ShutdownTimeout bounds graceful shutdown. Default 15s.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// AllowedOrigins lists cross-origin hosts allowed to open /chat/ws.
	AllowedOrigins []string `yaml:"allowed_origins"`

	// ReadyCacheTTL reuses a /readyz result for this long. Zero runs the
	// checks on every request.
	ReadyCacheTTL time.Duration `yaml:"ready_cache_ttl"`
}

// ProvidersConfig selects the LLM backends. Each entry names a provider
// registered in the [Registry].
type ProvidersConfig struct {
	// LLM plans tool calls and synthesizes the answer. Required.
	LLM ProviderEntry `yaml:"llm"`

	// FallbackLLM is tried when LLM fails. Optional.
	FallbackLLM ProviderEntry `yaml:"fallback_llm"`

	// ExpansionLLM expands transcript search topics. Defaults to LLM.
	ExpansionLLM ProviderEntry `yaml:"expansion_llm"`
}

// ProviderEntry is the common configuration block shared by all providers.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "openai", "anthropic").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	// Leave empty to use the provider's built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider (e.g., "gpt-4o").
	Model string `yaml:"model"`

	// Options holds provider-specific configuration values not covered by the
	// standard fields above.
	Options map[string]any `yaml:"options"`
}

// MarketDataConfig configures the financial data provider client.
type MarketDataConfig struct {
	// BaseURL is the provider's API root. Default https://financialmodelingprep.com/stable.
	BaseURL string `yaml:"base_url"`

	// APIKey authenticates every request. Required; may come from the
	// environment.
	APIKey string `yaml:"api_key"`

	// Timeout bounds a single provider request. Default 30s.
	Timeout time.Duration `yaml:"timeout"`
}

// AgentConfig tunes the orchestrator loop.
type AgentConfig struct {
	// MaxIterations is the planner-turn ceiling. Default 12.
	MaxIterations int `yaml:"max_iterations"`

	// ParallelTools runs the tool calls of one planner turn concurrently.
	// Default true.
	ParallelTools *bool `yaml:"parallel_tools"`

	// RequestTimeout bounds one chat. Default 2m.
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// Temperature for planner and synthesizer. Zero uses the provider default.
	Temperature float64 `yaml:"temperature"`

	// SystemPrompt replaces the built-in planner instructions.
	SystemPrompt string `yaml:"system_prompt"`

	// SynthesisPrompt replaces the built-in answer-writing instructions.
	SynthesisPrompt string `yaml:"synthesis_prompt"`
}

// SearchConfig tunes transcript search. Zero values keep the defaults.
type SearchConfig struct {
	LookbackQuarters         int     `yaml:"lookback_quarters"`
	MinParagraphLength       int     `yaml:"min_paragraph_length"`
	Threshold                float64 `yaml:"threshold"`
	MinMatchLength           int     `yaml:"min_match_length"`
	MaxMatchesPerTranscript  int     `yaml:"max_matches_per_transcript"`
	MaxMentionsPerTranscript int     `yaml:"max_mentions_per_transcript"`
	MaxMentions              int     `yaml:"max_mentions"`
	ContextChars             int     `yaml:"context_chars"`
	SnippetChars             int     `yaml:"snippet_chars"`
	SpeakerWindow            int     `yaml:"speaker_window"`
	Concurrency              int     `yaml:"concurrency"`

	// ExpansionTopics caps the phrases returned by topic expansion. Default 8.
	ExpansionTopics int `yaml:"expansion_topics"`
}

// MCPConfig controls the MCP endpoint.
type MCPConfig struct {
	// Enabled mounts the MCP streamable HTTP handler.
	Enabled bool `yaml:"enabled"`

	// Path is the mount point. Default /mcp.
	Path string `yaml:"path"`
}

// TelemetryConfig controls OpenTelemetry setup.
type TelemetryConfig struct {
	// ServiceName is reported as service.name. Default tickerlens.
	ServiceName string `yaml:"service_name"`

	// ServiceVersion is reported as service.version.
	ServiceVersion string `yaml:"service_version"`

	// SampleRatio is the fraction of new traces sampled. 0 samples all.
	SampleRatio float64 `yaml:"sample_ratio"`
}

// Defaults used by [ApplyDefaults].
const (
	DefaultListenAddr        = ":8080"
	DefaultMarketDataBaseURL = "https://financialmodelingprep.com/stable"
	DefaultMCPPath           = "/mcp"
	DefaultServiceName       = "tickerlens"
)

// ApplyDefaults fills empty fields that have a service-wide default. Search
// and agent tuning defaults live with their packages and are applied there.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Server.ReadHeaderTimeout == 0 {
		cfg.Server.ReadHeaderTimeout = 10 * time.Second
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 15 * time.Second
	}
	if cfg.MarketData.BaseURL == "" {
		cfg.MarketData.BaseURL = DefaultMarketDataBaseURL
	}
	if cfg.MarketData.Timeout == 0 {
		cfg.MarketData.Timeout = 30 * time.Second
	}
	if cfg.MCP.Path == "" {
		cfg.MCP.Path = DefaultMCPPath
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = DefaultServiceName
	}
}
