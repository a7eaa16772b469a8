package main

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/tickerlens/internal/app"
	"github.com/MrWong99/tickerlens/internal/config"
	"github.com/MrWong99/tickerlens/pkg/provider/llm"
	"github.com/MrWong99/tickerlens/pkg/provider/llm/anyllm"
	"github.com/MrWong99/tickerlens/pkg/provider/llm/openai"
)

// registerBuiltinProviders wires all built-in LLM factories into reg.
// "openai" uses the native SDK; every other vendor goes through any-llm-go.
func registerBuiltinProviders(reg *config.Registry) {
	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []openai.Option
		if entry.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(entry.BaseURL))
		}
		if org := optString(entry.Options, "organization"); org != "" {
			opts = append(opts, openai.WithOrganization(org))
		}
		if d, err := optDuration(entry.Options, "timeout"); err != nil {
			return nil, err
		} else if d > 0 {
			opts = append(opts, openai.WithTimeout(d))
		}
		if on, ok := entry.Options["stream_usage"].(bool); ok {
			opts = append(opts, openai.WithStreamUsage(on))
		}
		return openai.New(entry.APIKey, entry.Model, opts...)
	})

	// These share the same pattern: optional APIKey + optional BaseURL.
	for _, providerName := range []string{
		"anthropic", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile",
	} {
		reg.RegisterLLM(providerName, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(providerName, entry.Model, opts...)
		})
	}

	// ollama is a local server; it uses BaseURL for the address, not an API key.
	reg.RegisterLLM("ollama", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []anyllmlib.Option
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		return anyllm.New("ollama", entry.Model, opts...)
	})
}

// buildProviders instantiates the configured LLMs. The main LLM is required;
// a configured fallback or expansion provider that fails to build is fatal
// too, since it was asked for explicitly.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	ps := &app.Providers{}

	build := func(kind string, entry config.ProviderEntry, dst *llm.Provider) error {
		if entry.Name == "" {
			return nil
		}
		p, err := reg.CreateLLM(entry)
		if errors.Is(err, config.ErrProviderNotRegistered) {
			return fmt.Errorf("%s provider %q is not available; registered: %v", kind, entry.Name, reg.LLMNames())
		}
		if err != nil {
			return fmt.Errorf("create %s provider %q: %w", kind, entry.Name, err)
		}
		*dst = p
		slog.Info("provider created", "kind", kind, "name", entry.Name, "model", entry.Model)
		return nil
	}

	if err := build("llm", cfg.Providers.LLM, &ps.LLM); err != nil {
		return nil, err
	}
	if ps.LLM == nil {
		return nil, errors.New("providers.llm is not configured")
	}
	if err := build("fallback_llm", cfg.Providers.FallbackLLM, &ps.FallbackLLM); err != nil {
		return nil, err
	}
	if err := build("expansion_llm", cfg.Providers.ExpansionLLM, &ps.ExpansionLLM); err != nil {
		return nil, err
	}
	return ps, nil
}

// optString extracts a string value from a provider Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	s, _ := opts[key].(string)
	return s
}

// optDuration parses a duration option such as "30s". A missing key yields 0.
func optDuration(opts map[string]any, key string) (time.Duration, error) {
	s := optString(opts, key)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("options.%s: %w", key, err)
	}
	return d, nil
}
