// Package app wires all tickerlens subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves HTTP until the context is cancelled, and Shutdown
// tears everything down in order.
//
// For testing, inject doubles via functional options (WithFetcher,
// WithMetrics). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"github.com/MrWong99/tickerlens/internal/agent"
	"github.com/MrWong99/tickerlens/internal/config"
	"github.com/MrWong99/tickerlens/internal/health"
	"github.com/MrWong99/tickerlens/internal/marketdata"
	"github.com/MrWong99/tickerlens/internal/mcp"
	"github.com/MrWong99/tickerlens/internal/observe"
	"github.com/MrWong99/tickerlens/internal/resilience"
	"github.com/MrWong99/tickerlens/internal/server"
	"github.com/MrWong99/tickerlens/internal/tools"
	"github.com/MrWong99/tickerlens/internal/transcripts"
	"github.com/MrWong99/tickerlens/pkg/provider/llm"
)

// Providers holds one LLM per role. LLM is required; the others are optional.
// Populated by main.go via the config registry.
type Providers struct {
	LLM          llm.Provider
	FallbackLLM  llm.Provider
	ExpansionLLM llm.Provider
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers

	metrics        *observe.Metrics
	metricsHandler http.Handler
	level          *slog.LevelVar

	fetcher  marketdata.Fetcher
	search   *transcripts.Engine
	exec     *tools.Executor
	orch     *agent.Orchestrator
	mcp      *mcp.Server
	health   *health.Handler
	handler  http.Handler
	srv      *http.Server
	listener net.Listener

	// closers are called in order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithFetcher injects a market-data fetcher instead of creating an HTTP
// client from config.
func WithFetcher(f marketdata.Fetcher) Option {
	return func(a *App) { a.fetcher = f }
}

// WithMetrics records on m instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler serves h at /metrics instead of the Prometheus handler.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandler = h }
}

// WithLogLevel lets [App.ApplyConfig] change the level of the process logger.
func WithLogLevel(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// WithListener serves on l instead of listening on cfg.Server.ListenAddr.
func WithListener(l net.Listener) Option {
	return func(a *App) { a.listener = l }
}

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go (populated via the config registry).
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.LLM == nil {
		return nil, errors.New("app: an LLM provider is required")
	}
	a := &App{cfg: cfg, providers: providers}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.metricsHandler == nil {
		a.metricsHandler = observe.MetricsHandler()
	}

	if err := a.initMarketData(); err != nil {
		return nil, fmt.Errorf("app: init market data: %w", err)
	}
	planner := a.initLLM()
	a.initSearch()
	a.exec = tools.NewExecutor(a.fetcher,
		tools.WithSearcher(a.search),
		tools.WithExecutorMetrics(a.metrics),
	)
	a.orch = agent.New(planner, a.exec,
		agent.WithConfig(agentConfig(cfg.Agent)),
		agent.WithMetrics(a.metrics),
	)
	a.mcp = mcp.NewServer(a.exec)
	a.health = health.New(
		health.LLMConfigured("llm", planner),
		health.MarketDataReachable(a.fetcher),
	).CacheFor(cfg.Server.ReadyCacheTTL)
	a.initServer()

	slog.InfoContext(ctx, "application initialised",
		"tools", len(tools.Definitions()),
		"mcp", cfg.MCP.Enabled,
		"max_iterations", a.orch.Config().MaxIterations,
	)
	return a, nil
}

func (a *App) initMarketData() error {
	if a.fetcher != nil {
		return nil
	}
	c, err := marketdata.New(a.cfg.MarketData.APIKey,
		marketdata.WithBaseURL(a.cfg.MarketData.BaseURL),
		marketdata.WithTimeout(a.cfg.MarketData.Timeout),
		marketdata.WithMetrics(a.metrics),
	)
	if err != nil {
		return err
	}
	a.fetcher = c
	return nil
}

// initLLM returns the provider used for planning and synthesis, wrapped in a
// failover group when a fallback is configured.
func (a *App) initLLM() llm.Provider {
	if a.providers.FallbackLLM == nil {
		return a.providers.LLM
	}
	fb := resilience.NewLLMFallback(a.providers.LLM, a.cfg.Providers.LLM.Name, resilience.FallbackConfig{
		Metrics: a.metrics,
	})
	fb.AddFallback(a.cfg.Providers.FallbackLLM.Name+"-fallback", a.providers.FallbackLLM)
	slog.Info("llm failover enabled", "providers", fb.Providers())
	return fb
}

func (a *App) initSearch() {
	exp := a.providers.ExpansionLLM
	if exp == nil {
		exp = a.providers.LLM
	}
	xopts := []transcripts.ExpanderOption{transcripts.WithExpanderMetrics(a.metrics)}
	if n := a.cfg.Search.ExpansionTopics; n > 0 {
		xopts = append(xopts, transcripts.WithMaxTopics(n))
	}
	a.search = transcripts.NewEngine(a.fetcher,
		transcripts.WithExpander(transcripts.NewExpander(exp, xopts...)),
		transcripts.WithConfig(searchConfig(a.cfg.Search)),
		transcripts.WithMetrics(a.metrics),
	)
}

func (a *App) initServer() {
	opts := []server.Option{
		server.WithHealth(a.health),
		server.WithMetrics(a.metrics),
		server.WithMetricsHandler(a.metricsHandler),
	}
	if a.cfg.MCP.Enabled {
		opts = append(opts, server.WithMCP(a.cfg.MCP.Path, a.mcp.Handler()))
	}
	if len(a.cfg.Server.AllowedOrigins) > 0 {
		opts = append(opts, server.WithOriginPatterns(a.cfg.Server.AllowedOrigins...))
	}
	a.handler = server.New(a.orch, opts...)
	a.srv = &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: a.cfg.Server.ReadHeaderTimeout,
	}
}

// Handler returns the root HTTP handler.
func (a *App) Handler() http.Handler { return a.handler }

// Orchestrator returns the chat orchestrator.
func (a *App) Orchestrator() *agent.Orchestrator { return a.orch }

// AddCloser registers fn to run during [App.Shutdown] after the HTTP server
// has stopped. Closers run in registration order.
func (a *App) AddCloser(fn func() error) {
	a.closers = append(a.closers, fn)
}

// Run serves HTTP until ctx is cancelled or the server fails. A cancelled ctx
// returns nil; call [App.Shutdown] afterwards to drain connections.
func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if a.listener != nil {
			err = a.srv.Serve(a.listener)
		} else {
			err = a.srv.ListenAndServe()
		}
		errCh <- err
	}()
	slog.Info("http server listening", "addr", a.addr())

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	}
}

func (a *App) addr() string {
	if a.listener != nil {
		return a.listener.Addr().String()
	}
	return a.srv.Addr
}

// ApplyConfig reacts to a reloaded config. The log level is applied live;
// anything else is logged as requiring a restart.
func (a *App) ApplyConfig(old, new *config.Config) {
	d := config.Diff(old, new)
	if d.LogLevelChanged && a.level != nil {
		a.level.Set(SlogLevel(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes require a restart to take effect", "sections", d.RestartRequired)
	}
}

// Shutdown stops the HTTP server, then runs the registered closers. It
// respects the context deadline: if ctx expires before all closers finish,
// remaining closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		if err := a.srv.Shutdown(ctx); err != nil {
			slog.Warn("http shutdown error", "err", err)
			shutdownErr = err
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// SlogLevel maps a config log level to its slog equivalent. Unknown values
// map to Info.
func SlogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// agentConfig overlays the configured values on [agent.DefaultConfig].
func agentConfig(c config.AgentConfig) agent.Config {
	ac := agent.DefaultConfig()
	if c.MaxIterations > 0 {
		ac.MaxIterations = c.MaxIterations
	}
	if c.ParallelTools != nil {
		ac.ParallelTools = *c.ParallelTools
	}
	if c.RequestTimeout > 0 {
		ac.RequestTimeout = c.RequestTimeout
	}
	ac.Temperature = c.Temperature
	if c.SystemPrompt != "" {
		ac.SystemPrompt = c.SystemPrompt
	}
	if c.SynthesisPrompt != "" {
		ac.SynthesisPrompt = c.SynthesisPrompt
	}
	return ac
}

// searchConfig converts search tuning; zero fields keep the engine defaults.
func searchConfig(c config.SearchConfig) transcripts.Config {
	return transcripts.Config{
		LookbackQuarters:         c.LookbackQuarters,
		MinParagraphLength:       c.MinParagraphLength,
		Threshold:                c.Threshold,
		MinMatchLength:           c.MinMatchLength,
		MaxMatchesPerTranscript:  c.MaxMatchesPerTranscript,
		MaxMentionsPerTranscript: c.MaxMentionsPerTranscript,
		MaxMentions:              c.MaxMentions,
		ContextChars:             c.ContextChars,
		SnippetChars:             c.SnippetChars,
		SpeakerWindow:            c.SpeakerWindow,
		Concurrency:              c.Concurrency,
	}
}
