package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/tickerlens/internal/marketdata"
	"github.com/MrWong99/tickerlens/internal/observe"
	"github.com/MrWong99/tickerlens/internal/transcripts"
)

// Searcher runs a multi-transcript search. *transcripts.Engine satisfies it.
type Searcher interface {
	Search(ctx context.Context, q transcripts.Query) transcripts.Summary
}

// Execution is the outcome of one tool call. Raw is always valid JSON; on
// failure it is an object with an "error" field and Err carries the cause.
type Execution struct {
	Tool      string
	Args      Args
	Raw       json.RawMessage
	SourceURL string
	Err       error
	Duration  time.Duration
}

// OK reports whether the call succeeded.
func (e Execution) OK() bool { return e.Err == nil }

// Executor runs tool calls. It is safe for concurrent use.
type Executor struct {
	fetcher  marketdata.Fetcher
	searcher Searcher
	metrics  *observe.Metrics
}

// ExecutorOption configures an [Executor].
type ExecutorOption func(*Executor)

// WithSearcher sets the engine behind searchTranscripts.
func WithSearcher(s Searcher) ExecutorOption {
	return func(e *Executor) { e.searcher = s }
}

// WithExecutorMetrics records tool latency and outcomes on m instead of
// [observe.DefaultMetrics].
func WithExecutorMetrics(m *observe.Metrics) ExecutorOption {
	return func(e *Executor) { e.metrics = m }
}

// NewExecutor returns an Executor backed by f.
func NewExecutor(f marketdata.Fetcher, opts ...ExecutorOption) *Executor {
	e := &Executor{fetcher: f}
	for _, o := range opts {
		o(e)
	}
	if e.metrics == nil {
		e.metrics = observe.DefaultMetrics()
	}
	return e
}

// Execute parses rawArgs for the named tool and runs it. It never returns
// an error: unknown tools, bad arguments and upstream failures all come back
// as an error-shaped Raw so the caller can keep the conversation consistent.
func (e *Executor) Execute(ctx context.Context, name, rawArgs string) Execution {
	ctx, span := observe.StartSpan(ctx, "tools.execute",
		trace.WithAttributes(attribute.String("tool", name)),
	)
	defer span.End()

	start := time.Now()
	exec := e.execute(ctx, name, rawArgs)
	exec.Duration = time.Since(start)

	status := "ok"
	if exec.Err != nil {
		status = "error"
		observe.FailSpan(span, exec.Err)
		observe.Logger(ctx).Warn("tool call failed", "tool", name, "err", exec.Err)
	}
	e.metrics.RecordToolCall(ctx, name, status)
	e.metrics.ToolExecutionDuration.Record(ctx, exec.Duration.Seconds(),
		metric.WithAttributes(attribute.String("tool", name)),
	)
	return exec
}

func (e *Executor) execute(ctx context.Context, name, rawArgs string) Execution {
	args, err := ParseArgs(name, rawArgs)
	switch {
	case errors.Is(err, ErrUnknownTool):
		return failed(name, args, "", fmt.Sprintf("Unknown tool: %s", name), err)
	case err != nil:
		return failed(name, nil, "", "Invalid arguments for "+name+": "+detail(name, err), err)
	}

	if a, ok := args.(SearchTranscriptsArgs); ok {
		return e.search(ctx, a)
	}

	endpoint, params := Request(args)
	sourceURL := e.fetcher.SourceURL(endpoint, params)
	raw, err := e.fetcher.Get(ctx, endpoint, params)
	if err != nil {
		return failed(name, args, sourceURL, err.Error(), err)
	}
	return Execution{Tool: name, Args: args, Raw: raw, SourceURL: sourceURL}
}

func (e *Executor) search(ctx context.Context, a SearchTranscriptsArgs) Execution {
	sourceURL := e.fetcher.SourceURL(marketdata.EndpointTranscript, url.Values{
		"symbol": {strings.Join(a.Symbols, ",")},
	})
	if e.searcher == nil {
		err := errors.New("tools: transcript search is not configured")
		return failed(SearchTranscripts, a, sourceURL, "Transcript search is not available", err)
	}

	sum := e.searcher.Search(ctx, transcripts.Query{
		Symbols:          a.Symbols,
		Topic:            a.Topic,
		Executives:       a.Executives,
		LookbackQuarters: a.LookbackQuarters,
	})
	raw, err := json.Marshal(sum)
	if err != nil {
		return failed(SearchTranscripts, a, sourceURL, "Failed to encode search results", err)
	}
	exec := Execution{Tool: SearchTranscripts, Args: a, Raw: raw, SourceURL: sourceURL}
	if sum.Error != "" {
		exec.Err = errors.New(sum.Error)
	}
	return exec
}

// Request maps typed arguments to the provider endpoint and query
// parameters. It panics for [SearchTranscriptsArgs], which has no single
// endpoint.
func Request(args Args) (endpoint string, params url.Values) {
	switch a := args.(type) {
	case ResolveSymbolArgs:
		return "search-name", url.Values{"query": {a.Query}, "limit": {strconv.Itoa(a.Limit)}}
	case SymbolArgs:
		switch a.Name {
		case GetQuote:
			return "quote", url.Values{"symbol": {a.Symbol}}
		case GetCompanyProfile:
			return "profile", url.Values{"symbol": {a.Symbol}}
		case GetTranscriptDates:
			return marketdata.EndpointTranscriptDates, url.Values{"symbol": {a.Symbol}}
		}
	case StatementArgs:
		return statementEndpoints[a.Statement], url.Values{
			"symbol": {a.Symbol},
			"period": {a.Period},
			"limit":  {strconv.Itoa(a.Limit)},
		}
	case KeyMetricsArgs:
		return "key-metrics", url.Values{
			"symbol": {a.Symbol},
			"period": {a.Period},
			"limit":  {strconv.Itoa(a.Limit)},
		}
	case PriceHistoryArgs:
		p := url.Values{"symbol": {a.Symbol}}
		if a.From != "" {
			p.Set("from", a.From)
		}
		if a.To != "" {
			p.Set("to", a.To)
		}
		return "historical-price-eod/full", p
	case NewsArgs:
		return "news/stock", url.Values{
			"symbols": {strings.Join(a.Symbols, ",")},
			"limit":   {strconv.Itoa(a.Limit)},
		}
	case TranscriptArgs:
		return marketdata.EndpointTranscript, url.Values{
			"symbol":  {a.Symbol},
			"year":    {strconv.Itoa(a.Year)},
			"quarter": {strconv.Itoa(a.Quarter)},
		}
	}
	panic(fmt.Sprintf("tools: no endpoint for %T", args))
}

var statementEndpoints = map[string]string{
	StatementIncome:   "income-statement",
	StatementBalance:  "balance-sheet-statement",
	StatementCashFlow: "cash-flow-statement",
}

func failed(name string, args Args, sourceURL, msg string, err error) Execution {
	raw, _ := json.Marshal(map[string]string{"error": msg})
	return Execution{Tool: name, Args: args, Raw: raw, SourceURL: sourceURL, Err: err}
}

// detail strips the sentinel and tool-name prefixes from a ParseArgs error.
func detail(name string, err error) string {
	return strings.TrimPrefix(err.Error(), ErrInvalidArguments.Error()+": "+name+": ")
}
