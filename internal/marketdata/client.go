// Package marketdata is the HTTP client for the financial-data provider.
//
// Every request is a GET of <base>/<endpoint>?<params>&apikey=<key>. The
// client has no caching and no retries: a non-2xx response becomes a
// [*StatusError] and the caller decides how to present it. [Client.SourceURL]
// rebuilds the same URL without the credential for citation purposes.
package marketdata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/tickerlens/internal/observe"
)

// DefaultBaseURL is the Financial Modeling Prep "stable" API root.
const DefaultBaseURL = "https://financialmodelingprep.com/stable"

// maxBodyBytes caps how much of a response body is read into memory.
// Full earnings-call transcripts are well under this.
const maxBodyBytes = 16 << 20

// maxErrorBody caps the upstream body echoed inside a [StatusError].
const maxErrorBody = 512

// ErrMissingAPIKey is returned by [New] when no API key is supplied.
var ErrMissingAPIKey = errors.New("marketdata: api key must not be empty")

// StatusError is returned by [Client.Get] when the provider answers with a
// non-2xx status.
type StatusError struct {
	Endpoint   string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("Failed to fetch %s: status %d: %s", e.Endpoint, e.StatusCode, e.Body)
}

// Fetcher is the subset of [Client] used by the tool layer. It is satisfied
// by *Client and by the test double in the mock subpackage.
type Fetcher interface {
	// Get fetches endpoint with params and returns the raw JSON body.
	Get(ctx context.Context, endpoint string, params url.Values) (json.RawMessage, error)

	// SourceURL returns the provenance URL for endpoint and params. It never
	// contains the API key.
	SourceURL(endpoint string, params url.Values) string
}

// Client is safe for concurrent use.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	metrics    *observe.Metrics
}

var _ Fetcher = (*Client)(nil)

type config struct {
	baseURL    string
	timeout    time.Duration
	httpClient *http.Client
	metrics    *observe.Metrics
}

// Option is a functional option for Client.
type Option func(*config)

// WithBaseURL overrides [DefaultBaseURL]. A trailing slash is stripped.
func WithBaseURL(u string) Option {
	return func(c *config) { c.baseURL = u }
}

// WithTimeout sets the per-request HTTP timeout. Zero means no client-level
// timeout; the request context still applies.
func WithTimeout(d time.Duration) Option {
	return func(c *config) { c.timeout = d }
}

// WithHTTPClient replaces the instrumented default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *config) { c.httpClient = hc }
}

// WithMetrics records request latency and counts on m. When unset,
// [observe.DefaultMetrics] is used.
func WithMetrics(m *observe.Metrics) Option {
	return func(c *config) { c.metrics = m }
}

// New constructs a Client. apiKey is required.
func New(apiKey string, opts ...Option) (*Client, error) {
	if apiKey == "" {
		return nil, ErrMissingAPIKey
	}
	cfg := &config{baseURL: DefaultBaseURL}
	for _, o := range opts {
		o(cfg)
	}
	if cfg.baseURL == "" {
		cfg.baseURL = DefaultBaseURL
	}

	hc := cfg.httpClient
	if hc == nil {
		hc = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	if cfg.timeout > 0 {
		hc.Timeout = cfg.timeout
	}
	if cfg.metrics == nil {
		cfg.metrics = observe.DefaultMetrics()
	}

	return &Client{
		baseURL:    strings.TrimRight(cfg.baseURL, "/"),
		apiKey:     apiKey,
		httpClient: hc,
		metrics:    cfg.metrics,
	}, nil
}

// Get implements [Fetcher].
func (c *Client) Get(ctx context.Context, endpoint string, params url.Values) (json.RawMessage, error) {
	ctx, span := observe.StartSpan(ctx, "marketdata.get",
		trace.WithAttributes(attribute.String("endpoint", endpoint)),
	)
	defer span.End()

	start := time.Now()
	raw, err := c.get(ctx, endpoint, params)
	c.metrics.MarketDataDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(attribute.String("endpoint", endpoint)),
	)

	status := "ok"
	if err != nil {
		status = "error"
		observe.FailSpan(span, err)
		c.metrics.RecordProviderError(ctx, "fmp", endpoint)
	}
	c.metrics.RecordProviderRequest(ctx, "fmp", endpoint, status)
	return raw, err
}

func (c *Client) get(ctx context.Context, endpoint string, params url.Values) (json.RawMessage, error) {
	q := cloneValues(params)
	q.Set("apikey", c.apiKey)
	u := c.endpointURL(endpoint) + "?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("marketdata: build request for %s: %w", endpoint, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("marketdata: %s: %w", endpoint, redact(err, c.apiKey))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("marketdata: read %s response: %w", endpoint, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		text := strings.TrimSpace(string(body))
		if len(text) > maxErrorBody {
			text = text[:maxErrorBody]
		}
		return nil, &StatusError{Endpoint: endpoint, StatusCode: resp.StatusCode, Body: text}
	}
	if !json.Valid(body) {
		return nil, fmt.Errorf("marketdata: %s: malformed JSON response", endpoint)
	}
	return json.RawMessage(body), nil
}

// SourceURL implements [Fetcher].
func (c *Client) SourceURL(endpoint string, params url.Values) string {
	u := c.endpointURL(endpoint)
	q := cloneValues(params)
	q.Del("apikey")
	if enc := q.Encode(); enc != "" {
		u += "?" + enc
	}
	return u
}

// Ping checks that the provider host answers at all. Any HTTP response
// below 500 counts as reachable; authentication is not verified.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.baseURL, nil)
	if err != nil {
		return fmt.Errorf("marketdata: build ping: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("marketdata: ping: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("marketdata: ping: status %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) endpointURL(endpoint string) string {
	return c.baseURL + "/" + strings.TrimLeft(endpoint, "/")
}

func cloneValues(v url.Values) url.Values {
	out := make(url.Values, len(v)+1)
	for k, vals := range v {
		out[k] = append([]string(nil), vals...)
	}
	return out
}

// redact strips the API key from transport errors, which embed the full URL.
func redact(err error, key string) error {
	var ue *url.Error
	if errors.As(err, &ue) {
		return &url.Error{Op: ue.Op, URL: strings.ReplaceAll(ue.URL, key, "REDACTED"), Err: ue.Err}
	}
	return err
}
