package observe

import (
	"bufio"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// unmatchedRoute labels requests no mux pattern matched.
const unmatchedRoute = "unmatched"

// statusRecorder remembers the status code the wrapped handler wrote. Flush
// and Hijack pass through so event streams and websockets still work.
type statusRecorder struct {
	http.ResponseWriter
	status  int
	written bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.written {
		r.status, r.written = code, true
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack reports a taken-over connection as 101.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("observe: %T does not support hijacking", r.ResponseWriter)
	}
	r.status = http.StatusSwitchingProtocols
	return hj.Hijack()
}

// Unwrap lets [http.ResponseController] reach the underlying writer.
func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

// quietPaths are health and scrape endpoints logged at debug level.
var quietPaths = map[string]bool{
	"/healthz": true,
	"/readyz":  true,
	"/metrics": true,
}

// MiddlewareOption configures [Middleware].
type MiddlewareOption func(*middleware)

// WithRoutes labels spans and metrics with the mux pattern that serves a
// request instead of its raw path. Requests no pattern matches are labelled
// "unmatched".
func WithRoutes(mux *http.ServeMux) MiddlewareOption {
	return func(mw *middleware) {
		mw.route = func(r *http.Request) string {
			_, pattern := mux.Handler(r)
			if pattern == "" {
				return unmatchedRoute
			}
			// Patterns may carry a method prefix such as "POST /chat".
			if i := strings.IndexByte(pattern, ' '); i >= 0 {
				pattern = pattern[i+1:]
			}
			return pattern
		}
	}
}

type middleware struct {
	metrics *Metrics
	prop    propagation.TextMapPropagator
	route   func(*http.Request) string
	next    http.Handler
}

// Middleware traces, times and logs every request. It continues an incoming
// W3C trace or starts a new one, and echoes the trace id as X-Correlation-ID.
func Middleware(m *Metrics, opts ...MiddlewareOption) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		mw := &middleware{
			metrics: m,
			prop:    propagation.TraceContext{},
			route:   func(r *http.Request) string { return r.URL.Path },
			next:    next,
		}
		for _, o := range opts {
			o(mw)
		}
		return mw
	}
}

func (mw *middleware) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	route := mw.route(r)

	ctx := mw.prop.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
	ctx, span := StartSpan(ctx, "HTTP "+r.Method+" "+route,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			semconv.HTTPRequestMethodKey.String(r.Method),
			semconv.URLPath(r.URL.Path),
			semconv.HTTPRoute(route),
		),
	)
	defer span.End()

	cid := CorrelationID(ctx)
	if cid != "" {
		w.Header().Set("X-Correlation-ID", cid)
	}
	mw.prop.Inject(ctx, propagation.HeaderCarrier(w.Header()))

	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	mw.next.ServeHTTP(rec, r.WithContext(ctx))
	elapsed := time.Since(start)

	span.SetAttributes(semconv.HTTPResponseStatusCode(rec.status))
	mw.metrics.HTTPRequestDuration.Record(ctx, elapsed.Seconds(),
		metric.WithAttributes(
			attribute.String("method", r.Method),
			attribute.String("path", route),
		),
	)

	level := slog.LevelInfo
	if quietPaths[r.URL.Path] {
		level = slog.LevelDebug
	}
	slog.LogAttrs(ctx, level, "request completed",
		slog.String("trace_id", cid),
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.Int("status", rec.status),
		slog.Duration("duration", elapsed),
	)
}
