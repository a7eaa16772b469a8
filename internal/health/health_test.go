package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/tickerlens/internal/marketdata"
	mdmock "github.com/MrWong99/tickerlens/internal/marketdata/mock"
	llmmock "github.com/MrWong99/tickerlens/pkg/provider/llm/mock"
)

func pass(context.Context) error { return nil }

func failWith(msg string) func(context.Context) error {
	return func(context.Context) error { return errors.New(msg) }
}

func readyz(t *testing.T, h *Handler, ctx context.Context) (int, result) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/readyz", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	h.Readyz(rec, req)

	var body result
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	return rec.Code, body
}

func TestHealthz_AlwaysReturns200(t *testing.T) {
	t.Parallel()

	h := New(Checker{Name: "llm", Check: failWith("down")})
	rec := httptest.NewRecorder()
	h.Healthz(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q", ct)
	}
}

func TestReadyz(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		checkers   []Checker
		wantStatus int
		wantBody   string
		wantChecks map[string]string
	}{
		{
			name:       "no checkers",
			wantStatus: http.StatusOK,
			wantBody:   "ok",
		},
		{
			name: "all pass",
			checkers: []Checker{
				{Name: "llm", Check: pass},
				{Name: "market_data", Check: pass},
			},
			wantStatus: http.StatusOK,
			wantBody:   "ok",
			wantChecks: map[string]string{"llm": "ok", "market_data": "ok"},
		},
		{
			name: "one fails",
			checkers: []Checker{
				{Name: "llm", Check: pass},
				{Name: "market_data", Check: failWith("connection refused")},
			},
			wantStatus: http.StatusServiceUnavailable,
			wantBody:   "fail",
			wantChecks: map[string]string{"llm": "ok", "market_data": "fail: connection refused"},
		},
		{
			name: "all fail",
			checkers: []Checker{
				{Name: "llm", Check: failWith("no provider configured")},
				{Name: "market_data", Check: failWith("timeout")},
			},
			wantStatus: http.StatusServiceUnavailable,
			wantBody:   "fail",
			wantChecks: map[string]string{"llm": "fail: no provider configured", "market_data": "fail: timeout"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			code, body := readyz(t, New(tt.checkers...), context.Background())
			if code != tt.wantStatus || body.Status != tt.wantBody {
				t.Errorf("got %d/%s, want %d/%s", code, body.Status, tt.wantStatus, tt.wantBody)
			}
			for k, want := range tt.wantChecks {
				if body.Checks[k] != want {
					t.Errorf("check %s = %q, want %q", k, body.Checks[k], want)
				}
			}
		})
	}
}

func TestReadyz_RunsChecksConcurrently(t *testing.T) {
	t.Parallel()

	var inFlight, peak atomic.Int32
	slow := func(context.Context) error {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond)
		inFlight.Add(-1)
		return nil
	}
	h := New(
		Checker{Name: "a", Check: slow},
		Checker{Name: "b", Check: slow},
		Checker{Name: "c", Check: slow},
	)
	if code, _ := readyz(t, h, context.Background()); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if peak.Load() < 2 {
		t.Errorf("peak concurrency = %d, want at least 2", peak.Load())
	}
}

func TestReadyz_RespectsContextCancellation(t *testing.T) {
	t.Parallel()

	h := New(Checker{Name: "slow", Check: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if code, _ := readyz(t, h, ctx); code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", code, http.StatusServiceUnavailable)
	}
}

func TestReadyz_CacheFor(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	counting := func(context.Context) error {
		calls.Add(1)
		return nil
	}

	tests := []struct {
		name      string
		ttl       time.Duration
		advance   time.Duration
		wantCalls int32
	}{
		{"no cache", 0, 0, 2},
		{"within ttl", time.Minute, 30 * time.Second, 1},
		{"expired", time.Minute, time.Minute, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls.Store(0)
			now := time.Unix(1_700_000_000, 0)
			h := New(Checker{Name: "llm", Check: counting}).CacheFor(tt.ttl)
			h.now = func() time.Time { return now }

			readyz(t, h, context.Background())
			now = now.Add(tt.advance)
			if code, body := readyz(t, h, context.Background()); code != http.StatusOK || body.Checks["llm"] != "ok" {
				t.Fatalf("second request = %d %+v", code, body)
			}
			if got := calls.Load(); got != tt.wantCalls {
				t.Errorf("checker ran %d times, want %d", got, tt.wantCalls)
			}
		})
	}
}

func TestReadyz_CancelledRequestNotCached(t *testing.T) {
	t.Parallel()

	h := New(Checker{Name: "slow", Check: func(ctx context.Context) error { return ctx.Err() }}).CacheFor(time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if code, _ := readyz(t, h, ctx); code != http.StatusServiceUnavailable {
		t.Fatalf("cancelled request = %d, want 503", code)
	}
	if code, _ := readyz(t, h, context.Background()); code != http.StatusOK {
		t.Errorf("next request = %d, want 200", code)
	}
}

func TestReadyz_ConcurrentRequestsShareOneRun(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	release := make(chan struct{})
	h := New(Checker{Name: "market_data", Check: func(context.Context) error {
		calls.Add(1)
		<-release
		return nil
	}})

	const requests = 5
	codes := make(chan int, requests)
	for range requests {
		go func() {
			rec := httptest.NewRecorder()
			h.Readyz(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
			codes <- rec.Code
		}()
	}
	// Let every request join the in-flight run before it finishes.
	time.Sleep(50 * time.Millisecond)
	close(release)

	for range requests {
		if code := <-codes; code != http.StatusOK {
			t.Errorf("request = %d", code)
		}
	}
	if got := calls.Load(); got >= requests {
		t.Errorf("checker ran %d times for %d concurrent requests", got, requests)
	}
}

func TestRegister_RoutesWork(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	New(Checker{Name: "test", Check: pass}).Register(mux)

	for _, path := range []string{"/healthz", "/readyz"} {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusOK {
			t.Errorf("%s: status = %d", path, rec.Code)
		}
	}
}

func TestLLMConfigured(t *testing.T) {
	t.Parallel()

	if err := LLMConfigured("llm", &llmmock.Provider{}).Check(context.Background()); err != nil {
		t.Errorf("configured provider failed: %v", err)
	}
	if err := LLMConfigured("llm", nil).Check(context.Background()); err == nil {
		t.Error("nil provider passed")
	}
}

func TestMarketDataReachable(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		err     error
		wantErr bool
	}{
		{"answers", nil, false},
		{"rate limited still reachable", &marketdata.StatusError{Endpoint: "search-name", StatusCode: 429}, false},
		{"bad key", &marketdata.StatusError{Endpoint: "search-name", StatusCode: 401}, true},
		{"network", errors.New("dial tcp: connection refused"), true},
	}
	for _, tt := range tests {
		f := &mdmock.Fetcher{}
		if tt.err != nil {
			f.Errors = map[string]error{"search-name": tt.err}
		}
		err := MarketDataReachable(f).Check(context.Background())
		if (err != nil) != tt.wantErr {
			t.Errorf("%s: err = %v, wantErr %v", tt.name, err, tt.wantErr)
		}
		if len(f.CallsTo("search-name")) != 1 {
			t.Errorf("%s: check not issued", tt.name)
		}
	}
}
