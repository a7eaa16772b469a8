// Package health serves the liveness and readiness endpoints.
//
//   - /healthz answers 200 while the process can serve HTTP.
//   - /readyz answers 200 only when every registered [Checker] passes.
//
// Both respond with {"status": "ok"|"fail", "checks": {name: result}}.
// Concurrent readiness requests share one run of the checkers, and
// [Handler.CacheFor] lets a result answer later requests for a while.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// checkTimeout bounds a single readiness check.
const checkTimeout = 5 * time.Second

// Checker is a named readiness check. Check returns nil when the dependency
// is usable.
type Checker struct {
	// Name keys the result in the JSON response, e.g. "llm" or "market_data".
	Name string

	// Check tests the dependency and must respect ctx.
	Check func(ctx context.Context) error
}

type result struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

func (r result) code() int {
	if r.Status == "ok" {
		return http.StatusOK
	}
	return http.StatusServiceUnavailable
}

// Handler serves /healthz and /readyz. The checker list is fixed at
// construction and the handler is safe for concurrent use.
type Handler struct {
	checkers []Checker
	timeout  time.Duration
	ttl      time.Duration
	now      func() time.Time

	flight singleflight.Group

	mu       sync.Mutex
	cached   result
	cachedAt time.Time
}

// New returns a handler that runs checkers on /readyz requests.
func New(checkers ...Checker) *Handler {
	return &Handler{
		checkers: append([]Checker(nil), checkers...),
		timeout:  checkTimeout,
		now:      time.Now,
	}
}

// CacheFor makes a readiness result answer requests for ttl after it was
// produced. Results of cancelled requests are never kept. It returns h and
// must be called before the handler serves traffic.
func (h *Handler) CacheFor(ttl time.Duration) *Handler {
	h.ttl = ttl
	return h
}

// Healthz always answers 200.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, result{Status: "ok"})
}

// Readyz answers 503 if any checker fails.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	res := h.ready(r.Context())
	writeJSON(w, res.code(), res)
}

func (h *Handler) ready(ctx context.Context) result {
	if res, ok := h.fresh(); ok {
		return res
	}
	v, _, _ := h.flight.Do("readyz", func() (any, error) {
		res := h.run(ctx)
		if h.ttl > 0 && ctx.Err() == nil {
			h.mu.Lock()
			h.cached, h.cachedAt = res, h.now()
			h.mu.Unlock()
		}
		return res, nil
	})
	return v.(result)
}

// fresh returns the cached result while it is younger than the TTL.
func (h *Handler) fresh() (result, bool) {
	if h.ttl <= 0 {
		return result{}, false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cachedAt.IsZero() || h.now().Sub(h.cachedAt) >= h.ttl {
		return result{}, false
	}
	return h.cached, true
}

// run executes every checker concurrently, each under its own timeout
// derived from ctx.
func (h *Handler) run(ctx context.Context) result {
	outcomes := make([]string, len(h.checkers))
	var g errgroup.Group
	for i, c := range h.checkers {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, h.timeout)
			defer cancel()
			if err := c.Check(cctx); err != nil {
				outcomes[i] = "fail: " + err.Error()
			} else {
				outcomes[i] = "ok"
			}
			return nil
		})
	}
	_ = g.Wait()

	res := result{Status: "ok", Checks: make(map[string]string, len(h.checkers))}
	for i, c := range h.checkers {
		res.Checks[c.Name] = outcomes[i]
		if outcomes[i] != "ok" {
			res.Status = "fail"
		}
	}
	return res
}

// Register adds the health routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
