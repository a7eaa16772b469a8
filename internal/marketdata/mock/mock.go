// Package mock provides a test double for the marketdata.Fetcher interface.
//
// Responses are keyed by endpoint. Handler, when set, takes precedence and
// sees the full parameter set, which makes per-quarter transcript fixtures
// easy to express:
//
//	f := &mock.Fetcher{
//	    Responses: map[string]json.RawMessage{
//	        "search-name": json.RawMessage(`[{"symbol":"SPOT","exchange":"NYSE","currency":"USD"}]`),
//	    },
//	}
package mock

import (
	"context"
	"encoding/json"
	"net/url"
	"sync"

	"github.com/MrWong99/tickerlens/internal/marketdata"
)

// Call records a single invocation of Get.
type Call struct {
	Endpoint string
	Params   url.Values
}

// Fetcher is a mock implementation of marketdata.Fetcher. An endpoint with
// neither a response nor an error yields an empty JSON array.
type Fetcher struct {
	mu sync.Mutex

	// Handler, if set, answers every Get call.
	Handler func(endpoint string, params url.Values) (json.RawMessage, error)

	// Responses maps endpoint to the raw body returned by Get.
	Responses map[string]json.RawMessage

	// Errors maps endpoint to the error returned by Get.
	Errors map[string]error

	// BaseURL prefixes SourceURL output. Defaults to marketdata.DefaultBaseURL.
	BaseURL string

	// Calls records every Get invocation in order.
	Calls []Call
}

var _ marketdata.Fetcher = (*Fetcher)(nil)

// Get records the call and returns the configured response.
func (f *Fetcher) Get(_ context.Context, endpoint string, params url.Values) (json.RawMessage, error) {
	f.mu.Lock()
	f.Calls = append(f.Calls, Call{Endpoint: endpoint, Params: cloneValues(params)})
	handler := f.Handler
	f.mu.Unlock()

	if handler != nil {
		return handler(endpoint, params)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.Errors[endpoint]; ok {
		return nil, err
	}
	if raw, ok := f.Responses[endpoint]; ok {
		return raw, nil
	}
	return json.RawMessage(`[]`), nil
}

// SourceURL builds a deterministic provenance URL without any credential.
func (f *Fetcher) SourceURL(endpoint string, params url.Values) string {
	base := f.BaseURL
	if base == "" {
		base = marketdata.DefaultBaseURL
	}
	u := base + "/" + endpoint
	if enc := params.Encode(); enc != "" {
		u += "?" + enc
	}
	return u
}

// CallsTo returns the recorded calls for endpoint. Thread-safe.
func (f *Fetcher) CallsTo(endpoint string) []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Call
	for _, c := range f.Calls {
		if c.Endpoint == endpoint {
			out = append(out, c)
		}
	}
	return out
}

// Reset clears all recorded calls. Thread-safe.
func (f *Fetcher) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = nil
}

func cloneValues(v url.Values) url.Values {
	out := make(url.Values, len(v))
	for k, vals := range v {
		out[k] = append([]string(nil), vals...)
	}
	return out
}
