package health

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/MrWong99/tickerlens/internal/marketdata"
	"github.com/MrWong99/tickerlens/pkg/provider/llm"
)

// LLMConfigured passes when p is set.
func LLMConfigured(name string, p llm.Provider) Checker {
	return Checker{Name: name, Check: func(context.Context) error {
		if p == nil {
			return errors.New("no provider configured")
		}
		return nil
	}}
}

// MarketDataReachable issues a one-row symbol search against f. Any answer
// from the provider, including an HTTP error status other than auth
// failures, counts as reachable.
func MarketDataReachable(f marketdata.Fetcher) Checker {
	return Checker{Name: "market_data", Check: func(ctx context.Context) error {
		if f == nil {
			return errors.New("no client configured")
		}
		_, err := f.Get(ctx, "search-name", url.Values{"query": {"AAPL"}, "limit": {"1"}})
		var se *marketdata.StatusError
		switch {
		case err == nil:
			return nil
		case errors.As(err, &se) && (se.StatusCode == http.StatusUnauthorized || se.StatusCode == http.StatusForbidden):
			return fmt.Errorf("provider rejected credentials (status %d)", se.StatusCode)
		case errors.As(err, &se):
			return nil
		default:
			return err
		}
	}}
}
