package tools_test

import (
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/MrWong99/tickerlens/internal/tools"
)

func TestParseArgs_Valid(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		tool string
		raw  string
		want tools.Args
	}{
		{
			name: "resolve defaults limit",
			tool: tools.ResolveSymbol,
			raw:  `{"query":"  Spotify "}`,
			want: tools.ResolveSymbolArgs{Query: "Spotify", Limit: tools.DefaultSearchLimit},
		},
		{
			name: "quote upper-cases symbol",
			tool: tools.GetQuote,
			raw:  `{"symbol":"aapl"}`,
			want: tools.SymbolArgs{Name: tools.GetQuote, Symbol: "AAPL"},
		},
		{
			name: "profile accepts one-element symbols",
			tool: tools.GetCompanyProfile,
			raw:  `{"symbols":["msft"]}`,
			want: tools.SymbolArgs{Name: tools.GetCompanyProfile, Symbol: "MSFT"},
		},
		{
			name: "statement aliases and string limit",
			tool: tools.GetFinancialStatements,
			raw:  `{"symbol":"AAPL","statementType":"cash-flow","period":"quarterly","limit":"8"}`,
			want: tools.StatementArgs{Symbol: "AAPL", Statement: tools.StatementCashFlow, Period: tools.PeriodQuarter, Limit: 8},
		},
		{
			name: "statement defaults",
			tool: tools.GetFinancialStatements,
			raw:  `{"symbol":"AAPL","statement":"Income Statement"}`,
			want: tools.StatementArgs{Symbol: "AAPL", Statement: tools.StatementIncome, Period: tools.PeriodAnnual, Limit: tools.DefaultStatementLimit},
		},
		{
			name: "key metrics",
			tool: tools.GetKeyMetrics,
			raw:  `{"symbol":"NVDA","period":"annual"}`,
			want: tools.KeyMetricsArgs{Symbol: "NVDA", Period: tools.PeriodAnnual, Limit: tools.DefaultMetricsLimit},
		},
		{
			name: "price history with range",
			tool: tools.GetPriceHistory,
			raw:  `{"symbol":"TSLA","from":"2024-01-01","to":"2024-03-31"}`,
			want: tools.PriceHistoryArgs{Symbol: "TSLA", From: "2024-01-01", To: "2024-03-31"},
		},
		{
			name: "news merges and dedupes symbols",
			tool: tools.GetStockNews,
			raw:  `{"symbols":"aapl, msft","symbol":"AAPL","limit":3}`,
			want: tools.NewsArgs{Symbols: []string{"AAPL", "MSFT"}, Limit: 3},
		},
		{
			name: "transcript quarter as string",
			tool: tools.GetTranscript,
			raw:  `{"symbol":"ABNB","year":2024,"quarter":"3"}`,
			want: tools.TranscriptArgs{Symbol: "ABNB", Year: 2024, Quarter: 3},
		},
		{
			name: "search transcripts",
			tool: tools.SearchTranscripts,
			raw:  `{"symbols":["ABNB"],"topic":" profitability ","executives":["Brian Chesky",""],"lookbackQuarters":2}`,
			want: tools.SearchTranscriptsArgs{Symbols: []string{"ABNB"}, Topic: "profitability", Executives: []string{"Brian Chesky"}, LookbackQuarters: 2},
		},
		{
			name: "search transcripts default lookback",
			tool: tools.SearchTranscripts,
			raw:  `{"symbol":"ABNB","topic":"margins"}`,
			want: tools.SearchTranscriptsArgs{Symbols: []string{"ABNB"}, Topic: "margins", LookbackQuarters: tools.DefaultLookbackQuarters},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := tools.ParseArgs(tt.tool, tt.raw)
			if err != nil {
				t.Fatalf("ParseArgs: %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ParseArgs = %#v, want %#v", got, tt.want)
			}
			if got.Tool() != tt.tool {
				t.Errorf("Tool() = %q, want %q", got.Tool(), tt.tool)
			}
		})
	}
}

func TestParseArgs_Invalid(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		tool       string
		raw        string
		wantDetail string
	}{
		{"not an object", tools.GetQuote, `[1,2]`, "JSON object"},
		{"missing query", tools.ResolveSymbol, `{}`, "query is required"},
		{"missing symbol", tools.GetQuote, ``, "symbol is required"},
		{"two symbols", tools.GetQuote, `{"symbols":["AAPL","MSFT"]}`, "exactly one symbol"},
		{"bad statement", tools.GetFinancialStatements, `{"symbol":"AAPL","statement":"equity"}`, "statement must be"},
		{"bad period", tools.GetKeyMetrics, `{"symbol":"AAPL","period":"monthly"}`, "period must be"},
		{"limit too large", tools.GetStockNews, `{"symbols":["AAPL"],"limit":1000}`, "limit must be"},
		{"bad date", tools.GetPriceHistory, `{"symbol":"AAPL","from":"01/02/2024"}`, "YYYY-MM-DD"},
		{"missing year", tools.GetTranscript, `{"symbol":"AAPL","quarter":1}`, "year is required"},
		{"bad quarter", tools.GetTranscript, `{"symbol":"AAPL","year":2024,"quarter":5}`, "quarter must be 1-4"},
		{"no symbols", tools.SearchTranscripts, `{"topic":"ai"}`, "symbols is required"},
		{"lookback out of range", tools.SearchTranscripts, `{"symbols":["AAPL"],"lookbackQuarters":20}`, "lookbackQuarters"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := tools.ParseArgs(tt.tool, tt.raw)
			if !errors.Is(err, tools.ErrInvalidArguments) {
				t.Fatalf("err = %v, want ErrInvalidArguments", err)
			}
			if !strings.Contains(err.Error(), tt.wantDetail) {
				t.Errorf("err = %q, want it to mention %q", err, tt.wantDetail)
			}
			if !strings.Contains(err.Error(), tt.tool) {
				t.Errorf("err = %q, want it to name the tool", err)
			}
		})
	}
}

func TestParseArgs_UnknownTool(t *testing.T) {
	t.Parallel()

	got, err := tools.ParseArgs("getHoroscope", `{"sign":"leo"}`)
	if !errors.Is(err, tools.ErrUnknownTool) {
		t.Fatalf("err = %v, want ErrUnknownTool", err)
	}
	u, ok := got.(tools.UnknownArgs)
	if !ok {
		t.Fatalf("args = %T, want UnknownArgs", got)
	}
	if u.Name != "getHoroscope" || u.Raw != `{"sign":"leo"}` || u.Tool() != "getHoroscope" {
		t.Errorf("UnknownArgs = %+v", u)
	}
}
