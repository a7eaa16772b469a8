// Package tools holds the research tool catalog, the executor that runs a
// tool call against the market-data provider, and the processor that turns
// raw provider output into the citation-carrying records the LLM sees.
//
// The catalog is static. Parameter schemas are generated once from the
// *Params structs below so that the schema offered to the planner and the
// field names accepted by [ParseArgs] cannot drift apart silently.
package tools

import (
	"encoding/json"
	"fmt"
	"reflect"
	"slices"
	"sync"

	"github.com/invopop/jsonschema"

	"github.com/MrWong99/tickerlens/pkg/types"
)

// Tool names.
const (
	ResolveSymbol          = "resolveSymbol"
	GetQuote               = "getQuote"
	GetCompanyProfile      = "getCompanyProfile"
	GetFinancialStatements = "getFinancialStatements"
	GetKeyMetrics          = "getKeyMetrics"
	GetPriceHistory        = "getPriceHistory"
	GetStockNews           = "getStockNews"
	GetTranscriptDates     = "getTranscriptDates"
	GetTranscript          = "getTranscript"
	SearchTranscripts      = "searchTranscripts"
)

// ── parameter schemas ────────────────────────────────────────────────────────

type resolveSymbolParams struct {
	Query string `json:"query" jsonschema_description:"Company name or partial ticker, e.g. \"Spotify\"."`
	Limit int    `json:"limit,omitempty" jsonschema_description:"Maximum candidates to consider (default 10)."`
}

type symbolParams struct {
	Symbol string `json:"symbol" jsonschema_description:"Ticker symbol, e.g. AAPL."`
}

type statementParams struct {
	Symbol    string `json:"symbol" jsonschema_description:"Ticker symbol."`
	Statement string `json:"statement" jsonschema:"enum=income,enum=balance,enum=cashflow" jsonschema_description:"Which statement to fetch."`
	Period    string `json:"period,omitempty" jsonschema:"enum=annual,enum=quarter" jsonschema_description:"Reporting period (default annual)."`
	Limit     int    `json:"limit,omitempty" jsonschema_description:"Number of periods to fetch (default 4)."`
}

type keyMetricsParams struct {
	Symbol string `json:"symbol" jsonschema_description:"Ticker symbol."`
	Period string `json:"period,omitempty" jsonschema:"enum=annual,enum=quarter" jsonschema_description:"Reporting period (default annual)."`
	Limit  int    `json:"limit,omitempty" jsonschema_description:"Number of periods to fetch (default 4)."`
}

type priceHistoryParams struct {
	Symbol string `json:"symbol" jsonschema_description:"Ticker symbol."`
	From   string `json:"from,omitempty" jsonschema:"format=date" jsonschema_description:"Start date, YYYY-MM-DD."`
	To     string `json:"to,omitempty" jsonschema:"format=date" jsonschema_description:"End date, YYYY-MM-DD."`
}

type newsParams struct {
	Symbols []string `json:"symbols" jsonschema_description:"One or more ticker symbols."`
	Limit   int      `json:"limit,omitempty" jsonschema_description:"Maximum articles (default 10)."`
}

type transcriptParams struct {
	Symbol  string `json:"symbol" jsonschema_description:"Ticker symbol."`
	Year    int    `json:"year" jsonschema_description:"Fiscal year, e.g. 2024."`
	Quarter int    `json:"quarter" jsonschema:"minimum=1,maximum=4" jsonschema_description:"Fiscal quarter 1-4."`
}

type searchTranscriptsParams struct {
	Symbols          []string `json:"symbols" jsonschema_description:"One or more ticker symbols to search."`
	Topic            string   `json:"topic" jsonschema_description:"What to look for, e.g. \"AI capex\" or \"pricing power\"."`
	Executives       []string `json:"executives,omitempty" jsonschema_description:"Only keep remarks attributed to these people."`
	LookbackQuarters int      `json:"lookbackQuarters,omitempty" jsonschema:"minimum=1,maximum=12" jsonschema_description:"How many recent quarters to scan per company (default 4)."`
}

// ── catalog ──────────────────────────────────────────────────────────────────

type entry struct {
	name        string
	description string
	params      any
}

var catalog = []entry{
	{ResolveSymbol, "Find the ticker symbol for a company name. Prefers the primary US listing.", resolveSymbolParams{}},
	{GetQuote, "Get the latest stock quote: price, change, volume, market cap, day and year range.", symbolParams{}},
	{GetCompanyProfile, "Get the company profile: sector, industry, CEO, description, employees, website.", symbolParams{}},
	{GetFinancialStatements, "Get income statement, balance sheet or cash flow statement data for recent periods.", statementParams{}},
	{GetKeyMetrics, "Get valuation and efficiency metrics such as P/E, EV/EBITDA, ROE and free cash flow yield.", keyMetricsParams{}},
	{GetPriceHistory, "Get daily closing prices over a date range, summarised.", priceHistoryParams{}},
	{GetStockNews, "Get recent news articles for one or more tickers.", newsParams{}},
	{GetTranscriptDates, "List the earnings call transcripts available for a company.", symbolParams{}},
	{GetTranscript, "Get the full text of one earnings call transcript.", transcriptParams{}},
	{SearchTranscripts, "Search the last few quarters of earnings call transcripts of one or more companies for what management said about a topic.", searchTranscriptsParams{}},
}

var (
	defsOnce sync.Once
	defs     []types.ToolDefinition
	byName   map[string]int
)

func buildDefinitions() {
	byName = make(map[string]int, len(catalog))
	defs = make([]types.ToolDefinition, 0, len(catalog))
	for i, e := range catalog {
		defs = append(defs, types.ToolDefinition{
			Name:        e.name,
			Description: e.description,
			Parameters:  schemaFor(e.params),
		})
		byName[e.name] = i
	}
}

// schemaFor reflects v into a JSON schema object. It panics on failure,
// which can only happen if a params struct above is malformed.
func schemaFor(v any) map[string]any {
	r := &jsonschema.Reflector{
		ExpandedStruct: true,
		DoNotReference: true,
	}
	b, err := json.Marshal(r.ReflectFromType(reflect.TypeOf(v)))
	if err != nil {
		panic(fmt.Sprintf("tools: marshal schema for %T: %v", v, err))
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		panic(fmt.Sprintf("tools: unmarshal schema for %T: %v", v, err))
	}
	delete(m, "$schema")
	delete(m, "$id")
	return m
}

// Definitions returns the full catalog in a stable order. The returned slice
// is a copy; parameter maps are shared and must not be mutated.
func Definitions() []types.ToolDefinition {
	defsOnce.Do(buildDefinitions)
	return slices.Clone(defs)
}

// Lookup returns the definition of the named tool.
func Lookup(name string) (types.ToolDefinition, bool) {
	defsOnce.Do(buildDefinitions)
	i, ok := byName[name]
	if !ok {
		return types.ToolDefinition{}, false
	}
	return defs[i], true
}

// Names returns all tool names in catalog order.
func Names() []string {
	out := make([]string, len(catalog))
	for i, e := range catalog {
		out[i] = e.name
	}
	return out
}
