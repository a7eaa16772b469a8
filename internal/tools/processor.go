package tools

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/MrWong99/tickerlens/internal/marketdata"
)

// Result is the normalised, citation-carrying form of a tool's output. It
// always has non-empty "sourceUrl" and "toolDescription" entries.
type Result map[string]any

// JSON encodes r for use as the content of a tool message.
func (r Result) JSON() string {
	b, err := json.Marshal(r)
	if err != nil {
		return fmt.Sprintf(`{"error":%q,"sourceUrl":%q,"toolDescription":%q}`,
			"unencodable tool result", r.SourceURL(), r.Description())
	}
	return string(b)
}

// SourceURL returns the provenance URL.
func (r Result) SourceURL() string { s, _ := r["sourceUrl"].(string); return s }

// Description returns the citation label.
func (r Result) Description() string { s, _ := r["toolDescription"].(string); return s }

// Error returns the error message, or "" for a successful result.
func (r Result) Error() string { s, _ := r["error"].(string); return s }

// Limits applied by the processor.
const (
	recentPeriods      = 3
	maxPricePoints     = 30
	maxNewsItems       = 10
	maxNewsText        = 280
	maxTranscriptChars = 6000
	maxAlternatives    = 4
)

// noSource stands in for a provenance URL when the call never reached the
// provider (unknown tool, invalid arguments).
const noSource = "unavailable"

// Process normalises raw output of the named tool. It is pure and total:
// every tool name, including unknown ones, yields a Result carrying
// sourceUrl and toolDescription.
func Process(name string, raw json.RawMessage, args Args, sourceURL string) Result {
	if sourceURL == "" {
		sourceURL = noSource
	}
	desc := Describe(name, args)

	v, err := decode(raw)
	if err != nil {
		return Result{"error": "Malformed tool output: " + err.Error(), "sourceUrl": sourceURL, "toolDescription": desc}
	}
	if msg, ok := errorOf(v); ok {
		return Result{"error": msg, "sourceUrl": sourceURL, "toolDescription": desc}
	}

	var out Result
	switch name {
	case ResolveSymbol:
		out = processResolve(v, args)
	case GetQuote, GetCompanyProfile:
		out = processFlatten(v)
	case GetFinancialStatements:
		out = processStatements(v, args)
	case GetKeyMetrics:
		out = processKeyMetrics(v, args)
	case GetPriceHistory:
		out = processPriceHistory(v, args)
	case GetStockNews:
		out = processNews(v, args)
	case GetTranscriptDates:
		out = processTranscriptDates(raw, args)
	case GetTranscript:
		out = processTranscript(raw, args)
	default:
		out = processGeneric(v)
	}
	out["sourceUrl"] = sourceURL
	out["toolDescription"] = desc
	return out
}

// ── descriptions ─────────────────────────────────────────────────────────────

var labels = map[string]string{
	ResolveSymbol:          "Symbol Search",
	GetQuote:               "Stock Quote",
	GetCompanyProfile:      "Company Profile",
	GetKeyMetrics:          "Key Metrics",
	GetPriceHistory:        "Price History",
	GetStockNews:           "Stock News",
	GetTranscriptDates:     "Earnings Call Transcript Dates",
	GetTranscript:          "Earnings Call Transcript",
	SearchTranscripts:      "Earnings Call Transcript Search",
	GetFinancialStatements: "Financial Statements",
}

var statementLabels = map[string]string{
	StatementIncome:   "Income Statement",
	StatementBalance:  "Balance Sheet",
	StatementCashFlow: "Cash Flow Statement",
}

// Describe returns the human citation label for a call. args may be nil.
func Describe(name string, args Args) string {
	label, ok := labels[name]
	if !ok {
		if name == "" {
			return "Unknown tool"
		}
		return "Tool: " + name
	}

	switch a := args.(type) {
	case ResolveSymbolArgs:
		return fmt.Sprintf("%s: %q", label, a.Query)
	case SymbolArgs:
		return label + ": " + a.Symbol
	case StatementArgs:
		return fmt.Sprintf("%s (%s): %s", statementLabels[a.Statement], a.Period, a.Symbol)
	case KeyMetricsArgs:
		return fmt.Sprintf("%s (%s): %s", label, a.Period, a.Symbol)
	case PriceHistoryArgs:
		return label + ": " + a.Symbol
	case NewsArgs:
		return label + ": " + strings.Join(a.Symbols, ", ")
	case TranscriptArgs:
		return fmt.Sprintf("%s Q%d %d: %s", label, a.Quarter, a.Year, a.Symbol)
	case SearchTranscriptsArgs:
		return label + ": " + strings.Join(a.Symbols, ", ")
	}
	return label
}

// ── per-tool rules ───────────────────────────────────────────────────────────

// usExchanges are the major US venues preferred by symbol resolution.
var usExchanges = map[string]bool{
	"NYSE": true, "NASDAQ": true, "AMEX": true, "NYSEARCA": true,
	"NYSEAMERICAN": true, "BATS": true, "CBOE": true,
}

func exchangeOf(c map[string]any) string {
	if s := str(c, "exchangeShortName"); s != "" {
		return s
	}
	return str(c, "exchange")
}

func preferredListing(c map[string]any) bool {
	ex := strings.ToUpper(strings.ReplaceAll(exchangeOf(c), " ", ""))
	return usExchanges[ex] &&
		strings.EqualFold(str(c, "currency"), "USD") &&
		!strings.Contains(str(c, "symbol"), ".")
}

func processResolve(v any, args Args) Result {
	query := ""
	if a, ok := args.(ResolveSymbolArgs); ok {
		query = a.Query
	}
	candidates := objects(v)
	if len(candidates) == 0 {
		return Result{"found": false, "message": fmt.Sprintf("No ticker symbol found for %q", query)}
	}

	best := 0
	for i, c := range candidates {
		if preferredListing(c) {
			best = i
			break
		}
	}
	c := candidates[best]
	out := Result{
		"found":       true,
		"ticker":      str(c, "symbol"),
		"companyName": str(c, "name"),
		"exchange":    exchangeOf(c),
		"currency":    str(c, "currency"),
	}
	if full := str(c, "exchangeFullName"); full != "" {
		out["exchangeFullName"] = full
	}

	var alts []string
	for i, other := range candidates {
		if i == best || len(alts) == maxAlternatives {
			continue
		}
		if sym := str(other, "symbol"); sym != "" {
			alts = append(alts, sym)
		}
	}
	if len(alts) > 0 {
		out["alternatives"] = alts
	}
	return out
}

func processFlatten(v any) Result {
	switch t := v.(type) {
	case []any:
		if len(t) == 0 {
			return Result{"data": t}
		}
		if obj, ok := t[0].(map[string]any); ok {
			return Result(copyMap(obj))
		}
		return Result{"data": t}
	case map[string]any:
		return Result(copyMap(t))
	}
	return Result{"data": v}
}

func processStatements(v any, args Args) Result {
	a, _ := args.(StatementArgs)
	label := statementLabels[a.Statement]
	if label == "" {
		label = labels[GetFinancialStatements]
	}
	return periodSeries(objects(v), a.Symbol, a.Period, label)
}

func processKeyMetrics(v any, args Args) Result {
	a, _ := args.(KeyMetricsArgs)
	return periodSeries(objects(v), a.Symbol, a.Period, labels[GetKeyMetrics])
}

func periodSeries(rows []map[string]any, symbol, period, label string) Result {
	out := Result{"symbol": symbol, "period": period, "statement": label}
	if len(rows) == 0 {
		out["dataAvailable"] = false
		out["message"] = fmt.Sprintf("No %s data available for %s", strings.ToLower(label), symbol)
		return out
	}
	out["dataAvailable"] = true
	out["latest"] = rows[0]
	out["recentPeriods"] = rows[:min(recentPeriods, len(rows))]
	out["periodsReturned"] = len(rows)
	return out
}

func processPriceHistory(v any, args Args) Result {
	a, _ := args.(PriceHistoryArgs)
	rows := objects(v)
	if obj, ok := v.(map[string]any); ok && len(rows) == 0 {
		rows = objects(obj["historical"])
		if a.Symbol == "" {
			a.Symbol = str(obj, "symbol")
		}
	}
	out := Result{"symbol": a.Symbol}
	if len(rows) == 0 {
		out["dataAvailable"] = false
		out["message"] = "No price history available for " + a.Symbol
		return out
	}

	sort.SliceStable(rows, func(i, j int) bool { return str(rows[i], "date") > str(rows[j], "date") })
	window := rows[:min(maxPricePoints, len(rows))]

	points := make([]map[string]any, 0, len(window))
	high, low := num(window[0], "high", "close"), num(window[0], "low", "close")
	for _, r := range window {
		points = append(points, map[string]any{"date": r["date"], "close": r["close"], "volume": r["volume"]})
		if h := num(r, "high", "close"); h > high {
			high = h
		}
		if l := num(r, "low", "close"); l < low {
			low = l
		}
	}
	latest, oldest := window[0], window[len(window)-1]
	out["dataAvailable"] = true
	out["latestDate"] = latest["date"]
	out["latestClose"] = num(latest, "close")
	out["windowStartDate"] = oldest["date"]
	out["windowStartClose"] = num(oldest, "close")
	out["windowHigh"] = high
	out["windowLow"] = low
	if start := num(oldest, "close"); start != 0 {
		out["changePercent"] = round2((num(latest, "close") - start) / start * 100)
	}
	out["points"] = points
	out["pointsAvailable"] = len(rows)
	return out
}

func processNews(v any, args Args) Result {
	limit := maxNewsItems
	if a, ok := args.(NewsArgs); ok && a.Limit > 0 && a.Limit < limit {
		limit = a.Limit
	}
	rows := objects(v)
	articles := make([]map[string]any, 0, min(limit, len(rows)))
	for _, r := range rows {
		if len(articles) == limit {
			break
		}
		site := str(r, "site")
		if site == "" {
			site = str(r, "publisher")
		}
		articles = append(articles, map[string]any{
			"symbol":        str(r, "symbol"),
			"title":         str(r, "title"),
			"site":          site,
			"publishedDate": str(r, "publishedDate"),
			"url":           str(r, "url"),
			"text":          truncate(str(r, "text"), maxNewsText),
		})
	}
	return Result{"articles": articles, "count": len(articles)}
}

func processTranscriptDates(raw json.RawMessage, args Args) Result {
	a, _ := args.(SymbolArgs)
	dates, err := marketdata.ParseTranscriptDates(raw)
	if err != nil {
		return Result{"symbol": a.Symbol, "transcripts": []marketdata.TranscriptDate{}, "count": 0}
	}
	marketdata.SortTranscriptDates(dates)
	out := Result{"symbol": a.Symbol, "transcripts": dates, "count": len(dates)}
	if len(dates) > 0 {
		out["latest"] = dates[0].Label()
	}
	return out
}

func processTranscript(raw json.RawMessage, args Args) Result {
	a, _ := args.(TranscriptArgs)
	tr, err := marketdata.ParseTranscript(raw)
	out := Result{"symbol": a.Symbol, "year": a.Year, "quarter": a.Quarter}
	if err != nil || strings.TrimSpace(tr.Content) == "" {
		out["dataAvailable"] = false
		out["message"] = fmt.Sprintf("No transcript available for %s Q%d %d", a.Symbol, a.Quarter, a.Year)
		return out
	}
	out["dataAvailable"] = true
	out["date"] = tr.Date
	out["contentLength"] = len(tr.Content)
	out["content"] = truncate(tr.Content, maxTranscriptChars)
	out["truncated"] = len(tr.Content) > maxTranscriptChars
	return out
}

func processGeneric(v any) Result {
	if obj, ok := v.(map[string]any); ok {
		return Result(copyMap(obj))
	}
	return Result{"data": v}
}

// ── helpers ──────────────────────────────────────────────────────────────────

// decode parses raw with json.Number so provider figures survive unchanged.
func decode(raw json.RawMessage) (any, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return []any{}, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}

// errorOf recognises our own {"error": "..."} shape and the provider's
// {"Error Message": "..."} shape.
func errorOf(v any) (string, bool) {
	obj, ok := v.(map[string]any)
	if !ok {
		return "", false
	}
	for _, k := range []string{"error", "Error Message"} {
		if s, ok := obj[k].(string); ok && s != "" {
			return s, true
		}
	}
	return "", false
}

func objects(v any) []map[string]any {
	arr, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]map[string]any, 0, len(arr))
	for _, it := range arr {
		if obj, ok := it.(map[string]any); ok {
			out = append(out, obj)
		}
	}
	return out
}

func copyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m)+2)
	for k, v := range m {
		out[k] = v
	}
	return out
}

func str(m map[string]any, key string) string {
	switch v := m[key].(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	}
	return ""
}

// num returns the first of keys that holds a number.
func num(m map[string]any, keys ...string) float64 {
	for _, k := range keys {
		switch v := m[k].(type) {
		case json.Number:
			if f, err := v.Float64(); err == nil {
				return f
			}
		case float64:
			return v
		}
	}
	return 0
}

func round2(f float64) float64 { return math.Round(f*100) / 100 }

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
