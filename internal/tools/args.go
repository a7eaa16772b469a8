package tools

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrUnknownTool is returned by [ParseArgs] for a name that is not in
	// the catalog.
	ErrUnknownTool = errors.New("tools: unknown tool")

	// ErrInvalidArguments is returned by [ParseArgs] when the arguments are
	// structurally wrong: not a JSON object, a missing required field, or a
	// value outside its allowed set.
	ErrInvalidArguments = errors.New("tools: invalid arguments")
)

// Args is the typed argument set of one tool call. The concrete type is
// determined by the tool name.
type Args interface {
	// Tool returns the tool name these arguments belong to.
	Tool() string
}

// Statement kinds accepted by getFinancialStatements.
const (
	StatementIncome   = "income"
	StatementBalance  = "balance"
	StatementCashFlow = "cashflow"
)

// Reporting periods.
const (
	PeriodAnnual  = "annual"
	PeriodQuarter = "quarter"
)

// Defaults applied when the planner omits an optional field.
const (
	DefaultStatementLimit   = 4
	DefaultMetricsLimit     = 4
	DefaultNewsLimit        = 10
	DefaultSearchLimit      = 10
	DefaultLookbackQuarters = 4

	maxLimit            = 40
	maxLookbackQuarters = 12
)

// ResolveSymbolArgs are the arguments of resolveSymbol.
type ResolveSymbolArgs struct {
	Query string `json:"query"`
	Limit int    `json:"limit"`
}

// SymbolArgs are the arguments of tools that take only a ticker.
type SymbolArgs struct {
	Name   string `json:"-"`
	Symbol string `json:"symbol"`
}

// StatementArgs are the arguments of getFinancialStatements.
type StatementArgs struct {
	Symbol    string `json:"symbol"`
	Statement string `json:"statement"`
	Period    string `json:"period"`
	Limit     int    `json:"limit"`
}

// KeyMetricsArgs are the arguments of getKeyMetrics.
type KeyMetricsArgs struct {
	Symbol string `json:"symbol"`
	Period string `json:"period"`
	Limit  int    `json:"limit"`
}

// PriceHistoryArgs are the arguments of getPriceHistory. From and To are
// YYYY-MM-DD dates and optional.
type PriceHistoryArgs struct {
	Symbol string `json:"symbol"`
	From   string `json:"from,omitempty"`
	To     string `json:"to,omitempty"`
}

// NewsArgs are the arguments of getStockNews.
type NewsArgs struct {
	Symbols []string `json:"symbols"`
	Limit   int      `json:"limit"`
}

// TranscriptArgs are the arguments of getTranscript.
type TranscriptArgs struct {
	Symbol  string `json:"symbol"`
	Year    int    `json:"year"`
	Quarter int    `json:"quarter"`
}

// SearchTranscriptsArgs are the arguments of searchTranscripts.
type SearchTranscriptsArgs struct {
	Symbols          []string `json:"symbols"`
	Topic            string   `json:"topic"`
	Executives       []string `json:"executives,omitempty"`
	LookbackQuarters int      `json:"lookbackQuarters"`
}

// UnknownArgs carries the raw arguments of a call whose tool name is not in
// the catalog.
type UnknownArgs struct {
	Name string
	Raw  string
}

func (ResolveSymbolArgs) Tool() string     { return ResolveSymbol }
func (a SymbolArgs) Tool() string          { return a.Name }
func (StatementArgs) Tool() string         { return GetFinancialStatements }
func (KeyMetricsArgs) Tool() string        { return GetKeyMetrics }
func (PriceHistoryArgs) Tool() string      { return GetPriceHistory }
func (NewsArgs) Tool() string              { return GetStockNews }
func (TranscriptArgs) Tool() string        { return GetTranscript }
func (SearchTranscriptsArgs) Tool() string { return SearchTranscripts }
func (a UnknownArgs) Tool() string         { return a.Name }

// ── wire shapes ──────────────────────────────────────────────────────────────

// flexInt accepts a JSON number or a numeric string.
type flexInt struct {
	set bool
	v   int
}

func (f *flexInt) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		return nil
	}
	s := string(b)
	if len(b) > 0 && b[0] == '"' {
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		s = strings.TrimSpace(s)
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || v != float64(int(v)) {
		return fmt.Errorf("expected an integer, got %s", b)
	}
	f.set, f.v = true, int(v)
	return nil
}

// stringList accepts a single string or an array of strings.
type stringList []string

func (l *stringList) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*l = stringList{s}
		return nil
	}
	var arr []string
	if err := json.Unmarshal(b, &arr); err != nil {
		return errors.New("expected a string or an array of strings")
	}
	*l = arr
	return nil
}

type wireArgs struct {
	Query            string     `json:"query"`
	Symbol           stringList `json:"symbol"`
	Symbols          stringList `json:"symbols"`
	Statement        string     `json:"statement"`
	StatementType    string     `json:"statementType"`
	Period           string     `json:"period"`
	Limit            flexInt    `json:"limit"`
	From             string     `json:"from"`
	To               string     `json:"to"`
	Year             flexInt    `json:"year"`
	Quarter          flexInt    `json:"quarter"`
	Topic            string     `json:"topic"`
	Executives       stringList `json:"executives"`
	LookbackQuarters flexInt    `json:"lookbackQuarters"`
}

// ── parsing ──────────────────────────────────────────────────────────────────

// ParseArgs decodes and validates raw JSON arguments for the named tool. An
// empty string is treated as "{}". Errors wrap [ErrUnknownTool] or
// [ErrInvalidArguments].
func ParseArgs(name, raw string) (Args, error) {
	if _, ok := Lookup(name); !ok {
		return UnknownArgs{Name: name, Raw: raw}, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}

	if strings.TrimSpace(raw) == "" {
		raw = "{}"
	}
	var w wireArgs
	if err := json.Unmarshal([]byte(raw), &w); err != nil {
		return nil, invalid(name, "arguments must be a JSON object: %v", err)
	}

	switch name {
	case ResolveSymbol:
		q := strings.TrimSpace(w.Query)
		if q == "" {
			return nil, invalid(name, "query is required")
		}
		limit, err := limitOr(name, w.Limit, DefaultSearchLimit)
		if err != nil {
			return nil, err
		}
		return ResolveSymbolArgs{Query: q, Limit: limit}, nil

	case GetQuote, GetCompanyProfile, GetTranscriptDates:
		sym, err := oneSymbol(name, w)
		if err != nil {
			return nil, err
		}
		return SymbolArgs{Name: name, Symbol: sym}, nil

	case GetFinancialStatements:
		sym, err := oneSymbol(name, w)
		if err != nil {
			return nil, err
		}
		kind := w.Statement
		if kind == "" {
			kind = w.StatementType
		}
		kind, ok := normalizeStatement(kind)
		if !ok {
			return nil, invalid(name, "statement must be one of income, balance, cashflow")
		}
		period, err := periodOr(name, w.Period)
		if err != nil {
			return nil, err
		}
		limit, err := limitOr(name, w.Limit, DefaultStatementLimit)
		if err != nil {
			return nil, err
		}
		return StatementArgs{Symbol: sym, Statement: kind, Period: period, Limit: limit}, nil

	case GetKeyMetrics:
		sym, err := oneSymbol(name, w)
		if err != nil {
			return nil, err
		}
		period, err := periodOr(name, w.Period)
		if err != nil {
			return nil, err
		}
		limit, err := limitOr(name, w.Limit, DefaultMetricsLimit)
		if err != nil {
			return nil, err
		}
		return KeyMetricsArgs{Symbol: sym, Period: period, Limit: limit}, nil

	case GetPriceHistory:
		sym, err := oneSymbol(name, w)
		if err != nil {
			return nil, err
		}
		for _, d := range []string{w.From, w.To} {
			if d != "" && !isISODate(d) {
				return nil, invalid(name, "dates must be YYYY-MM-DD, got %q", d)
			}
		}
		return PriceHistoryArgs{Symbol: sym, From: w.From, To: w.To}, nil

	case GetStockNews:
		syms := symbols(w)
		if len(syms) == 0 {
			return nil, invalid(name, "symbol or symbols is required")
		}
		limit, err := limitOr(name, w.Limit, DefaultNewsLimit)
		if err != nil {
			return nil, err
		}
		return NewsArgs{Symbols: syms, Limit: limit}, nil

	case GetTranscript:
		sym, err := oneSymbol(name, w)
		if err != nil {
			return nil, err
		}
		if !w.Year.set || w.Year.v < 1990 || w.Year.v > 2100 {
			return nil, invalid(name, "year is required")
		}
		if !w.Quarter.set || w.Quarter.v < 1 || w.Quarter.v > 4 {
			return nil, invalid(name, "quarter must be 1-4")
		}
		return TranscriptArgs{Symbol: sym, Year: w.Year.v, Quarter: w.Quarter.v}, nil

	case SearchTranscripts:
		syms := symbols(w)
		if len(syms) == 0 {
			return nil, invalid(name, "symbols is required")
		}
		lookback := DefaultLookbackQuarters
		if w.LookbackQuarters.set {
			lookback = w.LookbackQuarters.v
			if lookback < 1 || lookback > maxLookbackQuarters {
				return nil, invalid(name, "lookbackQuarters must be 1-%d", maxLookbackQuarters)
			}
		}
		var execs []string
		for _, e := range w.Executives {
			if e = strings.TrimSpace(e); e != "" {
				execs = append(execs, e)
			}
		}
		return SearchTranscriptsArgs{
			Symbols:          syms,
			Topic:            strings.TrimSpace(w.Topic),
			Executives:       execs,
			LookbackQuarters: lookback,
		}, nil
	}

	// Catalog entry without a parser.
	return nil, fmt.Errorf("%w: %s", ErrUnknownTool, name)
}

func invalid(tool, format string, a ...any) error {
	return fmt.Errorf("%w: %s: %s", ErrInvalidArguments, tool, fmt.Sprintf(format, a...))
}

// symbols merges symbol and symbols, upper-cases, and de-duplicates while
// keeping first-seen order.
func symbols(w wireArgs) []string {
	seen := make(map[string]bool)
	var out []string
	for _, list := range []stringList{w.Symbols, w.Symbol} {
		for _, s := range list {
			for _, part := range strings.Split(s, ",") {
				sym := strings.ToUpper(strings.TrimSpace(part))
				if sym == "" || seen[sym] {
					continue
				}
				seen[sym] = true
				out = append(out, sym)
			}
		}
	}
	return out
}

func oneSymbol(tool string, w wireArgs) (string, error) {
	syms := symbols(w)
	switch len(syms) {
	case 0:
		return "", invalid(tool, "symbol is required")
	case 1:
		return syms[0], nil
	default:
		return "", invalid(tool, "exactly one symbol expected, got %d", len(syms))
	}
}

func limitOr(tool string, f flexInt, def int) (int, error) {
	if !f.set {
		return def, nil
	}
	if f.v < 1 || f.v > maxLimit {
		return 0, invalid(tool, "limit must be 1-%d", maxLimit)
	}
	return f.v, nil
}

func periodOr(tool, p string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(p)) {
	case "", PeriodAnnual, "annually", "year", "fy":
		return PeriodAnnual, nil
	case PeriodQuarter, "quarterly", "q":
		return PeriodQuarter, nil
	default:
		return "", invalid(tool, "period must be annual or quarter")
	}
}

func normalizeStatement(s string) (string, bool) {
	switch strings.ToLower(strings.NewReplacer("-", "", "_", "", " ", "").Replace(s)) {
	case "income", "incomestatement":
		return StatementIncome, true
	case "balance", "balancesheet", "balancesheetstatement":
		return StatementBalance, true
	case "cashflow", "cashflowstatement":
		return StatementCashFlow, true
	}
	return "", false
}

func isISODate(s string) bool {
	_, err := time.Parse(time.DateOnly, s)
	return err == nil
}
