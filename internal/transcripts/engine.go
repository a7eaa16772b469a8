// Package transcripts searches earnings-call transcripts for what management
// said about a topic.
//
// A search expands the topic into related phrases, pulls the most recent
// transcripts of every requested company, fuzzy-matches each paragraph
// against the phrases, attributes a speaker to every hit and returns a short,
// ranked list of mentions. [Engine.Search] never returns an error: upstream
// failures for one company or quarter are skipped, and anything unexpected
// becomes an error-shaped [Summary].
package transcripts

import (
	"context"
	"fmt"
	"math"
	"net/url"
	"slices"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/tickerlens/internal/marketdata"
	"github.com/MrWong99/tickerlens/internal/observe"
)

// Query is one transcript search request.
type Query struct {
	Symbols          []string `json:"symbols"`
	Topic            string   `json:"topic"`
	Executives       []string `json:"executives,omitempty"`
	LookbackQuarters int      `json:"lookbackQuarters"`
}

// Mention is one ranked hit returned to the caller.
type Mention struct {
	Symbol  string  `json:"symbol"`
	Quarter string  `json:"quarter"`
	Date    string  `json:"date,omitempty"`
	Speaker string  `json:"speaker"`
	Topic   string  `json:"matchedTopic"`
	Snippet string  `json:"snippet"`
	Score   float64 `json:"score"`
}

// Summary is the result of a search. When Error is set the other fields
// except Query are zero.
type Summary struct {
	Query               Query     `json:"query"`
	ExpandedTopics      []string  `json:"expandedTopics"`
	Mentions            []Mention `json:"mentions"`
	TotalMatchesFound   int       `json:"totalMatchesFound"`
	CompaniesSearched   int       `json:"companiesSearched"`
	TranscriptsAnalyzed int       `json:"transcriptsAnalyzed"`
	Summary             string    `json:"summary"`
	Error               string    `json:"error,omitempty"`
}

// Config holds the search tunables. Zero fields take the [DefaultConfig]
// value.
type Config struct {
	LookbackQuarters         int
	MinParagraphLength       int
	Threshold                float64
	MinMatchLength           int
	MaxMatchesPerTranscript  int
	MaxMentionsPerTranscript int
	MaxMentions              int
	ContextChars             int
	SnippetChars             int
	SpeakerWindow            int
	Concurrency              int
}

// DefaultConfig returns the tunables used when none are configured.
func DefaultConfig() Config {
	return Config{
		LookbackQuarters:         4,
		MinParagraphLength:       50,
		Threshold:                0.3,
		MinMatchLength:           3,
		MaxMatchesPerTranscript:  15,
		MaxMentionsPerTranscript: 8,
		MaxMentions:              15,
		ContextChars:             800,
		SnippetChars:             200,
		SpeakerWindow:            3,
		Concurrency:              4,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	setInt := func(v *int, def int) {
		if *v <= 0 {
			*v = def
		}
	}
	setInt(&c.LookbackQuarters, d.LookbackQuarters)
	setInt(&c.MinParagraphLength, d.MinParagraphLength)
	setInt(&c.MinMatchLength, d.MinMatchLength)
	setInt(&c.MaxMatchesPerTranscript, d.MaxMatchesPerTranscript)
	setInt(&c.MaxMentionsPerTranscript, d.MaxMentionsPerTranscript)
	setInt(&c.MaxMentions, d.MaxMentions)
	setInt(&c.ContextChars, d.ContextChars)
	setInt(&c.SnippetChars, d.SnippetChars)
	setInt(&c.SpeakerWindow, d.SpeakerWindow)
	setInt(&c.Concurrency, d.Concurrency)
	if c.Threshold <= 0 || c.Threshold > 1 {
		c.Threshold = d.Threshold
	}
	return c
}

// Engine runs transcript searches. It is safe for concurrent use.
type Engine struct {
	fetcher  marketdata.Fetcher
	expander Expander
	cfg      Config
	metrics  *observe.Metrics
}

// Option configures an [Engine].
type Option func(*Engine)

// WithExpander enables topic expansion. Without one the topic is searched
// as given.
func WithExpander(x Expander) Option {
	return func(e *Engine) { e.expander = x }
}

// WithConfig overrides the search tunables.
func WithConfig(c Config) Option {
	return func(e *Engine) { e.cfg = c }
}

// WithMetrics records search latency and mention counts on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// NewEngine returns an Engine that reads transcripts through f.
func NewEngine(f marketdata.Fetcher, opts ...Option) *Engine {
	e := &Engine{fetcher: f, cfg: DefaultConfig()}
	for _, o := range opts {
		o(e)
	}
	e.cfg = e.cfg.withDefaults()
	if e.metrics == nil {
		e.metrics = observe.DefaultMetrics()
	}
	return e
}

// candidate is a scored hit before the final ranking.
type candidate struct {
	Mention
	order      int // position of the symbol in the query
	year       int
	quarter    int
	paragraph  int
	similarity float64
}

// symbolResult is what one company contributes to a search.
type symbolResult struct {
	listed     bool
	analyzed   int
	candidates []candidate
	total      int
}

// Search runs q and returns a ranked summary. Identical inputs against
// identical provider data yield identical output.
func (e *Engine) Search(ctx context.Context, q Query) (sum Summary) {
	q = e.normalize(q)
	ctx, span := observe.StartSpan(ctx, "transcripts.search",
		trace.WithAttributes(
			attribute.StringSlice("symbols", q.Symbols),
			attribute.String("topic", q.Topic),
			attribute.Int("lookback", q.LookbackQuarters),
		),
	)
	defer span.End()

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			observe.Logger(ctx).Error("transcript search panicked", "panic", r)
			sum = Summary{Query: q, Error: fmt.Sprintf("Transcript search failed: %v", r)}
		}
		e.metrics.TranscriptSearchDuration.Record(ctx, time.Since(start).Seconds())
	}()

	if len(q.Symbols) == 0 {
		return Summary{Query: q, Error: "Transcript search needs at least one symbol"}
	}

	sum = Summary{Query: q, ExpandedTopics: []string{}, Mentions: []Mention{}}
	if q.Topic == "" {
		sum.Summary = "No topic was given, so no transcripts were searched."
		return sum
	}

	topics := e.expand(ctx, q.Topic)
	sum.ExpandedTopics = topics
	m := newMatcher(topics, e.cfg.Threshold, e.cfg.MinMatchLength)

	results := make([]symbolResult, len(q.Symbols))
	var g errgroup.Group
	g.SetLimit(e.cfg.Concurrency)
	for i, sym := range q.Symbols {
		g.Go(func() error {
			results[i] = e.searchSymbol(ctx, i, sym, q, m)
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return Summary{Query: q, Error: "Transcript search cancelled: " + err.Error()}
	}

	var pool []candidate
	for _, r := range results {
		if r.listed {
			sum.CompaniesSearched++
		}
		sum.TranscriptsAnalyzed += r.analyzed
		sum.TotalMatchesFound += r.total
		pool = append(pool, r.candidates...)
	}
	rank(pool)
	if len(pool) > e.cfg.MaxMentions {
		pool = pool[:e.cfg.MaxMentions]
	}
	for _, c := range pool {
		c.Snippet = truncate(c.Snippet, e.cfg.SnippetChars)
		sum.Mentions = append(sum.Mentions, c.Mention)
	}
	sum.Summary = describe(q, sum)

	e.metrics.TranscriptMentions.Add(ctx, int64(len(sum.Mentions)))
	span.SetAttributes(
		attribute.Int("transcripts_analyzed", sum.TranscriptsAnalyzed),
		attribute.Int("mentions", len(sum.Mentions)),
	)
	return sum
}

func (e *Engine) normalize(q Query) Query {
	seen := make(map[string]bool, len(q.Symbols))
	var syms []string
	for _, s := range q.Symbols {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		syms = append(syms, s)
	}
	q.Symbols = syms
	q.Topic = strings.TrimSpace(q.Topic)
	var execs []string
	for _, x := range q.Executives {
		if x = strings.TrimSpace(x); x != "" {
			execs = append(execs, x)
		}
	}
	q.Executives = execs
	if q.LookbackQuarters <= 0 {
		q.LookbackQuarters = e.cfg.LookbackQuarters
	}
	return q
}

// expand returns the search phrases for topic, falling back to the topic
// alone when there is no expander or it fails.
func (e *Engine) expand(ctx context.Context, topic string) []string {
	if e.expander == nil {
		return []string{topic}
	}
	topics, err := e.expander.Expand(ctx, topic)
	if err != nil || len(topics) == 0 {
		observe.Logger(ctx).Warn("topic expansion failed, searching the topic alone", "topic", topic, "err", err)
		return []string{topic}
	}
	return mergeTopics(topic, topics)
}

func (e *Engine) searchSymbol(ctx context.Context, order int, sym string, q Query, m *matcher) symbolResult {
	log := observe.Logger(ctx).With("symbol", sym)
	var res symbolResult

	raw, err := e.fetcher.Get(ctx, marketdata.EndpointTranscriptDates, url.Values{"symbol": {sym}})
	if err != nil {
		log.Warn("transcript dates unavailable", "err", err)
		return res
	}
	dates, err := marketdata.ParseTranscriptDates(raw)
	if err != nil {
		log.Warn("transcript dates malformed", "err", err)
		return res
	}
	if len(dates) == 0 {
		return res
	}
	res.listed = true

	if marketdata.SortTranscriptDates(dates) {
		log.Debug("transcript dates reordered newest first", "count", len(dates))
	}
	if len(dates) > q.LookbackQuarters {
		dates = dates[:q.LookbackQuarters]
	}

	for _, d := range dates {
		if ctx.Err() != nil {
			return res
		}
		raw, err := e.fetcher.Get(ctx, marketdata.EndpointTranscript, url.Values{
			"symbol":  {sym},
			"year":    {strconv.Itoa(d.Year)},
			"quarter": {strconv.Itoa(d.Quarter)},
		})
		if err != nil {
			log.Warn("transcript unavailable", "period", d.Label(), "err", err)
			continue
		}
		tr, err := marketdata.ParseTranscript(raw)
		if err != nil {
			log.Warn("transcript malformed", "period", d.Label(), "err", err)
			continue
		}
		if strings.TrimSpace(tr.Content) == "" {
			continue
		}
		res.analyzed++

		date := d.Date
		if date == "" {
			date = tr.Date
		}
		found, total := e.searchTranscript(tr.Content, m, q.Executives)
		res.total += total
		for _, c := range found {
			c.Symbol = sym
			c.Quarter = d.Label()
			c.Date = date
			c.order = order
			c.year = d.Year
			c.quarter = d.Quarter
			res.candidates = append(res.candidates, c)
		}
	}
	return res
}

// searchTranscript returns the best attributed mentions of one transcript
// and how many matches survived attribution before the per-transcript cap.
func (e *Engine) searchTranscript(content string, m *matcher, executives []string) ([]candidate, int) {
	paras := paragraphs(content, e.cfg.MinParagraphLength)
	hits := m.scan(paras, e.cfg.MaxMatchesPerTranscript)

	var out []candidate
	for _, h := range hits {
		speaker, ok := speakerFor(paras, h.paragraph, executives, e.cfg.SpeakerWindow)
		if !ok {
			continue
		}
		out = append(out, candidate{
			Mention: Mention{
				Speaker: speaker,
				Topic:   h.topic,
				Snippet: contextAround(paras, h.paragraph, e.cfg.ContextChars),
				Score:   round(h.score),
			},
			paragraph:  h.paragraph,
			similarity: h.similarity,
		})
	}
	attributed := len(out)
	// hits are already ordered best first.
	if len(out) > e.cfg.MaxMentionsPerTranscript {
		out = out[:e.cfg.MaxMentionsPerTranscript]
	}
	return out, attributed
}

// rank orders candidates best first. Ties fall back to query order, then
// newest quarter, then position in the transcript.
func rank(pool []candidate) {
	sort.SliceStable(pool, func(i, j int) bool {
		a, b := pool[i], pool[j]
		switch {
		case a.Score != b.Score:
			return a.Score < b.Score
		case a.similarity != b.similarity:
			return a.similarity > b.similarity
		case a.order != b.order:
			return a.order < b.order
		case a.year != b.year:
			return a.year > b.year
		case a.quarter != b.quarter:
			return a.quarter > b.quarter
		default:
			return a.paragraph < b.paragraph
		}
	})
}

// paragraphs splits content into trimmed lines longer than minLen runes.
func paragraphs(content string, minLen int) []string {
	var out []string
	for line := range strings.Lines(content) {
		line = strings.TrimSpace(line)
		if utf8.RuneCountInString(line) > minLen {
			out = append(out, line)
		}
	}
	return out
}

// contextAround joins the matched paragraph with one neighbour on each side,
// keeping the match whole and spending the rest of limit on the neighbours.
func contextAround(paras []string, i, limit int) string {
	cur := paras[i]
	n := utf8.RuneCountInString(cur)
	if n >= limit {
		return truncateRunes(cur, limit)
	}
	budget := limit - n - 2 // separators
	var prev, next string
	if i > 0 {
		prev = tailRunes(paras[i-1], budget/2)
	}
	if i+1 < len(paras) {
		next = truncateRunes(paras[i+1], budget-utf8.RuneCountInString(prev))
	}

	parts := make([]string, 0, 3)
	if prev != "" {
		parts = append(parts, prev)
	}
	parts = append(parts, cur)
	if next != "" {
		parts = append(parts, next)
	}
	return truncateRunes(strings.Join(parts, " "), limit)
}

// speakerFor names the speaker of paragraph i. With an executive filter the
// paragraph and the window before it are searched for one of the names and
// ok is false when none is found. Without a filter the leading "Name:" label
// is used, or "Unknown".
func speakerFor(paras []string, i int, executives []string, window int) (string, bool) {
	if len(executives) == 0 {
		if name := speakerLabel(paras[i]); name != "" {
			return name, true
		}
		return "Unknown", true
	}
	for j := i; j >= 0 && j >= i-window; j-- {
		if name, ok := findExecutive(paras[j], executives); ok {
			return name, true
		}
	}
	return "", false
}

// findExecutive reports the first executive named in text, matching either
// the full name or any name part of three or more letters, ignoring case.
// Failing that, a leading "Name:" label that sounds like one of the
// executives counts as well.
func findExecutive(text string, executives []string) (string, bool) {
	lower := strings.ToLower(text)
	words := tokenize(text)
	for _, x := range executives {
		if strings.Contains(lower, strings.ToLower(x)) {
			return x, true
		}
	}
	for _, x := range executives {
		for _, part := range tokenize(x) {
			if utf8.RuneCountInString(part) >= 3 && slices.Contains(words, part) {
				return x, true
			}
		}
	}
	if label := speakerLabel(text); label != "" {
		return soundsLike(label, executives)
	}
	return "", false
}

// speakerLabel returns the "Name" of a paragraph that starts with "Name:".
func speakerLabel(p string) string {
	head, _, ok := strings.Cut(p, ":")
	if !ok {
		return ""
	}
	head = strings.TrimSpace(head)
	if head == "" || utf8.RuneCountInString(head) > 60 || len(strings.Fields(head)) > 5 {
		return ""
	}
	if strings.ContainsAny(head, "?!,;\"()") {
		return ""
	}
	fields := strings.Fields(head)
	if !startsUpper(fields[0]) || !startsUpper(fields[len(fields)-1]) {
		return ""
	}
	return head
}

func startsUpper(s string) bool {
	r, _ := utf8.DecodeRuneInString(s)
	return unicode.IsUpper(r)
}

func describe(q Query, s Summary) string {
	who := strings.Join(q.Symbols, ", ")
	if len(s.Mentions) == 0 {
		return fmt.Sprintf("No mentions of %q found in %d transcripts from %s.", q.Topic, s.TranscriptsAnalyzed, who)
	}
	return fmt.Sprintf("Found %d mentions of %q across %d transcripts from %d of %d companies (%s); showing the top %d.",
		s.TotalMatchesFound, q.Topic, s.TranscriptsAnalyzed, s.CompaniesSearched, len(q.Symbols), who, len(s.Mentions))
}

// truncate cuts s to limit runes and appends "..." when it was longer.
func truncate(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	return strings.TrimSpace(truncateRunes(s, limit)) + "..."
}

func truncateRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}

func tailRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	count := utf8.RuneCountInString(s)
	if count <= n {
		return s
	}
	return s[len(truncateRunes(s, count-n)):]
}

func round(f float64) float64 {
	return math.Round(f*1000) / 1000
}
