package transcripts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MrWong99/tickerlens/internal/observe"
	llm "github.com/MrWong99/tickerlens/pkg/provider/llm"
)

const (
	defaultExpandTemperature = 0.2
	defaultMaxTopics         = 8
)

const expandPrompt = `You expand a research topic into the phrases company executives actually say on earnings calls when they talk about it.

Rules:
- Return between 3 and %d short phrases (1 to 4 words each).
- Prefer concrete vocabulary used on calls: metric names, common synonyms, typical wording.
- Do not return full sentences, explanations, or company names.

Respond with ONLY a JSON object in this exact format (no markdown, no prose):
{"topics": ["<phrase>", "<phrase>"]}`

// ErrNoTopics is returned when the model answered but no phrase could be
// extracted from its reply.
var ErrNoTopics = errors.New("transcripts: expansion returned no topics")

// Expander turns one topic into a set of related search phrases.
type Expander interface {
	Expand(ctx context.Context, topic string) ([]string, error)
}

// LLMExpander asks a language model for related phrases. It is safe for
// concurrent use.
type LLMExpander struct {
	llm         llm.Provider
	temperature float64
	maxTopics   int
	metrics     *observe.Metrics
}

var _ Expander = (*LLMExpander)(nil)

// ExpanderOption configures an [LLMExpander].
type ExpanderOption func(*LLMExpander)

// WithTemperature sets the sampling temperature. Default: 0.2.
func WithTemperature(t float64) ExpanderOption {
	return func(x *LLMExpander) { x.temperature = t }
}

// WithMaxTopics caps how many phrases the model may add. Default: 8.
func WithMaxTopics(n int) ExpanderOption {
	return func(x *LLMExpander) {
		if n > 0 {
			x.maxTopics = n
		}
	}
}

// WithExpanderMetrics records expansion latency on m.
func WithExpanderMetrics(m *observe.Metrics) ExpanderOption {
	return func(x *LLMExpander) { x.metrics = m }
}

// NewExpander returns an expander backed by p.
func NewExpander(p llm.Provider, opts ...ExpanderOption) *LLMExpander {
	x := &LLMExpander{
		llm:         p,
		temperature: defaultExpandTemperature,
		maxTopics:   defaultMaxTopics,
	}
	for _, o := range opts {
		o(x)
	}
	if x.metrics == nil {
		x.metrics = observe.DefaultMetrics()
	}
	return x
}

// Expand returns topic followed by up to maxTopics related phrases, with
// case-insensitive duplicates removed. JSON mode is requested when the model
// supports it; otherwise the first JSON object in the reply is used.
func (x *LLMExpander) Expand(ctx context.Context, topic string) ([]string, error) {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return nil, nil
	}

	start := time.Now()
	resp, err := x.llm.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: fmt.Sprintf(expandPrompt, x.maxTopics),
		Temperature:  x.temperature,
		JSONMode:     x.llm.Capabilities().SupportsJSONMode,
		Messages: []llm.Message{
			{Role: "user", Content: "Topic: " + topic},
		},
	})
	x.metrics.RecordLLMDuration(ctx, "expand", time.Since(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("transcripts: expand %q: %w", topic, err)
	}

	phrases, err := parseTopics(resp.Content)
	if err != nil {
		return nil, fmt.Errorf("transcripts: expand %q: %w", topic, err)
	}
	if len(phrases) > x.maxTopics {
		phrases = phrases[:x.maxTopics]
	}
	return mergeTopics(topic, phrases), nil
}

// parseTopics extracts the "topics" array from a model reply. Code fences
// and prose around the object are tolerated, and a bare array is accepted.
func parseTopics(content string) ([]string, error) {
	s := strings.TrimSpace(content)
	for _, prefix := range []string{"```json", "```"} {
		if after, ok := strings.CutPrefix(s, prefix); ok {
			s = after
			break
		}
	}
	s = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "```"))

	var obj struct {
		Topics []string `json:"topics"`
	}
	if i, j := strings.IndexByte(s, '{'), strings.LastIndexByte(s, '}'); i >= 0 && j > i {
		if err := json.Unmarshal([]byte(s[i:j+1]), &obj); err == nil && len(obj.Topics) > 0 {
			return obj.Topics, nil
		}
	}
	if i, j := strings.IndexByte(s, '['), strings.LastIndexByte(s, ']'); i >= 0 && j > i {
		if err := json.Unmarshal([]byte(s[i:j+1]), &obj.Topics); err == nil && len(obj.Topics) > 0 {
			return obj.Topics, nil
		}
	}
	return nil, ErrNoTopics
}

// mergeTopics puts topic first and appends the non-empty phrases that are not
// a case-insensitive duplicate of something already present.
func mergeTopics(topic string, phrases []string) []string {
	out := []string{topic}
	seen := map[string]bool{strings.ToLower(topic): true}
	for _, p := range phrases {
		p = strings.TrimSpace(p)
		k := strings.ToLower(p)
		if p == "" || seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, p)
	}
	return out
}
