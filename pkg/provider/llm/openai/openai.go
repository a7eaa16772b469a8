// Package openai provides an LLM provider backed by the OpenAI Chat
// Completions API. It is the default planner and synthesizer backend and the
// only one that natively honours [llm.CompletionRequest.JSONMode].
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"

	"github.com/MrWong99/tickerlens/pkg/provider/llm"
	"github.com/MrWong99/tickerlens/pkg/types"
)

// Provider implements llm.Provider using the OpenAI API.
type Provider struct {
	client      oai.Client
	model       string
	streamUsage bool
}

var _ llm.Provider = (*Provider)(nil)

type settings struct {
	baseURL      string
	organization string
	timeout      time.Duration
	streamUsage  bool
}

// Option configures a [Provider].
type Option func(*settings)

// WithBaseURL points the client at an OpenAI-compatible gateway.
func WithBaseURL(url string) Option {
	return func(s *settings) { s.baseURL = url }
}

// WithOrganization sets the OpenAI organization ID on all requests.
func WithOrganization(org string) Option {
	return func(s *settings) { s.organization = org }
}

// WithTimeout bounds each HTTP request.
func WithTimeout(d time.Duration) Option {
	return func(s *settings) { s.timeout = d }
}

// WithStreamUsage controls whether streams ask for a trailing usage chunk.
// It is on by default; some gateways reject the stream_options field.
func WithStreamUsage(on bool) Option {
	return func(s *settings) { s.streamUsage = on }
}

// New returns a Provider for model authenticated with apiKey.
func New(apiKey, model string, opts ...Option) (*Provider, error) {
	switch {
	case apiKey == "":
		return nil, errors.New("openai: apiKey must not be empty")
	case model == "":
		return nil, errors.New("openai: model must not be empty")
	}

	s := settings{streamUsage: true}
	for _, o := range opts {
		o(&s)
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if s.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(s.baseURL))
	}
	if s.organization != "" {
		reqOpts = append(reqOpts, option.WithOrganization(s.organization))
	}
	if s.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{Timeout: s.timeout}))
	}
	return &Provider{client: oai.NewClient(reqOpts...), model: model, streamUsage: s.streamUsage}, nil
}

// StreamCompletion implements llm.Provider.
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, err
	}
	if p.streamUsage {
		params.StreamOptions = oai.ChatCompletionStreamOptionsParam{IncludeUsage: oai.Bool(true)}
	}

	s := p.client.Chat.Completions.NewStreaming(ctx, params)
	if err := s.Err(); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("openai: start stream: %w", err)
	}
	ch := make(chan llm.Chunk, 32)
	go pump(ctx, s, ch)
	return ch, nil
}

// chunkStream is the part of the SDK stream that pump reads.
type chunkStream interface {
	Next() bool
	Current() oai.ChatCompletionChunk
	Err() error
	Close() error
}

// pump forwards translated chunks until the stream ends or ctx is done, then
// closes ch. A transport failure becomes a final [llm.FinishError] chunk.
func pump(ctx context.Context, s chunkStream, ch chan<- llm.Chunk) {
	defer close(ch)
	defer s.Close()

	send := func(c llm.Chunk) bool {
		select {
		case ch <- c:
			return true
		case <-ctx.Done():
			return false
		}
	}

	var acc llm.ToolCallAccumulator
	for s.Next() {
		if out, ok := translate(s.Current(), &acc); ok && !send(out) {
			return
		}
	}
	if err := s.Err(); err != nil {
		send(llm.Chunk{FinishReason: llm.FinishError, Text: err.Error()})
	}
}

// translate maps one SDK chunk. Tool call fragments are folded into acc and
// released on the chunk that carries the finish reason. ok is false for
// chunks with nothing to forward.
func translate(c oai.ChatCompletionChunk, acc *llm.ToolCallAccumulator) (out llm.Chunk, ok bool) {
	if c.Usage.TotalTokens > 0 {
		out.Usage = usage(c.Usage)
	}
	if len(c.Choices) == 0 {
		return out, out.Usage != nil
	}

	choice := c.Choices[0]
	for _, tc := range choice.Delta.ToolCalls {
		acc.Add(int(tc.Index), tc.ID, tc.Function.Name, tc.Function.Arguments)
	}
	out.Text = choice.Delta.Content
	out.FinishReason = choice.FinishReason
	if out.FinishReason != "" && acc.Len() > 0 {
		out.ToolCalls = acc.Calls()
	}
	return out, true
}

func usage(u oai.CompletionUsage) *llm.Usage {
	return &llm.Usage{
		PromptTokens:     int(u.PromptTokens),
		CompletionTokens: int(u.CompletionTokens),
		TotalTokens:      int(u.TotalTokens),
	}
}

// Complete implements llm.Provider.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, err
	}
	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai: chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("openai: response has no choices")
	}

	msg := resp.Choices[0].Message
	out := &llm.CompletionResponse{Content: msg.Content, Usage: *usage(resp.Usage)}
	for _, tc := range msg.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, types.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	return out, nil
}

// Capabilities implements llm.Provider.
func (p *Provider) Capabilities() types.ModelCapabilities {
	return llm.CapabilitiesFor(p.model)
}

func (p *Provider) buildParams(req llm.CompletionRequest) (oai.ChatCompletionNewParams, error) {
	msgs, err := messageParams(req.SystemPrompt, req.Messages)
	if err != nil {
		return oai.ChatCompletionNewParams{}, fmt.Errorf("openai: build params: %w", err)
	}
	params := oai.ChatCompletionNewParams{
		Model:    shared.ChatModel(p.model),
		Messages: msgs,
		Tools:    toolParams(req.Tools),
	}
	if req.Temperature != 0 {
		params.Temperature = param.NewOpt(req.Temperature)
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = param.NewOpt(int64(req.MaxTokens))
	}
	if req.JSONMode {
		params.ResponseFormat.OfJSONObject = &shared.ResponseFormatJSONObjectParam{}
	}
	return params, nil
}

func toolParams(defs []types.ToolDefinition) []oai.ChatCompletionToolParam {
	if len(defs) == 0 {
		return nil
	}
	out := make([]oai.ChatCompletionToolParam, len(defs))
	for i, d := range defs {
		out[i].Function = shared.FunctionDefinitionParam{
			Name:        d.Name,
			Description: param.NewOpt(d.Description),
			Parameters:  shared.FunctionParameters(d.Parameters),
		}
	}
	return out
}

// messageParams prepends the system prompt, when set, to the converted
// history.
func messageParams(system string, history []types.Message) ([]oai.ChatCompletionMessageParamUnion, error) {
	out := make([]oai.ChatCompletionMessageParamUnion, 0, len(history)+1)
	if system != "" {
		out = append(out, oai.SystemMessage(system))
	}
	for i, m := range history {
		msg, err := convertMessage(m)
		if err != nil {
			return nil, fmt.Errorf("message %d: %w", i, err)
		}
		out = append(out, msg)
	}
	return out, nil
}

func convertMessage(m types.Message) (oai.ChatCompletionMessageParamUnion, error) {
	switch m.Role {
	case types.RoleSystem:
		return oai.SystemMessage(m.Content), nil
	case types.RoleUser:
		return oai.UserMessage(m.Content), nil
	case types.RoleTool:
		if m.ToolCallID == "" {
			return oai.ChatCompletionMessageParamUnion{}, errors.New("tool message without tool call id")
		}
		return oai.ToolMessage(m.Content, m.ToolCallID), nil
	case types.RoleAssistant:
		return assistantMessage(m), nil
	}
	return oai.ChatCompletionMessageParamUnion{}, fmt.Errorf("unknown message role %q", m.Role)
}

// assistantMessage replays an earlier assistant turn, including the tool
// calls it requested.
func assistantMessage(m types.Message) oai.ChatCompletionMessageParamUnion {
	var a oai.ChatCompletionAssistantMessageParam
	if m.Content != "" {
		a.Content.OfString = oai.String(m.Content)
	}
	if m.Name != "" {
		a.Name = oai.String(m.Name)
	}
	for _, tc := range m.ToolCalls {
		a.ToolCalls = append(a.ToolCalls, oai.ChatCompletionMessageToolCallParam{
			ID: tc.ID,
			Function: oai.ChatCompletionMessageToolCallFunctionParam{
				Name:      tc.Name,
				Arguments: tc.Arguments,
			},
		})
	}
	return oai.ChatCompletionMessageParamUnion{OfAssistant: &a}
}
