// Package mcp serves the market-data tool catalog to Model Context Protocol
// clients.
//
// Every tool from [tools.Definitions] is registered on an MCP server built
// with the official Go SDK. A call runs through the same executor and result
// processor the chat orchestrator uses, so MCP clients receive the processed
// JSON (with sourceUrl and toolDescription) as a single text content block.
// Failed calls are reported with IsError set rather than as protocol errors.
package mcp

import (
	"context"
	"net/http"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/MrWong99/tickerlens/internal/observe"
	"github.com/MrWong99/tickerlens/internal/tools"
	"github.com/MrWong99/tickerlens/pkg/types"
)

// Implementation identifies this server during the MCP handshake.
var Implementation = &mcpsdk.Implementation{Name: "tickerlens", Version: "1.0.0"}

// Executor runs one tool call. *tools.Executor satisfies it.
type Executor interface {
	Execute(ctx context.Context, name, rawArgs string) tools.Execution
}

// Server wraps an SDK server whose tools are backed by an [Executor].
type Server struct {
	sdk  *mcpsdk.Server
	exec Executor
	defs []types.ToolDefinition
}

// Option configures a [Server].
type Option func(*Server)

// WithDefinitions overrides the exported catalog. The default is
// [tools.Definitions].
func WithDefinitions(defs []types.ToolDefinition) Option {
	return func(s *Server) { s.defs = defs }
}

// NewServer registers the tool catalog on a new MCP server.
func NewServer(exec Executor, opts ...Option) *Server {
	s := &Server{exec: exec}
	for _, o := range opts {
		o(s)
	}
	if s.defs == nil {
		s.defs = tools.Definitions()
	}

	s.sdk = mcpsdk.NewServer(Implementation, nil)
	for _, def := range s.defs {
		s.sdk.AddTool(&mcpsdk.Tool{
			Name:        def.Name,
			Description: def.Description,
			InputSchema: def.Parameters,
		}, s.handler(def.Name))
	}
	return s
}

// SDK returns the underlying SDK server, e.g. for stdio transports.
func (s *Server) SDK() *mcpsdk.Server { return s.sdk }

// Handler returns a stateless streamable-HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	return mcpsdk.NewStreamableHTTPHandler(func(*http.Request) *mcpsdk.Server {
		return s.sdk
	}, &mcpsdk.StreamableHTTPOptions{Stateless: true})
}

func (s *Server) handler(name string) mcpsdk.ToolHandler {
	return func(ctx context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
		var raw string
		if req.Params != nil {
			raw = string(req.Params.Arguments)
		}
		exec := s.exec.Execute(ctx, name, raw)
		res := tools.Process(name, exec.Raw, exec.Args, exec.SourceURL)

		failed := !exec.OK() || res.Error() != ""
		if failed {
			observe.Logger(ctx).Debug("mcp tool call failed", "tool", name, "err", res.Error())
		}
		return &mcpsdk.CallToolResult{
			Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: res.JSON()}},
			IsError: failed,
		}, nil
	}
}
