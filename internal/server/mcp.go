// Copyright 2025 Joseph Cumines
//
// MCP server implementation

package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/joeycumines/uiinspector/internal/action"
	"github.com/joeycumines/uiinspector/internal/inspector"
	"github.com/joeycumines/uiinspector/internal/metrics"
	"github.com/joeycumines/uiinspector/internal/node"
	"github.com/joeycumines/uiinspector/internal/transport"
)

// ProtocolVersion is the MCP protocol revision reported by initialize.
const ProtocolVersion = "2024-11-05"

// ServerName and ServerVersion identify the server in initialize responses.
const (
	ServerName    = "uiinspector"
	ServerVersion = "0.1.0"
)

// Engine is the set of inspector operations the server exposes.
// *inspector.Engine implements it.
type Engine interface {
	BuildTree(ctx context.Context, forceRefresh bool) (*node.Node, error)
	FindElement(ctx context.Context, identifier, identifierType string) (node.Flat, error)
	FindElements(ctx context.Context, criteria map[string]any, findAll bool) (inspector.FindResult, error)
	GetElementMetadata(ctx context.Context, path string) (node.Flat, error)
	PerformAction(ctx context.Context, req action.Request) action.Result
	WaitForElement(ctx context.Context, criteria map[string]any, timeout time.Duration) (node.Flat, error)
	Status() inspector.Status
}

var _ Engine = (*inspector.Engine)(nil)

// MCPOptions configures an MCPServer. Zero values select defaults.
type MCPOptions struct {
	Audit   *AuditLogger
	Metrics *metrics.Registry
	Logger  *slog.Logger
	// RequestTimeout bounds each tool call.
	RequestTimeout time.Duration
}

// MCPServer serves the inspector operations as MCP tools over any transport.
type MCPServer struct {
	engine  Engine
	audit   *AuditLogger
	metrics *metrics.Registry
	logger  *slog.Logger
	tools   map[string]*Tool
	timeout time.Duration
	mu      sync.RWMutex
}

// Tool represents an MCP tool
type Tool struct {
	Handler     func(ctx context.Context, call *ToolCall) (*ToolResult, error)
	InputSchema map[string]any
	Name        string
	Description string
}

// ToolCall represents a tool call request
type ToolCall struct {
	Args      map[string]any  `json:"-"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolResult represents a tool call result
type ToolResult struct {
	Content []Content `json:"content"`
	IsError bool      `json:"isError,omitempty"`
}

// Content represents a content item in a tool result
type Content struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// NewMCPServer creates an MCP server over engine.
func NewMCPServer(engine Engine, opts MCPOptions) *MCPServer {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	s := &MCPServer{
		engine:  engine,
		audit:   opts.Audit,
		metrics: opts.Metrics,
		logger:  opts.Logger,
		timeout: opts.RequestTimeout,
	}
	s.registerTools()
	return s
}

// Tools returns the registered tools sorted by name.
func (s *MCPServer) Tools() []*Tool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tools := make([]*Tool, 0, len(s.tools))
	for _, tool := range s.tools {
		tools = append(tools, tool)
	}
	sort.Slice(tools, func(i, j int) bool { return tools[i].Name < tools[j].Name })
	return tools
}

// HandleMessage implements transport.Handler. Notifications (no id) get no
// response.
func (s *MCPServer) HandleMessage(ctx context.Context, msg *transport.Message) (*transport.Message, error) {
	notification := len(msg.ID) == 0 || string(msg.ID) == "null"

	var (
		result any
		rpcErr *transport.ErrorObj
	)
	switch msg.Method {
	case "initialize":
		result = map[string]any{
			"protocolVersion": ProtocolVersion,
			"capabilities":    map[string]any{"tools": map[string]any{}},
			"serverInfo":      map[string]any{"name": ServerName, "version": ServerVersion},
		}
	case "notifications/initialized", "notifications/cancelled":
		return nil, nil
	case "ping":
		result = map[string]any{}
	case "tools/list":
		tools := s.Tools()
		list := make([]map[string]any, 0, len(tools))
		for _, tool := range tools {
			list = append(list, map[string]any{
				"name":        tool.Name,
				"description": tool.Description,
				"inputSchema": tool.InputSchema,
			})
		}
		result = map[string]any{"tools": list}
	case "tools/call":
		var resp *transport.Message
		result, resp = s.handleToolCall(ctx, msg)
		if resp != nil {
			rpcErr = resp.Error
		}
	default:
		rpcErr = &transport.ErrorObj{
			Code:    transport.ErrCodeMethodNotFound,
			Message: fmt.Sprintf("Method not found: %s", msg.Method),
		}
	}

	if notification {
		return nil, nil
	}
	if rpcErr != nil {
		return &transport.Message{JSONRPC: "2.0", ID: msg.ID, Error: rpcErr}, nil
	}
	data, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("encoding %s result: %w", msg.Method, err)
	}
	return &transport.Message{JSONRPC: "2.0", ID: msg.ID, Result: data}, nil
}

// handleToolCall runs one tool. It returns either the tool result or a
// JSON-RPC error response.
func (s *MCPServer) handleToolCall(ctx context.Context, msg *transport.Message) (*ToolResult, *transport.Message) {
	var params struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		return nil, &transport.Message{Error: &transport.ErrorObj{
			Code:    transport.ErrCodeInvalidRequest,
			Message: fmt.Sprintf("Invalid request: %v", err),
		}}
	}

	s.mu.RLock()
	tool, exists := s.tools[params.Name]
	s.mu.RUnlock()
	if !exists {
		return nil, &transport.Message{Error: &transport.ErrorObj{
			Code:    transport.ErrCodeMethodNotFound,
			Message: fmt.Sprintf("Tool not found: %s", params.Name),
		}}
	}

	args := map[string]any{}
	if len(params.Arguments) > 0 && string(params.Arguments) != "null" {
		if err := json.Unmarshal(params.Arguments, &args); err != nil {
			return nil, invalidParamsError(fmt.Sprintf("arguments must be an object: %v", err))
		}
	}
	s.mu.RLock()
	invalid := validateToolInput(params.Name, args, s.tools)
	s.mu.RUnlock()
	if invalid != nil {
		return nil, invalid
	}

	call := &ToolCall{Name: params.Name, Arguments: params.Arguments, Args: args}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	auditArgs := s.auditArguments(ctx, call)
	start := time.Now()
	result, err := tool.Handler(ctx, call)
	duration := time.Since(start)

	status := "success"
	switch {
	case err != nil:
		status = "error"
	case result == nil:
		result = errorResultf("%s returned no result", params.Name)
		status = "error"
	case result.IsError:
		status = "tool_error"
	}
	s.metrics.RecordRequest(params.Name, status, duration)
	s.audit.LogToolCall(params.Name, auditArgs, status, duration)
	s.logger.Debug("tool call", "tool", params.Name, "status", status, "duration", duration)

	if err != nil {
		return nil, &transport.Message{Error: &transport.ErrorObj{
			Code:    transport.ErrCodeInternalError,
			Message: err.Error(),
		}}
	}
	return result, nil
}
