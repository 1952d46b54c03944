// Copyright 2025 Joseph Cumines
//
// Audit logging for MCP tool invocations

package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/joeycumines/uiinspector/internal/action"
)

// redacted replaces every sensitive argument value.
const redacted = "[REDACTED]"

// AuditLogger writes one JSON line per tool invocation: tool name, redacted
// arguments, status and duration. A nil or disabled logger discards entries.
type AuditLogger struct {
	logger  *slog.Logger
	file    *os.File
	enabled bool
	mu      sync.RWMutex
}

// sensitiveKeys are redacted wherever they appear in arguments, including as
// a substring of a longer key (e.g. "userPassword").
var sensitiveKeys = []string{
	"password",
	"passcode",
	"secret",
	"token",
	"apikey",
	"api_key",
	"credential",
	"authorization",
	"cookie",
	"private_key",
}

// NewAuditLogger creates an audit logger appending to filePath. An empty
// path disables audit logging.
func NewAuditLogger(filePath string) (*AuditLogger, error) {
	if filePath == "" {
		return &AuditLogger{}, nil
	}

	file, err := os.OpenFile(filePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}

	return &AuditLogger{
		logger:  slog.New(slog.NewJSONHandler(file, &slog.HandlerOptions{Level: slog.LevelInfo})),
		file:    file,
		enabled: true,
	}, nil
}

// Close closes the audit log file. Safe to call multiple times.
func (a *AuditLogger) Close() error {
	if a == nil {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	a.enabled = false
	if a.file == nil {
		return nil
	}
	err := a.file.Close()
	a.file = nil
	return err
}

// IsEnabled returns true if audit logging is enabled.
func (a *AuditLogger) IsEnabled() bool {
	if a == nil {
		return false
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.enabled
}

// LogToolCall logs a tool invocation. Sensitive keys in args are redacted.
func (a *AuditLogger) LogToolCall(tool string, args map[string]any, status string, duration time.Duration) {
	if a == nil {
		return
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	if !a.enabled || a.logger == nil {
		return
	}

	a.logger.Info("tool_invocation",
		slog.String("tool", tool),
		slog.String("arguments", redactArguments(args)),
		slog.String("status", status),
		slog.Float64("duration_seconds", duration.Seconds()),
	)
}

// redactArguments renders args as JSON with sensitive values replaced.
// args is not modified.
func redactArguments(args map[string]any) string {
	if len(args) == 0 {
		return "{}"
	}
	data, err := json.Marshal(redactValue(args))
	if err != nil {
		return "[unencodable]"
	}
	return string(data)
}

func redactValue(v any) any {
	switch v := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, value := range v {
			if isSensitiveKey(key) {
				out[key] = redacted
				continue
			}
			out[key] = redactValue(value)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = redactValue(item)
		}
		return out
	}
	return v
}

func isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, s := range sensitiveKeys {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}

// auditArguments returns the arguments to audit for call. Text typed into a
// secure text entry (a password field) is redacted. It returns nil when audit
// logging is disabled.
func (s *MCPServer) auditArguments(ctx context.Context, call *ToolCall) map[string]any {
	if !s.audit.IsEnabled() {
		return nil
	}
	if call.Name != toolPerformAction || call.Args["action"] != string(action.SetText) {
		return call.Args
	}
	path, _ := call.Args["path"].(string)
	params, ok := call.Args["parameters"].(map[string]any)
	if !ok {
		return call.Args
	}
	if _, hasText := params["text"]; !hasText {
		return call.Args
	}

	// unknown targets are treated as secure
	secure := true
	if el, err := s.engine.GetElementMetadata(ctx, path); err == nil {
		secure, _ = el.Properties["secureTextEntry"].Boolean()
	}
	if !secure {
		return call.Args
	}

	out := make(map[string]any, len(call.Args))
	for k, v := range call.Args {
		out[k] = v
	}
	p := make(map[string]any, len(params))
	for k, v := range params {
		p[k] = v
	}
	p["text"] = redacted
	out["parameters"] = p
	return out
}
