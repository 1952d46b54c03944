// Copyright 2025 Joseph Cumines
//
// Helper functions for tool handlers

package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/joeycumines/uiinspector/internal/node"
	"github.com/joeycumines/uiinspector/internal/transport"
	"github.com/joeycumines/uiinspector/internal/uierror"
)

// maxDisplayTextLen is the maximum length for text shown in result summaries.
// Longer text is truncated with "..." suffix.
const maxDisplayTextLen = 50

// truncateText truncates text to maxDisplayTextLen runes with "..." suffix if needed.
func truncateText(s string) string {
	r := []rune(s)
	if len(r) > maxDisplayTextLen {
		return string(r[:maxDisplayTextLen]) + "..."
	}
	return s
}

// errorResult creates a ToolResult with IsError=true and the given message.
func errorResult(msg string) *ToolResult {
	return &ToolResult{
		IsError: true,
		Content: []Content{{Type: "text", Text: msg}},
	}
}

// errorResultf creates a ToolResult with IsError=true and a formatted message.
func errorResultf(format string, args ...any) *ToolResult {
	return errorResult(fmt.Sprintf(format, args...))
}

// textResult creates a ToolResult with a single text content.
func textResult(text string) *ToolResult {
	return &ToolResult{
		Content: []Content{{Type: "text", Text: text}},
	}
}

// withJSON appends v, indented, as a second text content. Clients that parse
// results read the JSON; humans read the summary.
func (r *ToolResult) withJSON(v any) *ToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		data = []byte(fmt.Sprintf(`{"error":%q}`, err.Error()))
	}
	r.Content = append(r.Content, Content{Type: "text", Text: string(data)})
	return r
}

// describeElement returns a one-line summary of an element, e.g.
// `2.2 Button testID="submit" "Sign in"`.
func describeElement(f node.Flat) string {
	var b strings.Builder
	if f.Path == "" {
		b.WriteString("(root)")
	} else {
		b.WriteString(f.Path)
	}
	b.WriteString(" ")
	b.WriteString(f.Kind)
	for _, key := range []string{"testID", "nativeID", "accessibilityLabel"} {
		if v, ok := f.Properties[key].Str(); ok && v != "" {
			fmt.Fprintf(&b, " %s=%q", key, truncateText(v))
			break
		}
	}
	for _, key := range []string{"text", "title"} {
		if v, ok := f.Properties[key].Str(); ok && v != "" {
			fmt.Fprintf(&b, " %q", truncateText(v))
			break
		}
	}
	if f.ChildCount > 0 {
		fmt.Fprintf(&b, " [%d children]", f.ChildCount)
	}
	return b.String()
}

// kindSuggestion returns an actionable hint for an error kind.
func kindSuggestion(kind uierror.Kind) string {
	switch kind {
	case uierror.NotFound:
		return "Verify the identifier or path against a fresh tree (build_tree with forceRefresh)"
	case uierror.ElementNotFound:
		return "The target path is not in the current snapshot. Rebuild the tree and use a path from it"
	case uierror.StaleHandle:
		return "The UI changed since the snapshot was taken. Rebuild the tree and retry with the new path"
	case uierror.BuildUnavailable:
		return "The application has no inspectable view yet. Wait for it to mount and retry"
	case uierror.InvalidCriteria:
		return "Check each criteria value has the type its operator expects (numbers for gt/lt, strings for contains)"
	case uierror.InvalidParameters:
		return "Check the action parameters: setText needs text, longPress accepts durationMs up to 60000"
	case uierror.ActionExecutionFailed:
		return "The element rejected the action. Check it is enabled and supports the action"
	case uierror.ActionTimeout:
		return "The action did not complete in time. The element may be busy or animating"
	case uierror.Cancelled:
		return "The request was cancelled before completion"
	}
	return ""
}

// formatError formats an engine error for tool responses, with a suggestion
// for the error kind.
func formatError(err error, toolName string) string {
	if err == nil {
		return ""
	}
	kind := uierror.KindOf(err)
	result := fmt.Sprintf("Error in %s: %s - %s", toolName, kind, errorMessage(err))
	if suggestion := kindSuggestion(kind); suggestion != "" {
		result += fmt.Sprintf("\nSuggestion: %s", suggestion)
	}
	return result
}

// errorMessage returns the innermost message of an engine error.
func errorMessage(err error) string {
	var e *uierror.Error
	if errors.As(err, &e) && e.Err != nil {
		msg := e.Err.Error()
		if e.Path != "" {
			msg += fmt.Sprintf(" (path %q)", e.Path)
		}
		return msg
	}
	return err.Error()
}

// engineErrorResult creates a ToolResult with IsError=true for an engine error.
func engineErrorResult(err error, toolName string) *ToolResult {
	return errorResult(formatError(err, toolName))
}

// validateToolInput validates arguments against a tool's InputSchema: required
// fields are present, types match, and enum values are allowed. Extra
// properties are allowed. It returns a JSON-RPC ErrCodeInvalidParams response,
// or nil if validation passes.
func validateToolInput(toolName string, args map[string]any, tools map[string]*Tool) *transport.Message {
	tool, ok := tools[toolName]
	if !ok || tool.InputSchema == nil {
		return nil
	}
	schema := tool.InputSchema

	for _, field := range getRequiredFields(schema) {
		if _, exists := args[field]; !exists {
			return invalidParamsError(fmt.Sprintf("missing required field: %s", field))
		}
	}

	properties := getSchemaProperties(schema)
	for fieldName, value := range args {
		propSchema, exists := properties[fieldName]
		if !exists {
			continue
		}
		if err := validateFieldValue(fieldName, value, propSchema); err != nil {
			return invalidParamsError(err.Error())
		}
	}
	return nil
}

// invalidParamsError creates a JSON-RPC error response with ErrCodeInvalidParams.
func invalidParamsError(message string) *transport.Message {
	return &transport.Message{
		JSONRPC: "2.0",
		Error: &transport.ErrorObj{
			Code:    transport.ErrCodeInvalidParams,
			Message: message,
		},
	}
}

// getRequiredFields extracts the "required" array from a JSON schema.
func getRequiredFields(schema map[string]any) []string {
	switch required := schema["required"].(type) {
	case []string:
		return required
	case []any:
		result := make([]string, 0, len(required))
		for _, v := range required {
			if s, ok := v.(string); ok {
				result = append(result, s)
			}
		}
		return result
	}
	return nil
}

// getSchemaProperties extracts the "properties" map from a JSON schema.
func getSchemaProperties(schema map[string]any) map[string]map[string]any {
	propsMap, ok := schema["properties"].(map[string]any)
	if !ok {
		return nil
	}
	result := make(map[string]map[string]any, len(propsMap))
	for k, v := range propsMap {
		if propSchema, ok := v.(map[string]any); ok {
			result[k] = propSchema
		}
	}
	return result
}

// validateFieldValue validates a single field value against its property
// schema. Null values pass; presence is checked separately.
func validateFieldValue(fieldName string, value any, propSchema map[string]any) error {
	if value == nil {
		return nil
	}
	if schemaType, ok := propSchema["type"].(string); ok {
		if err := validateType(fieldName, value, schemaType); err != nil {
			return err
		}
	}
	return validateEnumValue(fieldName, value, propSchema)
}

// validateType validates that a value matches the expected JSON Schema type.
func validateType(fieldName string, value any, expectedType string) error {
	var ok bool
	switch expectedType {
	case "string":
		_, ok = value.(string)
	case "number":
		_, ok = node.ToFloat(value)
	case "integer":
		ok = isInteger(value)
	case "boolean":
		_, ok = value.(bool)
	case "array":
		_, ok = value.([]any)
	case "object":
		_, ok = value.(map[string]any)
	default:
		return nil
	}
	if !ok {
		return fmt.Errorf("field %q must be %s %s, got %T", fieldName, article(expectedType), expectedType, value)
	}
	return nil
}

func article(word string) string {
	if strings.ContainsRune("aeiou", rune(word[0])) {
		return "an"
	}
	return "a"
}

// isInteger reports whether value is a whole number. Decoding into any
// yields float64 for every JSON number.
func isInteger(value any) bool {
	switch v := value.(type) {
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return true
	case float64:
		return v == float64(int64(v))
	case float32:
		return v == float32(int32(v))
	}
	return false
}

// validateEnumValue validates that a value is in the allowed enum set, if any.
func validateEnumValue(fieldName string, value any, propSchema map[string]any) error {
	enumStrings, ok := propSchema["enum"].([]string)
	if !ok {
		return nil
	}
	valueStr, ok := value.(string)
	if !ok {
		return fmt.Errorf("field %q must be a string for enum validation, got %T", fieldName, value)
	}
	if slices.Contains(enumStrings, valueStr) {
		return nil
	}
	return fmt.Errorf("field %q must be one of [%s], got %q", fieldName, strings.Join(enumStrings, ", "), valueStr)
}
