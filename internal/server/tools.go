// Copyright 2025 Joseph Cumines
//
// Inspector tool handlers

package server

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/joeycumines/uiinspector/internal/action"
	"github.com/joeycumines/uiinspector/internal/node"
)

const (
	toolBuildTree          = "build_tree"
	toolFindElement        = "find_element"
	toolFindElements       = "find_elements"
	toolGetElementMetadata = "get_element_metadata"
	toolPerformAction      = "perform_action"
	toolWaitElement        = "wait_element"
	toolInspectorStatus    = "inspector_status"
)

// maxListedElements caps the summary lines of find_elements; the JSON
// content always carries every match.
const maxListedElements = 25

func actionKindNames() []string {
	names := make([]string, len(action.Kinds))
	for i, k := range action.Kinds {
		names[i] = string(k)
	}
	return names
}

// registerTools registers all available tools
func (s *MCPServer) registerTools() {
	pathProp := map[string]any{
		"type":        "string",
		"description": `Dotted child-index path from the root, e.g. "0.2.1". The root is "".`,
	}
	criteriaProp := map[string]any{
		"type": "object",
		"description": "Property criteria, all of which must match. Keys are property paths " +
			"(e.g. \"testID\", \"frame.width\") optionally suffixed with an operator: " +
			".eq .ne .contains .startsWith .endsWith .gt .lt .gte .lte .matches",
	}

	tools := []*Tool{
		{
			Name:        toolBuildTree,
			Description: "Return the UI element tree of the inspected application",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"forceRefresh": map[string]any{
						"type":        "boolean",
						"description": "Rebuild the snapshot even if the cached one is fresh",
					},
				},
			},
			Handler: s.handleBuildTree,
		},
		{
			Name:        toolFindElement,
			Description: "Find the first element whose identifier property equals a value",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"identifier": map[string]any{
						"type":        "string",
						"description": "Value to look for, e.g. \"submit\"",
					},
					"identifierType": map[string]any{
						"type":        "string",
						"description": "Property holding the identifier (default testID), e.g. accessibilityLabel or nativeID",
					},
				},
				"required": []string{"identifier"},
			},
			Handler: s.handleFindElement,
		},
		{
			Name:        toolFindElements,
			Description: "Find elements matching property criteria, in document order",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"criteria": criteriaProp,
					"findAll": map[string]any{
						"type":        "boolean",
						"description": "Return every match instead of only the first",
					},
				},
				"required": []string{"criteria"},
			},
			Handler: s.handleFindElements,
		},
		{
			Name:        toolGetElementMetadata,
			Description: "Get the kind and properties of the element at a path",
			InputSchema: map[string]any{
				"type":       "object",
				"properties": map[string]any{"path": pathProp},
				"required":   []string{"path"},
			},
			Handler: s.handleGetElementMetadata,
		},
		{
			Name:        toolPerformAction,
			Description: "Perform a semantic action (tap, longPress, setText, clearText, scrollToVisible) on the element at a path",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"action": map[string]any{
						"type":        "string",
						"description": "Action to perform",
						"enum":        actionKindNames(),
					},
					"path": pathProp,
					"parameters": map[string]any{
						"type":        "object",
						"description": "Action parameters: text for setText, durationMs for longPress, animated for scrollToVisible",
					},
				},
				"required": []string{"action", "path"},
			},
			Handler: s.handlePerformAction,
		},
		{
			Name:        toolWaitElement,
			Description: "Wait until an element matching criteria appears, refreshing the tree while waiting",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"criteria": criteriaProp,
					"timeout": map[string]any{
						"type":        "number",
						"description": "Maximum seconds to wait (default 10)",
					},
				},
				"required": []string{"criteria"},
			},
			Handler: s.handleWaitElement,
		},
		{
			Name:        toolInspectorStatus,
			Description: "Report snapshot cache and action dispatcher state",
			InputSchema: map[string]any{
				"type":       "object",
				"properties": map[string]any{},
			},
			Handler: s.handleInspectorStatus,
		},
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.tools = make(map[string]*Tool, len(tools))
	for _, tool := range tools {
		s.tools[tool.Name] = tool
	}
}

// handleBuildTree handles the build_tree tool
func (s *MCPServer) handleBuildTree(ctx context.Context, call *ToolCall) (*ToolResult, error) {
	force, _ := call.Args["forceRefresh"].(bool)
	root, err := s.engine.BuildTree(ctx, force)
	if err != nil {
		return engineErrorResult(err, call.Name), nil
	}
	count := node.Count(root)
	return textResult(fmt.Sprintf("UI tree with %d elements (root %s)", count, root.Kind)).withJSON(root), nil
}

// handleFindElement handles the find_element tool
func (s *MCPServer) handleFindElement(ctx context.Context, call *ToolCall) (*ToolResult, error) {
	identifier, _ := call.Args["identifier"].(string)
	identifierType, _ := call.Args["identifierType"].(string)
	if identifierType == "" {
		identifierType = "testID"
	}
	el, err := s.engine.FindElement(ctx, identifier, identifierType)
	if err != nil {
		return engineErrorResult(err, call.Name), nil
	}
	return textResult("Found element: " + describeElement(el)).withJSON(el), nil
}

// handleFindElements handles the find_elements tool
func (s *MCPServer) handleFindElements(ctx context.Context, call *ToolCall) (*ToolResult, error) {
	criteria, _ := call.Args["criteria"].(map[string]any)
	findAll, _ := call.Args["findAll"].(bool)
	res, err := s.engine.FindElements(ctx, criteria, findAll)
	if err != nil {
		return engineErrorResult(err, call.Name), nil
	}

	var b strings.Builder
	if len(res.Elements) == 0 {
		b.WriteString("No elements found matching criteria")
	} else {
		fmt.Fprintf(&b, "Found %d elements:", len(res.Elements))
		for i, el := range res.Elements {
			if i == maxListedElements {
				fmt.Fprintf(&b, "\n... and %d more", len(res.Elements)-i)
				break
			}
			fmt.Fprintf(&b, "\n%d. %s", i+1, describeElement(el))
		}
	}
	for _, d := range res.Diagnostics {
		fmt.Fprintf(&b, "\nWarning: criterion %q never matches: %s", d.Key, d.Msg)
	}
	return textResult(b.String()).withJSON(res), nil
}

// handleGetElementMetadata handles the get_element_metadata tool
func (s *MCPServer) handleGetElementMetadata(ctx context.Context, call *ToolCall) (*ToolResult, error) {
	path, _ := call.Args["path"].(string)
	el, err := s.engine.GetElementMetadata(ctx, path)
	if err != nil {
		return engineErrorResult(err, call.Name), nil
	}

	var b strings.Builder
	b.WriteString("Element: " + describeElement(el))
	for _, key := range el.Properties.Keys() {
		fmt.Fprintf(&b, "\n  %s: %s", key, truncateText(el.Properties[key].String()))
	}
	return textResult(b.String()).withJSON(el), nil
}

// handlePerformAction handles the perform_action tool
func (s *MCPServer) handlePerformAction(ctx context.Context, call *ToolCall) (*ToolResult, error) {
	kind, _ := call.Args["action"].(string)
	path, _ := call.Args["path"].(string)
	params, _ := call.Args["parameters"].(map[string]any)

	res := s.engine.PerformAction(ctx, action.Request{
		Kind:       action.Kind(kind),
		TargetPath: path,
		Parameters: params,
	})
	if !res.OK {
		return engineErrorResult(res.Err(path), call.Name).withJSON(res), nil
	}
	return textResult(fmt.Sprintf("Performed %s on %q", kind, path)).withJSON(res), nil
}

// handleWaitElement handles the wait_element tool
func (s *MCPServer) handleWaitElement(ctx context.Context, call *ToolCall) (*ToolResult, error) {
	criteria, _ := call.Args["criteria"].(map[string]any)
	var timeout time.Duration
	if secs, ok := node.ToFloat(call.Args["timeout"]); ok && secs > 0 {
		timeout = time.Duration(secs * float64(time.Second))
	}
	el, err := s.engine.WaitForElement(ctx, criteria, timeout)
	if err != nil {
		return engineErrorResult(err, call.Name), nil
	}
	return textResult("Element appeared: " + describeElement(el)).withJSON(el), nil
}

// handleInspectorStatus handles the inspector_status tool
func (s *MCPServer) handleInspectorStatus(_ context.Context, call *ToolCall) (*ToolResult, error) {
	st := s.engine.Status()
	summary := "No snapshot built yet"
	if st.BuiltAt != nil {
		summary = fmt.Sprintf("Snapshot of %d elements, age %s (fresh=%v, ttl %s)", st.Nodes, st.Age, st.Fresh, st.TTL)
	}
	return textResult(summary).withJSON(st), nil
}
