// Copyright 2025 Joseph Cumines
//
// Terminal rendering of UI trees

package main

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/tree"

	"github.com/joeycumines/uiinspector/internal/node"
)

var (
	pathStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#157483"))
	kindStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#20B9B4")).Bold(true)
	idStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#2CD7C7"))
	textStyle  = lipgloss.NewStyle().Italic(true)
	enumStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#16858E")).MarginRight(1)
	identifier = []string{"testID", "nativeID", "accessibilityLabel"}
)

// renderTree draws n and its descendants as an outline.
func renderTree(n *node.Node) string {
	return buildTree(n).
		Enumerator(tree.RoundedEnumerator).
		EnumeratorStyle(enumStyle).
		String()
}

func buildTree(n *node.Node) *tree.Tree {
	t := tree.Root(nodeLabel(n))
	for _, c := range n.Children {
		if len(c.Children) == 0 {
			t.Child(nodeLabel(c))
			continue
		}
		t.Child(buildTree(c))
	}
	return t
}

// nodeLabel is the one-line description of n: path, kind, first identifier
// and visible text.
func nodeLabel(n *node.Node) string {
	path := n.Path
	if path == "" {
		path = "(root)"
	}
	parts := []string{pathStyle.Render(path), kindStyle.Render(n.Kind)}
	for _, key := range identifier {
		if s, ok := n.Properties[key].Str(); ok && s != "" {
			parts = append(parts, idStyle.Render(fmt.Sprintf("%s=%q", key, s)))
			break
		}
	}
	for _, key := range []string{"text", "title"} {
		if s, ok := n.Properties[key].Str(); ok && s != "" {
			parts = append(parts, textStyle.Render(fmt.Sprintf("%q", s)))
			break
		}
	}
	return strings.Join(parts, " ")
}
