// Copyright 2025 Joseph Cumines
//
// Package query matches nodes of a snapshot.
//
// Two modes are supported: typed identifier lookup (first node whose
// identifier property equals a value) and criteria search, where every key is
// a property path with an optional operator suffix such as "text.contains" or
// "frame.width.gt". Both modes are read-only and operate on an in-memory tree;
// they never block and never consult the view provider.
package query

import (
	"github.com/joeycumines/uiinspector/internal/node"
	"github.com/joeycumines/uiinspector/internal/uierror"
)

// Identifier types used by React Native and the accessibility tree.
const (
	IdentifierTestID             = "testID"
	IdentifierAccessibilityLabel = "accessibilityLabel"
	IdentifierNativeID           = "nativeID"
)

// FindByIdentifier returns the first node, in pre-order, whose identifierType
// property is the string identifier. No node has an empty property name, so
// an empty identifierType finds nothing.
func FindByIdentifier(root *node.Node, identifier, identifierType string) (*node.Node, error) {
	if identifierType == "" {
		return nil, uierror.New(uierror.NotFound, "find element", "no element with an empty identifier type")
	}
	want := node.String(identifier)
	var found *node.Node
	node.Walk(root, func(n *node.Node) bool {
		if v, ok := n.Lookup(identifierType); ok && v.Equal(want) {
			found = n
			return false
		}
		return true
	})
	if found == nil {
		return nil, uierror.New(uierror.NotFound, "find element", "no element with %s %q", identifierType, identifier)
	}
	return found, nil
}

// Find returns the nodes matching q in pre-order. Without findAll the search
// stops at the first match. The result is never nil.
func (q Query) Find(root *node.Node, findAll bool) []*node.Node {
	matches := []*node.Node{}
	node.Walk(root, func(n *node.Node) bool {
		if !q.Match(n) {
			return true
		}
		matches = append(matches, n)
		return findAll
	})
	return matches
}

// FindByCriteria parses criteria and runs it over root. Invalid entries never
// match; use Parse to inspect them.
func FindByCriteria(root *node.Node, criteria map[string]any, findAll bool) []*node.Node {
	q, _ := Parse(criteria)
	return q.Find(root, findAll)
}
