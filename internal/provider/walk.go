// Copyright 2025 Joseph Cumines
//
// Subtree-at-a-time providers

package provider

import (
	"context"
	"fmt"

	"github.com/joeycumines/uiinspector/internal/node"
)

// Element is one element as described by a SubtreeSource.
type Element struct {
	Properties node.Properties
	Kind       string
	ChildCount int
}

// SubtreeSource describes the element at a path, one level at a time.
// Describe("") is the root.
type SubtreeSource interface {
	Describe(ctx context.Context, path string) (Element, error)
}

// DefaultMaxDepth bounds Walk when no limit is given.
const DefaultMaxDepth = 128

// Walk adapts a SubtreeSource into a TreeBuilder by recursively describing
// every child. Recursion is bounded by maxDepth: a host tree that keeps
// reporting children (a cycle on the live side) fails the build instead of
// looping. Any error aborts the whole build, keeping it total.
func Walk(src SubtreeSource, maxDepth int) TreeBuilder {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	return TreeBuilderFunc(func(ctx context.Context) (*node.Node, error) {
		return walk(ctx, src, "", 0, maxDepth)
	})
}

func walk(ctx context.Context, src SubtreeSource, path string, depth, maxDepth int) (*node.Node, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if depth > maxDepth {
		return nil, fmt.Errorf("tree exceeds maximum depth %d at %q", maxDepth, path)
	}
	el, err := src.Describe(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("describe %q: %w", path, err)
	}
	n := &node.Node{
		Kind:       el.Kind,
		Properties: el.Properties,
	}
	if el.ChildCount > 0 {
		n.Children = make([]*node.Node, 0, el.ChildCount)
	}
	for i := 0; i < el.ChildCount; i++ {
		child, err := walk(ctx, src, node.ChildPath(path, i), depth+1, maxDepth)
		if err != nil {
			return nil, err
		}
		n.Children = append(n.Children, child)
	}
	return n, nil
}
