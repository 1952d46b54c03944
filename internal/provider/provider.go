// Copyright 2025 Joseph Cumines
//
// Package provider defines the ViewProvider contract consumed by the engine.
//
// A ViewProvider reads the live UI and executes actions against it. The engine
// never touches live objects itself: it asks a TreeBuilder for a total copy of
// the tree, asks a Resolver whether a path still names a live element, and
// hands execution to an Executor which reports back through a completion
// callback.
package provider

import (
	"context"
	"errors"

	"github.com/joeycumines/uiinspector/internal/node"
)

// ErrGone is returned by Resolver.ResolveLive when the path no longer names a
// live element.
var ErrGone = errors.New("element no longer exists")

// ErrNoRootView is returned by builders when there is nothing to inspect yet,
// e.g. before the application has mounted its root view.
var ErrNoRootView = errors.New("no root view available")

// TreeBuilder produces a complete tree in one call. Implementations must be
// total per invocation: either the whole tree or an error, never a partial
// tree. Children must be non-nil; a nil child fails the build. Paths are
// assigned by the caller.
type TreeBuilder interface {
	BuildTree(ctx context.Context) (*node.Node, error)
}

// TreeBuilderFunc adapts a function to TreeBuilder.
type TreeBuilderFunc func(ctx context.Context) (*node.Node, error)

// BuildTree implements TreeBuilder.
func (f TreeBuilderFunc) BuildTree(ctx context.Context) (*node.Node, error) { return f(ctx) }

// LiveHandle identifies a live element. It is opaque to the engine and only
// meaningful to the provider that issued it.
type LiveHandle struct {
	ID   string
	Path string
}

// Resolver maps a snapshot path onto a live element.
type Resolver interface {
	ResolveLive(ctx context.Context, path string) (LiveHandle, error)
}

// Execution is one action to run against a live element.
type Execution struct {
	Parameters map[string]any
	Handle     LiveHandle
	Action     string
}

// Outcome is the executor's completion report.
type Outcome struct {
	Data map[string]any
	Err  error
}

// Executor runs actions against live elements. Execute must arrange for
// complete to be called at most once, from any goroutine, possibly after ctx
// is done. Late completions are discarded by the caller.
type Executor interface {
	Execute(ctx context.Context, exec Execution, complete func(Outcome))
}

// ViewProvider is the full collaborator: builder, resolver and executor.
type ViewProvider interface {
	TreeBuilder
	Resolver
	Executor
}
