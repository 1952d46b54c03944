// Copyright 2025 Joseph Cumines
//
// Package inspector is the engine facade: one instance per process holding the
// snapshot cache and the action dispatcher, shared by every transport.
//
// All operations except PerformAction are read-only over a snapshot. Queries
// obtain a snapshot through the cache (at most TTL stale) and run against that
// immutable copy; they never touch the view provider directly.
package inspector

import (
	"context"
	"log/slog"
	"time"

	"github.com/joeycumines/uiinspector/internal/action"
	"github.com/joeycumines/uiinspector/internal/node"
	"github.com/joeycumines/uiinspector/internal/provider"
	"github.com/joeycumines/uiinspector/internal/query"
	"github.com/joeycumines/uiinspector/internal/server/tools"
	"github.com/joeycumines/uiinspector/internal/snapshot"
)

// DefaultWaitTimeout is used by WaitForElement when no timeout is given.
const DefaultWaitTimeout = 10 * time.Second

// Observer receives cache and action events; *metrics.Registry implements it.
type Observer interface {
	snapshot.Observer
	action.Observer
}

// Options configures an Engine. Zero values select defaults.
type Options struct {
	Observer      Observer
	Logger        *slog.Logger
	Clock         func() time.Time
	TTL           time.Duration
	BuildTimeout  time.Duration
	ActionTimeout time.Duration
	PollInterval  time.Duration
}

// Engine implements the inspector operations.
type Engine struct {
	cache        *snapshot.Cache
	dispatcher   *action.Dispatcher
	logger       *slog.Logger
	clock        func() time.Time
	pollInterval time.Duration
}

// New creates an engine over a view provider.
func New(p provider.ViewProvider, opts Options) *Engine {
	return NewFromParts(p, p, p, opts)
}

// NewFromParts creates an engine from separate collaborators.
func NewFromParts(builder provider.TreeBuilder, resolver provider.Resolver, executor provider.Executor, opts Options) *Engine {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	var (
		cacheObs  snapshot.Observer
		actionObs action.Observer
	)
	if opts.Observer != nil {
		cacheObs, actionObs = opts.Observer, opts.Observer
	}
	cache := snapshot.New(builder, snapshot.Options{
		Observer:     cacheObs,
		Logger:       opts.Logger.With("component", "snapshot"),
		Clock:        opts.Clock,
		TTL:          opts.TTL,
		BuildTimeout: opts.BuildTimeout,
	})
	return &Engine{
		cache: cache,
		dispatcher: action.NewDispatcher(cache, resolver, executor, action.Options{
			Observer: actionObs,
			Logger:   opts.Logger.With("component", "action"),
			Timeout:  opts.ActionTimeout,
		}),
		logger:       opts.Logger,
		clock:        opts.Clock,
		pollInterval: opts.PollInterval,
	}
}

// Cache exposes the snapshot cache.
func (e *Engine) Cache() *snapshot.Cache { return e.cache }

// BuildTree returns the full tree, rebuilding when forced or stale.
func (e *Engine) BuildTree(ctx context.Context, forceRefresh bool) (*node.Node, error) {
	entry, err := e.cache.Get(ctx, forceRefresh)
	if err != nil {
		return nil, err
	}
	return entry.Root, nil
}

// FindElement returns the first element whose identifierType property equals
// identifier, e.g. ("submit", "testID").
func (e *Engine) FindElement(ctx context.Context, identifier, identifierType string) (node.Flat, error) {
	entry, err := e.cache.Get(ctx, false)
	if err != nil {
		return node.Flat{}, err
	}
	n, err := query.FindByIdentifier(entry.Root, identifier, identifierType)
	if err != nil {
		return node.Flat{}, err
	}
	return node.Flatten(n), nil
}

// FindResult is the result of FindElements.
type FindResult struct {
	Elements    []node.Flat        `json:"elements"`
	Diagnostics []query.Diagnostic `json:"diagnostics,omitempty"`
}

// FindElements returns elements matching every criterion, in pre-order.
// Invalid criteria entries never match and are reported as diagnostics.
func (e *Engine) FindElements(ctx context.Context, criteria map[string]any, findAll bool) (FindResult, error) {
	return e.findElements(ctx, criteria, findAll, false)
}

func (e *Engine) findElements(ctx context.Context, criteria map[string]any, findAll, forceRefresh bool) (FindResult, error) {
	q, diags := query.Parse(criteria)
	entry, err := e.cache.Get(ctx, forceRefresh)
	if err != nil {
		return FindResult{Elements: []node.Flat{}}, err
	}
	return FindResult{
		Elements:    node.FlattenAll(q.Find(entry.Root, findAll)),
		Diagnostics: diags,
	}, nil
}

// GetElementMetadata returns the element at path.
func (e *Engine) GetElementMetadata(ctx context.Context, path string) (node.Flat, error) {
	entry, err := e.cache.Get(ctx, false)
	if err != nil {
		return node.Flat{}, err
	}
	n, err := node.FindByPath(entry.Root, path)
	if err != nil {
		return node.Flat{}, err
	}
	return node.Flatten(n), nil
}

// PerformAction dispatches an action. The result is always returned.
func (e *Engine) PerformAction(ctx context.Context, req action.Request) action.Result {
	return e.dispatcher.Perform(ctx, req)
}

// WaitForElement rebuilds the snapshot until an element matches criteria or
// timeout elapses, and returns the first match.
func (e *Engine) WaitForElement(ctx context.Context, criteria map[string]any, timeout time.Duration) (node.Flat, error) {
	if timeout <= 0 {
		timeout = DefaultWaitTimeout
	}
	if _, diags := query.Parse(criteria); len(diags) > 0 {
		return node.Flat{}, diags[0].Err
	}
	found, err := tools.WaitForElement(ctx, func(ctx context.Context, criteria map[string]any) ([]node.Flat, error) {
		res, err := e.findElements(ctx, criteria, false, true)
		return res.Elements, err
	}, criteria, timeout, e.pollInterval)
	if err != nil {
		return node.Flat{}, err
	}
	return found[0], nil
}

// Status describes the engine state.
type Status struct {
	BuiltAt         *time.Time     `json:"builtAt,omitempty"`
	Cache           snapshot.Stats `json:"cache"`
	TTL             string         `json:"ttl"`
	ActionTimeout   string         `json:"actionTimeout"`
	Age             string         `json:"age,omitempty"`
	Nodes           int            `json:"nodes"`
	LateCompletions uint64         `json:"lateCompletions"`
	Fresh           bool           `json:"fresh"`
}

// Status reports the current snapshot and counters without building.
func (e *Engine) Status() Status {
	s := Status{
		Cache:           e.cache.Stats(),
		TTL:             e.cache.TTL().String(),
		ActionTimeout:   e.dispatcher.Timeout().String(),
		LateCompletions: e.dispatcher.LateCompletions(),
	}
	if entry := e.cache.Current(); entry != nil {
		now := e.clock()
		built := entry.BuiltAt
		s.BuiltAt = &built
		s.Age = entry.Age(now).String()
		s.Nodes = len(entry.Nodes())
		s.Fresh = entry.Fresh(now)
	}
	return s
}

// Invalidate expires the current snapshot, e.g. after the provider reloaded.
func (e *Engine) Invalidate() {
	e.cache.Invalidate()
	e.logger.Debug("snapshot invalidated")
}
