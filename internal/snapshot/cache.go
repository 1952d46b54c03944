// Copyright 2025 Joseph Cumines
//
// Package snapshot owns the current element tree snapshot.
//
// The Cache serves a tree that is at most TTL stale. Concurrent requests for a
// rebuild are coalesced: at most one provider build runs at a time and every
// caller that arrives while it runs receives its result. Entries are published
// atomically and never mutated afterwards, so readers traverse them without
// locks.
package snapshot

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/singleflight"

	"github.com/joeycumines/uiinspector/internal/node"
	"github.com/joeycumines/uiinspector/internal/provider"
	"github.com/joeycumines/uiinspector/internal/uierror"
)

// DefaultTTL amortizes repeated queries within one client interaction.
const DefaultTTL = 2 * time.Second

// DefaultBuildTimeout bounds a single provider build.
const DefaultBuildTimeout = 10 * time.Second

const flightKey = "snapshot"

var tracer = otel.Tracer("github.com/joeycumines/uiinspector/internal/snapshot")

// Entry is one published snapshot. It is immutable.
type Entry struct {
	BuiltAt    time.Time
	Root       *node.Node
	nodes      []*node.Node
	TTL        time.Duration
	Generation uint64
}

// Nodes returns every node in pre-order. Callers must not modify the slice.
func (e *Entry) Nodes() []*node.Node { return e.nodes }

// Age returns how old the entry is at now.
func (e *Entry) Age(now time.Time) time.Duration { return now.Sub(e.BuiltAt) }

// Fresh reports whether the entry may still be served at now.
func (e *Entry) Fresh(now time.Time) bool { return e.Age(now) < e.TTL }

// Observer receives cache events; *metrics.Registry implements it.
type Observer interface {
	CacheHit()
	CacheMiss()
	CacheCoalesced()
	BuildFinished(outcome string, duration time.Duration, nodes int)
}

type nopObserver struct{}

func (nopObserver) CacheHit()                                {}
func (nopObserver) CacheMiss()                               {}
func (nopObserver) CacheCoalesced()                          {}
func (nopObserver) BuildFinished(string, time.Duration, int) {}

// Options configures a Cache.
type Options struct {
	Observer     Observer
	Logger       *slog.Logger
	Clock        func() time.Time
	TTL          time.Duration
	BuildTimeout time.Duration
}

// Stats is a point-in-time view of cache activity.
type Stats struct {
	Hits       uint64 `json:"hits"`
	Builds     uint64 `json:"builds"`
	Failures   uint64 `json:"failures"`
	Coalesced  uint64 `json:"coalesced"`
	Generation uint64 `json:"generation"`
}

// Cache is the snapshot cache. The zero value is not usable; see New.
type Cache struct {
	builder  provider.TreeBuilder
	observer Observer
	logger   *slog.Logger
	clock    func() time.Time
	current  atomic.Pointer[Entry]
	flight   singleflight.Group

	// invalidations counts Invalidate calls. covered is the count the current
	// entry was built after; the entry is stale while they differ.
	invalidations atomic.Uint64
	covered       atomic.Uint64

	// inflight is set while a build runs, so joiners can be counted.
	inflight atomic.Bool

	genMu      sync.Mutex
	generation uint64

	ttl          time.Duration
	buildTimeout time.Duration

	hits      atomic.Uint64
	builds    atomic.Uint64
	failures  atomic.Uint64
	coalesced atomic.Uint64
}

// New creates a cache over builder.
func New(builder provider.TreeBuilder, opts Options) *Cache {
	c := &Cache{
		builder:      builder,
		observer:     opts.Observer,
		logger:       opts.Logger,
		clock:        opts.Clock,
		ttl:          opts.TTL,
		buildTimeout: opts.BuildTimeout,
	}
	if c.observer == nil {
		c.observer = nopObserver{}
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.clock == nil {
		c.clock = time.Now
	}
	if c.ttl <= 0 {
		c.ttl = DefaultTTL
	}
	if c.buildTimeout <= 0 {
		c.buildTimeout = DefaultBuildTimeout
	}
	return c
}

// TTL returns the configured time-to-live.
func (c *Cache) TTL() time.Duration { return c.ttl }

// Current returns the last published entry regardless of age, or nil.
func (c *Cache) Current() *Entry { return c.current.Load() }

// Invalidate marks the current entry as expired without discarding it; it
// remains available through Current and as a build-failure fallback.
// An Invalidate that lands while a build is running also expires that
// build's result.
func (c *Cache) Invalidate() { c.invalidations.Add(1) }

func (c *Cache) stale() bool { return c.covered.Load() != c.invalidations.Load() }

// Get returns a snapshot at most TTL old. With forceRefresh, or when the
// current entry is expired, it joins or starts a rebuild.
//
// The rebuild is not bound to ctx: if ctx ends, this caller stops waiting
// but the build carries on for everyone else.
func (c *Cache) Get(ctx context.Context, forceRefresh bool) (*Entry, error) {
	if !forceRefresh {
		if e := c.current.Load(); e != nil && !c.stale() && e.Fresh(c.clock()) {
			c.hits.Add(1)
			c.observer.CacheHit()
			return e, nil
		}
	}

	if c.inflight.Load() {
		c.coalesced.Add(1)
		c.observer.CacheCoalesced()
	} else {
		c.observer.CacheMiss()
	}

	ch := c.flight.DoChan(flightKey, func() (any, error) {
		c.inflight.Store(true)
		defer c.inflight.Store(false)
		return c.rebuild(context.WithoutCancel(ctx))
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Entry), nil
	case <-ctx.Done():
		return nil, uierror.Wrap(uierror.Cancelled, "snapshot", ctx.Err())
	}
}

// rebuild runs one provider build and publishes the result. On failure the
// previous entry, if any, is returned in its place.
func (c *Cache) rebuild(ctx context.Context) (*Entry, error) {
	ctx, cancel := context.WithTimeout(ctx, c.buildTimeout)
	defer cancel()

	ctx, span := tracer.Start(ctx, "snapshot.rebuild")
	defer span.End()

	// invalidations after this point are not reflected in the build
	seen := c.invalidations.Load()
	start := c.clock()
	root, err := c.builder.BuildTree(ctx)
	if err == nil {
		err = ctx.Err()
	}
	if err == nil {
		err = node.CheckChildren(root)
	}
	duration := c.clock().Sub(start)
	c.builds.Add(1)

	if err != nil {
		c.failures.Add(1)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if prev := c.current.Load(); prev != nil {
			c.observer.BuildFinished("fallback", duration, 0)
			c.logger.Warn("snapshot build failed, serving previous snapshot",
				"generation", prev.Generation,
				"age", prev.Age(c.clock()),
				"error", err)
			span.SetAttributes(attribute.Bool("snapshot.fallback", true))
			return prev, nil
		}
		c.observer.BuildFinished("unavailable", duration, 0)
		c.logger.Error("snapshot build failed and no snapshot is cached", "error", err)
		return nil, uierror.Wrap(uierror.BuildUnavailable, "snapshot", err)
	}

	// the snapshot must never alias provider-owned structures
	root = node.Clone(root)
	if root == nil {
		root = node.EmptyRoot()
	}
	nodes := node.AssignPaths(root)

	c.genMu.Lock()
	c.generation++
	gen := c.generation
	c.genMu.Unlock()

	e := &Entry{
		Root:       root,
		nodes:      nodes,
		BuiltAt:    c.clock(),
		TTL:        c.ttl,
		Generation: gen,
	}
	c.current.Store(e)
	c.covered.Store(seen)

	c.observer.BuildFinished("ok", duration, len(nodes))
	span.SetAttributes(
		attribute.Int64("snapshot.generation", int64(gen)),
		attribute.Int("snapshot.nodes", len(nodes)),
	)
	c.logger.Debug("snapshot built", "generation", gen, "nodes", len(nodes), "duration", duration)
	return e, nil
}

// Stats returns counters since construction.
func (c *Cache) Stats() Stats {
	s := Stats{
		Hits:      c.hits.Load(),
		Builds:    c.builds.Load(),
		Failures:  c.failures.Load(),
		Coalesced: c.coalesced.Load(),
	}
	if e := c.current.Load(); e != nil {
		s.Generation = e.Generation
	}
	return s
}
