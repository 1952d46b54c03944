// Copyright 2025 Joseph Cumines
//
// Fixture ViewProvider implementation

package fixture

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/joeycumines/uiinspector/internal/node"
	"github.com/joeycumines/uiinspector/internal/provider"
)

// DefaultLongPress is the press duration used when none is given.
const DefaultLongPress = 500 * time.Millisecond

// Options configures a Provider.
type Options struct {
	Logger *slog.Logger
	// QueueSize is the UI loop queue depth.
	QueueSize int
}

// Provider serves a fixture tree. Every access to the tree happens on its
// UI loop.
type Provider struct {
	loop    *provider.MainLoop
	logger  *slog.Logger
	root    *Element
	file    string
	watcher *watcher
	reloads atomic.Uint64
}

var (
	_ provider.ViewProvider  = (*Provider)(nil)
	_ provider.SubtreeSource = (*Provider)(nil)
)

// New creates a provider owning root. A nil root behaves like an application
// that has not mounted its root view yet.
func New(root *Element, opts Options) *Provider {
	p := &Provider{
		loop:   provider.NewMainLoop(opts.QueueSize),
		logger: opts.Logger,
		root:   root,
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	return p
}

// Open loads path and creates a provider for it.
func Open(path string, opts Options) (*Provider, error) {
	root, err := Load(path)
	if err != nil {
		return nil, err
	}
	p := New(root, opts)
	p.file = path
	return p, nil
}

// Close stops file watching and the UI loop.
func (p *Provider) Close() error {
	if p.watcher != nil {
		p.watcher.stop()
	}
	p.loop.Stop()
	return nil
}

// Reloads returns how many times the tree was replaced from disk.
func (p *Provider) Reloads() uint64 { return p.reloads.Load() }

// Replace swaps the live tree. Handles into the old tree become stale.
func (p *Provider) Replace(ctx context.Context, root *Element) error {
	if root != nil {
		if err := prepare(root, ""); err != nil {
			return err
		}
	}
	return p.loop.Do(ctx, func() { p.root = root })
}

// Mutate runs fn on the UI loop with the live root. fn may restructure the
// tree; elements it adds are given identities afterwards.
func (p *Provider) Mutate(ctx context.Context, fn func(root *Element) *Element) error {
	var err error
	if doErr := p.loop.Do(ctx, func() {
		root := fn(p.root)
		if root != nil {
			err = assignMissingIDs(root, "")
		}
		p.root = root
	}); doErr != nil {
		return doErr
	}
	return err
}

func assignMissingIDs(e *Element, path string) error {
	if e.id == "" {
		fresh := *e
		fresh.Children = nil
		if err := prepare(&fresh, path); err != nil {
			return err
		}
		e.id = fresh.id
	}
	for i, c := range e.Children {
		if c == nil {
			return fmt.Errorf("element %q has a nil child", path)
		}
		if err := assignMissingIDs(c, node.ChildPath(path, i)); err != nil {
			return err
		}
	}
	return nil
}

// BuildTree implements provider.TreeBuilder. The whole tree is copied in one
// loop turn, so the result is never partial.
func (p *Provider) BuildTree(ctx context.Context) (*node.Node, error) {
	var root *node.Node
	if err := p.loop.Do(ctx, func() {
		if p.root != nil {
			root = toNode(p.root)
		}
	}); err != nil {
		return nil, err
	}
	if root == nil {
		return nil, provider.ErrNoRootView
	}
	return root, nil
}

// Describe implements provider.SubtreeSource.
func (p *Provider) Describe(ctx context.Context, path string) (provider.Element, error) {
	var (
		out   provider.Element
		err   error
		found bool
	)
	if doErr := p.loop.Do(ctx, func() {
		if p.root == nil {
			err = provider.ErrNoRootView
			return
		}
		e := at(p.root, path)
		if e == nil {
			return
		}
		found = true
		out.Kind = e.Kind
		out.ChildCount = len(e.Children)
		out.Properties, err = node.PropertiesFrom(e.Properties)
	}); doErr != nil {
		return provider.Element{}, doErr
	}
	if err != nil {
		return provider.Element{}, err
	}
	if !found {
		return provider.Element{}, fmt.Errorf("%w: %q", provider.ErrGone, path)
	}
	return out, nil
}

// ResolveLive implements provider.Resolver.
func (p *Provider) ResolveLive(ctx context.Context, path string) (provider.LiveHandle, error) {
	var h provider.LiveHandle
	if err := p.loop.Do(ctx, func() {
		if e := at(p.root, path); e != nil {
			h = provider.LiveHandle{ID: e.id, Path: path}
		}
	}); err != nil {
		return provider.LiveHandle{}, err
	}
	if h.ID == "" {
		return provider.LiveHandle{}, fmt.Errorf("%w: %q", provider.ErrGone, path)
	}
	return h, nil
}

// Execute implements provider.Executor. The action runs on the UI loop and
// completes there, or after the element's configured delay.
func (p *Provider) Execute(ctx context.Context, exec provider.Execution, complete func(provider.Outcome)) {
	err := p.loop.Post(ctx, func() {
		e, path := byID(p.root, exec.Handle.ID)
		if e == nil {
			complete(provider.Outcome{Err: fmt.Errorf("%w: handle %s", provider.ErrGone, exec.Handle.ID)})
			return
		}
		switch {
		case e.Behavior.Hang:
			p.logger.Debug("fixture action hangs", "kind", exec.Action, "path", path)
			return
		case e.Behavior.Delay > 0:
			time.AfterFunc(e.Behavior.Delay, func() {
				if err := p.loop.Post(context.Background(), func() {
					// the tree may have been replaced while waiting
					if e, _ := byID(p.root, exec.Handle.ID); e != nil {
						complete(p.apply(e, exec))
						return
					}
					complete(provider.Outcome{Err: fmt.Errorf("%w: handle %s", provider.ErrGone, exec.Handle.ID)})
				}); err != nil {
					complete(provider.Outcome{Err: err})
				}
			})
			return
		}
		complete(p.apply(e, exec))
	})
	if err != nil {
		complete(provider.Outcome{Err: err})
	}
}

// apply mutates e for one action. It runs on the UI loop.
func (p *Provider) apply(e *Element, exec provider.Execution) provider.Outcome {
	if e.Behavior.Fail != "" {
		return provider.Outcome{Err: fmt.Errorf("%s", e.Behavior.Fail)}
	}
	if e.disabled() {
		return provider.Outcome{Err: errDisabled}
	}
	switch exec.Action {
	case "tap":
		n := e.counter("tapCount") + 1
		e.set("tapCount", n)
		return provider.Outcome{Data: map[string]any{"tapped": true, "tapCount": n}}

	case "longPress":
		d := DefaultLongPress
		if ms, ok := node.ToFloat(exec.Parameters["durationMs"]); ok {
			d = time.Duration(ms * float64(time.Millisecond))
		}
		n := e.counter("longPressCount") + 1
		e.set("longPressCount", n)
		return provider.Outcome{Data: map[string]any{"durationMs": d.Milliseconds(), "longPressCount": n}}

	case "setText", "clearText":
		if !e.editable() {
			return provider.Outcome{Err: fmt.Errorf("%s is not editable", e.Kind)}
		}
		text, _ := exec.Parameters["text"].(string)
		if exec.Action == "clearText" {
			text = ""
		}
		if maxLen, ok := node.ToFloat(e.Properties["maxLength"]); ok {
			text = truncate(text, maxLen)
		}
		e.set("text", text)
		return provider.Outcome{Data: map[string]any{"text": text}}

	case "scrollToVisible":
		e.set("visible", true)
		return provider.Outcome{Data: map[string]any{"visible": true}}
	}
	return provider.Outcome{Err: fmt.Errorf("unsupported action %q", exec.Action)}
}

// truncate limits s to maxLen runes. Negative limits clamp to zero.
func truncate(s string, maxLen float64) string {
	r := []rune(s)
	if !(maxLen < float64(len(r))) {
		return s
	}
	return string(r[:int(max(maxLen, 0))])
}
