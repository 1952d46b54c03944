// Copyright 2025 Joseph Cumines
//
// Single-goroutine UI loop

package provider

import (
	"context"
	"errors"
	"log/slog"
	"runtime/debug"
	"sync"
)

// ErrLoopStopped is returned when work is submitted to a stopped MainLoop.
var ErrLoopStopped = errors.New("main loop stopped")

// MainLoop serializes work onto one goroutine, the way UI toolkits own their
// view hierarchy from a single thread. Everything that touches live elements
// runs through it.
type MainLoop struct {
	work chan func()
	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

// NewMainLoop starts a loop with the given queue depth.
func NewMainLoop(queue int) *MainLoop {
	if queue <= 0 {
		queue = 64
	}
	l := &MainLoop{
		work: make(chan func(), queue),
		done: make(chan struct{}),
	}
	l.wg.Add(1)
	go l.run()
	return l
}

func (l *MainLoop) run() {
	defer l.wg.Done()
	for {
		select {
		case <-l.done:
			return
		case fn := <-l.work:
			l.call(fn)
		}
	}
}

// call runs one work item. A panic is logged and the loop carries on.
func (l *MainLoop) call(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("main loop work panicked", "panic", r, "stack", string(debug.Stack()))
		}
	}()
	fn()
}

// Post enqueues fn without waiting for it to run.
func (l *MainLoop) Post(ctx context.Context, fn func()) error {
	select {
	case <-l.done:
		return ErrLoopStopped
	default:
	}
	select {
	case l.work <- fn:
		return nil
	case <-l.done:
		return ErrLoopStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Do runs fn on the loop and waits for it. If ctx ends first Do returns the
// context error; fn may still run later.
func (l *MainLoop) Do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if err := l.Post(ctx, func() {
		defer close(finished)
		fn()
	}); err != nil {
		return err
	}
	select {
	case <-finished:
		return nil
	case <-l.done:
		return ErrLoopStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop terminates the loop. Queued work that has not started is dropped.
// Safe to call multiple times.
func (l *MainLoop) Stop() {
	l.once.Do(func() { close(l.done) })
	l.wg.Wait()
}
