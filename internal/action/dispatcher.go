// Copyright 2025 Joseph Cumines
//
// Action dispatcher state machine

package action

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/joeycumines/uiinspector/internal/node"
	"github.com/joeycumines/uiinspector/internal/provider"
	"github.com/joeycumines/uiinspector/internal/snapshot"
	"github.com/joeycumines/uiinspector/internal/uierror"
)

// DefaultTimeout bounds the wait for live resolution and execution.
const DefaultTimeout = 5 * time.Second

var tracer = otel.Tracer("github.com/joeycumines/uiinspector/internal/action")

// Snapshots is the view of the snapshot cache the dispatcher needs;
// *snapshot.Cache implements it.
type Snapshots interface {
	Current() *snapshot.Entry
	Get(ctx context.Context, forceRefresh bool) (*snapshot.Entry, error)
	Invalidate()
}

// Observer receives dispatch events; *metrics.Registry implements it.
type Observer interface {
	ActionFinished(action, outcome string, duration time.Duration)
	LateCompletion(action string)
}

type nopObserver struct{}

func (nopObserver) ActionFinished(string, string, time.Duration) {}
func (nopObserver) LateCompletion(string)                        {}

// Options configures a Dispatcher.
type Options struct {
	Observer Observer
	Logger   *slog.Logger
	Timeout  time.Duration
}

// Dispatcher performs actions. It is safe for concurrent use; actions are not
// serialized against each other or against snapshot rebuilds.
type Dispatcher struct {
	snapshots Snapshots
	resolver  provider.Resolver
	executor  provider.Executor
	observer  Observer
	logger    *slog.Logger
	timeout   time.Duration
	late      atomic.Uint64
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(snapshots Snapshots, resolver provider.Resolver, executor provider.Executor, opts Options) *Dispatcher {
	d := &Dispatcher{
		snapshots: snapshots,
		resolver:  resolver,
		executor:  executor,
		observer:  opts.Observer,
		logger:    opts.Logger,
		timeout:   opts.Timeout,
	}
	if d.observer == nil {
		d.observer = nopObserver{}
	}
	if d.logger == nil {
		d.logger = slog.Default()
	}
	if d.timeout <= 0 {
		d.timeout = DefaultTimeout
	}
	return d
}

// Timeout returns the configured execution timeout.
func (d *Dispatcher) Timeout() time.Duration { return d.timeout }

// LateCompletions returns how many executor completions arrived after their
// request had already failed.
func (d *Dispatcher) LateCompletions() uint64 { return d.late.Load() }

// Perform runs req to completion and returns its result. It never panics and
// never returns a Go error: failures are reported in the Result.
func (d *Dispatcher) Perform(ctx context.Context, req Request) Result {
	start := time.Now()
	ctx, span := tracer.Start(ctx, "action.perform", trace.WithAttributes(
		attribute.String("action.kind", string(req.Kind)),
		attribute.String("action.target", req.TargetPath),
	))
	defer span.End()

	res := d.perform(ctx, req)
	elapsed := time.Since(start)

	d.observer.ActionFinished(string(req.Kind), res.Outcome(), elapsed)
	if res.OK {
		d.logger.Info("action completed", "kind", req.Kind, "path", req.TargetPath, "duration", elapsed)
	} else {
		span.SetStatus(codes.Error, res.Error.Message)
		span.SetAttributes(
			attribute.String("action.error_kind", string(res.Error.Kind)),
			attribute.String("action.stage", string(res.Error.Stage)),
		)
		d.logger.Warn("action failed",
			"kind", req.Kind,
			"path", req.TargetPath,
			"error_kind", res.Error.Kind,
			"stage", res.Error.Stage,
			"error", res.Error.Message)
	}
	return res
}

func (d *Dispatcher) perform(ctx context.Context, req Request) Result {
	// Received
	kind, ok := ParseKind(string(req.Kind))
	if !ok {
		return failed(StageReceived, uierror.InvalidParameters, "unknown action kind %q", req.Kind)
	}
	entry := d.snapshots.Current()
	if entry == nil {
		var err error
		if entry, err = d.snapshots.Get(ctx, false); err != nil {
			return failed(StageReceived, uierror.KindOf(err), "%v", err)
		}
	}
	target, err := node.FindByPath(entry.Root, req.TargetPath)
	if err != nil {
		return failed(StageReceived, uierror.ElementNotFound,
			"no element at path %q in snapshot generation %d", req.TargetPath, entry.Generation)
	}

	// PathResolved
	liveCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	handle, err := d.resolver.ResolveLive(liveCtx, target.Path)
	if err != nil {
		if kind, ok := d.contextKind(ctx, liveCtx); ok {
			return failed(StagePathResolved, kind, "resolving live element: %v", err)
		}
		return failed(StagePathResolved, uierror.StaleHandle,
			"element at path %q no longer exists: %v", target.Path, err)
	}
	params, err := ValidateParameters(kind, req.Parameters)
	if err != nil {
		return failed(StagePathResolved, uierror.InvalidParameters, "%s: %v", kind, err)
	}

	// Executed
	outcome, err := d.execute(ctx, liveCtx, provider.Execution{
		Action:     string(kind),
		Handle:     handle,
		Parameters: params,
	})
	if err != nil {
		var ue *uierror.Error
		if errors.As(err, &ue) {
			return failed(StageExecuted, ue.Kind, "%v", ue.Err)
		}
		return failed(StageExecuted, uierror.Internal, "%v", err)
	}
	if outcome.Err != nil {
		if errors.Is(outcome.Err, provider.ErrGone) || errors.Is(outcome.Err, uierror.ErrStaleHandle) {
			return failed(StageExecuted, uierror.StaleHandle, "%v", outcome.Err)
		}
		return failed(StageExecuted, uierror.ActionExecutionFailed, "%v", outcome.Err)
	}

	// the live tree may have changed
	d.snapshots.Invalidate()
	return completed(outcome.Data)
}

// execute hands exec to the executor and waits for its completion, the
// timeout, or caller cancellation, whichever comes first. Once the wait ends
// any further completion is discarded.
func (d *Dispatcher) execute(ctx, liveCtx context.Context, exec provider.Execution) (provider.Outcome, error) {
	var (
		mu      sync.Mutex
		waiting = true
		done    = make(chan provider.Outcome, 1)
	)
	complete := func(o provider.Outcome) {
		mu.Lock()
		defer mu.Unlock()
		if !waiting {
			d.late.Add(1)
			d.observer.LateCompletion(exec.Action)
			d.logger.Debug("discarding late action completion", "kind", exec.Action, "path", exec.Handle.Path)
			return
		}
		select {
		case done <- o:
		default:
			// duplicate completion
		}
	}

	go func() {
		defer func() {
			if r := recover(); r != nil {
				complete(provider.Outcome{Err: fmt.Errorf("executor panic: %v", r)})
			}
		}()
		d.executor.Execute(liveCtx, exec, complete)
	}()

	select {
	case o := <-done:
		return o, nil
	case <-liveCtx.Done():
	}

	mu.Lock()
	waiting = false
	mu.Unlock()

	// a completion that raced the deadline still wins
	select {
	case o := <-done:
		return o, nil
	default:
	}
	kind, _ := d.contextKind(ctx, liveCtx)
	return provider.Outcome{}, uierror.Wrap(kind, "perform action",
		fmt.Errorf("%s did not complete within %s: %w", exec.Action, d.timeout, liveCtx.Err()))
}

// contextKind classifies the end of liveCtx: caller cancellation or timeout.
func (d *Dispatcher) contextKind(ctx, liveCtx context.Context) (uierror.Kind, bool) {
	if liveCtx.Err() == nil {
		return "", false
	}
	if errors.Is(ctx.Err(), context.Canceled) {
		return uierror.Cancelled, true
	}
	return uierror.ActionTimeout, true
}
