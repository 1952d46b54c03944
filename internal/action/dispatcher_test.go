// Copyright 2025 Joseph Cumines
//
// Action dispatcher unit tests

package action

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/joeycumines/uiinspector/internal/node"
	"github.com/joeycumines/uiinspector/internal/provider"
	"github.com/joeycumines/uiinspector/internal/snapshot"
	"github.com/joeycumines/uiinspector/internal/uierror"
)

// ============================================================================
// Fakes
// ============================================================================

type fakeSnapshots struct {
	getFn       func(ctx context.Context, force bool) (*snapshot.Entry, error)
	entry       *snapshot.Entry
	invalidated atomic.Int32
}

func (f *fakeSnapshots) Current() *snapshot.Entry { return f.entry }

func (f *fakeSnapshots) Get(ctx context.Context, force bool) (*snapshot.Entry, error) {
	if f.getFn != nil {
		return f.getFn(ctx, force)
	}
	return f.entry, nil
}

func (f *fakeSnapshots) Invalidate() { f.invalidated.Add(1) }

type fakeResolver struct {
	resolveFn func(ctx context.Context, path string) (provider.LiveHandle, error)
}

func (f *fakeResolver) ResolveLive(ctx context.Context, path string) (provider.LiveHandle, error) {
	if f.resolveFn != nil {
		return f.resolveFn(ctx, path)
	}
	return provider.LiveHandle{ID: "live-" + path, Path: path}, nil
}

type fakeExecutor struct {
	executeFn func(ctx context.Context, exec provider.Execution, complete func(provider.Outcome))
	mu        sync.Mutex
	calls     []provider.Execution
}

func (f *fakeExecutor) Execute(ctx context.Context, exec provider.Execution, complete func(provider.Outcome)) {
	f.mu.Lock()
	f.calls = append(f.calls, exec)
	f.mu.Unlock()
	if f.executeFn != nil {
		f.executeFn(ctx, exec, complete)
		return
	}
	complete(provider.Outcome{Data: map[string]any{"action": exec.Action}})
}

func (f *fakeExecutor) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeObserver struct {
	mu       sync.Mutex
	outcomes []string
	late     int
}

func (f *fakeObserver) ActionFinished(action, outcome string, _ time.Duration) {
	f.mu.Lock()
	f.outcomes = append(f.outcomes, action+":"+outcome)
	f.mu.Unlock()
}

func (f *fakeObserver) LateCompletion(string) {
	f.mu.Lock()
	f.late++
	f.mu.Unlock()
}

// scenarioEntry builds root -> [Button testID=submit, Text "Hello World"] via
// a real cache so paths and generation are assigned.
func scenarioEntry(t *testing.T) *snapshot.Entry {
	t.Helper()
	c := snapshot.New(provider.TreeBuilderFunc(func(ctx context.Context) (*node.Node, error) {
		return &node.Node{Kind: "Root", Children: []*node.Node{
			{Kind: "Button", Properties: node.Properties{"testID": node.String("submit")}},
			{Kind: "Text", Properties: node.Properties{"text": node.String("Hello World")}},
		}}, nil
	}), snapshot.Options{})
	e, err := c.Get(context.Background(), false)
	if err != nil {
		t.Fatalf("building scenario snapshot: %v", err)
	}
	return e
}

type harness struct {
	snaps    *fakeSnapshots
	resolver *fakeResolver
	executor *fakeExecutor
	observer *fakeObserver
	d        *Dispatcher
}

func newHarness(t *testing.T, timeout time.Duration) *harness {
	h := &harness{
		snaps:    &fakeSnapshots{entry: scenarioEntry(t)},
		resolver: &fakeResolver{},
		executor: &fakeExecutor{},
		observer: &fakeObserver{},
	}
	h.d = NewDispatcher(h.snaps, h.resolver, h.executor, Options{Observer: h.observer, Timeout: timeout})
	return h
}

func assertFailure(t *testing.T, res Result, kind uierror.Kind, stage Stage) {
	t.Helper()
	if res.OK {
		t.Fatalf("result OK, want %s failure", kind)
	}
	if res.Stage != StageFailed {
		t.Errorf("stage = %s, want Failed", res.Stage)
	}
	if res.Error == nil || res.Error.Kind != kind {
		t.Fatalf("error = %+v, want kind %s", res.Error, kind)
	}
	if res.Error.Stage != stage {
		t.Errorf("error stage = %s, want %s", res.Error.Stage, stage)
	}
}

// ============================================================================
// Happy path
// ============================================================================

func TestPerform_TapCompletes(t *testing.T) {
	h := newHarness(t, time.Second)

	res := h.d.Perform(context.Background(), Request{Kind: Tap, TargetPath: "0"})
	if !res.OK || res.Stage != StageCompleted || res.Error != nil {
		t.Fatalf("result = %+v", res)
	}
	if res.Data["action"] != "tap" {
		t.Errorf("data = %v", res.Data)
	}
	if h.snaps.invalidated.Load() != 1 {
		t.Error("successful action did not invalidate the snapshot")
	}
	if h.executor.calls[0].Handle.ID != "live-0" {
		t.Errorf("handle = %+v", h.executor.calls[0].Handle)
	}
	if h.observer.outcomes[0] != "tap:ok" {
		t.Errorf("observer outcomes = %v", h.observer.outcomes)
	}
}

func TestPerform_SetTextNormalizesParameters(t *testing.T) {
	h := newHarness(t, time.Second)

	res := h.d.Perform(context.Background(), Request{
		Kind:       SetText,
		TargetPath: "1",
		Parameters: map[string]any{"text": "hello", "extra": 1},
	})
	if !res.OK {
		t.Fatalf("result = %+v", res)
	}
	params := h.executor.calls[0].Parameters
	if params["text"] != "hello" || len(params) != 1 {
		t.Errorf("executor parameters = %v", params)
	}
}

func TestPerform_AsyncCompletion(t *testing.T) {
	h := newHarness(t, time.Second)
	h.executor.executeFn = func(ctx context.Context, exec provider.Execution, complete func(provider.Outcome)) {
		go func() {
			time.Sleep(10 * time.Millisecond)
			complete(provider.Outcome{Data: map[string]any{"text": "x"}})
		}()
	}
	if res := h.d.Perform(context.Background(), Request{Kind: ClearText, TargetPath: "1"}); !res.OK {
		t.Fatalf("result = %+v", res)
	}
}

func TestPerform_BuildsSnapshotWhenNoneCached(t *testing.T) {
	h := newHarness(t, time.Second)
	entry := h.snaps.entry
	h.snaps.entry = nil
	var forced atomic.Bool
	h.snaps.getFn = func(ctx context.Context, force bool) (*snapshot.Entry, error) {
		forced.Store(force)
		return entry, nil
	}
	if res := h.d.Perform(context.Background(), Request{Kind: Tap, TargetPath: "0"}); !res.OK {
		t.Fatalf("result = %+v", res)
	}
	if forced.Load() {
		t.Error("dispatcher forced a rebuild")
	}
}

// ============================================================================
// Failures by stage
// ============================================================================

func TestPerform_UnknownKind(t *testing.T) {
	h := newHarness(t, time.Second)
	res := h.d.Perform(context.Background(), Request{Kind: "swipe", TargetPath: "0"})
	assertFailure(t, res, uierror.InvalidParameters, StageReceived)
	if h.executor.callCount() != 0 {
		t.Error("executor invoked for unknown kind")
	}
}

func TestPerform_ElementNotFound(t *testing.T) {
	h := newHarness(t, time.Second)
	var resolved atomic.Bool
	h.resolver.resolveFn = func(ctx context.Context, path string) (provider.LiveHandle, error) {
		resolved.Store(true)
		return provider.LiveHandle{}, nil
	}
	for _, path := range []string{"5", "0.0", "x"} {
		res := h.d.Perform(context.Background(), Request{Kind: Tap, TargetPath: path})
		assertFailure(t, res, uierror.ElementNotFound, StageReceived)
	}
	if resolved.Load() {
		t.Error("live resolution attempted for a path missing from the snapshot")
	}
}

func TestPerform_StaleHandle(t *testing.T) {
	h := newHarness(t, time.Second)
	h.resolver.resolveFn = func(ctx context.Context, path string) (provider.LiveHandle, error) {
		return provider.LiveHandle{}, provider.ErrGone
	}
	res := h.d.Perform(context.Background(), Request{Kind: Tap, TargetPath: "1"})
	assertFailure(t, res, uierror.StaleHandle, StagePathResolved)
	if h.executor.callCount() != 0 {
		t.Error("executor invoked for stale handle")
	}
}

func TestPerform_StaleAtExecution(t *testing.T) {
	h := newHarness(t, time.Second)
	h.executor.executeFn = func(ctx context.Context, exec provider.Execution, complete func(provider.Outcome)) {
		complete(provider.Outcome{Err: provider.ErrGone})
	}
	res := h.d.Perform(context.Background(), Request{Kind: Tap, TargetPath: "0"})
	assertFailure(t, res, uierror.StaleHandle, StageExecuted)
}

func TestPerform_InvalidParameters(t *testing.T) {
	tests := []struct {
		name   string
		kind   Kind
		params map[string]any
		msg    string
	}{
		{"setText missing text", SetText, nil, "text is required"},
		{"setText wrong type", SetText, map[string]any{"text": 5}, "text must be string"},
		{"longPress zero", LongPress, map[string]any{"durationMs": 0}, "greater than"},
		{"longPress too long", LongPress, map[string]any{"durationMs": 120000}, "at most"},
		{"scroll animated wrong type", ScrollToVisible, map[string]any{"animated": "yes"}, "animated must be bool"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, time.Second)
			res := h.d.Perform(context.Background(), Request{Kind: tt.kind, TargetPath: "1", Parameters: tt.params})
			assertFailure(t, res, uierror.InvalidParameters, StagePathResolved)
			if !strings.Contains(res.Error.Message, tt.msg) {
				t.Errorf("message = %q, want containing %q", res.Error.Message, tt.msg)
			}
			if h.executor.callCount() != 0 {
				t.Error("executor invoked with invalid parameters")
			}
		})
	}
}

func TestValidateParameters_Accepts(t *testing.T) {
	tests := []struct {
		kind   Kind
		params map[string]any
		want   map[string]any
	}{
		{SetText, map[string]any{"text": ""}, map[string]any{"text": ""}},
		{LongPress, nil, map[string]any{}},
		{LongPress, map[string]any{"durationMs": 800}, map[string]any{"durationMs": 800.0}},
		{ScrollToVisible, map[string]any{"animated": false}, map[string]any{"animated": false}},
		{Tap, map[string]any{"ignored": true}, map[string]any{}},
		{ClearText, nil, map[string]any{}},
	}
	for _, tt := range tests {
		got, err := ValidateParameters(tt.kind, tt.params)
		if err != nil {
			t.Errorf("%s %v: error = %v", tt.kind, tt.params, err)
			continue
		}
		if len(got) != len(tt.want) {
			t.Errorf("%s: got %v, want %v", tt.kind, got, tt.want)
			continue
		}
		for k, v := range tt.want {
			if got[k] != v {
				t.Errorf("%s: %s = %v, want %v", tt.kind, k, got[k], v)
			}
		}
	}
}

func TestPerform_ExecutionFailed(t *testing.T) {
	h := newHarness(t, time.Second)
	h.executor.executeFn = func(ctx context.Context, exec provider.Execution, complete func(provider.Outcome)) {
		complete(provider.Outcome{Err: errors.New("element is disabled")})
	}
	res := h.d.Perform(context.Background(), Request{Kind: Tap, TargetPath: "0"})
	assertFailure(t, res, uierror.ActionExecutionFailed, StageExecuted)
	if h.snaps.invalidated.Load() != 0 {
		t.Error("failed action invalidated the snapshot")
	}
}

func TestPerform_ExecutorPanicIsContained(t *testing.T) {
	h := newHarness(t, time.Second)
	h.executor.executeFn = func(ctx context.Context, exec provider.Execution, complete func(provider.Outcome)) {
		panic("boom")
	}
	res := h.d.Perform(context.Background(), Request{Kind: Tap, TargetPath: "0"})
	assertFailure(t, res, uierror.ActionExecutionFailed, StageExecuted)
}

// ============================================================================
// Timeouts and late completions
// ============================================================================

func TestPerform_TimeoutDiscardsLateCompletion(t *testing.T) {
	h := newHarness(t, 20*time.Millisecond)
	completeCh := make(chan func(provider.Outcome), 1)
	h.executor.executeFn = func(ctx context.Context, exec provider.Execution, complete func(provider.Outcome)) {
		completeCh <- complete
	}

	res := h.d.Perform(context.Background(), Request{Kind: Tap, TargetPath: "0"})
	assertFailure(t, res, uierror.ActionTimeout, StageExecuted)

	complete := <-completeCh
	complete(provider.Outcome{Data: map[string]any{"late": true}})
	complete(provider.Outcome{})

	if got := h.d.LateCompletions(); got != 2 {
		t.Errorf("late completions = %d, want 2", got)
	}
	if h.observer.late != 2 {
		t.Errorf("observer late = %d, want 2", h.observer.late)
	}
	if h.snaps.invalidated.Load() != 0 {
		t.Error("late completion invalidated the snapshot")
	}
}

func TestPerform_ResolveTimeout(t *testing.T) {
	h := newHarness(t, 20*time.Millisecond)
	h.resolver.resolveFn = func(ctx context.Context, path string) (provider.LiveHandle, error) {
		<-ctx.Done()
		return provider.LiveHandle{}, ctx.Err()
	}
	res := h.d.Perform(context.Background(), Request{Kind: Tap, TargetPath: "0"})
	assertFailure(t, res, uierror.ActionTimeout, StagePathResolved)
}

func TestPerform_CallerCancellation(t *testing.T) {
	h := newHarness(t, time.Minute)
	h.executor.executeFn = func(ctx context.Context, exec provider.Execution, complete func(provider.Outcome)) {}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	res := h.d.Perform(ctx, Request{Kind: Tap, TargetPath: "0"})
	assertFailure(t, res, uierror.Cancelled, StageExecuted)
}

func TestPerform_DuplicateCompletionIgnored(t *testing.T) {
	h := newHarness(t, time.Second)
	h.executor.executeFn = func(ctx context.Context, exec provider.Execution, complete func(provider.Outcome)) {
		complete(provider.Outcome{Data: map[string]any{"n": 1}})
		complete(provider.Outcome{Err: errors.New("second")})
	}
	res := h.d.Perform(context.Background(), Request{Kind: Tap, TargetPath: "0"})
	if !res.OK || res.Data["n"] != 1 {
		t.Errorf("result = %+v, want first completion", res)
	}
}

func TestPerform_ConcurrentRequests(t *testing.T) {
	h := newHarness(t, time.Second)
	var wg sync.WaitGroup
	var failures atomic.Int32
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if res := h.d.Perform(context.Background(), Request{Kind: Tap, TargetPath: "0"}); !res.OK {
				failures.Add(1)
			}
		}()
	}
	wg.Wait()
	if failures.Load() != 0 {
		t.Errorf("failures = %d", failures.Load())
	}
	if h.executor.callCount() != 20 {
		t.Errorf("executions = %d, want 20", h.executor.callCount())
	}
}

func TestResult_Err(t *testing.T) {
	if (Result{OK: true}).Err("0") != nil {
		t.Error("ok result produced an error")
	}
	err := failed(StagePathResolved, uierror.StaleHandle, "gone").Err("0.1")
	if !errors.Is(err, uierror.ErrStaleHandle) {
		t.Errorf("Err = %v, want StaleHandle", err)
	}
}
