// Copyright 2025 Joseph Cumines
//
// Metrics unit tests

package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNew(t *testing.T) {
	m := New(false)
	if m == nil {
		t.Fatal("New returned nil")
	}
	if m.reg == nil {
		t.Error("registry is nil")
	}
}

func TestRegistry_RecordRequest(t *testing.T) {
	m := New(false)

	m.RecordRequest("find_elements", "ok", 100*time.Millisecond)
	m.RecordRequest("find_elements", "ok", 200*time.Millisecond)
	m.RecordRequest("perform_action", "error", 50*time.Millisecond)

	if got := testutil.ToFloat64(m.requests.WithLabelValues("find_elements", "ok")); got != 2 {
		t.Errorf("find_elements ok = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.requests.WithLabelValues("perform_action", "error")); got != 1 {
		t.Errorf("perform_action error = %v, want 1", got)
	}
	if got := testutil.CollectAndCount(m.requestDuration); got != 2 {
		t.Errorf("duration series = %d, want 2", got)
	}
}

func TestRegistry_SSE(t *testing.T) {
	m := New(false)
	m.RecordSSEEvent()
	m.RecordSSEEvent()
	m.SetSSEConnections(3)

	if got := testutil.ToFloat64(m.sseEvents); got != 2 {
		t.Errorf("sse events = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.sseConnections); got != 3 {
		t.Errorf("sse connections = %v, want 3", got)
	}
}

func TestRegistry_Snapshot(t *testing.T) {
	m := New(false)
	m.CacheHit()
	m.CacheHit()
	m.CacheMiss()
	m.CacheCoalesced()
	m.BuildFinished("ok", time.Millisecond, 42)
	m.BuildFinished("fallback", time.Millisecond, 0)

	if got := testutil.ToFloat64(m.cacheLookups.WithLabelValues("hit")); got != 2 {
		t.Errorf("hits = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.snapshotNodes); got != 42 {
		t.Errorf("nodes = %v, want 42 (fallback builds must not reset it)", got)
	}
	if got := testutil.ToFloat64(m.builds.WithLabelValues("fallback")); got != 1 {
		t.Errorf("fallback builds = %v, want 1", got)
	}
}

func TestRegistry_Actions(t *testing.T) {
	m := New(false)
	m.ActionFinished("tap", "ok", time.Millisecond)
	m.ActionFinished("tap", "StaleHandle", time.Millisecond)
	m.LateCompletion("tap")

	if got := testutil.ToFloat64(m.actions.WithLabelValues("tap", "StaleHandle")); got != 1 {
		t.Errorf("stale taps = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.lateCompletions.WithLabelValues("tap")); got != 1 {
		t.Errorf("late completions = %v, want 1", got)
	}
}

func TestRegistry_NilSafe(t *testing.T) {
	var m *Registry
	m.RecordRequest("x", "ok", time.Second)
	m.RecordSSEEvent()
	m.SetSSEConnections(1)
	m.RecordRateLimited()
	m.CacheHit()
	m.CacheMiss()
	m.CacheCoalesced()
	m.BuildFinished("ok", time.Second, 1)
	m.ActionFinished("tap", "ok", time.Second)
	m.LateCompletion("tap")
	if m.Gatherer() == nil {
		t.Error("nil registry must still return a gatherer")
	}
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	m := New(false)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.RecordRequest("build_tree", "ok", time.Millisecond)
			m.CacheHit()
		}()
	}
	wg.Wait()
	if got := testutil.ToFloat64(m.requests.WithLabelValues("build_tree", "ok")); got != 50 {
		t.Errorf("requests = %v, want 50", got)
	}
}

func TestRegistry_Handler(t *testing.T) {
	m := New(false)
	m.RecordRequest("get_element_metadata", "ok", time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), `uiinspector_requests_total{status="ok",tool="get_element_metadata"} 1`) {
		t.Errorf("exposition missing request counter:\n%s", body)
	}
}

func TestDefault(t *testing.T) {
	if Default() == nil || Default() != Default() {
		t.Error("Default() must return a stable registry")
	}
}
