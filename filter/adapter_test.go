package filter

import (
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func writeAdapterScript(t *testing.T, dir, name, src string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(src), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestRouteGlobMatch(t *testing.T) {
	cases := []struct {
		pattern, path string
		want          bool
	}{
		{"**", "/anything/at/all", true},
		{"**", "/", true},
		{"/api/*", "/api/widgets", true},
		{"/api/*", "/api/widgets/extra", false},
		{"/api/**", "/api/widgets/extra", true},
		{"/api/**", "/api", true},
		{"/admin/*/edit", "/admin/42/edit", true},
		{"/admin/*/edit", "/admin/42/view", false},
	}
	for _, c := range cases {
		if got := routeGlobMatch(c.pattern, c.path); got != c.want {
			t.Errorf("routeGlobMatch(%q, %q) = %v, want %v", c.pattern, c.path, got, c.want)
		}
	}
}

func TestAdapter_BeginReleaseRoundTrip(t *testing.T) {
	dir := t.TempDir()
	script := writeAdapterScript(t, dir, "echo.lua", `
function envoy_on_request(handle)
  local headers = handle:headers()
  handle:log(1, "saw " .. (headers:get(":path") or "?"))
end
`)
	a := NewAdapter([]Route{{Match: "**", Path: script}}, 2, 4)
	defer a.Close()

	headers := fakeHeaderMap{":path": "/widgets"}
	cb := &fakeCallbacks{}

	session, err := a.Begin("/widgets", headers, true, cb)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	session.Release()
	// A second Release must be a no-op, not a double-free.
	session.Release()
}

func TestAdapter_NoMatchingRoute(t *testing.T) {
	dir := t.TempDir()
	script := writeAdapterScript(t, dir, "admin.lua", `function envoy_on_request(handle) end`)
	a := NewAdapter([]Route{{Match: "/admin/**", Path: script}}, 2, 4)
	defer a.Close()

	_, err := a.Begin("/public", fakeHeaderMap{}, true, &fakeCallbacks{})
	if err != ErrNoMatchingRoute {
		t.Fatalf("expected ErrNoMatchingRoute, got %v", err)
	}
}

// TestAdapter_WorkerPoolBoundsConcurrency checks that Begin blocks once the
// ticket channel is exhausted, and unblocks as soon as a held session is
// Released, rather than letting more coroutines run than the pool allows.
func TestAdapter_WorkerPoolBoundsConcurrency(t *testing.T) {
	dir := t.TempDir()
	script := writeAdapterScript(t, dir, "slow.lua", `function envoy_on_request(handle) end`)
	a := NewAdapter([]Route{{Match: "**", Path: script}}, 1, 2)
	defer a.Close()

	first, err := a.Begin("/x", fakeHeaderMap{}, true, &fakeCallbacks{})
	if err != nil {
		t.Fatalf("Begin (first): %v", err)
	}

	var gotSecond atomic.Bool
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		second, err := a.Begin("/x", fakeHeaderMap{}, true, &fakeCallbacks{})
		if err != nil {
			t.Errorf("Begin (second): %v", err)
			return
		}
		gotSecond.Store(true)
		second.Release()
	}()

	time.Sleep(20 * time.Millisecond)
	if gotSecond.Load() {
		t.Fatalf("second Begin should still be blocked on the single-worker pool")
	}

	first.Release()
	wg.Wait()
	if !gotSecond.Load() {
		t.Fatalf("second Begin should have proceeded once the first was released")
	}
}

func TestAdapter_InvalidateForcesRecompile(t *testing.T) {
	dir := t.TempDir()
	script := writeAdapterScript(t, dir, "v.lua", `function envoy_on_request(handle) handle:log(1, "v1") end`)
	a := NewAdapter([]Route{{Match: "**", Path: script}}, 2, 4)
	defer a.Close()

	s1, err := a.Begin("/x", fakeHeaderMap{}, true, &fakeCallbacks{})
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	s1.Release()

	future := time.Now().Add(time.Hour)
	if err := os.WriteFile(script, []byte(`function envoy_on_request(handle) handle:log(1, "v2") end`), 0o644); err != nil {
		t.Fatalf("rewrite script: %v", err)
	}
	if err := os.Chtimes(script, future, future); err != nil {
		t.Fatalf("Chtimes: %v", err)
	}
	a.Invalidate(script)

	cb := &fakeCallbacks{}
	s2, err := a.Begin("/x", fakeHeaderMap{}, true, cb)
	if err != nil {
		t.Fatalf("Begin after invalidate: %v", err)
	}
	s2.Release()

	if len(cb.logs) != 1 || cb.logs[0] != "v2" {
		t.Fatalf("expected the recompiled script to log v2, got %v", cb.logs)
	}
}
