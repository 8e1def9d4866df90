package luafilter

import (
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/caddyserver/caddy/v2/modules/caddyhttp"
	"go.uber.org/zap"

	"github.com/caddy-lua/request-filter/filter"
	"github.com/caddy-lua/request-filter/scriptlog"
)

func writeTestScript(t *testing.T, dir, name, src string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(src), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func newTestHandler(t *testing.T, scriptPath string) (*Handler, *scriptlog.MemoryStore) {
	t.Helper()
	store := scriptlog.NewMemoryStore()
	h := &Handler{
		logger:       zap.NewNop(),
		adapter:      filter.NewAdapter([]filter.Route{{Match: "**", Path: scriptPath}}, 2, 4),
		logStore:     store,
		MaxBodyBytes: 1 << 20,
	}
	t.Cleanup(func() { h.adapter.Close() })
	return h, store
}

func TestServeHTTP_PassesThroughBodyUnmodified(t *testing.T) {
	dir := t.TempDir()
	script := writeTestScript(t, dir, "log.lua", `
function envoy_on_request(handle)
  local headers = handle:headers()
  handle:log(1, "path=" .. headers:get(":path"))
end
`)
	h, store := newTestHandler(t, script)

	req := httptest.NewRequest(http.MethodPost, "/widgets", strings.NewReader("hello world"))
	req.Header.Set(":path", "/widgets")
	rec := httptest.NewRecorder()

	var downstreamBody []byte
	next := caddyhttp.HandlerFunc(func(w http.ResponseWriter, r *http.Request) error {
		var err error
		downstreamBody, err = io.ReadAll(r.Body)
		if err != nil {
			return err
		}
		w.WriteHeader(http.StatusOK)
		return nil
	})

	if err := h.ServeHTTP(rec, req, next); err != nil {
		t.Fatalf("ServeHTTP: %v", err)
	}
	if string(downstreamBody) != "hello world" {
		t.Fatalf("expected downstream to see the original body, got %q", downstreamBody)
	}

	foundLog := false
	for _, entries := range store.All() {
		for _, e := range entries {
			if e.Message == "path=/widgets" {
				foundLog = true
			}
		}
	}
	if !foundLog {
		t.Fatalf("expected the script's log line to be persisted")
	}
}

func TestServeHTTP_BodyChunksSeeFullBody(t *testing.T) {
	dir := t.TempDir()
	script := writeTestScript(t, dir, "sum.lua", `
function envoy_on_request(handle)
  local total = 0
  for chunk in handle:bodyChunks() do
    total = total + chunk:byteSize()
  end
  handle:log(1, "total=" .. total)
end
`)
	h, store := newTestHandler(t, script)

	body := strings.Repeat("x", 100000)
	req := httptest.NewRequest(http.MethodPost, "/upload", strings.NewReader(body))
	rec := httptest.NewRecorder()

	var downstreamLen int
	next := caddyhttp.HandlerFunc(func(w http.ResponseWriter, r *http.Request) error {
		b, err := io.ReadAll(r.Body)
		if err != nil {
			return err
		}
		downstreamLen = len(b)
		w.WriteHeader(http.StatusOK)
		return nil
	})

	if err := h.ServeHTTP(rec, req, next); err != nil {
		t.Fatalf("ServeHTTP: %v", err)
	}
	if downstreamLen != len(body) {
		t.Fatalf("expected downstream body length %d, got %d", len(body), downstreamLen)
	}

	wantLog := "total=" + intString(len(body))
	found := false
	for _, entries := range store.All() {
		for _, e := range entries {
			if e.Message == wantLog {
				found = true
			}
		}
	}
	if !found {
		t.Fatalf("expected log %q, store had %v", wantLog, store.All())
	}
}

func TestServeHTTP_NoMatchingRouteStillCallsNext(t *testing.T) {
	dir := t.TempDir()
	script := writeTestScript(t, dir, "only-admin.lua", `function envoy_on_request(handle) end`)

	store := scriptlog.NewMemoryStore()
	h := &Handler{
		logger:   zap.NewNop(),
		adapter:  filter.NewAdapter([]filter.Route{{Match: "/admin/**", Path: script}}, 2, 4),
		logStore: store,
	}
	t.Cleanup(func() { h.adapter.Close() })

	req := httptest.NewRequest(http.MethodGet, "/public", nil)
	rec := httptest.NewRecorder()

	called := false
	next := caddyhttp.HandlerFunc(func(w http.ResponseWriter, r *http.Request) error {
		called = true
		w.WriteHeader(http.StatusOK)
		return nil
	})

	if err := h.ServeHTTP(rec, req, next); err != nil {
		t.Fatalf("ServeHTTP: %v", err)
	}
	if !called {
		t.Fatalf("expected next to be called when no route matches")
	}
}

func intString(n int) string {
	if n == 0 {
		return "0"
	}
	digits := []byte{}
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}
