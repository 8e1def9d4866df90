package filter

import (
	"strings"

	lua "github.com/yuin/gopher-lua"
)

// Route binds a path glob (matched the same way alert.Manager matches
// opt-in routes, see alert/glob.go) to a script on disk.
type Route struct {
	Match string
	Path  string
}

// Adapter owns every compiled script this filter instance can route to and
// bounds how many coroutines may be executing at once. It is the thing a
// Caddy module's Provision constructs and a request handler's ServeHTTP
// borrows from; it has no knowledge of net/http itself (the HTTP decoder is
// a separate collaborator, see handler.go), only of decode events and the
// wrapper/coroutine machinery in this package.
type Adapter struct {
	routes  []Route
	cache   *scriptCache
	tickets chan struct{}
}

// NewAdapter builds an adapter. workerPoolSize bounds the number of
// coroutines that may be in flight across every route at once;
// scriptCacheSize bounds how many distinct compiled scripts stay resident
// when routes fan out across a glob.
func NewAdapter(routes []Route, workerPoolSize, scriptCacheSize int) *Adapter {
	if workerPoolSize <= 0 {
		workerPoolSize = 1
	}
	return &Adapter{
		routes:  routes,
		cache:   newScriptCache(scriptCacheSize),
		tickets: make(chan struct{}, workerPoolSize),
	}
}

// scriptFor resolves which script file a request path routes to. The first
// matching route wins; a single-script configuration is just a Route with
// Match "**".
func (a *Adapter) scriptFor(requestPath string) (string, error) {
	for _, r := range a.routes {
		if routeGlobMatch(r.Match, requestPath) {
			return r.Path, nil
		}
	}
	return "", ErrNoMatchingRoute
}

// routeGlobMatch matches '/'-segment globs: '*' matches exactly one
// segment, '**' matches zero or more segments. A plain net/http path never
// needs filepath.Match's OS-path escaping rules, so routes are matched
// against segments directly instead.
func routeGlobMatch(pattern, path string) bool {
	return matchRouteSegments(splitRouteSegments(pattern), splitRouteSegments(path))
}

func splitRouteSegments(s string) []string {
	s = strings.Trim(s, "/")
	if s == "" {
		return nil
	}
	return strings.Split(s, "/")
}

func matchRouteSegments(pattern, path []string) bool {
	if len(pattern) == 0 {
		return len(path) == 0
	}
	head := pattern[0]
	if head == "**" {
		if matchRouteSegments(pattern[1:], path) {
			return true
		}
		if len(path) == 0 {
			return false
		}
		return matchRouteSegments(pattern, path[1:])
	}
	if len(path) == 0 {
		return false
	}
	if head != "*" && head != path[0] {
		return false
	}
	return matchRouteSegments(pattern[1:], path[1:])
}

// ActiveSession is a started coroutine plus the resources Release must hand
// back when the request is done with it, however it ends: Finished cleanly,
// errored, or abandoned mid-suspend.
type ActiveSession struct {
	*Session
	adapter *Adapter
	ctx     *ScriptContext
	worker  *lua.LState
	entry   *lua.LFunction
}

// Begin resolves requestPath to a script, acquires a worker (blocking until
// the worker pool has a free ticket), starts its coroutine with the decoded
// headers, and returns the running session. Callers must call Release
// exactly once, regardless of how the request concludes.
func (a *Adapter) Begin(requestPath string, headers HeaderMap, endStream bool, callbacks FilterCallbacks) (*ActiveSession, error) {
	scriptPath, err := a.scriptFor(requestPath)
	if err != nil {
		return nil, err
	}

	ctx, err := a.cache.Get(scriptPath)
	if err != nil {
		return nil, err
	}

	a.tickets <- struct{}{}
	L, entry, err := ctx.Acquire()
	if err != nil {
		<-a.tickets
		return nil, err
	}

	co := newCoroutine(L)
	session := NewSession(co, headers, endStream, callbacks)
	if err := session.Start(entry); err != nil {
		// A headers-phase script error still leaves the worker reusable;
		// the coroutine that errored is simply abandoned.
		session.Destroy()
		ctx.Release(L, entry)
		<-a.tickets
		return nil, err
	}

	return &ActiveSession{Session: session, adapter: a, ctx: ctx, worker: L, entry: entry}, nil
}

// Release returns the underlying worker and ticket. Safe to call once; a
// second call is a no-op.
func (as *ActiveSession) Release() {
	if as.Session == nil {
		return
	}
	as.Session.Destroy()
	as.ctx.Release(as.worker, as.entry)
	<-as.adapter.tickets
	as.Session = nil
}

// Invalidate drops a cached script so the next request that routes to it
// recompiles from disk. Wired to an fsnotify watch in module.go.
func (a *Adapter) Invalidate(path string) {
	a.cache.Invalidate(path)
}

// Close tears down every compiled script and worker this adapter holds.
// Called from the owning Caddy module's Cleanup.
func (a *Adapter) Close() {
	a.cache.Close()
}
