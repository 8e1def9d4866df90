package filter

import (
	"fmt"
	"os"
	"sync"

	lua "github.com/yuin/gopher-lua"
	"github.com/yuin/gopher-lua/parse"
)

// EntryPoint is the global function a script must define.
const EntryPoint = "envoy_on_request"

// CompileScript parses and compiles a script file once. The resulting proto
// is immutable and safe to share across every worker a ScriptContext pools.
func CompileScript(path string) (*lua.FunctionProto, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("lua filter: reading script %s: %w", path, err)
	}
	defer f.Close()

	chunk, err := parse.Parse(f, path)
	if err != nil {
		return nil, fmt.Errorf("lua filter: parsing script %s: %w", path, err)
	}
	proto, err := lua.Compile(chunk, path)
	if err != nil {
		return nil, fmt.Errorf("lua filter: compiling script %s: %w", path, err)
	}
	return proto, nil
}

// worker is one pooled Lua state plus the entry-point function its chunk
// defined when it ran once at construction time.
type worker struct {
	L     *lua.LState
	entry *lua.LFunction
}

// ScriptContext owns one compiled script and a pool of workers that each run
// independent coroutines against it. Each *lua.LState is single-threaded
// and cooperative, with no locking inside a worker — the pool only
// arbitrates which goroutine is using which worker at a given moment.
type ScriptContext struct {
	path  string
	proto *lua.FunctionProto
	pool  sync.Pool

	mu      sync.Mutex
	workers []*lua.LState
}

// NewScriptContext builds a context and eagerly constructs one worker, so a
// script that fails to load or lacks its entry point is rejected when the
// context is built. Contexts are built lazily by scriptCache.Get on the
// first request routed to a script; Provision does not compile or check
// scripts.
func NewScriptContext(path string, proto *lua.FunctionProto) (*ScriptContext, error) {
	sc := &ScriptContext{path: path, proto: proto}
	sc.pool.New = func() any {
		w, err := sc.buildWorker()
		if err != nil {
			// The pool itself has no error channel, so this hands back an
			// empty worker, which Acquire reports as ErrMissingEntryPoint;
			// the construction error itself is not kept.
			return &worker{}
		}
		return w
	}

	w, err := sc.buildWorker()
	if err != nil {
		return nil, err
	}
	sc.pool.Put(w)
	return sc, nil
}

func (sc *ScriptContext) buildWorker() (*worker, error) {
	L := lua.NewState()
	L.OpenLibs()
	registerWrapperTypes(L)

	fn := L.NewFunctionFromProto(sc.proto)
	L.Push(fn)
	if err := L.PCall(0, lua.MultRet, nil); err != nil {
		L.Close()
		return nil, &ScriptError{Phase: "load", Err: err}
	}

	entry, ok := L.GetGlobal(EntryPoint).(*lua.LFunction)
	if !ok {
		L.Close()
		return nil, ErrMissingEntryPoint
	}

	sc.mu.Lock()
	sc.workers = append(sc.workers, L)
	sc.mu.Unlock()
	return &worker{L: L, entry: entry}, nil
}

// Acquire checks a worker out of the pool. Pair every Acquire with a
// Release, even on error paths, or the pool leaks a *lua.LState.
func (sc *ScriptContext) Acquire() (*lua.LState, *lua.LFunction, error) {
	w := sc.pool.Get().(*worker)
	if w.entry == nil {
		if w.L != nil {
			w.L.Close()
		}
		return nil, nil, ErrMissingEntryPoint
	}
	return w.L, w.entry, nil
}

// Release returns a worker to the pool after resetting its stack. A worker
// whose coroutine was abandoned mid-suspend is still safe to reuse: the
// abandoned thread becomes unreachable garbage the next time this state's
// GC runs, it does not corrupt the parent state.
func (sc *ScriptContext) Release(L *lua.LState, entry *lua.LFunction) {
	L.SetTop(0)
	sc.pool.Put(&worker{L: L, entry: entry})
}

// Close releases every resource this context or any of its workers holds.
// Safe to call once a ScriptContext is no longer reachable from any route.
func (sc *ScriptContext) Close() {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	for _, L := range sc.workers {
		L.Close()
	}
	sc.workers = nil
}
