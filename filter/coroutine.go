package filter

import (
	lua "github.com/yuin/gopher-lua"
)

// coroutine wraps the gopher-lua thread backing one session's script
// execution. gopher-lua's LState.Yield is built for exactly this case: a
// Go-registered function running on a coroutine thread can call it to
// suspend that thread mid-call, with the values passed to the thread's
// next Resume delivered back as Yield's return values — gopher-lua unwinds
// the call stack internally to make this safe, unlike PUC Lua's lua_yield,
// which cannot cross a C call boundary at all.
type coroutine struct {
	thread  *lua.LState
	started bool
	status  coroutineStatus
}

type coroutineStatus int

const (
	coroutineRunning coroutineStatus = iota
	coroutineSuspended
	coroutineFinished
	coroutineErrored
)

func newCoroutine(parent *lua.LState) *coroutine {
	thread, _ := parent.NewThread()
	return &coroutine{thread: thread, status: coroutineRunning}
}

// start begins execution of fn(handle) on the coroutine. It blocks until the
// script either yields at one of the stream handle's suspension points,
// returns, or raises an error.
func (c *coroutine) start(fn *lua.LFunction, handle lua.LValue) error {
	c.started = true
	state, err, _ := c.thread.Resume(c.thread, fn, handle)
	return c.applyResumeState(state, err)
}

// resume continues a suspended coroutine with the given values pushed as
// the result of the accessor call it yielded from.
func (c *coroutine) resume(args ...lua.LValue) error {
	state, err, _ := c.thread.Resume(c.thread, nil, args...)
	return c.applyResumeState(state, err)
}

func (c *coroutine) applyResumeState(state lua.ResumeState, err error) error {
	switch state {
	case lua.ResumeYield:
		c.status = coroutineSuspended
	case lua.ResumeOK:
		c.status = coroutineFinished
	default:
		c.status = coroutineErrored
	}
	return err
}

func (c *coroutine) finished() bool {
	return c.status == coroutineFinished || c.status == coroutineErrored
}

// yield suspends the calling accessor. Used from the Go functions exported
// onto the stream handle (luaBody, luaBodyIterator, luaTrailers).
func yield(L *lua.LState) int {
	return L.Yield()
}
