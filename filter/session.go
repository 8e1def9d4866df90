package filter

import (
	lua "github.com/yuin/gopher-lua"
)

// FilterDataStatus mirrors the two continuation results a decode-data event
// can produce: keep driving the pipeline, or pause it until the whole body
// has been buffered.
type FilterDataStatus int

const (
	StatusContinue FilterDataStatus = iota
	StatusStopIterationAndBuffer
)

// ScriptLogger receives handle:log(level, message) calls. level is an
// opaque integer forwarded verbatim; the core has no notion of log levels
// of its own — whatever wires in a real logger decides what an opaque
// level means.
type ScriptLogger interface {
	ScriptLog(level int, message string)
}

// FilterCallbacks is the pipeline-side interface the session consumes. It
// is supplied once per session by the filter adapter.
type FilterCallbacks interface {
	Logger() ScriptLogger
	AddData(data []byte)
	BufferedBody() []byte // nil means "no data buffered"
}

type sessionState int

const (
	stateRunning sessionState = iota
	stateWaitForBodyChunk
	stateWaitForBody
	stateWaitForTrailers
)

// Session is the per-request bookkeeping that drives one script coroutine
// through one request's header/body/trailer lifecycle. It exclusively owns
// the coroutine and the wrapper handles it hands out, and only ever
// borrows the header map, trailer map, and body buffer — all three are
// owned by whatever decoded the request.
type Session struct {
	co        *coroutine
	headers   HeaderMap
	trailers  HeaderMap
	endStream bool
	state     sessionState
	callbacks FilterCallbacks

	headersWrapper *lua.LUserData
	headersAlive   *bool

	bodyWrapper *lua.LUserData
	bodyAlive   *bool

	trailersWrapper *lua.LUserData
	trailersAlive   *bool

	destroyed bool
}

// NewSession constructs a session and wires it to a freshly vended
// coroutine. It does not start the coroutine; Start does, building the
// stream handle it passes as the script's argument.
func NewSession(co *coroutine, headers HeaderMap, endStream bool, callbacks FilterCallbacks) *Session {
	return &Session{
		co:           co,
		headers:      headers,
		endStream:    endStream,
		state:        stateRunning,
		callbacks:    callbacks,
		headersAlive: alivePtr(true),
		bodyAlive:    alivePtr(true),
		trailersAlive: alivePtr(true),
	}
}

// Start runs envoy_on_request(handle) to its first suspension point, return,
// or error. The handle argument is constructed here so its lifetime is tied
// to this session from the very first instruction.
func (s *Session) Start(entry *lua.LFunction) error {
	handle := s.newStreamHandle()
	if err := s.co.start(entry, handle); err != nil {
		return &ScriptError{Phase: "headers", Err: err}
	}
	return nil
}

// OnData executes the state-machine row for the current state against one
// decoded body chunk. On the terminal chunk it surfaces the buffered body
// directly via BufferedBody rather than calling AddData a second time with
// data already accounted for — the decoder is responsible for accumulating
// the cumulative body once buffering starts (see handler.go's driveBody).
func (s *Session) OnData(data []byte, endStream bool) (FilterDataStatus, error) {
	s.endStream = endStream
	if s.co.finished() {
		return StatusContinue, nil
	}

	switch {
	case s.state == stateWaitForBodyChunk:
		alive := alivePtr(true)
		chunk := newBufferWrapper(s.co.thread, data, alive)
		s.state = stateRunning
		err := s.co.resume(chunk)
		markWrapperDeadAfterChunkScope(alive)
		return StatusContinue, s.wrapErr("data", err)

	case s.state == stateWaitForBody && endStream:
		s.callbacks.AddData(data)
		s.state = stateRunning
		values := s.bodyResumeValues()
		err := s.co.resume(values...)
		return StatusContinue, s.wrapErr("data", err)

	case s.state == stateWaitForBody:
		return StatusStopIterationAndBuffer, nil

	case s.state == stateWaitForTrailers && endStream:
		// End of stream arrived via the data path with no dedicated
		// trailers callback to come: there are no trailers.
		s.state = stateRunning
		err := s.co.resume()
		return StatusContinue, s.wrapErr("data", err)
	}

	return StatusContinue, nil
}

// OnTrailers executes the trailers row of the state machine. It always
// returns control to the pipeline rather than asking it to pause.
func (s *Session) OnTrailers(trailers HeaderMap) error {
	s.endStream = true
	s.trailers = trailers

	if s.co.finished() {
		return nil
	}

	switch s.state {
	case stateWaitForBodyChunk:
		s.state = stateRunning
		if err := s.co.resume(); err != nil {
			return s.wrapErr("trailers", err)
		}
	case stateWaitForBody:
		s.state = stateRunning
		values := s.bodyResumeValues()
		if err := s.co.resume(values...); err != nil {
			return s.wrapErr("trailers", err)
		}
	}

	if s.co.finished() {
		return nil
	}

	if s.state == stateWaitForTrailers {
		s.state = stateRunning
		values := s.trailersResumeValues()
		if err := s.co.resume(values...); err != nil {
			return s.wrapErr("trailers", err)
		}
	}

	return nil
}

// Destroy marks every live wrapper dead. It does not resume a suspended
// coroutine; that stack is simply abandoned for the Lua GC to reclaim
// once the session itself is dropped.
func (s *Session) Destroy() {
	if s.destroyed {
		return
	}
	s.destroyed = true
	*s.headersAlive = false
	*s.bodyAlive = false
	*s.trailersAlive = false
}

func (s *Session) wrapErr(phase string, err error) error {
	if err == nil {
		return nil
	}
	return &ScriptError{Phase: phase, Err: err}
}

// markWrapperDeadAfterChunkScope clears a transient chunk wrapper's
// liveness the moment the resume that produced it returns control to the
// adapter. By the time OnData returns, the decoder is free to reuse or
// release the backing buffer.
func markWrapperDeadAfterChunkScope(alive *bool) {
	*alive = false
}

func (s *Session) bodyResumeValues() []lua.LValue {
	buffered := s.callbacks.BufferedBody()
	if buffered == nil {
		return nil
	}
	if s.bodyWrapper == nil {
		s.bodyWrapper = newBufferWrapper(s.co.thread, buffered, s.bodyAlive)
	}
	return []lua.LValue{s.bodyWrapper}
}

func (s *Session) trailersResumeValues() []lua.LValue {
	if s.trailers == nil {
		return nil
	}
	if s.trailersWrapper == nil {
		s.trailersWrapper = newHeaderMapWrapper(s.co.thread, s.trailers, s.trailersAlive)
	}
	return []lua.LValue{s.trailersWrapper}
}

// --- script-facing accessors ---

func (s *Session) luaHeaders(L *lua.LState) int {
	if s.headersWrapper == nil {
		s.headersWrapper = newHeaderMapWrapper(L, s.headers, s.headersAlive)
	}
	L.Push(s.headersWrapper)
	return 1
}

func (s *Session) luaBody(L *lua.LState) int {
	if s.state != stateRunning {
		L.RaiseError("%s", ErrContractViolation.Error())
		return 0
	}
	if s.endStream {
		values := s.bodyResumeValues()
		for _, v := range values {
			L.Push(v)
		}
		return len(values)
	}
	s.state = stateWaitForBody
	return yield(L)
}

func (s *Session) luaBodyChunks(L *lua.LState) int {
	if s.state != stateRunning {
		L.RaiseError("%s", ErrContractViolation.Error())
		return 0
	}
	L.Push(L.NewFunction(s.luaBodyIterator))
	return 1
}

func (s *Session) luaBodyIterator(L *lua.LState) int {
	if s.state != stateRunning {
		L.RaiseError("%s", ErrContractViolation.Error())
		return 0
	}
	if s.endStream {
		return 0
	}
	s.state = stateWaitForBodyChunk
	return yield(L)
}

func (s *Session) luaTrailers(L *lua.LState) int {
	if s.state != stateRunning {
		L.RaiseError("%s", ErrContractViolation.Error())
		return 0
	}
	if s.endStream && s.trailers == nil {
		return 0
	}
	if s.trailers != nil {
		values := s.trailersResumeValues()
		for _, v := range values {
			L.Push(v)
		}
		return len(values)
	}
	s.state = stateWaitForTrailers
	return yield(L)
}

// luaLog backs handle:log(level, message). ':' call syntax pushes handle
// itself as the leading argument, so level and message sit at 2 and 3.
func (s *Session) luaLog(L *lua.LState) int {
	level := L.CheckInt(2)
	message := L.CheckString(3)
	s.callbacks.Logger().ScriptLog(level, message)
	return 0
}

// newStreamHandle builds the single argument envoy_on_request receives.
// Its methods are Go closures bound directly to this session, so the
// script-visible object never needs to look its owner up from the Lua
// stack the way header_map/buffer wrappers do (those are generic types
// with many live instances; a request has exactly one stream handle).
func (s *Session) newStreamHandle() *lua.LUserData {
	L := s.co.thread
	ud := L.NewUserData()
	ud.Value = s

	methods := L.NewTable()
	L.SetField(methods, "headers", L.NewFunction(s.luaHeaders))
	L.SetField(methods, "body", L.NewFunction(s.luaBody))
	L.SetField(methods, "bodyChunks", L.NewFunction(s.luaBodyChunks))
	L.SetField(methods, "trailers", L.NewFunction(s.luaTrailers))
	L.SetField(methods, "log", L.NewFunction(s.luaLog))

	mt := L.NewTable()
	L.SetField(mt, "__index", methods)
	L.SetMetatable(ud, mt)
	return ud
}
