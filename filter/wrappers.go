package filter

import (
	lua "github.com/yuin/gopher-lua"
)

// HeaderMap is the borrowed native entity a header-map wrapper reads. The
// filter never owns one of these; it is supplied by whatever decoded the
// request (see HTTPHeaderMap in the root package's handler.go for the
// net/http-backed version).
type HeaderMap interface {
	Get(key string) (string, bool)
	Iterate(fn func(key, value string))
}

const luaHeaderMapTypeName = "header_map"
const luaBufferTypeName = "buffer"

func registerWrapperTypes(L *lua.LState) {
	mt := L.NewTypeMetatable(luaHeaderMapTypeName)
	L.SetField(mt, "__index", L.SetFuncs(L.NewTable(), headerMapMethods))

	bt := L.NewTypeMetatable(luaBufferTypeName)
	L.SetField(bt, "__index", L.SetFuncs(L.NewTable(), bufferMethods))
}

// headerMapWrapper exposes a borrowed HeaderMap to the script. add/remove
// are accepted but are no-ops: mutating headers that upstream routing may
// already have committed to would be unsound, so this revision sidesteps
// the question entirely rather than half-solving it.
type headerMapWrapper struct {
	headers HeaderMap
	alive   *bool
}

func newHeaderMapWrapper(L *lua.LState, headers HeaderMap, alive *bool) *lua.LUserData {
	ud := L.NewUserData()
	ud.Value = &headerMapWrapper{headers: headers, alive: alive}
	L.SetMetatable(ud, L.GetTypeMetatable(luaHeaderMapTypeName))
	return ud
}

func checkHeaderMapWrapper(L *lua.LState, idx int) *headerMapWrapper {
	ud, ok := L.CheckUserData(idx).Value.(*headerMapWrapper)
	if !ok {
		L.ArgError(idx, "header_map expected")
		return nil
	}
	if !*ud.alive {
		L.RaiseError("%s", ErrWrapperDead.Error())
		return nil
	}
	return ud
}

var headerMapMethods = map[string]lua.LGFunction{
	"get":     headerMapGet,
	"iterate": headerMapIterate,
	"add":     headerMapAddOrRemove,
	"remove":  headerMapAddOrRemove,
}

func headerMapGet(L *lua.LState) int {
	w := checkHeaderMapWrapper(L, 1)
	key := L.CheckString(2)
	if v, ok := w.headers.Get(key); ok {
		L.Push(lua.LString(v))
		return 1
	}
	return 0
}

func headerMapIterate(L *lua.LState) int {
	w := checkHeaderMapWrapper(L, 1)
	fn := L.CheckFunction(2)
	w.headers.Iterate(func(key, value string) {
		L.Push(fn)
		L.Push(lua.LString(key))
		L.Push(lua.LString(value))
		L.Call(2, 0)
	})
	return 0
}

// headerMapAddOrRemove backs both add(key,value) and remove(key): both are
// accepted, both are no-ops.
func headerMapAddOrRemove(L *lua.LState) int {
	checkHeaderMapWrapper(L, 1)
	return 0
}

// bufferWrapper exposes a borrowed byte slice. A wrapper over a transient
// decode chunk is only valid for the resume it was created for; the caller
// of newBufferWrapper is responsible for clearing `alive` at the end of
// that scope.
type bufferWrapper struct {
	data  []byte
	alive *bool
}

func newBufferWrapper(L *lua.LState, data []byte, alive *bool) *lua.LUserData {
	ud := L.NewUserData()
	ud.Value = &bufferWrapper{data: data, alive: alive}
	L.SetMetatable(ud, L.GetTypeMetatable(luaBufferTypeName))
	return ud
}

func checkBufferWrapper(L *lua.LState, idx int) *bufferWrapper {
	ud, ok := L.CheckUserData(idx).Value.(*bufferWrapper)
	if !ok {
		L.ArgError(idx, "buffer expected")
		return nil
	}
	if !*ud.alive {
		L.RaiseError("%s", ErrWrapperDead.Error())
		return nil
	}
	return ud
}

var bufferMethods = map[string]lua.LGFunction{
	"byteSize": bufferByteSize,
}

func bufferByteSize(L *lua.LState) int {
	w := checkBufferWrapper(L, 1)
	L.Push(lua.LNumber(len(w.data)))
	return 1
}

func alivePtr(v bool) *bool {
	b := v
	return &b
}
