package filter

import (
	"container/list"
	"os"
	"sync"
)

// scriptCacheEntry pairs a compiled context with the mtime it was built
// from, so a later Get can detect a script edited on disk without an
// fsnotify watch firing in time (belt-and-suspenders: fsnotify is the fast
// path, the mtime check is what keeps this correct even if a watch event is
// ever missed or coalesced away by the OS).
type scriptCacheEntry struct {
	path    string
	mtime   int64
	context *ScriptContext
}

// scriptCache is an LRU of compiled script contexts keyed by path, so a
// multi-script glob-routed configuration doesn't recompile a script on
// every request it routes to. Capacity-bounded the way a pooled
// file-handle cache is: eviction closes the loser's Lua states rather than
// just dropping a Go reference and hoping the GC gets to it.
type scriptCache struct {
	mu       sync.Mutex
	capacity int
	ll       *list.List
	index    map[string]*list.Element
}

func newScriptCache(capacity int) *scriptCache {
	if capacity <= 0 {
		capacity = 8
	}
	return &scriptCache{
		capacity: capacity,
		ll:       list.New(),
		index:    make(map[string]*list.Element),
	}
}

// Get returns a cached context for path if one exists and the file's mtime
// has not changed since it was compiled, compiling (and caching) a fresh
// one otherwise.
func (c *scriptCache) Get(path string) (*ScriptContext, error) {
	mtime, err := statMtime(path)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if el, ok := c.index[path]; ok {
		entry := el.Value.(*scriptCacheEntry)
		if entry.mtime == mtime {
			c.ll.MoveToFront(el)
			c.mu.Unlock()
			return entry.context, nil
		}
		// Stale: evict now, recompile below.
		c.ll.Remove(el)
		delete(c.index, path)
		entry.context.Close()
	}
	c.mu.Unlock()

	proto, err := CompileScript(path)
	if err != nil {
		return nil, err
	}
	sc, err := NewScriptContext(path, proto)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	el := c.ll.PushFront(&scriptCacheEntry{path: path, mtime: mtime, context: sc})
	c.index[path] = el
	c.evictLocked()
	return sc, nil
}

// Invalidate drops a path's cached context, forcing the next Get to
// recompile. Wired, through Adapter.Invalidate, to an fsnotify watch on
// each configured script file (see Handler.watchScripts in module.go).
func (c *scriptCache) Invalidate(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.index[path]
	if !ok {
		return
	}
	c.ll.Remove(el)
	delete(c.index, path)
	el.Value.(*scriptCacheEntry).context.Close()
}

func (c *scriptCache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, el := range c.index {
		el.Value.(*scriptCacheEntry).context.Close()
	}
	c.ll.Init()
	c.index = make(map[string]*list.Element)
}

func (c *scriptCache) evictLocked() {
	for c.ll.Len() > c.capacity {
		back := c.ll.Back()
		if back == nil {
			return
		}
		entry := back.Value.(*scriptCacheEntry)
		c.ll.Remove(back)
		delete(c.index, entry.path)
		entry.context.Close()
	}
}

func statMtime(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return info.ModTime().UnixNano(), nil
}
