package luafilter

import (
	"context"
	"fmt"
	"time"

	"github.com/caddyserver/caddy/v2"
	"github.com/caddyserver/caddy/v2/caddyconfig/caddyfile"
	"github.com/caddyserver/caddy/v2/caddyconfig/httpcaddyfile"
	"github.com/caddyserver/caddy/v2/modules/caddyhttp"
	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/caddy-lua/request-filter/alert"
	"github.com/caddy-lua/request-filter/filter"
	"github.com/caddy-lua/request-filter/scriptlog"
)

func init() {
	caddy.RegisterModule(Handler{})
	httpcaddyfile.RegisterHandlerDirective("lua_filter", parseCaddyfile)
}

// RouteConfig binds a path glob to the script file that handles it. Routes
// are tried in configuration order; the first match wins.
type RouteConfig struct {
	Match  string `json:"match,omitempty"`
	Script string `json:"script"`
}

// Handler runs a configured Lua script against every request it sees,
// exposing headers, body, and trailers through the stream-handle contract
// and otherwise behaving as a transparent pass-through.
type Handler struct {
	// Script is a single script applied to every request matched by this
	// handler. Mutually exclusive with Routes.
	Script string `json:"script,omitempty"`

	// Routes configures multiple scripts routed by request path glob.
	Routes []RouteConfig `json:"routes,omitempty"`

	// WorkerPoolSize bounds how many coroutines may run concurrently.
	WorkerPoolSize int `json:"worker_pool_size,omitempty"`

	// ScriptCacheSize bounds how many distinct compiled scripts stay
	// resident at once.
	ScriptCacheSize int `json:"script_cache_size,omitempty"`

	// MaxBodyBytes bounds how much of a request body is handed to a script,
	// chunk by chunk or as one buffered body. Past the limit the script gets
	// no more body data and filter.ErrBodyTooLarge is reported; the request
	// still goes on to the next handler with its full body.
	MaxBodyBytes int64 `json:"max_body_bytes,omitempty"`

	// HotReload watches every configured script file for changes and
	// recompiles on write, instead of requiring a Caddy reload.
	HotReload bool `json:"hot_reload,omitempty"`

	// DataDir persists handle:log() output to disk (bbolt-backed). Empty
	// means log lines are kept in memory only, for the life of the process.
	DataDir string `json:"data_dir,omitempty"`

	// LogTTL is how long persisted log entries survive before a sweep
	// deletes them. Only meaningful when DataDir is set.
	LogTTL caddy.Duration `json:"log_ttl,omitempty"`

	// AlertURL, if set, is sent an HMAC-signed notification whenever a
	// script raises a runtime error.
	AlertURL    string   `json:"alert_url,omitempty"`
	AlertSecret string   `json:"alert_secret,omitempty"`
	AlertRoutes []string `json:"alert_routes,omitempty"`

	logger    *zap.Logger
	adapter   *filter.Adapter
	logStore  scriptlog.Store
	sweeper   *scriptlog.Sweeper
	alertMgr  *alert.Manager
	watcher   *fsnotify.Watcher
	stopWatch chan struct{}
}

// CaddyModule returns the Caddy module information.
func (Handler) CaddyModule() caddy.ModuleInfo {
	return caddy.ModuleInfo{
		ID:  "http.handlers.lua_filter",
		New: func() caddy.Module { return new(Handler) },
	}
}

// Provision sets up the handler.
func (h *Handler) Provision(ctx caddy.Context) error {
	h.logger = ctx.Logger()

	if h.WorkerPoolSize == 0 {
		h.WorkerPoolSize = 4
	}
	if h.ScriptCacheSize == 0 {
		h.ScriptCacheSize = 8
	}
	if h.MaxBodyBytes == 0 {
		h.MaxBodyBytes = 10 << 20 // 10 MiB
	}
	if h.LogTTL == 0 {
		h.LogTTL = caddy.Duration(time.Hour)
	}

	routes, err := h.buildRoutes()
	if err != nil {
		return err
	}
	h.adapter = filter.NewAdapter(routes, h.WorkerPoolSize, h.ScriptCacheSize)

	if h.DataDir == "" {
		h.logStore = scriptlog.NewMemoryStore()
		h.logger.Info("lua_filter: using in-memory script log store (no data_dir configured)")
	} else {
		bboltStore, err := scriptlog.OpenBboltStore(h.DataDir + "/scriptlog.db")
		if err != nil {
			return fmt.Errorf("lua_filter: opening script log store: %w", err)
		}
		h.logStore = bboltStore

		sweeper, err := scriptlog.NewSweeper(bboltStore, time.Duration(h.LogTTL), "@every 1m", func(err error) {
			h.logger.Warn("lua_filter: script log sweep failed", zap.Error(err))
		})
		if err != nil {
			return fmt.Errorf("lua_filter: scheduling script log sweep: %w", err)
		}
		h.sweeper = sweeper
		h.sweeper.Start()
		h.logger.Info("lua_filter: persisting script logs", zap.String("data_dir", h.DataDir))
	}

	if h.AlertURL != "" {
		h.alertMgr = alert.NewManager(alert.Config{
			URL:    h.AlertURL,
			Secret: h.AlertSecret,
			Routes: h.AlertRoutes,
		})
		h.logger.Info("lua_filter: script error alerting enabled", zap.String("alert_url", h.AlertURL))
	}

	if h.HotReload {
		if err := h.watchScripts(routes); err != nil {
			return fmt.Errorf("lua_filter: enabling hot reload: %w", err)
		}
	}

	return nil
}

func (h *Handler) buildRoutes() ([]filter.Route, error) {
	if h.Script != "" && len(h.Routes) > 0 {
		return nil, fmt.Errorf("lua_filter: script and routes are mutually exclusive")
	}
	if h.Script != "" {
		return []filter.Route{{Match: "**", Path: h.Script}}, nil
	}
	if len(h.Routes) == 0 {
		return nil, fmt.Errorf("lua_filter: at least one script or route must be configured")
	}
	routes := make([]filter.Route, 0, len(h.Routes))
	for _, r := range h.Routes {
		match := r.Match
		if match == "" {
			match = "**"
		}
		routes = append(routes, filter.Route{Match: match, Path: r.Script})
	}
	return routes, nil
}

// watchScripts wires fsnotify to the script cache so an on-disk edit
// recompiles without a Caddy reload.
func (h *Handler) watchScripts(routes []filter.Route) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	seen := make(map[string]bool)
	for _, r := range routes {
		if seen[r.Path] {
			continue
		}
		seen[r.Path] = true
		if err := w.Add(r.Path); err != nil {
			w.Close()
			return fmt.Errorf("watching %s: %w", r.Path, err)
		}
	}

	h.watcher = w
	h.stopWatch = make(chan struct{})
	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
					h.adapter.Invalidate(ev.Name)
					h.logger.Info("lua_filter: recompiling script after change", zap.String("path", ev.Name))
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				h.logger.Warn("lua_filter: script watch error", zap.Error(err))
			case <-h.stopWatch:
				return
			}
		}
	}()
	return nil
}

// Validate ensures the handler configuration is internally consistent.
func (h *Handler) Validate() error {
	if h.WorkerPoolSize < 0 {
		return fmt.Errorf("lua_filter: worker_pool_size cannot be negative")
	}
	if h.MaxBodyBytes < 0 {
		return fmt.Errorf("lua_filter: max_body_bytes cannot be negative")
	}
	return nil
}

// Cleanup releases every resource Provision acquired.
func (h *Handler) Cleanup() error {
	if h.watcher != nil {
		close(h.stopWatch)
		h.watcher.Close()
	}
	if h.sweeper != nil {
		h.sweeper.Stop()
	}
	if h.alertMgr != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		h.alertMgr.Shutdown(ctx)
		cancel()
	}
	if h.adapter != nil {
		h.adapter.Close()
	}
	if h.logStore != nil {
		return h.logStore.Close()
	}
	return nil
}

// UnmarshalCaddyfile parses the Caddyfile syntax for lua_filter. Every
// subdirective is listed below; script and route are alternatives, and
// buildRoutes rejects a configuration that sets both:
//
//	lua_filter {
//	    script /etc/caddy/scripts/main.lua
//	    worker_pool_size 8
//	    max_body_bytes 1048576
//	    script_cache_size 16
//	    hot_reload
//	    data_dir /var/lib/caddy/lua_filter
//	    log_ttl 1h
//	    alert_url https://alerts.example.com/webhook
//	    alert_secret supersecret
//	    alert_route /checkout/**
//	    route /api/** /etc/caddy/scripts/api.lua
//	    route /admin/** /etc/caddy/scripts/admin.lua
//	}
func (h *Handler) UnmarshalCaddyfile(d *caddyfile.Dispenser) error {
	for d.Next() {
		for d.NextBlock(0) {
			switch d.Val() {
			case "script":
				if !d.Args(&h.Script) {
					return d.ArgErr()
				}
			case "route":
				args := d.RemainingArgs()
				if len(args) != 2 {
					return d.ArgErr()
				}
				h.Routes = append(h.Routes, RouteConfig{Match: args[0], Script: args[1]})
			case "worker_pool_size":
				var val string
				if !d.Args(&val) {
					return d.ArgErr()
				}
				n, err := parseIntArg(val)
				if err != nil {
					return d.Errf("invalid worker_pool_size: %v", err)
				}
				h.WorkerPoolSize = n
			case "script_cache_size":
				var val string
				if !d.Args(&val) {
					return d.ArgErr()
				}
				n, err := parseIntArg(val)
				if err != nil {
					return d.Errf("invalid script_cache_size: %v", err)
				}
				h.ScriptCacheSize = n
			case "max_body_bytes":
				var val string
				if !d.Args(&val) {
					return d.ArgErr()
				}
				n, err := parseIntArg(val)
				if err != nil {
					return d.Errf("invalid max_body_bytes: %v", err)
				}
				h.MaxBodyBytes = int64(n)
			case "hot_reload":
				h.HotReload = true
			case "data_dir":
				if !d.Args(&h.DataDir) {
					return d.ArgErr()
				}
			case "log_ttl":
				var val string
				if !d.Args(&val) {
					return d.ArgErr()
				}
				dur, err := caddy.ParseDuration(val)
				if err != nil {
					return d.Errf("invalid log_ttl: %v", err)
				}
				h.LogTTL = caddy.Duration(dur)
			case "alert_url":
				if !d.Args(&h.AlertURL) {
					return d.ArgErr()
				}
			case "alert_secret":
				if !d.Args(&h.AlertSecret) {
					return d.ArgErr()
				}
			case "alert_route":
				var pattern string
				if !d.Args(&pattern) {
					return d.ArgErr()
				}
				h.AlertRoutes = append(h.AlertRoutes, pattern)
			default:
				return d.Errf("unknown subdirective: %s", d.Val())
			}
		}
	}
	return nil
}

func parseCaddyfile(h httpcaddyfile.Helper) (caddyhttp.MiddlewareHandler, error) {
	var handler Handler
	err := handler.UnmarshalCaddyfile(h.Dispenser)
	return &handler, err
}

func parseIntArg(s string) (int, error) {
	var val int
	_, err := fmt.Sscanf(s, "%d", &val)
	return val, err
}

// Interface guards
var (
	_ caddy.Provisioner           = (*Handler)(nil)
	_ caddy.Validator             = (*Handler)(nil)
	_ caddy.CleanerUpper          = (*Handler)(nil)
	_ caddyhttp.MiddlewareHandler = (*Handler)(nil)
	_ caddyfile.Unmarshaler       = (*Handler)(nil)
)
