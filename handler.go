package luafilter

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/caddyserver/caddy/v2/modules/caddyhttp"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/caddy-lua/request-filter/alert"
	"github.com/caddy-lua/request-filter/filter"
	"github.com/caddy-lua/request-filter/scriptlog"
)

const readChunkSize = 32 * 1024

// ServeHTTP implements caddyhttp.MiddlewareHandler. Caddy hands this
// handler a fully-formed *http.Request rather than a push-based
// decode-callback pipeline, so ServeHTTP plays the "HTTP decoder" role
// itself: it reads headers, pulls the body in bounded chunks as synthetic
// decode-data events, reads trailers once the body is drained, then
// reconstructs the body before handing the request to next.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request, next caddyhttp.Handler) error {
	requestID := uuid.NewString()
	logger := &requestLogger{base: h.logger, store: h.logStore, requestID: requestID, path: r.URL.Path}
	callbacks := &httpCallbacks{logger: logger}

	bodyEmpty := r.Body == nil || r.Body == http.NoBody
	session, err := h.adapter.Begin(r.URL.Path, HTTPHeaderMap{r.Header}, bodyEmpty, callbacks)
	if err != nil {
		if errors.Is(err, filter.ErrNoMatchingRoute) {
			return next.ServeHTTP(w, r)
		}
		h.reportError(requestID, r.URL.Path, "headers", err)
		return next.ServeHTTP(w, r)
	}
	defer session.Release()

	var consumed bytes.Buffer
	if !bodyEmpty {
		h.driveBody(session, r, requestID, &consumed)
	}

	if len(r.Trailer) > 0 {
		// Trailers carry the terminal event here, so the body is staged as
		// the buffered body first: a script waiting in body() is resumed
		// with it by OnTrailers.
		if h.MaxBodyBytes == 0 || int64(consumed.Len()) <= h.MaxBodyBytes {
			callbacks.AddData(consumed.Bytes())
		}
		if err := session.OnTrailers(HTTPHeaderMap{r.Trailer}); err != nil {
			h.reportError(requestID, r.URL.Path, "trailers", err)
		}
	}

	r.Body = io.NopCloser(bytes.NewReader(consumed.Bytes()))
	r.ContentLength = int64(consumed.Len())

	return next.ServeHTTP(w, r)
}

// driveBody reads r.Body in bounded chunks, feeding each as a decode-data
// event, and reproduces Envoy's StopIterationAndBuffer contract: once the
// session asks to buffer, every further chunk is accumulated locally
// (rather than handed to the session one at a time) and delivered as one
// cumulative payload on the terminal call.
//
// Go's Read contract lets the final real chunk and io.EOF arrive either
// together or on separate calls; this holds back the most recently read
// chunk by one iteration so the terminal decode-data event always carries
// the last real bytes (never a separate phantom zero-length chunk) and so
// end_stream is only asserted here when no trailers are going to follow —
// when r.Trailer announces trailer fields, those carry the terminal event
// instead (see ServeHTTP's OnTrailers call).
func (h *Handler) driveBody(session *filter.ActiveSession, r *http.Request, requestID string, consumed *bytes.Buffer) {
	path := r.URL.Path
	hasTrailers := len(r.Trailer) > 0
	buf := make([]byte, readChunkSize)
	buffering := false
	tooLarge := false

	var pending []byte
	havePending := false

	deliver := func(data []byte, endStream bool) {
		if buffering {
			return
		}
		if h.MaxBodyBytes > 0 && int64(consumed.Len()) > h.MaxBodyBytes {
			h.reportError(requestID, path, "data", filter.ErrBodyTooLarge)
			tooLarge = true
			// Stop talking to the script; still drain and forward the
			// real body untouched below.
			buffering = true
			return
		}
		status, err := session.OnData(data, endStream)
		if err != nil {
			h.reportError(requestID, path, "data", err)
		}
		if status == filter.StatusStopIterationAndBuffer {
			buffering = true
		}
	}

	for {
		n, readErr := r.Body.Read(buf)
		if n > 0 {
			consumed.Write(buf[:n])
			chunk := append([]byte(nil), buf[:n]...)
			if havePending {
				deliver(pending, false)
			}
			pending, havePending = chunk, true
		}

		if errors.Is(readErr, io.EOF) {
			endStream := !hasTrailers
			if havePending {
				deliver(pending, endStream)
				havePending = false
			} else if endStream {
				deliver(nil, true)
			}
			// Session.OnData is a no-op once its coroutine has finished or
			// errored, so it's safe to deliver the cumulative buffer here.
			// A buffered body over MaxBodyBytes is not delivered and is
			// reported, unless the cutoff in deliver already reported it.
			if buffering {
				if h.MaxBodyBytes == 0 || int64(consumed.Len()) <= h.MaxBodyBytes {
					if _, err := session.OnData(consumed.Bytes(), endStream); err != nil {
						h.reportError(requestID, path, "data", err)
					}
				} else if !tooLarge {
					h.reportError(requestID, path, "data", filter.ErrBodyTooLarge)
				}
			}
			return
		}
		if readErr != nil {
			h.logger.Warn("lua_filter: reading request body", zap.Error(readErr))
			return
		}
	}
}

func (h *Handler) reportError(requestID, path, phase string, err error) {
	h.logger.Warn("lua_filter: script error",
		zap.String("request_id", requestID),
		zap.String("path", path),
		zap.String("phase", phase),
		zap.Error(err))

	if h.alertMgr != nil && h.alertMgr.Enabled(path) {
		h.alertMgr.Notify(alert.ScriptErrorEvent{
			RequestID: requestID,
			Path:      path,
			Phase:     phase,
			Message:   err.Error(),
			Occurred:  time.Now(),
		})
	}
}

// HTTPHeaderMap adapts net/http.Header to filter.HeaderMap.
type HTTPHeaderMap struct {
	Header http.Header
}

func (m HTTPHeaderMap) Get(key string) (string, bool) {
	values := m.Header.Values(key)
	if len(values) == 0 {
		return "", false
	}
	return values[0], true
}

func (m HTTPHeaderMap) Iterate(fn func(key, value string)) {
	for k, values := range m.Header {
		for _, v := range values {
			fn(k, v)
		}
	}
}

// httpCallbacks is the net/http-backed filter.FilterCallbacks: it
// accumulates whatever the decode loop hands it via AddData and reports
// "no data buffered" until the first call, exactly as filter.Session's
// contract requires for the "body() with no body" case.
type httpCallbacks struct {
	logger  filter.ScriptLogger
	data    []byte
	hasData bool
}

func (c *httpCallbacks) Logger() filter.ScriptLogger { return c.logger }

func (c *httpCallbacks) AddData(d []byte) {
	c.hasData = true
	c.data = append(c.data, d...)
}

func (c *httpCallbacks) BufferedBody() []byte {
	if !c.hasData {
		return nil
	}
	return c.data
}

// requestLogger forwards handle:log() calls to the structured logger and,
// when persistence is configured, to the scriptlog store.
type requestLogger struct {
	base      *zap.Logger
	store     scriptlog.Store
	requestID string
	path      string
}

func (l *requestLogger) ScriptLog(level int, message string) {
	fields := []zap.Field{zap.String("request_id", l.requestID), zap.String("path", l.path)}
	switch {
	case level <= 0:
		l.base.Debug(message, fields...)
	case level == 1:
		l.base.Info(message, fields...)
	case level == 2:
		l.base.Warn(message, fields...)
	default:
		l.base.Error(message, fields...)
	}

	if l.store != nil {
		_ = l.store.Append(l.requestID, scriptlog.Entry{
			Level:     level,
			Message:   message,
			Timestamp: time.Now(),
		})
	}
}
