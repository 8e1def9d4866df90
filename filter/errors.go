package filter

import "errors"

// Error kinds raised while driving a script coroutine.
var (
	// ErrContractViolation is raised when a script-facing accessor is called
	// while the session is not Running (the script tried to re-enter itself).
	ErrContractViolation = errors.New("lua filter: accessor called while coroutine is not running")

	// ErrWrapperDead is raised when a script touches a wrapper whose
	// underlying native data has already been invalidated.
	ErrWrapperDead = errors.New("lua filter: wrapper is no longer live")

	// ErrMissingEntryPoint is a configuration-time error: the script does not
	// define the required global entry point function.
	ErrMissingEntryPoint = errors.New("lua filter: script does not define envoy_on_request")

	// ErrNoMatchingRoute is returned when a request path matches none of the
	// configured script routes.
	ErrNoMatchingRoute = errors.New("lua filter: no script route matches request path")

	// ErrBodyTooLarge is reported (never returned to the HTTP response,
	// per the fail-open Non-goal) when a script's whole-body buffering
	// would exceed the configured limit.
	ErrBodyTooLarge = errors.New("lua filter: request body exceeds configured max_body_bytes for script buffering")
)

// ScriptError wraps a Lua runtime error raised while resuming a coroutine.
// It is never surfaced to the HTTP response (the filter fails open); it is
// only logged and optionally forwarded to the alert manager.
type ScriptError struct {
	// Phase names which decode event was in flight when the error occurred
	// ("headers", "data", "trailers"), or "load" when the script's chunk
	// failed while a worker was being built, for logging and alert payloads.
	Phase string
	Err   error
}

func (e *ScriptError) Error() string {
	return "lua filter: script error during " + e.Phase + ": " + e.Err.Error()
}

func (e *ScriptError) Unwrap() error {
	return e.Err
}
