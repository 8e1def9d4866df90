// Package alert delivers a notification when a script raises a runtime
// error, so an operator finds out about a broken script without having to
// go looking in logs for it.
package alert

import "time"

// ScriptErrorEvent is the payload POSTed to the configured webhook.
type ScriptErrorEvent struct {
	RequestID string    `json:"request_id"`
	Path      string    `json:"path"`
	Phase     string    `json:"phase"`
	Message   string    `json:"message"`
	Occurred  time.Time `json:"occurred"`
}
