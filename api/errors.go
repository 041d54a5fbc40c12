package api

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// Error is a backend-reported failure. Message() folds the backend's
// inconsistent error fields into one human-readable string.
type Error struct {
	StatusCode int

	// The backend reports failures under any of these fields depending on
	// the route. Priority when rendering: detail, message, error.
	Detail  string `json:"detail"`
	Msg     string `json:"message"`
	ErrText string `json:"error"`

	// MaintenanceMode is set on 503 responses during planned downtime.
	MaintenanceMode bool `json:"maintenance_mode"`

	// CSRFToken is an optional replacement token carried on CSRF
	// rejections.
	CSRFToken string `json:"csrf_token"`
}

func newError(status int, body []byte) *Error {
	e := &Error{StatusCode: status}
	// Best effort; a non-JSON error body still yields a usable Error.
	_ = json.Unmarshal(body, e)
	return e
}

// Message returns the most specific backend-provided message, or a
// fallback derived from the status code.
func (e *Error) Message() string {
	switch {
	case e.Detail != "":
		return e.Detail
	case e.Msg != "":
		return e.Msg
	case e.ErrText != "":
		return e.ErrText
	}
	return http.StatusText(e.StatusCode)
}

func (e *Error) Error() string {
	return fmt.Sprintf("api: %d: %s", e.StatusCode, e.Message())
}
