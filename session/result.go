package session

import (
	"encoding/json"
	"errors"

	"cboard.dev/panelclient/api"
)

// Result is the uniform return shape of every public session operation.
// Operations never leak errors past their boundary; failures surface here
// as a human-readable message.
type Result struct {
	Success bool
	Message string
	Data    json.RawMessage
}

func ok() Result { return Result{Success: true} }

func okMsg(msg string) Result { return Result{Success: true, Message: msg} }

// failure maps an error to a Result, preferring the backend-provided
// message when one exists.
func failure(err error, fallback string) Result {
	var apiErr *api.Error
	if errors.As(err, &apiErr) {
		return Result{Message: apiErr.Message()}
	}
	if err != nil && err.Error() != "" {
		return Result{Message: err.Error()}
	}
	return Result{Message: fallback}
}
