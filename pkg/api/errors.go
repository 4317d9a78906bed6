package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/cuemby/forge/pkg/apierr"
)

// envelope is the JSON error shape writeError returns for non-2xx responses.
type envelope struct {
	Error   string     `json:"error"`
	Code    apierr.Code `json:"code,omitempty"`
	Details any        `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError translates a domain error into the JSON envelope and the
// matching HTTP status code. Unrecognized errors are reported as an
// internal error without leaking their message.
func writeError(w http.ResponseWriter, err error) {
	var apiErr *apierr.Error
	if errors.As(err, &apiErr) {
		writeJSON(w, statusForCode(apiErr.Code), envelope{
			Error:   apiErr.Message,
			Code:    apiErr.Code,
			Details: apiErr.Details,
		})
		return
	}
	if errors.Is(err, apierr.ErrTransient) {
		writeJSON(w, http.StatusServiceUnavailable, envelope{
			Error: "storage temporarily unavailable",
			Code:  apierr.CodeInternal,
		})
		return
	}
	writeJSON(w, http.StatusInternalServerError, envelope{
		Error: "internal error",
		Code:  apierr.CodeInternal,
	})
}

func statusForCode(code apierr.Code) int {
	switch code {
	case apierr.CodeValidation:
		return http.StatusBadRequest
	case apierr.CodeNotFound:
		return http.StatusNotFound
	case apierr.CodeInvalidState:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
