package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/lamb-project/lamb/pkg/apperr"
)

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

// writeError renders the taxonomy mapping: stable code, masked
// message, HTTP status per kind. Internal detail stays in the log.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperr.HTTPStatus(err)

	code := "internal"
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		code = appErr.Code()
	}

	if status >= 500 {
		slog.Error("Request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	} else {
		slog.Debug("Request rejected", "method", r.Method, "path", r.URL.Path, "status", status, "error", err)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorBody{Error: errorDetail{
		Message: apperr.ClientMessage(err),
		Code:    code,
	}})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
