package web

// errors.go provides unified error response handling for the web layer.
//
// It ensures all errors are:
//   - Logged with full technical details for debugging (server-side)
//   - Returned to clients as user-friendly messages with action suggestions
//
// The error flow:
//  1. Handler encounters an error
//  2. Error is mapped via importer.MapError and importer.StatusCode
//  3. Technical error + context is logged with request ID for correlation
//  4. User message is written as JSON, except for row failures which keep
//     the bare {} body

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/JonMunkholm/gndimport/internal/importer"
	"github.com/JonMunkholm/gndimport/internal/logging"
)

// ErrorResponse represents the JSON structure for API error responses.
// Includes both machine-readable (Code) and human-readable (Message, Action) fields.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Action  string `json:"action,omitempty"`
	Code    string `json:"code"`
}

// emptyBody is the body of both the success response and a row failure.
var emptyBody = struct{}{}

// respondError logs err and writes the matching response.
func respondError(w http.ResponseWriter, r *http.Request, err error) {
	status := importer.StatusCode(err)
	userMsg := importer.MapError(err)

	logger := logging.FromContext(r.Context())
	args := []any{
		"path", r.URL.Path,
		"method", r.Method,
		"status", status,
		"error", err.Error(),
		"code", userMsg.Code,
	}
	var rowErr *importer.RowError
	if errors.As(err, &rowErr) {
		args = append(args, "line", rowErr.Line)
	}
	if status >= http.StatusInternalServerError {
		logger.Error("request error", args...)
	} else {
		logger.Warn("request error", args...)
	}

	switch {
	case errors.Is(err, importer.ErrMethodNotAllowed):
		w.Header().Set("Allow", http.MethodPost)
	case errors.Is(err, importer.ErrTooManyImports):
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds))
	}

	if errors.Is(err, importer.ErrRowPersist) {
		writeJSON(w, status, emptyBody)
		return
	}
	writeJSON(w, status, ErrorResponse{
		Error:   userMsg.Message,
		Message: userMsg.Message,
		Action:  userMsg.Action,
		Code:    userMsg.Code,
	})
}

// retryAfterSeconds is advertised when every import slot is busy.
const retryAfterSeconds = 30
