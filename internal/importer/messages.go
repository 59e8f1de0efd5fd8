package importer

// messages.go maps import errors to user-facing messages with support codes.
//
//	REQ001  - Method not allowed
//	IMP001  - Missing project or layer field
//	IMP002  - A feature could not be saved
//	FILE001 - Upload exceeds the size limit
//	FILE002 - Not a valid CSV
//	FILE003 - Not a multipart form upload
//	FILE004 - No file in the upload
//	UPL002  - Too many imports in progress
//	UPL004  - Request cancelled
//	UPL005  - Request timed out
//	DB004   - Store unreachable
//	DB005   - Store connection interrupted
//	ERR000  - Anything else
//
// Sentinel errors are matched with errors.Is first. Store errors arrive from
// several backends as plain text, so the remaining cases match on substrings.

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// UserMessage is a client-safe description of an error.
type UserMessage struct {
	Message string
	Action  string
	Code    string
}

type sentinelMessage struct {
	err error
	msg UserMessage
}

// Order matters: a RowError wrapping a store timeout is still IMP002.
var sentinelMessages = []sentinelMessage{
	{ErrMethodNotAllowed, UserMessage{
		Message: "Only POST is supported",
		Action:  "Send the CSV as a multipart POST request",
		Code:    "REQ001",
	}},
	{ErrMissingFields, UserMessage{
		Message: "Project and layer are required",
		Action:  "Send the project and layer fields before the file",
		Code:    "IMP001",
	}},
	{ErrRowPersist, UserMessage{
		Message: "A feature could not be saved",
		Action:  "Check the coordinates in your file and try again",
		Code:    "IMP002",
	}},
	{ErrNoFile, UserMessage{
		Message: "No file was selected",
		Action:  "Please select a CSV file to upload",
		Code:    "FILE004",
	}},
	{ErrInvalidForm, UserMessage{
		Message: "Upload is not a valid form submission",
		Action:  "Send the file as multipart/form-data",
		Code:    "FILE003",
	}},
	{ErrMalformedCSV, UserMessage{
		Message: "File is not a valid CSV",
		Action:  "Ensure the file is comma-separated with a header row",
		Code:    "FILE002",
	}},
	{ErrTooManyImports, UserMessage{
		Message: "Too many imports in progress",
		Action:  "Please wait a moment and try again",
		Code:    "UPL002",
	}},
	{context.Canceled, UserMessage{
		Message: "Request was cancelled",
		Action:  "Please try again",
		Code:    "UPL004",
	}},
	{context.DeadlineExceeded, UserMessage{
		Message: "Request timed out",
		Action:  "Try importing a smaller file or try again later",
		Code:    "UPL005",
	}},
}

type errorPattern struct {
	pattern string
	msg     UserMessage
}

var errorPatterns = []errorPattern{
	{"request body too large", UserMessage{
		Message: "File exceeds maximum size limit",
		Action:  "Split the file into smaller chunks",
		Code:    "FILE001",
	}},
	{"connection refused", UserMessage{
		Message: "Unable to connect to the feature store",
		Action:  "Please try again in a few moments",
		Code:    "DB004",
	}},
	{"connection reset", UserMessage{
		Message: "Feature store connection was interrupted",
		Action:  "Please try again",
		Code:    "DB005",
	}},
}

var defaultMessage = UserMessage{
	Message: "An unexpected error occurred",
	Action:  "Please try again or contact support",
	Code:    "ERR000",
}

// MapError returns the user-facing message for err. A nil error maps to the
// zero UserMessage.
func MapError(err error) UserMessage {
	if err == nil {
		return UserMessage{}
	}

	var maxBytes *http.MaxBytesError
	if errors.As(err, &maxBytes) {
		return UserMessage{
			Message: fmt.Sprintf("File exceeds maximum size limit (%dMB)", maxBytes.Limit/(1024*1024)),
			Action:  "Split the file into smaller chunks",
			Code:    "FILE001",
		}
	}

	for _, sm := range sentinelMessages {
		if errors.Is(err, sm.err) {
			return sm.msg
		}
	}

	text := strings.ToLower(err.Error())
	for _, ep := range errorPatterns {
		if strings.Contains(text, ep.pattern) {
			return ep.msg
		}
	}

	return defaultMessage
}

// StatusCode returns the HTTP status for an import error.
func StatusCode(err error) int {
	if err == nil {
		return http.StatusOK
	}
	var maxBytes *http.MaxBytesError
	if errors.As(err, &maxBytes) {
		return http.StatusRequestEntityTooLarge
	}
	switch {
	case errors.Is(err, ErrMethodNotAllowed):
		return http.StatusMethodNotAllowed
	case errors.Is(err, ErrTooManyImports):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrRowPersist),
		errors.Is(err, ErrMissingFields),
		errors.Is(err, ErrNoFile),
		errors.Is(err, ErrInvalidForm),
		errors.Is(err, ErrMalformedCSV):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}
