package importer

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestMapError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode string
	}{
		{"nil error returns empty", nil, ""},
		{"method not allowed", ErrMethodNotAllowed, "REQ001"},
		{"missing fields", ErrMissingFields, "IMP001"},
		{"wrapped missing fields", fmt.Errorf("decode: %w", ErrMissingFields), "IMP001"},
		{"row persist", &RowError{Line: 7, Err: errors.New("quota exceeded")}, "IMP002"},
		{"row persist over store timeout", &RowError{Line: 7, Err: context.DeadlineExceeded}, "IMP002"},
		{"no file", ErrNoFile, "FILE004"},
		{"invalid form", fmt.Errorf("%w: %w", ErrInvalidForm, errors.New("multipart: NextPart: EOF")), "FILE003"},
		{"malformed csv", fmt.Errorf("%w: line 3: bare quote", ErrMalformedCSV), "FILE002"},
		{"too many imports", ErrTooManyImports, "UPL002"},
		{"cancelled", context.Canceled, "UPL004"},
		{"deadline", fmt.Errorf("read upload: %w", context.DeadlineExceeded), "UPL005"},
		{"body too large", &http.MaxBytesError{Limit: 10 << 20}, "FILE001"},
		{"connection refused", errors.New("dial tcp 127.0.0.1:5432: connect: connection refused"), "DB004"},
		{"connection reset", errors.New("read: Connection Reset by peer"), "DB005"},
		{"unknown", errors.New("something odd"), "ERR000"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := MapError(tt.err)
			if got.Code != tt.wantCode {
				t.Errorf("MapError(%v).Code = %q, want %q", tt.err, got.Code, tt.wantCode)
			}
			if tt.err != nil && (got.Message == "" || got.Action == "") {
				t.Errorf("MapError(%v) = %+v, want message and action", tt.err, got)
			}
		})
	}
}

func TestMapError_MaxBytesMessage(t *testing.T) {
	got := MapError(fmt.Errorf("read upload: %w", &http.MaxBytesError{Limit: 100 << 20}))
	if got.Message != "File exceeds maximum size limit (100MB)" {
		t.Errorf("Message = %q", got.Message)
	}
}

func TestStatusCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, http.StatusOK},
		{"method", ErrMethodNotAllowed, http.StatusMethodNotAllowed},
		{"missing fields", ErrMissingFields, http.StatusBadRequest},
		{"no file", ErrNoFile, http.StatusBadRequest},
		{"malformed", fmt.Errorf("%w: x", ErrMalformedCSV), http.StatusBadRequest},
		{"row", &RowError{Line: 2, Err: errors.New("x")}, http.StatusBadRequest},
		{"busy", ErrTooManyImports, http.StatusServiceUnavailable},
		{"deadline", context.DeadlineExceeded, http.StatusGatewayTimeout},
		{"too large", &http.MaxBytesError{Limit: 1}, http.StatusRequestEntityTooLarge},
		{"invalid form", ErrInvalidForm, http.StatusBadRequest},
		{"too large while reading form", fmt.Errorf("%w: %w", ErrInvalidForm, &http.MaxBytesError{Limit: 1}), http.StatusRequestEntityTooLarge},
		{"other", errors.New("x"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := StatusCode(tt.err); got != tt.want {
				t.Errorf("StatusCode(%v) = %d, want %d", tt.err, got, tt.want)
			}
		})
	}
}

func TestRowErrorMessage(t *testing.T) {
	err := &RowError{Line: 12, Err: errors.New("latitude out of range")}
	want := "feature insert failed: line 12: latitude out of range"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}
