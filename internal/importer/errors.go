package importer

import (
	"errors"
	"fmt"

	"github.com/JonMunkholm/gndimport/internal/csvstream"
)

var (
	// ErrMethodNotAllowed is returned for any verb other than POST.
	ErrMethodNotAllowed = errors.New("method not allowed")

	// ErrMissingFields is returned when the file part arrives before both
	// the project and layer fields were seen.
	ErrMissingFields = errors.New("missing project or layer")

	// ErrInvalidForm is returned when the body is not a readable
	// multipart/form-data stream.
	ErrInvalidForm = errors.New("invalid multipart form")

	// ErrNoFile is returned when a multipart body contains no file part.
	ErrNoFile = errors.New("no file provided")

	// ErrMalformedCSV is returned when the upload is not structurally valid CSV.
	ErrMalformedCSV = csvstream.ErrMalformedCSV

	// ErrRowPersist is returned when the store rejects a feature. Rows
	// persisted before the failure stay persisted.
	ErrRowPersist = errors.New("feature insert failed")
)

// RowError reports the CSV line whose insert failed. It matches both
// ErrRowPersist and the store's error under errors.Is.
type RowError struct {
	Line int
	Err  error
}

func (e *RowError) Error() string {
	return fmt.Sprintf("%v: line %d: %v", ErrRowPersist, e.Line, e.Err)
}

func (e *RowError) Unwrap() []error {
	return []error{ErrRowPersist, e.Err}
}
