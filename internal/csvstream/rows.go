package csvstream

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/JonMunkholm/gndimport/internal/feature"
)

// ErrMalformedCSV is returned when the file is not structurally valid CSV.
var ErrMalformedCSV = errors.New("invalid csv")

// RowReader yields the data rows of a CSV stream one at a time. The first
// line is the header. A RowReader makes a single pass over its source.
type RowReader struct {
	cr     *csv.Reader
	header []string
	err    error
}

// NewRowReader returns a RowReader over r. Rows may have more or fewer cells
// than the header: extra cells are named "_<index>", missing ones are absent.
func NewRowReader(r io.Reader) *RowReader {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	return &RowReader{cr: cr}
}

// Header returns the header row, or nil before the first call to Next.
func (rr *RowReader) Header() []string {
	return rr.header
}

// Next returns the next data row. It returns io.EOF after the last row, an
// error wrapping ErrMalformedCSV for structural problems, or the source's
// read error. Errors are sticky.
func (rr *RowReader) Next() (feature.Row, error) {
	if rr.err != nil {
		return feature.Row{}, rr.err
	}

	if rr.header == nil {
		h, err := rr.cr.Read()
		if err != nil {
			rr.err = wrapReadError(err)
			return feature.Row{}, rr.err
		}
		rr.header = h
	}

	rec, err := rr.cr.Read()
	if err != nil {
		rr.err = wrapReadError(err)
		return feature.Row{}, rr.err
	}

	line, _ := rr.cr.FieldPos(0)
	cells := make([]feature.Cell, len(rec))
	for i, v := range rec {
		cells[i] = feature.Cell{Header: rr.columnName(i), Value: v}
	}
	return feature.Row{Line: line, Cells: cells}, nil
}

func (rr *RowReader) columnName(i int) string {
	if i < len(rr.header) {
		return rr.header[i]
	}
	return "_" + strconv.Itoa(i)
}

func wrapReadError(err error) error {
	if errors.Is(err, io.EOF) {
		return io.EOF
	}
	var pe *csv.ParseError
	if errors.As(err, &pe) {
		return fmt.Errorf("%w: line %d: %v", ErrMalformedCSV, pe.StartLine, pe.Err)
	}
	return err
}
