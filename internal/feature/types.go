// Package feature defines the point features produced by a CSV import and the
// column-alias rules that turn a CSV row into one.
package feature

import "strings"

// Field is a semantic role a CSV column can fill.
type Field string

const (
	FieldID      Field = "id"
	FieldCaption Field = "caption"
	FieldLat     Field = "lat"
	FieldLng     Field = "lng"
)

// fieldAliases lists the lowercase header names recognized for each role.
var fieldAliases = map[Field][]string{
	FieldID:      {"id", "key"},
	FieldCaption: {"caption", "name", "label"},
	FieldLat:     {"lat", "latitude", "y"},
	FieldLng:     {"lng", "lon", "long", "x"},
}

// aliasIndex is fieldAliases inverted: lowercase alias -> role.
var aliasIndex = invertAliases(fieldAliases)

func invertAliases(aliases map[Field][]string) map[string]Field {
	idx := make(map[string]Field)
	for f, names := range aliases {
		for _, name := range names {
			idx[name] = f
		}
	}
	return idx
}

// LookupField returns the role for a CSV header, matching case-insensitively.
// Headers are not trimmed: " lat" is an attribute, not a latitude.
func LookupField(header string) (Field, bool) {
	f, ok := aliasIndex[strings.ToLower(header)]
	return f, ok
}

// Aliases returns a copy of the header aliases recognized for f.
func Aliases(f Field) []string {
	return append([]string(nil), fieldAliases[f]...)
}

// Cell is one column of a CSV row.
type Cell struct {
	Header string
	Value  string
}

// Row is one non-header CSV line. Cells keep file order so duplicate headers
// resolve deterministically.
type Row struct {
	Line  int // 1-indexed line in the source file
	Cells []Cell
}

// Get returns the value of the last cell whose header equals name exactly.
func (r Row) Get(name string) (string, bool) {
	for i := len(r.Cells) - 1; i >= 0; i-- {
		if r.Cells[i].Header == name {
			return r.Cells[i].Value, true
		}
	}
	return "", false
}

// Point is a WGS84 coordinate.
type Point struct {
	Lat float64 `json:"latitude"`
	Lng float64 `json:"longitude"`
}

// InRange reports whether the point is a valid geographic position.
func (p Point) InRange() bool {
	return p.Lat >= -90 && p.Lat <= 90 && p.Lng >= -180 && p.Lng <= 180
}

// Record is a feature ready to be persisted. ID and Caption are nil when the
// row had no matching column. Attributes is nil when every column mapped to a
// role.
type Record struct {
	LayerID    string            `json:"layerId"`
	ID         *string           `json:"id,omitempty"`
	Caption    *string           `json:"caption,omitempty"`
	Location   Point             `json:"location"`
	Attributes map[string]string `json:"attributes,omitempty"`
}
