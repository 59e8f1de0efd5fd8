package feature

import (
	"math"
	"regexp"
	"strconv"
	"strings"
)

// Plain decimal with optional sign and exponent. Rejects hex floats, Inf, NaN
// and thousands separators that strconv would otherwise accept or misread.
var numericRegex = regexp.MustCompile(`^[+-]?(\d+(\.\d*)?|\.\d+)([eE][+-]?\d+)?$`)

// MapRow converts a CSV row into a feature on layerID.
//
// Each header is matched against the alias table; matched values fill id,
// caption, lat and lng (the last matching column wins), everything else is
// kept verbatim in Attributes under its original header. MapRow returns nil
// when lat or lng is missing or is not a finite decimal number.
func MapRow(row Row, layerID string) *Record {
	var (
		id, caption *string
		lat, lng    *string
		attrs       map[string]string
	)

	for _, c := range row.Cells {
		v := c.Value
		f, ok := LookupField(c.Header)
		if !ok {
			if attrs == nil {
				attrs = make(map[string]string)
			}
			attrs[c.Header] = v
			continue
		}
		switch f {
		case FieldID:
			id = &v
		case FieldCaption:
			caption = &v
		case FieldLat:
			lat = &v
		case FieldLng:
			lng = &v
		}
	}

	latVal, ok := parseCoordinate(lat)
	if !ok {
		return nil
	}
	lngVal, ok := parseCoordinate(lng)
	if !ok {
		return nil
	}

	return &Record{
		LayerID:    layerID,
		ID:         id,
		Caption:    caption,
		Location:   Point{Lat: latVal, Lng: lngVal},
		Attributes: attrs,
	}
}

func parseCoordinate(raw *string) (float64, bool) {
	if raw == nil {
		return 0, false
	}
	s := strings.TrimSpace(*raw)
	if !numericRegex.MatchString(s) {
		return 0, false
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsInf(f, 0) || math.IsNaN(f) {
		return 0, false
	}
	return f, true
}
