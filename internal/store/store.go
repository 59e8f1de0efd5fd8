// Package store holds the feature store backends used by the importer.
//
// Every backend stores one document or row per feature, with no transaction
// spanning several features, and rejects coordinates outside the WGS84 range
// the same way a Firestore GeoPoint does.
package store

import (
	"errors"
	"fmt"

	"github.com/JonMunkholm/gndimport/internal/feature"
	"github.com/twpayne/go-geom"
)

// SRID of every stored geometry (WGS84 lon/lat).
const SRID = 4326

// ErrInvalidLocation is returned for latitudes outside [-90, 90] or
// longitudes outside [-180, 180].
var ErrInvalidLocation = errors.New("invalid location")

func checkLocation(p feature.Point) error {
	if !p.InRange() {
		return fmt.Errorf("%w: latitude %v, longitude %v", ErrInvalidLocation, p.Lat, p.Lng)
	}
	return nil
}

// pointGeometry converts p to an XY point. X is longitude.
func pointGeometry(p feature.Point) *geom.Point {
	return geom.NewPointFlat(geom.XY, []float64{p.Lng, p.Lat}).SetSRID(SRID)
}
