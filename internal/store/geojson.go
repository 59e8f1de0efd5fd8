package store

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/JonMunkholm/gndimport/internal/feature"
	"github.com/twpayne/go-geom/encoding/geojson"
)

// GeoJSONWriter collects features in memory and writes them out as one
// FeatureCollection. It lets the CLI preview an import without a database.
type GeoJSONWriter struct {
	mu       sync.Mutex
	features []*geojson.Feature
}

// NewGeoJSONWriter returns an empty writer.
func NewGeoJSONWriter() *GeoJSONWriter {
	return &GeoJSONWriter{}
}

func (g *GeoJSONWriter) InsertFeature(_ context.Context, _, layerID string, rec *feature.Record) error {
	if err := checkLocation(rec.Location); err != nil {
		return err
	}

	props := map[string]any{"layerId": layerID}
	if rec.Caption != nil {
		props["caption"] = *rec.Caption
	}
	if len(rec.Attributes) > 0 {
		props["attributes"] = rec.Attributes
	}
	f := &geojson.Feature{
		Geometry:   pointGeometry(rec.Location),
		Properties: props,
	}
	if rec.ID != nil {
		f.ID = *rec.ID
	}

	g.mu.Lock()
	g.features = append(g.features, f)
	g.mu.Unlock()
	return nil
}

// Len returns the number of collected features.
func (g *GeoJSONWriter) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.features)
}

// WriteTo encodes the collection to w.
func (g *GeoJSONWriter) WriteTo(w io.Writer) (int64, error) {
	g.mu.Lock()
	fc := geojson.FeatureCollection{Features: append([]*geojson.Feature(nil), g.features...)}
	g.mu.Unlock()

	data, err := json.Marshal(&fc)
	if err != nil {
		return 0, fmt.Errorf("encode geojson: %w", err)
	}
	data = append(data, '\n')
	n, err := w.Write(data)
	return int64(n), err
}
