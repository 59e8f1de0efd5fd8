package store

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/firestore"
	"github.com/JonMunkholm/gndimport/internal/feature"
	"google.golang.org/api/iterator"
	"google.golang.org/genproto/googleapis/type/latlng"
)

// Firestore stores each feature as a document in
// projects/{projectID}/features with an auto-generated id.
type Firestore struct {
	client *firestore.Client
}

// NewFirestore returns a store backed by client.
func NewFirestore(client *firestore.Client) *Firestore {
	return &Firestore{client: client}
}

func (s *Firestore) features(projectID string) *firestore.CollectionRef {
	return s.client.Collection("projects").Doc(projectID).Collection("features")
}

// InsertFeature adds rec as a new document.
func (s *Firestore) InsertFeature(ctx context.Context, projectID, layerID string, rec *feature.Record) error {
	if err := checkLocation(rec.Location); err != nil {
		return err
	}
	if _, _, err := s.features(projectID).Add(ctx, firestoreDoc(layerID, rec)); err != nil {
		return fmt.Errorf("add feature document: %w", err)
	}
	return nil
}

// firestoreDoc builds the document body. Optional fields are left out rather
// than written as null.
func firestoreDoc(layerID string, rec *feature.Record) map[string]any {
	doc := map[string]any{
		"layerId": layerID,
		"location": &latlng.LatLng{
			Latitude:  rec.Location.Lat,
			Longitude: rec.Location.Lng,
		},
	}
	if rec.ID != nil {
		doc["id"] = *rec.ID
	}
	if rec.Caption != nil {
		doc["caption"] = *rec.Caption
	}
	if len(rec.Attributes) > 0 {
		doc["attributes"] = rec.Attributes
	}
	return doc
}

// Ping reads at most one project document to verify credentials and reach.
func (s *Firestore) Ping(ctx context.Context) error {
	iter := s.client.Collection("projects").Limit(1).Documents(ctx)
	defer iter.Stop()
	if _, err := iter.Next(); err != nil && !errors.Is(err, iterator.Done) {
		return fmt.Errorf("firestore ping: %w", err)
	}
	return nil
}

// Close releases the client's connections.
func (s *Firestore) Close() error {
	return s.client.Close()
}
