package store

import (
	"context"
	"fmt"

	"github.com/JonMunkholm/gndimport/internal/feature"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/twpayne/go-geom/encoding/ewkb"
)

// DBTX is satisfied by both *pgxpool.Pool and pgx.Tx.
type DBTX interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
}

const schemaSQL = `
CREATE EXTENSION IF NOT EXISTS postgis;

CREATE TABLE IF NOT EXISTS features (
	id          uuid PRIMARY KEY,
	project_id  text NOT NULL,
	layer_id    text NOT NULL,
	external_id text,
	caption     text,
	location    geometry(Point, 4326) NOT NULL,
	attributes  jsonb,
	created_at  timestamptz NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS features_project_layer_idx ON features (project_id, layer_id);
CREATE INDEX IF NOT EXISTS features_location_idx ON features USING gist (location);
`

const insertFeatureSQL = `
INSERT INTO features (id, project_id, layer_id, external_id, caption, location, attributes)
VALUES ($1, $2, $3, $4, $5, ST_GeomFromEWKB($6), $7)`

// Postgres stores features in a PostGIS table.
type Postgres struct {
	db DBTX
}

// NewPostgres returns a store backed by db.
func NewPostgres(db DBTX) *Postgres {
	return &Postgres{db: db}
}

// EnsureSchema creates the features table and its indexes if missing.
func (s *Postgres) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("create features schema: %w", err)
	}
	return nil
}

// InsertFeature writes rec as a new row with a generated id. The feature's
// own id, if any, is kept in external_id and is not unique.
func (s *Postgres) InsertFeature(ctx context.Context, projectID, layerID string, rec *feature.Record) error {
	if err := checkLocation(rec.Location); err != nil {
		return err
	}

	location, err := ewkb.Marshal(pointGeometry(rec.Location), ewkb.NDR)
	if err != nil {
		return fmt.Errorf("encode location: %w", err)
	}

	var attributes any
	if len(rec.Attributes) > 0 {
		attributes = rec.Attributes
	}

	_, err = s.db.Exec(ctx, insertFeatureSQL,
		pgtype.UUID{Bytes: uuid.New(), Valid: true},
		projectID,
		layerID,
		toPgText(rec.ID),
		toPgText(rec.Caption),
		location,
		attributes,
	)
	if err != nil {
		return fmt.Errorf("insert feature: %w", err)
	}
	return nil
}

// CountFeatures returns the number of features stored for a layer.
func (s *Postgres) CountFeatures(ctx context.Context, projectID, layerID string) (int64, error) {
	var n int64
	err := s.db.QueryRow(ctx,
		`SELECT count(*) FROM features WHERE project_id = $1 AND layer_id = $2`,
		projectID, layerID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count features: %w", err)
	}
	return n, nil
}

// Ping checks connectivity when the underlying handle is a pool.
func (s *Postgres) Ping(ctx context.Context) error {
	if pool, ok := s.db.(*pgxpool.Pool); ok {
		return pool.Ping(ctx)
	}
	return nil
}

func toPgText(s *string) pgtype.Text {
	if s == nil {
		return pgtype.Text{}
	}
	return pgtype.Text{String: *s, Valid: true}
}
