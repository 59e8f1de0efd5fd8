package store

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"

	"cloud.google.com/go/firestore"
	"github.com/JonMunkholm/gndimport/internal/config"
	"github.com/JonMunkholm/gndimport/internal/feature"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Backend is a feature store the server and CLI can write to and probe.
type Backend interface {
	InsertFeature(ctx context.Context, projectID, layerID string, rec *feature.Record) error
	Ping(ctx context.Context) error
}

// Open connects the backend named by cfg.Store.Backend. The returned close
// function is safe to call more than once.
func Open(ctx context.Context, cfg *config.Config) (Backend, func(), error) {
	switch strings.ToLower(cfg.Store.Backend) {
	case config.BackendFirestore:
		client, err := firestore.NewClient(ctx, cfg.Firestore.ProjectID)
		if err != nil {
			return nil, nil, fmt.Errorf("firestore client: %w", err)
		}
		fs := NewFirestore(client)
		slog.Info("connected to firestore", "project", cfg.Firestore.ProjectID)
		return fs, sync.OnceFunc(func() { _ = fs.Close() }), nil

	case config.BackendMemory:
		slog.Warn("using in-memory feature store; imported features are not persisted")
		return NewMemory(), func() {}, nil

	case config.BackendPostgres:
		pool, err := OpenPool(ctx, cfg.Database)
		if err != nil {
			return nil, nil, err
		}
		pg := NewPostgres(pool)
		if cfg.Store.EnsureSchema {
			if err := pg.EnsureSchema(ctx); err != nil {
				pool.Close()
				return nil, nil, err
			}
		}
		return pg, sync.OnceFunc(pool.Close), nil

	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}

// OpenPool creates and verifies a pgx pool from db.
func OpenPool(ctx context.Context, db config.DatabaseConfig) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(db.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database URL: %w", err)
	}
	poolConfig.MaxConns = int32(db.MaxConns)
	poolConfig.MinConns = int32(db.MinConns)
	poolConfig.MaxConnLifetime = db.MaxConnLifetime
	poolConfig.MaxConnIdleTime = db.MaxConnIdleTime

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	// Log which database we connected to
	if u, err := url.Parse(db.URL); err == nil {
		slog.Info("connected to database", "name", strings.TrimPrefix(u.Path, "/"))
	} else {
		slog.Info("connected to database")
	}
	return pool, nil
}
