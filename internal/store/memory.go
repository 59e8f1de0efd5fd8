package store

import (
	"context"
	"sync"

	"github.com/JonMunkholm/gndimport/internal/feature"
)

// StoredFeature is a feature as kept by Memory.
type StoredFeature struct {
	ProjectID string
	Record    feature.Record
}

// Memory is an in-process store for tests and local runs.
type Memory struct {
	mu       sync.Mutex
	features []StoredFeature

	// FailWith, when set, is returned for features it matches.
	FailWith func(rec *feature.Record) error
}

// NewMemory returns an empty store.
func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) InsertFeature(ctx context.Context, projectID, layerID string, rec *feature.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := checkLocation(rec.Location); err != nil {
		return err
	}
	if m.FailWith != nil {
		if err := m.FailWith(rec); err != nil {
			return err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.features = append(m.features, StoredFeature{ProjectID: projectID, Record: *rec})
	return nil
}

// Features returns a copy of everything stored for projectID.
func (m *Memory) Features(projectID string) []StoredFeature {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []StoredFeature
	for _, f := range m.features {
		if f.ProjectID == projectID {
			out = append(out, f)
		}
	}
	return out
}

// Len returns the number of stored features across projects.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.features)
}

func (m *Memory) Ping(context.Context) error { return nil }
