package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/otaforge/lifecycle/cmd/lifecycle/models"
)

// MemoryStore is an in-memory registry and artifact store with the same
// semantics as the Postgres repositories. Used for tests and for running
// without a database (STORAGE_BACKEND=memory).
type MemoryStore struct {
	mu        sync.RWMutex
	devices   map[string]*models.DeviceRecord
	artifacts map[string]*models.FirmwareArtifact
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		devices:   make(map[string]*models.DeviceRecord),
		artifacts: make(map[string]*models.FirmwareArtifact),
	}
}

// GetOrCreate returns the existing record or creates one with its seed
// artifact. The bool reports whether this call created the record.
func (s *MemoryStore) GetOrCreate(ctx context.Context, rec *models.DeviceRecord, seed *models.FirmwareArtifact) (*models.DeviceRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.devices[rec.DeviceID]; ok {
		return existing.Clone(), false, nil
	}

	now := time.Now().UTC()
	created := rec.Clone()
	created.CurrentVersionID = seed.VersionID
	created.VersionHistory = []string{seed.VersionID}
	created.UpdateSequence = 0
	created.CreatedAt = now
	created.UpdatedAt = now
	s.devices[rec.DeviceID] = created

	if _, ok := s.artifacts[seed.VersionID]; !ok {
		s.artifacts[seed.VersionID] = seed.Clone()
	}

	return created.Clone(), true, nil
}

// Get retrieves a device record
func (s *MemoryStore) Get(ctx context.Context, deviceID string) (*models.DeviceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.devices[deviceID]
	if !ok {
		return nil, fmt.Errorf("device %s: %w", deviceID, models.ErrNotFound)
	}
	return rec.Clone(), nil
}

// CommitUpdate appends the new version and advances the current pointer if
// expectedSequence still matches. The record is left untouched on conflict.
func (s *MemoryStore) CommitUpdate(ctx context.Context, deviceID string, expectedSequence int64, newVersionID string) (*models.DeviceRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.devices[deviceID]
	if !ok {
		return nil, fmt.Errorf("device %s: %w", deviceID, models.ErrNotFound)
	}
	if rec.UpdateSequence != expectedSequence {
		return nil, fmt.Errorf("device %s at sequence %d: %w", deviceID, expectedSequence, models.ErrConflict)
	}

	rec.CurrentVersionID = newVersionID
	rec.VersionHistory = append(rec.VersionHistory, newVersionID)
	rec.UpdateSequence++
	rec.UpdatedAt = time.Now().UTC()

	return rec.Clone(), nil
}

// UpdateSchema replaces a device's sensor schema
func (s *MemoryStore) UpdateSchema(ctx context.Context, deviceID string, schema models.SensorSchema) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.devices[deviceID]
	if !ok {
		return fmt.Errorf("device %s: %w", deviceID, models.ErrNotFound)
	}

	rec.SensorSchema = schema.Clone()
	rec.UpdatedAt = time.Now().UTC()
	return nil
}

// Delete deprovisions a device. Artifacts are retained for audit.
func (s *MemoryStore) Delete(ctx context.Context, deviceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.devices[deviceID]; !ok {
		return fmt.Errorf("device %s: %w", deviceID, models.ErrNotFound)
	}
	delete(s.devices, deviceID)
	return nil
}

// List retrieves all device records
func (s *MemoryStore) List(ctx context.Context) ([]*models.DeviceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	records := make([]*models.DeviceRecord, 0, len(s.devices))
	for _, rec := range s.devices {
		records = append(records, rec.Clone())
	}
	return records, nil
}

// History retrieves the ordered version history for a device
func (s *MemoryStore) History(ctx context.Context, deviceID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.devices[deviceID]
	if !ok {
		return nil, fmt.Errorf("device %s: %w", deviceID, models.ErrNotFound)
	}

	history := make([]string, len(rec.VersionHistory))
	copy(history, rec.VersionHistory)
	return history, nil
}

// Put stores an artifact, write-once. Re-storing identical bytes is a no-op;
// divergent bytes under an existing version id return models.ErrDuplicateVersion.
func (s *MemoryStore) Put(ctx context.Context, artifact *models.FirmwareArtifact) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.artifacts[artifact.VersionID]; ok {
		if existing.SameContent(artifact) {
			return nil
		}
		return fmt.Errorf("version %s: %w", artifact.VersionID, models.ErrDuplicateVersion)
	}

	s.artifacts[artifact.VersionID] = artifact.Clone()
	return nil
}

// GetArtifact retrieves an artifact by version id
func (s *MemoryStore) GetArtifact(ctx context.Context, versionID string) (*models.FirmwareArtifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	artifact, ok := s.artifacts[versionID]
	if !ok {
		return nil, fmt.Errorf("artifact %s: %w", versionID, models.ErrNotFound)
	}
	return artifact.Clone(), nil
}

// ListArtifactsByDevice retrieves all artifacts for a device, oldest first
func (s *MemoryStore) ListArtifactsByDevice(ctx context.Context, deviceID string) ([]*models.FirmwareArtifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var artifacts []*models.FirmwareArtifact
	for _, artifact := range s.artifacts {
		if artifact.DeviceID == deviceID {
			artifacts = append(artifacts, artifact.Clone())
		}
	}
	sort.Slice(artifacts, func(i, j int) bool {
		return artifacts[i].VersionID < artifacts[j].VersionID
	})
	return artifacts, nil
}

// MemoryFirmwareStore exposes the artifact half of a MemoryStore under the
// method names the services expect.
type MemoryFirmwareStore struct {
	store *MemoryStore
}

// FirmwareStore returns the artifact-store view of this memory store
func (s *MemoryStore) FirmwareStore() *MemoryFirmwareStore {
	return &MemoryFirmwareStore{store: s}
}

func (m *MemoryFirmwareStore) Put(ctx context.Context, artifact *models.FirmwareArtifact) error {
	return m.store.Put(ctx, artifact)
}

func (m *MemoryFirmwareStore) Get(ctx context.Context, versionID string) (*models.FirmwareArtifact, error) {
	return m.store.GetArtifact(ctx, versionID)
}

func (m *MemoryFirmwareStore) ListByDevice(ctx context.Context, deviceID string) ([]*models.FirmwareArtifact, error) {
	return m.store.ListArtifactsByDevice(ctx, deviceID)
}
