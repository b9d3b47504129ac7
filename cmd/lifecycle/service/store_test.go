package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/otaforge/lifecycle/cmd/lifecycle/models"
	"github.com/otaforge/lifecycle/cmd/lifecycle/repository"
	"github.com/otaforge/lifecycle/common/cache"
	"github.com/otaforge/lifecycle/common/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingStore wraps a FirmwareStore and counts backend reads
type countingStore struct {
	FirmwareStore
	mu   sync.Mutex
	gets int
}

func (s *countingStore) Get(ctx context.Context, versionID string) (*models.FirmwareArtifact, error) {
	s.mu.Lock()
	s.gets++
	s.mu.Unlock()
	return s.FirmwareStore.Get(ctx, versionID)
}

func (s *countingStore) getCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gets
}

func TestStoreServiceCacheReadThrough(t *testing.T) {
	log := logger.New("error", "text")
	mem := repository.NewMemoryStore()
	backend := &countingStore{FirmwareStore: mem.FirmwareStore()}
	store := NewStoreService(backend, cache.NewMemoryCache(log), time.Hour, log)
	ctx := context.Background()

	artifact := models.NewFirmwareArtifact("device-001:v2", "device-001", []byte("int x;"), "evt", "generator")
	require.NoError(t, store.Put(ctx, artifact))

	// Put primed the cache; reads never hit the backend
	for i := 0; i < 3; i++ {
		got, err := store.Get(ctx, "device-001:v2")
		require.NoError(t, err)
		assert.Equal(t, artifact.Checksum, got.Checksum)
		assert.Equal(t, artifact.SourceText, got.SourceText)
	}
	assert.Equal(t, 0, backend.getCount())
}

func TestStoreServiceWithoutCache(t *testing.T) {
	log := logger.New("error", "text")
	mem := repository.NewMemoryStore()
	backend := &countingStore{FirmwareStore: mem.FirmwareStore()}
	store := NewStoreService(backend, nil, time.Hour, log)
	ctx := context.Background()

	artifact := models.NewFirmwareArtifact("device-001:v2", "device-001", []byte("int x;"), "evt", "generator")
	require.NoError(t, store.Put(ctx, artifact))

	_, err := store.Get(ctx, "device-001:v2")
	require.NoError(t, err)
	_, err = store.Get(ctx, "device-001:v2")
	require.NoError(t, err)
	assert.Equal(t, 2, backend.getCount())
}

func TestStoreServiceDuplicatePropagates(t *testing.T) {
	log := logger.New("error", "text")
	mem := repository.NewMemoryStore()
	store := NewStoreService(mem.FirmwareStore(), nil, time.Hour, log)
	ctx := context.Background()

	first := models.NewFirmwareArtifact("device-001:v2", "device-001", []byte("int x = 1;"), "evt", "generator")
	require.NoError(t, store.Put(ctx, first))

	divergent := models.NewFirmwareArtifact("device-001:v2", "device-001", []byte("int x = 2;"), "evt", "generator")
	err := store.Put(ctx, divergent)
	assert.ErrorIs(t, err, models.ErrDuplicateVersion)
}
