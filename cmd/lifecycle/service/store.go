package service

import (
	"context"
	"encoding/json"
	"time"

	"github.com/otaforge/lifecycle/cmd/lifecycle/models"
	"github.com/otaforge/lifecycle/common/cache"
	"github.com/otaforge/lifecycle/common/logger"
)

// StoreService fronts the write-once artifact store with a read-through
// cache. Artifacts are immutable, so cached entries never go stale.
type StoreService struct {
	firmware FirmwareStore
	cache    cache.Cache
	cacheTTL time.Duration
	log      *logger.Logger
}

// NewStoreService creates a new artifact store service. cache may be nil to
// disable caching.
func NewStoreService(firmware FirmwareStore, c cache.Cache, cacheTTL time.Duration, log *logger.Logger) *StoreService {
	return &StoreService{
		firmware: firmware,
		cache:    c,
		cacheTTL: cacheTTL,
		log:      log,
	}
}

// Put stores an artifact. Re-storing identical bytes under the same version
// id is a no-op; divergent bytes return models.ErrDuplicateVersion.
func (s *StoreService) Put(ctx context.Context, artifact *models.FirmwareArtifact) error {
	if err := s.firmware.Put(ctx, artifact); err != nil {
		return err
	}
	s.cachePut(ctx, artifact)
	return nil
}

// Get retrieves an artifact, preferring the cache
func (s *StoreService) Get(ctx context.Context, versionID string) (*models.FirmwareArtifact, error) {
	if s.cache != nil {
		if data, ok, err := s.cache.Get(ctx, cacheKey(versionID)); err == nil && ok {
			artifact := &models.FirmwareArtifact{}
			if err := json.Unmarshal(data, artifact); err == nil {
				return artifact, nil
			}
			// Corrupt cache entry; fall through to the store
			_ = s.cache.Delete(ctx, cacheKey(versionID))
		}
	}

	artifact, err := s.firmware.Get(ctx, versionID)
	if err != nil {
		return nil, err
	}
	s.cachePut(ctx, artifact)
	return artifact, nil
}

// ListByDevice retrieves all artifacts for a device, oldest first
func (s *StoreService) ListByDevice(ctx context.Context, deviceID string) ([]*models.FirmwareArtifact, error) {
	return s.firmware.ListByDevice(ctx, deviceID)
}

func (s *StoreService) cachePut(ctx context.Context, artifact *models.FirmwareArtifact) {
	if s.cache == nil {
		return
	}
	data, err := json.Marshal(artifact)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, cacheKey(artifact.VersionID), data, s.cacheTTL); err != nil {
		s.log.Warn("failed to cache artifact", "version_id", artifact.VersionID, "error", err)
	}
}

func cacheKey(versionID string) string {
	return "firmware:" + versionID
}
