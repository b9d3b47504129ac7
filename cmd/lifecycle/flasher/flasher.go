package flasher

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/otaforge/lifecycle/cmd/lifecycle/models"
	"github.com/otaforge/lifecycle/common/logger"
	"github.com/otaforge/lifecycle/common/redis"
)

// Flasher pushes a committed firmware version out to the physical device.
// A returned error means the push did not reach the device; the registry
// commit that preceded it stands either way.
type Flasher interface {
	Deploy(ctx context.Context, deviceID string, artifact *models.FirmwareArtifact) error
}

// SimulatedFlasher publishes deployment jobs to a Redis stream consumed by
// flash workers, optionally injecting failures to exercise the
// deploy-failed path.
type SimulatedFlasher struct {
	redis       *redis.Client
	stream      string
	failureRate float64
	log         *logger.Logger

	mu  sync.Mutex
	rng *rand.Rand
}

// NewSimulatedFlasher creates a flasher that publishes to the given stream.
// failureRate in [0,1) is the probability a push is reported as failed.
func NewSimulatedFlasher(redisClient *redis.Client, stream string, failureRate float64, log *logger.Logger) *SimulatedFlasher {
	return &SimulatedFlasher{
		redis:       redisClient,
		stream:      stream,
		failureRate: failureRate,
		log:         log,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Deploy publishes the deployment job. Failure injection happens before
// publishing so a failed push leaves no job on the stream.
func (f *SimulatedFlasher) Deploy(ctx context.Context, deviceID string, artifact *models.FirmwareArtifact) error {
	if f.failureRate > 0 {
		f.mu.Lock()
		failed := f.rng.Float64() < f.failureRate
		f.mu.Unlock()
		if failed {
			f.log.Warn("injected deploy failure",
				"device_id", deviceID,
				"version_id", artifact.VersionID)
			return fmt.Errorf("simulated flash failure for device %s", deviceID)
		}
	}

	id, err := f.redis.AddToStream(ctx, f.stream, map[string]interface{}{
		"device_id":   deviceID,
		"version_id":  artifact.VersionID,
		"checksum":    artifact.Checksum,
		"size_bytes":  artifact.SizeBytes,
		"source_text": string(artifact.SourceText),
		"queued_at":   time.Now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return fmt.Errorf("failed to queue deployment: %w", err)
	}

	f.log.Info("deployment queued",
		"device_id", deviceID,
		"version_id", artifact.VersionID,
		"stream_id", id)
	return nil
}

// NoopFlasher accepts every deployment without side effects. Used in tests
// and when running without Redis.
type NoopFlasher struct{}

func (NoopFlasher) Deploy(ctx context.Context, deviceID string, artifact *models.FirmwareArtifact) error {
	return nil
}
