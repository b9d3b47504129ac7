package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/otaforge/lifecycle/cmd/lifecycle/generator"
	"github.com/otaforge/lifecycle/cmd/lifecycle/models"
	"github.com/otaforge/lifecycle/cmd/lifecycle/repository"
	"github.com/otaforge/lifecycle/common/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubGenerator returns canned source or a canned error. started/proceed
// allow tests to hold an attempt open mid-generation.
type stubGenerator struct {
	mu      sync.Mutex
	source  []byte
	err     error
	calls   int
	started chan struct{}
	proceed chan struct{}
}

func (g *stubGenerator) Generate(ctx context.Context, req *generator.Request) ([]byte, error) {
	g.mu.Lock()
	g.calls++
	calls := g.calls
	g.mu.Unlock()

	if g.started != nil {
		g.started <- struct{}{}
	}
	if g.proceed != nil {
		<-g.proceed
	}
	if g.err != nil {
		return nil, g.err
	}
	if g.source != nil {
		return g.source, nil
	}
	return []byte(fmt.Sprintf("// generated %d for %s\nvoid loop() {}\n", calls, req.DeviceID)), nil
}

func (g *stubGenerator) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

// stubFlasher fails the first failures deployments, then succeeds
type stubFlasher struct {
	mu       sync.Mutex
	failures int
	deployed []string
}

func (f *stubFlasher) Deploy(ctx context.Context, deviceID string, artifact *models.FirmwareArtifact) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return errors.New("flash rejected by device")
	}
	f.deployed = append(f.deployed, artifact.VersionID)
	return nil
}

type fixture struct {
	svc   *LifecycleService
	store *repository.MemoryStore
	gen   *stubGenerator
	flash *stubFlasher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWith(t, &stubGenerator{}, &stubFlasher{}, LockPolicyQueue, "")
}

func newFixtureWith(t *testing.T, gen *stubGenerator, flash *stubFlasher, lockPolicy, guardExpr string) *fixture {
	t.Helper()
	log := logger.New("error", "text")
	mem := repository.NewMemoryStore()

	guard, err := NewEventGuard()
	require.NoError(t, err)

	registry := NewRegistryService(mem, log)
	store := NewStoreService(mem.FirmwareStore(), nil, time.Hour, log)
	svc := NewLifecycleService(registry, mem, store, gen, flash, guard, guardExpr, lockPolicy, nil, log)
	return &fixture{svc: svc, store: mem, gen: gen, flash: flash}
}

func TestHandleEventSuccess(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	outcome, err := f.svc.HandleEvent(ctx, &models.DeviceEvent{
		DeviceID:     "device-001",
		EventDetails: "temperature spike",
	})
	require.NoError(t, err)
	assert.True(t, outcome.Success)
	assert.Equal(t, models.StateDone, outcome.State)
	assert.Equal(t, int64(1), outcome.UpdateSequence)
	assert.NotEmpty(t, outcome.AttemptID)

	rec, err := f.store.Get(ctx, "device-001")
	require.NoError(t, err)
	assert.Equal(t, outcome.VersionID, rec.CurrentVersionID)
	assert.Equal(t, int64(1), rec.UpdateSequence)
	require.Len(t, rec.VersionHistory, 2)
	assert.Equal(t, "device-001:v1.0", rec.VersionHistory[0])
	assert.Equal(t, outcome.VersionID, rec.VersionHistory[1])

	artifact, err := f.store.GetArtifact(ctx, outcome.VersionID)
	require.NoError(t, err)
	assert.NoError(t, generator.ValidateSource(artifact.SourceText))

	require.Len(t, f.flash.deployed, 1)
	assert.Equal(t, outcome.VersionID, f.flash.deployed[0])
}

func TestHandleEventRegistersUnknownDevice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.store.Get(ctx, "device-new")
	require.ErrorIs(t, err, models.ErrNotFound)

	outcome, err := f.svc.HandleEvent(ctx, &models.DeviceEvent{
		DeviceID:     "device-new",
		EventDetails: "first contact",
	})
	require.NoError(t, err)
	assert.Equal(t, models.StateDone, outcome.State)

	rec, err := f.store.Get(ctx, "device-new")
	require.NoError(t, err)
	assert.Equal(t, "device-new:v1.0", rec.VersionHistory[0])
	assert.Equal(t, models.DefaultSensorSchema(), rec.SensorSchema)

	// Seed artifact exists alongside the generated one
	_, err = f.store.GetArtifact(ctx, "device-new:v1.0")
	assert.NoError(t, err)
}

func TestHandleEventGenerationFailureLeavesDeviceUntouched(t *testing.T) {
	gen := &stubGenerator{err: errors.New("model unavailable")}
	f := newFixtureWith(t, gen, &stubFlasher{}, LockPolicyQueue, "")
	ctx := context.Background()

	outcome, err := f.svc.HandleEvent(ctx, &models.DeviceEvent{
		DeviceID:     "device-001",
		EventDetails: "spike",
	})
	require.NoError(t, err)
	assert.False(t, outcome.Success)
	assert.Equal(t, models.StateGenerationFailed, outcome.State)
	assert.False(t, outcome.Committed())
	assert.Empty(t, outcome.VersionID)

	rec, err := f.store.Get(ctx, "device-001")
	require.NoError(t, err)
	assert.Equal(t, "device-001:v1.0", rec.CurrentVersionID)
	assert.Equal(t, int64(0), rec.UpdateSequence)
	assert.Len(t, rec.VersionHistory, 1)
	assert.Empty(t, f.flash.deployed)
}

func TestHandleEventErrorReportOutputIsGenerationFailure(t *testing.T) {
	gen := &stubGenerator{source: []byte("Error: refusing to write firmware")}
	f := newFixtureWith(t, gen, &stubFlasher{}, LockPolicyQueue, "")

	outcome, err := f.svc.HandleEvent(context.Background(), &models.DeviceEvent{
		DeviceID:     "device-001",
		EventDetails: "spike",
	})
	require.NoError(t, err)
	assert.Equal(t, models.StateGenerationFailed, outcome.State)
	assert.Contains(t, outcome.Message, "refusing to write firmware")
}

func TestHandleEventDeployFailureKeepsCommit(t *testing.T) {
	flash := &stubFlasher{failures: 1}
	f := newFixtureWith(t, &stubGenerator{}, flash, LockPolicyQueue, "")
	ctx := context.Background()

	outcome, err := f.svc.HandleEvent(ctx, &models.DeviceEvent{
		DeviceID:     "device-001",
		EventDetails: "spike",
	})
	require.NoError(t, err)
	assert.False(t, outcome.Success)
	assert.Equal(t, models.StateDeployFailed, outcome.State)
	assert.True(t, outcome.Committed())
	assert.NotEmpty(t, outcome.VersionID)

	// The registry reflects the new version even though the push failed
	rec, err := f.store.Get(ctx, "device-001")
	require.NoError(t, err)
	assert.Equal(t, outcome.VersionID, rec.CurrentVersionID)
	assert.Equal(t, int64(1), rec.UpdateSequence)
}

func TestHandleEventDeviceDeprovisionedMidAttempt(t *testing.T) {
	gen := &stubGenerator{
		started: make(chan struct{}, 1),
		proceed: make(chan struct{}),
	}
	f := newFixtureWith(t, gen, &stubFlasher{}, LockPolicyQueue, "")
	ctx := context.Background()

	done := make(chan *models.Outcome, 1)
	go func() {
		outcome, err := f.svc.HandleEvent(ctx, &models.DeviceEvent{
			DeviceID:     "device-001",
			EventDetails: "spike",
		})
		assert.NoError(t, err)
		done <- outcome
	}()

	<-gen.started
	// Deprovision the device while the attempt is mid-generation
	require.NoError(t, f.store.Delete(ctx, "device-001"))
	close(gen.proceed)

	outcome := <-done
	assert.False(t, outcome.Success)
	assert.Equal(t, models.StateCommitConflict, outcome.State)
	assert.Contains(t, outcome.Message, "deprovisioned")
	assert.Empty(t, f.flash.deployed)
}

func TestRetryDeployAfterFailure(t *testing.T) {
	flash := &stubFlasher{failures: 1}
	f := newFixtureWith(t, &stubGenerator{}, flash, LockPolicyQueue, "")
	ctx := context.Background()

	failed, err := f.svc.HandleEvent(ctx, &models.DeviceEvent{
		DeviceID:     "device-001",
		EventDetails: "spike",
	})
	require.NoError(t, err)
	require.Equal(t, models.StateDeployFailed, failed.State)

	retried, err := f.svc.RetryDeploy(ctx, "device-001")
	require.NoError(t, err)
	assert.True(t, retried.Success)
	assert.Equal(t, models.StateDone, retried.State)
	assert.Equal(t, failed.VersionID, retried.VersionID)

	// Retry pushes, it does not regenerate or commit
	rec, err := f.store.Get(ctx, "device-001")
	require.NoError(t, err)
	assert.Equal(t, int64(1), rec.UpdateSequence)
	assert.Equal(t, 1, f.gen.callCount())
}

func TestHandleEventConcurrentSameDevice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	const attempts = 10
	var wg sync.WaitGroup
	outcomes := make(chan *models.Outcome, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcome, err := f.svc.HandleEvent(ctx, &models.DeviceEvent{
				DeviceID:     "device-001",
				EventDetails: fmt.Sprintf("event %d", i),
			})
			assert.NoError(t, err)
			outcomes <- outcome
		}(i)
	}
	wg.Wait()
	close(outcomes)

	for outcome := range outcomes {
		assert.Equal(t, models.StateDone, outcome.State)
	}

	// Every attempt serialized behind the lock and committed in turn
	rec, err := f.store.Get(ctx, "device-001")
	require.NoError(t, err)
	assert.Equal(t, int64(attempts), rec.UpdateSequence)
	assert.Len(t, rec.VersionHistory, attempts+1)

	seen := make(map[string]bool)
	for _, versionID := range rec.VersionHistory {
		assert.False(t, seen[versionID], "duplicate version id %s", versionID)
		seen[versionID] = true
	}
}

func TestHandleEventFailFastReturnsBusy(t *testing.T) {
	gen := &stubGenerator{
		started: make(chan struct{}, 1),
		proceed: make(chan struct{}),
	}
	f := newFixtureWith(t, gen, &stubFlasher{}, LockPolicyFailFast, "")
	ctx := context.Background()

	done := make(chan *models.Outcome, 1)
	go func() {
		outcome, err := f.svc.HandleEvent(ctx, &models.DeviceEvent{
			DeviceID:     "device-001",
			EventDetails: "slow event",
		})
		assert.NoError(t, err)
		done <- outcome
	}()

	<-gen.started // first attempt holds the device lock

	busy, err := f.svc.HandleEvent(ctx, &models.DeviceEvent{
		DeviceID:     "device-001",
		EventDetails: "impatient event",
	})
	require.NoError(t, err)
	assert.Equal(t, models.StateBusy, busy.State)
	assert.False(t, busy.Committed())

	close(gen.proceed)
	first := <-done
	assert.Equal(t, models.StateDone, first.State)

	// Only the first attempt committed
	rec, err := f.store.Get(ctx, "device-001")
	require.NoError(t, err)
	assert.Equal(t, int64(1), rec.UpdateSequence)
}

func TestHandleEventCancelledBeforeGeneration(t *testing.T) {
	f := newFixture(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.svc.HandleEvent(ctx, &models.DeviceEvent{
		DeviceID:     "device-001",
		EventDetails: "spike",
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, f.gen.callCount())
}

func TestHandleEventGuardRejection(t *testing.T) {
	f := newFixtureWith(t, &stubGenerator{}, &stubFlasher{},
		LockPolicyQueue, `event.policy != "hold"`)
	ctx := context.Background()

	rejected, err := f.svc.HandleEvent(ctx, &models.DeviceEvent{
		DeviceID:     "device-001",
		EventDetails: "spike",
		Policy:       "hold",
	})
	require.NoError(t, err)
	assert.Equal(t, models.StateRejectedByPolicy, rejected.State)
	assert.Equal(t, 0, f.gen.callCount())

	allowed, err := f.svc.HandleEvent(ctx, &models.DeviceEvent{
		DeviceID:     "device-001",
		EventDetails: "spike",
		Policy:       "proceed",
	})
	require.NoError(t, err)
	assert.Equal(t, models.StateDone, allowed.State)
}

func TestHandleEventRequiresDeviceID(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.HandleEvent(context.Background(), &models.DeviceEvent{
		EventDetails: "spike",
	})
	assert.Error(t, err)
}
