package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/otaforge/lifecycle/cmd/lifecycle/flasher"
	"github.com/otaforge/lifecycle/cmd/lifecycle/generator"
	"github.com/otaforge/lifecycle/cmd/lifecycle/models"
	"github.com/otaforge/lifecycle/common/clients"
	"github.com/otaforge/lifecycle/common/logger"
	"github.com/otaforge/lifecycle/common/queue"
)

// Lock policies for concurrent events targeting the same device
const (
	LockPolicyQueue    = "queue"
	LockPolicyFailFast = "fail_fast"
)

// OutcomesTopic is the in-process queue topic every attempt outcome is
// published to for auditing.
const OutcomesTopic = "lifecycle.outcomes"

// LifecycleService drives the regenerate-validate-commit-deploy cycle for
// one device event at a time per device.
type LifecycleService struct {
	registry   *RegistryService
	devices    DeviceStore
	store      *StoreService
	generator  generator.Generator
	flasher    flasher.Flasher
	guard      *EventGuard
	guardExpr  string
	locks      *deviceLocks
	lockPolicy string
	queue      queue.Queue
	log        *logger.Logger
	now        func() time.Time
}

// NewLifecycleService creates the lifecycle coordinator. guard may be nil
// when guardExpr is empty; q may be nil to disable outcome publishing.
func NewLifecycleService(
	registry *RegistryService,
	devices DeviceStore,
	store *StoreService,
	gen generator.Generator,
	flash flasher.Flasher,
	guard *EventGuard,
	guardExpr string,
	lockPolicy string,
	q queue.Queue,
	log *logger.Logger,
) *LifecycleService {
	if lockPolicy == "" {
		lockPolicy = LockPolicyQueue
	}
	return &LifecycleService{
		registry:   registry,
		devices:    devices,
		store:      store,
		generator:  gen,
		flasher:    flash,
		guard:      guard,
		guardExpr:  guardExpr,
		locks:      newDeviceLocks(),
		lockPolicy: lockPolicy,
		queue:      q,
		log:        log,
		now:        time.Now,
	}
}

// HandleEvent runs one full update attempt for a device event and returns
// its Outcome. Domain failures (generation, conflict, deploy, busy, policy)
// are reported in the Outcome; the error return is reserved for
// infrastructure faults where no definitive outcome exists.
//
// Caller cancellation is honored only before generation begins. Once the
// artifact exists, commit and deploy run to completion so the registry
// never ends up pointing at a half-finished attempt.
func (s *LifecycleService) HandleEvent(ctx context.Context, event *models.DeviceEvent) (*models.Outcome, error) {
	if event.DeviceID == "" {
		return nil, fmt.Errorf("device id is required")
	}

	attemptID := uuid.New().String()
	ctx = clients.WithAttemptID(ctx, attemptID)
	log := s.log.WithDeviceID(event.DeviceID)
	log.Info("handling device event", "attempt_id", attemptID, "details", event.EventDetails)

	release, ok := s.lock(event.DeviceID)
	if !ok {
		log.Warn("device busy, rejecting event", "attempt_id", attemptID)
		return s.finish(ctx, &models.Outcome{
			AttemptID:  attemptID,
			DeviceID:   event.DeviceID,
			State:      models.StateBusy,
			Message:    "another update attempt holds the device lock",
			FinishedAt: s.now().UTC(),
		}), nil
	}
	defer release()

	rec, _, err := s.registry.GetOrCreate(ctx, event.DeviceID, event.SensorSchema)
	if err != nil {
		return nil, fmt.Errorf("failed to read device record: %w", err)
	}

	if allowed, reason, err := s.allow(event, rec); err != nil || !allowed {
		msg := reason
		if err != nil {
			// A broken guard rejects rather than waving events through
			msg = err.Error()
			log.Error("guard evaluation failed", "attempt_id", attemptID, "error", err)
		}
		return s.finish(ctx, &models.Outcome{
			AttemptID:  attemptID,
			DeviceID:   event.DeviceID,
			State:      models.StateRejectedByPolicy,
			Message:    msg,
			FinishedAt: s.now().UTC(),
		}), nil
	}

	// Last point at which caller cancellation is honored
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	current, err := s.store.Get(ctx, rec.CurrentVersionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load current firmware %s: %w", rec.CurrentVersionID, err)
	}

	source, err := s.generator.Generate(ctx, &generator.Request{
		DeviceID:       event.DeviceID,
		EventDetails:   event.EventDetails,
		Policy:         event.Policy,
		SensorSchema:   rec.SensorSchema,
		CurrentVersion: rec.CurrentVersionID,
		CurrentSource:  string(current.SourceText),
	})
	if err == nil {
		err = generator.ValidateSource(source)
	}
	if err != nil {
		log.Warn("generation failed", "attempt_id", attemptID, "error", err)
		return s.finish(ctx, &models.Outcome{
			AttemptID:  attemptID,
			DeviceID:   event.DeviceID,
			State:      models.StateGenerationFailed,
			Message:    err.Error(),
			FinishedAt: s.now().UTC(),
		}), nil
	}

	// From here on the attempt must reach a definitive outcome even if the
	// caller goes away.
	commitCtx := context.WithoutCancel(ctx)

	versionID := models.NextVersionID(event.DeviceID, rec.CurrentVersionID, s.now())
	artifact := models.NewFirmwareArtifact(versionID, event.DeviceID, source, event.EventDetails, "generator")

	if err := s.store.Put(commitCtx, artifact); err != nil {
		if errors.Is(err, models.ErrDuplicateVersion) {
			log.Warn("version id already taken", "attempt_id", attemptID, "version_id", versionID)
			return s.finish(ctx, &models.Outcome{
				AttemptID:  attemptID,
				DeviceID:   event.DeviceID,
				State:      models.StateCommitConflict,
				Message:    fmt.Sprintf("version %s already exists with different content", versionID),
				FinishedAt: s.now().UTC(),
			}), nil
		}
		return nil, fmt.Errorf("failed to store artifact: %w", err)
	}

	updated, err := s.devices.CommitUpdate(commitCtx, event.DeviceID, rec.UpdateSequence, versionID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			// The device was deprovisioned between the registry read and the
			// commit; there is no record left to conflict with
			log.Warn("device deprovisioned during attempt", "attempt_id", attemptID)
			return s.finish(ctx, &models.Outcome{
				AttemptID:  attemptID,
				DeviceID:   event.DeviceID,
				State:      models.StateCommitConflict,
				Message:    fmt.Sprintf("device %s was deprovisioned while the attempt was in flight", event.DeviceID),
				FinishedAt: s.now().UTC(),
			}), nil
		}
		if errors.Is(err, models.ErrConflict) {
			log.Warn("commit conflict", "attempt_id", attemptID, "expected_sequence", rec.UpdateSequence)
			return s.finish(ctx, &models.Outcome{
				AttemptID:  attemptID,
				DeviceID:   event.DeviceID,
				State:      models.StateCommitConflict,
				Message:    err.Error(),
				FinishedAt: s.now().UTC(),
			}), nil
		}
		return nil, fmt.Errorf("failed to commit update: %w", err)
	}

	vlog := log.WithVersionID(versionID)
	if err := s.flasher.Deploy(commitCtx, event.DeviceID, artifact); err != nil {
		// The commit stands; only the push is unconfirmed
		vlog.Error("deploy failed after commit", "attempt_id", attemptID, "error", err)
		return s.finish(ctx, &models.Outcome{
			AttemptID:      attemptID,
			DeviceID:       event.DeviceID,
			State:          models.StateDeployFailed,
			VersionID:      versionID,
			UpdateSequence: updated.UpdateSequence,
			Message:        err.Error(),
			FinishedAt:     s.now().UTC(),
		}), nil
	}

	vlog.Info("update complete", "attempt_id", attemptID, "update_sequence", updated.UpdateSequence)
	return s.finish(ctx, &models.Outcome{
		AttemptID:      attemptID,
		DeviceID:       event.DeviceID,
		Success:        true,
		State:          models.StateDone,
		VersionID:      versionID,
		UpdateSequence: updated.UpdateSequence,
		FinishedAt:     s.now().UTC(),
	}), nil
}

// RetryDeploy re-pushes a device's current firmware without generating or
// committing anything. Used after a deploy_failed outcome.
func (s *LifecycleService) RetryDeploy(ctx context.Context, deviceID string) (*models.Outcome, error) {
	attemptID := uuid.New().String()
	ctx = clients.WithAttemptID(ctx, attemptID)

	release, ok := s.lock(deviceID)
	if !ok {
		return s.finish(ctx, &models.Outcome{
			AttemptID:  attemptID,
			DeviceID:   deviceID,
			State:      models.StateBusy,
			Message:    "another update attempt holds the device lock",
			FinishedAt: s.now().UTC(),
		}), nil
	}
	defer release()

	rec, err := s.devices.Get(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	artifact, err := s.store.Get(ctx, rec.CurrentVersionID)
	if err != nil {
		return nil, err
	}

	if err := s.flasher.Deploy(context.WithoutCancel(ctx), deviceID, artifact); err != nil {
		return s.finish(ctx, &models.Outcome{
			AttemptID:      attemptID,
			DeviceID:       deviceID,
			State:          models.StateDeployFailed,
			VersionID:      rec.CurrentVersionID,
			UpdateSequence: rec.UpdateSequence,
			Message:        err.Error(),
			FinishedAt:     s.now().UTC(),
		}), nil
	}

	return s.finish(ctx, &models.Outcome{
		AttemptID:      attemptID,
		DeviceID:       deviceID,
		Success:        true,
		State:          models.StateDone,
		VersionID:      rec.CurrentVersionID,
		UpdateSequence: rec.UpdateSequence,
		FinishedAt:     s.now().UTC(),
	}), nil
}

func (s *LifecycleService) lock(deviceID string) (func(), bool) {
	if s.lockPolicy == LockPolicyFailFast {
		return s.locks.tryAcquire(deviceID)
	}
	return s.locks.acquire(deviceID), true
}

func (s *LifecycleService) allow(event *models.DeviceEvent, rec *models.DeviceRecord) (bool, string, error) {
	if s.guardExpr == "" || s.guard == nil {
		return true, "", nil
	}

	allowed, err := s.guard.Allow(s.guardExpr,
		map[string]interface{}{
			"device_id": event.DeviceID,
			"details":   event.EventDetails,
			"policy":    event.Policy,
		},
		map[string]interface{}{
			"device_id":          rec.DeviceID,
			"current_version_id": rec.CurrentVersionID,
			"update_sequence":    rec.UpdateSequence,
			"version_count":      len(rec.VersionHistory),
		})
	if err != nil {
		return false, "", err
	}
	if !allowed {
		return false, "event rejected by guard expression", nil
	}
	return true, "", nil
}

// finish publishes the outcome for auditing and returns it
func (s *LifecycleService) finish(ctx context.Context, outcome *models.Outcome) *models.Outcome {
	if s.queue == nil {
		return outcome
	}
	data, err := json.Marshal(outcome)
	if err != nil {
		return outcome
	}
	if err := s.queue.Publish(context.WithoutCancel(ctx), OutcomesTopic, outcome.DeviceID, data); err != nil {
		s.log.Warn("failed to publish outcome", "device_id", outcome.DeviceID, "error", err)
	}
	return outcome
}
