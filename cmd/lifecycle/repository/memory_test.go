package repository

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/otaforge/lifecycle/cmd/lifecycle/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedFor(deviceID string) (*models.DeviceRecord, *models.FirmwareArtifact) {
	rec := &models.DeviceRecord{
		DeviceID:     deviceID,
		SensorSchema: models.DefaultSensorSchema(),
	}
	seed := models.NewFirmwareArtifact(
		models.SeedVersionID(deviceID),
		deviceID,
		[]byte("void setup() {}\nvoid loop() {}\n"),
		"provisioning",
		"system",
	)
	return rec, seed
}

func TestGetOrCreateIdempotent(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	rec, seed := seedFor("device-001")
	first, created, err := store.GetOrCreate(ctx, rec, seed)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "device-001:v1.0", first.CurrentVersionID)
	assert.Equal(t, []string{"device-001:v1.0"}, first.VersionHistory)
	assert.Equal(t, int64(0), first.UpdateSequence)

	second, created, err := store.GetOrCreate(ctx, rec, seed)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.CurrentVersionID, second.CurrentVersionID)
	assert.Equal(t, first.UpdateSequence, second.UpdateSequence)

	// Seed artifact is readable
	artifact, err := store.GetArtifact(ctx, seed.VersionID)
	require.NoError(t, err)
	assert.Equal(t, seed.SourceText, artifact.SourceText)
}

func TestGetOrCreateConcurrent(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	var wg sync.WaitGroup
	createdCount := make(chan bool, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec, seed := seedFor("device-racy")
			_, created, err := store.GetOrCreate(ctx, rec, seed)
			assert.NoError(t, err)
			createdCount <- created
		}()
	}
	wg.Wait()
	close(createdCount)

	wins := 0
	for created := range createdCount {
		if created {
			wins++
		}
	}
	assert.Equal(t, 1, wins, "exactly one caller should create the record")
}

func TestCommitUpdateAdvancesSequence(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	rec, seed := seedFor("device-001")
	_, _, err := store.GetOrCreate(ctx, rec, seed)
	require.NoError(t, err)

	updated, err := store.CommitUpdate(ctx, "device-001", 0, "device-001:v20260101T000000.000000")
	require.NoError(t, err)
	assert.Equal(t, int64(1), updated.UpdateSequence)
	assert.Equal(t, "device-001:v20260101T000000.000000", updated.CurrentVersionID)
	assert.Equal(t, []string{"device-001:v1.0", "device-001:v20260101T000000.000000"}, updated.VersionHistory)
}

func TestCommitUpdateConflictLeavesRecordUntouched(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	rec, seed := seedFor("device-001")
	_, _, err := store.GetOrCreate(ctx, rec, seed)
	require.NoError(t, err)

	before, err := store.Get(ctx, "device-001")
	require.NoError(t, err)

	_, err = store.CommitUpdate(ctx, "device-001", 7, "device-001:v20260101T000000.000000")
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrConflict)

	after, err := store.Get(ctx, "device-001")
	require.NoError(t, err)
	assert.Equal(t, before.CurrentVersionID, after.CurrentVersionID)
	assert.Equal(t, before.UpdateSequence, after.UpdateSequence)
	assert.Equal(t, before.VersionHistory, after.VersionHistory)
}

func TestCommitUpdateUnknownDevice(t *testing.T) {
	store := NewMemoryStore()

	_, err := store.CommitUpdate(context.Background(), "ghost", 0, "ghost:v1.0")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestPutWriteOnce(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	artifact := models.NewFirmwareArtifact("device-001:v2", "device-001", []byte("int x = 1;"), "evt", "generator")
	require.NoError(t, store.Put(ctx, artifact))

	// Identical re-put is a no-op
	require.NoError(t, store.Put(ctx, artifact.Clone()))

	// Divergent bytes under the same version id are rejected
	divergent := models.NewFirmwareArtifact("device-001:v2", "device-001", []byte("int x = 2;"), "evt", "generator")
	err := store.Put(ctx, divergent)
	assert.ErrorIs(t, err, models.ErrDuplicateVersion)

	// Stored bytes are unchanged
	got, err := store.GetArtifact(ctx, "device-001:v2")
	require.NoError(t, err)
	assert.Equal(t, []byte("int x = 1;"), got.SourceText)
}

func TestArtifactRoundTripByteIdentity(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	source := []byte("#include <Arduino.h>\n\nvoid setup() {\n  Serial.begin(9600);\n}\n")
	artifact := models.NewFirmwareArtifact("device-001:v3", "device-001", source, "evt", "generator")
	require.NoError(t, store.Put(ctx, artifact))

	got, err := store.GetArtifact(ctx, "device-001:v3")
	require.NoError(t, err)
	assert.Equal(t, source, got.SourceText)
	assert.Equal(t, artifact.Checksum, got.Checksum)
	assert.Equal(t, int64(len(source)), got.SizeBytes)
}

func TestHistoryAppendOnly(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	rec, seed := seedFor("device-001")
	_, _, err := store.GetOrCreate(ctx, rec, seed)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		versionID := fmt.Sprintf("device-001:v20260101T00000%d.000000", i)
		_, err := store.CommitUpdate(ctx, "device-001", int64(i), versionID)
		require.NoError(t, err)
	}

	history, err := store.History(ctx, "device-001")
	require.NoError(t, err)
	require.Len(t, history, 6)
	assert.Equal(t, "device-001:v1.0", history[0])
	assert.Equal(t, "device-001:v20260101T000004.000000", history[5])
}

func TestArtifactsSurviveDeprovisioning(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	rec, seed := seedFor("device-001")
	_, _, err := store.GetOrCreate(ctx, rec, seed)
	require.NoError(t, err)

	require.NoError(t, store.Delete(ctx, "device-001"))

	_, err = store.Get(ctx, "device-001")
	assert.ErrorIs(t, err, models.ErrNotFound)

	// Artifact retained for audit
	_, err = store.GetArtifact(ctx, seed.VersionID)
	assert.NoError(t, err)
}

func TestUpdateSchemaIsolatedFromCaller(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	rec, seed := seedFor("device-001")
	_, _, err := store.GetOrCreate(ctx, rec, seed)
	require.NoError(t, err)

	schema := models.SensorSchema{
		"E": {Type: "digital", Pin: 9},
	}
	require.NoError(t, store.UpdateSchema(ctx, "device-001", schema))

	// Mutating the caller's map must not leak into the store
	schema["E"] = models.SensorSpec{Type: "analog", Pin: 2}

	got, err := store.Get(ctx, "device-001")
	require.NoError(t, err)
	assert.Equal(t, "digital", got.SensorSchema["E"].Type)
	assert.Equal(t, 9, got.SensorSchema["E"].Pin)
}
