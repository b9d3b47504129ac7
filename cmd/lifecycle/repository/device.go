package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/otaforge/lifecycle/cmd/lifecycle/models"
	"github.com/otaforge/lifecycle/common/db"
)

// DeviceRepository handles database operations for device records
type DeviceRepository struct {
	db *db.DB
}

// NewDeviceRepository creates a new device repository
func NewDeviceRepository(db *db.DB) *DeviceRepository {
	return &DeviceRepository{db: db}
}

// GetOrCreate returns the existing record or atomically creates one together
// with its seed artifact. Exactly one caller wins a concurrent create; the
// losers observe the winner's record. The bool reports whether this call
// created the record.
func (r *DeviceRepository) GetOrCreate(ctx context.Context, rec *models.DeviceRecord, seed *models.FirmwareArtifact) (*models.DeviceRecord, bool, error) {
	schemaJSON, err := json.Marshal(rec.SensorSchema)
	if err != nil {
		return nil, false, fmt.Errorf("failed to marshal sensor schema: %w", err)
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	now := time.Now().UTC()
	tag, err := tx.Exec(ctx, `
		INSERT INTO device (device_id, sensor_schema, current_version_id, update_sequence, created_at, updated_at)
		VALUES ($1, $2, $3, 0, $4, $4)
		ON CONFLICT (device_id) DO NOTHING
	`, rec.DeviceID, schemaJSON, seed.VersionID, now)
	if err != nil {
		return nil, false, fmt.Errorf("failed to create device: %w", err)
	}

	if tag.RowsAffected() == 0 {
		// Another caller won the race; read their record
		existing, err := r.Get(ctx, rec.DeviceID)
		if err != nil {
			return nil, false, err
		}
		return existing, false, nil
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO device_version (version_id, device_id, seq, created_at)
		VALUES ($1, $2, 0, $3)
	`, seed.VersionID, rec.DeviceID, now)
	if err != nil {
		return nil, false, fmt.Errorf("failed to record seed version: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO firmware_artifact (version_id, device_id, source_text, checksum, size_bytes, triggering_event, created_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (version_id) DO NOTHING
	`, seed.VersionID, seed.DeviceID, seed.SourceText, seed.Checksum, seed.SizeBytes, seed.TriggeringEvent, seed.CreatedBy, seed.CreatedAt)
	if err != nil {
		return nil, false, fmt.Errorf("failed to store seed artifact: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, false, fmt.Errorf("failed to commit device creation: %w", err)
	}

	created := rec.Clone()
	created.CurrentVersionID = seed.VersionID
	created.VersionHistory = []string{seed.VersionID}
	created.UpdateSequence = 0
	created.CreatedAt = now
	created.UpdatedAt = now
	return created, true, nil
}

// Get retrieves a device record with its full version history
func (r *DeviceRepository) Get(ctx context.Context, deviceID string) (*models.DeviceRecord, error) {
	rec := &models.DeviceRecord{}
	var schemaJSON []byte

	err := r.db.QueryRow(ctx, `
		SELECT device_id, sensor_schema, current_version_id, update_sequence, created_at, updated_at
		FROM device
		WHERE device_id = $1
	`, deviceID).Scan(
		&rec.DeviceID,
		&schemaJSON,
		&rec.CurrentVersionID,
		&rec.UpdateSequence,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("device %s: %w", deviceID, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get device: %w", err)
	}

	if err := json.Unmarshal(schemaJSON, &rec.SensorSchema); err != nil {
		return nil, fmt.Errorf("failed to unmarshal sensor schema: %w", err)
	}

	rec.VersionHistory, err = r.history(ctx, deviceID)
	if err != nil {
		return nil, err
	}

	return rec, nil
}

// CommitUpdate appends the new version and advances the current pointer,
// but only if expectedSequence still matches (optimistic concurrency).
// Returns models.ErrConflict without mutating anything otherwise.
func (r *DeviceRepository) CommitUpdate(ctx context.Context, deviceID string, expectedSequence int64, newVersionID string) (*models.DeviceRecord, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var newSeq int64
	err = tx.QueryRow(ctx, `
		UPDATE device
		SET current_version_id = $3, update_sequence = update_sequence + 1, updated_at = NOW()
		WHERE device_id = $1 AND update_sequence = $2
		RETURNING update_sequence
	`, deviceID, expectedSequence, newVersionID).Scan(&newSeq)

	if errors.Is(err, pgx.ErrNoRows) {
		// Stale sequence or unknown device; find out which
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM device WHERE device_id = $1)`, deviceID).Scan(&exists); err != nil {
			return nil, fmt.Errorf("failed to check device existence: %w", err)
		}
		if !exists {
			return nil, fmt.Errorf("device %s: %w", deviceID, models.ErrNotFound)
		}
		return nil, fmt.Errorf("device %s at sequence %d: %w", deviceID, expectedSequence, models.ErrConflict)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to commit update: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO device_version (version_id, device_id, seq, created_at)
		VALUES ($1, $2, $3, NOW())
	`, newVersionID, deviceID, newSeq)
	if err != nil {
		return nil, fmt.Errorf("failed to append version history: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return r.Get(ctx, deviceID)
}

// UpdateSchema replaces a device's sensor schema (administrative operation)
func (r *DeviceRepository) UpdateSchema(ctx context.Context, deviceID string, schema models.SensorSchema) error {
	schemaJSON, err := json.Marshal(schema)
	if err != nil {
		return fmt.Errorf("failed to marshal sensor schema: %w", err)
	}

	tag, err := r.db.Exec(ctx, `
		UPDATE device SET sensor_schema = $2, updated_at = NOW() WHERE device_id = $1
	`, deviceID, schemaJSON)
	if err != nil {
		return fmt.Errorf("failed to update sensor schema: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("device %s: %w", deviceID, models.ErrNotFound)
	}

	return nil
}

// Delete deprovisions a device. History rows cascade; artifacts are retained
// for audit.
func (r *DeviceRepository) Delete(ctx context.Context, deviceID string) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM device WHERE device_id = $1`, deviceID)
	if err != nil {
		return fmt.Errorf("failed to delete device: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("device %s: %w", deviceID, models.ErrNotFound)
	}

	return nil
}

// List retrieves all device records (without histories, which can be large)
func (r *DeviceRepository) List(ctx context.Context) ([]*models.DeviceRecord, error) {
	rows, err := r.db.Query(ctx, `
		SELECT device_id, sensor_schema, current_version_id, update_sequence, created_at, updated_at
		FROM device
		ORDER BY device_id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	defer rows.Close()

	var records []*models.DeviceRecord
	for rows.Next() {
		rec := &models.DeviceRecord{}
		var schemaJSON []byte
		err := rows.Scan(
			&rec.DeviceID,
			&schemaJSON,
			&rec.CurrentVersionID,
			&rec.UpdateSequence,
			&rec.CreatedAt,
			&rec.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan device: %w", err)
		}
		if err := json.Unmarshal(schemaJSON, &rec.SensorSchema); err != nil {
			return nil, fmt.Errorf("failed to unmarshal sensor schema: %w", err)
		}
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating devices: %w", err)
	}

	return records, nil
}

// History retrieves the ordered version history for a device
func (r *DeviceRepository) History(ctx context.Context, deviceID string) ([]string, error) {
	var exists bool
	if err := r.db.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM device WHERE device_id = $1)`, deviceID).Scan(&exists); err != nil {
		return nil, fmt.Errorf("failed to check device existence: %w", err)
	}
	if !exists {
		return nil, fmt.Errorf("device %s: %w", deviceID, models.ErrNotFound)
	}

	return r.history(ctx, deviceID)
}

func (r *DeviceRepository) history(ctx context.Context, deviceID string) ([]string, error) {
	rows, err := r.db.Query(ctx, `
		SELECT version_id FROM device_version WHERE device_id = $1 ORDER BY seq ASC
	`, deviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to get version history: %w", err)
	}
	defer rows.Close()

	var history []string
	for rows.Next() {
		var versionID string
		if err := rows.Scan(&versionID); err != nil {
			return nil, fmt.Errorf("failed to scan version id: %w", err)
		}
		history = append(history, versionID)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating version history: %w", err)
	}

	return history, nil
}
