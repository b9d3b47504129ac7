package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/otaforge/lifecycle/cmd/lifecycle/models"
	"github.com/otaforge/lifecycle/common/db"
)

// FirmwareRepository handles database operations for firmware artifacts.
// Artifacts are write-once: a version id is never overwritten.
type FirmwareRepository struct {
	db *db.DB
}

// NewFirmwareRepository creates a new firmware repository
func NewFirmwareRepository(db *db.DB) *FirmwareRepository {
	return &FirmwareRepository{db: db}
}

// Put stores an artifact. If the version id already exists the call is an
// idempotent no-op when the stored bytes are identical and returns
// models.ErrDuplicateVersion when they diverge.
func (r *FirmwareRepository) Put(ctx context.Context, artifact *models.FirmwareArtifact) error {
	tag, err := r.db.Exec(ctx, `
		INSERT INTO firmware_artifact (version_id, device_id, source_text, checksum, size_bytes, triggering_event, created_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (version_id) DO NOTHING
	`, artifact.VersionID, artifact.DeviceID, artifact.SourceText, artifact.Checksum,
		artifact.SizeBytes, artifact.TriggeringEvent, artifact.CreatedBy, artifact.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to store artifact: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	// Version id already taken; idempotent only if the content matches
	var existingChecksum string
	err = r.db.QueryRow(ctx, `
		SELECT checksum FROM firmware_artifact WHERE version_id = $1
	`, artifact.VersionID).Scan(&existingChecksum)
	if err != nil {
		return fmt.Errorf("failed to check existing artifact: %w", err)
	}
	if existingChecksum == artifact.Checksum {
		return nil
	}

	return fmt.Errorf("version %s: %w", artifact.VersionID, models.ErrDuplicateVersion)
}

// Get retrieves an artifact by version id
func (r *FirmwareRepository) Get(ctx context.Context, versionID string) (*models.FirmwareArtifact, error) {
	artifact := &models.FirmwareArtifact{}

	err := r.db.QueryRow(ctx, `
		SELECT version_id, device_id, source_text, checksum, size_bytes, triggering_event, created_by, created_at
		FROM firmware_artifact
		WHERE version_id = $1
	`, versionID).Scan(
		&artifact.VersionID,
		&artifact.DeviceID,
		&artifact.SourceText,
		&artifact.Checksum,
		&artifact.SizeBytes,
		&artifact.TriggeringEvent,
		&artifact.CreatedBy,
		&artifact.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("artifact %s: %w", versionID, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get artifact: %w", err)
	}

	return artifact, nil
}

// ListByDevice retrieves all artifacts for a device, oldest first
func (r *FirmwareRepository) ListByDevice(ctx context.Context, deviceID string) ([]*models.FirmwareArtifact, error) {
	rows, err := r.db.Query(ctx, `
		SELECT version_id, device_id, source_text, checksum, size_bytes, triggering_event, created_by, created_at
		FROM firmware_artifact
		WHERE device_id = $1
		ORDER BY created_at ASC, version_id ASC
	`, deviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list artifacts: %w", err)
	}
	defer rows.Close()

	var artifacts []*models.FirmwareArtifact
	for rows.Next() {
		artifact := &models.FirmwareArtifact{}
		err := rows.Scan(
			&artifact.VersionID,
			&artifact.DeviceID,
			&artifact.SourceText,
			&artifact.Checksum,
			&artifact.SizeBytes,
			&artifact.TriggeringEvent,
			&artifact.CreatedBy,
			&artifact.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan artifact: %w", err)
		}
		artifacts = append(artifacts, artifact)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating artifacts: %w", err)
	}

	return artifacts, nil
}
