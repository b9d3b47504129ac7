package repository

import (
	"context"
	"fmt"

	"github.com/otaforge/lifecycle/common/db"
)

// Schema for the registry and artifact store. device_version carries the
// append-only history; firmware_artifact rows are write-once and survive
// device deprovisioning for audit.
const schemaSQL = `
CREATE TABLE IF NOT EXISTS device (
	device_id          TEXT PRIMARY KEY,
	sensor_schema      JSONB NOT NULL,
	current_version_id TEXT NOT NULL,
	update_sequence    BIGINT NOT NULL DEFAULT 0,
	created_at         TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at         TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS device_version (
	version_id TEXT PRIMARY KEY,
	device_id  TEXT NOT NULL REFERENCES device(device_id) ON DELETE CASCADE,
	seq        BIGINT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	UNIQUE (device_id, seq)
);

CREATE TABLE IF NOT EXISTS firmware_artifact (
	version_id       TEXT PRIMARY KEY,
	device_id        TEXT NOT NULL,
	source_text      BYTEA NOT NULL,
	checksum         TEXT NOT NULL,
	size_bytes       BIGINT NOT NULL,
	triggering_event TEXT NOT NULL DEFAULT '',
	created_by       TEXT NOT NULL DEFAULT '',
	created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_device_version_device ON device_version(device_id, seq);
CREATE INDEX IF NOT EXISTS idx_firmware_artifact_device ON firmware_artifact(device_id, created_at);
`

// EnsureSchema creates the tables if they do not exist.
// Wired as a bootstrap DB init hook.
func EnsureSchema(ctx context.Context, database *db.DB) error {
	if _, err := database.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to ensure schema: %w", err)
	}
	return nil
}
