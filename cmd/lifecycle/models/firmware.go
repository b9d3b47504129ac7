package models

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"time"
)

// FirmwareArtifact is one immutable firmware source blob
// Maps to: firmware_artifact table
type FirmwareArtifact struct {
	// Primary key, write-once
	VersionID string `db:"version_id" json:"version_id"`

	// Owning device
	DeviceID string `db:"device_id" json:"device_id"`

	// Opaque source blob, never edited in place
	SourceText []byte `db:"source_text" json:"source_text"`

	// Integrity hash (sha256:abc...)
	Checksum string `db:"checksum" json:"checksum"`

	SizeBytes int64 `db:"size_bytes" json:"size_bytes"`

	// Audit metadata
	TriggeringEvent string    `db:"triggering_event" json:"triggering_event"`
	CreatedBy       string    `db:"created_by" json:"created_by"`
	CreatedAt       time.Time `db:"created_at" json:"created_at"`
}

// NewFirmwareArtifact builds an artifact with checksum and size filled in
func NewFirmwareArtifact(versionID, deviceID string, source []byte, triggeringEvent, createdBy string) *FirmwareArtifact {
	return &FirmwareArtifact{
		VersionID:       versionID,
		DeviceID:        deviceID,
		SourceText:      source,
		Checksum:        ComputeChecksum(source),
		SizeBytes:       int64(len(source)),
		TriggeringEvent: triggeringEvent,
		CreatedBy:       createdBy,
		CreatedAt:       time.Now().UTC(),
	}
}

// ComputeChecksum returns the sha256 content hash in cas_id form
func ComputeChecksum(content []byte) string {
	hash := sha256.Sum256(content)
	return fmt.Sprintf("sha256:%x", hash)
}

// SameContent reports whether the other artifact carries byte-identical source
func (a *FirmwareArtifact) SameContent(other *FirmwareArtifact) bool {
	return a.Checksum == other.Checksum && bytes.Equal(a.SourceText, other.SourceText)
}

// Clone returns a deep copy of the artifact
func (a *FirmwareArtifact) Clone() *FirmwareArtifact {
	out := *a
	out.SourceText = append([]byte(nil), a.SourceText...)
	return &out
}
