package models

import (
	"time"
)

// SensorSpec describes one sensor attached to a device
type SensorSpec struct {
	Type string `db:"type" json:"type"`
	Pin  int    `db:"pin" json:"pin"`
	Unit string `db:"unit" json:"unit,omitempty"`
}

// SensorSchema maps sensor labels to their wiring
type SensorSchema map[string]SensorSpec

// DefaultSensorSchema returns the schema assigned to devices registered
// without an explicit one
func DefaultSensorSchema() SensorSchema {
	return SensorSchema{
		"A": {Type: "analog", Pin: 1},
		"C": {Type: "analog", Pin: 3},
		"D": {Type: "digital", Pin: 4},
	}
}

// Clone returns a deep copy of the schema
func (s SensorSchema) Clone() SensorSchema {
	if s == nil {
		return nil
	}
	out := make(SensorSchema, len(s))
	for label, spec := range s {
		out[label] = spec
	}
	return out
}

// DeviceRecord is the durable per-device state
// Maps to: device table (+ device_version for history)
type DeviceRecord struct {
	// Unique device identifier, immutable
	DeviceID string `db:"device_id" json:"device_id"`

	// Sensor wiring, set at registration, mutated only administratively
	SensorSchema SensorSchema `db:"sensor_schema" json:"sensor_schema"`

	// Active firmware version; always an element of VersionHistory
	CurrentVersionID string `db:"current_version_id" json:"current_version_id"`

	// Append-only, chronologically ordered version ids
	VersionHistory []string `json:"version_history"`

	// Incremented on every committed update; the optimistic-concurrency token
	UpdateSequence int64 `db:"update_sequence" json:"update_sequence"`

	// Audit fields
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// Clone returns a deep copy so callers can never alias store-internal state
func (d *DeviceRecord) Clone() *DeviceRecord {
	out := *d
	out.SensorSchema = d.SensorSchema.Clone()
	out.VersionHistory = append([]string(nil), d.VersionHistory...)
	return &out
}

// DeviceEvent is one incoming runtime event from (or about) a device
type DeviceEvent struct {
	EventID      string       `json:"event_id,omitempty"`
	DeviceID     string       `json:"device_id"`
	EventDetails string       `json:"event_details"`
	Policy       string       `json:"policy,omitempty"`
	SensorSchema SensorSchema `json:"sensor_schema,omitempty"`
	ReceivedAt   time.Time    `json:"received_at,omitempty"`
}
