package models

import "time"

// AttemptState classifies how one update attempt ended
type AttemptState string

const (
	StateDone             AttemptState = "done"
	StateGenerationFailed AttemptState = "generation_failed"
	StateCommitConflict   AttemptState = "commit_conflict"
	StateDeployFailed     AttemptState = "deploy_failed"
	StateBusy             AttemptState = "busy"
	StateRejectedByPolicy AttemptState = "rejected_by_policy"
)

// Outcome is the definitive result of one handleEvent attempt.
// Every attempt ends in exactly one Outcome; there is no partial success.
// StateDeployFailed carries the committed version id: the registry already
// reflects the new firmware, only the push is unconfirmed.
type Outcome struct {
	AttemptID string       `json:"attempt_id"`
	DeviceID  string       `json:"device_id"`
	Success   bool         `json:"success"`
	State     AttemptState `json:"state"`

	// Set when a commit happened (StateDone, StateDeployFailed)
	VersionID      string `json:"version_id,omitempty"`
	UpdateSequence int64  `json:"update_sequence,omitempty"`

	Message    string    `json:"message,omitempty"`
	FinishedAt time.Time `json:"finished_at"`
}

// Committed reports whether the attempt advanced the registry
func (o *Outcome) Committed() bool {
	return o.State == StateDone || o.State == StateDeployFailed
}
