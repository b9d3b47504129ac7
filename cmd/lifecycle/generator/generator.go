package generator

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/otaforge/lifecycle/cmd/lifecycle/models"
)

// Request carries everything a generator needs to produce new firmware
// source for a device.
type Request struct {
	DeviceID       string              `json:"device_id"`
	EventDetails   string              `json:"event_details"`
	Policy         string              `json:"policy,omitempty"`
	SensorSchema   models.SensorSchema `json:"sensor_schema"`
	CurrentVersion string              `json:"current_version_id"`
	CurrentSource  string              `json:"current_source"`
}

// Generator produces new firmware source in response to a device event.
// Implementations must treat the request as read-only.
type Generator interface {
	Generate(ctx context.Context, req *Request) ([]byte, error)
}

// errorPrefix marks generator output that is a failure report rather than
// source code. Generators signal refusal this way instead of via transport
// errors, so the output itself must be screened.
const errorPrefix = "Error:"

// ValidateSource rejects generator output that cannot be a firmware blob:
// empty or whitespace-only content, or an error report masquerading as
// source.
func ValidateSource(source []byte) error {
	trimmed := bytes.TrimSpace(source)
	if len(trimmed) == 0 {
		return fmt.Errorf("generator produced empty source")
	}
	if strings.HasPrefix(string(trimmed), errorPrefix) {
		msg := strings.TrimSpace(strings.TrimPrefix(string(trimmed), errorPrefix))
		if len(msg) > 200 {
			msg = msg[:200]
		}
		return fmt.Errorf("generator reported failure: %s", msg)
	}
	return nil
}
