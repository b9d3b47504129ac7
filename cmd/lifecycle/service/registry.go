package service

import (
	"context"
	"encoding/json"
	"fmt"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/otaforge/lifecycle/cmd/lifecycle/models"
	"github.com/otaforge/lifecycle/common/logger"
)

// DeviceStore abstracts the durable device registry backend.
// Implemented by repository.DeviceRepository (Postgres) and
// repository.MemoryStore.
type DeviceStore interface {
	GetOrCreate(ctx context.Context, rec *models.DeviceRecord, seed *models.FirmwareArtifact) (*models.DeviceRecord, bool, error)
	Get(ctx context.Context, deviceID string) (*models.DeviceRecord, error)
	CommitUpdate(ctx context.Context, deviceID string, expectedSequence int64, newVersionID string) (*models.DeviceRecord, error)
	UpdateSchema(ctx context.Context, deviceID string, schema models.SensorSchema) error
	Delete(ctx context.Context, deviceID string) error
	List(ctx context.Context) ([]*models.DeviceRecord, error)
	History(ctx context.Context, deviceID string) ([]string, error)
}

// FirmwareStore abstracts the write-once artifact backend.
// Implemented by repository.FirmwareRepository (Postgres) and
// repository.MemoryFirmwareStore.
type FirmwareStore interface {
	Put(ctx context.Context, artifact *models.FirmwareArtifact) error
	Get(ctx context.Context, versionID string) (*models.FirmwareArtifact, error)
	ListByDevice(ctx context.Context, deviceID string) ([]*models.FirmwareArtifact, error)
}

// seedSource is the v1.0 firmware every device starts from. It reads the
// default sensor wiring and reports over serial.
const seedSource = `// Seed firmware v1.0
void setup() {
  Serial.begin(9600);
  pinMode(4, INPUT);
}

void loop() {
  int sensorA = analogRead(A1);
  int sensorC = analogRead(A3);
  int sensorD = digitalRead(4);
  Serial.print("A=");
  Serial.println(sensorA);
  Serial.print("C=");
  Serial.println(sensorC);
  Serial.print("D=");
  Serial.println(sensorD);
  delay(1000);
}
`

// RegistryService manages device records and their provisioning
type RegistryService struct {
	devices DeviceStore
	log     *logger.Logger
}

// NewRegistryService creates a new registry service
func NewRegistryService(devices DeviceStore, log *logger.Logger) *RegistryService {
	return &RegistryService{
		devices: devices,
		log:     log,
	}
}

// GetOrCreate returns the device record, registering the device with seed
// firmware v1.0 on first contact. A nil schema gets the default wiring.
// The bool reports whether this call registered the device.
func (s *RegistryService) GetOrCreate(ctx context.Context, deviceID string, schema models.SensorSchema) (*models.DeviceRecord, bool, error) {
	if deviceID == "" {
		return nil, false, fmt.Errorf("device id is required")
	}
	if schema == nil {
		schema = models.DefaultSensorSchema()
	}
	if err := validateSchema(schema); err != nil {
		return nil, false, err
	}

	rec := &models.DeviceRecord{
		DeviceID:     deviceID,
		SensorSchema: schema.Clone(),
	}
	seed := models.NewFirmwareArtifact(
		models.SeedVersionID(deviceID),
		deviceID,
		[]byte(seedSource),
		"provisioning",
		"system",
	)

	out, created, err := s.devices.GetOrCreate(ctx, rec, seed)
	if err != nil {
		return nil, false, err
	}
	if created {
		s.log.Info("device registered",
			"device_id", deviceID,
			"seed_version", seed.VersionID)
	}
	return out, created, nil
}

// Get retrieves a device record
func (s *RegistryService) Get(ctx context.Context, deviceID string) (*models.DeviceRecord, error) {
	return s.devices.Get(ctx, deviceID)
}

// List retrieves all registered devices
func (s *RegistryService) List(ctx context.Context) ([]*models.DeviceRecord, error) {
	return s.devices.List(ctx)
}

// History retrieves a device's ordered version history
func (s *RegistryService) History(ctx context.Context, deviceID string) ([]string, error) {
	return s.devices.History(ctx, deviceID)
}

// PatchSchema applies an RFC 6902 JSON patch to a device's sensor schema.
// This is the administrative path for rewiring a device in the field.
func (s *RegistryService) PatchSchema(ctx context.Context, deviceID string, patchDoc []byte) (*models.DeviceRecord, error) {
	rec, err := s.devices.Get(ctx, deviceID)
	if err != nil {
		return nil, err
	}

	current, err := json.Marshal(rec.SensorSchema)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal sensor schema: %w", err)
	}

	patch, err := jsonpatch.DecodePatch(patchDoc)
	if err != nil {
		return nil, fmt.Errorf("invalid schema patch: %w", err)
	}

	patched, err := patch.Apply(current)
	if err != nil {
		return nil, fmt.Errorf("failed to apply schema patch: %w", err)
	}

	var schema models.SensorSchema
	if err := json.Unmarshal(patched, &schema); err != nil {
		return nil, fmt.Errorf("patched schema is not valid: %w", err)
	}
	if err := validateSchema(schema); err != nil {
		return nil, err
	}

	if err := s.devices.UpdateSchema(ctx, deviceID, schema); err != nil {
		return nil, err
	}

	s.log.Info("sensor schema patched", "device_id", deviceID, "sensors", len(schema))
	return s.devices.Get(ctx, deviceID)
}

// Deprovision destroys a device record. Firmware artifacts are retained.
func (s *RegistryService) Deprovision(ctx context.Context, deviceID string) error {
	if err := s.devices.Delete(ctx, deviceID); err != nil {
		return err
	}
	s.log.Info("device deprovisioned", "device_id", deviceID)
	return nil
}

func validateSchema(schema models.SensorSchema) error {
	if len(schema) == 0 {
		return fmt.Errorf("sensor schema must not be empty")
	}
	for label, spec := range schema {
		if label == "" {
			return fmt.Errorf("sensor label must not be empty")
		}
		switch spec.Type {
		case "analog", "digital":
		default:
			return fmt.Errorf("sensor %s has unknown type %q", label, spec.Type)
		}
		if spec.Pin < 0 {
			return fmt.Errorf("sensor %s has invalid pin %d", label, spec.Pin)
		}
	}
	return nil
}
