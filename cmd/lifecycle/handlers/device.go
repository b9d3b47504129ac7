package handlers

import (
	"errors"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/otaforge/lifecycle/cmd/lifecycle/container"
	"github.com/otaforge/lifecycle/cmd/lifecycle/models"
	"github.com/otaforge/lifecycle/common/bootstrap"
)

// DeviceHandler handles device registry requests
type DeviceHandler struct {
	components *bootstrap.Components
	container  *container.Container
}

// NewDeviceHandler creates a new device handler
func NewDeviceHandler(c *container.Container) *DeviceHandler {
	return &DeviceHandler{
		components: c.Components,
		container:  c,
	}
}

// ListDevices lists all registered devices
// GET /api/v1/devices
func (h *DeviceHandler) ListDevices(c echo.Context) error {
	devices, err := h.container.RegistryService.List(c.Request().Context())
	if err != nil {
		return jsonError(c, err)
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"devices": devices,
		"count":   len(devices),
	})
}

// GetDevice retrieves one device record
// GET /api/v1/devices/:id
func (h *DeviceHandler) GetDevice(c echo.Context) error {
	rec, err := h.container.RegistryService.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return jsonError(c, err)
	}

	return c.JSON(http.StatusOK, rec)
}

// RegisterDevice explicitly registers a device ahead of its first event
// POST /api/v1/devices
func (h *DeviceHandler) RegisterDevice(c echo.Context) error {
	var req struct {
		DeviceID     string              `json:"device_id"`
		SensorSchema models.SensorSchema `json:"sensor_schema"`
	}
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{
			"error": "invalid request body",
		})
	}
	if req.DeviceID == "" {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{
			"error": "device_id is required",
		})
	}

	rec, created, err := h.container.RegistryService.GetOrCreate(c.Request().Context(), req.DeviceID, req.SensorSchema)
	if err != nil {
		return jsonError(c, err)
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	return c.JSON(status, rec)
}

// GetHistory retrieves a device's ordered version history
// GET /api/v1/devices/:id/history
func (h *DeviceHandler) GetHistory(c echo.Context) error {
	deviceID := c.Param("id")
	history, err := h.container.RegistryService.History(c.Request().Context(), deviceID)
	if err != nil {
		return jsonError(c, err)
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"device_id": deviceID,
		"history":   history,
	})
}

// PatchSchema applies an RFC 6902 JSON patch to the device's sensor schema
// PATCH /api/v1/devices/:id/schema
func (h *DeviceHandler) PatchSchema(c echo.Context) error {
	deviceID := c.Param("id")

	patchDoc, err := io.ReadAll(io.LimitReader(c.Request().Body, 1<<20))
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{
			"error": "failed to read patch body",
		})
	}

	rec, err := h.container.RegistryService.PatchSchema(c.Request().Context(), deviceID, patchDoc)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return jsonError(c, err)
		}
		return c.JSON(http.StatusBadRequest, map[string]interface{}{
			"error": err.Error(),
		})
	}

	return c.JSON(http.StatusOK, rec)
}

// DeprovisionDevice destroys a device record. Firmware artifacts are
// retained for audit.
// DELETE /api/v1/devices/:id
func (h *DeviceHandler) DeprovisionDevice(c echo.Context) error {
	deviceID := c.Param("id")
	if err := h.container.RegistryService.Deprovision(c.Request().Context(), deviceID); err != nil {
		return jsonError(c, err)
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"device_id": deviceID,
		"status":    "deprovisioned",
	})
}
