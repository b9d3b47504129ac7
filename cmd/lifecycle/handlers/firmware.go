package handlers

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/otaforge/lifecycle/cmd/lifecycle/container"
	"github.com/otaforge/lifecycle/cmd/lifecycle/models"
	"github.com/otaforge/lifecycle/common/bootstrap"
)

// FirmwareHandler handles firmware artifact requests
type FirmwareHandler struct {
	components *bootstrap.Components
	container  *container.Container
}

// NewFirmwareHandler creates a new firmware handler
func NewFirmwareHandler(c *container.Container) *FirmwareHandler {
	return &FirmwareHandler{
		components: c.Components,
		container:  c,
	}
}

// GetFirmware retrieves one artifact with its source
// GET /api/v1/firmware/:version_id
func (h *FirmwareHandler) GetFirmware(c echo.Context) error {
	artifact, err := h.container.StoreService.Get(c.Request().Context(), c.Param("version_id"))
	if err != nil {
		return jsonError(c, err)
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"version_id":       artifact.VersionID,
		"device_id":        artifact.DeviceID,
		"source":           string(artifact.SourceText),
		"checksum":         artifact.Checksum,
		"size_bytes":       artifact.SizeBytes,
		"triggering_event": artifact.TriggeringEvent,
		"created_by":       artifact.CreatedBy,
		"created_at":       artifact.CreatedAt,
	})
}

// GetFirmwareSource serves the raw source blob
// GET /api/v1/firmware/:version_id/source
func (h *FirmwareHandler) GetFirmwareSource(c echo.Context) error {
	artifact, err := h.container.StoreService.Get(c.Request().Context(), c.Param("version_id"))
	if err != nil {
		return jsonError(c, err)
	}

	return c.Blob(http.StatusOK, "text/plain; charset=utf-8", artifact.SourceText)
}

// ListDeviceFirmware lists artifact metadata for a device, oldest first
// GET /api/v1/devices/:id/firmware
func (h *FirmwareHandler) ListDeviceFirmware(c echo.Context) error {
	deviceID := c.Param("id")
	artifacts, err := h.container.StoreService.ListByDevice(c.Request().Context(), deviceID)
	if err != nil {
		return jsonError(c, err)
	}

	out := make([]map[string]interface{}, 0, len(artifacts))
	for _, artifact := range artifacts {
		out = append(out, map[string]interface{}{
			"version_id":       artifact.VersionID,
			"checksum":         artifact.Checksum,
			"size_bytes":       artifact.SizeBytes,
			"triggering_event": artifact.TriggeringEvent,
			"created_by":       artifact.CreatedBy,
			"created_at":       artifact.CreatedAt,
		})
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"device_id": deviceID,
		"artifacts": out,
		"count":     len(out),
	})
}

// jsonError maps domain errors onto HTTP statuses
func jsonError(c echo.Context, err error) error {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, models.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, models.ErrConflict), errors.Is(err, models.ErrDuplicateVersion):
		status = http.StatusConflict
	case errors.Is(err, models.ErrBusy):
		status = http.StatusTooManyRequests
	}
	return c.JSON(status, map[string]interface{}{
		"error": err.Error(),
	})
}
