package routes

import (
	"github.com/labstack/echo/v4"
	"github.com/otaforge/lifecycle/cmd/lifecycle/container"
	"github.com/otaforge/lifecycle/cmd/lifecycle/handlers"
)

// RegisterFirmwareRoutes registers artifact store routes
func RegisterFirmwareRoutes(e *echo.Echo, c *container.Container) {
	h := handlers.NewFirmwareHandler(c)

	e.GET("/api/v1/firmware/:version_id", h.GetFirmware)              // GET /api/v1/firmware/device-001:v1.0
	e.GET("/api/v1/firmware/:version_id/source", h.GetFirmwareSource) // GET /api/v1/firmware/device-001:v1.0/source
	e.GET("/api/v1/devices/:id/firmware", h.ListDeviceFirmware)       // GET /api/v1/devices/device-001/firmware
}
