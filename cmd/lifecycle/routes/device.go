package routes

import (
	"github.com/labstack/echo/v4"
	"github.com/otaforge/lifecycle/cmd/lifecycle/container"
	"github.com/otaforge/lifecycle/cmd/lifecycle/handlers"
)

// RegisterDeviceRoutes registers device registry routes
func RegisterDeviceRoutes(e *echo.Echo, c *container.Container) {
	h := handlers.NewDeviceHandler(c)

	devices := e.Group("/api/v1/devices")
	{
		devices.GET("", h.ListDevices)              // GET /api/v1/devices
		devices.POST("", h.RegisterDevice)          // POST /api/v1/devices
		devices.GET("/:id", h.GetDevice)            // GET /api/v1/devices/device-001
		devices.GET("/:id/history", h.GetHistory)   // GET /api/v1/devices/device-001/history
		devices.PATCH("/:id/schema", h.PatchSchema) // PATCH /api/v1/devices/device-001/schema
		devices.DELETE("/:id", h.DeprovisionDevice) // DELETE /api/v1/devices/device-001
	}
}
