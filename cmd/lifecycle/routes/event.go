package routes

import (
	"github.com/labstack/echo/v4"
	"github.com/otaforge/lifecycle/cmd/lifecycle/container"
	"github.com/otaforge/lifecycle/cmd/lifecycle/handlers"
)

// RegisterEventRoutes registers event ingestion routes
func RegisterEventRoutes(e *echo.Echo, c *container.Container) {
	h := handlers.NewEventHandler(c)

	e.POST("/api/v1/events", h.HandleEvent)             // POST /api/v1/events
	e.POST("/api/v1/devices/:id/deploy", h.RetryDeploy) // POST /api/v1/devices/device-001/deploy
}
