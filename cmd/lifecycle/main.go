package main

import (
	"context"
	"fmt"
	"os"

	"github.com/labstack/echo/v4"
	echomiddleware "github.com/labstack/echo/v4/middleware"
	"github.com/otaforge/lifecycle/cmd/lifecycle/container"
	"github.com/otaforge/lifecycle/cmd/lifecycle/repository"
	"github.com/otaforge/lifecycle/cmd/lifecycle/routes"
	"github.com/otaforge/lifecycle/cmd/lifecycle/service"
	"github.com/otaforge/lifecycle/common/bootstrap"
	"github.com/otaforge/lifecycle/common/db"
	commonmiddleware "github.com/otaforge/lifecycle/common/middleware"
	"github.com/otaforge/lifecycle/common/server"
)

func main() {
	ctx := context.Background()

	// Bootstrap common components (DB, logger, queue, cache, telemetry)
	components, err := bootstrap.Setup(ctx, "lifecycle",
		bootstrap.WithDBInitHook(func(database *db.DB) error {
			return repository.EnsureSchema(ctx, database)
		}),
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to bootstrap lifecycle: %v\n", err)
		os.Exit(1)
	}
	defer components.Shutdown(ctx)

	// Initialize service container (singleton pattern - all services created once)
	serviceContainer, err := container.NewContainer(components)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize service container: %v\n", err)
		os.Exit(1)
	}

	// Audit trail: log every attempt outcome published by the lifecycle
	subscribeOutcomes(ctx, serviceContainer)

	// Initialize Echo server
	e := setupEcho()
	setupMiddleware(e, serviceContainer)
	setupHealthCheck(e, serviceContainer)
	registerRoutes(e, serviceContainer)

	// Start server with graceful shutdown
	srv := server.New("lifecycle", components.Config.Service.Port, e, components.Logger)
	if err := srv.Start(); err != nil {
		components.Logger.Error("server error", "error", err)
		os.Exit(1)
	}
}

// setupEcho initializes the Echo server with basic configuration
func setupEcho() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	return e
}

// setupMiddleware configures all middleware for the Echo server
func setupMiddleware(e *echo.Echo, c *container.Container) {
	e.Use(echomiddleware.Logger())
	e.Use(echomiddleware.Recover())
	e.Use(echomiddleware.CORS())
	e.Use(echomiddleware.RequestID())
	e.Use(commonmiddleware.GlobalRateLimitMiddleware(
		c.RateLimiter,
		c.Components.Config.Lifecycle.GlobalRateLimit,
	))
}

// setupHealthCheck registers the health check endpoint
func setupHealthCheck(e *echo.Echo, c *container.Container) {
	e.GET("/health", func(ec echo.Context) error {
		if err := c.Components.Health(ec.Request().Context()); err != nil {
			return ec.JSON(503, map[string]string{
				"status": "unhealthy",
				"error":  err.Error(),
			})
		}
		return ec.JSON(200, map[string]string{
			"status":  "ok",
			"service": "lifecycle",
		})
	})
}

// registerRoutes registers all application routes using the service container
func registerRoutes(e *echo.Echo, c *container.Container) {
	routes.RegisterEventRoutes(e, c)
	routes.RegisterDeviceRoutes(e, c)
	routes.RegisterFirmwareRoutes(e, c)
}

// subscribeOutcomes consumes the outcomes topic and logs each attempt's
// definitive result
func subscribeOutcomes(ctx context.Context, c *container.Container) {
	if c.Components.Queue == nil {
		return
	}
	err := c.Components.Queue.Subscribe(ctx, service.OutcomesTopic, func(ctx context.Context, key string, value []byte) error {
		c.Components.Logger.Info("attempt outcome", "device_id", key, "outcome", string(value))
		return nil
	})
	if err != nil {
		c.Components.Logger.Warn("failed to subscribe to outcomes topic", "error", err)
	}
}
