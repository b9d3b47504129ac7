package container

import (
	"fmt"
	"net/http"

	"github.com/otaforge/lifecycle/cmd/lifecycle/flasher"
	"github.com/otaforge/lifecycle/cmd/lifecycle/generator"
	"github.com/otaforge/lifecycle/cmd/lifecycle/repository"
	"github.com/otaforge/lifecycle/cmd/lifecycle/service"
	"github.com/otaforge/lifecycle/common/bootstrap"
	"github.com/otaforge/lifecycle/common/clients"
	"github.com/otaforge/lifecycle/common/ratelimit"
	rediscommon "github.com/otaforge/lifecycle/common/redis"
	"github.com/redis/go-redis/v9"
)

// Container holds all initialized services and repositories (singleton pattern)
type Container struct {
	// Components
	Components  *bootstrap.Components
	Redis       *rediscommon.Client
	RedisRaw    *redis.Client
	RateLimiter *ratelimit.RateLimiter

	// Storage backends
	DeviceStore   service.DeviceStore
	FirmwareStore service.FirmwareStore

	// Services
	RegistryService  *service.RegistryService
	StoreService     *service.StoreService
	LifecycleService *service.LifecycleService
}

// NewContainer initializes all services and repositories once
func NewContainer(components *bootstrap.Components) (*Container, error) {
	cfg := components.Config

	// Create Redis client (raw)
	redisRaw := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	// Wrap with common redis client for instrumentation and common operations
	redisClient := rediscommon.NewClient(redisRaw, components.Logger)
	rateLimiter := ratelimit.NewRateLimiter(redisRaw, components.Logger)

	// Storage backends per config
	var (
		deviceStore   service.DeviceStore
		firmwareStore service.FirmwareStore
	)
	if cfg.UsesPostgres() {
		deviceStore = repository.NewDeviceRepository(components.DB)
		firmwareStore = repository.NewFirmwareRepository(components.DB)
	} else {
		mem := repository.NewMemoryStore()
		deviceStore = mem
		firmwareStore = mem.FirmwareStore()
	}

	// Initialize services (bottom-up: dependencies first)
	registryService := service.NewRegistryService(deviceStore, components.Logger)
	storeService := service.NewStoreService(
		firmwareStore,
		components.Cache,
		cfg.Cache.DefaultTTL,
		components.Logger,
	)

	gen, err := buildGenerator(components)
	if err != nil {
		return nil, err
	}

	flash := flasher.NewSimulatedFlasher(
		redisClient,
		cfg.Deploy.Stream,
		cfg.Deploy.FailureRate,
		components.Logger,
	)

	guard, err := service.NewEventGuard()
	if err != nil {
		return nil, fmt.Errorf("failed to create event guard: %w", err)
	}

	lifecycleService := service.NewLifecycleService(
		registryService,
		deviceStore,
		storeService,
		gen,
		flash,
		guard,
		cfg.Lifecycle.GuardExpression,
		cfg.Lifecycle.LockPolicy,
		components.Queue,
		components.Logger,
	)

	return &Container{
		Components:       components,
		Redis:            redisClient,
		RedisRaw:         redisRaw,
		RateLimiter:      rateLimiter,
		DeviceStore:      deviceStore,
		FirmwareStore:    firmwareStore,
		RegistryService:  registryService,
		StoreService:     storeService,
		LifecycleService: lifecycleService,
	}, nil
}

// buildGenerator selects the firmware generator per configuration
func buildGenerator(components *bootstrap.Components) (generator.Generator, error) {
	cfg := components.Config.Generator
	switch cfg.Mode {
	case "http":
		httpClient := clients.NewHTTPClient(
			&http.Client{Timeout: cfg.Timeout},
			components.Logger,
		)
		return generator.NewHTTPGenerator(httpClient, cfg.URL, cfg.Timeout), nil
	case "template":
		return generator.NewTemplateGenerator(), nil
	default:
		return nil, fmt.Errorf("unknown generator mode: %s", cfg.Mode)
	}
}
