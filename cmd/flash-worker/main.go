package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/otaforge/lifecycle/cmd/flash-worker/consumer"
	"github.com/otaforge/lifecycle/common/bootstrap"
	"github.com/redis/go-redis/v9"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Flash workers only need Redis; skip the rest of the stack
	components, err := bootstrap.Setup(ctx, "flash-worker",
		bootstrap.WithoutDB(),
		bootstrap.WithoutQueue(),
		bootstrap.WithoutCache(),
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to bootstrap flash-worker: %v\n", err)
		os.Exit(1)
	}
	defer components.Shutdown(ctx)

	cfg := components.Config
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()

	if err := redisClient.Ping(ctx).Err(); err != nil {
		components.Logger.Error("failed to connect to redis", "error", err)
		os.Exit(1)
	}

	deploymentConsumer := consumer.NewDeploymentConsumer(
		redisClient,
		cfg.Deploy.Stream,
		500*time.Millisecond,
		components.Logger,
	)

	// Stop consuming on SIGINT/SIGTERM
	go func() {
		shutdown := make(chan os.Signal, 1)
		signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)
		sig := <-shutdown
		components.Logger.Info("shutdown signal received", "signal", sig.String())
		cancel()
	}()

	if err := deploymentConsumer.Start(ctx); err != nil {
		components.Logger.Error("deployment consumer failed", "error", err)
		os.Exit(1)
	}
}
