package consumer

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/otaforge/lifecycle/cmd/lifecycle/models"
	"github.com/redis/go-redis/v9"
)

// Logger interface for logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// DeploymentConsumer consumes deployment jobs from the Redis stream and
// simulates flashing them onto devices. In a real installation this is
// where the serial/OTA transfer would happen.
type DeploymentConsumer struct {
	redis         *redis.Client
	logger        Logger
	stream        string
	consumerGroup string
	consumerName  string
	flashDelay    time.Duration
}

// DeploymentJob is one firmware push pulled off the stream
type DeploymentJob struct {
	DeviceID   string
	VersionID  string
	Checksum   string
	SizeBytes  int64
	SourceText string
	QueuedAt   string
}

// NewDeploymentConsumer creates a new deployment consumer
func NewDeploymentConsumer(redis *redis.Client, stream string, flashDelay time.Duration, logger Logger) *DeploymentConsumer {
	return &DeploymentConsumer{
		redis:         redis,
		logger:        logger,
		stream:        stream,
		consumerGroup: "flash_workers",
		consumerName:  fmt.Sprintf("flash_worker_%d", time.Now().Unix()),
		flashDelay:    flashDelay,
	}
}

// Start begins consuming deployment jobs
func (c *DeploymentConsumer) Start(ctx context.Context) error {
	c.logger.Info("starting deployment consumer",
		"stream", c.stream,
		"consumer_group", c.consumerGroup,
		"consumer_name", c.consumerName)

	// Create consumer group if it doesn't exist
	err := c.redis.XGroupCreateMkStream(ctx, c.stream, c.consumerGroup, "0").Err()
	if err != nil && err.Error() != "BUSYGROUP Consumer Group name already exists" {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("deployment consumer stopping")
			return nil
		default:
			if err := c.processNextMessage(ctx); err != nil {
				c.logger.Error("failed to process message", "error", err)
				time.Sleep(1 * time.Second) // Back off on error
			}
		}
	}
}

// processNextMessage reads and processes one message from the stream
func (c *DeploymentConsumer) processNextMessage(ctx context.Context) error {
	streams, err := c.redis.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.consumerGroup,
		Consumer: c.consumerName,
		Streams:  []string{c.stream, ">"},
		Count:    1,
		Block:    5 * time.Second,
	}).Result()

	if err == redis.Nil {
		// No messages, continue
		return nil
	}
	if err != nil {
		return fmt.Errorf("XREADGROUP error: %w", err)
	}

	for _, stream := range streams {
		for _, message := range stream.Messages {
			if err := c.handleMessage(ctx, message); err != nil {
				c.logger.Error("failed to handle message", "message_id", message.ID, "error", err)
				// Continue to next message even if this one fails
			}

			if err := c.redis.XAck(ctx, c.stream, c.consumerGroup, message.ID).Err(); err != nil {
				c.logger.Error("failed to ACK message", "message_id", message.ID, "error", err)
			}
		}
	}

	return nil
}

// handleMessage flashes one deployment job
func (c *DeploymentConsumer) handleMessage(ctx context.Context, message redis.XMessage) error {
	job, err := parseJob(message)
	if err != nil {
		return err
	}

	c.logger.Info("flashing firmware",
		"device_id", job.DeviceID,
		"version_id", job.VersionID,
		"size_bytes", job.SizeBytes)

	// Integrity check before the (simulated) transfer
	if got := models.ComputeChecksum([]byte(job.SourceText)); got != job.Checksum {
		return fmt.Errorf("checksum mismatch for %s: expected %s, got %s", job.VersionID, job.Checksum, got)
	}

	// Simulated transfer time
	if c.flashDelay > 0 {
		select {
		case <-time.After(c.flashDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	c.logger.Info("firmware flashed",
		"device_id", job.DeviceID,
		"version_id", job.VersionID)
	return nil
}

func parseJob(message redis.XMessage) (*DeploymentJob, error) {
	job := &DeploymentJob{}
	var ok bool

	if job.DeviceID, ok = message.Values["device_id"].(string); !ok || job.DeviceID == "" {
		return nil, fmt.Errorf("message %s missing device_id", message.ID)
	}
	if job.VersionID, ok = message.Values["version_id"].(string); !ok || job.VersionID == "" {
		return nil, fmt.Errorf("message %s missing version_id", message.ID)
	}
	job.Checksum, _ = message.Values["checksum"].(string)
	job.SourceText, _ = message.Values["source_text"].(string)
	job.QueuedAt, _ = message.Values["queued_at"].(string)
	if raw, ok := message.Values["size_bytes"].(string); ok {
		job.SizeBytes, _ = strconv.ParseInt(raw, 10, 64)
	}

	return job, nil
}
