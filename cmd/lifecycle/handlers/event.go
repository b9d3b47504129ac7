package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/otaforge/lifecycle/cmd/lifecycle/container"
	"github.com/otaforge/lifecycle/cmd/lifecycle/models"
	"github.com/otaforge/lifecycle/cmd/lifecycle/service"
	"github.com/otaforge/lifecycle/common/logger"
	"github.com/otaforge/lifecycle/common/ratelimit"
)

// eventDedupeTTL bounds how long a committed event_id is remembered for idempotency
const eventDedupeTTL = 24 * time.Hour

// eventDeduper is the slice of the redis client the handler needs for
// event_id idempotency
type eventDeduper interface {
	SetNX(ctx context.Context, key, value string, expiry time.Duration) (bool, error)
	Delete(ctx context.Context, keys ...string) error
}

// EventHandler handles device event ingestion
type EventHandler struct {
	lifecycle   *service.LifecycleService
	dedupe      eventDeduper
	limiter     *ratelimit.RateLimiter
	deviceLimit int64
	log         *logger.Logger
}

// NewEventHandler creates a new event handler
func NewEventHandler(c *container.Container) *EventHandler {
	return &EventHandler{
		lifecycle:   c.LifecycleService,
		dedupe:      c.Redis,
		limiter:     c.RateLimiter,
		deviceLimit: c.Components.Config.Lifecycle.DeviceRateLimit,
		log:         c.Components.Logger,
	}
}

// HandleEvent ingests one device event and runs a full update attempt
// POST /api/v1/events
func (h *EventHandler) HandleEvent(c echo.Context) error {
	ctx := c.Request().Context()

	var req struct {
		EventID      string              `json:"event_id"`
		DeviceID     string              `json:"device_id"`
		EventDetails string              `json:"event_details"`
		Policy       string              `json:"policy"`
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
	if req.EventDetails == "" {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{
			"error": "event_details is required",
		})
	}

	// Idempotency: a retried event_id must not trigger a second regeneration.
	// The claim is provisional until the attempt commits; any other ending
	// releases it so an identical retry is accepted.
	claimed := false
	if req.EventID != "" {
		wasSet, err := h.dedupe.SetNX(ctx, "event:"+req.EventID, req.DeviceID, eventDedupeTTL)
		if err != nil {
			h.log.Warn("event dedupe check failed, continuing", "event_id", req.EventID, "error", err)
		} else if !wasSet {
			return c.JSON(http.StatusConflict, map[string]interface{}{
				"error":    "duplicate_event",
				"event_id": req.EventID,
			})
		} else {
			claimed = true
		}
	}

	// Per-device limit: an event storm from one device must not monopolize
	// the service
	if h.deviceLimit > 0 && h.limiter != nil {
		result, err := h.limiter.CheckDeviceLimit(ctx, req.DeviceID, h.deviceLimit, 60)
		if err == nil && !result.Allowed {
			if claimed {
				h.releaseEvent(req.EventID)
			}
			return c.JSON(http.StatusTooManyRequests, map[string]interface{}{
				"error":               "device_rate_limit_exceeded",
				"device_id":           req.DeviceID,
				"limit":               result.Limit,
				"retry_after_seconds": result.RetryAfterSeconds,
			})
		}
	}

	outcome, err := h.lifecycle.HandleEvent(ctx, &models.DeviceEvent{
		EventID:      req.EventID,
		DeviceID:     req.DeviceID,
		EventDetails: req.EventDetails,
		Policy:       req.Policy,
		SensorSchema: req.SensorSchema,
		ReceivedAt:   time.Now().UTC(),
	})
	if err != nil {
		if claimed {
			h.releaseEvent(req.EventID)
		}
		h.log.Error("event handling failed", "device_id", req.DeviceID, "error", err)
		return c.JSON(http.StatusInternalServerError, map[string]interface{}{
			"error": "failed to handle event",
		})
	}
	if claimed && !outcome.Committed() {
		h.releaseEvent(req.EventID)
	}

	return c.JSON(outcomeStatus(outcome), outcome)
}

// releaseEvent forgets an event_id whose attempt did not commit. Runs on a
// fresh context so the claim is released even when the caller has gone away.
func (h *EventHandler) releaseEvent(eventID string) {
	if err := h.dedupe.Delete(context.Background(), "event:"+eventID); err != nil {
		h.log.Warn("failed to release event id", "event_id", eventID, "error", err)
	}
}

// RetryDeploy re-pushes the device's current firmware
// POST /api/v1/devices/:id/deploy
func (h *EventHandler) RetryDeploy(c echo.Context) error {
	ctx := c.Request().Context()
	deviceID := c.Param("id")

	outcome, err := h.lifecycle.RetryDeploy(ctx, deviceID)
	if err != nil {
		return jsonError(c, err)
	}

	return c.JSON(outcomeStatus(outcome), outcome)
}

// outcomeStatus maps attempt outcomes onto HTTP statuses. The attempt ran
// to a definitive end either way, so most outcomes are 200 with the state
// in the body; only Busy signals the caller to back off.
func outcomeStatus(outcome *models.Outcome) int {
	if outcome.State == models.StateBusy {
		return http.StatusTooManyRequests
	}
	return http.StatusOK
}
