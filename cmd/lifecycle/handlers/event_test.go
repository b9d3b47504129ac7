package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/otaforge/lifecycle/cmd/lifecycle/generator"
	"github.com/otaforge/lifecycle/cmd/lifecycle/models"
	"github.com/otaforge/lifecycle/cmd/lifecycle/repository"
	"github.com/otaforge/lifecycle/cmd/lifecycle/service"
	"github.com/otaforge/lifecycle/common/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDeduper is an in-memory stand-in for the redis SETNX/DEL pair
type fakeDeduper struct {
	mu   sync.Mutex
	keys map[string]string
}

func newFakeDeduper() *fakeDeduper {
	return &fakeDeduper{keys: make(map[string]string)}
}

func (f *fakeDeduper) SetNX(ctx context.Context, key, value string, expiry time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.keys[key]; exists {
		return false, nil
	}
	f.keys[key] = value
	return true, nil
}

func (f *fakeDeduper) Delete(ctx context.Context, keys ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, key := range keys {
		delete(f.keys, key)
	}
	return nil
}

func (f *fakeDeduper) has(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, exists := f.keys[key]
	return exists
}

// scriptedGenerator returns canned source or a canned error. started/proceed
// allow tests to hold an attempt open mid-generation.
type scriptedGenerator struct {
	err     error
	started chan struct{}
	proceed chan struct{}
}

func (g *scriptedGenerator) Generate(ctx context.Context, req *generator.Request) ([]byte, error) {
	if g.started != nil {
		g.started <- struct{}{}
	}
	if g.proceed != nil {
		<-g.proceed
	}
	if g.err != nil {
		return nil, g.err
	}
	return []byte("// generated for " + req.DeviceID + "\nvoid loop() {}\n"), nil
}

type okFlasher struct{}

func (okFlasher) Deploy(ctx context.Context, deviceID string, artifact *models.FirmwareArtifact) error {
	return nil
}

func newTestEventHandler(t *testing.T, gen generator.Generator, lockPolicy string) (*EventHandler, *fakeDeduper) {
	t.Helper()
	log := logger.New("error", "text")
	mem := repository.NewMemoryStore()

	guard, err := service.NewEventGuard()
	require.NoError(t, err)

	registry := service.NewRegistryService(mem, log)
	store := service.NewStoreService(mem.FirmwareStore(), nil, time.Hour, log)
	svc := service.NewLifecycleService(registry, mem, store, gen, okFlasher{}, guard, "", lockPolicy, nil, log)

	dedupe := newFakeDeduper()
	return &EventHandler{lifecycle: svc, dedupe: dedupe, log: log}, dedupe
}

func postEvent(t *testing.T, h *EventHandler, body string) *httptest.ResponseRecorder {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/events", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	assert.NoError(t, h.HandleEvent(e.NewContext(req, rec)))
	return rec
}

func decodeOutcome(t *testing.T, rec *httptest.ResponseRecorder) *models.Outcome {
	t.Helper()
	var outcome models.Outcome
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &outcome))
	return &outcome
}

func TestHandleEventRetryAfterBusy(t *testing.T) {
	gen := &scriptedGenerator{
		started: make(chan struct{}, 1),
		proceed: make(chan struct{}),
	}
	h, dedupe := newTestEventHandler(t, gen, service.LockPolicyFailFast)

	done := make(chan struct{})
	go func() {
		defer close(done)
		postEvent(t, h, `{"device_id":"device-001","event_details":"slow event"}`)
	}()
	<-gen.started // first attempt holds the device lock

	const body = `{"device_id":"device-001","event_details":"spike","event_id":"evt-1"}`
	busy := postEvent(t, h, body)
	assert.Equal(t, http.StatusTooManyRequests, busy.Code)
	assert.Equal(t, models.StateBusy, decodeOutcome(t, busy).State)
	// A busy rejection must not burn the event id
	assert.False(t, dedupe.has("event:evt-1"))

	close(gen.proceed)
	<-done

	// The identical retry is accepted and runs to completion
	retried := postEvent(t, h, body)
	require.Equal(t, http.StatusOK, retried.Code)
	assert.Equal(t, models.StateDone, decodeOutcome(t, retried).State)
	assert.True(t, dedupe.has("event:evt-1"))

	// Now that the attempt committed, a replay is a duplicate
	replayed := postEvent(t, h, body)
	assert.Equal(t, http.StatusConflict, replayed.Code)

	var errBody map[string]interface{}
	require.NoError(t, json.Unmarshal(replayed.Body.Bytes(), &errBody))
	assert.Equal(t, "duplicate_event", errBody["error"])
}

func TestHandleEventRetryAfterGenerationFailure(t *testing.T) {
	gen := &scriptedGenerator{err: errors.New("model unavailable")}
	h, dedupe := newTestEventHandler(t, gen, service.LockPolicyQueue)

	const body = `{"device_id":"device-001","event_details":"spike","event_id":"evt-9"}`
	first := postEvent(t, h, body)
	require.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, models.StateGenerationFailed, decodeOutcome(t, first).State)
	assert.False(t, dedupe.has("event:evt-9"))

	// The retry reaches the lifecycle again instead of being deduplicated
	second := postEvent(t, h, body)
	require.Equal(t, http.StatusOK, second.Code)
	assert.Equal(t, models.StateGenerationFailed, decodeOutcome(t, second).State)
}
