package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sbrctl/sbrctl/internal/config"
	"github.com/sbrctl/sbrctl/internal/controller"
	"github.com/sbrctl/sbrctl/internal/db"
	"github.com/sbrctl/sbrctl/internal/hardware"
	"github.com/sbrctl/sbrctl/internal/models"
)

type apiFixture struct {
	mux   *http.ServeMux
	ctrl  *controller.Controller
	store *db.Store
	hub   *Hub
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.DBPath = filepath.Join(t.TempDir(), "test.db")
	store, err := db.Open(cfg.DBPath)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	rig := hardware.NewSimRig().WithNoise(0)
	ctrl := controller.New(rig, cfg.PhaseConfig(), zerolog.Nop())
	hub := NewHub(zerolog.Nop())
	t.Cleanup(hub.Close)

	mux := http.NewServeMux()
	NewAPI(ctrl, store, hub, cfg, zerolog.Nop()).Register(mux)
	return &apiFixture{mux: mux, ctrl: ctrl, store: store, hub: hub}
}

func (f *apiFixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestHealthEndpoint(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodGet, "/api/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "simulated", body["hardware_mode"])
	assert.NotEmpty(t, body["version"])
}

func TestStatusEndpoint(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodGet, "/api/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "idle", body["phase"])
	assert.Equal(t, false, body["running"])
}

func TestControlFlow(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/api/control/start", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, true, body["running"])
	assert.Equal(t, "feed", body["phase"])

	rec = f.do(t, http.MethodPost, "/api/control/start", "")
	require.Equal(t, http.StatusConflict, rec.Code)
	body = decodeBody(t, rec)
	assert.Equal(t, controller.ReasonAlreadyRunning, body["reason"])

	rec = f.do(t, http.MethodPost, "/api/control/pause", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decodeBody(t, rec)["paused"])

	rec = f.do(t, http.MethodPost, "/api/control/resume", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/control/stop", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "idle", decodeBody(t, rec)["phase"])
}

func TestEmergencyStopAndReset(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/api/control/emergency-stop", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "emergency_stop", body["phase"])
	assert.Equal(t, true, body["emergency_stopped"])

	rec = f.do(t, http.MethodPost, "/api/control/start", "")
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, controller.ReasonEmergencyActive, decodeBody(t, rec)["reason"])

	rec = f.do(t, http.MethodPost, "/api/control/reset-emergency", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "idle", decodeBody(t, rec)["phase"])
}

func TestComponentEndpoint(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/api/control/component", `{"component":"blower","state":true}`)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	actuators, ok := body["actuators"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, actuators["blower"])

	rec = f.do(t, http.MethodPost, "/api/control/component", `{"component":"heater","state":true}`)
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, controller.ReasonUnknownComponent, decodeBody(t, rec)["reason"])

	rec = f.do(t, http.MethodPost, "/api/control/component", `{"component":`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestComponentRejectedWhileRunning(t *testing.T) {
	f := newAPIFixture(t)

	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/api/control/start", "").Code)
	rec := f.do(t, http.MethodPost, "/api/control/component", `{"component":"blower","state":true}`)
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, controller.ReasonCycleRunning, decodeBody(t, rec)["reason"])
}

func TestConfigEndpoints(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodGet, "/api/config", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	durations, ok := body["phase_durations"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 600.0, durations["t_z1"])

	rec = f.do(t, http.MethodPut, "/api/config/phase-durations", `{"t_sed":1800,"t_z1":300}`)
	require.Equal(t, http.StatusOK, rec.Code)
	durations = decodeBody(t, rec)["phase_durations"].(map[string]any)
	assert.Equal(t, 1800.0, durations["t_sed"])
	assert.Equal(t, 300.0, durations["t_z1"])

	rec = f.do(t, http.MethodPut, "/api/config/phase-durations", `{"t_bogus":10}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPut, "/api/config/phase-durations", `{}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPut, "/api/config/aeration", `{"mode":"pulse","t_stossan":60,"t_stosspause":240}`)
	require.Equal(t, http.StatusOK, rec.Code)
	body = decodeBody(t, rec)
	assert.Equal(t, "pulse", body["mode"])
	assert.Equal(t, 60.0, body["t_stossan"])

	rec = f.do(t, http.MethodPut, "/api/config/aeration", `{"mode":"turbo"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestConfigEditConflictsWhileRunning(t *testing.T) {
	f := newAPIFixture(t)

	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/api/control/start", "").Code)
	rec := f.do(t, http.MethodPut, "/api/config/phase-durations", `{"t_sed":10}`)
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, controller.ReasonCycleRunning, decodeBody(t, rec)["reason"])
}

func TestReadingsEndpoints(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		require.NoError(t, f.store.InsertReading(ctx, base.Add(time.Duration(i)*time.Minute), 100-float64(i), models.PhaseFeed))
	}

	rec := f.do(t, http.MethodGet, "/api/data/readings?limit=3", "")
	require.Equal(t, http.StatusOK, rec.Code)
	readings := decodeBody(t, rec)["readings"].([]any)
	assert.Len(t, readings, 3)

	rec = f.do(t, http.MethodGet, "/api/data/readings/range?from=2025-06-01T12:01:00Z&to=2025-06-01T12:03:00Z", "")
	require.Equal(t, http.StatusOK, rec.Code)
	readings = decodeBody(t, rec)["readings"].([]any)
	assert.Len(t, readings, 2)

	rec = f.do(t, http.MethodGet, "/api/data/readings/range?from=bogus&to=2025-06-01T12:03:00Z", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	// The hours form computes the window from the current time, so only the
	// fresh reading falls inside it.
	require.NoError(t, f.store.InsertReading(ctx, time.Now().Add(-10*time.Minute), 55, models.PhaseSettling))
	rec = f.do(t, http.MethodGet, "/api/data/readings/range?hours=1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	readings = decodeBody(t, rec)["readings"].([]any)
	assert.Len(t, readings, 1)

	rec = f.do(t, http.MethodGet, "/api/data/readings/range?hours=0", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/data/readings?limit=-1", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEventsEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, f.store.InsertEvent(ctx, models.Event{
		Timestamp: now,
		Kind:      controller.EventKindPhaseChanged,
		Severity:  models.SeverityInfo,
		Payload:   map[string]any{"phase": "feed"},
	}))

	rec := f.do(t, http.MethodGet, "/api/data/events", "")
	require.Equal(t, http.StatusOK, rec.Code)
	events := decodeBody(t, rec)["events"].([]any)
	require.Len(t, events, 1)
	first := events[0].(map[string]any)
	assert.Equal(t, controller.EventKindPhaseChanged, first["kind"])
	payload := first["payload"].(map[string]any)
	assert.Equal(t, "feed", payload["phase"])
}

func TestEventsEndpointIncrementalPolling(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		require.NoError(t, f.store.InsertEvent(ctx, models.Event{
			Timestamp: now.Add(time.Duration(i) * time.Second),
			Kind:      controller.EventKindPhaseChanged,
			Severity:  models.SeverityInfo,
		}))
	}

	rec := f.do(t, http.MethodGet, "/api/data/events", "")
	require.Equal(t, http.StatusOK, rec.Code)
	events := decodeBody(t, rec)["events"].([]any)
	require.Len(t, events, 3)
	firstID := events[0].(map[string]any)["id"].(float64)

	rec = f.do(t, http.MethodGet, fmt.Sprintf("/api/data/events?after_id=%d", int64(firstID)), "")
	require.Equal(t, http.StatusOK, rec.Code)
	events = decodeBody(t, rec)["events"].([]any)
	require.Len(t, events, 2)
	assert.Greater(t, events[0].(map[string]any)["id"].(float64), firstID)

	rec = f.do(t, http.MethodGet, "/api/data/events?after_id=bogus", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCyclesEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()
	started := time.Date(2025, 6, 1, 6, 0, 0, 0, time.UTC)
	require.NoError(t, f.store.StartCycle(ctx, "cycle-1", started))
	require.NoError(t, f.store.FinishCycle(ctx, "cycle-1", started.Add(4*time.Hour), db.CycleResultCompleted, 4*time.Hour))

	rec := f.do(t, http.MethodGet, "/api/data/cycles", "")
	require.Equal(t, http.StatusOK, rec.Code)
	cycles := decodeBody(t, rec)["cycles"].([]any)
	require.Len(t, cycles, 1)
	first := cycles[0].(map[string]any)
	assert.Equal(t, db.CycleResultCompleted, first["result"])
	assert.Equal(t, 4*3600.0, first["duration_seconds"])
}

func TestMethodNotAllowed(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodGet, "/api/control/start", "")
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, http.MethodPost, rec.Header().Get("Allow"))

	rec = f.do(t, http.MethodPost, "/api/status", "")
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
