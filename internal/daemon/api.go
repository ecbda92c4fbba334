package daemon

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/sbrctl/sbrctl/internal/buildinfo"
	"github.com/sbrctl/sbrctl/internal/config"
	"github.com/sbrctl/sbrctl/internal/controller"
	"github.com/sbrctl/sbrctl/internal/db"
	"github.com/sbrctl/sbrctl/internal/models"
)

const (
	maxJSONBytes         = 1 << 20 // Maximum size for JSON request bodies (1MB)
	defaultTailLimit     = 200
	maxTailLimit         = 1000
	defaultRangeLimit    = 5000
	maxRangeLimit        = 20000
	rangeTimestampLayout = time.RFC3339
)

// API handles the operator-facing HTTP surface of sbrd.
//
// Endpoints:
//   - GET  /api/health                     - Liveness and build info
//   - GET  /api/status                     - Controller status snapshot
//   - POST /api/control/start              - Start a treatment cycle
//   - POST /api/control/stop               - Stop the running cycle
//   - POST /api/control/pause              - Pause the running cycle
//   - POST /api/control/resume             - Resume a paused cycle
//   - POST /api/control/emergency-stop     - Force an emergency stop
//   - POST /api/control/reset-emergency    - Clear the emergency state
//   - POST /api/control/component          - Manually drive one actuator
//   - GET  /api/config                     - Current pending configuration
//   - PUT  /api/config/phase-durations     - Edit phase durations
//   - PUT  /api/config/aeration            - Edit aeration settings
//   - GET  /api/data/readings              - Recent level readings
//   - GET  /api/data/readings/range        - Level readings in a time range
//   - GET  /api/data/events                - Recent controller events
//   - GET  /api/data/cycles                - Recent cycle records
//   - GET  /api/ws                         - Websocket event stream
type API struct {
	ctrl    *controller.Controller
	store   *db.Store
	hub     *Hub
	cfg     config.Config
	log     zerolog.Logger
	started time.Time
	now     func() time.Time
}

// NewAPI creates the API around the controller and store.
func NewAPI(ctrl *controller.Controller, store *db.Store, hub *Hub, cfg config.Config, log zerolog.Logger) *API {
	return &API{
		ctrl:    ctrl,
		store:   store,
		hub:     hub,
		cfg:     cfg,
		log:     log.With().Str("component", "api").Logger(),
		started: time.Now(),
		now:     time.Now,
	}
}

// Register installs all routes on the mux.
func (api *API) Register(mux *http.ServeMux) {
	mux.HandleFunc("/api/health", api.handleHealth)
	mux.HandleFunc("/api/status", api.handleStatus)
	mux.HandleFunc("/api/control/start", api.commandHandler(func(r *http.Request) error {
		return api.ctrl.Start(r.Context())
	}))
	mux.HandleFunc("/api/control/stop", api.commandHandler(func(r *http.Request) error {
		return api.ctrl.Stop(r.Context())
	}))
	mux.HandleFunc("/api/control/pause", api.commandHandler(func(r *http.Request) error {
		return api.ctrl.Pause(r.Context())
	}))
	mux.HandleFunc("/api/control/resume", api.commandHandler(func(r *http.Request) error {
		return api.ctrl.Resume(r.Context())
	}))
	mux.HandleFunc("/api/control/emergency-stop", api.commandHandler(func(r *http.Request) error {
		api.ctrl.EmergencyStop(r.Context())
		return nil
	}))
	mux.HandleFunc("/api/control/reset-emergency", api.commandHandler(func(r *http.Request) error {
		return api.ctrl.ResetEmergency(r.Context())
	}))
	mux.HandleFunc("/api/control/component", api.handleComponent)
	mux.HandleFunc("/api/config", api.handleConfig)
	mux.HandleFunc("/api/config/phase-durations", api.handlePhaseDurations)
	mux.HandleFunc("/api/config/aeration", api.handleAeration)
	mux.HandleFunc("/api/data/readings", api.handleReadings)
	mux.HandleFunc("/api/data/readings/range", api.handleReadingsRange)
	mux.HandleFunc("/api/data/events", api.handleEvents)
	mux.HandleFunc("/api/data/cycles", api.handleCycles)
	mux.HandleFunc("/api/ws", api.handleWS)
}

func (api *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w, []string{http.MethodGet})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"version":        buildinfo.Version,
		"hardware_mode":  api.ctrl.Status().HardwareMode,
		"uptime_seconds": api.now().Sub(api.started).Seconds(),
	})
}

func (api *API) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w, []string{http.MethodGet})
		return
	}
	writeJSON(w, http.StatusOK, api.ctrl.Status())
}

// commandHandler adapts a controller command to the HTTP surface with the
// shared method check and error mapping.
func (api *API) commandHandler(command func(*http.Request) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeMethodNotAllowed(w, []string{http.MethodPost})
			return
		}
		if err := command(r); err != nil {
			api.writeCommandError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, api.ctrl.Status())
	}
}

type componentRequest struct {
	Component models.ActuatorID `json:"component"`
	State     bool              `json:"state"`
}

func (api *API) handleComponent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w, []string{http.MethodPost})
		return
	}
	var req componentRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if err := api.ctrl.SetComponent(r.Context(), req.Component, req.State); err != nil {
		api.writeCommandError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, api.ctrl.Status())
}

func (api *API) handleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w, []string{http.MethodGet})
		return
	}
	snapshot := api.ctrl.ConfigSnapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"phase_durations": api.ctrl.Durations(),
		"num_cycles":      snapshot.NumCycles,
		"aeration": map[string]any{
			"mode":         snapshot.AerationMode,
			"t_stossan":    snapshot.PulseOn.Seconds(),
			"t_stosspause": snapshot.PulsePause.Seconds(),
		},
		"safety": map[string]any{
			"high_level_alarm":   snapshot.HighLevelAlarm,
			"low_level_alarm":    snapshot.LowLevelAlarm,
			"max_cycle_duration": snapshot.MaxCycleDuration.Seconds(),
		},
		"hardware_mode": api.cfg.Hardware.Mode,
	})
}

func (api *API) handlePhaseDurations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		writeMethodNotAllowed(w, []string{http.MethodPut})
		return
	}
	var durations map[string]float64
	if err := decodeJSON(w, r, &durations); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if len(durations) == 0 {
		writeError(w, http.StatusBadRequest, "no durations provided")
		return
	}
	if err := api.ctrl.UpdateDurations(durations); err != nil {
		api.writeCommandError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"phase_durations": api.ctrl.Durations()})
}

type aerationRequest struct {
	Mode        *models.AerationMode `json:"mode"`
	TStossan    *float64             `json:"t_stossan"`
	TStosspause *float64             `json:"t_stosspause"`
}

func (api *API) handleAeration(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		writeMethodNotAllowed(w, []string{http.MethodPut})
		return
	}
	var req aerationRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	err := api.ctrl.UpdateAeration(controller.AerationUpdate{
		Mode:        req.Mode,
		TStossan:    req.TStossan,
		TStosspause: req.TStosspause,
	})
	if err != nil {
		api.writeCommandError(w, err)
		return
	}
	snapshot := api.ctrl.ConfigSnapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"mode":         snapshot.AerationMode,
		"t_stossan":    snapshot.PulseOn.Seconds(),
		"t_stosspause": snapshot.PulsePause.Seconds(),
	})
}

type readingResponse struct {
	Timestamp time.Time    `json:"timestamp"`
	Level     float64      `json:"level"`
	Phase     models.Phase `json:"phase"`
}

func (api *API) handleReadings(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w, []string{http.MethodGet})
		return
	}
	limit, err := parseLimit(r.URL.Query().Get("limit"), defaultTailLimit, maxTailLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid limit", err)
		return
	}
	readings, err := api.store.ListReadingsTail(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list readings failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"readings": toReadingResponses(readings)})
}

func (api *API) handleReadingsRange(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w, []string{http.MethodGet})
		return
	}
	query := r.URL.Query()
	var from, to time.Time
	if hours := strings.TrimSpace(query.Get("hours")); hours != "" {
		parsed, err := strconv.ParseFloat(hours, 64)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "hours must be a positive number")
			return
		}
		to = api.now()
		from = to.Add(-time.Duration(parsed * float64(time.Hour)))
	} else {
		var err error
		from, err = time.Parse(rangeTimestampLayout, query.Get("from"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid from timestamp", err)
			return
		}
		to, err = time.Parse(rangeTimestampLayout, query.Get("to"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid to timestamp", err)
			return
		}
	}
	limit, err := parseLimit(query.Get("limit"), defaultRangeLimit, maxRangeLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid limit", err)
		return
	}
	readings, err := api.store.ListReadingsRange(r.Context(), from, to, limit)
	if err != nil {
		writeError(w, http.StatusBadRequest, "list readings failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"readings": toReadingResponses(readings)})
}

type eventResponse struct {
	ID        int64           `json:"id"`
	Timestamp time.Time       `json:"timestamp"`
	Kind      string          `json:"kind"`
	Severity  models.Severity `json:"severity"`
	Message   string          `json:"message,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

func (api *API) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w, []string{http.MethodGet})
		return
	}
	query := r.URL.Query()
	limit, err := parseLimit(query.Get("limit"), defaultTailLimit, maxTailLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid limit", err)
		return
	}
	var events []db.Event
	if afterRaw := strings.TrimSpace(query.Get("after_id")); afterRaw != "" {
		// Incremental polling: everything past the given row id, in
		// insertion order.
		afterID, parseErr := strconv.ParseInt(afterRaw, 10, 64)
		if parseErr != nil || afterID < 0 {
			writeError(w, http.StatusBadRequest, "after_id must be a non-negative integer")
			return
		}
		events, err = api.store.ListEventsAfter(r.Context(), afterID, limit)
	} else {
		events, err = api.store.ListEventsTail(r.Context(), strings.TrimSpace(query.Get("kind")), limit)
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list events failed", err)
		return
	}
	out := make([]eventResponse, 0, len(events))
	for _, ev := range events {
		resp := eventResponse{
			ID:        ev.ID,
			Timestamp: ev.Timestamp,
			Kind:      ev.Kind,
			Severity:  ev.Severity,
			Message:   ev.Message,
		}
		if ev.JSON != "" {
			resp.Payload = json.RawMessage(ev.JSON)
		}
		out = append(out, resp)
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": out})
}

type cycleResponse struct {
	ID              string     `json:"id"`
	StartedAt       time.Time  `json:"started_at"`
	EndedAt         *time.Time `json:"ended_at,omitempty"`
	Result          string     `json:"result"`
	DurationSeconds *float64   `json:"duration_seconds,omitempty"`
}

func (api *API) handleCycles(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w, []string{http.MethodGet})
		return
	}
	limit, err := parseLimit(r.URL.Query().Get("limit"), defaultTailLimit, maxTailLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid limit", err)
		return
	}
	cycles, err := api.store.ListCyclesTail(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list cycles failed", err)
		return
	}
	out := make([]cycleResponse, 0, len(cycles))
	for _, c := range cycles {
		out = append(out, cycleResponse{
			ID:              c.ID,
			StartedAt:       c.StartedAt,
			EndedAt:         c.EndedAt,
			Result:          c.Result,
			DurationSeconds: c.DurationSeconds,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"cycles": out})
}

func (api *API) handleWS(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w, []string{http.MethodGet})
		return
	}
	api.hub.HandleUpgrade(w, r)
}

// writeCommandError maps controller errors to HTTP statuses. Rejected
// commands are conflicts with a machine-readable reason; invalid
// configuration edits are bad requests.
func (api *API) writeCommandError(w http.ResponseWriter, err error) {
	var cmdErr *controller.CommandError
	if errors.As(err, &cmdErr) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"error":  "command rejected",
			"reason": cmdErr.Reason,
		})
		return
	}
	var cfgErr *controller.ConfigError
	if errors.As(err, &cfgErr) {
		writeError(w, http.StatusBadRequest, "invalid configuration", err)
		return
	}
	api.log.Error().Err(err).Msg("command failed")
	writeError(w, http.StatusInternalServerError, "command failed", err)
}

func toReadingResponses(readings []db.Reading) []readingResponse {
	out := make([]readingResponse, 0, len(readings))
	for _, r := range readings {
		out = append(out, readingResponse{Timestamp: r.Timestamp, Level: r.Level, Phase: r.Phase})
	}
	return out
}

func parseLimit(value string, fallback, max int) (int, error) {
	if strings.TrimSpace(value) == "" {
		return fallback, nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, err
	}
	if parsed <= 0 {
		return 0, errors.New("limit must be positive")
	}
	if parsed > max {
		parsed = max
	}
	return parsed, nil
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dest any) error {
	if r.Body == nil {
		return errors.New("request body is required")
	}
	defer r.Body.Close()
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dest); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("unexpected trailing data")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string, err ...error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	payload := map[string]string{"error": msg}
	if len(err) > 0 {
		payload["details"] = err[0].Error()
	}
	data, _ := json.Marshal(payload)
	w.Write(data)
}

func writeMethodNotAllowed(w http.ResponseWriter, methods []string) {
	w.Header().Set("Allow", strings.Join(methods, ", "))
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}
