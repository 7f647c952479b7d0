// Package api exposes HTTP handlers for the treadmill service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"example.com/treadmill/internal/auth"
	"example.com/treadmill/internal/device"
	"example.com/treadmill/internal/domain"
	"example.com/treadmill/internal/persistence"
	"example.com/treadmill/internal/preflight"
	"example.com/treadmill/internal/stream"
)

// Sessions runs the treadmill session lifecycle.
type Sessions interface {
	UserID() string
	StartSession(ctx context.Context) (*domain.Session, error)
	EndSession(ctx context.Context, activity *domain.ActivityData) (*domain.Session, error)
}

// History serves recorded sessions.
type History interface {
	CreateManualSession(ctx context.Context, in domain.ManualSessionInput) (*domain.Session, error)
	ListSessions(ctx context.Context, userID string, cursor *domain.Cursor, limit int) ([]domain.Session, *domain.Cursor, error)
	DailyStats(ctx context.Context, userID string, day time.Time) (domain.DailyStats, error)
}

// Treadmill is direct device control.
type Treadmill interface {
	stream.Source
	Execute(ctx context.Context, cmd device.Command) error
	Status(ctx context.Context) (device.Status, bool, error)
}

// Preferences reads and writes the saved device preferences.
type Preferences interface {
	Current(ctx context.Context) (device.Preferences, error)
	Update(ctx context.Context, update device.Preferences) (device.Preferences, error)
}

// Setup prepares the device for use.
type Setup interface {
	CheckAndClean(ctx context.Context) (preflight.Result, error)
}

// Snapshots reads the mirrored device status.
type Snapshots interface {
	Latest(ctx context.Context) (device.Status, bool, error)
}

// Dependencies groups what the handlers call into. Snapshots may be nil.
type Dependencies struct {
	Sessions    Sessions
	History     History
	Treadmill   Treadmill
	Preferences Preferences
	Setup       Setup
	Snapshots   Snapshots
	Stream      stream.Options
	Logger      *zap.Logger
}

// Handler coordinates HTTP requests with the session manager and the device.
type Handler struct {
	deps   Dependencies
	logger *zap.Logger
}

// NewHandler builds a Handler.
func NewHandler(deps Dependencies) *Handler {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{deps: deps, logger: logger.Named("api")}
}

// RegisterRoutes wires endpoints to the mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/sessions/start", h.startSession)
	mux.HandleFunc("POST /v1/sessions/end", h.endSession)
	mux.HandleFunc("POST /v1/sessions/manual", h.createManualSession)
	mux.HandleFunc("GET /v1/sessions", h.listSessions)
	mux.HandleFunc("GET /v1/stats/daily", h.dailyStats)

	mux.HandleFunc("POST /v1/treadmill/setup", h.setup)
	mux.HandleFunc("POST /v1/treadmill/start", h.command(device.Command{Kind: device.CommandStartBelt}))
	mux.HandleFunc("POST /v1/treadmill/stop", h.command(device.Command{Kind: device.CommandStopBelt}))
	mux.HandleFunc("POST /v1/treadmill/calibrate", h.command(device.Command{Kind: device.CommandCalibrate}))
	mux.HandleFunc("POST /v1/treadmill/speed", h.setSpeed)
	mux.HandleFunc("POST /v1/treadmill/mode", h.setMode)
	mux.HandleFunc("GET /v1/treadmill/stream", h.streamStatus)

	mux.HandleFunc("GET /v1/device/preferences", h.getPreferences)
	mux.HandleFunc("PUT /v1/device/preferences", h.updatePreferences)
	mux.HandleFunc("GET /v1/device/status", h.deviceStatus)

	mux.HandleFunc("/healthz", healthz)
}

// healthz reports a simple OK status for container health checks.
func healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (h *Handler) startSession(w http.ResponseWriter, r *http.Request) {
	if !requireScope(w, r, auth.ScopeSessionsWrite) {
		return
	}

	session, err := h.deps.Sessions.StartSession(r.Context())
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toSessionView(*session))
}

func (h *Handler) endSession(w http.ResponseWriter, r *http.Request) {
	if !requireScope(w, r, auth.ScopeSessionsWrite) {
		return
	}

	var activity *domain.ActivityData
	var body domain.ActivityData
	switch err := json.NewDecoder(r.Body).Decode(&body); {
	case errors.Is(err, io.EOF):
	case err != nil:
		writeError(w, http.StatusBadRequest, "invalid_request", "unable to parse body")
		return
	default:
		activity = &body
	}

	session, err := h.deps.Sessions.EndSession(r.Context(), activity)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionView(*session))
}

func (h *Handler) createManualSession(w http.ResponseWriter, r *http.Request) {
	if !requireScope(w, r, auth.ScopeSessionsWrite) {
		return
	}

	var req ManualSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "unable to parse body")
		return
	}

	session, err := h.deps.History.CreateManualSession(r.Context(), domain.ManualSessionInput{
		UserID:    h.deps.Sessions.UserID(),
		StartTime: req.StartTime,
		EndTime:   req.EndTime,
		Activity: domain.ActivityData{
			DistanceKm:      req.DistanceKm,
			Steps:           req.Steps,
			DurationSeconds: req.DurationSeconds,
		},
		Notes: req.Notes,
	})
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toSessionView(*session))
}

func (h *Handler) listSessions(w http.ResponseWriter, r *http.Request) {
	if !requireScope(w, r, auth.ScopeSessionsRead, auth.ScopeSessionsWrite) {
		return
	}

	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			if parsed > 100 {
				parsed = 100
			}
			limit = parsed
		}
	}

	cursor, err := persistence.DecodeCursor(r.URL.Query().Get("cursor"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", "invalid cursor")
		return
	}

	sessions, next, err := h.deps.History.ListSessions(r.Context(), h.deps.Sessions.UserID(), cursor, limit)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	items := make([]SessionView, 0, len(sessions))
	for _, s := range sessions {
		items = append(items, toSessionView(s))
	}
	writeJSON(w, http.StatusOK, ListSessionsResponse{
		Items:      items,
		NextCursor: persistence.EncodeCursor(next),
	})
}

func (h *Handler) dailyStats(w http.ResponseWriter, r *http.Request) {
	if !requireScope(w, r, auth.ScopeSessionsRead, auth.ScopeSessionsWrite) {
		return
	}

	day := time.Now().UTC()
	if raw := r.URL.Query().Get("date"); raw != "" {
		parsed, err := time.Parse(time.DateOnly, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "validation_failed", "date must be YYYY-MM-DD")
			return
		}
		day = parsed
	}

	stats, err := h.deps.History.DailyStats(r.Context(), h.deps.Sessions.UserID(), day)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, DailyStatsView{
		Date:                 stats.Date.Format(time.DateOnly),
		Sessions:             stats.Sessions,
		TotalDistanceKm:      stats.TotalDistanceKm,
		TotalSteps:           stats.TotalSteps,
		TotalDurationSeconds: stats.TotalDurationSeconds,
		TotalCalories:        stats.TotalCalories,
		AverageSpeed:         stats.AverageSpeed,
	})
}

func (h *Handler) setup(w http.ResponseWriter, r *http.Request) {
	if !requireScope(w, r, auth.ScopeDeviceControl) {
		return
	}

	result, err := h.deps.Setup.CheckAndClean(r.Context())
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	status := http.StatusOK
	if !result.Ready {
		status = http.StatusConflict
	}
	writeJSON(w, status, SetupResponse{Ready: result.Ready, Reason: result.Reason})
}

func (h *Handler) command(cmd device.Command) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !requireScope(w, r, auth.ScopeDeviceControl) {
			return
		}
		h.execute(w, r, cmd)
	}
}

func (h *Handler) setSpeed(w http.ResponseWriter, r *http.Request) {
	if !requireScope(w, r, auth.ScopeDeviceControl) {
		return
	}

	var req SpeedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Speed == nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "speed is required")
		return
	}
	cmd, err := device.SpeedCommand(*req.Speed)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.execute(w, r, cmd)
}

func (h *Handler) setMode(w http.ResponseWriter, r *http.Request) {
	if !requireScope(w, r, auth.ScopeDeviceControl) {
		return
	}

	var req ModeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "unable to parse body")
		return
	}
	mode, err := device.ParseMode(req.Mode)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.execute(w, r, device.ModeCommand(mode))
}

func (h *Handler) execute(w http.ResponseWriter, r *http.Request, cmd device.Command) {
	if err := h.deps.Treadmill.Execute(r.Context(), cmd); err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, CommandResponse{Command: string(cmd.Kind), Status: "ok"})
}

func (h *Handler) updatePreferences(w http.ResponseWriter, r *http.Request) {
	if !requireScope(w, r, auth.ScopeDeviceControl) {
		return
	}

	var prefs device.Preferences
	if err := json.NewDecoder(r.Body).Decode(&prefs); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "unable to parse body")
		return
	}
	saved, err := h.deps.Preferences.Update(r.Context(), prefs)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

func (h *Handler) getPreferences(w http.ResponseWriter, r *http.Request) {
	if !requireScope(w, r, auth.ScopeDeviceControl, auth.ScopeSessionsRead) {
		return
	}
	prefs, err := h.deps.Preferences.Current(r.Context())
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, prefs)
}

func (h *Handler) deviceStatus(w http.ResponseWriter, r *http.Request) {
	if !requireScope(w, r, auth.ScopeDeviceControl, auth.ScopeSessionsRead) {
		return
	}

	if cached, _ := strconv.ParseBool(r.URL.Query().Get("cached")); cached {
		if h.deps.Snapshots == nil {
			writeError(w, http.StatusNotFound, "not_found", "no cached status")
			return
		}
		status, ok, err := h.deps.Snapshots.Latest(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, "server_error", err.Error())
			return
		}
		if !ok {
			writeError(w, http.StatusNotFound, "not_found", "no cached status")
			return
		}
		writeJSON(w, http.StatusOK, status)
		return
	}

	status, ok, err := h.deps.Treadmill.Status(r.Context())
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	if !ok {
		writeError(w, http.StatusServiceUnavailable, "device_unavailable", "device did not report status")
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// streamStatus relays supervisor events as server-sent events until the stream ends
// or the client goes away.
func (h *Handler) streamStatus(w http.ResponseWriter, r *http.Request) {
	if !requireScope(w, r, auth.ScopeDeviceControl, auth.ScopeSessionsRead) {
		return
	}

	rc := http.NewResponseController(w)
	// Streams outlive the server write timeout.
	_ = rc.SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		h.logger.Warn("stream flush unsupported", zap.Error(err))
		return
	}

	streamID := uuid.NewString()
	opts := h.deps.Stream
	opts.Logger = h.logger.With(zap.String("stream_id", streamID))
	supervisor := stream.NewSupervisor(h.deps.Treadmill, opts)

	h.logger.Info("stream opened", zap.String("stream_id", streamID))
	for event := range supervisor.Run(r.Context()) {
		body, err := json.Marshal(event)
		if err != nil {
			continue
		}
		if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Status, body); err != nil {
			break
		}
		if err := rc.Flush(); err != nil {
			break
		}
	}
	h.logger.Info("stream closed", zap.String("stream_id", streamID))
}

func requireScope(w http.ResponseWriter, r *http.Request, scopes ...string) bool {
	claims, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return false
	}
	for _, scope := range scopes {
		if claims.HasScope(scope) {
			return true
		}
	}
	writeError(w, http.StatusForbidden, "forbidden", fmt.Sprintf("scope %s required", scopes[0]))
	return false
}

// writeDomainError maps service errors onto HTTP statuses.
func (h *Handler) writeDomainError(w http.ResponseWriter, err error) {
	var (
		precondition *domain.PreconditionError
		validation   *domain.ValidationError
		connection   *device.ConnectionError
	)
	switch {
	case errors.As(err, &precondition):
		writeError(w, http.StatusConflict, "precondition_failed", precondition.Error())
	case errors.As(err, &validation):
		writeError(w, http.StatusBadRequest, "validation_failed", validation.Error())
	case errors.As(err, &connection), errors.Is(err, device.ErrNotConnected):
		writeError(w, http.StatusServiceUnavailable, "device_unavailable", err.Error())
	default:
		h.logger.Error("request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
	}
}

// ManualSessionRequest is the payload for POST /v1/sessions/manual.
type ManualSessionRequest struct {
	StartTime       time.Time `json:"start_time"`
	EndTime         time.Time `json:"end_time"`
	DistanceKm      *float64  `json:"distance,omitempty"`
	Steps           *int      `json:"steps,omitempty"`
	DurationSeconds *int      `json:"duration,omitempty"`
	Notes           string    `json:"notes,omitempty"`
}

// SpeedRequest is the payload for POST /v1/treadmill/speed.
type SpeedRequest struct {
	Speed *float64 `json:"speed"`
}

// ModeRequest is the payload for POST /v1/treadmill/mode.
type ModeRequest struct {
	Mode string `json:"mode"`
}

// CommandResponse acknowledges a device command.
type CommandResponse struct {
	Command string `json:"command"`
	Status  string `json:"status"`
}

// SetupResponse reports the outcome of the device preflight.
type SetupResponse struct {
	Ready  bool   `json:"ready"`
	Reason string `json:"reason,omitempty"`
}

// SessionView exposes a session.
type SessionView struct {
	SessionID       string     `json:"session_id"`
	UserID          string     `json:"user_id"`
	StartTime       time.Time  `json:"start_time"`
	EndTime         *time.Time `json:"end_time,omitempty"`
	DurationSeconds int        `json:"duration_seconds"`
	DistanceKm      float64    `json:"distance_km"`
	Steps           int        `json:"steps"`
	Calories        float64    `json:"calories"`
	AverageSpeed    float64    `json:"average_speed"`
	MaxSpeed        float64    `json:"max_speed"`
	Mode            string     `json:"mode"`
	Notes           string     `json:"notes,omitempty"`
	Active          bool       `json:"active"`
}

// ListSessionsResponse packages list results.
type ListSessionsResponse struct {
	Items      []SessionView `json:"items"`
	NextCursor string        `json:"next_cursor,omitempty"`
}

// DailyStatsView exposes the totals of one day.
type DailyStatsView struct {
	Date                 string  `json:"date"`
	Sessions             int     `json:"sessions"`
	TotalDistanceKm      float64 `json:"total_distance_km"`
	TotalSteps           int     `json:"total_steps"`
	TotalDurationSeconds int     `json:"total_duration_seconds"`
	TotalCalories        float64 `json:"total_calories"`
	AverageSpeed         float64 `json:"average_speed"`
}

func writeError(w http.ResponseWriter, status int, code, detail string) {
	payload := map[string]string{
		"type":   code,
		"detail": detail,
	}
	writeJSON(w, status, payload)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func toSessionView(s domain.Session) SessionView {
	return SessionView{
		SessionID:       s.ID,
		UserID:          s.UserID,
		StartTime:       s.StartTime,
		EndTime:         s.EndTime,
		DurationSeconds: s.DurationSeconds,
		DistanceKm:      s.DistanceKm,
		Steps:           s.Steps,
		Calories:        s.Calories,
		AverageSpeed:    s.AverageSpeed,
		MaxSpeed:        s.MaxSpeed,
		Mode:            s.Mode,
		Notes:           s.Notes,
		Active:          s.Open(),
	}
}
