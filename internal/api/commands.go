package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/dasher-automate/internal/domain"
	"github.com/ashureev/dasher-automate/internal/relay"
)

// Commander is the relay surface the command endpoints drive.
type Commander interface {
	PushRules(ctx context.Context, deviceID string, rules domain.RuleSet) error
	PushControl(ctx context.Context, deviceID, action string, enabled bool) error
	QueryStatus(ctx context.Context, deviceID string) (domain.StatusRecord, error)
	LiveSessions() []domain.StatusRecord
}

// CommandHandler serves status queries and command injection.
type CommandHandler struct {
	relay Commander
	now   func() time.Time
}

// NewCommandHandler creates a command handler.
func NewCommandHandler(c Commander) *CommandHandler {
	return &CommandHandler{relay: c, now: time.Now}
}

// StatusResponse answers GET /api/status/{deviceId}.
type StatusResponse struct {
	DeviceID   string `json:"deviceId"`
	Status     string `json:"status"`
	Timestamp  int64  `json:"timestamp"`
	LastSeenAt int64  `json:"lastSeenAt,omitempty"`
}

// SessionsResponse answers GET /api/sessions.
type SessionsResponse struct {
	Sessions []domain.StatusRecord `json:"sessions"`
}

// RulesRequest is the body of POST /api/rules/{deviceId}.
type RulesRequest struct {
	Rules *domain.RuleSet `json:"rules"`
}

// ControlRequest is the body of POST /api/control/{deviceId}.
type ControlRequest struct {
	Action  string `json:"action"`
	Enabled *bool  `json:"enabled"`
}

// RegisterRoutes registers the command routes.
func (h *CommandHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/status/{deviceId}", h.GetStatus)
		r.Get("/sessions", h.ListSessions)
		r.Post("/rules/{deviceId}", h.PushRules)
		r.Post("/control/{deviceId}", h.PushControl)
	})
}

// GetStatus returns the last known status of a device. It always answers
// 200; unknown devices report offline.
func (h *CommandHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceId")

	resp := StatusResponse{DeviceID: deviceID, Status: domain.StatusOffline, Timestamp: h.now().UnixMilli()}
	rec, err := h.relay.QueryStatus(r.Context(), deviceID)
	if err != nil {
		slog.Warn("Status query failed, reporting offline", "device_id", deviceID, "error", err)
		JSON(w, http.StatusOK, resp)
		return
	}

	resp.Status = rec.Status
	if !rec.LastSeenAt.IsZero() {
		resp.LastSeenAt = rec.LastSeenAt.UnixMilli()
	}
	JSON(w, http.StatusOK, resp)
}

// ListSessions returns the sessions with a live connection.
func (h *CommandHandler) ListSessions(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, SessionsResponse{Sessions: h.relay.LiveSessions()})
}

// PushRules forwards a rule set to a connected device.
func (h *CommandHandler) PushRules(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceId")

	var req RulesRequest
	if err := decodeBody(w, r, &req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Rules == nil {
		Error(w, http.StatusBadRequest, "rules is required")
		return
	}

	h.respond(w, deviceID, "rules", h.relay.PushRules(r.Context(), deviceID, *req.Rules))
}

// PushControl forwards a toggle or generic control action to a device.
func (h *CommandHandler) PushControl(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceId")

	var req ControlRequest
	if err := decodeBody(w, r, &req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Action == "" {
		Error(w, http.StatusBadRequest, "action is required")
		return
	}
	if req.Enabled == nil {
		Error(w, http.StatusBadRequest, "enabled is required")
		return
	}

	h.respond(w, deviceID, req.Action, h.relay.PushControl(r.Context(), deviceID, req.Action, *req.Enabled))
}

func (h *CommandHandler) respond(w http.ResponseWriter, deviceID, kind string, err error) {
	switch {
	case err == nil:
		JSON(w, http.StatusOK, map[string]bool{"success": true})
	case errors.Is(err, relay.ErrNotConnected):
		Error(w, http.StatusNotFound, "Device not connected")
	case errors.Is(err, domain.ErrInvalidRules):
		Error(w, http.StatusBadRequest, err.Error())
	default:
		slog.Error("Command push failed", "device_id", deviceID, "kind", kind, "error", err)
		Error(w, http.StatusInternalServerError, "failed to deliver command")
	}
}
