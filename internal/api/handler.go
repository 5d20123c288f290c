// Package api exposes the request API surface: create/poll endpoints, the
// admin action gate, and the subscription streams.
package api

import (
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"tollgate/internal/auth"
	"tollgate/internal/hub"
	"tollgate/internal/license"
	"tollgate/internal/request"
	"tollgate/internal/settings"
)

const maxBodyBytes = 16 << 10

// Config is the handler configuration.
type Config struct {
	// AdminSecretHash is the Argon2id hash gating /api/admin endpoints.
	// Empty disables admin endpoints entirely.
	AdminSecretHash string

	// HeartbeatInterval paces stream keep-alives.
	HeartbeatInterval time.Duration
}

// Handler routes the public and admin HTTP surface into the engine.
type Handler struct {
	log      *slog.Logger
	cfg      Config
	requests *request.Service
	licenses *license.Service
	settings *settings.Service
	hub      *hub.Hub
}

// NewHandler constructs a Handler.
func NewHandler(log *slog.Logger, cfg Config, requests *request.Service, licenses *license.Service, st *settings.Service, h *hub.Hub) *Handler {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 20 * time.Second
	}
	return &Handler{
		log:      log,
		cfg:      cfg,
		requests: requests,
		licenses: licenses,
		settings: st,
		hub:      h,
	}
}

// Register mounts all routes on the mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/connection-requests", h.createConnection)
	mux.HandleFunc("GET /api/connection-requests/status", h.connectionStatus)
	mux.HandleFunc("POST /api/admin/action", h.requireAdmin(h.adminAction))
	mux.HandleFunc("POST /api/admin/settings", h.requireAdmin(h.adminSettings))
	mux.HandleFunc("POST /api/license-requests", h.createLicense)
	mux.HandleFunc("POST /api/license-requests/mark-paid", h.markPaid)
	mux.HandleFunc("GET /api/license-status", h.licenseStatus)
	mux.HandleFunc("GET /api/stream/license", h.streamLicense)
	mux.HandleFunc("GET /api/stream/settings", h.streamSettings)
	mux.HandleFunc("GET /api/ws/license", h.wsLicense)
}

// requireAdmin gates a handler behind the shared admin secret.
func (h *Handler) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.cfg.AdminSecretHash == "" {
			writeError(w, http.StatusForbidden, "admin_disabled", "admin endpoints are not configured")
			return
		}
		secret := r.Header.Get("X-Admin-Secret")
		if secret == "" {
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing admin secret")
			return
		}
		ok, err := auth.VerifySecret(h.cfg.AdminSecretHash, secret)
		if err != nil || !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized", "bad admin secret")
			return
		}
		next(w, r)
	}
}

func (h *Handler) createConnection(w http.ResponseWriter, r *http.Request) {
	// Gate reads fail closed: an unreadable toggle must not bypass it.
	snap, err := h.settings.Get(r.Context())
	if err != nil {
		h.log.Error("api.settings.read.fail", "err", err)
		writeError(w, http.StatusServiceUnavailable, "settings_unavailable", "could not read settings")
		return
	}
	if !snap.UploadsEnabled {
		writeError(w, http.StatusForbidden, "uploads_disabled", "uploads are currently disabled")
		return
	}

	var in createConnectionRequest
	if err := decodeJSON(w, r, maxBodyBytes, &in); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}

	rec, err := h.requests.Create(r.Context(), in.SubjectName, clientIP(r))
	if err != nil {
		if errors.Is(err, request.ErrInvalidInput) {
			writeError(w, http.StatusBadRequest, "bad_request", "subject_name is required")
			return
		}
		h.log.Error("api.connection.create.fail", "err", err)
		writeError(w, http.StatusInternalServerError, "internal", "could not create request")
		return
	}

	writeJSON(w, http.StatusCreated, createConnectionResponse{ID: rec.ID})
}

func (h *Handler) connectionStatus(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.URL.Query().Get("id"))
	if id == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "id is required")
		return
	}

	rec, err := h.requests.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, request.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "unknown request id")
			return
		}
		h.log.Error("api.connection.status.fail", "id", id, "err", err)
		writeError(w, http.StatusInternalServerError, "internal", "could not read request")
		return
	}

	writeJSON(w, http.StatusOK, connectionStatusResponse{
		ID:            rec.ID,
		Status:        string(rec.Status),
		AssignedValue: rec.AssignedValue,
	})
}

var adminActions = map[string]request.ActionKind{
	"approve_choose":     request.ActionApproveChoose,
	"approve_with_value": request.ActionApproveWith,
	"set_value":          request.ActionSetValue,
	"reject":             request.ActionReject,
	"cancel":             request.ActionCancel,
}

func (h *Handler) adminAction(w http.ResponseWriter, r *http.Request) {
	var in adminActionRequest
	if err := decodeJSON(w, r, maxBodyBytes, &in); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}

	kind, ok := adminActions[strings.TrimSpace(in.Action)]
	if !ok {
		writeError(w, http.StatusBadRequest, "bad_request", "unknown action")
		return
	}
	if (kind == request.ActionApproveWith || kind == request.ActionSetValue) && !in.Value.set {
		writeError(w, http.StatusBadRequest, "invalid_value", "value is required for this action")
		return
	}

	_, err := h.requests.Apply(r.Context(), strings.TrimSpace(in.ID), request.Action{
		Kind:  kind,
		Value: in.Value.value,
	})
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, adminActionResponse{Success: true})
	case errors.Is(err, request.ErrInvalidValue):
		writeError(w, http.StatusBadRequest, "invalid_value", "value must be a finite positive number")
	case errors.Is(err, request.ErrAlreadyProcessed):
		writeJSON(w, http.StatusOK, adminActionResponse{Success: false, Reason: "already_processed"})
	case errors.Is(err, request.ErrNotFound):
		writeJSON(w, http.StatusOK, adminActionResponse{Success: false, Reason: "not_found"})
	case errors.Is(err, request.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "bad_request", "invalid action input")
	default:
		h.log.Error("api.admin.action.fail", "id", in.ID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal", "could not apply action")
	}
}

func (h *Handler) adminSettings(w http.ResponseWriter, r *http.Request) {
	var in settingsUpdateRequest
	if err := decodeJSON(w, r, maxBodyBytes, &in); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}

	snap, err := h.settings.Update(r.Context(), settings.Snapshot{
		UploadsEnabled:  in.UploadsEnabled,
		LicensesEnabled: in.LicensesEnabled,
	})
	if err != nil {
		h.log.Error("api.admin.settings.fail", "err", err)
		writeError(w, http.StatusInternalServerError, "internal", "could not update settings")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (h *Handler) createLicense(w http.ResponseWriter, r *http.Request) {
	snap, err := h.settings.Get(r.Context())
	if err != nil {
		h.log.Error("api.settings.read.fail", "err", err)
		writeError(w, http.StatusServiceUnavailable, "settings_unavailable", "could not read settings")
		return
	}
	if !snap.LicensesEnabled {
		writeError(w, http.StatusForbidden, "licenses_disabled", "license purchases are currently disabled")
		return
	}

	var in createLicenseRequest
	if err := decodeJSON(w, r, maxBodyBytes, &in); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}

	rec, err := h.licenses.CreateOrGet(r.Context(), in.Owner, license.Plan(strings.ToLower(strings.TrimSpace(in.Plan))), license.Meta{
		IP:        clientIP(r),
		UserAgent: r.UserAgent(),
	})
	if err != nil {
		if errors.Is(err, license.ErrInvalidInput) {
			writeError(w, http.StatusBadRequest, "bad_request", "owner and a known plan are required")
			return
		}
		h.log.Error("api.license.create.fail", "err", err)
		writeError(w, http.StatusInternalServerError, "internal", "could not create license request")
		return
	}

	writeJSON(w, http.StatusOK, createLicenseResponse{
		ID:             rec.ID,
		Price:          rec.PaymentAmount,
		Asset:          rec.PaymentAsset,
		PaymentAddress: rec.PaymentAddress,
	})
}

func (h *Handler) markPaid(w http.ResponseWriter, r *http.Request) {
	var in markPaidRequest
	if err := decodeJSON(w, r, maxBodyBytes, &in); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}

	_, err := h.licenses.MarkPaid(r.Context(), in.ID)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, markPaidResponse{Success: true})
	case errors.Is(err, license.ErrAlreadyProcessed):
		writeJSON(w, http.StatusOK, markPaidResponse{Success: false, Reason: "already_processed"})
	case errors.Is(err, license.ErrNotFound):
		writeJSON(w, http.StatusOK, markPaidResponse{Success: false, Reason: "not_found"})
	default:
		h.log.Error("api.license.mark_paid.fail", "id", in.ID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal", "could not mark paid")
	}
}

func (h *Handler) licenseStatus(w http.ResponseWriter, r *http.Request) {
	owner := r.URL.Query().Get("owner")
	active, pending, err := h.licenses.Status(r.Context(), owner)
	if err != nil {
		if errors.Is(err, license.ErrInvalidInput) {
			writeError(w, http.StatusBadRequest, "bad_request", "owner is required")
			return
		}
		h.log.Error("api.license.status.fail", "err", err)
		writeError(w, http.StatusInternalServerError, "internal", "could not read license status")
		return
	}
	writeJSON(w, http.StatusOK, licenseStatusResponse{Active: active, Pending: pending})
}

// clientIP prefers X-Forwarded-For, falling back to the socket peer.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if first, _, ok := strings.Cut(xff, ","); ok {
			return strings.TrimSpace(first)
		}
		return strings.TrimSpace(xff)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
