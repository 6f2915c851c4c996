package api

import (
	"net/http"
	"strconv"

	"go.uber.org/zap"
	"gorm.io/gorm"

	brokerdb "github.com/pairwire/broker/internal/db"
	"github.com/pairwire/broker/internal/history"
	"github.com/pairwire/broker/internal/runnersecret"
)

// AdminHandler exposes the small admin-manageable configuration surface:
// per-Runner shared secrets, the optional CORS allow-list, and a
// read-only view of the recent pairing attempt log.
type AdminHandler struct {
	secrets *runnersecret.Verifier
	history *history.Recorder
	gdb     *gorm.DB
	logger  *zap.Logger
}

func NewAdminHandler(secrets *runnersecret.Verifier, hist *history.Recorder, gdb *gorm.DB, logger *zap.Logger) *AdminHandler {
	return &AdminHandler{secrets: secrets, history: hist, gdb: gdb, logger: logger.Named("admin")}
}

type rotateSecretRequest struct {
	RunnerID string `json:"runnerId"`
	Secret   string `json:"secret"`
}

// RotateRunnerSecret handles POST /admin/runners/secret.
func (h *AdminHandler) RotateRunnerSecret(w http.ResponseWriter, r *http.Request) {
	var req rotateSecretRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.RunnerID == "" || req.Secret == "" {
		ErrBadRequest(w, "runnerId and secret are required")
		return
	}

	if err := h.secrets.Rotate(r.Context(), req.RunnerID, req.Secret); err != nil {
		h.logger.Warn("secret rotation failed", zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, envelope{"runnerId": req.RunnerID})
}

type corsOriginRequest struct {
	Origin string `json:"origin"`
}

// AddCORSOrigin handles POST /admin/cors-origins.
func (h *AdminHandler) AddCORSOrigin(w http.ResponseWriter, r *http.Request) {
	var req corsOriginRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Origin == "" {
		ErrBadRequest(w, "origin is required")
		return
	}

	if err := h.gdb.WithContext(r.Context()).Create(&brokerdb.CORSOrigin{Origin: req.Origin}).Error; err != nil {
		h.logger.Warn("cors origin insert failed", zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, envelope{"origin": req.Origin})
}

// ListCORSOrigins handles GET /admin/cors-origins.
func (h *AdminHandler) ListCORSOrigins(w http.ResponseWriter, r *http.Request) {
	var origins []brokerdb.CORSOrigin
	if err := h.gdb.WithContext(r.Context()).Find(&origins).Error; err != nil {
		h.logger.Warn("cors origin list failed", zap.Error(err))
		ErrInternal(w)
		return
	}

	values := make([]string, 0, len(origins))
	for _, o := range origins {
		values = append(values, o.Origin)
	}
	Ok(w, envelope{"origins": values})
}

// RecentHistory handles GET /admin/history. Pairing history has no
// App- or Runner-facing read path; this is the sole way to inspect the
// recorded attempts, and it sits behind the same admin bearer token as
// the rest of this surface.
func (h *AdminHandler) RecentHistory(w http.ResponseWriter, r *http.Request) {
	limit := int64(100)
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			ErrBadRequest(w, "limit must be an integer")
			return
		}
		limit = parsed
	}

	entries, err := h.history.Recent(r.Context(), limit)
	if err != nil {
		h.logger.Warn("history lookup failed", zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, envelope{"entries": entries})
}
