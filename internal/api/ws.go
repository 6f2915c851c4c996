package api

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/pairwire/broker/internal/engine"
	"github.com/pairwire/broker/internal/identity"
	"github.com/pairwire/broker/internal/metrics"
	"github.com/pairwire/broker/internal/registry"
)

// WSHandler upgrades App connections. Identity verification happens
// before the upgrade: unlike the Runner's shared-secret metadata, a
// browser WebSocket handshake cannot set arbitrary headers, so the
// identity token travels as a query parameter.
type WSHandler struct {
	engine   *engine.Engine
	registry *registry.Registry
	verifier identity.Verifier
	metrics  *metrics.Metrics
	cors     *CORSPolicy
	logger   *zap.Logger
}

func NewWSHandler(eng *engine.Engine, reg *registry.Registry, verifier identity.Verifier, m *metrics.Metrics, cors *CORSPolicy, logger *zap.Logger) *WSHandler {
	return &WSHandler{engine: eng, registry: reg, verifier: verifier, metrics: m, cors: cors, logger: logger.Named("ws")}
}

func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")

	var (
		appID         string
		authenticated bool
	)
	if token != "" {
		id, err := h.verifier.Verify(r.Context(), token)
		if err != nil {
			h.logger.Info("rejected app identity token", zap.Error(err))
		} else {
			appID = id
			authenticated = true
		}
	}

	conn, err := NewAppConn(w, r, h.engine, h.registry, appID, authenticated, h.cors.CheckOrigin, h.logger)
	if err != nil {
		h.logger.Warn("ws upgrade failed", zap.Error(err))
		return
	}

	if authenticated {
		h.metrics.AppConnected()
		defer h.metrics.AppDisconnected()
	}

	conn.Run()
}
