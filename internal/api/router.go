package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/pairwire/broker/internal/metrics"
)

// RouterConfig bundles every dependency the HTTP surface needs.
type RouterConfig struct {
	WS         *WSHandler
	Health     *HealthHandler
	Admin      *AdminHandler
	Metrics    *metrics.Metrics
	CORS       *CORSPolicy
	AdminToken string
	Logger     *zap.Logger
}

// NewRouter builds the Broker's chi router.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(cfg.Logger))
	r.Use(middleware.Recoverer)
	r.Use(cfg.CORS.Middleware)

	r.Get("/healthz", cfg.Health.ServeHTTP)
	r.Handle("/metrics", promhttp.HandlerFor(cfg.Metrics.Registry, promhttp.HandlerOpts{}))
	r.Get("/ws", cfg.WS.ServeWS)

	r.Route("/admin", func(r chi.Router) {
		r.Use(RequireAdminToken(cfg.AdminToken))
		r.Post("/runners/secret", cfg.Admin.RotateRunnerSecret)
		r.Get("/cors-origins", cfg.Admin.ListCORSOrigins)
		r.Post("/cors-origins", cfg.Admin.AddCORSOrigin)
		r.Get("/history", cfg.Admin.RecentHistory)
	})

	return r
}
