package api

import (
	"net/http"

	"gorm.io/gorm"

	brokerdb "github.com/pairwire/broker/internal/db"
	"github.com/pairwire/broker/internal/store"
)

// HealthHandler reports whether the shared store and (if configured) the
// relational store are reachable.
type HealthHandler struct {
	store *store.Store
	gdb   *gorm.DB
}

func NewHealthHandler(s *store.Store, gdb *gorm.DB) *HealthHandler {
	return &HealthHandler{store: s, gdb: gdb}
}

func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Ping(r.Context()); err != nil {
		ErrInternal(w)
		return
	}
	if h.gdb != nil {
		if err := brokerdb.Ping(h.gdb); err != nil {
			ErrInternal(w)
			return
		}
	}
	Ok(w, envelope{"status": "ok"})
}
