package server

import (
	"context"
	"net/http"
	"time"

	"github.com/teranos/agentpulse/version"
)

const healthPingTimeout = 2 * time.Second

// HandleHealth handles GET /health. A draining server or an unreachable database
// answers 503 so load balancers stop routing here.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}

	v := version.Get()
	health := HealthResponse{
		Status:   "ok",
		State:    s.getState().String(),
		Version:  v.Version,
		Commit:   v.Short(),
		Database: "ok",
	}
	status := http.StatusOK

	if s.db == nil {
		health.Database = "not configured"
	} else {
		ctx, cancel := context.WithTimeout(r.Context(), healthPingTimeout)
		defer cancel()
		if err := s.db.PingContext(ctx); err != nil {
			s.logger.Warnw("Health check database ping failed", "error", err)
			health.Database = "unreachable"
			health.Status = "degraded"
			status = http.StatusServiceUnavailable
		}
	}

	if s.catalogState != nil {
		health.Catalog = s.catalogState()
	}

	if m, err := memoryStats(); err != nil {
		s.logger.Debugw("Memory stats unavailable", "error", err)
	} else {
		health.Memory = m
	}

	if s.getState() == ServerStateDraining {
		health.Status = "draining"
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, health)
}
