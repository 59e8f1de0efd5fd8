package web

import (
	"context"
	"net/http"
	"time"

	"github.com/JonMunkholm/gndimport/internal/importer"
	"github.com/JonMunkholm/gndimport/internal/logging"
)

const readyTimeout = 2 * time.Second

type healthResponse struct {
	Status  string                  `json:"status"`
	Error   string                  `json:"error,omitempty"`
	Imports *importer.LimiterStatus `json:"imports,omitempty"`
}

// handleHealth reports that the process is serving requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{Status: "ok"})
}

// handleReady reports whether the feature store answers.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ready"}
	if l := s.importer.Limiter(); l != nil {
		st := l.Status()
		resp.Imports = &st
	}

	if s.store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
		defer cancel()
		if err := s.store.Ping(ctx); err != nil {
			logging.FromContext(r.Context()).Warn("readiness check failed", "error", err)
			resp.Status = "unavailable"
			resp.Error = "feature store unreachable"
			writeJSON(w, http.StatusServiceUnavailable, resp)
			return
		}
	}
	writeJSON(w, http.StatusOK, resp)
}
