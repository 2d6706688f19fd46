package api

import (
	"context"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/rendis/openrooms/internal/logging"
)

const healthTimeout = 2 * time.Second

// healthResponse reports each dependency as "ok" or its error text.
type healthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	resp := healthResponse{Status: "ok", Checks: make(map[string]string, len(s.deps.Health))}
	names := make([]string, 0, len(s.deps.Health))
	for name := range s.deps.Health {
		names = append(names, name)
	}
	slices.Sort(names)

	for _, name := range names {
		if err := s.deps.Health[name](ctx); err != nil {
			resp.Status = "unavailable"
			resp.Checks[name] = err.Error()
			s.logger.WarnContext(r.Context(), "health check failed", slog.String("check", name), logging.Error(err))
			continue
		}
		resp.Checks[name] = "ok"
	}

	status := http.StatusOK
	if resp.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}
