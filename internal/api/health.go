package api

import (
	"net/http"
	"time"
)

// HealthHandler responds with a simple status check.
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	const endpoint = "health"
	const method = "GET"

	body := map[string]any{"status": "ok"}
	if s.Pipeline != nil && s.Pipeline.Revenue != nil {
		body["revenue_model_loaded"] = s.Pipeline.Revenue.Loaded()
	}
	if s.Pipeline != nil && s.Pipeline.Portfolio != nil {
		body["portfolio_enabled"] = s.Pipeline.Portfolio.Enabled()
	}
	writeJSON(w, http.StatusOK, body)
	s.observe(endpoint, method, http.StatusOK, start)
}
