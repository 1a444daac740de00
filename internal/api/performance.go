package api

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
)

// PerformanceHandler handles GET /performance with latency summaries for
// every pipeline stage and the whole bid.
func (s *Server) PerformanceHandler(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	const endpoint = "performance"
	const method = "GET"

	writeJSON(w, http.StatusOK, map[string]any{
		"metrics":   s.Pipeline.Timings.Summaries(),
		"timestamp": time.Now().UTC(),
	})
	s.observe(endpoint, method, http.StatusOK, start)
}

// OperationPerformanceHandler handles GET /performance/{operation}.
func (s *Server) OperationPerformanceHandler(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	const endpoint = "performance"
	const method = "GET"

	op := mux.Vars(r)["operation"]
	summary, ok := s.Pipeline.Timings.Summary(op)
	if !ok {
		s.observe(endpoint, method, http.StatusNotFound, start)
		writeJSON(w, http.StatusNotFound, errorBody{Error: "no metrics found for operation: " + op})
		return
	}
	writeJSON(w, http.StatusOK, summary)
	s.observe(endpoint, method, http.StatusOK, start)
}
