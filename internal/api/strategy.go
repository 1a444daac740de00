package api

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/patrickwarner/openbid/internal/middleware"
	"github.com/patrickwarner/openbid/internal/models"
)

// UpsertStrategyHandler handles POST /strategy. The strategy is persisted
// to Postgres first, then applied to the local snapshot and announced to
// other instances.
func (s *Server) UpsertStrategyHandler(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	const endpoint = "strategy"
	const method = "POST"

	logger := middleware.LoggerFromRequest(r, s.Logger)

	st := models.DefaultStrategy(0)
	if err := decodeJSON(r, &st); err != nil {
		s.observe(endpoint, method, http.StatusBadRequest, start)
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid request body"})
		return
	}
	if err := st.Validate(); err != nil {
		s.observe(endpoint, method, writeError(w, http.StatusBadRequest, err), start)
		return
	}

	if s.Strategies != nil {
		if err := s.Strategies.UpsertStrategy(r.Context(), st); err != nil {
			logger.Error("upsert strategy to postgres", zap.Error(err), zap.Int("brand_id", st.BrandID))
			s.observe(endpoint, method, http.StatusInternalServerError, start)
			writeJSON(w, http.StatusInternalServerError, errorBody{Error: "failed to persist strategy"})
			return
		}
	}
	if existing, ok := s.Brands.GetStrategy(st.BrandID); ok {
		// spend is owned by the ledger
		st.SpentToday, st.SpentTotal = existing.SpentToday, existing.SpentTotal
	}
	st.UpdatedAt = time.Now().UTC()
	s.Brands.UpsertStrategy(st)

	s.notifyUpdate("brand_strategy", "upsert", st.BrandID)
	writeJSON(w, http.StatusOK, st)
	s.observe(endpoint, method, http.StatusOK, start)
}

// GetStrategyHandler handles GET /strategy/{brand_id}.
func (s *Server) GetStrategyHandler(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	const endpoint = "strategy"
	const method = "GET"

	id, ok := brandIDVar(r)
	if !ok {
		s.observe(endpoint, method, http.StatusBadRequest, start)
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid brand id", Field: "brand_id"})
		return
	}
	st, found := s.Brands.GetStrategy(id)
	if !found {
		s.observe(endpoint, method, http.StatusNotFound, start)
		writeJSON(w, http.StatusNotFound, errorBody{Error: "strategy not found"})
		return
	}
	writeJSON(w, http.StatusOK, st)
	s.observe(endpoint, method, http.StatusOK, start)
}
