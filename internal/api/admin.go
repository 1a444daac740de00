package api

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/patrickwarner/openbid/internal/analytics"
	"github.com/patrickwarner/openbid/internal/logic/ratelimit"
	"github.com/patrickwarner/openbid/internal/portfolio"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 1000
)

// brandIDVar parses the {brand_id} path variable.
func brandIDVar(r *http.Request) (int, bool) {
	id, err := strconv.Atoi(mux.Vars(r)["brand_id"])
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// LedgerHandler handles GET /ledger/{brand_id}.
func (s *Server) LedgerHandler(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	const endpoint = "ledger"
	const method = "GET"

	id, ok := brandIDVar(r)
	if !ok {
		s.observe(endpoint, method, http.StatusBadRequest, start)
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid brand id", Field: "brand_id"})
		return
	}
	view := s.Pipeline.Portfolio.Ledger(r.Context(), id)
	writeJSON(w, http.StatusOK, view)
	s.observe(endpoint, method, http.StatusOK, start)
}

// HistoryHandler handles GET /history/{brand_id}?limit=N.
func (s *Server) HistoryHandler(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	const endpoint = "history"
	const method = "GET"

	id, ok := brandIDVar(r)
	if !ok {
		s.observe(endpoint, method, http.StatusBadRequest, start)
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid brand id", Field: "brand_id"})
		return
	}
	limit := defaultHistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.observe(endpoint, method, http.StatusBadRequest, start)
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid limit", Field: "limit"})
			return
		}
		limit = min(n, maxHistoryLimit)
	}
	if s.Pipeline.History == nil {
		s.observe(endpoint, method, http.StatusServiceUnavailable, start)
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: analytics.ErrUnavailable.Error()})
		return
	}

	bids, err := s.Pipeline.History.RecentBids(r.Context(), id, limit)
	if err != nil {
		s.Logger.Error("load bid history", zap.Error(err), zap.Int("brand_id", id))
		s.observe(endpoint, method, http.StatusInternalServerError, start)
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "history unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"brand_id": id, "bids": bids, "count": len(bids)})
	s.observe(endpoint, method, http.StatusOK, start)
}

// ROASHandler handles GET /roas?brand_id=&partner_id=&ad_slot_id=.
func (s *Server) ROASHandler(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	const endpoint = "roas"
	const method = "GET"

	q := r.URL.Query()
	ids := make(map[string]int, 3)
	for _, name := range []string{"brand_id", "partner_id", "ad_slot_id"} {
		v, err := strconv.Atoi(q.Get(name))
		if err != nil || v < 0 || (v == 0 && name != "partner_id") {
			s.observe(endpoint, method, http.StatusBadRequest, start)
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid " + name, Field: name})
			return
		}
		ids[name] = v
	}

	report, err := s.Pipeline.PredictROAS(r.Context(), ids["brand_id"], ids["partner_id"], ids["ad_slot_id"])
	if err != nil {
		s.Logger.Error("predict roas", zap.Error(err))
		s.observe(endpoint, method, http.StatusInternalServerError, start)
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "roas unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, report)
	s.observe(endpoint, method, http.StatusOK, start)
}

// RetrainHandler handles POST /admin/retrain.
func (s *Server) RetrainHandler(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	const endpoint = "retrain"
	const method = "POST"

	res, err := s.Pipeline.RetrainRevenueModel(r.Context())
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, analytics.ErrUnavailable) {
			status = http.StatusServiceUnavailable
		}
		s.Logger.Error("retrain revenue model", zap.Error(err))
		s.observe(endpoint, method, status, start)
		writeJSON(w, status, errorBody{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, res)
	s.observe(endpoint, method, http.StatusOK, start)
}

// RecalibrateHandler handles POST /admin/recalibrate.
func (s *Server) RecalibrateHandler(w http.ResponseWriter, r *http.Request) {
	s.runJob(w, r, "recalibrate", s.Pipeline.Portfolio.Recalibrate)
}

// ResetDailyHandler handles POST /admin/reset-daily.
func (s *Server) ResetDailyHandler(w http.ResponseWriter, r *http.Request) {
	s.runJob(w, r, "reset_daily", s.Pipeline.Portfolio.ResetDailyBudgets)
}

func (s *Server) runJob(w http.ResponseWriter, r *http.Request, endpoint string, job func(ctx context.Context) (portfolio.JobReport, error)) {
	start := time.Now()
	const method = "POST"

	report, err := job(r.Context())
	if err != nil {
		s.Logger.Error("portfolio job failed", zap.String("job", endpoint), zap.Error(err))
		s.observe(endpoint, method, http.StatusInternalServerError, start)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error(), "report": report})
		return
	}
	writeJSON(w, http.StatusOK, report)
	s.observe(endpoint, method, http.StatusOK, start)
}

// RateLimitStatsHandler handles GET /admin/ratelimit.
func (s *Server) RateLimitStatsHandler(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	stats := s.Limiter.Stats()
	partners := make([]ratelimit.RateLimitStats, 0, len(stats))
	for _, st := range stats {
		partners = append(partners, st)
	}
	sort.Slice(partners, func(i, j int) bool { return partners[i].PartnerID < partners[j].PartnerID })
	writeJSON(w, http.StatusOK, map[string]any{
		"enabled":  s.Config.RateLimitEnabled,
		"partners": partners,
	})
	s.observe("ratelimit", "GET", http.StatusOK, start)
}
