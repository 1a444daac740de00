package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/patrickwarner/openbid/internal/middleware"
	"github.com/patrickwarner/openbid/internal/models"
)

func creativeIDVar(r *http.Request) (int, bool) {
	id, err := strconv.Atoi(mux.Vars(r)["id"])
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// creativesUnavailable answers 503 when no creative store is configured.
func (s *Server) creativesUnavailable(w http.ResponseWriter, endpoint, method string, start time.Time) bool {
	if s.Creatives != nil {
		return false
	}
	s.observe(endpoint, method, http.StatusServiceUnavailable, start)
	writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "creative store unavailable"})
	return true
}

// CreateCreativeHandler handles POST /creatives. New creatives always start
// pending review.
func (s *Server) CreateCreativeHandler(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	const endpoint = "creatives"
	const method = "POST"

	if s.creativesUnavailable(w, endpoint, method, start) {
		return
	}
	var c models.Creative
	if err := decodeJSON(r, &c); err != nil {
		s.observe(endpoint, method, http.StatusBadRequest, start)
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid request body"})
		return
	}
	c.CreativeType = strings.ToLower(strings.TrimSpace(c.CreativeType))
	if err := c.Validate(); err != nil {
		s.observe(endpoint, method, writeError(w, http.StatusBadRequest, err), start)
		return
	}

	created, err := s.Creatives.CreateCreative(r.Context(), c)
	if err != nil {
		middleware.LoggerFromRequest(r, s.Logger).Error("create creative", zap.Error(err), zap.Int("brand_id", c.BrandID))
		s.observe(endpoint, method, http.StatusInternalServerError, start)
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "failed to store creative"})
		return
	}
	writeJSON(w, http.StatusCreated, created)
	s.observe(endpoint, method, http.StatusCreated, start)
}

// ListCreativesHandler handles GET /creatives?brand_id=&status=&skip=&limit=.
func (s *Server) ListCreativesHandler(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	const endpoint = "creatives"
	const method = "GET"

	if s.creativesUnavailable(w, endpoint, method, start) {
		return
	}
	q := r.URL.Query()
	var f models.CreativeFilter
	for _, p := range []struct {
		name string
		dst  *int
	}{{"brand_id", &f.BrandID}, {"skip", &f.Skip}, {"limit", &f.Limit}} {
		v := q.Get(p.name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.observe(endpoint, method, http.StatusBadRequest, start)
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid " + p.name, Field: p.name})
			return
		}
		*p.dst = n
	}
	if st := q.Get("status"); st != "" {
		if !models.ValidCreativeStatus(st) {
			s.observe(endpoint, method, http.StatusBadRequest, start)
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid status", Field: "status"})
			return
		}
		f.Status = st
	}

	creatives, err := s.Creatives.ListCreatives(r.Context(), f)
	if err != nil {
		s.Logger.Error("list creatives", zap.Error(err))
		s.observe(endpoint, method, http.StatusInternalServerError, start)
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "creatives unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, creatives)
	s.observe(endpoint, method, http.StatusOK, start)
}

// GetCreativeHandler handles GET /creatives/{id}.
func (s *Server) GetCreativeHandler(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	const endpoint = "creative"
	const method = "GET"

	if s.creativesUnavailable(w, endpoint, method, start) {
		return
	}
	id, ok := creativeIDVar(r)
	if !ok {
		s.observe(endpoint, method, http.StatusBadRequest, start)
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid creative id", Field: "id"})
		return
	}
	c, err := s.Creatives.GetCreative(r.Context(), id)
	if errors.Is(err, models.ErrNotFound) {
		s.observe(endpoint, method, http.StatusNotFound, start)
		writeJSON(w, http.StatusNotFound, errorBody{Error: "creative not found"})
		return
	}
	if err != nil {
		s.Logger.Error("get creative", zap.Error(err), zap.Int("creative_id", id))
		s.observe(endpoint, method, http.StatusInternalServerError, start)
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "creative unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, c)
	s.observe(endpoint, method, http.StatusOK, start)
}

// UpdateCreativeStatusHandler handles PATCH /creatives/{id} with a review
// decision. The reviewer is taken from the body, or the X-Reviewer header
// when the body leaves it empty.
func (s *Server) UpdateCreativeStatusHandler(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	const endpoint = "creative"
	const method = "PATCH"

	if s.creativesUnavailable(w, endpoint, method, start) {
		return
	}
	logger := middleware.LoggerFromRequest(r, s.Logger)
	id, ok := creativeIDVar(r)
	if !ok {
		s.observe(endpoint, method, http.StatusBadRequest, start)
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid creative id", Field: "id"})
		return
	}
	var u models.CreativeStatusUpdate
	if err := decodeJSON(r, &u); err != nil {
		s.observe(endpoint, method, http.StatusBadRequest, start)
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid request body"})
		return
	}
	if u.ReviewedBy == "" {
		u.ReviewedBy = r.Header.Get("X-Reviewer")
	}
	if err := u.Validate(); err != nil {
		s.observe(endpoint, method, writeError(w, http.StatusBadRequest, err), start)
		return
	}

	c, err := s.Creatives.UpdateCreativeStatus(r.Context(), id, u)
	if errors.Is(err, models.ErrNotFound) {
		s.observe(endpoint, method, http.StatusNotFound, start)
		writeJSON(w, http.StatusNotFound, errorBody{Error: "creative not found"})
		return
	}
	if err != nil {
		logger.Error("update creative status", zap.Error(err), zap.Int("creative_id", id))
		s.observe(endpoint, method, http.StatusInternalServerError, start)
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "failed to update creative"})
		return
	}
	logger.Info("creative reviewed",
		zap.Int("creative_id", id),
		zap.String("status", c.Status),
		zap.String("reviewed_by", c.ReviewedBy))
	writeJSON(w, http.StatusOK, c)
	s.observe(endpoint, method, http.StatusOK, start)
}
