package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/patrickwarner/openbid/internal/logic"
	"github.com/patrickwarner/openbid/internal/middleware"
	"github.com/patrickwarner/openbid/internal/models"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 << 20

// decodeJSON reads and unmarshals a JSON request body into v.
func decodeJSON(r *http.Request, v any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	defer func() {
		_ = r.Body.Close()
	}()
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("parse json: %w", err)
	}
	return nil
}

// BidHandler handles POST /bid. The response carries the final bid value
// together with every intermediate stage value.
func (s *Server) BidHandler(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "BidHandler",
		trace.WithAttributes(
			attribute.String("http.method", "POST"),
			attribute.String("http.route", "/bid"),
		))
	defer span.End()

	logger := middleware.LoggerFromRequest(r, s.Logger)

	start := time.Now()
	const endpoint = "bid"
	const method = "POST"

	var req models.BidRequest
	if err := decodeJSON(r, &req); err != nil {
		logger.Warn("decode bid request", zap.Error(err))
		s.observe(endpoint, method, http.StatusBadRequest, start)
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid request body"})
		return
	}
	if !s.Limiter.Allow(req.PartnerID) {
		logger.Debug("partner rate limited", zap.Int("partner_id", req.PartnerID))
		s.Metrics.IncrementBids("rate_limited")
		s.observe(endpoint, method, http.StatusTooManyRequests, start)
		writeJSON(w, http.StatusTooManyRequests, errorBody{Error: "rate limit exceeded", Field: "partner_id"})
		return
	}
	if req.DeviceType == models.DeviceUnknown {
		req.DeviceType = logic.ResolveDeviceFromUA(r.UserAgent()).DeviceType
	}

	resp, err := s.Pipeline.ProcessBid(ctx, &req)
	if err != nil {
		logger.Info("bid rejected", zap.Error(err), zap.Int("brand_id", req.BrandID))
		s.observe(endpoint, method, writeError(w, http.StatusInternalServerError, err), start)
		return
	}

	writeJSON(w, http.StatusOK, resp)
	s.observe(endpoint, method, http.StatusOK, start)
}
