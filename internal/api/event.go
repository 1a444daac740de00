package api

import (
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/patrickwarner/openbid/internal/logic"
	"github.com/patrickwarner/openbid/internal/middleware"
	"github.com/patrickwarner/openbid/internal/models"
)

// EventHandler handles POST /events with a single impression, click or
// conversion. Re-sending an already ingested event id is answered with 200
// and duplicate=true.
func (s *Server) EventHandler(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	const endpoint = "events"
	const method = "POST"

	logger := middleware.LoggerFromRequest(r, s.Logger)

	var ev models.PerformanceEvent
	if err := decodeJSON(r, &ev); err != nil {
		logger.Warn("decode performance event", zap.Error(err))
		s.Metrics.IncrementEvent("unknown", "invalid")
		s.observe(endpoint, method, http.StatusBadRequest, start)
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid request body"})
		return
	}
	if ev.Metadata.DeviceType == models.DeviceUnknown {
		ev.Metadata.DeviceType = logic.ResolveDeviceFromUA(r.UserAgent()).DeviceType
	}

	res, err := s.Pipeline.IngestPerformanceEvent(r.Context(), ev)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, logic.ErrNilRedisStore) {
			status = http.StatusServiceUnavailable
		}
		if !errors.Is(err, models.ErrInvalidRequest) {
			logger.Error("ingest performance event", zap.Error(err), zap.String("event_id", ev.EventID))
		}
		s.observe(endpoint, method, writeError(w, status, err), start)
		return
	}

	writeJSON(w, http.StatusOK, res)
	s.observe(endpoint, method, http.StatusOK, start)
}
