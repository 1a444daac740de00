package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/patrickwarner/openbid/internal/bidding"
	"github.com/patrickwarner/openbid/internal/config"
	"github.com/patrickwarner/openbid/internal/db"
	"github.com/patrickwarner/openbid/internal/logic/ratelimit"
	"github.com/patrickwarner/openbid/internal/middleware"
	"github.com/patrickwarner/openbid/internal/models"
	"github.com/patrickwarner/openbid/internal/observability"
)

var tracer = observability.Tracer("api")

// Server groups dependencies for HTTP handlers.
type Server struct {
	Logger     *zap.Logger
	Pipeline   *bidding.Pipeline
	Store      *db.RedisStore
	Strategies db.StrategyStore
	Brands     models.BrandStore
	Metrics    observability.MetricsRegistry
	Config     config.Config
	Limiter    *ratelimit.PartnerLimiter
	// Creatives serves the review endpoints; nil answers them with 503.
	Creatives  db.CreativeStore
	reloadMu   sync.Mutex
}

// NewServer constructs a Server. store and strategies may be nil.
func NewServer(logger *zap.Logger, pipeline *bidding.Pipeline, store *db.RedisStore, strategies db.StrategyStore, brands models.BrandStore, metrics observability.MetricsRegistry, cfg config.Config) *Server {
	return &Server{
		Logger:     logger,
		Pipeline:   pipeline,
		Store:      store,
		Strategies: strategies,
		Brands:     brands,
		Metrics:    metrics,
		Config:     cfg,
		Limiter: ratelimit.NewPartnerLimiter(ratelimit.Config{
			Capacity:   cfg.RateLimitCapacity,
			RefillRate: cfg.RateLimitRefillRate,
			Enabled:    cfg.RateLimitEnabled,
		}, metrics),
	}
}

// Routes registers every handler on r.
func (s *Server) Routes(r *mux.Router) {
	r.Use(middleware.WithTraceLogger(s.Logger))
	r.HandleFunc("/bid", s.BidHandler).Methods("POST")
	r.HandleFunc("/events", s.EventHandler).Methods("POST")
	r.HandleFunc("/health", s.HealthHandler).Methods("GET")
	r.HandleFunc("/reload", s.ReloadHandler).Methods("POST")
	r.HandleFunc("/ledger/{brand_id}", s.LedgerHandler).Methods("GET")
	r.HandleFunc("/history/{brand_id}", s.HistoryHandler).Methods("GET")
	r.HandleFunc("/roas", s.ROASHandler).Methods("GET")
	r.HandleFunc("/strategy", s.UpsertStrategyHandler).Methods("POST")
	r.HandleFunc("/strategy/{brand_id}", s.GetStrategyHandler).Methods("GET")

	admin := r.PathPrefix("/admin").Subrouter()
	admin.HandleFunc("/retrain", s.RetrainHandler).Methods("POST")
	admin.HandleFunc("/recalibrate", s.RecalibrateHandler).Methods("POST")
	admin.HandleFunc("/reset-daily", s.ResetDailyHandler).Methods("POST")
	admin.HandleFunc("/ratelimit", s.RateLimitStatsHandler).Methods("GET")

	r.HandleFunc("/creatives", s.ListCreativesHandler).Methods("GET")
	r.HandleFunc("/creatives", s.CreateCreativeHandler).Methods("POST")
	r.HandleFunc("/creatives/{id}", s.GetCreativeHandler).Methods("GET")
	r.HandleFunc("/creatives/{id}", s.UpdateCreativeStatusHandler).Methods("PATCH")

	r.HandleFunc("/performance", s.PerformanceHandler).Methods("GET")
	r.HandleFunc("/performance/{operation}", s.OperationPerformanceHandler).Methods("GET")
}

// StrategyUpdateChannel is the Redis channel other instances listen on to
// reload brand strategies.
const StrategyUpdateChannel = "brand-strategy-updates"

type UpdateMessage struct {
	Entity string `json:"entity"`
	Action string `json:"action"`
	ID     any    `json:"id"`
}

func (s *Server) notifyUpdate(entity string, action string, id any) {
	if s.Store == nil || s.Store.Client == nil {
		s.Logger.Warn("redis store not available, skipping update notification")
		return
	}
	msg := UpdateMessage{Entity: entity, Action: action, ID: id}
	payload, err := json.Marshal(msg)
	if err != nil {
		s.Logger.Error("failed to marshal update message", zap.Error(err))
		return
	}

	ctx := context.Background()
	if err := s.Store.Client.Publish(ctx, StrategyUpdateChannel, payload).Err(); err != nil {
		s.Logger.Error("failed to publish update message", zap.Error(err))
	}
}

// ListenForUpdates reloads brand strategies whenever another instance
// publishes a change. It returns when ctx is done.
func (s *Server) ListenForUpdates(ctx context.Context) {
	if s.Store == nil || s.Store.Client == nil {
		return
	}
	sub := s.Store.Client.Subscribe(ctx, StrategyUpdateChannel)
	defer func() { _ = sub.Close() }()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var upd UpdateMessage
			if err := json.Unmarshal([]byte(msg.Payload), &upd); err != nil {
				s.Logger.Warn("ignoring malformed update message", zap.Error(err))
				continue
			}
			if err := s.Reload(ctx); err != nil {
				s.Logger.Error("reload after update", zap.Error(err), zap.String("entity", upd.Entity))
			}
		}
	}
}

// Reload refreshes brand strategies from Postgres.
func (s *Server) Reload(ctx context.Context) error {
	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()

	if s.Strategies == nil {
		return fmt.Errorf("postgres unavailable")
	}
	n, err := db.ReloadStrategies(ctx, s.Strategies, s.Brands)
	if err != nil {
		return fmt.Errorf("reload strategies: %w", err)
	}
	s.Logger.Debug("brand strategies reloaded", zap.Int("count", n))
	return nil
}

// writeJSON encodes v before writing the status so an unencodable value
// becomes a 500 rather than an empty 200.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	body, err := json.Marshal(v)
	if err != nil {
		zap.L().Error("encode response", zap.Error(err))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"internal error"}` + "\n"))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(append(body, '\n')); err != nil {
		zap.L().Debug("write response", zap.Error(err))
	}
}

type errorBody struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

// writeError maps validation failures to 400 and anything else to status.
func writeError(w http.ResponseWriter, status int, err error) int {
	var ve *models.ValidationError
	if errors.As(err, &ve) {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: ve.Error(), Field: ve.Field})
		return http.StatusBadRequest
	}
	writeJSON(w, status, errorBody{Error: err.Error()})
	return status
}

func (s *Server) observe(endpoint, method string, status int, start time.Time) {
	s.Metrics.IncrementRequests(endpoint, method, fmt.Sprintf("%d", status))
	s.Metrics.RecordRequestLatency(endpoint, method, time.Since(start))
}
