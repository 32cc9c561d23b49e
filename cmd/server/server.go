package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io/fs"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/liamcoop/tariffrules/batch"
	"github.com/liamcoop/tariffrules/internal/config"
	"github.com/liamcoop/tariffrules/internal/logger"
	"github.com/liamcoop/tariffrules/internal/metrics"
	"github.com/liamcoop/tariffrules/rules"
)

// Server serves tariff evaluations over HTTP
type Server struct {
	cfg        *config.Config
	loader     *rules.Loader
	pool       *batch.Pool
	dispatcher *batch.Dispatcher
	metrics    *metrics.Collector
	db         *sql.DB
	validate   *validator.Validate
	router     *chi.Mux
}

// NewServer wires the HTTP surface. pool backs /evaluate/batch/parallel/v2
// and is owned by the caller. db is only used for health checks and may be nil.
func NewServer(cfg *config.Config, loader *rules.Loader, pool *batch.Pool, collector *metrics.Collector, db *sql.DB) *Server {
	if collector == nil {
		collector = metrics.NewCollector(nil)
	}

	s := &Server{
		cfg:    cfg,
		loader: loader,
		pool:   pool,
		dispatcher: batch.NewDispatcher(pool,
			batch.WithObserver(collector),
			batch.WithLogger(logger.Logger),
		),
		metrics:  collector,
		db:       db,
		validate: validator.New(),
	}

	s.setupRoutes()

	return s
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(traceMiddleware)
	r.Use(originLogger)
	r.Use(s.metrics.Middleware)
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware(s.cfg.AllowedOrigins))
	if t := s.cfg.Dispatch.BatchTimeout; t > 0 {
		// leave room for the dispatcher to report its own timeout outcomes
		r.Use(middleware.Timeout(t + 5*time.Second))
	}

	// Health check and operations
	r.Get("/api/v1/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	r.Post("/api/v1/model/reload", s.handleReload)

	// Evaluation, at the root and under the legacy prefixes
	r.Group(s.evaluationRoutes)
	r.Route("/calculate-tarrif", func(r chi.Router) {
		s.evaluationRoutes(r)
		r.Route("/batch", s.evaluationRoutes)
	})

	s.router = r
}

func (s *Server) evaluationRoutes(r chi.Router) {
	r.Post("/evaluate", s.handleEvaluate)
	r.Post("/evaluate/batch", s.handleBatch(s.defaultOptions, false))
	r.Post("/evaluate/batch/parallel", s.handleBatch(s.sharedOptions, true))
	r.Post("/evaluate/batch/parallel/v2", s.handleBatch(s.isolatedOptions, false))
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) defaultOptions() batch.Options {
	mode := batch.Mode(s.cfg.Dispatch.DefaultMode)
	switch mode {
	case batch.ModeShared:
		return s.sharedOptions()
	case batch.ModeIsolated:
		return s.isolatedOptions()
	}
	return batch.Options{
		Mode:    mode,
		Timeout: s.cfg.Dispatch.BatchTimeout,
	}
}

func (s *Server) sharedOptions() batch.Options {
	return batch.Options{
		Mode:        batch.ModeShared,
		Concurrency: s.cfg.Dispatch.Concurrency,
		ChunkSize:   s.cfg.Dispatch.ChunkSize,
		Timeout:     s.cfg.Dispatch.BatchTimeout,
	}
}

func (s *Server) isolatedOptions() batch.Options {
	return batch.Options{
		Mode:      batch.ModeIsolated,
		ChunkSize: s.cfg.Pool.ChunkSize,
		Timeout:   s.cfg.Dispatch.BatchTimeout,
	}
}

// Health check handler
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:      "healthy",
		ModelSource: s.loader.Source().Describe(),
		CachePolicy: string(s.loader.Policy()),
	}
	if s.pool != nil {
		resp.PoolWorkers = s.pool.Size()
	}

	if s.db != nil {
		if err := s.db.PingContext(r.Context()); err != nil {
			resp.Status = "unhealthy"
			resp.Error = err.Error()
			respondJSON(w, http.StatusServiceUnavailable, resp)
			return
		}
	}
	if s.pool != nil && s.pool.Closed() {
		resp.Status = "unhealthy"
		resp.Error = batch.ErrPoolClosed.Error()
		respondJSON(w, http.StatusServiceUnavailable, resp)
		return
	}

	respondJSON(w, http.StatusOK, resp)
}

// Reload handler: drops the cached model and loads it again
func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	s.loader.Invalidate()

	model, err := s.loadModel(r.Context())
	if err != nil {
		s.respondFailure(w, r, err)
		return
	}

	logger.Logger.InfoContext(r.Context(), "decision model reloaded",
		"model", model.Name, "version", model.Version, "rules", len(model.Rules))

	respondJSON(w, http.StatusOK, ReloadResponse{
		Status:  "reloaded",
		Model:   model.Name,
		Version: model.Version,
		Rules:   len(model.Rules),
	})
}

// Single evaluation handler
func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var facts batch.Request
	if err := decodeJSON(r, &facts); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body: "+err.Error(), "")
		return
	}
	if facts == nil {
		respondError(w, http.StatusBadRequest, "request body must be a JSON object", "")
		return
	}

	model, err := s.loadModel(r.Context())
	if err != nil {
		s.respondFailure(w, r, err)
		return
	}

	engine, err := rules.PreparedEngine(model)
	if err != nil {
		s.respondFailure(w, r, err)
		return
	}

	result, err := engine.Evaluate(r.Context(), facts)
	if err != nil {
		logger.Logger.WarnContext(r.Context(), "tariff evaluation failed", "kind", "item", "error", err)
		respondError(w, http.StatusInternalServerError, err.Error(), "")
		return
	}

	logger.Logger.DebugContext(r.Context(), "tariff evaluation completed", "rule_id", result.RuleID)
	respondJSON(w, http.StatusOK, result)
}

// handleBatch returns the handler shared by every batch endpoint. The
// endpoints differ only in the options they dispatch with.
func (s *Server) handleBatch(options func() batch.Options, reportChunks bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req BatchRequest
		if err := decodeJSON(r, &req); err != nil {
			respondError(w, http.StatusBadRequest, "invalid request body: "+err.Error(), "")
			return
		}
		if err := s.validate.Struct(req); err != nil {
			respondError(w, http.StatusBadRequest, "requests is required", "")
			return
		}
		limit := "max=" + strconv.Itoa(s.cfg.Limits.MaxBatchSize)
		if err := s.validate.Var(req.Requests, limit); err != nil {
			respondError(w, http.StatusBadRequest,
				"batch exceeds the maximum of "+strconv.Itoa(s.cfg.Limits.MaxBatchSize)+" requests", "")
			return
		}

		opts := options()
		logger.Logger.InfoContext(r.Context(), "batch tariff evaluation invoked",
			"mode", opts.Mode, "count", len(req.Requests))

		model, err := s.loadModel(r.Context())
		if err != nil {
			s.respondFailure(w, r, err)
			return
		}

		outcomes, report, err := s.dispatcher.Evaluate(r.Context(), model, req.Requests, opts)
		if err != nil {
			s.respondFailure(w, r, err)
			return
		}

		resp := batch.Aggregate(outcomes)
		if reportChunks {
			resp.Summary.ChunksProcessed = report.Chunks
		}
		for _, o := range outcomes {
			if o.Failed() {
				logger.WarnItemFailure(r.Context(), o.Index, o.Error)
			}
		}

		respondJSON(w, http.StatusOK, resp)
	}
}

func (s *Server) loadModel(ctx context.Context) (*rules.DecisionModel, error) {
	model, err := s.loader.Load(ctx)
	s.metrics.ModelLoaded(err)
	return model, err
}

// respondFailure maps a fatal error to its status code. Pool failures get
// 503 and a "pool" kind so they cannot be mistaken for bad data.
func (s *Server) respondFailure(w http.ResponseWriter, r *http.Request, err error) {
	ctx := r.Context()

	var loadErr *rules.ModelLoadError
	var poolErr *batch.PoolError

	switch {
	case errors.As(err, &loadErr):
		logger.Logger.ErrorContext(ctx, "failed to load decision model", "source", loadErr.Source, "error", loadErr.Err)
		detail := "Decision model could not be loaded"
		if errors.Is(err, fs.ErrNotExist) {
			detail = "Rules file not found"
		}
		respondError(w, http.StatusInternalServerError, detail, "")

	case errors.As(err, &poolErr):
		logger.ErrorPool(ctx, err)
		respondError(w, http.StatusServiceUnavailable, err.Error(), "pool")

	case errors.Is(err, batch.ErrInvalidConfiguration):
		logger.Logger.ErrorContext(ctx, "invalid dispatch configuration", "error", err)
		respondError(w, http.StatusInternalServerError, err.Error(), "configuration")

	default:
		logger.Logger.ErrorContext(ctx, "request failed", "error", err)
		respondError(w, http.StatusInternalServerError, err.Error(), "")
	}
}

// Helper functions
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	return dec.Decode(v)
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, detail, kind string) {
	switch {
	case status >= 500:
		logger.ErrorHttp5xx()
	case status >= 400:
		logger.WarnHttp4xx(status)
	}
	respondJSON(w, status, ErrorResponse{Detail: detail, Kind: kind})
}
