package monitor

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/glimte/mmate-dispatch/contracts"
	"github.com/glimte/mmate-dispatch/health"
	"github.com/glimte/mmate-dispatch/messaging"
)

// Server exposes the admin surface of a dispatch service over HTTP
type Server struct {
	svc           *messaging.Service
	health        *health.Registry
	healthTimeout time.Duration
	gatherer      prometheus.Gatherer
	validate      *validator.Validate
	queues        *QueueInspector
	corsOrigins   []string
	logger        *slog.Logger
}

// ServerOption configures the Server
type ServerOption func(*Server)

// WithHealthRegistry replaces the default registry, which only checks the service
func WithHealthRegistry(registry *health.Registry) ServerOption {
	return func(s *Server) {
		s.health = registry
	}
}

// WithHealthTimeout bounds one /healthz run
func WithHealthTimeout(timeout time.Duration) ServerOption {
	return func(s *Server) {
		s.healthTimeout = timeout
	}
}

// WithGatherer sets where /metrics reads from
func WithGatherer(gatherer prometheus.Gatherer) ServerOption {
	return func(s *Server) {
		s.gatherer = gatherer
	}
}

// WithQueueInspector enables GET /queues
func WithQueueInspector(inspector *QueueInspector) ServerOption {
	return func(s *Server) {
		s.queues = inspector
	}
}

// WithCORSOrigins allows browser dashboards on the given origins to call the API
func WithCORSOrigins(origins ...string) ServerOption {
	return func(s *Server) {
		s.corsOrigins = origins
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

// NewServer creates the admin server for svc
func NewServer(svc *messaging.Service, options ...ServerOption) *Server {
	s := &Server{
		svc:           svc,
		healthTimeout: 5 * time.Second,
		gatherer:      prometheus.DefaultGatherer,
		validate:      validator.New(),
		logger:        slog.Default(),
	}
	for _, opt := range options {
		opt(s)
	}
	if s.health == nil {
		s.health = health.NewRegistry()
		s.health.Register(health.NewServiceChecker(svc))
	}
	return s
}

// NewRouter is shorthand for NewServer(svc, options...).Handler()
func NewRouter(svc *messaging.Service, options ...ServerOption) http.Handler {
	return NewServer(svc, options...).Handler()
}

// Handler builds the router
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestSize(1 << 20))
	r.Use(middleware.Recoverer)
	if len(s.corsOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.corsOrigins,
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID"},
			ExposedHeaders: []string{"X-Request-ID"},
			MaxAge:         300,
		}))
	}

	r.Method(http.MethodGet, "/healthz", health.NewHandler(s.health, s.healthTimeout))
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	r.Get("/stats", s.getStats)
	r.Post("/stats/reset", s.resetStats)
	r.Get("/workers", s.getWorkers)
	r.Get("/handlers", s.getHandlers)
	r.Get("/queues", s.getQueues)
	r.Post("/messages/{type}", s.publish)
	r.Post("/deadletters/{type}/redrive", s.redrive)

	return r
}

type workerView struct {
	Type  string                `json:"type"`
	Index int                   `json:"index"`
	Queue string                `json:"queue"`
	State messaging.WorkerState `json:"state"`
	Error string                `json:"error,omitempty"`
}

type handlerView struct {
	Type        string  `json:"type"`
	Queue       string  `json:"queue"`
	Concurrency int     `json:"concurrency,omitempty"`
	RateLimit   float64 `json:"rateLimit,omitempty"`
}

type publishRequest struct {
	Body          json.RawMessage   `json:"body" validate:"required"`
	CorrelationID string            `json:"correlationId" validate:"omitempty,max=128"`
	Headers       map[string]string `json:"headers" validate:"max=32"`
}

type publishResponse struct {
	ID    string `json:"id"`
	Queue string `json:"queue"`
}

type redriveResponse struct {
	Type  string `json:"type"`
	Moved int    `json:"moved"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) getStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.GetStats())
}

func (s *Server) resetStats(w http.ResponseWriter, r *http.Request) {
	s.svc.ResetStats()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) getWorkers(w http.ResponseWriter, r *http.Request) {
	workers := s.svc.Workers()
	views := make([]workerView, 0, len(workers))
	for _, d := range workers {
		view := workerView{Type: d.TypeID, Index: d.Index, Queue: d.Queue, State: d.State}
		if d.Err != nil {
			view.Error = d.Err.Error()
		}
		views = append(views, view)
	}
	sort.Slice(views, func(i, j int) bool {
		if views[i].Type != views[j].Type {
			return views[i].Type < views[j].Type
		}
		return views[i].Index < views[j].Index
	})
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) getHandlers(w http.ResponseWriter, r *http.Request) {
	registry := s.svc.Registry()
	types := registry.Types()
	sort.Strings(types)

	views := make([]handlerView, 0, len(types))
	for _, typeID := range types {
		reg, err := registry.Lookup(typeID)
		if err != nil {
			// unregistered since Types was read
			continue
		}
		views = append(views, handlerView{
			Type:        typeID,
			Queue:       reg.Options.Queue,
			Concurrency: reg.Options.Concurrency,
			RateLimit:   float64(reg.Options.RateLimit),
		})
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) getQueues(w http.ResponseWriter, r *http.Request) {
	if s.queues == nil {
		writeError(w, http.StatusNotImplemented, "queue adapter cannot report queue depth")
		return
	}
	writeJSON(w, http.StatusOK, s.queues.Inspect(r.Context()))
}

func (s *Server) publish(w http.ResponseWriter, r *http.Request) {
	typeID := chi.URLParam(r, "type")

	var req publishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var opts []contracts.EnvelopeOption
	if req.CorrelationID != "" {
		opts = append(opts, contracts.WithCorrelationID(req.CorrelationID))
	}
	if len(req.Headers) > 0 {
		opts = append(opts, contracts.WithHeaders(req.Headers))
	}

	env, err := s.svc.Publish(r.Context(), typeID, req.Body, opts...)
	if err != nil {
		s.writeServiceError(w, "publish", typeID, err)
		return
	}
	writeJSON(w, http.StatusAccepted, publishResponse{ID: env.ID, Queue: env.Queue})
}

func (s *Server) redrive(w http.ResponseWriter, r *http.Request) {
	typeID := chi.URLParam(r, "type")

	limit := 0
	if raw := r.URL.Query().Get("max"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "max must be a non-negative integer")
			return
		}
		limit = n
	}

	moved, err := s.svc.Redrive(r.Context(), typeID, limit)
	if err != nil {
		if moved > 0 {
			s.logger.Warn("redrive stopped early", "messageType", typeID, "moved", moved, "error", err)
		}
		s.writeServiceError(w, "redrive", typeID, err)
		return
	}
	writeJSON(w, http.StatusOK, redriveResponse{Type: typeID, Moved: moved})
}

func (s *Server) writeServiceError(w http.ResponseWriter, op, typeID string, err error) {
	var te *contracts.TransportError
	switch {
	case errors.Is(err, messaging.ErrRedriveUnsupported):
		writeError(w, http.StatusNotImplemented, err.Error())
	case errors.Is(err, contracts.ErrInvalidEnvelope):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &te):
		s.logger.Error("admin request failed on transport", "op", op, "messageType", typeID, "error", err)
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		s.logger.Error("admin request failed", "op", op, "messageType", typeID, "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
