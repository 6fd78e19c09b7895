package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/lazypower/strata/internal/engine"
	"github.com/lazypower/strata/internal/store"
)

// Options configures a Server. Engine is required.
type Options struct {
	Engine  *engine.Engine
	DB      *store.DB
	Logger  logrus.FieldLogger
	Metrics prometheus.Gatherer
	Version string
}

// Server is the strata HTTP API server.
type Server struct {
	engine  *engine.Engine
	db      *store.DB
	logger  logrus.FieldLogger
	metrics prometheus.Gatherer
	router  chi.Router
	version string
	started time.Time
}

// New creates a Server over the engine.
func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	s := &Server{
		engine:  opts.Engine,
		db:      opts.DB,
		logger:  logger,
		metrics: opts.Metrics,
		version: opts.Version,
		started: time.Now(),
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)

	if s.metrics != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.metrics, promhttp.HandlerOpts{}))
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/collections", s.handleListCollections)

		r.Route("/collections/{collection}", func(r chi.Router) {
			r.Get("/verify", s.handleVerify)

			r.Route("/conversations", func(r chi.Router) {
				r.Get("/", s.handleListConversations)
				r.Post("/", s.handleRegister)
				r.Post("/batch", s.handleRegisterBatch)

				r.Route("/{conversationID}", func(r chi.Router) {
					r.Get("/", s.handleGetConversation)
					r.Delete("/", s.handleUnregister)
					r.Post("/sync", s.handleSync)
					r.Get("/verify", s.handleVerify)

					r.Post("/compress", s.handleCompress)
					r.Post("/parts/{part}/recompress", s.handleRecompress)

					r.Get("/derivatives", s.handleListDerivatives)
					r.Get("/derivatives/{versionID}", s.handleGetDerivative)
					r.Get("/derivatives/{versionID}/content", s.handleDerivativeContent)
					r.Delete("/derivatives/{versionID}", s.handleDeleteDerivative)

					r.Get("/pins", s.handleListPins)
					r.Put("/pins/{pinID}", s.handleSetPinWeight)
					r.Get("/decay", s.handlePreviewDecay)
				})
			})

			r.Route("/compositions", func(r chi.Router) {
				r.Get("/", s.handleListCompositions)
				r.Post("/", s.handleCreateComposition)
				r.Post("/preview", s.handlePreviewComposition)
				r.Get("/{compositionID}", s.handleGetComposition)
				r.Get("/{compositionID}/content", s.handleCompositionContent)
				r.Delete("/{compositionID}", s.handleDeleteComposition)
			})
		})

		r.Get("/locks", s.handleLockStatus)
		r.Post("/locks/cleanup", s.handleCleanupLocks)
		r.Get("/jobs", s.handleListJobs)
		r.Get("/jobs/{jobID}", s.handleGetJob)
	})

	s.router = r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"status":  "ok",
		"version": s.version,
		"uptime":  time.Since(s.started).Seconds(),
	}
	if s.db != nil {
		body["db"] = s.db.PingContext(r.Context()) == nil
		body["db_path"] = s.db.Path
	}
	writeJSON(w, http.StatusOK, body)
}

// logRequests logs one line per request with its status and latency.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		entry := s.logger.WithField("action", "http_request").
			WithField("method", r.Method).
			WithField("path", r.URL.Path).
			WithField("status", ww.Status()).
			WithField("took", time.Since(start).String())
		if id := middleware.GetReqID(r.Context()); id != "" {
			entry = entry.WithField("request_id", id)
		}
		if ww.Status() >= http.StatusInternalServerError {
			entry.Warn("request failed")
			return
		}
		entry.Debug("request served")
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
