// Package api exposes the orchestration core to the UI layer over JSON/HTTP.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/buildquote/quotecore/internal/intake"
	"github.com/buildquote/quotecore/internal/pipeline"
	"github.com/buildquote/quotecore/internal/pricecache"
	"github.com/buildquote/quotecore/internal/stage"
	"github.com/buildquote/quotecore/pkg/buildquote"
)

// Server holds the collaborators behind the HTTP routes. Intake sessions live
// in memory and are addressed by a random id.
type Server struct {
	bids       buildquote.RfqService
	prices     *pricecache.Cache
	pipelines  *pipeline.Controller
	newSession func() *intake.Session
	origins    []string

	mu       sync.Mutex
	sessions map[uuid.UUID]*intake.Session
}

// Config wires a Server.
type Config struct {
	Bids           buildquote.RfqService
	Prices         *pricecache.Cache
	Pipelines      *pipeline.Controller
	NewSession     func() *intake.Session
	AllowedOrigins []string
}

// New creates a Server.
func New(cfg Config) *Server {
	return &Server{
		bids:       cfg.Bids,
		prices:     cfg.Prices,
		pipelines:  cfg.Pipelines,
		newSession: cfg.NewSession,
		origins:    cfg.AllowedOrigins,
		sessions:   make(map[uuid.UUID]*intake.Session),
	}
}

// Routes returns the HTTP handler.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.origins,
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/sessions", func(r chi.Router) {
		r.Post("/", s.createSession)
		r.Route("/{sessionID}", func(r chi.Router) {
			r.Get("/", s.getSession)
			r.Delete("/", s.deleteSession)
			r.Post("/parse", s.parseText)
			r.Post("/parse-file", s.parseFile)
			r.Post("/stages/{index}/toggle", s.toggleStage)
			r.Put("/stages/{index}/quantity", s.setQuantity)
			r.Post("/select-all", s.selectAll)
			r.Post("/deselect-all", s.deselectAll)
			r.Post("/confirm", s.confirm)
			r.Post("/send", s.send)
			r.Post("/resend", s.resend)
			r.Post("/reset", s.reset)
		})
	})

	r.Get("/breakdown", s.getBreakdown)
	r.Get("/materials/{material}/suppliers", s.getSupplierPrices)
	r.Get("/campaigns/{campaignID}/bids", s.getRankedBids)

	r.Route("/pipelines", func(r chi.Router) {
		r.Post("/", s.createPipeline)
		r.Get("/{pipelineID}", s.getPipeline)
		r.Post("/{pipelineID}/resume", s.resumePipeline)
		r.Post("/{pipelineID}/cancel", s.cancelPipeline)
	})
	r.Get("/projects/{projectID}/pipeline", s.projectPipeline)

	return r
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		zap.L().Debug("api: request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Warn("api: encode response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// fail maps a core error to an HTTP status.
func fail(w http.ResponseWriter, err error) {
	status := http.StatusBadGateway
	var apiErr *buildquote.APIError
	switch {
	case intake.IsValidation(err):
		status = http.StatusBadRequest
	case errors.Is(err, stage.ErrNoSuchStage), errors.Is(err, pipeline.ErrNoPipeline), buildquote.IsNotFound(err):
		status = http.StatusNotFound
	case errors.Is(err, pipeline.ErrCannotResume):
		status = http.StatusConflict
	case errors.Is(err, pipeline.ErrClosed):
		status = http.StatusServiceUnavailable
	case errors.As(err, &apiErr) && apiErr.StatusCode < 500:
		status = apiErr.StatusCode
	}
	if status >= 500 {
		zap.L().Warn("api: upstream failure", zap.Error(err))
	}
	writeError(w, status, err.Error())
}

func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return &intake.ValidationError{Field: "body", Message: "invalid JSON"}
	}
	return nil
}
