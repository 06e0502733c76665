package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/teranos/groupcast/logger"
)

// Router builds the HTTP routes
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.HandleHealth)
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.AllowContentType("application/json"))

		r.Get("/jobs", s.HandleListJobs)
		r.Post("/jobs", s.HandleCreateJob)
		r.Get("/jobs/{id}", s.HandleGetJob)
		r.Patch("/jobs/{id}", s.HandleUpdateJob)
		r.Delete("/jobs/{id}", s.HandleDeleteJob)
		r.Get("/jobs/{id}/history", s.HandleJobHistory)
		r.Get("/campaigns/{id}/history", s.HandleCampaignHistory)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "Not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	})
	return r
}

// requestLogger logs one line per request with zap.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		if r.URL.Path == "/healthz" || r.URL.Path == "/metrics" {
			return
		}
		log := s.logger.Infow
		if ww.Status() >= http.StatusInternalServerError {
			log = s.logger.Warnw
		}
		log("HTTP request",
			logger.FieldMethod, r.Method,
			logger.FieldPath, r.URL.Path,
			logger.FieldStatus, ww.Status(),
			logger.FieldRequestID, middleware.GetReqID(r.Context()),
			logger.FieldDurationMS, time.Since(start).Milliseconds())
	})
}
