package server

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/dgnsrekt/courier-realtime/internal/auth"
)

// NewRouter mounts the websocket endpoint, the event ingest API and the
// operational endpoints.
func NewRouter(s *Server, logger *zap.Logger) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(zapLoggerMiddleware(logger))

	if s.ws != nil {
		r.Get("/ws", s.ws.ServeHTTP)
	}
	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", s.metrics.Handler())

	r.Group(func(api chi.Router) {
		api.Use(corsMiddleware)
		api.Use(middleware.Compress(5))
		api.Get("/stats", s.handleStats)
		api.Options("/stats", func(http.ResponseWriter, *http.Request) {})
	})

	r.Group(func(ingest chi.Router) {
		ingest.Use(middleware.AllowContentType("application/json"))
		ingest.Use(s.requireServiceToken)
		ingest.Post("/events", s.handleEvents)
	})

	return r
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "*")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func zapLoggerMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			logger.Debug("request",
				zap.String("requestID", middleware.GetReqID(r.Context())),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.String("query", maskQueryToken(r.URL.RawQuery)),
			)
			next.ServeHTTP(w, r)
		})
	}
}

// maskQueryToken masks the "token" parameter in a query string
func maskQueryToken(rawQuery string) string {
	if rawQuery == "" {
		return ""
	}
	values, err := url.ParseQuery(rawQuery)
	if err != nil {
		return "(unparseable)"
	}
	if token := values.Get("token"); token != "" {
		values.Set("token", auth.MaskCredential(token))
	}
	return strings.ReplaceAll(values.Encode(), "%2A", "*")
}
