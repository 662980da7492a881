// Package api exposes the Control API that starts and stops provider crawls
// and, when readers are configured, serves the persisted fitment data.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/fitment-scraper/internal/config"
	"github.com/JakeFAU/fitment-scraper/internal/metrics"
	"github.com/JakeFAU/fitment-scraper/internal/processreg"
)

// Stop timeout bounds in seconds.
const (
	DefaultStopTimeout = 10.0
	MinStopTimeout     = 0.5
	MaxStopTimeout     = 60.0
)

// RequestTimeout caps every route except the stop routes.
const RequestTimeout = 90 * time.Second

// ProcessManager starts and stops provider crawl processes.
type ProcessManager interface {
	Start(provider string) (processreg.Result, error)
	Stop(ctx context.Context, provider string, timeout time.Duration) (processreg.Result, error)
	StopAll(ctx context.Context, timeout time.Duration) (map[string]processreg.Result, error)
	Status() ([]processreg.Result, error)
}

// Envelope wraps every JSON response.
type Envelope struct {
	Success    bool   `json:"success"`
	Message    string `json:"message"`
	StatusCode int    `json:"statusCode"`
	Data       any    `json:"data"`
}

// Server wires HTTP handlers to the process manager.
type Server struct {
	router    chi.Router
	processes ProcessManager
	providers map[string]struct{}
	logger    *zap.Logger
}

// NewServer constructs a Server with middleware and routes. Start requests are
// limited to the providers configured in cfg. fitment may be nil.
func NewServer(processes ProcessManager, fitment *FitmentHandler, cfg config.Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		processes: processes,
		providers: make(map[string]struct{}, len(cfg.Providers)),
		logger:    logger.Named("api"),
	}
	for _, name := range cfg.ProviderNames() {
		s.providers[name] = struct{}{}
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)
	if len(cfg.Server.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: cfg.Server.CORSOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodOptions},
			AllowedHeaders: []string{"Accept", "Content-Type", "X-API-Key", "X-Request-ID"},
			ExposedHeaders: []string{"X-Request-ID"},
			MaxAge:         300,
		}))
	}

	// Stop routes skip the request timeout. Each stop is bounded by its own
	// timeout parameter and stop-all waits on every live provider in turn.
	r.Route("/scraper", func(r chi.Router) {
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}
		r.Get("/stop", s.stop)
		r.Get("/stop-all", s.stopAll)
		r.Group(func(r chi.Router) {
			r.Use(timeoutMiddleware(RequestTimeout))
			r.Get("/start", s.start)
			r.Get("/status", s.status)
		})
	})

	r.Group(func(r chi.Router) {
		r.Use(timeoutMiddleware(RequestTimeout))
		r.Get("/healthz", s.healthz)
		r.Handle("/metrics", metrics.Handler())
		if fitment != nil {
			r.Route("/fitment", func(r chi.Router) {
				if cfg.Auth.Enabled {
					r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
				}
				fitment.Routes(r)
			})
		}
	})

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeSuccess(w, "ok", map[string]string{"status": "ok"})
}

func (s *Server) start(w http.ResponseWriter, r *http.Request) {
	provider, ok := s.providerParam(w, r)
	if !ok {
		return
	}
	res, err := s.processes.Start(provider)
	if err != nil {
		s.logger.Error("start crawl", zap.String("provider", provider), zap.Error(err))
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to start %s", provider))
		return
	}
	writeSuccess(w, "Scraper start processed", res)
}

func (s *Server) stop(w http.ResponseWriter, r *http.Request) {
	provider := processreg.Normalize(r.URL.Query().Get("provider"))
	if provider == "" {
		writeError(w, http.StatusUnprocessableEntity, "provider is required")
		return
	}
	timeout, err := parseStopTimeout(r.URL.Query().Get("timeout"))
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	res, err := s.processes.Stop(r.Context(), provider, timeout)
	if err != nil {
		s.logger.Error("stop crawl", zap.String("provider", provider), zap.Error(err))
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to stop %s", provider))
		return
	}
	writeSuccess(w, "Scraper stop processed", res)
}

func (s *Server) stopAll(w http.ResponseWriter, r *http.Request) {
	timeout, err := parseStopTimeout(r.URL.Query().Get("timeout"))
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	results, err := s.processes.StopAll(r.Context(), timeout)
	if err != nil {
		s.logger.Error("stop all crawls", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to stop scrapers")
		return
	}
	writeSuccess(w, "Scraper stop-all processed", map[string]any{"stopped": results})
}

func (s *Server) status(w http.ResponseWriter, _ *http.Request) {
	results, err := s.processes.Status()
	if err != nil {
		s.logger.Error("read process registry", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to read scraper status")
		return
	}
	writeSuccess(w, "Scraper status fetched", results)
}

func (s *Server) providerParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	provider := processreg.Normalize(r.URL.Query().Get("provider"))
	if provider == "" {
		writeError(w, http.StatusUnprocessableEntity, "provider is required")
		return "", false
	}
	if _, ok := s.providers[provider]; !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("unknown provider %q", provider))
		return "", false
	}
	return provider, true
}

// parseStopTimeout reads a timeout in seconds, defaulting to DefaultStopTimeout.
func parseStopTimeout(raw string) (time.Duration, error) {
	if raw == "" {
		return durationSeconds(DefaultStopTimeout), nil
	}
	secs, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, errors.New("timeout must be a number of seconds")
	}
	if !(secs >= MinStopTimeout && secs <= MaxStopTimeout) {
		return 0, fmt.Errorf("timeout must be between %g and %g seconds", MinStopTimeout, MaxStopTimeout)
	}
	return durationSeconds(secs), nil
}

func durationSeconds(secs float64) time.Duration {
	return time.Duration(secs * float64(time.Second))
}

type requestIDKey struct{}

// RequestID returns the id assigned to the request, if any.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Info("request completed",
			zap.String("request_id", RequestID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered",
					zap.String("request_id", RequestID(r.Context())),
					zap.Any("panic", rec),
				)
				writeError(w, http.StatusInternalServerError, "Internal Server Error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	body, _ := json.Marshal(Envelope{ //nolint:errcheck // static payload
		Message:    "request timed out",
		StatusCode: http.StatusServiceUnavailable,
	})
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, string(body))
	}
}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func writeSuccess(w http.ResponseWriter, msg string, data any) {
	writeJSON(w, http.StatusOK, Envelope{Success: true, Message: msg, StatusCode: http.StatusOK, Data: data})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, Envelope{Message: msg, StatusCode: status})
}

func writeJSON(w http.ResponseWriter, status int, payload Envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}
