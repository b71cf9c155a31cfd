// Package dashboard implements the engine's read-only health-monitor HTTP
// surface: /healthz, /status, and /streams/{id}. It never accepts a
// mutating request — the engine's state is observed, never driven, through
// this interface.
package dashboard

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"
)

// StreamStatus is a read-only snapshot of one stream.
type StreamStatus struct {
	StreamID     string `json:"stream_id"`
	Phase        string `json:"phase"`
	Committed    bool   `json:"committed"`
	CommitReason string `json:"commit_reason,omitempty"`
}

// Status is the engine-wide snapshot served by /status.
type Status struct {
	RunID           string         `json:"run_id"`
	CanonicalMarket string         `json:"canonical_market"`
	TradingDate     string         `json:"trading_date"`
	RecoveryState   string         `json:"recovery_state"`
	Mode            string         `json:"mode"`
	LockHeld        bool           `json:"lock_held"`
	Streams         []StreamStatus `json:"streams"`
}

// StatusProvider is the narrow read-only capability the dashboard consumes
// from the engine. The engine never imports this package; the host wires a
// concrete provider together at startup.
type StatusProvider interface {
	Status() Status
	StreamStatus(streamID string) (StreamStatus, bool)
}

// Config configures the dashboard HTTP server.
type Config struct {
	Port      int
	AuthToken string
}

// Server is the chi-routed, auth-gated status server.
type Server struct {
	router    *chi.Mux
	server    *http.Server
	provider  StatusProvider
	logger    *logrus.Logger
	port      int
	authToken string
}

// NewServer constructs a Server; call Start to begin listening.
func NewServer(cfg Config, provider StatusProvider, logger *logrus.Logger) *Server {
	if logger == nil {
		logger = logrus.New()
	}
	s := &Server{
		router:    chi.NewRouter(),
		provider:  provider,
		logger:    logger,
		port:      cfg.Port,
		authToken: cfg.AuthToken,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.requestLoggerMiddleware)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(15 * time.Second))

	if s.authToken != "" {
		s.router.Route("/", func(r chi.Router) {
			r.Use(s.authMiddleware)
			r.Get("/status", s.handleStatus)
			r.Get("/streams/{id}", s.handleStreamStatus)
		})
	} else {
		s.router.Get("/status", s.handleStatus)
		s.router.Get("/streams/{id}", s.handleStreamStatus)
	}

	// /healthz is always public, per §6.2.
	s.router.Get("/healthz", s.handleHealthz)
}

func (s *Server) requestLoggerMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		loggedURL := redactTokenFromURL(r.URL)
		logEntry := s.logger.WithFields(logrus.Fields{
			"method":    r.Method,
			"url":       loggedURL.String(),
			"remote_ip": r.RemoteAddr,
		})

		start := time.Now()
		wrapped := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(wrapped, r)

		logEntry.WithFields(logrus.Fields{
			"status":   wrapped.Status(),
			"bytes":    wrapped.BytesWritten(),
			"duration": time.Since(start),
		}).Info("dashboard request")
	})
}

func redactTokenFromURL(original *url.URL) *url.URL {
	logged := &url.URL{
		Scheme:   original.Scheme,
		Host:     original.Host,
		Path:     original.Path,
		RawQuery: original.RawQuery,
		Fragment: original.Fragment,
	}
	if original.RawQuery != "" {
		values := original.Query()
		for _, k := range []string{"token", "auth_token"} {
			if values.Has(k) {
				values.Set(k, "[REDACTED]")
			}
		}
		logged.RawQuery = values.Encode()
	}
	return logged
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var token string
		token = r.Header.Get("X-Auth-Token")
		if token == "" {
			token = r.URL.Query().Get("token")
		}
		if token == "" {
			if cookie, err := r.Cookie("auth_token"); err == nil {
				token = cookie.Value
			}
		}

		if !s.isValidToken(token) {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) isValidToken(token string) bool {
	if len(token) != len(s.authToken) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.authToken)) == 1
}

// Start blocks serving until the server is shut down.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              ":" + strconv.Itoa(s.port),
		Handler:           s.router,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.logger.Infof("dashboard: listening on port %d", s.port)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, s.provider.Status())
}

func (s *Server) handleStreamStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	status, ok := s.provider.StreamStatus(id)
	if !ok {
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}
	s.writeJSON(w, status)
}

func (s *Server) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.WithError(err).Error("dashboard: failed to encode response")
	}
}
