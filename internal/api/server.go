// Package api provides the HTTP endpoints for telemetry ingestion and drone
// state queries.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"

	"drone_telemetry/internal/ingest"
	"drone_telemetry/internal/metrics"
	"drone_telemetry/internal/storage"
	"drone_telemetry/internal/telemetry"
)

// Ingestion body modes.
const (
	ModeWrapped = "wrapped"
	ModeRaw     = "raw"
)

// DefaultWrapperField is the body field carrying the batch in wrapped mode.
const DefaultWrapperField = "vltjson"

// Ingester is the ingestion pipeline.
type Ingester interface {
	Ingest(ctx context.Context, payload []byte) (ingest.Result, error)
	LastState(ctx context.Context, deviceID string) (telemetry.Record, error)
}

// Reader answers historical queries.
type Reader interface {
	QueryTelemetry(ctx context.Context, q storage.RangeQuery) ([]telemetry.Record, error)
	QueryTrips(ctx context.Context, q storage.RangeQuery) ([]telemetry.Record, error)
	Devices(ctx context.Context) ([]string, error)
}

// Server serves the collector's HTTP API.
type Server struct {
	ingester     Ingester
	reader       Reader
	port         int
	mode         string
	wrapperField string
	maxBody      int64
	authEnabled  bool
	apiKeys      map[string]bool // Simple API key auth (when enabled).
	registry     *prometheus.Registry
	logger       *slog.Logger
}

// Config holds configuration for the API server.
type Config struct {
	Port         int
	Mode         string // ModeWrapped (default) or ModeRaw.
	WrapperField string
	MaxBodyBytes int64
	AuthEnabled  bool
	APIKeys      []string // List of valid API keys for the query endpoints.
	Registry     *prometheus.Registry
	Logger       *slog.Logger
}

// NewServer creates a new API server.
func NewServer(ingester Ingester, reader Reader, cfg Config) *Server {
	keys := make(map[string]bool)
	for _, k := range cfg.APIKeys {
		if k != "" {
			keys[k] = true
		}
	}

	mode := cfg.Mode
	if mode == "" {
		mode = ModeWrapped
	}
	field := cfg.WrapperField
	if field == "" {
		field = DefaultWrapperField
	}
	maxBody := cfg.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = 10 << 20
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Server{
		ingester:     ingester,
		reader:       reader,
		port:         cfg.Port,
		mode:         mode,
		wrapperField: field,
		maxBody:      maxBody,
		authEnabled:  cfg.AuthEnabled,
		apiKeys:      keys,
		registry:     cfg.Registry,
		logger:       logger,
	}
}

// Run serves HTTP until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              ":" + strconv.Itoa(s.port),
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		s.logger.Info("telemetry API starting", "addr", srv.Addr, "mode", s.mode, "auth", s.authEnabled)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	}
}

// Router returns the configured chi router.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()

	// Standard middleware.
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))

	// CORS for browser access.
	r.Use(corsMiddleware)

	// Device-facing ingestion endpoint.
	r.Post("/parsedata", s.handleIngest)

	if s.registry != nil {
		r.Handle("/metrics", metrics.Handler(s.registry))
	}

	r.Route("/api/v1", func(r chi.Router) {
		// Health check (no auth required).
		r.Get("/health", s.handleHealth)
		r.Post("/telemetry", s.handleIngest)

		r.Group(func(r chi.Router) {
			// Optional authentication.
			if s.authEnabled {
				r.Use(s.authMiddleware)
			}

			r.Get("/drones", s.handleListDrones)
			r.Post("/drones/latest", s.handleBatchLatest)
			r.Get("/drones/{deviceID}/latest", s.handleLatest)
			r.Get("/drones/{deviceID}/telemetry", s.handleTelemetry)
			r.Get("/drones/{deviceID}/trips", s.handleTrips)
			r.Get("/drones/{deviceID}/distance", s.handleDistance)
			r.Get("/drones/{deviceID}/flying-hours", s.handleFlyingHours)
		})
	})

	return r
}

// corsMiddleware adds CORS headers for browser access.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-API-Key")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// authMiddleware validates API key authentication.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Check X-API-Key header first.
		apiKey := r.Header.Get("X-API-Key")

		// Fall back to Authorization: Bearer <key>.
		if apiKey == "" {
			auth := r.Header.Get("Authorization")
			if strings.HasPrefix(auth, "Bearer ") {
				apiKey = strings.TrimPrefix(auth, "Bearer ")
			}
		}

		if apiKey == "" {
			writeError(w, http.StatusUnauthorized, "API key required")
			return
		}

		if !s.apiKeys[apiKey] {
			writeError(w, http.StatusForbidden, "Invalid API key")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

// Helper functions.

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func isNoState(err error) bool {
	return errors.Is(err, ingest.ErrNoState)
}
