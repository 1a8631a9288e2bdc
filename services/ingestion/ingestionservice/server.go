package ingestionservice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/illmade-knight/machine-telemetry/pkg/metrics"
	"github.com/illmade-knight/machine-telemetry/pkg/mqttsession"
	"github.com/illmade-knight/machine-telemetry/pkg/types"
)

// Pipeline is the core ingestion logic the Server wrapper drives.
type Pipeline interface {
	Start(ctx context.Context) error
	Stop()
	OnRegistryChanged(ctx context.Context) error
	Bindings() []types.TopicBinding
	SessionState() mqttsession.State
	BufferedReadings() int
	Metrics() *metrics.Metrics
}

// Server represents the runnable ingestion application. It wraps the
// pipeline with an admin HTTP surface and signal handling.
type Server struct {
	addr            string
	shutdownTimeout time.Duration
	logger          zerolog.Logger
	pipeline        Pipeline
	httpServer      *http.Server
}

// NewServer creates the application wrapper around a pipeline.
func NewServer(addr string, shutdownTimeout time.Duration, pipeline Pipeline, logger zerolog.Logger) (*Server, error) {
	if pipeline == nil {
		return nil, errors.New("pipeline cannot be nil")
	}
	if shutdownTimeout <= 0 {
		shutdownTimeout = 30 * time.Second
	}
	return &Server{
		addr:            addr,
		shutdownTimeout: shutdownTimeout,
		logger:          logger.With().Str("component", "AdminServer").Logger(),
		pipeline:        pipeline,
	}, nil
}

// Router builds the admin routes.
func (s *Server) Router() http.Handler {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)
	router.Use(middleware.Timeout(60 * time.Second))

	router.Get("/healthz", s.healthzHandler)
	router.Handle("/metrics", promhttp.HandlerFor(s.pipeline.Metrics().Registry, promhttp.HandlerOpts{}))
	router.Get("/topics", s.topicsHandler)
	router.Post("/registry/refresh", s.refreshHandler)
	return router
}

// Start starts the pipeline and then the HTTP server.
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info().Msg("Starting ingestion application...")
	if err := s.pipeline.Start(ctx); err != nil {
		return fmt.Errorf("failed to start ingestion pipeline: %w", err)
	}

	if s.addr == "" {
		s.logger.Info().Msg("No http_addr configured, admin server disabled.")
		return nil
	}
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 3 * time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       30 * time.Second,
	}
	go func() {
		s.logger.Info().Str("address", s.httpServer.Addr).Msg("HTTP server listening")
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("HTTP server ListenAndServe error")
		}
	}()
	return nil
}

// Stop shuts down the HTTP server, then the pipeline.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info().Msg("Shutting down ingestion application...")
	var firstErr error
	if s.httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, s.shutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Error().Err(err).Msg("HTTP server shutdown error")
			firstErr = err
		}
	}
	s.pipeline.Stop()
	s.logger.Info().Msg("Ingestion application shut down process completed.")
	return firstErr
}

// Run starts the server and waits for a shutdown signal or ctx cancellation.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		s.pipeline.Stop()
		return err
	}

	stopSignal := make(chan os.Signal, 1)
	signal.Notify(stopSignal, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(stopSignal)

	select {
	case sig := <-stopSignal:
		s.logger.Info().Str("signal", sig.String()).Msg("Received shutdown signal.")
	case <-ctx.Done():
		s.logger.Info().Msg("Context cancelled, initiating shutdown.")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()
	return s.Stop(shutdownCtx)
}

type healthResponse struct {
	Status   string `json:"status"`
	Session  string `json:"session"`
	Buffered int    `json:"buffered"`
}

func (s *Server) healthzHandler(w http.ResponseWriter, _ *http.Request) {
	state := s.pipeline.SessionState()
	resp := healthResponse{Status: "ok", Session: state.String(), Buffered: s.pipeline.BufferedReadings()}
	code := http.StatusOK
	if state != mqttsession.StateConnected && state != mqttsession.StateSubscribing && state != mqttsession.StateActive {
		resp.Status = "degraded"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

type topicView struct {
	Topic    string `json:"topic"`
	DeviceID string `json:"device_id"`
	Variant  string `json:"variant"`
}

type topicsResponse struct {
	Session string      `json:"session"`
	Topics  []topicView `json:"topics"`
}

func (s *Server) topicsHandler(w http.ResponseWriter, _ *http.Request) {
	bindings := s.pipeline.Bindings()
	sort.Slice(bindings, func(i, j int) bool { return bindings[i].Topic < bindings[j].Topic })
	resp := topicsResponse{Session: s.pipeline.SessionState().String(), Topics: make([]topicView, len(bindings))}
	for i, b := range bindings {
		resp.Topics[i] = topicView{Topic: b.Topic, DeviceID: b.DeviceID, Variant: b.Variant.String()}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) refreshHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.pipeline.OnRegistryChanged(r.Context()); err != nil {
		s.logger.Error().Err(err).Msg("Registry refresh request failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"topics": len(s.pipeline.Bindings())})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
