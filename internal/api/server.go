// Package api provides the HTTP status API for the go-solarman poller.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/resident-x/go-solarman/internal/config"
	"github.com/resident-x/go-solarman/internal/poller"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// StatsProvider exposes the poller counters the status endpoint reports.
type StatsProvider interface {
	Stats() poller.Stats
}

// Server represents the HTTP API server that provides monitoring functionality.
type Server struct {
	config *config.Config
	server *http.Server
	router *mux.Router
	stats  StatsProvider
	logger zerolog.Logger
}

// NewServer creates a new HTTP API server.
func NewServer(cfg *config.Config, stats StatsProvider) *Server {
	router := mux.NewRouter()

	apiServer := &Server{
		config: cfg,
		router: router,
		stats:  stats,
		logger: log.With().Str("component", "api").Logger(),
	}

	apiServer.setupRoutes()

	return apiServer
}

// setupRoutes configures all API endpoint handlers.
func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/status", s.handleStatus).Methods("GET")
	api.HandleFunc("/config", s.handleConfig).Methods("GET")
}

// Start begins listening for HTTP requests.
func (s *Server) Start(_ context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.config.API.Host, s.config.API.Port)

	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		s.logger.Info().
			Str("host", s.config.API.Host).
			Int("port", s.config.API.Port).
			Msg("Starting HTTP API server")

		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("HTTP server error")
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info().Msg("Stopping HTTP API server")

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if s.server != nil {
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("HTTP server shutdown error: %w", err)
		}
	}

	return nil
}

// handleStatus returns poller status and counters.
func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	stats := s.stats.Stats()

	status := map[string]interface{}{
		"status":            "ok",
		"uptime":            time.Since(stats.StartTime).String(),
		"cyclesCompleted":   stats.CyclesCompleted,
		"cyclesFailed":      stats.CyclesFailed,
		"messagesPublished": stats.MessagesPublished,
		"publishFailures":   stats.PublishFailures,
		"lastCycleOnline":   stats.LastCycleOnline,
	}
	if !stats.LastCycleTime.IsZero() {
		status["lastCycleTime"] = stats.LastCycleTime
	}
	if stats.LastCycleError != "" {
		status["lastCycleError"] = stats.LastCycleError
	}

	s.writeJSON(w, status, http.StatusOK)
}

// handleConfig returns the active configuration with secrets omitted.
func (s *Server) handleConfig(w http.ResponseWriter, _ *http.Request) {
	cfg := map[string]interface{}{
		"interval": s.config.Interval,
		"solarman": map[string]interface{}{
			"host":       s.config.Solarman.Host,
			"stationId":  s.config.Solarman.StationID,
			"inverterSn": s.config.Solarman.InverterSN,
			"loggerSn":   s.config.Solarman.LoggerSN,
		},
		"mqtt": map[string]interface{}{
			"host":  s.config.MQTT.Host,
			"port":  s.config.MQTT.Port,
			"topic": s.config.MQTT.Topic,
		},
	}

	s.writeJSON(w, cfg, http.StatusOK)
}

// writeJSON writes a JSON response.
func (s *Server) writeJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode JSON response")
	}
}
