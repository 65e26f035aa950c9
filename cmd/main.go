// Package main provides the entry point for the go-solarman poller.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/resident-x/go-solarman/internal/api"
	"github.com/resident-x/go-solarman/internal/config"
	"github.com/resident-x/go-solarman/internal/domain"
	"github.com/resident-x/go-solarman/internal/poller"
	"github.com/resident-x/go-solarman/internal/pubsub"
	"github.com/resident-x/go-solarman/internal/solarman"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	Version = "unknown" // Default version, can be overridden by build flags

	// Delay before exiting on a missing config file, so a supervisor does
	// not spin through restarts.
	configErrorDelay = 60 * time.Second
)

func main() {
	code := run(os.Args[1:]) // run() returns an int
	os.Exit(code)            // os.Exit is called after deferred functions in run() execute
}

func run(args []string) int {
	repeat := false
	if len(args) > 0 {
		if args[0] != "--repeat" {
			fmt.Printf("Unrecognized argument %q. Expected '--repeat' or no argument.\n", args[0])
			return 0
		}
		repeat = true
	}

	// Load configuration
	cfg, err := config.Load(configFilePath())
	if err != nil {
		fmt.Printf("Failed to load configuration: %v, sleeping %s before exit...\n", err, configErrorDelay)
		time.Sleep(configErrorDelay)
		return 1
	}

	// Initialize logger with the configured log level
	initLogger(cfg.LogLevel, cfg.Debug)

	log.Info().Str("version", Version).Bool("repeat", repeat).Msg("Starting go-solarman poller")

	cfg.Print()

	if err := cfg.Validate(); err != nil {
		log.Error().Err(err).Msg("Invalid configuration")
		return 1
	}

	// Cancelled on SIGINT/SIGTERM; the poll loop watches this context
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := solarman.NewClient(cfg.Solarman.Host)

	newPublisher := func() domain.MessagePublisher {
		if cfg.MQTT.Host == "" {
			log.Info().Msg("MQTT host not configured, using noop publisher")
			return pubsub.NewNoopPublisher()
		}
		return pubsub.NewMQTTPublisher(cfg)
	}

	p, err := poller.New(cfg, client, newPublisher)
	if err != nil {
		log.Error().Err(err).Msg("Failed to create poller")
		return 1
	}

	if cfg.API.Enabled {
		apiServer := api.NewServer(cfg, p)
		if err := apiServer.Start(ctx); err != nil {
			log.Error().Err(err).Msg("Failed to start HTTP API server")
			return 1
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := apiServer.Stop(shutdownCtx); err != nil {
				log.Error().Err(err).Msg("Error stopping HTTP API server")
			}
		}()
	}

	if err := p.Run(ctx, repeat); err != nil {
		log.Error().Err(err).Msg("Poller terminated with error")
		return 1
	}

	log.Info().Msg("Exiting")
	return 0
}

// configFilePath resolves the configuration file location. CONFIG_PATH may
// name the file itself or the directory holding config.yaml.
func configFilePath() string {
	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		return "config.yaml"
	}
	if strings.HasSuffix(path, ".yaml") || strings.HasSuffix(path, ".yml") {
		return path
	}
	return filepath.Join(path, "config.yaml")
}

// initLogger configures the global zerolog logger.
func initLogger(level string, debug bool) {
	// Set up pretty console logging for development
	output := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}

	logLevel, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		fmt.Printf("Invalid log level '%s', defaulting to 'info'\n", level)
		logLevel = zerolog.InfoLevel
	}
	if debug {
		logLevel = zerolog.DebugLevel
	}

	zerolog.SetGlobalLevel(logLevel)
	log.Logger = zerolog.New(output).
		With().
		Timestamp().
		Caller().
		Logger()
}
