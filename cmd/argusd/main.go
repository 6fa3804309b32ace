package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/visiona/argus/internal/api"
	"github.com/visiona/argus/internal/core"
)

const defaultConfigPath = "config/argus.yaml"

func main() {
	// Parse command line flags
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	// Setup structured logger
	logLevel := slog.LevelInfo
	if *debug {
		logLevel = slog.LevelDebug
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	slog.Info("starting argus service",
		"config", *configPath,
		"debug", *debug,
	)

	// Create context with cancellation for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Setup signal handling. SIGHUP reloads the camera configuration.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	hub, err := core.NewHub(*configPath)
	if err != nil {
		slog.Error("failed to create argus service", "error", err)
		os.Exit(1)
	}

	server := api.NewServer(hub)
	httpErrChan := server.Start()

	// Run service in goroutine
	errChan := make(chan error, 1)
	go func() {
		errChan <- hub.Run(ctx) // Always send, even if nil
	}()

	// Wait for shutdown signal or error
	var shutdownErr error
loop:
	for {
		select {
		case sig := <-sigChan:
			if sig == syscall.SIGHUP {
				slog.Info("received reload signal")
				if err := hub.Reload(ctx); err != nil {
					slog.Error("config reload failed", "error", err)
				}
				continue
			}
			slog.Info("received shutdown signal", "signal", sig)
			cancel()
			break loop
		case shutdownErr = <-httpErrChan:
			slog.Error("http server error", "error", shutdownErr)
			cancel()
			break loop
		case shutdownErr = <-errChan:
			if shutdownErr != nil {
				slog.Error("service error", "error", shutdownErr)
			} else {
				slog.Info("service stopped (via MQTT shutdown command)")
			}
			break loop
		}
	}

	// Graceful shutdown
	shutdownTimeout := hub.ShutdownTimeout()
	slog.Info("shutting down gracefully", "timeout", shutdownTimeout)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("http server shutdown failed", "error", err)
	}

	if err := hub.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown failed", "error", err)
		os.Exit(1)
	}

	slog.Info("argus service stopped successfully")
}
