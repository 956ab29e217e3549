package main

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/invisible-tech/endpoint-agent/internal/agent"
	"github.com/invisible-tech/endpoint-agent/internal/config"
	"github.com/invisible-tech/endpoint-agent/internal/server"
	"github.com/invisible-tech/endpoint-agent/internal/version"
)

func main() {
	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})
	log.SetLevel(logrus.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatal("Failed to load configuration")
	}
	if err := cfg.Validate(); err != nil {
		log.WithError(err).Fatal("Invalid configuration")
	}
	configureLogger(log, cfg.Logging)

	log.WithFields(logrus.Fields{
		"version":     version.Version,
		"endpoint_id": cfg.Endpoint.ID,
		"hostname":    cfg.Endpoint.Hostname,
	}).Info("Starting endpoint agent")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	ag, err := agent.New(cfg, log)
	if err != nil {
		log.WithError(err).Fatal("Failed to create agent")
	}

	go func() {
		if err := ag.Start(ctx); err != nil {
			log.WithError(err).Error("Agent error")
			cancel()
		}
	}()

	srv := server.New(cfg.HTTPAddr, ag, log)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("Agent API failed")
		}
	}()

	select {
	case sig := <-sigChan:
		log.WithField("signal", sig.String()).Info("Received shutdown signal")
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("Error shutting down API")
	}
	if err := ag.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("Error during shutdown")
	}

	log.Info("Agent shutdown complete")
}

func configureLogger(log *logrus.Logger, cfg config.LoggingConfig) {
	if level, err := logrus.ParseLevel(cfg.Level); err == nil {
		log.SetLevel(level)
	} else {
		log.WithField("level", cfg.Level).Warn("Unknown log level, using info")
	}
	if cfg.File == "" {
		return
	}
	f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		log.WithError(err).WithField("file", cfg.File).Warn("Failed to open log file")
		return
	}
	log.SetOutput(io.MultiWriter(os.Stderr, f))
}
