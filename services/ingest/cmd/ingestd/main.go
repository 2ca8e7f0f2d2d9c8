package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"evidenced/pkg/bus"
	"evidenced/pkg/telemetry"
	"evidenced/services/ingest"
)

func main() {
	if err := run("ingestd"); err != nil {
		log.New(os.Stderr, "", log.LstdFlags).Fatal(err)
	}
}

func run(serviceName string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := ingest.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// Tracing is optional: without an OTLP endpoint the service still runs
	// with plain JSON logging.
	var (
		middleware = func(h http.Handler) http.Handler { return h }
		logger     = telemetry.NewLogger(serviceName)
	)
	if os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") != "" {
		shutdownTelemetry, telMiddleware, telLogger, err := telemetry.Init(ctx, serviceName)
		if err != nil {
			return fmt.Errorf("init telemetry: %w", err)
		}
		middleware = telMiddleware
		logger = telLogger
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdownTelemetry(shutdownCtx); err != nil {
				fmt.Fprintf(os.Stderr, "%s: telemetry shutdown error: %v\n", serviceName, err)
			}
		}()
	}

	store, err := ingest.NewStore(cfg.DataDir, logger)
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}

	gate, err := ingest.NewGate(cfg.SharedSecret, []byte(cfg.JWTSecret))
	if err != nil {
		return fmt.Errorf("init auth gate: %w", err)
	}

	var sessions ingest.SessionStore
	if cfg.SessionFile != "" {
		sessions, err = ingest.NewFileSessions(cfg.SessionFile)
		if err != nil {
			return fmt.Errorf("init session store: %w", err)
		}
	} else {
		sessions = ingest.NewMemorySessions()
	}

	var eventBus *bus.Bus
	if cfg.NATSURL != "" {
		eventBus, err = bus.Connect(cfg.NATSURL)
		if err != nil {
			return fmt.Errorf("connect event bus: %w", err)
		}
		defer eventBus.Close()
	}

	api, err := ingest.New(store, gate, ingest.NewUploads(sessions), ingest.Options{
		Bus:    eventBus,
		Logger: logger,
	})
	if err != nil {
		return fmt.Errorf("init api: %w", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", healthHandler)
	mux.HandleFunc("/readyz", readyHandler)
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/api/v1/", api.Routes())

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: middleware(mux),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fmt.Fprintf(os.Stderr, "%s: server shutdown error: %v\n", serviceName, err)
		}
	}()

	logger.Printf("listening on %s (data dir %s)", cfg.ListenAddr, cfg.DataDir)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	// Let in-flight background processing settle before exiting.
	api.Wait()
	return nil
}

func healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func readyHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}
