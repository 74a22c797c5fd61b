package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"regexp"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	cbhttp "github.com/cellbridge/cellbridge/internal/adapter/http"
	cbnats "github.com/cellbridge/cellbridge/internal/adapter/nats"
	"github.com/cellbridge/cellbridge/internal/adapter/otel"
	"github.com/cellbridge/cellbridge/internal/adapter/ristretto"
	"github.com/cellbridge/cellbridge/internal/adapter/ws"
	"github.com/cellbridge/cellbridge/internal/config"
	"github.com/cellbridge/cellbridge/internal/domain/lsp"
	"github.com/cellbridge/cellbridge/internal/domain/virtual"
	"github.com/cellbridge/cellbridge/internal/logger"
	"github.com/cellbridge/cellbridge/internal/port/eventbus"
	"github.com/cellbridge/cellbridge/internal/registry"
	"github.com/cellbridge/cellbridge/internal/service"
)

func main() {
	if err := run(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	log := logger.New(cfg.Logging)
	slog.SetDefault(log)

	slog.Info("config loaded",
		"port", cfg.Server.Port,
		"log_level", cfg.Logging.Level,
		"base_dir", cfg.Documents.BaseDir,
	)

	ctx := context.Background()

	// --- Infrastructure ---

	metrics, err := otel.NewMetrics()
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}

	extractionCache, err := ristretto.New(cfg.Cache.MaxSizeMB << 20)
	if err != nil {
		return fmt.Errorf("cache: %w", err)
	}
	defer extractionCache.Close()

	// NATS is optional; without it events stay on the WebSocket hub only.
	var bus eventbus.Bus
	if cfg.NATS.URL != "" {
		b, err := cbnats.Connect(ctx, cfg.NATS.URL)
		if err != nil {
			return fmt.Errorf("nats: %w", err)
		}
		defer func() {
			_ = b.Drain()
			_ = b.Close()
		}()
		bus = b
	}

	// --- Services ---

	hub := ws.NewHub()
	detector := service.NewMemoDetector(virtual.NewRegistry(), extractionCache, cfg.Cache.TTL, log)
	docs := service.NewDocumentStore(cfg.Documents.BaseDir, detector)

	routerCfg, err := routerConfig(cfg.Diagnostics)
	if err != nil {
		return fmt.Errorf("diagnostics config: %w", err)
	}
	diag := service.NewDiagnosticsRouter(routerCfg, docs, hub, bus, metrics, log)

	reg := registry.New(cfg.LanguageServers)
	mux := service.NewMultiplexer(cfg.LSP, reg, hub, bus, metrics, diag, log)
	bridge := ws.NewBridge(mux, log)

	// --- HTTP ---

	handlers := &cbhttp.Handlers{
		Docs: docs,
		Diag: diag,
		Mux:  mux,
	}

	r := chi.NewRouter()

	r.Use(cbhttp.CORS(cfg.Server.CORSOrigin))
	r.Use(cbhttp.Logger)
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Get("/health", healthHandler(bus))

	// LSP traffic and event stream. No request timeout: these are
	// long-lived connections.
	r.Get("/ws", bridge.Handle)
	r.Get("/events", hub.HandleEvents)

	r.Group(func(r chi.Router) {
		r.Use(chimw.Timeout(30 * time.Second))
		cbhttp.MountRoutes(r, handlers)
	})

	addr := ":" + cfg.Server.Port

	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("starting server", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		done := make(chan os.Signal, 1)
		signal.Notify(done, os.Interrupt, syscall.SIGTERM)
		select {
		case sig := <-done:
			slog.Info("shutting down", "signal", sig.String())
		case <-gctx.Done():
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		mux.Shutdown(shutdownCtx)
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// routerConfig compiles the validated filter strings into the router's form.
func routerConfig(d config.Diagnostics) (service.RouterConfig, error) {
	cfg := service.RouterConfig{
		IgnoreCodes:      map[string]struct{}{},
		IgnoreSeverities: map[lsp.DiagnosticSeverity]struct{}{},
	}
	for _, code := range d.IgnoreCodes {
		cfg.IgnoreCodes[code] = struct{}{}
	}
	for _, name := range d.IgnoreSeverities {
		sev, err := lsp.ParseSeverity(name)
		if err != nil {
			return cfg, err
		}
		cfg.IgnoreSeverities[sev] = struct{}{}
	}
	for _, pat := range d.IgnoreMessagePatterns {
		re, err := regexp.Compile(pat)
		if err != nil {
			return cfg, err
		}
		cfg.IgnorePatterns = append(cfg.IgnorePatterns, re)
	}
	if d.DefaultSeverity != "" {
		sev, err := lsp.ParseSeverity(d.DefaultSeverity)
		if err != nil {
			return cfg, err
		}
		cfg.DefaultSeverity = sev
	}
	return cfg, nil
}

// healthHandler reports gateway liveness and dependency status.
func healthHandler(bus eventbus.Bus) http.HandlerFunc {
	type healthStatus struct {
		Status string `json:"status"`
		NATS   string `json:"nats"`
	}

	return func(w http.ResponseWriter, _ *http.Request) {
		status := healthStatus{Status: "ok", NATS: "disabled"}
		if bus != nil {
			if bus.IsConnected() {
				status.NATS = "connected"
			} else {
				status.NATS = "disconnected"
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(status)
	}
}
