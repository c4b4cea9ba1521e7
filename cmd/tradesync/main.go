package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/quantpaper/tradesync/internal/api"
	"github.com/quantpaper/tradesync/internal/auth"
	"github.com/quantpaper/tradesync/internal/bus"
	"github.com/quantpaper/tradesync/internal/config"
	"github.com/quantpaper/tradesync/internal/connection"
	"github.com/quantpaper/tradesync/internal/poller"
	"github.com/quantpaper/tradesync/internal/state"
	"github.com/quantpaper/tradesync/internal/subs"
	"github.com/quantpaper/tradesync/internal/trading"
	"github.com/quantpaper/tradesync/internal/version"
)

func main() {
	configPath := flag.String("config", "", "path to config file (defaults apply when empty)")
	symbols := flag.String("symbols", "", "comma-separated symbols to subscribe at startup")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	logger.Info("starting tradesync",
		"version", version.Version,
		"commit", version.Commit,
		"config", *configPath,
	)

	var cfg *config.Config
	var err error
	if *configPath == "" {
		cfg = config.Default()
	} else {
		cfg, err = config.LoadAndValidate(*configPath)
		if err != nil {
			logger.Error("failed to load config", "error", err)
			os.Exit(1)
		}
	}

	logger.Info("configuration loaded",
		"rest_url", cfg.API.RestURL,
		"ws_url", cfg.Connection.WSURL,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Resolve credentials; empty means anonymous demo access.
	creds, err := auth.Resolve(cfg.API.Token, cfg.API.TokenFile, cfg.API.TokenEnv)
	if err != nil {
		logger.Error("failed to resolve credentials", "error", err)
		os.Exit(1)
	}
	token, authenticated := creds.Token()
	logger.Info("credentials resolved", "authenticated", authenticated)

	apiClient := api.NewClient(
		cfg.API.RestURL,
		token,
		api.WithLogger(logger),
		api.WithTimeout(cfg.API.Timeout),
		api.WithRetryProfile(cfg.API.Retry.Profile()),
	)

	reconciler := state.New(state.Config{
		PortfolioThreshold: cfg.Reconciler.PortfolioThreshold,
		TradeTapeSize:      cfg.Reconciler.TradeTapeSize,
	}, logger)

	msgBus := bus.New(logger)
	unbind := reconciler.Bind(msgBus)
	defer unbind()

	registry := subs.NewRegistry(logger)

	manager := connection.NewManager(connection.ManagerConfig{
		URL:          cfg.Connection.WSURL,
		Retry:        cfg.Connection.Retry.Profile(),
		PingInterval: cfg.Connection.PingInterval,
		PongTimeout:  cfg.Connection.PongTimeout,
		WriteTimeout: cfg.Connection.WriteTimeout,
		BufferSize:   cfg.Connection.BufferSize,
	}, creds, registry, msgBus, logger)

	svc := trading.NewService(apiClient, reconciler, logger)
	orderPoller := poller.New(poller.Config{
		Interval: cfg.Poller.Interval,
		Timeout:  cfg.Poller.Timeout,
	}, apiClient, reconciler, logger)

	// Health endpoint exposes component counters.
	healthServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Health.Port),
		Handler: healthHandler(cfg.Health.Path, manager, reconciler, orderPoller, msgBus),
	}
	go func() {
		logger.Info("starting health server", "port", cfg.Health.Port, "path", cfg.Health.Path)
		if err := healthServer.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("health server error", "error", err)
		}
	}()

	// Seed state from REST before the push channel opens so the first
	// render is authoritative rather than empty.
	loadCtx, loadCancel := context.WithTimeout(ctx, 30*time.Second)
	if err := svc.LoadSnapshots(loadCtx); err != nil {
		logger.Warn("initial snapshot load failed, continuing with push only", "error", err)
	}
	loadCancel()

	if err := manager.Start(ctx); err != nil {
		logger.Error("failed to start connection manager", "error", err)
		os.Exit(1)
	}
	if err := orderPoller.Start(ctx); err != nil {
		logger.Error("failed to start order poller", "error", err)
		os.Exit(1)
	}

	for _, sym := range strings.Split(*symbols, ",") {
		if sym = strings.TrimSpace(sym); sym != "" {
			registry.Subscribe(sym)
		}
	}

	logger.Info("tradesync running",
		"health_url", fmt.Sprintf("http://localhost:%d%s", cfg.Health.Port, cfg.Health.Path),
		"subscribed", registry.ActiveChannels(),
	)

	<-ctx.Done()

	logger.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := orderPoller.Stop(shutdownCtx); err != nil {
		logger.Warn("poller shutdown error", "error", err)
	}
	if err := manager.Stop(shutdownCtx); err != nil {
		logger.Warn("connection shutdown error", "error", err)
	}
	healthServer.Shutdown(shutdownCtx)

	logger.Info("tradesync stopped")
}

// healthHandler reports component health and counters.
func healthHandler(path string, manager *connection.Manager, rec *state.Reconciler, p *poller.Poller, b *bus.Bus) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		connStats := manager.Stats()

		status := "healthy"
		switch {
		case connStats.Unavailable:
			status = "unhealthy"
		case connStats.State != connection.StateConnected:
			status = "degraded"
		}

		health := struct {
			Status     string         `json:"status"`
			Components map[string]any `json:"components"`
		}{
			Status: status,
			Components: map[string]any{
				"connection": connStats,
				"state":      rec.Stats(),
				"poller":     p.Stats(),
				"bus":        b.Stats(),
			},
		}

		w.Header().Set("Content-Type", "application/json")
		if status == "unhealthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(health)
	})

	mux.HandleFunc("/debug/orders", func(w http.ResponseWriter, r *http.Request) {
		orders := rec.Orders()
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"count":  len(orders),
			"active": len(rec.ActiveOrders()),
			"orders": orders,
		})
	})

	return mux
}
