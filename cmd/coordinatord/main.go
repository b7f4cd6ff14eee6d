// Command coordinatord is the task coordinator daemon. It loads its
// configuration from a YAML file, opens the coordinator facade, and serves
// the HTTP API until interrupted.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/taskcoord/coordinator/api"
	"github.com/taskcoord/coordinator/config"
	"github.com/taskcoord/coordinator/coordinator"
	"github.com/taskcoord/coordinator/internal/version"
)

var configPath = flag.String("config", "coordinator.yaml", "path to coordinator config file")

func main() {
	flag.Parse()

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("warning: failed to load .env: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	logger.Info("starting coordinatord",
		"version", version.Version,
		"commit", version.Commit,
	)

	cfg, err := config.Load(*configPath)
	if err != nil {
		if os.IsNotExist(err) {
			logger.Warn("no config file found, using defaults", "path", *configPath)
			cfg = config.DefaultConfig()
		} else {
			log.Fatalf("failed to load config %s: %v", *configPath, err)
		}
	}

	if addr := os.Getenv("COORDINATOR_ADDR"); addr != "" {
		cfg.Server.Addr = addr
	}
	if path := os.Getenv("COORDINATOR_STORE_PATH"); path != "" {
		cfg.Store.Path = path
	}

	lvl := slog.LevelInfo
	if err := lvl.UnmarshalText([]byte(cfg.LogLevel)); err == nil {
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	}

	coord, err := coordinator.Open(cfg, logger)
	if err != nil {
		log.Fatalf("failed to open coordinator: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go coord.Run(ctx)

	hub := api.NewHub(logger)
	handlers := &api.Handlers{Coordinator: coord, Events: hub, Logger: logger}
	mux := http.NewServeMux()
	handlers.RegisterRoutes(mux)

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      withCORS(cfg.CORSOrigins, mux),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // SSE subscribers hold the connection open
	}

	go func() {
		logger.Info("coordinator API listening", "addr", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
		}
	}()

	fmt.Printf("coordinator running on %s\n", cfg.Server.Addr)
	fmt.Printf("version %s (%s)\n", version.Version, version.Commit)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	fmt.Println("shutting down...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}
	if err := coord.Close(); err != nil {
		logger.Error("coordinator close error", "error", err)
	}
	fmt.Println("shutdown complete")
}

func withCORS(origins string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", origins)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
