package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"

	"github.com/manpreetbhatti/codecollab/backend/internal/api"
	"github.com/manpreetbhatti/codecollab/backend/internal/config"
	"github.com/manpreetbhatti/codecollab/backend/internal/db"
	"github.com/manpreetbhatti/codecollab/backend/internal/janitor"
	"github.com/manpreetbhatti/codecollab/backend/internal/ratelimit"
	"github.com/manpreetbhatti/codecollab/backend/internal/service"
	"github.com/manpreetbhatti/codecollab/backend/internal/store"
	"github.com/manpreetbhatti/codecollab/backend/internal/ws"
)

const usage = `CodeCollab session server.

Usage:
    server [--config=<path>] [--addr=<addr>] [--backend=<backend>]
    server -h | --help
    server --version

Options:
    -h --help              Show this screen.
    --version              Show version.
    --config=<path>        JSON config file.
    --addr=<addr>          Listen address, overrides config and PORT.
    --backend=<backend>    memory, sqlite, mysql or redis.
`

const (
	requestsPerSecond = 50
	requestBurst      = 100
)

func main() {
	opts, err := docopt.ParseArgs(usage, os.Args[1:], api.ServiceVersion)
	if err != nil {
		log.Fatalf("Failed to parse arguments: %v", err)
	}

	configPath, _ := opts.String("--config")
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if addr, err := opts.String("--addr"); err == nil && addr != "" {
		cfg.Server.Address = addr
	}
	if backend, err := opts.String("--backend"); err == nil && backend != "" {
		cfg.Database.Backend = backend
		if err := cfg.Validate(); err != nil {
			log.Fatalf("Invalid config: %v", err)
		}
	}

	backend, err := db.Open(cfg.Database)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer backend.Close()

	st := store.New(backend)
	hub := ws.NewHub(st)
	sessions := service.NewSessionService(st, cfg.Session, hub)
	users := service.NewUserService(st, cfg.Session)

	sweeper := janitor.New(st, hub, janitor.Config{
		Interval:  cfg.Session.JanitorInterval.Duration,
		IdleAfter: cfg.Session.Timeout.Duration,
	})
	sweeper.Start()
	defer sweeper.Stop()

	limiter := ratelimit.NewClientLimiters(requestsPerSecond, requestBurst)
	defer limiter.Stop()

	apiHandler := api.New(sessions, users, hub, st)

	server := &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           apiHandler.Router(cfg.Server, limiter),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	prefix := cfg.Server.APIPrefix
	log.Printf("🚀 CodeCollab server starting on %s", cfg.Server.Address)
	log.Printf("📁 Backend: %s", cfg.Database.Backend)
	log.Println("Endpoints:")
	log.Printf("  - WebSocket: %s/ws/sessions/{id}", prefix)
	log.Println("  - Health:    GET /health")
	log.Println("  - Stats:     GET /api/stats")
	log.Printf("  - Sessions:  POST %s/sessions", prefix)
	log.Printf("  - Session:   GET/DELETE %s/sessions/{id}", prefix)
	log.Printf("  - Editing:   PUT %s/sessions/{id}/code|language|typing", prefix)
	log.Printf("  - Members:   POST %s/sessions/{id}/join|leave", prefix)
	log.Printf("  - Username:  GET %s/sessions/{id}/username/check?username=", prefix)

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigChan:
	case err := <-errCh:
		log.Printf("ListenAndServe: %v", err)
	}

	log.Println("Shutting down server...")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("Shutdown error: %v", err)
	}
}
