// main is the entry point of the student registry web application.
//
// STARTUP SEQUENCE:
//  1. Load configuration (.env, then YAML, then environment overrides)
//  2. Initialise the logger
//  3. Open the configured backend and its matching auth provider
//  4. Open the session store (Redis when configured, memory otherwise)
//  5. Build the router and start the HTTP server in a goroutine
//  6. Block until an OS signal (Ctrl+C / kill) arrives
//  7. Gracefully shut down: finish in-flight requests, then release resources
//
// RUNNING THE SERVER:
//
//	go run ./cmd/students-web --config=config/local.yaml
//
// or (with the environment variable):
//
//	CONFIG_PATH=config/local.yaml go run ./cmd/students-web
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/aanand-mishra/student-registry/internal/auth"
	"github.com/aanand-mishra/student-registry/internal/auth/gotrue"
	"github.com/aanand-mishra/student-registry/internal/auth/local"
	"github.com/aanand-mishra/student-registry/internal/config"
	httpserver "github.com/aanand-mishra/student-registry/internal/http"
	"github.com/aanand-mishra/student-registry/internal/metrics"
	"github.com/aanand-mishra/student-registry/internal/session"
	"github.com/aanand-mishra/student-registry/internal/storage"
	"github.com/aanand-mishra/student-registry/internal/storage/postgres"
	"github.com/aanand-mishra/student-registry/internal/storage/remote"
	"github.com/aanand-mishra/student-registry/internal/storage/sqlite"
)

const (
	accessTokenTTL  = time.Hour
	refreshTokenTTL = 30 * 24 * time.Hour
)

func main() {
	// ── 1. Load Config ────────────────────────────────────────────────────
	cfg := config.MustLoad()

	// ── 2. Initialise Logger ──────────────────────────────────────────────
	log := setupLogger(cfg.Env)
	slog.SetDefault(log)

	log.Info("starting student-registry",
		slog.String("env", cfg.Env),
		slog.String("backend", cfg.Backend.Kind),
	)

	// ── 3. Initialise Backend ─────────────────────────────────────────────
	store, provider, closeBackend, err := openBackend(cfg)
	if err != nil {
		log.Error("failed to initialise backend", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer closeBackend()

	log.Info("backend initialised", slog.String("kind", cfg.Backend.Kind))

	// ── 4. Initialise Session Store ───────────────────────────────────────
	sessionStore, closeSessions, err := openSessionStore(cfg)
	if err != nil {
		log.Error("failed to initialise session store", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer closeSessions()

	sessions := session.NewManager(sessionStore, provider, session.Options{
		CookieName:   cfg.Session.CookieName,
		CookieSecure: cfg.Session.CookieSecure,
		TTL:          cfg.Session.TTL,
		JWTSecret:    cfg.Backend.JWTSecret,
	}, log)

	// ── 5. Build Router and Server ────────────────────────────────────────
	srv, err := httpserver.NewServer(store, sessions, metrics.New(), log, cfg.Backend.Kind)
	if err != nil {
		log.Error("failed to build server", slog.String("error", err.Error()))
		os.Exit(1)
	}
	srv.Timeout = cfg.RequestTimeout

	server := &http.Server{
		Addr:         cfg.HTTPServer.Addr,
		Handler:      srv.Router(),
		ReadTimeout:  cfg.HTTPServer.ReadTimeout,
		WriteTimeout: cfg.HTTPServer.WriteTimeout,
		IdleTimeout:  cfg.HTTPServer.IdleTimeout,
	}

	go func() {
		log.Info("server started", slog.String("address", cfg.HTTPServer.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server encountered an error", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}()

	// ── 6. Wait for Shutdown Signal ───────────────────────────────────────
	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)
	<-done

	log.Info("shutdown signal received, stopping server...")

	// ── 7. Graceful Shutdown ──────────────────────────────────────────────
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Error("failed to shutdown server gracefully", slog.String("error", err.Error()))
		return
	}

	log.Info("server stopped gracefully")
}

// openBackend returns the data store and the auth provider for the
// configured backend kind, plus a function releasing their resources.
//
//	sqlite   → local file, local accounts (bcrypt + signed tokens)
//	remote   → hosted data API, hosted auth API
//	postgres → direct database connection, hosted auth API
func openBackend(cfg *config.Config) (storage.Storage, auth.Provider, func(), error) {
	switch cfg.Backend.Kind {
	case config.BackendSQLite:
		if dir := filepath.Dir(cfg.StoragePath); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, nil, nil, fmt.Errorf("create storage dir: %w", err)
			}
		}
		db, err := sqlite.New(cfg.StoragePath)
		if err != nil {
			return nil, nil, nil, err
		}
		provider, err := local.New(db.Db, cfg.Backend.JWTSecret, accessTokenTTL, refreshTokenTTL)
		if err != nil {
			_ = db.Close()
			return nil, nil, nil, err
		}
		return db, provider, func() { _ = db.Close() }, nil

	case config.BackendRemote:
		store := remote.New(cfg.Backend.URL, cfg.Backend.AnonKey, cfg.RequestTimeout, nil)
		provider := gotrue.New(cfg.Backend.URL, cfg.Backend.AnonKey, cfg.RequestTimeout, nil)
		return store, provider, func() {}, nil

	case config.BackendPostgres:
		ctx, cancel := context.WithTimeout(context.Background(), cfg.RequestTimeout)
		defer cancel()
		pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("connect postgres: %w", err)
		}
		provider := gotrue.New(cfg.Backend.URL, cfg.Backend.AnonKey, cfg.RequestTimeout, nil)
		return postgres.NewStore(pool), provider, pool.Close, nil
	}
	return nil, nil, nil, fmt.Errorf("unknown backend kind %q", cfg.Backend.Kind)
}

// openSessionStore connects to Redis when an address is configured and
// pings it so a bad address fails at boot rather than on the first request.
func openSessionStore(cfg *config.Config) (session.Store, func(), error) {
	if cfg.Session.RedisAddr == "" {
		return session.NewMemoryStore(), func() {}, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Session.RedisAddr,
		Password: cfg.Session.RedisPassword,
	})
	ctx, cancel := context.WithTimeout(context.Background(), cfg.RequestTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("ping redis: %w", err)
	}
	return session.NewRedisStore(client, "registry:session:"), func() { _ = client.Close() }, nil
}

// setupLogger returns a *slog.Logger configured for the given environment.
//
// Development (dev): human-readable text output at DEBUG level.
// Production (prod): machine-readable JSON output at INFO level.
func setupLogger(env string) *slog.Logger {
	switch env {
	case "prod":
		return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	case "staging":
		return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	default:
		return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}
}
