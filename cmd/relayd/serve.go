package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/relaykit/relay/internal/config"
	"github.com/relaykit/relay/pkg/i18n"
	"github.com/relaykit/relay/pkg/server"
	"github.com/relaykit/relay/pkg/store"
)

func serveCmd() *cobra.Command {
	var (
		configPath string
		addr       string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the relay server",
		Long: `Start the relay server. Reads relay.json from the working directory
unless --config points elsewhere; a missing file starts with defaults.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Addr = addr
			}
			return runServe(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to relay.json (default ./relay.json)")
	cmd.Flags().StringVarP(&addr, "addr", "a", "", "Listen address (overrides config)")

	return cmd
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	wd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("resolve working directory: %w", err)
	}
	return config.Load(wd)
}

func runServe(ctx context.Context, cfg *config.Config) error {
	logger := newLogger(cfg.LogLevel)

	sessions, closeStore, err := newSessionStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	relay, err := server.New(server.Options{
		Config:    serverConfig(cfg),
		Store:     sessions,
		Shapes:    server.StructShapes{},
		Reporter:  server.LogReporter{Logger: logger},
		Localizer: i18n.NewDefaultCatalog(),
		Logger:    logger,
		Metrics:   prometheus.DefaultRegisterer,
	})
	if err != nil {
		return err
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Handle("/realtime", relay)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.Get("/stats", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(relay.Stats())
	})

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.Addr, "store", cfg.Store.Backend)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	// Stop accepting upgrades first, then drain live connections.
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	if err := relay.Shutdown(shutdownCtx); err != nil {
		logger.Warn("relay shutdown", "error", err)
	}
	return nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func newSessionStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (server.SessionStore, func(), error) {
	switch cfg.Store.Backend {
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Store.RedisAddr,
			Password: cfg.Store.RedisPassword,
			DB:       cfg.Store.RedisDB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("redis ping %s: %w", cfg.Store.RedisAddr, err)
		}
		return store.NewRedis(client), func() {
			if err := client.Close(); err != nil {
				logger.Warn("redis close", "error", err)
			}
		}, nil
	default:
		mem := store.NewMemory(cfg.Store.CleanupInterval.Std())
		return mem, mem.Close, nil
	}
}

func serverConfig(cfg *config.Config) *server.Config {
	sc := server.DefaultConfig()
	switch cfg.Identity.Source {
	case "cookie":
		sc.IdentitySource = server.IdentityCookie
	case "credential":
		sc.IdentitySource = server.IdentityCredential
	default:
		sc.IdentitySource = server.IdentityNone
	}
	sc.CookieName = cfg.Identity.CookieName
	sc.CredentialParam = cfg.Identity.CredentialParam
	sc.SessionTTL = cfg.Session.TTL.Std()
	sc.RateLimitEnabled = cfg.RateLimit.Enabled
	sc.DefaultRateLimit = server.RateLimit{
		Limit:  cfg.RateLimit.Limit,
		Window: cfg.RateLimit.Window.Std(),
	}
	sc.GraceIntentional = cfg.Grace.Intentional.Std()
	sc.GraceTransient = cfg.Grace.Transient.Std()
	sc.GraceDefault = cfg.Grace.Default.Std()
	sc.DefaultLocale = cfg.Locale
	return sc
}
