package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"

	"github.com/punchamoorthee/commitfund/internal/api"
	"github.com/punchamoorthee/commitfund/internal/auth"
	"github.com/punchamoorthee/commitfund/internal/config"
	"github.com/punchamoorthee/commitfund/internal/events"
	"github.com/punchamoorthee/commitfund/internal/registry"
	"github.com/punchamoorthee/commitfund/internal/store"
	"github.com/punchamoorthee/commitfund/internal/telemetry"
)

const serviceName = "commitfund-api"

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}
	logger := telemetry.NewLogger(os.Stdout, cfg.Env, cfg.LogLevel)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.SetupTracing(ctx, serviceName, cfg.Env, cfg.OTELEndpoint)
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn("flush traces", "error", err)
		}
	}()

	backend, closeStore, err := store.Open(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	reg := registry.New(backend, auth.ContextIdentity{}, registry.WithLogger(logger))

	mode, err := auth.ParseMode(cfg.AuthMode)
	if err != nil {
		return err
	}
	var verifier *auth.Verifier
	if mode == auth.ModeJWT {
		verifier, err = auth.NewVerifier(cfg.JWTSecret, cfg.JWTIssuer, cfg.JWTAudience, time.Now)
		if err != nil {
			return err
		}
	}

	if cfg.RedisAddr != "" {
		client := events.NewRedisClient(cfg.RedisAddr, cfg.RedisPassword, 0)
		defer client.Close()
		relay := events.NewRelay(reg,
			events.NewRedisPublisher(client, cfg.RedisStream, 100_000),
			events.NewRedisCursor(client, cfg.RedisStream),
			events.WithInterval(cfg.RelayInterval),
			events.WithLogger(logger),
		)
		go func() {
			if err := relay.Run(ctx); err != nil {
				logger.Error("event relay stopped", "error", err)
			}
		}()
		logger.Info("event relay started", "redis", cfg.RedisAddr, "stream", cfg.RedisStream)
	}

	handler := api.NewRouter(api.NewHandler(reg, logger), logger,
		mux.MiddlewareFunc(auth.Middleware(mode, verifier, logger)))

	logger.Info("server starting",
		"port", cfg.Port,
		"store", cfg.StoreDriver,
		"auth", string(mode),
		"environment", cfg.Env,
	)
	return api.Run(ctx, logger, ":"+cfg.Port, cfg.ShutdownTimeout, handler)
}
