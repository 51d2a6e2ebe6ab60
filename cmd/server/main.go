package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/DoyleJ11/arena-backend/internal/config"
	"github.com/DoyleJ11/arena-backend/internal/httpapi"
	"github.com/DoyleJ11/arena-backend/internal/matchmaker"
	"github.com/DoyleJ11/arena-backend/internal/observability"
	"github.com/DoyleJ11/arena-backend/internal/registry"
	"github.com/DoyleJ11/arena-backend/internal/relay"
	"github.com/DoyleJ11/arena-backend/internal/store"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger, err := observability.NewLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	s, err := newStore(cfg)
	if err != nil {
		return err
	}

	reg := registry.New()
	if err := reg.Rebuild(ctx, s); err != nil {
		return fmt.Errorf("rebuilding session registry: %w", err)
	}

	mm := matchmaker.New(ctx, s, matchmaker.Options{
		Capacity: cfg.RequiredPlayers,
		BotFill:  cfg.BotFill,
	}, logger)

	r := relay.New(ctx, s, reg, mm, relay.Options{
		GraceDelay:   cfg.GraceDelay,
		StaleAfter:   cfg.StaleAfter,
		ReapInterval: cfg.ReapInterval,
	}, logger)

	srv := &http.Server{
		Addr: cfg.ListenAddr,
		Handler: httpapi.SetupRoutes(r, s, logger, httpapi.Options{
			RateLimitRequests: cfg.RateLimitRequests,
			RateLimitWindow:   cfg.RateLimitWindow,
		}),
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("listening",
			zap.String("addr", cfg.ListenAddr),
			zap.String("store", cfg.StoreBackend),
			zap.Int("required_players", cfg.RequiredPlayers))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return r.Run(ctx)
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")
		mm.Shutdown()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func newStore(cfg config.Config) (store.Store, error) {
	switch cfg.StoreBackend {
	case "postgres":
		return store.NewPostgres(cfg.PostgresDSN)
	default:
		return store.NewMemory(), nil
	}
}
