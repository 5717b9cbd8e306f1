package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/alius76/GmrStockPlus-sub000/internal/allocation"
	"github.com/alius76/GmrStockPlus-sub000/internal/cache"
	"github.com/alius76/GmrStockPlus-sub000/internal/config"
	"github.com/alius76/GmrStockPlus-sub000/internal/httpapi"
	"github.com/alius76/GmrStockPlus-sub000/internal/lock"
	"github.com/alius76/GmrStockPlus-sub000/internal/logging"
	"github.com/alius76/GmrStockPlus-sub000/internal/lottrace"
	"github.com/alius76/GmrStockPlus-sub000/internal/store"
	"github.com/alius76/GmrStockPlus-sub000/internal/store/memory"
	pgstore "github.com/alius76/GmrStockPlus-sub000/internal/store/postgres"
)

// app is the wired process: the HTTP handler plus everything to close on
// shutdown.
type app struct {
	handler http.Handler
	closers []func() error
}

func main() {
	cfg := config.Load()
	logger := logging.New(cfg.LogLevel, cfg.LogFormat)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	a, err := newApp(ctx, cfg, logger)
	cancel()
	if err != nil {
		logger.WithError(err).Fatal("startup failed")
	}

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           a.handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.WithField("addr", cfg.Address()).Info("lot service listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("server error")
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("shutdown error")
	}
	a.close(logger)
	logger.Info("server stopped")
}

func newApp(ctx context.Context, cfg config.Config, logger logrus.FieldLogger) (*app, error) {
	a := &app{}

	repo, err := buildRepository(ctx, cfg, logger, a)
	if err != nil {
		return nil, err
	}

	traceCache := cache.TraceCache(cache.NoopTraceCache{})
	locker := lock.Locker(lock.NewLocalLocker())
	if cfg.RedisAddr != "" {
		client := cache.NewRedisClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		redisCache := cache.NewRedisTraceCache(client)
		if err := redisCache.Ping(ctx); err != nil {
			// Without redis the lot lock is only process wide.
			logger.WithError(err).Warn("redis unavailable, using noop cache and local lot locks")
			_ = redisCache.Close()
		} else {
			traceCache = redisCache
			locker = lock.NewRedisLocker(client, cfg.LotLockTTL())
			a.closers = append(a.closers, redisCache.Close)
			logger.Info("cache: redis, lot locks: redis")
		}
	} else {
		logger.Info("cache: noop, lot locks: local")
	}

	engine := allocation.New(repo, locker, logger)
	tracer := lottrace.New(lottrace.SourcesFrom(repo), traceCache, cfg.TraceCacheTTL(), logger)
	a.handler = httpapi.New(engine, tracer, cfg.AllowedOrigin, logger).Handler()
	return a, nil
}

// buildRepository picks postgres when DATABASE_URL is set and refuses to fall
// back to memory if it cannot connect.
func buildRepository(ctx context.Context, cfg config.Config, logger logrus.FieldLogger, a *app) (store.Repository, error) {
	if cfg.DatabaseURL == "" {
		logger.WithField("seeded", cfg.SeedDemoData).Info("repository: in-memory")
		if cfg.SeedDemoData {
			return memory.NewSeeded(), nil
		}
		return memory.New(), nil
	}

	pg, err := pgstore.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("postgres unavailable and DATABASE_URL is set: %w", err)
	}
	if err := pg.EnsureSchema(ctx); err != nil {
		_ = pg.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	a.closers = append(a.closers, pg.Close)
	logger.Info("repository: postgres")
	return pg, nil
}

func (a *app) close(logger logrus.FieldLogger) {
	for _, closeFn := range a.closers {
		if err := closeFn(); err != nil {
			logger.WithError(err).Error("close error")
		}
	}
}
