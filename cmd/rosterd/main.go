// Command rosterd serves the roster users API and runs the inactivity sweeper.
//
// Configuration comes from ROSTER_* environment variables; see package config.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"github.com/nhalm/roster"
	"github.com/nhalm/roster/api"
	"github.com/nhalm/roster/config"
	"github.com/nhalm/roster/idempotency"
	"github.com/nhalm/roster/ratelimit"
	"github.com/nhalm/roster/registry"
	"github.com/nhalm/roster/store"
	"github.com/nhalm/roster/sweeper"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	if err := run(); err != nil {
		slog.Error("rosterd exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(os.Environ())
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	users := registry.New(st, registry.WithScanBatch(cfg.ScanBatch))

	keys := roster.StaticKeys(cfg.APIKeys)
	rlOpts := []roster.RateLimitOption{roster.RateLimitWithKeyResolver(keys)}
	if cfg.RateTrustProxy {
		rlOpts = append(rlOpts, roster.RateLimitWithTrustedProxy())
	}

	router := api.NewRouter(api.Config{
		Users:               users,
		Health:              st,
		RateLimiter:         roster.NewRateLimiter(ratelimit.New(st, cfg.RateLimit, cfg.RateWindow), rlOpts...),
		Idempotency:         idempotency.New(st, idempotency.WithTTL(cfg.IdempotencyTTL), idempotency.WithLockTTL(cfg.IdempotencyLockTTL)),
		Keys:                keys,
		IdempotencyRequired: cfg.IdempotencyRequired,
		MaxBodyBytes:        cfg.MaxBodyBytes,
	})

	// Sweeps scan at most cfg.ScanRate batches per second.
	sweepUsers := users
	if cfg.ScanRate > 0 {
		sweepUsers = users.With(registry.WithScanLimiter(rate.NewLimiter(rate.Limit(cfg.ScanRate), 1)))
	}
	sweepOpts := []sweeper.Option{
		sweeper.WithInterval(cfg.SweepInterval),
		sweeper.WithRetention(cfg.SweepRetention),
	}
	if cfg.SweepLease {
		sweepOpts = append(sweepOpts, sweeper.WithLease(st, 0))
	}
	sw := sweeper.New(sweepUsers, sweepOpts...)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	sweepDone := make(chan struct{})
	go func() {
		defer close(sweepDone)
		sw.Run(ctx)
	}()

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("rosterd listening", "addr", cfg.HTTPAddr, "store", cfg.Store)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		stop()
		<-sweepDone
		return err
	case <-ctx.Done():
	}

	slog.Info("rosterd shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	err = srv.Shutdown(shutdownCtx)
	<-sweepDone
	return err
}

func openStore(cfg config.Config) (store.Store, error) {
	if cfg.Store == config.StoreMemory {
		slog.Warn("using in-process memory store; state is not shared between replicas")
		return store.NewMemory(), nil
	}
	st, err := store.NewRedis(store.RedisConfig{
		URL:      cfg.RedisURL,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
		Prefix:   cfg.RedisPrefix,
	})
	if err != nil {
		return nil, err
	}
	return st, nil
}
