package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/keyward/server/internal/app"
	"github.com/keyward/server/internal/config"
	"github.com/keyward/server/internal/db"
	"github.com/keyward/server/internal/obs"
	"github.com/redis/go-redis/v9"
)

func main() {
	config.LoadDotEnv()

	cfg, err := config.Load()
	if err != nil {
		obs.NewLogger("info", nil).WithError(err).Fatal("failed to load configuration")
	}
	logger := obs.NewLogger(cfg.LogLevel, nil)

	ctx := context.Background()

	database, err := db.Open(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		logger.WithError(err).Fatal("failed to open database")
	}
	defer database.Close()

	if err := db.Migrate(ctx, database); err != nil {
		logger.WithError(err).Fatal("failed to run migrations")
	}

	var rdb *redis.Client
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			logger.WithError(err).Fatal("invalid REDIS_URL")
		}
		rdb = redis.NewClient(opts)
		defer rdb.Close()

		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			logger.WithError(err).Warn("redis not reachable; otp validation will fail until it is")
		}
		cancel()
	} else {
		logger.Warn("REDIS_URL not set; otp attempt limiting disabled")
	}

	opts := app.Options{}
	if rdb != nil {
		opts.Redis = rdb
	}
	application := app.New(cfg, database, logger, opts)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           application.Router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		logger.WithField("port", cfg.Port).Info("server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("server failed to start")
		}
	}()

	reload := make(chan os.Signal, 1)
	signal.Notify(reload, syscall.SIGHUP)
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	for running := true; running; {
		select {
		case <-reload:
			application.ReloadPermissions()
		case <-quit:
			running = false
		}
	}

	logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("server forced to shutdown")
		return
	}

	logger.Info("server exited")
}
