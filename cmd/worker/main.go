package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"lead-validator/internal/archive"
	"lead-validator/internal/config"
	"lead-validator/internal/notify"
	"lead-validator/internal/ratelimit"
	"lead-validator/internal/registry"
	"lead-validator/internal/store"
	"lead-validator/internal/telemetry"
	"lead-validator/internal/worker"
)

func main() {
	cfg := config.Load()
	logger := newLogger(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.WithError(err).Fatal("connect postgres")
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		logger.WithError(err).Fatal("migrations")
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	limiter := ratelimit.NewTokenBucket(redisClient, cfg.LookupRateCap, cfg.LookupRateRefill, time.Hour)

	lookup := registry.NewChain(
		registry.NewHTTPStrategy(cfg.RegistrySearchURL, cfg.ValidationTTL),
	)

	notifier := notify.New(cfg.NotifyBaseURL, cfg.NotifyAPIKey, notify.Flows{
		UnderReview: cfg.FlowUnderReview,
		Approved:    cfg.FlowApproved,
		Rejected:    cfg.FlowRejected,
	}, 0)

	var archiver archive.Archiver
	if cfg.TrailS3Bucket != "" {
		s3arch, err := archive.NewS3Archiver(ctx, archive.S3Options{
			Bucket:    cfg.TrailS3Bucket,
			Region:    cfg.TrailS3Region,
			Endpoint:  cfg.TrailS3Endpoint,
			PathStyle: cfg.TrailS3PathStyle,
		})
		if err != nil {
			logger.WithError(err).Fatal("init trail archiver")
		}
		archiver = s3arch
	}

	workerID := os.Getenv("WORKER_ID")
	if workerID == "" {
		hostname, _ := os.Hostname()
		if hostname != "" {
			workerID = hostname
		} else {
			workerID = fmt.Sprintf("worker-%d", os.Getpid())
		}
	}

	runner := worker.New(cfg, worker.Deps{
		Store:    st,
		Lookup:   lookup,
		Notifier: notifier,
		Limiter:  limiter,
		Archiver: archiver,
		Log:      logger,
	}, workerID)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			logger.WithError(err).Warn("metrics server stopped")
		}
	}()

	logger.WithFields(logrus.Fields{
		"worker_id":      workerID,
		"poll_interval":  cfg.PollInterval.String(),
		"validation_ttl": cfg.ValidationTTL.String(),
		"max_attempts":   cfg.MaxAttempts,
	}).Info("worker started")
	if err := runner.Run(ctx); err != nil && ctx.Err() == nil {
		logger.WithError(err).Error("worker stopped")
	}
}

func newLogger(cfg config.Config) *logrus.Logger {
	logger := logrus.New()
	if cfg.Env == "dev" {
		logger.SetLevel(logrus.DebugLevel)
	} else {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	return logger
}
