package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/sirupsen/logrus"

	"lead-validator/internal/api"
	"lead-validator/internal/config"
	"lead-validator/internal/notify"
	"lead-validator/internal/store"
)

func main() {
	cfg := config.Load()
	logger := newLogger(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt)
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

	notifier := notify.New(cfg.NotifyBaseURL, cfg.NotifyAPIKey, notify.Flows{
		UnderReview: cfg.FlowUnderReview,
		Approved:    cfg.FlowApproved,
		Rejected:    cfg.FlowRejected,
	}, 0)

	server := api.New(cfg, st, notifier, logger)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	logger.WithField("port", cfg.HTTPPort).Info("api listening")
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("listen")
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
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
