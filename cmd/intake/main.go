package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nsqio/go-nsq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/scribeworks/minuterelay/internal/auth"
	"github.com/scribeworks/minuterelay/internal/config"
	"github.com/scribeworks/minuterelay/internal/db"
	"github.com/scribeworks/minuterelay/internal/health"
	"github.com/scribeworks/minuterelay/internal/intake"
	"github.com/scribeworks/minuterelay/internal/logging"
	"github.com/scribeworks/minuterelay/internal/metrics"
	"github.com/scribeworks/minuterelay/internal/store"
	"github.com/scribeworks/minuterelay/internal/tracing"
)

func main() {
	cfg := config.FromEnv()
	ctx := context.Background()

	logger := logging.New("minuterelay-intake")

	shutdownTracing, err := tracing.InitTracing(ctx, "minuterelay-intake")
	if err != nil {
		logger.Plain().WithError(err).Fatal("failed to initialize tracing")
	}
	defer shutdownTracing()

	pool, err := db.Connect(ctx, cfg.DSN())
	if err != nil {
		logger.Plain().WithError(err).Fatal("db connect failed")
	}
	defer pool.Close()
	st := store.New(pool)

	producer, err := nsq.NewProducer(cfg.NSQ.NsqdTCPAddr, nsq.NewConfig())
	if err != nil {
		logger.Plain().WithError(err).Fatal("nsq producer creation failed")
	}
	defer producer.Stop()

	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", health.HTTPHandler(pool))
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	intake.NewService(st, producer, cfg.NSQ.MinutesTopic, logger).Routes(mux)

	handler := withAuth(mux, logger)

	httpSrv := &http.Server{
		Addr:         cfg.Intake.HTTPPort,
		Handler:      handler,
		ReadTimeout:  cfg.Intake.ReadTimeout,
		WriteTimeout: cfg.Intake.WriteTimeout,
		IdleTimeout:  cfg.Intake.IdleTimeout,
	}
	go func() {
		logger.Plain().WithField("addr", httpSrv.Addr).Info("intake HTTP server starting")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Plain().WithError(err).Fatal("intake HTTP server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
	<-stop

	logger.Plain().Info("shutting down intake service")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	logger.Plain().Info("intake service stopped")
}

// withAuth wraps the mux with JWT validation when a public key is
// configured. Without one, submissions are accepted unauthenticated,
// which is only sensible behind a trusted gateway.
func withAuth(mux http.Handler, logger *logging.Logger) http.Handler {
	keyFile := os.Getenv("AUTH_JWT_PUBLIC_KEY_FILE")
	if keyFile == "" {
		logger.Plain().Warn("AUTH_JWT_PUBLIC_KEY_FILE not set, intake auth disabled")
		return mux
	}
	pemBytes, err := os.ReadFile(keyFile)
	if err != nil {
		logger.Plain().WithError(err).Fatal("read JWT public key failed")
	}
	validator, err := auth.NewJWTValidator(
		string(pemBytes),
		os.Getenv("AUTH_JWT_ISSUER"),
		os.Getenv("AUTH_JWT_AUDIENCE"),
	)
	if err != nil {
		logger.Plain().WithError(err).Fatal("JWT validator init failed")
	}
	return validator.HTTPMiddleware(mux)
}
