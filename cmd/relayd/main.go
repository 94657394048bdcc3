package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/nsqio/go-nsq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/scribeworks/minuterelay/internal/breaker"
	"github.com/scribeworks/minuterelay/internal/channel"
	"github.com/scribeworks/minuterelay/internal/config"
	"github.com/scribeworks/minuterelay/internal/db"
	"github.com/scribeworks/minuterelay/internal/delivery"
	"github.com/scribeworks/minuterelay/internal/dispatch"
	"github.com/scribeworks/minuterelay/internal/drain"
	"github.com/scribeworks/minuterelay/internal/health"
	"github.com/scribeworks/minuterelay/internal/logging"
	"github.com/scribeworks/minuterelay/internal/metrics"
	"github.com/scribeworks/minuterelay/internal/retry"
	"github.com/scribeworks/minuterelay/internal/store"
	"github.com/scribeworks/minuterelay/internal/tracing"
)

func breakerFor(name string, t config.ChannelTuning, logger *logging.Logger) *breaker.Breaker {
	b := breaker.New(name, breaker.Config{
		ErrorThresholdRatio: t.ErrorThresholdRatio,
		MinimumRequests:     t.MinimumRequests,
		ResetTimeout:        t.ResetTimeout,
		CallTimeout:         t.CallTimeout,
		Window:              t.WindowSpan,
	})
	b.OnStateChange(func(name string, from, to breaker.State) {
		metrics.RecordBreakerTransition(name, to.String())
		logger.Plain().
			WithChannel(name).
			WithField("from", from.String()).
			WithField("to", to.String()).
			Warn("breaker state change")
	})
	return b
}

func policyFor(t config.ChannelTuning) retry.Policy {
	return retry.Policy{
		MaxAttempts:  t.MaxAttempts,
		InitialDelay: t.InitialDelay,
		Multiplier:   t.BackoffMultiplier,
		MaxDelay:     t.MaxDelay,
		JitterRatio:  t.JitterRatio,
	}
}

func main() {
	cfg := config.FromEnv()
	ctx := context.Background()

	logger := logging.New("minuterelay-relayd")
	if err := cfg.Validate(); err != nil {
		logger.Plain().WithError(err).Fatal("invalid configuration")
	}

	shutdownTracing, err := tracing.InitTracing(ctx, "minuterelay-relayd")
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

	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	coordinator := drain.NewCoordinator()

	// HTTP ops surface: probes and metrics
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", health.HTTPHandler(pool))
	mux.HandleFunc("/readyz", health.ReadyHandler(coordinator))
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	httpSrv := &http.Server{Addr: cfg.Relay.HTTPPort, Handler: mux}
	go func() {
		logger.Plain().WithField("addr", httpSrv.Addr).Info("relay HTTP server starting")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Plain().WithError(err).Fatal("relay HTTP server failed")
		}
	}()

	// Channel adapters
	emailAdapter, err := channel.NewEmail(channel.EmailConfig{
		Host:     cfg.Email.Host,
		Port:     cfg.Email.Port,
		Username: cfg.Email.Username,
		Password: cfg.Email.Password,
		From:     cfg.Email.From,
		Timeout:  cfg.Email.Timeout,
	})
	if err != nil {
		logger.Plain().WithError(err).Fatal("email adapter init failed")
	}
	chatAdapter := channel.NewWebhook(channel.WebhookConfig{
		URL:             cfg.Chat.WebhookURL,
		Secret:          cfg.Chat.Secret,
		SignatureHeader: cfg.Chat.SignatureHeader,
		TimestampHeader: cfg.Chat.TimestampHeader,
	}, nil)

	dispatcher := dispatch.New(cfg.Relay.RequestTimeout, logger)
	dispatcher.Register(dispatch.Route{
		Adapter: emailAdapter,
		Breaker: breakerFor("email", cfg.Relay.Email, logger),
		Policy:  policyFor(cfg.Relay.Email),
	})
	dispatcher.Register(dispatch.Route{
		Adapter: chatAdapter,
		Breaker: breakerFor("chat", cfg.Relay.Chat, logger),
		Policy:  policyFor(cfg.Relay.Chat),
	})

	conf := nsq.NewConfig()
	conf.MaxInFlight = cfg.Relay.Concurrency
	consumer, err := nsq.NewConsumer(cfg.NSQ.MinutesTopic, cfg.NSQ.RelayChannel, conf)
	if err != nil {
		logger.Plain().WithError(err).Fatal("nsq consumer creation failed")
	}

	consumer.AddConcurrentHandlers(nsq.HandlerFunc(func(m *nsq.Message) error {
		m.DisableAutoResponse() // we manually requeue or finish
		defer func() {
			if !m.HasResponded() {
				m.Finish()
			}
		}()

		var req delivery.Request
		if err := json.Unmarshal(m.Body, &req); err != nil {
			logger.Plain().WithError(err).Error("bad request payload")
			m.Finish() // terminal: don't retry bad payloads
			return nil
		}
		if err := req.Validate(); err != nil {
			logger.Plain().WithCorrelation(req.CorrelationID).WithError(err).Error("invalid request payload")
			m.Finish()
			return nil
		}

		done, err := coordinator.Begin()
		if errors.Is(err, drain.ErrDraining) {
			// Shutting down: hand the message back for another instance.
			logger.Plain().WithCorrelation(req.CorrelationID).Info("draining, requeueing request")
			m.Requeue(-1)
			return nil
		}
		defer done()

		hctx := tracing.ExtractTraceHeaders(context.Background(), req.TraceHeaders)
		result := dispatcher.Dispatch(hctx, &req)

		for _, o := range result.Outcomes {
			if err := st.RecordOutcome(hctx, result.CorrelationID, o); err != nil {
				logger.WithContext(hctx).WithCorrelation(result.CorrelationID).WithError(err).Error("persist outcome failed")
			}
		}
		if err := st.RecordAggregate(hctx, result); err != nil {
			logger.WithContext(hctx).WithCorrelation(result.CorrelationID).WithError(err).Error("persist aggregate failed")
		}

		m.Finish()
		return nil
	}), cfg.Relay.Concurrency)

	// Connecting directly to NSQD forces channel creation, instead of the channel being lazily created on first publish
	if err := consumer.ConnectToNSQD(cfg.NSQ.NsqdTCPAddr); err != nil {
		logger.Plain().WithError(err).Fatal("connect to nsqd failed")
	}
	if err := consumer.ConnectToNSQLookupd(cfg.NSQ.LookupHTTPAddr); err != nil {
		logger.Plain().WithError(err).Fatal("connect to lookupd failed")
	}

	logger.Plain().Info("relay service started")

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
	<-stop

	logger.Plain().Info("shutting down relay service")
	consumer.Stop()
	<-consumer.StopChan

	if coordinator.Drain(cfg.Relay.DrainWindow) {
		logger.Plain().Info("drain complete")
	} else {
		logger.Plain().
			WithField("in_flight", coordinator.InFlight()).
			WithField("window", cfg.Relay.DrainWindow.String()).
			Warn("drain window elapsed with requests still in flight")
	}

	_ = httpSrv.Shutdown(context.Background())
	logger.Plain().Info("relay service stopped")
}
