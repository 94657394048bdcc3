// Package dispatch orchestrates one delivery request across its channels:
// every requested channel runs its own breaker-guarded retry chain
// concurrently, and the per-channel outcomes are folded into a single
// aggregate result.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/scribeworks/minuterelay/internal/breaker"
	"github.com/scribeworks/minuterelay/internal/channel"
	"github.com/scribeworks/minuterelay/internal/delivery"
	"github.com/scribeworks/minuterelay/internal/logging"
	"github.com/scribeworks/minuterelay/internal/metrics"
	"github.com/scribeworks/minuterelay/internal/retry"
	"github.com/scribeworks/minuterelay/internal/tracing"
)

// Route binds one channel's adapter to its breaker and retry policy.
type Route struct {
	Adapter channel.Adapter
	Breaker *breaker.Breaker
	Policy  retry.Policy
}

// Dispatcher fans a request out to its channels. One channel's failure
// never blocks or cancels another's chain; the only shared bound is the
// request timeout.
type Dispatcher struct {
	routes         map[delivery.Channel]Route
	requestTimeout time.Duration
	logger         *logging.Logger
}

// New returns a dispatcher with no routes registered.
func New(requestTimeout time.Duration, logger *logging.Logger) *Dispatcher {
	if logger == nil {
		logger = logging.New("dispatch")
	}
	return &Dispatcher{
		routes:         make(map[delivery.Channel]Route),
		requestTimeout: requestTimeout,
		logger:         logger,
	}
}

// Register adds a route for the adapter's channel, replacing any existing one.
func (d *Dispatcher) Register(r Route) {
	d.routes[r.Adapter.Name()] = r
}

// Dispatch runs the request to completion and returns the aggregate result.
// It always returns exactly one outcome per requested channel: channels
// still pending when the request timeout fires are reported as failed with
// a timeout classification.
func (d *Dispatcher) Dispatch(ctx context.Context, req *delivery.Request) *delivery.AggregateResult {
	ctx, span := tracing.StartSpan(ctx, "dispatch.request",
		attribute.String("correlation_id", req.CorrelationID),
		attribute.Int("channels", len(req.Channels)),
	)
	defer span.End()

	metrics.RequestsInFlight.Inc()
	defer metrics.RequestsInFlight.Dec()

	dctx := ctx
	cancel := context.CancelFunc(func() {})
	if d.requestTimeout > 0 {
		dctx, cancel = context.WithTimeout(ctx, d.requestTimeout)
	}
	defer cancel()

	// Buffered to the fan-out width so a goroutine finishing after the
	// deadline never blocks on an abandoned send.
	results := make(chan delivery.Outcome, len(req.Channels))
	pending := make(map[delivery.Channel]int, len(req.Channels))
	for _, ch := range req.Channels {
		pending[ch]++
		go func(ch delivery.Channel) {
			results <- d.deliverChannel(dctx, ch, req)
		}(ch)
	}

	outcomes := make([]delivery.Outcome, 0, len(req.Channels))
collect:
	for len(outcomes) < len(req.Channels) {
		select {
		case o := <-results:
			if pending[o.Channel] > 1 {
				pending[o.Channel]--
			} else {
				delete(pending, o.Channel)
			}
			outcomes = append(outcomes, o)
		case <-dctx.Done():
			now := time.Now().UTC()
			for ch, n := range pending {
				for i := 0; i < n; i++ {
					outcomes = append(outcomes, delivery.Outcome{
						Channel:     ch,
						Status:      delivery.StatusFailed,
						ErrorClass:  delivery.ClassTimeout,
						LastError:   "request timeout before channel completed",
						CompletedAt: now,
					})
				}
			}
			break collect
		}
	}

	for _, o := range outcomes {
		metrics.RecordOutcome(string(o.Channel), string(o.Status), o.Attempts, o.Elapsed)
	}
	result := delivery.Aggregate(req.CorrelationID, outcomes)
	metrics.RecordAggregate(string(result.Overall))

	span.SetAttributes(attribute.String("overall", string(result.Overall)))
	d.logger.WithContext(ctx).
		WithCorrelation(req.CorrelationID).
		WithField("overall", string(result.Overall)).
		WithField("channels", len(outcomes)).
		Info("delivery request completed")

	return result
}

// deliverChannel runs one channel's full chain: retry policy around the
// breaker around a single adapter attempt.
func (d *Dispatcher) deliverChannel(ctx context.Context, ch delivery.Channel, req *delivery.Request) delivery.Outcome {
	start := time.Now()

	route, ok := d.routes[ch]
	if !ok {
		// Requested but not configured. Retrying cannot conjure a route.
		return delivery.Outcome{
			Channel:     ch,
			Status:      delivery.StatusFailed,
			ErrorClass:  delivery.ClassPermanent,
			LastError:   fmt.Sprintf("channel %q is not configured", ch),
			CompletedAt: time.Now().UTC(),
		}
	}

	ctx, span := tracing.StartSpan(ctx, "dispatch.channel",
		attribute.String("channel", string(ch)),
	)
	defer span.End()

	attempts, err := route.Policy.Do(ctx, func(c context.Context) error {
		return route.Breaker.Execute(c, func(cc context.Context) error {
			return route.Adapter.Send(cc, req)
		})
	})

	out := delivery.Outcome{
		Channel:     ch,
		Attempts:    attempts,
		Elapsed:     time.Since(start),
		CompletedAt: time.Now().UTC(),
	}

	switch {
	case err == nil:
		out.Status = delivery.StatusDelivered
		metrics.RecordRetries(string(ch), "recovered", attempts-1)
	case errors.Is(err, breaker.ErrOpen):
		// Attempts stays nonzero when the breaker tripped partway through
		// the retry chain; it counts the calls admitted before the trip.
		out.Status = delivery.StatusSkippedCircuitOpen
		out.ErrorClass = delivery.ClassCircuitOpen
		out.LastError = err.Error()
	default:
		out.Status = delivery.StatusFailed
		out.ErrorClass = delivery.ClassOf(err)
		out.LastError = err.Error()
		metrics.RecordRetries(string(ch), string(out.ErrorClass), attempts-1)
		tracing.SetSpanError(ctx, err)
	}

	entry := d.logger.WithContext(ctx).
		WithCorrelation(req.CorrelationID).
		WithChannel(string(ch)).
		WithAttempt(attempts).
		WithField("status", string(out.Status)).
		WithField("elapsed_ms", out.Elapsed.Milliseconds())
	if err != nil {
		entry.WithError(err).Warn("channel delivery did not succeed")
	} else {
		entry.Info("channel delivered")
	}

	return out
}
