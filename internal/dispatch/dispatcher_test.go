package dispatch

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/scribeworks/minuterelay/internal/breaker"
	"github.com/scribeworks/minuterelay/internal/channel"
	"github.com/scribeworks/minuterelay/internal/delivery"
	"github.com/scribeworks/minuterelay/internal/retry"
)

type fakeAdapter struct {
	name  delivery.Channel
	calls atomic.Int32
	send  func(ctx context.Context, req *delivery.Request) error
}

func (f *fakeAdapter) Name() delivery.Channel { return f.name }

func (f *fakeAdapter) Send(ctx context.Context, req *delivery.Request) error {
	f.calls.Add(1)
	if f.send == nil {
		return nil
	}
	return f.send(ctx, req)
}

var _ channel.Adapter = (*fakeAdapter)(nil)

func quickPolicy(maxAttempts int) retry.Policy {
	return retry.Policy{
		MaxAttempts:  maxAttempts,
		InitialDelay: time.Millisecond,
		Multiplier:   2,
		MaxDelay:     5 * time.Millisecond,
	}
}

// calmBreaker returns a breaker that will not trip during a short test.
func calmBreaker(name string) *breaker.Breaker {
	return breaker.New(name, breaker.Config{MinimumRequests: 1000})
}

func testRequest(channels ...delivery.Channel) *delivery.Request {
	return &delivery.Request{
		CorrelationID: "corr-7",
		ArtifactRef:   "https://minutes.example.com/m/7",
		Subject:       "Weekly sync minutes",
		Body:          "<p>Notes.</p>",
		Recipients:    []delivery.Recipient{{Address: "team@example.com"}},
		Channels:      channels,
	}
}

func findOutcome(t *testing.T, res *delivery.AggregateResult, ch delivery.Channel) delivery.Outcome {
	t.Helper()
	for _, o := range res.Outcomes {
		if o.Channel == ch {
			return o
		}
	}
	t.Fatalf("no outcome for channel %q in %+v", ch, res.Outcomes)
	return delivery.Outcome{}
}

func TestDispatchAllDelivered(t *testing.T) {
	email := &fakeAdapter{name: delivery.ChannelEmail}
	chat := &fakeAdapter{name: delivery.ChannelChat}

	d := New(time.Second, nil)
	d.Register(Route{Adapter: email, Breaker: calmBreaker("email"), Policy: quickPolicy(3)})
	d.Register(Route{Adapter: chat, Breaker: calmBreaker("chat"), Policy: quickPolicy(3)})

	res := d.Dispatch(context.Background(), testRequest(delivery.ChannelEmail, delivery.ChannelChat))
	if res.Overall != delivery.OverallDelivered {
		t.Errorf("Overall = %q, want %q", res.Overall, delivery.OverallDelivered)
	}
	if len(res.Outcomes) != 2 {
		t.Fatalf("got %d outcomes, want 2", len(res.Outcomes))
	}
	for _, ch := range []delivery.Channel{delivery.ChannelEmail, delivery.ChannelChat} {
		o := findOutcome(t, res, ch)
		if o.Status != delivery.StatusDelivered || o.Attempts != 1 {
			t.Errorf("%s: status=%q attempts=%d, want delivered/1", ch, o.Status, o.Attempts)
		}
	}
}

func TestDispatchPartialWhenOneChannelFails(t *testing.T) {
	email := &fakeAdapter{name: delivery.ChannelEmail}
	chat := &fakeAdapter{
		name: delivery.ChannelChat,
		send: func(context.Context, *delivery.Request) error {
			return delivery.Permanent(errors.New("webhook returned 404"))
		},
	}

	d := New(time.Second, nil)
	d.Register(Route{Adapter: email, Breaker: calmBreaker("email"), Policy: quickPolicy(3)})
	d.Register(Route{Adapter: chat, Breaker: calmBreaker("chat"), Policy: quickPolicy(3)})

	res := d.Dispatch(context.Background(), testRequest(delivery.ChannelEmail, delivery.ChannelChat))
	if res.Overall != delivery.OverallPartial {
		t.Errorf("Overall = %q, want %q", res.Overall, delivery.OverallPartial)
	}

	o := findOutcome(t, res, delivery.ChannelChat)
	if o.Status != delivery.StatusFailed {
		t.Errorf("chat status = %q, want %q", o.Status, delivery.StatusFailed)
	}
	if o.ErrorClass != delivery.ClassPermanent {
		t.Errorf("chat class = %q, want %q", o.ErrorClass, delivery.ClassPermanent)
	}
	if o.Attempts != 1 {
		t.Errorf("chat attempts = %d, want 1 (permanent failures are not retried)", o.Attempts)
	}
	if got := findOutcome(t, res, delivery.ChannelEmail); got.Status != delivery.StatusDelivered {
		t.Errorf("email status = %q, want delivered despite chat failing", got.Status)
	}
}

func TestDispatchAllFailed(t *testing.T) {
	fail := func(context.Context, *delivery.Request) error {
		return delivery.Transient(errors.New("connection refused"))
	}
	email := &fakeAdapter{name: delivery.ChannelEmail, send: fail}
	chat := &fakeAdapter{name: delivery.ChannelChat, send: fail}

	d := New(time.Second, nil)
	d.Register(Route{Adapter: email, Breaker: calmBreaker("email"), Policy: quickPolicy(2)})
	d.Register(Route{Adapter: chat, Breaker: calmBreaker("chat"), Policy: quickPolicy(2)})

	res := d.Dispatch(context.Background(), testRequest(delivery.ChannelEmail, delivery.ChannelChat))
	if res.Overall != delivery.OverallFailed {
		t.Errorf("Overall = %q, want %q", res.Overall, delivery.OverallFailed)
	}
	o := findOutcome(t, res, delivery.ChannelEmail)
	if o.ErrorClass != delivery.ClassTransientExhausted {
		t.Errorf("class = %q, want %q", o.ErrorClass, delivery.ClassTransientExhausted)
	}
	if o.Attempts != 2 {
		t.Errorf("attempts = %d, want 2", o.Attempts)
	}
}

func TestDispatchRetriesUntilSuccess(t *testing.T) {
	var n atomic.Int32
	email := &fakeAdapter{
		name: delivery.ChannelEmail,
		send: func(context.Context, *delivery.Request) error {
			if n.Add(1) < 3 {
				return delivery.Transient(errors.New("greylisted"))
			}
			return nil
		},
	}

	d := New(time.Second, nil)
	d.Register(Route{Adapter: email, Breaker: calmBreaker("email"), Policy: quickPolicy(4)})

	res := d.Dispatch(context.Background(), testRequest(delivery.ChannelEmail))
	o := findOutcome(t, res, delivery.ChannelEmail)
	if o.Status != delivery.StatusDelivered {
		t.Errorf("status = %q, want delivered", o.Status)
	}
	if o.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", o.Attempts)
	}
}

func TestDispatchGlobalTimeoutMarksPendingFailed(t *testing.T) {
	email := &fakeAdapter{name: delivery.ChannelEmail}
	chat := &fakeAdapter{
		name: delivery.ChannelChat,
		send: func(ctx context.Context, _ *delivery.Request) error {
			<-ctx.Done()
			return ctx.Err()
		},
	}

	d := New(50*time.Millisecond, nil)
	d.Register(Route{Adapter: email, Breaker: calmBreaker("email"), Policy: quickPolicy(3)})
	d.Register(Route{Adapter: chat, Breaker: calmBreaker("chat"), Policy: quickPolicy(3)})

	res := d.Dispatch(context.Background(), testRequest(delivery.ChannelEmail, delivery.ChannelChat))
	if res.Overall != delivery.OverallPartial {
		t.Errorf("Overall = %q, want %q", res.Overall, delivery.OverallPartial)
	}

	o := findOutcome(t, res, delivery.ChannelChat)
	if o.Status != delivery.StatusFailed {
		t.Errorf("chat status = %q, want %q", o.Status, delivery.StatusFailed)
	}
	if o.ErrorClass != delivery.ClassTimeout {
		t.Errorf("chat class = %q, want %q", o.ErrorClass, delivery.ClassTimeout)
	}
	// The blocked call is either marked at the deadline (0 attempts) or
	// resolves as a timeout on its single admitted attempt.
	if o.Attempts > 1 {
		t.Errorf("chat attempts = %d, want at most 1", o.Attempts)
	}
}

func TestDispatchSkipsChannelWithOpenBreaker(t *testing.T) {
	chat := &fakeAdapter{name: delivery.ChannelChat}

	br := breaker.New("chat", breaker.Config{
		ErrorThresholdRatio: 1.0,
		MinimumRequests:     1,
		ResetTimeout:        time.Hour,
	})
	// Trip it before dispatching.
	_ = br.Execute(context.Background(), func(context.Context) error {
		return delivery.Transient(errors.New("boom"))
	})
	if br.State() != breaker.StateOpen {
		t.Fatalf("breaker state = %v, want open", br.State())
	}
	chat.calls.Store(0)

	d := New(time.Second, nil)
	d.Register(Route{Adapter: chat, Breaker: br, Policy: quickPolicy(3)})

	res := d.Dispatch(context.Background(), testRequest(delivery.ChannelChat))
	o := findOutcome(t, res, delivery.ChannelChat)
	if o.Status != delivery.StatusSkippedCircuitOpen {
		t.Errorf("status = %q, want %q", o.Status, delivery.StatusSkippedCircuitOpen)
	}
	if o.ErrorClass != delivery.ClassCircuitOpen {
		t.Errorf("class = %q, want %q", o.ErrorClass, delivery.ClassCircuitOpen)
	}
	if o.Attempts != 0 {
		t.Errorf("attempts = %d, want 0", o.Attempts)
	}
	if got := chat.calls.Load(); got != 0 {
		t.Errorf("adapter invoked %d times behind an open breaker, want 0", got)
	}
	if res.Overall != delivery.OverallFailed {
		t.Errorf("Overall = %q, want %q", res.Overall, delivery.OverallFailed)
	}
}

func TestDispatchReplayProducesIndependentResults(t *testing.T) {
	var chatCalls atomic.Int32
	email := &fakeAdapter{name: delivery.ChannelEmail}
	chat := &fakeAdapter{
		name: delivery.ChannelChat,
		send: func(context.Context, *delivery.Request) error {
			if chatCalls.Add(1) == 1 {
				return delivery.Permanent(errors.New("webhook returned 410"))
			}
			return nil
		},
	}

	br := breaker.New("chat", breaker.Config{
		ErrorThresholdRatio: 0.9,
		MinimumRequests:     10,
	})
	d := New(time.Second, nil)
	d.Register(Route{Adapter: email, Breaker: calmBreaker("email"), Policy: quickPolicy(3)})
	d.Register(Route{Adapter: chat, Breaker: br, Policy: quickPolicy(3)})

	req := testRequest(delivery.ChannelEmail, delivery.ChannelChat)
	first := d.Dispatch(context.Background(), req)
	second := d.Dispatch(context.Background(), req)

	if first.Overall != delivery.OverallPartial {
		t.Errorf("first Overall = %q, want %q", first.Overall, delivery.OverallPartial)
	}
	if second.Overall != delivery.OverallDelivered {
		t.Errorf("second Overall = %q, want %q", second.Overall, delivery.OverallDelivered)
	}

	// The replay resolves on its own; the earlier result keeps its outcomes.
	if o := findOutcome(t, first, delivery.ChannelChat); o.Status != delivery.StatusFailed {
		t.Errorf("first chat status = %q, want %q", o.Status, delivery.StatusFailed)
	}
	if o := findOutcome(t, second, delivery.ChannelChat); o.Status != delivery.StatusDelivered || o.Attempts != 1 {
		t.Errorf("second chat status=%q attempts=%d, want delivered/1", o.Status, o.Attempts)
	}
	if len(first.Outcomes) != 2 || len(second.Outcomes) != 2 {
		t.Errorf("outcome counts = %d/%d, want 2/2", len(first.Outcomes), len(second.Outcomes))
	}

	// One permanent failure out of three admitted calls stays well under
	// the trip threshold, so the shared breaker remains closed.
	if br.State() != breaker.StateClosed {
		t.Errorf("breaker state = %v, want closed", br.State())
	}
	if got := email.calls.Load(); got != 2 {
		t.Errorf("email adapter invoked %d times across two dispatches, want 2", got)
	}
}

func TestDispatchBreakerTripsMidRetry(t *testing.T) {
	chat := &fakeAdapter{
		name: delivery.ChannelChat,
		send: func(context.Context, *delivery.Request) error {
			return delivery.Transient(errors.New("connection reset"))
		},
	}

	br := breaker.New("chat", breaker.Config{
		ErrorThresholdRatio: 1.0,
		MinimumRequests:     1,
		ResetTimeout:        time.Hour,
	})
	d := New(time.Second, nil)
	d.Register(Route{Adapter: chat, Breaker: br, Policy: quickPolicy(3)})

	res := d.Dispatch(context.Background(), testRequest(delivery.ChannelChat))
	o := findOutcome(t, res, delivery.ChannelChat)
	if o.Status != delivery.StatusSkippedCircuitOpen {
		t.Errorf("status = %q, want %q", o.Status, delivery.StatusSkippedCircuitOpen)
	}
	if o.ErrorClass != delivery.ClassCircuitOpen {
		t.Errorf("class = %q, want %q", o.ErrorClass, delivery.ClassCircuitOpen)
	}
	// The first attempt ran and tripped the breaker; the second was
	// rejected without reaching the adapter.
	if o.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", o.Attempts)
	}
	if got := chat.calls.Load(); got != 1 {
		t.Errorf("adapter invoked %d times, want 1", got)
	}
	if br.State() != breaker.StateOpen {
		t.Errorf("breaker state = %v, want open", br.State())
	}
}

func TestDispatchUnconfiguredChannel(t *testing.T) {
	email := &fakeAdapter{name: delivery.ChannelEmail}

	d := New(time.Second, nil)
	d.Register(Route{Adapter: email, Breaker: calmBreaker("email"), Policy: quickPolicy(3)})

	res := d.Dispatch(context.Background(), testRequest(delivery.ChannelEmail, delivery.ChannelChat))
	o := findOutcome(t, res, delivery.ChannelChat)
	if o.Status != delivery.StatusFailed {
		t.Errorf("status = %q, want %q", o.Status, delivery.StatusFailed)
	}
	if o.ErrorClass != delivery.ClassPermanent {
		t.Errorf("class = %q, want %q", o.ErrorClass, delivery.ClassPermanent)
	}
	if res.Overall != delivery.OverallPartial {
		t.Errorf("Overall = %q, want %q", res.Overall, delivery.OverallPartial)
	}
}
