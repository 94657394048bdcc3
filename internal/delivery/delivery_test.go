package delivery

import (
	"errors"
	"fmt"
	"testing"
)

func TestRequestValidate(t *testing.T) {
	valid := Request{
		ArtifactRef: "minutes/2026/08/standup.html",
		Subject:     "Standup minutes",
		Recipients:  []Recipient{{Name: "Ops", Address: "ops@example.com"}},
		Channels:    []Channel{ChannelEmail, ChannelChat},
	}

	tests := []struct {
		name    string
		mutate  func(r *Request)
		wantErr bool
	}{
		{
			name:   "valid request",
			mutate: func(r *Request) {},
		},
		{
			name:    "missing artifact ref",
			mutate:  func(r *Request) { r.ArtifactRef = "" },
			wantErr: true,
		},
		{
			name:    "no recipients",
			mutate:  func(r *Request) { r.Recipients = nil },
			wantErr: true,
		},
		{
			name:    "recipient without address",
			mutate:  func(r *Request) { r.Recipients = []Recipient{{Name: "Ops"}} },
			wantErr: true,
		},
		{
			name:    "no channels",
			mutate:  func(r *Request) { r.Channels = nil },
			wantErr: true,
		},
		{
			name:    "unknown channel",
			mutate:  func(r *Request) { r.Channels = []Channel{"pager"} },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := valid
			tt.mutate(&r)
			err := r.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestAggregateOverall(t *testing.T) {
	tests := []struct {
		name     string
		statuses []Status
		want     Overall
	}{
		{
			name:     "all delivered",
			statuses: []Status{StatusDelivered, StatusDelivered},
			want:     OverallDelivered,
		},
		{
			name:     "partial",
			statuses: []Status{StatusDelivered, StatusFailed},
			want:     OverallPartial,
		},
		{
			name:     "skip counts as not delivered",
			statuses: []Status{StatusDelivered, StatusSkippedCircuitOpen},
			want:     OverallPartial,
		},
		{
			name:     "all failed",
			statuses: []Status{StatusFailed, StatusSkippedCircuitOpen},
			want:     OverallFailed,
		},
		{
			name:     "single delivered",
			statuses: []Status{StatusDelivered},
			want:     OverallDelivered,
		},
		{
			name:     "no outcomes",
			statuses: nil,
			want:     OverallFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			outcomes := make([]Outcome, 0, len(tt.statuses))
			for i, s := range tt.statuses {
				outcomes = append(outcomes, Outcome{Channel: Channel(fmt.Sprintf("ch%d", i)), Status: s})
			}
			res := Aggregate("corr-1", outcomes)
			if res.Overall != tt.want {
				t.Errorf("Aggregate() overall = %q, want %q", res.Overall, tt.want)
			}
			if res.CorrelationID != "corr-1" {
				t.Errorf("Aggregate() correlation id = %q, want %q", res.CorrelationID, "corr-1")
			}
			if len(res.Outcomes) != len(outcomes) {
				t.Errorf("Aggregate() outcomes = %d, want %d", len(res.Outcomes), len(outcomes))
			}
		})
	}
}

func TestClassOf(t *testing.T) {
	base := errors.New("boom")

	tests := []struct {
		name string
		err  error
		want ErrorClass
	}{
		{name: "transient", err: Transient(base), want: ClassTransient},
		{name: "permanent", err: Permanent(base), want: ClassPermanent},
		{name: "timeout", err: Timeout(base), want: ClassTimeout},
		{name: "exhausted", err: Exhausted(base), want: ClassTransientExhausted},
		{name: "wrapped classification survives", err: fmt.Errorf("send: %w", Permanent(base)), want: ClassPermanent},
		{name: "unclassified defaults to transient", err: base, want: ClassTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClassOf(tt.err); got != tt.want {
				t.Errorf("ClassOf() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRetryable(t *testing.T) {
	if !Retryable(Transient(errors.New("x"))) {
		t.Error("transient should be retryable")
	}
	if !Retryable(Timeout(errors.New("x"))) {
		t.Error("timeout should be retryable")
	}
	if Retryable(Permanent(errors.New("x"))) {
		t.Error("permanent should not be retryable")
	}
	if Retryable(Exhausted(errors.New("x"))) {
		t.Error("exhausted should not be retryable")
	}
}

func TestErrorUnwrap(t *testing.T) {
	base := errors.New("connection reset")
	err := Transient(base)
	if !errors.Is(err, base) {
		t.Error("classified error should unwrap to the base error")
	}
}
