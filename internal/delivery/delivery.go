// Package delivery holds the data model shared by the delivery engine:
// the request that fans out to channels, the per-channel outcome, and the
// aggregate result handed back to the caller.
package delivery

import (
	"errors"
	"fmt"
	"time"
)

// Channel identifies one independent delivery transport.
type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelChat  Channel = "chat"
)

// KnownChannel reports whether c is a transport this engine can route to.
func KnownChannel(c Channel) bool {
	return c == ChannelEmail || c == ChannelChat
}

// Recipient describes one destination for the minutes artifact.
// Address is an email address for the email channel; the chat channel
// delivers to a configured webhook and uses Name for mentions only.
type Recipient struct {
	Name    string `json:"name,omitempty"`
	Address string `json:"address"`
}

// Request is a single delivery of a rendered minutes artifact across one or
// more channels. It is immutable once created and owned by the dispatcher
// for the duration of processing.
type Request struct {
	CorrelationID string            `json:"correlation_id"`
	ArtifactRef   string            `json:"artifact_ref"` // opaque content id/URL of the rendered minutes
	Subject       string            `json:"subject"`
	Body          string            `json:"body"` // rendered minutes snapshot
	Recipients    []Recipient       `json:"recipients"`
	Channels      []Channel         `json:"channels"`
	CreatedAt     string            `json:"created_at"` // RFC3339
	TraceHeaders  map[string]string `json:"trace_headers,omitempty"`
}

// Validate checks the fields the engine depends on. Correlation ID and
// CreatedAt are stamped by the intake layer before the request enters the
// engine, so they are not required here.
func (r *Request) Validate() error {
	if r.ArtifactRef == "" {
		return errors.New("artifact_ref is required")
	}
	if len(r.Recipients) == 0 {
		return errors.New("at least one recipient is required")
	}
	for i, rec := range r.Recipients {
		if rec.Address == "" {
			return fmt.Errorf("recipient %d: address is required", i)
		}
	}
	if len(r.Channels) == 0 {
		return errors.New("at least one channel is required")
	}
	for _, c := range r.Channels {
		if !KnownChannel(c) {
			return fmt.Errorf("unknown channel %q", c)
		}
	}
	return nil
}

// Status is the terminal state of one channel's delivery within a request.
type Status string

const (
	StatusDelivered Status = "delivered"
	StatusFailed    Status = "failed"
	// StatusSkippedCircuitOpen means the breaker rejected the channel
	// without invoking the adapter. Kept distinct from StatusFailed because
	// its retry and alerting semantics differ.
	StatusSkippedCircuitOpen Status = "skipped_circuit_open"
)

// Outcome is produced exactly once per channel per request.
type Outcome struct {
	Channel     Channel       `json:"channel"`
	Status      Status        `json:"status"`
	Attempts    int           `json:"attempts"` // adapter invocations made
	Elapsed     time.Duration `json:"elapsed"`
	ErrorClass  ErrorClass    `json:"error_class,omitempty"`
	LastError   string        `json:"last_error,omitempty"`
	CompletedAt time.Time     `json:"completed_at"`
}

// Overall is the request-level status derived from the channel outcomes.
type Overall string

const (
	OverallDelivered Overall = "delivered"
	OverallPartial   Overall = "partial"
	OverallFailed    Overall = "failed"
)

// AggregateResult is the engine's answer for one request. A PARTIAL result
// is a normal return value, not an error; callers must inspect per-channel
// status rather than a single boolean.
type AggregateResult struct {
	CorrelationID string    `json:"correlation_id"`
	Overall       Overall   `json:"overall"`
	Outcomes      []Outcome `json:"outcomes"`
}

// Aggregate assembles the result and derives the overall status:
// every channel delivered -> DELIVERED, some delivered -> PARTIAL,
// none delivered -> FAILED.
func Aggregate(correlationID string, outcomes []Outcome) *AggregateResult {
	delivered := 0
	for _, o := range outcomes {
		if o.Status == StatusDelivered {
			delivered++
		}
	}
	overall := OverallFailed
	switch {
	case len(outcomes) > 0 && delivered == len(outcomes):
		overall = OverallDelivered
	case delivered > 0:
		overall = OverallPartial
	}
	return &AggregateResult{
		CorrelationID: correlationID,
		Overall:       overall,
		Outcomes:      outcomes,
	}
}
