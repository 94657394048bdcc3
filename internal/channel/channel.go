// Package channel provides the delivery transports. Each adapter wraps one
// concrete downstream (chat webhook, email relay) behind a single
// attempt-delivery operation returning classified errors.
package channel

import (
	"context"

	"github.com/scribeworks/minuterelay/internal/delivery"
)

// Adapter attempts exactly one delivery of the request over its transport.
// Errors must carry a delivery classification so the retry policy can act
// on them; unclassified errors are treated as transient.
type Adapter interface {
	Name() delivery.Channel
	Send(ctx context.Context, req *delivery.Request) error
}
