// Package connectors defines the execution channel interface for lexgate.
package connectors

import "context"

// DeliveryOutcome holds the result of one delivery attempt.
type DeliveryOutcome struct {
	Channel  string `json:"channel"`
	ExitCode int    `json:"exit_code"`
	Stdout   string `json:"stdout,omitempty"`
	Stderr   string `json:"stderr,omitempty"`
}

// Channel delivers an approved execution payload to the outside world.
type Channel interface {
	// Name returns the channel identifier.
	Name() string

	// Deliver hands the payload over. An error means the delivery failed and
	// is not retried by the caller.
	Deliver(ctx context.Context, requestID, payload string) (*DeliveryOutcome, error)
}

// Noop accepts every delivery and does nothing with it.
type Noop struct{}

// Name returns "noop".
func (Noop) Name() string { return "noop" }

// Deliver always succeeds.
func (Noop) Deliver(ctx context.Context, requestID, payload string) (*DeliveryOutcome, error) {
	return &DeliveryOutcome{Channel: "noop"}, nil
}
