package events

import "context"

// Stream escrow lifecycle events are published on.
const StreamEscrow = "events:escrow"

// Event types
const (
	EventEscrowInitialized = "escrow_initialized"
	EventEscrowRequested   = "escrow_requested"
	EventEscrowAccepted    = "escrow_accepted"
	EventEscrowReturned    = "escrow_returned"
)

type Event struct {
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload"`
}

type Publisher interface {
	Publish(ctx context.Context, stream string, event Event) error
}
