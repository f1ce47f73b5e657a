package messaging

import (
	"context"
)

// DispatchDecision is the terminal outcome for one inbound message.
type DispatchDecision int

const (
	// Acknowledge confirms successful processing.
	Acknowledge DispatchDecision = iota
	// Reject discards the message permanently.
	Reject
	// Requeue redelivers the message, subject to the requeue limit.
	Requeue
)

func (d DispatchDecision) String() string {
	switch d {
	case Acknowledge:
		return "acknowledge"
	case Reject:
		return "reject"
	case Requeue:
		return "requeue"
	default:
		return "unknown"
	}
}

// Handler processes one raw inbound payload and decides its fate. A returned
// error (or a panic) forces Reject so poison messages cannot loop forever.
// Handlers run concurrently on the subscriber's worker pool and must not
// call broker APIs themselves.
type Handler interface {
	Handle(ctx context.Context, body []byte) (DispatchDecision, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, body []byte) (DispatchDecision, error)

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, body []byte) (DispatchDecision, error) {
	return f(ctx, body)
}
