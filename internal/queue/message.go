package queue

import (
	"context"
	"time"
)

// Message is one unit of work on the charge queue. Attributes carry the
// cursor; the body is intentionally empty, everything routes on attributes.
type Message struct {
	ID         int64
	Attributes map[string]string
	Delay      time.Duration
	Attempts   int
}

// Queue enqueues messages for later delivery. Delivery is at-least-once;
// consumers must handle duplicates.
type Queue interface {
	Send(ctx context.Context, msg Message) error
}

// Handler processes one delivered message.
type Handler interface {
	Handle(ctx context.Context, msg Message) error
}
