package queue

import (
	"context"
	"time"

	"go.uber.org/zap"
)

const (
	pollInterval = time.Second
	nackDelay    = 10 * time.Second
	batchSize    = 1
)

// Consumer polls the store and hands each message to the handler, one at a
// time. Each delivery is an independent invocation; failed handling returns
// the message to the queue for redelivery.
type Consumer struct {
	store   *Store
	handler Handler
	log     *zap.Logger
}

func NewConsumer(store *Store, handler Handler, log *zap.Logger) *Consumer {
	return &Consumer{
		store:   store,
		handler: handler,
		log:     log.Named("queue.consumer"),
	}
}

func (c *Consumer) RunForever(ctx context.Context) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		if err := c.RunOnce(ctx); err != nil {
			c.log.Warn("queue poll failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (c *Consumer) RunOnce(ctx context.Context) error {
	msgs, err := c.store.Receive(ctx, batchSize)
	if err != nil {
		return err
	}

	for _, msg := range msgs {
		if err := c.handler.Handle(ctx, msg); err != nil {
			c.log.Error("message handling failed",
				zap.Error(err),
				zap.Int64("message_id", msg.ID),
				zap.Int("attempts", msg.Attempts),
			)
			if nackErr := c.store.Nack(ctx, msg.ID, nackDelay); nackErr != nil {
				c.log.Error("nack failed", zap.Error(nackErr), zap.Int64("message_id", msg.ID))
			}
			continue
		}
		if err := c.store.Ack(ctx, msg.ID); err != nil {
			c.log.Error("ack failed", zap.Error(err), zap.Int64("message_id", msg.ID))
		}
	}
	return nil
}
