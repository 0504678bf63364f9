package service

import (
	"context"
	"time"

	"github.com/smallbiznis/chargeflow/internal/charge/domain"
	"github.com/smallbiznis/chargeflow/internal/config"
	"github.com/smallbiznis/chargeflow/internal/queue"
	"go.uber.org/zap"
)

// Enqueuer builds and sends outbound pipeline messages. Delay classes:
// "short" spaces page fan-out and retries, "long" waits out believed
// in-flight siblings before a completion re-check.
type Enqueuer struct {
	queue  queue.Queue
	holder *config.PipelineHolder
	log    *zap.Logger
}

func NewEnqueuer(q queue.Queue, holder *config.PipelineHolder, log *zap.Logger) *Enqueuer {
	return &Enqueuer{queue: q, holder: holder, log: log.Named("charge.enqueuer")}
}

func (e *Enqueuer) SendShort(ctx context.Context, cur domain.Cursor) error {
	return e.send(ctx, cur, e.holder.Current().ShortDelay)
}

func (e *Enqueuer) SendLong(ctx context.Context, cur domain.Cursor) error {
	return e.send(ctx, cur, e.holder.Current().LongDelay)
}

func (e *Enqueuer) send(ctx context.Context, cur domain.Cursor, delay time.Duration) error {
	msg := queue.Message{
		Attributes: cur.Encode(),
		Delay:      delay,
	}
	if err := e.queue.Send(ctx, msg); err != nil {
		return err
	}
	e.log.Debug("message enqueued",
		zap.String("phase", string(cur.Phase)),
		zap.Int64("queue_id", cur.QueueID),
		zap.Int32("file_id", cur.FileID),
		zap.Int("page", cur.Page),
		zap.Duration("delay", delay),
	)
	return nil
}
