package service

import (
	"context"
	"errors"

	"github.com/smallbiznis/chargeflow/internal/charge/domain"
	"github.com/smallbiznis/chargeflow/internal/queue"
	"go.uber.org/zap"
)

// Dispatcher routes one inbound message to the submission or completion
// service based on its cursor. Malformed identity is a configuration error:
// logged and dropped, never retried.
type Dispatcher struct {
	repo       domain.Repository
	submitter  domain.SubmissionService
	completion domain.CompletionService
	log        *zap.Logger
}

func NewDispatcher(repo domain.Repository, submitter domain.SubmissionService, completion domain.CompletionService, log *zap.Logger) *Dispatcher {
	return &Dispatcher{
		repo:       repo,
		submitter:  submitter,
		completion: completion,
		log:        log.Named("charge.dispatcher"),
	}
}

var _ queue.Handler = (*Dispatcher)(nil)

func (d *Dispatcher) Handle(ctx context.Context, msg queue.Message) error {
	cur, err := domain.ParseCursor(msg.Attributes)
	if err != nil {
		d.log.Error("undeliverable message dropped",
			zap.Int64("message_id", msg.ID),
			zap.Error(err),
		)
		return nil
	}

	if cur.Ref().IsFile() {
		return d.handleFile(ctx, cur, msg.ID)
	}
	return d.handleQueue(ctx, cur, msg.ID)
}

func (d *Dispatcher) handleQueue(ctx context.Context, cur domain.Cursor, msgID int64) error {
	runQueue, err := d.repo.GetRunQueue(ctx, cur.QueueID)
	if errors.Is(err, domain.ErrQueueNotFound) {
		d.log.Error("message references unknown queue, dropped",
			zap.Int64("message_id", msgID),
			zap.Int64("queue_id", cur.QueueID),
		)
		return nil
	}
	if err != nil {
		return err
	}

	run, err := d.repo.GetBillingRun(ctx, runQueue.BillingRunID)
	if errors.Is(err, domain.ErrRunNotFound) {
		d.log.Error("queue references unknown billing run, dropped",
			zap.Int64("message_id", msgID),
			zap.Int64("queue_id", cur.QueueID),
			zap.Int64("run_id", runQueue.BillingRunID),
		)
		return nil
	}
	if err != nil {
		return err
	}

	// The run carries category context the cursor may be missing.
	if cur.PortalType != run.PortalType {
		cur.PortalType = run.PortalType
	}

	if cur.Phase == domain.PhaseCompletion {
		return d.completion.CheckQueue(ctx, run, cur)
	}
	return d.submitter.ProcessQueue(ctx, run, cur)
}

func (d *Dispatcher) handleFile(ctx context.Context, cur domain.Cursor, msgID int64) error {
	file, err := d.repo.GetUploadedFile(ctx, cur.FileID)
	if errors.Is(err, domain.ErrFileNotFound) {
		d.log.Error("message references unknown uploaded file, dropped",
			zap.Int64("message_id", msgID),
			zap.Int32("file_id", cur.FileID),
		)
		return nil
	}
	if err != nil {
		return err
	}

	if cur.Phase == domain.PhaseCompletion {
		return d.completion.CheckFile(ctx, file, cur)
	}
	return d.submitter.ProcessFile(ctx, file, cur)
}
