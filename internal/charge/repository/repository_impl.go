package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/smallbiznis/chargeflow/internal/charge/domain"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	maxAttempts    = 3
	initialBackoff = 100 * time.Millisecond
)

type repo struct {
	db  *gorm.DB
	log *zap.Logger
}

func Provide(db *gorm.DB, log *zap.Logger) domain.Repository {
	return &repo{db: db, log: log.Named("charge.repository")}
}

// withRetry retries transient data-access faults with backoff. Not-found and
// cancellation are surfaced immediately; every item update is independent, so
// repeating a call is safe.
func (r *repo) withRetry(ctx context.Context, op string, fn func() error) error {
	var err error
	backoff := initialBackoff
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err = fn()
		if err == nil || !isTransient(err) {
			return err
		}
		r.log.Warn("transient data access fault",
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return err
}

func isTransient(err error) bool {
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return false
	}
	return true
}

func (r *repo) GetRunQueue(ctx context.Context, queueID int64) (*domain.RunQueue, error) {
	var queue domain.RunQueue
	err := r.withRetry(ctx, "get_run_queue", func() error {
		return r.db.WithContext(ctx).First(&queue, "id = ?", queueID).Error
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrQueueNotFound
	}
	if err != nil {
		return nil, err
	}
	return &queue, nil
}

func (r *repo) GetBillingRun(ctx context.Context, runID int64) (*domain.BillingRun, error) {
	var run domain.BillingRun
	err := r.withRetry(ctx, "get_billing_run", func() error {
		return r.db.WithContext(ctx).First(&run, "id = ?", runID).Error
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrRunNotFound
	}
	if err != nil {
		return nil, err
	}
	return &run, nil
}

func (r *repo) GetUploadedFile(ctx context.Context, fileID int32) (*domain.UploadedFile, error) {
	var file domain.UploadedFile
	err := r.withRetry(ctx, "get_uploaded_file", func() error {
		return r.db.WithContext(ctx).
			First(&file, "id = ? AND is_active = ? AND is_deleted = ?", fileID, true, false).Error
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrFileNotFound
	}
	if err != nil {
		return nil, err
	}
	return &file, nil
}

func (r *repo) GetProviderAuth(ctx context.Context, authID int) (*domain.ProviderAuth, error) {
	var auth domain.ProviderAuth
	err := r.withRetry(ctx, "get_provider_auth", func() error {
		return r.db.WithContext(ctx).First(&auth, "id = ?", authID).Error
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrAuthNotFound
	}
	if err != nil {
		return nil, err
	}
	return &auth, nil
}

func (r *repo) PendingCount(ctx context.Context, ref domain.BatchRef, category domain.Category) (int64, error) {
	var count int64
	err := r.withRetry(ctx, "pending_count", func() error {
		return r.batchScope(ctx, ref).
			Where("category = ? AND is_processed = ?", category, false).
			Count(&count).Error
	})
	return count, err
}

func (r *repo) ProcessedCount(ctx context.Context, ref domain.BatchRef) (int64, error) {
	var count int64
	err := r.withRetry(ctx, "processed_count", func() error {
		return r.batchScope(ctx, ref).
			Where("is_processed = ?", true).
			Count(&count).Error
	})
	return count, err
}

func (r *repo) TotalCount(ctx context.Context, ref domain.BatchRef, category domain.Category) (int64, error) {
	var count int64
	err := r.withRetry(ctx, "total_count", func() error {
		return r.batchScope(ctx, ref).
			Where("category = ?", category).
			Count(&count).Error
	})
	return count, err
}

func (r *repo) FetchPage(ctx context.Context, ref domain.BatchRef, pageSize, offset int) ([]domain.ChargeItem, error) {
	// The page window is cut over the full batch: filtering processed rows
	// inside the query would shift later offsets as earlier pages complete,
	// skipping items that were never submitted.
	var page []domain.ChargeItem
	err := r.withRetry(ctx, "fetch_page", func() error {
		page = page[:0]
		return r.batchScope(ctx, ref).
			Order("id asc").
			Limit(pageSize).
			Offset(offset).
			Find(&page).Error
	})
	if err != nil {
		return nil, err
	}

	items := make([]domain.ChargeItem, 0, len(page))
	for _, item := range page {
		if !item.IsProcessed {
			items = append(items, item)
		}
	}
	return items, nil
}

func (r *repo) MarkProcessed(ctx context.Context, itemID int64, update domain.ProcessedUpdate) error {
	return r.withRetry(ctx, "mark_processed", func() error {
		return r.db.WithContext(ctx).Model(&domain.ChargeItem{}).
			Where("id = ?", itemID).
			Updates(map[string]interface{}{
				"is_processed":  true,
				"has_errors":    update.HasErrors,
				"error_message": update.ErrorMessage,
				"charge_id":     update.ChargeID,
				"sms_charge_id": update.SmsChargeID,
				"total_charge":  update.TotalAmount,
				"updated_at":    time.Now().UTC(),
			}).Error
	})
}

func (r *repo) ChargeList(ctx context.Context, ref domain.BatchRef) ([]domain.ChargeItem, error) {
	var items []domain.ChargeItem
	err := r.withRetry(ctx, "charge_list", func() error {
		items = items[:0]
		return r.batchScope(ctx, ref).
			Order("id asc").
			Find(&items).Error
	})
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) GroupMembersStillPending(ctx context.Context, sessionKey string, category domain.Category, excludeOffline bool) (bool, error) {
	query := `SELECT COUNT(1) FROM charge_items ci
		 JOIN run_queues rq ON rq.id = ci.queue_id
		 JOIN billing_runs br ON br.id = rq.billing_run_id
		 WHERE br.session_key = ? AND ci.category = ? AND ci.is_processed = ?`
	if excludeOffline {
		query += ` AND NOT (br.local_customer_id IS NOT NULL
			 AND br.provider_customer_id IS NULL
			 AND br.auth_id IS NULL)`
	}

	var count int64
	err := r.withRetry(ctx, "group_members_still_pending", func() error {
		return r.db.WithContext(ctx).Raw(query, sessionKey, category, false).Scan(&count).Error
	})
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (r *repo) GroupSummaryRows(ctx context.Context, runIDs []int64, portalType domain.Category) ([]domain.QueueSummaryRow, error) {
	type summaryRow struct {
		QueueID            int64      `gorm:"column:queue_id"`
		LocalCustomerID    *int64     `gorm:"column:local_customer_id"`
		ProviderCustomerID *uuid.UUID `gorm:"column:provider_customer_id"`
	}

	var rows []summaryRow
	err := r.withRetry(ctx, "group_summary_rows", func() error {
		rows = rows[:0]
		return r.db.WithContext(ctx).Raw(
			`SELECT rq.id AS queue_id, br.local_customer_id, br.provider_customer_id
			 FROM run_queues rq
			 JOIN billing_runs br ON br.id = rq.billing_run_id
			 WHERE rq.billing_run_id IN ? AND br.portal_type = ?
			 ORDER BY rq.id ASC`,
			runIDs, portalType,
		).Scan(&rows).Error
	})
	if err != nil {
		return nil, err
	}

	out := make([]domain.QueueSummaryRow, 0, len(rows))
	for _, row := range rows {
		out = append(out, domain.QueueSummaryRow{
			QueueID:            row.QueueID,
			LocalCustomerID:    row.LocalCustomerID,
			ProviderCustomerID: row.ProviderCustomerID,
		})
	}
	return out, nil
}

func (r *repo) batchScope(ctx context.Context, ref domain.BatchRef) *gorm.DB {
	stmt := r.db.WithContext(ctx).Model(&domain.ChargeItem{})
	if ref.IsFile() {
		return stmt.Where("uploaded_file_id = ?", ref.FileID)
	}
	return stmt.Where("queue_id = ?", ref.QueueID)
}
