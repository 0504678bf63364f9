package domain

import (
	"context"
	"errors"
)

// BatchRef identifies a batch by exactly one of its two possible origins.
type BatchRef struct {
	QueueID int64
	FileID  int32
}

func (r BatchRef) IsFile() bool { return r.FileID != 0 }

var (
	ErrRunNotFound   = errors.New("billing run not found")
	ErrQueueNotFound = errors.New("run queue not found")
	ErrFileNotFound  = errors.New("uploaded file not found")
	ErrAuthNotFound  = errors.New("provider auth not found")
)

// Repository is the persistence gateway for charge items, batches and
// progress counts. Implementations retry transient data-access faults with
// bounded backoff before surfacing an error.
type Repository interface {
	GetRunQueue(ctx context.Context, queueID int64) (*RunQueue, error)
	GetBillingRun(ctx context.Context, runID int64) (*BillingRun, error)
	GetUploadedFile(ctx context.Context, fileID int32) (*UploadedFile, error)
	GetProviderAuth(ctx context.Context, authID int) (*ProviderAuth, error)

	// PendingCount counts unprocessed items of one category in a batch.
	PendingCount(ctx context.Context, ref BatchRef, category Category) (int64, error)

	// ProcessedCount counts items already processed in a batch, any category.
	ProcessedCount(ctx context.Context, ref BatchRef) (int64, error)

	// TotalCount counts every item of one category in a batch, processed or
	// not. Page totals are sized from it so page offsets stay stable while
	// items complete.
	TotalCount(ctx context.Context, ref BatchRef, category Category) (int64, error)

	// FetchPage returns the unprocessed items of one page. The page window
	// is cut over the full batch in a stable order, so an offset keeps
	// addressing the same items while earlier pages flip to processed.
	FetchPage(ctx context.Context, ref BatchRef, pageSize, offset int) ([]ChargeItem, error)

	// MarkProcessed records an item's outcome. Idempotent: repeating the
	// same update leaves persisted state unchanged.
	MarkProcessed(ctx context.Context, itemID int64, update ProcessedUpdate) error

	// ChargeList returns every item of a batch for the summary artifact.
	ChargeList(ctx context.Context, ref BatchRef) ([]ChargeItem, error)

	// GroupMembersStillPending reports whether any batch of the group keyed
	// by sessionKey still has unprocessed items.
	GroupMembersStillPending(ctx context.Context, sessionKey string, category Category, excludeOffline bool) (bool, error)

	// GroupSummaryRows lists the member batches of the given runs together
	// with the customers their aggregate notification addresses.
	GroupSummaryRows(ctx context.Context, runIDs []int64, portalType Category) ([]QueueSummaryRow, error)
}
