package domain

import (
	"context"
	"errors"
)

var (
	// ErrMissingAuth is raised when an online run has no provider auth
	// reference; the batch cannot be submitted.
	ErrMissingAuth = errors.New("no provider auth reference on billing run")
)

// SubmissionService consumes one submit-phase cursor: it processes a single
// page of a batch, fans out further pages from page 1, and hands the last
// page off to completion detection.
type SubmissionService interface {
	ProcessQueue(ctx context.Context, run *BillingRun, cur Cursor) error
	ProcessFile(ctx context.Context, file *UploadedFile, cur Cursor) error
}

// CompletionService consumes one completion-phase cursor: it decides whether
// the batch (and, for grouped batches, every sibling) has finished, produces
// the artifact and fires the summary notification.
type CompletionService interface {
	CheckQueue(ctx context.Context, run *BillingRun, cur Cursor) error
	CheckFile(ctx context.Context, file *UploadedFile, cur Cursor) error
}
