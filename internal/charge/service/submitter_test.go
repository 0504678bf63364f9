package service

import (
	"context"
	"net/http"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/smallbiznis/chargeflow/internal/billingapi"
	"github.com/smallbiznis/chargeflow/internal/charge/domain"
)

func TestFanOutHappensOnce(t *testing.T) {
	f := setupPipeline(t, testPipelineConfig())
	ctx := context.Background()

	run := f.seedRun(t, 10, 1, uuid.New())
	f.seedItems(t, 1, 5, nil) // 3 pages at page size 2

	cur := domain.ForQueue(1, domain.CategoryM2M, 1)
	if err := f.submitter.ProcessQueue(ctx, run, cur); err != nil {
		t.Fatalf("process page 1: %v", err)
	}

	pages := f.queue.byPhase(domain.PhaseSubmit)
	if len(pages) != 2 {
		t.Fatalf("expected fan-out of pages 2..3, got %d messages", len(pages))
	}
	if pages[0].Attributes[domain.AttrPageNumber] != "2" || pages[1].Attributes[domain.AttrPageNumber] != "3" {
		t.Fatalf("unexpected fan-out pages: %v, %v", pages[0].Attributes, pages[1].Attributes)
	}
	if f.pendingCount(t, 1) != 3 {
		t.Fatalf("expected page 1 items processed, %d pending", f.pendingCount(t, 1))
	}

	// Redelivery of page 1 must not fan out again.
	if err := f.submitter.ProcessQueue(ctx, run, cur); err != nil {
		t.Fatalf("redeliver page 1: %v", err)
	}
	if got := len(f.queue.byPhase(domain.PhaseSubmit)); got != 2 {
		t.Fatalf("fan-out duplicated on redelivery: %d submit messages", got)
	}
}

func TestSequentialPagesDrainBatch(t *testing.T) {
	f := setupPipeline(t, testPipelineConfig())
	ctx := context.Background()

	run := f.seedRun(t, 10, 1, uuid.New())
	f.seedItems(t, 1, 6, nil) // 3 full pages at page size 2

	// Page 1 arrives first; the fanned-out pages are delivered one at a
	// time afterwards, the way the consumer drains the queue.
	cur := domain.ForQueue(1, domain.CategoryM2M, 1)
	if err := f.submitter.ProcessQueue(ctx, run, cur); err != nil {
		t.Fatalf("process page 1: %v", err)
	}
	for _, msg := range f.queue.byPhase(domain.PhaseSubmit) {
		pageCur, err := domain.ParseCursor(msg.Attributes)
		if err != nil {
			t.Fatalf("parse fan-out cursor: %v", err)
		}
		if err := f.submitter.ProcessQueue(ctx, run, pageCur); err != nil {
			t.Fatalf("process page %d: %v", pageCur.Page, err)
		}
	}

	// Earlier pages completing must not shift later offsets: every item is
	// submitted exactly once.
	if f.pendingCount(t, 1) != 0 {
		t.Fatalf("pagination skipped items: %d still pending", f.pendingCount(t, 1))
	}
	if f.api.submits != 6 {
		t.Fatalf("expected 6 submissions, got %d", f.api.submits)
	}
	if got := len(f.queue.byPhase(domain.PhaseCompletion)); got != 1 {
		t.Fatalf("expected exactly one completion handoff, got %d", got)
	}
}

func TestProcessedPageIsIdempotent(t *testing.T) {
	f := setupPipeline(t, testPipelineConfig())
	ctx := context.Background()

	run := f.seedRun(t, 10, 1, uuid.New())
	f.seedItems(t, 1, 3, func(item *domain.ChargeItem) {
		item.IsProcessed = true
		item.ChargeID = "1"
	})

	cur := domain.ForQueue(1, domain.CategoryM2M, 1).PageCursor(2)
	if err := f.submitter.ProcessQueue(ctx, run, cur); err != nil {
		t.Fatalf("process finished page: %v", err)
	}

	if f.api.lookups != 0 || f.api.submits != 0 {
		t.Fatalf("expected no provider calls, got %d lookups %d submits", f.api.lookups, f.api.submits)
	}

	// The only outbound message is the normal last-page handoff.
	if len(f.queue.sent) != 1 {
		t.Fatalf("expected exactly the completion handoff, got %d messages", len(f.queue.sent))
	}
	if f.queue.sent[0].Attributes[domain.AttrPhase] != string(domain.PhaseCompletion) {
		t.Fatalf("expected completion handoff, got %v", f.queue.sent[0].Attributes)
	}
}

func TestRetryableFailureEnqueuesRetryWithErrorSummary(t *testing.T) {
	f := setupPipeline(t, testPipelineConfig())
	ctx := context.Background()

	run := f.seedRun(t, 10, 1, uuid.New())
	f.seedItems(t, 1, 2, nil)
	f.api.submit = func(billingapi.SubmitChargeRequest) (*billingapi.SubmitChargeResponse, error) {
		return &billingapi.SubmitChargeResponse{
			StatusCode:   http.StatusBadRequest,
			HasErrors:    true,
			ErrorMessage: "provider rejected charge",
		}, nil
	}

	cur := domain.ForQueue(1, domain.CategoryM2M, 1)
	if err := f.submitter.ProcessQueue(ctx, run, cur); err != nil {
		t.Fatalf("process: %v", err)
	}

	if f.pendingCount(t, 1) != 2 {
		t.Fatalf("failed items must stay pending, %d pending", f.pendingCount(t, 1))
	}
	if len(f.queue.sent) != 1 {
		t.Fatalf("expected one retry message, got %d", len(f.queue.sent))
	}
	retry := f.queue.sent[0]
	if retry.Attributes[domain.AttrSubmitRetryCount] != "1" || retry.Attributes[domain.AttrPageNumber] != "1" {
		t.Fatalf("unexpected retry cursor: %v", retry.Attributes)
	}
	if len(f.provider.subjects) != 1 || !strings.Contains(f.provider.subjects[0], "errors") {
		t.Fatalf("expected one error summary, got %v", f.provider.subjects)
	}
}

func TestRetryCeilingForcesTerminalErrors(t *testing.T) {
	f := setupPipeline(t, testPipelineConfig())
	ctx := context.Background()

	run := f.seedRun(t, 10, 1, uuid.New())
	f.seedItems(t, 1, 2, nil)
	f.api.submit = func(billingapi.SubmitChargeRequest) (*billingapi.SubmitChargeResponse, error) {
		return &billingapi.SubmitChargeResponse{
			StatusCode:   http.StatusBadRequest,
			HasErrors:    true,
			ErrorMessage: "provider rejected charge",
		}, nil
	}

	cur := domain.ForQueue(1, domain.CategoryM2M, 1)
	cur.SubmitRetries = f.cfg.MaxSubmitRetries
	if err := f.submitter.ProcessQueue(ctx, run, cur); err != nil {
		t.Fatalf("process at ceiling: %v", err)
	}

	if f.pendingCount(t, 1) != 0 {
		t.Fatalf("expected remaining items force-marked, %d pending", f.pendingCount(t, 1))
	}

	var items []domain.ChargeItem
	if err := f.conn.Where("queue_id = ?", 1).Find(&items).Error; err != nil {
		t.Fatalf("load items: %v", err)
	}
	for _, item := range items {
		if !item.HasErrors || item.ErrorMessage != terminalRetryMessage {
			t.Fatalf("expected terminal retry message on item %d, got %+v", item.ID, item)
		}
	}

	// No further retries; the batch proceeds to completion detection.
	if len(f.queue.sent) != 1 || f.queue.sent[0].Attributes[domain.AttrPhase] != string(domain.PhaseCompletion) {
		t.Fatalf("expected only the completion handoff, got %v", f.queue.sent)
	}
}

func TestMissingPlanMappingIsTerminal(t *testing.T) {
	f := setupPipeline(t, testPipelineConfig())
	ctx := context.Background()

	run := f.seedRun(t, 10, 1, uuid.New())
	f.seedItems(t, 1, 1, func(item *domain.ChargeItem) {
		item.ProductTypeID = nil
		item.ProductID = nil
	})

	cur := domain.ForQueue(1, domain.CategoryM2M, 1)
	if err := f.submitter.ProcessQueue(ctx, run, cur); err != nil {
		t.Fatalf("process: %v", err)
	}

	if f.api.submits != 0 {
		t.Fatalf("expected no provider submission, got %d", f.api.submits)
	}

	var item domain.ChargeItem
	if err := f.conn.First(&item, "queue_id = ?", 1).Error; err != nil {
		t.Fatalf("load item: %v", err)
	}
	if !item.IsProcessed || !item.HasErrors || !strings.Contains(item.ErrorMessage, "billing plan mapping") {
		t.Fatalf("expected terminal mapping error, got %+v", item)
	}
}

func TestZeroAmountItemsSkipProvider(t *testing.T) {
	f := setupPipeline(t, testPipelineConfig())
	ctx := context.Background()

	run := f.seedRun(t, 10, 1, uuid.New())
	f.seedItems(t, 1, 1, func(item *domain.ChargeItem) {
		item.DeviceCharge = 0
		item.TotalCharge = 0
	})

	cur := domain.ForQueue(1, domain.CategoryM2M, 1)
	if err := f.submitter.ProcessQueue(ctx, run, cur); err != nil {
		t.Fatalf("process: %v", err)
	}

	if f.api.submits != 0 || f.api.lookups != 0 {
		t.Fatalf("expected no provider calls for zero-amount item")
	}

	var item domain.ChargeItem
	if err := f.conn.First(&item, "queue_id = ?", 1).Error; err != nil {
		t.Fatalf("load item: %v", err)
	}
	if !item.IsProcessed || item.HasErrors || item.ChargeID != "-1" {
		t.Fatalf("expected local completion marker, got %+v", item)
	}
}

func TestOfflineRunBypassesProvider(t *testing.T) {
	f := setupPipeline(t, testPipelineConfig())
	ctx := context.Background()

	localID := int64(900)
	run := f.seedRun(t, 10, 1, uuid.New())
	run.AuthID = nil
	run.LocalCustomerID = &localID
	f.seedItems(t, 1, 2, nil)

	cur := domain.ForQueue(1, domain.CategoryM2M, 0)
	if err := f.submitter.ProcessQueue(ctx, run, cur); err != nil {
		t.Fatalf("process offline run: %v", err)
	}

	if f.api.submits != 0 || f.api.lookups != 0 {
		t.Fatalf("offline run must not reach the provider")
	}
	if f.pendingCount(t, 1) != 0 {
		t.Fatalf("expected offline items processed, %d pending", f.pendingCount(t, 1))
	}
}

func TestRateLimitLeavesPageAndRetries(t *testing.T) {
	f := setupPipeline(t, testPipelineConfig())
	ctx := context.Background()

	run := f.seedRun(t, 10, 1, uuid.New())
	f.seedItems(t, 1, 2, nil)
	f.api.lookup = func(string) (*billingapi.ServiceRecord, int, error) {
		return nil, http.StatusTooManyRequests, nil
	}

	cur := domain.ForQueue(1, domain.CategoryM2M, 1)
	if err := f.submitter.ProcessQueue(ctx, run, cur); err != nil {
		t.Fatalf("process: %v", err)
	}

	if f.api.lookups != 1 {
		t.Fatalf("expected page to break on first rate limit, got %d lookups", f.api.lookups)
	}
	if f.pendingCount(t, 1) != 2 {
		t.Fatalf("expected all items pending after rate limit, %d pending", f.pendingCount(t, 1))
	}
	if len(f.queue.sent) != 1 || f.queue.sent[0].Attributes[domain.AttrSubmitRetryCount] != "1" {
		t.Fatalf("expected one page retry, got %v", f.queue.sent)
	}
}
