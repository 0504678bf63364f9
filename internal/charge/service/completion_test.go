package service

import (
	"context"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/smallbiznis/chargeflow/internal/charge/domain"
)

func TestSingleBatchCompletionNotifiesWithArtifact(t *testing.T) {
	f := setupPipeline(t, testPipelineConfig())
	ctx := context.Background()

	run := f.seedRun(t, 10, 1, uuid.New())
	f.seedItems(t, 1, 2, func(item *domain.ChargeItem) {
		item.IsProcessed = true
		item.ChargeID = "55"
	})

	cur := domain.ForQueue(1, domain.CategoryM2M, 1).CompletionCursor()
	if err := f.completion.CheckQueue(ctx, run, cur); err != nil {
		t.Fatalf("check queue: %v", err)
	}

	if len(f.provider.subjects) != 1 {
		t.Fatalf("expected one summary notification, got %v", f.provider.subjects)
	}
	if !strings.Contains(f.provider.subjects[0], "queue 1") {
		t.Fatalf("unexpected subject: %q", f.provider.subjects[0])
	}
	if len(f.provider.attachments[0]) != 1 || f.provider.attachments[0][0].Name != "charge_list_queue_1.txt" {
		t.Fatalf("expected charge list attachment, got %+v", f.provider.attachments[0])
	}
	// The summary is timestamped from the injected clock, not the wall clock.
	if !strings.Contains(f.provider.bodies[0], "2026-02-01T00:00:00Z") {
		t.Fatalf("expected clock-stamped summary body, got %q", f.provider.bodies[0])
	}
	if len(f.queue.sent) != 0 {
		t.Fatalf("completed batch must not re-enqueue, got %v", f.queue.sent)
	}
}

func TestCompletionWaitsWhilePending(t *testing.T) {
	f := setupPipeline(t, testPipelineConfig())
	ctx := context.Background()

	run := f.seedRun(t, 10, 1, uuid.New())
	f.seedItems(t, 1, 1, nil) // still pending

	cur := domain.ForQueue(1, domain.CategoryM2M, 1).CompletionCursor()
	if err := f.completion.CheckQueue(ctx, run, cur); err != nil {
		t.Fatalf("check queue: %v", err)
	}

	if len(f.provider.subjects) != 0 {
		t.Fatalf("pending batch must not notify, got %v", f.provider.subjects)
	}
	if len(f.queue.sent) != 1 {
		t.Fatalf("expected one re-check message, got %d", len(f.queue.sent))
	}
	recheck := f.queue.sent[0]
	if recheck.Attributes[domain.AttrPhase] != string(domain.PhaseCompletion) ||
		recheck.Attributes[domain.AttrCompletionRetryCount] != "1" {
		t.Fatalf("unexpected re-check cursor: %v", recheck.Attributes)
	}
	if recheck.Delay != f.cfg.LongDelay {
		t.Fatalf("expected long delay %s, got %s", f.cfg.LongDelay, recheck.Delay)
	}
}

func TestCompletionAbandonedAtCeiling(t *testing.T) {
	f := setupPipeline(t, testPipelineConfig())
	ctx := context.Background()

	run := f.seedRun(t, 10, 1, uuid.New())
	f.seedItems(t, 1, 1, nil)

	cur := domain.ForQueue(1, domain.CategoryM2M, 1).CompletionCursor()
	cur.CompletionRetries = f.cfg.MaxCompletionRetries
	if err := f.completion.CheckQueue(ctx, run, cur); err != nil {
		t.Fatalf("check queue: %v", err)
	}

	if len(f.queue.sent) != 0 {
		t.Fatalf("abandoned batch must not re-enqueue, got %v", f.queue.sent)
	}
	if len(f.provider.subjects) != 0 {
		t.Fatalf("abandoned batch must not notify, got %v", f.provider.subjects)
	}
}

func TestGroupBarrierWaitsThenFiresOnce(t *testing.T) {
	f := setupPipeline(t, testPipelineConfig())
	ctx := context.Background()

	session := uuid.New()
	lastRun := f.seedRun(t, 10, 1, session)
	f.seedRun(t, 11, 2, session)

	f.seedItems(t, 1, 1, func(item *domain.ChargeItem) {
		item.IsProcessed = true
		item.ChargeID = "7"
	})
	f.seedItems(t, 2, 1, nil) // sibling still pending

	members := []int64{10, 11}
	cur := domain.ForQueue(1, domain.CategoryM2M, 1).WithGroup(members, true).CompletionCursor()

	if err := f.completion.CheckQueue(ctx, lastRun, cur); err != nil {
		t.Fatalf("check with pending sibling: %v", err)
	}
	if len(f.provider.subjects) != 0 {
		t.Fatalf("aggregate notification fired before siblings finished: %v", f.provider.subjects)
	}
	if len(f.queue.sent) != 1 || f.queue.sent[0].Delay != f.cfg.LongDelay {
		t.Fatalf("expected one long-delay re-check, got %v", f.queue.sent)
	}

	// Sibling finishes; the re-check passes the barrier.
	if err := f.repo.MarkProcessed(ctx, 2, domain.ProcessedUpdate{ChargeID: "8"}); err != nil {
		t.Fatalf("finish sibling: %v", err)
	}

	recheck := cur.RetryCompletion()
	if err := f.completion.CheckQueue(ctx, lastRun, recheck); err != nil {
		t.Fatalf("check after sibling finished: %v", err)
	}

	if len(f.provider.subjects) != 1 {
		t.Fatalf("expected exactly one aggregate notification, got %v", f.provider.subjects)
	}
	if !strings.Contains(f.provider.subjects[0], session.String()) {
		t.Fatalf("unexpected aggregate subject: %q", f.provider.subjects[0])
	}
	if len(f.provider.attachments[0]) == 0 {
		t.Fatalf("expected combined artifact attachment")
	}
}

func TestNonLastGroupMemberNeverNotifies(t *testing.T) {
	f := setupPipeline(t, testPipelineConfig())
	ctx := context.Background()

	session := uuid.New()
	memberRun := f.seedRun(t, 10, 1, session)
	f.seedItems(t, 1, 1, func(item *domain.ChargeItem) {
		item.IsProcessed = true
		item.ChargeID = "9"
	})

	cur := domain.ForQueue(1, domain.CategoryM2M, 1).WithGroup([]int64{10, 11}, false).CompletionCursor()
	if err := f.completion.CheckQueue(ctx, memberRun, cur); err != nil {
		t.Fatalf("check member: %v", err)
	}

	if len(f.provider.subjects) != 0 {
		t.Fatalf("non-last member must not notify, got %v", f.provider.subjects)
	}
	if len(f.queue.sent) != 0 {
		t.Fatalf("finished member must not re-enqueue, got %v", f.queue.sent)
	}
}

func TestGroupBarrierAbandonedSendsNothing(t *testing.T) {
	f := setupPipeline(t, testPipelineConfig())
	ctx := context.Background()

	session := uuid.New()
	lastRun := f.seedRun(t, 10, 1, session)
	f.seedRun(t, 11, 2, session)

	f.seedItems(t, 1, 1, func(item *domain.ChargeItem) {
		item.IsProcessed = true
		item.ChargeID = "7"
	})
	f.seedItems(t, 2, 1, nil) // sibling never finishes

	cur := domain.ForQueue(1, domain.CategoryM2M, 1).WithGroup([]int64{10, 11}, true).CompletionCursor()
	cur.CompletionRetries = f.cfg.MaxCompletionRetries

	if err := f.completion.CheckQueue(ctx, lastRun, cur); err != nil {
		t.Fatalf("check at ceiling: %v", err)
	}

	if len(f.provider.subjects) != 0 {
		t.Fatalf("abandoned group must not send a partial notification, got %v", f.provider.subjects)
	}
	if len(f.queue.sent) != 0 {
		t.Fatalf("abandoned group must not re-enqueue, got %v", f.queue.sent)
	}
}
