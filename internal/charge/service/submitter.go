package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/smallbiznis/chargeflow/internal/billingapi"
	"github.com/smallbiznis/chargeflow/internal/charge/domain"
	"github.com/smallbiznis/chargeflow/internal/clock"
	"github.com/smallbiznis/chargeflow/internal/config"
	"github.com/smallbiznis/chargeflow/internal/metrics"
	"github.com/smallbiznis/chargeflow/internal/notify"
	"go.uber.org/zap"
)

const terminalRetryMessage = "charge upload failed after final retry"

// pageContext carries everything one page invocation needs about its batch.
type pageContext struct {
	ref         domain.BatchRef
	offline     bool
	auth        billingapi.Credentials
	periodStart time.Time
	periodEnd   time.Time
	label       string
}

// failedItem pairs a still-pending item with the failure observed this pass.
type failedItem struct {
	item   domain.ChargeItem
	reason string
}

// Submitter runs one page of a batch through the billing provider. All state
// lives on the items and the incoming cursor; the submitter itself is
// stateless across invocations.
type Submitter struct {
	repo           domain.Repository
	api            billingapi.Client
	enq            *Enqueuer
	holder         *config.PipelineHolder
	notifier       *notify.Notifier
	metrics        *metrics.Pipeline
	clock          clock.Clock
	sendToProvider bool
	log            *zap.Logger
}

func NewSubmitter(
	repo domain.Repository,
	api billingapi.Client,
	enq *Enqueuer,
	holder *config.PipelineHolder,
	notifier *notify.Notifier,
	m *metrics.Pipeline,
	clk clock.Clock,
	cfg config.Config,
	log *zap.Logger,
) *Submitter {
	return &Submitter{
		repo:           repo,
		api:            api,
		enq:            enq,
		holder:         holder,
		notifier:       notifier,
		metrics:        m,
		clock:          clk,
		sendToProvider: cfg.SendToProvider,
		log:            log.Named("charge.submitter"),
	}
}

var _ domain.SubmissionService = (*Submitter)(nil)

func (s *Submitter) ProcessQueue(ctx context.Context, run *domain.BillingRun, cur domain.Cursor) error {
	pc := pageContext{
		ref:         cur.Ref(),
		offline:     run.IsOffline(),
		periodStart: run.BillingPeriodStart,
		periodEnd:   run.BillingPeriodEnd,
		label:       fmt.Sprintf("queue %d", cur.QueueID),
	}

	if !pc.offline {
		authID := cur.AuthID
		if authID == 0 && run.AuthID != nil {
			authID = *run.AuthID
		}
		auth, err := s.resolveAuth(ctx, authID, pc.label)
		if err != nil {
			return err
		}
		if auth == nil {
			return nil
		}
		pc.auth = *auth
	}

	return s.processPage(ctx, pc, cur)
}

func (s *Submitter) ProcessFile(ctx context.Context, file *domain.UploadedFile, cur domain.Cursor) error {
	pc := pageContext{
		ref:   cur.Ref(),
		label: fmt.Sprintf("file %d (%s)", file.ID, file.FileName),
	}

	authID := cur.AuthID
	if authID == 0 && file.AuthID != nil {
		authID = *file.AuthID
	}
	auth, err := s.resolveAuth(ctx, authID, pc.label)
	if err != nil {
		return err
	}
	if auth == nil {
		return nil
	}
	pc.auth = *auth

	return s.processPage(ctx, pc, cur)
}

// resolveAuth maps an auth reference to credentials. A missing reference is a
// configuration error: logged, nil returned, message dropped without retry.
func (s *Submitter) resolveAuth(ctx context.Context, authID int, label string) (*billingapi.Credentials, error) {
	if authID == 0 {
		s.log.Error("no provider auth reference for batch", zap.String("batch", label))
		return nil, nil
	}
	auth, err := s.repo.GetProviderAuth(ctx, authID)
	if errors.Is(err, domain.ErrAuthNotFound) {
		s.log.Error("provider auth not found", zap.String("batch", label), zap.Int("auth_id", authID))
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &billingapi.Credentials{AuthID: auth.ID, APIKey: auth.APIKey}, nil
}

func (s *Submitter) processPage(ctx context.Context, pc pageContext, cur domain.Cursor) error {
	cfg := s.holder.Current()
	started := s.clock.Now()
	defer func() {
		s.metrics.PageDuration.Observe(s.clock.Now().Sub(started).Seconds())
	}()

	totalPages, err := s.totalPages(ctx, pc.ref, cfg.PageSize)
	if err != nil {
		return err
	}

	// Only page 1 fans out, and only while the batch is untouched: a
	// redelivery after any item was processed skips fan-out, so the page
	// set is enqueued once per batch.
	if cur.Page == 1 && cur.SubmitRetries == 0 && totalPages > 1 {
		processed, err := s.repo.ProcessedCount(ctx, pc.ref)
		if err != nil {
			return err
		}
		if processed == 0 {
			for page := 2; page <= totalPages; page++ {
				if err := s.enq.SendShort(ctx, cur.PageCursor(page)); err != nil {
					return err
				}
			}
			s.log.Info("pages fanned out",
				zap.String("batch", pc.label),
				zap.Int("total_pages", totalPages),
			)
		}
	}

	offset := (cur.Page - 1) * cfg.PageSize
	items, err := s.repo.FetchPage(ctx, pc.ref, cfg.PageSize, offset)
	if err != nil {
		return err
	}

	if len(items) == 0 {
		s.metrics.PagesProcessed.WithLabelValues("empty").Inc()
		if cur.Page == totalPages {
			return s.handoff(ctx, cur)
		}
		return nil
	}

	policy := PolicyFor(cfg.SplitCharges, s.log)
	remaining, err := s.submitItems(ctx, pc, policy, items)
	if err != nil {
		return err
	}

	if len(remaining) > 0 {
		if cur.SubmitRetries < cfg.MaxSubmitRetries {
			s.sendErrorSummary(ctx, pc, cur, remaining)
			s.metrics.PageRetries.Inc()
			s.metrics.PagesProcessed.WithLabelValues("retried").Inc()
			s.log.Warn("page retry enqueued",
				zap.String("batch", pc.label),
				zap.Int("page", cur.Page),
				zap.Int("failed_items", len(remaining)),
				zap.Int("retry", cur.SubmitRetries+1),
			)
			return s.enq.SendShort(ctx, cur.RetryPage())
		}

		// Ceiling reached: the batch proceeds, the leftovers are terminal.
		for _, failed := range remaining {
			if err := s.repo.MarkProcessed(ctx, failed.item.ID, domain.ProcessedUpdate{
				HasErrors:    true,
				ErrorMessage: terminalRetryMessage,
				TotalAmount:  failed.item.TotalCharge,
			}); err != nil {
				return err
			}
		}
		s.metrics.PagesProcessed.WithLabelValues("forced_terminal").Inc()
		s.log.Error("submission retries exhausted, remaining items marked failed",
			zap.String("batch", pc.label),
			zap.Int("page", cur.Page),
			zap.Int("items", len(remaining)),
		)
	} else {
		s.metrics.PagesProcessed.WithLabelValues("ok").Inc()
	}

	// Strict equality: with a stable total exactly one page is the last one,
	// so a finished batch hands off to completion detection exactly once.
	if cur.Page == totalPages {
		return s.handoff(ctx, cur)
	}
	return nil
}

// totalPages sizes pagination over whichever category has the most items;
// both item categories share the page stream. The count covers processed
// items too, so the total is stable across the life of the batch and every
// page keeps addressing its original offset.
func (s *Submitter) totalPages(ctx context.Context, ref domain.BatchRef, pageSize int) (int, error) {
	var max int64
	for _, category := range domain.Categories() {
		count, err := s.repo.TotalCount(ctx, ref, category)
		if err != nil {
			return 0, err
		}
		if count > max {
			max = count
		}
	}
	pages := int((max + int64(pageSize) - 1) / int64(pageSize))
	if pages == 0 {
		// An empty batch is a single page so it still reaches completion.
		pages = 1
	}
	return pages, nil
}

// submitItems pushes one page through the provider, sequentially. The
// returned slice holds items still pending after this pass: attempted items
// that failed retryably, plus items never reached because the pass broke off
// on a rate limit or transport fault.
func (s *Submitter) submitItems(ctx context.Context, pc pageContext, policy ChargePolicy, items []domain.ChargeItem) ([]failedItem, error) {
	var remaining []failedItem

	for i := range items {
		item := items[i]

		if item.DeviceCharge == 0 && item.RateCharge == 0 && item.OverageCharge == 0 && item.SmsChargeAmount == 0 {
			if err := s.completeLocally(ctx, item); err != nil {
				return nil, err
			}
			continue
		}

		if pc.offline || !s.sendToProvider {
			if err := s.completeLocally(ctx, item); err != nil {
				return nil, err
			}
			continue
		}

		components, err := policy.Components(item)
		if errors.Is(err, ErrMissingPlanMapping) {
			if err := s.repo.MarkProcessed(ctx, item.ID, domain.ProcessedUpdate{
				HasErrors:    true,
				ErrorMessage: err.Error(),
				TotalAmount:  item.TotalCharge,
			}); err != nil {
				return nil, err
			}
			s.metrics.ChargesSubmitted.WithLabelValues("none", "terminal").Inc()
			continue
		}
		if len(components) == 0 {
			if err := s.completeLocally(ctx, item); err != nil {
				return nil, err
			}
			continue
		}

		number := item.ServiceNumber
		if number == "" {
			number = item.MSISDN
		}
		record, status, err := s.api.LookupServiceRecord(ctx, pc.auth, number)
		if err != nil {
			remaining = appendWithRest(remaining, items[i:], err.Error())
			break
		}
		if status == http.StatusTooManyRequests {
			remaining = appendWithRest(remaining, items[i:], "provider rate limit reached")
			break
		}
		if record == nil {
			if err := s.repo.MarkProcessed(ctx, item.ID, domain.ProcessedUpdate{
				HasErrors:    true,
				ErrorMessage: fmt.Sprintf("no active service record for line %s", number),
				TotalAmount:  item.TotalCharge,
			}); err != nil {
				return nil, err
			}
			continue
		}

		outcome, err := s.submitComponents(ctx, pc, item, record, components)
		if err != nil {
			return nil, err
		}
		switch {
		case outcome.breakPage:
			remaining = appendWithRest(remaining, items[i:], outcome.reason)
		case outcome.retryable:
			remaining = append(remaining, failedItem{item: item, reason: outcome.reason})
		}
		if outcome.breakPage {
			break
		}
	}

	return remaining, nil
}

type componentOutcome struct {
	retryable bool
	breakPage bool
	reason    string
}

// submitComponents runs every provider call for one item. The item is marked
// processed only when every component succeeded; a retryable component
// failure leaves the item pending for the page retry.
func (s *Submitter) submitComponents(ctx context.Context, pc pageContext, item domain.ChargeItem, record *billingapi.ServiceRecord, components []chargeComponent) (componentOutcome, error) {
	periodStart, periodEnd := pc.periodStart, pc.periodEnd
	if item.BillingStartDate != nil {
		periodStart = *item.BillingStartDate
	}
	if item.BillingEndDate != nil {
		periodEnd = *item.BillingEndDate
	}

	var chargeID, smsChargeID string
	for _, comp := range components {
		resp, err := s.api.SubmitCharge(ctx, pc.auth, billingapi.SubmitChargeRequest{
			ServiceID:   record.ServiceID,
			Kind:        comp.Kind,
			Amount:      comp.Amount,
			Description: comp.Description,
			PeriodStart: periodStart,
			PeriodEnd:   periodEnd,
		})
		if err != nil {
			s.metrics.ChargesSubmitted.WithLabelValues(string(comp.Kind), "error").Inc()
			return componentOutcome{retryable: true, breakPage: true, reason: err.Error()}, nil
		}
		if resp.StatusCode == http.StatusTooManyRequests {
			s.metrics.ChargesSubmitted.WithLabelValues(string(comp.Kind), "rate_limited").Inc()
			return componentOutcome{retryable: true, breakPage: true, reason: resp.ErrorMessage}, nil
		}
		if resp.HasErrors {
			s.metrics.ChargesSubmitted.WithLabelValues(string(comp.Kind), "rejected").Inc()
			return componentOutcome{retryable: true, reason: resp.ErrorMessage}, nil
		}

		s.metrics.ChargesSubmitted.WithLabelValues(string(comp.Kind), "ok").Inc()
		if comp.SMS {
			smsChargeID = strconv.Itoa(resp.ChargeID)
		} else if chargeID == "" {
			chargeID = strconv.Itoa(resp.ChargeID)
		}
	}

	err := s.repo.MarkProcessed(ctx, item.ID, domain.ProcessedUpdate{
		ChargeID:     chargeID,
		SmsChargeID:  smsChargeID,
		ChargeAmount: item.DeviceCharge,
		BaseAmount:   item.BaseRate,
		SmsAmount:    item.SmsChargeAmount,
		TotalAmount:  item.TotalCharge,
	})
	if err != nil {
		return componentOutcome{}, err
	}
	return componentOutcome{}, nil
}

// completeLocally marks an item processed without touching the provider:
// zero-amount items, offline customer segments and dry runs.
func (s *Submitter) completeLocally(ctx context.Context, item domain.ChargeItem) error {
	return s.repo.MarkProcessed(ctx, item.ID, domain.ProcessedUpdate{
		ChargeID:    "-1",
		SmsChargeID: "-1",
		TotalAmount: item.TotalCharge,
	})
}

// handoff hands the last page over to completion detection; group metadata
// travels forward unchanged on the cursor.
func (s *Submitter) handoff(ctx context.Context, cur domain.Cursor) error {
	return s.enq.SendShort(ctx, cur.CompletionCursor())
}

func (s *Submitter) sendErrorSummary(ctx context.Context, pc pageContext, cur domain.Cursor, remaining []failedItem) {
	subject := fmt.Sprintf("Charge submission errors: %s page %d", pc.label, cur.Page)

	var b strings.Builder
	fmt.Fprintf(&b, "<p>%d item(s) failed on %s, page %d. The page will be retried.</p><ul>", len(remaining), pc.label, cur.Page)
	for _, failed := range remaining {
		fmt.Fprintf(&b, "<li>%s: %s</li>", failed.item.MSISDN, failed.reason)
	}
	b.WriteString("</ul>")

	s.notifier.ErrorSummary(ctx, subject, b.String())
}

func appendWithRest(remaining []failedItem, rest []domain.ChargeItem, reason string) []failedItem {
	for i := range rest {
		remaining = append(remaining, failedItem{item: rest[i], reason: reason})
	}
	return remaining
}
