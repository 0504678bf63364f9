package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/smallbiznis/chargeflow/internal/artifact"
	"github.com/smallbiznis/chargeflow/internal/barrier"
	"github.com/smallbiznis/chargeflow/internal/charge/domain"
	"github.com/smallbiznis/chargeflow/internal/clock"
	"github.com/smallbiznis/chargeflow/internal/config"
	customerdomain "github.com/smallbiznis/chargeflow/internal/customer/domain"
	"github.com/smallbiznis/chargeflow/internal/metrics"
	"github.com/smallbiznis/chargeflow/internal/notify"
	"go.uber.org/zap"
)

// Completion decides whether a batch has finished, produces its charge list
// artifact and fires the summary notification. Grouped batches funnel through
// a polling barrier so the aggregate notification fires at most once.
type Completion struct {
	repo      domain.Repository
	store     artifact.Store
	notifier  *notify.Notifier
	enq       *Enqueuer
	holder    *config.PipelineHolder
	customers customerdomain.Lookup
	metrics   *metrics.Pipeline
	clock     clock.Clock
	log       *zap.Logger
}

func NewCompletion(
	repo domain.Repository,
	store artifact.Store,
	notifier *notify.Notifier,
	enq *Enqueuer,
	holder *config.PipelineHolder,
	customers customerdomain.Lookup,
	m *metrics.Pipeline,
	clk clock.Clock,
	log *zap.Logger,
) *Completion {
	return &Completion{
		repo:      repo,
		store:     store,
		notifier:  notifier,
		enq:       enq,
		holder:    holder,
		customers: customers,
		metrics:   m,
		clock:     clk,
		log:       log.Named("charge.completion"),
	}
}

var _ domain.CompletionService = (*Completion)(nil)

func (c *Completion) CheckQueue(ctx context.Context, run *domain.BillingRun, cur domain.Cursor) error {
	label := fmt.Sprintf("queue %d", cur.QueueID)

	done, err := c.batchDone(ctx, cur, label)
	if err != nil || !done {
		return err
	}

	items, err := c.repo.ChargeList(ctx, cur.Ref())
	if err != nil {
		return err
	}

	name := fmt.Sprintf("charge_list_queue_%d.txt", cur.QueueID)
	data := artifact.Generate(items, run.BillingPeriodStart, run.BillingPeriodEnd)
	if !c.storeArtifact(ctx, name, data, label) {
		return nil
	}

	if !cur.Grouped {
		c.metrics.CompletionChecks.WithLabelValues("complete").Inc()
		subject := fmt.Sprintf("Charge summary: %s", label)
		c.notifier.BatchSummary(ctx, subject, summaryBody(label, items, c.clock.Now()), &notify.Attachment{Name: name, Content: data})
		return nil
	}

	if !cur.LastInGroup {
		// A sibling holds the barrier; this batch's artifact is enough.
		c.metrics.CompletionChecks.WithLabelValues("member_complete").Inc()
		c.log.Info("group member finished", zap.String("batch", label), zap.String("session", run.SessionKey.String()))
		return nil
	}

	return c.checkGroup(ctx, run, cur, label)
}

func (c *Completion) CheckFile(ctx context.Context, file *domain.UploadedFile, cur domain.Cursor) error {
	label := fmt.Sprintf("file %d (%s)", file.ID, file.FileName)

	done, err := c.batchDone(ctx, cur, label)
	if err != nil || !done {
		return err
	}

	items, err := c.repo.ChargeList(ctx, cur.Ref())
	if err != nil {
		return err
	}

	name := fmt.Sprintf("charge_list_file_%d.txt", file.ID)
	data := artifact.GenerateWithItemPeriods(items)
	if !c.storeArtifact(ctx, name, data, label) {
		return nil
	}

	c.metrics.CompletionChecks.WithLabelValues("complete").Inc()
	subject := fmt.Sprintf("Charge summary: uploaded file %s", file.FileName)
	c.notifier.BatchSummary(ctx, subject, summaryBody(label, items, c.clock.Now()), &notify.Attachment{Name: name, Content: data})
	return nil
}

// batchDone reports whether the batch has zero pending items, re-enqueueing a
// delayed re-check (bounded) when it does not.
func (c *Completion) batchDone(ctx context.Context, cur domain.Cursor, label string) (bool, error) {
	cfg := c.holder.Current()

	var pending int64
	for _, category := range domain.Categories() {
		count, err := c.repo.PendingCount(ctx, cur.Ref(), category)
		if err != nil {
			return false, err
		}
		pending += count
	}
	if pending == 0 {
		return true, nil
	}

	if cur.CompletionRetries < cfg.MaxCompletionRetries {
		c.metrics.CompletionChecks.WithLabelValues("wait").Inc()
		c.log.Info("batch still pending, completion re-check scheduled",
			zap.String("batch", label),
			zap.Int64("pending", pending),
			zap.Int("check", cur.CompletionRetries+1),
		)
		return false, c.enq.SendLong(ctx, cur.RetryCompletion())
	}

	c.metrics.CompletionChecks.WithLabelValues("abandoned").Inc()
	c.log.Error("could not confirm batch completion, giving up",
		zap.String("batch", label),
		zap.Int64("pending", pending),
	)
	return false, nil
}

// checkGroup runs the fan-in barrier for the last-in-group batch. Only this
// batch ever reaches here, so the aggregate notification cannot race.
func (c *Completion) checkGroup(ctx context.Context, run *domain.BillingRun, cur domain.Cursor, label string) error {
	cfg := c.holder.Current()

	b := barrier.New(cfg.MaxCompletionRetries)
	outcome, stillPending, err := b.Evaluate(ctx, cur.CompletionRetries, func(ctx context.Context) (int64, error) {
		for _, category := range domain.Categories() {
			pending, err := c.repo.GroupMembersStillPending(ctx, run.SessionKey.String(), category, true)
			if err != nil {
				return 0, err
			}
			if pending {
				return 1, nil
			}
		}
		return 0, nil
	})
	if err != nil {
		return err
	}

	switch outcome {
	case barrier.Wait:
		c.metrics.CompletionChecks.WithLabelValues("group_wait").Inc()
		c.log.Info("group siblings still pending, re-check scheduled",
			zap.String("batch", label),
			zap.String("session", run.SessionKey.String()),
			zap.Int("check", cur.CompletionRetries+1),
		)
		return c.enq.SendLong(ctx, cur.RetryCompletion())
	case barrier.Abandoned:
		c.metrics.CompletionChecks.WithLabelValues("group_abandoned").Inc()
		c.log.Error("could not confirm group completion, aggregate notification abandoned",
			zap.String("batch", label),
			zap.String("session", run.SessionKey.String()),
			zap.Int64("still_pending", stillPending),
		)
		return nil
	}

	return c.sendGroupSummary(ctx, run, cur)
}

func (c *Completion) sendGroupSummary(ctx context.Context, run *domain.BillingRun, cur domain.Cursor) error {
	memberIDs := cur.GroupMemberIDs
	if len(memberIDs) == 0 {
		memberIDs = []int64{run.ID}
	}

	rows, err := c.repo.GroupSummaryRows(ctx, memberIDs, cur.PortalType)
	if err != nil {
		return err
	}

	sections := make([]artifact.GroupSection, 0, len(rows))
	index := make(map[string]int, len(rows))
	for _, row := range rows {
		items, err := c.repo.ChargeList(ctx, domain.BatchRef{QueueID: row.QueueID})
		if err != nil {
			return err
		}
		name := c.customerName(ctx, row)
		if at, ok := index[name]; ok {
			sections[at].Items = append(sections[at].Items, items...)
			continue
		}
		index[name] = len(sections)
		sections = append(sections, artifact.GroupSection{
			CustomerName: name,
			Items:        items,
			PeriodStart:  run.BillingPeriodStart,
			PeriodEnd:    run.BillingPeriodEnd,
		})
	}

	name := fmt.Sprintf("charge_list_group_%s.txt", run.SessionKey)
	data := artifact.GenerateGroup(sections)
	if !c.storeArtifact(ctx, name, data, "group "+run.SessionKey.String()) {
		return nil
	}

	c.metrics.CompletionChecks.WithLabelValues("group_complete").Inc()
	subject := fmt.Sprintf("Charge summary for billing run group %s", run.SessionKey)
	c.notifier.GroupSummary(ctx, subject, groupSummaryBody(sections), &notify.Attachment{Name: name, Content: data})
	return nil
}

// storeArtifact uploads and verifies the artifact. Failure suppresses the
// notification; the batch itself is already complete.
func (c *Completion) storeArtifact(ctx context.Context, name string, data []byte, label string) bool {
	path, err := c.store.Put(ctx, name, data)
	if err != nil {
		c.log.Error("artifact upload failed, notification suppressed",
			zap.String("batch", label),
			zap.String("artifact", name),
			zap.Error(err),
		)
		return false
	}

	ok, err := c.store.Exists(ctx, name)
	if err != nil || !ok {
		c.log.Error("artifact verification failed, notification suppressed",
			zap.String("batch", label),
			zap.String("artifact", path),
			zap.Error(err),
		)
		return false
	}
	return true
}

func (c *Completion) customerName(ctx context.Context, row domain.QueueSummaryRow) string {
	if row.ProviderCustomerID != nil {
		if name, err := c.customers.NameByProviderID(ctx, *row.ProviderCustomerID); err == nil && name != "" {
			return name
		}
	}
	if row.LocalCustomerID != nil {
		if name, err := c.customers.NameByLocalID(ctx, *row.LocalCustomerID); err == nil && name != "" {
			return name
		}
	}
	return fmt.Sprintf("Queue %d", row.QueueID)
}

func summaryBody(label string, items []domain.ChargeItem, now time.Time) string {
	var succeeded, failed int
	var total float64
	for _, item := range items {
		if artifact.IsSuccessful(item) {
			succeeded++
		} else {
			failed++
		}
		total += item.DeviceCharge
	}

	var b strings.Builder
	fmt.Fprintf(&b, "<p>Charge processing finished for %s at %s.</p>", label, now.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "<p>%d charge(s) succeeded, %d failed, %.2f total. The full charge list is attached.</p>", succeeded, failed, total)
	return b.String()
}

func groupSummaryBody(sections []artifact.GroupSection) string {
	var b strings.Builder
	b.WriteString("<p>Charge processing finished for all batches in the group.</p><ul>")
	for _, section := range sections {
		var total float64
		for _, item := range section.Items {
			total += item.DeviceCharge
		}
		fmt.Fprintf(&b, "<li>%s: %d item(s), %.2f total</li>", section.CustomerName, len(section.Items), total)
	}
	b.WriteString("</ul><p>The combined charge list is attached.</p>")
	return b.String()
}
