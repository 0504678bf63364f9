package notify

import (
	"context"

	"github.com/smallbiznis/chargeflow/internal/metrics"
	"go.uber.org/zap"
)

// Notifier sends operational mail for the charge pipeline. Delivery failures
// are logged and dropped; a lost email never blocks or retries a batch.
type Notifier struct {
	provider Provider
	to       []string
	metrics  *metrics.Pipeline
	log      *zap.Logger
}

func NewNotifier(provider Provider, to []string, m *metrics.Pipeline, log *zap.Logger) *Notifier {
	return &Notifier{
		provider: provider,
		to:       to,
		metrics:  m,
		log:      log.Named("notify"),
	}
}

// BatchSummary reports one finished batch, with the charge list attached.
func (n *Notifier) BatchSummary(ctx context.Context, subject, htmlBody string, attachment *Attachment) {
	n.send(ctx, "batch", subject, htmlBody, attachment)
}

// GroupSummary reports a whole batch group after every member finished.
func (n *Notifier) GroupSummary(ctx context.Context, subject, htmlBody string, attachment *Attachment) {
	n.send(ctx, "group", subject, htmlBody, attachment)
}

// ErrorSummary reports per-item failures on a page that is being retried.
func (n *Notifier) ErrorSummary(ctx context.Context, subject, htmlBody string) {
	n.send(ctx, "error", subject, htmlBody, nil)
}

func (n *Notifier) send(ctx context.Context, scope, subject, htmlBody string, attachment *Attachment) {
	if len(n.to) == 0 {
		n.log.Debug("no notification recipients configured", zap.String("scope", scope))
		return
	}

	var attachments []Attachment
	if attachment != nil {
		attachments = append(attachments, *attachment)
	}

	if err := n.provider.Send(ctx, n.to, subject, htmlBody, attachments...); err != nil {
		n.log.Error("notification send failed",
			zap.String("scope", scope),
			zap.String("subject", subject),
			zap.Error(err),
		)
		return
	}

	n.metrics.NotificationsSent.WithLabelValues(scope).Inc()
	n.log.Info("notification sent", zap.String("scope", scope), zap.String("subject", subject))
}
