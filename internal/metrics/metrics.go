package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/fx"
)

// Pipeline holds the prometheus collectors for the charge pipeline.
type Pipeline struct {
	PagesProcessed    *prometheus.CounterVec
	ChargesSubmitted  *prometheus.CounterVec
	PageRetries       prometheus.Counter
	CompletionChecks  *prometheus.CounterVec
	NotificationsSent *prometheus.CounterVec
	PageDuration      prometheus.Histogram
}

func NewPipeline(reg *prometheus.Registry) *Pipeline {
	p := &Pipeline{
		PagesProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chargeflow",
			Name:      "pages_processed_total",
			Help:      "Charge pages processed, by outcome.",
		}, []string{"outcome"}),
		ChargesSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chargeflow",
			Name:      "charges_submitted_total",
			Help:      "Charges submitted to the billing provider, by kind and outcome.",
		}, []string{"kind", "outcome"}),
		PageRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chargeflow",
			Name:      "page_retries_total",
			Help:      "Page-level submission retries enqueued.",
		}),
		CompletionChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chargeflow",
			Name:      "completion_checks_total",
			Help:      "Completion checks, by result.",
		}, []string{"result"}),
		NotificationsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chargeflow",
			Name:      "notifications_sent_total",
			Help:      "Summary notifications sent, by scope.",
		}, []string{"scope"}),
		PageDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "chargeflow",
			Name:      "page_duration_seconds",
			Help:      "Wall time spent processing one page.",
			Buckets:   prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(
		p.PagesProcessed,
		p.ChargesSubmitted,
		p.PageRetries,
		p.CompletionChecks,
		p.NotificationsSent,
		p.PageDuration,
	)
	return p
}

func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	return reg
}

// NewNop returns collectors bound to a throwaway registry, used by tests.
func NewNop() *Pipeline {
	return NewPipeline(prometheus.NewRegistry())
}

var Module = fx.Module("metrics",
	fx.Provide(
		NewRegistry,
		NewPipeline,
	),
)
