package billingapi

import (
	"context"
	"time"
)

// ChargeKind names the charge component being submitted.
type ChargeKind string

const (
	KindUsage   ChargeKind = "usage"
	KindRate    ChargeKind = "rate"
	KindOverage ChargeKind = "overage"
	KindSMS     ChargeKind = "sms"
)

// Credentials authenticate one tenant against the billing provider.
type Credentials struct {
	AuthID int
	APIKey string
}

// SubmitChargeRequest describes one charge component for one service.
type SubmitChargeRequest struct {
	ServiceID   int64
	Kind        ChargeKind
	Amount      float64
	Description string
	PeriodStart time.Time
	PeriodEnd   time.Time
}

// SubmitChargeResponse is the structured per-call outcome. HasErrors with
// StatusCode 429 means the caller should treat the item as retryable.
type SubmitChargeResponse struct {
	ChargeID     int
	StatusCode   int
	HasErrors    bool
	ErrorMessage string
}

// ServiceRecord is the provider-side service a charge attaches to.
type ServiceRecord struct {
	ServiceID     int64  `json:"service_id"`
	Number        string `json:"number"`
	ActivatedDate string `json:"activated_date"`
}

// Client is the billing provider collaborator. Implementations bound their
// own transient retries; rate-limit responses surface via status codes, not
// errors, so the pipeline can apply its page-level retry policy.
type Client interface {
	SubmitCharge(ctx context.Context, auth Credentials, req SubmitChargeRequest) (*SubmitChargeResponse, error)

	// LookupServiceRecord resolves a line identifier to a service record.
	// Returns (nil, 429, nil) when rate-limited and (nil, 0, nil) when no
	// usable record exists.
	LookupServiceRecord(ctx context.Context, auth Credentials, number string) (*ServiceRecord, int, error)
}
