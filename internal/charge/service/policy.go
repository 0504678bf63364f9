package service

import (
	"errors"

	"github.com/smallbiznis/chargeflow/internal/billingapi"
	"github.com/smallbiznis/chargeflow/internal/charge/domain"
	"go.uber.org/zap"
)

// ErrMissingPlanMapping marks an item whose billing-plan configuration is
// absent. Terminal for the item: it is recorded as processed-with-error and
// never retried.
var ErrMissingPlanMapping = errors.New("no billing plan mapping for charge item")

// chargeComponent is one provider call derived from an item.
type chargeComponent struct {
	Kind        billingapi.ChargeKind
	Amount      float64
	Description string
	SMS         bool
}

// ChargePolicy decomposes one item into the provider calls it requires.
// The policy is selected once per batch, not per item.
type ChargePolicy interface {
	Name() string
	Components(item domain.ChargeItem) ([]chargeComponent, error)
}

func PolicyFor(split bool, log *zap.Logger) ChargePolicy {
	if split {
		return &splitPolicy{log: log.Named("charge.policy.split")}
	}
	return legacyPolicy{}
}

// legacyPolicy submits one combined usage charge per item, plus an SMS
// charge when present.
type legacyPolicy struct{}

func (legacyPolicy) Name() string { return "legacy" }

func (legacyPolicy) Components(item domain.ChargeItem) ([]chargeComponent, error) {
	var components []chargeComponent

	if item.DeviceCharge != 0 {
		if item.ProductTypeID == nil || item.ProductID == nil {
			return nil, ErrMissingPlanMapping
		}
		components = append(components, chargeComponent{
			Kind:        billingapi.KindUsage,
			Amount:      item.DeviceCharge,
			Description: item.Description,
		})
	}

	if item.SmsChargeAmount > 0 && !item.IsBillInAdvance {
		if item.SmsProductTypeID == nil || item.SmsProductID == nil {
			return nil, ErrMissingPlanMapping
		}
		components = append(components, chargeComponent{
			Kind:   billingapi.KindSMS,
			Amount: item.SmsChargeAmount,
			SMS:    true,
		})
	}

	return components, nil
}

// splitPolicy submits rate and overage charges separately. A positive
// component whose mapping is missing is skipped with a log line; the item
// still completes through its remaining components.
type splitPolicy struct {
	log *zap.Logger
}

func (*splitPolicy) Name() string { return "split" }

func (p *splitPolicy) Components(item domain.ChargeItem) ([]chargeComponent, error) {
	var components []chargeComponent

	if item.RateCharge > 0 {
		if item.ProductTypeID == nil || item.ProductID == nil {
			p.log.Warn("rate charge skipped, no product mapping", zap.Int64("item_id", item.ID))
		} else {
			components = append(components, chargeComponent{
				Kind:        billingapi.KindRate,
				Amount:      item.RateCharge,
				Description: item.Description,
			})
		}
	}

	if item.OverageCharge > 0 {
		if item.OverageProductTypeID == nil || item.OverageProductID == nil {
			p.log.Warn("overage charge skipped, no product mapping", zap.Int64("item_id", item.ID))
		} else {
			components = append(components, chargeComponent{
				Kind:        billingapi.KindOverage,
				Amount:      item.OverageCharge,
				Description: item.Description,
			})
		}
	}

	if item.SmsChargeAmount > 0 && !item.IsBillInAdvance {
		if item.SmsProductTypeID == nil || item.SmsProductID == nil {
			p.log.Warn("sms charge skipped, no product mapping", zap.Int64("item_id", item.ID))
		} else {
			components = append(components, chargeComponent{
				Kind:   billingapi.KindSMS,
				Amount: item.SmsChargeAmount,
				SMS:    true,
			})
		}
	}

	if len(components) == 0 && (item.RateCharge > 0 || item.OverageCharge > 0 || item.SmsChargeAmount > 0) {
		return nil, ErrMissingPlanMapping
	}

	return components, nil
}
