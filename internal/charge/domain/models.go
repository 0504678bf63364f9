package domain

import (
	"time"

	"github.com/google/uuid"
)

// Category is the device portal category. The values match the upstream
// portal type enum and are carried verbatim on queue messages.
type Category int

const (
	CategoryM2M      Category = 0
	CategoryMobility Category = 2
)

// Categories lists every category scanned when asking whether a batch still
// has pending work.
func Categories() []Category {
	return []Category{CategoryM2M, CategoryMobility}
}

// ChargeItem is one line/device's computed charge for a batch. IsProcessed is
// the idempotency boundary: a processed item is never picked up by a later
// page read.
type ChargeItem struct {
	ID             int64  `gorm:"primaryKey"`
	QueueID        *int64 `gorm:"index"`
	UploadedFileID *int32 `gorm:"index"`
	Category       Category

	MSISDN            string
	ICCID             string
	ServiceNumber     string
	AccountNumber     string
	Description       string
	ServiceProviderID int
	RatePlanCode      string

	BaseRate        float64
	DeviceCharge    float64
	RateCharge      float64
	OverageCharge   float64
	SmsChargeAmount float64
	TotalCharge     float64

	IsBillInAdvance bool

	ProductTypeID        *int
	ProductID            *int
	OverageProductTypeID *int
	OverageProductID     *int
	SmsProductTypeID     *int
	SmsProductID         *int

	IsProcessed  bool `gorm:"not null;default:false;index"`
	HasErrors    bool `gorm:"not null;default:false"`
	ErrorMessage string
	ChargeID     string
	SmsChargeID  string

	BillingStartDate *time.Time
	BillingEndDate   *time.Time

	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

func (ChargeItem) TableName() string { return "charge_items" }

// BillingRun is the higher-level billing run (the "instance") that owns
// queue-originated batches. Runs sharing a SessionKey form a group.
type BillingRun struct {
	ID                 int64     `gorm:"primaryKey"`
	TenantID           int       `gorm:"not null"`
	SessionKey         uuid.UUID `gorm:"type:uuid;not null;index"`
	PortalType         Category  `gorm:"not null"`
	BillingPeriodStart time.Time `gorm:"not null"`
	BillingPeriodEnd   time.Time `gorm:"not null"`

	LocalCustomerID    *int64
	ProviderCustomerID *uuid.UUID `gorm:"type:uuid"`
	AuthID             *int

	CreatedAt time.Time `gorm:"not null"`
}

func (BillingRun) TableName() string { return "billing_runs" }

// IsOffline reports whether the run belongs to a local-only customer segment
// that never reaches the billing provider API.
func (r *BillingRun) IsOffline() bool {
	return r.LocalCustomerID != nil && r.ProviderCustomerID == nil && r.AuthID == nil
}

// RunQueue is one queue-originated batch within a billing run.
type RunQueue struct {
	ID           int64 `gorm:"primaryKey"`
	BillingRunID int64 `gorm:"not null;index"`
	CreatedAt    time.Time
}

func (RunQueue) TableName() string { return "run_queues" }

// UploadedFile is the metadata record behind a file-originated batch.
type UploadedFile struct {
	ID          int32 `gorm:"primaryKey"`
	FileName    string
	Status      string
	Description string
	AuthID      *int
	IsActive    bool `gorm:"not null;default:true"`
	IsDeleted   bool `gorm:"not null;default:false"`
	CreatedBy   string
	CreatedAt   time.Time `gorm:"not null"`
	ProcessedAt *time.Time
}

func (UploadedFile) TableName() string { return "uploaded_files" }

// QueueSummaryRow identifies a member batch whose rows feed the aggregate
// group notification, with the customer it bills against.
type QueueSummaryRow struct {
	QueueID            int64
	LocalCustomerID    *int64
	ProviderCustomerID *uuid.UUID
}

// ProviderAuth holds the billing provider credentials referenced by a run or
// uploaded file.
type ProviderAuth struct {
	ID        int    `gorm:"primaryKey"`
	Label     string `gorm:"not null"`
	APIKey    string `gorm:"not null"`
	CreatedAt time.Time
}

func (ProviderAuth) TableName() string { return "provider_auths" }

// ProcessedUpdate carries the outcome recorded when an item is marked
// processed. Writing the same update twice leaves persisted state unchanged.
type ProcessedUpdate struct {
	ChargeID     string
	SmsChargeID  string
	ChargeAmount float64
	BaseAmount   float64
	TotalAmount  float64
	SmsAmount    float64
	HasErrors    bool
	ErrorMessage string
}
