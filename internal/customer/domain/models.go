package domain

import (
	"time"

	"github.com/google/uuid"
)

// Customer is the locally mirrored billing customer. Provider-managed
// customers carry a ProviderID; offline customers exist only here.
type Customer struct {
	ID            int64      `gorm:"primaryKey" json:"id"`
	ProviderID    *uuid.UUID `gorm:"type:uuid;uniqueIndex" json:"provider_id,omitempty"`
	Name          string     `gorm:"not null" json:"name"`
	AccountNumber string     `gorm:"column:account_number" json:"account_number,omitempty"`
	IsActive      bool       `gorm:"not null;default:true" json:"is_active"`
	CreatedAt     time.Time  `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt     time.Time  `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

func (Customer) TableName() string {
	return "customers"
}
