package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/smallbiznis/chargeflow/internal/customer/domain"
	"gorm.io/gorm"
)

type repo struct {
	db *gorm.DB
}

func Provide(db *gorm.DB) domain.Lookup {
	return &repo{db: db}
}

func (r *repo) NameByProviderID(ctx context.Context, providerID uuid.UUID) (string, error) {
	var customer domain.Customer
	err := r.db.WithContext(ctx).Raw(
		`SELECT id, name FROM customers WHERE provider_id = ?`,
		providerID,
	).Scan(&customer).Error
	if err != nil {
		return "", err
	}
	return customer.Name, nil
}

func (r *repo) NameByLocalID(ctx context.Context, id int64) (string, error) {
	var customer domain.Customer
	err := r.db.WithContext(ctx).Raw(
		`SELECT id, name FROM customers WHERE id = ?`,
		id,
	).Scan(&customer).Error
	if err != nil {
		return "", err
	}
	return customer.Name, nil
}
