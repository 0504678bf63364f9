package domain

import (
	"context"

	"github.com/google/uuid"
)

// Lookup resolves customer display names for reporting. A missing customer
// resolves to an empty name, not an error; callers label it themselves.
type Lookup interface {
	NameByProviderID(ctx context.Context, providerID uuid.UUID) (string, error)
	NameByLocalID(ctx context.Context, id int64) (string, error)
}
