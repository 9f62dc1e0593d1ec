package domain

import (
	"context"

	"gorm.io/gorm"
)

type Repository interface {
	WithTrx(tx *gorm.DB) Repository

	ActiveBillingPrice(ctx context.Context) (*BillingPrice, error)
	ReplaceBillingPrice(ctx context.Context, price *BillingPrice) error

	FindModelPrice(ctx context.Context, model string) (*ModelPrice, error)
	UpsertModelPrice(ctx context.Context, price *ModelPrice) error
	DeleteModelPrice(ctx context.Context, model string) (int64, error)

	ActiveProfitMargins(ctx context.Context) ([]*ProfitMargin, error)
	UpsertProfitMargin(ctx context.Context, margin *ProfitMargin) error
	DeleteProfitMargin(ctx context.Context, name string) (int64, error)
}
