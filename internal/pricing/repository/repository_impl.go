package repository

import (
	"context"

	"github.com/smallbiznis/creditmeter/internal/pricing/domain"
	"github.com/smallbiznis/creditmeter/pkg/repository"
	"gorm.io/gorm"
)

type repo struct {
	db      *gorm.DB
	billing repository.Repository[domain.BillingPrice]
	models  repository.Repository[domain.ModelPrice]
	margins repository.Repository[domain.ProfitMargin]
}

func Provide(db *gorm.DB) domain.Repository {
	return &repo{
		db:      db,
		billing: repository.ProvideStore[domain.BillingPrice](db),
		models:  repository.ProvideStore[domain.ModelPrice](db),
		margins: repository.ProvideStore[domain.ProfitMargin](db),
	}
}

func (r *repo) WithTrx(tx *gorm.DB) domain.Repository {
	return &repo{
		db:      tx,
		billing: r.billing.WithTrx(tx),
		models:  r.models.WithTrx(tx),
		margins: r.margins.WithTrx(tx),
	}
}

func (r *repo) ActiveBillingPrice(ctx context.Context) (*domain.BillingPrice, error) {
	return r.billing.FindOne(ctx, &domain.BillingPrice{Active: true})
}

// ReplaceBillingPrice deactivates the current price and inserts the new one.
// Callers run it inside a transaction.
func (r *repo) ReplaceBillingPrice(ctx context.Context, price *domain.BillingPrice) error {
	err := r.db.WithContext(ctx).
		Model(&domain.BillingPrice{}).
		Where("active = ?", true).
		Updates(map[string]any{"active": false, "updated_at": price.CreatedAt}).Error
	if err != nil {
		return err
	}
	return r.billing.Create(ctx, price)
}

func (r *repo) FindModelPrice(ctx context.Context, model string) (*domain.ModelPrice, error) {
	return r.models.FindOne(ctx, &domain.ModelPrice{Model: model})
}

func (r *repo) UpsertModelPrice(ctx context.Context, price *domain.ModelPrice) error {
	return r.models.Upsert(ctx, price,
		[]string{"model"},
		[]string{"input_price", "output_price", "token_unit", "updated_at"},
	)
}

func (r *repo) DeleteModelPrice(ctx context.Context, model string) (int64, error) {
	return r.models.DeleteWhere(ctx, &domain.ModelPrice{Model: model})
}

func (r *repo) ActiveProfitMargins(ctx context.Context) ([]*domain.ProfitMargin, error) {
	return r.margins.Find(ctx, &domain.ProfitMargin{Active: true})
}

func (r *repo) UpsertProfitMargin(ctx context.Context, margin *domain.ProfitMargin) error {
	return r.margins.Upsert(ctx, margin,
		[]string{"name"},
		[]string{"percentage", "active", "updated_at"},
	)
}

func (r *repo) DeleteProfitMargin(ctx context.Context, name string) (int64, error) {
	return r.margins.DeleteWhere(ctx, &domain.ProfitMargin{Name: name})
}
