package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/creditmeter/internal/cache"
	"github.com/smallbiznis/creditmeter/internal/clock"
	"github.com/smallbiznis/creditmeter/internal/pricing/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Repo  domain.Repository
	Cache *cache.MultiLevel
	Clock clock.Clock
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	repo  domain.Repository
	genID *snowflake.Node
	cache *cache.MultiLevel
	clock clock.Clock
}

func New(p Params) domain.Service {
	clk := p.Clock
	if clk == nil {
		clk = clock.New()
	}
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("pricing.service"),
		repo:  p.Repo,
		genID: p.GenID,
		cache: p.Cache,
		clock: clk,
	}
}

func normalizeModel(model string) string {
	return strings.ToLower(strings.TrimSpace(model))
}

func (s *Service) CreditUnitPrice(ctx context.Context) (decimal.Decimal, error) {
	return cache.GetOrLoad(ctx, s.cache, cache.KeyBillingPrice, s.cache.DefaultTTL(),
		func(ctx context.Context) (decimal.Decimal, error) {
			price, err := s.repo.ActiveBillingPrice(ctx)
			if err != nil {
				return decimal.Zero, err
			}
			if price == nil {
				return decimal.Zero, domain.ErrBillingPriceNotSet
			}
			return price.CreditUnitPrice, nil
		})
}

func (s *Service) ModelPrice(ctx context.Context, model string) (*domain.ModelPrice, error) {
	model = normalizeModel(model)
	if model == "" {
		return nil, domain.ErrInvalidModel
	}
	return cache.GetOrLoad(ctx, s.cache, cache.ModelPriceKey(model), s.cache.DefaultTTL(),
		func(ctx context.Context) (*domain.ModelPrice, error) {
			price, err := s.repo.FindModelPrice(ctx, model)
			if err != nil {
				return nil, err
			}
			if price == nil {
				return nil, domain.ErrModelPriceNotFound
			}
			return price, nil
		})
}

// ProfitPercentage is the sum of all active margins; zero when none are set.
func (s *Service) ProfitPercentage(ctx context.Context) (decimal.Decimal, error) {
	return cache.GetOrLoad(ctx, s.cache, cache.KeyProfitPercentage, s.cache.DefaultTTL(),
		func(ctx context.Context) (decimal.Decimal, error) {
			margins, err := s.repo.ActiveProfitMargins(ctx)
			if err != nil {
				return decimal.Zero, err
			}
			total := decimal.Zero
			for _, m := range margins {
				total = total.Add(m.Percentage)
			}
			return total, nil
		})
}

func (s *Service) Quote(ctx context.Context, model string) (domain.Quote, error) {
	price, err := s.ModelPrice(ctx, model)
	if err != nil {
		return domain.Quote{}, err
	}
	unit, err := s.CreditUnitPrice(ctx)
	if err != nil {
		return domain.Quote{}, err
	}
	pct, err := s.ProfitPercentage(ctx)
	if err != nil {
		return domain.Quote{}, err
	}
	return domain.Quote{
		Model:            price.Model,
		InputPrice:       price.PerTokenInput(),
		OutputPrice:      price.PerTokenOutput(),
		CreditUnitPrice:  unit,
		ProfitPercentage: pct,
	}, nil
}

func (s *Service) SetCreditUnitPrice(ctx context.Context, price decimal.Decimal) (*domain.BillingPrice, error) {
	if !price.IsPositive() {
		return nil, domain.ErrInvalidPrice
	}
	now := s.clock.Now()
	record := &domain.BillingPrice{
		ID:              s.genID.Generate(),
		CreditUnitPrice: price,
		Active:          true,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return s.repo.WithTrx(tx).ReplaceBillingPrice(ctx, record)
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("credit unit price updated", zap.String("credit_unit_price", price.String()))
	return record, s.cache.Delete(ctx, cache.KeyBillingPrice)
}

func (s *Service) UpsertModelPrice(ctx context.Context, req domain.UpsertModelPriceRequest) (*domain.ModelPrice, error) {
	model := normalizeModel(req.Model)
	if model == "" {
		return nil, domain.ErrInvalidModel
	}
	if req.InputPrice.IsNegative() || req.OutputPrice.IsNegative() {
		return nil, domain.ErrInvalidPrice
	}
	unit := req.TokenUnit
	if unit == 0 {
		unit = domain.DefaultTokenUnit
	}
	if unit < 0 {
		return nil, domain.ErrInvalidTokenUnit
	}

	now := s.clock.Now()
	record := &domain.ModelPrice{
		ID:          s.genID.Generate(),
		Model:       model,
		InputPrice:  req.InputPrice,
		OutputPrice: req.OutputPrice,
		TokenUnit:   unit,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.repo.UpsertModelPrice(ctx, record); err != nil {
		return nil, err
	}
	saved, err := s.repo.FindModelPrice(ctx, model)
	if err != nil {
		return nil, err
	}
	return saved, s.cache.Delete(ctx, cache.ModelPriceKey(model))
}

func (s *Service) DeleteModelPrice(ctx context.Context, model string) error {
	model = normalizeModel(model)
	if model == "" {
		return domain.ErrInvalidModel
	}
	rows, err := s.repo.DeleteModelPrice(ctx, model)
	if err != nil {
		return err
	}
	if rows == 0 {
		return domain.ErrModelPriceNotFound
	}
	return s.cache.Delete(ctx, cache.ModelPriceKey(model))
}

func (s *Service) UpsertProfitMargin(ctx context.Context, req domain.UpsertProfitMarginRequest) (*domain.ProfitMargin, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, domain.ErrInvalidMarginName
	}
	if req.Percentage.IsNegative() {
		return nil, domain.ErrInvalidPercentage
	}
	active := true
	if req.Active != nil {
		active = *req.Active
	}

	now := s.clock.Now()
	record := &domain.ProfitMargin{
		ID:         s.genID.Generate(),
		Name:       name,
		Percentage: req.Percentage,
		Active:     active,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.repo.UpsertProfitMargin(ctx, record); err != nil {
		return nil, err
	}
	return record, s.cache.Delete(ctx, cache.KeyProfitPercentage)
}

func (s *Service) DeleteProfitMargin(ctx context.Context, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return domain.ErrInvalidMarginName
	}
	rows, err := s.repo.DeleteProfitMargin(ctx, name)
	if err != nil {
		return err
	}
	if rows == 0 {
		return domain.ErrProfitMarginNotFound
	}
	return s.cache.Delete(ctx, cache.KeyProfitPercentage)
}

func (s *Service) InvalidateAll(ctx context.Context) error {
	return s.cache.DeleteByPrefix(ctx, cache.PrefixPricing)
}

var _ domain.Service = (*Service)(nil)
