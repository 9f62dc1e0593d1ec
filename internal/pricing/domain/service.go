package domain

import (
	"context"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/creditmeter/pkg/apperror"
)

type Service interface {
	CreditUnitPrice(ctx context.Context) (decimal.Decimal, error)
	ModelPrice(ctx context.Context, model string) (*ModelPrice, error)
	ProfitPercentage(ctx context.Context) (decimal.Decimal, error)
	Quote(ctx context.Context, model string) (Quote, error)

	SetCreditUnitPrice(ctx context.Context, price decimal.Decimal) (*BillingPrice, error)
	UpsertModelPrice(ctx context.Context, req UpsertModelPriceRequest) (*ModelPrice, error)
	DeleteModelPrice(ctx context.Context, model string) error
	UpsertProfitMargin(ctx context.Context, req UpsertProfitMarginRequest) (*ProfitMargin, error)
	DeleteProfitMargin(ctx context.Context, name string) error
	// InvalidateAll drops every cached pricing entry.
	InvalidateAll(ctx context.Context) error
}

type UpsertModelPriceRequest struct {
	Model       string          `json:"model"`
	InputPrice  decimal.Decimal `json:"input_price"`
	OutputPrice decimal.Decimal `json:"output_price"`
	TokenUnit   int64           `json:"token_unit"`
}

type UpsertProfitMarginRequest struct {
	Name       string          `json:"name"`
	Percentage decimal.Decimal `json:"percentage"`
	Active     *bool           `json:"active,omitempty"`
}

var (
	ErrInvalidModel         = apperror.New(apperror.KindValidation, "invalid_model")
	ErrInvalidPrice         = apperror.New(apperror.KindValidation, "invalid_price")
	ErrInvalidTokenUnit     = apperror.New(apperror.KindValidation, "invalid_token_unit")
	ErrInvalidMarginName    = apperror.New(apperror.KindValidation, "invalid_margin_name")
	ErrInvalidPercentage    = apperror.New(apperror.KindValidation, "invalid_percentage")
	ErrBillingPriceNotSet   = apperror.New(apperror.KindNotFound, "billing_price_not_configured")
	ErrModelPriceNotFound   = apperror.New(apperror.KindNotFound, "model_price_not_found")
	ErrProfitMarginNotFound = apperror.New(apperror.KindNotFound, "profit_margin_not_found")
)
