package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

// DefaultTokenUnit is the token count model prices are quoted for.
const DefaultTokenUnit int64 = 1000

// BillingPrice is the currency value of one credit. Only one row is active;
// older rows are kept for audit.
type BillingPrice struct {
	ID              snowflake.ID    `gorm:"primaryKey" json:"id"`
	CreditUnitPrice decimal.Decimal `gorm:"type:numeric(24,12);not null" json:"credit_unit_price"`
	Active          bool            `gorm:"not null;index" json:"active"`
	CreatedAt       time.Time       `gorm:"not null" json:"created_at"`
	UpdatedAt       time.Time       `gorm:"not null" json:"updated_at"`
}

func (BillingPrice) TableName() string { return "billing_prices" }

// ModelPrice is the price of a model's input and output tokens, quoted per TokenUnit tokens.
type ModelPrice struct {
	ID          snowflake.ID    `gorm:"primaryKey" json:"id"`
	Model       string          `gorm:"type:text;not null;uniqueIndex:ux_model_prices_model" json:"model"`
	InputPrice  decimal.Decimal `gorm:"type:numeric(24,12);not null" json:"input_price"`
	OutputPrice decimal.Decimal `gorm:"type:numeric(24,12);not null" json:"output_price"`
	TokenUnit   int64           `gorm:"not null;default:1000" json:"token_unit"`
	CreatedAt   time.Time       `gorm:"not null" json:"created_at"`
	UpdatedAt   time.Time       `gorm:"not null" json:"updated_at"`
}

func (ModelPrice) TableName() string { return "model_prices" }

// PerTokenInput returns the price of a single input token.
func (m ModelPrice) PerTokenInput() decimal.Decimal {
	return perToken(m.InputPrice, m.TokenUnit)
}

// PerTokenOutput returns the price of a single output token.
func (m ModelPrice) PerTokenOutput() decimal.Decimal {
	return perToken(m.OutputPrice, m.TokenUnit)
}

func perToken(price decimal.Decimal, unit int64) decimal.Decimal {
	if unit <= 0 {
		unit = DefaultTokenUnit
	}
	return price.DivRound(decimal.NewFromInt(unit), 24)
}

// ProfitMargin is one named margin component. Active margins are summed.
type ProfitMargin struct {
	ID         snowflake.ID    `gorm:"primaryKey" json:"id"`
	Name       string          `gorm:"type:text;not null;uniqueIndex:ux_profit_margins_name" json:"name"`
	Percentage decimal.Decimal `gorm:"type:numeric(12,4);not null" json:"percentage"`
	Active     bool            `gorm:"not null" json:"active"`
	CreatedAt  time.Time       `gorm:"not null" json:"created_at"`
	UpdatedAt  time.Time       `gorm:"not null" json:"updated_at"`
}

func (ProfitMargin) TableName() string { return "profit_margins" }

// Quote is everything the calculator needs to rate one model's usage.
type Quote struct {
	Model            string          `json:"model"`
	InputPrice       decimal.Decimal `json:"input_price"`
	OutputPrice      decimal.Decimal `json:"output_price"`
	CreditUnitPrice  decimal.Decimal `json:"credit_unit_price"`
	ProfitPercentage decimal.Decimal `json:"profit_percentage"`
}
