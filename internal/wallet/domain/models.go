package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// Wallet holds one user's credit balance. The balance is only changed through
// conditional updates issued by the wallet service and never drops below zero.
type Wallet struct {
	ID                   snowflake.ID  `gorm:"primaryKey" json:"id"`
	UserID               string        `gorm:"type:text;not null;uniqueIndex:ux_wallets_user_id" json:"user_id"`
	Balance              int64         `gorm:"not null;check:chk_wallets_balance_non_negative,balance >= 0" json:"balance"`
	PackageID            *snowflake.ID `json:"package_id,omitempty"`
	ExpiresAt            *time.Time    `json:"expires_at,omitempty"`
	InitialGrantConsumed bool          `gorm:"not null" json:"initial_grant_consumed"`
	Deleted              bool          `gorm:"not null" json:"deleted"`
	CreatedAt            time.Time     `gorm:"not null" json:"created_at"`
	UpdatedAt            time.Time     `gorm:"not null" json:"updated_at"`
}

func (Wallet) TableName() string { return "wallets" }

// Expired reports whether the wallet's package period has ended at now.
func (w Wallet) Expired(now time.Time) bool {
	return w.ExpiresAt != nil && !w.ExpiresAt.After(now)
}

type Direction string

const (
	DirectionIncrease Direction = "increase"
	DirectionDecrease Direction = "decrease"
)

type SourceType string

const (
	SourcePayment         SourceType = "payment"
	SourceBonus           SourceType = "bonus"
	SourceFeatureEndpoint SourceType = "feature_endpoint"
)

// Transaction is an immutable balance change. Decreases reference exactly one
// feature endpoint, increases a payment or bonus reference. Soft delete and
// restore are the only mutations and always move the balance with them.
type Transaction struct {
	ID                snowflake.ID      `gorm:"primaryKey" json:"id"`
	WalletID          snowflake.ID      `gorm:"not null;index" json:"wallet_id"`
	UserID            string            `gorm:"type:text;not null;index" json:"user_id"`
	Direction         Direction         `gorm:"type:text;not null" json:"direction"`
	Credits           int64             `gorm:"not null;check:chk_transactions_credits_non_negative,credits >= 0" json:"credits"`
	SourceType        SourceType        `gorm:"type:text;not null" json:"source_type"`
	SourceReference   *string           `gorm:"type:text" json:"source_reference,omitempty"`
	FeatureEndpointID *snowflake.ID     `json:"feature_endpoint_id,omitempty"`
	UsageKey          *string           `gorm:"type:text;uniqueIndex:ux_transactions_usage_key" json:"usage_key,omitempty"`
	Metadata          datatypes.JSONMap `json:"metadata,omitempty"`
	Deleted           bool              `gorm:"not null" json:"deleted"`
	DeletedAt         *time.Time        `json:"deleted_at,omitempty"`
	CreatedAt         time.Time         `gorm:"not null" json:"created_at"`

	UsageRecords []UsageRecord `gorm:"foreignKey:TransactionID" json:"usage_records,omitempty"`
}

func (Transaction) TableName() string { return "transactions" }

// UsageRecord is the rated breakdown of one usage item inside a settlement.
type UsageRecord struct {
	ID               snowflake.ID    `gorm:"primaryKey" json:"id"`
	TransactionID    snowflake.ID    `gorm:"not null;index" json:"transaction_id"`
	UsageKey         string          `gorm:"type:text;not null;index" json:"usage_key"`
	Model            string          `gorm:"type:text;not null" json:"model"`
	InputTokens      int64           `gorm:"not null" json:"input_tokens"`
	OutputTokens     int64           `gorm:"not null" json:"output_tokens"`
	InputPrice       decimal.Decimal `gorm:"type:numeric(36,24);not null" json:"input_price"`
	OutputPrice      decimal.Decimal `gorm:"type:numeric(36,24);not null" json:"output_price"`
	BaseCost         decimal.Decimal `gorm:"type:numeric(36,24);not null" json:"base_cost"`
	BaseCredits      decimal.Decimal `gorm:"type:numeric(36,12);not null" json:"base_credits"`
	ProfitCredits    decimal.Decimal `gorm:"type:numeric(36,12);not null" json:"profit_credits"`
	RoundingCredits  decimal.Decimal `gorm:"type:numeric(36,12);not null" json:"rounding_credits"`
	BilledCredits    int64           `gorm:"not null" json:"billed_credits"`
	CreditUnitPrice  decimal.Decimal `gorm:"type:numeric(24,12);not null" json:"credit_unit_price"`
	ProfitPercentage decimal.Decimal `gorm:"type:numeric(12,4);not null" json:"profit_percentage"`
	CreatedAt        time.Time       `gorm:"not null" json:"created_at"`
}

func (UsageRecord) TableName() string { return "usage_records" }
