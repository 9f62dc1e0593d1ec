package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/creditmeter/internal/rating"
	walletdomain "github.com/smallbiznis/creditmeter/internal/wallet/domain"
)

// UsageItem is one model invocation reported by feature-serving code.
type UsageItem struct {
	Model        string `json:"model"`
	InputTokens  int64  `json:"input_tokens"`
	OutputTokens int64  `json:"output_tokens"`
}

// PricedItem is a usage item rated with the prices in effect at End.
type PricedItem struct {
	UsageItem
	InputPrice       decimal.Decimal `json:"input_price"`
	OutputPrice      decimal.Decimal `json:"output_price"`
	CreditUnitPrice  decimal.Decimal `json:"credit_unit_price"`
	ProfitPercentage decimal.Decimal `json:"profit_percentage"`
	Charge           rating.Charge   `json:"charge"`
}

// Record converts the item to the ledger's usage record.
func (p PricedItem) Record(usageKey string) walletdomain.UsageRecord {
	return walletdomain.UsageRecord{
		UsageKey:         usageKey,
		Model:            p.Model,
		InputTokens:      p.InputTokens,
		OutputTokens:     p.OutputTokens,
		InputPrice:       p.InputPrice,
		OutputPrice:      p.OutputPrice,
		BaseCost:         p.Charge.Cost,
		BaseCredits:      p.Charge.BaseCredits,
		ProfitCredits:    p.Charge.ProfitCredits,
		RoundingCredits:  p.Charge.RoundingCredits,
		BilledCredits:    p.Charge.BilledCredits,
		CreditUnitPrice:  p.CreditUnitPrice,
		ProfitPercentage: p.ProfitPercentage,
	}
}

// PricedSettlement is a fully rated End call waiting to be debited. It is
// also the entry type carried by aggregated batches.
type PricedSettlement struct {
	UserID            string       `json:"user_id"`
	FeatureEndpointID snowflake.ID `json:"feature_endpoint_id"`
	FeatureCode       string       `json:"feature_code,omitempty"`
	UsageKey          string       `json:"usage_key"`
	Items             []PricedItem `json:"items"`
	PricedAt          time.Time    `json:"priced_at"`
	CorrelationID     string       `json:"correlation_id,omitempty"`
}

// Credits is the amount to debit: every item is rounded up on its own.
func (p PricedSettlement) Credits() int64 {
	var total int64
	for _, item := range p.Items {
		total += item.Charge.BilledCredits
	}
	return total
}

func (p PricedSettlement) DebitRequest() walletdomain.DebitRequest {
	records := make([]walletdomain.UsageRecord, 0, len(p.Items))
	for _, item := range p.Items {
		records = append(records, item.Record(p.UsageKey))
	}
	req := walletdomain.DebitRequest{
		UserID:            p.UserID,
		FeatureEndpointID: p.FeatureEndpointID,
		UsageKey:          p.UsageKey,
		Records:           records,
	}
	if p.FeatureCode != "" {
		req.Metadata = map[string]any{"feature_code": p.FeatureCode}
	}
	return req
}

// UserBatch holds one user's entries in enqueue order.
type UserBatch struct {
	UserID  string             `json:"user_id"`
	Entries []PricedSettlement `json:"entries"`
}

// Batch is a flushed aggregation window. It is published to the settlement
// channel as is.
type Batch struct {
	ID            string      `json:"batch_id"`
	Users         []UserBatch `json:"batches"`
	Timestamp     time.Time   `json:"timestamp"`
	CorrelationID string      `json:"correlation_id,omitempty"`
}

func (b Batch) EntryCount() int {
	n := 0
	for _, u := range b.Users {
		n += len(u.Entries)
	}
	return n
}

// Validate rejects payloads that can never be settled.
func (b Batch) Validate() error {
	if len(b.Users) == 0 {
		return ErrEmptyBatch
	}
	for _, u := range b.Users {
		if u.UserID == "" {
			return ErrInvalidUserID
		}
		if len(u.Entries) == 0 {
			return ErrEmptyBatch
		}
		for _, e := range u.Entries {
			if e.UsageKey == "" {
				return ErrInvalidUsageKey
			}
			if e.FeatureEndpointID == 0 {
				return ErrFeatureNotFound
			}
			if len(e.Items) == 0 {
				return ErrInvalidItems
			}
			for _, item := range e.Items {
				if item.Charge.BilledCredits < 0 {
					return ErrInvalidItems
				}
			}
		}
	}
	return nil
}
