// Package rating converts token usage into billable credits.
//
// The calculator is pure: it performs no I/O and never looks up prices itself.
// Callers resolve prices (see internal/pricing) and pass them in.
package rating

import (
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/creditmeter/pkg/apperror"
)

var (
	ErrInvalidTokens          = apperror.New(apperror.KindValidation, "invalid_token_count")
	ErrInvalidPrice           = apperror.New(apperror.KindValidation, "invalid_unit_price")
	ErrInvalidCreditUnitPrice = apperror.New(apperror.KindValidation, "invalid_credit_unit_price")
	ErrInvalidProfitPercent   = apperror.New(apperror.KindValidation, "invalid_profit_percentage")
)

var hundred = decimal.NewFromInt(100)

// Input is one usage item with the prices in effect when it is rated.
// InputPrice and OutputPrice are per single token.
type Input struct {
	InputTokens      int64
	OutputTokens     int64
	InputPrice       decimal.Decimal
	OutputPrice      decimal.Decimal
	CreditUnitPrice  decimal.Decimal
	ProfitPercentage decimal.Decimal
}

// Charge is the audit breakdown of one rated usage item.
type Charge struct {
	InputCost       decimal.Decimal `json:"input_cost"`
	OutputCost      decimal.Decimal `json:"output_cost"`
	Cost            decimal.Decimal `json:"cost"`
	BaseCredits     decimal.Decimal `json:"base_credits"`
	ProfitCredits   decimal.Decimal `json:"profit_credits"`
	RawCredits      decimal.Decimal `json:"raw_credits"`
	RoundingCredits decimal.Decimal `json:"rounding_credits"`
	BilledCredits   int64           `json:"billed_credits"`
}

// Calculate rates a single usage item. The billed amount is the ceiling of the
// margin-adjusted credits; the fractional remainder is reported as RoundingCredits.
func Calculate(in Input) (Charge, error) {
	if in.InputTokens < 0 || in.OutputTokens < 0 {
		return Charge{}, ErrInvalidTokens
	}
	if in.InputPrice.IsNegative() || in.OutputPrice.IsNegative() {
		return Charge{}, ErrInvalidPrice
	}
	if !in.CreditUnitPrice.IsPositive() {
		return Charge{}, ErrInvalidCreditUnitPrice
	}
	if in.ProfitPercentage.IsNegative() {
		return Charge{}, ErrInvalidProfitPercent
	}

	inputCost := decimal.NewFromInt(in.InputTokens).Mul(in.InputPrice)
	outputCost := decimal.NewFromInt(in.OutputTokens).Mul(in.OutputPrice)
	cost := inputCost.Add(outputCost)

	base := cost.Div(in.CreditUnitPrice)
	raw := base.Mul(decimal.NewFromInt(1).Add(in.ProfitPercentage.Div(hundred)))
	billed := raw.Ceil()

	return Charge{
		InputCost:       inputCost,
		OutputCost:      outputCost,
		Cost:            cost,
		BaseCredits:     base,
		ProfitCredits:   raw.Sub(base),
		RawCredits:      raw,
		RoundingCredits: billed.Sub(raw),
		BilledCredits:   billed.IntPart(),
	}, nil
}

// CalculateAll rates every item independently so each one is rounded up on its own.
func CalculateAll(inputs []Input) ([]Charge, int64, error) {
	charges := make([]Charge, 0, len(inputs))
	for _, in := range inputs {
		charge, err := Calculate(in)
		if err != nil {
			return nil, 0, err
		}
		charges = append(charges, charge)
	}
	return charges, Sum(charges), nil
}

// Sum totals the billed credits of already rated items.
func Sum(charges []Charge) int64 {
	var total int64
	for _, c := range charges {
		total += c.BilledCredits
	}
	return total
}
