package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/creditmeter/pkg/apperror"
)

// Service is the only writer of wallet balances.
type Service interface {
	EnsureWallet(ctx context.Context, userID string) (*Wallet, error)
	GetByUserID(ctx context.Context, userID string) (*Wallet, error)
	AssignPackage(ctx context.Context, req AssignPackageRequest) (*Wallet, error)

	Decrement(ctx context.Context, userID string, credits int64) (int64, error)
	Increment(ctx context.Context, req IncrementRequest) (*Result, error)
	Debit(ctx context.Context, req DebitRequest) (*Result, error)
	DebitSequence(ctx context.Context, userID string, reqs []DebitRequest) (*SequenceResult, error)

	DeleteTransaction(ctx context.Context, id snowflake.ID) (*Result, error)
	RestoreTransaction(ctx context.Context, id snowflake.ID) (*Result, error)
	ListTransactions(ctx context.Context, userID string, limit int) ([]Transaction, error)
}

type AssignPackageRequest struct {
	UserID    string        `json:"user_id"`
	PackageID *snowflake.ID `json:"package_id"`
	ExpiresAt *time.Time    `json:"expires_at"`
}

// IncrementRequest adds credits from a payment or a bonus. A non-empty
// IdempotencyKey makes a repeated request fail with ErrDuplicateUsageKey.
type IncrementRequest struct {
	UserID         string         `json:"user_id"`
	Credits        int64          `json:"credits"`
	Source         SourceType     `json:"source"`
	Reference      string         `json:"reference"`
	IdempotencyKey string         `json:"idempotency_key"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// DebitRequest settles one usage key. Credits is the sum of the records' billed credits.
type DebitRequest struct {
	UserID            string
	FeatureEndpointID snowflake.ID
	UsageKey          string
	Records           []UsageRecord
	Metadata          map[string]any
}

func (r DebitRequest) Credits() int64 {
	var total int64
	for _, rec := range r.Records {
		total += rec.BilledCredits
	}
	return total
}

// Result is a committed balance change and the balance right after it.
type Result struct {
	Transaction Transaction `json:"transaction"`
	Balance     int64       `json:"balance"`
}

// Rejection is a DebitSequence entry that was not applied.
type Rejection struct {
	Index    int    `json:"index"`
	UsageKey string `json:"usage_key"`
	Err      error  `json:"-"`
}

// SequenceResult reports a per-user batch: one transaction per feature
// endpoint for the applied entries, plus the entries that were rejected.
type SequenceResult struct {
	UserID       string        `json:"user_id"`
	Transactions []Transaction `json:"transactions"`
	Rejected     []Rejection   `json:"rejected,omitempty"`
	CreditsSpent int64         `json:"credits_spent"`
	Balance      int64         `json:"balance"`
}

var (
	ErrInvalidUserID          = apperror.New(apperror.KindValidation, "invalid_user_id")
	ErrInvalidCredits         = apperror.New(apperror.KindValidation, "invalid_credits")
	ErrInvalidSource          = apperror.New(apperror.KindValidation, "invalid_source")
	ErrInvalidFeatureEndpoint = apperror.New(apperror.KindValidation, "invalid_feature_endpoint")
	ErrInvalidUsageKey        = apperror.New(apperror.KindValidation, "invalid_usage_key")
	ErrInvalidRecords         = apperror.New(apperror.KindValidation, "invalid_usage_records")
	ErrWalletNotFound         = apperror.New(apperror.KindNotFound, "wallet_not_found")
	ErrTransactionNotFound    = apperror.New(apperror.KindNotFound, "transaction_not_found")
	ErrInsufficientBalance    = apperror.New(apperror.KindInsufficientBalance, "insufficient_balance")
	ErrDuplicateUsageKey      = apperror.New(apperror.KindConflict, "duplicate_usage_key")
	ErrTransactionDeleted     = apperror.New(apperror.KindConflict, "transaction_already_deleted")
	ErrTransactionNotDeleted  = apperror.New(apperror.KindConflict, "transaction_not_deleted")
	ErrLedgerUnavailable      = apperror.New(apperror.KindUpstreamUnavailable, "ledger_unavailable")
)
