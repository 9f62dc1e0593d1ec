package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	walletdomain "github.com/smallbiznis/creditmeter/internal/wallet/domain"
	"github.com/smallbiznis/creditmeter/pkg/apperror"
)

// Service is used by feature-serving code around each billable call.
type Service interface {
	Start(ctx context.Context, req StartRequest) (*StartResult, error)
	End(ctx context.Context, req EndRequest) (*EndResult, error)
}

// Settler debits priced usage. The synchronous End path, the aggregator's
// fallback and the queue consumer all settle through it.
type Settler interface {
	Settle(ctx context.Context, priced PricedSettlement, opts SettleOptions) (*SettleResult, error)
	ProcessBatch(ctx context.Context, batch Batch) (*BatchResult, error)
}

// Enqueuer buffers priced settlements for batched settlement.
type Enqueuer interface {
	Add(entry PricedSettlement) error
}

// Start reasons.
const (
	ReasonFeatureNotFound     = "feature_not_found"
	ReasonWalletExpired       = "wallet_expired"
	ReasonFeatureNotInPackage = "feature_not_in_package"
	ReasonInsufficientBalance = "insufficient_balance"
	ReasonWalletNotFound      = "wallet_not_found"
)

// End statuses.
const (
	StatusSettled  = "settled"
	StatusQueued   = "queued"
	StatusRejected = "rejected"
)

type StartRequest struct {
	UserID      string `json:"user_id"`
	FeatureCode string `json:"feature_code"`
}

type StartResult struct {
	Accessible        bool         `json:"accessible"`
	Reason            string       `json:"reason,omitempty"`
	UsageKey          string       `json:"usage_key,omitempty"`
	Balance           int64        `json:"balance"`
	RequiredCredits   int64        `json:"required_credits"`
	FeatureEndpointID snowflake.ID `json:"feature_endpoint_id,omitempty"`
}

// EndRequest settles the usage of one Start. Sync forces a synchronous
// settlement even when batching is enabled.
type EndRequest struct {
	UserID      string      `json:"user_id"`
	FeatureCode string      `json:"feature_code"`
	UsageKey    string      `json:"usage_key"`
	Items       []UsageItem `json:"items"`
	Sync        bool        `json:"sync"`
}

type EndResult struct {
	Status        string        `json:"status"`
	Reason        string        `json:"reason,omitempty"`
	UsageKey      string        `json:"usage_key"`
	Credits       int64         `json:"credits"`
	Balance       *int64        `json:"balance,omitempty"`
	TransactionID *snowflake.ID `json:"transaction_id,omitempty"`
	Items         []PricedItem  `json:"items"`
}

type SettleOptions struct {
	SkipNotification bool
}

type SettleResult struct {
	Transaction walletdomain.Transaction `json:"transaction"`
	Balance     int64                    `json:"balance"`
	Credits     int64                    `json:"credits"`
}

// UserOutcome is the settlement of one user's entries within a batch.
type UserOutcome struct {
	UserID       string                   `json:"user_id"`
	Applied      int                      `json:"applied"`
	Rejected     []walletdomain.Rejection `json:"rejected,omitempty"`
	CreditsSpent int64                    `json:"credits_spent"`
	Balance      int64                    `json:"balance"`
	Err          error                    `json:"-"`
}

type BatchResult struct {
	BatchID  string        `json:"batch_id"`
	Users    []UserOutcome `json:"users"`
	Duration time.Duration `json:"duration"`
}

// Failed counts users whose entries were not applied at all.
func (r BatchResult) Failed() int {
	n := 0
	for _, u := range r.Users {
		if u.Err != nil {
			n++
		}
	}
	return n
}

var (
	ErrInvalidUserID    = apperror.New(apperror.KindValidation, "invalid_user_id")
	ErrInvalidFeature   = apperror.New(apperror.KindValidation, "invalid_feature_code")
	ErrInvalidUsageKey  = apperror.New(apperror.KindValidation, "invalid_usage_key")
	ErrInvalidItems     = apperror.New(apperror.KindValidation, "invalid_items")
	ErrEmptyBatch       = apperror.New(apperror.KindValidation, "empty_batch")
	ErrFeatureNotFound  = apperror.New(apperror.KindNotFound, ReasonFeatureNotFound)
	ErrAggregatorClosed = apperror.New(apperror.KindUpstreamUnavailable, "aggregator_closed")
	ErrAggregatorBusy   = apperror.New(apperror.KindUpstreamUnavailable, "aggregator_busy")
)
