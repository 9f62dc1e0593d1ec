package service

import (
	"context"
	"errors"
	"time"

	"github.com/smallbiznis/creditmeter/internal/clock"
	"github.com/smallbiznis/creditmeter/internal/notification"
	"github.com/smallbiznis/creditmeter/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/creditmeter/internal/observability/metrics"
	"github.com/smallbiznis/creditmeter/internal/observability/tracing"
	"github.com/smallbiznis/creditmeter/internal/settlement/domain"
	walletdomain "github.com/smallbiznis/creditmeter/internal/wallet/domain"
	"github.com/smallbiznis/creditmeter/pkg/apperror"
	"github.com/smallbiznis/creditmeter/pkg/telemetry/correlation"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const tracerName = "creditmeter/settlement"

const (
	pathSync  = "sync"
	pathBatch = "batch"
)

type SettlerParams struct {
	fx.In

	Log      *zap.Logger
	Wallet   walletdomain.Service
	Notifier notification.Notifier
	Clock    clock.Clock         `optional:"true"`
	Metrics  *obsmetrics.Metrics `optional:"true"`
}

// Settler is the one place usage turns into debits.
type Settler struct {
	log      *zap.Logger
	wallet   walletdomain.Service
	notifier notification.Notifier
	clock    clock.Clock
	metrics  *obsmetrics.Metrics
}

func NewSettler(p SettlerParams) *Settler {
	clk := p.Clock
	if clk == nil {
		clk = clock.New()
	}
	return &Settler{
		log:      p.Log.Named("settlement.settler"),
		wallet:   p.Wallet,
		notifier: p.Notifier,
		clock:    clk,
		metrics:  p.Metrics,
	}
}

// Settle debits one priced settlement: debited and recorded in a single
// ledger unit, then notified unless the caller sends its own notification.
// A rejected entry comes back as its error.
func (s *Settler) Settle(ctx context.Context, priced domain.PricedSettlement, opts domain.SettleOptions) (res *domain.SettleResult, err error) {
	started := time.Now()
	credits := priced.Credits()
	ctx, span := tracing.Start(ctx, tracerName, "settlement.settle",
		attribute.String("usage_key", priced.UsageKey),
		attribute.Int64("credits", credits),
	)
	defer func() {
		s.metrics.RecordSettlement(ctx, pathSync, outcomeOf(err), credits, time.Since(started))
		tracing.End(span, err)
	}()

	seq, err := s.settle(ctx, priced.UserID, []domain.PricedSettlement{priced}, opts)
	if err != nil {
		return nil, err
	}
	if len(seq.Rejected) > 0 {
		return nil, seq.Rejected[0].Err
	}

	logger.WithContext(ctx, s.log).Debug("usage settled",
		zap.String("user_id", priced.UserID),
		zap.String("usage_key", priced.UsageKey),
		zap.Int64("credits", credits),
		zap.Int64("balance", seq.Balance),
	)
	return &domain.SettleResult{
		Transaction: seq.Transactions[0],
		Balance:     seq.Balance,
		Credits:     credits,
	}, nil
}

// settle is the one path from priced usage to the ledger, shared by the
// synchronous and the batch flows. The entries are applied in order in a single
// ledger unit; one notification then carries the final balance unless
// opts.SkipNotification is set or nothing was applied.
func (s *Settler) settle(ctx context.Context, userID string, entries []domain.PricedSettlement, opts domain.SettleOptions) (*walletdomain.SequenceResult, error) {
	reqs := make([]walletdomain.DebitRequest, 0, len(entries))
	for _, e := range entries {
		e.UserID = userID
		reqs = append(reqs, e.DebitRequest())
	}
	seq, err := s.wallet.DebitSequence(ctx, userID, reqs)
	if err != nil {
		return nil, err
	}
	if !opts.SkipNotification && len(seq.Transactions) > 0 {
		s.notify(ctx, userID, seq.Balance, seq.CreditsSpent)
	}
	return seq, nil
}

// ProcessBatch settles each user's entries in enqueue order inside one ledger
// unit per user and sends one notification per user with the final balance.
// Users fail independently. The returned error is retryable and only set when
// at least one user hit a degraded dependency.
func (s *Settler) ProcessBatch(ctx context.Context, batch domain.Batch) (*domain.BatchResult, error) {
	if err := batch.Validate(); err != nil {
		return nil, err
	}
	started := time.Now()
	ctx = correlation.ContextWithCorrelationID(ctx, batch.CorrelationID)
	ctx, span := tracing.Start(ctx, tracerName, "settlement.process_batch",
		attribute.String("batch_id", batch.ID),
		attribute.Int("users", len(batch.Users)),
	)
	log := logger.WithContext(ctx, s.log).With(zap.String("batch_id", batch.ID))

	result := &domain.BatchResult{BatchID: batch.ID, Users: make([]domain.UserOutcome, 0, len(batch.Users))}
	var retryable error
	for _, ub := range batch.Users {
		outcome := s.settleUser(ctx, ub)
		result.Users = append(result.Users, outcome)

		switch {
		case outcome.Err == nil:
		case apperror.IsRetryable(outcome.Err):
			log.Warn("user batch failed, will retry", zap.String("user_id", ub.UserID), zap.Error(outcome.Err))
			if retryable == nil {
				retryable = outcome.Err
			}
		default:
			log.Warn("user batch dropped", zap.String("user_id", ub.UserID), zap.Error(outcome.Err))
		}
	}
	result.Duration = time.Since(started)

	log.Info("settlement batch processed",
		zap.Int("users", len(result.Users)),
		zap.Int("failed_users", result.Failed()),
		zap.Duration("duration", result.Duration),
	)
	tracing.End(span, retryable)
	if retryable != nil {
		return result, apperror.Wrap(apperror.KindUpstreamUnavailable, "batch_incomplete", retryable)
	}
	return result, nil
}

func (s *Settler) settleUser(ctx context.Context, ub domain.UserBatch) domain.UserOutcome {
	started := time.Now()
	out := domain.UserOutcome{UserID: ub.UserID}
	seq, err := s.settle(ctx, ub.UserID, ub.Entries, domain.SettleOptions{})
	if err != nil {
		out.Err = err
		s.metrics.RecordSettlement(ctx, pathBatch, outcomeOf(err), 0, time.Since(started))
		return out
	}

	out.Applied = len(ub.Entries) - len(seq.Rejected)
	out.Rejected = seq.Rejected
	out.CreditsSpent = seq.CreditsSpent
	out.Balance = seq.Balance
	s.metrics.RecordSettlement(ctx, pathBatch, "ok", seq.CreditsSpent, time.Since(started))
	return out
}

func (s *Settler) notify(ctx context.Context, userID string, balance, spent int64) {
	if s.notifier == nil {
		return
	}
	event := notification.BalanceUpdated(userID, balance, spent, s.clock.Now())
	if err := s.notifier.Notify(ctx, userID, event); err != nil {
		s.log.Warn("balance notification failed", zap.String("user_id", userID), zap.Error(err))
	}
}

func outcomeOf(err error) string {
	if err == nil {
		return "ok"
	}
	if errors.Is(err, walletdomain.ErrInsufficientBalance) {
		return "insufficient_balance"
	}
	if kind, ok := apperror.KindOf(err); ok {
		return string(kind)
	}
	return "error"
}
