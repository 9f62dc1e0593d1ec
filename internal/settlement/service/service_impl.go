package service

import (
	"context"
	"errors"
	"strings"

	"github.com/oklog/ulid/v2"
	"github.com/smallbiznis/creditmeter/internal/clock"
	"github.com/smallbiznis/creditmeter/internal/config"
	featuredomain "github.com/smallbiznis/creditmeter/internal/feature/domain"
	featureservice "github.com/smallbiznis/creditmeter/internal/feature/service"
	"github.com/smallbiznis/creditmeter/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/creditmeter/internal/observability/metrics"
	"github.com/smallbiznis/creditmeter/internal/observability/tracing"
	pricingdomain "github.com/smallbiznis/creditmeter/internal/pricing/domain"
	"github.com/smallbiznis/creditmeter/internal/rating"
	"github.com/smallbiznis/creditmeter/internal/settlement/domain"
	walletdomain "github.com/smallbiznis/creditmeter/internal/wallet/domain"
	"github.com/smallbiznis/creditmeter/pkg/apperror"
	"github.com/smallbiznis/creditmeter/pkg/telemetry/correlation"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const maxItemsPerEnd = 100

type Params struct {
	fx.In

	Config   config.Config
	Log      *zap.Logger
	Features featuredomain.Service
	Pricing  pricingdomain.Service
	Wallet   walletdomain.Service
	Settler  domain.Settler
	Enqueuer domain.Enqueuer     `optional:"true"`
	Clock    clock.Clock         `optional:"true"`
	Metrics  *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	log      *zap.Logger
	features featuredomain.Service
	pricing  pricingdomain.Service
	wallet   walletdomain.Service
	settler  domain.Settler
	enqueuer domain.Enqueuer
	clock    clock.Clock
	metrics  *obsmetrics.Metrics
	batching bool
}

func New(p Params) domain.Service {
	clk := p.Clock
	if clk == nil {
		clk = clock.New()
	}
	return &Service{
		log:      p.Log.Named("settlement.service"),
		features: p.Features,
		pricing:  p.Pricing,
		wallet:   p.Wallet,
		settler:  p.Settler,
		enqueuer: p.Enqueuer,
		clock:    clk,
		metrics:  p.Metrics,
		batching: p.Config.Settlement.BatchingEnabled && p.Enqueuer != nil,
	}
}

// Start is advisory: it tells the caller whether the feature may be used now
// and hands out the usage key End must echo back. It reserves nothing, so
// End's debit remains the authoritative balance check.
func (s *Service) Start(ctx context.Context, req domain.StartRequest) (res *domain.StartResult, err error) {
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		return nil, domain.ErrInvalidUserID
	}
	code := featureservice.NormalizeCode(req.FeatureCode)
	if code == "" {
		return nil, domain.ErrInvalidFeature
	}

	ctx, span := tracing.Start(ctx, tracerName, "settlement.start", attribute.String("feature_code", code))
	defer func() {
		if res != nil {
			s.metrics.RecordStart(ctx, startOutcome(res))
		}
		tracing.End(span, err)
	}()

	endpoint, err := s.features.GetByCode(ctx, code)
	if errors.Is(err, featuredomain.ErrEndpointNotFound) {
		return &domain.StartResult{Reason: domain.ReasonFeatureNotFound}, nil
	}
	if err != nil {
		return nil, err
	}

	wallet, err := s.wallet.EnsureWallet(ctx, userID)
	if errors.Is(err, walletdomain.ErrWalletNotFound) {
		return &domain.StartResult{Reason: domain.ReasonWalletNotFound, FeatureEndpointID: endpoint.ID}, nil
	}
	if err != nil {
		return nil, err
	}

	res = &domain.StartResult{
		Balance:           wallet.Balance,
		RequiredCredits:   endpoint.MinCredits,
		FeatureEndpointID: endpoint.ID,
	}
	if wallet.Expired(s.clock.Now()) {
		res.Reason = domain.ReasonWalletExpired
		return res, nil
	}

	var inPackage bool
	if wallet.PackageID != nil {
		pf, found, err := s.features.GetPackageFeature(ctx, endpoint.ID, *wallet.PackageID)
		if err != nil {
			return nil, err
		}
		inPackage = found
		if found && pf.MinCreditsOverride != nil {
			res.RequiredCredits = *pf.MinCreditsOverride
		}
	}
	if endpoint.PackageRestricted && !inPackage {
		res.Reason = domain.ReasonFeatureNotInPackage
		return res, nil
	}
	if wallet.Balance < res.RequiredCredits {
		res.Reason = domain.ReasonInsufficientBalance
		return res, nil
	}

	res.Accessible = true
	res.UsageKey = ulid.Make().String()
	return res, nil
}

// End prices the usage and settles it, synchronously or through the
// aggregator. Pricing failures abort before anything is written.
func (s *Service) End(ctx context.Context, req domain.EndRequest) (res *domain.EndResult, err error) {
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		return nil, domain.ErrInvalidUserID
	}
	code := featureservice.NormalizeCode(req.FeatureCode)
	if code == "" {
		return nil, domain.ErrInvalidFeature
	}
	usageKey := strings.TrimSpace(req.UsageKey)
	if usageKey == "" {
		return nil, domain.ErrInvalidUsageKey
	}
	if err := validateItems(req.Items); err != nil {
		return nil, err
	}

	ctx, span := tracing.Start(ctx, tracerName, "settlement.end",
		attribute.String("feature_code", code),
		attribute.String("usage_key", usageKey),
	)
	defer func() { tracing.End(span, err) }()

	rejected := func(reason string) *domain.EndResult {
		return &domain.EndResult{Status: domain.StatusRejected, Reason: reason, UsageKey: usageKey}
	}

	endpoint, err := s.features.GetByCode(ctx, code)
	if errors.Is(err, featuredomain.ErrEndpointNotFound) {
		return rejected(domain.ReasonFeatureNotFound), nil
	}
	if err != nil {
		return nil, err
	}

	priced, err := s.price(ctx, userID, endpoint, usageKey, req.Items)
	if err != nil {
		if kind, ok := apperror.KindOf(err); ok && kind == apperror.KindNotFound {
			return rejected(apperror.CodeOf(err)), nil
		}
		return nil, err
	}

	log := logger.WithContext(ctx, s.log).With(
		zap.String("user_id", userID),
		zap.String("usage_key", usageKey),
	)
	credits := priced.Credits()

	if s.batching && !req.Sync {
		addErr := s.enqueuer.Add(*priced)
		if addErr == nil {
			return &domain.EndResult{
				Status:   domain.StatusQueued,
				UsageKey: usageKey,
				Credits:  credits,
				Items:    priced.Items,
			}, nil
		}
		log.Warn("aggregator rejected entry, settling synchronously", zap.Error(addErr))
	}

	settled, err := s.settler.Settle(ctx, *priced, domain.SettleOptions{})
	switch {
	case errors.Is(err, walletdomain.ErrInsufficientBalance):
		out := rejected(domain.ReasonInsufficientBalance)
		out.Credits = credits
		out.Items = priced.Items
		return out, nil
	case errors.Is(err, walletdomain.ErrWalletNotFound):
		return rejected(domain.ReasonWalletNotFound), nil
	case err != nil:
		return nil, err
	}

	txID := settled.Transaction.ID
	balance := settled.Balance
	return &domain.EndResult{
		Status:        domain.StatusSettled,
		UsageKey:      usageKey,
		Credits:       settled.Credits,
		Balance:       &balance,
		TransactionID: &txID,
		Items:         priced.Items,
	}, nil
}

func (s *Service) price(ctx context.Context, userID string, endpoint *featuredomain.Endpoint, usageKey string, items []domain.UsageItem) (*domain.PricedSettlement, error) {
	quotes := make(map[string]pricingdomain.Quote)
	priced := make([]domain.PricedItem, 0, len(items))
	for _, item := range items {
		model := strings.ToLower(strings.TrimSpace(item.Model))
		quote, ok := quotes[model]
		if !ok {
			q, err := s.pricing.Quote(ctx, model)
			if err != nil {
				return nil, err
			}
			quote = q
			quotes[model] = q
		}

		charge, err := rating.Calculate(rating.Input{
			InputTokens:      item.InputTokens,
			OutputTokens:     item.OutputTokens,
			InputPrice:       quote.InputPrice,
			OutputPrice:      quote.OutputPrice,
			CreditUnitPrice:  quote.CreditUnitPrice,
			ProfitPercentage: quote.ProfitPercentage,
		})
		if err != nil {
			return nil, err
		}
		item.Model = model
		priced = append(priced, domain.PricedItem{
			UsageItem:        item,
			InputPrice:       quote.InputPrice,
			OutputPrice:      quote.OutputPrice,
			CreditUnitPrice:  quote.CreditUnitPrice,
			ProfitPercentage: quote.ProfitPercentage,
			Charge:           charge,
		})
	}

	return &domain.PricedSettlement{
		UserID:            userID,
		FeatureEndpointID: endpoint.ID,
		FeatureCode:       endpoint.Code,
		UsageKey:          usageKey,
		Items:             priced,
		PricedAt:          s.clock.Now(),
		CorrelationID:     correlation.ExtractCorrelationID(ctx),
	}, nil
}

func validateItems(items []domain.UsageItem) error {
	if len(items) == 0 || len(items) > maxItemsPerEnd {
		return domain.ErrInvalidItems
	}
	for _, item := range items {
		if strings.TrimSpace(item.Model) == "" || item.InputTokens < 0 || item.OutputTokens < 0 {
			return domain.ErrInvalidItems
		}
	}
	return nil
}

func startOutcome(res *domain.StartResult) string {
	if res.Accessible {
		return "accessible"
	}
	return res.Reason
}
