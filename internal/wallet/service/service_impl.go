package service

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/creditmeter/internal/clock"
	"github.com/smallbiznis/creditmeter/internal/config"
	obsmetrics "github.com/smallbiznis/creditmeter/internal/observability/metrics"
	"github.com/smallbiznis/creditmeter/internal/wallet/domain"
	"github.com/smallbiznis/creditmeter/pkg/apperror"
	"github.com/smallbiznis/creditmeter/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200

	initialGrantKeyPrefix = "initial-grant:"
)

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	GenID   *snowflake.Node
	Config  config.Config
	Clock   clock.Clock                   `optional:"true"`
	Metrics *obsmetrics.SettlementMetrics `optional:"true"`
}

type Service struct {
	db            *gorm.DB
	log           *zap.Logger
	genID         *snowflake.Node
	clock         clock.Clock
	metrics       *obsmetrics.SettlementMetrics
	ledgerTimeout time.Duration
	initialGrant  int64
}

func New(p Params) domain.Service {
	clk := p.Clock
	if clk == nil {
		clk = clock.New()
	}
	timeout := p.Config.Settlement.LedgerTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Service{
		db:            p.DB,
		log:           p.Log.Named("wallet.service"),
		genID:         p.GenID,
		clock:         clk,
		metrics:       p.Metrics,
		ledgerTimeout: timeout,
		initialGrant:  p.Config.Settlement.InitialGrantCredits,
	}
}

// run executes fn as one store transaction bounded by the ledger timeout.
func (s *Service) run(ctx context.Context, fn func(tx *gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(ctx, s.ledgerTimeout)
	defer cancel()
	return classify(s.db.WithContext(ctx).Transaction(fn))
}

func (s *Service) EnsureWallet(ctx context.Context, userID string) (*domain.Wallet, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, domain.ErrInvalidUserID
	}

	var wallet *domain.Wallet
	err := s.run(ctx, func(tx *gorm.DB) error {
		w, err := s.ensureTx(tx, userID)
		if err != nil {
			return err
		}
		wallet = w
		return nil
	})
	if err != nil {
		return nil, err
	}
	return wallet, nil
}

// ensureTx inserts the wallet if it is missing and returns the stored row.
// The initial grant is only applied by the insert that actually created it.
func (s *Service) ensureTx(tx *gorm.DB, userID string) (*domain.Wallet, error) {
	now := s.clock.Now()
	candidate := domain.Wallet{
		ID:        s.genID.Generate(),
		UserID:    userID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if s.initialGrant > 0 {
		candidate.Balance = s.initialGrant
		candidate.InitialGrantConsumed = true
	}

	res := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoNothing: true,
	}).Create(&candidate)
	if res.Error != nil {
		return nil, res.Error
	}

	if res.RowsAffected > 0 && s.initialGrant > 0 {
		key := initialGrantKeyPrefix + userID
		grant := domain.Transaction{
			ID:         s.genID.Generate(),
			WalletID:   candidate.ID,
			UserID:     userID,
			Direction:  domain.DirectionIncrease,
			Credits:    s.initialGrant,
			SourceType: domain.SourceBonus,
			UsageKey:   &key,
			Metadata:   map[string]any{"reason": "initial_grant"},
			CreatedAt:  now,
		}
		if err := tx.Omit(clause.Associations).Create(&grant).Error; err != nil {
			return nil, err
		}
		s.log.Info("wallet created with initial grant",
			zap.String("user_id", userID),
			zap.Int64("credits", s.initialGrant),
		)
	}

	var wallet domain.Wallet
	if err := tx.Where("user_id = ?", userID).First(&wallet).Error; err != nil {
		return nil, err
	}
	if wallet.Deleted {
		return nil, domain.ErrWalletNotFound
	}
	return &wallet, nil
}

func (s *Service) GetByUserID(ctx context.Context, userID string) (*domain.Wallet, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, domain.ErrInvalidUserID
	}

	var wallet *domain.Wallet
	err := s.run(ctx, func(tx *gorm.DB) error {
		w, err := findWallet(tx, userID)
		wallet = w
		return err
	})
	if err != nil {
		return nil, err
	}
	return wallet, nil
}

func (s *Service) AssignPackage(ctx context.Context, req domain.AssignPackageRequest) (*domain.Wallet, error) {
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		return nil, domain.ErrInvalidUserID
	}

	var wallet *domain.Wallet
	err := s.run(ctx, func(tx *gorm.DB) error {
		if _, err := s.ensureTx(tx, userID); err != nil {
			return err
		}
		var expiresAt *time.Time
		if req.ExpiresAt != nil {
			t := req.ExpiresAt.UTC()
			expiresAt = &t
		}
		if err := tx.Model(&domain.Wallet{}).
			Where("user_id = ? AND deleted = ?", userID, false).
			Updates(map[string]any{
				"package_id": req.PackageID,
				"expires_at": expiresAt,
				"updated_at": s.clock.Now(),
			}).Error; err != nil {
			return err
		}
		w, err := findWallet(tx, userID)
		wallet = w
		return err
	})
	if err != nil {
		return nil, err
	}
	return wallet, nil
}

func (s *Service) Decrement(ctx context.Context, userID string, credits int64) (int64, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return 0, domain.ErrInvalidUserID
	}
	if credits < 0 {
		return 0, domain.ErrInvalidCredits
	}

	var balance int64
	err := s.run(ctx, func(tx *gorm.DB) error {
		if err := s.decrementTx(tx, userID, credits); err != nil {
			return err
		}
		b, err := readBalance(tx, userID)
		balance = b
		return err
	})
	if err != nil {
		return 0, err
	}
	return balance, nil
}

func (s *Service) Increment(ctx context.Context, req domain.IncrementRequest) (*domain.Result, error) {
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		return nil, domain.ErrInvalidUserID
	}
	if req.Credits <= 0 {
		return nil, domain.ErrInvalidCredits
	}
	if req.Source != domain.SourcePayment && req.Source != domain.SourceBonus {
		return nil, domain.ErrInvalidSource
	}

	var result *domain.Result
	err := s.run(ctx, func(tx *gorm.DB) error {
		wallet, err := s.ensureTx(tx, userID)
		if err != nil {
			return err
		}
		if err := s.incrementTx(tx, userID, req.Credits); err != nil {
			return err
		}

		txn := domain.Transaction{
			ID:         s.genID.Generate(),
			WalletID:   wallet.ID,
			UserID:     userID,
			Direction:  domain.DirectionIncrease,
			Credits:    req.Credits,
			SourceType: req.Source,
			Metadata:   req.Metadata,
			CreatedAt:  s.clock.Now(),
		}
		if ref := strings.TrimSpace(req.Reference); ref != "" {
			txn.SourceReference = &ref
		}
		if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
			txn.UsageKey = &key
		}
		if err := tx.Omit(clause.Associations).Create(&txn).Error; err != nil {
			return err
		}

		balance, err := readBalance(tx, userID)
		if err != nil {
			return err
		}
		result = &domain.Result{Transaction: txn, Balance: balance}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Service) Debit(ctx context.Context, req domain.DebitRequest) (*domain.Result, error) {
	req.UserID = strings.TrimSpace(req.UserID)
	if req.UserID == "" {
		return nil, domain.ErrInvalidUserID
	}
	if err := validateDebit(req); err != nil {
		return nil, err
	}
	credits := req.Credits()

	var result *domain.Result
	err := s.run(ctx, func(tx *gorm.DB) error {
		if err := s.decrementTx(tx, req.UserID, credits); err != nil {
			return err
		}
		wallet, err := findWallet(tx, req.UserID)
		if err != nil {
			return err
		}
		txn, err := s.recordTx(tx, wallet, []domain.DebitRequest{req})
		if err != nil {
			return err
		}
		result = &domain.Result{Transaction: *txn, Balance: wallet.Balance}
		return nil
	})
	if err != nil {
		if errors.Is(err, domain.ErrInsufficientBalance) {
			s.metrics.IncDebitRejected("insufficient_balance")
		}
		return nil, err
	}
	s.metrics.AddCreditsDebited(credits)
	return result, nil
}

func (s *Service) DebitSequence(ctx context.Context, userID string, reqs []domain.DebitRequest) (*domain.SequenceResult, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, domain.ErrInvalidUserID
	}

	out := &domain.SequenceResult{UserID: userID}
	valid := make([]int, 0, len(reqs))
	keys := make([]string, 0, len(reqs))
	for i := range reqs {
		reqs[i].UserID = userID
		if err := validateDebit(reqs[i]); err != nil {
			out.Rejected = append(out.Rejected, domain.Rejection{Index: i, UsageKey: reqs[i].UsageKey, Err: err})
			continue
		}
		valid = append(valid, i)
		keys = append(keys, reqs[i].UsageKey)
	}
	if len(valid) == 0 {
		return out, nil
	}

	err := s.run(ctx, func(tx *gorm.DB) error {
		if _, err := findWallet(tx, userID); err != nil {
			return err
		}
		used, err := usedKeys(tx, keys)
		if err != nil {
			return err
		}
		// A batch whose every key is already recorded is a redelivery.
		if allUsed(keys, used) {
			return domain.ErrDuplicateUsageKey
		}

		// Entries are applied in enqueue order; each one sees the balance left by the previous.
		groups := make(map[snowflake.ID][]domain.DebitRequest)
		order := make([]snowflake.ID, 0)
		seen := make(map[string]struct{}, len(valid))
		var rejected []domain.Rejection
		var spent int64
		for _, i := range valid {
			req := reqs[i]
			if _, dup := used[req.UsageKey]; dup {
				rejected = append(rejected, domain.Rejection{Index: i, UsageKey: req.UsageKey, Err: domain.ErrDuplicateUsageKey})
				continue
			}
			if _, dup := seen[req.UsageKey]; dup {
				rejected = append(rejected, domain.Rejection{Index: i, UsageKey: req.UsageKey, Err: domain.ErrDuplicateUsageKey})
				continue
			}
			seen[req.UsageKey] = struct{}{}

			credits := req.Credits()
			err := s.decrementTx(tx, userID, credits)
			if errors.Is(err, domain.ErrInsufficientBalance) {
				rejected = append(rejected, domain.Rejection{Index: i, UsageKey: req.UsageKey, Err: err})
				continue
			}
			if err != nil {
				return err
			}
			if _, ok := groups[req.FeatureEndpointID]; !ok {
				order = append(order, req.FeatureEndpointID)
			}
			groups[req.FeatureEndpointID] = append(groups[req.FeatureEndpointID], req)
			spent += credits
		}

		wallet, err := findWallet(tx, userID)
		if err != nil {
			return err
		}

		txns := make([]domain.Transaction, 0, len(order))
		for _, featureID := range order {
			txn, err := s.recordTx(tx, wallet, groups[featureID])
			if err != nil {
				return err
			}
			txns = append(txns, *txn)
		}

		out.Transactions = txns
		out.Rejected = append(out.Rejected, rejected...)
		sort.SliceStable(out.Rejected, func(a, b int) bool { return out.Rejected[a].Index < out.Rejected[b].Index })
		out.CreditsSpent = spent
		out.Balance = wallet.Balance
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, r := range out.Rejected {
		s.metrics.IncDebitRejected(apperror.CodeOf(r.Err))
	}
	s.metrics.AddCreditsDebited(out.CreditsSpent)
	if len(out.Rejected) > 0 {
		s.log.Warn("debit sequence rejected entries",
			zap.String("user_id", userID),
			zap.Int("rejected", len(out.Rejected)),
			zap.Int("applied", len(reqs)-len(out.Rejected)),
		)
	}
	return out, nil
}

func (s *Service) DeleteTransaction(ctx context.Context, id snowflake.ID) (*domain.Result, error) {
	return s.toggleDeleted(ctx, id, true)
}

func (s *Service) RestoreTransaction(ctx context.Context, id snowflake.ID) (*domain.Result, error) {
	return s.toggleDeleted(ctx, id, false)
}

// toggleDeleted flips the soft-delete flag and moves the balance in the same
// unit: deleting reverses the transaction's effect, restoring reapplies it.
func (s *Service) toggleDeleted(ctx context.Context, id snowflake.ID, deleted bool) (*domain.Result, error) {
	if id == 0 {
		return nil, domain.ErrTransactionNotFound
	}

	var result *domain.Result
	err := s.run(ctx, func(tx *gorm.DB) error {
		var txn domain.Transaction
		if err := tx.Where("id = ?", id).First(&txn).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return domain.ErrTransactionNotFound
			}
			return err
		}

		var deletedAt *time.Time
		if deleted {
			now := s.clock.Now()
			deletedAt = &now
		}
		res := tx.Model(&domain.Transaction{}).
			Where("id = ? AND deleted = ?", id, !deleted).
			Updates(map[string]any{"deleted": deleted, "deleted_at": deletedAt})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			if deleted {
				return domain.ErrTransactionDeleted
			}
			return domain.ErrTransactionNotDeleted
		}

		// deleting a decrease gives credits back; deleting an increase takes them away
		giveBack := (txn.Direction == domain.DirectionDecrease) == deleted
		var err error
		if giveBack {
			err = s.incrementTx(tx, txn.UserID, txn.Credits)
		} else {
			err = s.decrementTx(tx, txn.UserID, txn.Credits)
		}
		if err != nil {
			return err
		}

		balance, err := readBalance(tx, txn.UserID)
		if err != nil {
			return err
		}
		txn.Deleted = deleted
		txn.DeletedAt = deletedAt
		result = &domain.Result{Transaction: txn, Balance: balance}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("transaction soft delete toggled",
		zap.String("transaction_id", id.String()),
		zap.Bool("deleted", deleted),
		zap.Int64("balance", result.Balance),
	)
	return result, nil
}

func (s *Service) ListTransactions(ctx context.Context, userID string, limit int) ([]domain.Transaction, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, domain.ErrInvalidUserID
	}
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	var items []domain.Transaction
	err := s.run(ctx, func(tx *gorm.DB) error {
		return tx.Preload("UsageRecords").
			Where("user_id = ?", userID).
			Order("created_at DESC").
			Order("id DESC").
			Limit(limit).
			Find(&items).Error
	})
	if err != nil {
		return nil, err
	}
	return items, nil
}

// decrementTx is the only way credits leave a wallet: a single conditional
// update, so concurrent callers can never push the balance below zero.
func (s *Service) decrementTx(tx *gorm.DB, userID string, credits int64) error {
	res := tx.Exec(
		`UPDATE wallets SET balance = balance - ?, updated_at = ?
		WHERE user_id = ? AND deleted = ? AND balance >= ?`,
		credits, s.clock.Now(), userID, false, credits,
	)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		return nil
	}
	if _, err := findWallet(tx, userID); err != nil {
		return err
	}
	return domain.ErrInsufficientBalance
}

func (s *Service) incrementTx(tx *gorm.DB, userID string, credits int64) error {
	res := tx.Exec(
		`UPDATE wallets SET balance = balance + ?, updated_at = ?
		WHERE user_id = ? AND deleted = ?`,
		credits, s.clock.Now(), userID, false,
	)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.ErrWalletNotFound
	}
	return nil
}

// recordTx writes one decrease transaction for reqs, which all share a
// feature endpoint, plus a usage record per item.
func (s *Service) recordTx(tx *gorm.DB, wallet *domain.Wallet, reqs []domain.DebitRequest) (*domain.Transaction, error) {
	now := s.clock.Now()
	first := reqs[0]
	featureID := first.FeatureEndpointID
	usageKey := first.UsageKey

	metadata := make(map[string]any, len(first.Metadata)+2)
	for k, v := range first.Metadata {
		metadata[k] = v
	}
	var credits int64
	keys := make([]string, 0, len(reqs))
	for _, req := range reqs {
		credits += req.Credits()
		keys = append(keys, req.UsageKey)
	}
	if len(reqs) > 1 {
		metadata["usage_keys"] = keys
		metadata["entries"] = len(reqs)
	}

	txn := domain.Transaction{
		ID:                s.genID.Generate(),
		WalletID:          wallet.ID,
		UserID:            wallet.UserID,
		Direction:         domain.DirectionDecrease,
		Credits:           credits,
		SourceType:        domain.SourceFeatureEndpoint,
		FeatureEndpointID: &featureID,
		UsageKey:          &usageKey,
		CreatedAt:         now,
	}
	if len(metadata) > 0 {
		txn.Metadata = metadata
	}
	if err := tx.Omit(clause.Associations).Create(&txn).Error; err != nil {
		return nil, err
	}

	records := make([]domain.UsageRecord, 0)
	for _, req := range reqs {
		for _, rec := range req.Records {
			rec.ID = s.genID.Generate()
			rec.TransactionID = txn.ID
			if rec.UsageKey == "" {
				rec.UsageKey = req.UsageKey
			}
			rec.CreatedAt = now
			records = append(records, rec)
		}
	}
	if err := tx.Create(&records).Error; err != nil {
		return nil, err
	}
	txn.UsageRecords = records
	return &txn, nil
}

// usedKeys returns the keys that already back a usage record or a transaction.
func usedKeys(tx *gorm.DB, keys []string) (map[string]struct{}, error) {
	used := make(map[string]struct{})
	var found []string
	if err := tx.Model(&domain.UsageRecord{}).Where("usage_key IN ?", keys).Distinct().Pluck("usage_key", &found).Error; err != nil {
		return nil, err
	}
	for _, k := range found {
		used[k] = struct{}{}
	}
	found = found[:0]
	if err := tx.Model(&domain.Transaction{}).Where("usage_key IN ?", keys).Distinct().Pluck("usage_key", &found).Error; err != nil {
		return nil, err
	}
	for _, k := range found {
		used[k] = struct{}{}
	}
	return used, nil
}

func allUsed(keys []string, used map[string]struct{}) bool {
	for _, k := range keys {
		if _, ok := used[k]; !ok {
			return false
		}
	}
	return true
}

func validateDebit(req domain.DebitRequest) error {
	if strings.TrimSpace(req.UsageKey) == "" {
		return domain.ErrInvalidUsageKey
	}
	if req.FeatureEndpointID == 0 {
		return domain.ErrInvalidFeatureEndpoint
	}
	if len(req.Records) == 0 {
		return domain.ErrInvalidRecords
	}
	for _, rec := range req.Records {
		if rec.BilledCredits < 0 {
			return domain.ErrInvalidCredits
		}
	}
	return nil
}

func findWallet(tx *gorm.DB, userID string) (*domain.Wallet, error) {
	var wallet domain.Wallet
	err := tx.Where("user_id = ? AND deleted = ?", userID, false).First(&wallet).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrWalletNotFound
	}
	if err != nil {
		return nil, err
	}
	return &wallet, nil
}

func readBalance(tx *gorm.DB, userID string) (int64, error) {
	wallet, err := findWallet(tx, userID)
	if err != nil {
		return 0, err
	}
	return wallet.Balance, nil
}

// classify maps store failures onto the engine's error kinds. Domain errors
// pass through untouched.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var appErr *apperror.Error
	if errors.As(err, &appErr) {
		return err
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return apperror.Wrap(apperror.KindUpstreamUnavailable, "ledger_timeout", err)
	case db.IsDuplicateKeyErr(err):
		return apperror.Wrap(apperror.KindConflict, domain.ErrDuplicateUsageKey.Code, err)
	case db.IsCheckViolation(err):
		return apperror.Wrap(apperror.KindInsufficientBalance, domain.ErrInsufficientBalance.Code, err)
	default:
		return apperror.Wrap(apperror.KindUpstreamUnavailable, domain.ErrLedgerUnavailable.Code, err)
	}
}
